package mailer

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/gomail.v2"
)

// compose renders msg as an RFC 5322 HTML message from the given sender.
func compose(from, fromName string, msg *Message, now time.Time) ([]byte, error) {
	m := gomail.NewMessage()
	m.SetAddressHeader("From", from, fromName)
	m.SetAddressHeader("To", msg.To.Address, msg.To.Name)
	m.SetHeader("Subject", msg.Subject)
	m.SetHeader("Message-ID", messageID(from))
	m.SetDateHeader("Date", now)
	m.SetBody("text/html", msg.HTML)

	var buf bytes.Buffer
	if _, err := m.WriteTo(&buf); err != nil {
		return nil, fmt.Errorf("compose message: %w", err)
	}
	return buf.Bytes(), nil
}

func messageID(from string) string {
	domain := "localhost"
	if i := strings.LastIndex(from, "@"); i >= 0 && i+1 < len(from) {
		domain = from[i+1:]
	}
	return "<" + uuid.New().String() + "@" + domain + ">"
}
