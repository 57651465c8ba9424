package mailer

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/sungwon/email-service/internal/metrics"
)

// Stdout implements Sender by writing messages to standard output.
// Intended for development and debugging; messages are never actually delivered.
type Stdout struct {
	writer io.Writer
	from   string
}

// NewStdout creates a Stdout sender that prints messages to os.Stdout.
func NewStdout(cfg Config) *Stdout {
	return &Stdout{writer: os.Stdout, from: cfg.From}
}

func (s *Stdout) Name() string { return "stdout" }

// Send prints the message details and always succeeds unless the write fails.
func (s *Stdout) Send(_ context.Context, msg *Message) error {
	var b strings.Builder
	b.WriteString("--- stdout mailer: message ---\n")
	fmt.Fprintf(&b, "From:    %s\n", s.from)
	fmt.Fprintf(&b, "To:      %s\n", msg.To.String())
	fmt.Fprintf(&b, "Subject: %s\n", msg.Subject)
	fmt.Fprintf(&b, "Body:    (%d bytes)\n", len(msg.HTML))
	b.WriteString(msg.HTML)
	b.WriteString("\n--- end ---\n")

	if _, err := io.WriteString(s.writer, b.String()); err != nil {
		metrics.MailSendTotal.WithLabelValues(s.Name(), "failed").Inc()
		return fmt.Errorf("stdout: write: %w", err)
	}
	metrics.MailSendTotal.WithLabelValues(s.Name(), "sent").Inc()
	return nil
}
