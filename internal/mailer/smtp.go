package mailer

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/mail"
	"strconv"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"github.com/rs/zerolog"

	"github.com/sungwon/email-service/internal/metrics"
)

const defaultTimeout = 30 * time.Second

// SMTPSender delivers messages over SMTP, one connection per message.
// Its configuration is read-only after construction.
type SMTPSender struct {
	cfg      Config
	addr     string
	from     string
	fromName string
	signer   *Signer
	log      zerolog.Logger
	now      func() time.Time
}

// NewSMTPSender creates an SMTPSender. signer may be nil.
func NewSMTPSender(cfg Config, signer *Signer, log zerolog.Logger) (*SMTPSender, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	from, err := mail.ParseAddress(cfg.From)
	if err != nil {
		return nil, fmt.Errorf("parse from address: %w", err)
	}
	fromName := cfg.FromName
	if fromName == "" {
		fromName = from.Name
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}

	return &SMTPSender{
		cfg:      cfg,
		addr:     net.JoinHostPort(cfg.Server, strconv.Itoa(cfg.Port)),
		from:     from.Address,
		fromName: fromName,
		signer:   signer,
		log:      log.With().Str("component", "mailer").Str("driver", "smtp").Logger(),
		now:      time.Now,
	}, nil
}

func (s *SMTPSender) Name() string { return "smtp" }

// Send composes, optionally signs, and transmits msg. Cancelling ctx aborts
// the attempt by closing the connection.
func (s *SMTPSender) Send(ctx context.Context, msg *Message) error {
	start := time.Now()
	err := s.send(ctx, msg)
	metrics.MailSendDuration.WithLabelValues(s.Name()).Observe(time.Since(start).Seconds())

	if err != nil {
		metrics.MailSendTotal.WithLabelValues(s.Name(), "failed").Inc()
		s.log.Error().Err(err).
			Str("server", s.addr).
			Str("to", msg.To.Address).
			Msg("smtp send failed")
		return err
	}

	metrics.MailSendTotal.WithLabelValues(s.Name(), "sent").Inc()
	s.log.Info().
		Str("server", s.addr).
		Str("to", msg.To.Address).
		Int64("duration_ms", time.Since(start).Milliseconds()).
		Msg("smtp message accepted")
	return nil
}

func (s *SMTPSender) send(ctx context.Context, msg *Message) error {
	raw, err := compose(s.from, s.fromName, msg, s.now())
	if err != nil {
		return err
	}
	if s.signer != nil {
		if raw, err = s.signer.Sign(raw, s.from); err != nil {
			return err
		}
	}

	c, err := s.dialContext(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			c.Close()
		case <-done:
		}
	}()

	c.CommandTimeout = s.cfg.Timeout
	c.SubmissionTimeout = s.cfg.Timeout

	if s.cfg.UseCredentials && s.cfg.Username != "" {
		if err := c.Auth(sasl.NewPlainClient("", s.cfg.Username, s.cfg.Password)); err != nil {
			return s.wrap(ctx, "auth", err)
		}
	}

	if err := c.SendMail(s.from, []string{msg.To.Address}, bytes.NewReader(raw)); err != nil {
		return s.wrap(ctx, "send", err)
	}
	if err := c.Quit(); err != nil {
		s.log.Debug().Err(err).Msg("smtp quit failed after successful send")
	}
	return nil
}

type dialResult struct {
	client *smtp.Client
	err    error
}

// dialContext opens the connection in the configured TLS mode. go-smtp's
// dial helpers take no context, so a cancelled dial is abandoned and the
// late client closed.
func (s *SMTPSender) dialContext(ctx context.Context) (*smtp.Client, error) {
	ch := make(chan dialResult, 1)
	go func() {
		c, err := s.dial()
		ch <- dialResult{client: c, err: err}
	}()

	timer := time.NewTimer(s.cfg.Timeout)
	defer timer.Stop()

	select {
	case r := <-ch:
		if r.err != nil {
			return nil, fmt.Errorf("smtp dial %s: %w", s.addr, r.err)
		}
		return r.client, nil
	case <-ctx.Done():
		go closeLate(ch)
		return nil, fmt.Errorf("smtp dial %s: %w", s.addr, ctx.Err())
	case <-timer.C:
		go closeLate(ch)
		return nil, fmt.Errorf("smtp dial %s: timed out after %s", s.addr, s.cfg.Timeout)
	}
}

func closeLate(ch <-chan dialResult) {
	if r := <-ch; r.client != nil {
		r.client.Close()
	}
}

func (s *SMTPSender) dial() (*smtp.Client, error) {
	tlsConfig := &tls.Config{
		ServerName:         s.cfg.Server,
		InsecureSkipVerify: !s.cfg.ValidateCerts, //nolint:gosec // Operator opt-out for self-signed relays.
	}

	switch {
	case s.cfg.SSLTLS:
		return smtp.DialTLS(s.addr, tlsConfig)
	case s.cfg.StartTLS:
		return smtp.DialStartTLS(s.addr, tlsConfig)
	default:
		return smtp.Dial(s.addr)
	}
}

// wrap prefers the context error when the failure was caused by
// cancellation closing the connection.
func (s *SMTPSender) wrap(ctx context.Context, stage string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("smtp %s: %w (%v)", stage, ctxErr, err)
	}
	return fmt.Errorf("smtp %s: %w", stage, err)
}
