package delivery

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/sungwon/email-service/internal/email"
	"github.com/sungwon/email-service/internal/mailer"
	"github.com/sungwon/email-service/internal/metrics"
)

// Renderer produces the HTML body for a named template.
type Renderer interface {
	Render(name string, data map[string]any) (string, error)
}

// Service renders a task's template and hands the result to the mailer.
// Both the HTTP handler and the queue consumer deliver through it.
type Service struct {
	renderer Renderer
	sender   mailer.Sender
	log      zerolog.Logger
}

// NewService creates a Service.
func NewService(renderer Renderer, sender mailer.Sender, log zerolog.Logger) *Service {
	return &Service{
		renderer: renderer,
		sender:   sender,
		log:      log.With().Str("component", "delivery").Logger(),
	}
}

// Deliver renders and sends t once. The returned Outcome is always non-nil;
// the error is non-nil exactly when the outcome is a failure and can be
// passed to email.Classify.
func (s *Service) Deliver(ctx context.Context, t *email.Task) (*email.Outcome, error) {
	html, err := s.renderer.Render(t.TemplateName, t.Context)
	if err != nil {
		metrics.TemplateRenderFailuresTotal.Inc()
		s.log.Error().Err(err).
			Str("template", t.TemplateName).
			Str("to", t.Recipient.Address).
			Msg("template render failed")
		err = fmt.Errorf("render template: %w", err)
		return email.Failed(err), err
	}

	msg := &mailer.Message{
		To:      t.Recipient,
		Subject: t.Subject,
		HTML:    html,
	}

	if err := s.sender.Send(ctx, msg); err != nil {
		s.log.Error().Err(err).
			Str("driver", s.sender.Name()).
			Str("template", t.TemplateName).
			Str("to", t.Recipient.Address).
			Msg("mail send failed")
		err = fmt.Errorf("send mail: %w", err)
		return email.Failed(err), err
	}

	outcome := email.Succeeded(t)
	s.log.Info().
		Str("driver", s.sender.Name()).
		Str("template", t.TemplateName).
		Str("to", t.Recipient.Address).
		Msg(outcome.Detail)
	return outcome, nil
}
