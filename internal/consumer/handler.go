// Package consumer turns broker deliveries into email tasks and decides
// whether each message is settled or retried.
package consumer

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/sungwon/email-service/internal/broker"
	"github.com/sungwon/email-service/internal/dedup"
	"github.com/sungwon/email-service/internal/email"
	"github.com/sungwon/email-service/internal/metrics"
)

// Deliverer renders and sends a task.
type Deliverer interface {
	Deliver(ctx context.Context, t *email.Task) (*email.Outcome, error)
}

// Handler is the per-message callback registered on the email channel.
type Handler struct {
	delivery Deliverer
	guard    dedup.Store
	log      zerolog.Logger
}

// NewHandler creates a Handler. guard may be nil to disable the redelivery
// guard.
func NewHandler(delivery Deliverer, guard dedup.Store, log zerolog.Logger) *Handler {
	if guard == nil {
		guard = dedup.Noop{}
	}
	return &Handler{
		delivery: delivery,
		guard:    guard,
		log:      log.With().Str("component", "consumer").Logger(),
	}
}

// Handle processes one message. A nil return settles the message: it was
// delivered, is a known duplicate, or can never succeed. A non-nil return
// asks the broker to requeue it.
func (h *Handler) Handle(ctx context.Context, msg broker.Message) error {
	log := h.log.With().
		Str("message_id", msg.ID).
		Bool("redelivered", msg.Redelivered).
		Logger()

	// Every decode failure is an *email.InputError and can never succeed.
	task, err := email.DecodeTask(msg.Body)
	if err != nil {
		metrics.ConsumerMessagesTotal.WithLabelValues("dropped").Inc()
		log.Warn().Err(err).Msg("dropping invalid message")
		return nil
	}

	log = log.With().
		Str("to", task.Recipient.Address).
		Str("template", task.TemplateName).
		Logger()

	if msg.ID != "" {
		seen, err := h.guard.Seen(ctx, msg.ID)
		if err != nil {
			log.Warn().Err(err).Msg("redelivery guard lookup failed, continuing")
		} else if seen {
			metrics.ConsumerMessagesTotal.WithLabelValues("duplicate").Inc()
			log.Info().Msg("message already delivered, skipping")
			return nil
		}
	}

	outcome, err := h.delivery.Deliver(ctx, task)
	if err != nil {
		if email.Classify(err) == email.Permanent {
			metrics.ConsumerMessagesTotal.WithLabelValues("dropped").Inc()
			log.Error().Err(err).Msg("permanent delivery failure, dropping message")
			return nil
		}
		metrics.ConsumerMessagesTotal.WithLabelValues("requeued").Inc()
		log.Warn().Err(err).Msg("transient delivery failure, requeueing message")
		return err
	}

	if msg.ID != "" {
		if err := h.guard.Mark(context.WithoutCancel(ctx), msg.ID); err != nil {
			log.Warn().Err(err).Msg("failed to record delivered message")
		}
	}

	metrics.ConsumerMessagesTotal.WithLabelValues("acked").Inc()
	log.Info().Msg(outcome.Detail)
	return nil
}
