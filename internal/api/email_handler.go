package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/sungwon/email-service/internal/email"
	"github.com/sungwon/email-service/internal/logger"
)

// maxBodyBytes bounds the size of a send request.
const maxBodyBytes = 1 << 20

// Deliverer renders and sends one task.
type Deliverer interface {
	Deliver(ctx context.Context, t *email.Task) (*email.Outcome, error)
}

// SendEmailHandler handles POST {prefix}/email/.
// Invalid bodies get 422 without touching the mailer. Otherwise the task is
// delivered synchronously and the outcome is returned with an HTTP status
// matching its code.
func SendEmailHandler(d Deliverer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		log := logger.FromContext(r.Context())

		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				respondError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit))
				return
			}
			respondError(w, http.StatusBadRequest, "failed to read request body")
			return
		}

		task, err := email.DecodeTask(body)
		if err != nil {
			log.Warn().Err(err).Msg("rejected email request")
			respondValidationError(w, err)
			return
		}

		outcome, err := d.Deliver(r.Context(), task)
		if err != nil {
			log.Error().Err(err).
				Str("template", task.TemplateName).
				Str("class", email.Classify(err).String()).
				Msg("email request failed")
		}
		respondJSON(w, outcome.Code, outcome)
	}
}
