// Package email holds the task model shared by the HTTP and queue entry
// points: validation of inbound payloads, the dispatch outcome returned to
// HTTP callers, and the permanent/transient failure classification.
package email

import "net/http"

const (
	msgSent   = "Email sent successfully"
	msgFailed = "Failed to send email"
)

// Outcome is the result of one delivery attempt.
type Outcome struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Detail  string `json:"detail"`
}

// Succeeded builds the outcome for a delivered task.
func Succeeded(t *Task) *Outcome {
	return &Outcome{
		Code:    http.StatusOK,
		Message: msgSent,
		Detail:  "Email sent to " + t.To + " using template " + t.TemplateName,
	}
}

// Failed builds the outcome for a failed delivery.
func Failed(err error) *Outcome {
	return &Outcome{
		Code:    http.StatusInternalServerError,
		Message: msgFailed,
		Detail:  err.Error(),
	}
}

// OK reports whether the outcome is a success.
func (o *Outcome) OK() bool {
	return o.Code == http.StatusOK
}
