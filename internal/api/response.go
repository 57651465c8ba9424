package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/sungwon/email-service/internal/email"
)

// respondJSON writes a JSON response with the given status code and data.
// If data is nil, only the status code and Content-Type header are written.
func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// respondError writes a JSON error response with the given status code and message.
func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// validationDetail is one entry of a 422 response body.
type validationDetail struct {
	Loc  []string `json:"loc"`
	Msg  string   `json:"msg"`
	Type string   `json:"type"`
}

// respondValidationError writes a 422 response describing why the request
// body was rejected.
func respondValidationError(w http.ResponseWriter, err error) {
	var ie *email.InputError
	if !errors.As(err, &ie) {
		respondJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"detail": []validationDetail{{Loc: []string{"body"}, Msg: err.Error(), Type: "value_error"}},
		})
		return
	}

	details := make([]validationDetail, 0, len(ie.Fields)+1)
	if ie.Cause != nil {
		details = append(details, validationDetail{
			Loc:  []string{"body"},
			Msg:  ie.Cause.Error(),
			Type: "json_invalid",
		})
	}
	for _, f := range ie.Fields {
		details = append(details, validationDetail{
			Loc:  []string{"body", f.Field},
			Msg:  f.Message,
			Type: f.Type,
		})
	}
	respondJSON(w, http.StatusUnprocessableEntity, map[string]any{"detail": details})
}
