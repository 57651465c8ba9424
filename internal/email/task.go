package email

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/mail"
	"strings"
)

// Task is a single templated email to send. Build it with NewTask or
// DecodeTask; a Task is not modified after construction.
type Task struct {
	// To is the recipient exactly as supplied, display name included.
	To string
	// Recipient is the parsed form of To.
	Recipient    *mail.Address
	Subject      string
	TemplateName string
	Context      map[string]any
}

// Request is the wire shape of a task, shared by the HTTP body and the
// queue message.
type Request struct {
	To           string         `json:"to"`
	Subject      string         `json:"subject"`
	TemplateName string         `json:"template_name"`
	Context      map[string]any `json:"context"`
}

// NewTask validates req and returns the resulting Task. All field problems
// are reported together in a single *InputError.
func NewTask(req Request) (*Task, error) {
	var errs []FieldError

	var recipient *mail.Address
	switch {
	case strings.TrimSpace(req.To) == "":
		errs = append(errs, FieldError{Field: "to", Message: "field required", Type: "missing"})
	default:
		addr, err := ParseAddress(req.To)
		if err != nil {
			errs = append(errs, FieldError{Field: "to", Message: err.Error(), Type: "value_error"})
		}
		recipient = addr
	}

	if strings.TrimSpace(req.Subject) == "" {
		errs = append(errs, FieldError{Field: "subject", Message: "field required", Type: "missing"})
	}
	if strings.TrimSpace(req.TemplateName) == "" {
		errs = append(errs, FieldError{Field: "template_name", Message: "field required", Type: "missing"})
	}

	if len(errs) > 0 {
		return nil, &InputError{Fields: errs}
	}

	ctx := make(map[string]any, len(req.Context))
	for k, v := range req.Context {
		ctx[k] = v
	}

	return &Task{
		To:           req.To,
		Recipient:    recipient,
		Subject:      req.Subject,
		TemplateName: req.TemplateName,
		Context:      ctx,
	}, nil
}

// DecodeTask decodes a JSON task. The payload may be the task object itself
// or an envelope carrying the task under "data".
func DecodeTask(body []byte) (*Task, error) {
	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, &InputError{Cause: fmt.Errorf("decode body: %w", err)}
	}

	payload := body
	if data, ok := envelope["data"]; ok {
		payload = data
	}

	req, err := decodeRequest(payload)
	if err != nil {
		return nil, err
	}
	return NewTask(req)
}

// decodeRequest unmarshals a request object, turning type mismatches into
// field errors so callers can report which field was wrong.
func decodeRequest(payload []byte) (Request, error) {
	var req Request
	dec := json.NewDecoder(bytes.NewReader(payload))
	if err := dec.Decode(&req); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) && typeErr.Field != "" {
			return Request{}, &InputError{Fields: []FieldError{{
				Field:   typeErr.Field,
				Message: fmt.Sprintf("expected %s, got %s", typeErr.Type, typeErr.Value),
				Type:    "type_error",
			}}}
		}
		return Request{}, &InputError{Cause: fmt.Errorf("decode task: %w", err)}
	}
	return req, nil
}

// ParseAddress parses an RFC 5322 address, with or without a display name,
// and requires a dotted domain part.
func ParseAddress(raw string) (*mail.Address, error) {
	addr, err := mail.ParseAddress(raw)
	if err != nil {
		return nil, fmt.Errorf("value is not a valid email address: %w", err)
	}
	if !IsValidDomain(domainOf(addr.Address)) {
		return nil, fmt.Errorf("value is not a valid email address: invalid domain in %q", addr.Address)
	}
	return addr, nil
}

// IsValidDomain reports whether domain looks like a routable host name:
// non-empty, dotted, and without a leading or trailing dot.
func IsValidDomain(domain string) bool {
	if domain == "" {
		return false
	}
	if strings.HasPrefix(domain, ".") || strings.HasSuffix(domain, ".") {
		return false
	}
	return strings.Contains(domain, ".")
}

func domainOf(address string) string {
	if i := strings.LastIndex(address, "@"); i >= 0 {
		return strings.ToLower(address[i+1:])
	}
	return ""
}
