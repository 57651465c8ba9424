package email

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrTemplateNotFound is returned when a task names a template that does
	// not exist.
	ErrTemplateNotFound = errors.New("template not found")
	// ErrRender is returned when a template exists but fails to execute with
	// the task context.
	ErrRender = errors.New("template render failed")
)

// FieldError describes one invalid field of a task payload.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Type    string `json:"type"`
}

// InputError reports a malformed or schema-invalid task. It never succeeds
// on retry.
type InputError struct {
	Fields []FieldError
	// Cause is set when the payload could not be decoded at all.
	Cause error
}

func (e *InputError) Error() string {
	if e.Cause != nil {
		return "invalid task: " + e.Cause.Error()
	}
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, f.Field+": "+f.Message)
	}
	return "invalid task: " + strings.Join(parts, "; ")
}

func (e *InputError) Unwrap() error { return e.Cause }

// IsInputError reports whether err is, or wraps, an *InputError.
func IsInputError(err error) bool {
	var ie *InputError
	return errors.As(err, &ie)
}

// Class separates failures that can never succeed from those that may
// succeed on a later attempt.
type Class int

const (
	Transient Class = iota
	Permanent
)

func (c Class) String() string {
	switch c {
	case Permanent:
		return "permanent"
	default:
		return "transient"
	}
}

// Classify maps a dispatch failure to its Class. Input errors and template
// resolution failures are permanent. Everything else, including unknown
// errors and timeouts, is transient so the message is not lost.
func Classify(err error) Class {
	switch {
	case err == nil:
		return Transient
	case IsInputError(err):
		return Permanent
	case errors.Is(err, ErrTemplateNotFound), errors.Is(err, ErrRender):
		return Permanent
	default:
		return Transient
	}
}

// NotFoundError wraps ErrTemplateNotFound with the template name.
func NotFoundError(name string) error {
	return fmt.Errorf("%w: %s", ErrTemplateNotFound, name)
}
