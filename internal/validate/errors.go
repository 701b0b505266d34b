package validate

import (
	"errors"
	"fmt"
	"strings"
)

type ErrorType string

const (
	ErrorTypeRequired      ErrorType = "required"
	ErrorTypeInvalidFormat ErrorType = "invalid_format"
	ErrorTypeInvalidLength ErrorType = "invalid_length"
	ErrorTypeInvalidValue  ErrorType = "invalid_value"
	ErrorTypeInvalidRange  ErrorType = "invalid_range"
)

// FieldError describes one rejected input field.
type FieldError struct {
	Field   string    `json:"field"`
	Type    ErrorType `json:"type"`
	Message string    `json:"message"`
}

func (fe FieldError) Error() string {
	return fmt.Sprintf("%s: %s", fe.Field, fe.Message)
}

// Error collects every field error found in one payload.
type Error struct {
	Errors []FieldError
}

func (e *Error) Error() string {
	switch len(e.Errors) {
	case 0:
		return "validation failed"
	case 1:
		return e.Errors[0].Error()
	}
	msgs := make([]string, 0, len(e.Errors))
	for _, fe := range e.Errors {
		msgs = append(msgs, fe.Error())
	}
	return "validation failed: " + strings.Join(msgs, "; ")
}

func (e *Error) HasErrors() bool { return len(e.Errors) > 0 }

func (e *Error) add(field string, typ ErrorType, msg string) {
	e.Errors = append(e.Errors, FieldError{Field: field, Type: typ, Message: msg})
}

func (e *Error) required(field string) {
	e.add(field, ErrorTypeRequired, "is required")
}

func (e *Error) length(field string, min, max int) {
	if min > 0 {
		e.add(field, ErrorTypeInvalidLength, fmt.Sprintf("must be between %d and %d characters", min, max))
		return
	}
	e.add(field, ErrorTypeInvalidLength, fmt.Sprintf("must be at most %d characters", max))
}

func (e *Error) invalid(field, reason string) {
	e.add(field, ErrorTypeInvalidValue, reason)
}

// Field returns the errors recorded for one field.
func (e *Error) Field(name string) []FieldError {
	var out []FieldError
	for _, fe := range e.Errors {
		if fe.Field == name {
			out = append(out, fe)
		}
	}
	return out
}

// orNil keeps callers from returning a typed nil inside an error interface.
func (e *Error) orNil() error {
	if e.HasErrors() {
		return e
	}
	return nil
}

// IsError reports whether err wraps a validation failure.
func IsError(err error) bool {
	var ve *Error
	return errors.As(err, &ve)
}

// AsError unwraps a validation failure from err.
func AsError(err error) (*Error, bool) {
	var ve *Error
	if errors.As(err, &ve) {
		return ve, true
	}
	return nil, false
}
