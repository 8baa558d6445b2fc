// Package errs provides structured error types and helpers for the trading gateway.
package errs

import (
	"errors"
	"strconv"
	"strings"
)

// Code identifies a gateway error category.
type Code string

const (
	// CodeConfig indicates missing or malformed credentials/configuration.
	CodeConfig Code = "config"
	// CodeKeyFormat indicates unparsable private key material.
	CodeKeyFormat Code = "key_format"
	// CodeSigning indicates a cryptographic signing failure.
	CodeSigning Code = "signing"
	// CodeExchange indicates the upstream exchange rejected the call.
	CodeExchange Code = "exchange_error"
	// CodeTimeout indicates no response arrived within the caller's deadline.
	CodeTimeout Code = "timeout"
	// CodeInvalid indicates invalid input provided by the caller.
	CodeInvalid Code = "invalid_request"
	// CodeNetwork indicates a network transport failure.
	CodeNetwork Code = "network"
)

// E captures structured error information produced across the gateway.
type E struct {
	Code    Code
	HTTP    int
	Message string
	RawBody string

	cause error
}

// Option configures an error envelope.
type Option func(*E)

// New constructs an error envelope for the given code.
func New(code Code, opts ...Option) *E {
	e := &E{
		Code:    code,
		HTTP:    0,
		Message: "",
		RawBody: "",
		cause:   nil,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// WithMessage attaches a human-readable message to the error.
func WithMessage(message string) Option {
	trimmed := strings.TrimSpace(message)
	return func(e *E) {
		e.Message = trimmed
	}
}

// WithHTTP records the associated upstream HTTP status code.
func WithHTTP(status int) Option {
	return func(e *E) {
		e.HTTP = status
	}
}

// WithRawBody captures the raw upstream response body.
func WithRawBody(body string) Option {
	return func(e *E) {
		e.RawBody = body
	}
}

// WithCause sets the underlying cause error.
func WithCause(err error) Option {
	return func(e *E) {
		e.cause = err
	}
}

func (e *E) Error() string {
	if e == nil {
		return "<nil>"
	}
	var parts []string

	code := strings.TrimSpace(string(e.Code))
	if code == "" {
		code = "unknown"
	}
	parts = append(parts, "code="+code)

	if e.HTTP > 0 {
		parts = append(parts, "http="+strconv.Itoa(e.HTTP))
	}
	if e.Message != "" {
		parts = append(parts, "message="+strconv.Quote(e.Message))
	}
	if e.RawBody != "" {
		parts = append(parts, "raw_body="+strconv.Quote(e.RawBody))
	}
	if e.cause != nil {
		parts = append(parts, "cause="+strconv.Quote(e.cause.Error()))
	}

	return strings.Join(parts, " ")
}

func (e *E) Unwrap() error { return e.cause }

// CodeOf extracts the gateway error code from err, or empty when err is not
// a gateway error.
func CodeOf(err error) Code {
	var e *E
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsTimeout reports whether err carries the timeout code.
func IsTimeout(err error) bool { return CodeOf(err) == CodeTimeout }

// Config returns a standardized configuration error.
func Config(msg string) *E {
	return New(CodeConfig, WithMessage(strings.TrimSpace(msg)))
}

// Invalid returns a standardized validation error.
func Invalid(msg string) *E {
	return New(CodeInvalid, WithMessage(strings.TrimSpace(msg)))
}
