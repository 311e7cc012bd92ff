package carapace

import (
	"errors"
	"fmt"
)

// Code identifies a pipeline failure. The set is closed: each pipeline
// stage classifies its failure into exactly one code, and no other stage
// may emit that code.
type Code string

const (
	CodeUnknownTool         Code = "UNKNOWN_TOOL"
	CodeValidationFailed    Code = "VALIDATION_FAILED"
	CodeUnauthorized        Code = "UNAUTHORIZED"
	CodeRateLimited         Code = "RATE_LIMITED"
	CodeConfirmationTimeout Code = "CONFIRMATION_TIMEOUT"
	CodeConfirmationDenied  Code = "CONFIRMATION_DENIED"
	CodePluginTimeout       Code = "PLUGIN_TIMEOUT"
	CodePluginUnavailable   Code = "PLUGIN_UNAVAILABLE"
	CodePluginError         Code = "PLUGIN_ERROR"
	CodeHandlerError        Code = "HANDLER_ERROR"
)

// retriableByDefault maps each code to its default retriable flag.
var retriableByDefault = map[Code]bool{
	CodeUnknownTool:         false,
	CodeValidationFailed:    false,
	CodeUnauthorized:        false,
	CodeRateLimited:         true,
	CodeConfirmationTimeout: true,
	CodeConfirmationDenied:  false,
	CodePluginTimeout:       true,
	CodePluginUnavailable:   true,
	CodePluginError:         false,
	CodeHandlerError:        false,
}

// Retriable reports the default retriable flag for c.
func (c Code) Retriable() bool { return retriableByDefault[c] }

// Valid reports whether c belongs to the closed code set.
func (c Code) Valid() bool {
	_, ok := retriableByDefault[c]
	return ok
}

// ErrorPayload is the structured error carried inside a response
// envelope. Exactly one of result/error is non-null on the wire.
type ErrorPayload struct {
	Code       Code   `json:"code"`
	Message    string `json:"message"`
	Retriable  bool   `json:"retriable"`
	Stage      int    `json:"stage,omitempty"`
	Field      string `json:"field,omitempty"`
	RetryAfter int64  `json:"retry_after,omitempty"`
}

func (e *ErrorPayload) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s (stage %d, field %q): %s", e.Code, e.Stage, e.Field, e.Message)
	}
	return fmt.Sprintf("%s (stage %d): %s", e.Code, e.Stage, e.Message)
}

// NewError builds an ErrorPayload with the default retriable flag.
func NewError(code Code, stage int, msg string) *ErrorPayload {
	return &ErrorPayload{
		Code:      code,
		Message:   msg,
		Retriable: code.Retriable(),
		Stage:     stage,
	}
}

// Sentinel errors shared across components.
var (
	// ErrGroupCapExceeded is returned when creating one more session for
	// a group would exceed the configured cap.
	ErrGroupCapExceeded = errors.New("session cap exceeded for group")
	// ErrDuplicateConfirmation is returned when a confirmation id is
	// requested twice.
	ErrDuplicateConfirmation = errors.New("confirmation id already pending")
	// ErrAlreadyStarted is returned by components that may only be
	// started once.
	ErrAlreadyStarted = errors.New("already started")
)

// RegistrationError describes why a tool declaration was rejected by the
// catalog. Registration failures are fatal at startup.
type RegistrationError struct {
	Tool   string
	Reason string
}

func (e *RegistrationError) Error() string {
	return fmt.Sprintf("register tool %q: %s", e.Tool, e.Reason)
}
