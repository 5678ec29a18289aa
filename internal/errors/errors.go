// Package errors provides the error taxonomy shared by the desk's components.
package errors

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Standard sentinel errors
var (
	ErrUnauthorized      = errors.New("not authenticated")
	ErrNotConnected      = errors.New("broker not connected")
	ErrSyncInProgress    = errors.New("instrument sync already running")
	ErrConnectInProgress = errors.New("connect already in progress")
	ErrSubmitInProgress  = errors.New("order already submitting for this row")
	ErrWorkflowClosed    = errors.New("order workflow is not open")
	ErrNotEditable       = errors.New("order can no longer be edited")
	ErrUnknownSegment    = errors.New("unknown segment")
	ErrSymbolNotFound    = errors.New("symbol not found")
	ErrOrderNotFound     = errors.New("order not found")
	ErrConfigInvalid     = errors.New("invalid configuration")
	ErrDatabaseError     = errors.New("database error")
)

// Kind classifies a failure by how the desk reacts to it.
type Kind string

const (
	KindNone         Kind = ""
	KindUnauthorized Kind = "unauthorized"
	KindTransient    Kind = "transient"
	KindValidation   Kind = "validation"
	KindSubmission   Kind = "submission"
)

// BrokerError represents an error from the broker API.
type BrokerError struct {
	Code    string
	Status  int
	Message string
	Err     error
}

func (e *BrokerError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("broker error [%s]: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("broker error [%s]: %s", e.Code, e.Message)
}

func (e *BrokerError) Unwrap() error {
	return e.Err
}

// Unauthorized reports whether the broker denied the request for lack of a
// valid session.
func (e *BrokerError) Unauthorized() bool {
	return e.Status == http.StatusUnauthorized || e.Status == http.StatusForbidden ||
		errors.Is(e.Err, ErrUnauthorized)
}

// NewBrokerError creates a new BrokerError.
func NewBrokerError(code string, status int, message string, err error) *BrokerError {
	return &BrokerError{
		Code:    code,
		Status:  status,
		Message: message,
		Err:     err,
	}
}

// SubmissionError represents an order the broker refused to accept.
type SubmissionError struct {
	Symbol string
	Action string
	Reason string
	Err    error
}

func (e *SubmissionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("order error %s %s: %s: %v", e.Action, e.Symbol, e.Reason, e.Err)
	}
	return fmt.Sprintf("order error %s %s: %s", e.Action, e.Symbol, e.Reason)
}

func (e *SubmissionError) Unwrap() error {
	return e.Err
}

// NewSubmissionError creates a new SubmissionError.
func NewSubmissionError(symbol, action, reason string, err error) *SubmissionError {
	return &SubmissionError{
		Symbol: symbol,
		Action: action,
		Reason: reason,
		Err:    err,
	}
}

// ValidationError represents a validation error.
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error: %s (%v): %s", e.Field, e.Value, e.Message)
}

// NewValidationError creates a new ValidationError.
func NewValidationError(field string, value interface{}, message string) *ValidationError {
	return &ValidationError{
		Field:   field,
		Value:   value,
		Message: message,
	}
}

// KindOf classifies err. A nil error has KindNone; anything unrecognised is
// transient.
func KindOf(err error) Kind {
	if err == nil {
		return KindNone
	}
	if errors.Is(err, ErrUnauthorized) {
		return KindUnauthorized
	}
	var be *BrokerError
	if errors.As(err, &be) && be.Unauthorized() {
		return KindUnauthorized
	}
	var ve *ValidationError
	if errors.As(err, &ve) {
		return KindValidation
	}
	var se *SubmissionError
	if errors.As(err, &se) {
		return KindSubmission
	}
	return KindTransient
}

// IsUnauthorized reports whether err carries an authorization-denied signal.
func IsUnauthorized(err error) bool {
	return KindOf(err) == KindUnauthorized
}

// Message returns the text shown to a user for err.
func Message(err error) string {
	if err == nil {
		return ""
	}
	var ve *ValidationError
	if errors.As(err, &ve) {
		return ve.Message
	}
	var se *SubmissionError
	if errors.As(err, &se) && se.Reason != "" {
		return se.Reason
	}
	if KindOf(err) == KindUnauthorized {
		return "Session expired or not authorized. Reconnect your broker account."
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "The broker took too long to respond. Try again."
	}
	var be *BrokerError
	if errors.As(err, &be) && be.Message != "" {
		return be.Message
	}
	msg := err.Error()
	if msg == "" {
		return "Something went wrong."
	}
	return strings.ToUpper(msg[:1]) + msg[1:]
}

// Wrap wraps an error with additional context.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf wraps an error with formatted context.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target.
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}
