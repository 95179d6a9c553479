// Package apperror defines the error taxonomy shared by the notes service.
package apperror

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for propagation and presentation.
type Kind string

const (
	KindPersistence Kind = "PERSISTENCE" // durable store read/write failed
	KindNotFound    Kind = "NOT_FOUND"   // requested document/version absent
	KindChannel     Kind = "CHANNEL"     // realtime connect/send failed
	KindValidation  Kind = "VALIDATION"  // request cannot be applied
	KindBusy        Kind = "BUSY"        // a save is already in flight
)

// Error carries a Kind, the failing operation and an optional cause.
type Error struct {
	Kind    Kind
	Op      string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	} else if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	if e.Op != "" {
		return fmt.Sprintf("[%s] %s: %s", e.Kind, e.Op, msg)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates an error without a cause.
func New(kind Kind, op, message string) *Error {
	return &Error{Kind: kind, Op: op, Message: message}
}

// Wrap attaches a kind to an underlying error. Wrapping an *Error keeps
// the inner kind so the first classification wins.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	var inner *Error
	if errors.As(err, &inner) {
		return err
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

func Persistence(op string, err error) error { return Wrap(KindPersistence, op, err) }

func NotFound(op, message string) *Error { return New(KindNotFound, op, message) }

func Channel(op string, err error) error { return Wrap(KindChannel, op, err) }

func Validation(op, message string) *Error { return New(KindValidation, op, message) }

func Busy(op, message string) *Error { return New(KindBusy, op, message) }

// KindOf returns the kind of err, or "" when err is not classified.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// Is reports whether err is classified as kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// HTTPStatus maps an error to the status code the REST edge responds with.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindValidation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindBusy:
		return http.StatusConflict
	case KindChannel:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
