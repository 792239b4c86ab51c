package conversation

import (
	"context"
	"errors"
	"fmt"
)

// Sentinel kinds. Transports map them to stable wire codes with Code.
var (
	ErrValidation  = errors.New("validation")
	ErrNotFound    = errors.New("not found")
	ErrTimeout     = errors.New("timeout")
	ErrUnavailable = errors.New("storage unavailable")
)

// OpError is a typed operation error with a stable Op + Kind contract.
//   - Kind is one of the sentinel kinds above.
//   - Msg is safe to show to clients; it never carries driver text.
//   - Err is the underlying cause, for logs only.
type OpError struct {
	Op   string
	Kind error
	Msg  string
	Err  error
}

func (e OpError) Error() string {
	s := fmt.Sprintf("%s: %v", e.Op, e.Kind)
	if e.Msg != "" {
		s += ": " + e.Msg
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e OpError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func validation(op, msg string) error {
	return OpError{Op: op, Kind: ErrValidation, Msg: msg}
}

func notFound(op string) error {
	return OpError{Op: op, Kind: ErrNotFound, Msg: "conversation not found"}
}

// storageFailure classifies a driver error. Deadlines and cancellations become
// ErrTimeout, errors that already carry a kind pass through, and anything else
// becomes ErrUnavailable.
func storageFailure(op string, err error) error {
	if err == nil {
		return nil
	}
	var oe OpError
	if errors.As(err, &oe) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return OpError{Op: op, Kind: ErrTimeout, Msg: "storage did not answer in time", Err: err}
	}
	return OpError{Op: op, Kind: ErrUnavailable, Msg: "storage unavailable", Err: err}
}

// IsValidation reports whether err represents ErrValidation.
func IsValidation(err error) bool { return errors.Is(err, ErrValidation) }

// IsNotFound reports whether err represents ErrNotFound.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// IsTimeout reports whether err represents ErrTimeout.
func IsTimeout(err error) bool { return errors.Is(err, ErrTimeout) }

// IsUnavailable reports whether err represents ErrUnavailable.
func IsUnavailable(err error) bool { return errors.Is(err, ErrUnavailable) }

// Code maps err to a stable wire code ("validation", "not_found", "timeout",
// "unavailable"). Unknown errors map to "internal".
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case IsValidation(err):
		return "validation"
	case IsNotFound(err):
		return "not_found"
	case IsTimeout(err):
		return "timeout"
	case IsUnavailable(err):
		return "unavailable"
	default:
		return "internal"
	}
}

// PublicMessage returns the client-safe message of err.
func PublicMessage(err error) string {
	var oe OpError
	if errors.As(err, &oe) && oe.Msg != "" {
		return oe.Msg
	}
	return "internal error"
}
