// Package errs defines the error taxonomy shared by the engine packages.
//
// Every error crossing a package boundary is an *Error carrying one of the
// sentinel kinds below, so callers (HTTP layer, scheduler) can classify it with
// errors.Is without knowing which component produced it.
package errs

import (
	"errors"
	"fmt"
)

// Sentinel kinds. Use with errors.Is or Is.
var (
	// ErrValidation marks malformed input, a missing/short reason or an invalid tier target.
	ErrValidation = errors.New("validation failed")
	// ErrNotFound marks an unknown partner or achievement id.
	ErrNotFound = errors.New("not found")
	// ErrForbidden marks an actor without admin rights attempting a manual override.
	ErrForbidden = errors.New("forbidden")
	// ErrInternal marks an unreachable config store or persistence layer.
	ErrInternal = errors.New("internal error")
	// ErrConflict marks a lost optimistic-concurrency race. Retryable.
	ErrConflict = errors.New("conflict")
)

// Error is a classified error produced by an engine operation.
type Error struct {
	Op   string // operation, e.g. "achievement.award"
	Kind error  // one of the sentinel kinds
	Err  error  // underlying cause, may be nil
}

func (e *Error) Error() string {
	switch {
	case e.Err == nil:
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	case e.Op == "":
		return fmt.Sprintf("%v: %v", e.Kind, e.Err)
	default:
		return fmt.Sprintf("%s: %v: %v", e.Op, e.Kind, e.Err)
	}
}

// Unwrap exposes both the kind and the cause to errors.Is/As.
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// New builds a classified error with a formatted message as the cause.
func New(op string, kind error, format string, args ...any) error {
	return &Error{Op: op, Kind: kind, Err: fmt.Errorf(format, args...)}
}

// Wrap classifies err under kind. A nil err yields nil.
func Wrap(op string, kind, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Op: op, Kind: kind, Err: err}
}

// Is reports whether err is classified as kind.
func Is(err, kind error) bool {
	return errors.Is(err, kind)
}

// KindOf returns the first sentinel kind found in err's chain, or ErrInternal
// for unclassified errors.
func KindOf(err error) error {
	for _, k := range []error{ErrValidation, ErrNotFound, ErrForbidden, ErrConflict, ErrInternal} {
		if errors.Is(err, k) {
			return k
		}
	}
	return ErrInternal
}

// Classify wraps err under the kind already present in its chain, defaulting
// to ErrInternal. Errors that are already classified pass through unchanged.
// A nil err yields nil.
func Classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	return &Error{Op: op, Kind: KindOf(err), Err: err}
}

// Sentinel returns a package-level sentinel error whose message is msg and
// which classifies as kind. Packages use it for their own errors.go entries.
func Sentinel(kind error, msg string) error {
	return &sentinel{kind: kind, msg: msg}
}

type sentinel struct {
	kind error
	msg  string
}

func (s *sentinel) Error() string { return s.msg }
func (s *sentinel) Unwrap() error { return s.kind }
