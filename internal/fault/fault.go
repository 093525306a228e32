// Package fault classifies monitoring failures into the kinds the engine
// turns into retry, skip and restart decisions.
package fault

import (
	"context"
	"errors"
	"fmt"
)

type Kind int

const (
	KindUnknown Kind = iota
	// KindNavigation: element/page not found or a wait timed out.
	KindNavigation
	// KindSession: the automation session is unusable and must be relaunched.
	KindSession
	// KindExtraction: the calendar DOM had an unexpected shape.
	KindExtraction
	// KindDelivery: a push delivery did not succeed.
	KindDelivery
	// KindPersistence: snapshot or subscription I/O failed.
	KindPersistence
)

func (k Kind) String() string {
	switch k {
	case KindNavigation:
		return "navigation"
	case KindSession:
		return "session"
	case KindExtraction:
		return "extraction"
	case KindDelivery:
		return "delivery"
	case KindPersistence:
		return "persistence"
	default:
		return "unknown"
	}
}

// Error tags an underlying error with a Kind and the operation that failed.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s failure: %s", e.Kind, e.Op)
	}
	return fmt.Sprintf("%s failure: %s: %v", e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func wrap(kind Kind, op string, err error) error {
	// Keep the innermost session classification: a session loss observed
	// during navigation is still a session loss.
	if kind != KindSession && Is(err, KindSession) {
		return err
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

func Navigation(op string, err error) error  { return wrap(KindNavigation, op, err) }
func Session(op string, err error) error     { return wrap(KindSession, op, err) }
func Extraction(op string, err error) error  { return wrap(KindExtraction, op, err) }
func Delivery(op string, err error) error    { return wrap(KindDelivery, op, err) }
func Persistence(op string, err error) error { return wrap(KindPersistence, op, err) }

// KindOf returns the outermost Kind attached to err.
//
// A bare context.DeadlineExceeded counts as a navigation failure: every wait
// in the engine is bounded and an expired wait is retried like a missing element.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindNavigation
	}
	return KindUnknown
}

// Is reports whether any error in err's chain carries kind.
func Is(err error, kind Kind) bool {
	for err != nil {
		var fe *Error
		if !errors.As(err, &fe) {
			break
		}
		if fe.Kind == kind {
			return true
		}
		err = fe.Err
	}
	if kind == KindNavigation && err != nil && errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return false
}
