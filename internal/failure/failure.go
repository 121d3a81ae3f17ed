// Package failure classifies the errors the daemon catches and logs at the
// point of failure. None of these kinds is fatal; they exist so call sites
// can decide how to react (the popup reverts a checkbox on Persistence, the
// effects layer only logs) without string matching.
package failure

import (
	"errors"
	"fmt"
)

// Kind is the error taxonomy shared by stores, actuators and trigger sources.
type Kind int

const (
	// Persistence means a store read or write failed.
	Persistence Kind = iota + 1
	// Permission means a capability request was denied or errored.
	Permission
	// Actuator means an OS-level call (wake lock, icon, surface) failed.
	Actuator
	// Query means an enumeration (download search, battery probe) failed.
	Query
)

func (k Kind) String() string {
	switch k {
	case Persistence:
		return "persistence"
	case Permission:
		return "permission"
	case Actuator:
		return "actuator"
	case Query:
		return "query"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// ParseKind is the inverse of Kind.String. Unknown names yield 0.
func ParseKind(s string) Kind {
	for k := Persistence; k <= Query; k++ {
		if k.String() == s {
			return k
		}
	}
	return 0
}

// Error carries a Kind, the operation that failed and the underlying cause.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s failed", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New wraps err with kind and op. A nil err yields nil so callers can write
// `return failure.New(failure.Persistence, "prefs.set", err)` unconditionally.
func New(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// Is reports whether any error in err's chain is a *Error of the given kind.
func Is(err error, kind Kind) bool {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind == kind
	}
	return false
}

// KindOf returns the kind of the first *Error in err's chain, or 0.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return 0
}

// ErrDenied is returned inside a Permission error when the gate refused a
// capability without an underlying system error.
var ErrDenied = errors.New("capability denied")
