package deliver

import (
	"errors"
	"fmt"
)

// Kind classifies delivery failures.
type Kind int

const (
	// KindTransientSMTPFailure covers connection, timeout, authentication
	// and 4xx failures. The caller may try again later.
	KindTransientSMTPFailure Kind = iota
	// KindRejected is a permanent refusal by the mail server.
	KindRejected
	KindWriteFailure
	KindInvalidPackage
	KindInvalidDestination
)

func (k Kind) String() string {
	switch k {
	case KindTransientSMTPFailure:
		return "transient smtp failure"
	case KindRejected:
		return "rejected"
	case KindWriteFailure:
		return "write failure"
	case KindInvalidPackage:
		return "invalid package"
	case KindInvalidDestination:
		return "invalid destination"
	}
	return "unknown"
}

// Error is the failure returned by deliverers.
type Error struct {
	Kind        Kind
	Destination string
	Attempts    int
	Err         error
}

func (e *Error) Error() string {
	msg := "deliver"
	if e.Destination != "" {
		msg += " to " + e.Destination
	}
	msg += ": " + e.Kind.String()
	if e.Attempts > 1 {
		msg += fmt.Sprintf(" after %d attempts", e.Attempts)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Transient reports whether retrying later could succeed.
func (e *Error) Transient() bool { return e.Kind == KindTransientSMTPFailure }

// IsKind reports whether err is a delivery Error of the given kind.
func IsKind(err error, kind Kind) bool {
	var de *Error
	return errors.As(err, &de) && de.Kind == kind
}
