package gameserver

import (
	"errors"
	"fmt"
)

// ErrorKind classifies every error the SDK returns to a caller.
type ErrorKind int

const (
	ErrKindBadRequest            ErrorKind = iota // agent rejected the command
	ErrKindInternalServiceError                   // agent answered with a 500
	ErrKindServiceCallFailed                      // command never got a usable answer
	ErrKindLocalConnectionFailed                  // event channel could not be opened
	ErrKindGameSessionIDNotSet                    // no game session has been started yet
	ErrKindTerminationTimeNotSet                  // no terminate event has been received yet
)

var errorKindNames = [...]string{
	ErrKindBadRequest:            "BadRequest",
	ErrKindInternalServiceError:  "InternalServiceError",
	ErrKindServiceCallFailed:     "ServiceCallFailed",
	ErrKindLocalConnectionFailed: "LocalConnectionFailed",
	ErrKindGameSessionIDNotSet:   "GameSessionIdNotSet",
	ErrKindTerminationTimeNotSet: "TerminationTimeNotSet",
}

func (k ErrorKind) String() string {
	if int(k) >= 0 && int(k) < len(errorKindNames) {
		return errorKindNames[k]
	}
	return fmt.Sprintf("ErrorKind(%d)", k)
}

// Sentinel errors, one per kind. Match them with errors.Is; any *Error of the
// same kind compares equal regardless of message or cause.
var (
	ErrBadRequest            = &Error{Kind: ErrKindBadRequest}
	ErrInternalServiceError  = &Error{Kind: ErrKindInternalServiceError}
	ErrServiceCallFailed     = &Error{Kind: ErrKindServiceCallFailed}
	ErrLocalConnectionFailed = &Error{Kind: ErrKindLocalConnectionFailed}
	ErrGameSessionIDNotSet   = &Error{Kind: ErrKindGameSessionIDNotSet}
	ErrTerminationTimeNotSet = &Error{Kind: ErrKindTerminationTimeNotSet}
)

// Error is the failure half of every SDK outcome.
type Error struct {
	Kind    ErrorKind
	Message string
	Cause   error
}

func newError(kind ErrorKind, msg string, cause error) *Error {
	return &Error{Kind: kind, Message: msg, Cause: cause}
}

func (e *Error) Error() string {
	switch {
	case e.Message != "" && e.Cause != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	case e.Message != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	case e.Cause != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Cause)
	}
	return e.Kind.String()
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target is an *Error of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// KindOf returns the kind of err and whether err carries one.
func KindOf(err error) (ErrorKind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return 0, false
}
