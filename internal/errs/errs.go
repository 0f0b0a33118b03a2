package errs

import (
	"errors"
	"fmt"
)

type Code string

const (
	CodeUnknown         Code = "UNKNOWN"
	CodePersistence     Code = "PERSISTENCE"
	CodeConstraint      Code = "CONSTRAINT"
	CodeSync            Code = "SYNC"
	CodeNotFound        Code = "NOT_FOUND"
	CodeInvalidArgument Code = "INVALID_ARGUMENT"
)

// Error is a classified failure crossing a component boundary.
type Error struct {
	Code    Code
	Op      string
	Message string
	Cause   error
}

func (e *Error) Error() string {
	msg := e.Message
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Cause }

// Is matches another *Error with the same code, so sentinel
// comparisons like errors.Is(err, errs.ErrNotFound) work on wrapped values.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Op == "" && t.Message == "" && t.Code == e.Code
}

// Sentinels for errors.Is.
var (
	ErrPersistence = &Error{Code: CodePersistence}
	ErrConstraint  = &Error{Code: CodeConstraint}
	ErrSync        = &Error{Code: CodeSync}
	ErrNotFound    = &Error{Code: CodeNotFound}
)

func Persistence(op string, cause error) error {
	return &Error{Code: CodePersistence, Op: op, Message: "local write failed", Cause: cause}
}

func Constraint(op, message string) error {
	return &Error{Code: CodeConstraint, Op: op, Message: message}
}

func Sync(op string, cause error) error {
	return &Error{Code: CodeSync, Op: op, Message: "remote push failed", Cause: cause}
}

func NotFound(op, message string) error {
	return &Error{Code: CodeNotFound, Op: op, Message: message}
}

func InvalidArgument(op, message string) error {
	return &Error{Code: CodeInvalidArgument, Op: op, Message: message}
}

// CodeOf returns the code of the outermost classified error in err's chain.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeUnknown
}

func IsPersistence(err error) bool { return CodeOf(err) == CodePersistence }
func IsConstraint(err error) bool  { return CodeOf(err) == CodeConstraint }
func IsSync(err error) bool        { return CodeOf(err) == CodeSync }
func IsNotFound(err error) bool    { return CodeOf(err) == CodeNotFound }
