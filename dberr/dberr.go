// Package dberr classifies the errors returned by the storage kernel.
package dberr

import (
	"errors"
	"fmt"
)

type Class int

const (
	Unknown Class = iota
	Resource
	Contention
	Corruption
	Logic
)

func (c Class) String() string {
	switch c {
	case Resource:
		return "resource"
	case Contention:
		return "contention"
	case Corruption:
		return "corruption"
	case Logic:
		return "logic"
	default:
		return fmt.Sprintf("Class(%d)", int(c))
	}
}

// Error is a classified error; Op names the operation that failed.
type Error struct {
	Class Class
	Op    string
	Err   error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(cls Class, msg string) *Error {
	return &Error{Class: cls, Err: errors.New(msg)}
}

var (
	ErrContainerFull = newError(Resource, "container full")
	ErrLogFull       = newError(Resource, "log full")

	ErrLockTimeout = newError(Contention, "lock timeout")
	ErrDeadlock    = newError(Contention, "deadlock victim")

	ErrPageCorrupt = newError(Corruption, "page checksum mismatch")
	ErrLogCorrupt  = newError(Corruption, "malformed log record")

	ErrClosed       = newError(Logic, "closed")
	ErrRowNotFound  = newError(Logic, "row not found")
	ErrDuplicateKey = newError(Logic, "duplicate key")
	ErrNotSupported = newError(Logic, "operation not supported")
	ErrKeyTooLarge  = newError(Logic, "key too large")
	ErrRowTooLarge  = newError(Logic, "row too large")
	ErrTxnDoomed    = newError(Logic, "transaction must abort")
	ErrTxnComplete  = newError(Logic, "transaction already completed")
	ErrBadSavepoint = newError(Logic, "unknown savepoint")

	ErrNoConglomerate     = newError(Logic, "no such conglomerate")
	ErrConglomerateExists = newError(Logic, "conglomerate already exists")
)

// Wrap returns err annotated with op; the class of err is preserved.
func Wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Class: ClassOf(err), Op: op, Err: err}
}

// New returns a new error of class cls.
func New(cls Class, op string, format string, args ...interface{}) error {
	return &Error{Class: cls, Op: op, Err: fmt.Errorf(format, args...)}
}

// ClassOf returns the class of the first classified error in the chain of err.
func ClassOf(err error) Class {
	var e *Error
	if errors.As(err, &e) {
		if e.Class == Unknown && e.Err != nil {
			return ClassOf(e.Err)
		}
		return e.Class
	}
	return Unknown
}

// IsRetryable reports whether the transaction that got err may be retried after it aborts.
func IsRetryable(err error) bool {
	return ClassOf(err) == Contention
}

// IsFatal reports whether err means the database (or a container) can no longer be trusted.
func IsFatal(err error) bool {
	return ClassOf(err) == Corruption
}
