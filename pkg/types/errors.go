package types

import (
	"context"
	"errors"
	"fmt"
)

// ErrorKind is the stable classification carried by every *Error.
type ErrorKind string

// Error kinds.
const (
	KindConnection          ErrorKind = "ConnectionError"
	KindNotInitialized      ErrorKind = "NotInitializedError"
	KindAlreadyClosed       ErrorKind = "AlreadyClosedError"
	KindInvalidSchema       ErrorKind = "InvalidSchemaError"
	KindUnsupportedOperator ErrorKind = "UnsupportedOperatorError"
	KindUnknownBackend      ErrorKind = "UnknownBackendError"
	KindNotFound            ErrorKind = "NotFoundError"
	KindDatabase            ErrorKind = "DatabaseError"
)

// Sentinels for errors.Is. An *Error matches the sentinel of its kind.
var (
	ErrConnection          = errors.New("connection error")
	ErrNotInitialized      = errors.New("adapter is not initialized")
	ErrAlreadyClosed       = errors.New("adapter is already closed")
	ErrInvalidSchema       = errors.New("invalid schema")
	ErrUnsupportedOperator = errors.New("unsupported operator")
	ErrUnknownBackend      = errors.New("unknown backend")
	ErrNotFound            = errors.New("record not found")
	ErrDatabase            = errors.New("database error")
)

var sentinels = map[ErrorKind]error{
	KindConnection:          ErrConnection,
	KindNotInitialized:      ErrNotInitialized,
	KindAlreadyClosed:       ErrAlreadyClosed,
	KindInvalidSchema:       ErrInvalidSchema,
	KindUnsupportedOperator: ErrUnsupportedOperator,
	KindUnknownBackend:      ErrUnknownBackend,
	KindNotFound:            ErrNotFound,
	KindDatabase:            ErrDatabase,
}

// Error is the only error type adapters return. Cause holds the original
// backend error, if any, and is reachable through errors.Unwrap.
type Error struct {
	Kind     ErrorKind
	Backend  Backend
	Op       string   // adapter operation, e.g. "create"
	Operator Operator // set for KindUnsupportedOperator
	Message  string
	Cause    error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = sentinels[e.Kind].Error()
	}
	prefix := string(e.Kind)
	if e.Backend != "" {
		prefix = fmt.Sprintf("%s [%s]", prefix, e.Backend)
	}
	if e.Op != "" {
		prefix = fmt.Sprintf("%s %s", prefix, e.Op)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, msg, e.Cause)
	}
	return fmt.Sprintf("%s: %s", prefix, msg)
}

// Unwrap returns the original backend error.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target is the sentinel for e's kind.
func (e *Error) Is(target error) bool {
	s, ok := sentinels[e.Kind]
	return ok && target == s
}

// NewError builds an *Error of the given kind.
func NewError(kind ErrorKind, backend Backend, op, message string, cause error) *Error {
	return &Error{Kind: kind, Backend: backend, Op: op, Message: message, Cause: cause}
}

// UnsupportedOperator reports an operator the backend cannot realize.
func UnsupportedOperator(backend Backend, op Operator) *Error {
	return &Error{
		Kind:     KindUnsupportedOperator,
		Backend:  backend,
		Operator: op,
		Message:  fmt.Sprintf("operator %s is not supported by %s", op, backend),
	}
}

// InvalidSchema reports a descriptor that fails structural validation. path
// names the offending field, using dots for nesting.
func InvalidSchema(path, reason string) *Error {
	msg := reason
	if path != "" {
		msg = fmt.Sprintf("field %q: %s", path, reason)
	}
	return &Error{Kind: KindInvalidSchema, Message: msg}
}

// Malformed reports a query or update the caller built incorrectly. These
// surface as KindDatabase, the same kind a backend rejecting a malformed
// native query produces.
func Malformed(format string, args ...any) *Error {
	return &Error{Kind: KindDatabase, Message: fmt.Sprintf(format, args...)}
}

// KindOf returns the kind of err, or "" if err is not an *Error.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsTimeout reports whether err was caused by an operation deadline.
func IsTimeout(err error) bool {
	return errors.Is(err, context.DeadlineExceeded)
}

// Wrap converts err into an *Error of the given kind unless it already is
// one, in which case a copy with missing Backend and Op filled in is
// returned. err itself is never modified.
func Wrap(kind ErrorKind, backend Backend, op string, err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		c := *e
		if c.Backend == "" {
			c.Backend = backend
		}
		if c.Op == "" {
			c.Op = op
		}
		return &c
	}
	msg := ""
	if IsTimeout(err) {
		msg = "operation timed out"
	}
	return &Error{Kind: kind, Backend: backend, Op: op, Message: msg, Cause: err}
}
