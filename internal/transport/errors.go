package transport

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidConfig     = errors.New("invalid transport config")
	ErrTimeout           = errors.New("connection timed out")
	ErrHandshake         = errors.New("handshake failed")
	ErrRemoteClosed      = errors.New("remote closed connection")
	ErrDeadLink          = errors.New("peer stopped acknowledging")
	ErrMessageTooLarge   = errors.New("message exceeds max size")
	ErrSendQueueFull     = errors.New("send queue full")
	ErrUnknownConnection = errors.New("unknown connection id")
	ErrNotConnected      = errors.New("not connected")
	ErrAlreadyActive     = errors.New("connection already active")
	ErrClosed            = errors.New("transport closed")
)

// ErrorKind classifies transport failures.
type ErrorKind int

const (
	// KindConfig: invalid configuration, fatal at construction.
	KindConfig ErrorKind = iota + 1
	// KindConnection: handshake failure, timeout or reset. Recoverable by reconnecting.
	KindConnection
	// KindCapacity: oversized payload or exhausted queue. The operation fails locally.
	KindCapacity
	// KindRace: operation addressed to an unknown or already removed connection id.
	KindRace
	// KindState: operation not allowed in the current lifecycle state.
	KindState
)

func (k ErrorKind) String() string {
	switch k {
	case KindConfig:
		return "config"
	case KindConnection:
		return "connection"
	case KindCapacity:
		return "capacity"
	case KindRace:
		return "race"
	case KindState:
		return "state"
	default:
		return "unknown"
	}
}

type Error struct {
	Kind   ErrorKind
	Op     string
	ConnID int
	Err    error
}

func (e *Error) Error() string {
	if e.ConnID != 0 {
		return fmt.Sprintf("%s conn=%d: %v", e.Op, e.ConnID, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func newError(kind ErrorKind, op string, id int, err error) *Error {
	return &Error{Kind: kind, Op: op, ConnID: id, Err: err}
}

func ConfigError(field string, format string, args ...any) error {
	return newError(KindConfig, "config", 0, fmt.Errorf("%w: %s %s", ErrInvalidConfig, field, fmt.Sprintf(format, args...)))
}

func ConnectionError(op string, id int, err error) error {
	return newError(KindConnection, op, id, err)
}

func CapacityError(op string, id int, err error) error {
	return newError(KindCapacity, op, id, err)
}

func RaceError(op string, id int) error {
	return newError(KindRace, op, id, ErrUnknownConnection)
}

func StateError(op string, err error) error {
	return newError(KindState, op, 0, err)
}

// KindOf reports the ErrorKind carried by err, or 0 when err is not a *Error.
func KindOf(err error) ErrorKind {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	return 0
}
