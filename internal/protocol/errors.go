package protocol

import (
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
)

// ErrorType represents the category of a protocol error
type ErrorType int

const (
	// ErrTypeHandshake indicates the identifier or command table could not be read
	ErrTypeHandshake ErrorType = iota
	// ErrTypeBadInstruction indicates a read command was written or a write command was read
	ErrTypeBadInstruction
	// ErrTypeIO indicates a socket read or write failed
	ErrTypeIO
	// ErrTypePayload indicates a payload exceeds MaxPayload
	ErrTypePayload
	// ErrTypeClosed indicates the device connection is gone
	ErrTypeClosed
)

// String returns a human-readable name for the error type
func (et ErrorType) String() string {
	switch et {
	case ErrTypeHandshake:
		return "Handshake Error"
	case ErrTypeBadInstruction:
		return "Bad Instruction"
	case ErrTypeIO:
		return "I/O Error"
	case ErrTypePayload:
		return "Payload Error"
	case ErrTypeClosed:
		return "Connection Closed"
	default:
		return fmt.Sprintf("ErrorType(%d)", et)
	}
}

// Error is returned by protocol and engine operations
type Error struct {
	Type    ErrorType
	Op      string // Operation that failed, e.g. "read response"
	Command string // Command name, if any
	Err     error  // Underlying error, if any
}

// Error implements the error interface
func (e *Error) Error() string {
	msg := e.Type.String()
	if e.Op != "" {
		msg += ": " + e.Op
	}
	if e.Command != "" {
		msg += fmt.Sprintf(" (command %q)", e.Command)
	}
	if e.Err != nil {
		msg += fmt.Sprintf(": %v", e.Err)
	}
	return msg
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Err
}

// NewBadInstruction builds the error reported by strict dispatch
func NewBadInstruction(op, command string) *Error {
	return &Error{Type: ErrTypeBadInstruction, Op: op, Command: command}
}

// WrapIO classifies a socket error. Errors that mean the peer is gone are
// reported as ErrTypeClosed, everything else as ErrTypeIO.
func WrapIO(op, command string, err error) *Error {
	if err == nil {
		return nil
	}
	t := ErrTypeIO
	if isConnGone(err) {
		t = ErrTypeClosed
	}
	return &Error{Type: t, Op: op, Command: command, Err: err}
}

func isConnGone(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE)
}

// IsType reports whether err is a protocol Error of the given type
func IsType(err error, t ErrorType) bool {
	var pErr *Error
	if errors.As(err, &pErr) {
		return pErr.Type == t
	}
	return false
}

// IsBadInstruction reports whether err is a strict dispatch violation
func IsBadInstruction(err error) bool {
	return IsType(err, ErrTypeBadInstruction)
}

// IsClosed reports whether err means the device connection is gone. This
// includes handshake and table errors caused by the peer hanging up.
func IsClosed(err error) bool {
	return IsType(err, ErrTypeClosed) || (err != nil && isConnGone(err))
}

// IsTimeout reports whether err is a deadline expiry
func IsTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
