package ntr

import (
	"fmt"

	"github.com/pkg/errors"
)

// Errors returned by connection operations.
var (
	// ErrConnectionClosed is returned when operating on a connection closed by Close.
	ErrConnectionClosed = errors.New("connection closed")
	// ErrDisconnected is returned to callers when the receiver stops, for
	// example because the peer closed the stream.
	ErrDisconnected = errors.New("disconnected")
	// ErrProtocolDesync is returned when a header does not start with Magic.
	ErrProtocolDesync = errors.New("protocol desync")
	// ErrMessageTooLarge is returned when a payload exceeds the maximum allowed size.
	ErrMessageTooLarge = errors.New("message too large")
	// ErrInvalidSize is returned for reads or writes whose length does not fit the header.
	ErrInvalidSize = errors.New("invalid size")
)

// ConnectError is returned by Dial when the socket cannot be opened.
type ConnectError struct {
	Addr string
	Err  error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connect %s: %v", e.Addr, e.Err)
}

func (e *ConnectError) Unwrap() error {
	return e.Err
}

// DisconnectError reports why the receiver stopped. It matches
// ErrDisconnected and unwraps to the cause.
type DisconnectError struct {
	Cause error
}

func (e *DisconnectError) Error() string {
	return "disconnected: " + e.Cause.Error()
}

func (e *DisconnectError) Is(target error) bool {
	return target == ErrDisconnected
}

func (e *DisconnectError) Unwrap() error {
	return e.Cause
}
