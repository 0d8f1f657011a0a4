package realtime

import (
	"errors"
	"fmt"
)

var (
	// ErrWouldBlock is returned by NextMessage when no inbound frame is ready.
	// It is the normal idle signal of the poll loop, not a failure.
	ErrWouldBlock = errors.New("realtime: no message ready")

	// ErrNoChannel is returned when a handle or topic no longer resolves to a
	// registered channel.
	ErrNoChannel = errors.New("realtime: no such channel")

	// ErrSenderClosed is returned when the outbound queue no longer accepts
	// envelopes, e.g. after the client was closed.
	ErrSenderClosed = errors.New("realtime: outbound sender closed")

	// ErrNotConnected is returned when an operation needs an open connection.
	ErrNotConnected = errors.New("realtime: connection is not open")

	// ErrClientClosed is returned by NextMessage after Close.
	ErrClientClosed = errors.New("realtime: client closed")

	// ErrTokenExpired is returned by SetAuth for a JWT whose exp has passed.
	ErrTokenExpired = errors.New("realtime: access token expired")
)

// ChannelStateError is a structural refusal caused by the channel's state,
// e.g. sending while the channel is leaving.
type ChannelStateError struct {
	State ChannelState
}

func (e *ChannelStateError) Error() string {
	return fmt.Sprintf("realtime: channel is %s", e.State)
}

// SendError wraps a failure of the outbound queue or transport write
type SendError struct {
	Err error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("realtime: send failed: %v", e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }

// DecodeError reports a frame that could not be decoded
type DecodeError struct {
	Event EventKind
	Err   error
}

func (e *DecodeError) Error() string {
	if e.Event != "" {
		return fmt.Sprintf("realtime: failed to decode %s payload: %v", e.Event, e.Err)
	}
	return fmt.Sprintf("realtime: failed to decode frame: %v", e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// TransportError wraps a failure reported by the transport
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("realtime: transport error: %v", e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// JoinError reports a join request the server rejected
type JoinError struct {
	Topic    string
	Status   ResponseStatus
	Response map[string]interface{}
}

func (e *JoinError) Error() string {
	if reason, ok := e.Response["reason"]; ok {
		return fmt.Sprintf("realtime: join %s failed with status %q: %v", e.Topic, e.Status, reason)
	}
	return fmt.Sprintf("realtime: join %s failed with status %q", e.Topic, e.Status)
}

// ServerError reports a phx_error pushed by the server for a channel
type ServerError struct {
	Topic string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("realtime: channel %s errored on the server", e.Topic)
}

// CallbackPanicError reports a callback that panicked during dispatch
type CallbackPanicError struct {
	Callback string
	Value    interface{}
}

func (e *CallbackPanicError) Error() string {
	return fmt.Sprintf("realtime: %s callback panicked: %v", e.Callback, e.Value)
}
