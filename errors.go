package whisperbox

import (
	"errors"
	"fmt"
)

var (
	// ErrNotOpen is returned when a frame is transmitted while the connection
	// is not open.
	ErrNotOpen = errors.New("connection not open")

	// ErrExhaustedReconnect is reported when the reconnect budget is spent.
	// The connection stays failed until the caller opens it again.
	ErrExhaustedReconnect = errors.New("reconnect attempts exhausted")

	// ErrUnknownConversation is returned for operations on a conversation
	// the store has never seen.
	ErrUnknownConversation = errors.New("unknown conversation")

	// ErrShutdown is returned by a ConnectionManager after Shutdown.
	ErrShutdown = errors.New("connection manager shut down")
)

// ConnectionError is a transient transport failure. The ConnectionManager
// absorbs it and reconnects with backoff.
type ConnectionError struct {
	Op  string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection %s: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// ProtocolError describes a frame that could not be decoded or routed.
type ProtocolError struct {
	Reason string
	Frame  []byte
	Err    error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("protocol: %s: %v", e.Reason, e.Err)
	}
	return "protocol: " + e.Reason
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// ValidationError rejects a send before any side effect happened.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// SendFailure reports an optimistic send that was rolled back. Text holds the
// restored input.
type SendFailure struct {
	ConversationKey string
	MessageID       string
	Text            string
	Err             error
}

func (e *SendFailure) Error() string {
	return fmt.Sprintf("send to %s failed: %v", e.ConversationKey, e.Err)
}

func (e *SendFailure) Unwrap() error { return e.Err }
