package channels

import (
	"context"
	"fmt"
	"time"
)

// Message is one inbound chat message, normalized across transports.
type Message struct {
	ChatID          int64
	ThreadID        *int // nil outside forum topics
	Text            string
	ReceivedAt      time.Time
	SourceMessageID int
}

// Update pairs a transport cursor position with its message. Updates that
// carry no usable message have a nil Message and only advance the cursor.
type Update struct {
	UpdateID int64
	Message  *Message
}

// Outbound is one message to deliver. A nil ThreadID means "no thread";
// resolution of an unspecified thread happens above this layer.
type Outbound struct {
	ChatID   int64
	ThreadID *int
	Text     string
}

// ChatPort is the transport boundary: cursor-based update polling plus
// message delivery.
type ChatPort interface {
	// ReceiveUpdates long-polls for updates at or after cursor.
	ReceiveUpdates(ctx context.Context, cursor int64) ([]Update, error)
	// Send delivers one message. HTTP-level failures surface as *TransportError.
	Send(ctx context.Context, out Outbound) error
}

// TransportError is a structured HTTP-level transport failure.
type TransportError struct {
	StatusCode int
	Method     string
	Err        error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s failed with status %d: %v", e.Method, e.StatusCode, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}
