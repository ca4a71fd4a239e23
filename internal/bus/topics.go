package bus

// Turn delivery observations.
const (
	TopicTurnSent        = "turn.sent"
	TopicTurnPartialSend = "turn.partial_send"
	TopicTurnFailed      = "turn.failed"
	TopicTurnRetried     = "turn.retried"
)

// Dispatch and session lifecycle observations.
const (
	TopicQueueSaturated  = "queue.saturated"
	TopicSessionEvicted  = "session.evicted"
	TopicStartupAckSent  = "startup.ack_sent"
	TopicStartupAckStuck = "startup.ack_failed"
)

// TurnSentEvent is published after a complete reply reaches the transport.
type TurnSentEvent struct {
	ChatID int64
	Chunks int
	Chars  int
}

// TurnPartialSendEvent is published when delivery failed mid-reply: chunks
// 1..Delivered are on the wire, the rest are not.
type TurnPartialSendEvent struct {
	ChatID    int64
	Delivered int
	Total     int
}

// TurnFailedEvent is published when a turn resolves to a failure class.
type TurnFailedEvent struct {
	TopicKey string
	Class    string
}

// TurnRetriedEvent is published when a turn is retried on a fresh session.
type TurnRetriedEvent struct {
	TopicKey string
	Class    string
}

// QueueSaturatedEvent is published when the global semaphore sheds load.
type QueueSaturatedEvent struct {
	TopicKey string
}

// SessionEvictedEvent is published per eviction sweep that removed entries.
type SessionEvictedEvent struct {
	Count int
}
