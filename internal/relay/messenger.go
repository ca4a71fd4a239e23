package relay

import (
	"context"
	"errors"
	"log/slog"

	"github.com/basket/claw-relay/internal/bus"
	"github.com/basket/claw-relay/internal/channels"
	otelx "github.com/basket/claw-relay/internal/otel"
	"github.com/basket/claw-relay/internal/splitter"
)

// partIndicatorReserve keeps room in every chunk for the " (i/N)" suffix
// appended after splitting.
const partIndicatorReserve = 12

// ThreadChoice tells the Messenger how to thread an outbound message.
// Explicit=false means the caller has no opinion and the last thread seen
// for the chat is used; Explicit=true uses ID as-is, including nil for
// "definitely no thread".
type ThreadChoice struct {
	Explicit bool
	ID       *int
}

// Messenger delivers reply text reliably: structure-aware chunking, part
// indicators, and a one-shot thread fallback when the transport rejects the
// thread id (topic deleted, bot re-added, etc).
type Messenger struct {
	port     channels.ChatPort
	eventBus *bus.Bus
	metrics  *otelx.Metrics
	logger   *slog.Logger
	maxLen   int
}

// NewMessenger creates a messenger over port. metrics may be nil; maxLen <= 0
// uses the Telegram profile cap.
func NewMessenger(port channels.ChatPort, eventBus *bus.Bus, metrics *otelx.Metrics, logger *slog.Logger, maxLen int) *Messenger {
	if maxLen <= 0 {
		maxLen = channels.TelegramMaxMessageLen
	}
	return &Messenger{port: port, eventBus: eventBus, metrics: metrics, logger: logger, maxLen: maxLen}
}

// Send splits text, attaches chunk metadata and delivers every chunk in
// order. On a transport 400 while a thread id is attached, the failing chunk
// is retried without the thread and the thread is dropped for the remainder.
// A failure after at least one delivered chunk emits a partial_send
// observation before the error is returned.
func (m *Messenger) Send(ctx context.Context, wctx *WorkerContext, chatID int64, text string, thread ThreadChoice, footer string) error {
	chunks := splitter.Split(text, m.maxLen, len(footer)+partIndicatorReserve)
	chunks = splitter.AddChunkMetadata(chunks, footer)
	if len(chunks) == 0 {
		return nil
	}

	threadID := thread.ID
	if !thread.Explicit {
		threadID = wctx.LastThreadID(chatID)
	}

	totalChars := 0
	for i, chunk := range chunks {
		err := m.port.Send(ctx, channels.Outbound{ChatID: chatID, ThreadID: threadID, Text: chunk})
		if err != nil && threadID != nil && isBadRequest(err) {
			m.logger.Warn("send rejected with thread id, retrying without thread",
				"chat_id", chatID, "thread_id", *threadID, "error", err)
			if m.metrics != nil {
				m.metrics.SendThreadRetry.Add(ctx, 1)
			}
			threadID = nil
			err = m.port.Send(ctx, channels.Outbound{ChatID: chatID, ThreadID: nil, Text: chunk})
		}
		if err != nil {
			if i > 0 {
				m.eventBus.Publish(bus.TopicTurnPartialSend, bus.TurnPartialSendEvent{
					ChatID:    chatID,
					Delivered: i,
					Total:     len(chunks),
				})
				m.logger.Error("partial send", "chat_id", chatID, "delivered", i, "total", len(chunks), "error", err)
			}
			return err
		}
		totalChars += len(chunk)
	}

	if m.metrics != nil {
		m.metrics.ChunksSent.Add(ctx, int64(len(chunks)))
	}
	m.eventBus.Publish(bus.TopicTurnSent, bus.TurnSentEvent{
		ChatID: chatID,
		Chunks: len(chunks),
		Chars:  totalChars,
	})
	return nil
}

func isBadRequest(err error) bool {
	var transportErr *channels.TransportError
	return errors.As(err, &transportErr) && transportErr.StatusCode == 400
}
