package relay

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/basket/claw-relay/internal/buildinfo"
	"github.com/basket/claw-relay/internal/channels"
	"github.com/basket/claw-relay/internal/persistence"
)

const readyBanner = "Ready. Send me a message and I'll relay it to the agent."

// AckStore is the slice of persistence the control commands need.
type AckStore interface {
	UpsertPendingStartupAck(ctx context.Context, ack persistence.PendingStartupAck) error
}

// ControlCommands handles the deterministic, model-free commands. They run
// before any agent dispatch; a handled message never reaches the model.
type ControlCommands struct {
	messenger *Messenger
	store     AckStore
	build     buildinfo.Info
	logger    *slog.Logger

	// OnRestartRequested fires after the pending ack is persisted. The
	// process owner decides how to actually restart.
	OnRestartRequested func(chatID int64, threadID *int)
}

// NewControlCommands creates the command handler.
func NewControlCommands(messenger *Messenger, store AckStore, build buildinfo.Info, logger *slog.Logger) *ControlCommands {
	return &ControlCommands{messenger: messenger, store: store, build: build, logger: logger}
}

// IsRestartIntent reports whether text asks for a worker restart. The
// canonical slash form is expanded first so "/restart" and "restart
// assistant" behave identically.
func IsRestartIntent(text string) bool {
	t := strings.ToLower(strings.TrimSpace(text))
	if t == "/restart" {
		t = "restart assistant"
	}
	return t == "restart" || t == "restart assistant"
}

// Handle intercepts control messages. It returns true when the message was
// consumed and must not be dispatched to the agent.
func (c *ControlCommands) Handle(ctx context.Context, wctx *WorkerContext, msg *channels.Message) bool {
	text := strings.TrimSpace(msg.Text)
	prevCount := wctx.BumpMessageCount(msg.ChatID)
	thread := ThreadChoice{Explicit: true, ID: msg.ThreadID}

	if strings.EqualFold(text, "/start") {
		if prevCount == 0 {
			c.send(ctx, wctx, msg.ChatID, readyBanner, thread)
		}
		// Repeat /start is ignored silently.
		return true
	}

	if IsRestartIntent(text) {
		c.send(ctx, wctx, msg.ChatID, "Restarting the assistant — back in a moment.", thread)
		ack := persistence.PendingStartupAck{
			ChatID:      msg.ChatID,
			ThreadID:    msg.ThreadID,
			RequestedAt: time.Now().UTC(),
		}
		if err := c.store.UpsertPendingStartupAck(ctx, ack); err != nil {
			c.logger.Error("failed to persist pending startup ack", "chat_id", msg.ChatID, "error", err)
		}
		if c.OnRestartRequested != nil {
			c.OnRestartRequested(msg.ChatID, msg.ThreadID)
		}
		return true
	}

	if strings.EqualFold(text, "/version") {
		c.send(ctx, wctx, msg.ChatID, c.build.String(), thread)
		return true
	}

	// Unknown slash commands never reach the model.
	if strings.HasPrefix(text, "/") {
		c.send(ctx, wctx, msg.ChatID, "Unknown slash command. Try /start, /version or /restart.", thread)
		return true
	}

	return false
}

func (c *ControlCommands) send(ctx context.Context, wctx *WorkerContext, chatID int64, text string, thread ThreadChoice) {
	if err := c.messenger.Send(ctx, wctx, chatID, text, thread, ""); err != nil {
		c.logger.Error("control command reply failed", "chat_id", chatID, "error", err)
	}
}
