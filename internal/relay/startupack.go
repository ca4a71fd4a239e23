package relay

import (
	"context"
	"log/slog"

	"github.com/basket/claw-relay/internal/bus"
	"github.com/basket/claw-relay/internal/persistence"
)

const restartCompleteText = "Restart complete — ready for your next message."

// StartupAckStore is the persistence slice the flush needs.
type StartupAckStore interface {
	GetPendingStartupAck(ctx context.Context) (*persistence.PendingStartupAck, error)
	UpsertPendingStartupAck(ctx context.Context, ack persistence.PendingStartupAck) error
	ClearPendingStartupAck(ctx context.Context) error
}

// FlushPendingStartupAck runs once at worker boot. If a restart was
// acknowledged as pending before the process went down, it owes the user a
// "restart complete" message; the marker survives until a send succeeds so
// supervised crash loops eventually deliver it.
func FlushPendingStartupAck(ctx context.Context, store StartupAckStore, messenger *Messenger, eventBus *bus.Bus, wctx *WorkerContext, logger *slog.Logger) error {
	ack, err := store.GetPendingStartupAck(ctx)
	if err != nil {
		return err
	}
	if ack == nil {
		return nil
	}

	thread := ThreadChoice{Explicit: true, ID: ack.ThreadID}
	if sendErr := messenger.Send(ctx, wctx, ack.ChatID, restartCompleteText, thread, ""); sendErr != nil {
		ack.AttemptCount++
		ack.LastError = sendErr.Error()
		if upsertErr := store.UpsertPendingStartupAck(ctx, *ack); upsertErr != nil {
			logger.Error("failed to record startup ack attempt", "error", upsertErr)
		}
		eventBus.Publish(bus.TopicStartupAckStuck, ack.AttemptCount)
		logger.Warn("startup ack delivery failed, will retry next boot",
			"chat_id", ack.ChatID, "attempt", ack.AttemptCount, "error", sendErr)
		return sendErr
	}

	if err := store.ClearPendingStartupAck(ctx); err != nil {
		logger.Error("failed to clear delivered startup ack", "error", err)
		return err
	}
	eventBus.Publish(bus.TopicStartupAckSent, ack.ChatID)
	logger.Info("startup ack delivered", "chat_id", ack.ChatID, "attempts", ack.AttemptCount)
	return nil
}
