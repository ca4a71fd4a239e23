package relay

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/basket/claw-relay/internal/bus"
	"github.com/basket/claw-relay/internal/channels"
	"github.com/basket/claw-relay/internal/dispatch"
	otelx "github.com/basket/claw-relay/internal/otel"
	"github.com/basket/claw-relay/internal/session"
)

// CursorStore persists the transport update cursor across restarts.
type CursorStore interface {
	GetCursor(ctx context.Context) (int64, error)
	SetCursor(ctx context.Context, n int64) error
}

// WorkerConfig tunes the orchestrator.
type WorkerConfig struct {
	MaxConcurrentTopics int
	SemaphoreQueueSize  int
	DrainTimeout        time.Duration
}

// Worker is the long-lived relay loop: it polls the transport, serializes
// each message onto its topic's queue, and runs turns under the global
// concurrency cap. Distinct topics interleave; one topic is strictly FIFO.
type Worker struct {
	port      channels.ChatPort
	cursors   CursorStore
	executor  *TurnExecutor
	commands  *ControlCommands
	ackStore  StartupAckStore
	messenger *Messenger

	queues   *dispatch.TopicQueueMap
	sem      *dispatch.Semaphore
	eventBus *bus.Bus
	metrics  *otelx.Metrics
	wctx     *WorkerContext
	logger   *slog.Logger
	cfg      WorkerConfig
}

// NewWorker wires the orchestrator. metrics may be nil.
func NewWorker(port channels.ChatPort, cursors CursorStore, ackStore StartupAckStore, executor *TurnExecutor, commands *ControlCommands, messenger *Messenger, eventBus *bus.Bus, metrics *otelx.Metrics, cfg WorkerConfig, logger *slog.Logger) *Worker {
	if cfg.MaxConcurrentTopics <= 0 {
		cfg.MaxConcurrentTopics = 3
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = 30 * time.Second
	}
	return &Worker{
		port:      port,
		cursors:   cursors,
		ackStore:  ackStore,
		executor:  executor,
		commands:  commands,
		messenger: messenger,
		queues:    dispatch.NewTopicQueueMap(),
		sem:       dispatch.NewSemaphore(cfg.MaxConcurrentTopics, cfg.SemaphoreQueueSize),
		eventBus:  eventBus,
		metrics:   metrics,
		wctx:      NewWorkerContext(),
		logger:    logger,
		cfg:       cfg,
	}
}

// Context exposes the worker's state for boot-time helpers (startup ack,
// announce banner).
func (w *Worker) Context() *WorkerContext {
	return w.wctx
}

// Run polls the transport until ctx is cancelled, then stops polling and
// lets in-flight turns finish under their own timeouts, bounded by the
// drain timeout.
func (w *Worker) Run(ctx context.Context) error {
	// Turns must survive shutdown; only polling stops on cancel.
	turnCtx := context.WithoutCancel(ctx)

	if err := FlushPendingStartupAck(turnCtx, w.ackStore, w.messenger, w.eventBus, w.wctx, w.logger); err != nil {
		w.logger.Warn("startup ack flush incomplete", "error", err)
	}

	cursor, err := w.cursors.GetCursor(ctx)
	if err != nil {
		return fmt.Errorf("load update cursor: %w", err)
	}
	w.logger.Info("worker started", "cursor", cursor, "max_concurrent_topics", w.cfg.MaxConcurrentTopics)

	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		if ctx.Err() != nil {
			break
		}

		updates, err := w.port.ReceiveUpdates(ctx, cursor)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			w.logger.Warn("update poll failed, backing off", "error", err, "backoff", backoff)
			select {
			case <-ctx.Done():
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = time.Second

		for _, u := range updates {
			if u.UpdateID >= cursor {
				cursor = u.UpdateID + 1
			}
			if u.Message == nil {
				continue
			}
			w.dispatch(turnCtx, u.Message)
		}

		if len(updates) > 0 {
			if err := w.cursors.SetCursor(turnCtx, cursor); err != nil {
				w.logger.Error("failed to checkpoint cursor", "cursor", cursor, "error", err)
			}
		}
	}

	w.logger.Info("worker stopping, draining in-flight turns")
	drained := make(chan struct{})
	go func() {
		w.queues.DrainAll()
		close(drained)
	}()
	select {
	case <-drained:
		w.logger.Info("drain complete")
	case <-time.After(w.cfg.DrainTimeout):
		w.logger.Warn("drain timeout exceeded, abandoning in-flight turns", "timeout", w.cfg.DrainTimeout)
	}
	return nil
}

// dispatch enqueues one message onto its topic's queue. The task body
// acquires a global semaphore permit, short-circuits control commands, and
// hands the rest to the executor.
func (w *Worker) dispatch(ctx context.Context, msg *channels.Message) {
	topicKey := session.TopicKey(msg.ChatID, msg.ThreadID)
	w.wctx.SetLastThreadID(msg.ChatID, msg.ThreadID)

	onError := func(err error) {
		w.logger.Error("topic task failed", "topic", topicKey, "error", err)
	}

	w.queues.Enqueue(topicKey, func() error {
		if err := w.sem.Acquire(); err != nil {
			// Load shed: the global wait queue is saturated. Drop the turn
			// rather than grow memory; the user can resend.
			w.eventBus.Publish(bus.TopicQueueSaturated, bus.QueueSaturatedEvent{TopicKey: topicKey})
			if w.metrics != nil {
				w.metrics.QueueFullRejects.Add(ctx, 1)
			}
			return fmt.Errorf("shedding turn for %s: %w", topicKey, err)
		}
		defer w.sem.Release()

		if w.commands.Handle(ctx, w.wctx, msg) {
			return nil
		}
		return w.executor.HandleTurn(ctx, w.wctx, msg)
	}, onError)
}
