package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/basket/claw-relay/internal/adapter"
	"github.com/basket/claw-relay/internal/bus"
	"github.com/basket/claw-relay/internal/channels"
	otelx "github.com/basket/claw-relay/internal/otel"
	"github.com/basket/claw-relay/internal/persistence"
	"github.com/basket/claw-relay/internal/session"
)

// ExecutorConfig carries the per-turn tunables.
type ExecutorConfig struct {
	RelayTimeout         time.Duration
	SessionRetryAttempts int
	ProgressFirst        time.Duration
	ProgressEvery        time.Duration
	ProgressMaxCount     int
	DefaultWorkspace     string
}

// TurnStore is the persistence slice the executor needs.
type TurnStore interface {
	AppendTurnEvent(ctx context.Context, turnID, sessionKey, eventType, payload string) error
	GetTopicWorkspace(ctx context.Context, topicKey string) (string, error)
	SetTopicWorkspace(ctx context.Context, topicKey, workspacePath string) error
}

// TurnExecutor runs one inbound message to completion: session resolution,
// agent dispatch under timeout with progress pacing, failure classification
// with a one-shot fresh-session retry, and delivery. Failures never escape
// as errors — every outcome surfaces to the user as delivered text.
type TurnExecutor struct {
	cache     *session.Cache
	agent     adapter.ModelPort
	messenger *Messenger
	store     TurnStore
	eventBus  *bus.Bus
	metrics   *otelx.Metrics
	cfg       ExecutorConfig
	logger    *slog.Logger
}

// NewTurnExecutor wires the executor. metrics may be nil.
func NewTurnExecutor(cache *session.Cache, agent adapter.ModelPort, messenger *Messenger, store TurnStore, eventBus *bus.Bus, metrics *otelx.Metrics, cfg ExecutorConfig, logger *slog.Logger) *TurnExecutor {
	return &TurnExecutor{
		cache:     cache,
		agent:     agent,
		messenger: messenger,
		store:     store,
		eventBus:  eventBus,
		metrics:   metrics,
		cfg:       cfg,
		logger:    logger,
	}
}

// HandleTurn processes one inbound message. It always returns nil: failures
// are logged and reported to the user as text before it returns.
func (e *TurnExecutor) HandleTurn(ctx context.Context, wctx *WorkerContext, msg *channels.Message) error {
	start := time.Now()
	topicKey := session.TopicKey(msg.ChatID, msg.ThreadID)
	logger := e.logger.With("topic", topicKey)

	if e.metrics != nil {
		e.metrics.TurnsActive.Add(ctx, 1)
		defer e.metrics.TurnsActive.Add(ctx, -1)
	}

	key := session.Key{Topic: topicKey, Workspace: e.resolveWorkspace(ctx, wctx, topicKey)}
	sessionID, err := e.cache.LoadSessionID(ctx, key)
	if err != nil {
		logger.Error("session lookup failed, starting fresh", "error", err)
		sessionID = ""
	}

	turnID := uuid.NewString()
	e.appendEvent(ctx, turnID, key, persistence.TurnEventStarted, map[string]any{
		"topic":   topicKey,
		"resumed": sessionID != "",
	})

	thread := ThreadChoice{Explicit: true, ID: msg.ThreadID}
	resumed := sessionID != ""

	reply, dispatchErr := e.dispatch(ctx, wctx, msg, key, sessionID, thread)

	if dispatchErr != nil {
		class := Classify(dispatchErr)
		logger.Warn("turn failed", "class", string(class), "error", dispatchErr)

		if resumed && class.PoisonsSession() {
			if err := e.cache.Invalidate(ctx, key); err != nil {
				logger.Error("failed to mark session stale", "error", err)
			}
			if resetter, ok := e.agent.(adapter.SessionResetter); ok {
				if err := resetter.ResetSession(ctx, key.Encode()); err != nil {
					logger.Warn("agent session reset failed", "error", err)
				}
			}
		}

		if resumed && e.cfg.SessionRetryAttempts > 0 && class.RetriesWithFreshSession() {
			e.appendEvent(ctx, turnID, key, persistence.TurnEventRetried, map[string]any{"class": string(class)})
			e.eventBus.Publish(bus.TopicTurnRetried, bus.TurnRetriedEvent{TopicKey: topicKey, Class: string(class)})
			if e.metrics != nil {
				e.metrics.TurnRetries.Add(ctx, 1)
			}

			// Only the retry outcome is delivered.
			reply, dispatchErr = e.dispatch(ctx, wctx, msg, key, "", thread)
			if dispatchErr != nil {
				class = Classify(dispatchErr)
			}
		}

		if dispatchErr != nil {
			e.deliverFailure(ctx, wctx, msg, turnID, key, class, dispatchErr, thread)
			e.recordDuration(ctx, start, string(class))
			return nil
		}
	}

	if reply.SessionID != "" {
		if err := e.cache.PersistSessionID(ctx, key, reply.SessionID); err != nil {
			logger.Error("failed to persist provider session", "error", err)
		}
	}

	if err := e.messenger.Send(ctx, wctx, msg.ChatID, reply.ReplyText, thread, ""); err != nil {
		class := Classify(err)
		logger.Error("reply delivery failed", "class", string(class), "error", err)
		e.deliverFailure(ctx, wctx, msg, turnID, key, class, err, thread)
		e.recordDuration(ctx, start, string(class))
		return nil
	}

	e.appendEvent(ctx, turnID, key, persistence.TurnEventDelivered, map[string]any{
		"chars":       len(reply.ReplyText),
		"duration_ms": time.Since(start).Milliseconds(),
	})
	e.recordDuration(ctx, start, "ok")
	return nil
}

// dispatch runs one agent call under the relay deadline with progress
// pacing. An empty reply text is converted to an error so it classifies as
// empty_output.
func (e *TurnExecutor) dispatch(ctx context.Context, wctx *WorkerContext, msg *channels.Message, key session.Key, sessionID string, thread ThreadChoice) (*adapter.Reply, error) {
	opts := ProgressOptions{
		First:    e.cfg.ProgressFirst,
		Every:    e.cfg.ProgressEvery,
		MaxCount: e.cfg.ProgressMaxCount,
		Logger:   e.logger,
		OnProgress: func(count int) error {
			if e.metrics != nil {
				e.metrics.ProgressNotices.Add(ctx, 1)
			}
			return e.messenger.Send(ctx, wctx, msg.ChatID,
				fmt.Sprintf("Still working on it… (%d)", count), thread, "")
		},
	}

	reply, err := RunWithProgress(ctx, opts, func(taskCtx context.Context) (*adapter.Reply, error) {
		return withTimeout(taskCtx, e.cfg.RelayTimeout, func() {
			e.logger.Warn("agent call hit relay deadline, aborting", "topic", key.Topic)
		}, func(callCtx context.Context) (*adapter.Reply, error) {
			return e.agent.Respond(callCtx, adapter.Request{
				ChatID:        msg.ChatID,
				ThreadID:      msg.ThreadID,
				Text:          msg.Text,
				SessionID:     sessionID,
				WorkspacePath: key.Workspace,
			})
		})
	})
	if err != nil {
		return nil, err
	}
	if reply == nil || strings.TrimSpace(reply.ReplyText) == "" {
		return nil, errors.New("agent finished with no user-facing text output")
	}
	return reply, nil
}

// deliverFailure maps the class to its user text and sends it. Delivery of
// the failure text itself is best effort.
func (e *TurnExecutor) deliverFailure(ctx context.Context, wctx *WorkerContext, msg *channels.Message, turnID string, key session.Key, class ErrorClass, cause error, thread ThreadChoice) {
	e.appendEvent(ctx, turnID, key, persistence.TurnEventFailed, map[string]any{
		"class": string(class),
		"error": cause.Error(),
	})
	e.eventBus.Publish(bus.TopicTurnFailed, bus.TurnFailedEvent{TopicKey: key.Topic, Class: string(class)})
	if e.metrics != nil {
		e.metrics.TurnFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("class", string(class))))
	}

	text := FailureText(class, cause, e.cfg.RelayTimeout)
	if err := e.messenger.Send(ctx, wctx, msg.ChatID, text, thread, ""); err != nil {
		e.logger.Error("failed to deliver failure text", "chat_id", msg.ChatID, "class", string(class), "error", err)
	}
}

// resolveWorkspace picks the workspace for a topic: in-memory binding, then
// the store, then the configured default. The chosen path is re-recorded so
// recency survives restarts.
func (e *TurnExecutor) resolveWorkspace(ctx context.Context, wctx *WorkerContext, topicKey string) string {
	ws := wctx.ActiveWorkspace(topicKey)
	if ws == "" {
		stored, err := e.store.GetTopicWorkspace(ctx, topicKey)
		if err != nil {
			e.logger.Warn("topic workspace lookup failed", "topic", topicKey, "error", err)
		}
		ws = stored
	}
	if ws == "" {
		ws = e.cfg.DefaultWorkspace
	}
	wctx.SetActiveWorkspace(topicKey, ws)
	if err := e.store.SetTopicWorkspace(ctx, topicKey, ws); err != nil {
		e.logger.Warn("failed to record topic workspace", "topic", topicKey, "error", err)
	}
	return ws
}

func (e *TurnExecutor) appendEvent(ctx context.Context, turnID string, key session.Key, eventType string, payload map[string]any) {
	data, err := json.Marshal(payload)
	if err != nil {
		data = []byte("{}")
	}
	if err := e.store.AppendTurnEvent(ctx, turnID, key.Encode(), eventType, string(data)); err != nil {
		e.logger.Warn("failed to append turn event", "turn_id", turnID, "type", eventType, "error", err)
	}
}

func (e *TurnExecutor) recordDuration(ctx context.Context, start time.Time, outcome string) {
	if e.metrics == nil {
		return
	}
	e.metrics.TurnDuration.Record(ctx, time.Since(start).Seconds(),
		metric.WithAttributes(attribute.String("outcome", outcome)))
}
