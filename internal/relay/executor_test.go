package relay

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/basket/claw-relay/internal/adapter"
	"github.com/basket/claw-relay/internal/bus"
	"github.com/basket/claw-relay/internal/persistence"
	"github.com/basket/claw-relay/internal/session"
)

func newTestExecutor(t *testing.T, port *fakeChatPort, agent adapter.ModelPort, store *fakeRelayStore, cfg ExecutorConfig) (*TurnExecutor, *session.Cache) {
	t.Helper()
	logger := slog.New(slog.DiscardHandler)
	eventBus := bus.New(nil)
	cache := session.NewCache(store, logger)
	messenger := NewMessenger(port, eventBus, nil, logger, 4096)

	if cfg.RelayTimeout == 0 {
		cfg.RelayTimeout = 2 * time.Second
	}
	if cfg.DefaultWorkspace == "" {
		cfg.DefaultWorkspace = "/ws"
	}
	return NewTurnExecutor(cache, agent, messenger, store, eventBus, nil, cfg, logger), cache
}

func TestExecutor_SuccessPersistsSessionAndDelivers(t *testing.T) {
	port := &fakeChatPort{}
	store := newFakeRelayStore()
	agent := &fakeAgent{
		respond: func(_ int, _ adapter.Request) (*adapter.Reply, error) {
			return &adapter.Reply{Mode: "chat_reply", ReplyText: "the answer", SessionID: "ses-123"}, nil
		},
	}
	exec, _ := newTestExecutor(t, port, agent, store, ExecutorConfig{SessionRetryAttempts: 1})

	thread := 42
	m := msg(1, "hello")
	m.ThreadID = &thread
	if err := exec.HandleTurn(context.Background(), NewWorkerContext(), m); err != nil {
		t.Fatalf("handle: %v", err)
	}

	sent := port.sentCopy()
	if len(sent) != 1 || sent[0].Text != "the answer" {
		t.Fatalf("sent = %+v", sent)
	}
	if sent[0].ThreadID == nil || *sent[0].ThreadID != 42 {
		t.Fatalf("reply thread = %v, want 42", sent[0].ThreadID)
	}

	key := session.Key{Topic: "1:42", Workspace: "/ws"}
	row, ok := store.rows[key.Encode()]
	if !ok || row.ProviderSessionID != "ses-123" {
		t.Fatalf("stored session = %+v, want ses-123 under %s", row, key.Encode())
	}

	types := store.eventTypes()
	if types[0] != persistence.TurnEventStarted || types[len(types)-1] != persistence.TurnEventDelivered {
		t.Fatalf("turn events = %v", types)
	}
}

func TestExecutor_StaleSessionRetriesFreshOnce(t *testing.T) {
	port := &fakeChatPort{}
	store := newFakeRelayStore()
	agent := &fakeAgent{
		respond: func(_ int, req adapter.Request) (*adapter.Reply, error) {
			if req.SessionID != "" {
				return nil, errors.New("provider: stale session " + req.SessionID)
			}
			return &adapter.Reply{Mode: "chat_reply", ReplyText: "fresh-session-ok", SessionID: "ses-new"}, nil
		},
	}
	exec, cache := newTestExecutor(t, port, agent, store, ExecutorConfig{SessionRetryAttempts: 1})

	ctx := context.Background()
	key := session.Key{Topic: "1:root", Workspace: "/ws"}
	if err := cache.PersistSessionID(ctx, key, "ses-old"); err != nil {
		t.Fatalf("seed session: %v", err)
	}

	if err := exec.HandleTurn(ctx, NewWorkerContext(), msg(1, "hello")); err != nil {
		t.Fatalf("handle: %v", err)
	}

	sent := port.sentCopy()
	if len(sent) != 1 || sent[0].Text != "fresh-session-ok" {
		t.Fatalf("sent = %+v, want only the retry outcome", sent)
	}
	if row := store.rows[key.Encode()]; row.ProviderSessionID != "ses-new" {
		t.Fatalf("stored session = %+v, want ses-new", row)
	}
	if len(store.staleMarks) != 1 || store.staleMarks[0] != key.Encode() {
		t.Fatalf("stale marks = %v", store.staleMarks)
	}
	if len(agent.requests) != 2 {
		t.Fatalf("agent called %d times, want 2", len(agent.requests))
	}
	if agent.requests[1].SessionID != "" {
		t.Fatal("retry did not use a fresh session")
	}
	if len(agent.resets) != 1 {
		t.Fatalf("resets = %v, want the poisoned key reset", agent.resets)
	}
}

func TestExecutor_SecondFailureIsDeliveredNotRetried(t *testing.T) {
	port := &fakeChatPort{}
	store := newFakeRelayStore()
	agent := &fakeAgent{
		respond: func(_ int, _ adapter.Request) (*adapter.Reply, error) {
			return nil, errors.New("invalid session token")
		},
	}
	exec, cache := newTestExecutor(t, port, agent, store, ExecutorConfig{SessionRetryAttempts: 1})

	ctx := context.Background()
	key := session.Key{Topic: "1:root", Workspace: "/ws"}
	if err := cache.PersistSessionID(ctx, key, "ses-old"); err != nil {
		t.Fatalf("seed session: %v", err)
	}

	if err := exec.HandleTurn(ctx, NewWorkerContext(), msg(1, "hello")); err != nil {
		t.Fatalf("handle: %v", err)
	}

	if len(agent.requests) != 2 {
		t.Fatalf("agent called %d times, want 2 (one retry only)", len(agent.requests))
	}
	sent := port.sentCopy()
	if len(sent) != 1 || !strings.Contains(sent[0].Text, "session expired") {
		t.Fatalf("sent = %+v, want the session_invalid failure text", sent)
	}
}

func TestExecutor_TimeoutDeliversOneMessageAndKeepsSession(t *testing.T) {
	port := &fakeChatPort{}
	store := newFakeRelayStore()
	exec, _ := newTestExecutor(t, port, hangingAgent{}, store, ExecutorConfig{
		RelayTimeout:         20 * time.Millisecond,
		SessionRetryAttempts: 1,
	})

	if err := exec.HandleTurn(context.Background(), NewWorkerContext(), msg(1, "hello")); err != nil {
		t.Fatalf("handle: %v", err)
	}

	sent := port.sentCopy()
	if len(sent) != 1 {
		t.Fatalf("sent %d messages, want exactly 1", len(sent))
	}
	if !strings.Contains(sent[0].Text, "did not finish within") {
		t.Fatalf("timeout text = %q", sent[0].Text)
	}
	if len(store.staleMarks) != 0 {
		t.Fatalf("stale marks = %v, want none (timeout is neutral)", store.staleMarks)
	}
}

func TestExecutor_TimeoutWithResumedSessionRetriesFresh(t *testing.T) {
	port := &fakeChatPort{}
	store := newFakeRelayStore()
	exec, cache := newTestExecutor(t, port, &resumeHangAgent{}, store, ExecutorConfig{
		RelayTimeout:         20 * time.Millisecond,
		SessionRetryAttempts: 1,
	})

	ctx := context.Background()
	key := session.Key{Topic: "1:root", Workspace: "/ws"}
	if err := cache.PersistSessionID(ctx, key, "ses-old"); err != nil {
		t.Fatalf("seed session: %v", err)
	}

	if err := exec.HandleTurn(ctx, NewWorkerContext(), msg(1, "hello")); err != nil {
		t.Fatalf("handle: %v", err)
	}

	sent := port.sentCopy()
	if len(sent) != 1 || sent[0].Text != "second wind" {
		t.Fatalf("sent = %+v, want only the retry outcome", sent)
	}
	if len(store.staleMarks) != 0 {
		t.Fatalf("stale marks = %v, want none after timeout retry", store.staleMarks)
	}
}

// resumeHangAgent hangs on resumed sessions and answers fresh ones.
type resumeHangAgent struct{}

func (resumeHangAgent) Respond(ctx context.Context, req adapter.Request) (*adapter.Reply, error) {
	if req.SessionID != "" {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return &adapter.Reply{Mode: "chat_reply", ReplyText: "second wind"}, nil
}

func TestExecutor_EmptyOutputClassified(t *testing.T) {
	port := &fakeChatPort{}
	store := newFakeRelayStore()
	agent := &fakeAgent{
		respond: func(_ int, _ adapter.Request) (*adapter.Reply, error) {
			return &adapter.Reply{Mode: "chat_reply", ReplyText: "   "}, nil
		},
	}
	exec, _ := newTestExecutor(t, port, agent, store, ExecutorConfig{})

	if err := exec.HandleTurn(context.Background(), NewWorkerContext(), msg(1, "hello")); err != nil {
		t.Fatalf("handle: %v", err)
	}
	sent := port.sentCopy()
	if len(sent) != 1 || !strings.Contains(sent[0].Text, "without user-visible output") {
		t.Fatalf("sent = %+v, want empty_output failure text", sent)
	}
}

func TestExecutor_ModelErrorNeverRetries(t *testing.T) {
	port := &fakeChatPort{}
	store := newFakeRelayStore()
	agent := &fakeAgent{
		respond: func(_ int, _ adapter.Request) (*adapter.Reply, error) {
			return nil, &adapter.AgentError{Classification: "billing", Upstream: "credit balance exhausted"}
		},
	}
	exec, cache := newTestExecutor(t, port, agent, store, ExecutorConfig{SessionRetryAttempts: 1})

	ctx := context.Background()
	key := session.Key{Topic: "1:root", Workspace: "/ws"}
	if err := cache.PersistSessionID(ctx, key, "ses-old"); err != nil {
		t.Fatalf("seed session: %v", err)
	}

	if err := exec.HandleTurn(ctx, NewWorkerContext(), msg(1, "hello")); err != nil {
		t.Fatalf("handle: %v", err)
	}

	if len(agent.requests) != 1 {
		t.Fatalf("agent called %d times, want 1", len(agent.requests))
	}
	sent := port.sentCopy()
	if len(sent) != 1 || !strings.Contains(sent[0].Text, "billing") {
		t.Fatalf("sent = %+v", sent)
	}
	if !strings.Contains(sent[0].Text, "credit balance exhausted") {
		t.Fatalf("model_error text lacks upstream detail: %q", sent[0].Text)
	}
}

func TestExecutor_ProgressNoticesThenReply(t *testing.T) {
	port := &fakeChatPort{}
	store := newFakeRelayStore()
	agent := &fakeAgent{
		respond: func(_ int, _ adapter.Request) (*adapter.Reply, error) {
			time.Sleep(30 * time.Millisecond)
			return &adapter.Reply{Mode: "chat_reply", ReplyText: "real reply"}, nil
		},
	}
	exec, _ := newTestExecutor(t, port, agent, store, ExecutorConfig{
		ProgressFirst:    5 * time.Millisecond,
		ProgressEvery:    100 * time.Millisecond,
		ProgressMaxCount: 1,
	})

	if err := exec.HandleTurn(context.Background(), NewWorkerContext(), msg(1, "long job")); err != nil {
		t.Fatalf("handle: %v", err)
	}

	sent := port.sentCopy()
	if len(sent) != 2 {
		t.Fatalf("sent %d messages, want 2 (notice + reply)", len(sent))
	}
	if !strings.Contains(sent[0].Text, "Still working") {
		t.Fatalf("first message = %q, want progress notice", sent[0].Text)
	}
	if sent[1].Text != "real reply" {
		t.Fatalf("second message = %q, want the real reply", sent[1].Text)
	}
}

func TestExecutor_WorkspaceResolution(t *testing.T) {
	port := &fakeChatPort{}
	store := newFakeRelayStore()
	store.workspaces["1:root"] = "/stored/ws"
	agent := &fakeAgent{}
	exec, _ := newTestExecutor(t, port, agent, store, ExecutorConfig{DefaultWorkspace: "/default"})

	wctx := NewWorkerContext()
	if err := exec.HandleTurn(context.Background(), wctx, msg(1, "hi")); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if got := agent.requests[0].WorkspacePath; got != "/stored/ws" {
		t.Fatalf("workspace = %q, want the stored binding", got)
	}
	if got := wctx.ActiveWorkspace("1:root"); got != "/stored/ws" {
		t.Fatalf("active workspace = %q", got)
	}
}
