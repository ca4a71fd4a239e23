package relay

import (
	"context"
	"sync"
	"time"

	"github.com/basket/claw-relay/internal/adapter"
	"github.com/basket/claw-relay/internal/channels"
	"github.com/basket/claw-relay/internal/persistence"
)

// sentMessage records one outbound message a fake port accepted.
type sentMessage struct {
	ChatID   int64
	ThreadID *int
	Text     string
}

// fakeChatPort records sends and can fail per a scripted decision function.
type fakeChatPort struct {
	mu       sync.Mutex
	sent     []sentMessage
	failWith func(call int, out channels.Outbound) error
	calls    int

	updates   [][]channels.Update
	updateErr error
}

func (f *fakeChatPort) Send(_ context.Context, out channels.Outbound) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.failWith != nil {
		if err := f.failWith(f.calls, out); err != nil {
			return err
		}
	}
	f.sent = append(f.sent, sentMessage{ChatID: out.ChatID, ThreadID: out.ThreadID, Text: out.Text})
	return nil
}

func (f *fakeChatPort) ReceiveUpdates(ctx context.Context, _ int64) ([]channels.Update, error) {
	f.mu.Lock()
	if f.updateErr != nil {
		err := f.updateErr
		f.mu.Unlock()
		return nil, err
	}
	if len(f.updates) > 0 {
		batch := f.updates[0]
		f.updates = f.updates[1:]
		f.mu.Unlock()
		return batch, nil
	}
	f.mu.Unlock()
	// No scripted batches left: block like a long poll until cancelled.
	<-ctx.Done()
	return nil, ctx.Err()
}

func (f *fakeChatPort) sentCopy() []sentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]sentMessage, len(f.sent))
	copy(out, f.sent)
	return out
}

// fakeAgent scripts Respond outcomes per call and records requests.
type fakeAgent struct {
	mu       sync.Mutex
	requests []adapter.Request
	respond  func(call int, req adapter.Request) (*adapter.Reply, error)
	resets   []string
}

func (f *fakeAgent) Respond(ctx context.Context, req adapter.Request) (*adapter.Reply, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	call := len(f.requests)
	fn := f.respond
	f.mu.Unlock()
	if fn == nil {
		return &adapter.Reply{Mode: "chat_reply", ReplyText: "ok"}, nil
	}
	return fn(call, req)
}

func (f *fakeAgent) ResetSession(_ context.Context, sessionKey string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resets = append(f.resets, sessionKey)
	return nil
}

// hangingAgent never returns until its context is aborted, and even then
// only exits to avoid leaking the goroutine.
type hangingAgent struct{}

func (hangingAgent) Respond(ctx context.Context, _ adapter.Request) (*adapter.Reply, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

// fakeRelayStore implements the store slices the relay needs: session rows,
// stale marks, turn events, workspaces, cursor, startup ack.
type fakeRelayStore struct {
	mu         sync.Mutex
	rows       map[string]persistence.Session
	staleMarks []string
	events     []persistence.TurnEvent
	workspaces map[string]string
	cursor     int64
	ack        *persistence.PendingStartupAck
}

func newFakeRelayStore() *fakeRelayStore {
	return &fakeRelayStore{
		rows:       make(map[string]persistence.Session),
		workspaces: make(map[string]string),
	}
}

func (f *fakeRelayStore) GetSession(_ context.Context, key string) (*persistence.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if row, ok := f.rows[key]; ok {
		out := row
		return &out, nil
	}
	return nil, nil
}

func (f *fakeRelayStore) UpsertSession(_ context.Context, sess persistence.Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows[sess.Key] = sess
	return nil
}

func (f *fakeRelayStore) MarkSessionStale(_ context.Context, key string, ts time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.staleMarks = append(f.staleMarks, key)
	if row, ok := f.rows[key]; ok {
		row.Status = persistence.SessionStatusStale
		row.LastUsedAt = ts
		f.rows[key] = row
	}
	return nil
}

func (f *fakeRelayStore) AppendTurnEvent(_ context.Context, turnID, sessionKey, eventType, payload string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, persistence.TurnEvent{
		TurnID:     turnID,
		SessionKey: sessionKey,
		EventType:  eventType,
		Payload:    payload,
	})
	return nil
}

func (f *fakeRelayStore) GetTopicWorkspace(_ context.Context, topicKey string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.workspaces[topicKey], nil
}

func (f *fakeRelayStore) SetTopicWorkspace(_ context.Context, topicKey, workspacePath string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.workspaces[topicKey] = workspacePath
	return nil
}

func (f *fakeRelayStore) GetCursor(_ context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cursor, nil
}

func (f *fakeRelayStore) SetCursor(_ context.Context, n int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cursor = n
	return nil
}

func (f *fakeRelayStore) GetPendingStartupAck(_ context.Context) (*persistence.PendingStartupAck, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ack == nil {
		return nil, nil
	}
	out := *f.ack
	return &out, nil
}

func (f *fakeRelayStore) UpsertPendingStartupAck(_ context.Context, ack persistence.PendingStartupAck) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ack = &ack
	return nil
}

func (f *fakeRelayStore) ClearPendingStartupAck(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ack = nil
	return nil
}

func (f *fakeRelayStore) eventTypes() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.events))
	for i, ev := range f.events {
		out[i] = ev.EventType
	}
	return out
}
