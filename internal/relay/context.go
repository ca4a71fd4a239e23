package relay

import (
	"sync"
)

// WorkerContext is the process-wide mutable state of one worker. The worker
// owns the single instance and hands it to components by reference per call;
// nothing retains it across invocations. All access goes through the
// accessors so topic queues running on different goroutines stay safe.
type WorkerContext struct {
	mu sync.Mutex

	chatMessageCount map[int64]int
	activeWorkspace  map[string]string              // topic key -> workspace path
	workspaceHistory map[string]map[string]struct{} // topic key -> paths ever used
	lastThreadID     map[int64]*int                 // chat -> last seen thread
}

// NewWorkerContext creates empty worker state.
func NewWorkerContext() *WorkerContext {
	return &WorkerContext{
		chatMessageCount: make(map[int64]int),
		activeWorkspace:  make(map[string]string),
		workspaceHistory: make(map[string]map[string]struct{}),
		lastThreadID:     make(map[int64]*int),
	}
}

// BumpMessageCount increments the per-chat message counter and returns the
// value before the increment (0 means first message ever).
func (c *WorkerContext) BumpMessageCount(chatID int64) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	prev := c.chatMessageCount[chatID]
	c.chatMessageCount[chatID] = prev + 1
	return prev
}

// ActiveWorkspace returns the workspace bound to a topic, "" when unset.
func (c *WorkerContext) ActiveWorkspace(topicKey string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.activeWorkspace[topicKey]
}

// SetActiveWorkspace binds a workspace to a topic and records it in the
// topic's history.
func (c *WorkerContext) SetActiveWorkspace(topicKey, workspacePath string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.activeWorkspace[topicKey] = workspacePath
	hist, ok := c.workspaceHistory[topicKey]
	if !ok {
		hist = make(map[string]struct{})
		c.workspaceHistory[topicKey] = hist
	}
	hist[workspacePath] = struct{}{}
}

// WorkspaceHistory returns every workspace a topic has used.
func (c *WorkerContext) WorkspaceHistory(topicKey string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	hist := c.workspaceHistory[topicKey]
	out := make([]string, 0, len(hist))
	for path := range hist {
		out = append(out, path)
	}
	return out
}

// SetLastThreadID records the most recent thread seen for a chat. nil means
// the chat last spoke outside any thread.
func (c *WorkerContext) SetLastThreadID(chatID int64, threadID *int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastThreadID[chatID] = threadID
}

// LastThreadID returns the last seen thread for a chat.
func (c *WorkerContext) LastThreadID(chatID int64) *int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastThreadID[chatID]
}
