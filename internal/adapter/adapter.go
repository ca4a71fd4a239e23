package adapter

import (
	"context"
	"fmt"
)

// Classification values the agent daemon attaches to structured errors.
const (
	ClassificationBilling   = "billing"
	ClassificationAuth      = "auth"
	ClassificationInternal  = "internal"
	ClassificationMaxSteps  = "max_steps"
	ClassificationAborted   = "aborted"
	ClassificationRateLimit = "rate_limit"
	ClassificationCapacity  = "capacity"
)

// Request is one turn handed to the agent.
type Request struct {
	ChatID                    int64    `json:"chat_id"`
	ThreadID                  *int     `json:"thread_id,omitempty"`
	Text                      string   `json:"text"`
	Context                   []string `json:"context,omitempty"`
	PendingProposalWorkItemID string   `json:"pending_proposal_work_item_id,omitempty"`
	// SessionID resumes an existing provider session; empty starts fresh.
	SessionID     string `json:"session_id,omitempty"`
	WorkspacePath string `json:"workspace_path,omitempty"`
}

// Reply is the agent's answer to one turn.
type Reply struct {
	Mode       string  `json:"mode"` // always "chat_reply"
	ReplyText  string  `json:"reply_text"`
	Confidence float64 `json:"confidence"`
	// SessionID is the provider session to resume on the next turn.
	SessionID string `json:"session_id,omitempty"`
}

// ModelPort is the agent boundary.
type ModelPort interface {
	Respond(ctx context.Context, req Request) (*Reply, error)
}

// SessionResetter is an optional ModelPort capability used when a resumed
// session is classified invalid.
type SessionResetter interface {
	ResetSession(ctx context.Context, sessionKey string) error
}

// Pinger is an optional readiness probe.
type Pinger interface {
	Ping(ctx context.Context) error
}

// AgentError is a structured failure from the agent daemon. Classification
// is one of the Classification constants; Upstream carries the provider's
// original message text.
type AgentError struct {
	Classification string
	Upstream       string
}

func (e *AgentError) Error() string {
	if e.Upstream == "" {
		return fmt.Sprintf("agent error (%s)", e.Classification)
	}
	return fmt.Sprintf("agent error (%s): %s", e.Classification, e.Upstream)
}
