package relay

import (
	"errors"
	"regexp"
	"strings"

	"github.com/basket/claw-relay/internal/adapter"
)

// ErrorClass is the closed taxonomy every turn failure maps into. The class
// decides retry behavior and the user-facing failure text.
type ErrorClass string

const (
	// ClassModelError is a non-transient provider failure (billing, auth,
	// internal, max steps, aborted).
	ClassModelError ErrorClass = "model_error"

	// ClassToolCallError means the provider rejected the model's tool use;
	// the session is poisoned and must be cleared.
	ClassToolCallError ErrorClass = "tool_call_error"

	// ClassModelTransient is a retryable provider condition (rate limit,
	// capacity).
	ClassModelTransient ErrorClass = "model_transient"

	// ClassTimeout means the turn exceeded the relay deadline.
	ClassTimeout ErrorClass = "timeout"

	// ClassEmptyOutput means the agent finished without user-visible text.
	ClassEmptyOutput ErrorClass = "empty_output"

	// ClassSessionInvalid means the resumed provider session cannot be used;
	// a fresh session must be started.
	ClassSessionInvalid ErrorClass = "session_invalid"

	// ClassTransport is the default: a delivery or connectivity failure.
	ClassTransport ErrorClass = "transport"
)

var toolCallPatterns = []string{
	"failed_generation",
	"tool call validation",
	"tool_use_failed",
	"tool use failed",
}

var modelErrorClassifications = map[string]struct{}{
	adapter.ClassificationBilling:  {},
	adapter.ClassificationAuth:     {},
	adapter.ClassificationInternal: {},
	adapter.ClassificationMaxSteps: {},
	adapter.ClassificationAborted:  {},
}

var transientClassifications = map[string]struct{}{
	adapter.ClassificationRateLimit: {},
	adapter.ClassificationCapacity:  {},
}

// sessionInvalidRe matches provider messages about stale, invalid or expired
// session tokens. String matching is a documented fallback for messages that
// bleed through without structure.
var sessionInvalidRe = regexp.MustCompile(`(?i)(stale|invalid|expired|unknown|no such)[ _-]*(session|conversation)|session[ _-]*(not found|invalid|expired|token)`)

// Classify maps a raw adapter failure onto the taxonomy. Structured
// *adapter.AgentError codes are preferred; message matching is the fallback.
// Matching is case-insensitive; precedence follows the declaration order of
// the classes above.
func Classify(err error) ErrorClass {
	if err == nil {
		return ClassTransport
	}
	msg := strings.ToLower(err.Error())

	var agentErr *adapter.AgentError
	if errors.As(err, &agentErr) {
		upstream := strings.ToLower(agentErr.Upstream)
		if matchesAny(upstream, toolCallPatterns) {
			return ClassToolCallError
		}
		if _, ok := modelErrorClassifications[agentErr.Classification]; ok {
			return ClassModelError
		}
		if _, ok := transientClassifications[agentErr.Classification]; ok {
			return ClassModelTransient
		}
	} else if matchesAny(msg, toolCallPatterns) {
		return ClassToolCallError
	}

	if strings.Contains(msg, "timed out") {
		return ClassTimeout
	}
	if strings.Contains(msg, "no user-facing text output") {
		return ClassEmptyOutput
	}
	if sessionInvalidRe.MatchString(msg) ||
		strings.Contains(msg, "already processing") ||
		strings.Contains(msg, "agent is busy") {
		return ClassSessionInvalid
	}
	return ClassTransport
}

func matchesAny(msg string, patterns []string) bool {
	for _, p := range patterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

// RetriesWithFreshSession reports whether the class triggers the one-shot
// fresh-session retry when the failed turn had resumed a session.
func (c ErrorClass) RetriesWithFreshSession() bool {
	switch c {
	case ClassSessionInvalid, ClassToolCallError, ClassTimeout:
		return true
	}
	return false
}

// PoisonsSession reports whether the failed session must be marked stale.
// Timeouts are neutral: the session may still be alive.
func (c ErrorClass) PoisonsSession() bool {
	return c == ClassSessionInvalid || c == ClassToolCallError
}
