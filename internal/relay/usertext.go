package relay

import (
	"errors"
	"fmt"
	"time"

	"github.com/basket/claw-relay/internal/adapter"
)

// FailureText renders the user-visible text for a classified turn failure.
// Every failure is delivered as chat text; raw errors never reach the user.
func FailureText(class ErrorClass, err error, relayTimeout time.Duration) string {
	switch class {
	case ClassTimeout:
		return fmt.Sprintf("The model did not finish within %ds. Please retry, or increase RELAY_TIMEOUT_MS for long-running tasks.", int(relayTimeout.Seconds()))
	case ClassEmptyOutput:
		return "The model finished without user-visible output. This usually means the request was consumed by internal processing. Please rephrase and try again."
	case ClassSessionInvalid:
		return "Your previous session expired. I started a fresh session; please retry this request."
	case ClassToolCallError:
		return "The model's response was rejected by the provider. I've cleared the conversation — please try again."
	case ClassModelError:
		var agentErr *adapter.AgentError
		if errors.As(err, &agentErr) {
			return fmt.Sprintf("⚠️ %s error from the model provider: %s", agentErr.Classification, agentErr.Upstream)
		}
		return fmt.Sprintf("⚠️ error from the model provider: %v", err)
	case ClassModelTransient:
		return "The model provider is temporarily unavailable. Please try again later."
	default:
		return "I hit a transport/delivery issue while relaying this response. Please retry now."
	}
}
