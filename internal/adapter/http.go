package adapter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// replySchema constrains what the relay will accept from the agent daemon.
// Responses that fail validation are treated as internal agent errors rather
// than trusted and delivered.
const replySchema = `{
	"type": "object",
	"required": ["mode", "reply_text"],
	"properties": {
		"mode": {"const": "chat_reply"},
		"reply_text": {"type": "string"},
		"confidence": {"type": "number", "minimum": 0, "maximum": 1},
		"session_id": {"type": "string"}
	}
}`

// HTTPAgent talks to a local agent daemon over HTTP. The daemon owns
// provider fan-out, tool invocation and session state; the relay only
// resumes sessions by ID.
type HTTPAgent struct {
	baseURL string
	client  *http.Client
	schema  *jsonschema.Schema
	logger  *slog.Logger
}

// NewHTTPAgent creates a client for the daemon at baseURL. No overall client
// timeout is set; per-turn deadlines come from the caller's context.
func NewHTTPAgent(baseURL string, logger *slog.Logger) (*HTTPAgent, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(replySchema))
	if err != nil {
		return nil, fmt.Errorf("unmarshal reply schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("reply.json", doc); err != nil {
		return nil, fmt.Errorf("add reply schema resource: %w", err)
	}
	schema, err := c.Compile("reply.json")
	if err != nil {
		return nil, fmt.Errorf("compile reply schema: %w", err)
	}
	return &HTTPAgent{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		client:  &http.Client{},
		schema:  schema,
		logger:  logger,
	}, nil
}

// Respond posts the turn to the daemon and decodes the reply. Structured
// daemon failures come back as *AgentError.
func (a *HTTPAgent) Respond(ctx context.Context, req Request) (*Reply, error) {
	body, err := a.post(ctx, "/v1/respond", req)
	if err != nil {
		return nil, err
	}

	// Validate before trusting: a daemon bug must not push garbage to chat.
	parsed, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		a.logger.Warn("agent reply not decodable", "error", err)
		return nil, &AgentError{Classification: ClassificationInternal, Upstream: fmt.Sprintf("undecodable reply: %v", err)}
	}
	if err := a.schema.Validate(parsed); err != nil {
		a.logger.Warn("agent reply rejected by schema", "error", err)
		return nil, &AgentError{Classification: ClassificationInternal, Upstream: fmt.Sprintf("reply schema violation: %v", err)}
	}

	var reply Reply
	if err := json.Unmarshal(body, &reply); err != nil {
		return nil, fmt.Errorf("decode agent reply: %w", err)
	}
	return &reply, nil
}

// ResetSession asks the daemon to discard provider state for a session key.
func (a *HTTPAgent) ResetSession(ctx context.Context, sessionKey string) error {
	_, err := a.post(ctx, "/v1/sessions/reset", map[string]string{"session_key": sessionKey})
	return err
}

// Ping probes daemon readiness.
func (a *HTTPAgent) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+"/v1/ping", nil)
	if err != nil {
		return err
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("agent ping: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("agent ping: status %d", resp.StatusCode)
	}
	return nil
}

func (a *HTTPAgent) post(ctx context.Context, path string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode agent request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("agent %s: %w", path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("read agent response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, decodeAgentError(resp.StatusCode, body)
	}
	return body, nil
}

// decodeAgentError maps a non-200 daemon response to a structured error.
// Bodies that aren't the documented error envelope degrade to internal.
func decodeAgentError(status int, body []byte) error {
	var envelope struct {
		Error struct {
			Classification string `json:"classification"`
			Message        string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error.Classification != "" {
		return &AgentError{
			Classification: envelope.Error.Classification,
			Upstream:       envelope.Error.Message,
		}
	}
	return &AgentError{
		Classification: ClassificationInternal,
		Upstream:       fmt.Sprintf("status %d: %s", status, strings.TrimSpace(string(body))),
	}
}
