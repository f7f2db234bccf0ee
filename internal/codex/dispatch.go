package codex

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/dvcrn/codex-gateway/internal/config"
	"github.com/rs/zerolog"
)

// ResponsesURL is the Codex Responses backend endpoint.
const ResponsesURL = "https://chatgpt.com/backend-api/codex/responses"

// HTTPClient is an interface for making HTTP requests
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// NewHTTPClient creates the HTTP client used for upstream calls. No overall
// timeout is set: streamed responses stay open for as long as the model
// generates, and cancellation arrives through the request context instead.
func NewHTTPClient() HTTPClient {
	return &http.Client{
		Transport: &http.Transport{
			ResponseHeaderTimeout: 60 * time.Second,
		},
	}
}

// DispatchRequest is everything needed to open one upstream stream.
type DispatchRequest struct {
	Model             string
	Instructions      string
	Input             []InputItem
	Tools             []Tool
	ToolChoice        json.RawMessage
	ParallelToolCalls bool
	Reasoning         json.RawMessage
	// SessionID overrides the derived session identity when non-empty.
	SessionID string
}

type responsesPayload struct {
	Model             string          `json:"model"`
	Instructions      *string         `json:"instructions"`
	Input             []InputItem     `json:"input"`
	Tools             []Tool          `json:"tools"`
	ToolChoice        json.RawMessage `json:"tool_choice"`
	ParallelToolCalls bool            `json:"parallel_tool_calls"`
	Store             bool            `json:"store"`
	Stream            bool            `json:"stream"`
	PromptCacheKey    string          `json:"prompt_cache_key"`
	Include           []string        `json:"include,omitempty"`
	Reasoning         json.RawMessage `json:"reasoning,omitempty"`
}

// Dispatcher opens authenticated streams against the Responses backend.
// Credentials are read from the config snapshot on every call.
type Dispatcher struct {
	store      *config.Store
	httpClient HTTPClient
	url        string
	logger     zerolog.Logger
}

func NewDispatcher(store *config.Store, client HTTPClient, logger zerolog.Logger) *Dispatcher {
	if client == nil {
		client = NewHTTPClient()
	}
	return &Dispatcher{
		store:      store,
		httpClient: client,
		url:        ResponsesURL,
		logger:     logger,
	}
}

// Dispatch sends the upstream request and returns the live response. The
// upstream call always asks for a stream with store=false; whether the
// client sees a stream is decided by how the caller consumes the body.
// Returns ErrNotAuthenticated/ErrMissingAccountID without touching the
// network when the credential record is incomplete, and *UpstreamError for
// non-2xx upstream statuses.
func (d *Dispatcher) Dispatch(ctx context.Context, req DispatchRequest) (*http.Response, error) {
	tokens := d.store.Snapshot().Codex
	accessToken := strings.TrimSpace(tokens.AccessToken)
	if accessToken == "" {
		return nil, ErrNotAuthenticated
	}
	accountID := strings.TrimSpace(tokens.AccountID)
	if accountID == "" {
		return nil, ErrMissingAccountID
	}

	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = DeriveSessionID(req.Instructions, req.Input)
	}

	payload := responsesPayload{
		Model:             req.Model,
		Input:             req.Input,
		Tools:             req.Tools,
		ToolChoice:        req.ToolChoice,
		ParallelToolCalls: req.ParallelToolCalls,
		Store:             false,
		Stream:            true,
		PromptCacheKey:    sessionID,
	}
	if req.Instructions != "" {
		payload.Instructions = &req.Instructions
	}
	if payload.Input == nil {
		payload.Input = []InputItem{}
	}
	if payload.Tools == nil {
		payload.Tools = []Tool{}
	}
	if len(payload.ToolChoice) == 0 {
		payload.ToolChoice = json.RawMessage(`"auto"`)
	}
	if len(req.Reasoning) > 0 {
		payload.Reasoning = req.Reasoning
		payload.Include = []string{"reasoning.encrypted_content"}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal upstream payload: %w", err)
	}

	proxyReq, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create upstream request: %w", err)
	}
	proxyReq.Header.Set("Authorization", "Bearer "+accessToken)
	proxyReq.Header.Set("chatgpt-account-id", accountID)
	proxyReq.Header.Set("OpenAI-Beta", "responses=experimental")
	proxyReq.Header.Set("originator", "codex_cli_rs")
	proxyReq.Header.Set("session_id", sessionID)
	proxyReq.Header.Set("Accept", "text/event-stream")
	proxyReq.Header.Set("Content-Type", "application/json")

	d.logger.Debug().
		Str("model", req.Model).
		Str("session_id", sessionID).
		Int("input_count", len(req.Input)).
		Int("tool_count", len(req.Tools)).
		Msg("Dispatching upstream request")

	resp, err := d.httpClient.Do(proxyReq)
	if err != nil {
		return nil, &UpstreamError{Message: fmt.Sprintf("Codex upstream request failed: %v", err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		msg := extractUpstreamError(resp.Body)
		d.logger.Warn().
			Int("status_code", resp.StatusCode).
			Str("message", msg).
			Msg("Upstream returned error status")
		return nil, &UpstreamError{StatusCode: resp.StatusCode, Message: msg}
	}

	return resp, nil
}

// extractUpstreamError pulls error.message out of an upstream error body,
// falling back to a generic message when the body is not parseable.
func extractUpstreamError(body io.Reader) string {
	data, err := io.ReadAll(io.LimitReader(body, 64*1024))
	if err != nil {
		return "Upstream error"
	}
	var parsed struct {
		Error *EventError `json:"error"`
	}
	if err := json.Unmarshal(data, &parsed); err == nil && parsed.Error != nil && parsed.Error.Message != "" {
		return parsed.Error.Message
	}
	return "Upstream error"
}
