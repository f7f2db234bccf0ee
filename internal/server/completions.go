package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/dvcrn/codex-gateway/internal/codex"
)

type streamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type chatCompletionsRequest struct {
	Model             string              `json:"model"`
	Messages          []codex.ChatMessage `json:"messages"`
	Stream            bool                `json:"stream"`
	StreamOptions     *streamOptions      `json:"stream_options"`
	Tools             json.RawMessage     `json:"tools"`
	ToolChoice        json.RawMessage     `json:"tool_choice"`
	ParallelToolCalls bool                `json:"parallel_tool_calls"`
	Reasoning         json.RawMessage     `json:"reasoning"`
}

// promptValue accepts the legacy prompt field as either a string or an
// array of strings, which are concatenated without a separator.
type promptValue string

func (p *promptValue) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*p = promptValue(s)
		return nil
	}
	var parts []string
	if err := json.Unmarshal(data, &parts); err == nil {
		*p = promptValue(strings.Join(parts, ""))
		return nil
	}
	*p = ""
	return nil
}

type completionsRequest struct {
	Model         string         `json:"model"`
	Prompt        promptValue    `json:"prompt"`
	Suffix        string         `json:"suffix"`
	Stream        bool           `json:"stream"`
	StreamOptions *streamOptions `json:"stream_options"`
}

func (req *chatCompletionsRequest) includeUsage() bool {
	return req.StreamOptions != nil && req.StreamOptions.IncludeUsage
}

func (req *completionsRequest) includeUsage() bool {
	return req.StreamOptions != nil && req.StreamOptions.IncludeUsage
}

func (s *Server) chatCompletionsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req chatCompletionsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.logger.Error().Err(err).Msg("Error unmarshalling request body")
		s.writeErrorJSON(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	defer r.Body.Close()

	requestedModel := req.Model
	model := codex.NormalizeModel(requestedModel)
	created := time.Now().Unix()

	instructions := codex.SystemInstructions(req.Messages)
	input := codex.ConvertMessages(req.Messages, s.logger)
	tools := codex.ConvertTools(req.Tools)

	s.logger.Info().
		Str("requested_model", requestedModel).
		Str("normalized_model", model).
		Int("message_count", len(req.Messages)).
		Int("tool_count", len(tools)).
		Bool("stream", req.Stream).
		Str("user_agent", r.UserAgent()).
		Msg("Chat completions request")

	resp, err := s.dispatcher.Dispatch(r.Context(), codex.DispatchRequest{
		Model:             model,
		Instructions:      instructions,
		Input:             input,
		Tools:             tools,
		ToolChoice:        req.ToolChoice,
		ParallelToolCalls: req.ParallelToolCalls,
		Reasoning:         req.Reasoning,
	})
	if err != nil {
		s.writeDispatchError(w, err)
		return
	}
	defer resp.Body.Close()

	if req.Stream {
		s.streamResponse(w, resp.Body, codex.NewChatStreamTranslator(requestedModel, created, req.includeUsage()))
		return
	}

	out, err := codex.AggregateChatCompletion(resp.Body, requestedModel, created)
	if err != nil {
		s.writeDispatchError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) completionsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req completionsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.logger.Error().Err(err).Msg("Error unmarshalling request body")
		s.writeErrorJSON(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	defer r.Body.Close()

	prompt := string(req.Prompt)
	if prompt == "" {
		prompt = req.Suffix
	}

	requestedModel := req.Model
	if requestedModel == "" {
		requestedModel = codex.ModelGPT5
	}
	model := codex.NormalizeModel(requestedModel)
	created := time.Now().Unix()

	messages := []codex.ChatMessage{{
		Role:    codex.RoleUser,
		Content: codex.TextContent(prompt),
	}}
	input := codex.ConvertMessages(messages, s.logger)

	s.logger.Info().
		Str("requested_model", requestedModel).
		Str("normalized_model", model).
		Int("prompt_len", len(prompt)).
		Bool("stream", req.Stream).
		Str("user_agent", r.UserAgent()).
		Msg("Completions request")

	resp, err := s.dispatcher.Dispatch(r.Context(), codex.DispatchRequest{
		Model: model,
		Input: input,
	})
	if err != nil {
		s.writeDispatchError(w, err)
		return
	}
	defer resp.Body.Close()

	if req.Stream {
		s.streamResponse(w, resp.Body, codex.NewCompletionStreamTranslator(requestedModel, created, req.includeUsage()))
		return
	}

	out, err := codex.AggregateCompletion(resp.Body, requestedModel, created)
	if err != nil {
		s.writeDispatchError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, out)
}

// streamResponse pumps translated SSE events to the client, flushing after
// every event and always terminating with [DONE].
func (s *Server) streamResponse(w http.ResponseWriter, body io.Reader, t *codex.StreamTranslator) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.logger.Error().Msg("Streaming unsupported by response writer")
		s.writeErrorJSON(w, http.StatusInternalServerError, "Streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	if err := codex.RewriteStream(body, sseFlushWriter{w: w, f: flusher}, t); err != nil {
		s.logger.Error().Err(err).Msg("Error while streaming response")
	}
}

func (s *Server) writeDispatchError(w http.ResponseWriter, err error) {
	var upstreamErr *codex.UpstreamError
	switch {
	case errors.Is(err, codex.ErrNotAuthenticated), errors.Is(err, codex.ErrMissingAccountID):
		s.writeErrorJSON(w, http.StatusBadRequest, err.Error())
	case errors.As(err, &upstreamErr):
		s.logger.Error().Int("status", upstreamErr.StatusCode).Str("message", upstreamErr.Message).Msg("Upstream request failed")
		s.writeErrorJSON(w, http.StatusBadGateway, upstreamErr.Message)
	default:
		s.logger.Error().Err(err).Msg("Upstream request failed")
		s.writeErrorJSON(w, http.StatusBadGateway, "Upstream error")
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error().Err(err).Msg("Failed to encode response")
	}
}
