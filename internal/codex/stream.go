package codex

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
)

// Outbound streaming object types.
const (
	chatChunkObject       = "chat.completion.chunk"
	completionChunkObject = "text_completion.chunk"
)

type chunkDelta struct {
	Content   *string         `json:"content,omitempty"`
	ToolCalls []toolCallDelta `json:"tool_calls,omitempty"`
}

type toolCallDelta struct {
	Index    int          `json:"index"`
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function toolFunction `json:"function"`
}

type toolFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type chatChunkChoice struct {
	Index        int        `json:"index"`
	Delta        chunkDelta `json:"delta"`
	FinishReason *string    `json:"finish_reason"`
}

type chatChunk struct {
	ID      string            `json:"id"`
	Object  string            `json:"object"`
	Created int64             `json:"created"`
	Model   string            `json:"model"`
	Choices []chatChunkChoice `json:"choices"`
	Usage   json.RawMessage   `json:"usage,omitempty"`
}

type completionChunkChoice struct {
	Index        int     `json:"index"`
	Text         string  `json:"text"`
	FinishReason *string `json:"finish_reason"`
}

type completionChunk struct {
	ID      string                  `json:"id"`
	Object  string                  `json:"object"`
	Created int64                   `json:"created"`
	Model   string                  `json:"model"`
	Choices []completionChunkChoice `json:"choices"`
	Usage   json.RawMessage         `json:"usage,omitempty"`
}

type streamError struct {
	Error EventError `json:"error"`
}

var finishStop = "stop"

// StreamTranslator re-encodes upstream Responses events into OpenAI-style
// streaming chunks, one event at a time and in arrival order. Events it does
// not understand are passed through verbatim. It is single-use: created per
// request and discarded with the stream.
type StreamTranslator struct {
	legacy       bool
	model        string
	created      int64
	includeUsage bool
	responseID   string
}

// NewChatStreamTranslator translates onto chat.completion.chunk events.
// model and created are fixed for the whole stream.
func NewChatStreamTranslator(model string, created int64, includeUsage bool) *StreamTranslator {
	return &StreamTranslator{
		model:        model,
		created:      created,
		includeUsage: includeUsage,
		responseID:   "chatcmpl-stream",
	}
}

// NewCompletionStreamTranslator translates onto legacy text_completion.chunk
// events. Tool calls have no legacy representation and are forwarded as-is.
func NewCompletionStreamTranslator(model string, created int64, includeUsage bool) *StreamTranslator {
	return &StreamTranslator{
		legacy:       true,
		model:        model,
		created:      created,
		includeUsage: includeUsage,
		responseID:   "cmpl-stream",
	}
}

// Translate converts one upstream event payload. The returned slice is the
// outbound payload; unknown or unparseable events come back unchanged.
func (t *StreamTranslator) Translate(raw []byte) ([]byte, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil, nil
	}

	var evt UpstreamEvent
	if err := json.Unmarshal(trimmed, &evt); err != nil {
		// Best-effort forwarding of frames we cannot interpret.
		return trimmed, nil
	}
	if evt.Response != nil && evt.Response.ID != "" {
		t.responseID = evt.Response.ID
	}

	switch evt.Type {
	case EventOutputTextDelta:
		if t.legacy {
			return t.marshalCompletionChunk(evt.Delta, nil, nil)
		}
		return t.marshalChatChunk(chunkDelta{Content: &evt.Delta}, nil, nil)

	case EventOutputItemDone:
		if t.legacy || evt.Item == nil || evt.Item.Type != "function_call" {
			return trimmed, nil
		}
		delta := chunkDelta{ToolCalls: []toolCallDelta{{
			Index: 0,
			ID:    evt.Item.ToolCallID(),
			Type:  "function",
			Function: toolFunction{
				Name:      evt.Item.Name,
				Arguments: evt.Item.Arguments,
			},
		}}}
		return t.marshalChatChunk(delta, nil, nil)

	case EventOutputTextDone:
		if t.legacy {
			return t.marshalCompletionChunk("", &finishStop, nil)
		}
		return t.marshalChatChunk(chunkDelta{}, &finishStop, nil)

	case EventFailed:
		msg := "response.failed"
		if evt.Response != nil && evt.Response.Error != nil && evt.Response.Error.Message != "" {
			msg = evt.Response.Error.Message
		}
		return json.Marshal(streamError{Error: EventError{Message: msg}})

	case EventCompleted:
		if t.includeUsage && evt.Response != nil && len(evt.Response.Usage) > 0 {
			if t.legacy {
				return t.marshalCompletionChunk("", nil, evt.Response.Usage)
			}
			return t.marshalChatChunk(chunkDelta{}, nil, evt.Response.Usage)
		}
		return trimmed, nil

	default:
		return trimmed, nil
	}
}

func (t *StreamTranslator) marshalChatChunk(delta chunkDelta, finish *string, usage json.RawMessage) ([]byte, error) {
	chunk := chatChunk{
		ID:      t.responseID,
		Object:  chatChunkObject,
		Created: t.created,
		Model:   t.model,
		Choices: []chatChunkChoice{{Index: 0, Delta: delta, FinishReason: finish}},
		Usage:   usage,
	}
	b, err := json.Marshal(chunk)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal chat chunk: %w", err)
	}
	return b, nil
}

func (t *StreamTranslator) marshalCompletionChunk(text string, finish *string, usage json.RawMessage) ([]byte, error) {
	chunk := completionChunk{
		ID:      t.responseID,
		Object:  completionChunkObject,
		Created: t.created,
		Model:   t.model,
		Choices: []completionChunkChoice{{Index: 0, Text: text, FinishReason: finish}},
		Usage:   usage,
	}
	b, err := json.Marshal(chunk)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal completion chunk: %w", err)
	}
	return b, nil
}

// RewriteStream pumps the upstream SSE body through the translator and
// writes outbound SSE events to w, preserving event order. Each outbound
// event is produced only after its upstream event has arrived. A terminal
// 'data: [DONE]' is always written, even when upstream omits it.
func RewriteStream(r io.Reader, w io.Writer, t *StreamTranslator) error {
	doneSeen := false
	err := scanEvents(r, func(raw []byte) (bool, error) {
		if bytes.Equal(bytes.TrimSpace(raw), doneMarker) {
			doneSeen = true
			return false, writeSSE(w, doneMarker)
		}
		out, err := t.Translate(raw)
		if err != nil {
			return false, err
		}
		if len(out) == 0 {
			return false, nil
		}
		return false, writeSSE(w, out)
	})
	if err != nil {
		return err
	}
	if !doneSeen {
		return writeSSE(w, doneMarker)
	}
	return nil
}
