package codex

import (
	"encoding/json"
	"io"
	"strings"
)

// ChatCompletion is the non-streaming chat response shape.
type ChatCompletion struct {
	ID      string                 `json:"id"`
	Object  string                 `json:"object"`
	Created int64                  `json:"created"`
	Model   string                 `json:"model"`
	Choices []ChatCompletionChoice `json:"choices"`
	Usage   json.RawMessage        `json:"usage,omitempty"`
}

type ChatCompletionChoice struct {
	Index        int               `json:"index"`
	Message      CompletionMessage `json:"message"`
	FinishReason string            `json:"finish_reason"`
}

type CompletionMessage struct {
	Role      string     `json:"role"`
	Content   string     `json:"content"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
}

type ToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function toolFunction `json:"function"`
}

// Completion is the legacy non-streaming response shape.
type Completion struct {
	ID      string             `json:"id"`
	Object  string             `json:"object"`
	Created int64              `json:"created"`
	Model   string             `json:"model"`
	Choices []CompletionChoice `json:"choices"`
	Usage   json.RawMessage    `json:"usage,omitempty"`
}

type CompletionChoice struct {
	Index        int         `json:"index"`
	Text         string      `json:"text"`
	FinishReason string      `json:"finish_reason"`
	Logprobs     interface{} `json:"logprobs"`
}

// aggregate consumes the upstream event stream to completion, accumulating
// text deltas and function_call items. response.completed is terminal
// success; response.failed aborts with an *UpstreamError. Unparseable
// events are skipped.
type aggregateResult struct {
	responseID string
	text       strings.Builder
	toolCalls  []ToolCall
	usage      json.RawMessage
}

func aggregate(body io.Reader, defaultID string) (*aggregateResult, error) {
	res := &aggregateResult{responseID: defaultID}
	var failed *UpstreamError

	err := scanEvents(body, func(raw []byte) (bool, error) {
		var evt UpstreamEvent
		if err := json.Unmarshal(raw, &evt); err != nil {
			return false, nil
		}
		if evt.Response != nil && evt.Response.ID != "" {
			res.responseID = evt.Response.ID
		}
		switch evt.Type {
		case EventOutputTextDelta:
			res.text.WriteString(evt.Delta)
		case EventOutputItemDone:
			if evt.Item != nil && evt.Item.Type == "function_call" {
				res.toolCalls = append(res.toolCalls, ToolCall{
					ID:   evt.Item.ToolCallID(),
					Type: "function",
					Function: toolFunction{
						Name:      evt.Item.Name,
						Arguments: evt.Item.Arguments,
					},
				})
			}
		case EventCompleted:
			if evt.Response != nil {
				res.usage = evt.Response.Usage
			}
			return true, nil
		case EventFailed:
			msg := "response.failed"
			if evt.Response != nil && evt.Response.Error != nil && evt.Response.Error.Message != "" {
				msg = evt.Response.Error.Message
			}
			failed = &UpstreamError{Message: msg}
			return true, nil
		}
		return false, nil
	})
	if err != nil {
		return nil, err
	}
	if failed != nil {
		return nil, failed
	}
	return res, nil
}

// AggregateChatCompletion collapses the upstream stream into one chat
// completion response.
func AggregateChatCompletion(body io.Reader, model string, created int64) (*ChatCompletion, error) {
	res, err := aggregate(body, "chatcmpl")
	if err != nil {
		return nil, err
	}
	return &ChatCompletion{
		ID:      res.responseID,
		Object:  "chat.completion",
		Created: created,
		Model:   model,
		Choices: []ChatCompletionChoice{{
			Index: 0,
			Message: CompletionMessage{
				Role:      RoleAssistant,
				Content:   res.text.String(),
				ToolCalls: res.toolCalls,
			},
			FinishReason: finishStop,
		}},
		Usage: res.usage,
	}, nil
}

// AggregateCompletion collapses the upstream stream into one legacy text
// completion response. Tool calls have no legacy representation and are
// dropped.
func AggregateCompletion(body io.Reader, model string, created int64) (*Completion, error) {
	res, err := aggregate(body, "cmpl")
	if err != nil {
		return nil, err
	}
	return &Completion{
		ID:      res.responseID,
		Object:  "text_completion",
		Created: created,
		Model:   model,
		Choices: []CompletionChoice{{
			Index:        0,
			Text:         res.text.String(),
			FinishReason: finishStop,
			Logprobs:     nil,
		}},
		Usage: res.usage,
	}, nil
}
