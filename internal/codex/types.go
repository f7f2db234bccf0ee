package codex

import "encoding/json"

// Message roles accepted on the inbound OpenAI-compatible surface.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// ChatMessage is one inbound chat message. Content is either a plain string
// or a list of content blocks; both shapes appear in the wild.
type ChatMessage struct {
	Role    string         `json:"role"`
	Content MessageContent `json:"content"`
}

// MessageContent holds either plain text or an ordered block list. Exactly
// one of the two is populated.
type MessageContent struct {
	Text   string
	Blocks []ContentBlock
	// IsBlocks distinguishes an empty block list from plain empty text.
	IsBlocks bool
}

// TextContent wraps plain text as message content.
func TextContent(text string) MessageContent {
	return MessageContent{Text: text}
}

func (c *MessageContent) UnmarshalJSON(data []byte) error {
	var text string
	if err := json.Unmarshal(data, &text); err == nil {
		c.Text = text
		return nil
	}
	var blocks []ContentBlock
	if err := json.Unmarshal(data, &blocks); err == nil {
		c.Blocks = blocks
		c.IsBlocks = true
		return nil
	}
	// Unknown content shape; treat as empty rather than failing the request.
	return nil
}

func (c MessageContent) MarshalJSON() ([]byte, error) {
	if c.IsBlocks {
		return json.Marshal(c.Blocks)
	}
	return json.Marshal(c.Text)
}

// Content block types.
const (
	BlockText       = "text"
	BlockImageURL   = "image_url"
	BlockToolResult = "tool_result"
)

// ContentBlock is a single block inside a block-shaped message content.
// Unknown block types are kept with their Type set so callers can skip them.
type ContentBlock struct {
	Type string `json:"type"`

	// BlockText
	Text string `json:"text,omitempty"`

	// BlockImageURL; accepts both {"url": "..."} objects and bare strings.
	ImageURL ImageRef `json:"image_url,omitempty"`

	// BlockToolResult
	ToolUseID   string         `json:"tool_use_id,omitempty"`
	ToolContent MessageContent `json:"content,omitempty"`
}

// ImageRef is an image reference that tolerates both the OpenAI object form
// {"url": "..."} and a plain URL string.
type ImageRef struct {
	URL string `json:"url"`
}

func (r *ImageRef) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		r.URL = s
		return nil
	}
	type alias ImageRef
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	r.URL = a.URL
	return nil
}

// Input item and part types for the upstream Responses request body.
const (
	ItemMessage            = "message"
	ItemFunctionCallOutput = "function_call_output"

	PartInputText  = "input_text"
	PartOutputText = "output_text"
	PartInputImage = "input_image"
)

// InputItem is one entry of the upstream "input" array: either a message
// carrying content parts, or a standalone function_call_output.
type InputItem struct {
	Type    string      `json:"type"`
	Role    string      `json:"role,omitempty"`
	Content []InputPart `json:"content,omitempty"`
	CallID  string      `json:"call_id,omitempty"`
	Output  string      `json:"output,omitempty"`
}

// InputPart is one content part inside an upstream message item.
type InputPart struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	ImageURL string `json:"image_url,omitempty"`
}

// Tool is an upstream function tool definition.
type Tool struct {
	Type        string          `json:"type"`
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Strict      bool            `json:"strict"`
	Parameters  json.RawMessage `json:"parameters"`
}

// Upstream event types this gateway interprets. Anything else is forwarded
// (streaming) or skipped (aggregation).
const (
	EventOutputTextDelta = "response.output_text.delta"
	EventOutputTextDone  = "response.output_text.done"
	EventOutputItemDone  = "response.output_item.done"
	EventCompleted       = "response.completed"
	EventFailed          = "response.failed"
)

// UpstreamEvent is one decoded SSE payload from the Responses backend.
type UpstreamEvent struct {
	Type     string         `json:"type"`
	Delta    string         `json:"delta,omitempty"`
	Item     *OutputItem    `json:"item,omitempty"`
	Response *EventResponse `json:"response,omitempty"`
}

// OutputItem is the "item" sub-object of output_item events.
type OutputItem struct {
	Type      string `json:"type"`
	ID        string `json:"id,omitempty"`
	CallID    string `json:"call_id,omitempty"`
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
}

// EventResponse is the "response" sub-object carried by lifecycle events.
// Usage is kept raw and merged verbatim into client-facing payloads.
type EventResponse struct {
	ID    string          `json:"id,omitempty"`
	Usage json.RawMessage `json:"usage,omitempty"`
	Error *EventError     `json:"error,omitempty"`
}

type EventError struct {
	Message string `json:"message,omitempty"`
}

// ToolCallID returns the client-facing id for a function_call item,
// preferring call_id over the item id.
func (i *OutputItem) ToolCallID() string {
	if i.CallID != "" {
		return i.CallID
	}
	return i.ID
}
