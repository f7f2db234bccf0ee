package codex

import (
	"encoding/base64"
	"encoding/json"
	"strings"

	"github.com/rs/zerolog"
)

// SystemInstructions joins every text fragment found in system-role messages,
// in order, separated by newlines. Returns "" when there are none.
func SystemInstructions(messages []ChatMessage) string {
	var parts []string
	for _, m := range messages {
		if m.Role != RoleSystem {
			continue
		}
		if !m.Content.IsBlocks {
			if m.Content.Text != "" {
				parts = append(parts, m.Content.Text)
			}
			continue
		}
		for _, b := range m.Content.Blocks {
			if b.Type == BlockText && b.Text != "" {
				parts = append(parts, b.Text)
			}
		}
	}
	return strings.Join(parts, "\n")
}

// ConvertMessages maps non-system chat messages onto upstream input items.
// System messages are handled separately via SystemInstructions. Assistant
// text becomes output_text parts; user/tool text becomes input_text parts;
// images become input_image parts with normalized data URLs; tool results
// become standalone function_call_output items. Messages that produce no
// parts are dropped rather than emitted empty.
func ConvertMessages(messages []ChatMessage, logger zerolog.Logger) []InputItem {
	var out []InputItem
	for _, msg := range messages {
		switch msg.Role {
		case RoleSystem:
			// moved to instructions
		case RoleAssistant:
			if item, ok := assistantItem(msg); ok {
				out = append(out, item)
			}
		default:
			out = append(out, userItems(msg, logger)...)
		}
	}
	return out
}

func assistantItem(msg ChatMessage) (InputItem, bool) {
	var parts []InputPart
	if msg.Content.IsBlocks {
		for _, b := range msg.Content.Blocks {
			if b.Type == BlockText && b.Text != "" {
				parts = append(parts, InputPart{Type: PartOutputText, Text: b.Text})
			}
		}
	} else if msg.Content.Text != "" {
		parts = append(parts, InputPart{Type: PartOutputText, Text: msg.Content.Text})
	}
	if len(parts) == 0 {
		return InputItem{}, false
	}
	return InputItem{Type: ItemMessage, Role: RoleAssistant, Content: parts}, true
}

// userItems maps a user- or tool-role message. Text and image blocks collect
// into one message item; every tool_result block is emitted as its own
// function_call_output item, never folded into the message.
func userItems(msg ChatMessage, logger zerolog.Logger) []InputItem {
	var parts []InputPart
	var calls []InputItem

	if msg.Content.IsBlocks {
		for _, b := range msg.Content.Blocks {
			switch b.Type {
			case BlockText:
				if b.Text != "" {
					parts = append(parts, InputPart{Type: PartInputText, Text: b.Text})
				}
			case BlockImageURL:
				if url := NormalizeDataURL(b.ImageURL.URL, logger); url != "" {
					parts = append(parts, InputPart{Type: PartInputImage, ImageURL: url})
				}
			case BlockToolResult:
				calls = append(calls, InputItem{
					Type:   ItemFunctionCallOutput,
					CallID: b.ToolUseID,
					Output: flattenContent(b.ToolContent),
				})
			}
		}
	} else if msg.Content.Text != "" {
		parts = append(parts, InputPart{Type: PartInputText, Text: msg.Content.Text})
	}

	var out []InputItem
	if len(parts) > 0 {
		out = append(out, InputItem{Type: ItemMessage, Role: RoleUser, Content: parts})
	}
	return append(out, calls...)
}

func flattenContent(c MessageContent) string {
	if !c.IsBlocks {
		return c.Text
	}
	var parts []string
	for _, b := range c.Blocks {
		if b.Text != "" {
			parts = append(parts, b.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// NormalizeDataURL repairs base64 image data URLs: strips newlines, converts
// the URL-safe alphabet to the standard one, and pads to a multiple of four.
// Anything that is not a data:image/ URL passes through unchanged, as does a
// payload that still fails to decode after repair.
func NormalizeDataURL(url string, logger zerolog.Logger) string {
	if !strings.HasPrefix(url, "data:image/") {
		return url
	}
	header, data, found := strings.Cut(url, ",")
	if !found {
		return url
	}

	repl := strings.NewReplacer("\n", "", "\r", "", "-", "+", "_", "/")
	normalized := repl.Replace(strings.TrimSpace(data))
	if pad := (4 - len(normalized)%4) % 4; pad > 0 {
		normalized += strings.Repeat("=", pad)
	}

	if _, err := base64.URLEncoding.DecodeString(normalized); err != nil {
		if _, err := base64.StdEncoding.DecodeString(normalized); err != nil {
			logger.Warn().Msg("Invalid base64 image data, passing URL through unchanged")
			return url
		}
	}
	return header + "," + normalized
}

// ConvertTools maps OpenAI {type:"function"} tool definitions to the upstream
// tool shape. Entries of other types are dropped. Missing parameters default
// to an empty object schema.
func ConvertTools(raw json.RawMessage) []Tool {
	if len(raw) == 0 {
		return nil
	}
	var defs []struct {
		Type     string `json:"type"`
		Function struct {
			Name        string          `json:"name"`
			Description string          `json:"description"`
			Parameters  json.RawMessage `json:"parameters"`
		} `json:"function"`
	}
	if err := json.Unmarshal(raw, &defs); err != nil {
		return nil
	}
	out := make([]Tool, 0, len(defs))
	for _, d := range defs {
		if d.Type != "function" || d.Function.Name == "" {
			continue
		}
		params := d.Function.Parameters
		if len(params) == 0 {
			params = json.RawMessage(`{"type":"object","properties":{}}`)
		}
		out = append(out, Tool{
			Type:        "function",
			Name:        d.Function.Name,
			Description: d.Function.Description,
			Strict:      false,
			Parameters:  params,
		})
	}
	return out
}
