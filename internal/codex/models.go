package codex

import "strings"

const (
	ModelGPT5      = "gpt-5"
	ModelCodexMini = "codex-mini-latest"
)

var effortSuffixes = []string{"minimal", "low", "medium", "high"}

// NormalizeModel maps a client-supplied model name onto a canonical backend
// model id: variant tags after ':' are stripped, a trailing reasoning-effort
// suffix ("-high", "_low", ...) is stripped, and known aliases collapse onto
// their canonical ids. Unrecognized names pass through unchanged; an empty
// name defaults to gpt-5.
func NormalizeModel(model string) string {
	base := strings.TrimSpace(model)
	if base == "" {
		return ModelGPT5
	}
	if head, _, found := strings.Cut(base, ":"); found {
		base = strings.TrimSpace(head)
	}

	lower := strings.ToLower(base)
	for _, sep := range []string{"-", "_"} {
		for _, effort := range effortSuffixes {
			if suffix := sep + effort; strings.HasSuffix(lower, suffix) {
				base = base[:len(base)-len(suffix)]
				lower = strings.ToLower(base)
				break
			}
		}
	}

	switch base {
	case "gpt5", "gpt-5-latest", "gpt-5":
		return ModelGPT5
	case "codex", "codex-mini", "codex-mini-latest":
		return ModelCodexMini
	default:
		return base
	}
}

// ModelInfo is one entry of the /codex/v1/models listing.
type ModelInfo struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	OwnedBy string `json:"owned_by"`
}

type ModelList struct {
	Object string      `json:"object"`
	Data   []ModelInfo `json:"data"`
}

// SupportedModels lists the models this gateway accepts.
func SupportedModels() ModelList {
	return ModelList{
		Object: "list",
		Data: []ModelInfo{
			{ID: ModelGPT5, Object: "model", OwnedBy: "owner"},
			{ID: ModelCodexMini, Object: "model", OwnedBy: "owner"},
		},
	}
}
