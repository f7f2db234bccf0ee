package codex

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/google/uuid"
)

// DeriveSessionID computes the session identity for a request: the SHA-256
// hex digest of the trimmed instructions concatenated with a canonical
// rendering of the first user message. The same (instructions, first user
// message) pair always yields the same id, which upstream uses for session
// affinity and prompt caching. With no instructions and no user content
// there is nothing stable to hash, so a random UUID is returned instead.
func DeriveSessionID(instructions string, items []InputItem) string {
	var prefix strings.Builder
	prefix.WriteString(strings.TrimSpace(instructions))
	prefix.WriteString(canonicalFirstUserMessage(items))
	if prefix.Len() == 0 {
		return uuid.NewString()
	}
	digest := sha256.Sum256([]byte(prefix.String()))
	return hex.EncodeToString(digest[:])
}

// canonicalFirstUserMessage renders the first user message's parts in item
// order: input_text parts verbatim, input_image parts as <img:URL>, joined
// with "|".
func canonicalFirstUserMessage(items []InputItem) string {
	for _, item := range items {
		if item.Type != ItemMessage || item.Role != RoleUser {
			continue
		}
		var parts []string
		for _, p := range item.Content {
			switch p.Type {
			case PartInputText:
				parts = append(parts, p.Text)
			case PartInputImage:
				parts = append(parts, "<img:"+p.ImageURL+">")
			}
		}
		if len(parts) > 0 {
			return strings.Join(parts, "|")
		}
	}
	return ""
}
