package oauth

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
)

const authClaimNamespace = "https://api.openai.com/auth"

// ExtractAccountID pulls the ChatGPT account id out of an id_token. The
// token's signature is not verified; the token was just received directly
// from the token endpoint over TLS, and the claim is only used for request
// routing, never for authorization decisions.
func ExtractAccountID(idToken string) (string, error) {
	parts := strings.Split(idToken, ".")
	if len(parts) != 3 {
		return "", fmt.Errorf("id_token is not a JWT")
	}
	payload, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return "", fmt.Errorf("failed to decode id_token payload: %w", err)
	}

	var claims map[string]json.RawMessage
	if err := json.Unmarshal(payload, &claims); err != nil {
		return "", fmt.Errorf("failed to parse id_token claims: %w", err)
	}

	raw, ok := claims[authClaimNamespace]
	if !ok {
		return "", fmt.Errorf("id_token has no %s claim", authClaimNamespace)
	}
	var auth struct {
		ChatGPTAccountID string `json:"chatgpt_account_id"`
	}
	if err := json.Unmarshal(raw, &auth); err != nil {
		return "", fmt.Errorf("failed to parse auth claim: %w", err)
	}
	if auth.ChatGPTAccountID == "" {
		return "", fmt.Errorf("id_token has no chatgpt_account_id")
	}
	return auth.ChatGPTAccountID, nil
}
