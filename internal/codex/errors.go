package codex

import (
	"errors"
	"fmt"
)

// Authentication failures surfaced before any upstream call is made. The
// HTTP layer maps these to 400 responses.
var (
	ErrNotAuthenticated = errors.New("Codex not authenticated. Use /api/codex/oauth/start")
	ErrMissingAccountID = errors.New("Codex missing account_id")
)

// UpstreamError carries the extracted message of a non-2xx upstream response
// or a mid-stream response.failed event. The HTTP layer maps it to 502.
type UpstreamError struct {
	StatusCode int
	Message    string
}

func (e *UpstreamError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("upstream returned %d: %s", e.StatusCode, e.Message)
	}
	return e.Message
}
