package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dvcrn/codex-gateway/internal/codex"
	"github.com/dvcrn/codex-gateway/internal/config"
	"github.com/dvcrn/codex-gateway/internal/oauth"
)

type stubDispatcher struct {
	lastRequest *codex.DispatchRequest
	body        string
	err         error
}

func (d *stubDispatcher) Dispatch(ctx context.Context, req codex.DispatchRequest) (*http.Response, error) {
	d.lastRequest = &req
	if d.err != nil {
		return nil, d.err
	}
	return &http.Response{
		StatusCode: http.StatusOK,
		Body:       io.NopCloser(strings.NewReader(d.body)),
	}, nil
}

func newTestServer(t *testing.T, cfgJSON string, dispatcher *stubDispatcher) (*Server, *config.Store) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(cfgJSON), 0o600))
	store, err := config.Load(path)
	require.NoError(t, err)

	logger := zerolog.Nop()
	flow := oauth.NewFlow(store, nil, logger)
	return New(logger, store, dispatcher, flow), store
}

const streamFixture = `data: {"type":"response.output_text.delta","delta":"Hello","response":{"id":"resp_1"}}

data: {"type":"response.output_text.done","text":"Hello"}

data: {"type":"response.completed","response":{"id":"resp_1","usage":{"total_tokens":5}}}

data: [DONE]

`

func TestHealthHandler(t *testing.T) {
	srv, _ := newTestServer(t, `{}`, &stubDispatcher{})

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestModelsHandler(t *testing.T) {
	srv, _ := newTestServer(t, `{}`, &stubDispatcher{})

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/codex/v1/models", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var list codex.ModelList
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Equal(t, "list", list.Object)
	assert.Len(t, list.Data, 2)
}

func TestNotFound(t *testing.T) {
	srv, _ := newTestServer(t, `{}`, &stubDispatcher{})

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/nope", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestBearerMiddleware(t *testing.T) {
	t.Run("open when no key configured", func(t *testing.T) {
		srv, _ := newTestServer(t, `{}`, &stubDispatcher{})
		rec := httptest.NewRecorder()
		srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/codex/v1/models", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("rejects missing and wrong keys", func(t *testing.T) {
		srv, _ := newTestServer(t, `{"api_key":"secret"}`, &stubDispatcher{})

		rec := httptest.NewRecorder()
		srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/codex/v1/models", nil))
		assert.Equal(t, http.StatusUnauthorized, rec.Code)

		req := httptest.NewRequest(http.MethodGet, "/codex/v1/models", nil)
		req.Header.Set("Authorization", "Bearer wrong")
		rec = httptest.NewRecorder()
		srv.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("accepts the configured key", func(t *testing.T) {
		srv, _ := newTestServer(t, `{"api_key":"secret"}`, &stubDispatcher{})

		req := httptest.NewRequest(http.MethodGet, "/codex/v1/models", nil)
		req.Header.Set("Authorization", "Bearer secret")
		rec := httptest.NewRecorder()
		srv.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code)
	})
}

func TestAdminMiddleware(t *testing.T) {
	t.Run("accepts bearer and x-api-key", func(t *testing.T) {
		srv, _ := newTestServer(t, `{"admin_key":"adm"}`, &stubDispatcher{})

		req := httptest.NewRequest(http.MethodGet, "/api/codex/tokens", nil)
		req.Header.Set("Authorization", "Bearer adm")
		rec := httptest.NewRecorder()
		srv.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code)

		req = httptest.NewRequest(http.MethodGet, "/api/codex/tokens", nil)
		req.Header.Set("X-API-Key", "adm")
		rec = httptest.NewRecorder()
		srv.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("rejects missing or wrong key", func(t *testing.T) {
		srv, _ := newTestServer(t, `{"admin_key":"adm"}`, &stubDispatcher{})

		rec := httptest.NewRecorder()
		srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/codex/tokens", nil))
		assert.Equal(t, http.StatusUnauthorized, rec.Code)

		req := httptest.NewRequest(http.MethodGet, "/api/codex/tokens", nil)
		req.Header.Set("X-API-Key", "nope")
		rec = httptest.NewRecorder()
		srv.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})
}

func TestChatCompletionsHandler(t *testing.T) {
	t.Run("rejects invalid json", func(t *testing.T) {
		srv, _ := newTestServer(t, `{}`, &stubDispatcher{})
		req := httptest.NewRequest(http.MethodPost, "/codex/v1/chat/completions", strings.NewReader("{"))
		rec := httptest.NewRecorder()
		srv.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Contains(t, rec.Body.String(), "Invalid JSON body")
	})

	t.Run("maps missing credentials to 400", func(t *testing.T) {
		srv, _ := newTestServer(t, `{}`, &stubDispatcher{err: codex.ErrNotAuthenticated})
		req := httptest.NewRequest(http.MethodPost, "/codex/v1/chat/completions",
			strings.NewReader(`{"model":"gpt-5","messages":[{"role":"user","content":"hi"}]}`))
		rec := httptest.NewRecorder()
		srv.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Contains(t, rec.Body.String(), "Codex not authenticated")
	})

	t.Run("maps upstream errors to 502", func(t *testing.T) {
		srv, _ := newTestServer(t, `{}`, &stubDispatcher{err: &codex.UpstreamError{StatusCode: 429, Message: "rate limited"}})
		req := httptest.NewRequest(http.MethodPost, "/codex/v1/chat/completions",
			strings.NewReader(`{"model":"gpt-5","messages":[{"role":"user","content":"hi"}]}`))
		rec := httptest.NewRecorder()
		srv.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusBadGateway, rec.Code)
		assert.JSONEq(t, `{"error":{"message":"rate limited"}}`, rec.Body.String())
	})

	t.Run("non-streaming aggregates the response", func(t *testing.T) {
		dispatcher := &stubDispatcher{body: streamFixture}
		srv, _ := newTestServer(t, `{}`, dispatcher)

		req := httptest.NewRequest(http.MethodPost, "/codex/v1/chat/completions",
			strings.NewReader(`{"model":"gpt-5-high","messages":[{"role":"system","content":"be brief"},{"role":"user","content":"hi"}]}`))
		rec := httptest.NewRecorder()
		srv.ServeHTTP(rec, req)

		require.Equal(t, http.StatusOK, rec.Code)
		var out codex.ChatCompletion
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
		assert.Equal(t, "resp_1", out.ID)
		assert.Equal(t, "chat.completion", out.Object)
		// The requested name is echoed even though the upstream call is normalized.
		assert.Equal(t, "gpt-5-high", out.Model)
		assert.Equal(t, "Hello", out.Choices[0].Message.Content)

		require.NotNil(t, dispatcher.lastRequest)
		assert.Equal(t, "gpt-5", dispatcher.lastRequest.Model)
		assert.Equal(t, "be brief", dispatcher.lastRequest.Instructions)
		require.Len(t, dispatcher.lastRequest.Input, 1)
	})

	t.Run("streaming re-encodes events and terminates with DONE", func(t *testing.T) {
		dispatcher := &stubDispatcher{body: streamFixture}
		srv, _ := newTestServer(t, `{}`, dispatcher)

		req := httptest.NewRequest(http.MethodPost, "/codex/v1/chat/completions",
			strings.NewReader(`{"model":"gpt-5","stream":true,"stream_options":{"include_usage":true},"messages":[{"role":"user","content":"hi"}]}`))
		rec := httptest.NewRecorder()
		srv.ServeHTTP(rec, req)

		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))

		out := rec.Body.String()
		assert.Contains(t, out, `"content":"Hello"`)
		assert.Contains(t, out, `"finish_reason":"stop"`)
		assert.Contains(t, out, `"total_tokens":5`)
		assert.True(t, strings.HasSuffix(out, "data: [DONE]\n\n"))
	})

	t.Run("forwards tools and reasoning", func(t *testing.T) {
		dispatcher := &stubDispatcher{body: streamFixture}
		srv, _ := newTestServer(t, `{}`, dispatcher)

		body := `{"model":"gpt-5","messages":[{"role":"user","content":"hi"}],` +
			`"tools":[{"type":"function","function":{"name":"get_weather"}}],` +
			`"tool_choice":"required","parallel_tool_calls":true,"reasoning":{"effort":"high"}}`
		req := httptest.NewRequest(http.MethodPost, "/codex/v1/chat/completions", strings.NewReader(body))
		rec := httptest.NewRecorder()
		srv.ServeHTTP(rec, req)

		require.Equal(t, http.StatusOK, rec.Code)
		require.NotNil(t, dispatcher.lastRequest)
		require.Len(t, dispatcher.lastRequest.Tools, 1)
		assert.Equal(t, "get_weather", dispatcher.lastRequest.Tools[0].Name)
		assert.Equal(t, json.RawMessage(`"required"`), dispatcher.lastRequest.ToolChoice)
		assert.True(t, dispatcher.lastRequest.ParallelToolCalls)
		assert.JSONEq(t, `{"effort":"high"}`, string(dispatcher.lastRequest.Reasoning))
	})

	t.Run("method not allowed", func(t *testing.T) {
		srv, _ := newTestServer(t, `{}`, &stubDispatcher{})
		rec := httptest.NewRecorder()
		srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/codex/v1/chat/completions", nil))
		assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	})
}

func TestCompletionsHandler(t *testing.T) {
	t.Run("string prompt, non-streaming", func(t *testing.T) {
		dispatcher := &stubDispatcher{body: streamFixture}
		srv, _ := newTestServer(t, `{}`, dispatcher)

		req := httptest.NewRequest(http.MethodPost, "/codex/v1/completions",
			strings.NewReader(`{"model":"gpt-5","prompt":"Say hello"}`))
		rec := httptest.NewRecorder()
		srv.ServeHTTP(rec, req)

		require.Equal(t, http.StatusOK, rec.Code)
		var out codex.Completion
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
		assert.Equal(t, "text_completion", out.Object)
		assert.Equal(t, "Hello", out.Choices[0].Text)

		require.NotNil(t, dispatcher.lastRequest)
		require.Len(t, dispatcher.lastRequest.Input, 1)
		assert.Equal(t, "Say hello", dispatcher.lastRequest.Input[0].Content[0].Text)
		assert.Empty(t, dispatcher.lastRequest.Tools)
	})

	t.Run("array prompt is concatenated", func(t *testing.T) {
		dispatcher := &stubDispatcher{body: streamFixture}
		srv, _ := newTestServer(t, `{}`, dispatcher)

		req := httptest.NewRequest(http.MethodPost, "/codex/v1/completions",
			strings.NewReader(`{"model":"gpt-5","prompt":["Say ","hello"]}`))
		rec := httptest.NewRecorder()
		srv.ServeHTTP(rec, req)

		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "Say hello", dispatcher.lastRequest.Input[0].Content[0].Text)
	})

	t.Run("suffix used when prompt is empty", func(t *testing.T) {
		dispatcher := &stubDispatcher{body: streamFixture}
		srv, _ := newTestServer(t, `{}`, dispatcher)

		req := httptest.NewRequest(http.MethodPost, "/codex/v1/completions",
			strings.NewReader(`{"model":"gpt-5","suffix":"from suffix"}`))
		rec := httptest.NewRecorder()
		srv.ServeHTTP(rec, req)

		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "from suffix", dispatcher.lastRequest.Input[0].Content[0].Text)
	})

	t.Run("missing model defaults to gpt-5", func(t *testing.T) {
		dispatcher := &stubDispatcher{body: streamFixture}
		srv, _ := newTestServer(t, `{}`, dispatcher)

		req := httptest.NewRequest(http.MethodPost, "/codex/v1/completions",
			strings.NewReader(`{"prompt":"hi"}`))
		rec := httptest.NewRecorder()
		srv.ServeHTTP(rec, req)

		require.Equal(t, http.StatusOK, rec.Code)
		var out codex.Completion
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
		assert.Equal(t, "gpt-5", out.Model)
		assert.Equal(t, "gpt-5", dispatcher.lastRequest.Model)
	})

	t.Run("streaming emits text chunks", func(t *testing.T) {
		dispatcher := &stubDispatcher{body: streamFixture}
		srv, _ := newTestServer(t, `{}`, dispatcher)

		req := httptest.NewRequest(http.MethodPost, "/codex/v1/completions",
			strings.NewReader(`{"model":"gpt-5","prompt":"hi","stream":true}`))
		rec := httptest.NewRecorder()
		srv.ServeHTTP(rec, req)

		require.Equal(t, http.StatusOK, rec.Code)
		out := rec.Body.String()
		assert.Contains(t, out, `"text_completion.chunk"`)
		assert.Contains(t, out, `"text":"Hello"`)
		assert.True(t, strings.HasSuffix(out, "data: [DONE]\n\n"))
	})
}

func TestOAuthEndpoints(t *testing.T) {
	t.Run("start returns the authorization url", func(t *testing.T) {
		srv, _ := newTestServer(t, `{}`, &stubDispatcher{})

		rec := httptest.NewRecorder()
		srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/codex/oauth/start", nil))

		require.Equal(t, http.StatusOK, rec.Code)
		var out map[string]string
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
		assert.Contains(t, out["auth_url"], "https://auth.openai.com/oauth/authorize")
		assert.Contains(t, out["auth_url"], "code_challenge=")
	})

	t.Run("callback without pending login renders error page", func(t *testing.T) {
		srv, _ := newTestServer(t, `{}`, &stubDispatcher{})

		rec := httptest.NewRecorder()
		srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/codex/oauth/callback?code=c&state=s", nil))

		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Contains(t, rec.Body.String(), "No pending login or it expired")
	})

	t.Run("tokens reflects credential state", func(t *testing.T) {
		srv, store := newTestServer(t, `{}`, &stubDispatcher{})

		rec := httptest.NewRecorder()
		srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/codex/tokens", nil))
		require.Equal(t, http.StatusOK, rec.Code)

		var out map[string]interface{}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
		assert.Equal(t, false, out["authenticated"])

		store.Update(func(c config.Config) config.Config {
			c.Codex.AccessToken = "tok"
			c.Codex.AccountID = "acct"
			return c
		})

		rec = httptest.NewRecorder()
		srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/codex/tokens", nil))
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
		assert.Equal(t, true, out["authenticated"])
		assert.Equal(t, "acct", out["account_id"])
		assert.Equal(t, true, out["has_access_token"])
	})

	t.Run("logout clears credentials", func(t *testing.T) {
		srv, store := newTestServer(t, `{"codex":{"access_token":"tok","account_id":"acct"}}`, &stubDispatcher{})

		rec := httptest.NewRecorder()
		srv.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/codex/logout", nil))

		require.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, `{"ok":true}`, rec.Body.String())
		assert.False(t, store.Snapshot().Codex.Authenticated())
	})
}
