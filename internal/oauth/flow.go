package oauth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"html"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/oauth2"

	"github.com/dvcrn/codex-gateway/internal/config"
)

const (
	// DefaultClientID is the OAuth client id registered for the Codex CLI.
	DefaultClientID = "app_EMoamEEZ73f0CkXaXp7hrann"

	authorizeURL = "https://auth.openai.com/oauth/authorize"
	tokenURL     = "https://auth.openai.com/oauth/token"

	oauthScopes = "openid profile email offline_access"

	// CallbackPath is where the authorization server redirects back to.
	CallbackPath = "/codex/oauth/callback"

	// pendingLoginTTL bounds how long a started login stays redeemable.
	pendingLoginTTL = 10 * time.Minute
)

type pendingLogin struct {
	state       string
	verifier    string
	redirectURI string
	startedAt   time.Time
}

// Flow drives the PKCE authorization-code login against the Codex identity
// provider. At most one login is in flight at a time; starting a new one
// replaces any earlier pending login. The pending slot survives a failed
// exchange, so the login can be retried by reloading the same callback URL;
// it is cleared after a successful exchange and persist, or once it outlives
// pendingLoginTTL.
type Flow struct {
	store      *config.Store
	httpClient *http.Client
	logger     zerolog.Logger

	authorizeURL string
	tokenURL     string

	mu      sync.Mutex
	pending *pendingLogin
}

func NewFlow(store *config.Store, httpClient *http.Client, logger zerolog.Logger) *Flow {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Flow{
		store:        store,
		httpClient:   httpClient,
		logger:       logger,
		authorizeURL: authorizeURL,
		tokenURL:     tokenURL,
	}
}

func (f *Flow) oauthConfig(cfg *config.Config) *oauth2.Config {
	clientID := cfg.OAuthClientID
	if clientID == "" {
		clientID = DefaultClientID
	}
	return &oauth2.Config{
		ClientID:    clientID,
		RedirectURL: cfg.RedirectPrefix() + CallbackPath,
		Scopes:      []string{oauthScopes},
		Endpoint: oauth2.Endpoint{
			AuthURL:  f.authorizeURL,
			TokenURL: f.tokenURL,
			// Public client: the token endpoint expects client_id in the
			// form body, not HTTP Basic auth.
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
}

func randomHex(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate random bytes: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// Start begins a new login and returns the authorization URL the user must
// visit. Any earlier pending login is discarded.
func (f *Flow) Start() (string, error) {
	verifier, err := randomHex(64)
	if err != nil {
		return "", err
	}
	state, err := randomHex(32)
	if err != nil {
		return "", err
	}

	cfg := f.store.Snapshot()
	oc := f.oauthConfig(cfg)

	authURL := oc.AuthCodeURL(state,
		oauth2.S256ChallengeOption(verifier),
		oauth2.SetAuthURLParam("id_token_add_organizations", "true"),
		oauth2.SetAuthURLParam("codex_cli_simplified_flow", "true"),
	)

	f.mu.Lock()
	f.pending = &pendingLogin{
		state:       state,
		verifier:    verifier,
		redirectURI: oc.RedirectURL,
		startedAt:   time.Now(),
	}
	f.mu.Unlock()

	f.logger.Info().Str("redirect_uri", oc.RedirectURL).Msg("Started Codex OAuth login")
	return authURL, nil
}

// CallbackResult is the page rendered to the user's browser after the
// authorization server redirects back.
type CallbackResult struct {
	StatusCode int
	Title      string
	Detail     string
}

func (r CallbackResult) HTML() string {
	body := "<h2>" + html.EscapeString(r.Title) + "</h2>"
	if r.Detail != "" {
		body += "<p>" + html.EscapeString(r.Detail) + "</p>"
	}
	return "<html><body>" + body + "</body></html>"
}

// Callback completes the login. code and state come from the redirect query
// string; errParam and errDesc carry the provider's error when the user
// denied access or the request was rejected upstream.
func (f *Flow) Callback(ctx context.Context, code, state, errParam, errDesc string) CallbackResult {
	if errParam != "" {
		f.logger.Warn().Str("error", errParam).Str("description", errDesc).Msg("OAuth provider returned an error")
		return CallbackResult{StatusCode: http.StatusBadRequest, Title: "Login error", Detail: strings.TrimSpace(errParam + " " + errDesc)}
	}
	if code == "" || state == "" {
		return CallbackResult{StatusCode: http.StatusBadRequest, Title: "Invalid callback", Detail: "Missing code or state parameter."}
	}

	f.mu.Lock()
	pending := f.pending
	f.mu.Unlock()

	if pending == nil {
		return CallbackResult{StatusCode: http.StatusBadRequest, Title: "No pending login or it expired", Detail: "Start the login again."}
	}
	if time.Since(pending.startedAt) > pendingLoginTTL {
		f.mu.Lock()
		if f.pending == pending {
			f.pending = nil
		}
		f.mu.Unlock()
		return CallbackResult{StatusCode: http.StatusBadRequest, Title: "No pending login or it expired", Detail: "Start the login again."}
	}
	if state != pending.state {
		return CallbackResult{StatusCode: http.StatusBadRequest, Title: "State mismatch", Detail: "Start the login again."}
	}

	cfg := f.store.Snapshot()
	oc := f.oauthConfig(cfg)
	oc.RedirectURL = pending.redirectURI

	ctx = context.WithValue(ctx, oauth2.HTTPClient, f.httpClient)
	tok, err := oc.Exchange(ctx, code, oauth2.VerifierOption(pending.verifier))
	if err != nil {
		if rerr, ok := err.(*oauth2.RetrieveError); ok && rerr.Response != nil {
			f.logger.Error().Int("status", rerr.Response.StatusCode).Msg("Token endpoint rejected the exchange")
			return CallbackResult{
				StatusCode: http.StatusBadGateway,
				Title:      fmt.Sprintf("Token endpoint error %d", rerr.Response.StatusCode),
				Detail:     "The login can be retried by reloading this page.",
			}
		}
		f.logger.Error().Err(err).Msg("Token exchange failed")
		return CallbackResult{
			StatusCode: http.StatusBadGateway,
			Title:      "Token exchange failed",
			Detail:     "The login can be retried by reloading this page.",
		}
	}

	idToken, _ := tok.Extra("id_token").(string)
	accountID := ""
	if idToken != "" {
		accountID, err = ExtractAccountID(idToken)
		if err != nil {
			f.logger.Warn().Err(err).Msg("Could not extract account id from id_token")
		}
	}

	f.store.Update(func(c config.Config) config.Config {
		c.Codex.IDToken = idToken
		c.Codex.AccessToken = tok.AccessToken
		c.Codex.RefreshToken = tok.RefreshToken
		c.Codex.AccountID = accountID
		c.Codex.LastRefresh = time.Now().UTC().Format(time.RFC3339)
		return c
	})
	if err := f.store.Save(); err != nil {
		f.logger.Error().Err(err).Msg("Failed to persist Codex tokens")
		return CallbackResult{StatusCode: http.StatusInternalServerError, Title: "Login error", Detail: "Could not persist credentials."}
	}

	f.mu.Lock()
	f.pending = nil
	f.mu.Unlock()

	f.logger.Info().Str("account_id", accountID).Msg("Codex OAuth login completed")
	return CallbackResult{StatusCode: http.StatusOK, Title: "Login successful", Detail: "You can close this window."}
}

// Logout clears the persisted credentials and any pending login. It reports
// whether credentials were present.
func (f *Flow) Logout() (bool, error) {
	f.mu.Lock()
	f.pending = nil
	f.mu.Unlock()

	had := f.store.Snapshot().Codex.Authenticated()
	f.store.Update(func(c config.Config) config.Config {
		c.Codex = config.CodexTokens{}
		return c
	})
	if err := f.store.Save(); err != nil {
		return had, err
	}
	return had, nil
}
