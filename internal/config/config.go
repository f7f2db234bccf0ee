package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	kjson "github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

const envPrefix = "CODEX_GATEWAY_"

// CodexTokens is the persisted credential record obtained through the OAuth
// flow. All fields are optional on disk; dispatching requires access_token and
// account_id to be present.
type CodexTokens struct {
	IDToken      string `json:"id_token,omitempty" koanf:"id_token"`
	AccessToken  string `json:"access_token,omitempty" koanf:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty" koanf:"refresh_token"`
	AccountID    string `json:"account_id,omitempty" koanf:"account_id"`
	LastRefresh  string `json:"last_refresh,omitempty" koanf:"last_refresh"`
	APIKey       string `json:"api_key,omitempty" koanf:"api_key"`
}

// Authenticated reports whether the record carries a usable access token.
func (t CodexTokens) Authenticated() bool {
	return strings.TrimSpace(t.AccessToken) != ""
}

type Config struct {
	// Address the HTTP server listens on.
	Address string `json:"address" koanf:"address"`
	// OAuthRedirectPrefix overrides the scheme://host[:port] prefix used to
	// build the OAuth redirect URI, for deployments behind a reverse proxy.
	OAuthRedirectPrefix string `json:"oauth_redirect_prefix,omitempty" koanf:"oauth_redirect_prefix"`
	// OAuthClientID overrides the default Codex OAuth client id.
	OAuthClientID string `json:"oauth_client_id,omitempty" koanf:"oauth_client_id"`
	// APIKey is the bearer token required on /codex/v1/* routes.
	APIKey string `json:"api_key,omitempty" koanf:"api_key"`
	// AdminKey is the key required on /api/codex/* admin routes.
	AdminKey string `json:"admin_key,omitempty" koanf:"admin_key"`

	Codex CodexTokens `json:"codex" koanf:"codex"`
}

// RedirectPrefix returns the configured redirect prefix, falling back to a
// localhost URL derived from the listen address.
func (c *Config) RedirectPrefix() string {
	if p := strings.TrimRight(strings.TrimSpace(c.OAuthRedirectPrefix), "/"); p != "" {
		return p
	}
	_, port, found := strings.Cut(c.Address, ":")
	if !found || port == "" {
		port = "9879"
	}
	return "http://localhost:" + port
}

// Store publishes the configuration as an immutable snapshot. Readers call
// Snapshot and must treat the result as read-only; writers go through Update,
// which copies the current snapshot, applies the mutation, and atomically
// swaps the pointer so readers never observe a half-written record.
type Store struct {
	path string
	cur  atomic.Pointer[Config]
	mu   sync.Mutex // serializes Update and Save
}

// Load reads the config file at path (if it exists) and applies
// CODEX_GATEWAY_* environment overrides. A missing file yields defaults.
func Load(path string) (*Store, error) {
	k := koanf.New(".")

	if _, err := os.Stat(path); err == nil {
		if err := k.Load(file.Provider(path), kjson.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to stat config file %s: %w", path, err)
	}

	if err := k.Load(env.Provider(".", env.Opt{
		Prefix: envPrefix,
		TransformFunc: func(key, value string) (string, any) {
			key = strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(key, envPrefix)), "__", ".")
			return key, value
		},
	}), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment overrides: %w", err)
	}

	cfg := Config{Address: "127.0.0.1:9879"}
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	s := &Store{path: path}
	s.cur.Store(&cfg)
	return s, nil
}

// Snapshot returns the current immutable configuration snapshot.
func (s *Store) Snapshot() *Config {
	return s.cur.Load()
}

// Update copies the current snapshot, applies fn to the copy, and publishes
// the result. It returns the new snapshot.
func (s *Store) Update(fn func(Config) Config) *Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := fn(*s.cur.Load())
	s.cur.Store(&next)
	return &next
}

// Save persists the current snapshot to the config file.
func (s *Store) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.MarshalIndent(s.cur.Load(), "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}
	}
	if err := os.WriteFile(s.path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}
