// PicoClaw - Ultra-lightweight personal AI agent
// Inspired by and based on nanobot: https://github.com/HKUDS/nanobot
// License: MIT
//
// Copyright (c) 2026 PicoClaw contributors

// Package auth stores and refreshes OAuth credentials for providers that
// authenticate as a logged-in user rather than a bare API key (native
// Claude/Codex subscriptions). Credentials are kept in a single JSON file
// (~/.picoclaw/auth/credentials.json by default, overridable with
// SetStorePath); refresh is delegated to golang.org/x/oauth2
// so token-expiry handling isn't hand-rolled here.
package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/oauth2"
)

// Credential is one provider's stored OAuth/token state.
type Credential struct {
	Provider     string    `json:"provider"`
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	AccountID    string    `json:"account_id,omitempty"`
	ExpiresAt    time.Time `json:"expires_at,omitempty"`
}

var (
	mu         sync.Mutex
	storePath  string
	cachedData map[string]*Credential
)

// SetStorePath overrides where credentials are persisted. Must be called
// before the first GetCredential/SaveCredential if the default
// ~/.picoclaw/auth/credentials.json location is not desired.
func SetStorePath(path string) {
	mu.Lock()
	defer mu.Unlock()
	storePath = path
	cachedData = nil
}

func defaultStorePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, ".picoclaw", "auth", "credentials.json")
}

func resolvedPath() string {
	if storePath != "" {
		return storePath
	}
	return defaultStorePath()
}

func load() (map[string]*Credential, error) {
	if cachedData != nil {
		return cachedData, nil
	}

	data := map[string]*Credential{}
	path := resolvedPath()
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cachedData = data
			return data, nil
		}
		return nil, fmt.Errorf("auth: reading credential store: %w", err)
	}

	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("auth: parsing credential store: %w", err)
	}
	cachedData = data
	return data, nil
}

func persist(data map[string]*Credential) error {
	path := resolvedPath()
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("auth: creating credential store dir: %w", err)
	}
	raw, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("auth: encoding credential store: %w", err)
	}
	if err := os.WriteFile(path, raw, 0600); err != nil {
		return fmt.Errorf("auth: writing credential store: %w", err)
	}
	cachedData = data
	return nil
}

// GetCredential returns the stored credential for provider, or nil if none
// has been saved.
func GetCredential(provider string) (*Credential, error) {
	mu.Lock()
	defer mu.Unlock()

	data, err := load()
	if err != nil {
		return nil, err
	}
	return data[provider], nil
}

// SaveCredential persists a credential for provider, overwriting any prior
// value.
func SaveCredential(cred *Credential) error {
	mu.Lock()
	defer mu.Unlock()

	data, err := load()
	if err != nil {
		return err
	}
	data[cred.Provider] = cred
	return persist(data)
}

// DeleteCredential removes any stored credential for provider.
func DeleteCredential(provider string) error {
	mu.Lock()
	defer mu.Unlock()

	data, err := load()
	if err != nil {
		return err
	}
	delete(data, provider)
	return persist(data)
}

// TokenSource builds an oauth2.TokenSource that refreshes cred against
// endpoint as needed and writes the refreshed token back to the credential
// store so subsequent process starts pick it up.
func TokenSource(cred *Credential, endpoint oauth2.Endpoint, clientID string) oauth2.TokenSource {
	base := &oauth2.Token{
		AccessToken:  cred.AccessToken,
		RefreshToken: cred.RefreshToken,
		Expiry:       cred.ExpiresAt,
	}
	cfg := &oauth2.Config{
		ClientID: clientID,
		Endpoint: endpoint,
	}
	inner := cfg.TokenSource(context.Background(), base)
	return &persistingTokenSource{provider: cred.Provider, accountID: cred.AccountID, inner: inner}
}

// AnthropicOAuthEndpoint is the token endpoint used by Claude subscription
// logins (console.anthropic.com), for refreshing access tokens saved to the
// credential store out-of-band; this module has no login command.
var AnthropicOAuthEndpoint = oauth2.Endpoint{
	TokenURL: "https://console.anthropic.com/v1/oauth/token",
}

// AnthropicClientID is the public OAuth client ID Claude CLI-compatible
// tools register under for the Claude Max/Pro subscription flow.
const AnthropicClientID = "9d1c250a-e61b-44d9-88ed-5944d1962f5e"

// OpenAIOAuthEndpoint is the token endpoint used by ChatGPT subscription
// logins, for refreshing access tokens saved to the credential store
// out-of-band; this module has no login command.
var OpenAIOAuthEndpoint = oauth2.Endpoint{
	TokenURL: "https://auth.openai.com/oauth/token",
}

// OpenAIClientID is the public OAuth client ID Codex CLI-compatible tools
// register under.
const OpenAIClientID = "app_EMoamEEZ73f0CkXaXp7hrann"

type persistingTokenSource struct {
	provider  string
	accountID string
	inner     oauth2.TokenSource
}

func (p *persistingTokenSource) Token() (*oauth2.Token, error) {
	tok, err := p.inner.Token()
	if err != nil {
		return nil, fmt.Errorf("auth: refreshing %s token: %w", p.provider, err)
	}

	_ = SaveCredential(&Credential{
		Provider:     p.provider,
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		AccountID:    p.accountID,
		ExpiresAt:    tok.Expiry,
	})

	return tok, nil
}
