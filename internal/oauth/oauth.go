// Package oauth reads and refreshes OAuth access tokens for provider
// instances configured with auth_mode: oauth. It implements only the
// read/refresh half of OAuth — the authorization-code flow that produces
// the initial token file runs out-of-band, ahead of time; tokens are
// expected to already exist on disk.
//
// Refresh races are deduplicated with golang.org/x/sync/singleflight,
// which collapses concurrent callers onto one in-flight refresh.
package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/nulpointcorp/llm-gateway/internal/config"
)

// refreshSkew is how far ahead of actual expiry a token is treated as
// stale, so a request never races a token that's about to expire mid-call.
const refreshSkew = 60 * time.Second

// Token is one provider's current OAuth state, as stored in its token file.
type Token struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresAt    int64  `json:"expires_at"`
}

func (t Token) expired(now time.Time) bool {
	if t.ExpiresAt == 0 {
		return false
	}
	return now.Add(refreshSkew).Unix() >= t.ExpiresAt
}

// Manager serves access tokens for each configured OAuth provider id,
// refreshing them on demand and deduplicating concurrent refreshes for the
// same provider id.
type Manager struct {
	providers map[string]config.OAuthProviderConfig
	client    *http.Client

	group singleflight.Group

	mu     sync.RWMutex
	cached map[string]Token

	metrics refreshRecorder
}

// refreshRecorder is the subset of metrics.Registry this package needs;
// declared locally to avoid importing internal/metrics.
type refreshRecorder interface {
	RecordOAuthRefresh(provider string, ok bool)
}

// NewManager builds a Manager for the given oauth_providers table. met may
// be nil.
func NewManager(providers map[string]config.OAuthProviderConfig, client *http.Client, met refreshRecorder) *Manager {
	if client == nil {
		client = http.DefaultClient
	}
	return &Manager{
		providers: providers,
		client:    client,
		cached:    make(map[string]Token),
		metrics:   met,
	}
}

// Token returns a currently-valid access token for providerID, refreshing
// it first if the cached copy is stale or absent. Concurrent callers for
// the same providerID collapse onto a single refresh.
func (m *Manager) Token(ctx context.Context, providerID string) (string, error) {
	if tok, ok := m.peek(providerID); ok && !tok.expired(time.Now()) {
		return tok.AccessToken, nil
	}

	v, err, _ := m.group.Do(providerID, func() (any, error) {
		// Re-check after winning the singleflight slot: another caller may
		// have refreshed while we were waiting to enter Do.
		if tok, ok := m.peek(providerID); ok && !tok.expired(time.Now()) {
			return tok, nil
		}
		return m.refresh(ctx, providerID)
	})
	if err != nil {
		return "", err
	}
	return v.(Token).AccessToken, nil
}

func (m *Manager) peek(providerID string) (Token, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	tok, ok := m.cached[providerID]
	return tok, ok
}

func (m *Manager) store(providerID string, tok Token) {
	m.mu.Lock()
	m.cached[providerID] = tok
	m.mu.Unlock()
}

func (m *Manager) refresh(ctx context.Context, providerID string) (Token, error) {
	cfg, ok := m.providers[providerID]
	if !ok {
		return Token{}, fmt.Errorf("oauth: unknown provider id %q", providerID)
	}

	onDisk, err := readTokenFile(cfg.TokenFile)
	if err != nil {
		m.recordRefresh(providerID, false)
		return Token{}, fmt.Errorf("oauth: %s: %w", providerID, err)
	}

	// If the file on disk is already fresh (refreshed out-of-band, or by a
	// different process), use it directly without hitting the token URL.
	if !onDisk.expired(time.Now()) {
		m.store(providerID, onDisk)
		return onDisk, nil
	}

	if onDisk.RefreshToken == "" || cfg.TokenURL == "" {
		m.recordRefresh(providerID, false)
		return Token{}, fmt.Errorf("oauth: %s: token expired and no refresh token/url available", providerID)
	}

	refreshed, err := m.exchangeRefreshToken(ctx, cfg, onDisk.RefreshToken)
	if err != nil {
		m.recordRefresh(providerID, false)
		return Token{}, fmt.Errorf("oauth: %s: refresh: %w", providerID, err)
	}

	if err := writeTokenFile(cfg.TokenFile, refreshed); err != nil {
		m.recordRefresh(providerID, false)
		return Token{}, fmt.Errorf("oauth: %s: persist refreshed token: %w", providerID, err)
	}

	m.store(providerID, refreshed)
	m.recordRefresh(providerID, true)
	return refreshed, nil
}

func (m *Manager) recordRefresh(providerID string, ok bool) {
	if m.metrics != nil {
		m.metrics.RecordOAuthRefresh(providerID, ok)
	}
}

func (m *Manager) exchangeRefreshToken(ctx context.Context, cfg config.OAuthProviderConfig, refreshToken string) (Token, error) {
	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)
	form.Set("client_id", cfg.ClientID)
	if cfg.ClientSecret != "" {
		form.Set("client_secret", cfg.ClientSecret)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return Token{}, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := m.client.Do(req)
	if err != nil {
		return Token{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return Token{}, fmt.Errorf("token endpoint returned %d", resp.StatusCode)
	}

	var body struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		ExpiresIn    int64  `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return Token{}, err
	}

	tok := Token{
		AccessToken:  body.AccessToken,
		RefreshToken: body.RefreshToken,
		ExpiresAt:    time.Now().Unix() + body.ExpiresIn,
	}
	if tok.RefreshToken == "" {
		tok.RefreshToken = refreshToken // some providers omit it when unchanged
	}
	return tok, nil
}

func readTokenFile(path string) (Token, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Token{}, err
	}
	var tok Token
	if err := json.Unmarshal(data, &tok); err != nil {
		return Token{}, fmt.Errorf("decode %s: %w", path, err)
	}
	return tok, nil
}

func writeTokenFile(path string, tok Token) error {
	data, err := json.MarshalIndent(tok, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}
