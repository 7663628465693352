// Package identity maintains a valid machine credential the chat backend uses to call AS endpoints that require
// service identity: conversation lookup and bulk permission checks.
package identity

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/orgchat/chatcore/internal/as"
)

// refreshMargin is how far ahead of expiry a cached token is proactively refreshed.
const refreshMargin = 5 * time.Minute

// tokenSource is the subset of *as.Client the Manager depends on, so tests can substitute a fake.
type tokenSource interface {
	Token(ctx context.Context, clientID, clientSecret, scope string) (*as.TokenResponse, error)
}

// Manager hands out a valid service token, acquiring or refreshing it as needed. Concurrent callers racing a miss
// are coalesced onto a single AS call via singleflight so the AS never sees a stampede.
type Manager struct {
	client       tokenSource
	clientID     string
	clientSecret string
	scope        string

	flight singleflight.Group

	mu        sync.RWMutex
	token     string
	expiresAt time.Time
}

// New creates a Manager. It does not make a network call; the first GetServiceToken acquires the initial token.
func New(client tokenSource, clientID, clientSecret, scope string) *Manager {
	return &Manager{
		client:       client,
		clientID:     clientID,
		clientSecret: clientSecret,
		scope:        scope,
	}
}

// GetServiceToken returns a valid token, blocking at most until one is available. It never returns an expired
// token: a cached token is reused only while more than refreshMargin remains before expiry.
func (m *Manager) GetServiceToken(ctx context.Context) (string, error) {
	if tok, ok := m.cached(); ok {
		return tok, nil
	}

	v, err, _ := m.flight.Do("token", func() (any, error) {
		if tok, ok := m.cached(); ok {
			return tok, nil
		}
		return m.acquire(ctx)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (m *Manager) cached() (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.token == "" {
		return "", false
	}
	if time.Until(m.expiresAt) <= refreshMargin {
		return "", false
	}
	return m.token, true
}

func (m *Manager) acquire(ctx context.Context) (string, error) {
	resp, err := m.client.Token(ctx, m.clientID, m.clientSecret, m.scope)
	if err != nil {
		return "", fmt.Errorf("acquire service token: %w", err)
	}

	m.mu.Lock()
	m.token = resp.AccessToken
	m.expiresAt = time.Now().Add(time.Duration(resp.ExpiresIn) * time.Second)
	m.mu.Unlock()

	return resp.AccessToken, nil
}
