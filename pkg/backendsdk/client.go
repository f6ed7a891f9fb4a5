// Package backendsdk is the client for the hosted application backend:
// credential-based session issuance, row read/write under row-level security,
// and an ordered session-change notification stream.
//
// All row and auth failures come back as *Error values carrying a normalized
// machine-readable code (see errors.go); callers branch with IsCode or
// errors.As rather than string matching.
package backendsdk

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/groupbookhq/groupbook/pkg/slogx"
)

// SessionStore persists the issued session across client restarts. The web
// frontend keeps it in browser storage; this client delegates to a pluggable
// store (see internal/sessionstore for the sqlite implementation).
type SessionStore interface {
	Load(ctx context.Context) (*Session, error)
	Save(ctx context.Context, s *Session) error
	Clear(ctx context.Context) error
}

// Client talks to one backend project. It is safe for concurrent use.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client

	apiKey   string
	store    SessionStore
	notifier *notifier

	mu      sync.RWMutex
	session *Session
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client (10s transport timeout).
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.HTTPClient = hc }
}

// WithSessionStore enables session persistence across restarts.
func WithSessionStore(store SessionStore) Option {
	return func(c *Client) { c.store = store }
}

// New creates a backend client for the project at baseURL, authenticating
// requests with apiKey (the anon key for user traffic, the service-role key
// for the migration CLI).
func New(baseURL, apiKey string, opts ...Option) *Client {
	c := &Client{
		BaseURL: strings.TrimSuffix(baseURL, "/"),
		HTTPClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		apiKey:   apiKey,
		notifier: newNotifier(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// currentSession returns a copy of the cached session, nil when anonymous.
func (c *Client) currentSession() *Session {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.session.clone()
}

// setSession replaces the cached session, persists it, and notifies
// subscribers with the given event.
func (c *Client) setSession(ctx context.Context, s *Session, event string) {
	c.mu.Lock()
	c.session = s.clone()
	c.mu.Unlock()

	if c.store != nil {
		if err := c.store.Save(ctx, s); err != nil {
			slogx.FromContext(ctx).Warn("failed to persist session", slog.Any("error", err))
		}
	}
	c.notifier.emit(event, s.clone())
}

// clearSession drops the cached and persisted session and notifies
// subscribers of the sign-out.
func (c *Client) clearSession(ctx context.Context) {
	c.mu.Lock()
	c.session = nil
	c.mu.Unlock()

	if c.store != nil {
		if err := c.store.Clear(ctx); err != nil {
			slogx.FromContext(ctx).Warn("failed to clear persisted session", slog.Any("error", err))
		}
	}
	c.notifier.emit(EventSignedOut, nil)
}

// OnSessionChange registers fn for session-change events. Events are
// delivered in order; the returned subscription's Unsubscribe stops delivery.
func (c *Client) OnSessionChange(fn func(event string, session *Session)) *Subscription {
	return c.notifier.subscribe(fn)
}
