package backendsdk

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
)

// GetSession returns the active session, or nil when the client is anonymous.
//
// Resolution order: the in-memory session; a persisted session from the
// configured store; a refresh-token grant when either is expired but
// refreshable. A refresh rejected by the backend clears the persisted state
// and resolves to anonymous rather than an error; connectivity failures
// propagate so the caller can decide how to degrade.
func (c *Client) GetSession(ctx context.Context) (*Session, error) {
	s := c.currentSession()
	if s.Valid() {
		return s, nil
	}

	if s == nil && c.store != nil {
		stored, err := c.store.Load(ctx)
		if err != nil {
			return nil, err
		}
		s = stored
	}
	if s == nil {
		return nil, nil
	}
	if s.Valid() {
		c.mu.Lock()
		c.session = s.clone()
		c.mu.Unlock()
		return s, nil
	}

	if s.RefreshToken == "" {
		c.clearSession(ctx)
		return nil, nil
	}

	refreshed, err := c.refreshGrant(ctx, s.RefreshToken)
	if err != nil {
		if Retryable(err) {
			return nil, err
		}
		// Refresh token rejected: the session is gone for good.
		c.clearSession(ctx)
		return nil, nil
	}

	c.setSession(ctx, refreshed, EventTokenRefreshed)
	return refreshed, nil
}

// SignUp registers a new account. Metadata travels as signup metadata; the
// backend-side trigger seeds the initial profile row from it. When the
// project requires email verification the result carries a user but no
// session; otherwise the new session is cached and SIGNED_IN is emitted.
func (c *Client) SignUp(ctx context.Context, params SignUpParams) (*AuthResult, error) {
	body, err := c.doJSON(ctx, http.MethodPost, "/auth/v1/signup", nil, nil, params)
	if err != nil {
		return nil, err
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return nil, &Error{Code: CodeServerError, Message: "malformed signup response"}
	}

	result := &AuthResult{
		User: &User{ID: tr.User.ID, Email: tr.User.Email, Metadata: tr.User.Metadata},
	}
	if s := tr.session(); s != nil {
		result.Session = s
		c.setSession(ctx, s, EventSignedIn)
	}
	return result, nil
}

// SignInWithPassword verifies credentials and establishes a session. State
// population is the session-change listener's job, not the caller's.
func (c *Client) SignInWithPassword(ctx context.Context, email, password string) (*AuthResult, error) {
	query := url.Values{"grant_type": []string{"password"}}
	payload := map[string]string{"email": email, "password": password}

	body, err := c.doJSON(ctx, http.MethodPost, "/auth/v1/token", query, nil, payload)
	if err != nil {
		return nil, err
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return nil, &Error{Code: CodeServerError, Message: "malformed token response"}
	}

	s := tr.session()
	if s == nil {
		return nil, &Error{Code: CodeServerError, Message: "token response missing access token"}
	}

	c.setSession(ctx, s, EventSignedIn)
	return &AuthResult{
		User:    &User{ID: tr.User.ID, Email: tr.User.Email, Metadata: tr.User.Metadata},
		Session: s,
	}, nil
}

// SignOut drops the local session first (subscribers observe SIGNED_OUT
// immediately, even if the network is slow), then revokes the refresh token
// server-side. The revocation error, if any, is returned for notification
// purposes; local state is already anonymous.
func (c *Client) SignOut(ctx context.Context) error {
	s := c.currentSession()
	c.clearSession(ctx)

	if !s.Valid() {
		return nil
	}

	headers := map[string]string{"Authorization": "Bearer " + s.AccessToken}
	_, err := c.doJSON(ctx, http.MethodPost, "/auth/v1/logout", nil, headers, nil)
	return err
}

// refreshGrant exchanges a refresh token for a new session.
func (c *Client) refreshGrant(ctx context.Context, refreshToken string) (*Session, error) {
	query := url.Values{"grant_type": []string{"refresh_token"}}
	payload := map[string]string{"refresh_token": refreshToken}

	body, err := c.doJSON(ctx, http.MethodPost, "/auth/v1/token", query, nil, payload)
	if err != nil {
		return nil, err
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return nil, &Error{Code: CodeServerError, Message: "malformed token response"}
	}

	s := tr.session()
	if s == nil {
		return nil, &Error{Code: CodeServerError, Message: "token response missing access token"}
	}
	return s, nil
}
