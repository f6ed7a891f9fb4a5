package backendsdk

import "time"

// Session change events delivered to OnSessionChange subscribers, in the
// order the backend reported them.
const (
	EventSignedIn       = "SIGNED_IN"
	EventSignedOut      = "SIGNED_OUT"
	EventTokenRefreshed = "TOKEN_REFRESHED"
)

// Session is the opaque token bundle issued by the backend. The client keeps
// a cached copy for UI consumption; the backend remains the owner.
type Session struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	TokenType    string    `json:"token_type"`
	ExpiresAt    time.Time `json:"expires_at"`
	UserID       string    `json:"user_id"`
}

// Valid reports whether the session carries an unexpired access token.
func (s *Session) Valid() bool {
	return s != nil && s.AccessToken != "" && time.Now().Before(s.ExpiresAt)
}

// clone returns an independent copy so callers cannot mutate the client's
// cached session.
func (s *Session) clone() *Session {
	if s == nil {
		return nil
	}
	cp := *s
	return &cp
}

// SignUpParams carries the credential pair plus signup metadata. The backend
// trigger that seeds the initial profile row reads first_name/last_name/phone
// from Metadata.
type SignUpParams struct {
	Email    string         `json:"email"`
	Password string         `json:"password"`
	Metadata map[string]any `json:"data,omitempty"`
}

// AuthResult is the outcome of a credential operation. Session is nil when
// the backend requires email verification before issuing tokens.
type AuthResult struct {
	User    *User
	Session *Session
}

// tokenResponse is the wire shape of the token and signup endpoints.
type tokenResponse struct {
	AccessToken  string   `json:"access_token"`
	RefreshToken string   `json:"refresh_token"`
	TokenType    string   `json:"token_type"`
	ExpiresIn    int      `json:"expires_in"`
	User         userBody `json:"user"`
}

// userBody is the backend's identity record as it appears in auth responses.
type userBody struct {
	ID       string         `json:"id"`
	Email    string         `json:"email"`
	Metadata map[string]any `json:"user_metadata"`
}

// session converts a token response into a Session, applying a small expiry
// buffer so refresh happens before the server-side cutoff.
func (tr *tokenResponse) session() *Session {
	if tr.AccessToken == "" {
		return nil
	}
	expiresAt := time.Now().Add(time.Duration(tr.ExpiresIn) * time.Second)
	expiresAt = expiresAt.Add(-30 * time.Second)

	return &Session{
		AccessToken:  tr.AccessToken,
		RefreshToken: tr.RefreshToken,
		TokenType:    tr.TokenType,
		ExpiresAt:    expiresAt,
		UserID:       tr.User.ID,
	}
}
