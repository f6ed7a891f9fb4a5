package backendsdk

import (
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// User is the backend-issued identity record. Metadata carries the signup
// metadata map (first_name, last_name, phone) when the account supplied one.
type User struct {
	ID       string
	Email    string
	Metadata map[string]any
}

// MetadataString returns the named metadata value when it is a non-empty
// string, otherwise "".
func (u *User) MetadataString(key string) string {
	if u == nil || u.Metadata == nil {
		return ""
	}
	if v, ok := u.Metadata[key].(string); ok {
		return v
	}
	return ""
}

// UserFromSession decodes the session's access token claims into a User.
//
// The token is not signature-checked here: the backend issued and verified it
// when the session was established, and this client holds no verification
// keys. The claims are treated as a trusted carrier of the subject identity.
func UserFromSession(s *Session) (*User, error) {
	if !s.Valid() {
		return nil, &Error{Code: CodeValidation, Message: "no active session"}
	}

	claims := jwt.MapClaims{}
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(s.AccessToken, claims); err != nil {
		return nil, &Error{Code: CodeValidation, Message: "malformed access token: " + err.Error()}
	}

	sub, _ := claims["sub"].(string)
	if _, err := uuid.Parse(sub); err != nil {
		return nil, &Error{Code: CodeValidation, Message: "access token subject is not a user id"}
	}

	user := &User{ID: sub}
	if email, ok := claims["email"].(string); ok {
		user.Email = email
	}
	if meta, ok := claims["user_metadata"].(map[string]any); ok {
		user.Metadata = meta
	}
	return user, nil
}
