package authstate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/groupbookhq/groupbook/internal/profile"
	"github.com/groupbookhq/groupbook/pkg/backendsdk"
	"github.com/groupbookhq/groupbook/pkg/namesplit"
	"github.com/groupbookhq/groupbook/pkg/phone"
	"github.com/groupbookhq/groupbook/pkg/slogx"
)

var (
	// ErrNotSignedIn means the action needs an authenticated identity.
	ErrNotSignedIn = errors.New("authstate: not signed in")

	// ErrRateLimited means too many credential attempts in a short window.
	ErrRateLimited = errors.New("authstate: too many attempts, slow down")

	// ErrNotProvisioned means the backend project is missing its schema.
	// The fix is operational, not something the caller can retry around.
	ErrNotProvisioned = errors.New("authstate: the profiles table does not exist; apply the database migrations to this backend project before accepting signups")
)

// SignUpParams is a registration request. FirstName/LastName travel as
// signup metadata; when both are empty, FullName is split with the same rule
// the migration backfill uses, so every path derives identical columns.
type SignUpParams struct {
	Email    string
	Password string

	FirstName string
	LastName  string
	FullName  string
	Phone     string
}

// SignUpResult is the outcome of a registration attempt.
type SignUpResult struct {
	// VerificationEmailSent is true when the backend withheld the session
	// pending email confirmation. The user exists but cannot act yet.
	VerificationEmailSent bool

	User *backendsdk.User
}

// SignUp registers an account.
//
// The round-trip is capped by the configured signup timeout. When the
// backend issues a session immediately, the state transition arrives through
// the session listener; the caller only inspects the result.
func (m *Machine) SignUp(ctx context.Context, p SignUpParams) (*SignUpResult, error) {
	if err := phone.Validate(p.Phone); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, m.signUpTimeout)
	defer cancel()

	first, last := p.FirstName, p.LastName
	if first == "" && last == "" {
		first, last = namesplit.Split(p.FullName)
	}

	metadata := map[string]any{
		"first_name": first,
		"last_name":  last,
	}
	if p.Phone != "" {
		metadata["phone"] = p.Phone
	}

	res, err := m.client.SignUp(ctx, backendsdk.SignUpParams{
		Email:    p.Email,
		Password: p.Password,
		Metadata: metadata,
	})
	if err != nil {
		if backendsdk.IsCode(err, backendsdk.CodeUndefinedTable) {
			return nil, fmt.Errorf("%w: %w", ErrNotProvisioned, err)
		}
		return nil, err
	}

	return &SignUpResult{
		VerificationEmailSent: res.Session == nil,
		User:                  res.User,
	}, nil
}

// SignIn verifies credentials. The authenticated state is populated by the
// session listener, not here; on return the machine is already loading the
// profile.
func (m *Machine) SignIn(ctx context.Context, email, password string) error {
	if !m.signInLimit.Allow() {
		return ErrRateLimited
	}

	_, err := m.client.SignInWithPassword(ctx, email, password)
	return err
}

// SignOut drops the session. Local state flips to anonymous before the
// server-side revocation runs, so the UI never shows a signed-in account that
// the user asked to leave. A failed revocation becomes a notice, not an
// error: from the caller's point of view the sign-out succeeded.
func (m *Machine) SignOut(ctx context.Context) {
	if err := m.client.SignOut(ctx); err != nil {
		slogx.FromContext(ctx).Warn("server-side sign-out failed", slog.Any("error", err))
		m.notice("You are signed out on this device, but the server could not be reached to revoke the session.")
	}
}

// UpdateProfile writes the supplied fields for the signed-in user and applies
// the refreshed row to the state, unless the identity changed while the write
// was in flight.
func (m *Machine) UpdateProfile(ctx context.Context, upd profile.Update) (*profile.Profile, error) {
	m.mu.Lock()
	user := m.state.User
	gen := m.gen
	m.mu.Unlock()

	if user == nil {
		return nil, ErrNotSignedIn
	}

	refreshed, err := m.profiles.UpdateProfile(ctx, user.ID, upd)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	if m.closed || gen != m.gen {
		// Signed out (or switched accounts) mid-write. The row is
		// updated server-side; the stale tuple is not resurrected.
		m.mu.Unlock()
		return refreshed, nil
	}
	m.state.Profile = refreshed
	m.state.ProfileErr = nil
	m.publishLocked()

	return refreshed, nil
}
