// Package twofactor enrolls profiles in TOTP-based two-factor auth. The
// secret stays client-side until activation is proven with a valid code; only
// the enabled flag lives in the profile row.
package twofactor

import (
	"context"
	"errors"
	"fmt"

	"github.com/pquerna/otp/totp"

	"github.com/groupbookhq/groupbook/internal/profile"
)

// ErrInvalidCode means the submitted code does not match the secret for the
// current time window.
var ErrInvalidCode = errors.New("twofactor: invalid verification code")

// profileUpdater is the slice of the profile service this package needs.
type profileUpdater interface {
	UpdateProfile(ctx context.Context, userID string, upd profile.Update) (*profile.Profile, error)
}

// Enrollment is a freshly generated TOTP secret. URL is the otpauth:// link
// rendered as a QR code for authenticator apps.
type Enrollment struct {
	Secret string
	URL    string
}

// Service manages the two-factor flag on profiles.
type Service struct {
	profiles profileUpdater
	issuer   string
}

// NewService returns a two-factor service issuing secrets under issuer (the
// name authenticator apps display).
func NewService(profiles profileUpdater, issuer string) *Service {
	return &Service{profiles: profiles, issuer: issuer}
}

// Enroll generates a new TOTP secret for the account. Nothing is persisted
// yet: the flag flips only when Activate proves the user stored the secret.
func (s *Service) Enroll(accountEmail string) (*Enrollment, error) {
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      s.issuer,
		AccountName: accountEmail,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to generate totp secret: %w", err)
	}
	return &Enrollment{Secret: key.Secret(), URL: key.URL()}, nil
}

// Activate verifies code against secret and, on success, marks the profile as
// two-factor enabled. An invalid code leaves the profile untouched.
func (s *Service) Activate(ctx context.Context, userID, secret, code string) error {
	if !totp.Validate(code, secret) {
		return ErrInvalidCode
	}

	enabled := true
	if _, err := s.profiles.UpdateProfile(ctx, userID, profile.Update{TwoFactorEnabled: &enabled}); err != nil {
		return fmt.Errorf("failed to enable two-factor: %w", err)
	}
	return nil
}

// Disable turns two-factor off for the account.
func (s *Service) Disable(ctx context.Context, userID string) error {
	enabled := false
	if _, err := s.profiles.UpdateProfile(ctx, userID, profile.Update{TwoFactorEnabled: &enabled}); err != nil {
		return fmt.Errorf("failed to disable two-factor: %w", err)
	}
	return nil
}
