package groups

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/groupbookhq/groupbook/internal/profile"
	"github.com/groupbookhq/groupbook/pkg/backendsdk"
	"github.com/groupbookhq/groupbook/pkg/cryptox"
	"github.com/groupbookhq/groupbook/pkg/phone"
	"github.com/groupbookhq/groupbook/pkg/slogx"
)

var (
	// ErrEmptyName means the group or member was given no name at all.
	ErrEmptyName = errors.New("groups: name must not be empty")

	// ErrInviteNotFound means the token matches no stored invite.
	ErrInviteNotFound = errors.New("groups: invite not found")

	// ErrInviteExpired means the invite's window has passed.
	ErrInviteExpired = errors.New("groups: invite has expired")

	// ErrInviteUsed means a single-use invite was already redeemed.
	ErrInviteUsed = errors.New("groups: invite has already been used")
)

// DefaultInviteTTL is how long a minted invite stays redeemable unless the
// caller chooses otherwise.
const DefaultInviteTTL = 7 * 24 * time.Hour

// Service manages groups, memberships and invites through the backend row
// API.
type Service struct {
	rows backendsdk.Rows

	// tokenSalt is the deployment-wide salt under which invite tokens are
	// hashed for storage and lookup.
	tokenSalt string

	now func() time.Time
}

// NewService returns a group service hashing invite tokens under tokenSalt.
func NewService(rows backendsdk.Rows, tokenSalt string) *Service {
	return &Service{
		rows:      rows,
		tokenSalt: tokenSalt,
		now:       time.Now,
	}
}

// Create inserts a new group owned by ownerID.
func (s *Service) Create(ctx context.Context, ownerID, name string) (*Group, error) {
	if name == "" {
		return nil, ErrEmptyName
	}

	g := &Group{
		ID:      ulid.Make().String(),
		Name:    name,
		OwnerID: ownerID,
	}

	var created Group
	if err := s.rows.Insert(ctx, TableGroups, g, &created); err != nil {
		return nil, err
	}
	return &created, nil
}

// AddMember inserts a contact row into the group. The member needs at least a
// first name; the phone, when present, must be E.164.
func (s *Service) AddMember(ctx context.Context, groupID string, m Membership) (*Membership, error) {
	if m.FirstName == "" && m.LastName == "" {
		return nil, ErrEmptyName
	}
	if err := phone.Validate(m.Phone); err != nil {
		return nil, err
	}

	m.ID = ulid.Make().String()
	m.GroupID = groupID

	var created Membership
	if err := s.rows.Insert(ctx, TableMemberships, &m, &created); err != nil {
		return nil, err
	}
	return &created, nil
}

// ListMembers returns the group's contact rows.
func (s *Service) ListMembers(ctx context.Context, groupID string) ([]Membership, error) {
	var members []Membership
	err := s.rows.SelectAll(ctx, TableMemberships, backendsdk.Where("group_id", backendsdk.Eq(groupID)), &members)
	if err != nil {
		return nil, err
	}
	return members, nil
}

// MintInvite creates an invite link token for the group. The returned token
// is shown to the user exactly once; only its salted hash is stored. A
// non-positive ttl falls back to DefaultInviteTTL.
func (s *Service) MintInvite(ctx context.Context, groupID string, reusable bool, ttl time.Duration) (string, *Invite, error) {
	if ttl <= 0 {
		ttl = DefaultInviteTTL
	}

	token, err := cryptox.GenerateToken(cryptox.TokenSize128)
	if err != nil {
		return "", nil, fmt.Errorf("failed to mint invite token: %w", err)
	}

	inv := &Invite{
		ID:        ulid.Make().String(),
		GroupID:   groupID,
		TokenHash: cryptox.HashToken(token, s.tokenSalt),
		Reusable:  reusable,
		ExpiresAt: s.now().Add(ttl),
	}

	var created Invite
	if err := s.rows.Insert(ctx, TableInvites, inv, &created); err != nil {
		return "", nil, err
	}
	return token, &created, nil
}

// RedeemInvite exchanges a valid invite token for a membership carrying the
// redeeming user's contact card. Single-use invites are marked consumed in
// the same call; an expired or spent token fails without side effects.
func (s *Service) RedeemInvite(ctx context.Context, token string, p *profile.Profile) (*Membership, error) {
	log := slogx.FromContext(ctx)

	var inv Invite
	err := s.rows.SelectOne(ctx, TableInvites,
		backendsdk.Where("token_hash", backendsdk.Eq(cryptox.HashToken(token, s.tokenSalt))), &inv)
	if err != nil {
		if backendsdk.IsCode(err, backendsdk.CodeNotFound) {
			return nil, ErrInviteNotFound
		}
		return nil, err
	}

	if s.now().After(inv.ExpiresAt) {
		return nil, ErrInviteExpired
	}
	if !inv.Reusable && inv.UsedAt != nil {
		return nil, ErrInviteUsed
	}

	m := &Membership{
		ID:        ulid.Make().String(),
		GroupID:   inv.GroupID,
		ProfileID: p.ID,
		FirstName: p.FirstName,
		LastName:  p.LastName,
		Phone:     p.Phone,
		Email:     p.Email,
	}

	var created Membership
	if err := s.rows.Insert(ctx, TableMemberships, m, &created); err != nil {
		return nil, err
	}

	if !inv.Reusable {
		usedAt := s.now()
		var updated Invite
		err := s.rows.Update(ctx, TableInvites,
			backendsdk.Where("id", backendsdk.Eq(inv.ID)),
			map[string]any{"used_at": usedAt}, &updated)
		if err != nil {
			// The membership exists; a re-redeem attempt will be caught
			// next time the row is read. Log and move on.
			log.Warn("failed to mark invite as used",
				slog.String("invite_id", inv.ID),
				slog.Any("error", err),
			)
		}
	}

	return &created, nil
}
