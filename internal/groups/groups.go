// Package groups manages shared contact groups: creation, membership rows,
// and token-based invite links.
//
// A membership is a contact card, not an account link: the row carries the
// member's name and phone so the group is readable even when the member never
// registered. Invites are random tokens stored only as a salted hash; the
// redeemable token exists solely in the generated link.
package groups

import (
	"time"
)

// Backend tables owned by this package.
const (
	TableGroups      = "groups"
	TableMemberships = "group_memberships"
	TableInvites     = "group_invites"
)

// Group is a shared contact group.
type Group struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	OwnerID   string    `json:"owner_id"`
	CreatedAt time.Time `json:"created_at"`
}

// Membership is one contact row inside a group. ProfileID is set when the
// member is a registered account, empty for manually added contacts.
type Membership struct {
	ID        string    `json:"id"`
	GroupID   string    `json:"group_id"`
	ProfileID string    `json:"profile_id,omitempty"`
	FirstName string    `json:"first_name"`
	LastName  string    `json:"last_name"`
	Phone     string    `json:"phone,omitempty"`
	Email     string    `json:"email,omitempty"`
	JoinedAt  time.Time `json:"joined_at"`
}

// Invite is the stored side of an invite link. TokenHash is the salted digest
// of the link token; the token itself is never persisted.
type Invite struct {
	ID        string     `json:"id"`
	GroupID   string     `json:"group_id"`
	TokenHash string     `json:"token_hash"`
	Reusable  bool       `json:"reusable"`
	ExpiresAt time.Time  `json:"expires_at"`
	UsedAt    *time.Time `json:"used_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}
