// Package profile owns the application-side profile row: fetch-or-create on
// first read, partial updates, and the retry/timeout policy around the
// backend.
package profile

import (
	"time"
)

// Table is the backend table holding profile rows.
const Table = "profiles"

// Profile is the application-owned per-user record, keyed 1:1 by the backend
// user id. created_at/updated_at are set by the backend.
type Profile struct {
	ID                      string    `json:"id"`
	Email                   string    `json:"email"`
	FirstName               string    `json:"first_name"`
	LastName                string    `json:"last_name"`
	Phone                   string    `json:"phone,omitempty"`
	PhoneVerified           bool      `json:"phone_verified"`
	TwoFactorEnabled        bool      `json:"two_factor_enabled"`
	SMSNotificationsEnabled bool      `json:"sms_notifications_enabled"`
	CreatedAt               time.Time `json:"created_at"`
	UpdatedAt               time.Time `json:"updated_at"`
}

// Update is a partial update of the mutable profile fields. Nil fields are
// left untouched; id, email and the timestamps are never client-writable.
type Update struct {
	FirstName               *string
	LastName                *string
	Phone                   *string
	PhoneVerified           *bool
	TwoFactorEnabled        *bool
	SMSNotificationsEnabled *bool
}

// patch renders the set fields as a column patch.
func (u Update) patch() map[string]any {
	p := make(map[string]any)
	if u.FirstName != nil {
		p["first_name"] = *u.FirstName
	}
	if u.LastName != nil {
		p["last_name"] = *u.LastName
	}
	if u.Phone != nil {
		p["phone"] = *u.Phone
	}
	if u.PhoneVerified != nil {
		p["phone_verified"] = *u.PhoneVerified
	}
	if u.TwoFactorEnabled != nil {
		p["two_factor_enabled"] = *u.TwoFactorEnabled
	}
	if u.SMSNotificationsEnabled != nil {
		p["sms_notifications_enabled"] = *u.SMSNotificationsEnabled
	}
	return p
}
