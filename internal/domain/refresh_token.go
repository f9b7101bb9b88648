package domain

import (
	"fmt"
	"time"
)

// RevokeReason is the closed set of reasons a refresh token can be revoked for.
type RevokeReason string

const (
	RevokeReasonRotated             RevokeReason = "rotated"
	RevokeReasonUserLogout          RevokeReason = "user_logout"
	RevokeReasonUserRevokeSession   RevokeReason = "user_revoke_session"
	RevokeReasonUserRevokeAll       RevokeReason = "user_revoke_all"
	RevokeReasonMaxSessionsExceeded RevokeReason = "max_sessions_exceeded"
	RevokeReasonTokenReuseDetected  RevokeReason = "token_reuse_detected"
)

var revokeReasons = map[RevokeReason]struct{}{
	RevokeReasonRotated:             {},
	RevokeReasonUserLogout:          {},
	RevokeReasonUserRevokeSession:   {},
	RevokeReasonUserRevokeAll:       {},
	RevokeReasonMaxSessionsExceeded: {},
	RevokeReasonTokenReuseDetected:  {},
}

func (r RevokeReason) Valid() bool {
	_, ok := revokeReasons[r]
	return ok
}

func ParseRevokeReason(s string) (RevokeReason, error) {
	r := RevokeReason(s)
	if !r.Valid() {
		return "", fmt.Errorf("unknown revoke reason %q", s)
	}
	return r, nil
}

// RefreshToken stores refresh tokens for users.
//
// Security notes:
// - We never store the raw token in DB, only its peppered SHA-256 hash (TokenHash).
// - Tokens of one login form a family; on refresh the active token is revoked
//   with reason "rotated" and ReplacedByToken points at the successor's hash.
// - Expiry is never written back; liveness is RevokedAt == nil && ExpiresAt > now.
type RefreshToken struct {
	ID     string `json:"id" gorm:"primaryKey;size:36"`
	UserID int64  `json:"user_id" gorm:"index;not null"`

	TokenHash string `json:"-" gorm:"size:64;uniqueIndex;not null"`
	FamilyID  string `json:"family_id" gorm:"size:36;index;not null"`

	UserAgent *string `json:"user_agent,omitempty" gorm:"size:512"`
	IPAddress *string `json:"ip_address,omitempty" gorm:"size:64"`

	CreatedAt time.Time  `json:"created_at" gorm:"index;not null"`
	ExpiresAt time.Time  `json:"expires_at" gorm:"index;not null"`
	RevokedAt *time.Time `json:"revoked_at" gorm:"index"`

	RevokedReason   *RevokeReason `json:"revoked_reason,omitempty" gorm:"size:32"`
	ReplacedByToken *string       `json:"-" gorm:"size:64"`
}

func (RefreshToken) TableName() string { return "refresh_tokens" }

func (t *RefreshToken) IsExpired(now time.Time) bool {
	return !t.ExpiresAt.After(now)
}

func (t *RefreshToken) IsRevoked() bool {
	return t.RevokedAt != nil
}

// IsActive reports whether the token is the live record of its family.
func (t *RefreshToken) IsActive(now time.Time) bool {
	return !t.IsRevoked() && !t.IsExpired(now)
}

// DeviceMeta is best-effort client metadata captured at issuance.
type DeviceMeta struct {
	UserAgent string
	IPAddress string
}
