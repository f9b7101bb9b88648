package auth

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrAccountBanned      = errors.New("account banned")
	ErrUnauthorized       = errors.New("unauthorized")

	// ErrInvalidRefreshToken covers malformed, unsigned and unknown tokens.
	// Callers never learn which of these it was.
	ErrInvalidRefreshToken = errors.New("invalid refresh token")
	ErrRefreshTokenExpired = errors.New("refresh token expired")
	ErrRefreshTokenReused  = errors.New("refresh token reuse detected")

	ErrInvalidRevokeReason = errors.New("invalid revoke reason")
)

// ReuseDetectedError is returned when an already revoked refresh token is
// presented again. The whole family has been revoked by the time the caller
// sees it; callers should force re-authentication.
type ReuseDetectedError struct {
	UserID   int64
	FamilyID string
	Revoked  int64
}

func (e *ReuseDetectedError) Error() string {
	return fmt.Sprintf("refresh token reuse detected: family=%s revoked=%d", e.FamilyID, e.Revoked)
}

func (e *ReuseDetectedError) Unwrap() error { return ErrRefreshTokenReused }

func (e *ReuseDetectedError) SecurityAlert() bool { return true }

// IsSecurityAlert reports whether err should be surfaced as a security event.
func IsSecurityAlert(err error) bool {
	var alert interface{ SecurityAlert() bool }
	return errors.As(err, &alert) && alert.SecurityAlert()
}
