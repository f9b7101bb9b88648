package auth

import (
	"context"
	"time"

	"authsession/internal/pkg/tracing"
)

// SessionInfo describes one active family through its live record.
type SessionInfo struct {
	FamilyID         string    `json:"family_id"`
	UserAgent        string    `json:"user_agent,omitempty"`
	IPAddress        string    `json:"ip_address,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
	ExpiresAt        time.Time `json:"expires_at"`
	IsCurrentSession bool      `json:"is_current_session"`
}

// ListUserSessions returns one entry per active family of userID, oldest
// first. currentTokenHash may be empty.
func (e *Engine) ListUserSessions(ctx context.Context, userID int64, currentTokenHash string) (sessions []SessionInfo, err error) {
	ctx, span := tracing.Start(ctx, "auth.ListUserSessions", tracing.UserID(userID))
	defer func() { tracing.End(span, err) }()

	ctx, cancel := e.storeContext(ctx)
	defer cancel()

	rows, err := e.tokens.ActiveByUser(ctx, userID, e.now())
	if err != nil {
		return nil, err
	}

	sessions = make([]SessionInfo, 0, len(rows))
	seen := make(map[string]struct{}, len(rows))
	for _, row := range rows {
		if _, ok := seen[row.FamilyID]; ok {
			continue
		}
		seen[row.FamilyID] = struct{}{}
		sessions = append(sessions, SessionInfo{
			FamilyID:         row.FamilyID,
			UserAgent:        deref(row.UserAgent),
			IPAddress:        deref(row.IPAddress),
			CreatedAt:        row.CreatedAt,
			ExpiresAt:        row.ExpiresAt,
			IsCurrentSession: currentTokenHash != "" && row.TokenHash == currentTokenHash,
		})
	}
	return sessions, nil
}
