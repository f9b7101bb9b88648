package auth

import (
	"context"
	"time"

	"authsession/internal/domain"
	"authsession/internal/pkg/jwt"
)

// UserRepositoryInterface lists only the methods the login flow uses
type UserRepositoryInterface interface {
	GetByEmail(ctx context.Context, email string) (*domain.User, error)
	GetByID(ctx context.Context, id int64) (*domain.User, error)
}

// CredentialService signs and verifies bearer credentials. It is stateless.
type CredentialService interface {
	Sign(userID int64, role, typ string, ttl time.Duration) (string, error)
	Verify(token, typ string) (*jwt.Claims, error)
}

// TokenIssuer is the part of the engine the login flow depends on.
type TokenIssuer interface {
	IssueTokenPair(ctx context.Context, claims Claims, device domain.DeviceMeta, existingFamilyID string) (*TokenPair, error)
}
