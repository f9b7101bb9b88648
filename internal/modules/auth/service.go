package auth

import (
	"context"
	"errors"
	"strings"

	"authsession/internal/domain"
	"authsession/internal/repository"

	"golang.org/x/crypto/bcrypt"
)

// Service is the login front of the token engine: it checks credentials and
// starts a new session family.
type Service struct {
	users  UserRepositoryInterface
	issuer TokenIssuer
}

type LoginResult struct {
	User   *domain.User
	Tokens *TokenPair
}

func NewService(users UserRepositoryInterface, issuer TokenIssuer) *Service {
	return &Service{
		users:  users,
		issuer: issuer,
	}
}

func (s *Service) Login(ctx context.Context, req LoginRequest, device domain.DeviceMeta) (*LoginResult, error) {
	user, err := s.users.GetByEmail(ctx, strings.ToLower(strings.TrimSpace(req.Email)))
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)); err != nil {
		return nil, ErrInvalidCredentials
	}
	if user.IsBanned {
		return nil, ErrAccountBanned
	}

	tokens, err := s.issuer.IssueTokenPair(ctx, Claims{UserID: user.ID, Role: string(user.Role)}, device, "")
	if err != nil {
		return nil, err
	}

	user.PasswordHash = ""
	return &LoginResult{User: user, Tokens: tokens}, nil
}

func (s *Service) GetCurrentUser(ctx context.Context, userID int64) (*domain.User, error) {
	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	user.PasswordHash = ""
	return user, nil
}

func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}
