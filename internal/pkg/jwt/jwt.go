package jwt

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	jwtlib "github.com/golang-jwt/jwt/v5"
)

var (
	ErrTokenExpired   = errors.New("token expired")
	ErrTokenMalformed = errors.New("token malformed")
)

const (
	TypeAccess  = "access"
	TypeRefresh = "refresh"
)

type Service struct {
	secret     []byte
	accessTTL  time.Duration
	refreshTTL time.Duration
	now        func() time.Time
}

type Claims struct {
	UserID int64  `json:"user_id"`
	Role   string `json:"role"`
	Type   string `json:"typ"`
	jwtlib.RegisteredClaims
}

func New(secret string, accessTTL, refreshTTL time.Duration) *Service {
	return &Service{
		secret:     []byte(secret),
		accessTTL:  accessTTL,
		refreshTTL: refreshTTL,
		now:        time.Now,
	}
}

// WithClock replaces the time source used for issuing and validating tokens.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Sign mints an HS256 token of the given type. Every token gets a random jti,
// so two tokens minted for the same user in the same second still differ.
func (s *Service) Sign(userID int64, role, typ string, ttl time.Duration) (string, error) {
	now := s.now()
	claims := Claims{
		UserID: userID,
		Role:   role,
		Type:   typ,
		RegisteredClaims: jwtlib.RegisteredClaims{
			ID:        uuid.NewString(),
			ExpiresAt: jwtlib.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwtlib.NewNumericDate(now),
		},
	}

	token := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

func (s *Service) GenerateToken(userID int64, role string) (string, error) {
	return s.Sign(userID, role, TypeAccess, s.accessTTL)
}

func (s *Service) GenerateRefreshToken(userID int64, role string) (string, error) {
	return s.Sign(userID, role, TypeRefresh, s.refreshTTL)
}

// Verify checks signature, expiry and token type. Expired tokens yield
// ErrTokenExpired; everything else that fails yields ErrTokenMalformed.
func (s *Service) Verify(tokenStr, typ string) (*Claims, error) {
	token, err := jwtlib.ParseWithClaims(tokenStr, &Claims{}, func(t *jwtlib.Token) (any, error) {
		return s.secret, nil
	},
		jwtlib.WithValidMethods([]string{jwtlib.SigningMethodHS256.Alg()}),
		jwtlib.WithTimeFunc(s.now),
	)
	if err != nil {
		if errors.Is(err, jwtlib.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, fmt.Errorf("%w: %v", ErrTokenMalformed, err)
	}
	if !token.Valid {
		return nil, ErrTokenMalformed
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || claims.Type != typ || claims.UserID == 0 {
		return nil, ErrTokenMalformed
	}

	return claims, nil
}

func (s *Service) ValidateToken(tokenStr string) (*Claims, error) {
	return s.Verify(tokenStr, TypeAccess)
}
