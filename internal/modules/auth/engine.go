package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"authsession/internal/domain"
	"authsession/internal/pkg/jwt"
	"authsession/internal/pkg/logger"
	"authsession/internal/pkg/tracing"
	"authsession/internal/repository"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const tokenTypeBearer = "Bearer"

// EngineConfig is the engine's slice of the runtime configuration.
type EngineConfig struct {
	AccessTTL             time.Duration
	RefreshTTL            time.Duration
	MaxSessions           int
	RotationEnabled       bool
	ReuseDetectionEnabled bool
	RetentionWindow       time.Duration
	StoreTimeout          time.Duration
	RefreshTokenPepper    string
}

// Claims identifies the principal a token pair is issued to.
type Claims struct {
	UserID int64
	Role   string
}

type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
	TokenType    string `json:"token_type"`
}

// Engine issues, rotates and revokes refresh tokens. It keeps no state of
// its own: everything lives in the refresh_tokens table and every mutation
// that touches a user's sessions runs under that user's lock.
type Engine struct {
	db      *gorm.DB
	tokens  *repository.RefreshTokenRepository
	locker  repository.UserLocker
	creds   CredentialService
	cfg     EngineConfig
	log     *zap.Logger
	metrics *Metrics
	now     func() time.Time
}

func NewEngine(
	db *gorm.DB,
	tokens *repository.RefreshTokenRepository,
	locker repository.UserLocker,
	creds CredentialService,
	cfg EngineConfig,
	log *zap.Logger,
	metrics *Metrics,
) *Engine {
	if cfg.MaxSessions < 1 {
		cfg.MaxSessions = 1
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{
		db:      db,
		tokens:  tokens,
		locker:  locker,
		creds:   creds,
		cfg:     cfg,
		log:     logger.WithComponent(log, "token_engine"),
		metrics: metrics,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// WithClock replaces the engine's time source.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = func() time.Time { return now().UTC() }
	return e
}

// HashToken returns the lookup hash stored for a raw refresh token.
func (e *Engine) HashToken(raw string) string {
	return hashTokenWithPepper(raw, e.cfg.RefreshTokenPepper)
}

func (e *Engine) storeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if e.cfg.StoreTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, e.cfg.StoreTimeout)
}

// IssueTokenPair mints an access/refresh pair for claims. An empty
// existingFamilyID starts a new family (fresh login). A non-empty one must
// name a family owned by claims.UserID; its live record, if any, is rotated
// out in favour of the new one.
func (e *Engine) IssueTokenPair(ctx context.Context, claims Claims, device domain.DeviceMeta, existingFamilyID string) (pair *TokenPair, err error) {
	ctx, span := tracing.Start(ctx, "auth.IssueTokenPair", tracing.UserID(claims.UserID))
	defer func() { tracing.End(span, err) }()

	if claims.UserID == 0 {
		return nil, ErrUnauthorized
	}
	familyID := existingFamilyID
	if familyID == "" {
		familyID = uuid.NewString()
	}
	span.SetAttributes(tracing.FamilyID(familyID))

	ctx, cancel := e.storeContext(ctx)
	defer cancel()

	minted, err := e.mint(claims)
	if err != nil {
		return nil, err
	}

	var superseded int64
	err = e.locker.WithUserLock(ctx, e.db, claims.UserID, func(tx *gorm.DB) error {
		tokens := e.tokens.WithTx(tx)
		now := e.now()
		if existingFamilyID != "" {
			var txErr error
			superseded, txErr = e.continueFamily(ctx, tokens, claims.UserID, familyID, minted.hash, now)
			if txErr != nil {
				return txErr
			}
		}
		return e.store(ctx, tokens, claims.UserID, familyID, minted.hash, device, now)
	})
	if err != nil {
		return nil, err
	}

	e.metrics.issued()
	e.metrics.revoked(domain.RevokeReasonRotated, superseded)
	return minted.pair(e.cfg.AccessTTL), nil
}

// continueFamily checks that familyID belongs to userID and revokes its live
// record as rotated into successorHash, so the family keeps a single live
// record. Foreign families look exactly like unknown ones.
func (e *Engine) continueFamily(ctx context.Context, tokens *repository.RefreshTokenRepository, userID int64, familyID, successorHash string, now time.Time) (int64, error) {
	owner, err := tokens.FamilyOwner(ctx, familyID)
	if err != nil {
		if errors.Is(err, repository.ErrRefreshTokenNotFound) {
			return 0, ErrInvalidRefreshToken
		}
		return 0, err
	}
	if owner != userID {
		e.log.Warn("issue into foreign family rejected",
			zap.Int64("user_id", userID),
			zap.Int64("owner_id", owner),
			zap.String("family_id", familyID),
		)
		return 0, ErrInvalidRefreshToken
	}

	live, err := tokens.ActiveInFamily(ctx, familyID, now)
	if err != nil {
		return 0, err
	}
	var n int64
	for _, rec := range live {
		affected, err := tokens.RevokeByID(ctx, rec.ID, domain.RevokeReasonRotated, &successorHash, now)
		if err != nil {
			return 0, err
		}
		n += affected
	}
	return n, nil
}

type mintedCredentials struct {
	access  string
	refresh string
	hash    string
}

func (m mintedCredentials) pair(accessTTL time.Duration) *TokenPair {
	return &TokenPair{
		AccessToken:  m.access,
		RefreshToken: m.refresh,
		ExpiresIn:    int64(accessTTL / time.Second),
		TokenType:    tokenTypeBearer,
	}
}

func (e *Engine) mint(claims Claims) (mintedCredentials, error) {
	access, err := e.creds.Sign(claims.UserID, claims.Role, jwt.TypeAccess, e.cfg.AccessTTL)
	if err != nil {
		return mintedCredentials{}, fmt.Errorf("sign access token: %w", err)
	}
	refresh, err := e.creds.Sign(claims.UserID, claims.Role, jwt.TypeRefresh, e.cfg.RefreshTTL)
	if err != nil {
		return mintedCredentials{}, fmt.Errorf("sign refresh token: %w", err)
	}
	return mintedCredentials{
		access:  access,
		refresh: refresh,
		hash:    e.HashToken(refresh),
	}, nil
}

// store enforces the session quota and inserts the new record. Must run
// under the user lock: the count, the eviction and the insert are one step.
func (e *Engine) store(ctx context.Context, tokens *repository.RefreshTokenRepository, userID int64, familyID, hash string, device domain.DeviceMeta, now time.Time) error {
	others, err := tokens.ActiveFamilies(ctx, userID, familyID, now)
	if err != nil {
		return err
	}

	if excess := len(others) + 1 - e.cfg.MaxSessions; excess > 0 {
		evict := others[:excess]
		n, err := tokens.RevokeFamilies(ctx, evict, domain.RevokeReasonMaxSessionsExceeded, now)
		if err != nil {
			return err
		}
		e.metrics.evicted(len(evict))
		e.metrics.revoked(domain.RevokeReasonMaxSessionsExceeded, n)
		e.log.Warn("evicted sessions over quota",
			zap.Int64("user_id", userID),
			zap.Strings("family_ids", evict),
			zap.Int("max_sessions", e.cfg.MaxSessions),
		)
	}

	return tokens.Create(ctx, &domain.RefreshToken{
		ID:        newRecordID(),
		UserID:    userID,
		TokenHash: hash,
		FamilyID:  familyID,
		UserAgent: nullableString(device.UserAgent),
		IPAddress: nullableString(device.IPAddress),
		CreatedAt: now,
		ExpiresAt: now.Add(e.cfg.RefreshTTL),
	})
}

type refreshOutcome struct {
	kind     string
	pair     *TokenPair
	userID   int64
	familyID string
	revoked  int64
}

// RefreshTokens exchanges a refresh token for a new pair.
//
// A revoked token is a reuse event: every live token of its family is
// revoked and a *ReuseDetectedError is returned. A retried request whose
// first attempt already rotated the token is indistinguishable from a
// stolen-token replay and is treated the same way.
func (e *Engine) RefreshTokens(ctx context.Context, presented string, device domain.DeviceMeta) (pair *TokenPair, err error) {
	ctx, span := tracing.Start(ctx, "auth.RefreshTokens")
	defer func() { tracing.End(span, err) }()

	claims, err := e.creds.Verify(presented, jwt.TypeRefresh)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			e.metrics.refresh(outcomeExpired)
			return nil, ErrRefreshTokenExpired
		}
		e.metrics.refresh(outcomeInvalid)
		return nil, ErrInvalidRefreshToken
	}

	ctx, cancel := e.storeContext(ctx)
	defer cancel()

	hash := e.HashToken(presented)
	// user_id is immutable, so reading it before taking the lock is safe.
	current, err := e.tokens.GetByHash(ctx, hash)
	if err != nil {
		if errors.Is(err, repository.ErrRefreshTokenNotFound) {
			e.metrics.refresh(outcomeInvalid)
			return nil, ErrInvalidRefreshToken
		}
		e.metrics.refresh(outcomeError)
		return nil, err
	}
	span.SetAttributes(tracing.UserID(current.UserID), tracing.FamilyID(current.FamilyID))

	var out refreshOutcome
	err = e.locker.WithUserLock(ctx, e.db, current.UserID, func(tx *gorm.DB) error {
		var txErr error
		out, txErr = e.refreshLocked(ctx, e.tokens.WithTx(tx), hash, presented, claims, device)
		return txErr
	})
	if err != nil {
		e.metrics.refresh(outcomeError)
		return nil, err
	}

	e.metrics.refresh(out.kind)
	switch out.kind {
	case outcomeRotated, outcomeAccessOnly:
		span.SetAttributes(attribute.Bool(tracing.AttrTokenRotated, out.kind == outcomeRotated))
		if out.kind == outcomeRotated {
			e.metrics.issued()
			e.metrics.revoked(domain.RevokeReasonRotated, 1)
		}
		return out.pair, nil
	case outcomeExpired:
		return nil, ErrRefreshTokenExpired
	case outcomeReused:
		span.SetAttributes(attribute.Bool(tracing.AttrTokenReuse, true))
		e.metrics.reuse()
		e.metrics.revoked(domain.RevokeReasonTokenReuseDetected, out.revoked)
		e.log.Warn("refresh token reuse detected",
			zap.Int64("user_id", out.userID),
			zap.String("family_id", out.familyID),
			zap.Int64("revoked", out.revoked),
			zap.String("ip", device.IPAddress),
			zap.String("user_agent", device.UserAgent),
		)
		return nil, &ReuseDetectedError{UserID: out.userID, FamilyID: out.familyID, Revoked: out.revoked}
	default:
		return nil, ErrInvalidRefreshToken
	}
}

// refreshLocked runs inside the user's transaction. Outcomes other than a
// store failure return a nil error so that a reuse cascade is committed.
func (e *Engine) refreshLocked(ctx context.Context, tokens *repository.RefreshTokenRepository, hash, presented string, claims *jwt.Claims, device domain.DeviceMeta) (refreshOutcome, error) {
	rec, err := tokens.GetByHashForUpdate(ctx, hash)
	if err != nil {
		if errors.Is(err, repository.ErrRefreshTokenNotFound) {
			return refreshOutcome{kind: outcomeInvalid}, nil
		}
		return refreshOutcome{}, err
	}

	now := e.now()
	out := refreshOutcome{userID: rec.UserID, familyID: rec.FamilyID}

	if rec.IsRevoked() {
		if !e.cfg.ReuseDetectionEnabled {
			out.kind = outcomeInvalid
			return out, nil
		}
		n, err := tokens.RevokeFamily(ctx, rec.FamilyID, domain.RevokeReasonTokenReuseDetected, now)
		if err != nil {
			return refreshOutcome{}, err
		}
		out.kind = outcomeReused
		out.revoked = n
		return out, nil
	}

	if rec.IsExpired(now) {
		out.kind = outcomeExpired
		return out, nil
	}

	identity := Claims{UserID: rec.UserID, Role: claims.Role}

	if !e.cfg.RotationEnabled {
		access, err := e.creds.Sign(identity.UserID, identity.Role, jwt.TypeAccess, e.cfg.AccessTTL)
		if err != nil {
			return refreshOutcome{}, fmt.Errorf("sign access token: %w", err)
		}
		out.kind = outcomeAccessOnly
		out.pair = mintedCredentials{access: access, refresh: presented}.pair(e.cfg.AccessTTL)
		return out, nil
	}

	minted, err := e.mint(identity)
	if err != nil {
		return refreshOutcome{}, err
	}

	n, err := tokens.RevokeByID(ctx, rec.ID, domain.RevokeReasonRotated, &minted.hash, now)
	if err != nil {
		return refreshOutcome{}, err
	}
	if n != 1 {
		// Revoked by a writer that does not take the user lock; nothing
		// was rotated, so do not hand out a successor.
		out.kind = outcomeInvalid
		return out, nil
	}

	if device.UserAgent == "" && device.IPAddress == "" {
		device = domain.DeviceMeta{UserAgent: deref(rec.UserAgent), IPAddress: deref(rec.IPAddress)}
	}
	if err := e.store(ctx, tokens, rec.UserID, rec.FamilyID, minted.hash, device, now); err != nil {
		return refreshOutcome{}, err
	}

	out.kind = outcomeRotated
	out.pair = minted.pair(e.cfg.AccessTTL)
	return out, nil
}

// RevokeToken revokes a single refresh token on logout. It returns false if
// the token is unknown or already revoked.
func (e *Engine) RevokeToken(ctx context.Context, token string) (revoked bool, err error) {
	ctx, span := tracing.Start(ctx, "auth.RevokeToken")
	defer func() { tracing.End(span, err) }()

	ctx, cancel := e.storeContext(ctx)
	defer cancel()

	hash := e.HashToken(token)
	rec, err := e.tokens.GetByHash(ctx, hash)
	if err != nil {
		if errors.Is(err, repository.ErrRefreshTokenNotFound) {
			return false, nil
		}
		return false, err
	}
	if rec.IsRevoked() {
		return false, nil
	}

	var n int64
	err = e.locker.WithUserLock(ctx, e.db, rec.UserID, func(tx *gorm.DB) error {
		var txErr error
		n, txErr = e.tokens.WithTx(tx).RevokeByID(ctx, rec.ID, domain.RevokeReasonUserLogout, nil, e.now())
		return txErr
	})
	if err != nil {
		return false, err
	}

	e.metrics.revoked(domain.RevokeReasonUserLogout, n)
	return n == 1, nil
}

// RevokeFamily revokes every live token of a family and returns how many
// rows changed.
func (e *Engine) RevokeFamily(ctx context.Context, familyID string, reason domain.RevokeReason) (count int64, err error) {
	ctx, span := tracing.Start(ctx, "auth.RevokeFamily",
		tracing.FamilyID(familyID),
		attribute.String(tracing.AttrRevokeReason, string(reason)),
	)
	defer func() { tracing.End(span, err) }()

	if !reason.Valid() {
		return 0, ErrInvalidRevokeReason
	}

	ctx, cancel := e.storeContext(ctx)
	defer cancel()

	userID, err := e.tokens.FamilyOwner(ctx, familyID)
	if err != nil {
		if errors.Is(err, repository.ErrRefreshTokenNotFound) {
			return 0, nil
		}
		return 0, err
	}

	err = e.locker.WithUserLock(ctx, e.db, userID, func(tx *gorm.DB) error {
		var txErr error
		count, txErr = e.tokens.WithTx(tx).RevokeFamily(ctx, familyID, reason, e.now())
		return txErr
	})
	if err != nil {
		return 0, err
	}

	span.SetAttributes(attribute.Int64(tracing.AttrAffected, count))
	e.metrics.revoked(reason, count)
	return count, nil
}

// RevokeAllUserTokens revokes every live token of every family of userID.
func (e *Engine) RevokeAllUserTokens(ctx context.Context, userID int64, reason domain.RevokeReason) (count int64, err error) {
	ctx, span := tracing.Start(ctx, "auth.RevokeAllUserTokens",
		tracing.UserID(userID),
		attribute.String(tracing.AttrRevokeReason, string(reason)),
	)
	defer func() { tracing.End(span, err) }()

	if !reason.Valid() {
		return 0, ErrInvalidRevokeReason
	}

	ctx, cancel := e.storeContext(ctx)
	defer cancel()

	err = e.locker.WithUserLock(ctx, e.db, userID, func(tx *gorm.DB) error {
		var txErr error
		count, txErr = e.tokens.WithTx(tx).RevokeByUser(ctx, userID, reason, e.now())
		return txErr
	})
	if err != nil {
		return 0, err
	}

	span.SetAttributes(attribute.Int64(tracing.AttrAffected, count))
	e.metrics.revoked(reason, count)
	return count, nil
}

// RevokeSession revokes one of userID's own sessions. Families that belong
// to someone else look exactly like unknown ones.
func (e *Engine) RevokeSession(ctx context.Context, userID int64, familyID string) (revoked bool, err error) {
	ctx, span := tracing.Start(ctx, "auth.RevokeSession", tracing.UserID(userID), tracing.FamilyID(familyID))
	defer func() { tracing.End(span, err) }()

	ctx, cancel := e.storeContext(ctx)
	defer cancel()

	var n int64
	err = e.locker.WithUserLock(ctx, e.db, userID, func(tx *gorm.DB) error {
		var txErr error
		n, txErr = e.tokens.WithTx(tx).RevokeUserFamily(ctx, userID, familyID, domain.RevokeReasonUserRevokeSession, e.now())
		return txErr
	})
	if err != nil {
		return false, err
	}

	e.metrics.revoked(domain.RevokeReasonUserRevokeSession, n)
	return n > 0, nil
}

// newRecordID returns a time-ordered id so that records created within the
// same clock tick still sort in insertion order.
func newRecordID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

func hashTokenWithPepper(raw, pepper string) string {
	sum := sha256.Sum256([]byte(raw + pepper))
	return hex.EncodeToString(sum[:])
}

func nullableString(v string) *string {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil
	}
	return &v
}

func deref(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}
