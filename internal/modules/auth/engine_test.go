package auth

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"authsession/internal/database"
	"authsession/internal/domain"
	"authsession/internal/pkg/jwt"
	"authsession/internal/repository"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
	"gorm.io/gorm"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type engineFixture struct {
	db      *gorm.DB
	engine  *Engine
	tokens  *repository.RefreshTokenRepository
	creds   *jwt.Service
	clock   *testClock
	metrics *Metrics
	logs    *observer.ObservedLogs
}

func defaultEngineConfig() EngineConfig {
	return EngineConfig{
		AccessTTL:             15 * time.Minute,
		RefreshTTL:            24 * time.Hour,
		MaxSessions:           5,
		RotationEnabled:       true,
		ReuseDetectionEnabled: true,
		RetentionWindow:       24 * time.Hour,
		StoreTimeout:          5 * time.Second,
		RefreshTokenPepper:    "test-pepper",
	}
}

func newEngineFixture(t *testing.T, mutate ...func(*EngineConfig)) *engineFixture {
	t.Helper()

	db, err := database.Connect(":memory:", zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, database.Migrate(db))
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})

	cfg := defaultEngineConfig()
	for _, m := range mutate {
		m(&cfg)
	}

	clock := &testClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	creds := jwt.New("test-secret", cfg.AccessTTL, cfg.RefreshTTL).WithClock(clock.Now)
	tokens := repository.NewRefreshTokenRepository(db)
	metrics := NewMetrics(prometheus.NewRegistry())
	core, logs := observer.New(zap.InfoLevel)

	engine := NewEngine(db, tokens, repository.NewLocalLocker(), creds, cfg, zap.New(core), metrics).
		WithClock(clock.Now)

	return &engineFixture{
		db:      db,
		engine:  engine,
		tokens:  tokens,
		creds:   creds,
		clock:   clock,
		metrics: metrics,
		logs:    logs,
	}
}

func (f *engineFixture) login(t *testing.T, userID int64, ua string) *TokenPair {
	t.Helper()
	pair, err := f.engine.IssueTokenPair(context.Background(), Claims{UserID: userID, Role: "client"},
		domain.DeviceMeta{UserAgent: ua, IPAddress: "10.0.0.1"}, "")
	require.NoError(t, err)
	return pair
}

func (f *engineFixture) record(t *testing.T, raw string) *domain.RefreshToken {
	t.Helper()
	rec, err := f.tokens.GetByHash(context.Background(), f.engine.HashToken(raw))
	require.NoError(t, err)
	return rec
}

func (f *engineFixture) family(t *testing.T, familyID string) []domain.RefreshToken {
	t.Helper()
	var rows []domain.RefreshToken
	require.NoError(t, f.db.Where("family_id = ?", familyID).Order("created_at ASC").Find(&rows).Error)
	return rows
}

func (f *engineFixture) activeCount(t *testing.T, userID int64) int {
	t.Helper()
	rows, err := f.tokens.ActiveByUser(context.Background(), userID, f.clock.Now())
	require.NoError(t, err)
	return len(rows)
}

func TestIssueTokenPair_StartsNewFamily(t *testing.T) {
	f := newEngineFixture(t)

	pair := f.login(t, 1, "firefox")

	assert.NotEmpty(t, pair.AccessToken)
	assert.NotEmpty(t, pair.RefreshToken)
	assert.Equal(t, "Bearer", pair.TokenType)
	assert.Equal(t, int64(900), pair.ExpiresIn)

	rec := f.record(t, pair.RefreshToken)
	assert.Equal(t, int64(1), rec.UserID)
	assert.NotEmpty(t, rec.FamilyID)
	assert.True(t, rec.IsActive(f.clock.Now()))
	assert.True(t, f.clock.Now().Add(24*time.Hour).Equal(rec.ExpiresAt))
	require.NotNil(t, rec.UserAgent)
	assert.Equal(t, "firefox", *rec.UserAgent)
	assert.NotEqual(t, pair.RefreshToken, rec.TokenHash)
	assert.Len(t, rec.TokenHash, 64)

	claims, err := f.creds.Verify(pair.AccessToken, jwt.TypeAccess)
	require.NoError(t, err)
	assert.Equal(t, int64(1), claims.UserID)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.TokensIssued))
}

func TestIssueTokenPair_RejectsAnonymous(t *testing.T) {
	f := newEngineFixture(t)

	_, err := f.engine.IssueTokenPair(context.Background(), Claims{}, domain.DeviceMeta{}, "")
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestIssueTokenPair_SameSecondTokensAreUnique(t *testing.T) {
	f := newEngineFixture(t)

	a := f.login(t, 1, "a")
	b := f.login(t, 1, "b")

	assert.NotEqual(t, a.RefreshToken, b.RefreshToken)
	assert.NotEqual(t, f.record(t, a.RefreshToken).FamilyID, f.record(t, b.RefreshToken).FamilyID)
	assert.Equal(t, 2, f.activeCount(t, 1))
}

func (f *engineFixture) activeInFamily(t *testing.T, familyID string) int {
	t.Helper()
	n := 0
	for _, row := range f.family(t, familyID) {
		if row.IsActive(f.clock.Now()) {
			n++
		}
	}
	return n
}

func TestIssueTokenPair_ExistingFamily(t *testing.T) {
	tests := []struct {
		name      string
		userID    int64
		family    func(familyID string) string
		logoutOld bool
		wantErr   error
	}{
		{name: "own family with live record", userID: 1, family: func(id string) string { return id }},
		{name: "own family without live record", userID: 1, family: func(id string) string { return id }, logoutOld: true},
		{name: "foreign family", userID: 2, family: func(id string) string { return id }, wantErr: ErrInvalidRefreshToken},
		{name: "unknown family", userID: 1, family: func(string) string { return "no-such-family" }, wantErr: ErrInvalidRefreshToken},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newEngineFixture(t)
			old := f.login(t, 1, "web")
			familyID := f.record(t, old.RefreshToken).FamilyID
			if tt.logoutOld {
				revoked, err := f.engine.RevokeToken(context.Background(), old.RefreshToken)
				require.NoError(t, err)
				require.True(t, revoked)
			}
			f.clock.Advance(time.Second)

			pair, err := f.engine.IssueTokenPair(context.Background(), Claims{UserID: tt.userID, Role: "client"},
				domain.DeviceMeta{}, tt.family(familyID))

			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				assert.Nil(t, pair)
				assert.Equal(t, 0, f.activeCount(t, 2))
			} else {
				require.NoError(t, err)
				rec := f.record(t, pair.RefreshToken)
				assert.Equal(t, familyID, rec.FamilyID)
				assert.True(t, rec.IsActive(f.clock.Now()))
			}

			for _, row := range f.family(t, familyID) {
				assert.Equal(t, int64(1), row.UserID)
			}
			assert.LessOrEqual(t, f.activeInFamily(t, familyID), 1)

			if tt.wantErr == nil && !tt.logoutOld {
				prev := f.record(t, old.RefreshToken)
				require.NotNil(t, prev.RevokedReason)
				assert.Equal(t, domain.RevokeReasonRotated, *prev.RevokedReason)
				require.NotNil(t, prev.ReplacedByToken)
				assert.Equal(t, f.engine.HashToken(pair.RefreshToken), *prev.ReplacedByToken)
			}
			if tt.wantErr != nil {
				assert.True(t, f.record(t, old.RefreshToken).IsActive(f.clock.Now()))
			}
		})
	}
}

func TestRefreshTokens_RotatesWithinFamily(t *testing.T) {
	f := newEngineFixture(t)
	first := f.login(t, 7, "firefox")
	f.clock.Advance(time.Minute)

	second, err := f.engine.RefreshTokens(context.Background(), first.RefreshToken, domain.DeviceMeta{UserAgent: "chrome", IPAddress: "10.0.0.2"})
	require.NoError(t, err)
	require.NotEqual(t, first.RefreshToken, second.RefreshToken)

	old := f.record(t, first.RefreshToken)
	next := f.record(t, second.RefreshToken)

	require.NotNil(t, old.RevokedAt)
	require.NotNil(t, old.RevokedReason)
	assert.Equal(t, domain.RevokeReasonRotated, *old.RevokedReason)
	require.NotNil(t, old.ReplacedByToken)
	assert.Equal(t, next.TokenHash, *old.ReplacedByToken)

	assert.Equal(t, old.FamilyID, next.FamilyID)
	assert.True(t, next.IsActive(f.clock.Now()))
	require.NotNil(t, next.UserAgent)
	assert.Equal(t, "chrome", *next.UserAgent)

	// exactly one live record per active family
	assert.Equal(t, 1, f.activeCount(t, 7))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.TokenRefresh.WithLabelValues(outcomeRotated)))
}

func TestRefreshTokens_InheritsDeviceMeta(t *testing.T) {
	f := newEngineFixture(t)
	first := f.login(t, 7, "firefox")

	second, err := f.engine.RefreshTokens(context.Background(), first.RefreshToken, domain.DeviceMeta{})
	require.NoError(t, err)

	next := f.record(t, second.RefreshToken)
	require.NotNil(t, next.UserAgent)
	assert.Equal(t, "firefox", *next.UserAgent)
	require.NotNil(t, next.IPAddress)
	assert.Equal(t, "10.0.0.1", *next.IPAddress)
}

func TestRefreshTokens_ChainStaysLinear(t *testing.T) {
	f := newEngineFixture(t)
	current := f.login(t, 3, "cli").RefreshToken
	familyID := f.record(t, current).FamilyID

	for i := 0; i < 4; i++ {
		f.clock.Advance(time.Second)
		pair, err := f.engine.RefreshTokens(context.Background(), current, domain.DeviceMeta{})
		require.NoError(t, err)
		current = pair.RefreshToken
	}

	rows := f.family(t, familyID)
	require.Len(t, rows, 5)
	for i, row := range rows[:4] {
		require.NotNil(t, row.ReplacedByToken, "row %d", i)
		assert.Equal(t, rows[i+1].TokenHash, *row.ReplacedByToken)
		assert.Equal(t, domain.RevokeReasonRotated, *row.RevokedReason)
	}
	assert.Nil(t, rows[4].RevokedAt)
}

func TestRefreshTokens_ReuseRevokesWholeFamily(t *testing.T) {
	f := newEngineFixture(t)
	t1 := f.login(t, 9, "phone")
	other := f.login(t, 9, "laptop")
	f.clock.Advance(time.Minute)

	t2, err := f.engine.RefreshTokens(context.Background(), t1.RefreshToken, domain.DeviceMeta{})
	require.NoError(t, err)

	_, err = f.engine.RefreshTokens(context.Background(), t1.RefreshToken, domain.DeviceMeta{IPAddress: "203.0.113.5"})
	require.Error(t, err)
	assert.True(t, IsSecurityAlert(err))
	assert.ErrorIs(t, err, ErrRefreshTokenReused)

	var reuse *ReuseDetectedError
	require.True(t, errors.As(err, &reuse))
	assert.Equal(t, int64(9), reuse.UserID)
	assert.Equal(t, int64(1), reuse.Revoked)

	successor := f.record(t, t2.RefreshToken)
	require.NotNil(t, successor.RevokedReason)
	assert.Equal(t, domain.RevokeReasonTokenReuseDetected, *successor.RevokedReason)
	assert.Equal(t, reuse.FamilyID, successor.FamilyID)

	// the successor is now revoked, so it fails too
	_, err = f.engine.RefreshTokens(context.Background(), t2.RefreshToken, domain.DeviceMeta{})
	assert.True(t, IsSecurityAlert(err))

	// other families are untouched
	assert.True(t, f.record(t, other.RefreshToken).IsActive(f.clock.Now()))

	assert.Equal(t, 2.0, testutil.ToFloat64(f.metrics.ReuseDetected))
	require.GreaterOrEqual(t, f.logs.FilterMessage("refresh token reuse detected").Len(), 1)
	entry := f.logs.FilterMessage("refresh token reuse detected").All()[0]
	assert.Equal(t, reuse.FamilyID, entry.ContextMap()["family_id"])
}

func TestRefreshTokens_LogoutTokenReplayIsReuse(t *testing.T) {
	f := newEngineFixture(t)
	pair := f.login(t, 4, "web")

	revoked, err := f.engine.RevokeToken(context.Background(), pair.RefreshToken)
	require.NoError(t, err)
	require.True(t, revoked)

	_, err = f.engine.RefreshTokens(context.Background(), pair.RefreshToken, domain.DeviceMeta{})
	assert.True(t, IsSecurityAlert(err))
	assert.Equal(t, int64(0), err.(*ReuseDetectedError).Revoked)
}

func TestRefreshTokens_ExpiredCredential(t *testing.T) {
	f := newEngineFixture(t)
	pair := f.login(t, 5, "web")

	f.clock.Advance(25 * time.Hour)

	_, err := f.engine.RefreshTokens(context.Background(), pair.RefreshToken, domain.DeviceMeta{})
	assert.ErrorIs(t, err, ErrRefreshTokenExpired)
	assert.False(t, IsSecurityAlert(err))
	assert.Nil(t, f.record(t, pair.RefreshToken).RevokedAt)
}

func TestRefreshTokens_ExpiredRecord(t *testing.T) {
	f := newEngineFixture(t)
	pair := f.login(t, 5, "web")
	rec := f.record(t, pair.RefreshToken)

	require.NoError(t, f.db.Model(&domain.RefreshToken{}).
		Where("id = ?", rec.ID).
		Update("expires_at", f.clock.Now().Add(-time.Second)).Error)

	_, err := f.engine.RefreshTokens(context.Background(), pair.RefreshToken, domain.DeviceMeta{})
	assert.ErrorIs(t, err, ErrRefreshTokenExpired)

	// expiry is never written back as a revocation
	assert.Nil(t, f.record(t, pair.RefreshToken).RevokedAt)
	assert.Len(t, f.family(t, rec.FamilyID), 1)
}

func TestRefreshTokens_Invalid(t *testing.T) {
	f := newEngineFixture(t)
	pair := f.login(t, 5, "web")

	unknown, err := f.creds.GenerateRefreshToken(5, "client")
	require.NoError(t, err)
	foreign, err := jwt.New("other-secret", time.Minute, time.Hour).GenerateRefreshToken(5, "client")
	require.NoError(t, err)

	tests := []struct {
		name  string
		token string
	}{
		{name: "garbage", token: "not-a-token"},
		{name: "empty", token: ""},
		{name: "access token", token: pair.AccessToken},
		{name: "wrong signature", token: foreign},
		{name: "never stored", token: unknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.engine.RefreshTokens(context.Background(), tt.token, domain.DeviceMeta{})
			assert.ErrorIs(t, err, ErrInvalidRefreshToken)
			assert.False(t, IsSecurityAlert(err))
		})
	}

	assert.True(t, f.record(t, pair.RefreshToken).IsActive(f.clock.Now()))
}

func TestRefreshTokens_RotationDisabled(t *testing.T) {
	f := newEngineFixture(t, func(c *EngineConfig) { c.RotationEnabled = false })
	pair := f.login(t, 2, "web")
	f.clock.Advance(time.Minute)

	next, err := f.engine.RefreshTokens(context.Background(), pair.RefreshToken, domain.DeviceMeta{})
	require.NoError(t, err)

	assert.Equal(t, pair.RefreshToken, next.RefreshToken)
	assert.NotEqual(t, pair.AccessToken, next.AccessToken)
	rec := f.record(t, pair.RefreshToken)
	assert.Nil(t, rec.RevokedAt)
	assert.Len(t, f.family(t, rec.FamilyID), 1)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.TokenRefresh.WithLabelValues(outcomeAccessOnly)))
}

func TestRefreshTokens_ReuseDetectionDisabled(t *testing.T) {
	f := newEngineFixture(t, func(c *EngineConfig) { c.ReuseDetectionEnabled = false })
	t1 := f.login(t, 2, "web")

	t2, err := f.engine.RefreshTokens(context.Background(), t1.RefreshToken, domain.DeviceMeta{})
	require.NoError(t, err)

	_, err = f.engine.RefreshTokens(context.Background(), t1.RefreshToken, domain.DeviceMeta{})
	assert.ErrorIs(t, err, ErrInvalidRefreshToken)
	assert.False(t, IsSecurityAlert(err))

	assert.True(t, f.record(t, t2.RefreshToken).IsActive(f.clock.Now()))
	assert.Equal(t, 0.0, testutil.ToFloat64(f.metrics.ReuseDetected))
}

func TestRefreshTokens_FailsClosedOnStoreError(t *testing.T) {
	f := newEngineFixture(t)
	pair := f.login(t, 2, "web")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.engine.RefreshTokens(ctx, pair.RefreshToken, domain.DeviceMeta{})
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrInvalidRefreshToken)
	assert.False(t, IsSecurityAlert(err))

	assert.True(t, f.record(t, pair.RefreshToken).IsActive(f.clock.Now()))
	assert.Equal(t, 1, f.activeCount(t, 2))
}

func TestSessionQuota_EvictsOldest(t *testing.T) {
	f := newEngineFixture(t, func(c *EngineConfig) { c.MaxSessions = 2 })

	first := f.login(t, 11, "one")
	f.clock.Advance(time.Second)
	second := f.login(t, 11, "two")
	f.clock.Advance(time.Second)
	third := f.login(t, 11, "three")

	evicted := f.record(t, first.RefreshToken)
	require.NotNil(t, evicted.RevokedReason)
	assert.Equal(t, domain.RevokeReasonMaxSessionsExceeded, *evicted.RevokedReason)
	assert.True(t, f.record(t, second.RefreshToken).IsActive(f.clock.Now()))
	assert.True(t, f.record(t, third.RefreshToken).IsActive(f.clock.Now()))
	assert.Equal(t, 2, f.activeCount(t, 11))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.SessionEvicted))
	assert.Equal(t, 1, f.logs.FilterMessage("evicted sessions over quota").Len())

	// other users are not affected by this user's quota
	f.login(t, 12, "elsewhere")
	assert.Equal(t, 1, f.activeCount(t, 12))
}

func TestSessionQuota_EvictsOldestWithinSameTick(t *testing.T) {
	f := newEngineFixture(t, func(c *EngineConfig) { c.MaxSessions = 2 })

	// clock frozen: all three records share created_at
	first := f.login(t, 13, "one")
	second := f.login(t, 13, "two")
	third := f.login(t, 13, "three")

	evicted := f.record(t, first.RefreshToken)
	require.NotNil(t, evicted.RevokedReason)
	assert.Equal(t, domain.RevokeReasonMaxSessionsExceeded, *evicted.RevokedReason)
	assert.True(t, f.record(t, second.RefreshToken).IsActive(f.clock.Now()))
	assert.True(t, f.record(t, third.RefreshToken).IsActive(f.clock.Now()))
}

func TestSessionQuota_RotationDoesNotEvict(t *testing.T) {
	f := newEngineFixture(t, func(c *EngineConfig) { c.MaxSessions = 2 })

	first := f.login(t, 11, "one")
	f.clock.Advance(time.Second)
	second := f.login(t, 11, "two")
	f.clock.Advance(time.Second)

	_, err := f.engine.RefreshTokens(context.Background(), first.RefreshToken, domain.DeviceMeta{})
	require.NoError(t, err)

	assert.True(t, f.record(t, second.RefreshToken).IsActive(f.clock.Now()))
	assert.Equal(t, 2, f.activeCount(t, 11))
	assert.Equal(t, 0.0, testutil.ToFloat64(f.metrics.SessionEvicted))
}

func TestSessionQuota_ConcurrentLogins(t *testing.T) {
	f := newEngineFixture(t, func(c *EngineConfig) { c.MaxSessions = 3 })

	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.engine.IssueTokenPair(context.Background(), Claims{UserID: 21, Role: "client"}, domain.DeviceMeta{}, "")
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}
	assert.Equal(t, 3, f.activeCount(t, 21))
}

func TestRefreshTokens_ConcurrentRotationOfSameToken(t *testing.T) {
	f := newEngineFixture(t)
	pair := f.login(t, 31, "web")
	familyID := f.record(t, pair.RefreshToken).FamilyID

	const attempts = 2
	var wg sync.WaitGroup
	results := make(chan error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.engine.RefreshTokens(context.Background(), pair.RefreshToken, domain.DeviceMeta{})
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	var ok, alerts int
	for err := range results {
		switch {
		case err == nil:
			ok++
		case IsSecurityAlert(err):
			alerts++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, alerts)

	// the loser's replay took the winner's successor down with it
	for _, row := range f.family(t, familyID) {
		assert.NotNil(t, row.RevokedAt)
	}
}

func TestRefreshTokens_ConcurrentReplayOfRevokedToken(t *testing.T) {
	f := newEngineFixture(t)
	t1 := f.login(t, 41, "web")
	t2, err := f.engine.RefreshTokens(context.Background(), t1.RefreshToken, domain.DeviceMeta{})
	require.NoError(t, err)

	const attempts = 4
	var wg sync.WaitGroup
	results := make(chan error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.engine.RefreshTokens(context.Background(), t1.RefreshToken, domain.DeviceMeta{})
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	var revoked int64
	for err := range results {
		require.True(t, IsSecurityAlert(err), "got %v", err)
		revoked += err.(*ReuseDetectedError).Revoked
	}
	// the cascade is applied once; later replays find nothing left to revoke
	assert.Equal(t, int64(1), revoked)
	assert.Equal(t, domain.RevokeReasonTokenReuseDetected, *f.record(t, t2.RefreshToken).RevokedReason)
}

func TestRevokeToken(t *testing.T) {
	f := newEngineFixture(t)
	pair := f.login(t, 51, "web")

	revoked, err := f.engine.RevokeToken(context.Background(), pair.RefreshToken)
	require.NoError(t, err)
	assert.True(t, revoked)

	rec := f.record(t, pair.RefreshToken)
	require.NotNil(t, rec.RevokedReason)
	assert.Equal(t, domain.RevokeReasonUserLogout, *rec.RevokedReason)

	revoked, err = f.engine.RevokeToken(context.Background(), pair.RefreshToken)
	require.NoError(t, err)
	assert.False(t, revoked)

	revoked, err = f.engine.RevokeToken(context.Background(), "unknown")
	require.NoError(t, err)
	assert.False(t, revoked)
}

func TestRevokeFamily(t *testing.T) {
	f := newEngineFixture(t)
	pair := f.login(t, 61, "web")
	familyID := f.record(t, pair.RefreshToken).FamilyID

	_, err := f.engine.RevokeFamily(context.Background(), familyID, domain.RevokeReason("because"))
	assert.ErrorIs(t, err, ErrInvalidRevokeReason)

	count, err := f.engine.RevokeFamily(context.Background(), "no-such-family", domain.RevokeReasonUserRevokeSession)
	require.NoError(t, err)
	assert.Equal(t, int64(0), count)

	count, err = f.engine.RevokeFamily(context.Background(), familyID, domain.RevokeReasonUserRevokeSession)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	count, err = f.engine.RevokeFamily(context.Background(), familyID, domain.RevokeReasonUserRevokeSession)
	require.NoError(t, err)
	assert.Equal(t, int64(0), count)
}

func TestRevokeAllUserTokens(t *testing.T) {
	f := newEngineFixture(t)
	a := f.login(t, 71, "a")
	f.login(t, 71, "b")
	keep := f.login(t, 72, "c")

	_, err := f.engine.RevokeAllUserTokens(context.Background(), 71, domain.RevokeReason(""))
	assert.ErrorIs(t, err, ErrInvalidRevokeReason)

	count, err := f.engine.RevokeAllUserTokens(context.Background(), 71, domain.RevokeReasonUserRevokeAll)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)
	assert.Equal(t, 0, f.activeCount(t, 71))
	assert.Equal(t, domain.RevokeReasonUserRevokeAll, *f.record(t, a.RefreshToken).RevokedReason)
	assert.True(t, f.record(t, keep.RefreshToken).IsActive(f.clock.Now()))
	assert.Equal(t, 2.0, testutil.ToFloat64(f.metrics.TokensRevoked.WithLabelValues(string(domain.RevokeReasonUserRevokeAll))))
}

func TestRevokeSession_ChecksOwnership(t *testing.T) {
	f := newEngineFixture(t)
	mine := f.login(t, 81, "mine")
	theirs := f.login(t, 82, "theirs")
	theirFamily := f.record(t, theirs.RefreshToken).FamilyID

	revoked, err := f.engine.RevokeSession(context.Background(), 81, theirFamily)
	require.NoError(t, err)
	assert.False(t, revoked)
	assert.True(t, f.record(t, theirs.RefreshToken).IsActive(f.clock.Now()))

	revoked, err = f.engine.RevokeSession(context.Background(), 81, f.record(t, mine.RefreshToken).FamilyID)
	require.NoError(t, err)
	assert.True(t, revoked)
	assert.Equal(t, domain.RevokeReasonUserRevokeSession, *f.record(t, mine.RefreshToken).RevokedReason)
}

func TestListUserSessions(t *testing.T) {
	f := newEngineFixture(t)
	first := f.login(t, 91, "first")
	f.clock.Advance(time.Second)
	second := f.login(t, 91, "second")
	f.clock.Advance(time.Second)
	rotated, err := f.engine.RefreshTokens(context.Background(), first.RefreshToken, domain.DeviceMeta{})
	require.NoError(t, err)

	sessions, err := f.engine.ListUserSessions(context.Background(), 91, f.engine.HashToken(second.RefreshToken))
	require.NoError(t, err)
	require.Len(t, sessions, 2)

	// ordered by the live record's creation time
	assert.Equal(t, "second", sessions[0].UserAgent)
	assert.True(t, sessions[0].IsCurrentSession)
	assert.Equal(t, "first", sessions[1].UserAgent)
	assert.False(t, sessions[1].IsCurrentSession)
	assert.Equal(t, f.record(t, rotated.RefreshToken).FamilyID, sessions[1].FamilyID)

	sessions, err = f.engine.ListUserSessions(context.Background(), 91, "")
	require.NoError(t, err)
	for _, s := range sessions {
		assert.False(t, s.IsCurrentSession)
	}

	sessions, err = f.engine.ListUserSessions(context.Background(), 999, "")
	require.NoError(t, err)
	assert.Empty(t, sessions)
}

func TestCleanupExpiredTokens(t *testing.T) {
	f := newEngineFixture(t, func(c *EngineConfig) {
		c.RefreshTTL = time.Hour
		c.RetentionWindow = 24 * time.Hour
	})

	f.login(t, 101, "expires")
	revoked := f.login(t, 101, "revoked")
	_, err := f.engine.RevokeToken(context.Background(), revoked.RefreshToken)
	require.NoError(t, err)

	f.clock.Advance(30 * time.Hour)
	fresh := f.login(t, 101, "fresh")
	recent := f.login(t, 101, "recently revoked")
	_, err = f.engine.RevokeToken(context.Background(), recent.RefreshToken)
	require.NoError(t, err)

	deleted, err := f.engine.CleanupExpiredTokens(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), deleted)

	var remaining int64
	require.NoError(t, f.db.Model(&domain.RefreshToken{}).Where("user_id = ?", 101).Count(&remaining).Error)
	assert.Equal(t, int64(2), remaining)
	assert.True(t, f.record(t, fresh.RefreshToken).IsActive(f.clock.Now()))
	assert.Equal(t, 2.0, testutil.ToFloat64(f.metrics.TokensCleaned))

	// a replay of a deleted token is unknown, not reuse
	f.clock.Advance(-30 * time.Hour)
	_, err = f.engine.RefreshTokens(context.Background(), revoked.RefreshToken, domain.DeviceMeta{})
	assert.ErrorIs(t, err, ErrInvalidRefreshToken)
}
