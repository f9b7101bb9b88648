package repository

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

var ErrLockTimeout = errors.New("session lock not acquired")

// UserLocker runs fn inside a single transaction while holding an exclusive
// per-user lock. Calls for different users never block each other.
//
// Implementations always take the user lock before any row lock so the
// quota path (login) and the rotation path (refresh) cannot deadlock.
type UserLocker interface {
	WithUserLock(ctx context.Context, db *gorm.DB, userID int64, fn func(tx *gorm.DB) error) error
}

// PostgresAdvisoryLocker uses a transaction-scoped advisory lock, released
// by PostgreSQL on commit or rollback.
type PostgresAdvisoryLocker struct{}

func NewPostgresAdvisoryLocker() *PostgresAdvisoryLocker {
	return &PostgresAdvisoryLocker{}
}

func (PostgresAdvisoryLocker) WithUserLock(ctx context.Context, db *gorm.DB, userID int64, fn func(tx *gorm.DB) error) error {
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Exec("SELECT pg_advisory_xact_lock(?)", advisoryKey(userID)).Error; err != nil {
			return fmt.Errorf("acquire advisory lock: %w", err)
		}
		return fn(tx)
	})
}

func advisoryKey(userID int64) int64 {
	h := fnv.New64a()
	_, _ = fmt.Fprintf(h, "authsession:refresh_tokens:user:%d", userID)
	return int64(h.Sum64())
}

// LocalLocker is an in-process keyed mutex. It is only correct when a single
// process writes to the store (SQLite, local development, tests).
type LocalLocker struct {
	mu    sync.Mutex
	locks map[int64]*localLock
}

type localLock struct {
	ch   chan struct{}
	refs int
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{locks: make(map[int64]*localLock)}
}

func (l *LocalLocker) WithUserLock(ctx context.Context, db *gorm.DB, userID int64, fn func(tx *gorm.DB) error) error {
	release, err := l.acquire(ctx, userID)
	if err != nil {
		return err
	}
	defer release()

	return db.WithContext(ctx).Transaction(fn)
}

func (l *LocalLocker) acquire(ctx context.Context, userID int64) (func(), error) {
	l.mu.Lock()
	lk, ok := l.locks[userID]
	if !ok {
		lk = &localLock{ch: make(chan struct{}, 1)}
		l.locks[userID] = lk
	}
	lk.refs++
	l.mu.Unlock()

	select {
	case lk.ch <- struct{}{}:
	case <-ctx.Done():
		l.unref(userID, lk)
		return nil, fmt.Errorf("%w: %v", ErrLockTimeout, ctx.Err())
	}

	return func() {
		<-lk.ch
		l.unref(userID, lk)
	}, nil
}

func (l *LocalLocker) unref(userID int64, lk *localLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	lk.refs--
	if lk.refs == 0 {
		delete(l.locks, userID)
	}
}

const releaseLockScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`

var releaseLockLua = redis.NewScript(releaseLockScript)

// RedisLocker is a distributed lock for deployments with several replicas
// on a store without advisory locks. The TTL must outlive the store timeout.
type RedisLocker struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
	retry  time.Duration
}

func NewRedisLocker(client redis.UniversalClient, ttl time.Duration) *RedisLocker {
	return &RedisLocker{
		client: client,
		prefix: "authsession:lock:user:",
		ttl:    ttl,
		retry:  25 * time.Millisecond,
	}
}

func (l *RedisLocker) WithUserLock(ctx context.Context, db *gorm.DB, userID int64, fn func(tx *gorm.DB) error) error {
	key := fmt.Sprintf("%s%d", l.prefix, userID)
	owner := uuid.NewString()

	if err := l.acquire(ctx, key, owner); err != nil {
		return err
	}
	defer func() {
		// Release on a fresh context: ctx may already be done.
		rctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = releaseLockLua.Run(rctx, l.client, []string{key}, owner).Err()
	}()

	return db.WithContext(ctx).Transaction(fn)
}

func (l *RedisLocker) acquire(ctx context.Context, key, owner string) error {
	ticker := time.NewTicker(l.retry)
	defer ticker.Stop()

	for {
		ok, err := l.client.SetNX(ctx, key, owner, l.ttl).Result()
		if err != nil {
			return fmt.Errorf("acquire redis lock: %w", err)
		}
		if ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %v", ErrLockTimeout, ctx.Err())
		case <-ticker.C:
		}
	}
}
