package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"authsession/internal/domain"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrRefreshTokenNotFound = errors.New("refresh token not found")
	ErrDuplicateTokenHash   = errors.New("refresh token hash already exists")
)

// RefreshTokenRepository provides DB access for refresh tokens.
//
// Every revoke is a conditional update on revoked_at IS NULL, so revocation
// is set exactly once and concurrent revokes of the same rows are harmless.
type RefreshTokenRepository struct {
	db *gorm.DB
}

func NewRefreshTokenRepository(db *gorm.DB) *RefreshTokenRepository {
	return &RefreshTokenRepository{db: db}
}

// WithTx returns a repository bound to tx.
func (r *RefreshTokenRepository) WithTx(tx *gorm.DB) *RefreshTokenRepository {
	return &RefreshTokenRepository{db: tx}
}

func (r *RefreshTokenRepository) Create(ctx context.Context, t *domain.RefreshToken) error {
	err := r.db.WithContext(ctx).Create(t).Error
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return ErrDuplicateTokenHash
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return ErrDuplicateTokenHash
	}
	return fmt.Errorf("create refresh token: %w", err)
}

func (r *RefreshTokenRepository) GetByHash(ctx context.Context, hash string) (*domain.RefreshToken, error) {
	return r.getByHash(r.db.WithContext(ctx), hash)
}

// GetByHashForUpdate row-locks the token for the rest of the transaction.
// SQLite ignores the locking clause; callers there rely on the user lock.
func (r *RefreshTokenRepository) GetByHashForUpdate(ctx context.Context, hash string) (*domain.RefreshToken, error) {
	return r.getByHash(r.db.WithContext(ctx).Clauses(clause.Locking{Strength: "UPDATE"}), hash)
}

func (r *RefreshTokenRepository) getByHash(db *gorm.DB, hash string) (*domain.RefreshToken, error) {
	var t domain.RefreshToken
	err := db.Where("token_hash = ?", hash).Take(&t).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrRefreshTokenNotFound
		}
		return nil, fmt.Errorf("get refresh token by hash: %w", err)
	}
	return &t, nil
}

// FamilyOwner returns the user a family belongs to.
func (r *RefreshTokenRepository) FamilyOwner(ctx context.Context, familyID string) (int64, error) {
	var t domain.RefreshToken
	err := r.db.WithContext(ctx).Select("user_id").Where("family_id = ?", familyID).Take(&t).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, ErrRefreshTokenNotFound
		}
		return 0, fmt.Errorf("get refresh token family owner: %w", err)
	}
	return t.UserID, nil
}

// ActiveInFamily returns the live records of a family, oldest first.
func (r *RefreshTokenRepository) ActiveInFamily(ctx context.Context, familyID string, now time.Time) ([]domain.RefreshToken, error) {
	var rows []domain.RefreshToken
	err := r.db.WithContext(ctx).
		Where("family_id = ? AND revoked_at IS NULL AND expires_at > ?", familyID, now).
		Order("created_at ASC, id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("list active family refresh tokens: %w", err)
	}
	return rows, nil
}

// RevokeByID revokes a single token if it is still non-terminal. replacedBy
// is the successor's hash and only set on rotation. Returns rows affected.
func (r *RefreshTokenRepository) RevokeByID(ctx context.Context, id string, reason domain.RevokeReason, replacedBy *string, now time.Time) (int64, error) {
	updates := map[string]any{
		"revoked_at":     now,
		"revoked_reason": reason,
	}
	if replacedBy != nil {
		updates["replaced_by_token"] = *replacedBy
	}
	res := r.db.WithContext(ctx).Model(&domain.RefreshToken{}).
		Where("id = ? AND revoked_at IS NULL", id).
		Updates(updates)
	if res.Error != nil {
		return 0, fmt.Errorf("revoke refresh token: %w", res.Error)
	}
	return res.RowsAffected, nil
}

func (r *RefreshTokenRepository) RevokeFamily(ctx context.Context, familyID string, reason domain.RevokeReason, now time.Time) (int64, error) {
	res := r.db.WithContext(ctx).Model(&domain.RefreshToken{}).
		Where("family_id = ? AND revoked_at IS NULL", familyID).
		Updates(map[string]any{"revoked_at": now, "revoked_reason": reason})
	if res.Error != nil {
		return 0, fmt.Errorf("revoke refresh token family: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// RevokeUserFamily is RevokeFamily restricted to families owned by userID.
func (r *RefreshTokenRepository) RevokeUserFamily(ctx context.Context, userID int64, familyID string, reason domain.RevokeReason, now time.Time) (int64, error) {
	res := r.db.WithContext(ctx).Model(&domain.RefreshToken{}).
		Where("user_id = ? AND family_id = ? AND revoked_at IS NULL", userID, familyID).
		Updates(map[string]any{"revoked_at": now, "revoked_reason": reason})
	if res.Error != nil {
		return 0, fmt.Errorf("revoke user refresh token family: %w", res.Error)
	}
	return res.RowsAffected, nil
}

func (r *RefreshTokenRepository) RevokeFamilies(ctx context.Context, familyIDs []string, reason domain.RevokeReason, now time.Time) (int64, error) {
	if len(familyIDs) == 0 {
		return 0, nil
	}
	res := r.db.WithContext(ctx).Model(&domain.RefreshToken{}).
		Where("family_id IN ? AND revoked_at IS NULL", familyIDs).
		Updates(map[string]any{"revoked_at": now, "revoked_reason": reason})
	if res.Error != nil {
		return 0, fmt.Errorf("revoke refresh token families: %w", res.Error)
	}
	return res.RowsAffected, nil
}

func (r *RefreshTokenRepository) RevokeByUser(ctx context.Context, userID int64, reason domain.RevokeReason, now time.Time) (int64, error) {
	res := r.db.WithContext(ctx).Model(&domain.RefreshToken{}).
		Where("user_id = ? AND revoked_at IS NULL", userID).
		Updates(map[string]any{"revoked_at": now, "revoked_reason": reason})
	if res.Error != nil {
		return 0, fmt.Errorf("revoke user refresh tokens: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// ActiveByUser returns the live records of a user, oldest first. By the
// family invariant there is one per active family. Record ids are UUIDv7,
// so ties on created_at still resolve in insertion order.
func (r *RefreshTokenRepository) ActiveByUser(ctx context.Context, userID int64, now time.Time) ([]domain.RefreshToken, error) {
	var rows []domain.RefreshToken
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND revoked_at IS NULL AND expires_at > ?", userID, now).
		Order("created_at ASC, id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("list active refresh tokens: %w", err)
	}
	return rows, nil
}

// ActiveFamilies returns the user's active family ids ordered by the
// creation time of their live record, oldest first, excluding excludeFamilyID.
func (r *RefreshTokenRepository) ActiveFamilies(ctx context.Context, userID int64, excludeFamilyID string, now time.Time) ([]string, error) {
	rows, err := r.ActiveByUser(ctx, userID, now)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{}, len(rows))
	families := make([]string, 0, len(rows))
	for _, row := range rows {
		if row.FamilyID == excludeFamilyID {
			continue
		}
		if _, ok := seen[row.FamilyID]; ok {
			continue
		}
		seen[row.FamilyID] = struct{}{}
		families = append(families, row.FamilyID)
	}
	return families, nil
}

// DeleteStale removes tokens expired before cutoff or revoked before cutoff.
func (r *RefreshTokenRepository) DeleteStale(ctx context.Context, cutoff time.Time) (int64, error) {
	res := r.db.WithContext(ctx).
		Where("expires_at < ? OR (revoked_at IS NOT NULL AND revoked_at < ?)", cutoff, cutoff).
		Delete(&domain.RefreshToken{})
	if res.Error != nil {
		return 0, fmt.Errorf("delete stale refresh tokens: %w", res.Error)
	}
	return res.RowsAffected, nil
}
