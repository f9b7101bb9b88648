package auth

import (
	"context"

	"authsession/internal/pkg/tracing"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// CleanupExpiredTokens deletes tokens that expired, or were revoked, longer
// ago than the retention window. Housekeeping only: a replay of a deleted
// token is reported as an unknown token rather than as reuse.
func (e *Engine) CleanupExpiredTokens(ctx context.Context) (deleted int64, err error) {
	ctx, span := tracing.Start(ctx, "auth.CleanupExpiredTokens")
	defer func() { tracing.End(span, err) }()

	cutoff := e.now().Add(-e.cfg.RetentionWindow)
	deleted, err = e.tokens.DeleteStale(ctx, cutoff)
	if err != nil {
		return 0, err
	}

	span.SetAttributes(attribute.Int64(tracing.AttrAffected, deleted))
	e.metrics.cleaned(deleted)
	e.log.Info("refresh token cleanup completed",
		zap.Int64("deleted", deleted),
		zap.Time("cutoff", cutoff),
	)
	return deleted, nil
}
