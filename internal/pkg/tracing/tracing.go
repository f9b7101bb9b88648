package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "authsession/auth"

// Span attribute keys. Never attach raw tokens or hashes, only metadata.
const (
	AttrUserID        = "auth.user_id"
	AttrTokenFamilyID = "auth.token.family_id" //nolint:gosec // identifier, not a credential
	AttrTokenReuse    = "auth.token.reuse"     //nolint:gosec // boolean flag
	AttrTokenRotated  = "auth.token.rotated"   //nolint:gosec // boolean flag
	AttrRevokeReason  = "auth.revoke.reason"
	AttrAffected      = "auth.rows_affected"
)

// Start opens a span on the global tracer provider.
func Start(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, name, trace.WithAttributes(attrs...))
}

// End records err on the span (if any) and ends it.
func End(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

func UserID(id int64) attribute.KeyValue {
	return attribute.Int64(AttrUserID, id)
}

func FamilyID(id string) attribute.KeyValue {
	return attribute.String(AttrTokenFamilyID, id)
}
