package auth

import (
	"authsession/internal/domain"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	outcomeRotated    = "rotated"
	outcomeAccessOnly = "access_only"
	outcomeInvalid    = "invalid"
	outcomeExpired    = "expired"
	outcomeReused     = "reused"
	outcomeError      = "error"
)

// Metrics holds the engine's prometheus collectors. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	TokensIssued   prometheus.Counter
	TokenRefresh   *prometheus.CounterVec
	TokensRevoked  *prometheus.CounterVec
	ReuseDetected  prometheus.Counter
	SessionEvicted prometheus.Counter
	TokensCleaned  prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		TokensIssued: f.NewCounter(prometheus.CounterOpts{
			Name: "auth_tokens_issued_total",
			Help: "The total number of refresh tokens issued",
		}),
		TokenRefresh: f.NewCounterVec(prometheus.CounterOpts{
			Name: "auth_token_refresh_total",
			Help: "The total number of refresh attempts by outcome",
		}, []string{"outcome"}),
		TokensRevoked: f.NewCounterVec(prometheus.CounterOpts{
			Name: "auth_tokens_revoked_total",
			Help: "The total number of refresh tokens revoked by reason",
		}, []string{"reason"}),
		ReuseDetected: f.NewCounter(prometheus.CounterOpts{
			Name: "auth_token_reuse_detected_total",
			Help: "The total number of refresh token reuse events",
		}),
		SessionEvicted: f.NewCounter(prometheus.CounterOpts{
			Name: "auth_sessions_evicted_total",
			Help: "The total number of sessions evicted by the session quota",
		}),
		TokensCleaned: f.NewCounter(prometheus.CounterOpts{
			Name: "auth_tokens_cleaned_total",
			Help: "The total number of stale refresh tokens deleted",
		}),
	}
}

func (m *Metrics) issued() {
	if m != nil {
		m.TokensIssued.Inc()
	}
}

func (m *Metrics) refresh(outcome string) {
	if m != nil {
		m.TokenRefresh.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) revoked(reason domain.RevokeReason, n int64) {
	if m != nil && n > 0 {
		m.TokensRevoked.WithLabelValues(string(reason)).Add(float64(n))
	}
}

func (m *Metrics) reuse() {
	if m != nil {
		m.ReuseDetected.Inc()
	}
}

func (m *Metrics) evicted(n int) {
	if m != nil && n > 0 {
		m.SessionEvicted.Add(float64(n))
	}
}

func (m *Metrics) cleaned(n int64) {
	if m != nil && n > 0 {
		m.TokensCleaned.Add(float64(n))
	}
}
