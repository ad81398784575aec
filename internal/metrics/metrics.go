// Package metrics provides Prometheus metrics for the version control service
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	PromotionsTotal      *prometheus.CounterVec
	PromotionDuration    *prometheus.HistogramVec
	CommitDeploysTotal   *prometheus.CounterVec
	ReviewDecisionsTotal *prometheus.CounterVec
	BranchDeploysTotal   *prometheus.CounterVec
	ArchiveUploadsTotal  *prometheus.CounterVec

	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// New registers every collector on reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		PromotionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "wiser_promotions_total",
			Help: "Promotions by environment and outcome",
		}, []string{"environment", "outcome"}),
		PromotionDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "wiser_promotion_duration_seconds",
			Help:    "Time spent inside the per-entity promotion transaction",
			Buckets: prometheus.DefBuckets,
		}, []string{"environment"}),
		CommitDeploysTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "wiser_commit_deploys_total",
			Help: "Commit deploy calls by environment and outcome",
		}, []string{"environment", "outcome"}),
		ReviewDecisionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "wiser_review_transitions_total",
			Help: "Review state transitions by resulting status",
		}, []string{"status"}),
		BranchDeploysTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "wiser_branch_deploys_total",
			Help: "Branch deployments by outcome",
		}, []string{"outcome"}),
		ArchiveUploadsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "wiser_release_archives_total",
			Help: "Release manifest uploads by outcome",
		}, []string{"outcome"}),
		HTTPRequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "wiser_http_requests_total",
			Help: "HTTP requests by route, method and status code",
		}, []string{"route", "method", "code"}),
		HTTPRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "wiser_http_request_duration_seconds",
			Help:    "HTTP request latency by route",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
	}
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

func (m *Metrics) ObservePromotion(environment string, started time.Time, err error) {
	if m == nil {
		return
	}
	m.PromotionsTotal.WithLabelValues(environment, outcome(err)).Inc()
	m.PromotionDuration.WithLabelValues(environment).Observe(time.Since(started).Seconds())
}

func (m *Metrics) ObserveCommitDeploy(environment string, err error) {
	if m == nil {
		return
	}
	m.CommitDeploysTotal.WithLabelValues(environment, outcome(err)).Inc()
}

func (m *Metrics) ObserveReviewTransition(status string) {
	if m == nil {
		return
	}
	m.ReviewDecisionsTotal.WithLabelValues(status).Inc()
}

func (m *Metrics) ObserveBranchDeploy(err error) {
	if m == nil {
		return
	}
	m.BranchDeploysTotal.WithLabelValues(outcome(err)).Inc()
}

func (m *Metrics) ObserveArchiveUpload(err error) {
	if m == nil {
		return
	}
	m.ArchiveUploadsTotal.WithLabelValues(outcome(err)).Inc()
}

func (m *Metrics) ObserveHTTPRequest(route, method string, code int, duration time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(route, method, statusLabel(code)).Inc()
	m.HTTPRequestDuration.WithLabelValues(route).Observe(duration.Seconds())
}

func statusLabel(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	case code >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
