package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the auth counters. Each instance owns its registry so tests can
// build as many as they like.
type Metrics struct {
	registry        *prometheus.Registry
	loginAttempts   *prometheus.CounterVec
	guardRejections *prometheus.CounterVec
	rateLimited     *prometheus.CounterVec
	resetDeliveries *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		loginAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "peerhub",
			Subsystem: "auth",
			Name:      "login_attempts_total",
			Help:      "Login attempts by outcome.",
		}, []string{"outcome"}),
		guardRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "peerhub",
			Subsystem: "auth",
			Name:      "guard_rejections_total",
			Help:      "Requests rejected by the session guard, by reason.",
		}, []string{"reason"}),
		rateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "peerhub",
			Subsystem: "auth",
			Name:      "rate_limited_total",
			Help:      "Requests rejected by a per-IP rate limiter.",
		}, []string{"limiter"}),
		resetDeliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "peerhub",
			Subsystem: "auth",
			Name:      "password_reset_deliveries_total",
			Help:      "Out-of-band password reset deliveries by result.",
		}, []string{"result"}),
	}

	m.registry.MustRegister(
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		m.loginAttempts,
		m.guardRejections,
		m.rateLimited,
		m.resetDeliveries,
	)

	return m
}

func (m *Metrics) LoginAttempt(outcome string) {
	if m == nil {
		return
	}
	m.loginAttempts.WithLabelValues(outcome).Inc()
}

func (m *Metrics) GuardRejection(reason string) {
	if m == nil {
		return
	}
	m.guardRejections.WithLabelValues(reason).Inc()
}

func (m *Metrics) RateLimited(limiter string) {
	if m == nil {
		return
	}
	m.rateLimited.WithLabelValues(limiter).Inc()
}

func (m *Metrics) ResetDelivery(result string) {
	if m == nil {
		return
	}
	m.resetDeliveries.WithLabelValues(result).Inc()
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
