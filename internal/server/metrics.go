package server

import (
	"context"
	"net/http"

	"escrowpresale/internal/pricing"
	"escrowpresale/internal/purchase"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is the presale's Prometheus registry. It is also a
// purchase.Recorder, counting every phase transition it is told about.
type Metrics struct {
	registry         *prometheus.Registry
	purchasesTotal   *prometheus.CounterVec
	claimsTotal      *prometheus.CounterVec
	transitionsTotal *prometheus.CounterVec
	degradedTotal    *prometheus.CounterVec
	pollsTotal       *prometheus.CounterVec
	replaysTotal     prometheus.Counter
}

func NewMetrics() *Metrics {
	purchases := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "presale_purchase_attempts_total",
		Help: "Purchase attempts by outcome",
	}, []string{"outcome"})

	claims := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "presale_claims_total",
		Help: "Claim attempts by outcome",
	}, []string{"outcome"})

	transitions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "presale_phase_transitions_total",
		Help: "Attempt phase transitions",
	}, []string{"action", "phase"})

	degraded := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "presale_resolver_degraded_total",
		Help: "Currency metadata reads that fell back to defaults",
	}, []string{"currency"})

	polls := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "presale_poller_runs_total",
		Help: "Balance and supply refreshes by result",
	}, []string{"kind", "result"})

	replays := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "presale_idempotent_replays_total",
		Help: "Purchase requests answered from the idempotency store",
	})

	r := prometheus.NewRegistry()
	r.MustRegister(purchases, claims, transitions, degraded, polls, replays)

	return &Metrics{
		registry:         r,
		purchasesTotal:   purchases,
		claimsTotal:      claims,
		transitionsTotal: transitions,
		degradedTotal:    degraded,
		pollsTotal:       polls,
		replaysTotal:     replays,
	}
}

func (m *Metrics) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Record counts the transition and, for terminal phases, the outcome.
func (m *Metrics) Record(_ context.Context, a purchase.Attempt) error {
	m.transitionsTotal.WithLabelValues(string(a.Action), string(a.Phase)).Inc()
	if !a.Phase.Terminal() {
		return nil
	}

	outcome := string(a.Phase)
	if a.Phase == purchase.Failed && a.FailureKind != "" {
		outcome = string(a.FailureKind)
	}
	switch a.Action {
	case purchase.ActionClaim:
		m.claimsTotal.WithLabelValues(outcome).Inc()
	default:
		m.purchasesTotal.WithLabelValues(outcome).Inc()
	}
	return nil
}

// ObservePoll matches poller.Config.Observe.
func (m *Metrics) ObservePoll(kind string, err error) {
	result := "ok"
	if err != nil {
		result = "degraded"
	}
	m.pollsTotal.WithLabelValues(kind, result).Inc()
}

func (m *Metrics) ObserveCurrencies(list []pricing.ResolvedCurrency) {
	for _, c := range list {
		if c.Degraded {
			m.degradedTotal.WithLabelValues(c.Symbol).Inc()
		}
	}
}

func (m *Metrics) IncReplay() {
	m.replaysTotal.Inc()
}

func (m *Metrics) incRejected(action purchase.Action) {
	if action == purchase.ActionClaim {
		m.claimsTotal.WithLabelValues("rejected").Inc()
		return
	}
	m.purchasesTotal.WithLabelValues("rejected").Inc()
}
