package core

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"lobkit/pkg/domain"
)

// Metrics records scope activity. A nil *Metrics is valid and records nothing.
type Metrics struct {
	Saves        *prometheus.CounterVec
	Staged       *prometheus.CounterVec
	SaveDuration prometheus.Histogram
	Transactions *prometheus.CounterVec
}

// NewMetrics registers the scope collectors on reg. A nil registerer builds
// unregistered collectors, which keeps tests isolated.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Saves: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lobkit_scope_saves_total",
				Help: "Scope save attempts by result",
			},
			[]string{"result"},
		),
		Staged: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lobkit_staged_operations_total",
				Help: "Operations staged in scopes",
			},
			[]string{"entity", "action"},
		),
		SaveDuration: f.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "lobkit_scope_save_duration_seconds",
				Help:    "Time spent committing staged operations",
				Buckets: prometheus.DefBuckets,
			},
		),
		Transactions: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lobkit_transactions_total",
				Help: "Explicit scope transaction calls by outcome",
			},
			[]string{"outcome"},
		),
	}
}

func (m *Metrics) observeSave(result string, d time.Duration) {
	if m == nil {
		return
	}
	m.Saves.WithLabelValues(result).Inc()
	if result != "noop" {
		m.SaveDuration.Observe(d.Seconds())
	}
}

func (m *Metrics) observeStaged(entity domain.EntityType, action domain.Action) {
	if m == nil {
		return
	}
	m.Staged.WithLabelValues(string(entity), string(action)).Inc()
}

func (m *Metrics) observeTransaction(outcome string) {
	if m == nil {
		return
	}
	m.Transactions.WithLabelValues(outcome).Inc()
}
