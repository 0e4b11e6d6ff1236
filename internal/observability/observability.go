package observability

import (
	"github.com/cobranzalabs/cobranza/internal/config"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("observability",
	fx.Provide(NewLogger),
	fx.Provide(NewRegistry),
	fx.Provide(NewMetrics),
)

func NewLogger(cfg config.Config) (*zap.Logger, error) {
	if cfg.Env == "production" {
		return zap.NewProduction()
	}
	return zap.NewDevelopment()
}

func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return reg
}

// Metrics holds the collection-engine counters. Services increment them
// after a state transition has committed.
type Metrics struct {
	BatchesExported *prometheus.CounterVec
	RowsReconciled  *prometheus.CounterVec
	ChargesClosed   *prometheus.CounterVec
	FallbackIntents *prometheus.CounterVec
}

func NewMetrics(reg *prometheus.Registry) *Metrics {
	m := &Metrics{
		BatchesExported: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cobranza",
			Name:      "batches_exported_total",
			Help:      "Outbound presentment batches exported, by adapter and outcome.",
		}, []string{"adapter", "outcome"}),
		RowsReconciled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cobranza",
			Name:      "rows_reconciled_total",
			Help:      "Response rows reconciled, by outcome.",
		}, []string{"outcome"}),
		ChargesClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cobranza",
			Name:      "charges_closed_total",
			Help:      "Charges closed as paid, by channel.",
		}, []string{"channel"}),
		FallbackIntents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cobranza",
			Name:      "fallback_intents_total",
			Help:      "Fallback intent operations, by provider and outcome.",
		}, []string{"provider", "outcome"}),
	}
	reg.MustRegister(m.BatchesExported, m.RowsReconciled, m.ChargesClosed, m.FallbackIntents)
	return m
}
