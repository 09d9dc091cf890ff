// internal/inject/metrics.go
package inject

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics counts delivery attempts. A nil *Metrics records nothing.
type Metrics struct {
	Injections *prometheus.CounterVec
	Fallbacks  *prometheus.CounterVec
}

// NewMetrics registers the injection counters with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Injections: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scriptmonkey_injections_total",
				Help: "Injection attempts by strategy and result",
			},
			[]string{"strategy", "result"},
		),
		Fallbacks: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scriptmonkey_injection_fallbacks_total",
				Help: "Fallbacks from a refused strategy to the next one",
			},
			[]string{"from"},
		),
	}
}

func (m *Metrics) attempt(strategy, result string) {
	if m == nil {
		return
	}
	m.Injections.WithLabelValues(strategy, result).Inc()
}

func (m *Metrics) fallback(from string) {
	if m == nil {
		return
	}
	m.Fallbacks.WithLabelValues(from).Inc()
}
