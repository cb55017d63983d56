package obs

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are process-local prometheus counters for the health of the
// limiting subsystem itself. Request counts and latencies live in the shared
// store; these only track decisions and store failures seen by this worker.
type Metrics struct {
	RateLimited    *prometheus.CounterVec
	LimiterErrors  *prometheus.CounterVec
	RecorderErrors *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RateLimited: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ratewatch_rate_limited_total",
				Help: "Total requests rejected due to rate limiting",
			},
			[]string{"scope"},
		),
		LimiterErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ratewatch_limiter_errors_total",
				Help: "Total shared-store failures during rate limit checks (failed open)",
			},
			[]string{"scope"},
		),
		RecorderErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ratewatch_recorder_errors_total",
				Help: "Total shared-store failures during metrics writes and reads",
			},
			[]string{"op"},
		),
	}

	reg.MustRegister(m.RateLimited, m.LimiterErrors, m.RecorderErrors)
	return m
}
