package metrics

// Snapshot is a read-only aggregate materialized from the shared store.
// Its JSON shape is the wire contract of the metrics read endpoint.
type Snapshot struct {
	RequestCounts   map[string]int64        `json:"request_counts"`
	StatusCounts    map[string]int64        `json:"status_counts"`
	ErrorCount      int64                   `json:"error_count"`
	BusinessMetrics map[string]int64        `json:"business_metrics"`
	Latencies       map[string]LatencyStats `json:"latencies"`
	// Degraded reports that one or more sections could not be read and the
	// snapshot is partial or empty.
	Degraded bool `json:"degraded,omitempty"`
}

// LatencyStats summarizes the retained samples of one endpoint, durations
// in milliseconds.
type LatencyStats struct {
	Count int     `json:"count"`
	P50   float64 `json:"p50"`
	P95   float64 `json:"p95"`
	P99   float64 `json:"p99"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
}

func emptySnapshot() Snapshot {
	return Snapshot{
		RequestCounts:   map[string]int64{},
		StatusCounts:    map[string]int64{},
		BusinessMetrics: map[string]int64{},
		Latencies:       map[string]LatencyStats{},
	}
}
