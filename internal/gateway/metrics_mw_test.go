package gateway

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/signalpost/ratewatch/internal/endpoint"
	"github.com/signalpost/ratewatch/internal/metrics"
	"github.com/signalpost/ratewatch/internal/store"
)

func TestMetricsMiddlewareRecordsOutcome(t *testing.T) {
	rec := metrics.New(store.NewMemory())
	norm := endpoint.NewNormalizer([]endpoint.Pattern{
		{Prefix: "/activate", Label: "/activate/{code}"},
	})
	business := []BusinessRule{
		{Method: "POST", PathPrefix: "/register", Metric: "registrations"},
		{Method: "POST", PathPrefix: "/activate", Metric: "activations"},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /register", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusCreated)
	})
	mux.HandleFunc("POST /activate/{code}", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("code") == "bad" {
			w.WriteHeader(http.StatusUnprocessableEntity)
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	h := Metrics(rec, norm, business, map[string]struct{}{"/health": {}})(mux)

	do := func(method, path string) {
		w := httptest.NewRecorder()
		h.ServeHTTP(w, httptest.NewRequest(method, "http://example"+path, nil))
	}

	do(http.MethodPost, "/register")
	do(http.MethodPost, "/register")
	do(http.MethodPost, "/activate/abc123")
	do(http.MethodPost, "/activate/bad")
	do(http.MethodGet, "/health")

	snap := rec.Snapshot(context.Background())

	if snap.RequestCounts["POST /register"] != 2 {
		t.Fatalf("expected 2 register requests, got %d", snap.RequestCounts["POST /register"])
	}
	// both activation URLs collapse into one label
	if snap.RequestCounts["POST /activate/{code}"] != 2 {
		t.Fatalf("expected 2 activate requests, got %v", snap.RequestCounts)
	}
	if _, ok := snap.RequestCounts["GET /health"]; ok {
		t.Fatal("expected skip path not recorded")
	}

	if snap.StatusCounts["201"] != 2 || snap.StatusCounts["422"] != 1 || snap.StatusCounts["200"] != 1 {
		t.Fatalf("unexpected status counts: %v", snap.StatusCounts)
	}
	if snap.ErrorCount != 1 {
		t.Fatalf("expected 1 error, got %d", snap.ErrorCount)
	}

	if snap.BusinessMetrics["registrations"] != 2 {
		t.Fatalf("expected 2 registrations, got %d", snap.BusinessMetrics["registrations"])
	}
	// the failed activation must not count
	if snap.BusinessMetrics["activations"] != 1 {
		t.Fatalf("expected 1 activation, got %d", snap.BusinessMetrics["activations"])
	}

	stats := snap.Latencies["POST /register"]
	if stats.Count != 2 {
		t.Fatalf("expected 2 latency samples, got %d", stats.Count)
	}
	if stats.Min > stats.Max {
		t.Fatalf("min %v above max %v", stats.Min, stats.Max)
	}
}

func TestMetricsMiddlewareDefaultsStatusTo200(t *testing.T) {
	rec := metrics.New(store.NewMemory())
	norm := endpoint.NewNormalizer(nil)

	next := http.HandlerFunc(func(_ http.ResponseWriter, _ *http.Request) {
		// handler writes nothing
	})
	h := Metrics(rec, norm, nil, nil)(next)

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "http://example/quiet", nil))

	snap := rec.Snapshot(context.Background())
	if snap.StatusCounts["200"] != 1 {
		t.Fatalf("expected implicit 200 recorded, got %v", snap.StatusCounts)
	}
}
