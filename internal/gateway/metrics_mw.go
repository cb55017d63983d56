package gateway

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/signalpost/ratewatch/internal/endpoint"
	"github.com/signalpost/ratewatch/internal/metrics"
)

// BusinessRule increments a named counter when a request matching it
// finishes without an error status.
type BusinessRule struct {
	Method     string
	PathPrefix string
	Metric     string
}

func (b BusinessRule) matches(r *http.Request) bool {
	if b.Method != "" && !strings.EqualFold(b.Method, r.Method) {
		return false
	}
	return r.URL.Path == b.PathPrefix || strings.HasPrefix(r.URL.Path, b.PathPrefix+"/")
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (w *statusRecorder) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusRecorder) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	n, err := w.ResponseWriter.Write(b)
	w.bytes += n
	return n, err
}

// Metrics times each request and records the outcome through the shared
// recorder: endpoint counter, status counter and latency sample, plus any
// matching business counters on success.
func Metrics(
	rec *metrics.Recorder,
	norm *endpoint.Normalizer,
	business []BusinessRule,
	skip map[string]struct{},
) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, ok := skip[r.URL.Path]; ok {
				next.ServeHTTP(w, r)
				return
			}

			start := time.Now()
			sw := &statusRecorder{ResponseWriter: w}

			next.ServeHTTP(sw, r)

			code := sw.status
			if code == 0 {
				code = http.StatusOK
			}

			// The request context may already be cancelled by the client;
			// the sample still counts.
			ctx := context.WithoutCancel(r.Context())

			label := norm.Label(r.Method, r.URL.Path)
			rec.RecordRequest(ctx, label, code, time.Since(start))

			if code < 400 {
				for _, b := range business {
					if b.matches(r) {
						rec.RecordBusinessEvent(ctx, b.Metric)
					}
				}
			}
		})
	}
}
