package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/signalpost/ratewatch/internal/config"
	"github.com/signalpost/ratewatch/internal/endpoint"
	"github.com/signalpost/ratewatch/internal/gateway"
	"github.com/signalpost/ratewatch/internal/metrics"
	"github.com/signalpost/ratewatch/internal/obs"
	"github.com/signalpost/ratewatch/internal/ratelimit"
	"github.com/signalpost/ratewatch/internal/store"
)

func main() {

	cfg, err := config.Load("./config.yaml")

	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger := obs.SetupLogger(cfg.Observability.LogLevel)
	logger.Info().Msg("Setup logger")

	rdb := redis.NewClient(&redis.Options{
		Addr:        cfg.Redis.Addr,
		Password:    cfg.Redis.Password,
		DB:          cfg.Redis.DB,
		DialTimeout: cfg.Redis.DialTimeout(),
		ReadTimeout: cfg.Redis.ReadTimeout(),
	})

	// An unreachable store is not fatal: the limiter fails open and the
	// recorder skips writes until it comes back.
	pingCtx, pingCancel := context.WithTimeout(context.Background(), cfg.Redis.DialTimeout())
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		logger.Warn().Err(err).Str("addr", cfg.Redis.Addr).Msg("redis unreachable at startup")
	}
	pingCancel()

	st, err := store.NewRedis(rdb)
	if err != nil {
		log.Fatalf("shared store: %v", err)
	}

	reg := prometheus.NewRegistry()
	procMetrics := obs.NewMetrics(reg)

	limiter := ratelimit.NewSlidingWindow(st,
		ratelimit.WithPrefix(cfg.RateLimits.KeyPrefix),
		ratelimit.Disabled(!cfg.RateLimits.IsEnabled()),
	)

	recorder := metrics.New(st,
		metrics.WithLogger(logger),
		metrics.WithPrefix(cfg.Metrics.KeyPrefix),
		metrics.WithRetention(int64(cfg.Metrics.LatencyMaxSamples), cfg.Metrics.LatencyTTL()),
		metrics.Disabled(!cfg.Metrics.IsEnabled()),
		metrics.OnStoreError(func(op string) {
			procMetrics.RecorderErrors.WithLabelValues(op).Inc()
		}),
	)

	patterns := make([]endpoint.Pattern, 0, len(cfg.Metrics.Endpoints))
	for _, p := range cfg.Metrics.Endpoints {
		patterns = append(patterns, endpoint.Pattern{Prefix: p.Prefix, Label: p.Label})
	}
	norm := endpoint.NewNormalizer(patterns)

	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"ok":true}`))
	})

	mux.HandleFunc("/version", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("v.0.0.1"))
	})

	// Demo handlers. A real deployment mounts its own business mux behind
	// the same middleware chain.
	mux.HandleFunc("POST /register", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(`{"status":"pending_activation"}`))
	})

	mux.HandleFunc("POST /activate/{code}", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"active"}`))
	})

	mux.HandleFunc("GET /metrics/snapshot", func(w http.ResponseWriter, r *http.Request) {
		snap := recorder.Snapshot(r.Context())
		w.Header().Set("Content-Type", "application/json")
		writeSnapshot(w, snap, logger)
	})

	mux.HandleFunc("POST /metrics/reset", func(w http.ResponseWriter, r *http.Request) {
		if err := recorder.Reset(r.Context()); err != nil {
			logger.Warn().Err(err).Msg("metrics reset failed")
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"ok":false}`))
			return
		}
		_, _ = w.Write([]byte(`{"ok":true}`))
	})

	mux.Handle(cfg.Observability.PrometheusPath,
		promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	skip := map[string]struct{}{
		"/health":                        {},
		"/version":                       {},
		"/metrics/snapshot":              {},
		"/metrics/reset":                 {},
		cfg.Observability.PrometheusPath: {},
	}

	rules := buildRules(cfg, norm)

	business := make([]gateway.BusinessRule, 0, len(cfg.Metrics.Business))
	for _, b := range cfg.Metrics.Business {
		business = append(business, gateway.BusinessRule{
			Method:     b.Method,
			PathPrefix: b.PathPrefix,
			Metric:     b.Metric,
		})
	}

	handler := gateway.Chain(
		mux,
		obs.Logger(logger),
		gateway.BodyLimit(int(cfg.Server.MaxBody())),
		gateway.Metrics(recorder, norm, business, skip),
		gateway.RateLimit(limiter, rules, skip, logger, procMetrics),
	)

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      cfg.Server.WriteTimeout(),
		IdleTimeout:       cfg.Server.IdleTimeout(),
		ReadTimeout:       cfg.Server.ReadTimeout(),
	}

	// start
	go func() {
		log.Printf("listening on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
	}
	if err := limiter.Close(); err != nil {
		log.Printf("store close failed: %v", err)
	}
	log.Printf("bye")
}

func writeSnapshot(w http.ResponseWriter, snap metrics.Snapshot, logger zerolog.Logger) {
	if err := json.NewEncoder(w).Encode(snap); err != nil {
		logger.Warn().Err(err).Msg("encode snapshot")
	}
}

func buildRules(cfg *config.Root, norm *endpoint.Normalizer) []gateway.Rule {
	rules := make([]gateway.Rule, 0, len(cfg.RateLimits.Scopes))
	for _, sc := range cfg.RateLimits.Scopes {
		var key gateway.KeyFunc
		switch sc.Key {
		case config.KeyBasicAuthUser:
			key = gateway.BasicAuthUser
		case config.KeyEndpoint:
			key = gateway.EndpointLabel(norm)
		default:
			key = gateway.ClientIP
		}

		var methods map[string]struct{}
		if len(sc.Methods) > 0 {
			methods = make(map[string]struct{}, len(sc.Methods))
			for _, m := range sc.Methods {
				methods[strings.ToUpper(m)] = struct{}{}
			}
		}

		rules = append(rules, gateway.Rule{
			Scope:      sc.Name,
			Policy:     ratelimit.Policy{Limit: sc.Limit, Window: sc.Window()},
			PathPrefix: sc.PathPrefix,
			Methods:    methods,
			Key:        key,
		})
	}
	return rules
}
