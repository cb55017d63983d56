package config

import (
	"fmt"
	"net"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Server struct {
	Addr           string `yaml:"addr"`
	ReadTimeoutMS  int    `yaml:"read_timeout_ms"`
	WriteTimeoutMS int    `yaml:"write_timeout_ms"`
	IdleTimeoutMS  int    `yaml:"idle_timeout_ms"`
	MaxBodyBytes   int64  `yaml:"max_body_bytes"`
}

type Observability struct {
	LogLevel       string `yaml:"log_level"`       // "debug","info","warn","error"
	PrometheusPath string `yaml:"prometheus_path"` // e.g. "/metrics"
}

type Redis struct {
	Addr          string `yaml:"addr"`
	Password      string `yaml:"password"`
	DB            int    `yaml:"db"`
	DialTimeoutMS int    `yaml:"dial_timeout_ms"`
	ReadTimeoutMS int    `yaml:"read_timeout_ms"`
}

// Key kinds a scope can discriminate on.
const (
	KeyClientIP      = "client_ip"
	KeyBasicAuthUser = "basic_auth_user"
	KeyEndpoint      = "endpoint"
)

// Scope is one named quota: limit events per trailing window, counted per
// discriminator. PathPrefix/Methods restrict which requests it covers; empty
// means all.
type Scope struct {
	Name          string   `yaml:"name"`
	Limit         int      `yaml:"limit"`
	WindowSeconds int      `yaml:"window_seconds"`
	Key           string   `yaml:"key"`
	PathPrefix    string   `yaml:"path_prefix"`
	Methods       []string `yaml:"methods"`
}

func (s Scope) Window() time.Duration {
	return time.Duration(s.WindowSeconds) * time.Second
}

type RateLimits struct {
	Enabled   *bool   `yaml:"enabled"`
	KeyPrefix string  `yaml:"key_prefix"`
	Scopes    []Scope `yaml:"scopes"`
}

func (r RateLimits) IsEnabled() bool {
	return r.Enabled == nil || *r.Enabled
}

type EndpointPattern struct {
	Prefix string `yaml:"prefix"`
	Label  string `yaml:"label"`
}

type BusinessMetric struct {
	Method     string `yaml:"method"`
	PathPrefix string `yaml:"path_prefix"`
	Metric     string `yaml:"metric"`
}

type Metrics struct {
	Enabled           *bool             `yaml:"enabled"`
	KeyPrefix         string            `yaml:"key_prefix"`
	LatencyMaxSamples int               `yaml:"latency_max_samples"`
	LatencyTTLSecs    int               `yaml:"latency_ttl_seconds"`
	Endpoints         []EndpointPattern `yaml:"endpoints"`
	Business          []BusinessMetric  `yaml:"business"`
}

func (m Metrics) IsEnabled() bool {
	return m.Enabled == nil || *m.Enabled
}

func (m Metrics) LatencyTTL() time.Duration {
	return time.Duration(m.LatencyTTLSecs) * time.Second
}

type Root struct {
	Server        Server        `yaml:"server"`
	Observability Observability `yaml:"observability"`
	Redis         Redis         `yaml:"redis"`
	RateLimits    RateLimits    `yaml:"rate_limits"`
	Metrics       Metrics       `yaml:"metrics"`
}

func (s Server) ReadTimeout() time.Duration {
	if s.ReadTimeoutMS == 0 {
		return 5 * time.Second
	}
	return time.Duration(s.ReadTimeoutMS) * time.Millisecond
}

func (s Server) WriteTimeout() time.Duration {
	if s.WriteTimeoutMS == 0 {
		return 10 * time.Second
	}
	return time.Duration(s.WriteTimeoutMS) * time.Millisecond
}

func (s Server) IdleTimeout() time.Duration {
	if s.IdleTimeoutMS == 0 {
		return 60 * time.Second
	}
	return time.Duration(s.IdleTimeoutMS) * time.Millisecond
}

func (s Server) MaxBody() int64 {
	if s.MaxBodyBytes == 0 {
		return 10 << 20
	}
	return s.MaxBodyBytes
} // default 10MB

func (r Redis) DialTimeout() time.Duration {
	if r.DialTimeoutMS == 0 {
		return 5 * time.Second
	}
	return time.Duration(r.DialTimeoutMS) * time.Millisecond
}

func (r Redis) ReadTimeout() time.Duration {
	if r.ReadTimeoutMS == 0 {
		return 3 * time.Second
	}
	return time.Duration(r.ReadTimeoutMS) * time.Millisecond
}

func Load(path string) (*Root, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Root
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, err
	}

	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8080"
	}
	if cfg.Observability.LogLevel == "" {
		cfg.Observability.LogLevel = "info"
	}
	if cfg.Observability.PrometheusPath == "" {
		cfg.Observability.PrometheusPath = "/metrics"
	}
	if cfg.Redis.Addr == "" {
		cfg.Redis.Addr = "localhost:6379"
	}
	if cfg.RateLimits.KeyPrefix == "" {
		cfg.RateLimits.KeyPrefix = "ratelimit"
	}
	if len(cfg.RateLimits.Scopes) == 0 {
		cfg.RateLimits.Scopes = DefaultScopes()
	}
	for i := range cfg.RateLimits.Scopes {
		if cfg.RateLimits.Scopes[i].Key == "" {
			cfg.RateLimits.Scopes[i].Key = KeyClientIP
		}
	}
	if cfg.Metrics.KeyPrefix == "" {
		cfg.Metrics.KeyPrefix = "metrics"
	}
	if cfg.Metrics.LatencyMaxSamples == 0 {
		cfg.Metrics.LatencyMaxSamples = 1000
	}
	if cfg.Metrics.LatencyTTLSecs == 0 {
		cfg.Metrics.LatencyTTLSecs = 3600
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// DefaultScopes mirrors the stock deployment: a global per-endpoint limit
// plus per-client registration and per-account activation quotas.
func DefaultScopes() []Scope {
	return []Scope{
		{Name: "global", Limit: 1000, WindowSeconds: 60, Key: KeyEndpoint},
		{Name: "registration", Limit: 5, WindowSeconds: 3600, Key: KeyClientIP, PathPrefix: "/register", Methods: []string{"POST"}},
		{Name: "activation", Limit: 3, WindowSeconds: 60, Key: KeyBasicAuthUser, PathPrefix: "/activate", Methods: []string{"POST"}},
	}
}

// Validate rejects configurations the limiter and recorder must never see
// mid-flight: non-positive limits or windows, malformed store addresses,
// unknown key kinds. Callers treat any error as fatal at startup.
func (cfg *Root) Validate() error {
	if cfg.RateLimits.IsEnabled() || cfg.Metrics.IsEnabled() {
		if _, _, err := net.SplitHostPort(cfg.Redis.Addr); err != nil {
			return fmt.Errorf("redis addr %q: %w", cfg.Redis.Addr, err)
		}
	}

	seen := make(map[string]struct{}, len(cfg.RateLimits.Scopes))
	for _, sc := range cfg.RateLimits.Scopes {
		if sc.Name == "" {
			return fmt.Errorf("rate limit scope without a name")
		}
		if _, dup := seen[sc.Name]; dup {
			return fmt.Errorf("duplicate rate limit scope %q", sc.Name)
		}
		seen[sc.Name] = struct{}{}
		if sc.Limit <= 0 {
			return fmt.Errorf("scope %q: limit must be > 0, got %d", sc.Name, sc.Limit)
		}
		if sc.WindowSeconds <= 0 {
			return fmt.Errorf("scope %q: window_seconds must be > 0, got %d", sc.Name, sc.WindowSeconds)
		}
		switch sc.Key {
		case KeyClientIP, KeyBasicAuthUser, KeyEndpoint:
		default:
			return fmt.Errorf("scope %q: unknown key kind %q", sc.Name, sc.Key)
		}
	}

	if cfg.Metrics.LatencyMaxSamples < 0 {
		return fmt.Errorf("latency_max_samples must be >= 0, got %d", cfg.Metrics.LatencyMaxSamples)
	}
	for _, b := range cfg.Metrics.Business {
		if b.Metric == "" {
			return fmt.Errorf("business metric mapping for %q without a metric name", b.PathPrefix)
		}
	}
	return nil
}
