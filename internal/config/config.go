// Package config is the Bootstrap/Config Loader (C9): it parses the
// on-disk GatewayConfig, applies defaults, validates it, and hands the
// result to main for constructing the Config Store and the rest of C1-C8.
// The loader itself is intentionally outside the core per spec's explicit
// non-goal on persistent/external config sourcing.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/nullbridge/apigw/internal/store"
)

// GatewayConfig is the YAML shape consumed once at startup; the core never
// reads it again after BuildStore constructs the Config Store.
type GatewayConfig struct {
	Server           ServerConfig  `yaml:"server"`
	RateLimitBackend string        `yaml:"rate_limit_backend"` // "memory" | "redis"
	Redis            RedisConfig   `yaml:"redis"`
	Admin            AdminConfig   `yaml:"admin"`
	Routes           []RouteConfig `yaml:"routes"`
	Keys             []KeyConfig   `yaml:"keys"`
}

type ServerConfig struct {
	Addr                     string   `yaml:"addr"`
	LogRingSize              int      `yaml:"log_ring_size"`
	TrustedProxies           []string `yaml:"trusted_proxies"`
	MaxHeaderBytes           int      `yaml:"max_header_bytes"`
	MaxBodyBytes             int64    `yaml:"max_body_bytes"`
	ReadTimeoutSeconds       int      `yaml:"read_timeout_seconds"`
	WriteTimeoutSeconds      int      `yaml:"write_timeout_seconds"`
	IdleTimeoutSeconds       int      `yaml:"idle_timeout_seconds"`
	ReadHeaderTimeoutSeconds int      `yaml:"read_header_timeout_seconds"`
	ShutdownGraceSeconds     int      `yaml:"shutdown_grace_seconds"`

	DialTimeoutSeconds           int `yaml:"dial_timeout_seconds"`
	TLSHandshakeTimeoutSeconds   int `yaml:"tls_handshake_timeout_seconds"`
	ResponseHeaderTimeoutSeconds int `yaml:"response_header_timeout_seconds"`
	IdleConnTimeoutSeconds       int `yaml:"idle_conn_timeout_seconds"`
	MaxIdleConns                 int `yaml:"max_idle_conns"`
	MaxIdleConnsPerHost          int `yaml:"max_idle_conns_per_host"`
	ForwardTimeoutSeconds        int `yaml:"forward_timeout_seconds"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type AdminConfig struct {
	Key        string  `yaml:"key"`        // static X-Admin-Key, optional
	JWTSecret  string  `yaml:"jwt_secret"` // HS256 admin-JWT secret, optional
	WriteRPS   float64 `yaml:"write_rps"`
	WriteBurst int     `yaml:"write_burst"`
}

type RouteConfig struct {
	PathPrefix  string `yaml:"path_prefix"`
	TargetURL   string `yaml:"target_url"`
	StripPrefix bool   `yaml:"strip_prefix"`
}

type KeyConfig struct {
	Key       string           `yaml:"key"`
	Name      string           `yaml:"name"`
	RateLimit *RateLimitConfig `yaml:"rate_limit"`
}

type RateLimitConfig struct {
	IntervalMS int64 `yaml:"interval_ms"`
	Limit      int64 `yaml:"limit"`
}

// Load reads path, applies defaults, and validates the result.
func Load(path string) (*GatewayConfig, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg GatewayConfig
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	applyDefaults(&cfg)
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(cfg *GatewayConfig) {
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8080"
	}
	if cfg.Server.LogRingSize == 0 {
		cfg.Server.LogRingSize = 500
	}
	if cfg.Server.MaxHeaderBytes == 0 {
		cfg.Server.MaxHeaderBytes = 1 << 20
	}
	if cfg.Server.MaxBodyBytes == 0 {
		cfg.Server.MaxBodyBytes = 10 << 20
	}
	if cfg.Server.ReadHeaderTimeoutSeconds == 0 {
		cfg.Server.ReadHeaderTimeoutSeconds = 5
	}
	if cfg.Server.ReadTimeoutSeconds == 0 {
		cfg.Server.ReadTimeoutSeconds = 15
	}
	if cfg.Server.WriteTimeoutSeconds == 0 {
		cfg.Server.WriteTimeoutSeconds = 60
	}
	if cfg.Server.IdleTimeoutSeconds == 0 {
		cfg.Server.IdleTimeoutSeconds = 60
	}
	if cfg.Server.ShutdownGraceSeconds == 0 {
		cfg.Server.ShutdownGraceSeconds = 10
	}
	if cfg.Server.DialTimeoutSeconds == 0 {
		cfg.Server.DialTimeoutSeconds = 3
	}
	if cfg.Server.TLSHandshakeTimeoutSeconds == 0 {
		cfg.Server.TLSHandshakeTimeoutSeconds = 5
	}
	if cfg.Server.ResponseHeaderTimeoutSeconds == 0 {
		cfg.Server.ResponseHeaderTimeoutSeconds = 10
	}
	if cfg.Server.IdleConnTimeoutSeconds == 0 {
		cfg.Server.IdleConnTimeoutSeconds = 90
	}
	if cfg.Server.MaxIdleConns == 0 {
		cfg.Server.MaxIdleConns = 256
	}
	if cfg.Server.MaxIdleConnsPerHost == 0 {
		cfg.Server.MaxIdleConnsPerHost = 64
	}
	if cfg.Server.ForwardTimeoutSeconds == 0 {
		cfg.Server.ForwardTimeoutSeconds = 30
	}
	if cfg.RateLimitBackend == "" {
		cfg.RateLimitBackend = "memory"
	}
	if cfg.Admin.WriteRPS == 0 {
		cfg.Admin.WriteRPS = 2
	}
	if cfg.Admin.WriteBurst == 0 {
		cfg.Admin.WriteBurst = 5
	}
}

// Validate enforces the Config Store's path_prefix/key uniqueness
// invariants up front, plus basic shape checks on each field.
func Validate(cfg *GatewayConfig) error {
	if cfg.Server.Addr == "" {
		return errors.New("server.addr is required")
	}

	backend := strings.ToLower(strings.TrimSpace(cfg.RateLimitBackend))
	if backend != "memory" && backend != "redis" {
		return fmt.Errorf("rate_limit_backend must be 'memory' or 'redis', got %q", cfg.RateLimitBackend)
	}
	if backend == "redis" && strings.TrimSpace(cfg.Redis.Addr) == "" {
		return errors.New("redis.addr is required when rate_limit_backend is redis")
	}

	seenPrefix := map[string]struct{}{}
	for i, r := range cfg.Routes {
		idx := fmt.Sprintf("routes[%d]", i)
		pp := strings.TrimSpace(r.PathPrefix)
		if pp == "" || !strings.HasPrefix(pp, "/") {
			return fmt.Errorf("%s.path_prefix must start with '/'", idx)
		}
		if strings.HasPrefix(pp, "/admin") {
			return fmt.Errorf("%s.path_prefix %q must not shadow the /admin namespace", idx, pp)
		}
		if _, ok := seenPrefix[pp]; ok {
			return fmt.Errorf("%s: duplicate path_prefix %q", idx, pp)
		}
		seenPrefix[pp] = struct{}{}

		if r.TargetURL == "" {
			return fmt.Errorf("%s.target_url is required", idx)
		}
		u, err := url.Parse(r.TargetURL)
		if err != nil || !u.IsAbs() {
			return fmt.Errorf("%s.target_url must be an absolute URL", idx)
		}
	}

	seenKey := map[string]struct{}{}
	for i, k := range cfg.Keys {
		idx := fmt.Sprintf("keys[%d]", i)
		if strings.TrimSpace(k.Key) == "" {
			return fmt.Errorf("%s.key is required", idx)
		}
		if _, ok := seenKey[k.Key]; ok {
			return fmt.Errorf("%s: duplicate key %q", idx, k.Key)
		}
		seenKey[k.Key] = struct{}{}
		if k.RateLimit != nil {
			if k.RateLimit.IntervalMS <= 0 {
				return fmt.Errorf("%s.rate_limit.interval_ms must be > 0", idx)
			}
			if k.RateLimit.Limit < 0 {
				return fmt.Errorf("%s.rate_limit.limit must be >= 0", idx)
			}
		}
	}
	return nil
}

// BuildStore translates the validated config into the Config Store's
// initial route table and key set.
func BuildStore(cfg *GatewayConfig) (*store.Store, error) {
	routes := make([]store.RouteRule, len(cfg.Routes))
	for i, r := range cfg.Routes {
		routes[i] = store.RouteRule{
			PathPrefix:  r.PathPrefix,
			TargetURL:   r.TargetURL,
			StripPrefix: r.StripPrefix,
		}
	}
	keys := make([]store.ApiKey, len(cfg.Keys))
	for i, k := range cfg.Keys {
		ak := store.ApiKey{Key: k.Key, Name: k.Name}
		if k.RateLimit != nil {
			ak.RateLimit = &store.RateLimitPolicy{
				IntervalMS: k.RateLimit.IntervalMS,
				Limit:      k.RateLimit.Limit,
			}
		}
		keys[i] = ak
	}
	return store.New(routes, keys)
}
