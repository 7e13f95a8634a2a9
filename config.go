// Package routergw is the request-routing gateway core: model registry,
// state store, circuit breaker, rate limiter, smart selector, request
// builder, retry handler, and the router orchestrator that composes them.
//
// Config is loaded once at startup (LoadConfig / LoadConfigFromEnv) and is
// read-only thereafter; Router is the long-lived entry point, built with
// New and driven with Route/RouteStream per spec.
package routergw

import (
	"time"

	"github.com/routergw/router/internal/circuitbreaker"
	"github.com/routergw/router/internal/registry"
)

// RoutingConfig holds the per-request routing defaults, all overridable by
// fields on an individual request.
type RoutingConfig struct {
	MaxModelSwitches    int           `json:"max_model_switches" yaml:"max_model_switches"`
	MaxSameModelRetries int           `json:"max_same_model_retries" yaml:"max_same_model_retries"`
	RetryDelay          time.Duration `json:"retry_delay" yaml:"retry_delay"`
	TimeoutSecs         int           `json:"timeout_secs" yaml:"timeout_secs"`

	FallbackEnabled  bool   `json:"fallback_enabled" yaml:"fallback_enabled"`
	FallbackProvider string `json:"fallback_provider" yaml:"fallback_provider"`
	FallbackModel    string `json:"fallback_model" yaml:"fallback_model"`
}

// DefaultRoutingConfig mirrors the defaults a fresh deployment should ship
// with absent explicit overrides.
func DefaultRoutingConfig() RoutingConfig {
	return RoutingConfig{
		MaxModelSwitches:    3,
		MaxSameModelRetries: 2,
		RetryDelay:          500 * time.Millisecond,
		TimeoutSecs:         60,
	}
}

// ProviderConfig describes one upstream adapter the router may dispatch to.
// Exactly how credentials are supplied is adapter-specific (API key, OAuth,
// or none), mirroring the teacher's per-provider env-var convention in
// cmd/routergw/main.go.
type ProviderConfig struct {
	Name    string `json:"name" yaml:"name"`
	Enabled bool   `json:"enabled" yaml:"enabled"`
	APIKey  string `json:"api_key,omitempty" yaml:"api_key,omitempty"`
	BaseURL string `json:"base_url,omitempty" yaml:"base_url,omitempty"`
}

// PluginConfig names a registered plugin.Plugin to load into the request
// pipeline, per the teacher's plugin.Manager stage model.
type PluginConfig struct {
	Name    string                 `json:"name" yaml:"name"`
	Stage   string                 `json:"stage" yaml:"stage"` // before_request | after_request | on_error
	Enabled bool                   `json:"enabled" yaml:"enabled"`
	Config  map[string]interface{} `json:"config,omitempty" yaml:"config,omitempty"`
}

// RedisBackend selects the state.Store implementation, per spec §6's
// REDIS_TYPE env var.
type RedisBackend string

// Backend constants.
const (
	BackendMemory RedisBackend = "memory"
	BackendTCP    RedisBackend = "tcp"
	BackendHTTP   RedisBackend = "http"
)

// StateBackendConfig configures which state.Store implementation to build.
type StateBackendConfig struct {
	Type     RedisBackend `json:"type" yaml:"type"`
	URL      string       `json:"url,omitempty" yaml:"url,omitempty"`
	Token    string       `json:"token,omitempty" yaml:"token,omitempty"`
	Password string       `json:"password,omitempty" yaml:"password,omitempty"`
	DB       int          `json:"db,omitempty" yaml:"db,omitempty"`
}

// Config is the immutable, validated configuration value every core
// component is built from, per spec §2 item 1.
type Config struct {
	Port int    `json:"port" yaml:"port"`
	Host string `json:"host" yaml:"host"`

	ModelCatalogPath string              `json:"model_catalog_path" yaml:"model_catalog_path"`
	ModelOverrides   []registry.Override `json:"model_overrides,omitempty" yaml:"model_overrides,omitempty"`

	Routing        RoutingConfig           `json:"routing" yaml:"routing"`
	CircuitBreaker circuitbreaker.Config   `json:"circuit_breaker" yaml:"circuit_breaker"`
	State          StateBackendConfig      `json:"state" yaml:"state"`
	Providers      []ProviderConfig        `json:"providers,omitempty" yaml:"providers,omitempty"`

	// Plugins configures request-pipeline hooks (guardrails, logging,
	// rate limiting, etc.), loaded by name from the plugin registry.
	Plugins []PluginConfig `json:"plugins,omitempty" yaml:"plugins,omitempty"`

	// ModelRequestsPerMinute enables the per-model rate limiter when > 0,
	// per spec §4.5.
	ModelRequestsPerMinute int64 `json:"model_requests_per_minute,omitempty" yaml:"model_requests_per_minute,omitempty"`

	// ShutdownTimeout bounds how long graceful shutdown waits for in-flight
	// requests before forcing cancellation, per spec §5.
	ShutdownTimeout time.Duration `json:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// DefaultConfig returns a Config with every documented default applied,
// ready for env/file overrides to patch over it.
func DefaultConfig() Config {
	return Config{
		Port:            8080,
		Host:            "0.0.0.0",
		Routing:         DefaultRoutingConfig(),
		CircuitBreaker:  circuitbreaker.DefaultConfig(),
		State:           StateBackendConfig{Type: BackendMemory},
		ShutdownTimeout: 10 * time.Second,
	}
}
