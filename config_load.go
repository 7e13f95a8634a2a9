package routergw

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/routergw/router/internal/registry"
)

// LoadConfig reads and parses a config file from the given path, the same
// extension-dispatch shape as the teacher's LoadConfig: ".yaml"/".yml" via
// gopkg.in/yaml.v3, ".json" via encoding/json.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path) //nolint:gosec
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := DefaultConfig()
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing YAML config: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing JSON config: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config file extension %q: use .json, .yaml, or .yml", ext)
	}

	return &cfg, nil
}

// LoadConfigFromEnv overlays the canonical env vars from spec §6 onto base,
// mirroring cmd/routergw/main.go's os.Getenv + typed-conversion pattern (the
// teacher has no dedicated env-var loader of this shape to copy verbatim,
// so this generalizes that same per-field convention across every routing,
// circuit-breaker, rate-limit, and state-backend knob).
func LoadConfigFromEnv(base Config) Config {
	cfg := base

	if v := os.Getenv("PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Port = n
		}
	}
	if v := os.Getenv("HOST"); v != "" {
		cfg.Host = v
	}
	if v := os.Getenv("ROUTER_CONFIG_PATH"); v != "" {
		cfg.ModelCatalogPath = v
	}

	if v := os.Getenv("ROUTING_MAX_MODEL_SWITCHES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Routing.MaxModelSwitches = n
		}
	}
	if v := os.Getenv("ROUTING_MAX_SAME_MODEL_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Routing.MaxSameModelRetries = n
		}
	}
	if v := os.Getenv("ROUTING_RETRY_DELAY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Routing.RetryDelay = time.Duration(n) * time.Millisecond
		}
	}
	if v := os.Getenv("ROUTING_TIMEOUT_SECS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Routing.TimeoutSecs = n
		}
	}
	if v := os.Getenv("ROUTING_FALLBACK_ENABLED"); v != "" {
		cfg.Routing.FallbackEnabled = v == "true" || v == "1"
	}
	if v := os.Getenv("ROUTING_FALLBACK_PROVIDER"); v != "" {
		cfg.Routing.FallbackProvider = v
	}
	if v := os.Getenv("ROUTING_FALLBACK_MODEL"); v != "" {
		cfg.Routing.FallbackModel = v
	}

	if v := os.Getenv("CB_FAILURE_THRESHOLD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.CircuitBreaker.FailureThreshold = n
		}
	}
	if v := os.Getenv("CB_COOLDOWN_PERIOD_MINS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.CircuitBreaker.CooldownPeriodMins = n
		}
	}
	if v := os.Getenv("CB_SUCCESS_THRESHOLD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.CircuitBreaker.SuccessThreshold = n
		}
	}
	if v := os.Getenv("CB_STATS_WINDOW_SIZE_MINS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.CircuitBreaker.StatsWindowSizeMins = n
		}
	}

	if v := os.Getenv("ROUTER_MODEL_REQUESTS_PER_MINUTE"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.ModelRequestsPerMinute = n
		}
	}
	if v := os.Getenv("ROUTER_MODEL_OVERRIDES"); v != "" {
		var overrides []registry.Override
		if err := json.Unmarshal([]byte(v), &overrides); err == nil {
			cfg.ModelOverrides = overrides
		}
	}

	switch os.Getenv("REDIS_TYPE") {
	case "tcp":
		cfg.State.Type = BackendTCP
	case "http":
		cfg.State.Type = BackendHTTP
	case "memory":
		cfg.State.Type = BackendMemory
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.State.URL = v
	}
	if v := os.Getenv("REDIS_TOKEN"); v != "" {
		cfg.State.Token = v
	}

	applyProviderEnv(&cfg, "openrouter", "OPENROUTER_ENABLED", "OPENROUTER_API_KEY", "OPENROUTER_BASE_URL")
	applyProviderEnv(&cfg, "deepseek", "DEEPSEEK_ENABLED", "DEEPSEEK_API_KEY", "DEEPSEEK_BASE_URL")

	return cfg
}

func applyProviderEnv(cfg *Config, name, enabledVar, keyVar, baseURLVar string) {
	if os.Getenv(enabledVar) != "true" && os.Getenv(keyVar) == "" {
		return
	}
	cfg.Providers = append(cfg.Providers, ProviderConfig{
		Name:    name,
		Enabled: true,
		APIKey:  os.Getenv(keyVar),
		BaseURL: os.Getenv(baseURLVar),
	})
}

// ValidateConfig validates a Config for correctness before it is used to
// build a Router.
func ValidateConfig(cfg Config) error {
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return fmt.Errorf("invalid port: %d", cfg.Port)
	}
	if cfg.ModelCatalogPath == "" {
		return fmt.Errorf("model_catalog_path is required")
	}
	if cfg.Routing.MaxModelSwitches < 0 {
		return fmt.Errorf("routing.max_model_switches must be >= 0")
	}
	if cfg.Routing.MaxSameModelRetries < 0 {
		return fmt.Errorf("routing.max_same_model_retries must be >= 0")
	}
	if cfg.Routing.TimeoutSecs <= 0 || cfg.Routing.TimeoutSecs > 600 {
		return fmt.Errorf("routing.timeout_secs must be in (0, 600]")
	}
	switch cfg.State.Type {
	case BackendMemory, BackendTCP, BackendHTTP:
	default:
		return fmt.Errorf("unknown state backend type: %q", cfg.State.Type)
	}
	if (cfg.State.Type == BackendTCP || cfg.State.Type == BackendHTTP) && cfg.State.URL == "" {
		return fmt.Errorf("state.url is required for backend %q", cfg.State.Type)
	}
	return nil
}
