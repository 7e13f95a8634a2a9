// Package state defines the pluggable state-store contract consumed by the
// circuit breaker, the rate limiter, and the router: per-model health and
// statistics, rate-limit buckets, and global counters. The core depends only
// on the Store interface; three backends satisfy it — in-process (Memory),
// TCP-connected key/value (Redis), and HTTP key/value (HTTP) — grounded on
// the teacher's pattern of swappable cache backends
// (internal/cache/memory.go) and on the Redis-or-memory fallback cache in
// Tributary-ai-services-tas-agent-builder's cache_service_impl.go.
package state

import (
	"context"
	"sort"
	"time"
)

// CircuitState is the per-model health classification. Mirrors
// circuitbreaker.State but adds PermanentlyUnavailable, which the teacher's
// three-state breaker has no equivalent for.
type CircuitState int

// Circuit breaker states.
const (
	StateClosed CircuitState = iota
	StateOpen
	StateHalfOpen
	StatePermanentlyUnavailable
)

// String implements fmt.Stringer.
func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	case StatePermanentlyUnavailable:
		return "PERMANENTLY_UNAVAILABLE"
	default:
		return "UNKNOWN"
	}
}

// RequestRecord is one entry in a model's sliding-window request history.
type RequestRecord struct {
	Timestamp time.Time `json:"ts"`
	LatencyMs int64     `json:"latency_ms"`
	Success   bool      `json:"success"`
}

// Stats holds the aggregates derived from the sliding window of
// RequestRecords, recomputed on every record and on every cleanup pass.
type Stats struct {
	TotalRequests int64   `json:"total_requests"`
	SuccessCount  int64   `json:"success_count"`
	ErrorCount    int64   `json:"error_count"`
	SuccessRate   float64 `json:"success_rate"`
	AvgLatencyMs  float64 `json:"avg_latency_ms"`
	P95LatencyMs  float64 `json:"p95_latency_ms"`
}

// ModelState is the mutable per-model health/statistics record. One is
// created lazily on first reference to a model name.
type ModelState struct {
	CircuitState         CircuitState    `json:"circuit_state"`
	OpenedAt             *time.Time      `json:"opened_at,omitempty"`
	ConsecutiveFailures  int             `json:"consecutive_failures"`
	ConsecutiveSuccesses int             `json:"consecutive_successes"`
	Stats                Stats           `json:"stats"`
	LifetimeTotalReq     int64           `json:"lifetime_total_requests"`
	UnavailableReason    string          `json:"unavailable_reason,omitempty"`
	Requests             []RequestRecord `json:"requests,omitempty"`
}

// NewModelState returns a freshly initialized ModelState, matching the
// value resetState must restore (spec "idempotent resets" law).
func NewModelState() *ModelState {
	return &ModelState{
		CircuitState: StateClosed,
		Stats:        Stats{SuccessRate: 1.0},
	}
}

// Clone returns a deep copy sufficient for safe return-by-value across the
// Store boundary (callers must not observe concurrent mutation).
func (m *ModelState) Clone() *ModelState {
	if m == nil {
		return nil
	}
	cp := *m
	if m.OpenedAt != nil {
		t := *m.OpenedAt
		cp.OpenedAt = &t
	}
	cp.Requests = append([]RequestRecord(nil), m.Requests...)
	return &cp
}

// RecomputeStats discards records older than windowStart and recomputes the
// derived aggregates, per spec §4.3. It mutates m in place: m.Requests is
// replaced by the trimmed record slice.
func (m *ModelState) RecomputeStats(windowStart time.Time) {
	kept := m.Requests[:0:0]
	for _, r := range m.Requests {
		if !r.Timestamp.Before(windowStart) {
			kept = append(kept, r)
		}
	}
	m.Requests = kept

	var successCount, errorCount int64
	var latencies []int64
	for _, r := range kept {
		if r.Success {
			successCount++
			latencies = append(latencies, r.LatencyMs)
		} else {
			errorCount++
		}
	}
	total := successCount + errorCount
	m.Stats.TotalRequests = total
	m.Stats.SuccessCount = successCount
	m.Stats.ErrorCount = errorCount
	if total == 0 {
		m.Stats.SuccessRate = 1.0
	} else {
		m.Stats.SuccessRate = float64(successCount) / float64(total)
	}

	if len(latencies) == 0 {
		m.Stats.AvgLatencyMs = 0
		m.Stats.P95LatencyMs = 0
		return
	}
	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })
	var sum int64
	for _, l := range latencies {
		sum += l
	}
	m.Stats.AvgLatencyMs = float64(sum) / float64(len(latencies))
	idx := int(0.95 * float64(len(latencies)))
	if idx >= len(latencies) {
		idx = len(latencies) - 1
	}
	m.Stats.P95LatencyMs = float64(latencies[idx])
}

// Store is the capability set consumed by the circuit breaker, the rate
// limiter, and the router. Every operation may fail with an
// *routererr.StorageError, which callers surface rather than retry.
type Store interface {
	Init(ctx context.Context) error
	Close() error

	GetState(ctx context.Context, name string) (*ModelState, error)
	SetState(ctx context.Context, name string, s *ModelState) error
	ResetState(ctx context.Context, name string) error

	RecordRequest(ctx context.Context, name string, rec RequestRecord, windowSecs int64) error
	GetRequests(ctx context.Context, name string, windowStart time.Time) ([]RequestRecord, error)

	GetModelNames(ctx context.Context) ([]string, error)

	GetFallbacksUsed(ctx context.Context) (int64, error)
	RecordFallbackUsage(ctx context.Context) error

	// CheckRateLimit atomically increments the counter for key and returns
	// whether the post-increment value is within limit. On first increment
	// in a window, it sets an expiry of windowSecs.
	CheckRateLimit(ctx context.Context, key string, limit int64, windowSecs int64) (bool, error)
}

// Key-naming helpers shared by the Redis and HTTP backends, matching the
// persisted-state layout in spec.md §6.
const (
	stateKeyPrefix      = "router:state:"
	requestsKeyPrefix   = "router:requests:"
	rateLimitKeyPrefix  = "router:ratelimit:"
	fallbacksUsedKey    = "router:fallbacks_used"
)

func stateKey(name string) string     { return stateKeyPrefix + name }
func requestsKey(name string) string  { return requestsKeyPrefix + name }
func rateLimitKey(key string) string  { return rateLimitKeyPrefix + key }
