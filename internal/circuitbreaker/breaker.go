// Package circuitbreaker implements the four-state breaker from spec §4.4:
// CLOSED, OPEN, HALF_OPEN, PERMANENTLY_UNAVAILABLE. Unlike the teacher's
// three-state in-memory breaker (which owns its own counters directly), this
// breaker reads and writes per-model state through a state.Store so the same
// state machine works whether the backend is in-process or a shared Redis
// instance fleet-wide (spec §9 "Back-references": "the circuit breaker reads
// and writes ModelState but does not own it").
package circuitbreaker

import (
	"context"
	"time"

	"github.com/routergw/router/internal/state"
)

// Config holds the thresholds driving state transitions. Defaults mirror
// spec §4.4: FailureThreshold=3, CooldownPeriodMins=3, SuccessThreshold=2,
// StatsWindowSizeMins=10.
type Config struct {
	FailureThreshold     int
	CooldownPeriodMins   int
	SuccessThreshold     int
	StatsWindowSizeMins  int
}

// DefaultConfig returns the spec-mandated defaults.
func DefaultConfig() Config {
	return Config{
		FailureThreshold:    3,
		CooldownPeriodMins:  3,
		SuccessThreshold:    2,
		StatsWindowSizeMins: 10,
	}
}

func (c Config) cooldown() time.Duration {
	return time.Duration(c.CooldownPeriodMins) * time.Minute
}

func (c Config) statsWindow() time.Duration {
	return time.Duration(c.StatsWindowSizeMins) * time.Minute
}

// Breaker drives the per-model circuit state machine against a shared
// state.Store.
type Breaker struct {
	store state.Store
	cfg   Config
}

// New creates a Breaker backed by store using cfg's thresholds.
func New(store state.Store, cfg Config) *Breaker {
	return &Breaker{store: store, cfg: cfg}
}

func (b *Breaker) loadOrInit(ctx context.Context, name string) (*state.ModelState, error) {
	m, err := b.store.GetState(ctx, name)
	if err != nil {
		return nil, err
	}
	if m == nil {
		m = state.NewModelState()
	}
	return m, nil
}

// OnSuccess records a successful call and advances the state machine per
// the CLOSED/HALF_OPEN rows of spec §4.4's transition table, then records
// the request in the sliding window.
func (b *Breaker) OnSuccess(ctx context.Context, name string, latencyMs int64) error {
	m, err := b.loadOrInit(ctx, name)
	if err != nil {
		return err
	}

	switch m.CircuitState {
	case state.StateHalfOpen:
		m.ConsecutiveSuccesses++
		m.ConsecutiveFailures = 0
		if m.ConsecutiveSuccesses >= b.cfg.SuccessThreshold {
			m.CircuitState = state.StateClosed
			m.OpenedAt = nil
			m.ConsecutiveSuccesses = 0
			m.ConsecutiveFailures = 0
		}
	case state.StateClosed:
		m.ConsecutiveFailures = 0
		m.ConsecutiveSuccesses++
	case state.StatePermanentlyUnavailable:
		// stuck until process restart or explicit resetState.
	case state.StateOpen:
		// a success while OPEN should not happen (CanRequest() denies dispatch),
		// but if observed, treat it like a successful probe.
		m.CircuitState = state.StateHalfOpen
		m.ConsecutiveSuccesses = 1
		m.ConsecutiveFailures = 0
	}

	if err := b.store.SetState(ctx, name, m); err != nil {
		return err
	}
	return b.store.RecordRequest(ctx, name, state.RequestRecord{
		Timestamp: time.Now(),
		LatencyMs: latencyMs,
		Success:   true,
	}, int64(b.cfg.statsWindow().Seconds()))
}

// OnFailure records a failed call. errorCode, when 404, unconditionally
// trips PERMANENTLY_UNAVAILABLE per spec §4.4, regardless of current state.
func (b *Breaker) OnFailure(ctx context.Context, name string, errorCode int, latencyMs int64) error {
	m, err := b.loadOrInit(ctx, name)
	if err != nil {
		return err
	}

	if errorCode == 404 {
		m.CircuitState = state.StatePermanentlyUnavailable
		m.UnavailableReason = "model not found (404)"
		m.OpenedAt = nil
	} else {
		switch m.CircuitState {
		case state.StateClosed:
			m.ConsecutiveFailures++
			m.ConsecutiveSuccesses = 0
			if m.ConsecutiveFailures >= b.cfg.FailureThreshold {
				m.CircuitState = state.StateOpen
				now := time.Now()
				m.OpenedAt = &now
			}
		case state.StateHalfOpen:
			m.CircuitState = state.StateOpen
			now := time.Now()
			m.OpenedAt = &now
			m.ConsecutiveSuccesses = 0
		case state.StatePermanentlyUnavailable:
			// stuck.
		case state.StateOpen:
			// already open; nothing further to do.
		}
	}

	if err := b.store.SetState(ctx, name, m); err != nil {
		return err
	}

	var latency int64
	if latencyMs > 0 {
		latency = latencyMs
	}
	return b.store.RecordRequest(ctx, name, state.RequestRecord{
		Timestamp: time.Now(),
		LatencyMs: latency,
		Success:   false,
	}, int64(b.cfg.statsWindow().Seconds()))
}

// CanRequest returns true for CLOSED and HALF_OPEN. For OPEN it performs the
// cooldown-probe transition to HALF_OPEN once the cooldown has elapsed, per
// spec §4.4. Returns false for PERMANENTLY_UNAVAILABLE.
func (b *Breaker) CanRequest(ctx context.Context, name string) (bool, error) {
	m, err := b.loadOrInit(ctx, name)
	if err != nil {
		return false, err
	}

	switch m.CircuitState {
	case state.StateClosed, state.StateHalfOpen:
		return true, nil
	case state.StatePermanentlyUnavailable:
		return false, nil
	case state.StateOpen:
		if m.OpenedAt == nil {
			return true, nil
		}
		if time.Since(*m.OpenedAt) >= b.cfg.cooldown() {
			m.CircuitState = state.StateHalfOpen
			m.ConsecutiveSuccesses = 0
			if err := b.store.SetState(ctx, name, m); err != nil {
				return false, err
			}
			return true, nil
		}
		return false, nil
	default:
		return false, nil
	}
}

// FilterAvailable returns the subset of names admitted by CanRequest.
func (b *Breaker) FilterAvailable(ctx context.Context, names []string) ([]string, error) {
	out := make([]string, 0, len(names))
	for _, name := range names {
		ok, err := b.CanRequest(ctx, name)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, name)
		}
	}
	return out, nil
}

// GetRemainingCooldown returns how long until an OPEN model's cooldown
// elapses, or 0 if the model is not OPEN.
func (b *Breaker) GetRemainingCooldown(ctx context.Context, name string) (time.Duration, error) {
	m, err := b.loadOrInit(ctx, name)
	if err != nil {
		return 0, err
	}
	if m.CircuitState != state.StateOpen || m.OpenedAt == nil {
		return 0, nil
	}
	remaining := b.cfg.cooldown() - time.Since(*m.OpenedAt)
	if remaining < 0 {
		return 0, nil
	}
	return remaining, nil
}

// ResetState clears a model's circuit-breaker state back to CLOSED via the
// underlying store. Per DESIGN.md's resolution of the open question in
// spec §9, this also clears UnavailableReason — an admin-triggered reset is
// the only way out of PERMANENTLY_UNAVAILABLE short of a process restart,
// so it must fully clear the stuck state rather than leave it half-tripped.
func (b *Breaker) ResetState(ctx context.Context, name string) error {
	return b.store.ResetState(ctx, name)
}
