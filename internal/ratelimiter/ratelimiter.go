// Package ratelimiter enforces a per-model request quota on top of the
// shared state.Store, distinct from the teacher's internal/ratelimit token
// bucket (which stays in place as the transport-layer IP/API-key limiter).
// This one is keyed by model name, globally configured by a single
// requests-per-minute number, grounded on the fixed-window contract
// state.Store.CheckRateLimit already exposes and the config shape of
// internal/plugins/ratelimit's Plugin.Init.
package ratelimiter

import (
	"context"

	"github.com/routergw/router/internal/state"
)

const keyPrefix = "model:"

// Limiter enforces modelRequestsPerMinute against a state.Store, disabled
// entirely when that value is unset (zero).
type Limiter struct {
	store                  state.Store
	modelRequestsPerMinute int64
}

// New creates a Limiter. A zero requestsPerMinute disables enforcement —
// CheckModel always reports allowed in that case, per spec §4.5 ("Enabled
// iff that number is set").
func New(store state.Store, requestsPerMinute int64) *Limiter {
	return &Limiter{store: store, modelRequestsPerMinute: requestsPerMinute}
}

// Enabled reports whether a requests-per-minute quota is configured.
func (l *Limiter) Enabled() bool {
	return l.modelRequestsPerMinute > 0
}

// CheckModel reports whether name may be dispatched to this minute, per
// spec §4.5: a fixed 60-second window, admitting iff the post-increment
// count is at most modelRequestsPerMinute.
func (l *Limiter) CheckModel(ctx context.Context, name string) (bool, error) {
	if !l.Enabled() {
		return true, nil
	}
	return l.store.CheckRateLimit(ctx, keyPrefix+name, l.modelRequestsPerMinute, 60)
}
