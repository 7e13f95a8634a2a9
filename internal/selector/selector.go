// Package selector implements the smart selection policy: filter candidates
// through the registry and circuit breaker, weight them by recent
// performance, then pick one. The weighted-random walk is grounded on
// internal/strategies/loadbalance.go's selectFromTargets (cumulative-sum
// roll over a total weight), generalized from static target weights to an
// "effective weight" blending success rate and latency.
package selector

import (
	"context"
	"math"
	"math/rand"
	"sort"
	"sync"

	"github.com/routergw/router/internal/registry"
	"github.com/routergw/router/internal/state"
)

// Mode selects the policy used to pick among weighted candidates, per
// spec §4.6.
type Mode string

// Selection mode constants.
const (
	ModeWeightedRandom Mode = "weighted_random"
	ModeBest           Mode = "best"
	ModeTopNRandom     Mode = "top_n_random"
)

// Constants chosen, per spec §4.6, so a typical sub-second latency yields
// an effective-weight latency factor near 1.
const (
	latencyNormalizationFactorMs = 500.0
	minLatencyMsForCalculation   = 50.0
	topNRandomSize               = 3
)

// BreakerAdmitter is the capability the selector needs from the circuit
// breaker: which candidate names are currently allowed to receive traffic.
type BreakerAdmitter interface {
	FilterAvailable(ctx context.Context, names []string) ([]string, error)
}

// Criteria bundles the registry filter with the routing knobs from
// spec §4.6.
type Criteria struct {
	Filter         registry.Criteria
	ExcludeModels  []string // by "name" or "provider/name"
	PreferFast     bool
	MinSuccessRate float64
	SelectionMode  Mode
}

// Selector resolves the next candidate model given criteria and already-
// tried models, per spec §4.6.
type Selector struct {
	reg     *registry.Registry
	breaker BreakerAdmitter
	store   state.Store
	rngMu   sync.Mutex
}

// New creates a Selector over reg, consulting breaker for admission and
// store for statistics.
func New(reg *registry.Registry, breaker BreakerAdmitter, store state.Store) *Selector {
	return &Selector{reg: reg, breaker: breaker, store: store}
}

type candidate struct {
	model registry.ModelDefinition
	stats state.Stats
}

func excluded(m registry.ModelDefinition, excludes []string) bool {
	for _, ex := range excludes {
		if ex == m.Name || ex == m.QualifiedName() {
			return true
		}
	}
	return false
}

// Select runs the full spec §4.6 algorithm and returns the chosen model, or
// (zero, false) if no candidate remains.
func (s *Selector) Select(ctx context.Context, c Criteria) (registry.ModelDefinition, bool, error) {
	base := s.reg.Filter(c.Filter)

	names := make([]string, 0, len(base))
	kept := base[:0:0]
	for _, m := range base {
		if excluded(m, c.ExcludeModels) {
			continue
		}
		kept = append(kept, m)
		names = append(names, m.Name)
	}

	admitted, err := s.breaker.FilterAvailable(ctx, names)
	if err != nil {
		return registry.ModelDefinition{}, false, err
	}
	admittedSet := make(map[string]struct{}, len(admitted))
	for _, n := range admitted {
		admittedSet[n] = struct{}{}
	}

	candidates := make([]candidate, 0, len(kept))
	for _, m := range kept {
		if _, ok := admittedSet[m.Name]; !ok {
			continue
		}
		st, err := s.stateFor(ctx, m.Name)
		if err != nil {
			return registry.ModelDefinition{}, false, err
		}
		if c.MinSuccessRate > 0 && st.SuccessRate < c.MinSuccessRate {
			continue
		}
		candidates = append(candidates, candidate{model: m, stats: st})
	}

	if len(candidates) == 0 {
		return registry.ModelDefinition{}, false, nil
	}

	switch {
	case c.PreferFast:
		return s.pickFastest(candidates), true, nil
	case c.SelectionMode == ModeBest:
		return s.pickBest(candidates), true, nil
	case c.SelectionMode == ModeTopNRandom:
		return s.pickTopNRandom(candidates), true, nil
	default:
		return s.pickWeightedRandom(candidates), true, nil
	}
}

func (s *Selector) stateFor(ctx context.Context, name string) (state.Stats, error) {
	m, err := s.store.GetState(ctx, name)
	if err != nil {
		return state.Stats{}, err
	}
	if m == nil {
		return state.Stats{SuccessRate: 1.0}, nil
	}
	return m.Stats, nil
}

func effectiveWeight(m registry.ModelDefinition, st state.Stats) float64 {
	staticWeight := float64(m.Weight)
	if staticWeight <= 0 {
		staticWeight = 1
	}
	if st.TotalRequests == 0 {
		return staticWeight
	}
	latency := st.AvgLatencyMs
	if latency < minLatencyMsForCalculation {
		latency = minLatencyMsForCalculation
	}
	return staticWeight * st.SuccessRate * (latencyNormalizationFactorMs / latency)
}

func (s *Selector) pickFastest(candidates []candidate) registry.ModelDefinition {
	best := candidates[0]
	bestLatency := math.Inf(1)
	if best.stats.TotalRequests > 0 {
		bestLatency = float64(best.stats.AvgLatencyMs)
	}
	for _, c := range candidates[1:] {
		latency := math.Inf(1)
		if c.stats.TotalRequests > 0 {
			latency = float64(c.stats.AvgLatencyMs)
		}
		if latency < bestLatency {
			best = c
			bestLatency = latency
		}
	}
	return best.model
}

func (s *Selector) pickBest(candidates []candidate) registry.ModelDefinition {
	best := candidates[0]
	bestWeight := effectiveWeight(best.model, best.stats)
	for _, c := range candidates[1:] {
		w := effectiveWeight(c.model, c.stats)
		if w > bestWeight {
			best = c
			bestWeight = w
		}
	}
	return best.model
}

func (s *Selector) pickTopNRandom(candidates []candidate) registry.ModelDefinition {
	sorted := make([]candidate, len(candidates))
	copy(sorted, candidates)
	sort.Slice(sorted, func(i, j int) bool {
		return effectiveWeight(sorted[i].model, sorted[i].stats) > effectiveWeight(sorted[j].model, sorted[j].stats)
	})
	n := topNRandomSize
	if n > len(sorted) {
		n = len(sorted)
	}
	return s.pickWeightedRandom(sorted[:n])
}

// pickWeightedRandom implements the cumulative-sum roll from
// internal/strategies/loadbalance.go's selectFromTargets, generalized to
// effective weights; falls back to the first candidate when total weight
// is 0.
func (s *Selector) pickWeightedRandom(candidates []candidate) registry.ModelDefinition {
	total := 0.0
	weights := make([]float64, len(candidates))
	for i, c := range candidates {
		w := effectiveWeight(c.model, c.stats)
		weights[i] = w
		total += w
	}
	if total <= 0 {
		return candidates[0].model
	}

	s.rngMu.Lock()
	roll := rand.Float64() * total //nolint:gosec
	s.rngMu.Unlock()
	for i, w := range weights {
		roll -= w
		if roll <= 0 {
			return candidates[i].model
		}
	}
	return candidates[len(candidates)-1].model
}

// PriorityTarget is one entry in an ordered priority list, per spec §4.6's
// priority-list selection.
type PriorityTarget struct {
	Name     string
	Provider string // optional
}

// SelectFromPriorityList iterates targets in order, returning the first
// model that resolves in the registry and is admitted by the breaker. If
// none match and allowAuto is true, it falls through to Select with
// fallback.
func (s *Selector) SelectFromPriorityList(ctx context.Context, targets []PriorityTarget, allowAuto bool, fallback Criteria) (registry.ModelDefinition, bool, error) {
	for _, t := range targets {
		m, ok := s.reg.FindByNameAndProvider(t.Name, t.Provider)
		if !ok {
			continue
		}
		admitted, err := s.breaker.FilterAvailable(ctx, []string{m.Name})
		if err != nil {
			return registry.ModelDefinition{}, false, err
		}
		if len(admitted) == 1 {
			return m, true, nil
		}
	}
	if allowAuto {
		return s.Select(ctx, fallback)
	}
	return registry.ModelDefinition{}, false, nil
}
