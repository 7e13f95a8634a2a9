package selector

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/routergw/router/internal/registry"
	"github.com/routergw/router/internal/state"
)

const catalogYAML = `
models:
  - name: a
    provider: p1
    model_id: a
    type: fast
    available: true
    weight: 1
  - name: b
    provider: p1
    model_id: b
    type: fast
    available: true
    weight: 1
  - name: c
    provider: p1
    model_id: c
    type: fast
    available: true
    weight: 1
`

func newTestRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	if err := os.WriteFile(path, []byte(catalogYAML), 0o644); err != nil {
		t.Fatal(err)
	}
	reg := registry.New(nil)
	if err := reg.Load(path, nil); err != nil {
		t.Fatal(err)
	}
	return reg
}

// admitAll lets every candidate through FilterAvailable, isolating the
// selection algorithm itself from circuit-breaker admission logic.
type admitAll struct{ denied map[string]bool }

func (a admitAll) FilterAvailable(_ context.Context, names []string) ([]string, error) {
	out := make([]string, 0, len(names))
	for _, n := range names {
		if !a.denied[n] {
			out = append(out, n)
		}
	}
	return out, nil
}

func TestSelectNoCandidatesReturnsFalse(t *testing.T) {
	reg := newTestRegistry(t)
	s := New(reg, admitAll{denied: map[string]bool{"a": true, "b": true, "c": true}}, state.NewMemoryStore())

	_, found, err := s.Select(context.Background(), Criteria{})
	if err != nil {
		t.Fatal(err)
	}
	if found {
		t.Fatal("expected no candidate to be selectable when the breaker denies everything")
	}
}

func TestSelectExcludeModels(t *testing.T) {
	reg := newTestRegistry(t)
	s := New(reg, admitAll{}, state.NewMemoryStore())

	for i := 0; i < 20; i++ {
		m, found, err := s.Select(context.Background(), Criteria{ExcludeModels: []string{"a", "b"}})
		if err != nil {
			t.Fatal(err)
		}
		if !found || m.Name != "c" {
			t.Fatalf("expected only 'c' to remain after excluding a and b, got %+v found=%v", m, found)
		}
	}
}

func TestSelectPreferFastPicksLowestLatency(t *testing.T) {
	reg := newTestRegistry(t)
	store := state.NewMemoryStore()
	ctx := context.Background()

	// a has recorded a slow average; b a fast one; c has no history.
	_ = store.SetState(ctx, "a", &state.ModelState{Stats: state.Stats{TotalRequests: 5, AvgLatencyMs: 900, SuccessRate: 1}})
	_ = store.SetState(ctx, "b", &state.ModelState{Stats: state.Stats{TotalRequests: 5, AvgLatencyMs: 50, SuccessRate: 1}})

	s := New(reg, admitAll{}, store)
	m, found, err := s.Select(ctx, Criteria{PreferFast: true})
	if err != nil {
		t.Fatal(err)
	}
	if !found || m.Name != "b" {
		t.Fatalf("expected the fastest recorded model 'b', got %+v", m)
	}
}

func TestSelectModeBestPicksHighestEffectiveWeight(t *testing.T) {
	reg := newTestRegistry(t)
	store := state.NewMemoryStore()
	ctx := context.Background()

	_ = store.SetState(ctx, "a", &state.ModelState{Stats: state.Stats{TotalRequests: 10, AvgLatencyMs: 500, SuccessRate: 0.5}})
	_ = store.SetState(ctx, "b", &state.ModelState{Stats: state.Stats{TotalRequests: 10, AvgLatencyMs: 500, SuccessRate: 1.0}})

	s := New(reg, admitAll{}, store)
	m, found, err := s.Select(ctx, Criteria{SelectionMode: ModeBest, ExcludeModels: []string{"c"}})
	if err != nil {
		t.Fatal(err)
	}
	if !found || m.Name != "b" {
		t.Fatalf("expected 'b' (higher success rate, same latency/weight) to win, got %+v", m)
	}
}

func TestSelectMinSuccessRateFilter(t *testing.T) {
	reg := newTestRegistry(t)
	store := state.NewMemoryStore()
	ctx := context.Background()

	_ = store.SetState(ctx, "a", &state.ModelState{Stats: state.Stats{TotalRequests: 10, SuccessRate: 0.1}})
	_ = store.SetState(ctx, "b", &state.ModelState{Stats: state.Stats{TotalRequests: 10, SuccessRate: 0.9}})
	_ = store.SetState(ctx, "c", &state.ModelState{Stats: state.Stats{TotalRequests: 10, SuccessRate: 0.95}})

	s := New(reg, admitAll{}, store)
	for i := 0; i < 20; i++ {
		m, found, err := s.Select(ctx, Criteria{MinSuccessRate: 0.8})
		if err != nil {
			t.Fatal(err)
		}
		if !found {
			t.Fatal("expected at least one candidate to clear the success-rate floor")
		}
		if m.Name == "a" {
			t.Fatal("expected 'a' to be filtered out by MinSuccessRate")
		}
	}
}

func TestSelectFromPriorityListReturnsFirstAdmitted(t *testing.T) {
	reg := newTestRegistry(t)
	s := New(reg, admitAll{denied: map[string]bool{"a": true}}, state.NewMemoryStore())

	m, found, err := s.SelectFromPriorityList(context.Background(), []PriorityTarget{
		{Name: "a", Provider: "p1"},
		{Name: "b", Provider: "p1"},
	}, false, Criteria{})
	if err != nil {
		t.Fatal(err)
	}
	if !found || m.Name != "b" {
		t.Fatalf("expected the priority list to skip denied 'a' and pick 'b', got %+v found=%v", m, found)
	}
}

func TestSelectFromPriorityListFallsBackToAuto(t *testing.T) {
	reg := newTestRegistry(t)
	s := New(reg, admitAll{denied: map[string]bool{"a": true, "b": true}}, state.NewMemoryStore())

	m, found, err := s.SelectFromPriorityList(context.Background(), []PriorityTarget{
		{Name: "a", Provider: "p1"},
	}, true, Criteria{})
	if err != nil {
		t.Fatal(err)
	}
	if !found || m.Name != "c" {
		t.Fatalf("expected fallback to Select to land on 'c' (the only admitted candidate), got %+v found=%v", m, found)
	}
}

func TestSelectFromPriorityListNoFallbackReturnsNotFound(t *testing.T) {
	reg := newTestRegistry(t)
	s := New(reg, admitAll{denied: map[string]bool{"a": true}}, state.NewMemoryStore())

	_, found, err := s.SelectFromPriorityList(context.Background(), []PriorityTarget{
		{Name: "a", Provider: "p1"},
	}, false, Criteria{})
	if err != nil {
		t.Fatal(err)
	}
	if found {
		t.Fatal("expected no fallback when allowAuto is false")
	}
}
