// Package observability implements the observability hooks: a per-handler
// counter/latency reservoir and the health snapshot assembly that folds
// store liveness, breaker states, and SLA compliance into one result for
// the `health` tool action.
package observability

import (
	"context"
	"sort"
	"sync"
	"time"

	"ltmc/internal/circuitbreaker"
	"ltmc/internal/storage"
	"ltmc/internal/types"
)

// SLA targets per handler name.
var slaTargets = map[string]time.Duration{
	"tools/list":         500 * time.Millisecond,
	"tool_execution_avg": 2 * time.Second,
	"db_op_p95":          100 * time.Millisecond,
	"thought.create":     100 * time.Millisecond, // p90
	"thought.find_similar": 50 * time.Millisecond, // p95
}

const reservoirSize = 256

// handlerStats tracks one handler's calls/failures/degraded counts and a
// bounded ring buffer of recent latencies for quantile estimation.
type handlerStats struct {
	mu        sync.Mutex
	calls     int64
	failures  int64
	degraded  int64
	latencies []time.Duration
	next      int
}

func (h *handlerStats) record(d time.Duration, failed, wasDegraded bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls++
	if failed {
		h.failures++
	}
	if wasDegraded {
		h.degraded++
	}
	if len(h.latencies) < reservoirSize {
		h.latencies = append(h.latencies, d)
	} else {
		h.latencies[h.next%reservoirSize] = d
		h.next++
	}
}

func (h *handlerStats) quantiles() (p50, p90, p95, p99 time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.latencies) == 0 {
		return 0, 0, 0, 0
	}
	sorted := append([]time.Duration(nil), h.latencies...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	at := func(p float64) time.Duration {
		idx := int(p * float64(len(sorted)-1))
		return sorted[idx]
	}
	return at(0.50), at(0.90), at(0.95), at(0.99)
}

// Registry is observability: a per-handler-name counters/latency table plus the
// store/breaker liveness sources it folds into a HealthSnapshot.
type Registry struct {
	mu       sync.Mutex
	handlers map[string]*handlerStats

	Relational storage.RelationalStore
	Vector     storage.VectorStore
	Graph      storage.GraphStore
	Cache      storage.CacheStore
	Breakers   func() map[string]circuitbreaker.State
}

// New builds an empty Registry.
func New(relational storage.RelationalStore, vector storage.VectorStore, graph storage.GraphStore, cache storage.CacheStore, breakers func() map[string]circuitbreaker.State) *Registry {
	return &Registry{
		handlers:   make(map[string]*handlerStats),
		Relational: relational,
		Vector:     vector,
		Graph:      graph,
		Cache:      cache,
		Breakers:   breakers,
	}
}

func (r *Registry) statsFor(name string) *handlerStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	hs, ok := r.handlers[name]
	if !ok {
		hs = &handlerStats{}
		r.handlers[name] = hs
	}
	return hs
}

// Record logs one handler invocation's outcome, called by the dispatcher
// around every tool action.
func (r *Registry) Record(handler string, d time.Duration, failed, degraded bool) {
	r.statsFor(handler).record(d, failed, degraded)
}

// Track wraps fn, timing it and recording the outcome under handler. When
// degraded is non-nil it is read after fn returns to decide whether the
// result counts as degraded (the caller sets it; Track only measures
// success/failure/duration). Track returns fn's error.
func (r *Registry) Track(handler string, degraded *bool, fn func() error) error {
	start := time.Now()
	err := fn()
	wasDegraded := degraded != nil && *degraded
	r.Record(handler, time.Since(start), err != nil, wasDegraded)
	return err
}

// Snapshot assembles the observability health reply: store liveness, breaker states,
// per-handler counters, and SLA compliance flags.
func (r *Registry) Snapshot(ctx context.Context) (types.HealthSnapshot, error) {
	breakerStates := map[string]circuitbreaker.State{}
	if r.Breakers != nil {
		breakerStates = r.Breakers()
	}

	stores := []types.StoreLiveness{
		{Name: "relational", Up: r.checkRelational(ctx)},
	}
	if r.Vector != nil {
		stores = append(stores, types.StoreLiveness{Name: "vector", Up: r.Vector.HealthCheck(ctx) == nil, BreakerState: breakerStates["vector"].String()})
	} else {
		stores = append(stores, types.StoreLiveness{Name: "vector", Up: false})
	}
	if r.Graph != nil {
		stores = append(stores, types.StoreLiveness{Name: "graph", Up: r.Graph.HealthCheck(ctx) == nil, BreakerState: breakerStates["graph"].String()})
	} else {
		stores = append(stores, types.StoreLiveness{Name: "graph", Up: false})
	}
	if r.Cache != nil {
		stores = append(stores, types.StoreLiveness{Name: "cache", Up: r.Cache.HealthCheck(ctx) == nil, BreakerState: breakerStates["cache"].String()})
	} else {
		stores = append(stores, types.StoreLiveness{Name: "cache", Up: false})
	}

	r.mu.Lock()
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	r.mu.Unlock()
	sort.Strings(names)

	counters := make(map[string]int64)
	p50 := make(map[string]float64)
	p95 := make(map[string]float64)
	p99 := make(map[string]float64)
	slaCompliant := make(map[string]bool)

	for _, name := range names {
		hs := r.statsFor(name)
		hs.mu.Lock()
		calls, failures, degraded := hs.calls, hs.failures, hs.degraded
		hs.mu.Unlock()
		counters[name+".calls"] = calls
		counters[name+".failures"] = failures
		counters[name+".degraded"] = degraded

		q50, q90, q95, q99 := hs.quantiles()
		p50[name] = q50.Seconds() * 1000
		p95[name] = q95.Seconds() * 1000
		p99[name] = q99.Seconds() * 1000

		if target, ok := slaTargets[name]; ok {
			q := q95
			if name == "thought.create" {
				q = q90
			}
			slaCompliant[name] = q <= target
		}
	}

	return types.HealthSnapshot{
		Stores:       stores,
		Counters:     counters,
		LatencyP50Ms: p50,
		LatencyP95Ms: p95,
		LatencyP99Ms: p99,
		SLACompliant: slaCompliant,
		GeneratedAt:  time.Now().UTC(),
	}, nil
}

func (r *Registry) checkRelational(ctx context.Context) bool {
	if r.Relational == nil {
		return false
	}
	// The relational store has no dedicated health-check method (it is
	// required and transactional); a cheap read probes connectivity.
	_, err := r.Relational.GetRetrievalWeights(ctx)
	return err == nil
}
