package router

import (
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"omnigate/internal/domain"
)

// =============================================================================
// Selection inputs
// =============================================================================

// CostSource prices a deployment for least-cost routing. The second return
// reports whether a price is known.
type CostSource interface {
	DeploymentCost(dep *domain.ModelDeployment) (float64, bool)
}

// MetricsSource reports observed latency for least-latency routing.
type MetricsSource interface {
	AvgLatency(deploymentName string) (time.Duration, bool)
}

// ProviderGate reports whether a provider may serve traffic. The error
// tracker implements this to keep disabled providers out of rotation.
type ProviderGate interface {
	ProviderEnabled(providerID string) bool
}

// =============================================================================
// Strategies
// =============================================================================

// strategy picks one deployment from a healthy, priority-ordered candidate
// list. Candidates are never empty and arrive sorted by priority with
// insertion order preserved within a priority, so returning the first
// candidate honors the tie-break rule.
type strategy interface {
	Name() domain.RoutingStrategy
	Pick(model string, candidates []*domain.ModelDeployment) *domain.ModelDeployment
}

// simpleStrategy always takes the highest-priority candidate.
type simpleStrategy struct{}

func (simpleStrategy) Name() domain.RoutingStrategy { return domain.StrategySimple }

func (simpleStrategy) Pick(_ string, candidates []*domain.ModelDeployment) *domain.ModelDeployment {
	return candidates[0]
}

// roundRobinStrategy cycles through candidates with a monotonic counter per
// model alias. The counter survives config reloads so rotation does not reset
// mid-traffic.
type roundRobinStrategy struct {
	mu       sync.Mutex
	counters map[string]*atomic.Uint64
}

func newRoundRobinStrategy() *roundRobinStrategy {
	return &roundRobinStrategy{counters: make(map[string]*atomic.Uint64)}
}

func (*roundRobinStrategy) Name() domain.RoutingStrategy { return domain.StrategyRoundRobin }

func (s *roundRobinStrategy) Pick(model string, candidates []*domain.ModelDeployment) *domain.ModelDeployment {
	s.mu.Lock()
	counter, ok := s.counters[model]
	if !ok {
		counter = &atomic.Uint64{}
		s.counters[model] = counter
	}
	s.mu.Unlock()

	idx := counter.Add(1) - 1
	return candidates[idx%uint64(len(candidates))]
}

// leastCostStrategy picks the cheapest candidate. Candidates without a known
// price lose to priced ones; with no pricing data at all the priority order
// decides.
type leastCostStrategy struct {
	costs func() CostSource
}

func (*leastCostStrategy) Name() domain.RoutingStrategy { return domain.StrategyLeastCost }

func (s *leastCostStrategy) Pick(_ string, candidates []*domain.ModelDeployment) *domain.ModelDeployment {
	source := s.costs()
	if source == nil {
		return candidates[0]
	}

	best := candidates[0]
	bestCost, bestKnown := source.DeploymentCost(best)
	for _, c := range candidates[1:] {
		cost, known := source.DeploymentCost(c)
		if !known {
			continue
		}
		if !bestKnown || cost < bestCost {
			best, bestCost, bestKnown = c, cost, true
		}
	}
	return best
}

// leastLatencyStrategy picks the candidate with the lowest observed average
// latency. Unmeasured candidates are assumed to sit at a neutral default so
// fresh deployments still receive traffic.
type leastLatencyStrategy struct {
	metrics func() MetricsSource
}

const defaultAssumedLatency = 500 * time.Millisecond

func (*leastLatencyStrategy) Name() domain.RoutingStrategy { return domain.StrategyLeastLatency }

func (s *leastLatencyStrategy) Pick(_ string, candidates []*domain.ModelDeployment) *domain.ModelDeployment {
	source := s.metrics()
	if source == nil {
		return candidates[0]
	}

	best := candidates[0]
	bestLatency := observedLatency(source, best)
	for _, c := range candidates[1:] {
		if l := observedLatency(source, c); l < bestLatency {
			best, bestLatency = c, l
		}
	}
	return best
}

func observedLatency(source MetricsSource, dep *domain.ModelDeployment) time.Duration {
	if l, ok := source.AvgLatency(dep.Name); ok {
		return l
	}
	return defaultAssumedLatency
}

// randomStrategy picks proportionally to deployment weight. Non-positive
// weights count as one share so a half-configured weight map still rotates.
type randomStrategy struct {
	intn func(n int) int
}

func newRandomStrategy() *randomStrategy {
	return &randomStrategy{intn: rand.Intn}
}

func (*randomStrategy) Name() domain.RoutingStrategy { return domain.StrategyRandom }

func (s *randomStrategy) Pick(_ string, candidates []*domain.ModelDeployment) *domain.ModelDeployment {
	total := 0
	for _, c := range candidates {
		total += shareOf(c)
	}

	roll := s.intn(total)
	cumulative := 0
	for _, c := range candidates {
		cumulative += shareOf(c)
		if roll < cumulative {
			return c
		}
	}
	return candidates[len(candidates)-1]
}

func shareOf(d *domain.ModelDeployment) int {
	if d.Weight > 0 {
		return d.Weight
	}
	return 1
}

// =============================================================================
// Observed latency tracker
// =============================================================================

const latencySmoothing = 0.3

// latencyTracker keeps an exponentially weighted moving average of call
// latency per deployment. It is the built-in MetricsSource used when no
// external one is installed.
type latencyTracker struct {
	mu   sync.RWMutex
	avgs map[string]time.Duration
}

func newLatencyTracker() *latencyTracker {
	return &latencyTracker{avgs: make(map[string]time.Duration)}
}

func (t *latencyTracker) Record(deploymentName string, observed time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	current, ok := t.avgs[deploymentName]
	if !ok {
		t.avgs[deploymentName] = observed
		return
	}
	t.avgs[deploymentName] = time.Duration(latencySmoothing*float64(observed) + (1-latencySmoothing)*float64(current))
}

func (t *latencyTracker) AvgLatency(deploymentName string) (time.Duration, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	l, ok := t.avgs[deploymentName]
	return l, ok
}
