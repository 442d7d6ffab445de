// Package router selects model deployments and drives the fallback retry
// loop around provider calls. A RouterConfig declares deployments (each
// serving a gateway-facing model alias), per-alias fallback chains, and the
// retry budget; strategies decide which deployment of an alias serves a
// given request. Per-deployment circuit breakers keep failing deployments
// out of rotation until a cooldown probe succeeds.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"omnigate/internal/config"
	"omnigate/internal/domain"
	"omnigate/internal/telemetry"
)

// =============================================================================
// Errors
// =============================================================================

var (
	// ErrUnknownModel is returned when no deployment serves the requested
	// model alias.
	ErrUnknownModel = errors.New("router: no deployment for model")

	// ErrNoHealthyDeployment is returned when deployments exist for the
	// alias but none currently admits traffic. It marks a capability gap,
	// not a transient provider fault; callers must not retry it blindly.
	ErrNoHealthyDeployment = errors.New("router: no healthy deployment for model")

	// ErrFallbackCycle is returned when a config update would introduce a
	// cycle in the fallback relation.
	ErrFallbackCycle = errors.New("router: fallback chain contains a cycle")

	// ErrUnknownFallback is returned when a fallback chain references a
	// name that is neither a deployment nor a model alias.
	ErrUnknownFallback = errors.New("router: fallback references unknown model")

	// ErrDuplicateDeployment is returned when two deployments share a name.
	ErrDuplicateDeployment = errors.New("router: duplicate deployment name")

	errAttemptsExhausted = errors.New("router: retry attempts exhausted")
)

// =============================================================================
// Router
// =============================================================================

// routerState is the installed configuration in lookup form. It is replaced
// wholesale on config updates so readers always see a consistent snapshot.
type routerState struct {
	defaultStrategy  domain.RoutingStrategy
	maxRetries       int
	retryBase        time.Duration
	retryMax         time.Duration
	deployments      []*domain.ModelDeployment
	byAlias          map[string][]*domain.ModelDeployment
	byName           map[string]*domain.ModelDeployment
	fallbacks        map[string][]string
	defaultFallbacks []string
}

// Router owns deployment selection and the fallback retry loop.
type Router struct {
	logger  *slog.Logger
	metrics *telemetry.Metrics
	clock   clockwork.Clock

	health  *healthTracker
	latency *latencyTracker

	// strategies is populated once at construction and read-only after.
	strategies map[domain.RoutingStrategy]strategy

	sourceMu      sync.RWMutex
	costSource    CostSource
	metricsSource MetricsSource
	gate          ProviderGate

	mu    sync.RWMutex
	state *routerState
}

// NewRouter builds a router from cfg. The configuration is validated the
// same way UpdateConfig validates it.
func NewRouter(cfg *config.RouterConfig, logger *slog.Logger, metrics *telemetry.Metrics, clock clockwork.Clock) (*Router, error) {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	r := &Router{
		logger:  logger.With("component", "router"),
		metrics: metrics,
		clock:   clock,
		latency: newLatencyTracker(),
		health:  newHealthTracker(cfg.FailureThreshold, cfg.HealthCooldown.Duration, logger.With("component", "router_health"), metrics),
	}
	r.strategies = map[domain.RoutingStrategy]strategy{
		domain.StrategySimple:       simpleStrategy{},
		domain.StrategyRoundRobin:   newRoundRobinStrategy(),
		domain.StrategyLeastCost:    &leastCostStrategy{costs: r.currentCostSource},
		domain.StrategyLeastLatency: &leastLatencyStrategy{metrics: r.currentMetricsSource},
		domain.StrategyRandom:       newRandomStrategy(),
	}

	if err := r.UpdateConfig(cfg); err != nil {
		return nil, err
	}
	return r, nil
}

// SetCostSource installs the pricing input for least-cost routing.
func (r *Router) SetCostSource(source CostSource) {
	r.sourceMu.Lock()
	r.costSource = source
	r.sourceMu.Unlock()
}

// SetMetricsSource replaces the built-in latency tracker as the input for
// least-latency routing.
func (r *Router) SetMetricsSource(source MetricsSource) {
	r.sourceMu.Lock()
	r.metricsSource = source
	r.sourceMu.Unlock()
}

// SetProviderGate installs the provider enable/disable filter.
func (r *Router) SetProviderGate(gate ProviderGate) {
	r.sourceMu.Lock()
	r.gate = gate
	r.sourceMu.Unlock()
}

func (r *Router) currentCostSource() CostSource {
	r.sourceMu.RLock()
	defer r.sourceMu.RUnlock()
	return r.costSource
}

func (r *Router) currentMetricsSource() MetricsSource {
	r.sourceMu.RLock()
	defer r.sourceMu.RUnlock()
	if r.metricsSource != nil {
		return r.metricsSource
	}
	return r.latency
}

func (r *Router) currentGate() ProviderGate {
	r.sourceMu.RLock()
	defer r.sourceMu.RUnlock()
	return r.gate
}

// =============================================================================
// Configuration
// =============================================================================

// UpdateConfig validates cfg and atomically replaces the active
// configuration. Deployment health survives the swap for deployments that
// keep their name.
func (r *Router) UpdateConfig(cfg *config.RouterConfig) error {
	state, err := buildState(cfg)
	if err != nil {
		return err
	}

	r.mu.Lock()
	r.state = state
	r.mu.Unlock()

	keep := make(map[string]struct{}, len(state.byName))
	for name := range state.byName {
		keep[name] = struct{}{}
	}
	r.health.prune(keep)

	r.logger.Info("router config installed",
		"strategy", state.defaultStrategy,
		"deployments", len(state.deployments),
		"fallback_chains", len(state.fallbacks))
	return nil
}

// Config renders the active configuration back into its config form.
func (r *Router) Config() *config.RouterConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()
	state := r.state

	out := &config.RouterConfig{
		DefaultStrategy:  string(state.defaultStrategy),
		MaxRetries:       state.maxRetries,
		RetryBaseDelay:   config.Duration{Duration: state.retryBase},
		RetryMaxDelay:    config.Duration{Duration: state.retryMax},
		FailureThreshold: int(r.health.threshold),
		HealthCooldown:   config.Duration{Duration: r.health.cooldown},
		Deployments:      make([]config.DeploymentConfig, 0, len(state.deployments)),
		Fallbacks:        make(map[string][]string, len(state.fallbacks)),
		DefaultFallbacks: append([]string(nil), state.defaultFallbacks...),
	}
	for _, d := range state.deployments {
		out.Deployments = append(out.Deployments, config.DeploymentConfig{
			Name:          d.Name,
			Model:         d.ModelAlias,
			Provider:      d.ProviderID,
			ProviderModel: d.ProviderModelID,
			Priority:      d.Priority,
			Weight:        d.Weight,
		})
	}
	for primary, chain := range state.fallbacks {
		out.Fallbacks[primary] = append([]string(nil), chain...)
	}
	return out
}

// AddFallbackModels installs or replaces the fallback chain for primary.
// The resulting relation is validated before it takes effect.
func (r *Router) AddFallbackModels(primary string, chain []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	next := make(map[string][]string, len(r.state.fallbacks)+1)
	for k, v := range r.state.fallbacks {
		next[k] = v
	}
	next[strings.ToLower(primary)] = normalizeChain(chain)

	if err := validateFallbacks(next, r.state.byAlias, r.state.byName); err != nil {
		return err
	}
	r.state.fallbacks = next
	return nil
}

// RemoveFallbacks drops the fallback chain for primary.
func (r *Router) RemoveFallbacks(primary string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.state.fallbacks, strings.ToLower(primary))
}

func buildState(cfg *config.RouterConfig) (*routerState, error) {
	strat, ok := domain.ParseRoutingStrategy(cfg.DefaultStrategy)
	if !ok {
		return nil, fmt.Errorf("router: unknown strategy %q", cfg.DefaultStrategy)
	}

	state := &routerState{
		defaultStrategy:  strat,
		maxRetries:       cfg.MaxRetries,
		retryBase:        cfg.RetryBaseDelay.Duration,
		retryMax:         cfg.RetryMaxDelay.Duration,
		byAlias:          make(map[string][]*domain.ModelDeployment),
		byName:           make(map[string]*domain.ModelDeployment),
		fallbacks:        make(map[string][]string, len(cfg.Fallbacks)),
		defaultFallbacks: normalizeChain(cfg.DefaultFallbacks),
	}
	if state.maxRetries <= 0 {
		state.maxRetries = 3
	}
	if state.retryBase <= 0 {
		state.retryBase = 500 * time.Millisecond
	}
	if state.retryMax <= 0 {
		state.retryMax = 10 * time.Second
	}

	for _, dc := range cfg.Deployments {
		dep := &domain.ModelDeployment{
			Name:            dc.Name,
			ModelAlias:      dc.Model,
			ProviderID:      dc.Provider,
			ProviderModelID: dc.ProviderModel,
			Priority:        dc.Priority,
			Weight:          dc.Weight,
			Healthy:         true,
		}
		key := strings.ToLower(dep.Name)
		if key == "" {
			return nil, errors.New("router: deployment name is required")
		}
		if _, exists := state.byName[key]; exists {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateDeployment, dep.Name)
		}
		state.byName[key] = dep
		state.deployments = append(state.deployments, dep)
		alias := strings.ToLower(dep.Alias())
		state.byAlias[alias] = append(state.byAlias[alias], dep)
	}

	// Stable sort by priority keeps insertion order within a priority.
	for _, deps := range state.byAlias {
		stableSortByPriority(deps)
	}

	for primary, chain := range cfg.Fallbacks {
		state.fallbacks[strings.ToLower(primary)] = normalizeChain(chain)
	}
	if err := validateFallbacks(state.fallbacks, state.byAlias, state.byName); err != nil {
		return nil, err
	}
	if err := validateChainNames(state.defaultFallbacks, state.byAlias, state.byName); err != nil {
		return nil, err
	}
	return state, nil
}

func normalizeChain(chain []string) []string {
	out := make([]string, 0, len(chain))
	for _, name := range chain {
		out = append(out, strings.ToLower(strings.TrimSpace(name)))
	}
	return out
}

func stableSortByPriority(deps []*domain.ModelDeployment) {
	// Insertion sort: deployment lists per alias are tiny and stability
	// is required for the tie-break rule.
	for i := 1; i < len(deps); i++ {
		for j := i; j > 0 && deps[j].Priority < deps[j-1].Priority; j-- {
			deps[j], deps[j-1] = deps[j-1], deps[j]
		}
	}
}

func validateFallbacks(fallbacks map[string][]string, byAlias map[string][]*domain.ModelDeployment, byName map[string]*domain.ModelDeployment) error {
	for primary, chain := range fallbacks {
		if err := validateChainNames(chain, byAlias, byName); err != nil {
			return fmt.Errorf("fallbacks for %q: %w", primary, err)
		}
	}

	// Depth-first walk over the fallback relation. A name revisited on the
	// current path is a cycle.
	const (
		visiting = 1
		done     = 2
	)
	marks := make(map[string]int, len(fallbacks))
	var walk func(name string) error
	walk = func(name string) error {
		switch marks[name] {
		case visiting:
			return fmt.Errorf("%w: %s", ErrFallbackCycle, name)
		case done:
			return nil
		}
		marks[name] = visiting
		for _, next := range fallbacks[name] {
			if err := walk(next); err != nil {
				return err
			}
		}
		marks[name] = done
		return nil
	}
	for primary := range fallbacks {
		if err := walk(primary); err != nil {
			return err
		}
	}
	return nil
}

func validateChainNames(chain []string, byAlias map[string][]*domain.ModelDeployment, byName map[string]*domain.ModelDeployment) error {
	for _, name := range chain {
		if _, ok := byAlias[name]; ok {
			continue
		}
		if _, ok := byName[name]; ok {
			continue
		}
		return fmt.Errorf("%w: %s", ErrUnknownFallback, name)
	}
	return nil
}

// =============================================================================
// Selection
// =============================================================================

// SelectDeployment picks a healthy deployment for the model alias using
// strat, or the configured default strategy when strat is empty. The
// returned deployment is a snapshot.
func (r *Router) SelectDeployment(model string, strat domain.RoutingStrategy) (*domain.ModelDeployment, error) {
	r.mu.RLock()
	state := r.state
	r.mu.RUnlock()
	return r.selectFrom(state, model, strat)
}

func (r *Router) selectFrom(state *routerState, model string, strat domain.RoutingStrategy) (*domain.ModelDeployment, error) {
	alias := strings.ToLower(strings.TrimSpace(model))

	// Snapshot the matching deployments under the read lock; markError
	// mutates the shared structs concurrently.
	r.mu.RLock()
	matched := state.byAlias[alias]
	if len(matched) == 0 {
		if dep, ok := state.byName[alias]; ok {
			matched = []*domain.ModelDeployment{dep}
		}
	}
	candidates := make([]*domain.ModelDeployment, len(matched))
	for i, dep := range matched {
		snapshot := *dep
		candidates[i] = &snapshot
	}
	r.mu.RUnlock()

	if len(candidates) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrUnknownModel, model)
	}

	gate := r.currentGate()
	healthy := make([]*domain.ModelDeployment, 0, len(candidates))
	for _, dep := range candidates {
		if !dep.Healthy {
			continue
		}
		if gate != nil && !gate.ProviderEnabled(dep.ProviderID) {
			continue
		}
		if !r.health.Healthy(dep) {
			continue
		}
		healthy = append(healthy, dep)
	}
	if len(healthy) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoHealthyDeployment, model)
	}

	if strat == "" {
		strat = state.defaultStrategy
	}
	picker, ok := r.strategies[strat]
	if !ok {
		return nil, fmt.Errorf("router: unknown strategy %q", strat)
	}

	picked := picker.Pick(alias, healthy)
	if r.metrics != nil {
		r.metrics.RecordRoutingDecision(strat, picked.Alias())
	}
	return picked, nil
}

// =============================================================================
// Execution
// =============================================================================

// CallFunc invokes a provider against one deployment.
type CallFunc[T any] func(ctx context.Context, dep *domain.ModelDeployment) (T, error)

// Execute runs fn against the best deployment for model, falling through
// the alias's fallback chain and the default fallbacks on transient
// failures. Attempts cycle through the chain with exponential backoff
// between them until one succeeds, a terminal error surfaces, or the retry
// budget is spent.
func Execute[T any](ctx context.Context, r *Router, model string, strat domain.RoutingStrategy, fn CallFunc[T]) (T, error) {
	var zero T

	r.mu.RLock()
	state := r.state
	sequence := state.candidateModels(model)
	r.mu.RUnlock()

	var (
		lastErr          error
		lastModel        string
		attempted        int
		failedSelections int
	)
	for attempt := 0; attempt < state.maxRetries; attempt++ {
		if attempted > 0 {
			delay := retryDelay(state.retryBase, state.retryMax, attempt-1)
			select {
			case <-ctx.Done():
				return zero, ctx.Err()
			case <-r.clock.After(delay):
			}
		}

		candidate := sequence[attempt%len(sequence)]
		dep, err := r.selectFrom(state, candidate, strat)
		if err != nil {
			if lastErr == nil {
				lastErr = err
			}
			failedSelections++
			if failedSelections >= len(sequence) {
				// A full pass over the chain found nothing to call.
				break
			}
			continue
		}
		failedSelections = 0

		if lastModel != "" && !strings.EqualFold(lastModel, candidate) {
			if r.metrics != nil {
				r.metrics.RecordFallback(lastModel, candidate)
			}
			r.logger.Info("falling back", "from", lastModel, "to", candidate)
		}
		lastModel = candidate

		done, err := r.health.Allow(dep)
		if err != nil {
			// Breaker raced open between selection and admission.
			lastErr = fmt.Errorf("%w: %s", ErrNoHealthyDeployment, candidate)
			continue
		}
		attempted++

		start := r.clock.Now()
		result, callErr := fn(ctx, dep)
		elapsed := r.clock.Since(start)

		if callErr == nil {
			done(true)
			r.latency.Record(dep.Name, elapsed)
			return result, nil
		}

		if errors.Is(callErr, context.Canceled) || errors.Is(callErr, context.DeadlineExceeded) {
			// The caller gave up; this says nothing about the deployment.
			done(true)
			return zero, callErr
		}

		classified := domain.ClassifyProviderError(callErr)
		done(false)
		r.markError(state, dep.Name, classified)
		lastErr = classified

		if !classified.Retryable() {
			r.logger.Warn("terminal provider error",
				"model", candidate,
				"deployment", dep.Name,
				"error_type", classified.Type,
				"error", callErr)
			return zero, classified
		}

		if r.metrics != nil {
			r.metrics.RecordRetry(candidate, classified.Type)
		}
		r.logger.Warn("provider call failed, will retry",
			"model", candidate,
			"deployment", dep.Name,
			"attempt", attempt+1,
			"error_type", classified.Type,
			"error", callErr)
	}

	if lastErr == nil {
		lastErr = errAttemptsExhausted
	}
	if attempted == 0 {
		return zero, lastErr
	}
	return zero, fmt.Errorf("all %d attempts failed for model %s: %w", attempted, model, lastErr)
}

// ChatCompletion routes req through Execute and stamps the serving
// deployment on the response.
func (r *Router) ChatCompletion(ctx context.Context, req *domain.ChatRequest, call CallFunc[*domain.ChatResponse]) (*domain.ChatResponse, error) {
	resp, err := Execute(ctx, r, req.Model, "", func(ctx context.Context, dep *domain.ModelDeployment) (*domain.ChatResponse, error) {
		resp, err := call(ctx, dep)
		if err != nil {
			return nil, err
		}
		resp.Deployment = dep.Name
		return resp, nil
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// candidateModels is the ordered attempt sequence for an alias: the alias
// itself, its fallback chain, then the configured defaults, deduplicated.
func (s *routerState) candidateModels(model string) []string {
	alias := strings.ToLower(strings.TrimSpace(model))
	seen := map[string]struct{}{alias: {}}
	sequence := []string{alias}
	for _, next := range s.fallbacks[alias] {
		if _, ok := seen[next]; ok {
			continue
		}
		seen[next] = struct{}{}
		sequence = append(sequence, next)
	}
	for _, next := range s.defaultFallbacks {
		if _, ok := seen[next]; ok {
			continue
		}
		seen[next] = struct{}{}
		sequence = append(sequence, next)
	}
	return sequence
}

func (r *Router) markError(state *routerState, deploymentName string, perr *domain.ProviderError) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if dep, ok := state.byName[strings.ToLower(deploymentName)]; ok {
		dep.LastError = perr.Message
		dep.LastErrorAt = r.clock.Now().UTC()
	}
}

func retryDelay(base, maxDelay time.Duration, attempt int) time.Duration {
	delay := time.Duration(float64(base) * math.Pow(2, float64(attempt)))
	if delay > maxDelay || delay <= 0 {
		delay = maxDelay
	}
	return delay
}
