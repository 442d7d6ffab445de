package router

import (
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"omnigate/internal/domain"
	"omnigate/internal/telemetry"
)

// healthTracker holds one circuit breaker per deployment. A breaker trips
// after threshold consecutive failures, keeps the deployment out of rotation
// while open, and re-admits a single probe after the cooldown.
type healthTracker struct {
	threshold uint32
	cooldown  time.Duration
	logger    *slog.Logger
	metrics   *telemetry.Metrics

	mu       sync.Mutex
	breakers map[string]*gobreaker.TwoStepCircuitBreaker
}

func newHealthTracker(threshold int, cooldown time.Duration, logger *slog.Logger, metrics *telemetry.Metrics) *healthTracker {
	if threshold <= 0 {
		threshold = 3
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &healthTracker{
		threshold: uint32(threshold),
		cooldown:  cooldown,
		logger:    logger,
		metrics:   metrics,
		breakers:  make(map[string]*gobreaker.TwoStepCircuitBreaker),
	}
}

// Healthy reports whether the deployment's breaker admits traffic.
func (h *healthTracker) Healthy(dep *domain.ModelDeployment) bool {
	return h.breakerFor(dep).State() != gobreaker.StateOpen
}

// Allow reserves one call slot on the deployment's breaker. The returned
// done must be invoked with the call outcome.
func (h *healthTracker) Allow(dep *domain.ModelDeployment) (func(success bool), error) {
	return h.breakerFor(dep).Allow()
}

func (h *healthTracker) breakerFor(dep *domain.ModelDeployment) *gobreaker.TwoStepCircuitBreaker {
	key := strings.ToLower(dep.Name)

	h.mu.Lock()
	defer h.mu.Unlock()
	if cb, ok := h.breakers[key]; ok {
		return cb
	}

	name, provider := dep.Name, dep.ProviderID
	cb := gobreaker.NewTwoStepCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     h.cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= h.threshold
		},
		OnStateChange: func(_ string, from, to gobreaker.State) {
			h.logger.Info("deployment health changed",
				"deployment", name,
				"provider", provider,
				"from", from.String(),
				"to", to.String())
			if h.metrics != nil {
				h.metrics.SetDeploymentHealth(name, provider, to != gobreaker.StateOpen)
			}
		},
	})
	h.breakers[key] = cb
	return cb
}

// prune drops breakers for deployments no longer configured.
func (h *healthTracker) prune(keep map[string]struct{}) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for key := range h.breakers {
		if _, ok := keep[key]; !ok {
			delete(h.breakers, key)
		}
	}
}
