package domain

import "time"

// =============================================================================
// Routing Types
// =============================================================================

// RoutingStrategy selects among deployments matching a model alias.
type RoutingStrategy string

const (
	StrategySimple       RoutingStrategy = "simple"
	StrategyRoundRobin   RoutingStrategy = "round_robin"
	StrategyLeastCost    RoutingStrategy = "least_cost"
	StrategyLeastLatency RoutingStrategy = "least_latency"
	StrategyRandom       RoutingStrategy = "random"
)

// ParseRoutingStrategy parses a strategy string.
func ParseRoutingStrategy(s string) (RoutingStrategy, bool) {
	switch s {
	case "simple":
		return StrategySimple, true
	case "round_robin", "round-robin", "roundrobin":
		return StrategyRoundRobin, true
	case "least_cost", "least-cost", "leastcost":
		return StrategyLeastCost, true
	case "least_latency", "least-latency", "leastlatency":
		return StrategyLeastLatency, true
	case "random", "weighted_random":
		return StrategyRandom, true
	default:
		return "", false
	}
}

// ModelDeployment binds a gateway-facing model alias to one provider-native
// model behind one provider. Identity is the case-insensitive Name. Several
// deployments may share a ModelAlias; when ModelAlias is empty the Name
// itself is the alias.
type ModelDeployment struct {
	Name            string    `json:"name"`
	ModelAlias      string    `json:"model_alias,omitempty"`
	ProviderID      string    `json:"provider_id"`
	ProviderModelID string    `json:"provider_model_id"`
	Priority        int       `json:"priority"`
	Weight          int       `json:"weight"`
	Healthy         bool      `json:"healthy"`
	LastError       string    `json:"last_error,omitempty"`
	LastErrorAt     time.Time `json:"last_error_at,omitempty"`
}

// Alias returns the gateway-facing model name this deployment serves.
func (d *ModelDeployment) Alias() string {
	if d.ModelAlias != "" {
		return d.ModelAlias
	}
	return d.Name
}

// =============================================================================
// Model Metadata
// =============================================================================

// ModelMetadata is the pricing and identity record for a gateway model
// alias, resolved from configuration or the model catalog.
type ModelMetadata struct {
	Alias           string            `json:"alias"`
	ProviderID      string            `json:"provider_id"`
	ProviderModelID string            `json:"provider_model_id"`
	PricingSchema   PricingSchemaType `json:"pricing_schema,omitempty"`
	PricingConfig   []byte            `json:"pricing_config,omitempty"`
}
