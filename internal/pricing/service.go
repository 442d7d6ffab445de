// Package pricing prices completed operations and keeps the virtual-key
// spend ledger. Every billable model carries a pricing schema (per-token,
// per-image, per-second-video and friends) as a JSON document in config; the
// service selects the schema by model name and applies its formula to a
// usage record.
package pricing

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"omnigate/internal/config"
	"omnigate/internal/domain"
	"omnigate/internal/telemetry"
)

// ErrNoSchema is returned when no pricing schema covers the model.
var ErrNoSchema = errors.New("pricing: no schema for model")

// Service resolves models to pricing schemas and prices usage.
type Service struct {
	logger  *slog.Logger
	metrics *telemetry.Metrics

	mu      sync.RWMutex
	schemas map[string]*Schema
	aliases map[string]string
}

// NewService builds the schema registry from the model table. Models without
// a pricing schema are skipped; they simply cannot be priced.
func NewService(models map[string]config.ModelConfig, aliases map[string]string, logger *slog.Logger, metrics *telemetry.Metrics) (*Service, error) {
	s := &Service{
		logger:  logger.With("component", "pricing"),
		metrics: metrics,
	}
	if err := s.UpdateModels(models, aliases); err != nil {
		return nil, err
	}
	return s, nil
}

// UpdateModels replaces the schema registry. The swap is atomic: a parse
// failure leaves the previous registry serving.
func (s *Service) UpdateModels(models map[string]config.ModelConfig, aliases map[string]string) error {
	schemas := make(map[string]*Schema, len(models))
	for name, mc := range models {
		if mc.PricingSchema == "" {
			continue
		}
		schemaType, ok := domain.ParsePricingSchemaType(mc.PricingSchema)
		if !ok {
			return fmt.Errorf("model %s: unknown pricing schema %q", name, mc.PricingSchema)
		}
		sc, err := ParseSchema(schemaType, mc.Pricing)
		if err != nil {
			return fmt.Errorf("model %s: %w", name, err)
		}
		schemas[strings.ToLower(name)] = sc
	}

	lowered := make(map[string]string, len(aliases))
	for alias, target := range aliases {
		lowered[strings.ToLower(alias)] = strings.ToLower(target)
	}

	s.mu.Lock()
	s.schemas = schemas
	s.aliases = lowered
	s.mu.Unlock()

	s.logger.Info("pricing schemas loaded", "models", len(schemas), "aliases", len(lowered))
	return nil
}

// Cost prices the usage of one completed operation on the model.
func (s *Service) Cost(model string, usage domain.Usage) (float64, error) {
	sc, ok := s.schema(model)
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrNoSchema, model)
	}
	return sc.Cost(usage), nil
}

// DeploymentCost prices a representative call on the deployment for
// least-cost routing. Per-deployment entries win over the provider model id
// and the gateway alias, so operators can price the same model differently
// per provider.
func (s *Service) DeploymentCost(dep *domain.ModelDeployment) (float64, bool) {
	if dep == nil {
		return 0, false
	}
	for _, key := range []string{dep.Name, dep.ProviderModelID, dep.Alias()} {
		if sc, ok := s.schema(key); ok {
			return sc.NominalCost(), true
		}
	}
	return 0, false
}

func (s *Service) schema(model string) (*Schema, bool) {
	key := strings.ToLower(strings.TrimSpace(model))
	if key == "" {
		return nil, false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if sc, ok := s.schemas[key]; ok {
		return sc, true
	}
	if target, ok := s.aliases[key]; ok {
		if sc, ok := s.schemas[target]; ok {
			return sc, true
		}
	}
	return nil, false
}
