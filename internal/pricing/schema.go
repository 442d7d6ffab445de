package pricing

import (
	"encoding/json"
	"fmt"
	"sort"

	"omnigate/internal/domain"
)

// =============================================================================
// Schema Configuration
// =============================================================================

// schemaConfig is the JSON document carried in a model's pricing config.
// Only the fields matching the schema type are consulted.
type schemaConfig struct {
	InputCostPer1M       float64            `json:"input_cost_per_1m,omitempty"`
	OutputCostPer1M      float64            `json:"output_cost_per_1m,omitempty"`
	CostPerImage         float64            `json:"cost_per_image,omitempty"`
	CostPerVideo         float64            `json:"cost_per_video,omitempty"`
	CostPerSecond        float64            `json:"cost_per_second,omitempty"`
	CostPerStep          float64            `json:"cost_per_step,omitempty"`
	DefaultSteps         int                `json:"default_steps,omitempty"`
	CostPerMinute        float64            `json:"cost_per_minute,omitempty"`
	CostPerThousandChars float64            `json:"cost_per_thousand_characters,omitempty"`
	QualityMultipliers   map[string]float64 `json:"quality_multipliers,omitempty"`
	ResolutionMultiplier map[string]float64 `json:"resolution_multipliers,omitempty"`
	Tiers                []tierConfig       `json:"tiers,omitempty"`
}

// tierConfig is one threshold of a tiered-token schema. UpToTokens 0 means
// unbounded; the unbounded tier sorts last.
type tierConfig struct {
	UpToTokens      int64   `json:"up_to_tokens,omitempty"`
	InputCostPer1M  float64 `json:"input_cost_per_1m"`
	OutputCostPer1M float64 `json:"output_cost_per_1m"`
}

// Schema is one model's parsed pricing formula.
type Schema struct {
	Type domain.PricingSchemaType
	cfg  schemaConfig
}

// ParseSchema parses the JSON pricing document for one schema type. An empty
// document is valid for free models.
func ParseSchema(schemaType domain.PricingSchemaType, doc string) (*Schema, error) {
	var cfg schemaConfig
	if doc != "" {
		if err := json.Unmarshal([]byte(doc), &cfg); err != nil {
			return nil, fmt.Errorf("parsing pricing document: %w", err)
		}
	}
	for name, v := range map[string]float64{
		"input_cost_per_1m":            cfg.InputCostPer1M,
		"output_cost_per_1m":           cfg.OutputCostPer1M,
		"cost_per_image":               cfg.CostPerImage,
		"cost_per_video":               cfg.CostPerVideo,
		"cost_per_second":              cfg.CostPerSecond,
		"cost_per_step":                cfg.CostPerStep,
		"cost_per_minute":              cfg.CostPerMinute,
		"cost_per_thousand_characters": cfg.CostPerThousandChars,
	} {
		if v < 0 {
			return nil, fmt.Errorf("pricing: %s must not be negative", name)
		}
	}
	if schemaType == domain.PricingTieredTokens && len(cfg.Tiers) == 0 {
		return nil, fmt.Errorf("pricing: tiered schema needs at least one tier")
	}
	for _, tier := range cfg.Tiers {
		if tier.InputCostPer1M < 0 || tier.OutputCostPer1M < 0 {
			return nil, fmt.Errorf("pricing: tier rates must not be negative")
		}
	}
	// Bounded tiers ascending, the unbounded tier last.
	sort.SliceStable(cfg.Tiers, func(i, j int) bool {
		a, b := cfg.Tiers[i].UpToTokens, cfg.Tiers[j].UpToTokens
		if a == 0 {
			return false
		}
		if b == 0 {
			return true
		}
		return a < b
	})
	return &Schema{Type: schemaType, cfg: cfg}, nil
}

// =============================================================================
// Cost Formulas
// =============================================================================

// Cost applies the schema's formula to the usage record.
func (s *Schema) Cost(usage domain.Usage) float64 {
	var cost float64
	switch s.Type {
	case domain.PricingPerToken:
		cost = tokenCost(usage.InputTokens, usage.OutputTokens, s.cfg.InputCostPer1M, s.cfg.OutputCostPer1M)
	case domain.PricingTieredTokens:
		tier := s.tierFor(usage.InputTokens)
		cost = tokenCost(usage.InputTokens, usage.OutputTokens, tier.InputCostPer1M, tier.OutputCostPer1M)
	case domain.PricingPerImage:
		cost = s.cfg.CostPerImage * float64(usage.ImageCount)
	case domain.PricingPerVideo:
		cost = s.cfg.CostPerVideo * float64(usage.VideoCount)
	case domain.PricingPerSecondVideo:
		cost = s.cfg.CostPerSecond * usage.VideoSeconds
	case domain.PricingInferenceSteps:
		steps := usage.InferenceSteps
		if steps <= 0 {
			steps = s.cfg.DefaultSteps
		}
		cost = s.cfg.CostPerStep * float64(steps)
	case domain.PricingPerMinuteAudio:
		cost = s.cfg.CostPerMinute * usage.AudioSeconds / 60
	case domain.PricingPerThousandChars:
		cost = s.cfg.CostPerThousandChars * float64(usage.Characters) / 1000
	}
	return cost * s.multiplier(usage)
}

// NominalCost prices a representative call, used to compare deployments for
// least-cost routing. The absolute number is meaningless; only the relative
// order across deployments of one model matters.
func (s *Schema) NominalCost() float64 {
	switch s.Type {
	case domain.PricingPerToken, domain.PricingTieredTokens:
		return s.Cost(domain.Usage{InputTokens: 1000, OutputTokens: 1000})
	case domain.PricingPerImage:
		return s.Cost(domain.Usage{ImageCount: 1})
	case domain.PricingPerVideo:
		return s.Cost(domain.Usage{VideoCount: 1})
	case domain.PricingPerSecondVideo:
		return s.Cost(domain.Usage{VideoSeconds: 1})
	case domain.PricingInferenceSteps:
		return s.Cost(domain.Usage{})
	case domain.PricingPerMinuteAudio:
		return s.Cost(domain.Usage{AudioSeconds: 60})
	case domain.PricingPerThousandChars:
		return s.Cost(domain.Usage{Characters: 1000})
	}
	return 0
}

func tokenCost(input, output int64, inputPer1M, outputPer1M float64) float64 {
	return (float64(input)/1_000_000)*inputPer1M + (float64(output)/1_000_000)*outputPer1M
}

// tierFor selects the first tier whose threshold covers the input size.
func (s *Schema) tierFor(inputTokens int64) tierConfig {
	for _, tier := range s.cfg.Tiers {
		if tier.UpToTokens == 0 || inputTokens <= tier.UpToTokens {
			return tier
		}
	}
	// Input exceeds every bounded tier; the last one carries the top rate.
	return s.cfg.Tiers[len(s.cfg.Tiers)-1]
}

func (s *Schema) multiplier(usage domain.Usage) float64 {
	m := 1.0
	if usage.Quality != "" {
		if f, ok := s.cfg.QualityMultipliers[usage.Quality]; ok {
			m *= f
		}
	}
	if usage.Resolution != "" {
		if f, ok := s.cfg.ResolutionMultiplier[usage.Resolution]; ok {
			m *= f
		}
	}
	return m
}
