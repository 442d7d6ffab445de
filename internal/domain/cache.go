package domain

import "time"

// =============================================================================
// Cache Region Types
// =============================================================================

// CacheRegion is an enumerated namespace inside the cache manager. Every
// region carries its own TTL, tiering, and eviction policy.
type CacheRegion string

const (
	RegionVirtualKeys       CacheRegion = "virtual_keys"
	RegionRateLimits        CacheRegion = "rate_limits"
	RegionProviderHealth    CacheRegion = "provider_health"
	RegionModelMetadata     CacheRegion = "model_metadata"
	RegionAuthTokens        CacheRegion = "auth_tokens"
	RegionIPFilters         CacheRegion = "ip_filters"
	RegionAsyncTasks        CacheRegion = "async_tasks"
	RegionProviderResponses CacheRegion = "provider_responses"
	RegionEmbeddings        CacheRegion = "embeddings"
	RegionGlobalSettings    CacheRegion = "global_settings"
	RegionProviders         CacheRegion = "providers"
	RegionModelCosts        CacheRegion = "model_costs"
	RegionAudioStreams      CacheRegion = "audio_streams"
	RegionMonitoring        CacheRegion = "monitoring"
	RegionDefault           CacheRegion = "default"
)

// AllCacheRegions returns every defined cache region.
func AllCacheRegions() []CacheRegion {
	return []CacheRegion{
		RegionVirtualKeys,
		RegionRateLimits,
		RegionProviderHealth,
		RegionModelMetadata,
		RegionAuthTokens,
		RegionIPFilters,
		RegionAsyncTasks,
		RegionProviderResponses,
		RegionEmbeddings,
		RegionGlobalSettings,
		RegionProviders,
		RegionModelCosts,
		RegionAudioStreams,
		RegionMonitoring,
		RegionDefault,
	}
}

// ParseCacheRegion parses a region string; unknown strings map to the
// Default region.
func ParseCacheRegion(s string) CacheRegion {
	for _, r := range AllCacheRegions() {
		if string(r) == s {
			return r
		}
	}
	return RegionDefault
}

// EvictionPolicy selects the replacement order of the in-process tier.
type EvictionPolicy string

const (
	EvictionPolicyLRU  EvictionPolicy = "lru"
	EvictionPolicyLFU  EvictionPolicy = "lfu"
	EvictionPolicyFIFO EvictionPolicy = "fifo"
)

// ParseEvictionPolicy parses an eviction policy string.
func ParseEvictionPolicy(s string) (EvictionPolicy, bool) {
	switch EvictionPolicy(s) {
	case EvictionPolicyLRU, EvictionPolicyLFU, EvictionPolicyFIFO:
		return EvictionPolicy(s), true
	}
	return "", false
}

// EvictionReason describes why an entry left the cache.
type EvictionReason string

const (
	EvictionReasonExpired         EvictionReason = "expired"
	EvictionReasonCapacityReached EvictionReason = "capacity_reached"
	EvictionReasonRemoved         EvictionReason = "removed"
	EvictionReasonReplaced        EvictionReason = "replaced"
	EvictionReasonPolicyTriggered EvictionReason = "policy_triggered"
)

// EvictionEvent is fired for every entry that leaves the cache.
type EvictionEvent struct {
	Key       string         `json:"key"`
	Region    CacheRegion    `json:"region"`
	Reason    EvictionReason `json:"reason"`
	EvictedAt time.Time      `json:"evicted_at"`
}

// CacheRegionConfig controls tiering, TTL, and eviction for one region.
type CacheRegionConfig struct {
	Enabled        bool           `json:"enabled"`
	DefaultTTL     time.Duration  `json:"default_ttl"`
	MaxTTL         time.Duration  `json:"max_ttl,omitempty"`
	UseMemory      bool           `json:"use_memory"`
	UseDistributed bool           `json:"use_distributed"`
	Priority       int            `json:"priority"`
	EvictionPolicy EvictionPolicy `json:"eviction_policy"`
	MaxSizeBytes   int64          `json:"max_size_bytes,omitempty"`
	DetailedStats  bool           `json:"detailed_stats"`
}

// EffectiveTTL clamps a requested TTL to the region's bounds. A zero request
// falls back to the region default.
func (c CacheRegionConfig) EffectiveTTL(requested time.Duration) time.Duration {
	ttl := requested
	if ttl <= 0 {
		ttl = c.DefaultTTL
	}
	if c.MaxTTL > 0 && ttl > c.MaxTTL {
		ttl = c.MaxTTL
	}
	return ttl
}

// DefaultRegionConfig returns the compile-time defaults for a region.
// Config may override any field; unknown regions receive the Default
// region's settings.
func DefaultRegionConfig(region CacheRegion) CacheRegionConfig {
	switch region {
	case RegionVirtualKeys:
		return CacheRegionConfig{Enabled: true, DefaultTTL: 5 * time.Minute, UseMemory: true, UseDistributed: true, Priority: 90, EvictionPolicy: EvictionPolicyLRU}
	case RegionRateLimits:
		return CacheRegionConfig{Enabled: true, DefaultTTL: time.Minute, MaxTTL: 5 * time.Minute, UseMemory: true, UseDistributed: true, Priority: 95, EvictionPolicy: EvictionPolicyLRU}
	case RegionProviderHealth:
		return CacheRegionConfig{Enabled: true, DefaultTTL: 30 * time.Second, MaxTTL: 5 * time.Minute, UseMemory: true, UseDistributed: true, Priority: 85, EvictionPolicy: EvictionPolicyLRU}
	case RegionModelMetadata:
		return CacheRegionConfig{Enabled: true, DefaultTTL: time.Hour, UseMemory: true, UseDistributed: true, Priority: 80, EvictionPolicy: EvictionPolicyLRU}
	case RegionAuthTokens:
		return CacheRegionConfig{Enabled: true, DefaultTTL: 10 * time.Minute, UseMemory: true, UseDistributed: false, Priority: 85, EvictionPolicy: EvictionPolicyLRU}
	case RegionIPFilters:
		return CacheRegionConfig{Enabled: true, DefaultTTL: 10 * time.Minute, UseMemory: true, UseDistributed: true, Priority: 70, EvictionPolicy: EvictionPolicyLRU}
	case RegionAsyncTasks:
		return CacheRegionConfig{Enabled: true, DefaultTTL: time.Hour, UseMemory: false, UseDistributed: true, Priority: 60, EvictionPolicy: EvictionPolicyLRU}
	case RegionProviderResponses:
		return CacheRegionConfig{Enabled: true, DefaultTTL: 5 * time.Minute, UseMemory: true, UseDistributed: true, Priority: 50, EvictionPolicy: EvictionPolicyLRU, MaxSizeBytes: 256 << 20, DetailedStats: true}
	case RegionEmbeddings:
		return CacheRegionConfig{Enabled: true, DefaultTTL: 24 * time.Hour, UseMemory: false, UseDistributed: true, Priority: 40, EvictionPolicy: EvictionPolicyLRU}
	case RegionGlobalSettings:
		return CacheRegionConfig{Enabled: true, DefaultTTL: 30 * time.Minute, UseMemory: true, UseDistributed: true, Priority: 75, EvictionPolicy: EvictionPolicyLRU}
	case RegionProviders:
		return CacheRegionConfig{Enabled: true, DefaultTTL: 5 * time.Minute, UseMemory: true, UseDistributed: true, Priority: 80, EvictionPolicy: EvictionPolicyLRU}
	case RegionModelCosts:
		return CacheRegionConfig{Enabled: true, DefaultTTL: time.Hour, UseMemory: true, UseDistributed: true, Priority: 70, EvictionPolicy: EvictionPolicyLRU}
	case RegionAudioStreams:
		return CacheRegionConfig{Enabled: true, DefaultTTL: 2 * time.Hour, UseMemory: true, UseDistributed: false, Priority: 65, EvictionPolicy: EvictionPolicyLRU}
	case RegionMonitoring:
		return CacheRegionConfig{Enabled: true, DefaultTTL: time.Minute, UseMemory: true, UseDistributed: false, Priority: 30, EvictionPolicy: EvictionPolicyLRU, DetailedStats: true}
	default:
		return CacheRegionConfig{Enabled: true, DefaultTTL: 5 * time.Minute, UseMemory: true, UseDistributed: true, Priority: 50, EvictionPolicy: EvictionPolicyLRU}
	}
}

// PriorityClass is the in-memory tier's replacement class, derived from the
// region priority: >= 80 high, >= 50 normal, else low.
type PriorityClass int

const (
	PriorityClassLow PriorityClass = iota
	PriorityClassNormal
	PriorityClassHigh
)

// PriorityClassFor maps a region priority to its replacement class.
func PriorityClassFor(priority int) PriorityClass {
	switch {
	case priority >= 80:
		return PriorityClassHigh
	case priority >= 50:
		return PriorityClassNormal
	default:
		return PriorityClassLow
	}
}

func (c PriorityClass) String() string {
	switch c {
	case PriorityClassHigh:
		return "high"
	case PriorityClassNormal:
		return "normal"
	default:
		return "low"
	}
}
