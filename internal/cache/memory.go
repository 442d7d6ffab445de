package cache

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"
	"github.com/jonboulle/clockwork"

	"omnigate/internal/domain"
)

// Entries per priority class before count-based LRU eviction kicks in.
const classCapacity = 16384

// Entry is one cached value with its bookkeeping metadata. The memory tier
// stores decoded values; size is the serialized length so byte budgets hold
// across both tiers.
type Entry struct {
	Key            string             `json:"key"`
	Region         domain.CacheRegion `json:"region"`
	Value          any                `json:"value"`
	SizeBytes      int64              `json:"size_bytes"`
	CreatedAt      time.Time          `json:"created_at"`
	LastAccessedAt time.Time          `json:"last_accessed_at"`
	AccessCount    int64              `json:"access_count"`
	ExpiresAt      time.Time          `json:"expires_at,omitempty"`
}

// memoryTier is the in-process tier: one LRU per priority class so hot
// control-plane regions are never displaced by bulk response data. The tier
// is not safe for concurrent use on its own; every method must run under mu.
type memoryTier struct {
	clock   clockwork.Clock
	classes [3]*simplelru.LRU[string, *Entry]

	regionBytes   map[domain.CacheRegion]int64
	regionEntries map[domain.CacheRegion]int64

	// Eviction events are collected here during a mutation and drained by
	// the manager after it releases the tier lock, so subscribers can call
	// back into the cache without deadlocking.
	pending       []domain.EvictionEvent
	pendingReason domain.EvictionReason
}

func newMemoryTier(clock clockwork.Clock) *memoryTier {
	t := &memoryTier{
		clock:         clock,
		regionBytes:   make(map[domain.CacheRegion]int64),
		regionEntries: make(map[domain.CacheRegion]int64),
		pendingReason: domain.EvictionReasonCapacityReached,
	}
	for class := range t.classes {
		lru, err := simplelru.NewLRU[string, *Entry](classCapacity, t.onEvict)
		if err != nil {
			// Only fails for capacity <= 0.
			panic(err)
		}
		t.classes[class] = lru
	}
	return t
}

func (t *memoryTier) onEvict(_ string, e *Entry) {
	t.regionBytes[e.Region] -= e.SizeBytes
	t.regionEntries[e.Region]--
	t.pending = append(t.pending, domain.EvictionEvent{
		Key:       e.Key,
		Region:    e.Region,
		Reason:    t.pendingReason,
		EvictedAt: t.clock.Now(),
	})
}

func (t *memoryTier) get(region domain.CacheRegion, key string, class domain.PriorityClass) (*Entry, bool) {
	lru := t.classes[class]
	e, ok := lru.Get(compositeKey(region, key))
	if !ok {
		return nil, false
	}

	now := t.clock.Now()
	if !e.ExpiresAt.IsZero() && now.After(e.ExpiresAt) {
		t.pendingReason = domain.EvictionReasonExpired
		lru.Remove(compositeKey(region, key))
		t.pendingReason = domain.EvictionReasonCapacityReached
		return nil, false
	}

	e.LastAccessedAt = now
	e.AccessCount++
	return e, true
}

func (t *memoryTier) set(region domain.CacheRegion, key string, class domain.PriorityClass, e *Entry, maxRegionBytes int64) {
	lru := t.classes[class]
	composite := compositeKey(region, key)

	if lru.Contains(composite) {
		t.pendingReason = domain.EvictionReasonReplaced
		lru.Remove(composite)
		t.pendingReason = domain.EvictionReasonCapacityReached
	}

	lru.Add(composite, e)
	t.regionBytes[region] += e.SizeBytes
	t.regionEntries[region]++

	if maxRegionBytes > 0 {
		t.enforceByteBudget(region, class, composite, maxRegionBytes)
	}
}

// enforceByteBudget evicts the oldest entries of the region, never the one
// just written, until the region fits its byte budget.
func (t *memoryTier) enforceByteBudget(region domain.CacheRegion, class domain.PriorityClass, keep string, maxBytes int64) {
	lru := t.classes[class]
	for t.regionBytes[region] > maxBytes {
		removed := false
		for _, k := range lru.Keys() { // oldest first
			if k == keep {
				continue
			}
			if e, ok := lru.Peek(k); ok && e.Region == region {
				lru.Remove(k)
				removed = true
				break
			}
		}
		if !removed {
			return
		}
	}
}

func (t *memoryTier) remove(region domain.CacheRegion, key string, class domain.PriorityClass) bool {
	t.pendingReason = domain.EvictionReasonRemoved
	ok := t.classes[class].Remove(compositeKey(region, key))
	t.pendingReason = domain.EvictionReasonCapacityReached
	return ok
}

func (t *memoryTier) flushRegion(region domain.CacheRegion, class domain.PriorityClass) {
	lru := t.classes[class]
	t.pendingReason = domain.EvictionReasonRemoved
	for _, k := range lru.Keys() {
		if e, ok := lru.Peek(k); ok && e.Region == region {
			lru.Remove(k)
		}
	}
	t.pendingReason = domain.EvictionReasonCapacityReached
}

func (t *memoryTier) drainEvents() []domain.EvictionEvent {
	events := t.pending
	t.pending = nil
	return events
}

func (t *memoryTier) regionUsage(region domain.CacheRegion) (entries, bytes int64) {
	return t.regionEntries[region], t.regionBytes[region]
}

func compositeKey(region domain.CacheRegion, key string) string {
	return string(region) + ":" + key
}
