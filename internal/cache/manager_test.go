package cache

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"

	"omnigate/internal/config"
	"omnigate/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testManager(t *testing.T, clock clockwork.Clock) (*Manager, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	m := NewManager(&config.CacheConfig{}, client, testLogger(), nil, clock)
	t.Cleanup(func() { m.Close() })
	return m, mr
}

type testCredential struct {
	ID     string `json:"id"`
	Tenant string `json:"tenant"`
}

func TestManagerGetSet(t *testing.T) {
	t.Run("round trip through memory", func(t *testing.T) {
		clock := clockwork.NewFakeClock()
		m, _ := testManager(t, clock)

		cred := testCredential{ID: "vk-1", Tenant: "acme"}
		if err := Set(context.Background(), m, domain.RegionVirtualKeys, "vk-1", cred, 0); err != nil {
			t.Fatalf("Expected set to succeed, got: %v", err)
		}

		got, ok := Get[testCredential](context.Background(), m, domain.RegionVirtualKeys, "vk-1")
		if !ok {
			t.Fatal("Expected hit after set")
		}
		if got != cred {
			t.Errorf("Expected %+v, got %+v", cred, got)
		}
	})

	t.Run("distributed hit backfills memory", func(t *testing.T) {
		clock := clockwork.NewFakeClock()
		m, mr := testManager(t, clock)

		// Seed only redis, as another instance would have.
		mr.Set("virtual_keys:vk-2", `{"id":"vk-2","tenant":"globex"}`)

		got, ok := Get[testCredential](context.Background(), m, domain.RegionVirtualKeys, "vk-2")
		if !ok {
			t.Fatal("Expected distributed hit")
		}
		if got.Tenant != "globex" {
			t.Errorf("Expected tenant globex, got: %v", got.Tenant)
		}

		// Second read must come from memory: delete the redis copy and
		// read again.
		mr.Del("virtual_keys:vk-2")
		if _, ok := Get[testCredential](context.Background(), m, domain.RegionVirtualKeys, "vk-2"); !ok {
			t.Error("Expected memory backfill to serve the second read")
		}
	})

	t.Run("miss on unknown key", func(t *testing.T) {
		clock := clockwork.NewFakeClock()
		m, _ := testManager(t, clock)

		if _, ok := Get[testCredential](context.Background(), m, domain.RegionVirtualKeys, "nope"); ok {
			t.Error("Expected miss for unknown key")
		}
	})

	t.Run("entries expire", func(t *testing.T) {
		clock := clockwork.NewFakeClock()
		m, _ := testManager(t, clock)

		if err := Set(context.Background(), m, domain.RegionAuthTokens, "tok", "v", time.Minute); err != nil {
			t.Fatalf("Expected set, got: %v", err)
		}
		clock.Advance(2 * time.Minute)

		if _, ok := Get[string](context.Background(), m, domain.RegionAuthTokens, "tok"); ok {
			t.Error("Expected expired entry to miss")
		}
	})

	t.Run("ttl clamped to region max", func(t *testing.T) {
		clock := clockwork.NewFakeClock()
		m, mr := testManager(t, clock)

		// RateLimits caps TTL at 5 minutes.
		if err := Set(context.Background(), m, domain.RegionRateLimits, "rl", 42, time.Hour); err != nil {
			t.Fatalf("Expected set, got: %v", err)
		}
		if ttl := mr.TTL("rate_limits:rl"); ttl > 5*time.Minute {
			t.Errorf("Expected redis TTL clamped to 5m, got: %v", ttl)
		}

		clock.Advance(6 * time.Minute)
		mr.FastForward(6 * time.Minute)

		if _, ok := Get[int](context.Background(), m, domain.RegionRateLimits, "rl"); ok {
			t.Error("Expected entry expired at region max TTL")
		}
	})

	t.Run("writes reach redis", func(t *testing.T) {
		clock := clockwork.NewFakeClock()
		m, mr := testManager(t, clock)

		if err := Set(context.Background(), m, domain.RegionModelMetadata, "gpt", "meta", 0); err != nil {
			t.Fatalf("Expected set, got: %v", err)
		}
		if !mr.Exists("model_metadata:gpt") {
			t.Error("Expected distributed copy under model_metadata:gpt")
		}
	})
}

func TestManagerRemove(t *testing.T) {
	clock := clockwork.NewFakeClock()
	m, mr := testManager(t, clock)

	Set(context.Background(), m, domain.RegionProviders, "p1", "v", 0)

	if !m.Remove(context.Background(), domain.RegionProviders, "p1") {
		t.Error("Expected remove to report a held entry")
	}
	if mr.Exists("providers:p1") {
		t.Error("Expected redis copy removed")
	}
	if _, ok := Get[string](context.Background(), m, domain.RegionProviders, "p1"); ok {
		t.Error("Expected miss after remove")
	}
	if m.Remove(context.Background(), domain.RegionProviders, "p1") {
		t.Error("Expected second remove to report absence")
	}
}

func TestManagerFlushRegion(t *testing.T) {
	clock := clockwork.NewFakeClock()
	m, mr := testManager(t, clock)

	Set(context.Background(), m, domain.RegionProviders, "a", 1, 0)
	Set(context.Background(), m, domain.RegionProviders, "b", 2, 0)
	Set(context.Background(), m, domain.RegionModelCosts, "keep", 3, 0)

	if err := m.FlushRegion(context.Background(), domain.RegionProviders); err != nil {
		t.Fatalf("Expected flush, got: %v", err)
	}

	if _, ok := Get[int](context.Background(), m, domain.RegionProviders, "a"); ok {
		t.Error("Expected flushed entry a to miss")
	}
	if _, ok := Get[int](context.Background(), m, domain.RegionProviders, "b"); ok {
		t.Error("Expected flushed entry b to miss")
	}
	if _, ok := Get[int](context.Background(), m, domain.RegionModelCosts, "keep"); !ok {
		t.Error("Expected other regions untouched")
	}
	if mr.Exists("providers:a") || mr.Exists("providers:b") {
		t.Error("Expected redis copies flushed")
	}
}

func TestGetOrCreate(t *testing.T) {
	t.Run("factory runs once per key", func(t *testing.T) {
		clock := clockwork.NewFakeClock()
		m, _ := testManager(t, clock)

		var calls atomic.Int32
		factory := func(ctx context.Context) (string, error) {
			calls.Add(1)
			return "built", nil
		}

		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				v, err := GetOrCreate(context.Background(), m, domain.RegionModelMetadata, "m", 0, factory)
				if err != nil {
					t.Errorf("Expected value, got: %v", err)
				}
				if v != "built" {
					t.Errorf("Expected built, got: %v", v)
				}
			}()
		}
		wg.Wait()

		if n := calls.Load(); n != 1 {
			t.Errorf("Expected exactly one factory call, got: %d", n)
		}
	})

	t.Run("factory error propagates and caches nothing", func(t *testing.T) {
		clock := clockwork.NewFakeClock()
		m, _ := testManager(t, clock)

		boom := errors.New("backend down")
		_, err := GetOrCreate(context.Background(), m, domain.RegionProviders, "p", 0, func(ctx context.Context) (int, error) {
			return 0, boom
		})
		if !errors.Is(err, boom) {
			t.Errorf("Expected factory error, got: %v", err)
		}

		if _, ok := Get[int](context.Background(), m, domain.RegionProviders, "p"); ok {
			t.Error("Expected nothing cached after factory error")
		}
	})

	t.Run("existing value skips factory", func(t *testing.T) {
		clock := clockwork.NewFakeClock()
		m, _ := testManager(t, clock)

		Set(context.Background(), m, domain.RegionProviders, "p", 7, 0)

		v, err := GetOrCreate(context.Background(), m, domain.RegionProviders, "p", 0, func(ctx context.Context) (int, error) {
			t.Error("Expected factory not to run")
			return 0, nil
		})
		if err != nil || v != 7 {
			t.Errorf("Expected cached 7, got %v (err %v)", v, err)
		}
	})
}

func TestManagerDisabledRegion(t *testing.T) {
	clock := clockwork.NewFakeClock()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	off := false
	regions := &config.CacheConfig{Regions: map[string]config.CacheRegionOverride{
		"embeddings": {Enabled: &off},
	}}
	m := NewManager(regions, client, testLogger(), nil, clock)
	t.Cleanup(func() { m.Close() })

	if err := Set(context.Background(), m, domain.RegionEmbeddings, "e", "v", 0); err != nil {
		t.Fatalf("Expected no-op set to succeed, got: %v", err)
	}
	if _, ok := Get[string](context.Background(), m, domain.RegionEmbeddings, "e"); ok {
		t.Error("Expected disabled region to always miss")
	}
	if mr.Exists("embeddings:e") {
		t.Error("Expected no redis write for disabled region")
	}
}

func TestManagerEvictionEvents(t *testing.T) {
	t.Run("replace fires eviction", func(t *testing.T) {
		clock := clockwork.NewFakeClock()
		m, _ := testManager(t, clock)

		var mu sync.Mutex
		var got []domain.EvictionEvent
		unsub := m.SubscribeEvictions(func(ev domain.EvictionEvent) {
			mu.Lock()
			got = append(got, ev)
			mu.Unlock()
		})
		defer unsub()

		Set(context.Background(), m, domain.RegionProviders, "p", 1, 0)
		Set(context.Background(), m, domain.RegionProviders, "p", 2, 0)

		mu.Lock()
		defer mu.Unlock()
		if len(got) != 1 {
			t.Fatalf("Expected one eviction event, got: %d", len(got))
		}
		if got[0].Reason != domain.EvictionReasonReplaced {
			t.Errorf("Expected replaced reason, got: %v", got[0].Reason)
		}
		if got[0].Key != "p" || got[0].Region != domain.RegionProviders {
			t.Errorf("Expected event for providers:p, got %+v", got[0])
		}
	})

	t.Run("subscriber may call back into the manager", func(t *testing.T) {
		clock := clockwork.NewFakeClock()
		m, _ := testManager(t, clock)

		done := make(chan struct{})
		unsub := m.SubscribeEvictions(func(ev domain.EvictionEvent) {
			// Re-entrancy must not deadlock.
			Get[int](context.Background(), m, domain.RegionProviders, "other")
			close(done)
		})
		defer unsub()

		Set(context.Background(), m, domain.RegionProviders, "p", 1, 0)
		Set(context.Background(), m, domain.RegionProviders, "p", 2, 0)

		select {
		case <-done:
		default:
			t.Error("Expected subscriber to have run synchronously")
		}
	})

	t.Run("unsubscribe stops delivery", func(t *testing.T) {
		clock := clockwork.NewFakeClock()
		m, _ := testManager(t, clock)

		var calls atomic.Int32
		unsub := m.SubscribeEvictions(func(domain.EvictionEvent) { calls.Add(1) })
		unsub()

		Set(context.Background(), m, domain.RegionProviders, "p", 1, 0)
		Set(context.Background(), m, domain.RegionProviders, "p", 2, 0)

		if calls.Load() != 0 {
			t.Errorf("Expected no deliveries after unsubscribe, got: %d", calls.Load())
		}
	})
}

func TestManagerStats(t *testing.T) {
	t.Run("counters accumulate", func(t *testing.T) {
		clock := clockwork.NewFakeClock()
		m, _ := testManager(t, clock)

		Set(context.Background(), m, domain.RegionProviders, "p", 1, 0)
		Get[int](context.Background(), m, domain.RegionProviders, "p")
		Get[int](context.Background(), m, domain.RegionProviders, "absent")

		stats := m.Stats(domain.RegionProviders)
		if stats.Sets != 1 || stats.Hits != 1 || stats.Misses != 1 {
			t.Errorf("Expected 1/1/1 sets/hits/misses, got %d/%d/%d", stats.Sets, stats.Hits, stats.Misses)
		}
		if stats.HitRate != 0.5 {
			t.Errorf("Expected hit rate 0.5, got: %v", stats.HitRate)
		}
		if stats.EntryCount != 1 {
			t.Errorf("Expected entry count 1, got: %d", stats.EntryCount)
		}
		if stats.MemoryUsageBytes <= 0 {
			t.Errorf("Expected positive memory usage, got: %d", stats.MemoryUsageBytes)
		}
	})

	t.Run("flush writes time series", func(t *testing.T) {
		clock := clockwork.NewFakeClock()
		m, mr := testManager(t, clock)

		Set(context.Background(), m, domain.RegionProviders, "p", 1, 0)
		Get[int](context.Background(), m, domain.RegionProviders, "p")

		if err := m.stats.flush(context.Background(), m.client); err != nil {
			t.Fatalf("Expected flush, got: %v", err)
		}

		currentKey := "cache:stats:providers:current"
		if !mr.Exists(currentKey) {
			t.Fatalf("Expected %s in redis", currentKey)
		}
		if got := mr.HGet(currentKey, "hits"); got != "1" {
			t.Errorf("Expected hits field 1, got: %v", got)
		}
	})

	t.Run("window sums minute buckets and treats gaps as zero", func(t *testing.T) {
		clock := clockwork.NewFakeClock()
		m, _ := testManager(t, clock)

		Set(context.Background(), m, domain.RegionProviders, "p", 1, 0)
		Get[int](context.Background(), m, domain.RegionProviders, "p")
		if err := m.stats.flush(context.Background(), m.client); err != nil {
			t.Fatalf("Expected flush, got: %v", err)
		}

		// Quiet hour: nothing flushed, buckets absent.
		clock.Advance(30 * time.Minute)

		w, err := m.Window(context.Background(), domain.RegionProviders, time.Hour)
		if err != nil {
			t.Fatalf("Expected window query, got: %v", err)
		}
		if w.Hits != 1 {
			t.Errorf("Expected 1 hit across window, got: %d", w.Hits)
		}
		if w.HitRate != 1 {
			t.Errorf("Expected hit rate 1, got: %v", w.HitRate)
		}
	})
}

func TestKeyedMutex(t *testing.T) {
	var km keyedMutex

	unlock := km.lock("a")
	acquired := make(chan struct{})
	go func() {
		u := km.lock("a")
		close(acquired)
		u()
	}()

	select {
	case <-acquired:
		t.Fatal("Expected second holder to block")
	case <-time.After(20 * time.Millisecond):
	}

	unlock()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("Expected second holder to proceed after unlock")
	}

	// Independent keys never contend.
	u1 := km.lock("x")
	u2 := km.lock("y")
	u1()
	u2()

	km.mu.Lock()
	if len(km.locks) != 0 {
		t.Errorf("Expected empty lock table, got: %d entries", len(km.locks))
	}
	km.mu.Unlock()
}
