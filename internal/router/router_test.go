package router

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"omnigate/internal/config"
	"omnigate/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() *config.RouterConfig {
	cfg := config.Default().Router
	cfg.Deployments = []config.DeploymentConfig{
		{Name: "gpt4o-openai", Model: "gpt-4o", Provider: "openai", ProviderModel: "gpt-4o-2024-08-06", Priority: 1, Weight: 70},
		{Name: "gpt4o-azure", Model: "gpt-4o", Provider: "azure", ProviderModel: "gpt-4o", Priority: 2, Weight: 30},
		{Name: "claude-sonnet", Model: "claude", Provider: "anthropic", ProviderModel: "claude-sonnet-4", Priority: 1, Weight: 100},
	}
	cfg.Fallbacks = map[string][]string{"gpt-4o": {"claude"}}
	return &cfg
}

func testRouter(t *testing.T, clock clockwork.Clock) *Router {
	t.Helper()
	r, err := NewRouter(testConfig(), testLogger(), nil, clock)
	if err != nil {
		t.Fatalf("Expected router to build, got: %v", err)
	}
	return r
}

// =============================================================================
// Selection
// =============================================================================

func TestRouterSelectDeployment(t *testing.T) {
	r := testRouter(t, clockwork.NewFakeClock())

	t.Run("default strategy picks by priority", func(t *testing.T) {
		dep, err := r.SelectDeployment("gpt-4o", "")
		if err != nil {
			t.Fatalf("Expected selection to succeed, got: %v", err)
		}
		if dep.Name != "gpt4o-openai" {
			t.Errorf("Expected the priority-1 deployment, got: %s", dep.Name)
		}
	})

	t.Run("alias lookup is case-insensitive", func(t *testing.T) {
		dep, err := r.SelectDeployment("GPT-4O", "")
		if err != nil {
			t.Fatalf("Expected selection to succeed, got: %v", err)
		}
		if dep.Name != "gpt4o-openai" {
			t.Errorf("Expected gpt4o-openai, got: %s", dep.Name)
		}
	})

	t.Run("selection by deployment name", func(t *testing.T) {
		dep, err := r.SelectDeployment("gpt4o-azure", "")
		if err != nil {
			t.Fatalf("Expected selection to succeed, got: %v", err)
		}
		if dep.Name != "gpt4o-azure" {
			t.Errorf("Expected gpt4o-azure, got: %s", dep.Name)
		}
	})

	t.Run("strategy override rotates deployments", func(t *testing.T) {
		var picks []string
		for i := 0; i < 4; i++ {
			dep, err := r.SelectDeployment("gpt-4o", domain.StrategyRoundRobin)
			if err != nil {
				t.Fatalf("Expected selection to succeed, got: %v", err)
			}
			picks = append(picks, dep.Name)
		}
		want := []string{"gpt4o-openai", "gpt4o-azure", "gpt4o-openai", "gpt4o-azure"}
		if !reflect.DeepEqual(picks, want) {
			t.Errorf("Expected rotation %v, got: %v", want, picks)
		}
	})

	t.Run("unknown model", func(t *testing.T) {
		if _, err := r.SelectDeployment("nope", ""); !errors.Is(err, ErrUnknownModel) {
			t.Errorf("Expected ErrUnknownModel, got: %v", err)
		}
	})

	t.Run("disabled provider is skipped", func(t *testing.T) {
		r := testRouter(t, clockwork.NewFakeClock())
		r.SetProviderGate(gateFunc(func(providerID string) bool { return providerID != "openai" }))

		dep, err := r.SelectDeployment("gpt-4o", "")
		if err != nil {
			t.Fatalf("Expected selection to succeed, got: %v", err)
		}
		if dep.Name != "gpt4o-azure" {
			t.Errorf("Expected the azure deployment with openai gated off, got: %s", dep.Name)
		}

		r.SetProviderGate(gateFunc(func(string) bool { return false }))
		if _, err := r.SelectDeployment("gpt-4o", ""); !errors.Is(err, ErrNoHealthyDeployment) {
			t.Errorf("Expected ErrNoHealthyDeployment with all providers gated off, got: %v", err)
		}
	})
}

type gateFunc func(providerID string) bool

func (f gateFunc) ProviderEnabled(providerID string) bool { return f(providerID) }

// =============================================================================
// Configuration
// =============================================================================

func TestRouterConfigRoundTrip(t *testing.T) {
	cfg := testConfig()
	r, err := NewRouter(cfg, testLogger(), nil, clockwork.NewFakeClock())
	if err != nil {
		t.Fatalf("Expected router to build, got: %v", err)
	}

	got := r.Config()
	if got.DefaultStrategy != cfg.DefaultStrategy {
		t.Errorf("Expected strategy %s, got: %s", cfg.DefaultStrategy, got.DefaultStrategy)
	}
	if got.MaxRetries != cfg.MaxRetries {
		t.Errorf("Expected max retries %d, got: %d", cfg.MaxRetries, got.MaxRetries)
	}
	if !reflect.DeepEqual(got.Deployments, cfg.Deployments) {
		t.Errorf("Expected deployments to round-trip, got: %+v", got.Deployments)
	}
	if !reflect.DeepEqual(got.Fallbacks["gpt-4o"], []string{"claude"}) {
		t.Errorf("Expected fallback chain to round-trip, got: %v", got.Fallbacks)
	}
}

func TestRouterConfigValidation(t *testing.T) {
	newRouterWith := func(mutate func(cfg *config.RouterConfig)) error {
		cfg := testConfig()
		mutate(cfg)
		_, err := NewRouter(cfg, testLogger(), nil, clockwork.NewFakeClock())
		return err
	}

	t.Run("duplicate deployment names", func(t *testing.T) {
		err := newRouterWith(func(cfg *config.RouterConfig) {
			cfg.Deployments = append(cfg.Deployments, config.DeploymentConfig{Name: "GPT4O-OPENAI", Provider: "openai"})
		})
		if !errors.Is(err, ErrDuplicateDeployment) {
			t.Errorf("Expected ErrDuplicateDeployment, got: %v", err)
		}
	})

	t.Run("unknown fallback target", func(t *testing.T) {
		err := newRouterWith(func(cfg *config.RouterConfig) {
			cfg.Fallbacks = map[string][]string{"gpt-4o": {"mystery-model"}}
		})
		if !errors.Is(err, ErrUnknownFallback) {
			t.Errorf("Expected ErrUnknownFallback, got: %v", err)
		}
	})

	t.Run("fallback cycle", func(t *testing.T) {
		err := newRouterWith(func(cfg *config.RouterConfig) {
			cfg.Fallbacks = map[string][]string{
				"gpt-4o": {"claude"},
				"claude": {"gpt-4o"},
			}
		})
		if !errors.Is(err, ErrFallbackCycle) {
			t.Errorf("Expected ErrFallbackCycle, got: %v", err)
		}
	})

	t.Run("self cycle", func(t *testing.T) {
		err := newRouterWith(func(cfg *config.RouterConfig) {
			cfg.Fallbacks = map[string][]string{"claude": {"claude"}}
		})
		if !errors.Is(err, ErrFallbackCycle) {
			t.Errorf("Expected ErrFallbackCycle, got: %v", err)
		}
	})

	t.Run("unknown strategy", func(t *testing.T) {
		err := newRouterWith(func(cfg *config.RouterConfig) {
			cfg.DefaultStrategy = "psychic"
		})
		if err == nil {
			t.Error("Expected an error for an unknown strategy")
		}
	})
}

func TestRouterFallbackMutation(t *testing.T) {
	r := testRouter(t, clockwork.NewFakeClock())

	t.Run("add validates the resulting relation", func(t *testing.T) {
		if err := r.AddFallbackModels("claude", []string{"gpt-4o"}); !errors.Is(err, ErrFallbackCycle) {
			t.Errorf("Expected ErrFallbackCycle, got: %v", err)
		}
		if err := r.AddFallbackModels("claude", []string{"unknown"}); !errors.Is(err, ErrUnknownFallback) {
			t.Errorf("Expected ErrUnknownFallback, got: %v", err)
		}
	})

	t.Run("add and remove round-trip", func(t *testing.T) {
		if err := r.AddFallbackModels("claude", []string{"gpt4o-azure"}); err != nil {
			t.Fatalf("Expected chain install to succeed, got: %v", err)
		}
		if got := r.Config().Fallbacks["claude"]; !reflect.DeepEqual(got, []string{"gpt4o-azure"}) {
			t.Errorf("Expected installed chain, got: %v", got)
		}

		r.RemoveFallbacks("claude")
		if _, ok := r.Config().Fallbacks["claude"]; ok {
			t.Error("Expected chain to be removed")
		}
	})
}

// =============================================================================
// Execute
// =============================================================================

func TestRouterExecute(t *testing.T) {
	t.Run("first attempt success", func(t *testing.T) {
		r := testRouter(t, clockwork.NewFakeClock())

		var calls int
		got, err := Execute(context.Background(), r, "gpt-4o", "", func(_ context.Context, dep *domain.ModelDeployment) (string, error) {
			calls++
			return "ok from " + dep.Name, nil
		})
		if err != nil {
			t.Fatalf("Expected success, got: %v", err)
		}
		if got != "ok from gpt4o-openai" {
			t.Errorf("Expected the primary deployment to serve, got: %s", got)
		}
		if calls != 1 {
			t.Errorf("Expected 1 call, got: %d", calls)
		}
	})

	t.Run("transient failure retries after backoff", func(t *testing.T) {
		clock := clockwork.NewFakeClock()
		r := testRouter(t, clock)

		var calls int
		type result struct {
			val string
			err error
		}
		done := make(chan result, 1)
		go func() {
			val, err := Execute(context.Background(), r, "claude", "", func(_ context.Context, _ *domain.ModelDeployment) (string, error) {
				calls++
				if calls == 1 {
					return "", domain.NewProviderError(domain.ErrorTypeTimeout, 0, errors.New("deadline exceeded"))
				}
				return "recovered", nil
			})
			done <- result{val, err}
		}()

		// First attempt fails, Execute sleeps the 500ms base delay.
		clock.BlockUntil(1)
		clock.Advance(500 * time.Millisecond)

		res := <-done
		if res.err != nil {
			t.Fatalf("Expected retry to recover, got: %v", res.err)
		}
		if res.val != "recovered" {
			t.Errorf("Expected recovered result, got: %s", res.val)
		}
		if calls != 2 {
			t.Errorf("Expected 2 attempts, got: %d", calls)
		}
	})

	t.Run("terminal error stops the chain", func(t *testing.T) {
		r := testRouter(t, clockwork.NewFakeClock())

		var calls int
		_, err := Execute(context.Background(), r, "gpt-4o", "", func(_ context.Context, _ *domain.ModelDeployment) (string, error) {
			calls++
			return "", domain.NewProviderError(domain.ErrorTypeInvalidAPIKey, 401, errors.New("bad key"))
		})

		var perr *domain.ProviderError
		if !errors.As(err, &perr) || perr.Type != domain.ErrorTypeInvalidAPIKey {
			t.Fatalf("Expected classified invalid_api_key error, got: %v", err)
		}
		if calls != 1 {
			t.Errorf("Expected no retries on a terminal error, got %d calls", calls)
		}
	})

	t.Run("walks the fallback chain", func(t *testing.T) {
		clock := clockwork.NewFakeClock()
		r := testRouter(t, clock)

		var served []string
		done := make(chan error, 1)
		go func() {
			_, err := Execute(context.Background(), r, "gpt-4o", "", func(_ context.Context, dep *domain.ModelDeployment) (string, error) {
				served = append(served, dep.Name)
				return "", domain.NewProviderError(domain.ErrorTypeServiceUnavailable, 503, errors.New("overloaded"))
			})
			done <- err
		}()

		// Two backoff sleeps separate the three attempts.
		for i := 0; i < 2; i++ {
			clock.BlockUntil(1)
			clock.Advance(10 * time.Second)
		}

		err := <-done
		if err == nil {
			t.Fatal("Expected the chain to fail")
		}
		if !strings.Contains(err.Error(), "all 3 attempts failed") {
			t.Errorf("Expected exhausted attempts error, got: %v", err)
		}
		want := []string{"gpt4o-openai", "claude-sonnet", "gpt4o-openai"}
		if !reflect.DeepEqual(served, want) {
			t.Errorf("Expected attempt order %v, got: %v", want, served)
		}
	})

	t.Run("nothing selectable fails fast", func(t *testing.T) {
		cfg := testConfig()
		cfg.Fallbacks = nil
		r, err := NewRouter(cfg, testLogger(), nil, clockwork.NewFakeClock())
		if err != nil {
			t.Fatalf("Expected router to build, got: %v", err)
		}
		r.SetProviderGate(gateFunc(func(string) bool { return false }))

		_, err = Execute(context.Background(), r, "gpt-4o", "", func(_ context.Context, _ *domain.ModelDeployment) (string, error) {
			t.Fatal("call func must not run")
			return "", nil
		})
		if !errors.Is(err, ErrNoHealthyDeployment) {
			t.Errorf("Expected ErrNoHealthyDeployment, got: %v", err)
		}
	})

	t.Run("caller cancellation during backoff", func(t *testing.T) {
		clock := clockwork.NewFakeClock()
		r := testRouter(t, clock)
		ctx, cancel := context.WithCancel(context.Background())

		done := make(chan error, 1)
		go func() {
			_, err := Execute(ctx, r, "claude", "", func(_ context.Context, _ *domain.ModelDeployment) (string, error) {
				return "", domain.NewProviderError(domain.ErrorTypeNetworkError, 0, errors.New("connection reset"))
			})
			done <- err
		}()

		clock.BlockUntil(1)
		cancel()

		if err := <-done; !errors.Is(err, context.Canceled) {
			t.Errorf("Expected context.Canceled, got: %v", err)
		}
	})
}

func TestRouterChatCompletion(t *testing.T) {
	r := testRouter(t, clockwork.NewFakeClock())

	req := &domain.ChatRequest{RequestID: "req-1", Model: "gpt-4o"}
	resp, err := r.ChatCompletion(context.Background(), req, func(_ context.Context, dep *domain.ModelDeployment) (*domain.ChatResponse, error) {
		return &domain.ChatResponse{RequestID: req.RequestID, Model: dep.ProviderModelID, Content: "hi"}, nil
	})
	if err != nil {
		t.Fatalf("Expected completion to succeed, got: %v", err)
	}
	if resp.Deployment != "gpt4o-openai" {
		t.Errorf("Expected serving deployment stamped on the response, got: %s", resp.Deployment)
	}
	if resp.Model != "gpt-4o-2024-08-06" {
		t.Errorf("Expected provider model id, got: %s", resp.Model)
	}
}

func TestRouterLatencyFeedback(t *testing.T) {
	r := testRouter(t, clockwork.NewFakeClock())

	// Successful calls feed the built-in latency tracker.
	_, err := Execute(context.Background(), r, "claude", "", func(_ context.Context, _ *domain.ModelDeployment) (string, error) {
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("Expected success, got: %v", err)
	}

	if _, ok := r.latency.AvgLatency("claude-sonnet"); !ok {
		t.Error("Expected a latency sample for the serving deployment")
	}
}

func TestRouterUpdateConfigSwap(t *testing.T) {
	r := testRouter(t, clockwork.NewFakeClock())

	next := testConfig()
	next.Deployments = []config.DeploymentConfig{
		{Name: "gemini-flash", Model: "gemini", Provider: "google", ProviderModel: "gemini-2.0-flash", Priority: 1, Weight: 100},
	}
	next.Fallbacks = nil
	if err := r.UpdateConfig(next); err != nil {
		t.Fatalf("Expected update to succeed, got: %v", err)
	}

	if _, err := r.SelectDeployment("gpt-4o", ""); !errors.Is(err, ErrUnknownModel) {
		t.Errorf("Expected old alias to be gone, got: %v", err)
	}
	dep, err := r.SelectDeployment("gemini", "")
	if err != nil {
		t.Fatalf("Expected new alias to resolve, got: %v", err)
	}
	if dep.Name != "gemini-flash" {
		t.Errorf("Expected gemini-flash, got: %s", dep.Name)
	}

	// A bad replacement leaves the installed config untouched.
	bad := testConfig()
	bad.Fallbacks = map[string][]string{"gpt-4o": {"gpt-4o"}}
	if err := r.UpdateConfig(bad); err == nil {
		t.Fatal("Expected cyclic config to be rejected")
	}
	if _, err := r.SelectDeployment("gemini", ""); err != nil {
		t.Errorf("Expected previous config to survive a rejected update, got: %v", err)
	}
}
