package video

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"omnigate/internal/config"
	"omnigate/internal/domain"
	"omnigate/internal/events"
	"omnigate/internal/lock"
	"omnigate/internal/media"
	"omnigate/internal/provider"
	"omnigate/internal/task"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testDeployment() *domain.ModelDeployment {
	return &domain.ModelDeployment{
		Name:            "veo-mini-primary",
		ModelAlias:      "veo-mini",
		ProviderID:      "fal",
		ProviderModelID: "fal-ai/veo-mini",
		Priority:        1,
		Healthy:         true,
	}
}

// =============================================================================
// Fakes
// =============================================================================

type fakeEngine struct {
	mu         sync.Mutex
	clock      clockwork.Clock
	seq        int
	maxRetries int
	tasks      map[string]*domain.AsyncTask
}

func newFakeEngine(clock clockwork.Clock) *fakeEngine {
	return &fakeEngine{clock: clock, maxRetries: 3, tasks: make(map[string]*domain.AsyncTask)}
}

func (f *fakeEngine) Create(ctx context.Context, taskType domain.TaskType, virtualKeyID string, metadata json.RawMessage) (*domain.AsyncTask, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	now := f.clock.Now().UTC()
	t := &domain.AsyncTask{
		ID:           fmt.Sprintf("task-%d", f.seq),
		Type:         taskType,
		State:        domain.TaskStatePending,
		VirtualKeyID: virtualKeyID,
		Metadata:     metadata,
		MaxRetries:   f.maxRetries,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	f.tasks[t.ID] = t
	return copyTask(t), nil
}

func (f *fakeEngine) Get(ctx context.Context, id string) (*domain.AsyncTask, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tasks[id]
	if !ok {
		return nil, fmt.Errorf("task %s not found", id)
	}
	return copyTask(t), nil
}

// Update mirrors the engine's transition rules: terminal tasks accept only
// result and error amendments, and a Pending update carrying an error is a
// retry request that consumes budget or fails the task.
func (f *fakeEngine) Update(ctx context.Context, id string, upd task.StatusUpdate) (*domain.AsyncTask, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tasks[id]
	if !ok {
		return nil, fmt.Errorf("task %s not found", id)
	}
	now := f.clock.Now().UTC()

	if t.State.Terminal() {
		if upd.State != "" && upd.State != t.State {
			return nil, task.ErrTaskFinal
		}
		if upd.Result != nil {
			t.Result = upd.Result
		}
		if upd.Error != "" {
			t.Error = upd.Error
		}
		t.UpdatedAt = now
		return copyTask(t), nil
	}

	if upd.Progress != nil {
		t.ProgressPercent = *upd.Progress
	}
	if upd.ProgressMessage != "" {
		t.ProgressMessage = upd.ProgressMessage
	}
	if upd.Result != nil {
		t.Result = upd.Result
	}
	if upd.Error != "" {
		t.Error = upd.Error
	}

	state := upd.State
	if state == domain.TaskStatePending && upd.Error != "" {
		if t.CanRetry() {
			t.RetryCount++
			next := now.Add(time.Minute)
			t.NextRetryAt = &next
		} else {
			state = domain.TaskStateFailed
		}
	}
	if state != "" {
		t.State = state
		if state.Terminal() {
			completed := now
			t.CompletedAt = &completed
			t.NextRetryAt = nil
			if state == domain.TaskStateCompleted {
				t.ProgressPercent = 100
			}
		}
	}
	t.UpdatedAt = now
	return copyTask(t), nil
}

func (f *fakeEngine) Pending(ctx context.Context, taskType domain.TaskType, limit int) ([]*domain.AsyncTask, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*domain.AsyncTask
	for _, t := range f.tasks {
		if t.Type != taskType {
			continue
		}
		if t.State != domain.TaskStatePending && t.State != domain.TaskStateProcessing {
			continue
		}
		out = append(out, copyTask(t))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeEngine) seed(t *domain.AsyncTask) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = f.clock.Now().UTC()
	}
	if t.MaxRetries == 0 {
		t.MaxRetries = f.maxRetries
	}
	f.tasks[t.ID] = copyTask(t)
}

func (f *fakeEngine) get(id string) *domain.AsyncTask {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tasks[id]
	if !ok {
		return nil
	}
	return copyTask(t)
}

func copyTask(t *domain.AsyncTask) *domain.AsyncTask {
	cp := *t
	if t.NextRetryAt != nil {
		at := *t.NextRetryAt
		cp.NextRetryAt = &at
	}
	if t.CompletedAt != nil {
		at := *t.CompletedAt
		cp.CompletedAt = &at
	}
	return &cp
}

type fakeVideoClient struct {
	mu      sync.Mutex
	calls   int
	gotReq  *domain.VideoGenerationRequest
	gotKey  string
	result  *domain.VideoGenerationResult
	err     error
	errOnce bool
	started chan struct{}
	release chan struct{}
}

func (f *fakeVideoClient) ProviderID() string { return "fal" }

func (f *fakeVideoClient) CreateVideo(ctx context.Context, req *domain.VideoGenerationRequest, apiKey string) (*domain.VideoGenerationResult, error) {
	f.mu.Lock()
	f.calls++
	call := f.calls
	reqCopy := *req
	f.gotReq = &reqCopy
	f.gotKey = apiKey
	result, err, errOnce := f.result, f.err, f.errOnce
	started, release := f.started, f.release
	f.mu.Unlock()

	if started != nil {
		select {
		case started <- struct{}{}:
		default:
		}
	}
	if release != nil {
		select {
		case <-release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil && (!errOnce || call == 1) {
		return nil, err
	}
	if result != nil {
		cp := *result
		return &cp, nil
	}
	return &domain.VideoGenerationResult{VideoBytes: []byte("clip"), DurationSecs: 6}, nil
}

func (f *fakeVideoClient) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeVideoClient) lastRequest() *domain.VideoGenerationRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.gotReq
}

func (f *fakeVideoClient) lastKey() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.gotKey
}

type fakeProgressClient struct {
	fakeVideoClient
	points []int
}

func (f *fakeProgressClient) CreateVideoWithProgress(ctx context.Context, req *domain.VideoGenerationRequest, apiKey string, progress provider.VideoProgressFunc) (*domain.VideoGenerationResult, error) {
	for _, p := range f.points {
		progress(p, "rendering")
	}
	return f.CreateVideo(ctx, req, apiKey)
}

// chatOnlyClient registers under the deployment's provider id but has no
// video capability.
type chatOnlyClient struct{}

func (chatOnlyClient) ProviderID() string { return "fal" }

type fakeSelector struct {
	mu       sync.Mutex
	dep      *domain.ModelDeployment
	err      error
	gotModel string
}

func (f *fakeSelector) SelectDeployment(model string, strat domain.RoutingStrategy) (*domain.ModelDeployment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gotModel = model
	if f.err != nil {
		return nil, f.err
	}
	cp := *f.dep
	return &cp, nil
}

func (f *fakeSelector) selectedModel() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.gotModel
}

type fakeKeys struct {
	key string
	err error
}

func (f fakeKeys) APIKey(ctx context.Context, providerID string) (string, error) {
	return f.key, f.err
}

type fakePricer struct {
	mu       sync.Mutex
	cost     float64
	err      error
	gotModel string
	gotUsage domain.Usage
}

func (f *fakePricer) Cost(model string, usage domain.Usage) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gotModel = model
	f.gotUsage = usage
	return f.cost, f.err
}

type fakeUsage struct {
	mu   sync.Mutex
	recs []*domain.UsageRecord
}

func (f *fakeUsage) RecordAsync(rec *domain.UsageRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recs = append(f.recs, rec)
}

func (f *fakeUsage) records() []*domain.UsageRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*domain.UsageRecord(nil), f.recs...)
}

type storedVideo struct {
	meta domain.VideoMetadata
	data []byte
}

type fakeMedia struct {
	mu       sync.Mutex
	stored   []storedVideo
	storeErr error
	urlErr   error
}

func (f *fakeMedia) StoreVideo(ctx context.Context, r io.Reader, meta domain.VideoMetadata, progress media.ProgressFunc) (*domain.MediaStorageResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.storeErr != nil {
		return nil, f.storeErr
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	f.stored = append(f.stored, storedVideo{meta: meta, data: data})
	key := fmt.Sprintf("video/clip-%d.mp4", len(f.stored))
	return &domain.MediaStorageResult{
		StorageKey:  key,
		SizeBytes:   int64(len(data)),
		ContentType: meta.ContentType,
		StoredAt:    time.Now().UTC(),
	}, nil
}

func (f *fakeMedia) GenerateURL(ctx context.Context, key string, expiration time.Duration) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.urlErr != nil {
		return "", f.urlErr
	}
	return "https://media.example.com/" + key, nil
}

func (f *fakeMedia) items() []storedVideo {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]storedVideo(nil), f.stored...)
}

// =============================================================================
// Harness
// =============================================================================

type orchDeps struct {
	selector *fakeSelector
	engine   *fakeEngine
	cancels  *task.Registry
	media    *fakeMedia
	pricer   *fakePricer
	usage    *fakeUsage
	bus      *events.InMemoryBus
}

func newTestOrchestrator(t *testing.T, cfg config.VideoConfig, client provider.Client, clock clockwork.Clock) (*Orchestrator, *orchDeps) {
	t.Helper()
	logger := testLogger()
	bus := events.NewInMemoryBus()
	t.Cleanup(bus.Close)

	registry := provider.NewRegistry(logger)
	if client != nil {
		if err := registry.Register(client); err != nil {
			t.Fatalf("Register: %v", err)
		}
	}

	deps := &orchDeps{
		selector: &fakeSelector{dep: testDeployment()},
		engine:   newFakeEngine(clock),
		cancels:  task.NewRegistry(time.Second, logger, clock),
		media:    &fakeMedia{},
		pricer:   &fakePricer{cost: 0.42},
		usage:    &fakeUsage{},
		bus:      bus,
	}
	orch := NewOrchestrator(
		cfg,
		deps.selector,
		registry,
		fakeKeys{key: "sk-test"},
		deps.engine,
		deps.cancels,
		deps.media,
		deps.pricer,
		deps.usage,
		nil,
		nil,
		bus,
		logger,
		nil,
		clock,
	)
	return orch, deps
}

func collect(t *testing.T, bus events.Bus, eventType string) <-chan events.Envelope {
	t.Helper()
	ch := make(chan events.Envelope, 32)
	unsub := bus.Subscribe(eventType, func(ctx context.Context, env events.Envelope) {
		ch <- env
	})
	t.Cleanup(unsub)
	return ch
}

func waitEvent(t *testing.T, ch <-chan events.Envelope) events.Envelope {
	t.Helper()
	select {
	case env := <-ch:
		return env
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return events.Envelope{}
	}
}

func expectNoEvent(t *testing.T, ch <-chan events.Envelope, wait time.Duration) {
	t.Helper()
	select {
	case env := <-ch:
		t.Fatalf("unexpected event: %#v", env.Event)
	case <-time.After(wait):
	}
}

func waitSignal(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for provider call")
	}
}

func waitTask(t *testing.T, eng *fakeEngine, id string, pred func(*domain.AsyncTask) bool) *domain.AsyncTask {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if tk := eng.get(id); tk != nil && pred(tk) {
			return tk
		}
		time.Sleep(5 * time.Millisecond)
	}
	tk := eng.get(id)
	t.Fatalf("task %s never reached the expected state, last: %+v", id, tk)
	return nil
}

// =============================================================================
// Synchronous generation
// =============================================================================

func TestOrchestratorGenerate(t *testing.T) {
	t.Run("stores the clip and publishes completion", func(t *testing.T) {
		clock := clockwork.NewFakeClock()
		client := &fakeVideoClient{}
		orch, deps := newTestOrchestrator(t, config.VideoConfig{}, client, clock)
		completed := collect(t, deps.bus, events.TypeVideoGenerationCompleted)
		mediaDone := collect(t, deps.bus, events.TypeMediaGenerationCompleted)

		req := &domain.VideoGenerationRequest{
			Model:        "veo-mini",
			Prompt:       "a red panda typing",
			VirtualKeyID: "vk-1",
			Size:         "1280x720",
		}
		result, err := orch.Generate(context.Background(), req)
		if err != nil {
			t.Fatalf("Generate: %v", err)
		}
		if result.VideoURL != "https://media.example.com/video/clip-1.mp4" {
			t.Errorf("VideoURL = %q", result.VideoURL)
		}

		if got := deps.selector.selectedModel(); got != "veo-mini" {
			t.Errorf("selected model = %q, want veo-mini", got)
		}
		if got := client.lastRequest(); got.Model != "fal-ai/veo-mini" {
			t.Errorf("provider saw model %q, want fal-ai/veo-mini", got.Model)
		}
		if got := client.lastRequest(); got.DurationSeconds != 5 {
			t.Errorf("provider saw duration %v, want default 5", got.DurationSeconds)
		}
		if client.lastKey() != "sk-test" {
			t.Errorf("provider saw key %q, want sk-test", client.lastKey())
		}

		items := deps.media.items()
		if len(items) != 1 {
			t.Fatalf("stored %d videos, want 1", len(items))
		}
		if string(items[0].data) != "clip" {
			t.Errorf("stored data = %q, want clip", items[0].data)
		}
		meta := items[0].meta
		if meta.GeneratedByModel != "veo-mini" || meta.GenerationPrompt != "a red panda typing" {
			t.Errorf("provenance = %q / %q", meta.GeneratedByModel, meta.GenerationPrompt)
		}
		if meta.MediaType != domain.MediaTypeVideo || meta.VirtualKeyID != "vk-1" {
			t.Errorf("metadata = %+v", meta.MediaMetadata)
		}
		if meta.DurationSeconds != 6 || meta.Resolution != "1280x720" {
			t.Errorf("duration/resolution = %v / %q", meta.DurationSeconds, meta.Resolution)
		}

		env := waitEvent(t, completed)
		done := env.Event.(events.VideoGenerationCompleted)
		if done.RequestID != req.RequestID || done.VideoURL != result.VideoURL {
			t.Errorf("completed event = %+v", done)
		}
		if done.CorrelationID != req.RequestID {
			t.Errorf("CorrelationID = %q, want the request id", done.CorrelationID)
		}

		env = waitEvent(t, mediaDone)
		stored := env.Event.(events.MediaGenerationCompleted)
		if stored.StorageKey != "video/clip-1.mp4" || stored.VirtualKeyID != "vk-1" {
			t.Errorf("media event = %+v", stored)
		}
		if stored.GeneratedByModel != "veo-mini" {
			t.Errorf("media event model = %q", stored.GeneratedByModel)
		}

		recs := deps.usage.records()
		if len(recs) != 1 {
			t.Fatalf("recorded %d usage rows, want 1", len(recs))
		}
		rec := recs[0]
		if !rec.Success || rec.ErrorCode != "" {
			t.Errorf("usage row = success %v, error %q", rec.Success, rec.ErrorCode)
		}
		if rec.Operation != "video_generation" || rec.ProviderID != "fal" {
			t.Errorf("usage row = op %q, provider %q", rec.Operation, rec.ProviderID)
		}
		if rec.CostUSD != 0.42 {
			t.Errorf("CostUSD = %v, want 0.42", rec.CostUSD)
		}
		if rec.Usage.VideoCount != 1 || rec.Usage.VideoSeconds != 6 || rec.Usage.Resolution != "1280x720" {
			t.Errorf("usage = %+v", rec.Usage)
		}
	})

	t.Run("fetches provider hosted output", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "video/webm")
			_, _ = w.Write([]byte("hosted-clip"))
		}))
		defer srv.Close()

		clock := clockwork.NewFakeClock()
		client := &fakeVideoClient{result: &domain.VideoGenerationResult{
			VideoURL:     srv.URL + "/out.webm",
			DurationSecs: 4,
		}}
		orch, deps := newTestOrchestrator(t, config.VideoConfig{}, client, clock)

		result, err := orch.Generate(context.Background(), &domain.VideoGenerationRequest{
			Model:        "veo-mini",
			Prompt:       "clouds over a fjord",
			VirtualKeyID: "vk-2",
		})
		if err != nil {
			t.Fatalf("Generate: %v", err)
		}
		if result.VideoURL != "https://media.example.com/video/clip-1.mp4" {
			t.Errorf("VideoURL = %q, want the re-homed URL", result.VideoURL)
		}

		items := deps.media.items()
		if len(items) != 1 {
			t.Fatalf("stored %d videos, want 1", len(items))
		}
		if string(items[0].data) != "hosted-clip" {
			t.Errorf("stored data = %q, want hosted-clip", items[0].data)
		}
		if items[0].meta.ContentType != "video/webm" {
			t.Errorf("ContentType = %q, want video/webm", items[0].meta.ContentType)
		}
		if items[0].meta.DurationSeconds != 4 {
			t.Errorf("DurationSeconds = %v, want 4", items[0].meta.DurationSeconds)
		}
	})

	t.Run("rejects invalid requests", func(t *testing.T) {
		clock := clockwork.NewFakeClock()
		client := &fakeVideoClient{}
		orch, _ := newTestOrchestrator(t, config.VideoConfig{}, client, clock)

		_, err := orch.Generate(context.Background(), &domain.VideoGenerationRequest{Model: "veo-mini"})
		if !errors.Is(err, ErrInvalidRequest) {
			t.Errorf("empty prompt: got %v, want ErrInvalidRequest", err)
		}

		_, err = orch.Generate(context.Background(), &domain.VideoGenerationRequest{
			Model:           "veo-mini",
			Prompt:          "too long",
			DurationSeconds: 120,
		})
		if !errors.Is(err, ErrInvalidRequest) {
			t.Errorf("over-limit duration: got %v, want ErrInvalidRequest", err)
		}

		if client.callCount() != 0 {
			t.Errorf("provider called %d times for invalid requests", client.callCount())
		}
	})

	t.Run("fails when the provider lacks video support", func(t *testing.T) {
		clock := clockwork.NewFakeClock()
		orch, deps := newTestOrchestrator(t, config.VideoConfig{}, chatOnlyClient{}, clock)
		failed := collect(t, deps.bus, events.TypeVideoGenerationFailed)

		_, err := orch.Generate(context.Background(), &domain.VideoGenerationRequest{
			Model:  "veo-mini",
			Prompt: "anything",
		})
		if !errors.Is(err, ErrNoVideoSupport) {
			t.Fatalf("got %v, want ErrNoVideoSupport", err)
		}

		env := waitEvent(t, failed)
		ev := env.Event.(events.VideoGenerationFailed)
		if !strings.Contains(ev.Error, "does not support video generation") {
			t.Errorf("failed event error = %q", ev.Error)
		}
	})

	t.Run("classifies terminal failures", func(t *testing.T) {
		clock := clockwork.NewFakeClock()
		client := &fakeVideoClient{err: errors.New("model not found: fal-ai/veo-mini")}
		orch, deps := newTestOrchestrator(t, config.VideoConfig{}, client, clock)
		failed := collect(t, deps.bus, events.TypeVideoGenerationFailed)

		_, err := orch.Generate(context.Background(), &domain.VideoGenerationRequest{
			Model:        "veo-mini",
			Prompt:       "anything",
			VirtualKeyID: "vk-3",
		})
		if err == nil {
			t.Fatal("expected an error")
		}

		waitEvent(t, failed)

		recs := deps.usage.records()
		if len(recs) != 1 {
			t.Fatalf("recorded %d usage rows, want 1", len(recs))
		}
		if recs[0].Success || recs[0].ErrorCode != string(domain.ErrorTypeModelNotFound) {
			t.Errorf("usage row = success %v, error %q", recs[0].Success, recs[0].ErrorCode)
		}
		if recs[0].CostUSD != 0 || recs[0].Usage.VideoCount != 0 {
			t.Errorf("failed attempt accrued cost: %+v", recs[0])
		}
	})

	t.Run("storage failure is terminal", func(t *testing.T) {
		clock := clockwork.NewFakeClock()
		client := &fakeVideoClient{}
		orch, deps := newTestOrchestrator(t, config.VideoConfig{}, client, clock)
		deps.media.storeErr = errors.New("bucket unavailable")
		failed := collect(t, deps.bus, events.TypeVideoGenerationFailed)

		_, err := orch.Generate(context.Background(), &domain.VideoGenerationRequest{
			Model:  "veo-mini",
			Prompt: "anything",
		})
		if err == nil || !strings.Contains(err.Error(), "storing video") {
			t.Fatalf("got %v, want a storing video error", err)
		}
		waitEvent(t, failed)
	})
}

// =============================================================================
// Async generation
// =============================================================================

func TestOrchestratorGenerateWithTask(t *testing.T) {
	t.Run("runs the pipeline through the consumer", func(t *testing.T) {
		clock := clockwork.NewFakeClock()
		client := &fakeVideoClient{}
		orch, deps := newTestOrchestrator(t, config.VideoConfig{}, client, clock)
		requested := collect(t, deps.bus, events.TypeVideoGenerationRequested)
		completed := collect(t, deps.bus, events.TypeVideoGenerationCompleted)
		orch.Start()
		defer orch.Close()

		handle, err := orch.GenerateWithTask(context.Background(), &domain.VideoGenerationRequest{
			Model:        "veo-mini",
			Prompt:       "waves at dusk",
			VirtualKeyID: "vk-9",
		})
		if err != nil {
			t.Fatalf("GenerateWithTask: %v", err)
		}
		if handle.State != domain.TaskStatePending || handle.Type != domain.TaskTypeVideoGeneration {
			t.Errorf("handle = state %s, type %s", handle.State, handle.Type)
		}
		if handle.VirtualKeyID != "vk-9" {
			t.Errorf("handle key = %q", handle.VirtualKeyID)
		}

		env := waitEvent(t, requested)
		ev := env.Event.(events.VideoGenerationRequested)
		if ev.TaskID != handle.ID || !ev.IsAsync {
			t.Errorf("requested event = %+v", ev)
		}
		if ev.Parameters.Duration != 5 {
			t.Errorf("Parameters.Duration = %v, want normalized 5", ev.Parameters.Duration)
		}
		if ev.CorrelationID != handle.ID {
			t.Errorf("CorrelationID = %q, want the task id", ev.CorrelationID)
		}

		env = waitEvent(t, completed)
		done := env.Event.(events.VideoGenerationCompleted)
		if done.CorrelationID != handle.ID {
			t.Errorf("completed CorrelationID = %q, want the task id", done.CorrelationID)
		}

		final := waitTask(t, deps.engine, handle.ID, func(tk *domain.AsyncTask) bool {
			return tk.State == domain.TaskStateCompleted
		})
		if final.ProgressPercent != 100 {
			t.Errorf("ProgressPercent = %d, want 100", final.ProgressPercent)
		}
		var result domain.VideoGenerationResult
		if err := json.Unmarshal(final.Result, &result); err != nil {
			t.Fatalf("decoding task result: %v", err)
		}
		if result.VideoURL != done.VideoURL {
			t.Errorf("task result URL = %q, event URL = %q", result.VideoURL, done.VideoURL)
		}
	})

	t.Run("skips tasks cancelled before dispatch", func(t *testing.T) {
		clock := clockwork.NewFakeClock()
		client := &fakeVideoClient{}
		orch, deps := newTestOrchestrator(t, config.VideoConfig{}, client, clock)
		completed := collect(t, deps.bus, events.TypeVideoGenerationCompleted)
		failed := collect(t, deps.bus, events.TypeVideoGenerationFailed)
		orch.Start()
		defer orch.Close()

		deps.engine.seed(&domain.AsyncTask{
			ID:    "task-gone",
			Type:  domain.TaskTypeVideoGeneration,
			State: domain.TaskStateCancelled,
		})

		req := &domain.VideoGenerationRequest{
			RequestID: "req-gone",
			Model:     "veo-mini",
			Prompt:    "never mind",
		}
		if err := deps.bus.Publish(context.Background(), "video:req-gone", requestedEvent(req, "task-gone")); err != nil {
			t.Fatalf("Publish: %v", err)
		}

		expectNoEvent(t, completed, 150*time.Millisecond)
		expectNoEvent(t, failed, 50*time.Millisecond)
		if client.callCount() != 0 {
			t.Errorf("provider called %d times for a cancelled task", client.callCount())
		}
	})

	t.Run("fails the handle when publishing is impossible", func(t *testing.T) {
		clock := clockwork.NewFakeClock()
		client := &fakeVideoClient{}
		orch, deps := newTestOrchestrator(t, config.VideoConfig{}, client, clock)
		deps.bus.Close()

		_, err := orch.GenerateWithTask(context.Background(), &domain.VideoGenerationRequest{
			Model:  "veo-mini",
			Prompt: "nowhere to go",
		})
		if !errors.Is(err, events.ErrBusClosed) {
			t.Fatalf("got %v, want ErrBusClosed", err)
		}

		tk := deps.engine.get("task-1")
		if tk == nil || tk.State != domain.TaskStateFailed {
			t.Fatalf("task = %+v, want Failed", tk)
		}
		if !strings.HasPrefix(tk.Error, "dispatch failed:") {
			t.Errorf("task error = %q", tk.Error)
		}
	})
}

// =============================================================================
// Retries
// =============================================================================

func TestOrchestratorRetry(t *testing.T) {
	t.Run("retryable failures go back to pending and redispatch", func(t *testing.T) {
		clock := clockwork.NewFakeClock()
		client := &fakeVideoClient{err: errors.New("429 too many requests"), errOnce: true}
		orch, deps := newTestOrchestrator(t, config.VideoConfig{}, client, clock)
		requested := collect(t, deps.bus, events.TypeVideoGenerationRequested)
		completed := collect(t, deps.bus, events.TypeVideoGenerationCompleted)
		failed := collect(t, deps.bus, events.TypeVideoGenerationFailed)
		orch.Start()
		defer orch.Close()

		handle, err := orch.GenerateWithTask(context.Background(), &domain.VideoGenerationRequest{
			Model:        "veo-mini",
			Prompt:       "second time lucky",
			VirtualKeyID: "vk-7",
		})
		if err != nil {
			t.Fatalf("GenerateWithTask: %v", err)
		}
		waitEvent(t, requested)

		tk := waitTask(t, deps.engine, handle.ID, func(tk *domain.AsyncTask) bool {
			return tk.State == domain.TaskStatePending && tk.RetryCount == 1
		})
		if tk.NextRetryAt == nil {
			t.Fatal("NextRetryAt not set on retry")
		}
		expectNoEvent(t, failed, 150*time.Millisecond)

		recs := deps.usage.records()
		if len(recs) != 1 || recs[0].ErrorCode != string(domain.ErrorTypeRateLimit) {
			t.Fatalf("usage rows = %+v, want one rate_limit row", recs)
		}

		clock.Advance(2 * time.Minute)
		orch.dispatchDueRetries(context.Background())

		env := waitEvent(t, requested)
		retry := env.Event.(events.VideoGenerationRequested)
		if retry.TaskID != handle.ID || retry.Parameters.Duration != 5 {
			t.Errorf("retry event = %+v", retry)
		}

		waitEvent(t, completed)
		if client.callCount() != 2 {
			t.Errorf("provider called %d times, want 2", client.callCount())
		}
		waitTask(t, deps.engine, handle.ID, func(tk *domain.AsyncTask) bool {
			return tk.State == domain.TaskStateCompleted
		})
	})

	t.Run("exhausted budget fails the task", func(t *testing.T) {
		clock := clockwork.NewFakeClock()
		client := &fakeVideoClient{err: errors.New("503 service unavailable")}
		orch, deps := newTestOrchestrator(t, config.VideoConfig{}, client, clock)
		deps.engine.maxRetries = 1
		completed := collect(t, deps.bus, events.TypeVideoGenerationCompleted)
		failed := collect(t, deps.bus, events.TypeVideoGenerationFailed)
		orch.Start()
		defer orch.Close()

		handle, err := orch.GenerateWithTask(context.Background(), &domain.VideoGenerationRequest{
			Model:  "veo-mini",
			Prompt: "doomed",
		})
		if err != nil {
			t.Fatalf("GenerateWithTask: %v", err)
		}

		waitTask(t, deps.engine, handle.ID, func(tk *domain.AsyncTask) bool {
			return tk.State == domain.TaskStatePending && tk.RetryCount == 1
		})

		clock.Advance(2 * time.Minute)
		orch.dispatchDueRetries(context.Background())

		env := waitEvent(t, failed)
		ev := env.Event.(events.VideoGenerationFailed)
		if !strings.Contains(ev.Error, "503") {
			t.Errorf("failed event error = %q", ev.Error)
		}
		final := waitTask(t, deps.engine, handle.ID, func(tk *domain.AsyncTask) bool {
			return tk.State == domain.TaskStateFailed
		})
		if final.CompletedAt == nil {
			t.Error("CompletedAt not set on the failed task")
		}
		if client.callCount() != 2 {
			t.Errorf("provider called %d times, want 2", client.callCount())
		}
		expectNoEvent(t, completed, 100*time.Millisecond)
	})

	t.Run("dispatch honors the per-task lock", func(t *testing.T) {
		clock := clockwork.NewFakeClock()
		orch, deps := newTestOrchestrator(t, config.VideoConfig{}, &fakeVideoClient{}, clock)
		locks := lock.NewMemoryService(clock, time.Minute, nil)
		defer locks.Close()
		orch.locks = locks

		requested := collect(t, deps.bus, events.TypeVideoGenerationRequested)

		meta, err := json.Marshal(&domain.VideoGenerationRequest{
			RequestID:       "req-lock",
			Model:           "veo-mini",
			Prompt:          "contested",
			DurationSeconds: 5,
		})
		if err != nil {
			t.Fatalf("Marshal: %v", err)
		}
		now := clock.Now().UTC()
		due := now.Add(-time.Second)
		future := now.Add(time.Hour)
		deps.engine.seed(&domain.AsyncTask{
			ID:          "task-lock",
			Type:        domain.TaskTypeVideoGeneration,
			State:       domain.TaskStatePending,
			RetryCount:  1,
			Metadata:    meta,
			NextRetryAt: &due,
		})
		deps.engine.seed(&domain.AsyncTask{
			ID:          "task-later",
			Type:        domain.TaskTypeVideoGeneration,
			State:       domain.TaskStatePending,
			RetryCount:  1,
			Metadata:    meta,
			NextRetryAt: &future,
		})
		deps.engine.seed(&domain.AsyncTask{
			ID:       "task-running",
			Type:     domain.TaskTypeVideoGeneration,
			State:    domain.TaskStateProcessing,
			Metadata: meta,
		})

		held, err := locks.Acquire(context.Background(), "video-retry:task-lock", time.Minute)
		if err != nil {
			t.Fatalf("Acquire: %v", err)
		}
		orch.dispatchDueRetries(context.Background())
		expectNoEvent(t, requested, 150*time.Millisecond)
		if tk := deps.engine.get("task-lock"); tk.State != domain.TaskStatePending {
			t.Fatalf("locked task moved to %s", tk.State)
		}

		if err := locks.Release(context.Background(), held); err != nil {
			t.Fatalf("Release: %v", err)
		}
		orch.dispatchDueRetries(context.Background())

		env := waitEvent(t, requested)
		ev := env.Event.(events.VideoGenerationRequested)
		if ev.TaskID != "task-lock" {
			t.Errorf("dispatched task = %q, want task-lock", ev.TaskID)
		}
		if tk := deps.engine.get("task-lock"); tk.State != domain.TaskStateProcessing {
			t.Errorf("dispatched task state = %s, want processing", tk.State)
		}
		expectNoEvent(t, requested, 150*time.Millisecond)
	})
}

// =============================================================================
// Cancellation
// =============================================================================

func TestOrchestratorCancellation(t *testing.T) {
	clock := clockwork.NewFakeClock()
	client := &fakeVideoClient{
		started: make(chan struct{}, 1),
		release: make(chan struct{}),
	}
	orch, deps := newTestOrchestrator(t, config.VideoConfig{}, client, clock)
	cancelled := collect(t, deps.bus, events.TypeVideoGenerationCancelled)
	failed := collect(t, deps.bus, events.TypeVideoGenerationFailed)
	orch.Start()
	defer orch.Close()

	handle, err := orch.GenerateWithTask(context.Background(), &domain.VideoGenerationRequest{
		RequestID: "req-cancel",
		Model:     "veo-mini",
		Prompt:    "endless render",
	})
	if err != nil {
		t.Fatalf("GenerateWithTask: %v", err)
	}
	waitSignal(t, client.started)

	got, err := orch.CancelGeneration(context.Background(), handle.ID)
	if err != nil {
		t.Fatalf("CancelGeneration: %v", err)
	}
	if got.State != domain.TaskStateCancelled {
		t.Errorf("returned task state = %s, want cancelled", got.State)
	}

	env := waitEvent(t, cancelled)
	ev := env.Event.(events.VideoGenerationCancelled)
	if ev.RequestID != "req-cancel" {
		t.Errorf("cancelled event request = %q", ev.RequestID)
	}
	expectNoEvent(t, failed, 150*time.Millisecond)

	if tk := deps.engine.get(handle.ID); tk.State != domain.TaskStateCancelled {
		t.Errorf("final task state = %s, want cancelled", tk.State)
	}
	if recs := deps.usage.records(); len(recs) != 0 {
		t.Errorf("cancelled run accrued %d usage rows", len(recs))
	}
}

// =============================================================================
// Progress
// =============================================================================

func TestOrchestratorProgress(t *testing.T) {
	t.Run("native progress flows through", func(t *testing.T) {
		clock := clockwork.NewFakeClock()
		client := &fakeProgressClient{points: []int{25, 60}}
		orch, deps := newTestOrchestrator(t, config.VideoConfig{}, client, clock)
		progressed := collect(t, deps.bus, events.TypeVideoGenerationProgress)
		checks := collect(t, deps.bus, events.TypeVideoProgressCheckRequested)
		completed := collect(t, deps.bus, events.TypeVideoGenerationCompleted)
		orch.Start()
		defer orch.Close()

		handle, err := orch.GenerateWithTask(context.Background(), &domain.VideoGenerationRequest{
			Model:  "veo-mini",
			Prompt: "chatty provider",
		})
		if err != nil {
			t.Fatalf("GenerateWithTask: %v", err)
		}

		env := waitEvent(t, progressed)
		first := env.Event.(events.VideoGenerationProgress)
		if first.ProgressPercentage != 25 || first.Message != "rendering" || first.Status != "processing" {
			t.Errorf("first progress = %+v", first)
		}
		env = waitEvent(t, progressed)
		second := env.Event.(events.VideoGenerationProgress)
		if second.ProgressPercentage != 60 {
			t.Errorf("second progress = %+v", second)
		}

		waitEvent(t, completed)
		waitTask(t, deps.engine, handle.ID, func(tk *domain.AsyncTask) bool {
			return tk.State == domain.TaskStateCompleted && tk.ProgressPercent == 100
		})
		expectNoEvent(t, checks, 100*time.Millisecond)
	})

	t.Run("pseudo progress ticks for silent providers", func(t *testing.T) {
		clock := clockwork.NewFakeClock()
		client := &fakeVideoClient{
			started: make(chan struct{}, 1),
			release: make(chan struct{}),
		}
		cfg := config.VideoConfig{
			PseudoProgressInterval: config.Duration{Duration: 10 * time.Second},
		}
		orch, deps := newTestOrchestrator(t, cfg, client, clock)
		checks := collect(t, deps.bus, events.TypeVideoProgressCheckRequested)
		progressed := collect(t, deps.bus, events.TypeVideoGenerationProgress)

		done := make(chan error, 1)
		go func() {
			_, err := orch.Generate(context.Background(), &domain.VideoGenerationRequest{
				Model:  "veo-mini",
				Prompt: "slow burn",
			})
			done <- err
		}()
		waitSignal(t, client.started)

		clock.BlockUntil(1)
		clock.Advance(10 * time.Second)
		env := waitEvent(t, checks)
		if ev := env.Event.(events.VideoProgressCheckRequested); ev.ProgressPercentage != 10 {
			t.Errorf("first checkpoint = %d, want 10", ev.ProgressPercentage)
		}
		env = waitEvent(t, progressed)
		if ev := env.Event.(events.VideoGenerationProgress); ev.ProgressPercentage != 10 {
			t.Errorf("first progress = %d, want 10", ev.ProgressPercentage)
		}

		clock.BlockUntil(1)
		clock.Advance(10 * time.Second)
		env = waitEvent(t, checks)
		if ev := env.Event.(events.VideoProgressCheckRequested); ev.ProgressPercentage != 30 {
			t.Errorf("second checkpoint = %d, want 30", ev.ProgressPercentage)
		}

		close(client.release)
		select {
		case err := <-done:
			if err != nil {
				t.Fatalf("Generate: %v", err)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("Generate never returned")
		}
	})
}
