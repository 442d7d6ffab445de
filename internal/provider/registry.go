// Package provider defines the capability surfaces a provider client can
// implement and the registry that discovers them. Capabilities are plain
// interface assertions: a client supports video generation by implementing
// VideoClient, nothing more. Callers ask the registry for a provider id and
// assert the capability they need with As.
package provider

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"

	"omnigate/internal/domain"
)

// =============================================================================
// Capability interfaces
// =============================================================================

// Client is the minimal surface every registered provider implements.
type Client interface {
	ProviderID() string
}

// ChatClient generates chat completions.
type ChatClient interface {
	Client
	ChatComplete(ctx context.Context, req *domain.ChatRequest, apiKey string) (*domain.ChatResponse, error)
}

// VideoProgressFunc receives native generation progress.
type VideoProgressFunc func(percent int, message string)

// VideoClient generates video clips. Cancellation travels on the context.
type VideoClient interface {
	Client
	CreateVideo(ctx context.Context, req *domain.VideoGenerationRequest, apiKey string) (*domain.VideoGenerationResult, error)
}

// ProgressReportingVideoClient is a VideoClient that pushes progress while
// a generation runs. The callback is per call, never stored on the client.
type ProgressReportingVideoClient interface {
	VideoClient
	CreateVideoWithProgress(ctx context.Context, req *domain.VideoGenerationRequest, apiKey string, progress VideoProgressFunc) (*domain.VideoGenerationResult, error)
}

// ImageClient generates images.
type ImageClient interface {
	Client
	CreateImage(ctx context.Context, req *domain.ImageGenerationRequest, apiKey string) (*domain.ImageGenerationResult, error)
}

// SpeechClient synthesizes audio from text.
type SpeechClient interface {
	Client
	Speak(ctx context.Context, req *domain.SpeechRequest, apiKey string) (*domain.SpeechResult, error)
}

// TranscriptionClient transcribes audio to text.
type TranscriptionClient interface {
	Client
	Transcribe(ctx context.Context, req *domain.TranscriptionRequest, apiKey string) (*domain.TranscriptionResult, error)
}

// RealtimeClient opens live audio sessions.
type RealtimeClient interface {
	Client
	OpenRealtimeSession(ctx context.Context, model, apiKey string) (*domain.RealtimeSession, error)
}

// Capability names as reported by Registry.Capabilities.
const (
	CapabilityChat          = "chat"
	CapabilityVideo         = "video"
	CapabilityVideoProgress = "video_progress"
	CapabilityImage         = "image"
	CapabilitySpeech        = "speech"
	CapabilityTranscription = "transcription"
	CapabilityRealtime      = "realtime"
)

// ErrDuplicateProvider is returned when a provider id is registered twice.
var ErrDuplicateProvider = errors.New("provider: id already registered")

// =============================================================================
// Registry
// =============================================================================

// Registry maps provider ids to their clients.
type Registry struct {
	logger *slog.Logger

	mu      sync.RWMutex
	clients map[string]Client
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		logger:  logger.With("component", "provider_registry"),
		clients: make(map[string]Client),
	}
}

// Register adds a client under its provider id.
func (r *Registry) Register(c Client) error {
	id := c.ProviderID()
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.clients[id]; exists {
		return ErrDuplicateProvider
	}
	r.clients[id] = c
	r.logger.Info("provider registered", "provider_id", id, "capabilities", capabilitiesOf(c))
	return nil
}

// Replace installs a client, displacing any previous one for the id.
func (r *Registry) Replace(c Client) {
	id := c.ProviderID()
	r.mu.Lock()
	r.clients[id] = c
	r.mu.Unlock()
	r.logger.Info("provider replaced", "provider_id", id)
}

// Deregister removes a provider's client.
func (r *Registry) Deregister(providerID string) {
	r.mu.Lock()
	delete(r.clients, providerID)
	r.mu.Unlock()
}

// Get returns the raw client for a provider id.
func (r *Registry) Get(providerID string) (Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.clients[providerID]
	return c, ok
}

// ProviderIDs lists the registered providers, sorted.
func (r *Registry) ProviderIDs() []string {
	r.mu.RLock()
	ids := make([]string, 0, len(r.clients))
	for id := range r.clients {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// Capabilities lists the capability names a provider's client implements.
func (r *Registry) Capabilities(providerID string) []string {
	c, ok := r.Get(providerID)
	if !ok {
		return nil
	}
	return capabilitiesOf(c)
}

// As asserts a provider's client to a capability interface.
func As[T any](r *Registry, providerID string) (T, bool) {
	var zero T
	c, ok := r.Get(providerID)
	if !ok {
		return zero, false
	}
	t, ok := c.(T)
	if !ok {
		return zero, false
	}
	return t, true
}

func capabilitiesOf(c Client) []string {
	var caps []string
	if _, ok := c.(ChatClient); ok {
		caps = append(caps, CapabilityChat)
	}
	if _, ok := c.(VideoClient); ok {
		caps = append(caps, CapabilityVideo)
	}
	if _, ok := c.(ProgressReportingVideoClient); ok {
		caps = append(caps, CapabilityVideoProgress)
	}
	if _, ok := c.(ImageClient); ok {
		caps = append(caps, CapabilityImage)
	}
	if _, ok := c.(SpeechClient); ok {
		caps = append(caps, CapabilitySpeech)
	}
	if _, ok := c.(TranscriptionClient); ok {
		caps = append(caps, CapabilityTranscription)
	}
	if _, ok := c.(RealtimeClient); ok {
		caps = append(caps, CapabilityRealtime)
	}
	return caps
}
