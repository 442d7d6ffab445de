// Package tracing is the gateway's stateful request tracing service. It
// keeps active traces in memory, retains a bounded history of completed
// traces for search and statistics, and propagates W3C traceparent headers
// across process boundaries. When export is enabled, completed traces are
// mirrored to an OpenTelemetry tracer.
package tracing

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	mrand "math/rand"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"omnigate/internal/config"
	"omnigate/internal/telemetry"
)

// ErrTraceNotFound is returned when the trace id is unknown or has aged out
// of the completed history.
var ErrTraceNotFound = errors.New("tracing: trace not found")

// Status is the outcome recorded on a trace or span.
type Status string

const (
	StatusUnset Status = "unset"
	StatusOk    Status = "ok"
	StatusError Status = "error"
)

// Well-known tag keys the search index understands.
const (
	TagProvider   = "provider"
	TagVirtualKey = "virtual_key"
)

// SpanEvent is a point-in-time annotation on a span.
type SpanEvent struct {
	Name       string            `json:"name"`
	Time       time.Time         `json:"time"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// Span is one timed operation inside a trace. The first span of a trace is
// its root; children point at their parent span id.
type Span struct {
	SpanID        string            `json:"span_id"`
	ParentID      string            `json:"parent_id,omitempty"`
	Name          string            `json:"name"`
	StartTime     time.Time         `json:"start_time"`
	EndTime       *time.Time        `json:"end_time,omitempty"`
	Status        Status            `json:"status"`
	StatusMessage string            `json:"status_message,omitempty"`
	Tags          map[string]string `json:"tags,omitempty"`
	Events        []SpanEvent       `json:"events,omitempty"`
}

// Trace is one request's full span tree plus its searchable summary fields.
type Trace struct {
	TraceID       string            `json:"trace_id"`
	Name          string            `json:"name"`
	OperationType string            `json:"operation_type"`
	StartTime     time.Time         `json:"start_time"`
	EndTime       *time.Time        `json:"end_time,omitempty"`
	Duration      time.Duration     `json:"duration"`
	Status        Status            `json:"status"`
	Error         string            `json:"error,omitempty"`
	Tags          map[string]string `json:"tags,omitempty"`
	TraceState    string            `json:"trace_state,omitempty"`
	Spans         []*Span           `json:"spans"`

	sampled bool
}

// Provider returns the provider tag, if set.
func (t *Trace) Provider() string { return t.Tags[TagProvider] }

// VirtualKeyID returns the virtual key tag, if set.
func (t *Trace) VirtualKeyID() string { return t.Tags[TagVirtualKey] }

func (t *Trace) root() *Span {
	if len(t.Spans) == 0 {
		return nil
	}
	return t.Spans[0]
}

// Service owns the trace state. All mutation goes through TraceContext and
// SpanContext handles so every write lands under the service mutex.
type Service struct {
	cfg      config.TracingConfig
	exporter *Exporter
	logger   *slog.Logger
	metrics  *telemetry.Metrics
	clock    clockwork.Clock

	mu        sync.RWMutex
	active    map[string]*Trace
	completed []*Trace

	stop chan struct{}
	wg   sync.WaitGroup
}

// NewService creates the tracing service. exporter may be nil, which
// disables mirroring regardless of config.
func NewService(cfg config.TracingConfig, exporter *Exporter, logger *slog.Logger, metrics *telemetry.Metrics, clock clockwork.Clock) *Service {
	if cfg.RetentionPeriod.Duration <= 0 {
		cfg.RetentionPeriod = config.Duration{Duration: time.Hour}
	}
	if cfg.CleanupInterval.Duration <= 0 {
		cfg.CleanupInterval = config.Duration{Duration: 5 * time.Minute}
	}
	if cfg.MaxCompleted <= 0 {
		cfg.MaxCompleted = 10000
	}
	if cfg.SamplingRate <= 0 {
		cfg.SamplingRate = 1.0
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Service{
		cfg:      cfg,
		exporter: exporter,
		logger:   logger.With("component", "tracing"),
		metrics:  metrics,
		clock:    clock,
		active:   make(map[string]*Trace),
		stop:     make(chan struct{}),
	}
}

// Start launches the retention cleanup loop.
func (s *Service) Start() {
	s.wg.Add(1)
	go s.cleanupLoop()
}

// Close stops the cleanup loop and shuts the exporter down.
func (s *Service) Close() error {
	close(s.stop)
	s.wg.Wait()
	if s.exporter != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.exporter.Shutdown(ctx)
	}
	return nil
}

// =============================================================================
// Trace lifecycle
// =============================================================================

// StartTrace opens a new trace with a fresh trace id.
func (s *Service) StartTrace(name, operationType string, tags map[string]string) *TraceContext {
	return s.startTrace(name, operationType, tags, "", "", "")
}

// ContinueTrace opens a trace linked to an upstream caller: the incoming
// traceparent's trace id is reused and the new root span points at the
// caller's span. An unparsable header falls back to a fresh trace.
func (s *Service) ContinueTrace(name, operationType, traceparent, tracestate string, tags map[string]string) *TraceContext {
	traceID, parentSpanID, err := ParseTraceparent(traceparent)
	if err != nil {
		s.logger.Debug("invalid traceparent, starting fresh trace", "traceparent", traceparent, "error", err)
		return s.startTrace(name, operationType, tags, "", "", "")
	}
	return s.startTrace(name, operationType, tags, traceID, parentSpanID, tracestate)
}

func (s *Service) startTrace(name, operationType string, tags map[string]string, traceID, parentSpanID, tracestate string) *TraceContext {
	now := s.clock.Now().UTC()
	if traceID == "" {
		traceID = newTraceID()
	}
	root := &Span{
		SpanID:    newSpanID(),
		ParentID:  parentSpanID,
		Name:      name,
		StartTime: now,
		Status:    StatusUnset,
		Tags:      cloneTags(tags),
	}
	tr := &Trace{
		TraceID:       traceID,
		Name:          name,
		OperationType: operationType,
		StartTime:     now,
		Status:        StatusUnset,
		Tags:          cloneTags(tags),
		TraceState:    tracestate,
		Spans:         []*Span{root},
		sampled:       mrand.Float64() < s.cfg.SamplingRate,
	}

	s.mu.Lock()
	s.active[traceID] = tr
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.RecordTraceStarted(operationType)
	}
	return &TraceContext{svc: s, trace: tr, span: root}
}

// finish moves a trace from active to the completed ring.
func (s *Service) finish(tr *Trace) {
	now := s.clock.Now().UTC()

	s.mu.Lock()
	if _, ok := s.active[tr.TraceID]; !ok {
		s.mu.Unlock()
		return
	}
	delete(s.active, tr.TraceID)

	tr.EndTime = &now
	tr.Duration = now.Sub(tr.StartTime)
	if tr.Status == StatusUnset {
		tr.Status = StatusOk
	}
	if root := tr.root(); root != nil && root.EndTime == nil {
		root.EndTime = &now
		if root.Status == StatusUnset {
			root.Status = tr.Status
		}
	}

	s.completed = append(s.completed, tr)
	if len(s.completed) > s.cfg.MaxCompleted {
		s.completed = s.completed[len(s.completed)-s.cfg.MaxCompleted:]
	}
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.RecordTraceCompleted(tr.OperationType, string(tr.Status))
	}
	if s.exporter != nil && s.cfg.EnableExport && tr.sampled {
		s.exporter.Mirror(tr)
	}
}

// =============================================================================
// Queries
// =============================================================================

// GetTrace returns a deep copy of the trace, active or completed.
func (s *Service) GetTrace(traceID string) (*Trace, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if tr, ok := s.active[traceID]; ok {
		return copyTrace(tr), nil
	}
	for i := len(s.completed) - 1; i >= 0; i-- {
		if s.completed[i].TraceID == traceID {
			return copyTrace(s.completed[i]), nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrTraceNotFound, traceID)
}

// ActiveCount returns the number of in-flight traces.
func (s *Service) ActiveCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.active)
}

// TraceQuery filters the completed history. Zero values mean "any".
type TraceQuery struct {
	Start         time.Time
	End           time.Time
	OperationType string
	Provider      string
	VirtualKeyID  string
	MinDuration   time.Duration
	MaxDuration   time.Duration
	Tags          map[string]string
	Limit         int
}

// SearchTraces returns completed traces matching the query, newest first.
func (s *Service) SearchTraces(q TraceQuery) []*Trace {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Trace
	for i := len(s.completed) - 1; i >= 0; i-- {
		if q.Limit > 0 && len(out) >= q.Limit {
			break
		}
		tr := s.completed[i]
		if !matches(tr, q) {
			continue
		}
		out = append(out, copyTrace(tr))
	}
	return out
}

func matches(tr *Trace, q TraceQuery) bool {
	if !q.Start.IsZero() && tr.StartTime.Before(q.Start) {
		return false
	}
	if !q.End.IsZero() && tr.StartTime.After(q.End) {
		return false
	}
	if q.OperationType != "" && tr.OperationType != q.OperationType {
		return false
	}
	if q.Provider != "" && tr.Provider() != q.Provider {
		return false
	}
	if q.VirtualKeyID != "" && tr.VirtualKeyID() != q.VirtualKeyID {
		return false
	}
	if q.MinDuration > 0 && tr.Duration < q.MinDuration {
		return false
	}
	if q.MaxDuration > 0 && tr.Duration > q.MaxDuration {
		return false
	}
	for k, v := range q.Tags {
		if tr.Tags[k] != v {
			return false
		}
	}
	return true
}

// =============================================================================
// Cleanup
// =============================================================================

func (s *Service) cleanupLoop() {
	defer s.wg.Done()

	ticker := s.clock.NewTicker(s.cfg.CleanupInterval.Duration)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.Chan():
			s.cleanup()
		}
	}
}

// cleanup drops completed traces past retention and force-finishes active
// traces that outlived it; a trace that old is abandoned, not in flight.
func (s *Service) cleanup() {
	cutoff := s.clock.Now().UTC().Add(-s.cfg.RetentionPeriod.Duration)

	s.mu.Lock()
	kept := s.completed[:0]
	for _, tr := range s.completed {
		if tr.EndTime != nil && tr.EndTime.After(cutoff) {
			kept = append(kept, tr)
		}
	}
	dropped := len(s.completed) - len(kept)
	s.completed = kept

	var abandoned []*Trace
	for _, tr := range s.active {
		if tr.StartTime.Before(cutoff) {
			abandoned = append(abandoned, tr)
		}
	}
	s.mu.Unlock()

	for _, tr := range abandoned {
		s.mu.Lock()
		tr.Status = StatusError
		tr.Error = "trace exceeded retention period"
		s.mu.Unlock()
		s.finish(tr)
		s.logger.Warn("abandoned trace closed", "trace_id", tr.TraceID, "operation", tr.OperationType)
	}
	if dropped > 0 || len(abandoned) > 0 {
		s.logger.Debug("trace cleanup", "dropped", dropped, "abandoned", len(abandoned))
	}
}

// =============================================================================
// Handles
// =============================================================================

// TraceContext is the caller's handle on an active trace. It wraps the root
// span; child spans come from StartSpan.
type TraceContext struct {
	svc   *Service
	trace *Trace
	span  *Span
}

// TraceID returns the trace id.
func (tc *TraceContext) TraceID() string { return tc.trace.TraceID }

// Traceparent renders the W3C header for the trace's root span.
func (tc *TraceContext) Traceparent() string {
	return FormatTraceparent(tc.trace.TraceID, tc.span.SpanID)
}

// Tracestate returns the pass-through tracestate header value.
func (tc *TraceContext) Tracestate() string { return tc.trace.TraceState }

// SetTag sets a tag on the trace and its root span.
func (tc *TraceContext) SetTag(key, value string) {
	tc.svc.mu.Lock()
	defer tc.svc.mu.Unlock()
	if tc.trace.Tags == nil {
		tc.trace.Tags = make(map[string]string)
	}
	tc.trace.Tags[key] = value
	if tc.span.Tags == nil {
		tc.span.Tags = make(map[string]string)
	}
	tc.span.Tags[key] = value
}

// AddEvent attaches an event to the root span.
func (tc *TraceContext) AddEvent(name string, attrs map[string]string) {
	addEvent(tc.svc, tc.span, name, attrs)
}

// RecordError marks the trace failed and attaches the error as an event.
func (tc *TraceContext) RecordError(err error) {
	if err == nil {
		return
	}
	tc.svc.mu.Lock()
	tc.trace.Status = StatusError
	tc.trace.Error = err.Error()
	tc.span.Status = StatusError
	tc.span.StatusMessage = err.Error()
	tc.svc.mu.Unlock()
	tc.AddEvent("exception", map[string]string{"message": err.Error()})
}

// SetStatus sets the trace outcome explicitly.
func (tc *TraceContext) SetStatus(status Status, message string) {
	tc.svc.mu.Lock()
	defer tc.svc.mu.Unlock()
	tc.trace.Status = status
	tc.span.Status = status
	tc.span.StatusMessage = message
	if status == StatusError && tc.trace.Error == "" {
		tc.trace.Error = message
	}
}

// StartSpan opens a child span under the root.
func (tc *TraceContext) StartSpan(name string, tags map[string]string) *SpanContext {
	return startSpan(tc.svc, tc.trace, tc.span, name, tags)
}

// End finishes the trace and moves it to the completed history.
func (tc *TraceContext) End() {
	tc.svc.finish(tc.trace)
}

// SpanContext is the handle on one child span.
type SpanContext struct {
	svc   *Service
	trace *Trace
	span  *Span
}

// SpanID returns the span id.
func (sc *SpanContext) SpanID() string { return sc.span.SpanID }

// Traceparent renders the W3C header positioned at this span.
func (sc *SpanContext) Traceparent() string {
	return FormatTraceparent(sc.trace.TraceID, sc.span.SpanID)
}

// SetTag sets a tag on the span.
func (sc *SpanContext) SetTag(key, value string) {
	sc.svc.mu.Lock()
	defer sc.svc.mu.Unlock()
	if sc.span.Tags == nil {
		sc.span.Tags = make(map[string]string)
	}
	sc.span.Tags[key] = value
}

// AddEvent attaches an event to the span.
func (sc *SpanContext) AddEvent(name string, attrs map[string]string) {
	addEvent(sc.svc, sc.span, name, attrs)
}

// RecordError marks the span failed without touching the trace status.
func (sc *SpanContext) RecordError(err error) {
	if err == nil {
		return
	}
	sc.svc.mu.Lock()
	sc.span.Status = StatusError
	sc.span.StatusMessage = err.Error()
	sc.svc.mu.Unlock()
	sc.AddEvent("exception", map[string]string{"message": err.Error()})
}

// SetStatus sets the span outcome.
func (sc *SpanContext) SetStatus(status Status, message string) {
	sc.svc.mu.Lock()
	defer sc.svc.mu.Unlock()
	sc.span.Status = status
	sc.span.StatusMessage = message
}

// StartSpan opens a nested child span.
func (sc *SpanContext) StartSpan(name string, tags map[string]string) *SpanContext {
	return startSpan(sc.svc, sc.trace, sc.span, name, tags)
}

// End finishes the span.
func (sc *SpanContext) End() {
	now := sc.svc.clock.Now().UTC()
	sc.svc.mu.Lock()
	defer sc.svc.mu.Unlock()
	if sc.span.EndTime == nil {
		sc.span.EndTime = &now
		if sc.span.Status == StatusUnset {
			sc.span.Status = StatusOk
		}
	}
}

func startSpan(svc *Service, tr *Trace, parent *Span, name string, tags map[string]string) *SpanContext {
	span := &Span{
		SpanID:    newSpanID(),
		ParentID:  parent.SpanID,
		Name:      name,
		StartTime: svc.clock.Now().UTC(),
		Status:    StatusUnset,
		Tags:      cloneTags(tags),
	}
	svc.mu.Lock()
	tr.Spans = append(tr.Spans, span)
	svc.mu.Unlock()
	return &SpanContext{svc: svc, trace: tr, span: span}
}

func addEvent(svc *Service, span *Span, name string, attrs map[string]string) {
	ev := SpanEvent{Name: name, Time: svc.clock.Now().UTC(), Attributes: cloneTags(attrs)}
	svc.mu.Lock()
	span.Events = append(span.Events, ev)
	svc.mu.Unlock()
}

// =============================================================================
// Helpers
// =============================================================================

func newTraceID() string {
	var b [16]byte
	rand.Read(b[:])
	return hex.EncodeToString(b[:])
}

func newSpanID() string {
	var b [8]byte
	rand.Read(b[:])
	return hex.EncodeToString(b[:])
}

func cloneTags(tags map[string]string) map[string]string {
	if tags == nil {
		return nil
	}
	out := make(map[string]string, len(tags))
	for k, v := range tags {
		out[k] = v
	}
	return out
}

func copyTrace(tr *Trace) *Trace {
	out := *tr
	out.Tags = cloneTags(tr.Tags)
	out.Spans = make([]*Span, len(tr.Spans))
	for i, sp := range tr.Spans {
		cp := *sp
		cp.Tags = cloneTags(sp.Tags)
		cp.Events = append([]SpanEvent(nil), sp.Events...)
		out.Spans[i] = &cp
	}
	return &out
}
