package tracing

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// W3C Trace Context header names.
const (
	HeaderTraceparent = "traceparent"
	HeaderTracestate  = "tracestate"
)

// ErrInvalidTraceparent is returned when a header does not match the W3C
// version 00 format.
var ErrInvalidTraceparent = errors.New("tracing: invalid traceparent")

// FormatTraceparent renders a version-00 traceparent with the sampled flag
// set. traceID must be 32 hex chars and spanID 16.
func FormatTraceparent(traceID, spanID string) string {
	return fmt.Sprintf("00-%s-%s-01", traceID, spanID)
}

// ParseTraceparent extracts the trace id and parent span id from a
// version-00 traceparent header. All-zero ids are rejected per W3C Trace
// Context.
func ParseTraceparent(header string) (traceID, spanID string, err error) {
	parts := strings.Split(strings.TrimSpace(header), "-")
	if len(parts) != 4 {
		return "", "", fmt.Errorf("%w: expected 4 fields, got %d", ErrInvalidTraceparent, len(parts))
	}
	version, traceID, spanID, flags := parts[0], parts[1], parts[2], parts[3]

	if version != "00" {
		return "", "", fmt.Errorf("%w: unsupported version %q", ErrInvalidTraceparent, version)
	}
	if !isHex(traceID, 32) || traceID == strings.Repeat("0", 32) {
		return "", "", fmt.Errorf("%w: bad trace id %q", ErrInvalidTraceparent, traceID)
	}
	if !isHex(spanID, 16) || spanID == strings.Repeat("0", 16) {
		return "", "", fmt.Errorf("%w: bad parent span id %q", ErrInvalidTraceparent, spanID)
	}
	if !isHex(flags, 2) {
		return "", "", fmt.Errorf("%w: bad flags %q", ErrInvalidTraceparent, flags)
	}
	return traceID, spanID, nil
}

// Inject writes the trace's propagation headers onto an outbound request.
func (tc *TraceContext) Inject(h http.Header) {
	h.Set(HeaderTraceparent, tc.Traceparent())
	if ts := tc.Tracestate(); ts != "" {
		h.Set(HeaderTracestate, ts)
	}
}

// Inject writes headers positioned at this span, so downstream calls parent
// onto it rather than onto the trace root.
func (sc *SpanContext) Inject(h http.Header) {
	h.Set(HeaderTraceparent, sc.Traceparent())
	if ts := sc.trace.TraceState; ts != "" {
		h.Set(HeaderTracestate, ts)
	}
}

func isHex(s string, n int) bool {
	if len(s) != n {
		return false
	}
	for _, c := range s {
		switch {
		case c >= '0' && c <= '9', c >= 'a' && c <= 'f':
		default:
			return false
		}
	}
	return true
}
