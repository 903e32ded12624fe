package trace

import (
	"context"

	"github.com/google/uuid"
)

// Context carries correlation identifiers across async boundaries.
// A new root is created at the workflow boundary; every bus hop derives
// a child span from the envelope it received.
type Context struct {
	TraceID      string `json:"trace_id"`
	SpanID       string `json:"span_id"`
	ParentSpanID string `json:"parent_span_id,omitempty"`
}

type ctxKey struct{}

// New creates a root trace context
func New() Context {
	return Context{
		TraceID: uuid.NewString(),
		SpanID:  uuid.NewString(),
	}
}

// Child derives a new span under the same trace
func (t Context) Child() Context {
	return Context{
		TraceID:      t.TraceID,
		SpanID:       uuid.NewString(),
		ParentSpanID: t.SpanID,
	}
}

// IsZero reports whether the context carries no trace
func (t Context) IsZero() bool {
	return t.TraceID == ""
}

// ToMap serializes the trace for envelope metadata
func (t Context) ToMap() map[string]any {
	m := map[string]any{
		"trace_id": t.TraceID,
		"span_id":  t.SpanID,
	}
	if t.ParentSpanID != "" {
		m["parent_span_id"] = t.ParentSpanID
	}
	return m
}

// FromMap restores a trace from envelope metadata.
// Missing fields yield a fresh root so correlation never silently breaks.
func FromMap(m map[string]any) Context {
	t := Context{}
	if v, ok := m["trace_id"].(string); ok {
		t.TraceID = v
	}
	if v, ok := m["span_id"].(string); ok {
		t.SpanID = v
	}
	if v, ok := m["parent_span_id"].(string); ok {
		t.ParentSpanID = v
	}
	if t.TraceID == "" {
		return New()
	}
	if t.SpanID == "" {
		t.SpanID = uuid.NewString()
	}
	return t
}

// WithContext attaches the trace to a context.Context
func WithContext(ctx context.Context, t Context) context.Context {
	return context.WithValue(ctx, ctxKey{}, t)
}

// FromContext extracts the trace from a context.Context.
// Returns a fresh root when none is attached.
func FromContext(ctx context.Context) Context {
	if t, ok := ctx.Value(ctxKey{}).(Context); ok {
		return t
	}
	return New()
}
