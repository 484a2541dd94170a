package types

import (
	"context"
	"sync"
)

// contextKey is used for storing values in context.Context.
type contextKey string

const (
	keyTraceID            contextKey = "trace_id"
	keyTenantID           contextKey = "tenant_id"
	keyUserID             contextKey = "user_id"
	keyRunID              contextKey = "run_id"
	keyDefaultConnections contextKey = "default_connections"
	keyRequest            contextKey = "request_context"
	keyResponse           contextKey = "response_context"
)

// WithTraceID adds trace ID to context.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, keyTraceID, traceID)
}

// TraceID extracts trace ID from context.
func TraceID(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(keyTraceID).(string)
	return v, ok && v != ""
}

// WithTenantID adds tenant ID to context.
func WithTenantID(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, keyTenantID, tenantID)
}

// TenantID extracts tenant ID from context.
func TenantID(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(keyTenantID).(string)
	return v, ok && v != ""
}

// WithUserID adds user ID to context.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, keyUserID, userID)
}

// UserID extracts user ID from context.
func UserID(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(keyUserID).(string)
	return v, ok && v != ""
}

// WithRunID adds run ID to context.
func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, keyRunID, runID)
}

// RunID extracts run ID from context.
func RunID(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(keyRunID).(string)
	return v, ok && v != ""
}

// WithDefaultConnections sets the caller-scoped default connection names.
func WithDefaultConnections(ctx context.Context, names []string) context.Context {
	return context.WithValue(ctx, keyDefaultConnections, append([]string(nil), names...))
}

// DefaultConnections returns the caller-scoped default connection names, if any.
func DefaultConnections(ctx context.Context) []string {
	v, _ := ctx.Value(keyDefaultConnections).([]string)
	return v
}

// RequestContext is the read-only request data visible to every capability of one call.
type RequestContext struct {
	Prompt string            `json:"prompt,omitempty"`
	UserID string            `json:"user_id,omitempty"`
	Values map[string]string `json:"values,omitempty"`
}

// Value returns a request value by key.
func (r *RequestContext) Value(key string) string {
	if r == nil || r.Values == nil {
		return ""
	}
	return r.Values[key]
}

// ResponseContext collects output and values written by capabilities during one call.
// It is shared by every capability invoked below the same top-level call.
type ResponseContext struct {
	mu        sync.RWMutex
	output    string
	hasOutput bool
	values    map[string]string
}

// ResponseSnapshot is the serializable state of a ResponseContext.
type ResponseSnapshot struct {
	Output    string            `json:"output,omitempty"`
	HasOutput bool              `json:"has_output,omitempty"`
	Values    map[string]string `json:"values,omitempty"`
}

// NewResponseContext creates an empty response context.
func NewResponseContext() *ResponseContext {
	return &ResponseContext{values: make(map[string]string)}
}

// SetOutput records the final output text. A sub-capability setting it takes precedence
// over the composite's own return value.
func (r *ResponseContext) SetOutput(output string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.output = output
	r.hasOutput = true
}

// Output returns the recorded output and whether one was set.
func (r *ResponseContext) Output() (string, bool) {
	if r == nil {
		return "", false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.output, r.hasOutput
}

// Set stores a response value.
func (r *ResponseContext) Set(key, value string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.values == nil {
		r.values = make(map[string]string)
	}
	r.values[key] = value
}

// Get returns a response value.
func (r *ResponseContext) Get(key string) (string, bool) {
	if r == nil {
		return "", false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.values[key]
	return v, ok
}

// Snapshot copies the current state.
func (r *ResponseContext) Snapshot() ResponseSnapshot {
	if r == nil {
		return ResponseSnapshot{}
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	values := make(map[string]string, len(r.values))
	for k, v := range r.values {
		values[k] = v
	}
	return ResponseSnapshot{Output: r.output, HasOutput: r.hasOutput, Values: values}
}

// Apply merges a snapshot produced elsewhere (for example by an isolated child process).
func (r *ResponseContext) Apply(s ResponseSnapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s.HasOutput {
		r.output = s.Output
		r.hasOutput = true
	}
	if r.values == nil {
		r.values = make(map[string]string, len(s.Values))
	}
	for k, v := range s.Values {
		r.values[k] = v
	}
}

// WithRequest attaches the request context.
func WithRequest(ctx context.Context, req *RequestContext) context.Context {
	return context.WithValue(ctx, keyRequest, req)
}

// Request returns the attached request context, or an empty one.
func Request(ctx context.Context) *RequestContext {
	if v, ok := ctx.Value(keyRequest).(*RequestContext); ok && v != nil {
		return v
	}
	return &RequestContext{}
}

// WithResponse attaches the response context.
func WithResponse(ctx context.Context, resp *ResponseContext) context.Context {
	return context.WithValue(ctx, keyResponse, resp)
}

// Response returns the attached response context, or nil.
func Response(ctx context.Context) *ResponseContext {
	v, _ := ctx.Value(keyResponse).(*ResponseContext)
	return v
}

// EnsureResponse returns ctx with a response context attached, creating one if missing.
func EnsureResponse(ctx context.Context) (context.Context, *ResponseContext) {
	if r := Response(ctx); r != nil {
		return ctx, r
	}
	r := NewResponseContext()
	return WithResponse(ctx, r), r
}
