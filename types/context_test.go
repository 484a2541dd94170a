package types

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContextHelpers(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	ctx = WithTraceID(ctx, "t1")
	if got, ok := TraceID(ctx); !ok || got != "t1" {
		t.Fatalf("TraceID mismatch: %v %v", got, ok)
	}

	ctx = WithTenantID(ctx, "tenant")
	if got, ok := TenantID(ctx); !ok || got != "tenant" {
		t.Fatalf("TenantID mismatch: %v %v", got, ok)
	}

	ctx = WithUserID(ctx, "user")
	if got, ok := UserID(ctx); !ok || got != "user" {
		t.Fatalf("UserID mismatch: %v %v", got, ok)
	}

	ctx = WithRunID(ctx, "run")
	if got, ok := RunID(ctx); !ok || got != "run" {
		t.Fatalf("RunID mismatch: %v %v", got, ok)
	}
}

func TestDefaultConnections_CopiesInput(t *testing.T) {
	names := []string{"primary", "backup"}
	ctx := WithDefaultConnections(context.Background(), names)
	names[0] = "mutated"

	assert.Equal(t, []string{"primary", "backup"}, DefaultConnections(ctx))
	assert.Nil(t, DefaultConnections(context.Background()))
}

func TestRequestContext_DefaultsToEmpty(t *testing.T) {
	req := Request(context.Background())
	require.NotNil(t, req)
	assert.Equal(t, "", req.Value("missing"))

	ctx := WithRequest(context.Background(), &RequestContext{Values: map[string]string{"lang": "en"}})
	assert.Equal(t, "en", Request(ctx).Value("lang"))
}

func TestResponseContext_SnapshotAndApply(t *testing.T) {
	ctx, resp := EnsureResponse(context.Background())
	assert.Same(t, resp, Response(ctx))

	_, ok := resp.Output()
	assert.False(t, ok)

	resp.Set("k", "v")
	snap := resp.Snapshot()
	snap.Values["k"] = "changed"
	got, _ := resp.Get("k")
	assert.Equal(t, "v", got, "snapshot must not alias internal state")

	other := NewResponseContext()
	other.Apply(ResponseSnapshot{Output: "done", HasOutput: true, Values: map[string]string{"x": "1"}})
	out, ok := other.Output()
	assert.True(t, ok)
	assert.Equal(t, "done", out)
	x, _ := other.Get("x")
	assert.Equal(t, "1", x)

	ctx2, resp2 := EnsureResponse(ctx)
	assert.Same(t, resp, resp2)
	assert.Equal(t, ctx, ctx2)
}
