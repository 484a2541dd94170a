package pool

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGoroutinePool_Submit(t *testing.T) {
	p := NewGoroutinePool(GoroutinePoolConfig{MaxWorkers: 4, QueueSize: 16})
	defer p.Close()

	var ran atomic.Int32
	results := make([]<-chan Result[int32], 0, 10)
	for i := 0; i < 10; i++ {
		results = append(results, Go(context.Background(), p, func(context.Context) (int32, error) {
			return ran.Add(1), nil
		}))
	}
	for _, ch := range results {
		require.NoError(t, (<-ch).Err)
	}
	assert.Equal(t, int32(10), ran.Load())

	assert.Eventually(t, func() bool {
		stats := p.Stats()
		return stats.Submitted == 10 && stats.Completed == 10
	}, time.Second, 5*time.Millisecond)
}

func TestGoroutinePool_PanicBecomesError(t *testing.T) {
	var handled atomic.Bool
	p := NewGoroutinePool(GoroutinePoolConfig{MaxWorkers: 1, QueueSize: 1, PanicHandler: func(any) { handled.Store(true) }})
	defer p.Close()

	require.NoError(t, p.Submit(context.Background(), func(context.Context) error { panic("boom") }))
	assert.Eventually(t, func() bool {
		return handled.Load() && p.Stats().Failed == 1
	}, time.Second, 5*time.Millisecond)
}

func TestGo_DeliversExactlyOneResult(t *testing.T) {
	p := NewGoroutinePool(GoroutinePoolConfig{MaxWorkers: 2, QueueSize: 4})
	defer p.Close()

	ok := <-Go(context.Background(), p, func(context.Context) (string, error) { return "done", nil })
	require.NoError(t, ok.Err)
	assert.Equal(t, "done", ok.Value)

	boom := errors.New("boom")
	failed := <-Go(context.Background(), p, func(context.Context) (string, error) { return "", boom })
	assert.ErrorIs(t, failed.Err, boom)

	panicked := <-Go(context.Background(), p, func(context.Context) (int, error) { panic("bad") })
	assert.ErrorIs(t, panicked.Err, ErrTaskPanicked)
}

func TestGo_ClosedPoolReportsThroughChannel(t *testing.T) {
	p := NewGoroutinePool(GoroutinePoolConfig{})
	p.Close()

	select {
	case res := <-Go(context.Background(), p, func(context.Context) (string, error) { return "never", nil }):
		assert.ErrorIs(t, res.Err, ErrPoolClosed)
	case <-time.After(time.Second):
		t.Fatal("expected an immediate result")
	}
}

func TestNewGoroutinePool_Defaults(t *testing.T) {
	p := NewGoroutinePool(GoroutinePoolConfig{})
	defer p.Close()
	assert.Equal(t, DefaultGoroutinePoolConfig().MaxWorkers, p.maxWorkers)
	assert.Equal(t, DefaultGoroutinePoolConfig().IdleTimeout, p.idleTimeout)
}
