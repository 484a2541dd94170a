package metrics

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func newTestCollector() *Collector {
	return NewCollectorWith("test", prometheus.NewRegistry(), zap.NewNop())
}

// =============================================================================
// 🧪 Collector 测试
// =============================================================================

func TestNewCollector(t *testing.T) {
	collector := newTestCollector()

	assert.NotNil(t, collector)
	assert.NotNil(t, collector.httpRequestsTotal)
	assert.NotNil(t, collector.invocationsTotal)
	assert.NotNil(t, collector.llmRequestsTotal)
	assert.NotNil(t, collector.compilationsTotal)
}

func TestCollector_RecordInvocation(t *testing.T) {
	collector := newTestCollector()

	collector.RecordInvocation("rest_api", "success", 100*time.Millisecond)
	collector.RecordInvocation("rest_api", "success", 50*time.Millisecond)
	collector.RecordInvocation("code", "error", time.Second)

	assert.Equal(t, 2.0, testutil.ToFloat64(collector.invocationsTotal.WithLabelValues("rest_api", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.invocationsTotal.WithLabelValues("code", "error")))
	assert.Equal(t, 2, testutil.CollectAndCount(collector.invocationDuration))
}

func TestCollector_RecordLLMRequest(t *testing.T) {
	collector := newTestCollector()

	collector.RecordLLMRequest("openai", "gpt-4o", "success", 500*time.Millisecond, 100, 50)

	assert.Equal(t, 100.0, testutil.ToFloat64(collector.llmTokensUsed.WithLabelValues("openai", "gpt-4o", "prompt")))
	assert.Equal(t, 50.0, testutil.ToFloat64(collector.llmTokensUsed.WithLabelValues("openai", "gpt-4o", "completion")))
}

func TestCollector_ScriptMetrics(t *testing.T) {
	collector := newTestCollector()

	collector.RecordCompilation("durable", "success", 2*time.Second)
	collector.RecordDependencyResolution("cached")
	collector.RecordPackageDownload("success")
	collector.RecordCacheHit("durable_artifact")
	collector.RecordCacheMiss("quick_script")
	collector.RecordCompositeOutcome("fallback_text")

	assert.Equal(t, 1.0, testutil.ToFloat64(collector.compilationsTotal.WithLabelValues("durable", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.dependencyResolves.WithLabelValues("cached")))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.packageDownloads.WithLabelValues("success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.cacheHits.WithLabelValues("durable_artifact")))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.cacheMisses.WithLabelValues("quick_script")))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.compositeOutcomes.WithLabelValues("fallback_text")))
}

func TestCollector_DatabaseMetrics(t *testing.T) {
	collector := newTestCollector()

	collector.RecordDBQuery("postgres", "SELECT", 20*time.Millisecond)
	collector.RecordDBConnections("postgres", 10, 5)

	assert.Greater(t, testutil.CollectAndCount(collector.dbQueryDuration), 0)
	assert.Equal(t, 10.0, testutil.ToFloat64(collector.dbConnectionsOpen.WithLabelValues("postgres")))
	assert.Equal(t, 5.0, testutil.ToFloat64(collector.dbConnectionsIdle.WithLabelValues("postgres")))
}

func TestCollector_NilIsSafe(t *testing.T) {
	var collector *Collector
	assert.NotPanics(t, func() {
		collector.RecordHTTPRequest("GET", "/", 200, time.Millisecond)
		collector.RecordInvocation("code", "success", time.Millisecond)
		collector.RecordCompilation("quick", "success", time.Millisecond)
		collector.RecordCacheHit("x")
		collector.RecordDBConnections("db", 1, 1)
	})
}

func TestCollector_ConcurrentRecording(t *testing.T) {
	collector := newTestCollector()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			collector.RecordHTTPRequest("GET", "/test", 200, 100*time.Millisecond)
			collector.RecordInvocation("composite", "success", time.Millisecond)
		}()
	}
	wg.Wait()

	assert.Equal(t, 10.0, testutil.ToFloat64(collector.httpRequestsTotal.WithLabelValues("GET", "/test", "2xx")))
	assert.Equal(t, 10.0, testutil.ToFloat64(collector.invocationsTotal.WithLabelValues("composite", "success")))
}

func TestStatusHelpers(t *testing.T) {
	assert.Equal(t, "2xx", statusCode(204))
	assert.Equal(t, "4xx", statusCode(404))
	assert.Equal(t, "5xx", statusCode(503))
	assert.Equal(t, "unknown", statusCode(0))
	assert.Equal(t, "success", Status(nil))
	assert.Equal(t, "error", Status(errors.New("x")))
}
