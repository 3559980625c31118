package observe

import (
	"context"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func newTestMetrics(t *testing.T) (*Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

func collect(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	return rm
}

func findMetric(rm metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

func sumInt(t *testing.T, rm metricdata.ResourceMetrics, name string, attrs ...attribute.KeyValue) int64 {
	t.Helper()
	met := findMetric(rm, name)
	if met == nil {
		t.Fatalf("metric %q not found", name)
	}
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("metric %q is not an int64 sum", name)
	}
	want := attribute.NewSet(attrs...)
	var total int64
	for _, dp := range sum.DataPoints {
		if len(attrs) == 0 || dp.Attributes.Equals(&want) {
			total += dp.Value
		}
	}
	return total
}

func TestFallbackCounters(t *testing.T) {
	m, reader := newTestMetrics(t)
	m.FeatureFallback()
	m.FeatureFallback()
	m.RenderFallback()

	rm := collect(t, reader)
	if got := sumInt(t, rm, "lipsync.frames.feature_fallbacks"); got != 2 {
		t.Fatalf("feature fallbacks = %d, want 2", got)
	}
	if got := sumInt(t, rm, "lipsync.frames.render_fallbacks"); got != 1 {
		t.Fatalf("render fallbacks = %d, want 1", got)
	}
}

func TestFramesByMode(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()
	for range 3 {
		m.FrameRendered(ctx, "stream")
	}
	m.FrameRendered(ctx, "batch")

	rm := collect(t, reader)
	if got := sumInt(t, rm, "lipsync.frames.rendered", attribute.String("mode", "stream")); got != 3 {
		t.Fatalf("stream frames = %d, want 3", got)
	}
	if got := sumInt(t, rm, "lipsync.frames.rendered", attribute.String("mode", "batch")); got != 1 {
		t.Fatalf("batch frames = %d, want 1", got)
	}
}

func TestSessionLifecycle(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()
	m.SessionStarted(ctx)
	m.SessionStarted(ctx)
	m.SessionFinished(ctx, "completed")

	rm := collect(t, reader)
	if got := sumInt(t, rm, "lipsync.stream.active_sessions"); got != 1 {
		t.Fatalf("active sessions = %d, want 1", got)
	}
	if got := sumInt(t, rm, "lipsync.stream.sessions_finished", attribute.String("state", "completed")); got != 1 {
		t.Fatalf("completed sessions = %d, want 1", got)
	}
}

func TestMuxCompleted(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()
	m.MuxCompleted(ctx, 200*time.Millisecond, false)
	m.MuxCompleted(ctx, 2*time.Second, true)

	rm := collect(t, reader)
	met := findMetric(rm, "lipsync.mux.duration")
	if met == nil {
		t.Fatal("mux duration not found")
	}
	hist, ok := met.Data.(metricdata.Histogram[float64])
	if !ok || len(hist.DataPoints) == 0 {
		t.Fatalf("unexpected mux duration data %T", met.Data)
	}
	if hist.DataPoints[0].Count != 2 {
		t.Fatalf("mux samples = %d, want 2", hist.DataPoints[0].Count)
	}
	if got := sumInt(t, rm, "lipsync.mux.audio_merge_failures"); got != 1 {
		t.Fatalf("merge failures = %d, want 1", got)
	}
}

func TestMuxFailed(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()
	m.MuxCompleted(ctx, time.Second, false)
	m.MuxFailed(ctx, 50*time.Millisecond)

	rm := collect(t, reader)
	if got := sumInt(t, rm, "lipsync.mux.failures"); got != 1 {
		t.Fatalf("mux failures = %d, want 1", got)
	}
	hist, ok := findMetric(rm, "lipsync.mux.duration").Data.(metricdata.Histogram[float64])
	if !ok || len(hist.DataPoints) == 0 || hist.DataPoints[0].Count != 2 {
		t.Fatalf("expected both runs in the duration histogram, got %+v", hist)
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.FeatureFallback()
	m.RenderFallback()
	m.FrameRendered(context.Background(), "batch")
	m.SessionStarted(context.Background())
	m.SessionFinished(context.Background(), "failed")
	m.MuxCompleted(context.Background(), time.Second, true)
	m.MuxFailed(context.Background(), time.Second)
}
