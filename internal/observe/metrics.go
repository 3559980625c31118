// Package observe defines the OpenTelemetry instruments recorded by the
// lip-sync pipeline. Instruments are created from a metric.MeterProvider so
// tests can inspect them with an SDK ManualReader.
package observe

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/loqalabs/loqa-lipsync"

// Metrics holds the pipeline instruments. All methods are safe for concurrent
// use and tolerate a nil receiver.
type Metrics struct {
	FramesRendered     metric.Int64Counter
	RenderFallbacks    metric.Int64Counter
	FeatureFallbacks   metric.Int64Counter
	ActiveSessions     metric.Int64UpDownCounter
	SessionsFinished   metric.Int64Counter
	MuxDuration        metric.Float64Histogram
	AudioMergeFailures metric.Int64Counter
	MuxFailures        metric.Int64Counter
}

var muxBuckets = []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60}

// NewMetrics creates the instrument set on mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.FramesRendered, err = m.Int64Counter("lipsync.frames.rendered",
		metric.WithDescription("Frames produced, by mode (batch or stream)."),
	); err != nil {
		return nil, err
	}
	if met.RenderFallbacks, err = m.Int64Counter("lipsync.frames.render_fallbacks",
		metric.WithDescription("Frames replaced by the default closed-mouth frame."),
	); err != nil {
		return nil, err
	}
	if met.FeatureFallbacks, err = m.Int64Counter("lipsync.frames.feature_fallbacks",
		metric.WithDescription("Windows whose features fell back to defaults."),
	); err != nil {
		return nil, err
	}
	if met.ActiveSessions, err = m.Int64UpDownCounter("lipsync.stream.active_sessions",
		metric.WithDescription("Streaming sessions currently producing frames."),
	); err != nil {
		return nil, err
	}
	if met.SessionsFinished, err = m.Int64Counter("lipsync.stream.sessions_finished",
		metric.WithDescription("Streaming sessions that reached a terminal state, by state."),
	); err != nil {
		return nil, err
	}
	if met.MuxDuration, err = m.Float64Histogram("lipsync.mux.duration",
		metric.WithDescription("Time spent writing and merging the output video."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(muxBuckets...),
	); err != nil {
		return nil, err
	}
	if met.AudioMergeFailures, err = m.Int64Counter("lipsync.mux.audio_merge_failures",
		metric.WithDescription("Audio merges that failed and left a video-only output."),
	); err != nil {
		return nil, err
	}
	if met.MuxFailures, err = m.Int64Counter("lipsync.mux.failures",
		metric.WithDescription("Mux runs that produced no output file."),
	); err != nil {
		return nil, err
	}
	return met, nil
}

// FeatureFallback implements sequencer.Observer.
func (m *Metrics) FeatureFallback() {
	if m == nil {
		return
	}
	m.FeatureFallbacks.Add(context.Background(), 1)
}

// RenderFallback implements sequencer.Observer.
func (m *Metrics) RenderFallback() {
	if m == nil {
		return
	}
	m.RenderFallbacks.Add(context.Background(), 1)
}

func (m *Metrics) FrameRendered(ctx context.Context, mode string) {
	if m == nil {
		return
	}
	m.FramesRendered.Add(ctx, 1, metric.WithAttributes(attribute.String("mode", mode)))
}

func (m *Metrics) SessionStarted(ctx context.Context) {
	if m == nil {
		return
	}
	m.ActiveSessions.Add(ctx, 1)
}

func (m *Metrics) SessionFinished(ctx context.Context, state string) {
	if m == nil {
		return
	}
	m.ActiveSessions.Add(ctx, -1)
	m.SessionsFinished.Add(ctx, 1, metric.WithAttributes(attribute.String("state", state)))
}

// MuxCompleted records one mux run and whether its audio merge failed.
func (m *Metrics) MuxCompleted(ctx context.Context, elapsed time.Duration, mergeFailed bool) {
	if m == nil {
		return
	}
	m.MuxDuration.Record(ctx, elapsed.Seconds())
	if mergeFailed {
		m.AudioMergeFailures.Add(ctx, 1)
	}
}

// MuxFailed records a mux run that produced no output.
func (m *Metrics) MuxFailed(ctx context.Context, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.MuxDuration.Record(ctx, elapsed.Seconds())
	m.MuxFailures.Add(ctx, 1)
}
