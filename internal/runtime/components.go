package runtime

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-lipsync/internal/audio"
	"github.com/loqalabs/loqa-lipsync/internal/avatar"
	"github.com/loqalabs/loqa-lipsync/internal/config"
	"github.com/loqalabs/loqa-lipsync/internal/eventstore"
	"github.com/loqalabs/loqa-lipsync/internal/mux"
	"github.com/loqalabs/loqa-lipsync/internal/observe"
	"github.com/loqalabs/loqa-lipsync/internal/pipeline"
	"github.com/loqalabs/loqa-lipsync/internal/render"
	"github.com/loqalabs/loqa-lipsync/internal/sequencer"
	"github.com/loqalabs/loqa-lipsync/internal/shape"
	"github.com/loqalabs/loqa-lipsync/internal/stream"
)

// Components is the transport-independent pipeline shared by the daemon and
// the CLI.
type Components struct {
	Loader    *audio.Loader
	Prober    *audio.Prober
	Avatars   *avatar.Registry
	Sequencer *sequencer.Sequencer
	Muxer     *mux.Muxer
	Generator *pipeline.Generator
	Broker    *stream.Broker
}

// NewComponents wires the pipeline from cfg. metrics and recorder may be nil.
func NewComponents(cfg config.Config, metrics *observe.Metrics, recorder eventstore.Recorder, logger *slog.Logger) (*Components, error) {
	p := cfg.Pipeline
	loader, err := audio.NewLoader(p.SampleRate, cfg.Media.FFmpegCommand, logger)
	if err != nil {
		return nil, fmt.Errorf("audio loader: %w", err)
	}
	prober, err := audio.NewProber(cfg.Media.FFprobeCommand, ms(cfg.Media.ProbeTimeoutMS), logger)
	if err != nil {
		return nil, fmt.Errorf("audio prober: %w", err)
	}
	merger, err := mux.NewFFmpegMerger(cfg.Media.FFmpegCommand, cfg.Media.AudioCodec, ms(cfg.Media.MergeTimeoutMS))
	if err != nil {
		return nil, fmt.Errorf("audio merger: %w", err)
	}

	var observer sequencer.Observer
	var muxObserver mux.Observer
	if metrics != nil {
		observer, muxObserver = metrics, metrics
	}
	seq := sequencer.New(
		sequencer.Config{FrameRate: p.FrameRate, WindowSize: p.WindowSize},
		shape.LinearMapper{},
		render.NewRenderer(p.Width, p.Height),
		observer,
	)
	muxer := mux.New(p.FrameRate, merger, muxObserver, logger)
	avatars := avatar.NewRegistry(cfg.Avatars)

	c := &Components{
		Loader:    loader,
		Prober:    prober,
		Avatars:   avatars,
		Sequencer: seq,
		Muxer:     muxer,
	}
	c.Generator = pipeline.NewGenerator(p, pipeline.Deps{
		Loader:    loader,
		Prober:    prober,
		Faces:     avatars,
		Sequencer: seq,
		Muxer:     muxer,
		Recorder:  recorder,
		Metrics:   metrics,
		Logger:    logger,
	})
	c.Broker = stream.NewBroker(seq, stream.Options{
		MaxSessions:    cfg.Stream.MaxSessions,
		Pacing:         ms(cfg.Stream.PacingMS),
		SessionTimeout: ms(cfg.Stream.SessionTimeoutMS),
		Recorder:       recorder,
		Metrics:        metrics,
		Logger:         logger,
	})
	return c, nil
}

// Close stops every streaming session.
func (c *Components) Close() {
	if c == nil || c.Broker == nil {
		return
	}
	c.Broker.Close()
}

func ms(v int) time.Duration {
	return time.Duration(v) * time.Millisecond
}
