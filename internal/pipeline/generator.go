// Package pipeline renders a whole audio file into a lip-synced video.
package pipeline

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-lipsync/internal/audio"
	"github.com/loqalabs/loqa-lipsync/internal/config"
	"github.com/loqalabs/loqa-lipsync/internal/eventstore"
	"github.com/loqalabs/loqa-lipsync/internal/mux"
	"github.com/loqalabs/loqa-lipsync/internal/observe"
	"github.com/loqalabs/loqa-lipsync/internal/render"
	"github.com/loqalabs/loqa-lipsync/internal/sequencer"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

type AudioLoader interface {
	LoadOrSilence(ctx context.Context, path string) audio.Buffer
}

type DurationProber interface {
	Duration(ctx context.Context, path string) float64
}

type FaceResolver interface {
	Lookup(avatarID string) render.FaceRegion
}

// Request describes one batch render. OutputPath defaults to a fresh file in
// the configured output directory.
type Request struct {
	AudioPath  string
	AvatarID   string
	OutputPath string
}

type Deps struct {
	Loader    AudioLoader
	Prober    DurationProber
	Faces     FaceResolver
	Sequencer *sequencer.Sequencer
	Muxer     *mux.Muxer
	Recorder  eventstore.Recorder
	Metrics   *observe.Metrics
	Logger    *slog.Logger
}

type Generator struct {
	cfg    config.PipelineConfig
	deps   Deps
	frames *render.FrameStore
	logger *slog.Logger
	tracer trace.Tracer
}

func NewGenerator(cfg config.PipelineConfig, deps Deps) *Generator {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Generator{
		cfg:    cfg,
		deps:   deps,
		frames: render.NewFrameStore(cfg.JPEGQuality),
		logger: logger.With(slog.String("component", "generator")),
		tracer: otel.Tracer("github.com/loqalabs/loqa-lipsync/pipeline"),
	}
}

// Generate loads req.AudioPath, falling back to one second of silence when it
// cannot be read, and renders it for req.AvatarID.
func (g *Generator) Generate(ctx context.Context, req Request) (mux.Artifact, error) {
	buf := g.deps.Loader.LoadOrSilence(ctx, req.AudioPath)
	face := g.deps.Faces.Lookup(req.AvatarID)
	return g.run(ctx, req.AvatarID, buf, face, req.AudioPath, req.OutputPath)
}

// Render renders buf directly. audioPath, when set, is probed for its duration
// and merged into the output.
func (g *Generator) Render(ctx context.Context, buf audio.Buffer, face render.FaceRegion, audioPath, outputPath string) (mux.Artifact, error) {
	return g.run(ctx, "", buf, face, audioPath, outputPath)
}

func (g *Generator) run(ctx context.Context, avatarID string, buf audio.Buffer, face render.FaceRegion, audioPath, outputPath string) (mux.Artifact, error) {
	id := uuid.NewString()
	ctx, span := g.tracer.Start(ctx, "pipeline.Generate", trace.WithAttributes(
		attribute.String("session_id", id),
		attribute.String("avatar_id", avatarID),
	))
	defer span.End()

	if strings.TrimSpace(outputPath) == "" {
		outputPath = filepath.Join(g.cfg.OutputDir, id+".avi")
	}
	rec := eventstore.Session{ID: id, AvatarID: avatarID, Mode: "batch", OutputPath: outputPath}

	if err := buf.Validate(); err != nil {
		g.record(rec, "failed", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return mux.Artifact{}, err
	}

	seq := g.deps.Sequencer.Sequence(buf, face)
	rec.TotalFrames = seq.Total()
	g.record(rec, "running", nil)
	g.logger.Info("render started",
		slog.String("session_id", id),
		slog.String("output", outputPath),
		slog.Int("total_frames", seq.Total()),
		slog.Float64("audio_seconds", buf.Duration()))

	var (
		artifact      mux.Artifact
		audioDuration = buf.Duration()
	)
	eg, egCtx := errgroup.WithContext(ctx)
	if audioPath != "" && g.deps.Prober != nil {
		eg.Go(func() error {
			audioDuration = g.deps.Prober.Duration(egCtx, audioPath)
			return nil
		})
	}
	eg.Go(func() error {
		var err error
		artifact, err = g.deps.Muxer.Mux(egCtx, g.observed(egCtx, seq.All(), outputPath), audioPath, outputPath)
		return err
	})
	if err := eg.Wait(); err != nil {
		rec.FrameIndex = seq.Total() - seq.Remaining()
		g.record(rec, "failed", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return mux.Artifact{}, fmt.Errorf("render %s: %w", id, err)
	}
	artifact.AudioDuration = audioDuration

	rec.FrameIndex = artifact.FrameCount
	if artifact.MergeError != "" {
		g.note(id, "audio_merge_failed", artifact.MergeError)
	}
	g.record(rec, "completed", nil)
	span.SetAttributes(
		attribute.Int("frames", artifact.FrameCount),
		attribute.Bool("audio_merged", artifact.AudioMerged),
	)
	g.logger.Info("render completed",
		slog.String("session_id", id),
		slog.String("output", artifact.Path),
		slog.Int("frames", artifact.FrameCount),
		slog.Bool("audio_merged", artifact.AudioMerged))
	return artifact, nil
}

// observed counts frames and, when configured, keeps them as JPEG files next
// to the output.
func (g *Generator) observed(ctx context.Context, frames iter.Seq[render.Frame], outputPath string) iter.Seq[render.Frame] {
	dir := ""
	if g.cfg.KeepFrames {
		dir = strings.TrimSuffix(outputPath, filepath.Ext(outputPath)) + "_frames"
	}
	return func(yield func(render.Frame) bool) {
		if dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				g.logger.Warn("cannot keep frames", slog.String("dir", dir), slogError(err))
				dir = ""
			}
		}
		for f := range frames {
			g.deps.Metrics.FrameRendered(ctx, "batch")
			if f.Fallback {
				g.logger.Debug("frame rendered with fallback", slog.Int("frame", f.Index))
			}
			if dir != "" {
				if _, err := g.frames.Save(dir, f); err != nil {
					g.logger.Warn("failed to save frame", slog.Int("frame", f.Index), slogError(err))
				}
			}
			if !yield(f) {
				return
			}
		}
	}
}

func (g *Generator) record(s eventstore.Session, state string, err error) {
	if g.deps.Recorder == nil {
		return
	}
	s.State = state
	if err != nil {
		s.Error = err.Error()
	}
	if rerr := g.deps.Recorder.RecordSession(context.Background(), s); rerr != nil {
		g.logger.Warn("failed to record render", slog.String("session_id", s.ID), slogError(rerr))
	}
}

func (g *Generator) note(id, kind, detail string) {
	if g.deps.Recorder == nil {
		return
	}
	evt := eventstore.Event{SessionID: id, Type: kind, Payload: []byte(detail)}
	if err := g.deps.Recorder.AppendEvent(context.Background(), evt); err != nil {
		g.logger.Warn("failed to record event", slog.String("session_id", id), slog.String("event", kind), slogError(err))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
