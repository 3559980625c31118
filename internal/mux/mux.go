// Package mux assembles rendered frames into a video file and optionally
// attaches the source audio track.
package mux

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-lipsync/internal/render"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var (
	ErrNoFrames   = errors.New("mux: no frames to write")
	ErrAudioMerge = errors.New("mux: audio merge failed")
)

// Artifact describes a finished output file.
type Artifact struct {
	Path          string
	FrameCount    int
	Duration      float64
	AudioDuration float64
	AudioMerged   bool
	MergeError    string
}

// Observer receives mux timings. observe.Metrics implements it.
type Observer interface {
	MuxCompleted(ctx context.Context, elapsed time.Duration, mergeFailed bool)
	MuxFailed(ctx context.Context, elapsed time.Duration)
}

type Muxer struct {
	frameRate int
	merger    Merger
	observer  Observer
	logger    *slog.Logger
	tracer    trace.Tracer
}

// New returns a Muxer writing at frameRate. A nil merger disables audio
// merging entirely.
func New(frameRate int, merger Merger, observer Observer, logger *slog.Logger) *Muxer {
	if frameRate <= 0 {
		frameRate = 25
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Muxer{
		frameRate: frameRate,
		merger:    merger,
		observer:  observer,
		logger:    logger.With(slog.String("component", "mux")),
		tracer:    otel.Tracer("github.com/loqalabs/loqa-lipsync/mux"),
	}
}

// Mux writes frames to outputPath. The video is written to a temporary file
// in the output directory and renamed into place, so outputPath never holds a
// partial file. When audioPath is non-empty the audio is merged in; a failed
// merge leaves the video-only output and is reported in the Artifact.
func (m *Muxer) Mux(ctx context.Context, frames iter.Seq[render.Frame], audioPath, outputPath string) (Artifact, error) {
	ctx, span := m.tracer.Start(ctx, "mux.Mux", trace.WithAttributes(attribute.String("output", outputPath)))
	defer span.End()
	started := time.Now()

	next, stop := iter.Pull(frames)
	defer stop()

	fail := func(err error) (Artifact, error) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if m.observer != nil {
			m.observer.MuxFailed(ctx, time.Since(started))
		}
		return Artifact{}, err
	}

	first, ok := next()
	if !ok || first.Image == nil {
		return fail(ErrNoFrames)
	}

	dir := filepath.Dir(outputPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fail(fmt.Errorf("create output dir: %w", err))
	}

	videoTmp := tempPath(outputPath, "video")
	count, err := m.writeVideo(ctx, videoTmp, first, next)
	if err != nil {
		os.Remove(videoTmp)
		return fail(err)
	}
	if err := os.Rename(videoTmp, outputPath); err != nil {
		os.Remove(videoTmp)
		return fail(fmt.Errorf("finalize video: %w", err))
	}

	artifact := Artifact{
		Path:       outputPath,
		FrameCount: count,
		Duration:   float64(count) / float64(m.frameRate),
	}
	span.SetAttributes(attribute.Int("frames", count))

	if strings.TrimSpace(audioPath) != "" && m.merger != nil {
		if err := m.merge(ctx, audioPath, outputPath); err != nil {
			artifact.MergeError = err.Error()
			span.AddEvent("audio merge failed", trace.WithAttributes(attribute.String("error", err.Error())))
			m.logger.Warn("audio merge failed, keeping video-only output",
				slog.String("output", outputPath),
				slog.String("audio", audioPath),
				slogError(err))
		} else {
			artifact.AudioMerged = true
		}
	}

	if m.observer != nil {
		mergeFailed := artifact.MergeError != ""
		m.observer.MuxCompleted(ctx, time.Since(started), mergeFailed)
	}
	m.logger.Debug("video written",
		slog.String("output", outputPath),
		slog.Int("frames", count),
		slog.Bool("audio_merged", artifact.AudioMerged))
	return artifact, nil
}

func (m *Muxer) writeVideo(ctx context.Context, path string, first render.Frame, next func() (render.Frame, bool)) (int, error) {
	b := first.Image.Bounds()
	w, err := createAVI(path, b.Dx(), b.Dy(), m.frameRate)
	if err != nil {
		return 0, err
	}
	count := 0
	for frame, ok := first, true; ok; frame, ok = next() {
		if err := ctx.Err(); err != nil {
			w.Abort()
			return 0, err
		}
		if frame.Image == nil {
			continue
		}
		if err := w.WriteFrame(frame.Image); err != nil {
			w.Abort()
			return 0, err
		}
		count++
	}
	if err := w.Close(); err != nil {
		return 0, err
	}
	return count, nil
}

func (m *Muxer) merge(ctx context.Context, audioPath, outputPath string) error {
	if _, err := os.Stat(audioPath); err != nil {
		return fmt.Errorf("%w: %v", ErrAudioMerge, err)
	}
	mergedTmp := tempPath(outputPath, "merged")
	if err := m.merger.Merge(ctx, outputPath, audioPath, mergedTmp); err != nil {
		os.Remove(mergedTmp)
		return fmt.Errorf("%w: %v", ErrAudioMerge, err)
	}
	info, err := os.Stat(mergedTmp)
	if err != nil || info.Size() == 0 {
		os.Remove(mergedTmp)
		return fmt.Errorf("%w: merger produced no output", ErrAudioMerge)
	}
	if err := os.Rename(mergedTmp, outputPath); err != nil {
		os.Remove(mergedTmp)
		return fmt.Errorf("%w: %v", ErrAudioMerge, err)
	}
	return nil
}

// tempPath returns a unique hidden sibling of path that keeps its extension,
// since ffmpeg picks the container from it.
func tempPath(path, kind string) string {
	dir, base := filepath.Split(path)
	ext := filepath.Ext(base)
	stem := strings.TrimSuffix(base, ext)
	return filepath.Join(dir, fmt.Sprintf(".%s.%s-%s%s", stem, kind, uuid.NewString(), ext))
}

func slogError(err error) slog.Attr {
	if err == nil {
		return slog.Attr{}
	}
	return slog.String("error", err.Error())
}
