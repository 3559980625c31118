package mux

import (
	"context"
	"encoding/binary"
	"errors"
	"image"
	"image/color"
	"io"
	"iter"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/loqalabs/loqa-lipsync/internal/render"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func frames(n, w, h int) iter.Seq[render.Frame] {
	return func(yield func(render.Frame) bool) {
		for i := range n {
			img := image.NewRGBA(image.Rect(0, 0, w, h))
			img.SetRGBA(0, h-1, color.RGBA{R: 255, A: 255})
			img.SetRGBA(w-1, 0, color.RGBA{B: uint8(i), G: 9, A: 255})
			if !yield(render.Frame{Index: i, Image: img}) {
				return
			}
		}
	}
}

type fakeMerger struct {
	calls int
	err   error
	write []byte
}

func (f *fakeMerger) Merge(_ context.Context, videoPath, audioPath, outputPath string) error {
	f.calls++
	if f.err != nil {
		return f.err
	}
	if f.write != nil {
		return os.WriteFile(outputPath, f.write, 0o644)
	}
	return nil
}

type recordingObserver struct {
	runs        int
	failures    int
	mergeFailed bool
}

func (r *recordingObserver) MuxCompleted(_ context.Context, _ time.Duration, mergeFailed bool) {
	r.runs++
	r.mergeFailed = mergeFailed
}

func (r *recordingObserver) MuxFailed(context.Context, time.Duration) { r.failures++ }

// recordSpans routes spans from muxers created afterwards to a recorder.
func recordSpans(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(prev)
		_ = tp.Shutdown(context.Background())
	})
	return rec
}

func writeAudio(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "speech.wav")
	if err := os.WriteFile(path, []byte("RIFF"), 0o644); err != nil {
		t.Fatalf("write audio: %v", err)
	}
	return path
}

func dirEntries(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func TestMuxEmptySequence(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "out")
	m := New(25, &fakeMerger{}, nil, testLogger())

	_, err := m.Mux(context.Background(), frames(0, 4, 2), "", filepath.Join(dir, "video.avi"))
	if !errors.Is(err, ErrNoFrames) {
		t.Fatalf("expected ErrNoFrames, got %v", err)
	}
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Fatalf("expected no output directory, stat err = %v", err)
	}
}

func TestMuxWritesAVI(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "video.avi")
	obs := &recordingObserver{}
	m := New(25, nil, obs, testLogger())

	artifact, err := m.Mux(context.Background(), frames(3, 4, 2), "", out)
	if err != nil {
		t.Fatalf("mux: %v", err)
	}
	if artifact.FrameCount != 3 || artifact.Path != out {
		t.Fatalf("unexpected artifact %+v", artifact)
	}
	if artifact.Duration != 3.0/25.0 {
		t.Fatalf("duration = %v", artifact.Duration)
	}
	if artifact.AudioMerged {
		t.Fatal("no audio expected")
	}
	if obs.runs != 1 || obs.mergeFailed {
		t.Fatalf("unexpected observer state %+v", obs)
	}

	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	if string(data[0:4]) != "RIFF" || string(data[8:12]) != "AVI " {
		t.Fatalf("missing RIFF/AVI header: %q", data[:12])
	}
	if size := binary.LittleEndian.Uint32(data[4:8]); int(size) != len(data)-8 {
		t.Fatalf("riff size = %d, file = %d", size, len(data))
	}
	if total := binary.LittleEndian.Uint32(data[48:52]); total != 3 {
		t.Fatalf("avih total frames = %d", total)
	}
	if length := binary.LittleEndian.Uint32(data[140:144]); length != 3 {
		t.Fatalf("strh length = %d", length)
	}
	if string(data[220:224]) != "movi" || string(data[224:228]) != dibChunkID {
		t.Fatalf("unexpected movi layout %q", data[212:228])
	}
	// Rows are stored bottom-up as BGR: the red pixel at (0, h-1) comes first.
	pixel := data[232:235]
	if pixel[0] != 0 || pixel[1] != 0 || pixel[2] != 255 {
		t.Fatalf("first pixel = %v, want BGR red", pixel)
	}
	if !strings.Contains(string(data), "idx1") {
		t.Fatal("missing index chunk")
	}
	if names := dirEntries(t, dir); !slices.Equal(names, []string{"video.avi"}) {
		t.Fatalf("unexpected files %v", names)
	}
}

func TestMuxMergesAudio(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "video.avi")
	merger := &fakeMerger{write: []byte("merged")}
	m := New(25, merger, nil, testLogger())

	artifact, err := m.Mux(context.Background(), frames(2, 4, 2), writeAudio(t, dir), out)
	if err != nil {
		t.Fatalf("mux: %v", err)
	}
	if !artifact.AudioMerged || artifact.MergeError != "" {
		t.Fatalf("expected merged artifact, got %+v", artifact)
	}
	data, _ := os.ReadFile(out)
	if string(data) != "merged" {
		t.Fatalf("expected merged output to replace video, got %d bytes", len(data))
	}
	if names := dirEntries(t, dir); len(names) != 2 {
		t.Fatalf("temp files left behind: %v", names)
	}
}

func TestMuxMergeFailureKeepsVideo(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "video.avi")
	merger := &fakeMerger{err: errors.New("codec exploded")}
	obs := &recordingObserver{}
	m := New(25, merger, obs, testLogger())

	artifact, err := m.Mux(context.Background(), frames(2, 4, 2), writeAudio(t, dir), out)
	if err != nil {
		t.Fatalf("merge failure must not fail the mux: %v", err)
	}
	if artifact.AudioMerged {
		t.Fatal("expected audio not merged")
	}
	if !strings.Contains(artifact.MergeError, "codec exploded") {
		t.Fatalf("unexpected merge error %q", artifact.MergeError)
	}
	if !obs.mergeFailed {
		t.Fatal("observer should see the failed merge")
	}
	data, _ := os.ReadFile(out)
	if string(data[:4]) != "RIFF" {
		t.Fatal("video-only output should remain")
	}
	if names := dirEntries(t, dir); len(names) != 2 {
		t.Fatalf("temp files left behind: %v", names)
	}
}

func TestMuxMergerWithoutOutput(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "video.avi")
	merger, err := NewFFmpegMerger("true", "aac", time.Second)
	if err != nil {
		t.Fatalf("merger: %v", err)
	}
	m := New(25, merger, nil, testLogger())

	artifact, err := m.Mux(context.Background(), frames(1, 4, 2), writeAudio(t, dir), out)
	if err != nil {
		t.Fatalf("mux: %v", err)
	}
	if artifact.AudioMerged || artifact.MergeError == "" {
		t.Fatalf("expected degraded artifact, got %+v", artifact)
	}
}

func TestMuxMissingAudioSkipsMerger(t *testing.T) {
	dir := t.TempDir()
	merger := &fakeMerger{}
	m := New(25, merger, nil, testLogger())

	artifact, err := m.Mux(context.Background(), frames(1, 4, 2), filepath.Join(dir, "nope.wav"), filepath.Join(dir, "v.avi"))
	if err != nil {
		t.Fatalf("mux: %v", err)
	}
	if merger.calls != 0 {
		t.Fatal("merger should not run without an audio file")
	}
	if artifact.AudioMerged || artifact.MergeError == "" {
		t.Fatalf("expected degraded artifact, got %+v", artifact)
	}
}

func TestMuxEmptyAudioPathSkipsMerge(t *testing.T) {
	dir := t.TempDir()
	merger := &fakeMerger{}
	m := New(25, merger, nil, testLogger())

	artifact, err := m.Mux(context.Background(), frames(1, 4, 2), "", filepath.Join(dir, "v.avi"))
	if err != nil {
		t.Fatalf("mux: %v", err)
	}
	if merger.calls != 0 || artifact.MergeError != "" {
		t.Fatalf("expected merge to be skipped, calls=%d artifact=%+v", merger.calls, artifact)
	}
}

func TestMuxCancelled(t *testing.T) {
	dir := t.TempDir()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	m := New(25, nil, nil, testLogger())

	if _, err := m.Mux(ctx, frames(5, 4, 2), "", filepath.Join(dir, "v.avi")); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if names := dirEntries(t, dir); len(names) != 0 {
		t.Fatalf("expected no files, got %v", names)
	}
}

func TestMuxFailuresAreObserved(t *testing.T) {
	blocker := filepath.Join(t.TempDir(), "file")
	if err := os.WriteFile(blocker, []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	cancelled, cancel := context.WithCancel(context.Background())
	cancel()

	cases := []struct {
		name   string
		ctx    context.Context
		frames iter.Seq[render.Frame]
		output string
	}{
		{"no frames", context.Background(), frames(0, 4, 2), filepath.Join(t.TempDir(), "v.avi")},
		{"cancelled", cancelled, frames(5, 4, 2), filepath.Join(t.TempDir(), "v.avi")},
		{"unwritable dir", context.Background(), frames(2, 4, 2), filepath.Join(blocker, "sub", "v.avi")},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := recordSpans(t)
			obs := &recordingObserver{}
			m := New(25, nil, obs, testLogger())

			if _, err := m.Mux(tc.ctx, tc.frames, "", tc.output); err == nil {
				t.Fatal("expected error")
			}
			if obs.failures != 1 || obs.runs != 0 {
				t.Fatalf("failures=%d runs=%d, want 1/0", obs.failures, obs.runs)
			}
			spans := rec.Ended()
			if len(spans) != 1 {
				t.Fatalf("expected one span, got %d", len(spans))
			}
			if got := spans[0].Status().Code; got != codes.Error {
				t.Fatalf("span status = %v, want Error", got)
			}
			if len(spans[0].Events()) == 0 {
				t.Fatal("expected the error to be recorded on the span")
			}
		})
	}
}

func TestFFmpegMergerArgs(t *testing.T) {
	merger, err := NewFFmpegMerger("ffmpeg -hide_banner", "", 0)
	if err != nil {
		t.Fatalf("merger: %v", err)
	}
	got := merger.Args("v.avi", "a.wav", "o.avi")
	want := []string{"-hide_banner", "-y", "-i", "v.avi", "-i", "a.wav", "-c:v", "copy", "-c:a", "aac", "-shortest", "o.avi"}
	if !slices.Equal(got, want) {
		t.Fatalf("args = %v, want %v", got, want)
	}
	if _, err := NewFFmpegMerger("  ", "aac", 0); err == nil {
		t.Fatal("expected error for empty command")
	}
}

func TestTempPathUnique(t *testing.T) {
	a := tempPath("/tmp/out/video.avi", "video")
	b := tempPath("/tmp/out/video.avi", "video")
	if a == b {
		t.Fatal("temp paths must be unique")
	}
	if filepath.Dir(a) != "/tmp/out" || filepath.Ext(a) != ".avi" {
		t.Fatalf("unexpected temp path %q", a)
	}
}
