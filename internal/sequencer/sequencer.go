// Package sequencer drives window → features → shape → frame over a whole
// audio buffer. Batch renders and streaming sessions share it unchanged.
package sequencer

import (
	"iter"

	"github.com/loqalabs/loqa-lipsync/internal/audio"
	"github.com/loqalabs/loqa-lipsync/internal/render"
	"github.com/loqalabs/loqa-lipsync/internal/shape"
)

const (
	DefaultFrameRate  = 25
	DefaultWindowSize = 1024
)

type Config struct {
	FrameRate  int
	WindowSize int
}

// Observer is notified about per-frame degradations. Implementations must be
// safe for concurrent use; sequences of different sessions share one.
type Observer interface {
	FeatureFallback()
	RenderFallback()
}

type Sequencer struct {
	cfg      Config
	mapper   shape.Mapper
	renderer *render.Renderer
	observer Observer
}

func New(cfg Config, mapper shape.Mapper, renderer *render.Renderer, observer Observer) *Sequencer {
	if cfg.FrameRate <= 0 {
		cfg.FrameRate = DefaultFrameRate
	}
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = DefaultWindowSize
	}
	if mapper == nil {
		mapper = shape.LinearMapper{}
	}
	return &Sequencer{cfg: cfg, mapper: mapper, renderer: renderer, observer: observer}
}

func (s *Sequencer) FrameRate() int { return s.cfg.FrameRate }

// Sequence prepares a lazy frame sequence for buf. Nothing is rendered until
// Next is called.
func (s *Sequencer) Sequence(buf audio.Buffer, face render.FaceRegion) *Sequence {
	return &Sequence{s: s, buf: buf, face: face, total: buf.FrameCount(s.cfg.FrameRate)}
}

// Sequence yields frames 0..Total()-1 exactly once. It is not safe for
// concurrent use and cannot be restarted.
type Sequence struct {
	s     *Sequencer
	buf   audio.Buffer
	face  render.FaceRegion
	total int
	next  int
}

func (q *Sequence) Total() int { return q.total }

// Remaining is the number of frames not yet produced.
func (q *Sequence) Remaining() int { return q.total - q.next }

// Next renders the next frame. It returns false once the sequence is drained.
func (q *Sequence) Next() (render.Frame, bool) {
	if q.next >= q.total {
		return render.Frame{}, false
	}
	idx := q.next
	q.next++
	return q.s.frame(q.buf, q.face, idx), true
}

// All yields the frames not yet consumed through Next.
func (q *Sequence) All() iter.Seq[render.Frame] {
	return func(yield func(render.Frame) bool) {
		for {
			f, ok := q.Next()
			if !ok || !yield(f) {
				return
			}
		}
	}
}

func (s *Sequencer) frame(buf audio.Buffer, face render.FaceRegion, idx int) render.Frame {
	window := buf.Window(idx, s.cfg.FrameRate, s.cfg.WindowSize)
	features := shape.Extract(window.Samples())
	if features.Fallback && s.observer != nil {
		s.observer.FeatureFallback()
	}
	var frame render.Frame
	if m, ok := s.mapShape(features); ok {
		frame = s.renderer.Render(face, m, idx)
	} else {
		frame = s.renderer.RenderDefault(face)
		frame.Index = idx
	}
	if frame.Fallback && s.observer != nil {
		s.observer.RenderFallback()
	}
	frame.TimeSec = float64(idx) / float64(s.cfg.FrameRate)
	return frame
}

// mapShape runs the mapper, reporting false if it panicked.
func (s *Sequencer) mapShape(f shape.Features) (m shape.MouthShape, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			m, ok = shape.MouthShape{}, false
		}
	}()
	return s.mapper.Map(f), true
}
