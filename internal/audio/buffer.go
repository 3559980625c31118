// Package audio holds decoded sample buffers, the frame-aligned windower and
// the loader/probe collaborators that turn files on disk into buffers.
package audio

import (
	"errors"
	"fmt"
	"math"
)

// DefaultSampleRate is the rate every buffer is resampled to before analysis.
const DefaultSampleRate = 22050

// ErrDecode marks audio that cannot drive the pipeline at all.
var ErrDecode = errors.New("audio: unusable audio")

// Buffer is an immutable mono waveform with amplitudes nominally in [-1, 1].
type Buffer struct {
	samples    []float64
	sampleRate int
}

// NewBuffer copies samples into a new Buffer.
func NewBuffer(samples []float64, sampleRate int) Buffer {
	return Buffer{samples: append([]float64(nil), samples...), sampleRate: sampleRate}
}

// Silence returns a zero-valued buffer of the given length.
func Silence(seconds float64, sampleRate int) Buffer {
	n := int(seconds * float64(sampleRate))
	if n < 0 {
		n = 0
	}
	return Buffer{samples: make([]float64, n), sampleRate: sampleRate}
}

func (b Buffer) Len() int { return len(b.samples) }

func (b Buffer) SampleRate() int { return b.sampleRate }

// Duration is the buffer length in seconds.
func (b Buffer) Duration() float64 {
	if b.sampleRate <= 0 {
		return 0
	}
	return float64(len(b.samples)) / float64(b.sampleRate)
}

// Validate reports ErrDecode when the buffer cannot produce a single frame.
func (b Buffer) Validate() error {
	if b.sampleRate <= 0 {
		return fmt.Errorf("%w: sample rate %d", ErrDecode, b.sampleRate)
	}
	if len(b.samples) == 0 {
		return fmt.Errorf("%w: no samples", ErrDecode)
	}
	return nil
}

// FrameCount returns floor(duration × frameRate).
func (b Buffer) FrameCount(frameRate int) int {
	if frameRate <= 0 {
		return 0
	}
	return int(math.Floor(b.Duration() * float64(frameRate)))
}

// Window is a read-only view of [Start, End) within a Buffer.
type Window struct {
	Index   int
	Start   int
	End     int
	samples []float64
}

// Samples returns the window's samples. Callers must not modify them.
func (w Window) Samples() []float64 { return w.samples }

func (w Window) Len() int { return w.End - w.Start }

func (w Window) Empty() bool { return w.End <= w.Start }

// Window returns the analysis window centred on frameIndex. The range is
// clamped to the buffer, so edge windows are short or empty but never padded.
func (b Buffer) Window(frameIndex, frameRate, windowSize int) Window {
	n := len(b.samples)
	if frameRate <= 0 || b.sampleRate <= 0 || windowSize <= 0 {
		return Window{Index: frameIndex}
	}
	center := int(math.Round(float64(frameIndex) / float64(frameRate) * float64(b.sampleRate)))
	start := clamp(center-windowSize/2, 0, n)
	end := clamp(center+windowSize/2, 0, n)
	if end < start {
		end = start
	}
	return Window{Index: frameIndex, Start: start, End: end, samples: b.samples[start:end:end]}
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
