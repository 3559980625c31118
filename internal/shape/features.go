// Package shape turns audio windows into acoustic features and features into
// the mouth-shape descriptor that drives rendering.
package shape

import (
	"math"
	"math/cmplx"

	"gonum.org/v1/gonum/dsp/fourier"
)

// DefaultDominantFrequency is used when a window is too short to transform
// or the transform fails.
const DefaultDominantFrequency = 0.1

// Features are the scalar acoustic measurements of one window.
type Features struct {
	Energy            float64
	DominantFrequency float64 // normalized, cycles per sample

	// Fallback is set when the window could not be analysed and defaults were
	// substituted.
	Fallback bool
}

// Extract computes features for a window. It never fails: unusable input
// degrades to default values.
func Extract(samples []float64) Features {
	for _, s := range samples {
		if math.IsNaN(s) || math.IsInf(s, 0) {
			return Features{Energy: 0, DominantFrequency: DefaultDominantFrequency, Fallback: true}
		}
	}
	freq, ok := dominantFrequency(samples)
	return Features{Energy: energy(samples), DominantFrequency: freq, Fallback: !ok && len(samples) >= 2}
}

func energy(samples []float64) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += math.Abs(s)
	}
	return sum / float64(len(samples))
}

// dominantFrequency returns |freq| of the first bin with maximal magnitude.
// The real FFT only yields the non-negative half of the spectrum, which holds
// the first maximum of a real signal's symmetric spectrum.
func dominantFrequency(samples []float64) (freq float64, ok bool) {
	if len(samples) < 2 {
		return DefaultDominantFrequency, false
	}
	defer func() {
		if r := recover(); r != nil {
			freq, ok = DefaultDominantFrequency, false
		}
	}()
	fft := fourier.NewFFT(len(samples))
	coeffs := fft.Coefficients(nil, samples)
	best := -1.0
	idx := 0
	for i, c := range coeffs {
		if m := cmplx.Abs(c); m > best {
			best = m
			idx = i
		}
	}
	freq = math.Abs(fft.Freq(idx))
	if math.IsNaN(freq) {
		return DefaultDominantFrequency, false
	}
	return freq, true
}
