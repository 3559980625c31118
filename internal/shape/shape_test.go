package shape

import (
	"math"
	"testing"
)

func TestExtractSilence(t *testing.T) {
	f := Extract(make([]float64, 1024))
	if f.Energy != 0 {
		t.Fatalf("expected zero energy, got %v", f.Energy)
	}
	if f.DominantFrequency != 0 {
		t.Fatalf("expected DC bin for silence, got %v", f.DominantFrequency)
	}
	if f.Fallback {
		t.Fatal("silence must not be reported as a fallback")
	}
	m := Map(f)
	if m.Openness != 0 || m.Open() {
		t.Fatalf("expected closed mouth for silence, got %+v", m)
	}
}

func TestExtractShortWindows(t *testing.T) {
	for _, n := range []int{0, 1} {
		f := Extract(make([]float64, n))
		if f.DominantFrequency != DefaultDominantFrequency {
			t.Errorf("len %d: expected default frequency, got %v", n, f.DominantFrequency)
		}
		if f.Energy != 0 {
			t.Errorf("len %d: expected zero energy, got %v", n, f.Energy)
		}
	}
}

func TestExtractDominantFrequency(t *testing.T) {
	const n = 1024
	samples := make([]float64, n)
	for i := range samples {
		samples[i] = 0.5 * math.Sin(2*math.Pi*64*float64(i)/n)
	}
	f := Extract(samples)
	if math.Abs(f.DominantFrequency-64.0/n) > 1e-12 {
		t.Fatalf("expected %v, got %v", 64.0/n, f.DominantFrequency)
	}
	wantEnergy := 0.5 * 2 / math.Pi
	if math.Abs(f.Energy-wantEnergy) > 1e-3 {
		t.Fatalf("expected energy near %v, got %v", wantEnergy, f.Energy)
	}
}

func TestExtractNyquistIsPositive(t *testing.T) {
	samples := make([]float64, 8)
	for i := range samples {
		if i%2 == 0 {
			samples[i] = 1
		} else {
			samples[i] = -1
		}
	}
	if f := Extract(samples); f.DominantFrequency != 0.5 {
		t.Fatalf("expected 0.5, got %v", f.DominantFrequency)
	}
}

func TestExtractNonFiniteDegrades(t *testing.T) {
	f := Extract([]float64{0.1, math.NaN(), 0.2})
	if !f.Fallback || f.Energy != 0 || f.DominantFrequency != DefaultDominantFrequency {
		t.Fatalf("expected default features, got %+v", f)
	}
}

func TestMapConstants(t *testing.T) {
	cases := []struct {
		in   Features
		want MouthShape
	}{
		{Features{Energy: 0, DominantFrequency: 0}, MouthShape{Openness: 0, Width: 0.5, Height: 0.3}},
		{Features{Energy: 0.05, DominantFrequency: 0}, MouthShape{Openness: 0.5, Width: 0.5, Height: 0.4}},
		{Features{Energy: 3, DominantFrequency: 0}, MouthShape{Openness: 1, Width: 0.5, Height: 0.5}},
	}
	for _, tc := range cases {
		got := Map(tc.in)
		if math.Abs(got.Openness-tc.want.Openness) > 1e-12 ||
			math.Abs(got.Width-tc.want.Width) > 1e-12 ||
			math.Abs(got.Height-tc.want.Height) > 1e-12 {
			t.Errorf("Map(%+v) = %+v, want %+v", tc.in, got, tc.want)
		}
	}
	freq := DefaultDominantFrequency
	w := Map(Features{DominantFrequency: freq}).Width
	if want := 0.5 + 0.3*math.Sin(freq*0.01); math.Abs(w-want) > 1e-15 {
		t.Fatalf("width = %v, want %v", w, want)
	}
}

func TestMapDeterministic(t *testing.T) {
	f := Features{Energy: 0.0371, DominantFrequency: 0.2734}
	first := Map(f)
	var m Mapper = LinearMapper{}
	for i := 0; i < 100; i++ {
		if got := m.Map(f); math.Float64bits(got.Width) != math.Float64bits(first.Width) ||
			math.Float64bits(got.Height) != math.Float64bits(first.Height) ||
			math.Float64bits(got.Openness) != math.Float64bits(first.Openness) {
			t.Fatalf("iteration %d produced %+v, want %+v", i, got, first)
		}
	}
}

func TestOpenThreshold(t *testing.T) {
	if (MouthShape{Openness: 0.3}).Open() {
		t.Fatal("0.3 must render closed")
	}
	if !(MouthShape{Openness: 0.31}).Open() {
		t.Fatal("0.31 must render open")
	}
}
