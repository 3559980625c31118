package shape

import "math"

// OpenThreshold is the openness above which the mouth is drawn open.
const OpenThreshold = 0.3

// MouthShape describes the mouth for one frame. Width and Height are
// fractions of the face region.
type MouthShape struct {
	Openness float64
	Width    float64
	Height   float64
}

// Open reports whether the open-mouth rendering applies.
func (m MouthShape) Open() bool { return m.Openness > OpenThreshold }

// Valid reports whether every component is finite.
func (m MouthShape) Valid() bool {
	for _, v := range [...]float64{m.Openness, m.Width, m.Height} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// Mapper turns acoustic features into a mouth shape. Implementations must be
// deterministic and safe for concurrent use.
type Mapper interface {
	Map(Features) MouthShape
}

// LinearMapper is the closed-form placeholder mapping used until a trained
// model is plugged in.
type LinearMapper struct{}

func (LinearMapper) Map(f Features) MouthShape { return Map(f) }

// Map applies the reference mapping:
//
//	openness = clamp(energy×10, 0, 1)
//	width    = 0.5 + 0.3·sin(dominantFrequency×0.01)
//	height   = 0.3 + 0.2·openness
func Map(f Features) MouthShape {
	openness := math.Min(1, math.Max(0, f.Energy*10))
	return MouthShape{
		Openness: openness,
		Width:    0.5 + 0.3*math.Sin(f.DominantFrequency*0.01),
		Height:   0.3 + 0.2*openness,
	}
}
