package vizstate

import "math"

// Coefficients is the raw two-tap pair [c0, c1] backing one filter level.
type Coefficients [2]float64

// Gain returns |c0| + |c1|.
func Gain(c Coefficients) float64 {
	return math.Abs(c[0]) + math.Abs(c[1])
}

// Tao returns the time constant of a coefficient pair. A zero-gain pair has
// a time constant of 1. Only c0 appears in the denominator; the remote
// service inverts exactly this form.
func Tao(c Coefficients) float64 {
	g := Gain(c)
	if g == 0 {
		return 1
	}
	return g / c[0]
}

// ToSliderCoordinate maps tao onto the sign-preserving square-root scale used
// by sliders.
func ToSliderCoordinate(tao float64) float64 {
	return math.Copysign(math.Sqrt(math.Abs(tao)), tao)
}

// FromSliderCoordinate undoes ToSliderCoordinate.
func FromSliderCoordinate(coord float64) float64 {
	return math.Copysign(coord*coord, coord)
}

// CoefficientsFor builds the pair the remote service stores for a
// (gain, tao) edit: c0 = gain/tao and c1 = gain - |c0|. It reports false
// for |tao| < 1, which the service rejects.
func CoefficientsFor(gain, tao float64) (Coefficients, bool) {
	if math.IsNaN(tao) || math.Abs(tao) < 1 {
		return Coefficients{}, false
	}
	a := gain / math.Abs(tao)
	b := gain - a
	if tao < 0 {
		a = -a
	}
	return Coefficients{a, b}, true
}
