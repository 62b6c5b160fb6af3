// Package light holds the logical light state, the color math that turns it
// into RGB, and the controller that pushes it to the lamp.
package light

import "math"

// Kelvin range covered by the temperature dimension. 0 maps to MinKelvin,
// 1 maps to MaxKelvin.
const (
	MinKelvin = 2000
	MaxKelvin = 6500
)

// RGB is an 8-bit color triple.
type RGB struct {
	R, G, B uint8
}

// HSVToRGB converts hue, saturation and value (all in [0,1]) using the
// standard six-sector conversion. Inputs outside [0,1] are clamped.
func HSVToRGB(h, s, v float64) RGB {
	h, s, v = Clamp01(h), Clamp01(s), Clamp01(v)

	i := math.Floor(h * 6)
	f := h*6 - i
	p := channel(255 * v * (1 - s))
	q := channel(255 * v * (1 - f*s))
	t := channel(255 * v * (1 - (1-f)*s))
	vv := channel(255 * v)

	switch int(i) % 6 {
	case 0:
		return RGB{vv, t, p}
	case 1:
		return RGB{q, vv, p}
	case 2:
		return RGB{p, vv, t}
	case 3:
		return RGB{p, q, vv}
	case 4:
		return RGB{t, p, vv}
	default:
		return RGB{vv, p, q}
	}
}

// CCTToRGB approximates the color of a black body at the given temperature
// (Tanner Helland's fit). The fit is parameterized on kelvin/100 with a
// breakpoint at 6600K.
func CCTToRGB(kelvin float64) RGB {
	t := kelvin / 100

	var r, g, b float64
	if t <= 66 {
		r = 255
		g = 99.4708025861*math.Log(t) - 161.1195681661
	} else {
		r = 329.698727446 * math.Pow(t-60, -0.1332047592)
		g = 288.1221695283 * math.Pow(t-60, -0.0755148492)
	}

	switch {
	case t >= 66:
		b = 255
	case t <= 19:
		b = 0
	default:
		b = 138.5177312231*math.Log(t-10) - 305.0447927307
	}

	return RGB{channel(r), channel(g), channel(b)}
}

// ScaleByV multiplies every channel by v in [0,1].
func ScaleByV(c RGB, v float64) RGB {
	v = Clamp01(v)
	return RGB{
		R: channel(float64(c.R) * v),
		G: channel(float64(c.G) * v),
		B: channel(float64(c.B) * v),
	}
}

// KelvinFromUnit maps the [0,1] temperature dimension linearly onto
// [MinKelvin, MaxKelvin], rounded to whole kelvin.
func KelvinFromUnit(ct float64) float64 {
	return MinKelvin + math.Round((MaxKelvin-MinKelvin)*Clamp01(ct))
}

// Clamp01 clamps v into [0,1]. NaN and infinities become 0.
func Clamp01(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return math.Max(0, math.Min(1, v))
}

// channel rounds x half away from zero and clamps it to a byte.
func channel(x float64) uint8 {
	if math.IsNaN(x) {
		return 0
	}
	return uint8(math.Max(0, math.Min(255, math.Round(x))))
}
