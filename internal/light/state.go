package light

import "fmt"

// Mode selects how the lamp color is derived.
type Mode string

const (
	ModeColor       Mode = "color"
	ModeTemperature Mode = "temperature"
)

// ParseMode accepts "color" or "temperature".
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeColor, ModeTemperature:
		return Mode(s), nil
	}
	return "", fmt.Errorf("light: unknown mode %q", s)
}

// State is the logical light state. Hue, Saturation, Value and Temperature
// are always finite and within [0,1].
type State struct {
	On          bool    `json:"onoff"`
	Value       float64 `json:"dim"`
	Hue         float64 `json:"light_hue"`
	Saturation  float64 `json:"light_saturation"`
	Temperature float64 `json:"light_temperature"`
	Mode        Mode    `json:"light_mode"`
}

// DefaultState is the state of a lamp with no stored values.
func DefaultState() State {
	return State{
		Value:       1,
		Temperature: 0.5,
		Mode:        ModeColor,
	}
}

// Normalize clamps every dimension and replaces an unknown mode with color.
func (s State) Normalize() State {
	s.Value = Clamp01(s.Value)
	s.Hue = Clamp01(s.Hue)
	s.Saturation = Clamp01(s.Saturation)
	s.Temperature = Clamp01(s.Temperature)
	if s.Mode != ModeTemperature {
		s.Mode = ModeColor
	}
	return s
}

// RGB is the brightness-scaled color the state asks the lamp to show.
func (s State) RGB() RGB {
	if s.Mode == ModeTemperature {
		return ScaleByV(CCTToRGB(KelvinFromUnit(s.Temperature)), s.Value)
	}
	return ScaleByV(HSVToRGB(s.Hue, s.Saturation, 1), s.Value)
}
