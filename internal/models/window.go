package models

import "math"

// WindowLevel is the linear gray-value mapping applied to scalar slices.
// A value v is displayed at intensity clamp((v - (Level - Width/2)) / Width, 0, 1).
type WindowLevel struct {
	Width float64
	Level float64
}

// Map applies the window/level to a scalar value, returning 0..1.
func (wl WindowLevel) Map(v float64) float64 {
	w := wl.Width
	if w <= 0 {
		w = 1
	}
	t := (v - (wl.Level - w/2)) / w
	return math.Max(0, math.Min(1, t))
}

// Gray maps v to an 8-bit intensity.
func (wl WindowLevel) Gray(v float64) uint8 {
	return uint8(math.Round(wl.Map(v) * 255))
}

// WindowSettings is the persisted window/level together with the scalar range
// of the image it was chosen for.
type WindowSettings struct {
	Level    float64 `json:"level"`
	Width    float64 `json:"width"`
	RangeMin float64 `json:"range_min"`
	RangeMax float64 `json:"range_max"`
}

// WindowLevel returns the width/level pair.
func (ws WindowSettings) WindowLevel() WindowLevel {
	return WindowLevel{Width: ws.Width, Level: ws.Level}
}
