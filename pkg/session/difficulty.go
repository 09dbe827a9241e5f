package session

import (
	"github.com/gwillem/homecage/pkg/device"
	"github.com/gwillem/homecage/pkg/profile"
)

// Setting is what a profile's difficulty turns into on the device.
type Setting struct {
	Level int
	Side  device.Side
	// Clamped is set when the profile's level was outside the stepper's range.
	Clamped bool
	// Requested is the profile's level before clamping.
	Requested int
}

// MapDifficulty converts a profile into a stepper level and arm side. Levels
// outside [MinLevel, MaxLevel] are clamped to the nearest end so no
// undefined opcode operand is ever sent.
func MapDifficulty(p profile.Profile) Setting {
	s := Setting{Level: p.Difficulty, Side: p.Side, Requested: p.Difficulty}
	switch {
	case s.Level < device.MinLevel:
		s.Level = device.MinLevel
		s.Clamped = true
	case s.Level > device.MaxLevel:
		s.Level = device.MaxLevel
		s.Clamped = true
	}
	return s
}
