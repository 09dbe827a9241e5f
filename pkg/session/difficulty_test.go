package session

import (
	"testing"

	"github.com/gwillem/homecage/pkg/device"
	"github.com/gwillem/homecage/pkg/profile"
)

func TestMapDifficulty(t *testing.T) {
	tests := []struct {
		difficulty int
		level      int
		clamped    bool
	}{
		{0, 0, false},
		{3, 3, false},
		{6, 6, false},
		{-1, 0, true},
		{7, 6, true},
		{42, 6, true},
	}

	for _, tt := range tests {
		got := MapDifficulty(profile.Profile{Difficulty: tt.difficulty, Side: device.Left})
		if got.Level != tt.level || got.Clamped != tt.clamped {
			t.Errorf("MapDifficulty(%d) = level %d clamped %v, want level %d clamped %v",
				tt.difficulty, got.Level, got.Clamped, tt.level, tt.clamped)
		}
		if got.Side != device.Left {
			t.Errorf("MapDifficulty(%d) side = %s, want left", tt.difficulty, got.Side)
		}
		if got.Requested != tt.difficulty {
			t.Errorf("MapDifficulty(%d) requested = %d", tt.difficulty, got.Requested)
		}
	}
}

func TestMapDifficulty_AlwaysEncodes(t *testing.T) {
	for d := -10; d <= 20; d++ {
		s := MapDifficulty(profile.Profile{Difficulty: d, Side: device.Right})
		if _, _, err := device.Move(s.Level).Encode(); err != nil {
			t.Errorf("difficulty %d produced unencodable level %d: %v", d, s.Level, err)
		}
	}
}
