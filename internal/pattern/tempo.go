package pattern

import (
	"errors"
	"fmt"
	"math"
	"time"
)

var ErrInvalidTempo = errors.New("invalid tempo")

// MaxBPM bounds the tempo so one beat always spans a measurable time.
const MaxBPM = 10000

// Tempo is the external timing input: beats per minute plus the bar layout
// that decides how many beats make up one loop.
type Tempo struct {
	BPM         float64 `json:"bpm" yaml:"bpm"`
	BeatsPerBar int     `json:"beatsPerBar" yaml:"beatsPerBar"`
	Bars        int     `json:"bars" yaml:"bars"`
}

// DefaultTempo matches the scaffolded grid: 4 bars of 4 beats at 120 bpm.
func DefaultTempo() Tempo {
	return Tempo{BPM: 120, BeatsPerBar: 4, Bars: 4}
}

func (t Tempo) Validate() error {
	switch {
	case math.IsNaN(t.BPM) || t.BPM <= 0 || t.BPM > MaxBPM:
		return fmt.Errorf("%w: bpm must be in (0, %d], got %v", ErrInvalidTempo, MaxBPM, t.BPM)
	case t.BeatsPerBar <= 0:
		return fmt.Errorf("%w: beats per bar must be positive, got %d", ErrInvalidTempo, t.BeatsPerBar)
	case t.Bars <= 0:
		return fmt.Errorf("%w: bar count must be positive, got %d", ErrInvalidTempo, t.Bars)
	}
	return nil
}

func (t Tempo) BeatsPerLoop() int {
	return t.BeatsPerBar * t.Bars
}

// LoopDuration returns the length of one full loop in seconds.
func (t Tempo) LoopDuration() float64 {
	return LoopDuration(t.BPM, t.BeatsPerLoop())
}

// BeatInterval is the wall-clock period of one beat. It paces the play-head
// display timer and must never be used for audio timing.
func (t Tempo) BeatInterval() time.Duration {
	if !(t.BPM > 0) || math.IsInf(t.BPM, 1) {
		return 0
	}
	return time.Duration(float64(time.Minute) / t.BPM)
}

// LoopDuration is (60 / bpm) * beatsPerLoop seconds.
func LoopDuration(bpm float64, beatsPerLoop int) float64 {
	if !(bpm > 0) || math.IsInf(bpm, 1) {
		return 0
	}
	return (60 / bpm) * float64(beatsPerLoop)
}
