package pattern

import (
	"errors"
	"fmt"
)

var (
	ErrStepRange  = errors.New("step out of range")
	ErrTrackRange = errors.New("track out of range")
	ErrGridShape  = errors.New("grid shape mismatch")
)

// DefaultVoices is the kit the scaffolded grid is built from.
var DefaultVoices = []string{"kick", "snare", "hiHatClosed"}

// Track is one row of the step grid: a voice and its on/off steps.
type Track struct {
	Name  string `json:"trackName"`
	Voice string `json:"voice"`
	Steps []bool `json:"steps"`
}

// Grid is the user-edited form of a pattern. It is what gets persisted; the
// scheduler only ever sees the Queue derived from it.
type Grid struct {
	Tracks []Track `json:"tracks"`
}

// NewGrid returns an empty grid with one track per voice.
func NewGrid(voices []string, steps int) *Grid {
	g := &Grid{Tracks: make([]Track, len(voices))}
	for i, v := range voices {
		g.Tracks[i] = Track{Name: v, Voice: v, Steps: make([]bool, steps)}
	}
	return g
}

// Scaffold builds the default grid for the given bar layout.
func Scaffold(bars, beatsPerBar int) *Grid {
	return NewGrid(DefaultVoices, bars*beatsPerBar)
}

// Steps returns the grid width, taken from the first track.
func (g *Grid) Steps() int {
	if g == nil || len(g.Tracks) == 0 {
		return 0
	}
	return len(g.Tracks[0].Steps)
}

// Validate checks that every track has a voice and the same number of steps.
func (g *Grid) Validate() error {
	steps := g.Steps()
	for i, tr := range g.Tracks {
		if tr.Voice == "" {
			return fmt.Errorf("%w: track %d has no voice", ErrGridShape, i)
		}
		if len(tr.Steps) != steps {
			return fmt.Errorf("%w: track %d has %d steps, want %d", ErrGridShape, i, len(tr.Steps), steps)
		}
	}
	return nil
}

func (g *Grid) check(track, step int) error {
	if track < 0 || track >= len(g.Tracks) {
		return fmt.Errorf("%w: %d", ErrTrackRange, track)
	}
	if step < 0 || step >= len(g.Tracks[track].Steps) {
		return fmt.Errorf("%w: %d", ErrStepRange, step)
	}
	return nil
}

// Toggle flips one step and returns its new state.
func (g *Grid) Toggle(track, step int) (bool, error) {
	if err := g.check(track, step); err != nil {
		return false, err
	}
	g.Tracks[track].Steps[step] = !g.Tracks[track].Steps[step]
	return g.Tracks[track].Steps[step], nil
}

func (g *Grid) Set(track, step int, on bool) error {
	if err := g.check(track, step); err != nil {
		return err
	}
	g.Tracks[track].Steps[step] = on
	return nil
}

// Resize grows or truncates every track to n steps, keeping existing states.
func (g *Grid) Resize(n int) {
	for i := range g.Tracks {
		steps := make([]bool, n)
		copy(steps, g.Tracks[i].Steps)
		g.Tracks[i].Steps = steps
	}
}

func (g *Grid) Clone() *Grid {
	out := &Grid{Tracks: make([]Track, len(g.Tracks))}
	for i, tr := range g.Tracks {
		out.Tracks[i] = Track{Name: tr.Name, Voice: tr.Voice, Steps: append([]bool(nil), tr.Steps...)}
	}
	return out
}

// Queue derives the playback queue with the steps spread evenly over the
// beats of t. The step count must be a multiple of t.BeatsPerLoop().
func (g *Grid) Queue(t Tempo) (*Queue, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}
	beats := t.BeatsPerLoop()
	steps := g.Steps()
	if steps == 0 || steps%beats != 0 {
		return nil, fmt.Errorf("%w: %d steps over %d beats", ErrGridShape, steps, beats)
	}
	perBeat := make([]int, beats)
	for i := range perBeat {
		perBeat[i] = steps / beats
	}
	return g.QueueSubdivided(t, perBeat)
}

// QueueSubdivided derives the playback queue with an explicit number of steps
// per beat, so one beat may hold triplets while another holds sixteenths.
func (g *Grid) QueueSubdivided(t Tempo, perBeat []int) (*Queue, error) {
	if err := g.Validate(); err != nil {
		return nil, err
	}
	total := 0
	for i, n := range perBeat {
		if n <= 0 {
			return nil, fmt.Errorf("%w: beat %d", ErrEmptyBeat, i)
		}
		total += n
	}
	if total != g.Steps() {
		return nil, fmt.Errorf("%w: subdivision covers %d steps, grid has %d", ErrGridShape, total, g.Steps())
	}
	beats := make([][]Slot, len(perBeat))
	step := 0
	for i, n := range perBeat {
		slots := make([]Slot, n)
		for j := range slots {
			slots[j] = g.slotAt(step)
			step++
		}
		beats[i] = slots
	}
	return NewQueue(t, beats)
}

func (g *Grid) slotAt(step int) Slot {
	var s Slot
	for _, tr := range g.Tracks {
		if tr.Steps[step] {
			s = append(s, tr.Voice)
		}
	}
	return s
}
