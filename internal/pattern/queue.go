package pattern

import (
	"errors"
	"fmt"
	"sort"
)

var (
	ErrBeatCount = errors.New("beat count does not match tempo")
	ErrEmptyBeat = errors.New("beat has no sub-beats")
)

// Slot is one sub-beat: the voices that fire together at its start.
type Slot []string

// Beat is one top-level division of the loop. Time is its offset in seconds
// from loop start; SubBeats split the beat into equal slots.
type Beat struct {
	Time     float64
	SubBeats []Slot
}

// Queue is the precomputed, circular playback order of a pattern. It is
// read-only once built; a tempo or pattern change produces a new Queue.
type Queue struct {
	Beats        []Beat
	LoopDuration float64
}

// NewQueue precomputes beat offsets for the given tempo. One entry in beats
// is one beat of the loop, so len(beats) must equal t.BeatsPerLoop().
func NewQueue(t Tempo, beats [][]Slot) (*Queue, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}
	if len(beats) != t.BeatsPerLoop() {
		return nil, fmt.Errorf("%w: %d beats for %d beats per loop", ErrBeatCount, len(beats), t.BeatsPerLoop())
	}
	loop := t.LoopDuration()
	span := loop / float64(len(beats))
	q := &Queue{
		Beats:        make([]Beat, len(beats)),
		LoopDuration: loop,
	}
	for i, subs := range beats {
		if len(subs) == 0 {
			return nil, fmt.Errorf("%w: beat %d", ErrEmptyBeat, i)
		}
		slots := make([]Slot, len(subs))
		for j, s := range subs {
			slots[j] = append(Slot(nil), s...)
		}
		q.Beats[i] = Beat{Time: float64(i) * span, SubBeats: slots}
	}
	return q, nil
}

func (q *Queue) Len() int {
	if q == nil {
		return 0
	}
	return len(q.Beats)
}

// BeatSpan is the nominal duration of every beat.
func (q *Queue) BeatSpan() float64 {
	if q.Len() == 0 {
		return 0
	}
	return q.LoopDuration / float64(len(q.Beats))
}

// SlotDuration is the length of one sub-beat of beat i. Each beat derives it
// from its own subdivision, so triplets and sixteenths can share a loop.
func (q *Queue) SlotDuration(i int) float64 {
	n := len(q.Beats[i].SubBeats)
	if n == 0 {
		return 0
	}
	return q.BeatSpan() / float64(n)
}

func (q *Queue) NextIndex(i int) int {
	return NextIndex(i, q.Len())
}

// AdvanceDelta is the time from beat i's first slot to the next beat's. At the
// end of the queue the delta runs to the loop end, not back to the first
// beat's offset, so the wrap is seamless.
func (q *Queue) AdvanceDelta(i int) float64 {
	next := q.NextIndex(i)
	if next == 0 {
		return q.LoopDuration - q.Beats[i].Time
	}
	return q.Beats[next].Time - q.Beats[i].Time
}

// Voices lists every distinct voice id referenced by the queue, sorted.
func (q *Queue) Voices() []string {
	seen := make(map[string]struct{})
	for _, b := range q.Beats {
		for _, s := range b.SubBeats {
			for _, v := range s {
				seen[v] = struct{}{}
			}
		}
	}
	out := make([]string, 0, len(seen))
	for v := range seen {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

// NextIndex advances a cursor by one modulo n. It is total for n > 0 and
// returns 0 for an empty queue.
func NextIndex(i, n int) int {
	if n <= 0 {
		return 0
	}
	i = (i + 1) % n
	if i < 0 {
		i += n
	}
	return i
}
