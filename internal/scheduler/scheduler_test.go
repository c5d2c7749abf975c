package scheduler

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/cbegin/beatgrid-go/internal/pattern"
	"github.com/cbegin/beatgrid-go/internal/samples"
)

const eps = 1e-9

func near(a, b float64) bool { return math.Abs(a-b) < eps }

type hit struct {
	voice string
	at    float64
	now   float64
}

type fakeClock struct {
	mu     sync.Mutex
	ready  bool
	now    float64
	reject map[string]error
	names  map[*samples.Buffer]string
	hits   []hit
}

func newFakeClock(lib *fakeLibrary) *fakeClock {
	names := make(map[*samples.Buffer]string)
	for id, buf := range lib.buffers {
		names[buf] = id
	}
	return &fakeClock{ready: true, reject: map[string]error{}, names: names}
}

func (c *fakeClock) Ready() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ready
}

func (c *fakeClock) Now() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) set(now float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}

func (c *fakeClock) ScheduleOneShot(buf *samples.Buffer, at float64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	name := c.names[buf]
	if err := c.reject[name]; err != nil {
		return err
	}
	c.hits = append(c.hits, hit{voice: name, at: at, now: c.now})
	return nil
}

func (c *fakeClock) taken() []hit {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.hits
	c.hits = nil
	return out
}

type fakeLibrary struct {
	mu      sync.Mutex
	loaded  bool
	ensured int
	buffers map[string]*samples.Buffer
}

func newFakeLibrary(voices ...string) *fakeLibrary {
	lib := &fakeLibrary{loaded: true, buffers: map[string]*samples.Buffer{}}
	for _, v := range voices {
		lib.buffers[v] = &samples.Buffer{SampleRate: 48000, Data: []float32{1, 1}}
	}
	return lib
}

func (l *fakeLibrary) EnsureLoaded() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ensured++
}

func (l *fakeLibrary) Loaded() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.loaded
}

func (l *fakeLibrary) Buffer(id string) (*samples.Buffer, error) {
	if buf, ok := l.buffers[id]; ok {
		return buf, nil
	}
	return nil, samples.ErrUnknownVoice
}

func mustQueue(t testing.TB, tempo pattern.Tempo, beats ...[]pattern.Slot) *pattern.Queue {
	t.Helper()
	q, err := pattern.NewQueue(tempo, beats)
	if err != nil {
		t.Fatalf("queue: %v", err)
	}
	return q
}

func oneSlot(voices ...string) []pattern.Slot {
	return []pattern.Slot{voices}
}

func fourOnTheFloor(t testing.TB) *pattern.Queue {
	tempo := pattern.Tempo{BPM: 120, BeatsPerBar: 4, Bars: 1}
	return mustQueue(t, tempo, oneSlot("kick"), oneSlot("kick"), oneSlot("kick"), oneSlot("kick"))
}

func newTestScheduler(t testing.TB, clock Clock, lib Library, opts ...Option) *Scheduler {
	t.Helper()
	s, err := New(clock, lib, opts...)
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	return s
}

func TestFirstTickSchedulesWholeBeat(t *testing.T) {
	lib := newFakeLibrary("kick", "snare")
	clock := newFakeClock(lib)
	s := newTestScheduler(t, clock, lib)
	tempo := pattern.Tempo{BPM: 60, BeatsPerBar: 1, Bars: 1}
	s.SetQueue(mustQueue(t, tempo, []pattern.Slot{{"kick"}, {"snare"}}))

	s.Tick()

	hits := clock.taken()
	if len(hits) != 2 {
		t.Fatalf("expected 2 hits, got %+v", hits)
	}
	if hits[0].voice != "kick" || !near(hits[0].at, 0.1) {
		t.Fatalf("first hit = %+v, want kick at 0.1", hits[0])
	}
	if hits[1].voice != "snare" || !near(hits[1].at, 0.6) {
		t.Fatalf("second hit = %+v, want snare at 0.6", hits[1])
	}
	if s.Cursor() != 0 {
		t.Fatalf("cursor = %d, want wrap to 0", s.Cursor())
	}
	next, ok := s.NextEventTime()
	if !ok || !near(next, 1.1) {
		t.Fatalf("next event time = %v (anchored %v), want 1.1", next, ok)
	}
	if start, _ := s.StartTime(); !near(start, 0.1) {
		t.Fatalf("start time = %v, want 0.1", start)
	}
}

func TestLoopWrapIsSeamless(t *testing.T) {
	lib := newFakeLibrary("kick")
	clock := newFakeClock(lib)
	var wraps int
	s := newTestScheduler(t, clock, lib, WithOnEvent(func(ev Event) {
		if ev.Kind == EventLoopWrapped {
			wraps++
		}
	}))
	s.SetQueue(fourOnTheFloor(t))

	var hits []hit
	for now := 0.0; now < 4.5; now += 0.025 {
		clock.set(now)
		s.Tick()
		hits = append(hits, clock.taken()...)
	}
	if len(hits) < 9 {
		t.Fatalf("expected at least two loops of hits, got %d", len(hits))
	}
	for i, h := range hits {
		want := 0.1 + float64(i)*0.5
		if !near(h.at, want) {
			t.Fatalf("hit %d at %v, want %v", i, h.at, want)
		}
	}
	if wraps < 2 {
		t.Fatalf("expected at least 2 wraps, got %d", wraps)
	}
}

func TestNeverSchedulesInThePast(t *testing.T) {
	lib := newFakeLibrary("kick", "snare")
	clock := newFakeClock(lib)
	s := newTestScheduler(t, clock, lib)
	tempo := pattern.Tempo{BPM: 173, BeatsPerBar: 3, Bars: 1}
	s.SetQueue(mustQueue(t, tempo,
		[]pattern.Slot{{"kick"}, {}, {"snare"}},
		[]pattern.Slot{{"kick", "snare"}},
		[]pattern.Slot{{}, {"snare"}, {}, {"kick"}},
	))

	// Uneven wakeups stand in for a jittery timer; none is later than one
	// tick interval, so every hit lands at most one interval inside the
	// lookahead window.
	steps := []float64{0.011, 0.025, 0.024, 0.019, 0.003}
	now := 0.0
	for i := 0; i < 400; i++ {
		now += steps[i%len(steps)]
		clock.set(now)
		s.Tick()
	}
	hits := clock.taken()
	if len(hits) == 0 {
		t.Fatalf("expected hits")
	}
	lookahead := s.Lookahead().Seconds()
	slack := s.TickInterval().Seconds()
	for _, h := range hits {
		if h.at < h.now {
			t.Fatalf("%s scheduled at %v while clock read %v", h.voice, h.at, h.now)
		}
		if h.at < h.now+lookahead-slack-eps {
			t.Fatalf("%s scheduled at %v, less than lookahead minus one tick after %v", h.voice, h.at, h.now)
		}
	}
}

func TestTickWaitsForSamples(t *testing.T) {
	lib := newFakeLibrary("kick")
	lib.loaded = false
	clock := newFakeClock(lib)
	s := newTestScheduler(t, clock, lib)
	s.SetQueue(fourOnTheFloor(t))

	s.Tick()
	if lib.ensured != 1 {
		t.Fatalf("tick should kick off loading, ensured = %d", lib.ensured)
	}
	if _, ok := s.NextEventTime(); ok {
		t.Fatalf("scheduler anchored before samples loaded")
	}
	if hits := clock.taken(); len(hits) != 0 {
		t.Fatalf("scheduled %d hits before samples loaded", len(hits))
	}

	lib.loaded = true
	clock.set(0.5)
	s.Tick()
	hits := clock.taken()
	if len(hits) != 1 || !near(hits[0].at, 0.6) {
		t.Fatalf("first hit after load = %+v, want kick at 0.6", hits)
	}
}

func TestTickIgnoredUntilClockReady(t *testing.T) {
	lib := newFakeLibrary("kick")
	clock := newFakeClock(lib)
	clock.ready = false
	s := newTestScheduler(t, clock, lib)
	s.SetQueue(fourOnTheFloor(t))

	s.Tick()
	if lib.ensured != 0 {
		t.Fatalf("inactive clock should not trigger loading")
	}
	if _, ok := s.NextEventTime(); ok {
		t.Fatalf("inactive clock should not anchor a session")
	}
}

func TestTickWithoutQueueIsNoop(t *testing.T) {
	lib := newFakeLibrary("kick")
	clock := newFakeClock(lib)
	s := newTestScheduler(t, clock, lib)
	s.Tick()
	if _, ok := s.NextEventTime(); ok {
		t.Fatalf("anchored without a queue")
	}
}

func TestStopRestartsFromFirstBeat(t *testing.T) {
	lib := newFakeLibrary("b0", "b1", "b2", "b3")
	clock := newFakeClock(lib)
	var anchors []float64
	s := newTestScheduler(t, clock, lib, WithOnEvent(func(ev Event) {
		if ev.Kind == EventAnchored {
			anchors = append(anchors, ev.At)
		}
	}))
	tempo := pattern.Tempo{BPM: 120, BeatsPerBar: 4, Bars: 1}
	s.SetQueue(mustQueue(t, tempo, oneSlot("b0"), oneSlot("b1"), oneSlot("b2"), oneSlot("b3")))

	for now := 0.0; now < 0.7; now += 0.025 {
		clock.set(now)
		s.Tick()
	}
	if s.Cursor() == 0 {
		t.Fatalf("expected playback to have advanced")
	}
	s.Stop()
	if s.Cursor() != 0 {
		t.Fatalf("stop should rewind the cursor")
	}
	if _, ok := s.StartTime(); ok {
		t.Fatalf("stop should clear the anchor")
	}
	clock.taken()

	clock.set(10)
	s.Tick()
	hits := clock.taken()
	if len(hits) == 0 || hits[0].voice != "b0" || !near(hits[0].at, 10.1) {
		t.Fatalf("restart should begin with b0 at 10.1, got %+v", hits)
	}
	if len(anchors) != 2 || !near(anchors[1], 10.1) {
		t.Fatalf("anchors = %v, want a fresh anchor at 10.1", anchors)
	}
}

func TestMissingVoiceIsReported(t *testing.T) {
	lib := newFakeLibrary("kick")
	clock := newFakeClock(lib)
	var missing []Event
	s := newTestScheduler(t, clock, lib, WithOnEvent(func(ev Event) {
		if ev.Kind == EventVoiceUnavailable {
			missing = append(missing, ev)
		}
	}))
	tempo := pattern.Tempo{BPM: 60, BeatsPerBar: 1, Bars: 1}
	s.SetQueue(mustQueue(t, tempo, []pattern.Slot{{"kick", "snare"}}))

	s.Tick()
	hits := clock.taken()
	if len(hits) != 1 || hits[0].voice != "kick" {
		t.Fatalf("kick should still play, got %+v", hits)
	}
	if len(missing) != 1 || missing[0].Voice != "snare" {
		t.Fatalf("expected snare reported unavailable, got %+v", missing)
	}
	if !errors.Is(missing[0].Err, samples.ErrUnknownVoice) {
		t.Fatalf("unexpected error: %v", missing[0].Err)
	}
}

func TestRejectedHitDoesNotStopTick(t *testing.T) {
	lib := newFakeLibrary("kick", "snare")
	clock := newFakeClock(lib)
	errLate := errors.New("late")
	clock.reject["kick"] = errLate
	var rejected int
	s := newTestScheduler(t, clock, lib, WithOnEvent(func(ev Event) {
		if ev.Kind == EventRejected && errors.Is(ev.Err, errLate) {
			rejected++
		}
	}))
	tempo := pattern.Tempo{BPM: 60, BeatsPerBar: 1, Bars: 1}
	s.SetQueue(mustQueue(t, tempo, []pattern.Slot{{"kick"}, {"snare"}}))

	s.Tick()
	hits := clock.taken()
	if len(hits) != 1 || hits[0].voice != "snare" {
		t.Fatalf("snare should still be scheduled, got %+v", hits)
	}
	if rejected != 1 {
		t.Fatalf("rejected events = %d, want 1", rejected)
	}
}

func TestTempoChangeAppliesAtNextBeat(t *testing.T) {
	lib := newFakeLibrary("kick")
	clock := newFakeClock(lib)
	s := newTestScheduler(t, clock, lib)
	s.SetQueue(fourOnTheFloor(t))

	s.Tick()
	if got := clock.taken(); len(got) != 1 || !near(got[0].at, 0.1) {
		t.Fatalf("first beat = %+v", got)
	}

	slow := pattern.Tempo{BPM: 60, BeatsPerBar: 4, Bars: 1}
	s.SetQueue(mustQueue(t, slow, oneSlot("kick"), oneSlot("kick"), oneSlot("kick"), oneSlot("kick")))

	// The beat already queued at 0.6 keeps its time; only the gap after it
	// stretches to the new tempo.
	clock.set(0.55)
	s.Tick()
	got := clock.taken()
	if len(got) != 1 || !near(got[0].at, 0.6) {
		t.Fatalf("beat after tempo change = %+v, want 0.6", got)
	}
	if next, _ := s.NextEventTime(); !near(next, 1.6) {
		t.Fatalf("next event = %v, want 1.6", next)
	}
}

func TestShrunkQueueWrapsWithoutRewinding(t *testing.T) {
	lib := newFakeLibrary("kick")
	clock := newFakeClock(lib)
	var anchors int
	s := newTestScheduler(t, clock, lib, WithOnEvent(func(ev Event) {
		if ev.Kind == EventAnchored {
			anchors++
		}
	}))
	s.SetQueue(fourOnTheFloor(t))
	now := 0.0
	for ; now < 1.2; now += 0.025 {
		clock.set(now)
		s.Tick()
	}
	if s.Cursor() < 2 {
		t.Fatalf("cursor = %d, expected it past the new queue length", s.Cursor())
	}
	prev := clock.taken()
	last := prev[len(prev)-1].at
	due, _ := s.NextEventTime()

	short := pattern.Tempo{BPM: 120, BeatsPerBar: 2, Bars: 1}
	s.SetQueue(mustQueue(t, short, oneSlot("kick"), oneSlot("kick")))
	var hits []hit
	for ; now < 2.5; now += 0.025 {
		clock.set(now)
		s.Tick()
		hits = append(hits, clock.taken()...)
		if next, _ := s.NextEventTime(); next < due {
			t.Fatalf("next event time went back from %v to %v", due, next)
		}
	}

	if len(hits) < 2 {
		t.Fatalf("expected hits after the shrink, got %+v", hits)
	}
	if hits[0].at < due-eps {
		t.Fatalf("first hit after shrink at %v, before the pending beat at %v", hits[0].at, due)
	}
	if !near(hits[0].at-last, 0.5) {
		t.Fatalf("gap across the shrink = %v, want one beat span 0.5", hits[0].at-last)
	}
	if s.Cursor() >= 2 {
		t.Fatalf("cursor = %d outside the short queue", s.Cursor())
	}
	if anchors != 1 {
		t.Fatalf("anchors = %d, want the original session only", anchors)
	}
}

func TestNewRejectsShortLookahead(t *testing.T) {
	lib := newFakeLibrary()
	clock := newFakeClock(lib)
	cases := []struct {
		name string
		opts []Option
	}{
		{"equal", []Option{WithLookahead(25 * time.Millisecond)}},
		{"shorter", []Option{WithLookahead(10 * time.Millisecond)}},
		{"zero tick", []Option{WithTickInterval(0)}},
	}
	for _, tc := range cases {
		if _, err := New(clock, lib, tc.opts...); !errors.Is(err, ErrLookahead) {
			t.Fatalf("%s: expected ErrLookahead, got %v", tc.name, err)
		}
	}
	s := newTestScheduler(t, clock, lib)
	if s.Lookahead() != DefaultLookahead || s.TickInterval() != DefaultTickInterval {
		t.Fatalf("defaults = %v/%v", s.Lookahead(), s.TickInterval())
	}
}

func TestRunStopsWithContext(t *testing.T) {
	lib := newFakeLibrary("kick")
	clock := newFakeClock(lib)
	s := newTestScheduler(t, clock, lib,
		WithTickInterval(time.Millisecond),
		WithLookahead(10*time.Millisecond))
	s.SetQueue(fourOnTheFloor(t))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()
	time.Sleep(10 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("Run did not return after cancel")
	}
	if _, ok := s.NextEventTime(); !ok {
		t.Fatalf("Run should have ticked at least once")
	}
}

func TestEventKindString(t *testing.T) {
	if EventVoiceUnavailable.String() != "voice-unavailable" {
		t.Fatalf("unexpected name %q", EventVoiceUnavailable.String())
	}
	if EventKind(42).String() != "EventKind(42)" {
		t.Fatalf("unexpected fallback %q", EventKind(42).String())
	}
}
