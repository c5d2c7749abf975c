// Package scheduler turns a pattern queue into exactly timed one-shot
// triggers. A coarse, jittery tick wakes it up; each tick it schedules every
// event that falls inside a lookahead window against the audio clock, so the
// tick's jitter never reaches the audio.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cbegin/beatgrid-go/internal/pattern"
	"github.com/cbegin/beatgrid-go/internal/samples"
)

var ErrLookahead = errors.New("lookahead must exceed the tick interval")

const (
	DefaultLookahead    = 100 * time.Millisecond
	DefaultTickInterval = 25 * time.Millisecond
)

// Clock is the audio time base. Now and the times passed to ScheduleOneShot
// share one monotonic timeline in seconds.
type Clock interface {
	Ready() bool
	Now() float64
	ScheduleOneShot(buf *samples.Buffer, at float64) error
}

// Library provides decoded voice buffers.
type Library interface {
	EnsureLoaded()
	Loaded() bool
	Buffer(id string) (*samples.Buffer, error)
}

// EventKind identifies what an Event reports.
type EventKind int

const (
	EventAnchored EventKind = iota
	EventScheduled
	EventVoiceUnavailable
	EventRejected
	EventLoopWrapped
)

func (k EventKind) String() string {
	switch k {
	case EventAnchored:
		return "anchored"
	case EventScheduled:
		return "scheduled"
	case EventVoiceUnavailable:
		return "voice-unavailable"
	case EventRejected:
		return "rejected"
	case EventLoopWrapped:
		return "loop-wrapped"
	}
	return fmt.Sprintf("EventKind(%d)", int(k))
}

// Event is reported to the OnEvent hook. Beat and Slot locate the trigger in
// the queue; At is its audio time.
type Event struct {
	Kind  EventKind
	Voice string
	Beat  int
	Slot  int
	At    float64
	Err   error
}

type Option func(*config)

type config struct {
	lookahead    time.Duration
	tickInterval time.Duration
	logger       *zap.Logger
	onEvent      func(Event)
}

// WithLookahead sets how far ahead of the clock events are scheduled.
func WithLookahead(d time.Duration) Option {
	return func(cfg *config) {
		cfg.lookahead = d
	}
}

// WithTickInterval sets the period Run ticks at.
func WithTickInterval(d time.Duration) Option {
	return func(cfg *config) {
		cfg.tickInterval = d
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(cfg *config) {
		if logger != nil {
			cfg.logger = logger
		}
	}
}

// WithOnEvent installs a hook for scheduling events. It is called with the
// scheduler lock held and must not call back into the Scheduler.
func WithOnEvent(fn func(Event)) Option {
	return func(cfg *config) {
		cfg.onEvent = fn
	}
}

// Scheduler owns the playback cursor and session anchor. All methods are
// safe for concurrent use.
type Scheduler struct {
	clock     Clock
	lib       Library
	ahead     time.Duration
	lookahead float64
	interval  time.Duration
	log       *zap.Logger
	onEvent   func(Event)

	mu            sync.Mutex
	queue         *pattern.Queue
	cursor        int
	nextEventTime float64
	startTime     float64
	anchored      bool
}

func New(clock Clock, lib Library, opts ...Option) (*Scheduler, error) {
	if clock == nil || lib == nil {
		return nil, errors.New("scheduler: clock and library are required")
	}
	cfg := config{
		lookahead:    DefaultLookahead,
		tickInterval: DefaultTickInterval,
		logger:       zap.NewNop(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.tickInterval <= 0 || cfg.lookahead <= cfg.tickInterval {
		return nil, fmt.Errorf("%w: lookahead %v, tick %v", ErrLookahead, cfg.lookahead, cfg.tickInterval)
	}
	return &Scheduler{
		clock:     clock,
		lib:       lib,
		ahead:     cfg.lookahead,
		lookahead: cfg.lookahead.Seconds(),
		interval:  cfg.tickInterval,
		log:       cfg.logger.Named("scheduler"),
		onEvent:   cfg.onEvent,
	}, nil
}

func (s *Scheduler) Lookahead() time.Duration { return s.ahead }

func (s *Scheduler) TickInterval() time.Duration { return s.interval }

// SetQueue hands the scheduler a new queue. Events already scheduled keep
// their times; the new queue's timing applies from the next beat boundary.
func (s *Scheduler) SetQueue(q *pattern.Queue) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue = q
}

func (s *Scheduler) Queue() *pattern.Queue {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue
}

// Stop ends the session: the anchor is cleared and the cursor rewinds, so
// the next tick starts again from beat 0. One-shots already handed to the
// clock still play.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.anchored = false
	s.startTime = 0
	s.nextEventTime = 0
	s.cursor = 0
}

func (s *Scheduler) Cursor() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor
}

// NextEventTime returns the audio time of the next beat's first slot and
// whether a session is anchored.
func (s *Scheduler) NextEventTime() (float64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextEventTime, s.anchored
}

func (s *Scheduler) Anchored() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.anchored
}

// StartTime returns the session anchor and whether one is set.
func (s *Scheduler) StartTime() (float64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startTime, s.anchored
}

// Tick schedules every event due before Now()+lookahead. It is a no-op while
// the clock is inactive, the samples are still loading, or no queue is set.
// Failures are reported through events and logs; Tick never fails.
func (s *Scheduler) Tick() {
	if !s.clock.Ready() {
		return
	}
	s.lib.EnsureLoaded()
	if !s.lib.Loaded() {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	q := s.queue
	if q.Len() == 0 {
		return
	}
	if s.cursor >= q.Len() {
		// The queue shrank under an active session. The pattern starts over
		// at the next beat time; the session timeline never moves back.
		s.log.Warn("cursor outside queue, wrapping to first beat",
			zap.Int("cursor", s.cursor),
			zap.Int("beats", q.Len()))
		s.cursor = 0
	}

	now := s.clock.Now()
	horizon := now + s.lookahead
	fresh := !s.anchored
	if fresh {
		s.startTime = horizon
		s.nextEventTime = horizon
		s.anchored = true
		s.emit(Event{Kind: EventAnchored, At: horizon})
		s.log.Debug("session anchored", zap.Float64("start", horizon))
	}

	// The anchor sits exactly on the horizon, so a fresh session always
	// schedules its first beat on the tick that anchors it.
	for fresh || s.nextEventTime < horizon {
		fresh = false
		beat := q.Beats[s.cursor]
		slotDur := q.SlotDuration(s.cursor)
		for i, slot := range beat.SubBeats {
			at := s.nextEventTime + float64(i)*slotDur
			for _, id := range slot {
				s.trigger(id, s.cursor, i, at)
			}
		}
		s.nextEventTime += q.AdvanceDelta(s.cursor)
		s.cursor = q.NextIndex(s.cursor)
		if s.cursor == 0 {
			s.emit(Event{Kind: EventLoopWrapped, At: s.nextEventTime})
		}
	}
}

func (s *Scheduler) trigger(id string, beat, slot int, at float64) {
	ev := Event{Voice: id, Beat: beat, Slot: slot, At: at}
	buf, err := s.lib.Buffer(id)
	if err != nil {
		ev.Kind, ev.Err = EventVoiceUnavailable, err
		s.log.Warn("voice unavailable, skipping hit",
			zap.String("voice", id),
			zap.Int("beat", beat),
			zap.Float64("at", at),
			zap.Error(err))
		s.emit(ev)
		return
	}
	if err := s.clock.ScheduleOneShot(buf, at); err != nil {
		ev.Kind, ev.Err = EventRejected, err
		s.log.Warn("clock rejected hit",
			zap.String("voice", id),
			zap.Float64("at", at),
			zap.Error(err))
		s.emit(ev)
		return
	}
	ev.Kind = EventScheduled
	s.emit(ev)
}

func (s *Scheduler) emit(ev Event) {
	if s.onEvent != nil {
		s.onEvent(ev)
	}
}

// Run ticks at the configured interval until ctx is done. The first tick
// runs immediately.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	s.Tick()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick()
		}
	}
}
