// Package transport runs playback: it owns the edited grid and tempo, keeps
// the scheduler's queue in sync with them, and drives both the scheduler tick
// and the display-only play-head on their own goroutines.
package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/cbegin/beatgrid-go/internal/pattern"
	"github.com/cbegin/beatgrid-go/internal/scheduler"
)

var ErrNotPlaying = errors.New("transport not playing")

// Clearer drops one-shots that were scheduled but have not finished playing.
type Clearer interface {
	Clear() int
}

type Option func(*Transport)

func WithLogger(logger *zap.Logger) Option {
	return func(t *Transport) {
		if logger != nil {
			t.log = logger
		}
	}
}

// WithOnPlayHead installs a hook called from the play-head goroutine with
// every new position.
func WithOnPlayHead(fn func(int)) Option {
	return func(t *Transport) {
		t.onPlayHead = fn
	}
}

// WithClearer sets what Panic silences.
func WithClearer(c Clearer) Option {
	return func(t *Transport) {
		t.clearer = c
	}
}

type Transport struct {
	sched      *scheduler.Scheduler
	clearer    Clearer
	log        *zap.Logger
	onPlayHead func(int)

	mu     sync.Mutex
	grid   *pattern.Grid
	tempo  pattern.Tempo
	cancel context.CancelFunc
	group  *errgroup.Group
	retune chan time.Duration

	head  atomic.Int64
	total atomic.Int64
}

// New builds the first queue from grid and tempo and hands it to sched. The
// grid is copied.
func New(sched *scheduler.Scheduler, grid *pattern.Grid, tempo pattern.Tempo, opts ...Option) (*Transport, error) {
	if sched == nil {
		return nil, errors.New("transport: nil scheduler")
	}
	t := &Transport{
		sched: sched,
		log:   zap.NewNop(),
		grid:  grid.Clone(),
		tempo: tempo,
	}
	for _, opt := range opts {
		opt(t)
	}
	t.log = t.log.Named("transport")
	if err := t.rebuildLocked(); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *Transport) rebuildLocked() error {
	q, err := t.grid.Queue(t.tempo)
	if err != nil {
		return err
	}
	t.sched.SetQueue(q)
	t.total.Store(int64(t.tempo.BeatsPerLoop()))
	if t.head.Load() >= t.total.Load() {
		t.head.Store(0)
	}
	return nil
}

// Start begins playback. The scheduler and the play-head run until Stop or
// until ctx is done. Starting a running transport is a no-op.
func (t *Transport) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancel != nil {
		return nil
	}
	ctx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(ctx)
	retune := make(chan time.Duration, 1)
	interval := t.tempo.BeatInterval()

	t.head.Store(0)
	g.Go(func() error {
		t.sched.Run(gctx)
		return nil
	})
	g.Go(func() error {
		t.runPlayHead(gctx, interval, retune)
		return nil
	})
	t.cancel, t.group, t.retune = cancel, g, retune
	t.log.Info("playback started",
		zap.Float64("bpm", t.tempo.BPM),
		zap.Int("beats", t.tempo.BeatsPerLoop()))
	return nil
}

func (t *Transport) runPlayHead(ctx context.Context, interval time.Duration, retune <-chan time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case d := <-retune:
			ticker.Reset(d)
		case <-ticker.C:
			pos := NextPlayHead(int(t.head.Load()), int(t.total.Load()))
			t.head.Store(int64(pos))
			if t.onPlayHead != nil {
				t.onPlayHead(pos)
			}
		}
	}
}

// Stop ends playback and rewinds to the first beat. One-shots already handed
// to the audio clock still sound, up to one lookahead window of audio; use
// Panic to cut them off.
func (t *Transport) Stop() error {
	t.mu.Lock()
	cancel, g := t.cancel, t.group
	t.cancel, t.group, t.retune = nil, nil, nil
	t.mu.Unlock()
	if cancel == nil {
		return ErrNotPlaying
	}
	cancel()
	err := g.Wait()
	t.sched.Stop()
	t.head.Store(0)
	t.log.Info("playback stopped")
	return err
}

// Panic stops playback and silences everything still pending. It returns
// the number of one-shots dropped.
func (t *Transport) Panic() int {
	if err := t.Stop(); err != nil && !errors.Is(err, ErrNotPlaying) {
		t.log.Warn("stop failed", zap.Error(err))
	}
	if t.clearer == nil {
		return 0
	}
	n := t.clearer.Clear()
	t.log.Info("panic", zap.Int("dropped", n))
	return n
}

func (t *Transport) Playing() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cancel != nil
}

// SetTempo swaps in a queue for the new tempo. Beats already scheduled keep
// their times, so the change is heard from the next beat boundary.
func (t *Transport) SetTempo(tempo pattern.Tempo) error {
	if err := tempo.Validate(); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	prev := t.tempo
	t.tempo = tempo
	if err := t.rebuildLocked(); err != nil {
		t.tempo = prev
		return fmt.Errorf("set tempo: %w", err)
	}
	if t.retune != nil {
		// Only the latest interval matters; drop one still pending.
		select {
		case <-t.retune:
		default:
		}
		t.retune <- tempo.BeatInterval()
	}
	t.log.Debug("tempo changed", zap.Float64("bpm", tempo.BPM))
	return nil
}

func (t *Transport) Tempo() pattern.Tempo {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.tempo
}

// SetGrid replaces the pattern. The grid is copied.
func (t *Transport) SetGrid(g *pattern.Grid) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	prev := t.grid
	t.grid = g.Clone()
	if err := t.rebuildLocked(); err != nil {
		t.grid = prev
		return fmt.Errorf("set grid: %w", err)
	}
	return nil
}

// Grid returns a copy of the current pattern.
func (t *Transport) Grid() *pattern.Grid {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.grid.Clone()
}

// Toggle flips one step and reschedules from the next beat.
func (t *Transport) Toggle(track, step int) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	on, err := t.grid.Toggle(track, step)
	if err != nil {
		return false, err
	}
	if err := t.rebuildLocked(); err != nil {
		_, _ = t.grid.Toggle(track, step)
		return false, err
	}
	return on, nil
}

// PlayHead is the beat the display should highlight, in [0, beats per loop).
func (t *Transport) PlayHead() int { return int(t.head.Load()) }

// NextPlayHead advances a display position by one beat, wrapping at total.
func NextPlayHead(pos, total int) int {
	return pattern.NextIndex(pos, total)
}
