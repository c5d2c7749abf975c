// Package beatgrid is a step-sequencer drum machine. A Machine loads a sample
// kit, turns an editable step grid into a timed queue and plays it through a
// lookahead scheduler against the audio output clock.
package beatgrid

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	intaudio "github.com/cbegin/beatgrid-go/internal/audio"
	"github.com/cbegin/beatgrid-go/internal/config"
	"github.com/cbegin/beatgrid-go/internal/effects"
	"github.com/cbegin/beatgrid-go/internal/pattern"
	"github.com/cbegin/beatgrid-go/internal/samples"
	"github.com/cbegin/beatgrid-go/internal/scheduler"
	"github.com/cbegin/beatgrid-go/internal/store"
	"github.com/cbegin/beatgrid-go/internal/transport"
)

// EventKind identifies a machine event delivered through Watch.
type EventKind int

const (
	EventStarted EventKind = iota
	EventStopped
	EventPlayHead
	EventLoopCompleted
	EventVoiceUnavailable
	EventRejected
	EventLoadFailed
)

// Event carries playback state from Watch. PlayHead is set for
// EventPlayHead; Voice and Err for the failure kinds.
type Event struct {
	Kind     EventKind
	PlayHead int
	Voice    string
	At       float64
	Err      error
}

type MachineOption func(*machineConfig)

type machineConfig struct {
	logger *zap.Logger
	source samples.Source
	noSave bool
}

func WithLogger(logger *zap.Logger) MachineOption {
	return func(cfg *machineConfig) {
		cfg.logger = logger
	}
}

// WithSource overrides where samples are read from. The default reads the
// config's kit directory.
func WithSource(src samples.Source) MachineOption {
	return func(cfg *machineConfig) {
		cfg.source = src
	}
}

// WithoutPersistence keeps edits in memory even when a pattern file is set.
// The saved pattern is still loaded.
func WithoutPersistence() MachineOption {
	return func(cfg *machineConfig) {
		cfg.noSave = true
	}
}

type Machine struct {
	log       *zap.Logger
	lib       *samples.Library
	mixer     *intaudio.Mixer
	device    *intaudio.Device
	sched     *scheduler.Scheduler
	transport *transport.Transport
	store     *store.Store
	noSave    bool

	mu        sync.Mutex
	eventCh   chan Event
	eventChMu sync.Mutex
}

func NewMachine(cfg *config.Config, opts ...MachineOption) (*Machine, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	mc := machineConfig{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(&mc)
	}
	if mc.logger == nil {
		mc.logger = zap.NewNop()
	}
	if mc.source == nil {
		mc.source = samples.DirSource{Root: cfg.Kit.Dir}
	}

	m := &Machine{log: mc.logger, noSave: mc.noSave}
	sr := cfg.Audio.SampleRate
	lib, err := samples.NewLibrary(mc.source, cfg.Kit.Voices,
		samples.WithSampleRate(sr),
		samples.WithLogger(mc.logger),
		samples.WithOnLoadError(func(le *samples.LoadError) {
			m.sendEvent(Event{Kind: EventLoadFailed, Voice: le.Voice, Err: le})
		}))
	if err != nil {
		return nil, err
	}
	m.lib = lib
	m.mixer = intaudio.NewMixer(sr,
		intaudio.WithBus(effects.NewBus(sr, cfg.Bus)),
		intaudio.WithGain(cfg.Audio.Gain))
	m.device = intaudio.NewDevice(m.mixer,
		intaudio.WithBufferSize(cfg.Audio.BufferSize),
		intaudio.WithLogger(mc.logger))

	schedOpts := append(cfg.SchedulerOptions(),
		scheduler.WithLogger(mc.logger),
		scheduler.WithOnEvent(m.onSchedulerEvent))
	m.sched, err = scheduler.New(m.device, lib, schedOpts...)
	if err != nil {
		return nil, err
	}

	grid, tempo := pattern.Scaffold(cfg.Tempo.Bars, cfg.Tempo.BeatsPerBar), cfg.Tempo
	if cfg.PatternFile != "" {
		m.store = store.New(cfg.PatternFile, store.WithLogger(mc.logger))
		if grid, tempo, err = m.store.Load(cfg.Tempo); err != nil {
			return nil, fmt.Errorf("load pattern: %w", err)
		}
	}
	m.transport, err = transport.New(m.sched, grid, tempo,
		transport.WithLogger(mc.logger),
		transport.WithClearer(m.mixer),
		transport.WithOnPlayHead(func(pos int) {
			m.sendEvent(Event{Kind: EventPlayHead, PlayHead: pos})
		}))
	if err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Machine) onSchedulerEvent(ev scheduler.Event) {
	switch ev.Kind {
	case scheduler.EventLoopWrapped:
		m.sendEvent(Event{Kind: EventLoopCompleted, At: ev.At})
	case scheduler.EventVoiceUnavailable:
		m.sendEvent(Event{Kind: EventVoiceUnavailable, Voice: ev.Voice, At: ev.At, Err: ev.Err})
	case scheduler.EventRejected:
		m.sendEvent(Event{Kind: EventRejected, Voice: ev.Voice, At: ev.At, Err: ev.Err})
	}
}

func (m *Machine) sendEvent(ev Event) {
	m.eventChMu.Lock()
	ch := m.eventCh
	m.eventChMu.Unlock()
	if ch != nil {
		select {
		case ch <- ev:
		default:
			// Receiver is behind; drop.
		}
	}
}

// Watch returns a channel of playback events. The channel is buffered and
// events are dropped when it is full, so receive in a goroutine. Only the most
// recent Watch channel receives events.
func (m *Machine) Watch() <-chan Event {
	ch := make(chan Event, 32)
	m.eventChMu.Lock()
	m.eventCh = ch
	m.eventChMu.Unlock()
	return ch
}

// Activate opens the audio output. Call it in response to a user action;
// until then Play fails with audio.ErrNotReady.
func (m *Machine) Activate() error {
	if err := m.device.Activate(); err != nil {
		return err
	}
	m.lib.EnsureLoaded()
	return nil
}

func (m *Machine) Ready() bool { return m.device.Ready() }

// LoadSamples loads the kit and waits for it. Play also starts loading, but
// without waiting; hits before the kit is ready are not scheduled.
func (m *Machine) LoadSamples(ctx context.Context) error {
	return m.lib.Load(ctx)
}

func (m *Machine) Play() error {
	if !m.device.Ready() {
		return intaudio.ErrNotReady
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.transport.Playing() {
		return nil
	}
	m.lib.EnsureLoaded()
	if err := m.transport.Start(context.Background()); err != nil {
		return err
	}
	m.sendEvent(Event{Kind: EventStarted})
	return nil
}

// Stop ends playback. Hits already scheduled inside the lookahead window
// still sound; use Panic to silence them too.
func (m *Machine) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	err := m.transport.Stop()
	if errors.Is(err, transport.ErrNotPlaying) {
		return nil
	}
	m.sendEvent(Event{Kind: EventStopped})
	return err
}

// Panic stops playback and drops every pending hit.
func (m *Machine) Panic() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	playing := m.transport.Playing()
	n := m.transport.Panic()
	if playing {
		m.sendEvent(Event{Kind: EventStopped})
	}
	return n
}

func (m *Machine) Playing() bool { return m.transport.Playing() }

func (m *Machine) SetTempo(t pattern.Tempo) error {
	if err := m.transport.SetTempo(t); err != nil {
		return err
	}
	return m.save()
}

// SetBPM changes only the speed, keeping the bar layout.
func (m *Machine) SetBPM(bpm float64) error {
	t := m.transport.Tempo()
	t.BPM = bpm
	return m.SetTempo(t)
}

func (m *Machine) Tempo() pattern.Tempo { return m.transport.Tempo() }

func (m *Machine) SetGrid(g *pattern.Grid) error {
	if err := m.transport.SetGrid(g); err != nil {
		return err
	}
	return m.save()
}

func (m *Machine) Grid() *pattern.Grid { return m.transport.Grid() }

// Toggle flips one step; the change is heard from the next beat.
func (m *Machine) Toggle(track, step int) (bool, error) {
	on, err := m.transport.Toggle(track, step)
	if err != nil {
		return false, err
	}
	return on, m.save()
}

func (m *Machine) PlayHead() int { return m.transport.PlayHead() }

// Queue returns the queue currently handed to the scheduler.
func (m *Machine) Queue() *pattern.Queue { return m.sched.Queue() }

// Library exposes the kit, e.g. for offline rendering.
func (m *Machine) Library() *samples.Library { return m.lib }

func (m *Machine) save() error {
	if m.store == nil || m.noSave {
		return nil
	}
	if err := m.store.Save(m.transport.Grid(), m.transport.Tempo()); err != nil {
		m.log.Warn("pattern not saved", zap.String("path", m.store.Path()), zap.Error(err))
		return fmt.Errorf("save pattern: %w", err)
	}
	return nil
}

// Close stops playback and releases the audio output.
func (m *Machine) Close() error {
	_ = m.Stop()
	return m.device.Close()
}
