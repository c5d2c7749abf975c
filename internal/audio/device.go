package audio

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	ebitaudio "github.com/hajimehoshi/ebiten/v2/audio"
	"go.uber.org/zap"

	"github.com/cbegin/beatgrid-go/internal/samples"
)

var (
	ErrNotReady = errors.New("audio device not activated")
	ErrClosed   = errors.New("audio device closed")
)

// State is the activation state of a Device.
type State int32

const (
	Uninitialized State = iota
	Ready
	Closed
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Ready:
		return "ready"
	case Closed:
		return "closed"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

var (
	audioContextOnce sync.Once
	audioContext     *ebitaudio.Context
	audioSampleRate  int
)

// sharedAudioContext returns the process-wide ebiten context. ebiten allows a
// single context, so every device must agree on the sample rate.
func sharedAudioContext(sampleRate int) (*ebitaudio.Context, error) {
	audioContextOnce.Do(func() {
		audioSampleRate = sampleRate
		audioContext = ebitaudio.NewContext(sampleRate)
	})
	if audioSampleRate != sampleRate {
		return nil, fmt.Errorf("audio context already initialized at %d Hz (requested %d Hz)", audioSampleRate, sampleRate)
	}
	return audioContext, nil
}

type DeviceOption func(*Device)

// WithBufferSize sets the output buffer length. Smaller buffers lower the
// delay between the mixer clock and what is heard.
func WithBufferSize(d time.Duration) DeviceOption {
	return func(dev *Device) {
		dev.bufferSize = d
	}
}

func WithLogger(logger *zap.Logger) DeviceOption {
	return func(dev *Device) {
		if logger != nil {
			dev.log = logger
		}
	}
}

// Device plays a Mixer through the system audio output. It starts
// Uninitialized and opens nothing until Activate, which the UI calls in
// response to a user action.
type Device struct {
	mixer      *Mixer
	bufferSize time.Duration
	log        *zap.Logger

	state  atomic.Int32
	mu     sync.Mutex
	player *ebitaudio.Player
}

func NewDevice(mixer *Mixer, opts ...DeviceOption) *Device {
	d := &Device{
		mixer:      mixer,
		bufferSize: 20 * time.Millisecond,
		log:        zap.NewNop(),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.log = d.log.Named("audio")
	return d
}

func (d *Device) Mixer() *Mixer { return d.mixer }

func (d *Device) State() State { return State(d.state.Load()) }

func (d *Device) Ready() bool { return d.State() == Ready }

// Activate opens the output stream and starts pulling from the mixer.
// Calling it on a ready device is a no-op.
func (d *Device) Activate() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	switch d.State() {
	case Ready:
		return nil
	case Closed:
		return ErrClosed
	}
	ctx, err := sharedAudioContext(d.mixer.SampleRate())
	if err != nil {
		return err
	}
	pl, err := ctx.NewPlayerF32(NewStreamReader(d.mixer))
	if err != nil {
		return fmt.Errorf("open audio player: %w", err)
	}
	if d.bufferSize > 0 {
		pl.SetBufferSize(d.bufferSize)
	}
	pl.Play()
	d.player = pl
	d.state.Store(int32(Ready))
	d.log.Info("audio output active",
		zap.Int("sampleRate", d.mixer.SampleRate()),
		zap.Duration("bufferSize", d.bufferSize))
	return nil
}

// Now is the mixer clock; it stays at zero until the device is activated.
func (d *Device) Now() float64 { return d.mixer.Now() }

func (d *Device) ScheduleOneShot(buf *samples.Buffer, at float64) error {
	if !d.Ready() {
		return ErrNotReady
	}
	return d.mixer.ScheduleOneShot(buf, at)
}

// Position returns what the listener actually hears, behind Now by the
// output buffering.
func (d *Device) Position() time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.player == nil {
		return 0
	}
	return d.player.Position()
}

func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.State() == Closed {
		return nil
	}
	d.state.Store(int32(Closed))
	if d.player == nil {
		return nil
	}
	d.player.Pause()
	err := d.player.Close()
	d.player = nil
	return err
}
