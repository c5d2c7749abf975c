package audio

import (
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/cbegin/beatgrid-go/internal/effects"
	"github.com/cbegin/beatgrid-go/internal/samples"
)

var (
	ErrPastDeadline = errors.New("start time already rendered")
	ErrNoBuffer     = errors.New("no sample buffer")
	ErrSampleRate   = errors.New("sample rate mismatch")
)

type MixerOption func(*Mixer)

// WithBus installs a master effect chain run after mixing.
func WithBus(bus *effects.Chain) MixerOption {
	return func(m *Mixer) {
		m.bus = bus
	}
}

// WithGain sets the master output gain. 1.0 is unity.
func WithGain(gain float32) MixerOption {
	return func(m *Mixer) {
		if gain >= 0 {
			m.gain = gain
		}
	}
}

type oneShot struct {
	start int64
	buf   *samples.Buffer
}

// Mixer is the audio clock: time is the number of frames rendered so far,
// and one-shots start on the exact frame they were scheduled for, however
// coarsely ScheduleOneShot is called.
type Mixer struct {
	sampleRate int

	mu     sync.Mutex
	pos    int64
	voices []oneShot
	bus    *effects.Chain
	gain   float32
}

func NewMixer(sampleRate int, opts ...MixerOption) *Mixer {
	m := &Mixer{sampleRate: sampleRate, gain: 1}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Mixer) SampleRate() int { return m.sampleRate }

// Ready is always true: a mixer renders whenever it is pulled.
func (m *Mixer) Ready() bool { return true }

// Now returns the audio time in seconds of the next frame to be rendered.
func (m *Mixer) Now() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return float64(m.pos) / float64(m.sampleRate)
}

// ScheduleOneShot plays buf once starting at audio time at. A start frame
// that has already been rendered is rejected with ErrPastDeadline.
func (m *Mixer) ScheduleOneShot(buf *samples.Buffer, at float64) error {
	if buf == nil || buf.Frames() == 0 {
		return ErrNoBuffer
	}
	if buf.SampleRate != m.sampleRate {
		return fmt.Errorf("%w: buffer %d Hz, mixer %d Hz", ErrSampleRate, buf.SampleRate, m.sampleRate)
	}
	start := int64(math.Round(at * float64(m.sampleRate)))
	m.mu.Lock()
	defer m.mu.Unlock()
	if start < m.pos {
		return fmt.Errorf("%w: frame %d, now %d", ErrPastDeadline, start, m.pos)
	}
	m.voices = append(m.voices, oneShot{start: start, buf: buf})
	return nil
}

// Pending returns the number of one-shots waiting to start or still sounding.
func (m *Mixer) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.voices)
}

// Clear drops every pending and sounding one-shot and returns how many were
// dropped. The clock keeps running.
func (m *Mixer) Clear() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := len(m.voices)
	m.voices = m.voices[:0]
	if m.bus != nil {
		m.bus.Reset()
	}
	return n
}

// Process renders len(dst)/2 interleaved stereo frames and advances the clock.
func (m *Mixer) Process(dst []float32) {
	frames := int64(len(dst) / 2)
	clear(dst)

	m.mu.Lock()
	defer m.mu.Unlock()
	end := m.pos + frames
	kept := m.voices[:0]
	for _, v := range m.voices {
		if v.start < end {
			m.mixLocked(dst, v, end)
		}
		if v.start+int64(v.buf.Frames()) > end {
			kept = append(kept, v)
		}
	}
	clear(m.voices[len(kept):])
	m.voices = kept
	m.pos = end

	m.bus.ProcessBuffer(dst)
	for i, s := range dst {
		s *= m.gain
		if s > 1 {
			s = 1
		} else if s < -1 {
			s = -1
		}
		dst[i] = s
	}
}

func (m *Mixer) mixLocked(dst []float32, v oneShot, end int64) {
	from := max(v.start, m.pos)
	to := min(v.start+int64(v.buf.Frames()), end)
	for f := from; f < to; f++ {
		i := (f - m.pos) * 2
		j := (f - v.start) * 2
		dst[i] += v.buf.Data[j]
		dst[i+1] += v.buf.Data[j+1]
	}
}
