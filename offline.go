package beatgrid

import (
	"errors"
	"fmt"
	"io"
	"math"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"

	intaudio "github.com/cbegin/beatgrid-go/internal/audio"
	"github.com/cbegin/beatgrid-go/internal/effects"
	"github.com/cbegin/beatgrid-go/internal/pattern"
	"github.com/cbegin/beatgrid-go/internal/samples"
	"github.com/cbegin/beatgrid-go/internal/scheduler"
)

var ErrSamplesNotLoaded = errors.New("samples not loaded")

type RenderOption func(*renderConfig)

type renderConfig struct {
	bus          effects.BusSettings
	gain         float32
	tickInterval time.Duration
	lookahead    time.Duration
}

func WithRenderBus(s effects.BusSettings) RenderOption {
	return func(cfg *renderConfig) {
		cfg.bus = s
	}
}

func WithRenderGain(gain float32) RenderOption {
	return func(cfg *renderConfig) {
		cfg.gain = gain
	}
}

// WithRenderTiming sets the scheduler timing used while rendering. Offline
// output is identical for any valid pair; it exists to exercise them.
func WithRenderTiming(lookahead, tick time.Duration) RenderOption {
	return func(cfg *renderConfig) {
		cfg.lookahead = lookahead
		cfg.tickInterval = tick
	}
}

// endClock drops hits at or past the end of the last rendered loop.
type endClock struct {
	*intaudio.Mixer
	end float64
}

func (c *endClock) ScheduleOneShot(buf *samples.Buffer, at float64) error {
	if at >= c.end-1e-9 {
		return nil
	}
	return c.Mixer.ScheduleOneShot(buf, at)
}

// RenderLoops plays grid for the given number of loops through the real
// scheduler, ticking it between fixed render blocks, and returns interleaved
// stereo samples. The output starts on the first beat and keeps the tail of
// the last hits. lib must already be loaded.
func RenderLoops(grid *pattern.Grid, tempo pattern.Tempo, lib scheduler.Library, sampleRate, loops int, opts ...RenderOption) ([]float32, error) {
	if loops <= 0 {
		return nil, fmt.Errorf("loop count must be positive, got %d", loops)
	}
	if !lib.Loaded() {
		return nil, ErrSamplesNotLoaded
	}
	cfg := renderConfig{
		gain:         1,
		tickInterval: scheduler.DefaultTickInterval,
		lookahead:    scheduler.DefaultLookahead,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	q, err := grid.Queue(tempo)
	if err != nil {
		return nil, err
	}

	mixer := intaudio.NewMixer(sampleRate,
		intaudio.WithBus(effects.NewBus(sampleRate, cfg.bus)),
		intaudio.WithGain(cfg.gain))
	clock := &endClock{Mixer: mixer, end: math.Inf(1)}
	sched, err := scheduler.New(clock, lib,
		scheduler.WithLookahead(cfg.lookahead),
		scheduler.WithTickInterval(cfg.tickInterval))
	if err != nil {
		return nil, err
	}
	sched.SetQueue(q)

	sched.Tick()
	start, _ := sched.StartTime()
	clock.end = start + float64(loops)*q.LoopDuration

	var tail float64
	for _, id := range q.Voices() {
		if buf, err := lib.Buffer(id); err == nil {
			tail = max(tail, buf.Duration().Seconds())
		}
	}
	first := int64(math.Round(start * float64(sampleRate)))
	last := int64(math.Round((clock.end + tail) * float64(sampleRate)))

	block := make([]float32, max(1, int(cfg.tickInterval.Seconds()*float64(sampleRate)))*2)
	out := make([]float32, 0, (last+int64(len(block)/2))*2)
	rendered := int64(0)
	for rendered < last {
		mixer.Process(block)
		out = append(out, block...)
		rendered += int64(len(block) / 2)
		sched.Tick()
	}
	return out[first*2 : last*2], nil
}

// ExportWAV writes interleaved stereo samples as 16-bit PCM.
func ExportWAV(w io.WriteSeeker, data []float32, sampleRate int) error {
	ints := make([]int, len(data))
	for i, s := range data {
		s = max(-1, min(1, s))
		ints[i] = int(math.Round(float64(s) * math.MaxInt16))
	}
	enc := wav.NewEncoder(w, sampleRate, 16, 2, 1)
	buf := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: 2, SampleRate: sampleRate},
		Data:           ints,
		SourceBitDepth: 16,
	}
	if err := enc.Write(buf); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	return enc.Close()
}
