package effects

import (
	"math"
	"sync/atomic"
)

const eqBands = 5

// drumCrossovers split the bus into kick sub, kick body, snare body, snare
// crack and cymbals.
var drumCrossovers = [eqBands - 1]float64{60, 250, 1500, 6000}

// crossover is a one-pole lowpass per channel. What it passes is one band;
// the residue feeds the next crossover up.
type crossover struct {
	alpha float32
	state [2]float32
}

func newCrossover(freq float64, sampleRate int) crossover {
	w := 2 * math.Pi * freq / float64(sampleRate)
	return crossover{alpha: float32(w / (1 + w))}
}

func (c *crossover) split(ch int, in float32) (band, rest float32) {
	c.state[ch] += c.alpha * (in - c.state[ch])
	return c.state[ch], in - c.state[ch]
}

// EQ5Band is the drum bus equalizer. The bands always sum back to the input,
// so unity gains are transparent. Gains are bit-cast float32 so the audio
// thread reads them without locks.
type EQ5Band struct {
	gains [eqBands]atomic.Uint32
	xover [eqBands - 1]crossover
}

// NewEQ5Band creates a 5-band EQ with all gains at unity.
func NewEQ5Band(sampleRate int) *EQ5Band {
	eq := &EQ5Band{}
	for i, f := range drumCrossovers {
		eq.xover[i] = newCrossover(f, sampleRate)
	}
	for band := 0; band < eqBands; band++ {
		eq.SetGain(band, 1)
	}
	return eq
}

// SetGain sets the linear gain of band 0-4. Out-of-range bands are ignored.
func (eq *EQ5Band) SetGain(band int, gain float32) {
	if band < 0 || band >= eqBands {
		return
	}
	eq.gains[band].Store(math.Float32bits(gain))
}

// Gain returns the gain of band 0-4, or unity for any other band.
func (eq *EQ5Band) Gain(band int) float32 {
	if band < 0 || band >= eqBands {
		return 1
	}
	return math.Float32frombits(eq.gains[band].Load())
}

func (eq *EQ5Band) Process(l, r float32) (float32, float32) {
	return eq.channel(0, l), eq.channel(1, r)
}

func (eq *EQ5Band) channel(ch int, in float32) float32 {
	var out float32
	rest := in
	for i := range eq.xover {
		var band float32
		band, rest = eq.xover[i].split(ch, rest)
		out += band * eq.Gain(i)
	}
	return out + rest*eq.Gain(eqBands-1)
}

func (eq *EQ5Band) Reset() {
	for i := range eq.xover {
		eq.xover[i].state = [2]float32{}
	}
}
