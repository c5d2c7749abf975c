// Package effects holds the master bus processing applied to the mixed
// drum output.
package effects

// Effector processes one stereo frame.
type Effector interface {
	Process(l, r float32) (float32, float32)
	Reset()
}

// Chain applies effects in insertion order.
type Chain struct {
	effects []Effector
}

func NewChain(effects ...Effector) *Chain {
	return &Chain{effects: effects}
}

func (c *Chain) Add(e Effector) {
	c.effects = append(c.effects, e)
}

func (c *Chain) Len() int { return len(c.effects) }

// ProcessBuffer runs every interleaved stereo frame of buf through the chain.
func (c *Chain) ProcessBuffer(buf []float32) {
	if c == nil || len(c.effects) == 0 {
		return
	}
	for i := 0; i+1 < len(buf); i += 2 {
		l, r := buf[i], buf[i+1]
		for _, e := range c.effects {
			l, r = e.Process(l, r)
		}
		buf[i], buf[i+1] = l, r
	}
}

func (c *Chain) Reset() {
	for _, e := range c.effects {
		e.Reset()
	}
}

// CompressorSettings configures the bus compressor.
type CompressorSettings struct {
	ThresholdDB float32 `yaml:"thresholdDB"`
	Ratio       float32 `yaml:"ratio"`
	AttackMs    float32 `yaml:"attackMs"`
	ReleaseMs   float32 `yaml:"releaseMs"`
	MakeupDB    float32 `yaml:"makeupDB"`
}

// BusSettings describes the master bus. A nil section disables that stage.
type BusSettings struct {
	Compressor *CompressorSettings `yaml:"compressor,omitempty"`
	EQ         []float32           `yaml:"eq,omitempty"` // up to 5 band gains, 1.0 = unity
}

// NewBus builds the master chain: EQ first, then compression. It returns nil
// when no stage is enabled.
func NewBus(sampleRate int, s BusSettings) *Chain {
	chain := NewChain()
	if len(s.EQ) > 0 {
		eq := NewEQ5Band(sampleRate)
		for band, g := range s.EQ {
			eq.SetGain(band, g)
		}
		chain.Add(eq)
	}
	if c := s.Compressor; c != nil {
		ratio := c.Ratio
		if ratio < 1 {
			ratio = 1
		}
		chain.Add(NewCompressor(sampleRate, c.ThresholdDB, ratio, c.AttackMs, c.ReleaseMs, c.MakeupDB))
	}
	if chain.Len() == 0 {
		return nil
	}
	return chain
}
