package effects

import "math"

// Compressor is a feed-forward peak compressor that glues layered hits
// together on the drum bus.
type Compressor struct {
	threshold float32
	ratio     float32
	attack    float32 // coefficient
	release   float32 // coefficient
	makeupDB  float32
	makeup    float32
	envL      float32
	envR      float32
}

// NewCompressor creates a compressor. Threshold and makeup are in dB, attack
// and release in milliseconds. Non-positive times mean an instant envelope.
func NewCompressor(sampleRate int, thresholdDB, ratio, attackMs, releaseMs, makeupDB float32) *Compressor {
	sr := float64(sampleRate)
	return &Compressor{
		threshold: dbToGain(thresholdDB),
		ratio:     ratio,
		attack:    envelopeCoeff(attackMs, sr),
		release:   envelopeCoeff(releaseMs, sr),
		makeupDB:  makeupDB,
		makeup:    dbToGain(makeupDB),
	}
}

func dbToGain(db float32) float32 {
	return float32(math.Pow(10, float64(db)/20))
}

func envelopeCoeff(ms float32, sampleRate float64) float32 {
	if ms <= 0 {
		return 1
	}
	return float32(1.0 - math.Exp(-1.0/(float64(ms)*sampleRate/1000.0)))
}

func (c *Compressor) Process(l, r float32) (float32, float32) {
	absL := float32(math.Abs(float64(l)))
	absR := float32(math.Abs(float64(r)))
	c.envL = c.follow(c.envL, absL)
	c.envR = c.follow(c.envR, absR)
	// Linked stereo: both channels take the deeper reduction so the image
	// does not shift on one-sided hits.
	gain := c.computeGain(max(c.envL, c.envR))
	return l * gain * c.makeup, r * gain * c.makeup
}

func (c *Compressor) follow(env, in float32) float32 {
	if in > env {
		return env + c.attack*(in-env)
	}
	return env + c.release*(in-env)
}

func (c *Compressor) computeGain(env float32) float32 {
	if env <= c.threshold || c.threshold <= 0 {
		return 1.0
	}
	over := env / c.threshold
	return float32(math.Pow(float64(over), float64(1.0/c.ratio-1)))
}

func (c *Compressor) Reset() {
	c.envL = 0
	c.envR = 0
}
