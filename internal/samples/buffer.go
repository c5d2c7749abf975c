package samples

import (
	"errors"
	"fmt"
	"io"
	"math"
	"time"

	"github.com/go-audio/wav"
)

var ErrInvalidWAV = errors.New("invalid WAV data")

// Buffer is a decoded one-shot sample: interleaved stereo float32 at
// SampleRate. It is never modified after decoding.
type Buffer struct {
	SampleRate int
	Data       []float32
}

func (b *Buffer) Frames() int {
	if b == nil {
		return 0
	}
	return len(b.Data) / 2
}

func (b *Buffer) Duration() time.Duration {
	if b == nil || b.SampleRate <= 0 {
		return 0
	}
	return time.Duration(float64(b.Frames()) / float64(b.SampleRate) * float64(time.Second))
}

// DecodeWAV reads a PCM WAV stream and converts it to a stereo Buffer at
// sampleRate. Mono input is duplicated to both channels; channels beyond the
// second are dropped.
func DecodeWAV(r io.ReadSeeker, sampleRate int) (*Buffer, error) {
	d := wav.NewDecoder(r)
	if !d.IsValidFile() {
		return nil, ErrInvalidWAV
	}
	pcm, err := d.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("decode pcm: %w", err)
	}
	if pcm == nil || pcm.Format == nil || pcm.Format.NumChannels <= 0 {
		return nil, fmt.Errorf("%w: missing format", ErrInvalidWAV)
	}
	bitDepth := int(d.SampleBitDepth())
	if bitDepth <= 0 {
		return nil, fmt.Errorf("%w: unknown bit depth", ErrInvalidWAV)
	}
	scale := float32(math.Pow(2, float64(bitDepth-1)))
	// 8-bit PCM is unsigned with silence at 128.
	offset := 0
	if bitDepth == 8 {
		offset = 128
	}
	channels := pcm.Format.NumChannels
	frames := len(pcm.Data) / channels
	stereo := make([]float32, frames*2)
	for i := 0; i < frames; i++ {
		l := float32(pcm.Data[i*channels]-offset) / scale
		r := l
		if channels > 1 {
			r = float32(pcm.Data[i*channels+1]-offset) / scale
		}
		stereo[i*2] = l
		stereo[i*2+1] = r
	}
	srcRate := pcm.Format.SampleRate
	if srcRate <= 0 {
		return nil, fmt.Errorf("%w: sample rate %d", ErrInvalidWAV, srcRate)
	}
	if sampleRate > 0 && srcRate != sampleRate {
		stereo = resample(stereo, srcRate, sampleRate)
		srcRate = sampleRate
	}
	return &Buffer{SampleRate: srcRate, Data: stereo}, nil
}

// resample converts interleaved stereo data with linear interpolation.
func resample(in []float32, from, to int) []float32 {
	inFrames := len(in) / 2
	if inFrames == 0 {
		return nil
	}
	ratio := float64(from) / float64(to)
	outFrames := int(math.Ceil(float64(inFrames) / ratio))
	out := make([]float32, outFrames*2)
	for i := 0; i < outFrames; i++ {
		pos := float64(i) * ratio
		j := int(pos)
		frac := float32(pos - float64(j))
		k := j + 1
		if k >= inFrames {
			k = inFrames - 1
		}
		if j >= inFrames {
			j = inFrames - 1
		}
		out[i*2] = in[j*2] + (in[k*2]-in[j*2])*frac
		out[i*2+1] = in[j*2+1] + (in[k*2+1]-in[j*2+1])*frac
	}
	return out
}
