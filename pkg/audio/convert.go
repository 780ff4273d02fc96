package audio

import (
	"encoding/binary"
	"log/slog"
	"sync"
)

// Resampler changes the sample rate of mono 16-bit audio. Implementations
// must be pure: the input slice is never modified.
type Resampler interface {
	Resample(samples []int16, srcRate, dstRate int) []int16
}

// PairwiseResampler handles exact 2x ratios with the cheapest possible
// filters: upsampling inserts the average of each neighbouring pair and
// downsampling keeps every other sample. It is not bandlimited. Ratios other
// than 1x and 2x fall back to [LinearResampler].
type PairwiseResampler struct{}

// Resample implements [Resampler].
func (PairwiseResampler) Resample(samples []int16, srcRate, dstRate int) []int16 {
	switch {
	case srcRate <= 0 || dstRate <= 0 || srcRate == dstRate:
		return samples
	case dstRate == srcRate*2:
		return Upsample2x(samples)
	case srcRate == dstRate*2:
		return Downsample2x(samples)
	}
	return LinearResampler{}.Resample(samples, srcRate, dstRate)
}

// LinearResampler converts between arbitrary rates with linear interpolation.
type LinearResampler struct{}

// Resample implements [Resampler].
func (LinearResampler) Resample(samples []int16, srcRate, dstRate int) []int16 {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate || len(samples) == 0 {
		return samples
	}
	dstLen := int(int64(len(samples)) * int64(dstRate) / int64(srcRate))
	if dstLen == 0 {
		return nil
	}

	out := make([]int16, dstLen)
	ratio := float64(srcRate) / float64(dstRate)
	for i := range dstLen {
		pos := float64(i) * ratio
		idx := int(pos)
		frac := pos - float64(idx)

		s0 := samples[idx]
		s1 := s0
		if idx+1 < len(samples) {
			s1 = samples[idx+1]
		}
		out[i] = int16(float64(s0)*(1-frac) + float64(s1)*frac)
	}
	return out
}

// Upsample2x doubles the sample count: dst[2i] = src[i] and dst[2i+1] is the
// mean of src[i] and src[i+1]. The last sample is duplicated.
func Upsample2x(samples []int16) []int16 {
	out := make([]int16, len(samples)*2)
	for i, s := range samples {
		next := s
		if i+1 < len(samples) {
			next = samples[i+1]
		}
		out[2*i] = s
		out[2*i+1] = int16((int32(s) + int32(next)) / 2)
	}
	return out
}

// Downsample2x keeps every even-indexed sample, producing floor(n/2) samples.
func Downsample2x(samples []int16) []int16 {
	out := make([]int16, len(samples)/2)
	for i := range out {
		out[i] = samples[2*i]
	}
	return out
}

// BytesToPCM16 unpacks little-endian int16 PCM. A trailing odd byte is ignored.
func BytesToPCM16(pcm []byte) []int16 {
	out := make([]int16, len(pcm)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(pcm[i*2:]))
	}
	return out
}

// PCM16ToBytes packs samples as little-endian int16 PCM.
func PCM16ToBytes(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

// FormatConverter converts AudioFrames to a target format by decoding to
// linear samples, resampling, and re-encoding. It logs a warning on the first
// format mismatch and on the first misaligned PCM frame.
// Create one per direction per call; not designed for shared use across goroutines.
type FormatConverter struct {
	Target Format

	// Resampler is used when rates differ. Nil means [PairwiseResampler].
	Resampler Resampler

	warnedMismatch sync.Once
	warnedCorrupt  sync.Once
}

// NewFormatConverter returns a converter to target using r (nil for the default).
func NewFormatConverter(target Format, r Resampler) *FormatConverter {
	return &FormatConverter{Target: target, Resampler: r}
}

// Convert converts a frame to the target format. If the source format already
// matches the target, the frame is returned unchanged (zero allocation).
// A PCM16 frame with an odd byte count is dropped and an empty frame returned.
func (c *FormatConverter) Convert(frame AudioFrame) AudioFrame {
	if frame.Encoding == EncodingPCM16 && len(frame.Data)%2 != 0 {
		c.warnedCorrupt.Do(func() {
			slog.Warn("audio format converter: odd byte count in PCM data, dropping frame",
				"bytes", len(frame.Data),
				"sampleRate", frame.SampleRate,
			)
		})
		return AudioFrame{SampleRate: c.Target.SampleRate, Encoding: c.Target.Encoding}
	}

	if frame.SampleRate == c.Target.SampleRate && frame.Encoding == c.Target.Encoding {
		return frame
	}

	c.warnedMismatch.Do(func() {
		slog.Debug("audio format mismatch: converting",
			"from", frame.Format().String(),
			"to", c.Target.String(),
		)
	})

	var samples []int16
	switch frame.Encoding {
	case EncodingMuLaw:
		samples = MuLawToPCM16(frame.Data)
	default:
		samples = BytesToPCM16(frame.Data)
	}

	if frame.SampleRate != c.Target.SampleRate {
		r := c.Resampler
		if r == nil {
			r = PairwiseResampler{}
		}
		samples = r.Resample(samples, frame.SampleRate, c.Target.SampleRate)
	}

	var data []byte
	switch c.Target.Encoding {
	case EncodingMuLaw:
		data = PCM16ToMuLaw(samples)
	default:
		data = PCM16ToBytes(samples)
	}

	return AudioFrame{
		Data:       data,
		SampleRate: c.Target.SampleRate,
		Encoding:   c.Target.Encoding,
	}
}
