package audio

// G.711 mu-law parameters.
const (
	muLawBias = 0x84
	muLawClip = 32635

	// MuLawSilence is the mu-law byte that decodes to a zero sample.
	MuLawSilence byte = 0xFF
)

// MuLawDecode expands a single mu-law byte into a 16-bit linear sample.
func MuLawDecode(b byte) int16 {
	u := ^b
	sign := u & 0x80
	exponent := (u >> 4) & 0x07
	mantissa := u & 0x0F

	magnitude := ((int32(mantissa) << 3) + muLawBias) << exponent
	magnitude -= muLawBias
	if sign != 0 {
		return int16(-magnitude)
	}
	return int16(magnitude)
}

// MuLawEncode compresses a 16-bit linear sample into a mu-law byte.
// Magnitudes above 32635 are clamped. Zero always encodes as 0xFF, so the
// negative-zero code 0x7F does not survive a decode/encode round trip.
func MuLawEncode(sample int16) byte {
	s := int32(sample)
	var sign byte
	if s < 0 {
		sign = 0x80
		s = -s
	}
	if s > muLawClip {
		s = muLawClip
	}
	s += muLawBias

	// Smallest exponent whose segment holds the biased magnitude.
	var exponent byte = 7
	for e := byte(0); e < 7; e++ {
		if s < int32(0x100)<<e {
			exponent = e
			break
		}
	}
	mantissa := byte(s>>(exponent+3)) & 0x0F
	return ^(sign | exponent<<4 | mantissa)
}

// MuLawToPCM16 expands a buffer of mu-law bytes into linear samples.
func MuLawToPCM16(ulaw []byte) []int16 {
	out := make([]int16, len(ulaw))
	for i, b := range ulaw {
		out[i] = MuLawDecode(b)
	}
	return out
}

// PCM16ToMuLaw compresses linear samples into mu-law bytes.
func PCM16ToMuLaw(samples []int16) []byte {
	out := make([]byte, len(samples))
	for i, s := range samples {
		out[i] = MuLawEncode(s)
	}
	return out
}

// SilenceFrame returns one 20 ms telephony frame of mu-law silence.
func SilenceFrame() AudioFrame {
	data := make([]byte, TelephonyFrameSamples)
	for i := range data {
		data[i] = MuLawSilence
	}
	return AudioFrame{Data: data, SampleRate: TelephonySampleRate, Encoding: EncodingMuLaw}
}
