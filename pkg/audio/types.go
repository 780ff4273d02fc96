// Package audio holds the sample-level primitives shared by both legs of a
// bridged call: the G.711 mu-law codec, 16-bit linear PCM helpers, simple
// sample-rate conversion, and a [FormatConverter] that chains them.
//
// Everything in this package is pure and total: no input byte or sample
// causes an error. Out-of-range values are clamped.
package audio

import (
	"fmt"
	"time"
)

// Encoding identifies how samples are packed into AudioFrame.Data.
type Encoding string

const (
	// EncodingPCM16 is little-endian signed 16-bit linear PCM, 2 bytes per sample.
	EncodingPCM16 Encoding = "pcm16"

	// EncodingMuLaw is G.711 mu-law, 1 byte per sample.
	EncodingMuLaw Encoding = "mulaw"
)

// BytesPerSample returns the packed width of one sample in e.
func (e Encoding) BytesPerSample() int {
	if e == EncodingMuLaw {
		return 1
	}
	return 2
}

// Telephony constants for the narrowband media leg.
const (
	// TelephonySampleRate is the fixed rate of the telephony leg.
	TelephonySampleRate = 8000

	// FrameDuration is the nominal duration of one telephony frame.
	FrameDuration = 20 * time.Millisecond

	// TelephonyFrameSamples is the number of samples in one 20 ms frame at 8 kHz.
	TelephonyFrameSamples = TelephonySampleRate / 50
)

// AudioFrame represents one chunk of mono audio flowing through the bridge.
// Frames are treated as immutable once produced: converters always allocate
// a new Data slice rather than writing into the source.
type AudioFrame struct {
	// Data holds the packed samples, interpreted according to Encoding.
	Data []byte

	// SampleRate in Hz (8000 on the telephony leg, typically 16000 or 24000
	// on the remote leg).
	SampleRate int

	// Encoding describes the packing of Data.
	Encoding Encoding
}

// Format describes the sample rate and encoding of an audio stream.
type Format struct {
	SampleRate int
	Encoding   Encoding
}

// TelephonyFormat is the format carried by the telephony media leg.
var TelephonyFormat = Format{SampleRate: TelephonySampleRate, Encoding: EncodingMuLaw}

// String returns e.g. "8000Hz mulaw".
func (f Format) String() string {
	return fmt.Sprintf("%dHz %s", f.SampleRate, f.Encoding)
}

// Samples returns the number of samples in the frame.
func (f AudioFrame) Samples() int {
	return len(f.Data) / f.Encoding.BytesPerSample()
}

// Duration returns the playback length of the frame. Zero when SampleRate is unset.
func (f AudioFrame) Duration() time.Duration {
	if f.SampleRate <= 0 {
		return 0
	}
	return time.Duration(f.Samples()) * time.Second / time.Duration(f.SampleRate)
}

// Format returns the frame's format descriptor.
func (f AudioFrame) Format() Format {
	return Format{SampleRate: f.SampleRate, Encoding: f.Encoding}
}
