// Package s2s defines the Provider interface for Speech-to-Speech (S2S) backends.
//
// An S2S provider wraps a real-time voice service that accepts buffered audio
// input and returns synthesised audio output in a single, stateful session.
// The OpenAI Realtime API is the reference backend; an in-process loopback
// provider exists for wiring tests.
//
// The central abstraction is SessionHandle: a bidirectional channel that accepts
// audio appends, commit directives, and response requests, and emits a typed
// stream of [Event] values. Sessions live for the duration of one call.
//
// All implementations must be safe for concurrent use.
package s2s

import (
	"context"
	"errors"
)

// ErrSessionClosed is returned by SessionHandle methods after Close.
var ErrSessionClosed = errors.New("s2s: session closed")

// AudioFormat names an audio encoding understood by the remote session.
type AudioFormat string

const (
	// AudioFormatPCM16 is little-endian 16-bit linear PCM, mono.
	AudioFormatPCM16 AudioFormat = "pcm16"

	// AudioFormatG711ULaw is 8 kHz G.711 mu-law, mono.
	AudioFormatG711ULaw AudioFormat = "g711_ulaw"
)

// TurnDetection configures server-side voice activity detection.
type TurnDetection struct {
	// Type is the detector name, e.g. "server_vad".
	Type string

	// Threshold is the activation threshold (0.0–1.0). Zero keeps the
	// provider default.
	Threshold float64

	// PrefixPaddingMs is the audio retained before detected speech.
	PrefixPaddingMs int

	// SilenceDurationMs is how long silence must last before a turn ends.
	SilenceDurationMs int

	// CreateResponse controls whether the provider starts a response on its
	// own when a turn ends. Nil keeps the provider default.
	CreateResponse *bool
}

// SessionConfig is the initial configuration for a new S2S session. It is sent
// to the provider once, as soon as the connection opens.
type SessionConfig struct {
	// Voice is the provider voice identifier used for synthesised speech.
	Voice string

	// Instructions is the system-level prompt governing the session.
	Instructions string

	// InputFormat is the encoding of audio passed to SendAudio.
	InputFormat AudioFormat

	// OutputFormat is the encoding of audio carried by EventAudioDelta.
	OutputFormat AudioFormat

	// TurnDetection enables server-side turn detection when non-nil.
	TurnDetection *TurnDetection
}

// ResponseRequest asks the model to produce a response.
type ResponseRequest struct {
	// Modalities lists the output modalities, e.g. ["audio", "text"].
	Modalities []string

	// Instructions optionally overrides the session instructions for this
	// response only.
	Instructions string
}

// Capabilities describes static properties of the S2S provider.
// The values are assumed constant for the lifetime of the Provider instance.
type Capabilities struct {
	// MaxSessionDurationMs is the hard upper bound on session lifetime in
	// milliseconds, as imposed by the provider. Zero means no documented limit.
	MaxSessionDurationMs int

	// Formats lists the audio formats accepted for input and output.
	Formats []AudioFormat

	// Voices lists the voice identifiers available for this provider.
	Voices []string
}

// EventKind is the discriminator of an [Event].
type EventKind int

const (
	// EventUnknown is any provider event without a dedicated kind. It carries
	// the raw type name and is safe to ignore.
	EventUnknown EventKind = iota

	// EventReady reports that the session accepted its configuration.
	EventReady

	// EventAudioDelta carries a chunk of synthesised output audio.
	EventAudioDelta

	// EventResponseCreated reports that the model started a response.
	EventResponseCreated

	// EventResponseDone reports that the model finished a response.
	EventResponseDone

	// EventSpeechStarted reports that server-side VAD detected caller speech.
	EventSpeechStarted

	// EventSpeechStopped reports that server-side VAD detected the end of a turn.
	EventSpeechStopped

	// EventInputCommitted acknowledges a commit of the input audio buffer.
	EventInputCommitted

	// EventError is a non-fatal error reported by the provider.
	EventError
)

// String returns a human-readable name for the kind.
func (k EventKind) String() string {
	switch k {
	case EventReady:
		return "ready"
	case EventAudioDelta:
		return "audio_delta"
	case EventResponseCreated:
		return "response_created"
	case EventResponseDone:
		return "response_done"
	case EventSpeechStarted:
		return "speech_started"
	case EventSpeechStopped:
		return "speech_stopped"
	case EventInputCommitted:
		return "input_committed"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Event is a single inbound event from the remote session.
type Event struct {
	Kind EventKind

	// Type is the provider's raw event name.
	Type string

	// Audio is the decoded output audio for EventAudioDelta.
	Audio []byte

	// ResponseID identifies the response an event belongs to, when known.
	ResponseID string

	// Err describes an EventError.
	Err error
}

// SessionHandle represents an open S2S session. It is an interface so that test
// code can supply mock implementations without a live provider connection.
//
// Every method must return quickly; writes honour the context deadline. All
// methods must be safe for concurrent use.
//
// Callers must call Close when the session is no longer needed.
type SessionHandle interface {
	// SendAudio appends an audio chunk to the provider's input buffer. The chunk
	// must match SessionConfig.InputFormat.
	SendAudio(ctx context.Context, chunk []byte) error

	// Commit marks the buffered input as ready for processing. Callers must not
	// commit an empty buffer; providers reject it with an error event.
	Commit(ctx context.Context) error

	// CreateResponse asks the model to respond.
	CreateResponse(ctx context.Context, req ResponseRequest) error

	// Interrupt cancels the response currently being generated.
	Interrupt(ctx context.Context) error

	// Events returns a read-only channel of inbound events. The channel is
	// closed when the session ends; call [SessionHandle.Err] afterwards to
	// learn whether it ended cleanly. Consumers must drain it promptly.
	Events() <-chan Event

	// Err returns the error that ended the session, or nil if it ended cleanly.
	Err() error

	// Close terminates the session and closes the Events channel. Calling Close
	// more than once is safe and returns nil.
	Close() error
}

// Provider is the abstraction over any S2S backend.
//
// Implementations must be safe for concurrent use; one session is opened per
// call.
type Provider interface {
	// Connect establishes a new session and sends cfg to the provider. The
	// returned SessionHandle accepts audio immediately, though the provider may
	// not report EventReady until later.
	//
	// Returns an error if the session cannot be established (e.g., authentication
	// failure or ctx already cancelled). The caller owns the SessionHandle and is
	// responsible for calling Close.
	Connect(ctx context.Context, cfg SessionConfig) (SessionHandle, error)

	// Capabilities returns static metadata about this provider.
	Capabilities() Capabilities
}
