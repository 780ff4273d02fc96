// Package bridge relays one telephony media stream to one remote speech
// session and back. A [Pair] owns both legs of a call; a [Manager] tracks
// every live pair.
//
// Inbound caller audio is transcoded to the remote session's input format,
// appended, and committed in fixed-size batches by a [Scheduler]. Output audio
// is transcoded back to 8 kHz mu-law, tagged with the call's stream SID, and
// sent to the caller. Until the first output audio arrives a [Keepalive]
// sends synthetic silence so the telephony provider keeps the stream open.
package bridge

import (
	"fmt"
	"time"

	"github.com/MrWong99/callbridge/pkg/audio"
	"github.com/MrWong99/callbridge/pkg/provider/s2s"
)

// ResponseTrigger selects when the bridge asks the remote session to speak.
type ResponseTrigger string

const (
	// TriggerFirstCommit requests a response after the first commit of the call.
	TriggerFirstCommit ResponseTrigger = "first_commit"

	// TriggerReady requests a response as soon as the remote session is ready,
	// before the caller has said anything.
	TriggerReady ResponseTrigger = "ready"

	// TriggerTurnEnd requests a response each time remote turn detection
	// reports that the caller stopped speaking.
	TriggerTurnEnd ResponseTrigger = "turn_end"
)

// IsValid reports whether t is a known trigger.
func (t ResponseTrigger) IsValid() bool {
	switch t {
	case TriggerFirstCommit, TriggerReady, TriggerTurnEnd:
		return true
	}
	return false
}

// Defaults applied by [Config.WithDefaults].
const (
	DefaultCommitThreshold   = 10
	DefaultKeepaliveInterval = 250 * time.Millisecond
	DefaultWriteTimeout      = 2 * time.Second
	DefaultRemoteSampleRate  = 24000
)

// Config is the immutable per-call configuration. It is built once at
// process start and passed by value to every [Pair].
type Config struct {
	// Session is sent to the remote provider when the remote leg opens.
	Session s2s.SessionConfig

	// RemoteSampleRate is the sample rate of pcm16 audio exchanged with the
	// remote session. Ignored for g711_ulaw, which is always 8 kHz. The
	// default matches the Realtime API, whose pcm16 is fixed at 24 kHz.
	RemoteSampleRate int

	// Resampler converts between the telephony and remote sample rates.
	// Nil selects [audio.PairwiseResampler].
	Resampler audio.Resampler

	// CommitThreshold is the number of appended frames that triggers a commit.
	CommitThreshold int

	// KeepaliveInterval is the period between synthetic silence frames.
	KeepaliveInterval time.Duration

	// WriteTimeout bounds every send to either leg.
	WriteTimeout time.Duration

	// ResponseTrigger selects when a response is requested.
	ResponseTrigger ResponseTrigger

	// Response is the request sent when the trigger fires.
	Response s2s.ResponseRequest

	// BargeIn clears buffered caller-side playback when the remote session
	// detects that the caller started speaking.
	BargeIn bool

	// Marks sends a telephony mark after each completed response.
	Marks bool
}

// WithDefaults returns a copy of c with zero fields replaced by defaults.
func (c Config) WithDefaults() Config {
	if c.CommitThreshold <= 0 {
		c.CommitThreshold = DefaultCommitThreshold
	}
	if c.KeepaliveInterval <= 0 {
		c.KeepaliveInterval = DefaultKeepaliveInterval
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
	if c.RemoteSampleRate <= 0 {
		c.RemoteSampleRate = DefaultRemoteSampleRate
	}
	if c.ResponseTrigger == "" {
		c.ResponseTrigger = TriggerFirstCommit
	}
	if c.Session.InputFormat == "" {
		c.Session.InputFormat = s2s.AudioFormatPCM16
	}
	if c.Session.OutputFormat == "" {
		c.Session.OutputFormat = c.Session.InputFormat
	}
	if len(c.Response.Modalities) == 0 {
		c.Response.Modalities = []string{"audio", "text"}
	}
	return c
}

// Validate reports configuration errors that defaults cannot repair.
func (c Config) Validate() error {
	if !c.ResponseTrigger.IsValid() {
		return fmt.Errorf("bridge: unknown response trigger %q", c.ResponseTrigger)
	}
	for _, f := range []s2s.AudioFormat{c.Session.InputFormat, c.Session.OutputFormat} {
		if _, err := remoteFormat(f, c.RemoteSampleRate); err != nil {
			return err
		}
	}
	return nil
}

// remoteFormat maps a remote audio format name to a concrete frame format.
func remoteFormat(f s2s.AudioFormat, pcmRate int) (audio.Format, error) {
	switch f {
	case s2s.AudioFormatG711ULaw:
		return audio.TelephonyFormat, nil
	case s2s.AudioFormatPCM16:
		return audio.Format{SampleRate: pcmRate, Encoding: audio.EncodingPCM16}, nil
	}
	return audio.Format{}, fmt.Errorf("bridge: unsupported remote audio format %q", f)
}
