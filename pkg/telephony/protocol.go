// Package telephony implements the media-stream leg of a bridged call: the
// JSON control messages a telephony provider exchanges over a WebSocket, with
// mu-law audio carried as base64 payloads.
//
// Inbound messages are parsed into a strict schema by [ParseInbound].
// Malformed input is rejected with an error wrapping [ErrMalformed];
// well-formed messages with an unrecognised event name parse successfully as
// [EventUnknown] so the caller can ignore them deliberately.
package telephony

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrMalformed is wrapped by every [ParseInbound] failure.
var ErrMalformed = errors.New("telephony: malformed message")

// EventType is the "event" discriminator of a media-stream message.
type EventType string

const (
	EventConnected EventType = "connected"
	EventStart     EventType = "start"
	EventMedia     EventType = "media"
	EventMark      EventType = "mark"
	EventStop      EventType = "stop"
	EventDTMF      EventType = "dtmf"
	EventClear     EventType = "clear"

	// EventUnknown is assigned to any event name not listed above.
	EventUnknown EventType = "unknown"
)

// MediaFormat describes the encoding announced in the start event.
type MediaFormat struct {
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sampleRate"`
	Channels   int    `json:"channels"`
}

// Start is the payload of a start event.
type Start struct {
	StreamSID        string            `json:"streamSid"`
	AccountSID       string            `json:"accountSid,omitempty"`
	CallSID          string            `json:"callSid,omitempty"`
	Tracks           []string          `json:"tracks,omitempty"`
	MediaFormat      MediaFormat       `json:"mediaFormat"`
	CustomParameters map[string]string `json:"customParameters,omitempty"`
}

// Media is the decoded payload of a media event.
type Media struct {
	Track     string
	Chunk     string
	Timestamp string

	// Audio is the base64-decoded mu-law payload.
	Audio []byte
}

// Mark is the payload of a mark event.
type Mark struct {
	Name string `json:"name"`
}

// Stop is the payload of a stop event.
type Stop struct {
	StreamSID  string `json:"streamSid,omitempty"`
	AccountSID string `json:"accountSid,omitempty"`
	CallSID    string `json:"callSid,omitempty"`
}

// DTMF is the payload of a dtmf event.
type DTMF struct {
	Track string `json:"track,omitempty"`
	Digit string `json:"digit"`
}

// Inbound is a parsed media-stream message. Exactly one of the payload
// pointers is set, matching Event; none is set for connected and unknown
// events.
type Inbound struct {
	Event          EventType
	RawEvent       string
	StreamSID      string
	SequenceNumber string

	Start *Start
	Media *Media
	Mark  *Mark
	Stop  *Stop
	DTMF  *DTMF
}

type wireInbound struct {
	Event          string     `json:"event"`
	StreamSID      string     `json:"streamSid,omitempty"`
	SequenceNumber string     `json:"sequenceNumber,omitempty"`
	Start          *Start     `json:"start,omitempty"`
	Media          *wireMedia `json:"media,omitempty"`
	Mark           *Mark      `json:"mark,omitempty"`
	Stop           *Stop      `json:"stop,omitempty"`
	DTMF           *DTMF      `json:"dtmf,omitempty"`
}

type wireMedia struct {
	Track     string `json:"track,omitempty"`
	Chunk     string `json:"chunk,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   string `json:"payload"`
}

// ParseInbound decodes one media-stream message. Required fields per event:
// start needs start.streamSid; media needs a base64 media.payload; mark needs
// mark.name. Stop may omit its payload; the stream SID then comes from the
// top-level streamSid field.
func ParseInbound(data []byte) (Inbound, error) {
	var w wireInbound
	if err := json.Unmarshal(data, &w); err != nil {
		return Inbound{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if w.Event == "" {
		return Inbound{}, fmt.Errorf("%w: missing event", ErrMalformed)
	}

	msg := Inbound{
		Event:          EventType(w.Event),
		RawEvent:       w.Event,
		StreamSID:      w.StreamSID,
		SequenceNumber: w.SequenceNumber,
	}

	switch msg.Event {
	case EventConnected:
		// Handshake notice only; carries no stream identity.

	case EventStart:
		if w.Start == nil || w.Start.StreamSID == "" {
			return Inbound{}, fmt.Errorf("%w: start without start.streamSid", ErrMalformed)
		}
		msg.Start = w.Start
		msg.StreamSID = w.Start.StreamSID

	case EventMedia:
		if w.Media == nil {
			return Inbound{}, fmt.Errorf("%w: media without payload", ErrMalformed)
		}
		audio, err := base64.StdEncoding.DecodeString(w.Media.Payload)
		if err != nil {
			return Inbound{}, fmt.Errorf("%w: media payload: %v", ErrMalformed, err)
		}
		msg.Media = &Media{
			Track:     w.Media.Track,
			Chunk:     w.Media.Chunk,
			Timestamp: w.Media.Timestamp,
			Audio:     audio,
		}

	case EventMark:
		if w.Mark == nil || w.Mark.Name == "" {
			return Inbound{}, fmt.Errorf("%w: mark without mark.name", ErrMalformed)
		}
		msg.Mark = w.Mark

	case EventStop:
		msg.Stop = w.Stop
		if msg.Stop == nil {
			msg.Stop = &Stop{StreamSID: w.StreamSID}
		}
		if msg.StreamSID == "" {
			msg.StreamSID = msg.Stop.StreamSID
		}

	case EventDTMF:
		if w.DTMF == nil {
			return Inbound{}, fmt.Errorf("%w: dtmf without payload", ErrMalformed)
		}
		msg.DTMF = w.DTMF

	default:
		msg.Event = EventUnknown
	}

	return msg, nil
}

// ── Outbound ──────────────────────────────────────────────────────────────────

// Outbound is a message sent toward the telephony provider.
type Outbound struct {
	Event     EventType      `json:"event"`
	StreamSID string         `json:"streamSid"`
	Media     *OutboundMedia `json:"media,omitempty"`
	Mark      *Mark          `json:"mark,omitempty"`
}

// OutboundMedia carries one base64 mu-law payload.
type OutboundMedia struct {
	Payload string `json:"payload"`
}

// MediaMessage builds a media message carrying ulaw for streamSID.
func MediaMessage(streamSID string, ulaw []byte) Outbound {
	return Outbound{
		Event:     EventMedia,
		StreamSID: streamSID,
		Media:     &OutboundMedia{Payload: base64.StdEncoding.EncodeToString(ulaw)},
	}
}

// MarkMessage builds a mark message. The provider echoes the mark back once
// all media queued before it has played.
func MarkMessage(streamSID, name string) Outbound {
	return Outbound{Event: EventMark, StreamSID: streamSID, Mark: &Mark{Name: name}}
}

// ClearMessage builds a clear message, which discards media the provider has
// buffered but not yet played.
func ClearMessage(streamSID string) Outbound {
	return Outbound{Event: EventClear, StreamSID: streamSID}
}
