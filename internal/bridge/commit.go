package bridge

import (
	"context"
	"fmt"

	"github.com/MrWong99/callbridge/pkg/audio"
	"github.com/MrWong99/callbridge/pkg/provider/s2s"
)

// Outcome reports which directives a [Scheduler] call issued.
type Outcome struct {
	// Appended is true when audio was sent to the remote session.
	Appended bool

	// Committed is true when an input_audio_buffer.commit was sent.
	Committed bool

	// Requested is true when a response.create was sent.
	Requested bool
}

// Scheduler paces caller audio into the remote session. It counts frames
// appended since the last commit, commits every threshold frames, and fires
// the response request according to its [ResponseTrigger].
//
// A Scheduler belongs to one call and is not safe for concurrent use.
type Scheduler struct {
	remote    s2s.SessionHandle
	conv      *audio.FormatConverter
	threshold int
	trigger   ResponseTrigger
	request   s2s.ResponseRequest

	frames   int  // appended since last commit
	greeted  bool // a response was requested at least once
	inFlight bool // a requested or server-created response has not finished
}

// NewScheduler returns a Scheduler that forwards converted audio to remote.
func NewScheduler(remote s2s.SessionHandle, conv *audio.FormatConverter, cfg Config) *Scheduler {
	cfg = cfg.WithDefaults()
	return &Scheduler{
		remote:    remote,
		conv:      conv,
		threshold: cfg.CommitThreshold,
		trigger:   cfg.ResponseTrigger,
		request:   cfg.Response,
	}
}

// Pending returns the number of frames appended since the last commit.
func (s *Scheduler) Pending() int { return s.frames }

// Greeted reports whether a response has been requested this call.
func (s *Scheduler) Greeted() bool { return s.greeted }

// Append converts frame to the remote format, sends it, and commits once the
// threshold is reached. A frame that converts to nothing is skipped and not
// counted. If the send fails the frame is not counted either.
func (s *Scheduler) Append(ctx context.Context, frame audio.AudioFrame) (Outcome, error) {
	converted := s.conv.Convert(frame)
	if len(converted.Data) == 0 {
		return Outcome{}, nil
	}
	if err := s.remote.SendAudio(ctx, converted.Data); err != nil {
		return Outcome{}, fmt.Errorf("bridge: append audio: %w", err)
	}
	s.frames++

	out, err := s.MaybeCommit(ctx)
	out.Appended = true
	return out, err
}

// MaybeCommit commits if at least threshold frames are pending. It never
// commits an empty buffer.
func (s *Scheduler) MaybeCommit(ctx context.Context) (Outcome, error) {
	if s.frames == 0 || s.frames < s.threshold {
		return Outcome{}, nil
	}
	if err := s.remote.Commit(ctx); err != nil {
		return Outcome{}, fmt.Errorf("bridge: commit: %w", err)
	}
	s.frames = 0
	out := Outcome{Committed: true}

	if s.trigger == TriggerFirstCommit && !s.greeted {
		requested, err := s.requestResponse(ctx)
		out.Requested = requested
		if err != nil {
			return out, err
		}
	}
	return out, nil
}

// OnReady handles the remote session reporting readiness.
func (s *Scheduler) OnReady(ctx context.Context) (Outcome, error) {
	if s.trigger != TriggerReady || s.greeted {
		return Outcome{}, nil
	}
	requested, err := s.requestResponse(ctx)
	return Outcome{Requested: requested}, err
}

// OnTurnEnd handles remote turn detection reporting the end of caller speech.
func (s *Scheduler) OnTurnEnd(ctx context.Context) (Outcome, error) {
	if s.trigger != TriggerTurnEnd {
		return Outcome{}, nil
	}
	requested, err := s.requestResponse(ctx)
	return Outcome{Requested: requested}, err
}

// OnResponseCreated marks a response as in flight, whoever started it.
func (s *Scheduler) OnResponseCreated() { s.inFlight = true }

// OnResponseDone releases the response latch for the next turn.
func (s *Scheduler) OnResponseDone() { s.inFlight = false }

// Responding reports whether a response was requested or created and has
// not finished yet.
func (s *Scheduler) Responding() bool { return s.inFlight }

// requestResponse sends response.create unless one is already outstanding.
func (s *Scheduler) requestResponse(ctx context.Context) (bool, error) {
	if s.inFlight {
		return false, nil
	}
	if err := s.remote.CreateResponse(ctx, s.request); err != nil {
		return false, fmt.Errorf("bridge: request response: %w", err)
	}
	s.inFlight = true
	s.greeted = true
	return true, nil
}
