// Package loopback implements an in-process s2s.Provider that echoes committed
// input audio back as output audio. It needs no network or credentials and
// is used to verify the full telephony bridge end to end: a caller hears
// their own voice, delayed by one commit window.
package loopback

import (
	"context"
	"fmt"
	"sync"

	"github.com/MrWong99/callbridge/pkg/provider/s2s"
)

var _ s2s.Provider = (*Provider)(nil)
var _ s2s.SessionHandle = (*session)(nil)

// Provider implements s2s.Provider by echoing audio in-process.
type Provider struct{}

// New returns a loopback Provider.
func New() *Provider { return &Provider{} }

// Capabilities implements s2s.Provider.
func (p *Provider) Capabilities() s2s.Capabilities {
	return s2s.Capabilities{
		Formats: []s2s.AudioFormat{s2s.AudioFormatPCM16, s2s.AudioFormatG711ULaw},
		Voices:  []string{"echo"},
	}
}

// Connect opens a loopback session. Input and output formats must match since
// the audio is echoed byte for byte.
func (p *Provider) Connect(ctx context.Context, cfg s2s.SessionConfig) (s2s.SessionHandle, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("loopback: connect: %w", err)
	}
	if cfg.InputFormat != cfg.OutputFormat {
		return nil, fmt.Errorf("loopback: input format %q differs from output format %q", cfg.InputFormat, cfg.OutputFormat)
	}

	s := &session{
		events: make(chan s2s.Event),
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	s.push(s2s.Event{Kind: s2s.EventReady, Type: "session.created"})
	go s.pump()
	return s, nil
}

type session struct {
	events chan s2s.Event
	wake   chan struct{}
	done   chan struct{}

	mu        sync.Mutex
	queue     []s2s.Event
	pending   [][]byte
	responses int
	closed    bool
}

// push queues evt without blocking; pump delivers it.
func (s *session) push(evts ...s2s.Event) {
	s.mu.Lock()
	s.queue = append(s.queue, evts...)
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *session) pump() {
	defer close(s.events)
	for {
		s.mu.Lock()
		batch := s.queue
		s.queue = nil
		s.mu.Unlock()

		for _, evt := range batch {
			select {
			case s.events <- evt:
			case <-s.done:
				return
			}
		}

		select {
		case <-s.wake:
		case <-s.done:
			return
		}
	}
}

func (s *session) nextResponseID() string {
	s.responses++
	return fmt.Sprintf("loop_%d", s.responses)
}

// SendAudio buffers a copy of chunk until the next Commit.
func (s *session) SendAudio(_ context.Context, chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return s2s.ErrSessionClosed
	}
	s.pending = append(s.pending, append([]byte(nil), chunk...))
	return nil
}

// Commit echoes every chunk appended since the previous commit as one
// response. Committing an empty buffer yields an error event, mirroring
// hosted providers.
func (s *session) Commit(_ context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return s2s.ErrSessionClosed
	}
	chunks := s.pending
	s.pending = nil
	var id string
	if len(chunks) > 0 {
		id = s.nextResponseID()
	}
	s.mu.Unlock()

	if len(chunks) == 0 {
		s.push(s2s.Event{
			Kind: s2s.EventError,
			Type: "error",
			Err:  fmt.Errorf("loopback: input_audio_buffer_commit_empty: buffer is empty"),
		})
		return nil
	}

	evts := make([]s2s.Event, 0, len(chunks)+3)
	evts = append(evts,
		s2s.Event{Kind: s2s.EventInputCommitted, Type: "input_audio_buffer.committed"},
		s2s.Event{Kind: s2s.EventResponseCreated, Type: "response.created", ResponseID: id},
	)
	for _, c := range chunks {
		evts = append(evts, s2s.Event{Kind: s2s.EventAudioDelta, Type: "response.audio.delta", ResponseID: id, Audio: c})
	}
	evts = append(evts, s2s.Event{Kind: s2s.EventResponseDone, Type: "response.done", ResponseID: id})
	s.push(evts...)
	return nil
}

// CreateResponse acknowledges the request with an empty response; loopback
// has nothing to say until audio is committed.
func (s *session) CreateResponse(_ context.Context, _ s2s.ResponseRequest) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return s2s.ErrSessionClosed
	}
	id := s.nextResponseID()
	s.mu.Unlock()

	s.push(
		s2s.Event{Kind: s2s.EventResponseCreated, Type: "response.created", ResponseID: id},
		s2s.Event{Kind: s2s.EventResponseDone, Type: "response.done", ResponseID: id},
	)
	return nil
}

// Interrupt drops audio that has been queued but not yet delivered.
func (s *session) Interrupt(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return s2s.ErrSessionClosed
	}
	kept := s.queue[:0]
	for _, evt := range s.queue {
		if evt.Kind != s2s.EventAudioDelta {
			kept = append(kept, evt)
		}
	}
	s.queue = kept
	return nil
}

func (s *session) Events() <-chan s2s.Event { return s.events }

func (s *session) Err() error { return nil }

func (s *session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.done)
	return nil
}
