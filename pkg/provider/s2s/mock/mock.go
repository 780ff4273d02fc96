// Package mock provides test doubles for the s2s package interfaces.
//
// Use Provider to verify Connect calls and hand out controlled sessions.
// Use Session to inject remote events with Emit and to inspect which
// directives the caller issued, in order.
//
// Example:
//
//	sess := mock.NewSession()
//	p := &mock.Provider{Session: sess}
//	handle, _ := p.Connect(ctx, cfg)
//	sess.Emit(s2s.Event{Kind: s2s.EventReady})
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/callbridge/pkg/provider/s2s"
)

// ConnectCall records a single invocation of Provider.Connect.
type ConnectCall struct {
	// Cfg is the SessionConfig passed to Connect.
	Cfg s2s.SessionConfig
}

// Provider is a mock implementation of s2s.Provider.
type Provider struct {
	mu sync.Mutex

	// Session is the SessionHandle returned by Connect. If nil, Connect returns
	// a new Session from NewSession.
	Session s2s.SessionHandle

	// ConnectErr, if non-nil, is returned as the error from Connect.
	ConnectErr error

	// ProviderCapabilities is returned by Capabilities.
	ProviderCapabilities s2s.Capabilities

	// ConnectCalls records every call to Connect in order.
	ConnectCalls []ConnectCall
}

// Connect records the call and returns Session, ConnectErr.
func (p *Provider) Connect(_ context.Context, cfg s2s.SessionConfig) (s2s.SessionHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ConnectCalls = append(p.ConnectCalls, ConnectCall{Cfg: cfg})
	if p.ConnectErr != nil {
		return nil, p.ConnectErr
	}
	if p.Session != nil {
		return p.Session, nil
	}
	return NewSession(), nil
}

// Capabilities returns ProviderCapabilities.
func (p *Provider) Capabilities() s2s.Capabilities {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ProviderCapabilities
}

// Calls returns a copy of ConnectCalls. Thread-safe.
func (p *Provider) Calls() []ConnectCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]ConnectCall(nil), p.ConnectCalls...)
}

// Ensure Provider implements s2s.Provider at compile time.
var _ s2s.Provider = (*Provider)(nil)

// Directive names recorded by Session, in call order.
const (
	DirectiveAppend    = "input_audio_buffer.append"
	DirectiveCommit    = "input_audio_buffer.commit"
	DirectiveResponse  = "response.create"
	DirectiveInterrupt = "response.cancel"
)

// Session is a mock implementation of s2s.SessionHandle. Create it with
// NewSession. Events passed to Emit are delivered on Events in order; Close or
// End closes the Events channel.
type Session struct {
	mu sync.Mutex

	// --- Configurable errors ---

	// SendAudioErr, if non-nil, is returned by every SendAudio call.
	SendAudioErr error

	// CommitErr, if non-nil, is returned by every Commit call.
	CommitErr error

	// CreateResponseErr, if non-nil, is returned by every CreateResponse call.
	CreateResponseErr error

	// InterruptErr, if non-nil, is returned by every Interrupt call.
	InterruptErr error

	// CloseErr, if non-nil, is returned by Close.
	CloseErr error

	// --- Call records ---

	directives []string
	audio      [][]byte
	responses  []s2s.ResponseRequest
	closeCount int
	errVal     error

	in      chan s2s.Event
	out     chan s2s.Event
	done    chan struct{}
	endOnce sync.Once
}

// NewSession returns a Session whose event stream is open.
func NewSession() *Session {
	s := &Session{
		in:   make(chan s2s.Event, 64),
		out:  make(chan s2s.Event),
		done: make(chan struct{}),
	}
	go s.forward()
	return s
}

func (s *Session) forward() {
	defer close(s.out)
	for {
		select {
		case evt := <-s.in:
			select {
			case s.out <- evt:
			case <-s.done:
				return
			}
		case <-s.done:
			return
		}
	}
}

// Emit queues evt for delivery on Events. It reports false if the session has
// already ended.
func (s *Session) Emit(evt s2s.Event) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.in <- evt:
		return true
	case <-s.done:
		return false
	}
}

// End simulates the remote side terminating the session with err (nil for a
// clean hang-up).
func (s *Session) End(err error) {
	s.mu.Lock()
	if s.errVal == nil {
		s.errVal = err
	}
	s.mu.Unlock()
	s.endOnce.Do(func() { close(s.done) })
}

// Done is closed once the session has ended.
func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) record(name string) {
	s.directives = append(s.directives, name)
}

// SendAudio records the call and returns SendAudioErr.
func (s *Session) SendAudio(_ context.Context, chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record(DirectiveAppend)
	s.audio = append(s.audio, append([]byte(nil), chunk...))
	return s.SendAudioErr
}

// Commit records the call and returns CommitErr.
func (s *Session) Commit(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record(DirectiveCommit)
	return s.CommitErr
}

// CreateResponse records the call and returns CreateResponseErr.
func (s *Session) CreateResponse(_ context.Context, req s2s.ResponseRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record(DirectiveResponse)
	s.responses = append(s.responses, req)
	return s.CreateResponseErr
}

// Interrupt records the call and returns InterruptErr.
func (s *Session) Interrupt(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record(DirectiveInterrupt)
	return s.InterruptErr
}

// Events returns the event stream.
func (s *Session) Events() <-chan s2s.Event { return s.out }

// Err returns the error passed to End.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errVal
}

// Close records the call, ends the session, and returns CloseErr.
func (s *Session) Close() error {
	s.mu.Lock()
	s.closeCount++
	err := s.CloseErr
	s.mu.Unlock()
	s.endOnce.Do(func() { close(s.done) })
	return err
}

// Directives returns the directive names issued so far, in order. Thread-safe.
func (s *Session) Directives() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.directives...)
}

// Count returns how many times directive was issued. Thread-safe.
func (s *Session) Count(directive string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, d := range s.directives {
		if d == directive {
			n++
		}
	}
	return n
}

// Audio returns copies of every chunk passed to SendAudio. Thread-safe.
func (s *Session) Audio() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.audio...)
}

// Responses returns every ResponseRequest passed to CreateResponse. Thread-safe.
func (s *Session) Responses() []s2s.ResponseRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]s2s.ResponseRequest(nil), s.responses...)
}

// CloseCount returns the number of Close calls. Thread-safe.
func (s *Session) CloseCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeCount
}

// Ensure Session implements s2s.SessionHandle at compile time.
var _ s2s.SessionHandle = (*Session)(nil)
