// Package openai implements the s2s.Provider interface for OpenAI's Realtime API.
//
// It establishes a bidirectional WebSocket connection to the OpenAI Realtime
// endpoint and exchanges JSON events according to the Realtime API protocol.
// Audio is transmitted as base64-encoded chunks in the negotiated format.
// Server events are translated into typed [s2s.Event] values; both the beta
// ("response.audio.delta") and GA ("response.output_audio.delta") names for
// output audio are accepted.
package openai

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"

	"github.com/coder/websocket"

	"github.com/MrWong99/callbridge/pkg/provider/s2s"
)

// Compile-time assertions that Provider and session satisfy the s2s interfaces.
var _ s2s.Provider = (*Provider)(nil)
var _ s2s.SessionHandle = (*session)(nil)

const (
	defaultModel   = "gpt-4o-realtime-preview"
	defaultBaseURL = "wss://api.openai.com/v1/realtime"

	eventBuffer = 64
)

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the OpenAI model used for sessions.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = url }
}

// ── Provider ───────────────────────────────────────────────────────────────────

// Provider implements s2s.Provider for OpenAI's Realtime API.
type Provider struct {
	apiKey  string
	model   string
	baseURL string
}

// New creates a new OpenAI Realtime Provider with the given API key and options.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:  apiKey,
		model:   defaultModel,
		baseURL: defaultBaseURL,
	}
	for _, o := range opts {
		o(p)
	}
	if p.model == "" {
		p.model = defaultModel
	}
	if p.baseURL == "" {
		p.baseURL = defaultBaseURL
	}
	return p
}

// Capabilities returns static metadata about the OpenAI Realtime provider.
func (p *Provider) Capabilities() s2s.Capabilities {
	return s2s.Capabilities{
		MaxSessionDurationMs: 30 * 60 * 1000,
		Formats:              []s2s.AudioFormat{s2s.AudioFormatPCM16, s2s.AudioFormatG711ULaw},
		Voices:               []string{"alloy", "ash", "ballad", "coral", "echo", "sage", "shimmer", "verse"},
	}
}

// Connect dials the Realtime endpoint and sends session.update with cfg. The
// session reports [s2s.EventReady] once the server acknowledges it.
func (p *Provider) Connect(ctx context.Context, cfg s2s.SessionConfig) (s2s.SessionHandle, error) {
	wsURL := fmt.Sprintf("%s?model=%s", p.baseURL, url.QueryEscape(p.model))

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + p.apiKey},
			"OpenAI-Beta":   []string{"realtime=v1"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("openai: dial: %w", err)
	}
	// Output audio deltas can be large; the library default of 32 KiB is too
	// small for a full second of pcm16.
	conn.SetReadLimit(1 << 22)

	sessCtx, sessCancel := context.WithCancel(context.Background())
	sess := &session{
		conn:   conn,
		events: make(chan s2s.Event, eventBuffer),
		ctx:    sessCtx,
		cancel: sessCancel,
	}

	if err := sess.writeJSON(ctx, newSessionUpdate(cfg)); err != nil {
		sessCancel()
		conn.Close(websocket.StatusInternalError, "session update failed")
		return nil, fmt.Errorf("openai: session update: %w", err)
	}

	go sess.receiveLoop()

	return sess, nil
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type sessionUpdateMessage struct {
	Type    string        `json:"type"`
	Session sessionParams `json:"session"`
}

type sessionParams struct {
	Voice             string         `json:"voice,omitempty"`
	Instructions      string         `json:"instructions,omitempty"`
	InputAudioFormat  string         `json:"input_audio_format"`
	OutputAudioFormat string         `json:"output_audio_format"`
	TurnDetection     *turnDetection `json:"turn_detection,omitempty"`
}

type turnDetection struct {
	Type              string  `json:"type"`
	Threshold         float64 `json:"threshold,omitempty"`
	PrefixPaddingMs   int     `json:"prefix_padding_ms,omitempty"`
	SilenceDurationMs int     `json:"silence_duration_ms,omitempty"`
	CreateResponse    *bool   `json:"create_response,omitempty"`
}

type appendAudioMessage struct {
	Type  string `json:"type"`
	Audio string `json:"audio"` // base64 in the session input format
}

type responseCreateMessage struct {
	Type     string         `json:"type"`
	Response responseParams `json:"response"`
}

type responseParams struct {
	Modalities   []string `json:"modalities,omitempty"`
	Instructions string   `json:"instructions,omitempty"`
}

type typeOnlyMessage struct {
	Type string `json:"type"`
}

func newSessionUpdate(cfg s2s.SessionConfig) sessionUpdateMessage {
	params := sessionParams{
		Voice:             cfg.Voice,
		Instructions:      cfg.Instructions,
		InputAudioFormat:  formatOrDefault(cfg.InputFormat),
		OutputAudioFormat: formatOrDefault(cfg.OutputFormat),
	}
	if td := cfg.TurnDetection; td != nil {
		params.TurnDetection = &turnDetection{
			Type:              td.Type,
			Threshold:         td.Threshold,
			PrefixPaddingMs:   td.PrefixPaddingMs,
			SilenceDurationMs: td.SilenceDurationMs,
			CreateResponse:    td.CreateResponse,
		}
	}
	return sessionUpdateMessage{Type: "session.update", Session: params}
}

func formatOrDefault(f s2s.AudioFormat) string {
	if f == "" {
		return string(s2s.AudioFormatPCM16)
	}
	return string(f)
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

// serverErrorDetail represents the nested error object in an OpenAI Realtime
// error event: {"type":"error","error":{"type":"...","code":"...","message":"..."}}.
type serverErrorDetail struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

type serverResponse struct {
	ID     string `json:"id"`
	Status string `json:"status,omitempty"`
}

type serverEvent struct {
	Type string `json:"type"`

	// response.audio.delta / response.output_audio.delta
	Delta      string `json:"delta,omitempty"`
	ResponseID string `json:"response_id,omitempty"`

	// response.created / response.done
	Response *serverResponse `json:"response,omitempty"`

	// error event
	Error *serverErrorDetail `json:"error,omitempty"`
}

// ── session ────────────────────────────────────────────────────────────────────

type session struct {
	conn   *websocket.Conn
	events chan s2s.Event

	mu     sync.Mutex
	errVal error
	closed bool

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// writeJSON marshals v and writes it as a text WebSocket message. The write is
// bounded by both ctx and the session lifetime.
func (s *session) writeJSON(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("openai: marshal: %w", err)
	}
	ctx, stop := context.WithCancel(ctx)
	defer stop()
	unhook := context.AfterFunc(s.ctx, stop)
	defer unhook()
	return s.conn.Write(ctx, websocket.MessageText, data)
}

// receiveLoop reads events from the WebSocket and dispatches them.
// It owns events: it closes the channel when it exits.
func (s *session) receiveLoop() {
	defer s.closeEvents()

	for {
		_, data, err := s.conn.Read(s.ctx)
		if err != nil {
			if s.ctx.Err() != nil || websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				return
			}
			s.setErr(fmt.Errorf("openai: read: %w", err))
			return
		}

		var evt serverEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			s.emit(s2s.Event{Kind: s2s.EventError, Type: "invalid_json", Err: fmt.Errorf("openai: decode event: %w", err)})
			continue
		}

		if out, ok := translate(&evt); ok {
			s.emit(out)
		}
	}
}

// translate maps a server event onto the typed event set. It reports false for
// events that carry nothing usable, such as an empty audio delta.
func translate(evt *serverEvent) (s2s.Event, bool) {
	out := s2s.Event{Type: evt.Type, ResponseID: evt.ResponseID}
	if evt.Response != nil && out.ResponseID == "" {
		out.ResponseID = evt.Response.ID
	}

	switch evt.Type {
	case "session.created", "session.updated":
		out.Kind = s2s.EventReady

	case "response.audio.delta", "response.output_audio.delta":
		if evt.Delta == "" {
			return out, false
		}
		audio, err := base64.StdEncoding.DecodeString(evt.Delta)
		if err != nil {
			out.Kind = s2s.EventError
			out.Err = fmt.Errorf("openai: decode audio delta: %w", err)
			return out, true
		}
		out.Kind = s2s.EventAudioDelta
		out.Audio = audio

	case "response.created":
		out.Kind = s2s.EventResponseCreated

	case "response.done":
		out.Kind = s2s.EventResponseDone

	case "input_audio_buffer.speech_started":
		out.Kind = s2s.EventSpeechStarted

	case "input_audio_buffer.speech_stopped":
		out.Kind = s2s.EventSpeechStopped

	case "input_audio_buffer.committed":
		out.Kind = s2s.EventInputCommitted

	case "error":
		out.Kind = s2s.EventError
		out.Err = serverError(evt.Error)

	default:
		out.Kind = s2s.EventUnknown
	}
	return out, true
}

func serverError(d *serverErrorDetail) error {
	if d == nil || d.Message == "" {
		return fmt.Errorf("openai: unknown error")
	}
	if d.Code != "" {
		return fmt.Errorf("openai: %s: %s", d.Code, d.Message)
	}
	return fmt.Errorf("openai: %s", d.Message)
}

func (s *session) emit(evt s2s.Event) {
	select {
	case s.events <- evt:
	case <-s.ctx.Done():
	}
}

func (s *session) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.errVal == nil {
		s.errVal = err
	}
}

func (s *session) closeEvents() {
	s.closeOnce.Do(func() { close(s.events) })
}

func (s *session) checkOpen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return s2s.ErrSessionClosed
	}
	return nil
}

// ── SessionHandle methods ──────────────────────────────────────────────────────

// SendAudio appends a chunk to the input audio buffer.
func (s *session) SendAudio(ctx context.Context, chunk []byte) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.writeJSON(ctx, appendAudioMessage{
		Type:  "input_audio_buffer.append",
		Audio: base64.StdEncoding.EncodeToString(chunk),
	})
}

// Commit sends input_audio_buffer.commit.
func (s *session) Commit(ctx context.Context) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.writeJSON(ctx, typeOnlyMessage{Type: "input_audio_buffer.commit"})
}

// CreateResponse sends response.create.
func (s *session) CreateResponse(ctx context.Context, req s2s.ResponseRequest) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.writeJSON(ctx, responseCreateMessage{
		Type: "response.create",
		Response: responseParams{
			Modalities:   req.Modalities,
			Instructions: req.Instructions,
		},
	})
}

// Interrupt sends a response.cancel event to stop the current model response.
func (s *session) Interrupt(ctx context.Context) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.writeJSON(ctx, typeOnlyMessage{Type: "response.cancel"})
}

// Events returns the channel on which translated server events arrive.
func (s *session) Events() <-chan s2s.Event { return s.events }

// Err returns the first non-nil error that caused the session to terminate.
func (s *session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errVal
}

// Close terminates the session and releases all resources. Idempotent.
func (s *session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	s.conn.Close(websocket.StatusNormalClosure, "session closed")
	return nil
}
