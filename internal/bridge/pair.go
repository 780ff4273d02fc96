package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/callbridge/internal/observe"
	"github.com/MrWong99/callbridge/pkg/audio"
	"github.com/MrWong99/callbridge/pkg/provider/s2s"
	"github.com/MrWong99/callbridge/pkg/telephony"
)

// Reasons recorded on callbridge.frames.dropped.
const (
	DropMalformed  = "malformed"
	DropNoIdentity = "no_identity"
	DropNotReady   = "remote_not_ready"
)

// inboxSize bounds the merged event queue between the leg readers and the
// pair's event loop.
const inboxSize = 64

type inputKind int

const (
	inputPhone inputKind = iota
	inputPhoneClosed
	inputRemote
	inputRemoteClosed
)

// input is one item on the merged event stream.
type input struct {
	kind inputKind
	data []byte
	evt  s2s.Event
	err  error
}

// PairOption configures a [Pair].
type PairOption func(*Pair)

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) PairOption {
	return func(p *Pair) { p.metrics = m }
}

// WithID overrides the generated pair ID.
func WithID(id string) PairOption {
	return func(p *Pair) { p.id = id }
}

// Pair is one bridged call: a telephony leg, a remote session, and a
// keepalive with coupled lifetimes. All call state is owned by the goroutine
// executing [Pair.Run]; the two leg readers only feed a merged channel.
type Pair struct {
	id       string
	cfg      Config
	leg      telephony.Leg
	provider s2s.Provider
	metrics  *observe.Metrics

	state       atomic.Int32
	remoteReady atomic.Bool
	closing     chan struct{}
	closeOnce   sync.Once

	// Owned by the Run goroutine.
	log        *slog.Logger
	span       trace.Span
	remote     s2s.SessionHandle
	sched      *Scheduler
	toPhone    *audio.FormatConverter
	outFormat  audio.Format
	keepalive  *Keepalive
	streamSID  string
	streamAt   time.Time
	marks      int
	drainCause string
	runErr     error

	droppedNotReady int
}

// NewPair returns a pair for a freshly accepted telephony leg. The remote
// session is opened by Run.
func NewPair(leg telephony.Leg, provider s2s.Provider, cfg Config, opts ...PairOption) *Pair {
	p := &Pair{
		id:       uuid.NewString(),
		cfg:      cfg.WithDefaults(),
		leg:      leg,
		provider: provider,
		closing:  make(chan struct{}),
	}
	for _, o := range opts {
		o(p)
	}
	if p.metrics == nil {
		p.metrics = observe.DefaultMetrics()
	}
	return p
}

// ID returns the pair's unique identifier.
func (p *Pair) ID() string { return p.id }

// State returns the current lifecycle state. Safe for concurrent use.
func (p *Pair) State() State { return State(p.state.Load()) }

// RemoteReady reports whether the remote session has accepted its
// configuration. Safe for concurrent use.
func (p *Pair) RemoteReady() bool { return p.remoteReady.Load() }

func (p *Pair) setState(s State) {
	prev := State(p.state.Swap(int32(s)))
	if p.log != nil && prev != s {
		p.log.Debug("pair state changed", "from", prev.String(), "to", s.String())
	}
}

// Close asks a running pair to drain and close both legs. It does not wait;
// Run returns once teardown completes. Safe to call more than once and from
// any goroutine.
func (p *Pair) Close() {
	p.closeOnce.Do(func() { close(p.closing) })
}

// Run bridges the call until a stop event, a leg failure, Close, or ctx
// cancellation, then closes both legs. It returns an error if the remote
// session could not be opened or ended abnormally.
func (p *Pair) Run(ctx context.Context) error {
	if !p.state.CompareAndSwap(int32(StateIdle), int32(StateAwaitingStart)) {
		return fmt.Errorf("bridge: pair %s already started", p.id)
	}

	ctx, span := observe.StartSpan(ctx, "bridge.call",
		trace.WithAttributes(attribute.String("pair.id", p.id)))
	defer span.End()
	p.span = span
	ctx = observe.WithLogAttrs(ctx, slog.String("pair_id", p.id))
	p.log = observe.Logger(ctx)

	started := time.Now()
	p.metrics.ActiveCalls.Add(ctx, 1)
	defer p.metrics.ActiveCalls.Add(ctx, -1)

	if err := p.openRemote(ctx); err != nil {
		p.setState(StateDraining)
		_ = p.leg.Close("remote session unavailable")
		p.setState(StateClosed)
		span.RecordError(err)
		span.SetStatus(codes.Error, "remote session unavailable")
		p.log.Warn("closing call: remote session unavailable", "err", err)
		return err
	}

	readCtx, stopReaders := context.WithCancel(ctx)
	defer stopReaders()
	g, gctx := errgroup.WithContext(readCtx)
	inbox := make(chan input, inboxSize)
	g.Go(func() error { p.readPhone(gctx, inbox); return nil })
	g.Go(func() error { p.readRemote(gctx, inbox); return nil })

	for p.State() < StateDraining {
		select {
		case in := <-inbox:
			p.handle(ctx, in)
		case <-p.closing:
			p.drain("bridge shutdown")
		case <-ctx.Done():
			p.drain("context cancelled")
		}
	}

	// Coupled close: whichever leg ended first, both are closed here.
	if p.keepalive != nil {
		p.keepalive.Stop()
	}
	if err := p.remote.Close(); err != nil {
		p.log.Debug("closing remote session", "err", err)
	}
	if err := p.leg.Close(p.drainCause); err != nil {
		p.log.Debug("closing telephony leg", "err", err)
	}
	stopReaders()
	_ = g.Wait()
	p.setState(StateClosed)

	elapsed := time.Since(started)
	p.metrics.CallDuration.Record(ctx, elapsed.Seconds())
	var silence int64
	if p.keepalive != nil {
		silence = p.keepalive.Sent()
	}
	p.log.Info("call ended",
		"reason", p.drainCause,
		"duration", elapsed,
		"keepalive_frames", silence,
	)
	if p.runErr != nil {
		span.RecordError(p.runErr)
		span.SetStatus(codes.Error, p.drainCause)
	}
	return p.runErr
}

// openRemote connects the remote session and prepares both converters.
func (p *Pair) openRemote(ctx context.Context) error {
	inFmt, err := remoteFormat(p.cfg.Session.InputFormat, p.cfg.RemoteSampleRate)
	if err != nil {
		return err
	}
	outFmt, err := remoteFormat(p.cfg.Session.OutputFormat, p.cfg.RemoteSampleRate)
	if err != nil {
		return err
	}

	remote, err := p.provider.Connect(ctx, p.cfg.Session)
	if err != nil {
		return fmt.Errorf("bridge: connect remote: %w", err)
	}
	p.remote = remote
	p.sched = NewScheduler(remote, audio.NewFormatConverter(inFmt, p.cfg.Resampler), p.cfg)
	p.toPhone = audio.NewFormatConverter(audio.TelephonyFormat, p.cfg.Resampler)
	p.outFormat = outFmt
	p.log.Debug("remote session opened", "input", inFmt.String(), "output", outFmt.String())
	return nil
}

// deliver hands in to the event loop unless ctx ends first.
func deliver(ctx context.Context, inbox chan<- input, in input) bool {
	select {
	case inbox <- in:
		return true
	case <-ctx.Done():
		return false
	}
}

func (p *Pair) readPhone(ctx context.Context, inbox chan<- input) {
	for {
		data, err := p.leg.Read(ctx)
		if err != nil {
			deliver(ctx, inbox, input{kind: inputPhoneClosed, err: err})
			return
		}
		if !deliver(ctx, inbox, input{kind: inputPhone, data: data}) {
			return
		}
	}
}

func (p *Pair) readRemote(ctx context.Context, inbox chan<- input) {
	for evt := range p.remote.Events() {
		if !deliver(ctx, inbox, input{kind: inputRemote, evt: evt}) {
			return
		}
	}
	deliver(ctx, inbox, input{kind: inputRemoteClosed, err: p.remote.Err()})
}

func (p *Pair) handle(ctx context.Context, in input) {
	switch in.kind {
	case inputPhone:
		p.handlePhone(ctx, in.data)

	case inputPhoneClosed:
		if telephony.IsNormalClosure(in.err) {
			p.log.Debug("telephony leg closed", "err", in.err)
		} else {
			p.log.Warn("telephony leg failed", "err", in.err)
		}
		p.drain("telephony leg closed")

	case inputRemote:
		p.handleRemote(ctx, in.evt)

	case inputRemoteClosed:
		if in.err != nil {
			p.log.Warn("remote session failed", "err", in.err)
			p.metrics.RecordRemoteError(ctx, "disconnect")
			p.runErr = fmt.Errorf("bridge: remote session: %w", in.err)
		}
		p.drain("remote session closed")
	}
}

func (p *Pair) drain(cause string) {
	if p.State() >= StateDraining {
		return
	}
	p.drainCause = cause
	p.setState(StateDraining)
}

// ── Telephony leg ───────────────────────────────────────────────────────────

func (p *Pair) handlePhone(ctx context.Context, data []byte) {
	msg, err := telephony.ParseInbound(data)
	if err != nil {
		p.log.Warn("dropping malformed telephony message", "err", err)
		p.metrics.RecordDrop(ctx, DropMalformed)
		return
	}

	switch msg.Event {
	case telephony.EventConnected:
		p.log.Debug("telephony stream connected")
	case telephony.EventStart:
		p.onStart(ctx, msg)
	case telephony.EventMedia:
		p.onMedia(ctx, msg)
	case telephony.EventMark:
		p.log.Debug("mark played", "name", msg.Mark.Name)
	case telephony.EventDTMF:
		p.log.Info("dtmf received", "digit", msg.DTMF.Digit)
	case telephony.EventStop:
		p.drain("telephony stop")
	case telephony.EventClear, telephony.EventUnknown:
		p.log.Debug("ignoring telephony event", "event", msg.RawEvent)
	}
}

func (p *Pair) onStart(ctx context.Context, msg telephony.Inbound) {
	if p.streamSID != "" {
		p.log.Warn("ignoring repeated start event", "stream_sid", msg.StreamSID)
		return
	}
	p.streamSID = msg.StreamSID
	p.streamAt = time.Now()
	p.log = p.log.With("stream_sid", p.streamSID)
	p.span.SetAttributes(attribute.String("telephony.stream_sid", p.streamSID))
	p.setState(StateStreaming)

	sid, log := p.streamSID, p.log
	silence := audio.SilenceFrame().Data
	p.keepalive = NewKeepalive(p.cfg.KeepaliveInterval,
		func(ctx context.Context) error {
			if err := p.send(ctx, telephony.MediaMessage(sid, silence)); err != nil {
				return err
			}
			p.metrics.KeepaliveFrames.Add(ctx, 1)
			return nil
		},
		func(err error) { log.Warn("keepalive send failed", "err", err) },
	)
	p.keepalive.Start(ctx)

	p.log.Info("call started",
		"call_sid", msg.Start.CallSID,
		"media_format", msg.Start.MediaFormat.Encoding,
	)
}

func (p *Pair) onMedia(ctx context.Context, msg telephony.Inbound) {
	if p.streamSID == "" {
		p.log.Warn("dropping caller audio before stream start")
		p.metrics.RecordDrop(ctx, DropNoIdentity)
		return
	}
	if tr := msg.Media.Track; tr != "" && tr != "inbound" {
		return
	}
	if !p.remoteReady.Load() {
		p.droppedNotReady++
		if p.droppedNotReady == 1 {
			p.log.Warn("dropping caller audio until remote session is ready")
		}
		p.metrics.RecordDrop(ctx, DropNotReady)
		return
	}

	frame := audio.AudioFrame{
		Data:       msg.Media.Audio,
		SampleRate: audio.TelephonySampleRate,
		Encoding:   audio.EncodingMuLaw,
	}
	wctx, cancel := context.WithTimeout(ctx, p.cfg.WriteTimeout)
	out, err := p.sched.Append(wctx, frame)
	cancel()
	p.recordOutcome(ctx, out)
	if err != nil {
		p.log.Warn("forwarding caller audio failed", "err", err)
		p.metrics.RecordRemoteError(ctx, "send")
	}
}

func (p *Pair) recordOutcome(ctx context.Context, out Outcome) {
	if out.Appended {
		p.metrics.RecordFrame(ctx, observe.DirectionInbound)
	}
	if out.Committed {
		p.metrics.Commits.Add(ctx, 1)
	}
	if out.Requested {
		p.metrics.RecordResponse(ctx, string(p.cfg.ResponseTrigger))
		p.log.Debug("response requested", "trigger", p.cfg.ResponseTrigger)
	}
}

// send writes one message to the telephony leg, bounded by WriteTimeout.
// Sends are best effort and never retried.
func (p *Pair) send(ctx context.Context, msg telephony.Outbound) error {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.WriteTimeout)
	defer cancel()
	return p.leg.Send(ctx, msg)
}

// ── Remote leg ──────────────────────────────────────────────────────────────

func (p *Pair) handleRemote(ctx context.Context, evt s2s.Event) {
	switch evt.Kind {
	case s2s.EventReady:
		if !p.remoteReady.CompareAndSwap(false, true) {
			return
		}
		p.log.Debug("remote session ready", "dropped_before_ready", p.droppedNotReady)
		p.directive(ctx, p.sched.OnReady)

	case s2s.EventAudioDelta:
		p.relay(ctx, evt)

	case s2s.EventResponseCreated:
		p.sched.OnResponseCreated()
		p.log.Debug("response started", "response_id", evt.ResponseID)

	case s2s.EventResponseDone:
		p.sched.OnResponseDone()
		p.log.Debug("response finished", "response_id", evt.ResponseID)
		if p.cfg.Marks && p.streamSID != "" {
			p.marks++
			name := fmt.Sprintf("response-%d", p.marks)
			if err := p.send(ctx, telephony.MarkMessage(p.streamSID, name)); err != nil {
				p.log.Warn("sending mark failed", "name", name, "err", err)
			}
		}

	case s2s.EventSpeechStarted:
		if p.cfg.BargeIn {
			p.bargeIn(ctx)
		}

	case s2s.EventSpeechStopped:
		p.directive(ctx, p.sched.OnTurnEnd)

	case s2s.EventInputCommitted:
		p.log.Debug("remote acknowledged commit")

	case s2s.EventError:
		p.log.Warn("remote session error", "type", evt.Type, "err", evt.Err)
		p.metrics.RecordRemoteError(ctx, "event")

	case s2s.EventUnknown:
		p.log.Debug("ignoring remote event", "type", evt.Type)
	}
}

// bargeIn cancels the response being generated and clears audio the
// telephony provider has buffered for playback.
func (p *Pair) bargeIn(ctx context.Context) {
	if p.sched.Responding() {
		wctx, cancel := context.WithTimeout(ctx, p.cfg.WriteTimeout)
		err := p.remote.Interrupt(wctx)
		cancel()
		if err != nil {
			p.log.Warn("cancelling response failed", "err", err)
			p.metrics.RecordRemoteError(ctx, "send")
		}
	}
	if p.streamSID == "" {
		return
	}
	if err := p.send(ctx, telephony.ClearMessage(p.streamSID)); err != nil {
		p.log.Warn("sending clear failed", "err", err)
	}
}

// directive runs one scheduler hook under the write timeout.
func (p *Pair) directive(ctx context.Context, fn func(context.Context) (Outcome, error)) {
	wctx, cancel := context.WithTimeout(ctx, p.cfg.WriteTimeout)
	out, err := fn(wctx)
	cancel()
	p.recordOutcome(ctx, out)
	if err != nil {
		p.log.Warn("remote directive failed", "err", err)
		p.metrics.RecordRemoteError(ctx, "send")
	}
}

// relay forwards one output audio delta to the caller, tagged with the
// stream SID. Nothing is sent before the SID is known.
func (p *Pair) relay(ctx context.Context, evt s2s.Event) {
	if p.streamSID == "" {
		p.log.Warn("dropping output audio before stream start", "response_id", evt.ResponseID)
		p.metrics.RecordDrop(ctx, DropNoIdentity)
		return
	}

	ulaw := p.toPhone.Convert(audio.AudioFrame{
		Data:       evt.Audio,
		SampleRate: p.outFormat.SampleRate,
		Encoding:   p.outFormat.Encoding,
	})
	if len(ulaw.Data) == 0 {
		return
	}

	if p.keepalive.Latch() {
		latency := time.Since(p.streamAt)
		p.metrics.FirstAudioLatency.Record(ctx, latency.Seconds())
		p.log.Debug("first output audio, keepalive latched", "latency", latency)
	}

	if err := p.send(ctx, telephony.MediaMessage(p.streamSID, ulaw.Data)); err != nil {
		p.log.Warn("relaying output audio failed", "err", err)
		return
	}
	p.metrics.RecordFrame(ctx, observe.DirectionOutbound)
}
