package bridge

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Keepalive sends synthetic silence toward the caller on a fixed interval
// until genuine output audio exists. Once [Keepalive.Latch] has been called no
// further silence is sent, even if the ticker fires again before Stop.
type Keepalive struct {
	interval time.Duration
	send     func(context.Context) error
	onError  func(error)

	// mu serialises a tick's check-and-send against Latch.
	mu   sync.Mutex
	seen atomic.Bool

	sent atomic.Int64

	startOnce sync.Once
	stopOnce  sync.Once
	stop      chan struct{}
	done      chan struct{}
}

// NewKeepalive returns a Keepalive that calls send once per interval. Send
// errors are passed to onError, which may be nil.
func NewKeepalive(interval time.Duration, send func(context.Context) error, onError func(error)) *Keepalive {
	if interval <= 0 {
		interval = DefaultKeepaliveInterval
	}
	return &Keepalive{
		interval: interval,
		send:     send,
		onError:  onError,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start arms the timer. It runs until ctx is cancelled or Stop is called.
// Calling Start more than once has no effect.
func (k *Keepalive) Start(ctx context.Context) {
	k.startOnce.Do(func() { go k.run(ctx) })
}

func (k *Keepalive) run(ctx context.Context) {
	defer close(k.done)
	ticker := time.NewTicker(k.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-k.stop:
			return
		case <-ticker.C:
			if k.tick(ctx) {
				return
			}
		}
	}
}

// tick sends one silence frame unless latched. It reports true once latched.
func (k *Keepalive) tick(ctx context.Context) bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.seen.Load() {
		return true
	}
	if err := k.send(ctx); err != nil {
		if k.onError != nil {
			k.onError(err)
		}
		return false
	}
	k.sent.Add(1)
	return false
}

// Latch permanently disables the keepalive. It reports true on the first
// call only. After Latch returns no silence frame is in flight.
func (k *Keepalive) Latch() bool {
	if k.seen.Load() {
		return false
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.seen.CompareAndSwap(false, true)
}

// Seen reports whether Latch has been called.
func (k *Keepalive) Seen() bool { return k.seen.Load() }

// Sent returns the number of silence frames sent successfully.
func (k *Keepalive) Sent() int64 { return k.sent.Load() }

// Stop cancels the timer and waits for it to exit. Safe to call more than
// once and before Start.
func (k *Keepalive) Stop() {
	k.stopOnce.Do(func() { close(k.stop) })
	// Never started: consume startOnce so a later Start stays inert.
	k.startOnce.Do(func() { close(k.done) })
	<-k.done
}
