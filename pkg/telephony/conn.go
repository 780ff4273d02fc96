package telephony

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"slices"
	"strings"
	"sync"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// DefaultSubprotocol is the WebSocket subprotocol spoken by Twilio Media Streams.
const DefaultSubprotocol = "audio.twilio.com"

// ErrSubprotocol is returned by [Accept] when the client did not offer the
// required subprotocol.
var ErrSubprotocol = errors.New("telephony: required subprotocol not offered")

// Leg is the telephony side of a bridged call. Read must only be called from
// one goroutine; Send and Close are safe for concurrent use.
type Leg interface {
	// Read blocks until the next raw control message arrives.
	Read(ctx context.Context) ([]byte, error)

	// Send writes one outbound control message.
	Send(ctx context.Context, msg Outbound) error

	// Close closes the leg. Calling Close more than once is safe and returns nil.
	Close(reason string) error
}

// AcceptOptions configures [Accept].
type AcceptOptions struct {
	// Subprotocol is negotiated when the client offers it. Empty disables
	// negotiation.
	Subprotocol string

	// RequireSubprotocol rejects upgrades that do not offer Subprotocol.
	RequireSubprotocol bool

	// ReadLimit caps the size of a single inbound message. Zero keeps the
	// library default.
	ReadLimit int64
}

// Compile-time assertion that Conn satisfies Leg.
var _ Leg = (*Conn)(nil)

// Conn is a [Leg] backed by a WebSocket connection.
type Conn struct {
	ws        *websocket.Conn
	closeOnce sync.Once
}

// NewConn wraps an already-established WebSocket connection.
func NewConn(ws *websocket.Conn) *Conn {
	return &Conn{ws: ws}
}

// Accept upgrades an HTTP request into a telephony leg. When
// RequireSubprotocol is set and the client did not offer the subprotocol,
// Accept replies 400 without upgrading and returns [ErrSubprotocol].
func Accept(w http.ResponseWriter, r *http.Request, opts AcceptOptions) (*Conn, error) {
	var subprotocols []string
	if opts.Subprotocol != "" {
		subprotocols = []string{opts.Subprotocol}
		if opts.RequireSubprotocol && !offersSubprotocol(r, opts.Subprotocol) {
			http.Error(w, "unsupported websocket subprotocol", http.StatusBadRequest)
			return nil, ErrSubprotocol
		}
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols: subprotocols,
	})
	if err != nil {
		return nil, fmt.Errorf("telephony: accept: %w", err)
	}
	if opts.ReadLimit > 0 {
		ws.SetReadLimit(opts.ReadLimit)
	}
	return NewConn(ws), nil
}

// offersSubprotocol reports whether the upgrade request lists want.
func offersSubprotocol(r *http.Request, want string) bool {
	for _, h := range r.Header.Values("Sec-WebSocket-Protocol") {
		parts := strings.Split(h, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		if slices.Contains(parts, want) {
			return true
		}
	}
	return false
}

// Subprotocol returns the negotiated subprotocol, or "" if none.
func (c *Conn) Subprotocol() string { return c.ws.Subprotocol() }

// Read implements [Leg].
func (c *Conn) Read(ctx context.Context) ([]byte, error) {
	_, data, err := c.ws.Read(ctx)
	if err != nil {
		return nil, err
	}
	return data, nil
}

// Send implements [Leg].
func (c *Conn) Send(ctx context.Context, msg Outbound) error {
	if err := wsjson.Write(ctx, c.ws, msg); err != nil {
		return fmt.Errorf("telephony: send %s: %w", msg.Event, err)
	}
	return nil
}

// Close implements [Leg].
func (c *Conn) Close(reason string) error {
	var err error
	c.closeOnce.Do(func() {
		err = c.ws.Close(websocket.StatusNormalClosure, reason)
		if errors.Is(err, net.ErrClosed) || websocket.CloseStatus(err) != -1 {
			err = nil
		}
	})
	return err
}

// IsNormalClosure reports whether err from [Leg.Read] means the peer hung up
// cleanly rather than the connection failing.
func IsNormalClosure(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, net.ErrClosed) {
		return true
	}
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		return true
	}
	return false
}
