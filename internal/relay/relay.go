// Package relay is the page-side hop: it takes tagged requests a page posts
// on its own window, forwards them unchanged to the background, and posts
// the correlated answer back. It never looks at the request kind.
package relay

import (
	"context"
	"errors"
	"sync"

	"github.com/quantumauth-io/quantum-go-utils/log"
	"github.com/quantumauth-io/quantum-wallet-agent/internal/router"
)

// UnableToSend replaces any failure of the background hop.
const UnableToSend = "Unable to send message to extension"

var ErrChannelFull = errors.New("relay: channel full")

// Window identifies a browsing context. Identity is the pointer: two
// windows with the same name are still different windows.
type Window struct {
	Name string
}

type PageMessage struct {
	Window *Window
	Data   []byte
}

// Channel is a bounded message bus between a page and its relay.
type Channel struct {
	ch chan PageMessage
}

func NewChannel(size int) *Channel {
	if size <= 0 {
		size = 1
	}
	return &Channel{ch: make(chan PageMessage, size)}
}

// Post never blocks; a full channel is reported to the sender.
func (c *Channel) Post(msg PageMessage) error {
	select {
	case c.ch <- msg:
		return nil
	default:
		return ErrChannelFull
	}
}

func (c *Channel) Messages() <-chan PageMessage { return c.ch }

// Background is the trusted side of the relay.
type Background interface {
	Send(ctx context.Context, data []byte) ([]byte, error)
}

// Local sends to an in-process dispatcher.
type Local struct {
	Dispatcher *router.Dispatcher
}

func (l Local) Send(ctx context.Context, data []byte) ([]byte, error) {
	return l.Dispatcher.DispatchJSON(ctx, data)
}

type Relay struct {
	window *Window
	in     *Channel
	out    *Channel
	bg     Background
}

// New relays requests posted on in by window to bg, answering on out.
func New(window *Window, in, out *Channel, bg Background) *Relay {
	return &Relay{window: window, in: in, out: out, bg: bg}
}

// Run forwards until ctx is done or in is closed. Each request is sent on
// its own goroutine; Run waits for them before returning.
func (r *Relay) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-r.in.Messages():
			if !ok {
				return nil
			}
			hdr, accepted := r.accept(msg)
			if !accepted {
				continue
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				r.forward(ctx, hdr.MessageID, msg.Data)
			}()
		}
	}
}

func (r *Relay) accept(msg PageMessage) (router.Header, bool) {
	if msg.Window != r.window {
		log.Error("protocol violation: message from a foreign window dropped", "window", windowName(msg.Window))
		return router.Header{}, false
	}
	hdr, err := router.PeekHeader(msg.Data)
	if err != nil {
		return router.Header{}, false
	}
	// the page also sees its own responses on the same bus
	if hdr.Source != router.SourceRequest {
		return router.Header{}, false
	}
	return hdr, true
}

func (r *Relay) forward(ctx context.Context, id int64, data []byte) {
	resp := r.exchange(ctx, id, data)
	b, err := resp.MarshalJSON()
	if err != nil {
		log.Error("relay: encode response", "message_id", id, "error", err)
		return
	}
	if err := r.out.Post(PageMessage{Window: r.window, Data: b}); err != nil {
		log.Warn("relay: response dropped", "message_id", id, "error", err)
	}
}

func (r *Relay) exchange(ctx context.Context, id int64, data []byte) router.Response {
	raw, err := r.bg.Send(ctx, data)
	if err != nil {
		log.Warn("relay: background send failed", "message_id", id, "error", err)
		return router.ErrorResponse(id, UnableToSend)
	}

	var resp router.Response
	if err := resp.UnmarshalJSON(raw); err != nil {
		log.Error("protocol violation: malformed background response", "message_id", id, "error", err)
		return router.ErrorResponse(id, UnableToSend)
	}
	if resp.MessageID != id {
		log.Error("protocol violation: response for another message", "message_id", id, "got", resp.MessageID)
		return router.ErrorResponse(id, UnableToSend)
	}
	resp.Source = router.SourceResponse
	return resp
}

func windowName(w *Window) string {
	if w == nil {
		return "<nil>"
	}
	return w.Name
}
