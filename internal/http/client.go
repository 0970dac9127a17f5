package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/quantumauth-io/quantum-go-utils/log"
	"github.com/quantumauth-io/quantum-go-utils/retry"
	"github.com/quantumauth-io/quantum-wallet-agent/internal/router"
)

var (
	ErrClientClosed   = errors.New("http: client closed")
	ErrConnectionLost = errors.New("http: connection lost")
	ErrDuplicateID    = errors.New("http: message id already in flight")
)

// Client carries request envelopes to the agent over its extension
// WebSocket. It satisfies relay.Background.
type Client struct {
	url    string
	header http.Header

	initialDelay time.Duration
	maxDelay     time.Duration
	dialTimeout  time.Duration

	mu      sync.Mutex
	conn    *clientConn
	pending map[int64]chan []byte
	closed  bool
}

type clientConn struct {
	ws   *websocket.Conn
	done chan struct{}
}

type ClientOption func(*Client)

// WithRedialBackoff sets the delays between dial attempts.
func WithRedialBackoff(initial, maxDelay time.Duration) ClientOption {
	return func(c *Client) {
		c.initialDelay = initial
		c.maxDelay = maxDelay
	}
}

// WithDialTimeout bounds all dial attempts of one Send.
func WithDialTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.dialTimeout = d }
}

// NewClient returns a client for the agent's /extension/ws endpoint at url,
// authenticating with the pairing token.
func NewClient(url, token string, opts ...ClientOption) *Client {
	h := http.Header{}
	h.Set(extensionPairHeader, token)

	c := &Client{
		url:          url,
		header:       h,
		initialDelay: 200 * time.Millisecond,
		maxDelay:     2 * time.Second,
		dialTimeout:  10 * time.Second,
		pending:      make(map[int64]chan []byte),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Send writes one request envelope and waits for the response carrying the
// same messageId.
func (c *Client) Send(ctx context.Context, data []byte) ([]byte, error) {
	hdr, err := router.PeekHeader(data)
	if err != nil {
		return nil, err
	}

	cc, err := c.connect(ctx)
	if err != nil {
		return nil, err
	}

	ch, err := c.register(hdr.MessageID)
	if err != nil {
		return nil, err
	}
	defer c.unregister(hdr.MessageID)

	if err := cc.ws.Write(ctx, websocket.MessageText, data); err != nil {
		c.drop(cc)
		return nil, fmt.Errorf("http: write: %w", err)
	}

	select {
	case b := <-ch:
		return b, nil
	case <-cc.done:
		return nil, ErrConnectionLost
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Client) Close() error {
	c.mu.Lock()
	c.closed = true
	cc := c.conn
	c.conn = nil
	c.mu.Unlock()

	if cc == nil {
		return nil
	}
	return cc.ws.Close(websocket.StatusNormalClosure, "")
}

// connect returns the live connection, dialing with backoff when there is
// none.
func (c *Client) connect(ctx context.Context) (*clientConn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrClientClosed
	}
	if c.conn != nil {
		return c.conn, nil
	}

	dialCtx, cancel := context.WithTimeout(ctx, c.dialTimeout)
	defer cancel()

	cfg := retry.DefaultConfig()
	cfg.InitialDelayBeforeRetrying = c.initialDelay
	cfg.MaxDelayBeforeRetrying = c.maxDelay

	var ws *websocket.Conn
	_, err := retry.Retry(dialCtx, cfg,
		func(ctx context.Context) ([]interface{}, error) {
			conn, _, err := websocket.Dial(ctx, c.url, &websocket.DialOptions{HTTPHeader: c.header})
			if err != nil {
				return nil, err
			}
			ws = conn
			return nil, nil
		}, nil, "dial agent")
	if err != nil {
		return nil, fmt.Errorf("http: dial: %w", err)
	}

	ws.SetReadLimit(maxEnvelopeBytes)
	cc := &clientConn{ws: ws, done: make(chan struct{})}
	c.conn = cc
	go c.readLoop(cc)
	return cc, nil
}

func (c *Client) readLoop(cc *clientConn) {
	defer close(cc.done)
	defer c.drop(cc)

	for {
		_, data, err := cc.ws.Read(context.Background())
		if err != nil {
			if websocket.CloseStatus(err) == -1 {
				log.Warn("agent websocket read", "error", err)
			}
			return
		}

		hdr, err := router.PeekHeader(data)
		if err != nil {
			log.Error("protocol violation: malformed response from agent", "error", err)
			continue
		}

		c.mu.Lock()
		ch, ok := c.pending[hdr.MessageID]
		if ok {
			delete(c.pending, hdr.MessageID)
		}
		c.mu.Unlock()

		if !ok {
			log.Error("protocol violation: response for unknown message", "message_id", hdr.MessageID)
			continue
		}
		ch <- data
	}
}

func (c *Client) register(id int64) (chan []byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, busy := c.pending[id]; busy {
		return nil, fmt.Errorf("%w: %d", ErrDuplicateID, id)
	}
	ch := make(chan []byte, 1)
	c.pending[id] = ch
	return ch, nil
}

func (c *Client) unregister(id int64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// drop forgets cc so the next Send redials.
func (c *Client) drop(cc *clientConn) {
	c.mu.Lock()
	if c.conn == cc {
		c.conn = nil
	}
	c.mu.Unlock()
	_ = cc.ws.CloseNow()
}
