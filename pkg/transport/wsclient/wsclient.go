// Package wsclient connects to the orchestrator's websocket and moves frames
// between it and a session. Reconnecting is left to the caller; after a new
// Dial the orchestrator's next checkpointUpdate resynchronises the session.
package wsclient

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wilhg/ckptviz/pkg/errmodel"
	"github.com/wilhg/ckptviz/pkg/protocol"
)

// Dispatcher receives inbound frames one at a time in arrival order.
type Dispatcher interface {
	Dispatch(ctx context.Context, data []byte)
}

// DispatcherFunc adapts a function to Dispatcher.
type DispatcherFunc func(ctx context.Context, data []byte)

func (f DispatcherFunc) Dispatch(ctx context.Context, data []byte) { f(ctx, data) }

var ErrClosed = errmodel.Network("closed", "websocket connection is closed", nil, nil)

// Client is one websocket connection. Send is safe for concurrent use; Run
// must be called at most once.
type Client struct {
	conn         *websocket.Conn
	logger       *slog.Logger
	writeTimeout time.Duration

	writeMu sync.Mutex
	closeMu sync.Mutex
	closed  bool
}

// Option configures a Client at dial time.
type Option func(*options)

type options struct {
	logger       *slog.Logger
	header       http.Header
	dialer       *websocket.Dialer
	writeTimeout time.Duration
}

func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithHeader adds request headers to the handshake.
func WithHeader(h http.Header) Option { return func(o *options) { o.header = h } }

// WithDialer replaces websocket.DefaultDialer.
func WithDialer(d *websocket.Dialer) Option {
	return func(o *options) {
		if d != nil {
			o.dialer = d
		}
	}
}

// WithWriteTimeout bounds every Send. Zero disables the deadline.
func WithWriteTimeout(d time.Duration) Option { return func(o *options) { o.writeTimeout = d } }

// Dial opens a websocket connection to url (ws:// or wss://).
func Dial(ctx context.Context, url string, opts ...Option) (*Client, error) {
	o := options{logger: slog.Default(), dialer: websocket.DefaultDialer, writeTimeout: 5 * time.Second}
	for _, opt := range opts {
		opt(&o)
	}
	conn, resp, err := o.dialer.DialContext(ctx, url, o.header)
	if err != nil {
		ctxMap := map[string]any{"url": url}
		if resp != nil {
			ctxMap["status"] = resp.StatusCode
		}
		return nil, errmodel.Network("dial_failed", "connect to orchestrator", ctxMap, err)
	}
	o.logger.Info("connected to orchestrator", "url", url)
	return &Client{conn: conn, logger: o.logger, writeTimeout: o.writeTimeout}, nil
}

// Run reads frames until ctx is done or the connection drops and hands each
// text frame to d before reading the next. A normal close returns nil.
func (c *Client) Run(ctx context.Context, d Dispatcher) error {
	stop := context.AfterFunc(ctx, func() { _ = c.Close() })
	defer stop()

	for {
		typ, data, err := c.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) || c.isClosed() {
				c.logger.Info("orchestrator connection closed")
				return nil
			}
			return errmodel.Network("read_failed", "read from orchestrator", nil, err)
		}
		if typ != websocket.TextMessage && typ != websocket.BinaryMessage {
			continue
		}
		d.Dispatch(ctx, data)
	}
}

// Send writes one outbound frame.
func (c *Client) Send(ctx context.Context, msg protocol.Outbound) error {
	if c.isClosed() {
		return ErrClosed
	}
	data, err := msg.Encode()
	if err != nil {
		return errmodel.System("encode_failed", "encode outbound frame", nil, err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	deadline := time.Time{}
	if c.writeTimeout > 0 {
		deadline = time.Now().Add(c.writeTimeout)
	}
	if dl, ok := ctx.Deadline(); ok && (deadline.IsZero() || dl.Before(deadline)) {
		deadline = dl
	}
	_ = c.conn.SetWriteDeadline(deadline)
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return errmodel.Network("send_failed", "write to orchestrator", map[string]any{"kind": string(msg.Kind)}, err)
	}
	c.logger.Debug("frame sent", "kind", string(msg.Kind))
	return nil
}

// Close sends a close frame and closes the connection. It is idempotent.
func (c *Client) Close() error {
	c.closeMu.Lock()
	if c.closed {
		c.closeMu.Unlock()
		return nil
	}
	c.closed = true
	c.closeMu.Unlock()

	c.writeMu.Lock()
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	c.writeMu.Unlock()
	err := c.conn.Close()
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

func (c *Client) isClosed() bool {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	return c.closed
}
