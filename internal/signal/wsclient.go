package signal

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/quadcall/quadcall/internal/metrics"
	"github.com/quadcall/quadcall/internal/ratelimit"
)

const (
	wsWriteTimeout   = 10 * time.Second
	wsPongTimeout    = 30 * time.Second
	wsPingInterval   = 20 * time.Second
	wsRedialMinDelay = 500 * time.Millisecond
	wsRedialMaxDelay = 10 * time.Second
)

type WSClientOptions struct {
	// URL is the relay WebSocket endpoint. Room and peer identity are
	// appended as query parameters.
	URL       string
	RoomID    string
	PeerID    string
	AuthToken string

	// MaxMessageBytes caps a single inbound frame; larger frames kill the
	// connection (gorilla closes it for us).
	MaxMessageBytes int64
	// MessagesPerSecond bounds the inbound envelope rate. Excess frames are
	// dropped, not fatal.
	MessagesPerSecond int

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// WSClient is the signaling relay transport. Run dials the relay and
// redials with backoff until the context is cancelled; decoded inbound
// envelopes are delivered on Envelopes in arrival order.
type WSClient struct {
	opts    WSClientOptions
	logger  *slog.Logger
	metrics *metrics.Metrics
	bucket  *ratelimit.TokenBucket

	envelopes chan Envelope

	mu     sync.Mutex
	conn   *websocket.Conn
	closed bool
}

func NewWSClient(opts WSClientOptions) (*WSClient, error) {
	if opts.URL == "" {
		return nil, fmt.Errorf("signal: relay URL must be set")
	}
	if opts.RoomID == "" || opts.PeerID == "" {
		return nil, fmt.Errorf("signal: room and peer IDs must be set")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New()
	}
	if opts.MaxMessageBytes <= 0 {
		opts.MaxMessageBytes = 64 * 1024
	}
	if opts.MessagesPerSecond <= 0 {
		opts.MessagesPerSecond = 50
	}

	return &WSClient{
		opts:    opts,
		logger:  opts.Logger.With(slog.String("component", "wsclient")),
		metrics: opts.Metrics,
		bucket: ratelimit.NewTokenBucket(
			ratelimit.RealClock{},
			int64(opts.MessagesPerSecond),
			int64(opts.MessagesPerSecond),
		),
		envelopes: make(chan Envelope, 64),
	}, nil
}

// Envelopes returns the inbound envelope stream. The channel is closed
// when Run returns.
func (c *WSClient) Envelopes() <-chan Envelope {
	return c.envelopes
}

// Run dials the relay and pumps inbound frames until ctx is cancelled.
// Dial and read failures trigger a redial with exponential backoff.
func (c *WSClient) Run(ctx context.Context) error {
	defer close(c.envelopes)

	delay := wsRedialMinDelay
	for {
		if c.isClosed() {
			return ErrTransportClosed
		}

		conn, err := c.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.logger.Warn("relay dial failed, retrying", slog.Any("error", err), slog.Duration("delay", delay))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			delay = min(delay*2, wsRedialMaxDelay)
			continue
		}
		delay = wsRedialMinDelay

		c.setConn(conn)
		c.logger.Info("connected to relay", slog.String("url", c.opts.URL))

		err = c.readLoop(ctx, conn)
		c.setConn(nil)
		_ = conn.Close()

		if ctx.Err() != nil {
			return ctx.Err()
		}
		if c.isClosed() {
			return ErrTransportClosed
		}
		c.logger.Warn("relay connection lost, redialing", slog.Any("error", err))
	}
}

// Send marshals and writes one envelope. Returns ErrPeerUnreachable when
// the relay connection is currently down.
func (c *WSClient) Send(ctx context.Context, env Envelope) error {
	raw, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("signal: marshal envelope: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrTransportClosed
	}
	if c.conn == nil {
		return ErrPeerUnreachable
	}

	deadline := time.Now().Add(wsWriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return fmt.Errorf("signal: set write deadline: %w", err)
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
		return fmt.Errorf("%w: %w", ErrPeerUnreachable, err)
	}

	c.metrics.Inc(metrics.EnvelopesOut)
	return nil
}

// Close tears down the current connection and fails all future Sends.
// Run exits with ErrTransportClosed once it observes the closed flag.
func (c *WSClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.closed = true
	if c.conn != nil {
		err := c.conn.Close()
		c.conn = nil
		return err
	}
	return nil
}

func (c *WSClient) dial(ctx context.Context) (*websocket.Conn, error) {
	u, err := url.Parse(c.opts.URL)
	if err != nil {
		return nil, fmt.Errorf("signal: parse relay URL: %w", err)
	}
	q := u.Query()
	q.Set("roomId", c.opts.RoomID)
	q.Set("peerId", c.opts.PeerID)
	u.RawQuery = q.Encode()

	header := http.Header{}
	if c.opts.AuthToken != "" {
		header.Set("Authorization", "Bearer "+c.opts.AuthToken)
	}

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("signal: dial %s: %w", u.Host, err)
	}
	return conn, nil
}

func (c *WSClient) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *WSClient) setConn(conn *websocket.Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed && conn != nil {
		_ = conn.Close()
		return
	}
	c.conn = conn
}

func (c *WSClient) readLoop(ctx context.Context, conn *websocket.Conn) error {
	conn.SetReadLimit(c.opts.MaxMessageBytes)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongTimeout))
	})

	pingDone := make(chan struct{})
	defer close(pingDone)
	go c.pingLoop(conn, pingDone)

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		if !c.bucket.Allow(1) {
			c.metrics.Inc(metrics.EnvelopeDroppedRateLimit)
			c.logger.Warn("inbound envelope rate limited")
			continue
		}

		env, err := DecodeEnvelope(raw)
		if err != nil {
			c.metrics.Inc(metrics.EnvelopeDroppedMalformed)
			c.logger.Debug("dropping malformed envelope", slog.Any("error", err))
			continue
		}

		c.metrics.Inc(metrics.EnvelopesIn)
		select {
		case c.envelopes <- env:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *WSClient) pingLoop(conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			deadline := time.Now().Add(wsWriteTimeout)
			c.mu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, deadline)
			c.mu.Unlock()
			if err != nil {
				return
			}
		}
	}
}
