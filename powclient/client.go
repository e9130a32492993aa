// Package powclient maintains the persistent websocket connection to the
// faucet server.
//
// The client dials the server, fetches the faucet configuration and
// announces it through OnOpen. Requests are correlated with responses by
// message id; server pushes are dispatched to per-action subscribers. When
// the connection drops the client redials after RetryInterval until its
// context is cancelled or MaxRetryTime elapses without a successful dial.
package powclient

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"powfaucet/event"
	"powfaucet/faucet"
	"powfaucet/logger"
)

var (
	// ErrNotConnected is returned by Call while no connection is open.
	ErrNotConnected = errors.New("not connected to faucet server")
	// ErrClosed is returned once the client has been closed.
	ErrClosed = errors.New("faucet client closed")
)

const writeWait = 10 * time.Second

// Options configures a Client.
type Options struct {
	URL            string
	Origin         string
	RetryInterval  time.Duration
	MaxRetryTime   time.Duration // 0 retries forever
	RequestTimeout time.Duration
	PingInterval   time.Duration
	Dialer         *websocket.Dialer
	Logger         *slog.Logger
}

// Client is the faucet server connection.
type Client struct {
	opts Options
	log  *slog.Logger

	mu      sync.Mutex
	conn    *websocket.Conn
	config  *faucet.FaucetConfig
	pending map[uint64]chan *faucet.Message
	pushes  map[string]*event.Emitter[*faucet.Message]

	writeMu sync.Mutex
	nextID  atomic.Uint64

	opened event.Emitter[*faucet.FaucetConfig]
	closed event.Emitter[error]

	done      chan struct{}
	closeOnce sync.Once
}

// New creates a client. Call Run to connect.
func New(opts Options) *Client {
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = 5 * time.Second
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 30 * time.Second
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}

	return &Client{
		opts:    opts,
		log:     logger.OrDefault(opts.Logger, "powclient"),
		pending: make(map[uint64]chan *faucet.Message),
		pushes:  make(map[string]*event.Emitter[*faucet.Message]),
		done:    make(chan struct{}),
	}
}

// Run connects and keeps the connection alive until ctx is cancelled, the
// client is closed, or no dial succeeds within MaxRetryTime.
func (c *Client) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-c.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	for {
		conn, err := c.dialWithRetry(ctx)
		if err != nil {
			if c.isClosed() {
				return ErrClosed
			}
			return err
		}

		err = c.serve(ctx, conn)
		if c.isClosed() {
			return ErrClosed
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		c.log.Warn("connection lost, reconnecting",
			"error", err,
			"retry_in", c.opts.RetryInterval)
		if !sleepCtx(ctx, c.opts.RetryInterval) {
			return ctx.Err()
		}
	}
}

func (c *Client) dialWithRetry(ctx context.Context) (*websocket.Conn, error) {
	started := time.Now()

	for {
		header := http.Header{}
		if c.opts.Origin != "" {
			header.Set("Origin", c.opts.Origin)
		}

		c.log.Debug("dialing faucet server", "url", c.opts.URL)
		conn, _, err := c.opts.Dialer.DialContext(ctx, c.opts.URL, header)
		if err == nil {
			return conn, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		elapsed := time.Since(started)
		if c.opts.MaxRetryTime > 0 && elapsed >= c.opts.MaxRetryTime {
			return nil, fmt.Errorf("failed to connect after %v: %w", c.opts.MaxRetryTime, err)
		}

		c.log.Warn("failed to connect, retrying",
			"url", c.opts.URL,
			"error", err,
			"retry_in", c.opts.RetryInterval)
		if !sleepCtx(ctx, c.opts.RetryInterval) {
			return nil, ctx.Err()
		}
	}
}

// serve runs one connection until it fails.
func (c *Client) serve(ctx context.Context, conn *websocket.Conn) error {
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	readErr := make(chan error, 1)
	go func() { readErr <- c.readLoop(conn) }()

	connCtx, stop := context.WithCancel(ctx)
	defer stop()
	if c.opts.PingInterval > 0 {
		go c.pingLoop(connCtx, conn)
	}

	var cfg faucet.FaucetConfig
	if err := c.Call(connCtx, faucet.ActionGetConfig, nil, &cfg); err != nil {
		conn.Close()
		err = fmt.Errorf("failed to fetch faucet config: %w", err)
		c.teardown(conn, err)
		<-readErr
		return err
	}
	c.setConfig(&cfg)
	c.log.Info("connected to faucet server", "url", c.opts.URL, "title", cfg.Title)

	var err error
	select {
	case err = <-readErr:
	case <-ctx.Done():
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeWait))
		conn.Close()
		err = <-readErr
	}
	c.teardown(conn, err)
	return err
}

func (c *Client) setConfig(cfg *faucet.FaucetConfig) {
	c.mu.Lock()
	c.config = cfg
	c.mu.Unlock()
	c.opened.Emit(cfg)
}

func (c *Client) readLoop(conn *websocket.Conn) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		var msg faucet.Message
		if err := faucet.Unmarshal(data, &msg); err != nil {
			c.log.Warn("invalid message from server", "error", err)
			continue
		}

		if msg.IsResponse() {
			c.mu.Lock()
			ch, ok := c.pending[msg.Rsp]
			delete(c.pending, msg.Rsp)
			c.mu.Unlock()
			if ok {
				ch <- &msg
			}
			continue
		}

		if msg.Action == faucet.ActionConfig {
			var cfg faucet.FaucetConfig
			if err := msg.Decode(&cfg); err != nil {
				c.log.Warn("invalid config push", "error", err)
				continue
			}
			c.setConfig(&cfg)
			continue
		}

		c.mu.Lock()
		em := c.pushes[msg.Action]
		c.mu.Unlock()
		if em != nil {
			em.Emit(&msg)
		} else {
			c.log.Debug("unhandled push", "action", msg.Action)
		}
	}
}

func (c *Client) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				c.log.Debug("ping failed", "error", err)
				return
			}
		}
	}
}

// teardown forgets conn and fails every pending call.
func (c *Client) teardown(conn *websocket.Conn, err error) {
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	pending := c.pending
	c.pending = make(map[uint64]chan *faucet.Message)
	c.mu.Unlock()

	for _, ch := range pending {
		close(ch)
	}
	c.closed.Emit(err)
}

// Call sends a request and decodes the response payload into resp. A nil
// req sends no payload; a nil resp discards it. Server-side failures are
// returned as *faucet.Error.
func (c *Client) Call(ctx context.Context, action string, req, resp any) error {
	if c.isClosed() {
		return ErrClosed
	}

	msg, err := faucet.NewMessage(action, req)
	if err != nil {
		return err
	}
	msg.ID = c.nextID.Add(1)

	data, err := faucet.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode %s request: %w", action, err)
	}

	ch := make(chan *faucet.Message, 1)
	c.mu.Lock()
	conn := c.conn
	if conn == nil {
		c.mu.Unlock()
		return ErrNotConnected
	}
	c.pending[msg.ID] = ch
	c.mu.Unlock()

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.RequestTimeout)
		defer cancel()
	}

	c.writeMu.Lock()
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	err = conn.WriteMessage(websocket.TextMessage, data)
	c.writeMu.Unlock()
	if err != nil {
		c.forget(msg.ID)
		return fmt.Errorf("failed to send %s request: %w", action, err)
	}

	select {
	case rsp, ok := <-ch:
		if !ok {
			return fmt.Errorf("%s: %w", action, ErrNotConnected)
		}
		if rsp.Action == faucet.ActionError {
			ferr := &faucet.Error{}
			if err := rsp.Decode(ferr); err != nil || ferr.Message == "" {
				ferr.Message = "request failed"
			}
			return ferr
		}
		if err := rsp.Decode(resp); err != nil {
			return fmt.Errorf("failed to decode %s response: %w", action, err)
		}
		return nil
	case <-ctx.Done():
		c.forget(msg.ID)
		return ctx.Err()
	}
}

func (c *Client) forget(id uint64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// OnOpen subscribes to connection openings. The listener receives the
// freshly fetched configuration, which replaces any previous one.
func (c *Client) OnOpen(fn func(*faucet.FaucetConfig)) *event.Subscription {
	return c.opened.Subscribe(fn)
}

// OnClose subscribes to connection losses.
func (c *Client) OnClose(fn func(error)) *event.Subscription {
	return c.closed.Subscribe(fn)
}

// OnPush subscribes to server pushes carrying action.
func (c *Client) OnPush(action string, fn func(*faucet.Message)) *event.Subscription {
	c.mu.Lock()
	em, ok := c.pushes[action]
	if !ok {
		em = &event.Emitter[*faucet.Message]{}
		c.pushes[action] = em
	}
	c.mu.Unlock()
	return em.Subscribe(fn)
}

// Config returns the last received faucet configuration, or nil.
func (c *Client) Config() *faucet.FaucetConfig {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.config
}

// Connected reports whether a connection is currently open.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Close shuts the client down and makes Run return.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
	})
	return nil
}

func (c *Client) isClosed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
