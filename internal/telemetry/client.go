package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
)

const (
	reconnectBackoff = time.Second
	closeTimeout     = 1500 * time.Millisecond
	maxMessageBytes  = 64 << 10
)

// Client keeps a websocket connection to the telemetry source open, reconnecting
// with a fixed backoff, and hands every text message to a handler.
type Client struct {
	logger *slog.Logger
	uuid   uuid.UUID

	url       string
	subscribe any
	handler   func([]byte)
	backoff   time.Duration

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	connected atomic.Bool
	connects  atomic.Int64
}

// Create a Client for the websocket at url. If subscribe is non-nil it is sent
// as JSON after every successful connect. handler runs on the client's goroutine.
func NewClient(url string, subscribe any, handler func([]byte), logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	uuid := uuid.New()
	logger = logger.With(
		"telemetry client uuid", uuid,
		"url", url,
	)
	return &Client{
		logger:    logger,
		uuid:      uuid,
		url:       url,
		subscribe: subscribe,
		handler:   handler,
		backoff:   reconnectBackoff,
	}
}

// Start connects in the background until ctx is cancelled or Close is called.
func (c *Client) Start(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		return
	}
	ctx, c.cancel = context.WithCancel(ctx)
	c.done = make(chan struct{})
	go c.run(ctx, c.done)
}

func (c *Client) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		err := c.session(ctx)
		c.connected.Store(false)
		if ctx.Err() != nil {
			return
		}
		c.logger.Debug("telemetry connection ended, reconnecting", "err", err, "backoff", c.backoff)

		select {
		case <-ctx.Done():
			return
		case <-time.After(c.backoff):
		}
	}
}

// One connection, from dial until the first read error.
func (c *Client) session(ctx context.Context) error {
	conn, _, err := websocket.Dial(ctx, c.url, nil)
	if err != nil {
		return err
	}
	defer conn.CloseNow()
	conn.SetReadLimit(maxMessageBytes)

	if c.subscribe != nil {
		if err := wsjson.Write(ctx, conn, c.subscribe); err != nil {
			return err
		}
	}

	c.connected.Store(true)
	if c.connects.Add(1) == 1 {
		c.logger.Info("telemetry connected")
	}

	for {
		messageType, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		if messageType == websocket.MessageText && c.handler != nil {
			c.handler(data)
		}
	}
}

// Connected reports whether a connection is currently open.
func (c *Client) Connected() bool {
	return c.connected.Load()
}

// Connects returns the number of successful connections so far.
func (c *Client) Connects() int64 {
	return c.connects.Load()
}

// Close stops the client and waits a bounded time for it to exit.
func (c *Client) Close() error {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel = nil
	c.mu.Unlock()
	if cancel == nil {
		return nil
	}

	cancel()
	select {
	case <-done:
	case <-time.After(closeTimeout):
		c.logger.Warn("timeout waiting for telemetry client to exit")
	}
	return nil
}
