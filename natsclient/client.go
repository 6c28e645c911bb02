// Package natsclient provides the stream client used by the pipeline:
// typed publish onto JetStream subjects and durable filtered consumers
// with explicit ack/nak semantics.
package natsclient

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/convolabai/langhook/errors"
)

// Error values for connection state checks.
var (
	ErrNotConnected = stderrors.New("not connected to NATS")
)

// StreamConfig describes a stream the pipeline depends on.
type StreamConfig struct {
	Name      string
	Subjects  []string
	Retention jetstream.RetentionPolicy
	Replicas  int
	MaxAge    time.Duration
}

// Client manages the NATS connection and JetStream handles.
type Client struct {
	url    string
	logger *slog.Logger

	conn *nats.Conn
	js   jetstream.JetStream

	clientName    string
	maxReconnects int
	reconnectWait time.Duration
	timeout       time.Duration
	drainTimeout  time.Duration

	onHealthChange func(bool)

	mu     sync.RWMutex
	closed atomic.Bool
}

// Option configures the client.
type Option func(*Client) error

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) error {
		if l == nil {
			return fmt.Errorf("nil logger")
		}
		c.logger = l
		return nil
	}
}

// WithName sets the client connection name.
func WithName(name string) Option {
	return func(c *Client) error {
		c.clientName = name
		return nil
	}
}

// WithConnectTimeout sets the dial timeout.
func WithConnectTimeout(d time.Duration) Option {
	return func(c *Client) error {
		if d <= 0 {
			return fmt.Errorf("connect timeout must be positive")
		}
		c.timeout = d
		return nil
	}
}

// WithDrainTimeout bounds connection draining on Close.
func WithDrainTimeout(d time.Duration) Option {
	return func(c *Client) error {
		if d <= 0 {
			return fmt.Errorf("drain timeout must be positive")
		}
		c.drainTimeout = d
		return nil
	}
}

// WithHealthChange registers a callback invoked on connect/disconnect.
func WithHealthChange(fn func(bool)) Option {
	return func(c *Client) error {
		c.onHealthChange = fn
		return nil
	}
}

// NewClient creates a NATS client for the given server URL.
func NewClient(url string, opts ...Option) (*Client, error) {
	c := &Client{
		url:           url,
		logger:        slog.Default(),
		clientName:    "langhook",
		maxReconnects: -1,
		reconnectWait: 2 * time.Second,
		timeout:       5 * time.Second,
		drainTimeout:  30 * time.Second,
	}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, errors.WrapInvalid(err, "Client", "NewClient", "apply option")
		}
	}
	return c, nil
}

// Connect establishes the connection and JetStream context.
func (c *Client) Connect(ctx context.Context) error {
	opts := []nats.Option{
		nats.Name(c.clientName),
		nats.MaxReconnects(c.maxReconnects),
		nats.ReconnectWait(c.reconnectWait),
		nats.Timeout(c.timeout),
		nats.DrainTimeout(c.drainTimeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			c.logger.Warn("broker disconnected", "error", err)
			c.notifyHealth(false)
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			c.logger.Info("broker reconnected")
			c.notifyHealth(true)
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			c.notifyHealth(false)
		}),
	}

	type dialResult struct {
		conn *nats.Conn
		err  error
	}
	done := make(chan dialResult, 1)
	go func() {
		conn, err := nats.Connect(c.url, opts...)
		done <- dialResult{conn, err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			return errors.WrapKind(res.err, errors.KindBrokerUnavailable, errors.ErrorTransient,
				"Client", "Connect")
		}
		js, err := jetstream.New(res.conn)
		if err != nil {
			res.conn.Close()
			return errors.WrapKind(err, errors.KindBrokerUnavailable, errors.ErrorTransient,
				"Client", "Connect")
		}
		c.mu.Lock()
		c.conn = res.conn
		c.js = js
		c.mu.Unlock()
	case <-ctx.Done():
		return errors.WrapKind(ctx.Err(), errors.KindBrokerUnavailable, errors.ErrorTransient,
			"Client", "Connect")
	}

	c.logger.Info("connected to broker", "url", c.url)
	c.notifyHealth(true)
	return nil
}

func (c *Client) notifyHealth(up bool) {
	if c.onHealthChange != nil {
		c.onHealthChange(up)
	}
}

// IsConnected reports whether the underlying connection is live.
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn != nil && c.conn.IsConnected()
}

// RTT returns the round-trip time to the broker.
func (c *Client) RTT() (time.Duration, error) {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil || !conn.IsConnected() {
		return 0, ErrNotConnected
	}
	return conn.RTT()
}

// Close drains and closes the connection. Safe to call once.
func (c *Client) Close(ctx context.Context) error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}

	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.js = nil
	c.mu.Unlock()

	if conn == nil {
		return nil
	}

	drainDone := make(chan error, 1)
	go func() { drainDone <- conn.Drain() }()

	select {
	case err := <-drainDone:
		if err != nil {
			conn.Close()
			return errors.Wrap(err, "Client", "Close", "drain connection")
		}
	case <-time.After(c.drainTimeout):
		conn.Close()
		return errors.WrapTransient(fmt.Errorf("drain timeout after %v", c.drainTimeout),
			"Client", "Close", "drain connection")
	case <-ctx.Done():
		conn.Close()
		return errors.Wrap(ctx.Err(), "Client", "Close", "drain connection")
	}
	return nil
}

func (c *Client) jetStream() (jetstream.JetStream, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.js == nil {
		return nil, ErrNotConnected
	}
	return c.js, nil
}
