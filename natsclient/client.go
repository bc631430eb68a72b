// Package natsclient mirrors relay traffic onto a NATS bus.
//
// The client wraps nats.go with connection status tracking and a small
// circuit breaker: after a run of failed connects the client refuses new
// attempts until the backoff elapses.
package natsclient

import (
	"context"
	"crypto/tls"
	stderrors "errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/c360/chatrelay/errors"
	"github.com/c360/chatrelay/health"
)

// ConnectionStatus represents the state of the NATS connection
type ConnectionStatus int

// Possible connection statuses
const (
	StatusDisconnected ConnectionStatus = iota
	StatusConnecting
	StatusConnected
	StatusReconnecting
	StatusCircuitOpen
)

// String returns the string representation of ConnectionStatus
func (s ConnectionStatus) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusReconnecting:
		return "reconnecting"
	case StatusCircuitOpen:
		return "circuit_open"
	default:
		return "unknown"
	}
}

// Error messages
var (
	ErrNotConnected = stderrors.New("not connected to NATS")
	ErrCircuitOpen  = stderrors.New("circuit breaker is open")
)

// Client manages one NATS connection.
type Client struct {
	url    string
	logger *slog.Logger

	status   atomic.Value // ConnectionStatus
	failures atomic.Int32

	// circuit breaker
	circuitThreshold int32
	backoff          time.Duration
	maxBackoff       time.Duration
	openedAt         time.Time

	maxReconnects int
	reconnectWait time.Duration
	timeout       time.Duration
	drainTimeout  time.Duration
	name          string
	tls           *tls.Config

	mu     sync.RWMutex
	conn   *nats.Conn
	closed atomic.Bool
}

// ClientOption is a functional option for configuring the Client
type ClientOption func(*Client) error

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) error {
		if logger != nil {
			c.logger = logger
		}
		return nil
	}
}

// WithName sets the client name reported to the server.
func WithName(name string) ClientOption {
	return func(c *Client) error {
		c.name = name
		return nil
	}
}

// WithMaxReconnects sets the maximum number of reconnection attempts (-1 for infinite)
func WithMaxReconnects(max int) ClientOption {
	return func(c *Client) error {
		c.maxReconnects = max
		return nil
	}
}

// WithReconnectWait sets the wait time between reconnection attempts
func WithReconnectWait(d time.Duration) ClientOption {
	return func(c *Client) error {
		if d < 0 {
			return errors.ErrInvalidConfig
		}
		c.reconnectWait = d
		return nil
	}
}

// WithTimeout sets the dial timeout.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) error {
		if d <= 0 {
			return errors.ErrInvalidConfig
		}
		c.timeout = d
		return nil
	}
}

// WithCircuitBreaker sets how many consecutive connect failures open the
// circuit and the initial backoff before another attempt is allowed.
func WithCircuitBreaker(threshold int, backoff time.Duration) ClientOption {
	return func(c *Client) error {
		if threshold <= 0 || backoff <= 0 {
			return errors.ErrInvalidConfig
		}
		c.circuitThreshold = int32(threshold)
		c.backoff = backoff
		return nil
	}
}

// WithTLS secures the connection with cfg. A nil cfg is ignored.
func WithTLS(cfg *tls.Config) ClientOption {
	return func(c *Client) error {
		c.tls = cfg
		return nil
	}
}

// NewClient creates a new NATS client with optional configuration
func NewClient(url string, opts ...ClientOption) (*Client, error) {
	c := &Client{
		url:              url,
		logger:           slog.Default(),
		circuitThreshold: 5,
		backoff:          time.Second,
		maxBackoff:       time.Minute,
		maxReconnects:    -1,
		reconnectWait:    2 * time.Second,
		timeout:          5 * time.Second,
		drainTimeout:     10 * time.Second,
		name:             "chatrelay",
	}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, errors.WrapInvalid(err, "Client", "NewClient", "apply option")
		}
	}
	c.logger = c.logger.With("component", "nats")
	c.status.Store(StatusDisconnected)
	return c, nil
}

// URL returns the NATS server URL
func (c *Client) URL() string {
	return c.url
}

// Status returns the current connection status
func (c *Client) Status() ConnectionStatus {
	return c.status.Load().(ConnectionStatus)
}

// IsHealthy returns true if the connection is healthy
func (c *Client) IsHealthy() bool {
	return c.Status() == StatusConnected
}

// Failures returns the current failure count
func (c *Client) Failures() int32 {
	return c.failures.Load()
}

// recordFailure counts a failed connect and opens the circuit at the threshold.
func (c *Client) recordFailure() {
	n := c.failures.Add(1)
	if n < c.circuitThreshold {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.openedAt.IsZero() {
		c.backoff = min(c.backoff*2, c.maxBackoff)
	}
	c.openedAt = time.Now()
	c.status.Store(StatusCircuitOpen)
	c.logger.Warn("Circuit breaker opened", "failures", n, "backoff", c.backoff)
}

// circuitAllows reports whether a connect may be attempted.
func (c *Client) circuitAllows() bool {
	if c.Status() != StatusCircuitOpen {
		return true
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return time.Since(c.openedAt) >= c.backoff
}

func (c *Client) resetCircuit() {
	c.failures.Store(0)
	c.mu.Lock()
	c.backoff = max(c.backoff/2, time.Second)
	c.openedAt = time.Time{}
	c.mu.Unlock()
}

func (c *Client) connectionOptions() []nats.Option {
	opts := []nats.Option{
		nats.Name(c.name),
		nats.MaxReconnects(c.maxReconnects),
		nats.ReconnectWait(c.reconnectWait),
		nats.Timeout(c.timeout),
		nats.DrainTimeout(c.drainTimeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			c.status.Store(StatusReconnecting)
			c.logger.Warn("NATS disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			c.status.Store(StatusConnected)
			c.logger.Info("NATS reconnected", "url", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			c.status.Store(StatusDisconnected)
		}),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			c.logger.Error("NATS error", "error", err)
		}),
	}
	if c.tls != nil {
		opts = append(opts, nats.Secure(c.tls))
	}
	return opts
}

// Connect establishes the connection to the NATS server.
func (c *Client) Connect(ctx context.Context) error {
	if c.closed.Load() {
		return errors.ErrAlreadyStopped
	}
	if !c.circuitAllows() {
		return ErrCircuitOpen
	}

	c.status.Store(StatusConnecting)
	c.logger.Info("Connecting to NATS", "url", c.url)

	type result struct {
		conn *nats.Conn
		err  error
	}
	done := make(chan result, 1)
	go func() {
		conn, err := nats.Connect(c.url, c.connectionOptions()...)
		done <- result{conn, err}
	}()

	var res result
	select {
	case res = <-done:
	case <-ctx.Done():
		// close the late connection if it arrives
		go func() {
			if r := <-done; r.conn != nil {
				r.conn.Close()
			}
		}()
		res.err = ctx.Err()
	}

	if res.err != nil {
		c.status.Store(StatusDisconnected)
		c.recordFailure()
		return errors.WrapTransient(res.err, "Client", "Connect", "establish connection")
	}

	c.mu.Lock()
	c.conn = res.conn
	c.mu.Unlock()
	c.status.Store(StatusConnected)
	c.resetCircuit()
	c.logger.Info("Connected to NATS", "url", c.url)
	return nil
}

// Publish publishes data to subject.
func (c *Client) Publish(_ context.Context, subject string, data []byte) error {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()

	if conn == nil || !conn.IsConnected() {
		return ErrNotConnected
	}
	if err := conn.Publish(subject, data); err != nil {
		return errors.WrapTransient(err, "Client", "Publish", "publish to "+subject)
	}
	return nil
}

// Close drains and closes the connection. Safe to call more than once.
func (c *Client) Close(ctx context.Context) error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}

	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	defer c.status.Store(StatusDisconnected)
	if conn == nil {
		return nil
	}

	drained := make(chan error, 1)
	go func() { drained <- conn.Drain() }()

	var err error
	select {
	case err = <-drained:
	case <-ctx.Done():
		err = ctx.Err()
	}
	conn.Close()
	return errors.Wrap(err, "Client", "Close", "drain connection")
}

// Health reports the connection status.
func (c *Client) Health() health.Status {
	st := c.Status()
	switch st {
	case StatusConnected:
		return health.NewHealthy("nats", "connected")
	default:
		// the mirror is optional, so an absent bus only degrades the relay
		return health.NewDegraded("nats", st.String())
	}
}
