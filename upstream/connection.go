// Package upstream maintains the relay's single Socket Mode session.
//
// A supervisor goroutine walks the state machine
// Disconnected -> Connecting -> Open -> Closing -> Disconnected. Each
// attempt provisions a fresh URL and dials it. While a session is open
// the supervisor owns that generation's ping ticker and idle watchdog and
// stops both before the next attempt. A reader goroutine per session
// acknowledges every envelope id before anything else happens to the frame,
// then hands events_api envelopes to the ingestion queue.
package upstream

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360/chatrelay/errors"
	"github.com/c360/chatrelay/health"
	"github.com/c360/chatrelay/message"
	"github.com/c360/chatrelay/metric"
	"github.com/c360/chatrelay/pkg/buffer"
	"github.com/c360/chatrelay/pkg/retry"
)

// session is one dialed socket and its liveness state.
type session struct {
	gen  uint64
	conn Conn

	lastActivity atomic.Int64

	finishOnce sync.Once
	ended      chan closeCause
	readerDone chan struct{}
}

func newSession(gen uint64, conn Conn, now time.Time) *session {
	s := &session{
		gen:        gen,
		conn:       conn,
		ended:      make(chan closeCause, 1),
		readerDone: make(chan struct{}),
	}
	s.touch(now)
	return s
}

func (s *session) touch(now time.Time) {
	s.lastActivity.Store(now.UnixNano())
}

func (s *session) idleFor(now time.Time) time.Duration {
	return now.Sub(time.Unix(0, s.lastActivity.Load()))
}

// finish reports the first cause only.
func (s *session) finish(cause closeCause) {
	s.finishOnce.Do(func() {
		s.ended <- cause
	})
}

// Stats is a snapshot of connection counters.
type Stats struct {
	State             State
	Generation        uint64
	EnvelopesReceived int64
	AcksSent          int64
	EventsQueued      int64
	Reconnects        int64
	LastActivity      time.Time
}

// Connection supervises the upstream socket.
type Connection struct {
	cfg         Config
	provisioner Provisioner
	dialer      Dialer
	queue       buffer.Queue[*message.Envelope]
	logger      *slog.Logger
	metrics     *metric.Metrics
	now         func() time.Time

	// mu guards the current session pointer, state and backoff. Only the
	// supervisor goroutine connects, so attempts never overlap.
	mu         sync.Mutex
	current    *session
	state      State
	backoff    *retry.Backoff
	generation uint64
	lastErr    error
	fatal      bool

	envelopes  atomic.Int64
	acks       atomic.Int64
	queued     atomic.Int64
	reconnects atomic.Int64

	lifecycleMu sync.Mutex
	cancel      context.CancelFunc
	done        chan struct{}
}

// Option configures a Connection.
type Option func(*Connection)

// WithMetrics records upstream metrics in registry.
func WithMetrics(registry *metric.MetricsRegistry) Option {
	return func(c *Connection) {
		if registry != nil {
			c.metrics = registry.CoreMetrics()
		}
	}
}

// WithDialer replaces the gorilla/websocket dialer.
func WithDialer(d Dialer) Option {
	return func(c *Connection) {
		if d != nil {
			c.dialer = d
		}
	}
}

// NewConnection creates a stopped connection that feeds queue.
func NewConnection(cfg Config, provisioner Provisioner, queue buffer.Queue[*message.Envelope], logger *slog.Logger, opts ...Option) (*Connection, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if provisioner == nil || queue == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "upstream", "NewConnection", "provisioner and queue are required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	c := &Connection{
		cfg:         cfg,
		provisioner: provisioner,
		dialer:      NewWebsocketDialer(cfg.DialTimeout, cfg.WriteTimeout),
		queue:       queue,
		logger:      logger.With("component", "upstream"),
		now:         time.Now,
		state:       StateDisconnected,
		backoff:     retry.NewBackoff(cfg.BackoffFloor, cfg.BackoffCap, cfg.Jitter),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Start launches the supervisor.
func (c *Connection) Start(ctx context.Context) error {
	c.lifecycleMu.Lock()
	defer c.lifecycleMu.Unlock()

	if c.cancel != nil {
		return errors.WrapFatal(errors.ErrAlreadyStarted, "upstream", "Start", "check started state")
	}

	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})
	go c.run(runCtx, c.done)
	return nil
}

// Stop closes the current session and waits for the supervisor to exit.
func (c *Connection) Stop(timeout time.Duration) error {
	c.lifecycleMu.Lock()
	defer c.lifecycleMu.Unlock()

	if c.cancel == nil {
		return nil
	}
	c.cancel()

	select {
	case <-c.done:
	case <-time.After(timeout):
		return errors.WrapTransient(errors.ErrConnectionTimeout, "upstream", "Stop", "wait for supervisor")
	}
	c.cancel = nil
	c.done = nil
	return nil
}

// Done is closed when the supervisor exits, either on Stop or after a
// fatal startup failure. Returns nil before Start.
func (c *Connection) Done() <-chan struct{} {
	c.lifecycleMu.Lock()
	defer c.lifecycleMu.Unlock()
	return c.done
}

func (c *Connection) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	defer c.setState(StateDisconnected)

	opened := false
	for {
		if ctx.Err() != nil {
			return
		}

		c.setState(StateConnecting)
		sess, err := c.connect(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.setLastErr(err)
			if !opened && (errors.IsFatal(err) || errors.IsInvalid(err)) {
				c.logger.Error("Upstream provisioning rejected at startup, not retrying", "error", err)
				c.mu.Lock()
				c.fatal = true
				c.mu.Unlock()
				c.recordError(err)
				return
			}

			c.setState(StateDisconnected)
			delay := c.backoff.Next()
			c.recordReconnect(causeConnectError)
			c.logger.Warn("Upstream connect failed, retrying", "error", err, "delay", delay)
			if !sleep(ctx, delay) {
				return
			}
			continue
		}
		opened = true

		cause := c.serve(ctx, sess)
		c.clearSession(sess)
		c.setState(StateDisconnected)
		if cause.kind == causeShutdown || ctx.Err() != nil {
			return
		}

		delay := cause.retryAfter
		if delay <= 0 {
			delay = c.backoff.Next()
		}
		if cause.err != nil {
			c.setLastErr(cause.err)
			c.recordError(cause.err)
		}
		c.recordReconnect(cause.kind)
		c.logger.Info("Upstream session closed, reconnecting",
			"generation", sess.gen, "cause", cause.kind, "reason", cause.reason, "error", cause.err, "delay", delay)
		if !sleep(ctx, delay) {
			return
		}
	}
}

// connect provisions a fresh URL, dials it and installs the new session.
func (c *Connection) connect(ctx context.Context) (*session, error) {
	url, err := c.provisioner.OpenConnection(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "upstream", "connect", "provision socket url")
	}

	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.DialTimeout)
	defer cancel()
	conn, err := c.dialer.Dial(dialCtx, url)
	if err != nil {
		return nil, errors.WrapTransient(err, "upstream", "connect", "dial socket")
	}

	c.mu.Lock()
	c.generation++
	sess := newSession(c.generation, conn, c.now())
	prev := c.current
	c.current = sess
	c.backoff.Reset()
	c.state = StateOpen
	c.lastErr = nil
	c.mu.Unlock()

	if prev != nil {
		_ = prev.conn.Close()
	}
	conn.OnHeartbeat(func() { sess.touch(c.now()) })

	if c.metrics != nil {
		c.metrics.RecordUpstreamState(int(StateOpen))
	}
	c.logger.Info("Upstream session open", "generation", sess.gen)
	return sess, nil
}

// serve runs one generation until it ends, then tears it down.
func (c *Connection) serve(ctx context.Context, sess *session) closeCause {
	go c.readLoop(sess)

	ping := time.NewTicker(c.cfg.PingInterval)
	watchdog := time.NewTicker(c.watchdogInterval())

	var cause closeCause
loop:
	for {
		select {
		case <-ctx.Done():
			cause = closeCause{kind: causeShutdown}
			break loop
		case cause = <-sess.ended:
			break loop
		case <-ping.C:
			if err := sess.conn.Ping(); err != nil {
				cause = closeCause{kind: causePing, err: fmt.Errorf("%w: ping: %w", errors.ErrConnectionLost, err)}
				break loop
			}
		case <-watchdog.C:
			if idle := sess.idleFor(c.now()); idle >= c.cfg.IdleTimeout {
				c.logger.Warn("Upstream session idle, forcing reconnect", "generation", sess.gen, "idle", idle)
				cause = closeCause{kind: causeIdle}
				break loop
			}
		}
	}

	c.setState(StateClosing)
	ping.Stop()
	watchdog.Stop()
	_ = sess.conn.Close()
	<-sess.readerDone
	return cause
}

func (c *Connection) watchdogInterval() time.Duration {
	d := c.cfg.IdleTimeout / 3
	if d <= 0 {
		d = c.cfg.IdleTimeout
	}
	return d
}

func (c *Connection) readLoop(sess *session) {
	defer close(sess.readerDone)
	for {
		data, err := sess.conn.ReadMessage()
		if err != nil {
			sess.finish(closeCause{kind: causeTransport, err: fmt.Errorf("%w: %w", errors.ErrConnectionLost, err)})
			return
		}
		sess.touch(c.now())
		if stop := c.handleFrame(sess, data); stop {
			return
		}
	}
}

// handleFrame acks, then dispatches one frame. It returns true when the
// platform asked for the session to end.
func (c *Connection) handleFrame(sess *session, data []byte) bool {
	env, err := message.ParseEnvelope(data)
	if err != nil {
		if id := message.EnvelopeIDOf(data); id != "" {
			c.ack(sess, id)
		}
		c.logger.Warn("Discarding malformed envelope", "generation", sess.gen, "error", err)
		c.recordError(err)
		return false
	}
	if env.Type == message.EnvelopeKeepAlive {
		return false
	}
	if env.NeedsAck() {
		c.ack(sess, env.ID)
	}

	c.envelopes.Add(1)
	if c.metrics != nil {
		c.metrics.RecordEnvelope(string(env.Type))
	}

	switch env.Type {
	case message.EnvelopeHello:
		c.logger.Info("Upstream hello",
			"generation", sess.gen,
			"app_id", env.Hello.AppID,
			"num_connections", env.Hello.NumConnections,
			"approximate_connection_time", env.Hello.ApproximateConnectionTime)

	case message.EnvelopeDisconnect:
		c.logger.Info("Upstream requested disconnect",
			"generation", sess.gen, "reason", env.Disconnect.Reason, "retry_after", env.Disconnect.RetryAfter)
		sess.finish(closeCause{
			kind:       causeDisconnect,
			retryAfter: env.Disconnect.RetryAfter,
			reason:     env.Disconnect.Reason,
		})
		return true

	case message.EnvelopeEventsAPI:
		if err := c.queue.Push(env); err != nil {
			c.logger.Warn("Dropping event, ingestion queue closed", "envelope_id", env.ID, "error", err)
			return false
		}
		c.queued.Add(1)

	default:
		c.logger.Debug("Ignoring envelope", "type", env.Type, "envelope_id", env.ID)
	}
	return false
}

func (c *Connection) ack(sess *session, id string) {
	frame, err := message.AckFrame(id)
	if err != nil {
		c.logger.Error("Failed to encode ack", "envelope_id", id, "error", err)
		return
	}
	if err := sess.conn.WriteMessage(frame); err != nil {
		// the reader sees the broken transport on its next read
		c.logger.Warn("Failed to write ack", "envelope_id", id, "error", err)
		return
	}
	c.acks.Add(1)
	if c.metrics != nil {
		c.metrics.RecordAck()
	}
}

func (c *Connection) clearSession(sess *session) {
	c.mu.Lock()
	if c.current == sess {
		c.current = nil
	}
	c.mu.Unlock()
}

func (c *Connection) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
	if c.metrics != nil {
		c.metrics.RecordUpstreamState(int(s))
	}
}

func (c *Connection) setLastErr(err error) {
	c.mu.Lock()
	c.lastErr = err
	c.mu.Unlock()
}

func (c *Connection) recordReconnect(cause string) {
	c.reconnects.Add(1)
	if c.metrics != nil {
		c.metrics.RecordReconnect(cause)
	}
}

func (c *Connection) recordError(err error) {
	if c.metrics != nil {
		c.metrics.RecordError("upstream", errors.Classify(err).String())
	}
}

// State returns the current lifecycle state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Stats returns a snapshot of the connection counters.
func (c *Connection) Stats() Stats {
	c.mu.Lock()
	st := Stats{State: c.state, Generation: c.generation}
	if c.current != nil {
		st.LastActivity = time.Unix(0, c.current.lastActivity.Load())
	}
	c.mu.Unlock()

	st.EnvelopesReceived = c.envelopes.Load()
	st.AcksSent = c.acks.Load()
	st.EventsQueued = c.queued.Load()
	st.Reconnects = c.reconnects.Load()
	return st
}

// Health reports connection health for /healthz.
func (c *Connection) Health() health.Status {
	c.mu.Lock()
	state, lastErr, fatal, gen := c.state, c.lastErr, c.fatal, c.generation
	c.mu.Unlock()

	var st health.Status
	switch {
	case fatal:
		st = health.FromError("upstream", lastErr)
		st.Status = health.StatusUnhealthy
	case state == StateOpen:
		st = health.NewHealthy("upstream", "session open")
	case lastErr != nil:
		st = health.FromError("upstream", lastErr)
	default:
		st = health.NewDegraded("upstream", state.String())
	}
	return st.WithDetail("state", state.String()).WithDetail("generation", gen)
}

// sleep waits d or until ctx ends, reporting whether the wait completed.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
