// Package hub fans derived events out to Server-Sent Events subscribers.
//
// Each subscriber owns an unbounded FIFO and a sender loop, so a slow
// client never delays the others. The hub replaces a subscriber that
// registers again under the same id, rejects re-registrations inside the
// anti-thrash window, and runs a janitor that drops subscribers with no
// successful write for the inactivity timeout.
package hub

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/c360/chatrelay/errors"
	"github.com/c360/chatrelay/health"
	"github.com/c360/chatrelay/metric"
)

// Config tunes the hub.
type Config struct {
	HeartbeatInterval time.Duration
	InactivityTimeout time.Duration
	SweepInterval     time.Duration
	// ReconnectWindow is the minimum gap between accepted registrations of one id.
	ReconnectWindow time.Duration
	// RetryAfter is advertised to throttled clients.
	RetryAfter time.Duration
	// ClientRetry is the reconnect delay sent in the stream's retry field.
	ClientRetry time.Duration
	// WriteTimeout bounds each write to a client.
	WriteTimeout time.Duration
}

// DefaultConfig returns production settings.
func DefaultConfig() Config {
	return Config{
		HeartbeatInterval: 15 * time.Second,
		InactivityTimeout: 3 * time.Minute,
		SweepInterval:     30 * time.Second,
		ReconnectWindow:   2 * time.Second,
		RetryAfter:        5 * time.Second,
		ClientRetry:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.HeartbeatInterval <= 0 || c.InactivityTimeout <= 0 || c.SweepInterval <= 0 ||
		c.ReconnectWindow <= 0 || c.RetryAfter <= 0 || c.ClientRetry <= 0 || c.WriteTimeout <= 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "hub", "Validate", "all intervals must be positive")
	}
	return nil
}

// Hub is the subscriber registry.
type Hub struct {
	cfg      Config
	logger   *slog.Logger
	metrics  *metric.Metrics
	now      func() time.Time
	throttle *Throttle

	mu   sync.RWMutex
	subs map[string]*Subscriber

	lifecycleMu sync.Mutex
	cancel      context.CancelFunc
	done        chan struct{}
}

// Option configures a Hub.
type Option func(*Hub)

// WithMetrics records subscriber and broadcast metrics.
func WithMetrics(registry *metric.MetricsRegistry) Option {
	return func(h *Hub) {
		if registry != nil {
			h.metrics = registry.CoreMetrics()
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(h *Hub) {
		if now != nil {
			h.now = now
		}
	}
}

// New creates a hub.
func New(cfg Config, logger *slog.Logger, opts ...Option) (*Hub, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	h := &Hub{
		cfg:    cfg,
		logger: logger.With("component", "hub"),
		now:    time.Now,
		subs:   make(map[string]*Subscriber),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.throttle = NewThrottle(cfg.ReconnectWindow, h.now)
	return h, nil
}

// AnonymousID returns a fresh id for clients that did not supply one.
func AnonymousID() string {
	return "anonymous-" + uuid.NewString()
}

// Register adds a subscriber for clientID, generating an anonymous id when
// empty. An existing subscriber with the same id is closed and replaced.
// Returns errors.ErrThrottled when the id registered inside the reconnect window.
func (h *Hub) Register(clientID string) (*Subscriber, error) {
	if clientID == "" {
		clientID = AnonymousID()
	}
	if !h.throttle.Allow(clientID) {
		h.logger.Warn("Rejecting rapid reconnection", "client_id", clientID)
		return nil, errors.WrapTransient(errors.ErrThrottled, "hub", "Register", "check reconnect window")
	}

	sub, err := newSubscriber(clientID, h.now())
	if err != nil {
		return nil, errors.Wrap(err, "hub", "Register", "create subscriber")
	}

	h.mu.Lock()
	old := h.subs[clientID]
	h.subs[clientID] = sub
	n := len(h.subs)
	h.mu.Unlock()

	if old != nil {
		old.close()
		h.logger.Info("Replaced duplicate subscriber", "client_id", clientID)
	}
	h.recordSubscribers(n)
	h.logger.Info("Subscriber registered", "client_id", clientID, "subscribers", n)
	return sub, nil
}

// Unregister removes sub if it is still the registered subscriber for its id
// and closes it either way.
func (h *Hub) Unregister(sub *Subscriber) {
	h.mu.Lock()
	removed := false
	if cur, ok := h.subs[sub.ID]; ok && cur == sub {
		delete(h.subs, sub.ID)
		removed = true
	}
	n := len(h.subs)
	h.mu.Unlock()

	sub.close()
	if removed {
		h.recordSubscribers(n)
		h.logger.Info("Subscriber removed", "client_id", sub.ID, "subscribers", n)
	}
}

// Broadcast serializes event once and enqueues it on every subscriber.
// Subscribers whose buffer is gone are removed; the rest still receive it.
// Returns the number of subscribers the event was queued for.
func (h *Hub) Broadcast(event any) (int, error) {
	data, err := json.Marshal(event)
	if err != nil {
		return 0, errors.WrapInvalid(err, "hub", "Broadcast", "marshal event")
	}

	h.mu.RLock()
	snapshot := make([]*Subscriber, 0, len(h.subs))
	for _, s := range h.subs {
		snapshot = append(snapshot, s)
	}
	h.mu.RUnlock()

	delivered := 0
	var failed []*Subscriber
	for _, s := range snapshot {
		if err := s.enqueue(data); err != nil {
			failed = append(failed, s)
			continue
		}
		delivered++
	}
	for _, s := range failed {
		h.logger.Warn("Removing subscriber after failed enqueue", "client_id", s.ID)
		h.Unregister(s)
	}

	if h.metrics != nil {
		h.metrics.RecordBroadcast()
	}
	if len(snapshot) == 0 {
		h.logger.Debug("No subscribers for broadcast")
	}
	return delivered, nil
}

// Count returns the number of registered subscribers.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Sweep removes subscribers idle past the inactivity timeout and forgets
// expired throttle entries. Returns the number of subscribers removed.
func (h *Hub) Sweep() int {
	now := h.now()

	h.mu.RLock()
	var stale []*Subscriber
	for _, s := range h.subs {
		if now.Sub(s.LastActivity()) > h.cfg.InactivityTimeout {
			stale = append(stale, s)
		}
	}
	h.mu.RUnlock()

	for _, s := range stale {
		h.logger.Info("Removing inactive subscriber", "client_id", s.ID, "last_activity", s.LastActivity())
		h.Unregister(s)
	}
	h.throttle.Prune()
	return len(stale)
}

// Start launches the janitor.
func (h *Hub) Start(ctx context.Context) error {
	h.lifecycleMu.Lock()
	defer h.lifecycleMu.Unlock()

	if h.cancel != nil {
		return errors.WrapFatal(errors.ErrAlreadyStarted, "hub", "Start", "check started state")
	}
	runCtx, cancel := context.WithCancel(ctx)
	h.cancel = cancel
	h.done = make(chan struct{})
	go h.janitor(runCtx, h.done)
	return nil
}

func (h *Hub) janitor(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(h.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := h.Sweep(); n > 0 {
				h.logger.Info("Janitor sweep", "removed", n, "subscribers", h.Count())
			}
		}
	}
}

// Stop ends the janitor and closes every subscriber.
func (h *Hub) Stop(timeout time.Duration) error {
	h.lifecycleMu.Lock()
	cancel, done := h.cancel, h.done
	h.cancel, h.done = nil, nil
	h.lifecycleMu.Unlock()

	if cancel != nil {
		cancel()
		select {
		case <-done:
		case <-time.After(timeout):
			return errors.WrapTransient(errors.ErrConnectionTimeout, "hub", "Stop", "wait for janitor")
		}
	}

	h.mu.Lock()
	subs := h.subs
	h.subs = make(map[string]*Subscriber)
	h.mu.Unlock()

	for _, s := range subs {
		s.close()
	}
	h.recordSubscribers(0)
	return nil
}

// Health reports the subscriber count.
func (h *Hub) Health() health.Status {
	return health.NewHealthy("hub", "accepting subscribers").WithDetail("subscribers", h.Count())
}

func (h *Hub) recordSubscribers(n int) {
	if h.metrics != nil {
		h.metrics.RecordSubscribers(n)
	}
}
