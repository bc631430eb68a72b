// Package processor drains the ingestion queue and turns events_api
// envelopes into broadcast domain messages.
package processor

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360/chatrelay/errors"
	"github.com/c360/chatrelay/health"
	"github.com/c360/chatrelay/message"
	"github.com/c360/chatrelay/metric"
	"github.com/c360/chatrelay/pkg/buffer"
	"github.com/c360/chatrelay/storage"
	"github.com/c360/chatrelay/translate"
)

// Processing outcomes, used as the metric label.
const (
	OutcomeDelivered = "delivered"
	OutcomeDuplicate = "duplicate"
	OutcomeIgnored   = "ignored"
	OutcomeInvalid   = "invalid"
)

// ProfileSource resolves a sender.
type ProfileSource interface {
	Fetch(ctx context.Context, userID string) (message.Profile, error)
}

// Broadcaster fans a message out to live subscribers.
type Broadcaster interface {
	Broadcast(event any) (int, error)
}

// Publisher mirrors messages to a bus.
type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte) error
}

// Translator annotates messages with a translation.
type Translator interface {
	Translate(ctx context.Context, text string, d translate.Direction) (string, error)
}

// Config tunes the processor.
type Config struct {
	// ProfileTimeout bounds a sender lookup.
	ProfileTimeout time.Duration
	// StoreTimeout bounds one message write.
	StoreTimeout time.Duration
	// PublishTimeout bounds one bus publish.
	PublishTimeout time.Duration
	// TranslateTimeout bounds automatic translation.
	TranslateTimeout time.Duration
	// SubjectPrefix is prepended to the channel id for bus subjects.
	SubjectPrefix string
}

// DefaultConfig returns production settings.
func DefaultConfig() Config {
	return Config{
		ProfileTimeout:   15 * time.Second,
		StoreTimeout:     5 * time.Second,
		PublishTimeout:   2 * time.Second,
		TranslateTimeout: 30 * time.Second,
		SubjectPrefix:    "chatrelay.messages",
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.ProfileTimeout <= 0 || c.StoreTimeout <= 0 || c.PublishTimeout <= 0 || c.TranslateTimeout <= 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "processor", "Validate", "timeouts must be positive")
	}
	if c.SubjectPrefix == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "processor", "Validate", "subject prefix required")
	}
	return nil
}

// Stats counts processed envelopes by outcome.
type Stats struct {
	Delivered   int64
	Duplicates  int64
	Ignored     int64
	Invalid     int64
	StoreErrors int64
}

// Processor is the single consumer of the ingestion queue.
type Processor struct {
	cfg      Config
	queue    buffer.Queue[*message.Envelope]
	profiles ProfileSource
	store    storage.MessageStore
	hub      Broadcaster
	logger   *slog.Logger
	metrics  *metric.Metrics
	now      func() time.Time

	publisher  Publisher
	translator Translator
	direction  translate.Direction

	delivered   atomic.Int64
	duplicates  atomic.Int64
	ignored     atomic.Int64
	invalid     atomic.Int64
	storeErrors atomic.Int64

	lifecycleMu sync.Mutex
	cancel      context.CancelFunc
	done        chan struct{}
}

// Option configures a Processor.
type Option func(*Processor)

// WithMetrics records processing metrics.
func WithMetrics(registry *metric.MetricsRegistry) Option {
	return func(p *Processor) {
		if registry != nil {
			p.metrics = registry.CoreMetrics()
		}
	}
}

// WithPublisher mirrors every delivered message to the bus.
func WithPublisher(pub Publisher) Option {
	return func(p *Processor) {
		p.publisher = pub
	}
}

// WithTranslation fills DomainMessage.Translation for every delivered message.
func WithTranslation(t Translator, d translate.Direction) Option {
	return func(p *Processor) {
		p.translator = t
		p.direction = d
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(p *Processor) {
		if now != nil {
			p.now = now
		}
	}
}

// New creates a processor.
func New(
	cfg Config,
	queue buffer.Queue[*message.Envelope],
	profiles ProfileSource,
	store storage.MessageStore,
	hub Broadcaster,
	logger *slog.Logger,
	opts ...Option,
) (*Processor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if queue == nil || profiles == nil || store == nil || hub == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "processor", "New", "queue, profiles, store and hub are required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	p := &Processor{
		cfg:      cfg,
		queue:    queue,
		profiles: profiles,
		store:    store,
		hub:      hub,
		logger:   logger.With("component", "processor"),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Start launches the consumer loop.
func (p *Processor) Start(ctx context.Context) error {
	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()

	if p.done != nil {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "processor", "Start", "start consumer")
	}
	ctx, p.cancel = context.WithCancel(ctx)
	p.done = make(chan struct{})
	go p.run(ctx, p.done)
	return nil
}

// Stop cancels the consumer and waits up to timeout for the in-flight envelope.
func (p *Processor) Stop(timeout time.Duration) error {
	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()

	if p.done == nil {
		return nil
	}
	p.cancel()
	select {
	case <-p.done:
	case <-time.After(timeout):
		return errors.WrapTransient(errors.ErrConnectionTimeout, "processor", "Stop", "wait for consumer")
	}
	p.done = nil
	return nil
}

func (p *Processor) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	p.logger.Info("Processor started")

	for {
		env, err := p.queue.Pop(ctx)
		if err != nil {
			if !errors.Is(err, errors.ErrQueueClosed) && ctx.Err() == nil {
				p.logger.Error("Queue pop failed", "error", err)
			}
			p.logger.Info("Processor stopped")
			return
		}
		if _, err := p.Process(ctx, env); err != nil {
			p.logger.Debug("Envelope discarded", "envelope_id", env.ID, "error", err)
		}
	}
}

// Process handles one envelope and returns its outcome. Only invalid
// envelopes return an error: profile, store, translation and bus failures
// degrade and the message is still broadcast.
func (p *Processor) Process(ctx context.Context, env *message.Envelope) (string, error) {
	start := p.now()
	outcome, err := p.process(ctx, env)
	p.count(outcome)
	if p.metrics != nil {
		p.metrics.RecordProcessed(outcome, p.now().Sub(start))
		if err != nil {
			p.metrics.RecordError("processor", errors.Classify(err).String())
		}
	}
	return outcome, err
}

func (p *Processor) process(ctx context.Context, env *message.Envelope) (string, error) {
	if env == nil || env.Type != message.EnvelopeEventsAPI || env.Event == nil {
		return OutcomeIgnored, nil
	}
	ev, err := env.Event.Inner()
	if err != nil {
		return OutcomeInvalid, err
	}
	if !ev.IsPlainMessage() {
		return OutcomeIgnored, nil
	}
	if ev.Channel == "" {
		return OutcomeInvalid, errors.WrapInvalid(errors.ErrInvalidData, "processor", "Process", "message without channel")
	}

	msg := message.FromEvent(env.ID, ev, p.resolve(ctx, ev.User), p.now())
	if p.translator != nil {
		msg.Translation = p.translateText(ctx, msg.Text)
	}

	storeCtx, cancel := context.WithTimeout(ctx, p.cfg.StoreTimeout)
	inserted, err := p.store.SaveMessage(storeCtx, msg)
	cancel()
	switch {
	case err != nil:
		p.storeErrors.Add(1)
		p.logger.Error("Persist message failed", "id", msg.ID, "channel", msg.Channel, "error", err)
	case !inserted:
		p.logger.Debug("Duplicate message skipped", "id", msg.ID)
		return OutcomeDuplicate, nil
	}

	n, err := p.hub.Broadcast(msg)
	if err != nil {
		p.logger.Error("Broadcast failed", "id", msg.ID, "error", err)
	} else {
		p.logger.Debug("Message delivered", "id", msg.ID, "channel", msg.Channel, "subscribers", n)
	}
	p.publish(ctx, msg)
	return OutcomeDelivered, nil
}

// resolve returns the sender profile or the placeholder.
func (p *Processor) resolve(ctx context.Context, userID string) message.Profile {
	fctx, cancel := context.WithTimeout(ctx, p.cfg.ProfileTimeout)
	defer cancel()

	prof, err := p.profiles.Fetch(fctx, userID)
	if err != nil {
		p.logger.Warn("Profile unavailable, using placeholder", "user_id", userID, "error", err)
		return message.UnknownProfile(userID)
	}
	return prof
}

func (p *Processor) translateText(ctx context.Context, text string) string {
	tctx, cancel := context.WithTimeout(ctx, p.cfg.TranslateTimeout)
	defer cancel()

	out, err := p.translator.Translate(tctx, text, p.direction)
	if err != nil {
		p.logger.Warn("Translation failed", "direction", p.direction, "error", err)
		return translate.Unavailable
	}
	return out
}

func (p *Processor) publish(ctx context.Context, msg message.DomainMessage) {
	if p.publisher == nil {
		return
	}
	data, err := json.Marshal(msg)
	if err != nil {
		p.logger.Error("Marshal for bus failed", "id", msg.ID, "error", err)
		return
	}
	pctx, cancel := context.WithTimeout(ctx, p.cfg.PublishTimeout)
	defer cancel()
	if err := p.publisher.Publish(pctx, Subject(p.cfg.SubjectPrefix, msg.Channel), data); err != nil {
		p.logger.Warn("Bus publish failed", "id", msg.ID, "error", err)
	}
}

// Subject returns the bus subject for a channel.
func Subject(prefix, channel string) string {
	return prefix + "." + channel
}

func (p *Processor) count(outcome string) {
	switch outcome {
	case OutcomeDelivered:
		p.delivered.Add(1)
	case OutcomeDuplicate:
		p.duplicates.Add(1)
	case OutcomeIgnored:
		p.ignored.Add(1)
	case OutcomeInvalid:
		p.invalid.Add(1)
	}
}

// Stats returns a snapshot of the counters.
func (p *Processor) Stats() Stats {
	return Stats{
		Delivered:   p.delivered.Load(),
		Duplicates:  p.duplicates.Load(),
		Ignored:     p.ignored.Load(),
		Invalid:     p.invalid.Load(),
		StoreErrors: p.storeErrors.Load(),
	}
}

// Health reports whether the consumer loop is running and the queue depth.
func (p *Processor) Health() health.Status {
	p.lifecycleMu.Lock()
	running := p.done != nil
	p.lifecycleMu.Unlock()

	var st health.Status
	if running {
		st = health.NewHealthy("processor", "consuming")
	} else {
		st = health.NewUnhealthy("processor", "not running")
	}
	return st.WithDetail("queue_depth", p.queue.Len()).
		WithDetail("queue_high_water", p.queue.Stats().Summary().MaxSize).
		WithDetail("store_errors", p.storeErrors.Load())
}
