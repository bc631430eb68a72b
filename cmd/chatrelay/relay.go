package main

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/c360/chatrelay/config"
	relayerrors "github.com/c360/chatrelay/errors"
	gatewayhttp "github.com/c360/chatrelay/gateway/http"
	"github.com/c360/chatrelay/health"
	"github.com/c360/chatrelay/hub"
	"github.com/c360/chatrelay/message"
	"github.com/c360/chatrelay/metric"
	"github.com/c360/chatrelay/natsclient"
	"github.com/c360/chatrelay/pkg/buffer"
	"github.com/c360/chatrelay/pkg/tlsutil"
	"github.com/c360/chatrelay/processor"
	"github.com/c360/chatrelay/profile"
	"github.com/c360/chatrelay/slackapi"
	"github.com/c360/chatrelay/storage"
	"github.com/c360/chatrelay/storage/postgres"
	"github.com/c360/chatrelay/storage/sqlite"
	"github.com/c360/chatrelay/translate"
	"github.com/c360/chatrelay/upstream"
)

// relay owns every component of a running process.
type relay struct {
	cfg    *config.Config
	logger *slog.Logger

	metrics  *metric.MetricsRegistry
	monitor  *health.Monitor
	store    storage.Store
	queue    buffer.Queue[*message.Envelope]
	slack    *slackapi.Client
	profiles *profile.Cache
	hub      *hub.Hub
	proc     *processor.Processor
	upstream *upstream.Connection
	bus      *natsclient.Client
	server   *gatewayhttp.Server

	stopping atomic.Bool
}

// openStore picks Postgres for a postgres:// DATABASE_URL and SQLite otherwise.
func openStore(ctx context.Context, cfg config.StorageConfig) (storage.Store, error) {
	if cfg.UsePostgres() {
		s, err := postgres.NewStore(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
	s, err := sqlite.NewStore(ctx, cfg.SQLiteFile())
	if err != nil {
		return nil, err
	}
	return s, nil
}

func newSlackClient(cfg *config.Config, logger *slog.Logger) *slackapi.Client {
	return slackapi.NewClient(slackapi.Config{
		BaseURL:           cfg.Slack.BaseURL,
		AppToken:          cfg.Slack.AppToken,
		BotToken:          cfg.Slack.BotToken,
		Timeout:           cfg.Slack.Timeout,
		RequestsPerSecond: cfg.Slack.RequestsPerSecond,
	}, logger)
}

func profileConfig(cfg config.ProfilesConfig) profile.Config {
	return profile.Config{
		TTL:          cfg.TTL,
		PruneAge:     cfg.PruneAge,
		Capacity:     cfg.Capacity,
		PruneHour:    cfg.PruneHour,
		FetchTimeout: cfg.FetchTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
}

func hubConfig(cfg config.HubConfig) hub.Config {
	return hub.Config{
		HeartbeatInterval: cfg.HeartbeatInterval,
		InactivityTimeout: cfg.InactivityTimeout,
		SweepInterval:     cfg.SweepInterval,
		ReconnectWindow:   cfg.ReconnectWindow,
		RetryAfter:        cfg.RetryAfter,
		ClientRetry:       cfg.ClientRetry,
		WriteTimeout:      cfg.WriteTimeout,
	}
}

func upstreamConfig(cfg config.UpstreamConfig) upstream.Config {
	return upstream.Config{
		BackoffFloor: cfg.BackoffFloor,
		BackoffCap:   cfg.BackoffCap,
		Jitter:       cfg.Jitter,
		PingInterval: cfg.PingInterval,
		IdleTimeout:  cfg.IdleTimeout,
		DialTimeout:  cfg.DialTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
}

func processorConfig(cfg *config.Config) processor.Config {
	pc := processor.DefaultConfig()
	pc.ProfileTimeout = cfg.Processor.ProfileTimeout
	pc.StoreTimeout = cfg.Processor.StoreTimeout
	pc.PublishTimeout = cfg.Processor.PublishTimeout
	pc.TranslateTimeout = cfg.Translate.Timeout
	pc.SubjectPrefix = cfg.NATS.SubjectPrefix
	return pc
}

func translateConfig(cfg config.TranslateConfig) translate.Config {
	return translate.Config{
		OllamaHost: cfg.OllamaHost,
		Model:      cfg.Model,
		Timeout:    cfg.Timeout,
		Attempts:   cfg.Attempts,
		Delay:      cfg.Delay,
	}
}

// newRelay builds every component without starting background work.
func newRelay(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*relay, error) {
	r := &relay{
		cfg:     cfg,
		logger:  logger,
		metrics: metric.NewMetricsRegistry(),
		monitor: health.NewMonitor(),
	}
	ok := false
	defer func() {
		if !ok {
			r.closeResources()
		}
	}()

	var err error
	if r.store, err = openStore(ctx, cfg.Storage); err != nil {
		return nil, err
	}
	r.monitor.Register("storage", func() health.Status {
		pctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return health.FromError("storage", r.store.Ping(pctx))
	})

	r.queue, err = buffer.NewUnbounded(buffer.WithMetrics[*message.Envelope](r.metrics, "ingest"))
	if err != nil {
		return nil, err
	}

	r.slack = newSlackClient(cfg, logger)

	r.profiles, err = profile.New(profileConfig(cfg.Profiles), r.store, r.slack, logger, profile.WithMetrics(r.metrics))
	if err != nil {
		return nil, err
	}
	r.monitor.Register("profiles", r.profiles.Health)

	r.hub, err = hub.New(hubConfig(cfg.Hub), logger, hub.WithMetrics(r.metrics))
	if err != nil {
		return nil, err
	}
	r.monitor.Register("hub", r.hub.Health)

	var translator *translate.Translator
	if cfg.Translate.Enabled {
		model, err := translate.NewOllamaModel(translateConfig(cfg.Translate))
		if err != nil {
			return nil, err
		}
		translator = translate.New(model, translateConfig(cfg.Translate), logger)
	}

	procOpts := []processor.Option{processor.WithMetrics(r.metrics)}
	if translator != nil && cfg.Translate.AutoDirection != "" {
		procOpts = append(procOpts, processor.WithTranslation(translator, translate.Direction(cfg.Translate.AutoDirection)))
	}
	if cfg.NATS.URL != "" {
		busTLS, err := tlsutil.LoadClientTLSConfig(cfg.NATS.TLS)
		if err != nil {
			return nil, err
		}
		r.bus, err = natsclient.NewClient(cfg.NATS.URL, natsclient.WithLogger(logger), natsclient.WithTLS(busTLS))
		if err != nil {
			return nil, err
		}
		procOpts = append(procOpts, processor.WithPublisher(r.bus))
		r.monitor.Register("nats", r.bus.Health)
	}
	r.proc, err = processor.New(processorConfig(cfg), r.queue, r.profiles, r.store, r.hub, logger, procOpts...)
	if err != nil {
		return nil, err
	}
	r.monitor.Register("processor", r.proc.Health)

	if cfg.Slack.AppToken != "" {
		r.upstream, err = upstream.NewConnection(upstreamConfig(cfg.Upstream), r.slack, r.queue, logger, upstream.WithMetrics(r.metrics))
		if err != nil {
			return nil, err
		}
		r.monitor.Register("upstream", r.upstream.Health)
	} else {
		logger.Warn("No app-level token configured; upstream connectivity disabled")
		r.monitor.Register("upstream", func() health.Status {
			return health.NewUnhealthy("upstream", "app-level token not configured").WithDetail("state", "disabled")
		})
	}

	deps := gatewayhttp.Deps{
		Events:      r.hub,
		Messages:    r.store,
		Health:      r.monitor,
		Subscribers: r.hub.Count,
		Metrics:     r.metrics,
	}
	if cfg.Slack.BotToken != "" {
		deps.Platform = r.slack
	}
	if translator != nil {
		deps.Translator = translator
	}
	gw, err := gatewayhttp.NewGateway(gatewayhttp.Config{
		MaxRequestSize: cfg.HTTP.MaxRequestSize,
		RequestTimeout: cfg.HTTP.RequestTimeout,
		CORSOrigins:    cfg.HTTP.CORSOrigins,
	}, deps, logger)
	if err != nil {
		return nil, err
	}
	serverTLS, err := tlsutil.LoadServerTLSConfig(cfg.HTTP.TLS)
	if err != nil {
		return nil, err
	}
	r.server = gatewayhttp.NewServer(cfg.HTTP.Port, gw.Handler(), logger)
	r.server.ServeTLS(serverTLS)

	ok = true
	return r, nil
}

// start launches background work. Upstream goes last so nothing is
// acknowledged before the consumer and the hub are running.
func (r *relay) start(ctx context.Context) error {
	if r.bus != nil {
		cctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err := r.bus.Connect(cctx)
		cancel()
		if err != nil {
			// the mirror is optional; publishes fail fast until reconnected
			r.logger.Warn("NATS unavailable, continuing without bus mirror", "error", err)
		}
	}
	if err := r.hub.Start(ctx); err != nil {
		return err
	}
	if err := r.profiles.Start(ctx); err != nil {
		return err
	}
	if err := r.proc.Start(ctx); err != nil {
		return err
	}
	if err := r.server.Start(ctx); err != nil {
		return err
	}
	if r.upstream != nil {
		if err := r.upstream.Start(ctx); err != nil {
			return err
		}
		go r.watchUpstream(r.upstream.Done())
	}
	return nil
}

// watchUpstream logs when the supervisor gives up; serving continues.
func (r *relay) watchUpstream(done <-chan struct{}) {
	<-done
	if r.stopping.Load() {
		return
	}
	if st := r.upstream.Health(); st.IsUnhealthy() {
		r.logger.Error("Upstream connectivity stopped; HTTP surface remains available", "reason", st.Message)
	}
}

// stop tears components down in reverse dependency order.
func (r *relay) stop(timeout time.Duration) error {
	r.stopping.Store(true)
	var errs []error
	if r.upstream != nil {
		errs = append(errs, r.upstream.Stop(timeout))
	}
	errs = append(errs, r.proc.Stop(timeout))
	// closing subscribers ends open streams so the server can drain
	errs = append(errs, r.hub.Stop(timeout))
	errs = append(errs, r.server.Stop(timeout))
	errs = append(errs, r.profiles.Stop(timeout))
	r.closeResources()

	if err := errors.Join(errs...); err != nil {
		return relayerrors.Wrap(err, "relay", "stop", "shutdown")
	}
	r.logger.Info("chatrelay stopped")
	return nil
}

func (r *relay) closeResources() {
	if r.queue != nil {
		_ = r.queue.Close()
	}
	if r.bus != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = r.bus.Close(ctx)
		cancel()
	}
	if r.store != nil {
		if err := r.store.Close(); err != nil {
			r.logger.Warn("Close store failed", "error", err)
		}
	}
}

// pruneProfiles runs one durable prune with the configured age.
func pruneProfiles(ctx context.Context, cfg *config.Config, logger *slog.Logger) (int64, error) {
	store, err := openStore(ctx, cfg.Storage)
	if err != nil {
		return 0, err
	}
	defer store.Close()

	cache, err := profile.New(profileConfig(cfg.Profiles), store, newSlackClient(cfg, logger), logger)
	if err != nil {
		return 0, err
	}
	return cache.Prune(ctx)
}
