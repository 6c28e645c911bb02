// Package service wires the whole pipeline: storage, broker, workers,
// router, and the HTTP gateway, with ordered startup and shutdown.
package service

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/convolabai/langhook/config"
	"github.com/convolabai/langhook/errors"
	"github.com/convolabai/langhook/events"
	"github.com/convolabai/langhook/gateway"
	"github.com/convolabai/langhook/health"
	"github.com/convolabai/langhook/ingest"
	"github.com/convolabai/langhook/llm"
	"github.com/convolabai/langhook/mapper"
	"github.com/convolabai/langhook/metric"
	"github.com/convolabai/langhook/natsclient"
	"github.com/convolabai/langhook/ratelimit"
	"github.com/convolabai/langhook/router"
	"github.com/convolabai/langhook/signature"
	"github.com/convolabai/langhook/store"
	"github.com/convolabai/langhook/subscriptions"
)

// Service owns every pipeline component and their lifecycles.
type Service struct {
	cfg    *config.Config
	logger *slog.Logger

	st       *store.Store
	cache    *redis.Client
	broker   *natsclient.Client
	worker   *mapper.Worker
	registry *router.Registry
	server   *gateway.Server
}

// New constructs and wires all components. The store is migrated here
// so the process refuses to start on a broken schema.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Service, error) {
	if logger == nil {
		logger = slog.Default()
	}
	metrics := metric.New()

	st, err := store.New(ctx, cfg.StoreDSN, logger)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		st.Close()
		return nil, err
	}

	cacheOpts, err := redis.ParseURL(cfg.CacheURL)
	if err != nil {
		st.Close()
		return nil, errors.WrapInvalid(err, "Service", "New", "parse CACHE_URL")
	}
	cache := redis.NewClient(cacheOpts)

	limiter, err := ratelimit.New(cache, cfg.RateLimit.Requests, cfg.RateLimit.Window, logger)
	if err != nil {
		st.Close()
		return nil, err
	}

	broker, err := natsclient.NewClient(cfg.BrokerURL,
		natsclient.WithLogger(logger),
		natsclient.WithName("langhook"),
		natsclient.WithHealthChange(metrics.RecordBrokerStatus),
	)
	if err != nil {
		st.Close()
		return nil, err
	}

	budget := llm.NewBudget(cfg.GateDailyCostLimitUSD, cfg.GateCostAlertThreshold, metrics, logger)
	llmBroker, err := llm.NewBroker(cfg.LLM, budget, metrics, logger)
	if err != nil {
		st.Close()
		return nil, err
	}

	engine, err := mapper.NewEngine(st, llmBroker, logger)
	if err != nil {
		st.Close()
		return nil, err
	}
	var eventLogs mapper.EventLogStore
	if cfg.EventLoggingEnabled {
		eventLogs = st
	}
	worker := mapper.NewWorker(broker, engine, st, eventLogs, metrics, logger)

	gate := router.NewGate(llmBroker, cfg.GateConfidenceThreshold,
		cfg.GateFailoverPolicy, cfg.GatePromptTemplate, metrics, logger)
	dispatcher := router.NewDispatcher(metrics, logger)
	registry := router.NewRegistry(&router.NATSBinder{Client: broker}, st, gate, dispatcher, metrics, logger)

	verifier := signature.NewVerifier(cfg.SecretFor)
	intake := ingest.NewHandler(broker, limiter, verifier, cfg.MaxBodyBytes, metrics, logger)

	subService := subscriptions.NewService(st, llmBroker, registry, logger)
	mgmt := subscriptions.NewHandler(subService, budget)
	tailer := gateway.NewTailer(broker, logger)

	// The pipeline cannot run without the store or broker; a cache
	// outage only disables rate limiting, so it degrades rather than
	// downs the process.
	monitor := health.NewMonitor()
	monitor.Register("store", true, st.Ping)
	monitor.Register("cache", false, func(ctx context.Context) error {
		return errors.WrapKind(cache.Ping(ctx).Err(),
			errors.KindCacheUnavailable, errors.ErrorTransient, "Service", "cacheProbe")
	})
	monitor.Register("broker", true, func(context.Context) error {
		if !broker.IsConnected() {
			return natsclient.ErrNotConnected
		}
		_, err := broker.RTT()
		return err
	})

	server := gateway.New(cfg, intake, mgmt, tailer, monitor, metrics, logger)

	return &Service{
		cfg:      cfg,
		logger:   logger,
		st:       st,
		cache:    cache,
		broker:   broker,
		worker:   worker,
		registry: registry,
		server:   server,
	}, nil
}

// Run starts the pipeline and blocks until the context is cancelled or
// a component fails.
func (s *Service) Run(ctx context.Context) error {
	if err := s.broker.Connect(ctx); err != nil {
		return err
	}
	if err := s.ensureStreams(ctx); err != nil {
		return err
	}

	mapSub, err := s.broker.Consume(ctx, events.StreamRaw,
		mapper.RawFilterSubject, mapper.DurableName, s.worker.Handle)
	if err != nil {
		return err
	}

	if err := s.registry.Start(ctx); err != nil {
		mapSub.Stop()
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		s.shutdown(mapSub)
		return nil
	})

	s.logger.Info("pipeline running")
	return g.Wait()
}

// shutdown stops intake first, then consumers, then connections, so
// in-flight events either finish or stay pending for redelivery.
func (s *Service) shutdown(mapSub *natsclient.Subscription) {
	s.logger.Info("shutting down", "grace", s.cfg.ShutdownGrace)
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownGrace)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		s.logger.Warn("http shutdown failed", "error", err)
	}
	mapSub.Stop()
	s.registry.Stop()

	if err := s.broker.Close(ctx); err != nil {
		s.logger.Warn("broker close failed", "error", err)
	}
	if err := s.cache.Close(); err != nil {
		s.logger.Warn("cache close failed", "error", err)
	}
	s.st.Close()
}

func (s *Service) ensureStreams(ctx context.Context) error {
	streams := []natsclient.StreamConfig{
		{
			Name:     events.StreamRaw,
			Subjects: []string{events.RawSubjectPrefix + ".>"},
			MaxAge:   24 * time.Hour,
		},
		{
			Name:     events.StreamCanonical,
			Subjects: []string{events.CanonicalSubjectPrefix + ".>"},
			MaxAge:   7 * 24 * time.Hour,
		},
		{
			Name:     events.StreamDLQ,
			Subjects: []string{"dlq.>"},
			MaxAge:   14 * 24 * time.Hour,
		},
	}
	for _, sc := range streams {
		if err := s.broker.EnsureStream(ctx, sc); err != nil {
			return err
		}
	}
	return nil
}
