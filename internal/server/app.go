// Package server wires the frontier roles into runnable applications.
package server

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/crawl-frontier/internal/api"
	"github.com/JakeFAU/crawl-frontier/internal/bloomd"
	"github.com/JakeFAU/crawl-frontier/internal/broker"
	"github.com/JakeFAU/crawl-frontier/internal/config"
	"github.com/JakeFAU/crawl-frontier/internal/dispatcher"
	"github.com/JakeFAU/crawl-frontier/internal/downloader"
	collyfetcher "github.com/JakeFAU/crawl-frontier/internal/fetcher/colly"
	"github.com/JakeFAU/crawl-frontier/internal/metrics"
	"github.com/JakeFAU/crawl-frontier/internal/policy/ratelimit"
	"github.com/JakeFAU/crawl-frontier/internal/producer"
	"github.com/JakeFAU/crawl-frontier/internal/queue"
	"github.com/JakeFAU/crawl-frontier/internal/storage"
	"github.com/JakeFAU/crawl-frontier/internal/telemetry"
	"github.com/JakeFAU/crawl-frontier/internal/worker"
)

// Role selects which queues an App consumes.
type Role string

// Roles.
const (
	// RoleWorker consumes response queues.
	RoleWorker Role = "worker"
	// RoleDownload consumes request queues.
	RoleDownload Role = "download"
)

// Options carries the pieces a caller may supply instead of the defaults.
type Options struct {
	// Dial overrides the AMQP dialer built from the broker config.
	Dial broker.Dialer
	// Parser extracts follow-up requests in the worker role.
	Parser worker.Parser
}

// App contains the application's dependencies.
type App struct {
	cfg            *config.Config
	logger         *zap.Logger
	role           Role
	apiServer      *api.Server
	dispatch       *dispatcher.Dispatcher
	store          *storage.Sharded
	filters        *bloomd.Client
	tracerShutdown func(context.Context) error
}

// Build creates the application's dependencies for role.
func Build(ctx context.Context, cfg *config.Config, role Role, logger *zap.Logger, opts Options) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()
	app := &App{cfg: cfg, logger: logger.With(zap.String("role", string(role))), role: role}
	logger.Info("building application",
		zap.String("role", string(role)),
		zap.String("crawler", cfg.Crawler.Name),
		zap.Int("port", cfg.Server.Port),
	)

	if cfg.Telemetry.Enabled {
		tp, err := telemetry.InitTracerProvider(ctx, cfg.Telemetry)
		if err != nil {
			return nil, fmt.Errorf("tracer init failed: %w", err)
		}
		app.tracerShutdown = tp.Shutdown
	}

	var err error
	app.store, err = NewStore(cfg, logger)
	if err != nil {
		app.Close(ctx)
		return nil, err
	}
	app.filters, err = NewFilterClient(cfg, logger)
	if err != nil {
		app.Close(ctx)
		return nil, err
	}
	requests, err := NewRequestQueues(ctx, cfg, app.store, app.filters, logger.Named("queue"))
	if err != nil {
		app.Close(ctx)
		return nil, err
	}
	responses, err := NewResponseQueues(cfg, app.store, logger.Named("queue"))
	if err != nil {
		app.Close(ctx)
		return nil, err
	}

	var (
		handler broker.Handler
		setup   broker.SetupFunc
		queues  []string
	)
	switch role {
	case RoleWorker:
		handler, setup, err = app.setupWorker(requests, responses, opts.Parser)
		queues = cfg.ResponseQueueNames()
	case RoleDownload:
		handler, setup, err = app.setupDownloader(requests, responses)
		queues = cfg.RequestQueueNames()
	default:
		err = fmt.Errorf("unknown role %q", role)
	}
	if err != nil {
		app.Close(ctx)
		return nil, err
	}

	dial := opts.Dial
	if dial == nil {
		dial = broker.AMQPDialer(cfg.Broker)
	}
	app.dispatch, err = dispatcher.New(dial, dispatcher.Config{
		Queues:      queues,
		Concurrency: cfg.Consumer.Concurrency,
		Prefetch:    cfg.Consumer.Prefetch,
		Backoff:     cfg.Backoff(),
		TagPrefix:   cfg.Crawler.Name + "-" + string(role),
	}, handler, logger.Named("consumer"), broker.WithSetup(setup))
	if err != nil {
		app.Close(ctx)
		return nil, fmt.Errorf("dispatcher init failed: %w", err)
	}

	app.apiServer = api.NewServer(app.dispatch, logger.Named("api"))
	return app, nil
}

// setupWorker builds the response handler. Follow-ups and resubmissions go
// through the request queues, which the session declares as well.
func (a *App) setupWorker(
	requests []*queue.RequestQueue,
	responses []*queue.ResponseQueue,
	parser worker.Parser,
) (broker.Handler, broker.SetupFunc, error) {
	prod, err := a.newProducer(requests)
	if err != nil {
		return nil, nil, err
	}
	errHandler, err := worker.NewStatusErrorHandler(requests[0], a.cfg.Crawler.NotFoundMarkers, a.logger.Named("errors"))
	if err != nil {
		return nil, nil, err
	}
	opts := []worker.Option{worker.WithErrorHandler(errHandler), worker.WithLogger(a.logger.Named("worker"))}
	if parser != nil {
		opts = append(opts, worker.WithParser(parser))
	} else {
		a.logger.Warn("no parser configured, responses are only checked for errors")
	}
	w, err := worker.New(a.cfg.Crawler.Name, responses, prod, opts...)
	if err != nil {
		return nil, nil, err
	}
	setup := func(ctx context.Context, s *broker.Session) error {
		if err := declareRequests(ctx, s, prod); err != nil {
			return err
		}
		return w.Setup(ctx, s)
	}
	return w, setup, nil
}

// setupDownloader builds the request handler with the colly fetcher and the
// per-domain limiter.
func (a *App) setupDownloader(
	requests []*queue.RequestQueue,
	responses []*queue.ResponseQueue,
) (broker.Handler, broker.SetupFunc, error) {
	fetcher, err := collyfetcher.New(collyfetcher.Config{
		UserAgent:     a.cfg.Downloader.UserAgent,
		RespectRobots: a.cfg.Downloader.RespectRobots,
		Timeout:       a.cfg.FetchTimeout(),
		Proxies:       a.cfg.Downloader.Proxies,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("fetcher init failed: %w", err)
	}
	a.logger.Info("using colly fetcher",
		zap.String("user_agent", a.cfg.Downloader.UserAgent),
		zap.Float64("default_rps", a.cfg.Downloader.RateLimit.DefaultRPS),
	)
	limiter := ratelimit.New(a.cfg.Downloader.RateLimit)
	d, err := downloader.New(a.cfg.Crawler.Name, fetcher, responses,
		downloader.WithLimiter(limiter),
		downloader.WithLogger(a.logger.Named("downloader")),
	)
	if err != nil {
		return nil, nil, err
	}
	prod, err := a.newProducer(requests)
	if err != nil {
		return nil, nil, err
	}
	setup := func(ctx context.Context, s *broker.Session) error {
		if err := declareRequests(ctx, s, prod); err != nil {
			return err
		}
		return d.Setup(ctx, s)
	}
	return d, setup, nil
}

func (a *App) newProducer(requests []*queue.RequestQueue) (*producer.Producer, error) {
	opts := []producer.Option{
		producer.WithProxyName(a.cfg.Crawler.ProxyName),
		producer.WithLogger(a.logger.Named("producer")),
	}
	if a.cfg.Crawler.NormalizeFingerprints {
		opts = append(opts, producer.WithNormalizedFingerprints())
	}
	return producer.New(a.cfg.Crawler.Name, requests, opts...)
}

func declareRequests(ctx context.Context, s *broker.Session, prod *producer.Producer) error {
	return prod.Declare(ctx, func() (queue.Declarer, error) { return s.Channel() })
}

// Ready reports whether every consumer is consuming.
func (a *App) Ready() bool {
	return a.dispatch.Ready()
}

// API returns the ops server.
func (a *App) API() *api.Server {
	return a.apiServer
}

// Run starts the consumers and the ops server and blocks until ctx is
// canceled or one of them fails.
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("application started")
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.dispatch.Run(gctx)
	})
	g.Go(func() error {
		return a.apiServer.ListenAndServe(gctx, fmt.Sprintf(":%d", a.cfg.Server.Port))
	})
	err := g.Wait()
	a.logger.Info("shutdown initiated")
	a.Close(context.WithoutCancel(ctx))
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Close releases the store, the filter client and the tracer. It is safe on
// a partially built App.
func (a *App) Close(ctx context.Context) {
	if a.dispatch != nil {
		a.dispatch.Stop()
	}
	if a.filters != nil {
		if err := a.filters.Close(); err != nil {
			a.logger.Warn("filter client close failed", zap.Error(err))
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Warn("store close failed", zap.Error(err))
		}
	}
	if a.tracerShutdown != nil {
		if err := a.tracerShutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}
	a.logger.Info("shutdown complete")
}
