package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/nappa85/Pokifications-sub000/internal/config"
	"github.com/nappa85/Pokifications-sub000/internal/dedup"
	"github.com/nappa85/Pokifications-sub000/internal/dispatch"
	"github.com/nappa85/Pokifications-sub000/internal/metrics"
	"github.com/nappa85/Pokifications-sub000/internal/mqttbroker"
	"github.com/nappa85/Pokifications-sub000/internal/reconcile"
	"github.com/nappa85/Pokifications-sub000/internal/render"
	"github.com/nappa85/Pokifications-sub000/internal/store"
	"github.com/nappa85/Pokifications-sub000/internal/throttle"
	"github.com/nappa85/Pokifications-sub000/internal/transport"
)

// deliveryRetention bounds how long sent notifications stay in the log.
const deliveryRetention = 24 * time.Hour

// App wires together the dispatch services and manages their lifecycle.
type App struct {
	cfg     config.Config
	version string
	logger  *slog.Logger

	registry *prometheus.Registry
	metrics  *metrics.Prometheus

	// ctx bounds work started by ingress handlers. It is cancelled by close.
	ctx        context.Context
	cancel     context.CancelFunc
	pending    sync.WaitGroup
	store      *store.Store
	broker     *mqttbroker.Broker
	brokerErr  <-chan error
	dedup      *dedup.Window
	artifacts  *render.Artifacts
	dispatcher *dispatch.Dispatcher
	loop       *reconcile.Loop
	closers    []func()
}

// New constructs a new application instance. version is announced to
// subscribers the first time it runs.
func New(cfg config.Config, version string, logger *slog.Logger) *App {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	ctx, cancel := context.WithCancel(context.Background())
	return &App{
		cfg:      cfg,
		version:  version,
		logger:   logger,
		registry: reg,
		metrics:  metrics.NewPrometheus(reg, ""),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Run starts all configured services and blocks until the context is
// cancelled or one of them fails.
func (a *App) Run(ctx context.Context) error {
	if err := a.open(ctx); err != nil {
		a.close()
		return err
	}
	defer a.close()

	g, gctx := errgroup.WithContext(ctx)
	a.start(gctx, g)

	g.Go(func() error {
		select {
		case <-gctx.Done():
			return nil
		case err, ok := <-a.brokerErr:
			if ok && err != nil {
				return err
			}
			return nil
		}
	})

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.HTTPPort),
		Handler:           a.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	g.Go(func() error { return serve(gctx, httpServer, a.logger) })

	if a.cfg.MetricsPort > 0 {
		metricsServer := &http.Server{
			Addr:              fmt.Sprintf(":%d", a.cfg.MetricsPort),
			Handler:           promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{Registry: a.registry}),
			ReadHeaderTimeout: 10 * time.Second,
		}
		g.Go(func() error { return serve(gctx, metricsServer, a.logger) })
	}

	if a.cfg.MDNS {
		withdraw, err := a.advertise()
		if err != nil {
			a.logger.Warn("mDNS advertisement failed", "error", err)
		} else {
			defer withdraw()
		}
	}

	return g.Wait()
}

// open builds every component. Callers must call close even when open fails.
func (a *App) open(ctx context.Context) error {
	db, err := store.Open(a.cfg.DatabasePath)
	if err != nil {
		return err
	}
	a.store = db
	a.closers = append(a.closers, func() {
		if cerr := db.Close(); cerr != nil {
			a.logger.Error("close store", "error", cerr)
		}
	})
	if err := a.store.InitSchema(ctx); err != nil {
		return err
	}

	a.broker = mqttbroker.New(a.logger)
	a.brokerErr, err = a.broker.Start(a.cfg.MQTTBindAddress)
	if err != nil {
		return err
	}
	a.closers = append(a.closers, func() {
		_ = a.broker.Stop()
		a.logger.Info("mqtt broker stopped")
		// Ingress is closed, wait for reloads it started before closing the store.
		a.pending.Wait()
	})

	tr, err := a.transport()
	if err != nil {
		return err
	}

	var artifacts dispatch.Artifacts
	if a.cfg.RendererURL != "" {
		cache, err := render.NewArtifacts(a.cfg.ArtifactDir, render.NewHTTP(a.cfg.RendererURL, a.cfg.RenderTimeout), a.cfg.ArtifactReuse, a.logger)
		if err != nil {
			return err
		}
		cache.Horizon = a.cfg.ArtifactHorizon
		cache.SweepInterval = a.cfg.SweepInterval
		a.artifacts = cache
		artifacts = cache
	}

	a.dedup = dedup.New(a.cfg.DedupTTL)

	a.dispatcher = dispatch.New(dispatch.Options{
		Capacity: a.cfg.MailboxSize,
		Throttle: throttle.Options{
			PerSubscriber: rate.Limit(a.cfg.PerSubscriberRate),
			Global:        rate.Limit(a.cfg.GlobalRate),
			QueueSize:     a.cfg.QueueSize,
		},
		Artifacts: artifacts,
		Transport: tr,
		Recorder:  a.store,
		Metrics:   a.metrics,
		Logger:    a.logger,
	})
	a.loop = reconcile.New(a.store, a.dispatcher, reconcile.Options{
		Interval:   a.cfg.ReconcileInterval,
		FullEvery:  a.cfg.FullResyncEvery,
		FloodLimit: a.cfg.FloodLimit,
		Metrics:    a.metrics,
		Logger:     a.logger,
	})
	a.dispatcher.OnUnreachable(a.loop.Blocked)

	// Publishes received before this point are dropped by the default handler.
	a.broker.SetPublishHandler(a.handleMQTTPublish)
	return nil
}

func (a *App) close() {
	a.cancel()
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

// start launches the long-running components on g.
func (a *App) start(ctx context.Context, g *errgroup.Group) {
	a.dedup.Start()
	a.closers = append(a.closers, a.dedup.Stop)

	g.Go(func() error { return a.dispatcher.Run(ctx) })
	g.Go(func() error { return a.loop.Run(ctx) })
	if a.artifacts != nil {
		g.Go(func() error { return a.artifacts.Run(ctx) })
	}
	g.Go(func() error { return a.housekeeping(ctx) })
	g.Go(func() error {
		a.announceVersion(ctx)
		return nil
	})
}

func (a *App) transport() (transport.Transport, error) {
	switch a.cfg.Transport {
	case config.TransportHTTP:
		return transport.NewHTTP(a.cfg.TransportURL, a.cfg.TransportToken, a.cfg.TransportTimeout), nil
	case config.TransportMQTT:
		return transport.MQTT{Broker: a.broker}, nil
	case config.TransportMQTTExternal:
		client, err := transport.DialMQTT(a.cfg.TransportURL, a.cfg.MQTTClientID, a.cfg.TransportTimeout)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, client.Close)
		return client, nil
	default:
		return transport.Log{Logger: a.logger.With("component", "transport")}, nil
	}
}

// housekeeping prunes the delivery log every sweep interval.
func (a *App) housekeeping(ctx context.Context) error {
	ticker := time.NewTicker(a.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			pruneCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			n, err := a.store.PruneDeliveries(pruneCtx, now.Add(-deliveryRetention))
			cancel()
			if err != nil {
				a.logger.Warn("prune deliveries failed", "error", err)
				continue
			}
			if n > 0 {
				a.logger.Info("deliveries pruned", "removed", n, "dedup_entries", a.dedup.Len())
			}
		}
	}
}

func serve(ctx context.Context, srv *http.Server, logger *slog.Logger) error {
	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server started", "addr", srv.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http server shutdown: %w", err)
		}
		logger.Info("http server stopped", "addr", srv.Addr)
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server %s: %w", srv.Addr, err)
	}
}
