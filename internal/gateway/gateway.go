// ABOUTME: Gateway orchestrator that wires stores, caches, pipeline and HTTP server
// ABOUTME: Manages startup (index rebuild), background janitors and graceful shutdown

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/2389/callwatch/internal/config"
	"github.com/2389/callwatch/internal/decision"
	"github.com/2389/callwatch/internal/filter"
	"github.com/2389/callwatch/internal/governor"
	"github.com/2389/callwatch/internal/index"
	"github.com/2389/callwatch/internal/metrics"
	"github.com/2389/callwatch/internal/notify"
	"github.com/2389/callwatch/internal/pipeline"
	"github.com/2389/callwatch/internal/store"
	"github.com/2389/callwatch/internal/tracking"
)

// badgerGCInterval is how often the badger value log is compacted.
const badgerGCInterval = 10 * time.Minute

// Gateway owns every long-lived component of a callwatch server.
type Gateway struct {
	config     *config.Config
	configPath string

	// sqlite holds tracking and audit, and decisions unless badger is selected
	sqlite    *store.SQLiteStore
	decisions store.DecisionStore

	decisionSvc *decision.Service
	index       *index.ReverseIndex
	governor    *governor.Governor
	filters     *filter.Registry
	tracker     *tracking.Tracker
	broadcaster *notify.Broadcaster
	notifier    notify.Notifier
	pipeline    *pipeline.Pipeline
	metrics     *metrics.Metrics

	httpServer *http.Server
	logger     *slog.Logger

	ready     atomic.Bool
	closeOnce sync.Once
}

// New builds a gateway from cfg. configPath is used for hot reload and may be empty.
func New(cfg *config.Config, configPath string, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}

	ttl := store.TTLPolicy{Accepted: cfg.Decisions.AcceptedTTL, Rejected: cfg.Decisions.RejectedTTL}
	storeOpts := []store.Option{store.WithTTLPolicy(ttl), store.WithLogger(logger)}

	sqlStore, decisions, err := initStores(cfg, storeOpts)
	if err != nil {
		return nil, err
	}

	m := metrics.New()
	gw := &Gateway{
		config:      cfg,
		configPath:  configPath,
		sqlite:      sqlStore,
		decisions:   decisions,
		index:       index.New(logger),
		filters:     filter.NewRegistry(cfg.FilterRules()),
		broadcaster: notify.NewBroadcaster(logger),
		metrics:     m,
		logger:      logger.With("component", "gateway"),
	}

	gw.governor = governor.New(governor.Config{
		PerObserverRate:  cfg.Governor.PerObserverRate,
		PerObserverBurst: cfg.Governor.PerObserverBurst,
		GlobalRate:       cfg.Governor.GlobalRate,
		GlobalBurst:      cfg.Governor.GlobalBurst,
		IdleTTL:          cfg.Governor.IdleTTL,
		MaxObservers:     cfg.Governor.MaxObservers,
	}, m, logger)

	gw.decisionSvc = decision.NewService(decisions, decision.Config{
		StoreTimeout:  cfg.Decisions.StoreTimeout,
		CacheCapacity: cfg.Cache.Decisions.Capacity,
		CacheTTL:      cfg.Cache.Decisions.TTL,
		SweepInterval: cfg.Cache.SweepInterval,
		FallbackSize:  cfg.Cache.FallbackSize,
		FallbackTTL:   cfg.Cache.FallbackTTL,
		TTL:           ttl,
	}, m, logger)

	sinks := gw.buildNotifier()
	gw.notifier = sinks

	// keep the interface nil when tracking is off
	var tracker pipeline.Tracker
	if cfg.Tracking.Enabled {
		gw.tracker = tracking.New(sqlStore, gw.index, gw.governor, sinks,
			tracking.Config{MinMultiple: cfg.Tracking.MinMultiple}, m, logger)
		tracker = gw.tracker
	}

	gw.pipeline, err = pipeline.New(pipeline.Config{
		QueueCapacity:         cfg.Pipeline.QueueCapacity,
		Overflow:              pipeline.OverflowPolicy(cfg.Pipeline.OverflowPolicy),
		Workers:               cfg.Pipeline.Workers,
		EvalConcurrency:       int64(cfg.Pipeline.EvalConcurrency),
		LookupConcurrency:     int64(cfg.Pipeline.LookupConcurrency),
		LookupTimeout:         cfg.Pipeline.LookupTimeout,
		PredicateTimeout:      cfg.Pipeline.PredicateTimeout,
		Lookback:              cfg.Pipeline.Lookback,
		Reevaluate:            pipeline.ReevaluatePolicy(cfg.Pipeline.Reevaluate),
		TrackOnAccept:         cfg.Pipeline.TrackOnAccept && cfg.Tracking.Enabled,
		ObserverCacheCapacity: cfg.Cache.Metadata.Capacity,
		ObserverCacheTTL:      cfg.Cache.Metadata.TTL,
	}, pipeline.Deps{
		Decisions: gw.decisionSvc,
		Index:     gw.index,
		Predicate: gw.filters,
		Observers: gw.filters,
		Governor:  gw.governor,
		Notifier:  sinks,
		Audit:     sqlStore,
		Tracker:   tracker,
		Metrics:   m,
		Logger:    logger,
	})
	if err != nil {
		gw.closeComponents()
		return nil, fmt.Errorf("creating pipeline: %w", err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", gw.handleHealth)
	mux.HandleFunc("/health/ready", gw.handleReady)
	gw.registerAPIRoutes(mux)
	if cfg.Metrics.Enabled {
		mux.Handle(cfg.Metrics.Path, m.Handler())
	}

	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return gw, nil
}

// initStores opens the SQLite store and, when configured, a badger decision store.
func initStores(cfg *config.Config, opts []store.Option) (*store.SQLiteStore, store.DecisionStore, error) {
	dbPath := cfg.Database.Path
	if envPath := os.Getenv("CALLWATCH_DB_PATH"); envPath != "" {
		dbPath = envPath
	}

	sqlStore, err := store.NewSQLiteStore(dbPath, opts...)
	if err != nil {
		return nil, nil, fmt.Errorf("initializing store: %w", err)
	}

	if cfg.Database.Driver != "badger" {
		return sqlStore, sqlStore, nil
	}

	bs, err := store.NewBadgerStore(store.BadgerConfig{
		Path:       cfg.Database.BadgerPath,
		GCInterval: badgerGCInterval,
	}, opts...)
	if err != nil {
		_ = sqlStore.Close()
		return nil, nil, fmt.Errorf("initializing badger store: %w", err)
	}
	return sqlStore, bs, nil
}

// buildNotifier assembles the configured sinks. The broadcaster is always
// present so stream subscribers see every notification.
func (g *Gateway) buildNotifier() notify.Notifier {
	sinks := notify.Multi{g.broadcaster}
	if g.config.Notify.Log {
		sinks = append(sinks, notify.NewLogNotifier(g.logger))
	}
	if g.config.Notify.WebhookURL != "" {
		sinks = append(sinks, notify.NewWebhookNotifier(g.config.Notify.WebhookURL, g.config.Notify.WebhookTimeout))
	}
	return sinks
}

// Run rebuilds the reverse index, starts the pipeline and HTTP server, and
// blocks until ctx is canceled. Queued bundles are drained before it returns.
func (g *Gateway) Run(ctx context.Context) error {
	if _, err := g.index.Rebuild(ctx, g.sqlite); err != nil {
		g.closeComponents()
		return fmt.Errorf("rebuilding reverse index: %w", err)
	}

	ln, err := net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		g.closeComponents()
		return fmt.Errorf("listening on HTTP address: %w", err)
	}
	return g.serve(ctx, ln)
}

// serve runs everything on an existing listener.
func (g *Gateway) serve(ctx context.Context, ln net.Listener) error {
	bgCtx, stopBackground := context.WithCancel(context.Background())
	defer stopBackground()

	pipelineDone := make(chan error, 1)
	go func() {
		pipelineDone <- g.pipeline.Run(bgCtx)
	}()

	var bg sync.WaitGroup
	g.startBackground(bgCtx, &bg)

	errCh := g.startServer(ln)
	g.ready.Store(true)

	serverErr := g.waitForShutdownSignal(ctx, errCh)
	g.ready.Store(false)

	shutdownErr := g.gracefulShutdown()

	// stop intake first, then let the pipeline drain
	stopBackground()
	if err := <-pipelineDone; err != nil && !errors.Is(err, context.Canceled) {
		g.logger.Warn("pipeline stopped with error", "error", err)
	}
	bg.Wait()
	g.closeComponents()

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// startBackground launches the purge janitor and the config watcher.
func (g *Gateway) startBackground(ctx context.Context, wg *sync.WaitGroup) {
	if g.config.Decisions.PurgeInterval > 0 && g.decisions == store.DecisionStore(g.sqlite) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			g.runPurge(ctx, g.config.Decisions.PurgeInterval)
		}()
	}

	if g.config.Server.WatchConfig && g.configPath != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := config.Watch(ctx, g.configPath, g.logger, g.applyConfig); err != nil {
				g.logger.Warn("config watcher stopped", "error", err)
			}
		}()
	}
}

// runPurge deletes expired SQLite decision rows until ctx ends.
func (g *Gateway) runPurge(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := g.sqlite.PurgeExpired(ctx)
			if err != nil {
				g.logger.Warn("purging expired decisions failed", "error", err)
				continue
			}
			if n > 0 {
				g.logger.Info("purged expired decisions", "count", n)
			}
		}
	}
}

// applyConfig swaps in reloaded observer filters. Other sections need a restart.
func (g *Gateway) applyConfig(cfg *config.Config) {
	if err := g.filters.Replace(cfg.FilterRules()); err != nil {
		g.logger.Warn("rejected reloaded observer rules", "error", err)
		return
	}
	g.logger.Info("observer rules reloaded", "observers", len(cfg.Observers))
}

// startServer starts the HTTP server in a goroutine, returning error channel.
func (g *Gateway) startServer(ln net.Listener) chan error {
	errCh := make(chan error, 1)
	go func() {
		g.logger.Info("HTTP server listening", "addr", ln.Addr().String())
		if err := g.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()
	return errCh
}

// waitForShutdownSignal waits for context cancellation or server error.
func (g *Gateway) waitForShutdownSignal(ctx context.Context, errCh chan error) error {
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
		return nil
	case err := <-errCh:
		g.logger.Error("server error", "error", err)
		return err
	}
}

// gracefulShutdown stops the HTTP server with a fresh context and timeout.
// Uses context.Background() since the original context is already canceled.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	g.logger.Info("shutting down gateway")
	// streams hold requests open; closing the broadcaster ends them
	g.broadcaster.Close()
	if err := g.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("HTTP shutdown: %w", err)
	}
	return nil
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// closeComponents releases caches and stores. Safe to call more than once.
func (g *Gateway) closeComponents() {
	g.closeOnce.Do(func() {
		g.broadcaster.Close()
		if g.governor != nil {
			g.governor.Close()
		}
		if g.decisionSvc != nil {
			g.decisionSvc.Close()
		}

		var errs []error
		if g.decisions != store.DecisionStore(g.sqlite) {
			errs = appendCloseError(errs, "decision store close", g.decisions.Close())
		}
		errs = appendCloseError(errs, "store close", g.sqlite.Close())
		if len(errs) > 0 {
			g.logger.Error("shutdown errors", "errors", errors.Join(errs...))
		}
	})
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK once the index is rebuilt and the pipeline is accepting bundles.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	if !g.ready.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("starting"))
		return
	}
	stats := g.pipeline.Stats()
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (queue %d, %d tracked pairs)", stats.QueueDepth, g.index.Len())
}
