package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/hashicorp/go-hclog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"skald/api/auth"
	"skald/api/config"
	"skald/api/consul"
	"skald/api/coord"
	"skald/api/etcd"
	"skald/api/eventlog"
	"skald/api/handler"
	"skald/api/health"
	"skald/api/history"
	"skald/api/hub"
	"skald/api/metrics"
	"skald/api/nomad"
	"skald/api/rollout"
	"skald/api/storage"
	"skald/api/validate"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logger := hclog.New(&hclog.LoggerOptions{
		Name:       "skald",
		Level:      hclog.LevelFromString(cfg.LogLevel),
		JSONFormat: cfg.LogJSON,
	})

	if err := run(cfg, logger); err != nil {
		logger.Error("exiting", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger hclog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	poller := &health.Poller{Logger: logger}

	store, closeStore, err := openStore(cfg, poller)
	if err != nil {
		return err
	}
	defer closeStore()

	fleet, err := nomad.NewClient(cfg.NomadAddr, cfg.NomadDatacenters, cfg.NomadRegion)
	if err != nil {
		return err
	}
	poller.Register("nomad", false, func(context.Context) error { return fleet.Healthy() })

	backing, err := history.OpenBacking(cfg.QueuePath, logger)
	if err != nil {
		return fmt.Errorf("history queue: %w", err)
	}
	defer backing.Close()

	// Always allow local development origins, plus configured extras.
	allowedOrigins := append([]string{"http://localhost:5173", "http://localhost:3000"}, cfg.AllowedOrigins...)

	ws := hub.New(allowedOrigins, logger)
	publishers := history.MultiPublisher{ws}

	var events handler.EventLog
	if cfg.DatabaseURL != "" {
		db, err := eventlog.Connect(cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("event log: %w", err)
		}
		defer db.Close()
		if err := eventlog.Migrate(db); err != nil {
			return fmt.Errorf("event log migration: %w", err)
		}
		publishers = append(publishers, db)
		events = db
		poller.Register("postgres", false, db.Healthy)
		logger.Info("event log enabled")
	}

	if cfg.S3Endpoint != "" {
		archive, err := storage.NewClient(storage.Config{
			Endpoint:  cfg.S3Endpoint,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			Region:    cfg.S3Region,
			Bucket:    cfg.S3Bucket,
			UseSSL:    cfg.S3UseSSL,
		})
		if err != nil {
			logger.Warn("S3 archive unavailable", "error", err)
		} else {
			if err := archive.EnsureBucket(ctx); err != nil {
				logger.Warn("S3 bucket check failed", "bucket", cfg.S3Bucket, "error", err)
			}
			publishers = append(publishers, archive)
			poller.Register("s3", false, archive.Healthy)
			logger.Info("S3 archive enabled", "endpoint", archive.Endpoint(), "bucket", cfg.S3Bucket)
		}
	}

	writer := history.NewDeploymentGroupWriter(backing, store, history.Options{
		Logger:         logger,
		Publisher:      publishers,
		InitialBackoff: cfg.DrainInitialBackoff,
		MaxBackoff:     cfg.DrainMaxBackoff,
		PublishTimeout: cfg.PublishTimeout,
		Retention:      cfg.HistoryRetention,
	})

	groups := coord.NewGroups(store)
	coordinator := rollout.New(rollout.Config{
		Groups:           groups,
		Fleet:            fleet,
		Actions:          fleet,
		Events:           writer,
		Logger:           logger,
		PollInterval:     cfg.PollInterval,
		RetryInterval:    cfg.RetryInterval,
		MaxRetryInterval: cfg.MaxRetryInterval,
	})
	manager := rollout.NewManager(coordinator, cfg.ResyncInterval, logger)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	if err := metrics.Register(reg); err != nil {
		return fmt.Errorf("metrics: %w", err)
	}

	h := handler.New(handler.Config{
		Coordinator: coordinator,
		Groups:      groups,
		Queue:       writer,
		Events:      events,
		Health:      poller,
		Validator:   &validate.Validator{Fleet: fleet},
		Version:     Version,
		Logger:      logger,
	})

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(requestLogger(logger.Named("http")))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization", "Cf-Access-Jwt-Assertion"},
		AllowCredentials: true,
	}))

	var access *auth.AccessValidator
	if cfg.CFAccessTeamDomain != "" {
		access = auth.NewAccessValidator(cfg.CFAccessTeamDomain, cfg.CFAccessAUD)
		logger.Info("CF Access auth enabled")
	}
	if cfg.APIToken != "" {
		logger.Info("API token auth enabled")
	}
	r.Use(auth.Middleware(auth.Config{
		Token:  cfg.APIToken,
		Access: access,
		Public: []string{"/api/health", "/api/version", "/metrics"},
	}))

	r.Route("/api", h.Routes)
	r.Get("/ws", ws.HandleConnect)
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return writer.Run(gctx) })
	g.Go(func() error { return manager.Run(gctx) })
	g.Go(func() error {
		ws.Run(gctx)
		return nil
	})
	g.Go(func() error {
		poller.Run(gctx)
		return nil
	})
	g.Go(func() error {
		logger.Info("listening", "version", Version, "addr", srv.Addr, "store", cfg.StoreBackend)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// openStore connects the configured coordination store backend.
func openStore(cfg *config.Config, poller *health.Poller) (coord.Store, func(), error) {
	switch cfg.StoreBackend {
	case "consul":
		c, err := consul.NewClient(cfg.ConsulAddr)
		if err != nil {
			return nil, nil, err
		}
		poller.Register("consul", true, func(context.Context) error { return c.Healthy() })
		return c, func() {}, nil
	case "etcd":
		c, err := etcd.NewClient(cfg.EtcdEndpoints, cfg.EtcdDialTimeout)
		if err != nil {
			return nil, nil, err
		}
		poller.Register("etcd", true, c.Healthy)
		return c, func() { c.Close() }, nil
	case "memory":
		return coord.NewMemStore(), func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
	}
}

func requestLogger(log hclog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			log.Debug("request", "method", r.Method, "path", r.URL.Path, "status", ww.Status(),
				"bytes", ww.BytesWritten(), "duration", time.Since(start), "request_id", middleware.GetReqID(r.Context()))
		})
	}
}
