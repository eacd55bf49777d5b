// Package main wires together the harvester service binary.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	gcstorage "cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/parcelworks/harvester/internal/api"
	"github.com/parcelworks/harvester/internal/clock/system"
	"github.com/parcelworks/harvester/internal/collector"
	"github.com/parcelworks/harvester/internal/collectors/assessor"
	"github.com/parcelworks/harvester/internal/config"
	"github.com/parcelworks/harvester/internal/events"
	collyfetcher "github.com/parcelworks/harvester/internal/fetch/colly"
	headlessfetcher "github.com/parcelworks/harvester/internal/fetch/headless"
	"github.com/parcelworks/harvester/internal/health"
	"github.com/parcelworks/harvester/internal/id/uuid"
	"github.com/parcelworks/harvester/internal/logging"
	"github.com/parcelworks/harvester/internal/manager"
	"github.com/parcelworks/harvester/internal/scheduler"
	"github.com/parcelworks/harvester/internal/storage/gcs"
	"github.com/parcelworks/harvester/internal/storage/local"
	"github.com/parcelworks/harvester/internal/storage/memory"
	"github.com/parcelworks/harvester/internal/storage/postgres"
)

func main() {
	cfgPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		if syncErr := logger.Sync(); syncErr != nil {
			fmt.Fprintf(os.Stderr, "logger sync failed: %v\n", syncErr)
		}
	}()
	zap.ReplaceGlobals(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	clock := system.New()
	idGen := uuid.New()

	store, closeStore, err := newStore(ctx, cfg)
	if err != nil {
		logger.Fatal("store init failed", zap.Error(err))
	}
	defer closeStore()

	blobs, err := newBlobStore(ctx, cfg)
	if err != nil {
		logger.Fatal("blob store init failed", zap.Error(err))
	}

	fetcher, err := collyfetcher.New(collyfetcher.Config{
		UserAgent:      cfg.Collector.UserAgent,
		RequestTimeout: cfg.RequestTimeout(),
		Concurrency:    cfg.Collector.Concurrency,
	}, logger.Named("fetch"))
	if err != nil {
		logger.Fatal("fetcher init failed", zap.Error(err))
	}

	var headless collector.Fetcher
	if cfg.Headless.Enabled {
		headlessFetcher, err := headlessfetcher.New(headlessfetcher.Config{
			MaxParallel:       cfg.Headless.MaxParallel,
			UserAgent:         cfg.Collector.UserAgent,
			NavigationTimeout: time.Duration(cfg.Headless.NavTimeoutSec) * time.Second,
		})
		if err != nil {
			logger.Warn("headless fetcher init failed", zap.Error(err))
		} else {
			defer headlessFetcher.Close()
			headless = headlessFetcher
		}
	}

	hub, err := newEventHub(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("event hub init failed", zap.Error(err))
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := hub.Close(closeCtx); err != nil {
			logger.Warn("event hub close failed", zap.Error(err))
		}
	}()

	mgr, err := manager.New(manager.Config{
		RunTimeout:  cfg.RunTimeout(),
		Concurrency: cfg.Collector.Concurrency,
	}, store, idGen, clock, hub, logger.Named("manager"))
	if err != nil {
		logger.Fatal("manager init failed", zap.Error(err))
	}

	assessorCollector, err := assessor.New(assessor.Config{
		DetailDelay: cfg.DetailDelay(),
	}, assessor.Deps{
		Fetcher:  fetcher,
		Headless: headless,
		Prober:   fetcher,
		Store:    store,
		Blobs:    blobs,
		Clock:    clock,
		Logger:   logger.Named("assessor"),
	})
	if err != nil {
		logger.Fatal("assessor collector init failed", zap.Error(err))
	}
	if err := mgr.Register(assessorCollector.Definition()); err != nil {
		logger.Fatal("collector registration failed", zap.Error(err))
	}

	sched, err := scheduler.New(store, mgr, clock, logger.Named("scheduler"), cfg.SchedulerInterval())
	if err != nil {
		logger.Fatal("scheduler init failed", zap.Error(err))
	}
	if cfg.Scheduler.Enabled {
		if err := sched.Start(ctx); err != nil {
			logger.Fatal("scheduler start failed", zap.Error(err))
		}
		defer sched.Stop()
	}

	monitor, err := health.New(store, mgr, clock, logger.Named("health"))
	if err != nil {
		logger.Fatal("health monitor init failed", zap.Error(err))
	}

	apiServer := api.NewServer(store, mgr, sched, monitor, logger.Named("api"), api.Config{
		HealthLookback: cfg.HealthLookback(),
	})

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("http server started", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
}

func newStore(ctx context.Context, cfg config.Config) (collector.Store, func(), error) {
	if cfg.DB.DSN == "" {
		return memory.NewStore(), func() {}, nil
	}
	store, err := postgres.New(ctx, postgres.Config{
		DSN:      cfg.DB.DSN,
		MaxConns: int32(cfg.DB.MaxConns),
		MinConns: int32(cfg.DB.MinConns),
	})
	if err != nil {
		return nil, nil, err
	}
	return store, store.Close, nil
}

func newBlobStore(ctx context.Context, cfg config.Config) (collector.BlobStore, error) {
	switch cfg.Storage.Backend {
	case "local":
		return local.New(local.Config{BaseDir: cfg.Storage.LocalDir})
	case "gcs":
		client, err := gcstorage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client: %w", err)
		}
		return gcs.New(client, gcs.Config{Bucket: cfg.Storage.GCSBucket})
	default:
		return memory.NewBlobStore(), nil
	}
}

func newEventHub(ctx context.Context, cfg config.Config, logger *zap.Logger) (*events.Hub, error) {
	sinks := []events.Sink{
		events.NewLogSink(logger.Named("events")),
		events.NewPrometheusSink(),
	}
	if cfg.PubSub.Enabled {
		client, err := pubsub.NewClient(ctx, cfg.PubSub.ProjectID)
		if err != nil {
			return nil, fmt.Errorf("pubsub client: %w", err)
		}
		sink, err := events.NewPubSubSink(client.Topic(cfg.PubSub.TopicName))
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, sink)
	}
	return events.NewHub(logger.Named("events"), 5*time.Second, sinks...), nil
}
