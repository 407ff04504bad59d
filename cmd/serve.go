package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	gcpubsub "cloud.google.com/go/pubsub"
	gcstorage "cloud.google.com/go/storage"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mangamark/mangamark/internal/api"
	"github.com/mangamark/mangamark/internal/bookmarks"
	"github.com/mangamark/mangamark/internal/browser"
	"github.com/mangamark/mangamark/internal/clock/system"
	"github.com/mangamark/mangamark/internal/config"
	"github.com/mangamark/mangamark/internal/dispatcher"
	"github.com/mangamark/mangamark/internal/fetcher/direct"
	"github.com/mangamark/mangamark/internal/id/uuid"
	"github.com/mangamark/mangamark/internal/identity"
	"github.com/mangamark/mangamark/internal/logging"
	"github.com/mangamark/mangamark/internal/metrics"
	pubsubpub "github.com/mangamark/mangamark/internal/publisher/pubsub"
	queuememory "github.com/mangamark/mangamark/internal/queue/memory"
	"github.com/mangamark/mangamark/internal/scrape"
	"github.com/mangamark/mangamark/internal/storage/gcs"
	"github.com/mangamark/mangamark/internal/storage/local"
	storememory "github.com/mangamark/mangamark/internal/storage/memory"
	"github.com/mangamark/mangamark/internal/storage/postgres"
	"github.com/mangamark/mangamark/internal/task"
	"github.com/mangamark/mangamark/internal/worker"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the API server and scrape worker pool.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), cfg)
		},
	}
}

func runServe(parent context.Context, cfg config.Config) error {
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	metrics.Init()

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := postgres.NewStore(ctx, postgres.StoreConfig{
		DSN:             cfg.DB.DSN,
		MaxConns:        cfg.DB.MaxConns,
		MinConns:        cfg.DB.MinConns,
		MaxConnLifetime: cfg.DB.MaxConnLifetime,
	})
	if err != nil {
		return err
	}
	defer store.Close()

	thumbs, cleanupThumbs, err := buildThumbStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer cleanupThumbs()

	clock := system.New()
	idGen := uuid.New()

	mgr := browser.NewManager(browser.Config{
		UserAgent:      cfg.Browser.UserAgent,
		ViewportWidth:  cfg.Browser.ViewportWidth,
		ViewportHeight: cfg.Browser.ViewportHeight,
		NavTimeout:     cfg.Browser.NavTimeout(),
		ScriptTimeout:  cfg.Browser.ScriptTimeout(),
		DomainQPS:      cfg.Browser.DomainQPS,
	}, logger)
	defer mgr.Close()

	images := direct.New(direct.Config{
		UserAgent: cfg.Browser.UserAgent,
		Timeout:   cfg.Browser.FetchTimeout(),
	})
	resolver := scrape.NewResolver(
		scrape.NewHitomi(mgr, images, logger),
		scrape.NewBato(mgr, cfg.Browser.Settle(), logger),
	)

	queue := queuememory.NewQueue(cfg.Worker.QueueDepth)
	defer queue.Close()
	taskStore := storememory.NewTaskStore(clock)

	publisher, stopPublisher, err := buildPublisher(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer stopPublisher()

	runner := task.NewRunner(resolver, store, thumbs, clock, idGen, logger)
	workers := make([]*worker.Worker, 0, cfg.Worker.Concurrency)
	for i := 0; i < cfg.Worker.Concurrency; i++ {
		workers = append(workers, worker.New(
			queue, taskStore, runner, publisher, clock,
			worker.Config{Topic: cfg.PubSub.TopicName}, logger,
		))
	}
	disp := dispatcher.New(queue, workers)

	tokens, err := identity.NewClient(cfg.Identity.ValidateURL, cfg.Identity.Timeout())
	if err != nil {
		return err
	}

	server := api.NewServer(store, taskStore, disp, resolver, thumbs, tokens, idGen, clock, logger)
	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	dispatcherDone := make(chan struct{})
	go func() {
		defer close(dispatcherDone)
		disp.Run(ctx)
	}()

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("http server listening", zap.Int("port", cfg.Server.Port))
		serveErr <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown failed", zap.Error(err))
	}
	<-dispatcherDone
	return nil
}

func buildThumbStore(ctx context.Context, cfg config.Config) (bookmarks.ThumbnailStore, func(), error) {
	switch cfg.Thumbnails.Backend {
	case "gcs":
		client, err := gcstorage.NewClient(ctx)
		if err != nil {
			return nil, nil, fmt.Errorf("create gcs client: %w", err)
		}
		store, err := gcs.New(client, gcs.Config{
			Bucket:        cfg.Thumbnails.GCSBucket,
			PublicBaseURL: cfg.Thumbnails.PublicBaseURL,
		})
		if err != nil {
			return nil, nil, err
		}
		return store, func() { _ = client.Close() }, nil
	default:
		store, err := local.New(cfg.Thumbnails.BaseDir, cfg.Thumbnails.PublicBaseURL)
		if err != nil {
			return nil, nil, err
		}
		return store, func() {}, nil
	}
}

func buildPublisher(ctx context.Context, cfg config.Config, logger *zap.Logger) (bookmarks.Publisher, func(), error) {
	if cfg.PubSub.TopicName == "" || cfg.PubSub.ProjectID == "" {
		logger.Info("pubsub publishing disabled")
		return nil, func() {}, nil
	}
	client, err := gcpubsub.NewClient(ctx, cfg.PubSub.ProjectID)
	if err != nil {
		return nil, nil, fmt.Errorf("create pubsub client: %w", err)
	}
	pub := pubsubpub.New(client.Topic(cfg.PubSub.TopicName))
	return pub, func() {
		pub.Stop()
		_ = client.Close()
	}, nil
}
