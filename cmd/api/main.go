package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/urfave/cli/v3"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"scribe/api/internal/app"
	"scribe/api/internal/config"
	"scribe/api/internal/docclient"
	"scribe/api/internal/engine"
	"scribe/api/internal/export"
	"scribe/api/internal/feed"
	"scribe/api/internal/gitrepo"
	"scribe/api/internal/live"
	"scribe/api/internal/llm"
	"scribe/api/internal/media"
	"scribe/api/internal/search"
	"scribe/api/internal/store"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cmd := &cli.Command{
		Name:            "scribe",
		Usage:           "live note-taking API with section orchestration",
		HideHelpCommand: true,
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "log-level", Usage: "log `LEVEL` (debug, info, warn, error); overrides LOG_LEVEL"},
			&cli.StringFlag{Name: "addr", Usage: "listen `ADDRESS`; overrides API_ADDR"},
		},
		Action: serve,
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "Runs migrations and serves the HTTP API (default)",
				Action: serve,
			},
			{
				Name:   "migrate",
				Usage:  "Applies pending database migrations and exits",
				Action: migrate,
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "dry-run", Usage: "only list pending migrations"},
				},
			},
		},
	}

	if err := cmd.Run(ctx, os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "scribe: %v\n", err)
		stop()
		os.Exit(1)
	}
}

func loadConfig(cmd *cli.Command) (config.Config, *zap.Logger, error) {
	cfg := config.Load()
	if v := cmd.String("log-level"); v != "" {
		cfg.LogLevel = v
	}
	if v := cmd.String("addr"); v != "" {
		cfg.Addr = v
	}
	log, err := config.NewLogger(cfg.LogLevel)
	if err != nil {
		return cfg, nil, fmt.Errorf("build logger: %w", err)
	}
	return cfg, log, nil
}

func migrate(ctx context.Context, cmd *cli.Command) error {
	cfg, log, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("database connection failed: %w", err)
	}
	defer db.Close()

	if cmd.Bool("dry-run") {
		pending, err := store.PendingMigrations(ctx, db, cfg.MigrationsDir)
		if err != nil {
			return err
		}
		log.Info("pending migrations", zap.Strings("versions", pending))
		return nil
	}
	applied, err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir)
	if err != nil {
		return fmt.Errorf("migrations failed: %w", err)
	}
	log.Info("migrations applied", zap.Strings("versions", applied))
	return nil
}

func serve(ctx context.Context, cmd *cli.Command) (err error) {
	cfg, log, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("database connection failed: %w", err)
	}
	defer func() { err = multierr.Append(err, db.Close()) }()

	applied, err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir)
	if err != nil {
		return fmt.Errorf("migrations failed: %w", err)
	}
	if len(applied) > 0 {
		log.Info("migrations applied", zap.Strings("versions", applied))
	}

	if err := os.MkdirAll(cfg.ReposDir, 0o755); err != nil {
		return fmt.Errorf("create repos dir: %w", err)
	}

	dataStore := store.NewPostgresStore(db)
	gitService := gitrepo.New(cfg.ReposDir)

	pgfts := search.NewPgFTS(db)
	var index search.Index
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient := search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, log.Named("search"))
		defer meiliClient.Close()
		index = meiliClient
	}
	searchService := search.NewService(index, pgfts, log.Named("search"))
	go searchService.ReindexAllFromPG(ctx)

	var mediaStore *media.Store
	if strings.TrimSpace(cfg.MinioEndpoint) != "" {
		mediaStore, err = media.New(media.Options{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			Bucket:    cfg.MinioBucket,
			UseSSL:    cfg.MinioUseSSL,
		})
		if err != nil {
			return err
		}
		if err := mediaStore.EnsureBucket(ctx); err != nil {
			return fmt.Errorf("media bucket: %w", err)
		}
	} else {
		log.Info("media storage disabled, MINIO_ENDPOINT is empty")
	}

	var contextFeed *feed.Feed
	if strings.TrimSpace(cfg.RedisURL) != "" {
		contextFeed, err = feed.New(cfg.RedisURL, log.Named("feed"))
		if err != nil {
			return fmt.Errorf("redis connection failed: %w", err)
		}
		defer func() { err = multierr.Append(err, contextFeed.Close()) }()
	}

	service := app.New(app.Options{
		Store:    dataStore,
		Git:      gitService,
		Search:   searchService,
		Exporter: export.NewService(dataStore, gitService),
		Media:    mediaStore,
		Feed:     contextFeed,
		Logger:   log.Named("app"),
	})

	var documents live.DocumentStore = service.LiveStore()
	if strings.TrimSpace(cfg.DocsURL) != "" {
		log.Info("live sessions use external document storage", zap.String("url", cfg.DocsURL))
		documents = docclient.New(cfg.DocsURL, 30*time.Second)
	}
	sessions := live.NewManager(live.Options{
		Store:     documents,
		Processor: llm.NewClient(cfg.LLMURL, cfg.LLMTimeout),
		Timing:    cfg.Timing(),
		Clock:     engine.SystemClock{},
		Logger:    log.Named("live"),
	})
	defer func() { err = multierr.Append(err, sessions.CloseAll()) }()

	if contextFeed != nil {
		err := contextFeed.Subscribe(ctx, func(frag feed.Fragment) {
			ierr := sessions.Inject(frag.DocumentID, engine.Kind(frag.Kind), frag.Text)
			if ierr != nil && !errors.Is(ierr, live.ErrNoSession) {
				log.Warn("inject context fragment", zap.String("doc_id", frag.DocumentID), zap.Error(ierr))
			}
		})
		if err != nil {
			return fmt.Errorf("subscribe to context feed: %w", err)
		}
	}

	httpServer := app.NewHTTPServer(service, sessions, cfg.CORSOrigin, log.Named("http"))
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      2 * time.Minute,
		IdleTimeout:       60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info("scribe API listening", zap.String("addr", cfg.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}
