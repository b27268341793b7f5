package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	log "github.com/sirupsen/logrus"

	"github.com/voyagen/pvrguide/internal/cache"
	"github.com/voyagen/pvrguide/internal/config"
	"github.com/voyagen/pvrguide/internal/fetcher"
	"github.com/voyagen/pvrguide/internal/jobs"
	"github.com/voyagen/pvrguide/internal/metrics"
	"github.com/voyagen/pvrguide/internal/scheduler"
	"github.com/voyagen/pvrguide/internal/server"
	"github.com/voyagen/pvrguide/internal/service"
	"github.com/voyagen/pvrguide/internal/store"
)

func main() {
	configPath := flag.String("config", "", "Optional config file path (YAML); else use env DATABASE_URL")
	flag.Parse()

	var cfg *config.Config
	var err error
	if *configPath != "" {
		cfg, err = config.LoadFromFile(*configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	if err := config.SetupLogging(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "logging: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	base, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		log.Fatalf("db: %v", err)
	}
	defer closeStore()

	// Connect to Redis if REDIS_URL is configured.
	var rds *cache.Redis
	var appStore store.Store = base
	if cfg.RedisURL != "" {
		rds, err = cache.New(cfg.RedisURL)
		if err != nil {
			log.Fatalf("redis: %v", err)
		}
		defer rds.Close()

		if err := rds.Ping(ctx); err != nil {
			log.Fatalf("redis ping: %v", err)
		}
		appStore = store.NewCachedStore(base, rds)
		log.Info("redis connected (caching, import locks and queue enabled)")
	} else {
		log.Info("redis disabled (REDIS_URL not set)")
	}

	tracker := jobs.NewTracker(jobs.Options{Classify: service.ClassifyError})
	metrics.RegisterActiveJobs(tracker.ActiveCount)
	if rds != nil {
		pub := cache.NewPublisher(rds, cache.ProgressChannel)
		unsubscribe := tracker.Subscribe(pub.Publish)
		defer unsubscribe()
	}

	mapper := service.NewMapper(appStore, cfg.MapWorkers)
	importer := service.NewImporter(service.ImporterOptions{
		Store:   appStore,
		Tracker: tracker,
		Downloader: fetcher.NewDownloader(fetcher.Options{
			ConnectTimeout: cfg.ConnectTimeout,
			ReadTimeout:    cfg.ReadTimeout,
			UserAgent:      cfg.UserAgent,
		}),
		Mapper:      mapper,
		Redis:       rds,
		DownloadDir: cfg.DownloadDir,
	})
	go importer.RunQueued(ctx)

	sched := scheduler.New(scheduler.Options{
		Tracker:              tracker,
		Sources:              appStore,
		Importer:             importer,
		JobRetention:         cfg.JobRetention,
		WatchdogTimeout:      cfg.WatchdogTimeout,
		RefreshCheckInterval: cfg.RefreshCheckInterval,
	})
	if err := sched.Start(ctx); err != nil {
		log.Fatalf("scheduler: %v", err)
	}

	srv := server.New(server.Options{
		Store:    appStore,
		Tracker:  tracker,
		Importer: importer,
		Mapper:   mapper,
		Port:     cfg.ServerPort,
	})
	err = srv.ListenAndServe(ctx)

	sched.Stop()
	for _, j := range tracker.ListActive() {
		tracker.Cancel(j.ID)
	}
	importer.Wait()
	if err != nil {
		log.Errorf("server: %v", err)
		os.Exit(1)
	}
}

// openStore opens SQLite for sqlite:// and file: URLs and Postgres otherwise.
// Postgres gets its extensions and migrations applied first.
func openStore(ctx context.Context, cfg *config.Config) (store.Store, func(), error) {
	if cfg.UsesSQLite() {
		db, err := store.NewSQLite(ctx, cfg.SQLitePath())
		if err != nil {
			return nil, nil, err
		}
		log.WithField("dsn", cfg.SQLitePath()).Info("using sqlite store")
		return db, db.Close, nil
	}

	if err := store.EnsureExtensions(cfg.DatabaseURL); err != nil {
		return nil, nil, fmt.Errorf("extensions: %w", err)
	}
	if err := store.RunMigrations(cfg.DatabaseURL, "file://"+migrationsDir(cfg.MigrationsPath)); err != nil {
		return nil, nil, fmt.Errorf("migrate: %w", err)
	}
	pg, err := store.NewPostgres(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}
	return pg, pg.Close, nil
}

// migrationsDir resolves dir against the working directory, falling back to
// the executable's directory.
func migrationsDir(dir string) string {
	abs, err := filepath.Abs(dir)
	if err != nil {
		abs = dir
	}
	if _, err := os.Stat(abs); err != nil && !filepath.IsAbs(dir) {
		if exe, e := os.Executable(); e == nil {
			abs = filepath.Join(filepath.Dir(exe), dir)
		}
	}
	return abs
}
