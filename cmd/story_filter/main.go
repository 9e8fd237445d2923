package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"story-filter/internal/middleware/logger"
	"story-filter/internal/story_filter/api"
	"story-filter/internal/story_filter/classifier"
	"story-filter/internal/story_filter/helper"
	"story-filter/internal/story_filter/media"
	"story-filter/internal/story_filter/model"
	"story-filter/internal/story_filter/processor"
	"story-filter/internal/story_filter/scheduler"
	"story-filter/pkg/config"
)

// store is what both the Mongo and the Postgres backends provide.
type store interface {
	processor.CandidateSource
	processor.RelevantStore
	processor.StatusWriter
	ListRelevant(ctx context.Context, limit int) ([]model.RelevantStory, error)
	GetRelevant(ctx context.Context, mediaID string) (model.RelevantStory, bool, error)
}

func main() {
	configPath := flag.String("config", os.Getenv("STORY_FILTER_CONFIG"), "path to the yaml config")
	mode := flag.String("mode", "once", "once | daemon | serve")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		panic(err)
	}

	log, err := logger.NewLogger(cfg.Log.Level, cfg.Log.JSON)
	if err != nil {
		panic(err)
	}
	defer func(log *zap.Logger) {
		_ = log.Sync()
	}(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, log, cfg, *mode); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("Story filter exited with error", zap.String("error", eris.ToString(err, true)))
		_ = log.Sync()
		os.Exit(1)
	}
}

func run(ctx context.Context, log *zap.Logger, cfg *config.Config, mode string) error {
	log.Info("Starting story filter",
		zap.String("mode", mode),
		zap.String("store", cfg.Store),
		zap.Int("batchSize", cfg.BatchSize),
	)

	st, closeStore, err := openStore(ctx, log, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	if mode == "serve" {
		return serve(ctx, log, cfg, st)
	}

	if err := cfg.RequireClassifier(); err != nil {
		return err
	}

	pipeline := processor.NewPipeline(
		log.Named("pipeline"),
		st, st, st,
		newClassifier(log, cfg),
		media.NewResolver(log.Named("media"), &http.Client{}, media.Config{
			FetchTimeout:   cfg.Media.FetchTimeout,
			MaxFetchBytes:  cfg.Media.MaxFetchBytes,
			MaxInlineBytes: cfg.Media.MaxInlineBytes,
			Recompress:     cfg.Media.Recompress,
			JPEGQuality:    cfg.Media.JPEGQuality,
		}),
		processor.Config{
			BatchSize:             cfg.BatchSize,
			DiscoverFromPermalink: cfg.Media.DiscoverFromPermalink,
		},
	)

	worker := &scheduler.Worker{
		Log:      log.Named("scheduler"),
		Pipeline: pipeline,
		Location: cfg.Location(),
		Anchors:  cfg.Scheduler.Anchors,
	}
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer func() { _ = rdb.Close() }()
		worker.Lock = helper.NewRunLock(rdb, cfg.Redis.LockKey, cfg.Redis.LockTTL)
	}

	switch mode {
	case "once":
		_, err := worker.RunOnce(ctx)
		if eris.Is(err, helper.ErrLockHeld) {
			log.Warn("Another run holds the lock, nothing to do")
			return nil
		}
		return err
	case "daemon":
		go func() {
			if err := serve(ctx, log, cfg, st); err != nil {
				log.Error("API server stopped", zap.Error(err))
			}
		}()
		worker.Run(ctx)
		return nil
	default:
		return eris.Errorf("unknown mode %q", mode)
	}
}

func newClassifier(log *zap.Logger, cfg *config.Config) *classifier.Client {
	return classifier.NewClient(
		log.Named("classifier"),
		&http.Client{},
		classifier.NewMinInterval(cfg.OpenAI.MinCallInterval),
		classifier.Config{
			URL:            cfg.OpenAI.URL,
			APIKey:         cfg.OpenAI.APIKey,
			Model:          cfg.OpenAI.Model,
			MaxTokens:      cfg.OpenAI.MaxTokens,
			RequestTimeout: cfg.OpenAI.RequestTimeout,
			MaxAttempts:    cfg.OpenAI.MaxAttempts,
			BaseBackoff:    cfg.OpenAI.BaseBackoff,
			MaxBackoff:     cfg.OpenAI.MaxBackoff,
		},
	)
}

func openStore(ctx context.Context, log *zap.Logger, cfg *config.Config) (store, func(), error) {
	connectCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	switch cfg.Store {
	case config.StorePostgres:
		pg, err := helper.OpenPostgres(connectCtx, cfg.Postgres.DSN, cfg.Postgres.MaxConns, cfg.Postgres.ViaBouncer)
		if err != nil {
			return nil, nil, err
		}
		return pg, pg.Close, nil
	default:
		stores, err := helper.ConnectMongo(connectCtx, log.Named("mongo"), helper.MongoOptions{
			URI:        cfg.Mongo.URI,
			Host:       cfg.Mongo.Host,
			DBName:     cfg.Mongo.DBName,
			Username:   cfg.Mongo.Username,
			Password:   cfg.Mongo.Password,
			AuthSource: cfg.Mongo.AuthSource,
		})
		if err != nil {
			return nil, nil, err
		}
		return stores, func() { _ = stores.Close(context.Background()) }, nil
	}
}

// serve blocks until ctx is done, then shuts the listener down.
func serve(ctx context.Context, log *zap.Logger, cfg *config.Config, st store) error {
	srv := &api.Server{Log: log.Named("api"), Stores: st}
	r := srv.Router()
	_ = r.SetTrustedProxies(nil)

	httpSrv := &http.Server{Addr: cfg.API.Addr, Handler: r, ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		log.Info("API is running", zap.String("address", cfg.API.Addr))
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return eris.Wrap(err, "listen")
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	}
}
