package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"prism-board/api"
	"prism-board/notify"
	"prism-board/querycache"
	"prism-board/reorder"
	"prism-board/storage"
	"prism-board/taskapi"
	"prism-board/watch"
)

type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

func main() {
	cfg, err := loadConfig(os.Getenv)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger := log.New()
	if cfg.Debug {
		log.SetLevel(log.DebugLevel)
		logger.SetLevel(log.DebugLevel)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client := taskapi.New(cfg.TaskAPIURL)
	client.Bearer = cfg.TaskAPIBearer

	var (
		board  taskBackend = client
		health []api.Pinger
	)
	if cfg.Backend == backendAzure {
		store, err := storage.New(cfg.StorageConnStr, cfg.TasksTable, cfg.StatusesTable, cfg.CommandQueue)
		if err != nil {
			log.Fatalf("storage: %v", err)
		}
		board = store
		health = append(health, store)
	}

	var rc *redis.Client
	if cfg.Redis != nil {
		rc = redis.NewClient(cfg.Redis)
		health = append(health, pingFunc(func(ctx context.Context) error { return rc.Ping(ctx).Err() }))
		board = storage.NewCache(board, rc, cfg.TasksCacheTTL)
	}

	hub := notify.NewHub(cfg.InboxSize, logger)
	var notifier reorder.Notifier = hub
	if rc != nil {
		// Instances share notifications: publish to Redis and relay back into the local hub.
		notifier = notify.NewRedisPublisher(rc, cfg.NotifyChannel)
		go notify.Relay(ctx, logger, rc, cfg.NotifyChannel, hub)
	}

	cache := querycache.New(cfg.BoardStaleTime, logger)
	registerFetchers(cache, board, client)

	coord := reorder.NewCoordinator(cache, board, board, notifier, logger, reorder.Options{
		PersistNoopMoves: cfg.PersistNoopMoves,
		Completion:       reorder.NewCompletionMatcher(cfg.CompletionMarkers...),
		MaxInFlight:      cfg.MaxInFlight,
	})
	watcher := watch.New(client, cache, notifier, logger, cfg.WatchInterval)

	deps := api.Deps{
		Boards:     coord,
		Inbox:      hub,
		Executions: watcher,
		Auth:       api.NewTokenIdentity(),
		Health:     health,
		Logger:     logger,
	}
	if rc != nil {
		deps.Deduper = api.NewRedisDeduper(rc, cfg.DeduperTTL)
	}

	e := echo.New()
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization, "Idempotency-Key"},
	}))
	e.Use(api.GzipRequestMiddleware(api.DefaultMaxDecodedBody))
	api.Register(e, deps)

	go func() {
		if err := e.Start(cfg.ListenAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			e.Logger.Fatal(err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("server shutdown")
	}
	watcher.Stop()
	if rc != nil {
		_ = rc.Close()
	}
}
