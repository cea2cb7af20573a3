package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MicahParks/keyfunc"
	"github.com/labstack/echo-contrib/echoprometheus"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/VibeCode-Max/bright-flow-mind/api"
	"github.com/VibeCode-Max/bright-flow-mind/board"
	"github.com/VibeCode-Max/bright-flow-mind/celebration"
	"github.com/VibeCode-Max/bright-flow-mind/chat"
	"github.com/VibeCode-Max/bright-flow-mind/storage"
)

func main() {
	logger := log.New()
	cfg, err := loadConfig(os.Getenv)
	if err != nil {
		logger.Fatal(err)
	}
	if cfg.Debug {
		logger.SetLevel(log.DebugLevel)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal(err)
	}
}

// run wires the service from cfg and serves until ctx is done.
func run(ctx context.Context, cfg config, logger *log.Logger) error {
	tp := sdktrace.NewTracerProvider()
	otel.SetTracerProvider(tp)
	defer func() { _ = tp.Shutdown(context.Background()) }()

	tables, err := storage.New(cfg.StorageConnStr, cfg.TasksTable)
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	if err := tables.EnsureTable(ctx); err != nil {
		return fmt.Errorf("storage: %w", err)
	}

	redisOpts, err := redisOptions(cfg.RedisConn)
	if err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	rc := redis.NewClient(redisOpts)
	defer rc.Close()

	store := storage.NewCache(tables, rc, cfg.TasksCacheTTL, logger)

	dispatcher := board.NewDispatcher(cfg.Dispatch, logger)
	defer dispatcher.Close()

	// Drops publish to Redis so every instance's streams see them.
	hub := celebration.NewHub()
	go celebration.Subscribe(ctx, logger, rc, cfg.CelebrationChannel, hub)
	publisher := celebration.NewPublisher(rc, cfg.CelebrationChannel, logger)

	boards := board.NewRegistry(store, dispatcher, publisher, logger)
	chats := chat.NewRegistry(chat.NewClient(cfg.AssistantBaseURL, cfg.AssistantAPIKey, nil), logger)

	var auth *api.Auth
	if cfg.LocalSecret != "" {
		auth = api.NewAuth(api.AuthConfig{SharedSecret: []byte(cfg.LocalSecret)})
	} else {
		jwksURL := fmt.Sprintf("https://%s/.well-known/jwks.json", cfg.AuthDomain)
		jwks, err := keyfunc.Get(jwksURL, keyfunc.Options{RefreshInterval: time.Hour})
		if err != nil {
			return fmt.Errorf("jwks: %w", err)
		}
		defer jwks.EndBackground()
		auth = api.NewAuth(api.AuthConfig{
			JWKS:     jwks,
			Audience: cfg.AuthAudience,
			Issuer:   "https://" + cfg.AuthDomain + "/",
		})
	}

	e := echo.New()
	e.HideBanner = true
	e.JSONSerializer = api.JSONSerializer{}
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization, echo.HeaderContentEncoding},
	}))
	e.Use(echoprometheus.NewMiddlewareWithConfig(echoprometheus.MiddlewareConfig{
		Subsystem: "board",
		Skipper: func(c echo.Context) bool {
			return c.Path() == "/metrics" || c.Path() == "/healthz"
		},
	}))
	e.Use(api.GzipRequestMiddleware())
	e.GET("/metrics", echoprometheus.NewHandler())

	api.Register(e, api.Deps{
		Boards:       boards,
		Chats:        chats,
		Celebrations: hub,
		Auth:         auth,
		Deduper:      api.NewRedisDeduper(rc, cfg.DeduperTTL),
		Logger:       logger,
	})

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := e.Shutdown(shutdownCtx); err != nil {
			logger.WithError(err).Error("shutdown")
		}
	}()

	logger.WithField("addr", cfg.ListenAddr).Info("board service listening")
	if err := e.Start(cfg.ListenAddr); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
