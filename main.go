package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/MicahParks/keyfunc"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/time/rate"

	"taskflow/api"
	"taskflow/board"
	"taskflow/config"
	"taskflow/session"
	"taskflow/storage"
)

const (
	sessionInitTimeout = 10 * time.Second
	shutdownTimeout    = 15 * time.Second
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "taskflow",
	Short: "Session and Kanban board API for the taskflow UI",
	Long: `taskflow serves the browser UI: it holds the signed-in session,
persists it to Redis, and applies card moves to Kanban boards kept in
Azure Table Storage. Applied moves are forwarded to the backend queue.

Run without arguments to serve.`,
	SilenceUsage: true,
	RunE:         runServe,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the session and board API",
	RunE:  runServe,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default $"+config.ConfigEnv+")")
	rootCmd.AddCommand(serveCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger := log.New()
	if cfg.Debug {
		logger.SetLevel(log.DebugLevel)
		log.SetLevel(log.DebugLevel)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var rc *redis.Client
	if cfg.RedisConnectionString != "" {
		redisOpts, err := cfg.RedisOptions()
		if err != nil {
			return err
		}
		rc = redis.NewClient(redisOpts)
		defer func() {
			if err := rc.Close(); err != nil {
				logger.WithError(err).Warn("redis close")
			}
		}()
	} else {
		logger.Warn("REDIS_CONNECTION_STRING not set; sessions will not survive restarts")
	}

	var kv session.KV = session.NewMemoryKV()
	if rc != nil {
		kv = session.NewRedisKV(rc, session.WithChangeChannel(cfg.SessionChannel))
	}
	sessions := session.New(kv, session.WithKeyPrefix(cfg.SessionKeyPrefix), session.WithLogger(logger))
	defer sessions.Close()

	initCtx, cancelInit := context.WithTimeout(ctx, sessionInitTimeout)
	restored := sessions.Initialize(initCtx)
	cancelInit()
	logger.WithField("state", restored.State().String()).Info("session restored")

	if rc != nil && cfg.SessionChannel != "" {
		go session.Watch(ctx, rc, cfg.SessionChannel, sessions, logger)
	}

	deps := api.Deps{
		Sessions:   sessions,
		LoginRate:  rate.Limit(cfg.LoginRateLimit),
		LoginBurst: cfg.LoginBurst,
	}

	if rc != nil {
		deps.Deduper = api.NewRedisDeduper(rc, cfg.DeduperTTL)
	}

	var repo board.Repository
	if cfg.StorageConnectionString != "" {
		store, err := storage.New(cfg.StorageConnectionString, cfg.BoardsTable, cfg.MovesQueue)
		if err != nil {
			return err
		}
		var queue api.MoveQueue = store
		repo = store
		if rc != nil && cfg.BoardCacheTTL > 0 {
			cache := storage.NewCache(store, rc, cfg.BoardCacheTTL)
			repo = cache
			queue = cache
		}
		forwarder := api.NewForwarder(queue, logger, api.ForwarderConfig{
			Workers:          cfg.MoveWorkers,
			Buffer:           cfg.MoveBuffer,
			QueueConcurrency: store.QueueConcurrency(),
			EnqueueTimeout:   cfg.MoveEnqueueTimeout,
			HandoffTimeout:   cfg.MoveHandoffTimeout,
		})
		defer forwarder.Close()
		deps.Forwarder = forwarder
	} else {
		logger.Warn("STORAGE_CONNECTION_STRING not set; boards are kept in memory and moves are not forwarded")
	}
	deps.Boards = board.NewService(repo, logger)

	switch {
	case cfg.AuthDisabled:
		logger.Warn("AUTH_DISABLED set; login tokens are not verified")
	case cfg.LocalAuthMode:
		deps.Verifier = api.NewAuth(nil, "", "", api.AuthOptions{SharedSecret: []byte(cfg.LocalAuthSharedSecret)})
	default:
		jwks, err := keyfunc.Get(cfg.JWKSURL(), keyfunc.Options{
			RefreshInterval:   time.Hour,
			RefreshUnknownKID: true,
			RefreshErrorHandler: func(err error) {
				logger.WithError(err).Warn("jwks refresh failed")
			},
		})
		if err != nil {
			return err
		}
		defer jwks.EndBackground()
		deps.Verifier = api.NewAuth(jwks, cfg.Auth0Audience, cfg.Issuer(), api.AuthOptions{})
	}

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization, echo.HeaderContentEncoding},
	}))
	e.Use(middleware.GzipWithConfig(middleware.GzipConfig{
		Skipper: func(c echo.Context) bool {
			return strings.HasSuffix(c.Path(), "/stream")
		},
	}))
	e.Use(api.GzipRequestMiddleware())

	api.Register(e, deps, logger)

	// session streams only end when their request context does
	baseCtx, cancelBase := context.WithCancel(context.Background())
	defer cancelBase()
	e.Server.BaseContext = func(net.Listener) context.Context { return baseCtx }
	e.Server.RegisterOnShutdown(cancelBase)

	errCh := make(chan error, 1)
	go func() {
		if err := e.Start(cfg.ListenAddr()); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return e.Shutdown(shutdownCtx)
}
