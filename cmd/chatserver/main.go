package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/cors"
	"github.com/gofiber/fiber/v3/middleware/limiter"
	"github.com/gofiber/fiber/v3/middleware/requestid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/orgchat/chatcore/internal/api"
	"github.com/orgchat/chatcore/internal/apierr"
	"github.com/orgchat/chatcore/internal/as"
	"github.com/orgchat/chatcore/internal/auth"
	"github.com/orgchat/chatcore/internal/breaker"
	"github.com/orgchat/chatcore/internal/cache"
	"github.com/orgchat/chatcore/internal/config"
	"github.com/orgchat/chatcore/internal/hub"
	"github.com/orgchat/chatcore/internal/httputil"
	"github.com/orgchat/chatcore/internal/identity"
	"github.com/orgchat/chatcore/internal/message"
	"github.com/orgchat/chatcore/internal/permission"
	"github.com/orgchat/chatcore/internal/postgres"
	"github.com/orgchat/chatcore/internal/valkey"
)

// Build metadata injected via ldflags at compile time.
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// server holds the shared dependencies used by route handlers and middleware.
type server struct {
	cfg       *config.Config
	db        *pgxpool.Pool
	rdb       *redis.Client
	validator *auth.Validator
	resolver  *permission.Resolver
	hub       *hub.Hub
}

func main() {
	log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()

	if err := run(); err != nil {
		log.Fatal().Err(err).Msg("Server stopped")
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if cfg.IsDevelopment() {
		log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
			With().Timestamp().Logger()
	}

	log.Info().
		Str("version", version).
		Str("commit", commit).
		Str("built", date).
		Str("env", cfg.ServerEnv).
		Msg("Starting chat backend")

	if cfg.CORSAllowOrigins == "*" {
		log.Warn().Msg("CORS_ALLOW_ORIGINS is set to a wildcard. Set an explicit origin when in production.")
	}

	ctx := context.Background()

	db, err := postgres.Connect(ctx, cfg.DatabaseURL, cfg.DatabaseMaxConn, cfg.DatabaseMinConn)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer db.Close()
	log.Info().Msg("PostgreSQL connected")

	if err := postgres.Migrate(cfg.DatabaseURL, log.Logger); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	log.Info().Msg("Database migrations complete")

	rdb, err := valkey.Connect(ctx, cfg.ValkeyURL, 5*time.Second)
	if err != nil {
		return fmt.Errorf("connect valkey: %w", err)
	}
	defer func() { _ = rdb.Close() }()
	log.Info().Msg("Valkey connected")

	// Authorization pipeline: cache -> breaker -> service identity -> AS client, composed by the resolver.
	sharedCache := cache.New(rdb, log.Logger)

	cb := breaker.New(sharedCache, breaker.Config{
		FailureThreshold:  cfg.CircuitBreakerThreshold,
		CoolDown:          cfg.CircuitBreakerTimeout,
		HalfOpenMaxProbes: cfg.CircuitBreakerHalfOpenMaxCall,
	}).WithLogger(log.Logger)

	asClient := as.New(as.Config{
		BaseURL:       cfg.AuthAPIURL,
		Timeout:       cfg.AuthAPITimeout,
		MaxConnsTotal: 1000,
		MaxConnsHost:  200,
	})

	identityMgr := identity.New(asClient, cfg.ServiceClientID, cfg.ServiceClientSecret, cfg.ServiceScope)

	failPolicy := permission.FailClosed
	if cfg.AuthFailOpen {
		failPolicy = permission.FailOpen
	}
	resolver := permission.NewResolver(sharedCache, cb, identityMgr, asClient,
		permission.WithTTLs(permission.TTLs{
			Read:   cfg.AuthCacheTTLRead,
			Write:  cfg.AuthCacheTTLWrite,
			Admin:  cfg.AuthCacheTTLAdmin,
			Denied: cfg.AuthCacheTTLDenied,
		}),
		permission.WithFailPolicy(failPolicy),
		permission.WithLogger(log.Logger),
	)

	validator, err := auth.NewValidator([]byte(cfg.JWTSecretKey))
	if err != nil {
		return fmt.Errorf("build token validator: %w", err)
	}

	socketHub := hub.New(cfg.HubBroadcastWorkers, log.Logger)

	messageRepo := message.NewPGRepository(db, log.Logger)
	messageEngine := message.NewEngine(messageRepo, socketHub)

	app := fiber.New(fiber.Config{
		AppName:   "chatcore",
		BodyLimit: cfg.RequestBodyLimitBytes,
		ErrorHandler: func(c fiber.Ctx, err error) error {
			status := fiber.StatusInternalServerError
			msg := "an internal error occurred"
			code := apierr.CodeInternal
			var fe *fiber.Error
			if errors.As(err, &fe) {
				status = fe.Code
				msg = fe.Message
				code = fiberStatusToAPICode(fe.Code)
			} else {
				log.Error().Err(err).
					Str("method", c.Method()).
					Str("path", c.Path()).
					Msg("unhandled error")
			}
			return c.Status(status).JSON(httputil.ErrorResponse{
				Error: httputil.ErrorBody{Code: code, Message: msg},
			})
		},
	})

	app.Use(requestid.New())
	app.Use(httputil.RequestLogger(log.Logger))
	app.Use(cors.New(cors.Config{
		AllowOrigins:  strings.Split(cfg.CORSAllowOrigins, ","),
		AllowMethods:  []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Accept", "Authorization"},
		ExposeHeaders: []string{"X-Request-ID"},
	}))
	app.Use(limiter.New(limiter.Config{
		Max:        cfg.RateLimitRequests,
		Expiration: time.Duration(cfg.RateLimitWindowSeconds) * time.Second,
	}))

	srv := &server{
		cfg:       cfg,
		db:        db,
		rdb:       rdb,
		validator: validator,
		resolver:  resolver,
		hub:       socketHub,
	}
	srv.registerRoutes(app, messageEngine)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-quit
		log.Info().Msg("Shutting down server")
		socketHub.ShutdownAll()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := app.ShutdownWithContext(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("server shutdown error")
		}
	}()

	addr := fmt.Sprintf("%s:%d", cfg.ListenAddr, cfg.ListenPort)
	log.Info().Str("addr", addr).Msg("Server listening")

	if err := app.Listen(addr, fiber.ListenConfig{DisableStartupMessage: true}); err != nil {
		return fmt.Errorf("server error: %w", err)
	}

	return nil
}

func (s *server) registerRoutes(app *fiber.App, engine *message.Engine) {
	requireAuth := auth.RequireAuth(s.validator, s.cfg.PublicPathPrefixes)
	app.Use(requireAuth)

	health := &api.HealthHandler{DB: s.db, Redis: s.rdb}
	app.Get("/health", health.Health)

	messageHandler := api.NewMessageHandler(engine, s.resolver, log.Logger)
	conversations := app.Group(s.cfg.APIPrefix + "/conversations")
	conversations.Post("/:cid/messages", messageHandler.Create)
	conversations.Get("/:cid/messages", messageHandler.List)
	conversations.Put("/:cid/messages/:mid", messageHandler.Update)
	conversations.Delete("/:cid/messages/:mid", messageHandler.Delete)

	gatewayHandler := api.NewGatewayHandler(s.hub, s.validator, s.resolver)
	app.Get(s.cfg.APIPrefix+"/ws/:cid", gatewayHandler.Upgrade)

	app.Use(func(_ fiber.Ctx) error {
		return fiber.ErrNotFound
	})
}

// fiberStatusToAPICode maps an HTTP status code from Fiber's built-in errors (404, 405, etc.) to the closest wire
// error code.
func fiberStatusToAPICode(status int) apierr.Code {
	switch status {
	case fiber.StatusNotFound:
		return apierr.CodeNotFound
	case fiber.StatusTooManyRequests:
		return apierr.CodeRateLimited
	case fiber.StatusServiceUnavailable:
		return apierr.CodeServiceUnavailable
	default:
		if status >= 400 && status < 500 {
			return apierr.CodeValidation
		}
		return apierr.CodeInternal
	}
}
