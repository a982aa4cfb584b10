package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/couponforge/issuance-engine/internal/cache"
	"github.com/couponforge/issuance-engine/internal/config"
	"github.com/couponforge/issuance-engine/internal/coordinator"
	"github.com/couponforge/issuance-engine/internal/handler"
	"github.com/couponforge/issuance-engine/internal/publisher"
	"github.com/couponforge/issuance-engine/internal/repository"
	"github.com/couponforge/issuance-engine/internal/sweeper"
	"github.com/couponforge/issuance-engine/internal/validator"
	"github.com/couponforge/issuance-engine/pkg/database"
)

// kafkaPinger adapts publisher.Publisher to handler.Pinger so the
// health handler can treat Kafka reachability the same way it treats
// Postgres and Redis.
type kafkaPinger struct{ pub *publisher.Publisher }

func (k kafkaPinger) Ping(ctx context.Context) error { return k.pub.Ping(ctx) }

// redisPinger adapts redis.UniversalClient's *redis.StatusCmd-returning
// Ping to handler.Pinger's plain error contract.
type redisPinger struct{ rdb redis.UniversalClient }

func (r redisPinger) Ping(ctx context.Context) error { return r.rdb.Ping(ctx).Err() }

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	initLogger(cfg)

	ctx := context.Background()

	pool, err := database.NewPool(ctx, cfg.DB.DSN(), 5)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}

	rdb, err := newRedisClient(ctx, cfg.Redis)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to redis")
	}
	kv := cache.New(rdb, cfg.Redis.TTL())
	if err := kv.LoadAdmissionScript(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to load admission script")
	}

	pub, err := publisher.NewPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to construct kafka publisher")
	}

	co := coordinator.New(kv, pub, coordinator.Config{
		DefaultStock:           cfg.Issuance.DefaultStock,
		ConvenienceSeedEnabled: cfg.Issuance.ConvenienceSeedEnabled,
		TTL:                    cfg.Redis.TTL(),
		RequestDeadline:        cfg.Issuance.RequestDeadline(),
	})

	userCoupons := repository.NewUserCouponRepository(pool)

	sweeperCtx, sweeperCancel := context.WithCancel(context.Background())
	repairSweeper := sweeper.New(co, kv, userCoupons, time.Minute, 10*time.Minute)
	go repairSweeper.Run(sweeperCtx)

	// TTL refresher: re-applies the admission-state TTL for events that
	// saw traffic recently, so long-running events do not expire mid-sale.
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-sweeperCtx.Done():
				return
			case <-ticker.C:
				for _, eventID := range co.RecentParticipants(time.Now().Add(-10 * time.Minute)) {
					_ = kv.RefreshEventTTL(sweeperCtx, eventID)
				}
			}
		}
	}()

	app := fiber.New(fiber.Config{
		AppName:      "Coupon Issuance Engine",
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
		BodyLimit:    1 * 1024 * 1024,
	})

	app.Use(recover.New())
	app.Use(requestid.New())
	app.Use(logger.New())

	validate := validator.New()

	issueHandler := handler.NewIssueHandler(co, validate)
	statusHandler := handler.NewStatusHandler(kv, userCoupons, validate)
	healthHandler := handler.NewHealthHandler(pool).
		WithDependency("redis", redisPinger{rdb: rdb}).
		WithDependency("kafka", kafkaPinger{pub: pub})

	app.Get("/health", healthHandler.Check)

	api := app.Group("/api/v1")
	api.Post("/coupons/issue", issueHandler.Issue)
	api.Get("/coupons/status/:event_id", statusHandler.EventStatus)
	api.Get("/coupons/user/:user_id/event/:event_id", statusHandler.UserCoupon)
	api.Post("/admin/events/:event_id/stock", statusHandler.InitStock)

	go func() {
		log.Info().Str("port", cfg.Server.Port).Msg("starting server")
		if err := app.Listen(":" + cfg.Server.Port); err != nil {
			log.Fatal().Err(err).Msg("failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	log.Info().Str("signal", sig.String()).Msg("received shutdown signal")
	log.Info().Int("timeout_seconds", cfg.Server.ShutdownTimeout).Msg("shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(
		context.Background(),
		time.Duration(cfg.Server.ShutdownTimeout)*time.Second,
	)
	defer shutdownCancel()

	log.Info().Msg("waiting for in-flight requests to complete...")
	if err := app.ShutdownWithContext(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("error during server shutdown")
	}

	sweeperCancel()

	log.Info().Msg("closing kafka publisher...")
	pub.Close()

	log.Info().Msg("closing redis client...")
	if err := rdb.Close(); err != nil {
		log.Error().Err(err).Msg("error closing redis client")
	}

	log.Info().Msg("closing database connections...")
	pool.Close()
	log.Info().Msg("database connections closed")
	log.Info().Msg("server stopped")
}

// newRedisClient builds the Redis client through cache.NewClient, which
// picks the cluster or single-node client from ClusterMode alone and
// pings it before returning.
func newRedisClient(ctx context.Context, cfg config.RedisConfig) (redis.UniversalClient, error) {
	return cache.NewClient(ctx, cfg.Addrs, cfg.ClusterMode, cfg.PoolSize)
}

// initLogger configures zerolog based on the application configuration.
func initLogger(cfg *config.Config) {
	level, err := zerolog.ParseLevel(cfg.Log.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.Log.Pretty {
		log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).
			With().Timestamp().Logger()
	} else {
		zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
		log.Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
	}
}
