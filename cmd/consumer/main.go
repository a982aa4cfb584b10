package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/couponforge/issuance-engine/internal/config"
	"github.com/couponforge/issuance-engine/internal/consumer"
	"github.com/couponforge/issuance-engine/internal/publisher"
	"github.com/couponforge/issuance-engine/internal/repository"
	"github.com/couponforge/issuance-engine/pkg/database"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	initLogger(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := database.NewPool(ctx, cfg.DB.DSN(), 5)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()

	dlqPub, err := publisher.NewPublisher(cfg.Kafka.Brokers, cfg.Kafka.DLQTopic)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to construct dead-letter publisher")
	}
	defer dlqPub.Close()

	events := repository.NewEventRepository(pool)
	userCoupons := repository.NewUserCouponRepository(pool)
	processor := consumer.NewProcessor(events, userCoupons)

	c, err := consumer.New(consumer.Config{
		Brokers:       cfg.Kafka.Brokers,
		Topic:         cfg.Kafka.Topic,
		ConsumerGroup: cfg.Kafka.ConsumerGroup,
	}, processor, dlqPub, cfg.Kafka.DLQTopic)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to construct kafka consumer")
	}

	runErrCh := make(chan error, 1)
	go func() {
		log.Info().Strs("brokers", cfg.Kafka.Brokers).Str("topic", cfg.Kafka.Topic).
			Str("group", cfg.Kafka.ConsumerGroup).Msg("starting event materializer")
		runErrCh <- c.Run(ctx)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		log.Info().Str("signal", sig.String()).Msg("received shutdown signal")
		cancel()
		<-runErrCh
	case err := <-runErrCh:
		if err != nil && err != context.Canceled {
			log.Error().Err(err).Msg("consumer loop exited with error")
		}
	}

	log.Info().Msg("materializer stopped")
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
