package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/noah-isme/gema-support-chat/internal/config"
	"github.com/noah-isme/gema-support-chat/internal/database"
	"github.com/noah-isme/gema-support-chat/internal/handler"
	"github.com/noah-isme/gema-support-chat/internal/middleware"
	"github.com/noah-isme/gema-support-chat/internal/models"
	"github.com/noah-isme/gema-support-chat/internal/repository"
	"github.com/noah-isme/gema-support-chat/internal/router"
	"github.com/noah-isme/gema-support-chat/internal/service"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	logger := zerolog.New(os.Stdout).With().Timestamp().Str("service", cfg.AppName).Logger()
	if level, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		logger = logger.Level(level)
	}

	db, err := database.Connect(cfg.DatabaseDriver, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("failed to connect to database: %v", err)
	}

	if err := db.AutoMigrate(&models.UserProfile{}, &models.ChatPricing{}); err != nil {
		log.Fatalf("failed to migrate database: %v", err)
	}

	redisClient, err := database.ConnectRedis(cfg.RedisURL)
	if err != nil {
		log.Fatalf("failed to connect to redis: %v", err)
	}
	defer redisClient.Close()

	natsConn, err := database.ConnectNATS(cfg.NATSURL, cfg.AppName)
	if err != nil {
		log.Fatalf("failed to connect to nats: %v", err)
	}
	if natsConn != nil {
		defer natsConn.Drain()
	}

	validate := validator.New(validator.WithRequiredStructEnabled())

	feed := repository.NewRedisChangeFeed(redisClient, repository.RedisFeedOptions{
		KeyPrefix: cfg.ChannelBase,
		Retention: cfg.Chat.Retention,
		Notifier:  changeNotifier(redisClient, natsConn, cfg.ChannelBase),
		Logger:    logger,
	})
	profileRepo := repository.NewUserProfileRepository(db)
	pricingRepo := repository.NewChatPricingRepository(db)

	pricing := service.NewRepositoryPricing(pricingRepo, service.StaticPricing{
		Cost:            cfg.Chat.Cost,
		CooldownSeconds: cfg.Chat.CooldownSeconds,
	})
	supportService := service.NewSupportService(feed, profileRepo, pricing, validate, service.SupportServiceOptions{
		HistoryLimit:            cfg.Chat.HistoryLimit,
		SendTimeout:             cfg.Chat.SendTimeout,
		AllowSubAdminModeration: cfg.Chat.ModerationAllowSubAdmin,
	}, logger)

	supportHandler := handler.NewSupportHandler(supportService, validate, logger)

	app := fiber.New(fiber.Config{
		AppName:      cfg.AppName,
		ServerHeader: cfg.AppName,
	})

	middleware.Register(app, middleware.Config{Logger: &logger, AllowOrigins: cfg.AllowOrigins})
	router.Register(app, cfg, router.Dependencies{
		SupportHandler: supportHandler,
		HealthProbes:   healthProbes(redisClient, natsConn),
		JWTMiddleware:  middleware.JWTProtected(cfg.JWTSecret),
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		logger.Info().Str("address", cfg.HTTPAddress()).Msg("support chat listening")
		return app.Listen(cfg.HTTPAddress())
	})
	group.Go(func() error {
		<-groupCtx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return app.ShutdownWithContext(shutdownCtx)
	})

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error().Err(err).Msg("server stopped with error")
		return
	}

	logger.Info().Msg("server stopped")
}

func changeNotifier(client *redis.Client, conn *nats.Conn, base string) repository.ChangeNotifier {
	notifiers := repository.MultiNotifier{repository.NewRedisNotifier(client, base)}
	if conn != nil {
		notifiers = append(notifiers, repository.NewNATSNotifier(conn, base))
	}
	return notifiers
}

func healthProbes(client *redis.Client, conn *nats.Conn) []handler.HealthProbe {
	probes := []handler.HealthProbe{{
		Name:  "redis",
		Check: func(ctx context.Context) error { return client.Ping(ctx).Err() },
	}}
	if conn != nil {
		probes = append(probes, handler.HealthProbe{
			Name: "nats",
			Check: func(context.Context) error {
				if !conn.IsConnected() {
					return nats.ErrConnectionClosed
				}
				return nil
			},
		})
	}
	return probes
}
