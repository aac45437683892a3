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
	"gorm.io/gorm"

	"github.com/noah-isme/recycle-exchange-api/internal/config"
	"github.com/noah-isme/recycle-exchange-api/internal/database"
	"github.com/noah-isme/recycle-exchange-api/internal/handler"
	"github.com/noah-isme/recycle-exchange-api/internal/middleware"
	"github.com/noah-isme/recycle-exchange-api/internal/repository"
	"github.com/noah-isme/recycle-exchange-api/internal/router"
	"github.com/noah-isme/recycle-exchange-api/internal/service"
	"github.com/noah-isme/recycle-exchange-api/pkg/geocode"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	logger := zerolog.New(os.Stdout).With().Timestamp().Str("service", cfg.AppName).Logger()
	if cfg.AppEnv == "production" {
		logger = logger.Level(zerolog.InfoLevel)
	}

	db, err := database.ConnectPostgres(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("failed to connect to database: %v", err)
	}

	if err := database.Migrate(db); err != nil {
		log.Fatalf("failed to migrate database: %v", err)
	}

	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		redisClient, err = database.ConnectRedis(cfg.RedisURL)
		if err != nil {
			log.Fatalf("failed to connect to redis: %v", err)
		}
		defer redisClient.Close()
	} else {
		logger.Warn().Msg("redis url not set, realtime fan-out and caches disabled")
	}

	var natsConn *nats.Conn
	if cfg.NATSURL != "" {
		natsConn, err = database.ConnectNATS(cfg.NATSURL, cfg.AppName, logger)
		if err != nil {
			log.Fatalf("failed to connect to nats: %v", err)
		}
		defer natsConn.Drain()
	}

	validate := validator.New(validator.WithRequiredStructEnabled())
	retry := service.ReadRetryPolicy{
		Attempts:        cfg.ReadRetryAttempts,
		InitialInterval: cfg.ReadRetryInterval,
	}

	messageRepo := repository.NewMessageRepository(db)
	chatRepo := repository.NewChatSessionRepository(db)
	scheduleRepo := repository.NewScheduleRepository(db)
	offerRepo := repository.NewOfferRepository(db)
	profileRepo := repository.NewProfileRepository(db)
	notificationRepo := repository.NewNotificationRepository(db)

	notificationService := service.NewNotificationService(notificationRepo, redisClient, cfg.RealtimeChannel, natsConn, validate, logger)
	bus := service.NewRealtimeBus(redisClient, natsConn, cfg.RealtimeChannel, logger)
	profiles := service.NewProfileDirectory(profileRepo, redisClient, cfg.ProfileCacheTTL, logger)
	geocoder := geocode.NewCached(geocode.Nop{}, redisClient, cfg.GeocodeCacheTTL, logger)

	messageService := service.NewMessageService(service.MessageServiceDeps{
		Messages:      messageRepo,
		Chats:         chatRepo,
		Schedules:     scheduleRepo,
		Offers:        offerRepo,
		Bus:           bus,
		Notifications: notificationService,
		Validator:     validate,
		Retry:         retry,
	}, logger)
	scheduleService := service.NewScheduleService(service.ScheduleServiceDeps{
		Schedules:     scheduleRepo,
		Offers:        offerRepo,
		Bus:           bus,
		Notifications: notificationService,
		Validator:     validate,
		Retry:         retry,
		Location:      cfg.ScheduleLocation,
	}, logger)
	resolver := service.NewParticipantResolver(service.ParticipantResolverDeps{
		Chats:     chatRepo,
		Schedules: scheduleRepo,
		Offers:    offerRepo,
		Profiles:  profiles,
		Geocoder:  geocoder,
		Retry:     retry,
	}, logger)
	sessions := service.NewChatSessionService(service.ChatSessionServiceDeps{
		Messages:  messageService,
		Schedules: scheduleService,
		Resolver:  resolver,
		Bus:       bus,
		Config: service.SessionConfig{
			NavigateDelay: cfg.NavigateDelay,
			EventBuffer:   cfg.SessionEventBuffer,
			Location:      cfg.ScheduleLocation,
		},
	}, logger)

	chatHandler := handler.NewChatHandler(handler.ChatHandlerDeps{
		Sessions:  sessions,
		Messages:  messageService,
		Schedules: scheduleService,
		Resolver:  resolver,
		Validator: validate,
		SendLimit: middleware.RateLimit("chat_send", cfg.MessagesPerMinute, time.Minute),
	}, logger)
	scheduleHandler := handler.NewScheduleHandler(scheduleService, validate, logger)
	notificationHandler := handler.NewNotificationHandler(notificationService, logger, cfg.NotificationKeepAlive)

	backgroundCtx, cancelBackground := context.WithCancel(context.Background())
	defer cancelBackground()
	bus.Start(backgroundCtx)
	notificationService.Start(backgroundCtx)

	app := fiber.New(fiber.Config{
		AppName:      cfg.AppName,
		ServerHeader: cfg.AppName,
	})

	middleware.Register(app, middleware.Config{Logger: &logger})
	router.Register(app, cfg, router.Dependencies{
		ChatHandler:         chatHandler,
		ScheduleHandler:     scheduleHandler,
		NotificationHandler: notificationHandler,
		HealthChecks:        healthChecks(db, redisClient, natsConn),
		JWTMiddleware:       middleware.JWTProtected(cfg.JWTSecret),
	})

	go func() {
		if err := app.Listen(cfg.HTTPAddress()); err != nil {
			log.Fatalf("failed to start server: %v", err)
		}
	}()

	waitForShutdown(app)
}

func healthChecks(db *gorm.DB, redisClient *redis.Client, natsConn *nats.Conn) map[string]handler.Pinger {
	checks := map[string]handler.Pinger{
		"database": func(ctx context.Context) error {
			sqlDB, err := db.DB()
			if err != nil {
				return err
			}
			return sqlDB.PingContext(ctx)
		},
	}
	if redisClient != nil {
		checks["redis"] = func(ctx context.Context) error {
			return redisClient.Ping(ctx).Err()
		}
	}
	if natsConn != nil {
		checks["nats"] = func(context.Context) error {
			if !natsConn.IsConnected() {
				return errors.New("nats disconnected")
			}
			return nil
		}
	}
	return checks
}

func waitForShutdown(app *fiber.App) {
	shutdownCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	<-shutdownCtx.Done()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := app.ShutdownWithContext(ctx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
	}

	log.Println("server stopped")
}
