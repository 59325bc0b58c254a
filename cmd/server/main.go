package main

import (
	"context"
	"errors"
	"log"
	"os/signal"
	"syscall"

	"github.com/mellowpix/petportraits/internal/api"
	"github.com/mellowpix/petportraits/internal/config"
	"github.com/mellowpix/petportraits/internal/database"
	"github.com/mellowpix/petportraits/internal/fulfillment"
	"github.com/mellowpix/petportraits/internal/imagegen"
	"github.com/mellowpix/petportraits/internal/moderation"
	"github.com/mellowpix/petportraits/internal/payments"
	"github.com/mellowpix/petportraits/internal/repository"
	"github.com/mellowpix/petportraits/internal/service"
	"github.com/mellowpix/petportraits/internal/storage"
	"github.com/mellowpix/petportraits/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logr := logger.New()

	db, err := database.Connect(cfg)
	if err != nil {
		log.Fatalf("database connect: %v", err)
	}
	defer db.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := database.Migrate(ctx, db); err != nil {
		log.Fatalf("database migrate: %v", err)
	}

	imageClient := imagegen.NewClient(cfg.ImageGenAPIKey, cfg.ImageGenBaseURL, cfg.RequestTimeout, logr)
	moderationClient := moderation.NewClient(cfg.ModerationAPIKey, cfg.ModerationBaseURL, cfg.ModerationFailClosed, cfg.RequestTimeout, logr)
	paymentClient := payments.NewClient(cfg.PaymentAPIKey, cfg.PaymentBaseURL, cfg.PaymentWebhookSecret, cfg.RequestTimeout, logr)
	printClient := fulfillment.NewClient(cfg.FulfillmentAPIKey, cfg.FulfillmentBaseURL, cfg.FulfillmentStoreID, cfg.RequestTimeout, logr)

	sessionRepo := repository.NewSessionRepository(db)
	breedRepo := repository.NewBreedRepository(db)
	eventRepo := repository.NewFulfillmentRepository(db)

	sessionService := service.NewSessionService(cfg, sessionRepo)
	generationService := service.NewGenerationService(cfg, logr, sessionService, imageClient)
	checkoutService := service.NewCheckoutService(cfg, sessionService, paymentClient)
	fulfillmentService := service.NewFulfillmentService(cfg, logr, sessionService, paymentClient, printClient, eventRepo)
	breedService := service.NewBreedService(breedRepo, nil)

	uploader, err := storage.NewUploader(storage.Config{
		Endpoint:      cfg.S3Endpoint,
		Region:        cfg.S3Region,
		AccessKey:     cfg.S3AccessKey,
		SecretKey:     cfg.S3SecretKey,
		Bucket:        cfg.S3Bucket,
		PublicBaseURL: cfg.S3PublicBaseURL,
		UsePathStyle:  cfg.S3UsePathStyle,
		Prefix:        cfg.S3Prefix,
	})
	if err != nil {
		log.Fatalf("storage uploader: %v", err)
	}

	server := api.NewServer(cfg, logr,
		sessionService,
		generationService,
		checkoutService,
		fulfillmentService,
		breedService,
		moderationClient,
		uploader,
		paymentClient,
	)

	if err := server.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logr.Error("server stopped", "err", err)
	}
}
