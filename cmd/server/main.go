package main

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/honeynil/GearAuctionService/internal/api"
	"github.com/honeynil/GearAuctionService/internal/auction"
	"github.com/honeynil/GearAuctionService/internal/config"
	"github.com/honeynil/GearAuctionService/internal/handler"
	"github.com/honeynil/GearAuctionService/internal/infrastructure/auth"
	"github.com/honeynil/GearAuctionService/internal/infrastructure/kafka"
	"github.com/honeynil/GearAuctionService/internal/infrastructure/mail"
	"github.com/honeynil/GearAuctionService/internal/infrastructure/payment"
	"github.com/honeynil/GearAuctionService/internal/infrastructure/redis"
	"github.com/honeynil/GearAuctionService/internal/jobs"
	"github.com/honeynil/GearAuctionService/internal/observability"
	"github.com/honeynil/GearAuctionService/internal/repository"
	"github.com/honeynil/GearAuctionService/internal/repository/memory"
	"github.com/honeynil/GearAuctionService/internal/repository/postgres"
	service "github.com/honeynil/GearAuctionService/internal/services"
	"github.com/honeynil/GearAuctionService/internal/settlement"
	_ "github.com/lib/pq"
	"golang.org/x/sync/errgroup"
)

func main() {
	if err := run(); err != nil {
		slog.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	shutdownTracing, err := observability.Setup(ctx, "gear-auction-service", cfg.LogLevel, cfg.OTLPEndpoint)
	if err != nil {
		return err
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			slog.Error("failed to flush traces", "error", err)
		}
	}()

	loc, err := auction.LoadLocation(cfg.AuctionTimeZone)
	if err != nil {
		return err
	}
	tiers, err := loadTiers(cfg.CommissionTiers)
	if err != nil {
		return err
	}
	calc, err := settlement.NewCalculator(tiers)
	if err != nil {
		return err
	}

	var (
		listings     repository.ListingRepository
		transactions repository.TransactionRepository
		ready        func(context.Context) error
	)
	switch cfg.StorageDriver {
	case "memory":
		slog.Warn("using in-memory storage, data is lost on restart")
		store := memory.NewStore()
		listings, transactions = store.Listings(), store.Transactions()
	default:
		db, err := sql.Open("postgres", cfg.PostgresDSN)
		if err != nil {
			return err
		}
		defer db.Close()
		if err := db.PingContext(ctx); err != nil {
			return err
		}
		listings, transactions = postgres.NewListingRepository(db), postgres.NewTransactionRepository(db)
		ready = db.PingContext
	}

	redisClient, err := redis.NewClient(ctx, cfg.RedisAddr)
	if err != nil {
		return err
	}
	defer redisClient.Close()

	producer := kafka.NewProducer(cfg.KafkaBrokers, cfg.NotificationsTopic)
	defer producer.Close()

	relay := mail.NewRelay(cfg.MailRelayURL, cfg.MailRelayAPIKey, cfg.MailFrom)
	consumer := kafka.NewConsumer(kafka.ConsumerConfig{
		Brokers:         cfg.KafkaBrokers,
		Topic:           cfg.NotificationsTopic,
		GroupID:         cfg.ConsumerGroup,
		DeadLetterTopic: cfg.DeadLetterTopic,
		Retries:         cfg.DeliveryRetries,
	}, relay)
	defer consumer.Close()

	if cfg.StripeSecretKey == "" {
		slog.Warn("STRIPE_SECRET_KEY is empty, charges will fail")
	}
	gateway := payment.NewStripeGateway(cfg.StripeSecretKey, cfg.StripeWebhookSecret, nil)

	access := service.NewAccess(cfg.AdminEmails)
	fees := service.NewFeePolicy(calc, cfg.AncillaryFee, cfg.BuyerPaysFeeOn)
	window := auction.NewCalculator(loc, time.Now)

	lifecycle := service.NewTransactionService(transactions, producer, access, cfg.MaxSchemaRetries, time.Now)
	auctions := service.NewAuctionService(listings, transactions, window, fees, producer, access, cfg.MinBidIncrement, cfg.MaxSchemaRetries)
	checkout := service.NewCheckoutService(listings, transactions, lifecycle, gateway, redis.NewRequestStore(redisClient),
		fees, cfg.Currency, cfg.MaxSchemaRetries, time.Now)

	verifier := auth.NewJWTVerifier(cfg.JWTSecret, redisClient)
	h := handler.NewHandler(auctions, checkout, lifecycle)
	router := api.SetupRouter(h, verifier, api.RouterConfig{
		PublicRateLimit: cfg.PublicRateLimit,
		CronSecretHash:  cfg.CronSecretHash,
		Development:     !cfg.IsProduction(),
		Ready:           ready,
		Revoker:         verifier,
	})

	server := &http.Server{
		Addr:         cfg.Addr,
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("starting server", "addr", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		slog.Info("shutting down server")
		return server.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		return consumer.Consume(gctx)
	})

	if cfg.SchedulerEnabled {
		worker, err := jobs.NewWorker(jobs.WorkerConfig{
			RedisOpts: asynq.RedisClientOpt{Addr: cfg.RedisAddr},
			Location:  loc,
			Auctions:  auctions,
			Cron:      jobs.Schedule(),
		})
		if err != nil {
			return err
		}
		g.Go(func() error {
			return worker.Run(gctx)
		})
	}

	return g.Wait()
}

func loadTiers(path string) ([]settlement.Tier, error) {
	if path == "" {
		return settlement.DefaultTiers, nil
	}
	return settlement.LoadTiers(path)
}
