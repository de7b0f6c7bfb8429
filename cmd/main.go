/**
 * @description
 * This is the main entry point for the settlement-service. It is responsible for
 * initializing all components of the service, including configuration, database connection,
 * the payment gateway client, message brokers, repositories, the core application service,
 * the sweep scheduler, and the HTTP server. It wires everything together and starts the service.
 *
 * @dependencies
 * - log, net/http: Standard Go libraries for logging and HTTP server functionality.
 * - github.com/go-chi/chi/v5: For HTTP routing.
 * - github.com/jackc/pgx/v5: PostgreSQL driver.
 * - internal/api, internal/app, internal/config, internal/store: Internal packages for the service.
 * - pkg/gatewayclient: Client for the payment gateway API.
 * - pkg/rabbitmq: Client for RabbitMQ.
 */

package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/vendora/settlement-service/internal/api"
	"github.com/vendora/settlement-service/internal/app"
	"github.com/vendora/settlement-service/internal/config"
	"github.com/vendora/settlement-service/internal/domain"
	"github.com/vendora/settlement-service/internal/store"
	"github.com/vendora/settlement-service/pkg/gatewayclient"
	rmrabbit "github.com/vendora/settlement-service/pkg/rabbitmq"
)

func main() {
	// Load application configuration from environment variables.
	cfg, err := config.LoadConfig(".")
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"config load failed\" err=%v", err)
	}
	if strings.TrimSpace(cfg.InternalAPIKey) == "" {
		log.Fatalf("level=fatal component=bootstrap msg=\"internal api key must be configured\" env=INTERNAL_API_KEY")
	}
	if strings.TrimSpace(cfg.GatewayWebhookSecret) == "" {
		log.Fatalf("level=fatal component=bootstrap msg=\"gateway webhook secret must be configured\" env=GATEWAY_WEBHOOK_SECRET")
	}

	log.Printf("level=info component=bootstrap msg=\"starting settlement-service\" port=%s", cfg.ServerPort)

	// Establish a connection pool to the PostgreSQL database.
	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database url parse failed\" err=%v", err)
	}

	poolConfig.MaxConns = 100
	poolConfig.MinConns = 20
	poolConfig.MaxConnLifetime = 30 * time.Minute
	poolConfig.MaxConnIdleTime = 5 * time.Minute

	// Disable prepared statement caching to prevent conflicts
	poolConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	dbpool, err := pgxpool.NewWithConfig(context.Background(), poolConfig)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database connection failed\" err=%v", err)
	}
	defer dbpool.Close()
	log.Println("level=info component=bootstrap msg=\"database connected\"")

	// Initialize the RabbitMQ producer to publish settlement lifecycle events.
	var producer rmrabbit.Publisher
	rabbitProducer, err := rmrabbit.NewEventProducer(cfg.RabbitMQURL)
	if err != nil {
		log.Printf("level=warn component=bootstrap msg=\"rabbitmq producer unavailable; using fallback\" err=%v", err)
		producer = &rmrabbit.EventProducerFallback{}
	} else {
		defer rabbitProducer.Close()
		producer = rabbitProducer
		log.Println("level=info component=bootstrap msg=\"rabbitmq producer connected\"")
	}

	// Initialize the payment gateway client.
	gatewayClient := gatewayclient.NewClient(cfg.GatewayAPIBaseURL, cfg.GatewayAPIKey)

	// Redis backs the webhook replay guard; the service runs without it.
	var redisClient *redis.Client
	if strings.TrimSpace(cfg.RedisURL) == "" {
		log.Println("level=warn component=bootstrap msg=\"redis url missing; webhook replay guard disabled\" env=REDIS_URL")
	} else {
		redisOptions, parseErr := redis.ParseURL(cfg.RedisURL)
		if parseErr != nil {
			log.Printf("level=warn component=bootstrap msg=\"redis url parse failed; webhook replay guard disabled\" err=%v", parseErr)
		} else {
			redisClient = redis.NewClient(redisOptions)
			pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancelPing()
			if pingErr := redisClient.Ping(pingCtx).Err(); pingErr != nil {
				log.Printf("level=warn component=bootstrap msg=\"redis ping failed; webhook replay guard disabled\" err=%v", pingErr)
				redisClient.Close()
				redisClient = nil
			} else {
				defer redisClient.Close()
				log.Println("level=info component=bootstrap msg=\"redis connected\"")
			}
		}
	}

	// Initialize the data access layer and the transaction manager.
	repository := store.NewPostgresRepository(dbpool)
	txManager := store.NewTxManager(dbpool)

	// Initialize the core application service with its dependencies.
	settlementService := app.NewService(repository, txManager, gatewayClient, producer, app.Params{
		HoldDuration:    time.Duration(cfg.HoldDurationDays) * 24 * time.Hour,
		RateFreshness:   time.Duration(cfg.RateFreshnessHours) * time.Hour,
		ProcessingGrace: time.Duration(cfg.ProcessingGraceHours) * time.Hour,
		PaymentTimeout:  time.Duration(cfg.PaymentTimeoutHours) * time.Hour,
		Fees: domain.FeeSchedule{
			PlatformPercent:   cfg.PlatformFeePercent,
			GatewayPercent:    cfg.GatewayFeePercent,
			GatewayFixedMinor: cfg.GatewayFeeFixedCents,
		},
	})
	if redisClient != nil {
		settlementService.SetReplayGuard(app.NewRedisEventGuard(redisClient, time.Duration(cfg.WebhookEventTTLHours)*time.Hour))
	}

	// Initialize the API handlers.
	settlementHandlers := api.NewSettlementHandlers(settlementService)
	webhookHandlers := api.NewWebhookHandlers(settlementService, cfg.GatewayWebhookSecret)

	// Set up the HTTP router and define the API routes.
	router := chi.NewRouter()
	router.Mount("/settlement", api.SettlementRoutes(settlementHandlers, webhookHandlers, cfg.AuthJWKSURL, cfg.InternalAPIKey))

	serverAddr := fmt.Sprintf(":%s", cfg.ServerPort)
	log.Printf("level=info component=http msg=\"server listening\" addr=%s", serverAddr)

	// Wire up the order-event consumer: order cancellations void settlements
	// even when the platform core cannot reach the internal HTTP endpoint.
	orderConsumer := settlementService.OrderEventConsumer()

	rabbitConsumer, err := rmrabbit.NewConsumer(cfg.RabbitMQURL)
	if err != nil {
		log.Printf("level=warn component=bootstrap msg=\"rabbitmq consumer unavailable; order cancellations limited to http\" err=%v", err)
	} else {
		defer rabbitConsumer.Close()
		orderBindings := map[string]func([]byte) bool{
			"order.cancelled": orderConsumer.HandleOrderCancelled,
		}
		if err := rabbitConsumer.ConsumeWithBindings(app.EventsExchange, cfg.OrderEventQueue, orderBindings); err != nil {
			log.Fatalf("level=fatal component=bootstrap msg=\"order consumer start failed\" err=%v", err)
		}
		log.Println("level=info component=bootstrap msg=\"order event consumer started\"")
	}

	// Start the background sweeps.
	scheduler, err := app.NewScheduler(settlementService, app.SweepSchedules{
		ReleaseDue:      cfg.ReleaseSweepSchedule,
		StuckProcessing: cfg.StuckSweepSchedule,
		PaymentTimeout:  cfg.TimeoutSweepSchedule,
	})
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"scheduler init failed\" err=%v", err)
	}
	scheduler.Start()
	defer scheduler.Stop()

	server := &http.Server{
		Addr:    serverAddr,
		Handler: router,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("level=fatal component=http msg=\"server stopped unexpectedly\" err=%v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	log.Println("level=info component=http msg=\"shutdown started\"")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Printf("level=error component=http msg=\"shutdown failed\" err=%v", err)
	}

	log.Println("level=info component=http msg=\"shutdown complete\"")
}
