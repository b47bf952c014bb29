package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"chatrouter/config"
	"chatrouter/internal/adapters/gateway"
	"chatrouter/internal/adapters/rabbitmq"
	"chatrouter/internal/assignment"
	"chatrouter/internal/botflow"
	"chatrouter/internal/db"
	"chatrouter/internal/events"
	"chatrouter/internal/handlers"
	"chatrouter/internal/media"
	"chatrouter/internal/models"
	"chatrouter/internal/services"
	"chatrouter/internal/store"
	"chatrouter/pkg/logger"
)

func main() {
	logger.InitLogger()

	log.Info().Msg("Loading configuration...")
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	log.Info().Str("database_url", cfg.DatabaseURL).Msg("Initializing database...")
	conn, err := db.Open(cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize database")
	}
	if err := db.Migrate(conn, models.AllModels()...); err != nil {
		log.Fatal().Err(err).Msg("Failed to run database migrations")
	}

	contacts, err := store.NewContactStore(conn)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize contact store")
	}
	chats, err := store.NewChatStore(conn)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize chat store")
	}
	messages, err := store.NewMessageStore(conn)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize message store")
	}
	agents, err := store.NewAgentStore(conn)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize agent store")
	}
	flows, err := store.NewFlowStore(conn)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize flow store")
	}

	adapter, err := gateway.NewClient(cfg.GatewayBaseURL, cfg.GatewayAPIKey)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize gateway client")
	}
	registry := gateway.NewRegistry(24 * time.Hour)

	mediaStore, err := media.NewStore(media.Config{
		Enabled:   cfg.MediaEnabled,
		Endpoint:  cfg.S3Endpoint,
		Region:    cfg.S3Region,
		Bucket:    cfg.S3Bucket,
		AccessKey: cfg.S3AccessKey,
		SecretKey: cfg.S3SecretKey,
		PathStyle: cfg.S3PathStyle,
		PublicURL: cfg.S3PublicURL,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize media store")
	}
	if mediaStore.Enabled() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := mediaStore.TestConnection(ctx); err != nil {
			log.Warn().Err(err).Msg("Media store connectivity check failed, archiving may not work")
		}
		cancel()
	}

	bus := events.NewBus(64)

	publisher := rabbitmq.NewPublisher(cfg.RabbitURL, cfg.RabbitQueue)
	bus.SubscribeAll(publisher.HandleEvent)

	queue := assignment.NewQueue(chats, agents, bus, assignment.Options{
		Workers:         cfg.AssignWorkers,
		MaxAttempts:     cfg.AssignMaxAttempts,
		Backoff:         cfg.AssignBackoff,
		DefaultStrategy: cfg.DefaultStrategy,
	})
	queue.Start()

	engine := botflow.NewEngine(chats, messages, flows, contacts, adapter, queue, cfg.BotStepBudget)
	tickerCtx, stopTicker := context.WithCancel(context.Background())
	go engine.RunTimeoutTicker(tickerCtx, cfg.BotTimeoutTick)

	enricher := services.NewEnricher(contacts, chats)
	ingestor := services.NewIngestor(contacts, chats, messages, enricher, registry, bus).
		WithMediaArchive(adapter, mediaStore)
	router := services.NewRouter(chats, messages, flows, engine, queue)
	router.Bind(bus)

	server := handlers.NewServer(ingestor, chats, messages, agents, flows, queue,
		registry, adapter, bus, cfg.APIToken, cfg.WebhookPath, cfg.WebhookSecret)

	httpServer := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      server.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go func() {
		log.Info().Str("port", cfg.Port).Msg("Server starting...")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown failed")
	}

	// Stop producers before consumers: no new webhook work, then the
	// timeout ticker, then the queue, then the bus, then the mirror.
	stopTicker()
	queue.Close()
	bus.Close()
	publisher.Close()
	log.Info().Msg("Shutdown complete")
}
