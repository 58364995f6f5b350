package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"hive-trading-bot/config"
	"hive-trading-bot/internal/agents"
	"hive-trading-bot/internal/api"
	"hive-trading-bot/internal/cache"
	"hive-trading-bot/internal/circuit"
	"hive-trading-bot/internal/cycle"
	"hive-trading-bot/internal/database"
	"hive-trading-bot/internal/events"
	"hive-trading-bot/internal/ledger"
	"hive-trading-bot/internal/llm"
	"hive-trading-bot/internal/logging"
	"hive-trading-bot/internal/market"
	"hive-trading-bot/internal/memory"
	"hive-trading-bot/internal/orchestrator"
	"hive-trading-bot/internal/queue"
	"hive-trading-bot/internal/tools"
	"hive-trading-bot/internal/vault"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Initialize structured logging
	logger := logging.New(cfg.LoggingConfig)
	logger.Info().Msg("Structured logging initialized")

	// Initialize event bus
	eventBus := events.NewEventBus()
	logger.Info().Msg("Event bus initialized")

	ctx := context.Background()

	// Initialize Vault for capability credentials (optional)
	vaultClient, err := vault.NewClient(cfg.VaultConfig)
	if err != nil {
		log.Fatalf("Failed to initialize vault client: %v", err)
	}
	if vaultClient.IsEnabled() {
		if err := vaultClient.Health(ctx); err != nil {
			log.Fatalf("Vault health check failed: %v", err)
		}
		if cred, err := vaultClient.GetCredential(ctx, vault.CredentialLLM); err == nil {
			cfg.LLMConfig.APIKey = cred.APIKey
			if cred.Provider != "" {
				cfg.LLMConfig.Provider = cred.Provider
			}
		}
		if cred, err := vaultClient.GetCredential(ctx, vault.CredentialEmbedding); err == nil {
			cfg.EmbeddingConfig.APIKey = cred.APIKey
			if cred.BaseURL != "" {
				cfg.EmbeddingConfig.BaseURL = cred.BaseURL
			}
		}
		logger.Info().Msg("Vault credentials loaded")
	}

	// Initialize database
	db, err := database.NewDB(cfg.DatabaseConfig)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	if err := db.RunMigrations(ctx); err != nil {
		log.Fatalf("Failed to run migrations: %v", err)
	}
	repo := database.NewRepository(db)
	logger.Info().Msg("Database initialized")

	// Initialize Redis cache
	cacheService, err := cache.NewCacheService(cfg.RedisConfig)
	if err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer cacheService.Close()
	logger.Info().Msg("Cache service initialized")

	// Reasoning and embedding capabilities
	llmClient := llm.NewClient(&llm.ClientConfig{
		Provider:    llm.Provider(cfg.LLMConfig.Provider),
		APIKey:      cfg.LLMConfig.APIKey,
		Model:       cfg.LLMConfig.Model,
		MaxTokens:   cfg.LLMConfig.MaxTokens,
		Temperature: cfg.LLMConfig.Temperature,
		Timeout:     cfg.LLMConfig.Timeout,
	})
	embedder := llm.NewEmbeddingClient(&llm.EmbeddingConfig{
		BaseURL: cfg.EmbeddingConfig.BaseURL,
		APIKey:  cfg.EmbeddingConfig.APIKey,
		Model:   cfg.EmbeddingConfig.Model,
		Timeout: cfg.EmbeddingConfig.Timeout,
	})
	registry := agents.NewRegistry(llmClient)
	logger.Info().Str("provider", cfg.LLMConfig.Provider).Msg("Agents initialized")

	// Memory service
	memoryService := memory.NewService(embedder, repo,
		logging.WithComponent(logger, "memory"))

	// Ledger service with Redis-backed mutual exclusion
	locker := ledger.NewRedisLocker(cacheService.GetClient(),
		cfg.TradingConfig.LockTTL, cfg.TradingConfig.LockRetries, cfg.TradingConfig.LockRetryDelay)
	ledgerService := ledger.NewService(repo, locker, memoryService, cfg.TradingConfig,
		logging.WithComponent(logger, "ledger"))

	// Halt breaker: live closes feed it, live execution consults it
	breaker := circuit.NewBreaker(circuit.DefaultConfig())
	breaker.OnTrip(func(reason string) {
		logger.Warn().Str("reason", reason).Msg("trading halted by breaker")
		eventBus.Publish(events.Event{Type: events.EventError,
			Data: map[string]interface{}{"breaker": "tripped", "reason": reason}})
	})
	breaker.OnReset(func() {
		logger.Info().Msg("trading halt lifted")
	})
	ledgerService.SetTradeObserver(breaker)

	// Market data source
	priceSource := market.NewBinanceSource(cfg.MarketConfig.BaseURL)

	// Tool registry for the conversational orchestrator
	toolRegistry := tools.NewRegistry()
	tools.RegisterBuiltins(toolRegistry, tools.Deps{
		Ledger: ledgerService,
		Cache:  cacheService,
		Market: priceSource,
		Config: repo,
		Agents: registry,
	})

	// Conversational orchestrator
	conversations := orchestrator.NewConversationStore(cacheService, cfg.ChatConfig)
	chatProcessor := orchestrator.NewProcessor(toolRegistry, registry.Planner, registry.Synthesizer,
		registry.Summarizer, conversations, memoryService, cacheService, cfg.ChatConfig,
		logging.WithComponent(logger, "orchestrator"))

	// Job queues
	queueStore := queue.NewRedisStore(cacheService.GetClient())
	queueManager := queue.NewManager(queueStore, cfg.QueueConfig)

	// Trading pipeline runner
	runner := cycle.NewRunner(
		cycle.AgentsFromRegistry(registry),
		priceSource, ledgerService, repo, memoryService, cacheService, eventBus,
		cfg.TradingConfig, cfg.ProducerConfig,
		logging.WithComponent(logger, "cycle"))
	runner.SetBreaker(breaker)

	cycle.RegisterHandlers(queueManager, runner, chatProcessor, cfg.QueueConfig)

	workerCtx, stopWorkers := context.WithCancel(ctx)
	queueManager.Start(workerCtx)
	logger.Info().Msg("Queue workers started")

	// Scheduled producer
	producer := cycle.NewProducer(
		cycle.MarketAgentsFromRegistry(registry),
		priceSource, repo, queueManager, cacheService, eventBus, cfg.ProducerConfig,
		logging.WithComponent(logger, "producer"))
	go producer.Run(workerCtx)
	logger.Info().
		Dur("cycle_interval", cfg.ProducerConfig.CycleInterval).
		Msg("Cycle producer started")

	// HTTP API
	productionMode := os.Getenv("APP_ENV") == "production"
	server := api.NewServer(cfg.ServerConfig, repo, cacheService, eventBus, queueManager,
		chatProcessor, ledgerService, memoryService, breaker, productionMode)

	go func() {
		if err := server.Start(); err != nil {
			log.Fatalf("HTTP server failed: %v", err)
		}
	}()

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info().Msg("Shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(ctx,
		time.Duration(cfg.ServerConfig.ShutdownTimeout)*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("HTTP server shutdown failed")
	}

	stopWorkers()
	if err := queueManager.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Queue shutdown failed")
	}

	logger.Info().Msg("Shutdown complete")
}
