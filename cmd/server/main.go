package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"iaboard-pipeline/internal/config"
	"iaboard-pipeline/internal/handlers"
	"iaboard-pipeline/internal/middleware"
	"iaboard-pipeline/internal/pkg/logger"
	"iaboard-pipeline/internal/presets"
	"iaboard-pipeline/internal/routes"
	"iaboard-pipeline/internal/services"
)

const (
	serviceName     = "iaboard-pipeline"
	serviceVersion  = "1.0.0"
	shutdownTimeout = 60 * time.Second
)

func main() {
	config, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	appLogger, err := logger.New(config.Log)
	if err != nil {
		fmt.Printf("Failed to create logger: %v\n", err)
		os.Exit(1)
	}

	appLogger.WithFields(logger.Fields{
		"service":     serviceName,
		"version":     serviceVersion,
		"environment": config.Environment,
		"port":        config.HTTP.Port,
		"log_level":   config.Log.Level,
	}).Info("Starting IA Board Pipeline")

	if config.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	serviceContainer, err := initializeServices(config, appLogger)
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to initialize services")
	}

	handlerContainer := initializeHandlers(serviceContainer.orchestrator, appLogger)

	router := gin.New()
	setupMiddleware(router, config, appLogger)
	routes.SetupRoutes(router, handlerContainer.workflow, handlerContainer.catalog, handlerContainer.health, handlerContainer.metrics)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", config.HTTP.Port),
		Handler:      router,
		ReadTimeout:  config.HTTP.ReadTimeout,
		WriteTimeout: config.HTTP.WriteTimeout,
		IdleTimeout:  config.HTTP.IdleTimeout,
	}

	go func() {
		appLogger.WithFields(logger.Fields{
			"addr":          server.Addr,
			"read_timeout":  config.HTTP.ReadTimeout.String(),
			"write_timeout": config.HTTP.WriteTimeout.String(),
		}).Info("HTTP server starting")

		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			appLogger.WithError(err).Fatal("Failed to start HTTP server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	sig := <-quit
	appLogger.WithField("signal", sig.String()).Info("Received shutdown signal, starting graceful shutdown")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		appLogger.WithError(err).Error("HTTP server forced to shutdown")
	} else {
		appLogger.Info("HTTP server shutdown completed")
	}

	if err := serviceContainer.close(ctx); err != nil {
		appLogger.WithError(err).Error("Error during service cleanup")
	}

	appLogger.WithFields(logger.Fields{
		"service": serviceName,
		"version": serviceVersion,
	}).Info("IA Board Pipeline shutdown complete")
}

type ServiceContainer struct {
	orchestrator *services.Orchestrator
}

type HandlerContainer struct {
	workflow *handlers.WorkflowHandler
	catalog  *handlers.CatalogHandler
	health   *handlers.HealthHandler
	metrics  *handlers.MetricsHandler
}

func (sc *ServiceContainer) close(ctx context.Context) error {
	if err := sc.orchestrator.Close(ctx); err != nil {
		return fmt.Errorf("orchestrator close error: %w", err)
	}
	return nil
}

func initializeHandlers(orchestrator *services.Orchestrator, logger *logger.Logger) *HandlerContainer {
	return &HandlerContainer{
		workflow: handlers.NewWorkflowHandler(orchestrator, logger),
		catalog:  handlers.NewCatalogHandler(orchestrator, logger),
		health:   handlers.NewHealthHandler(orchestrator, logger),
		metrics:  handlers.NewMetricsHandler(orchestrator, logger),
	}
}

func initializeServices(cfg *config.Config, log *logger.Logger) (*ServiceContainer, error) {
	registry := services.NewProviderRegistry(cfg.Router, log)

	if err := registerBackends(registry, cfg, log); err != nil {
		return nil, err
	}
	if registry.Count() == 0 {
		log.Warn("No live providers configured, every request will use offline templates")
	}

	router, err := services.NewProviderRouter(registry, services.NewFallbackSynthesizer(cfg.Router.FallbackConfidence), cfg.Router, log)
	if err != nil {
		return nil, fmt.Errorf("failed to create provider router: %w", err)
	}

	catalog, err := presets.Load(cfg.Workflow.PresetsPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load workflow presets: %w", err)
	}

	var store services.SnapshotStore
	if cfg.Redis.Enabled {
		redisService, err := services.NewRedisService(cfg.Redis, cfg.Workflow.SnapshotTTL, log)
		if err != nil {
			log.WithError(err).Warn("Redis unavailable, workflow snapshots will not be persisted")
		} else {
			store = redisService
		}
	}

	var enricher services.RequestEnricher
	if cfg.Scraper.Enabled {
		enricher = services.NewScraperService(cfg.Scraper, log)
	}

	orchestrator := services.NewOrchestrator(router, store, enricher, catalog, cfg.Workflow, log)

	return &ServiceContainer{orchestrator: orchestrator}, nil
}

// registerBackends adds every live provider that is enabled and has what it
// needs to authenticate.
func registerBackends(registry *services.ProviderRegistry, cfg *config.Config, log *logger.Logger) error {
	if cfg.Gemini.Enabled && cfg.Gemini.APIKey != "" {
		gemini, err := services.NewGeminiService(cfg.Gemini, log)
		if err != nil {
			return fmt.Errorf("failed to create gemini service: %w", err)
		}
		if err := registry.Register(gemini, services.SettingsFromConfig(cfg.Gemini.ProviderConfig)); err != nil {
			return err
		}
	}

	if cfg.OpenAI.Enabled && cfg.OpenAI.APIKey != "" {
		openai, err := services.NewOpenAIService(cfg.OpenAI, nil, log)
		if err != nil {
			return fmt.Errorf("failed to create openai service: %w", err)
		}
		if err := registry.Register(openai, services.SettingsFromConfig(cfg.OpenAI.ProviderConfig)); err != nil {
			return err
		}
	}

	if cfg.Ollama.Enabled {
		ollama, err := services.NewOllamaService(cfg.Ollama, log)
		if err != nil {
			return fmt.Errorf("failed to create ollama service: %w", err)
		}
		if err := registry.Register(ollama, services.SettingsFromConfig(cfg.Ollama.ProviderConfig)); err != nil {
			return err
		}
	}

	log.WithField("providers", registry.Count()).Info("Live providers registered")
	return nil
}

func setupMiddleware(router *gin.Engine, cfg *config.Config, logger *logger.Logger) {
	router.Use(gin.Recovery())
	router.Use(middleware.CORSMiddleware(cfg.HTTP.CORSOrigins))
	router.Use(middleware.LoggingMiddleware(logger))
}
