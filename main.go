package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"

	"picks-pipeline/internal/config"
	"picks-pipeline/internal/handlers"
	"picks-pipeline/internal/pkg/logger"
	"picks-pipeline/internal/services"
	"picks-pipeline/internal/workflow"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "picks-pipeline: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	log, err := logger.New(logger.LogConfig(cfg.Log))
	if err != nil {
		return fmt.Errorf("creating logger: %w", err)
	}
	log = log.WithField("service", "picks-pipeline")

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	gemini, err := services.NewGeminiService(cfg.Gemini, log)
	if err != nil {
		return fmt.Errorf("creating gemini service: %w", err)
	}
	defer gemini.Close()

	search, err := services.NewSearchService(cfg.Search, log)
	if err != nil {
		return fmt.Errorf("creating search service: %w", err)
	}

	registry, err := workflow.NewRegistry(search)
	if err != nil {
		return err
	}
	checks := map[string]services.HealthChecker{
		"gemini": gemini,
		"search": search,
	}

	if cfg.Retriever.URL != "" {
		retriever, err := services.NewRetrieverService(cfg.Retriever, log)
		if err != nil {
			return fmt.Errorf("creating retriever service: %w", err)
		}
		if err := registry.Register(retriever); err != nil {
			return err
		}
		checks["retriever"] = retriever
	}

	if cfg.Scraper.Enabled {
		scraper, err := services.NewScraperService(cfg.Scraper, log)
		if err != nil {
			return fmt.Errorf("creating scraper service: %w", err)
		}
		if err := registry.Register(scraper); err != nil {
			return err
		}
	}

	prompts := workflow.DefaultPrompts()
	if cfg.Workflow.PromptsFile != "" {
		if prompts, err = workflow.LoadPrompts(cfg.Workflow.PromptsFile); err != nil {
			return fmt.Errorf("loading prompts: %w", err)
		}
	}

	pipeline, err := workflow.Build(workflow.Dependencies{
		Model:   gemini,
		Tools:   registry,
		Prompts: prompts,
		Policy: workflow.Policy{
			RelevanceThreshold: cfg.Workflow.RelevanceThreshold,
			MaxRefinements:     cfg.Workflow.MaxRefinements,
			Fallback:           workflow.FallbackPolicy(cfg.Workflow.Fallback),
			RefineRoute:        workflow.RefineRoute(cfg.Workflow.RefineRoute),
			StepBudget:         cfg.Workflow.StepBudget,
			NodeTimeout:        cfg.Workflow.NodeTimeout,
			ToolTimeout:        cfg.Workflow.NodeTimeout,
		},
		Logger: log,
	})
	if err != nil {
		return fmt.Errorf("building pipeline: %w", err)
	}

	store, err := services.NewStateStore(cfg.Redis, log)
	if err != nil {
		return fmt.Errorf("creating state store: %w", err)
	}
	defer store.Close()

	orchestrator := services.NewOrchestrator(pipeline, store, checks, cfg.Workflow, log)
	handler := handlers.NewWorkflowHandler(orchestrator, log)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:      handlers.NewRouter(handler, cfg.HTTP, log),
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Info("HTTP server listening",
			"addr", server.Addr,
			"environment", cfg.Environment,
			"capabilities", registry.Names(),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	select {
	case err, ok := <-serverErr:
		if ok {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("HTTP server shutdown failed")
	}
	if err := orchestrator.Close(shutdownCtx); err != nil {
		log.WithError(err).Warn("Workflows cancelled during shutdown")
	}
	log.Info("Shutdown complete")
	return nil
}
