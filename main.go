package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"agent-interceptor/config"
	"agent-interceptor/logger"
	"agent-interceptor/providers"
	"agent-interceptor/proxy"
	"agent-interceptor/server"
	"agent-interceptor/storage"
)

func main() {
	// Print version information
	fmt.Println(GetBuildInfo())
	fmt.Println()

	configPath := os.Getenv("INTERCEPTOR_CONFIG")
	if configPath == "" {
		configPath = "config.yaml"
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Structured JSONL logging for aggregator ingestion
	obsLogger, err := logger.NewObservabilityLogger(cfg.LogDir)
	if err != nil {
		log.Fatalf("Failed to initialize observability logger: %v", err)
	}
	defer obsLogger.Close()

	obsLogger.Info(logger.ComponentConfig, logger.CategoryLifecycle, "", "Configuration loaded", map[string]interface{}{
		"host":                cfg.Host,
		"port":                cfg.Port,
		"openai_base_url":     cfg.OpenAIBaseURL,
		"anthropic_base_url":  cfg.AnthropicBaseURL,
		"ollama_base_url":     cfg.OllamaBaseURL,
		"db_path":             cfg.DBPath,
		"store_stream_chunks": cfg.StoreStreamChunks,
		"redact_api_keys":     cfg.RedactAPIKeys,
	})

	// Open database and apply migrations
	store, err := storage.Open(cfg)
	if err != nil {
		log.Fatalf("Failed to open interaction store: %v", err)
	}
	defer store.Close()

	registry := providers.NewRegistry(cfg.OpenAIBaseURL, cfg.AnthropicBaseURL, cfg.OllamaBaseURL)
	if cfg.PricingPath != "" {
		if err := providers.LoadPricingOverrides(cfg.PricingPath, registry.Parsers()...); err != nil {
			obsLogger.Warn(logger.ComponentConfig, logger.CategoryError, "", "Pricing overrides not loaded", map[string]interface{}{
				"path": cfg.PricingPath, "error": err.Error(),
			})
		}
	}

	// One upstream client shared by all requests (connection pooling)
	client := proxy.NewUpstreamClient(cfg)
	defer client.CloseIdleConnections()

	proxyHandler := proxy.NewHandler(cfg, registry, store, client)
	proxyHandler.SetObservabilityLogger(obsLogger)

	srv := server.New(cfg, store, proxyHandler, Version)

	httpServer := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      srv,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: cfg.RequestTimeout() + 10*time.Second, // must outlive the slowest upstream stream
		IdleTimeout:  60 * time.Second,
	}

	obsLogger.Info(logger.ComponentServer, logger.CategoryLifecycle, "", "Agent Interceptor started", map[string]interface{}{
		"address": fmt.Sprintf("http://%s", cfg.Addr()),
		"version": GetVersionInfo(),
	})
	if !cfg.Quiet {
		log.Printf("🚀 Agent Interceptor listening on http://%s", cfg.Addr())
		log.Printf("   Point your agent's base URL at it, e.g. OPENAI_BASE_URL=http://%s/v1", cfg.Addr())
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpServer.ListenAndServe()
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			obsLogger.Error(logger.ComponentServer, logger.CategoryError, "", "Server failed", map[string]interface{}{"error": err.Error()})
			log.Fatalf("Server failed: %v", err)
		}
	case <-stop:
		if !cfg.Quiet {
			log.Println("🛑 Shutting down...")
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(ctx); err != nil {
			log.Printf("Shutdown error: %v", err)
		}
		obsLogger.Info(logger.ComponentServer, logger.CategoryLifecycle, "", "Agent Interceptor stopped", nil)
	}
}
