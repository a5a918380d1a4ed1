package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/agentworkforce/trackrelay/internal/httpapi"
	"github.com/agentworkforce/trackrelay/internal/trackrelay"
)

func main() {
	addr := os.Getenv("TRACKRELAY_ADDR")
	if addr == "" {
		addr = ":8080"
	}

	configPath := strings.TrimSpace(os.Getenv("TRACKRELAY_SYNC_CONFIG"))
	if configPath == "" {
		configPath = "trackrelay.yaml"
	}
	cfg, err := trackrelay.LoadSyncConfig(configPath)
	if err != nil {
		log.Fatalf("failed to load sync config %s: %v", configPath, err)
	}

	backend, queue, err := buildStorageBackendsFromEnv()
	if err != nil {
		log.Fatalf("failed to initialize storage backends: %v", err)
	}

	adapters, webhookSecrets, err := buildAdaptersFromEnv(cfg)
	if err != nil {
		log.Fatalf("failed to initialize platform adapters: %v", err)
	}

	engine, err := trackrelay.NewEngine(trackrelay.EngineOptions{
		Config:            cfg,
		Store:             trackrelay.NewMappingStore(backend, intEnv("TRACKRELAY_MAPPING_RETRIES", 0)),
		Queue:             queue,
		Adapters:          adapters,
		Probes:            trackrelay.StorageProbes(queue, backend),
		EventWorkers:      intEnv("TRACKRELAY_EVENT_WORKERS", 0),
		ActivityLog:       intEnv("TRACKRELAY_ACTIVITY_LOG", 0),
		ReconcileInterval: durationEnv("TRACKRELAY_RECONCILE_INTERVAL", 0),
		HealthInterval:    durationEnv("TRACKRELAY_HEALTH_INTERVAL", 0),
		SilenceWindow:     durationEnv("TRACKRELAY_SILENCE_WINDOW", 0),
	})
	if err != nil {
		log.Fatalf("failed to start engine: %v", err)
	}

	stopWatch, err := trackrelay.WatchSyncConfig(configPath, engine.ApplyConfig, func(watchErr error) {
		log.Printf("sync config reload failed: %v", watchErr)
	})
	if err != nil {
		log.Printf("sync config watch unavailable: %v", err)
	} else {
		defer func() { _ = stopWatch() }()
	}

	server := &http.Server{
		Addr: addr,
		Handler: httpapi.NewServerWithConfig(engine, httpapi.ServerConfig{
			JWTSecret:       os.Getenv("TRACKRELAY_JWT_SECRET"),
			WebhookSecrets:  webhookSecrets,
			RateLimitMax:    intEnv("TRACKRELAY_RATE_LIMIT_MAX", 0),
			RateLimitWindow: durationEnv("TRACKRELAY_RATE_LIMIT_WINDOW", time.Minute),
			MaxBodyBytes:    int64Env("TRACKRELAY_MAX_BODY_BYTES", 0),
		}),
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		log.Printf("trackrelay listening on %s (platforms: %s)", addr, strings.Join(cfg.Platforms(), ", "))
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		log.Printf("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("server shutdown: %v", err)
		}
		if err := engine.Close(); err != nil {
			log.Printf("engine shutdown: %v", err)
		}
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("server failed: %v", err)
		}
	}
}

func intEnv(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func int64Env(name string, fallback int64) int64 {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %s", name, raw, fallback.String())
		return fallback
	}
	return value
}

func buildStorageBackendsFromEnv() (trackrelay.MappingBackend, trackrelay.EventQueue, error) {
	profileBackendDSN, profileQueueDSN, err := storageProfileDefaultsFromEnv()
	if err != nil {
		return nil, nil, err
	}

	backendDSN := strings.TrimSpace(os.Getenv("TRACKRELAY_MAPPING_DSN"))
	if backendDSN == "" {
		backendDSN = profileBackendDSN
	}
	backend, err := trackrelay.BuildMappingBackendFromDSN(backendDSN)
	if err != nil {
		return nil, nil, err
	}

	queueDSN := strings.TrimSpace(os.Getenv("TRACKRELAY_QUEUE_DSN"))
	if queueDSN == "" {
		queueDSN = profileQueueDSN
	}
	queue, err := trackrelay.BuildEventQueueFromDSN(queueDSN, intEnv("TRACKRELAY_QUEUE_SIZE", 0))
	if err != nil {
		return nil, nil, err
	}
	return backend, queue, nil
}

func storageProfileDefaultsFromEnv() (backendDSN, queueDSN string, err error) {
	profile := strings.ToLower(strings.TrimSpace(os.Getenv("TRACKRELAY_BACKEND_PROFILE")))
	dataDir := strings.TrimSpace(os.Getenv("TRACKRELAY_DATA_DIR"))
	if dataDir == "" {
		dataDir = ".trackrelay"
	}
	switch profile {
	case "", "custom", "memory", "inmemory":
		return "memory://", "memory://", nil
	case "production", "prod":
		productionDSN := strings.TrimSpace(os.Getenv("TRACKRELAY_POSTGRES_DSN"))
		if productionDSN == "" {
			return "", "", fmt.Errorf("TRACKRELAY_POSTGRES_DSN is required when TRACKRELAY_BACKEND_PROFILE=%s", profile)
		}
		return productionDSN, productionDSN, nil
	case "durable-local", "local-durable":
		return "file://" + filepath.Join(dataDir, "mappings.json"),
			"file://" + filepath.Join(dataDir, "event-queue.json"),
			nil
	case "sqlite":
		return "sqlite://" + filepath.Join(dataDir, "mappings.db"),
			"file://" + filepath.Join(dataDir, "event-queue.json"),
			nil
	default:
		return "", "", fmt.Errorf("unsupported TRACKRELAY_BACKEND_PROFILE: %s", profile)
	}
}

// buildAdaptersFromEnv wires one HTTP adapter per platform named by the sync
// config. Each platform reads TRACKRELAY_<PLATFORM>_API_URL and
// TRACKRELAY_<PLATFORM>_TOKEN; an optional TRACKRELAY_<PLATFORM>_WEBHOOK_SECRET
// enables inbound signature checks for that platform's hook route.
func buildAdaptersFromEnv(cfg *trackrelay.SyncConfig) (map[string]trackrelay.PlatformAdapter, map[string]string, error) {
	adapters := map[string]trackrelay.PlatformAdapter{}
	secrets := map[string]string{}
	for _, platform := range cfg.Platforms() {
		prefix := "TRACKRELAY_" + strings.ToUpper(strings.ReplaceAll(platform, "-", "_"))
		baseURL := strings.TrimSpace(os.Getenv(prefix + "_API_URL"))
		if baseURL == "" {
			return nil, nil, fmt.Errorf("%s_API_URL is required for platform %s", prefix, platform)
		}
		adapter, err := trackrelay.NewHTTPAdapter(trackrelay.HTTPAdapterOptions{
			Platform:   platform,
			BaseURL:    baseURL,
			Token:      os.Getenv(prefix + "_TOKEN"),
			UserAgent:  "trackrelay/1.0",
			MaxRetries: uint64(intEnv(prefix+"_MAX_RETRIES", 0)),
			PageSize:   intEnv(prefix+"_PAGE_SIZE", 0),
		})
		if err != nil {
			return nil, nil, err
		}
		adapters[platform] = adapter
		if secret := os.Getenv(prefix + "_WEBHOOK_SECRET"); secret != "" {
			secrets[platform] = secret
		}
	}
	return adapters, secrets, nil
}
