package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/mverastegui/aulavoz/internal/config"
	"github.com/mverastegui/aulavoz/internal/convstore"
	"github.com/mverastegui/aulavoz/internal/credentials"
	"github.com/mverastegui/aulavoz/internal/engine"
	"github.com/mverastegui/aulavoz/internal/httpapi"
	"github.com/mverastegui/aulavoz/internal/observability"
	"github.com/mverastegui/aulavoz/internal/stream"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	ctx := context.Background()
	store, err := convstore.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("conversation store init failed: %v", err)
	}
	defer store.Close()

	dialer := &stream.WSDialer{
		URL:         cfg.ModelWSURL,
		ModelID:     cfg.ModelID,
		Credentials: credentialProvider(cfg),
		DialTimeout: cfg.ModelDialTimeout,
	}

	registry := engine.NewRegistry(cfg.SessionInactivityTimeout)

	api := httpapi.New(cfg, registry, store, dialer, metrics)
	httpServer := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: api.Router(),
	}

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()
	registry.StartJanitor(runCtx, cfg.JanitorInterval)

	go func() {
		log.Printf("server listening on %s", cfg.BindAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Printf("shutdown signal received")

	runCancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
		_ = httpServer.Close()
	}

	log.Printf("shutdown complete")
}

// credentialProvider picks the federation endpoint when configured,
// otherwise static environment credentials.
func credentialProvider(cfg config.Config) credentials.Provider {
	if cfg.FederationURL != "" {
		log.Printf("credentials: federation endpoint")
		return credentials.NewFederation(cfg.FederationURL, cfg.FederationAuthToken)
	}
	log.Printf("credentials: static environment keys")
	return credentials.Static{Creds: credentials.Credentials{
		AccessKeyID:     cfg.AWSAccessKeyID,
		SecretAccessKey: cfg.AWSSecretAccessKey,
		SessionToken:    cfg.AWSSessionToken,
	}}
}
