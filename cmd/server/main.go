// Package main is the entry point for the see-spot server.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/see-spot/server/internal/api"
	"github.com/see-spot/server/internal/config"
	"github.com/see-spot/server/internal/dataset"
	"github.com/see-spot/server/internal/service"
	"github.com/see-spot/server/internal/session"
	"github.com/see-spot/server/internal/store"
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", "config/server.yaml", "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	log.Printf("Starting see-spot server on port %d", cfg.Server.Port)

	ctx := context.Background()

	// Initialize the remote store client
	st, err := store.NewS3Store(ctx, store.S3Config{
		Bucket:    cfg.Store.Bucket,
		Region:    cfg.Store.Region,
		Endpoint:  cfg.Store.Endpoint,
		PathStyle: cfg.Store.PathStyle,
		CacheDir:  cfg.Cache.RootDir,
	})
	if err != nil {
		log.Fatalf("Failed to initialize store client: %v", err)
	}
	log.Printf("Store: bucket=%s region=%s cache=%s", cfg.Store.Bucket, cfg.Store.Region, cfg.Cache.RootDir)

	// Initialize the dataset cache (merge pipeline + memo)
	datasets, err := dataset.New(dataset.Config{
		Store:       st,
		CacheRoot:   cfg.Cache.RootDir,
		SpotsSubdir: cfg.Data.SpotsSubdir,
		MaxEntries:  cfg.Cache.MaxDatasets,
		MaxListKeys: cfg.Store.MaxListKeys,
	})
	if err != nil {
		log.Fatalf("Failed to initialize dataset cache: %v", err)
	}

	// Initialize the spot service
	spotService := service.NewSpots(datasets, st, service.Options{
		FusedPathTemplate: cfg.Data.FusedPathTemplate,
		FusedChannels:     cfg.Data.FusedChannels,
		DefaultSampleSize: cfg.Sampling.DefaultSampleSize,
		MaxSampleSize:     cfg.Sampling.MaxSampleSize,
		ResponseCacheMB:   cfg.Cache.ResponseSizeMB,
		ResponseCacheTTL:  time.Duration(cfg.Cache.ResponseTTLMinutes) * time.Minute,
	})

	// Initialize the session manager
	sessions, err := session.NewManager(cfg.Sessions.DBPath)
	if err != nil {
		log.Fatalf("Failed to initialize session manager: %v", err)
	}
	defer sessions.Close()

	// Periodic cleanup of stale sessions
	maxAge := time.Duration(cfg.Sessions.MaxAgeHours) * time.Hour
	cleanupDone := make(chan struct{})
	go func() {
		ticker := time.NewTicker(1 * time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if _, err := sessions.Cleanup(maxAge); err != nil {
					log.Printf("Session cleanup failed: %v", err)
				}
			case <-cleanupDone:
				return
			}
		}
	}()
	defer close(cleanupDone)

	// Set up HTTP router
	router := api.NewRouter(api.RouterConfig{
		Spots:          spotService,
		Sessions:       sessions,
		Datasets:       cfg.Data.Datasets,
		DefaultDataset: cfg.Data.DefaultDataset,
		CORSOrigins:    cfg.Server.CORSOrigins,
		ViewerBaseURL:  cfg.Viewer.BaseURL,
	})

	// Create HTTP server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Printf("Server listening on http://localhost:%d", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}

	log.Println("Server stopped")
}
