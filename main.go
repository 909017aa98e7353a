package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/joho/godotenv"
	"github.com/panjf2000/ants/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"iptv-relay/work/buffer"
	"iptv-relay/work/cache"
	"iptv-relay/work/client"
	"iptv-relay/work/config"
	"iptv-relay/work/database"
	"iptv-relay/work/handlers"
	"iptv-relay/work/logger"
	"iptv-relay/work/middleware"
	"iptv-relay/work/proxy"
	"iptv-relay/work/utils"
)

var (
	Version = "v0.1.0" // default version
)

// relayBufferSize is the copy buffer used per relayed stream.
const relayBufferSize = 32 * 1024

// our main app worker
func main() {

	// .env is optional; RELAY_CONFIG, RELAY_PORT and RELAY_DEBUG may live there
	if err := godotenv.Load(); err != nil {
		logger.Debug("{main - main} No .env file found, using process environment")
	}

	// load our config
	cfg := config.LoadConfig()
	if cfg.Debug {
		logger.SetLogLevel("DEBUG")
	} else {
		logger.SetLogLevel(cfg.LogLevel)
	}
	writeExampleConfig()

	// Initialize buffer pool
	bufferPool := buffer.NewBufferPool(relayBufferSize)

	// Initialize HTTP client
	httpClient := client.NewHeaderSettingClient(cfg)

	// Initialize worker pool
	workerPool, err := ants.NewPool(cfg.WorkerThreads, ants.WithPreAlloc(true))
	if err != nil {
		logger.Fatal("{main - main} Failed to create worker pool: %v", err)
	}
	defer workerPool.Release()

	// Open the image store; the relay still works without it
	var db *database.DB
	var store cache.Store
	if cfg.DatabasePath != "" {
		db, err = database.Open(cfg.DatabasePath)
		if err != nil {
			logger.Error("{main - main} Failed to open database %s, images will not persist: %v", cfg.DatabasePath, err)
			db = nil
		} else {
			defer db.Close()
			store = db
		}
	}

	// Initialize caches
	imageCache := cache.NewImageCache(cfg, store, workerPool)
	warmCtx, cancelWarm := context.WithTimeout(context.Background(), 30*time.Second)
	if n, err := imageCache.Warm(warmCtx); err != nil {
		logger.Warn("{main - main} Image cache warm-up failed: %v", err)
	} else if n > 0 {
		logger.Info("{main - main} Warmed image cache with %d images", n)
	}
	cancelWarm()
	responseCache := cache.NewCache(cfg.CacheDuration)

	// Create proxy instance
	proxyInstance := proxy.New(cfg, bufferPool, httpClient, workerPool, responseCache, imageCache)

	// Setup HTTP routes
	router := mux.NewRouter()
	relayLimit := middleware.ConnectionLimit(cfg.MaxConnectionsToApp)

	// Media relays
	router.Handle("/api/stream-proxy", relayLimit(handlers.HandleStreamProxy(proxyInstance))).Methods("GET", "HEAD", "OPTIONS")
	router.Handle("/api/image", handlers.HandleImageProxy(proxyInstance)).Methods("GET", "OPTIONS")

	// Playlist, portal and guide APIs
	router.Handle("/api/parse", middleware.GzipMiddleware(handlers.HandleParse(proxyInstance))).Methods("GET", "OPTIONS")
	router.Handle("/api/xtream", middleware.GzipMiddleware(handlers.HandleXtream(proxyInstance))).Methods("GET", "OPTIONS")
	router.Handle("/api/stalker", middleware.GzipMiddleware(handlers.HandleStalker(proxyInstance))).Methods("GET", "OPTIONS")
	router.Handle("/api/epg", middleware.GzipMiddleware(handlers.HandleEPG(proxyInstance))).Methods("GET", "OPTIONS")

	// Adaptive quality
	router.Handle("/api/quality/advise", handlers.HandleQualityAdvise(proxyInstance)).Methods("POST", "OPTIONS")
	router.Handle("/api/quality/profile", handlers.HandleQualityProfile(proxyInstance)).Methods("GET", "OPTIONS")

	// Metrics handler
	router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	// add the admin routes
	setupAdminRoutes(router, proxyInstance, db)

	router.Use(middleware.Recovery, middleware.Logging, middleware.CORS)

	// show info
	logger.Info("{main - main} Starting IPTV Relay %s", Version)
	logger.Info("{main - main} Server configuration:")
	logger.Info("{main - main}   - Listen Address: %s", cfg.ListenAddr())
	logger.Info("{main - main}   - Base URL: %s", cfg.BaseURL)
	logger.Info("{main - main}   - Worker Threads: %d", cfg.WorkerThreads)
	logger.Info("{main - main}   - Max Relays: %d", cfg.MaxConnectionsToApp)
	logger.Info("{main - main}   - Stream Timeout: %s", cfg.StreamTimeout)
	logger.Info("{main - main}   - Cache Duration: %s", cfg.CacheDuration)
	logger.Info("{main - main}   - Image Cache: %d entries / %s", cfg.ImageCacheSize, utils.FormatBytes(cfg.ImageCacheMaxBytes))
	logger.Info("{main - main}   - Image Store: %v", db != nil)
	logger.Info("{main - main}   - Debug Enabled: %v", cfg.Debug)
	logger.Info("{main - main}   - URL Obfuscation: %v", cfg.ObfuscateUrls)

	server := &http.Server{
		Addr:              cfg.ListenAddr(),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	// keep the image store bounded while we run
	maintCtx, stopMaintenance := context.WithCancel(context.Background())
	defer stopMaintenance()
	if db != nil {
		go runStoreMaintenance(maintCtx, db, cfg.ImageCacheSize)
	}

	// shut down gracefully on SIGINT/SIGTERM
	done := make(chan struct{})
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-quit
		stopMaintenance()
		logger.Info("{main - main} Shutting down, %d relays active", proxyInstance.Sessions.Size())

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		if err := server.Shutdown(ctx); err != nil {
			logger.Error("{main - main} Server shutdown error: %v", err)
		}
		close(done)
	}()

	// fire us up
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal("{main - main} Server failed to start: %v", err)
	}

	<-done
	logger.Info("{main - main} Server stopped")
}

// writeExampleConfig drops a documented example next to the expected config
// path when no config file exists yet.
func writeExampleConfig() {
	path := os.Getenv("RELAY_CONFIG")
	if path == "" {
		path = config.DefaultConfigPath
	}
	if _, err := os.Stat(path); !errors.Is(err, os.ErrNotExist) {
		return
	}

	example := path + ".example"
	if err := config.CreateExampleConfig(example); err != nil {
		logger.Debug("{main - writeExampleConfig} Could not write %s: %v", example, err)
		return
	}
	logger.Info("{main - writeExampleConfig} No config at %s, wrote example to %s", path, example)
}
