package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"fleetmap/internal/cache"
	"fleetmap/internal/config"
	"fleetmap/internal/domain"
	"fleetmap/internal/geo"
	"fleetmap/internal/geowatch"
	"fleetmap/internal/handler"
	"fleetmap/internal/hub"
	"fleetmap/internal/ingestor"
	"fleetmap/internal/maplib"
	_ "fleetmap/internal/maplib/scene"
	"fleetmap/internal/mapview"
	"fleetmap/internal/middleware"
	"fleetmap/internal/store"
	"fleetmap/pkg/backendapi"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}))
	slog.SetDefault(logger)

	logger.Info("starting fleetmap server",
		"log_level", cfg.LogLevel.String(),
		"http_addr", cfg.HTTPAddr,
		"source", cfg.SourceKind,
		"map_module", cfg.MapModule,
		"redis_enabled", cfg.RedisEnabled,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var source ingestor.Source
	switch cfg.SourceKind {
	case config.SourcePostgres:
		db, err := store.Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Error("failed to connect to database", "error", err)
			os.Exit(1)
		}
		defer db.Close()
		source = store.NewPostgresSource(db, logger)
	case config.SourceREST:
		source = backendapi.New(cfg.BackendURL, cfg.BackendAPIKey, logger)
	}

	loader := maplib.NewLoader(maplib.LoaderConfig{
		Module:        cfg.MapModule,
		StylesheetURL: cfg.StylesheetURL,
		IconBaseURL:   cfg.IconBaseURL,
		Timeout:       cfg.LoadTimeout,
	}, logger)
	maplib.SetDefault(loader)

	agentStore := store.New(cfg.TileZoomLevel)
	wsHub := hub.NewHub(logger)
	poller := ingestor.New(source, ingestor.Config{
		Interval: cfg.PollInterval,
		Window:   cfg.FreshnessWindow,
	}, logger)

	var snapCache *cache.SnapshotCache
	if cfg.RedisEnabled {
		redisCache, err := cache.NewRedisCache(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, logger)
		if err != nil {
			logger.Warn("redis unavailable, continuing without cache", "error", err)
		} else {
			defer redisCache.Close()
			snapCache = cache.NewSnapshotCache(redisCache, cfg.CacheTTL, logger)
		}
	}

	if snapCache != nil && cfg.CacheRestoreOnStart {
		snaps, ok, err := snapCache.Restore(ctx, cfg.FreshnessWindow)
		if err != nil {
			logger.Warn("snapshot restore failed", "error", err)
		} else if ok {
			agentStore.Replace(snaps)
			poller.Seed(snaps)
		}
	}

	poller.Subscribe(func(snaps []domain.AgentSnapshot) {
		deltas := agentStore.Replace(snaps)
		wsHub.Broadcast(deltas)
		if snapCache != nil {
			if err := snapCache.Write(ctx, snaps, deltas); err != nil {
				logger.Warn("snapshot cache write failed", "error", err)
			}
		}
	})

	viewOpts := mapview.DefaultOptions()
	viewOpts.TileLayer = maplib.TileLayer{
		URLTemplate: cfg.TileURL,
		Attribution: cfg.TileAttribution,
		MaxZoom:     cfg.TileMaxZoom,
	}
	viewOpts.RetryBase = cfg.RetryBase
	viewOpts.RetryCap = cfg.RetryCap
	viewOpts.MaxAttempts = cfg.RetryAttempts
	viewOpts.FitMaxMarkers = cfg.FitMaxMarkers
	viewOpts.FitPadding = cfg.FitPadding
	viewOpts.SingleZoom = cfg.SingleZoom

	center := geo.Point{Lat: cfg.CenterLat, Lng: cfg.CenterLng}

	var nearby handler.NearbyFinder
	if snapCache != nil {
		nearby = snapCache
	}

	limiter := middleware.NewRateLimiter(cfg.RateLimitPerWindow, cfg.RateLimitWindow, cfg.RateLimitWhitelist, logger)

	httpHandler := handler.NewHTTPHandler(agentStore, poller, nearby, loader, handler.MapSettings{
		TileLayer: viewOpts.TileLayer,
		Center:    center,
		Zoom:      cfg.DefaultZoom,
		Icons:     maplib.PatchDefaultIcons(cfg.IconBaseURL),
	})
	wsHandler := handler.NewWSHandler(wsHub, agentStore, handler.SessionFactory{
		Loader: loader,
		Feed:   poller,
		View:   viewOpts,
		Geo: geowatch.Options{
			EnableHighAccuracy: cfg.GeoHighAccuracy,
			Timeout:            cfg.GeoTimeout,
			MaximumAge:         cfg.GeoMaximumAge,
		},
		GeoThrottle: cfg.GeoThrottle,
		Center:      center,
		Zoom:        cfg.DefaultZoom,
		Logger:      logger,
	}, cfg.CORSOrigins, logger)
	healthHandler := handler.NewHealthHandler(poller, agentStore)
	statsHandler := handler.NewStatsHandler(agentStore, poller, wsHub, limiter)

	api := http.NewServeMux()
	api.HandleFunc("GET /v1/agents", httpHandler.ListAgents)
	api.HandleFunc("GET /v1/agents/nearby", httpHandler.NearbyAgents)
	api.HandleFunc("GET /v1/agents/{id}", httpHandler.GetAgent)
	api.HandleFunc("GET /v1/agents/{id}/eta", httpHandler.AgentETA)
	api.HandleFunc("POST /v1/refresh", httpHandler.Refresh)
	api.HandleFunc("GET /v1/map/config", httpHandler.MapConfig)
	api.HandleFunc("GET /v1/map/style.css", httpHandler.Stylesheet)
	api.HandleFunc("GET /v1/stats", statsHandler.GetStats)

	mux := http.NewServeMux()
	timed := http.TimeoutHandler(api, cfg.WriteTimeout, `{"error":"request timed out"}`)
	mux.Handle("/v1/", handler.GzipMiddleware(limiter.Middleware(timed)))
	mux.HandleFunc("/v1/ws", wsHandler.ServeWS)
	mux.HandleFunc("GET /healthz", healthHandler.Healthz)
	mux.HandleFunc("GET /readyz", healthHandler.Readyz)

	// No server-wide WriteTimeout: websocket connections are long lived, so
	// the REST routes get theirs from TimeoutHandler instead.
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           handler.CountRequests(handler.CORSMiddleware(cfg.CORSOrigins)(mux)),
		ReadHeaderTimeout: cfg.ReadTimeout,
	}

	go wsHub.Run(ctx)
	go limiter.Run(ctx)

	poller.Start(cfg.PollInterval)

	go func() {
		if _, err := loader.EnsureLoaded(ctx); err != nil {
			logger.Warn("map library preload failed, sessions will retry", "error", err)
		}
	}()

	go func() {
		logger.Info("starting HTTP server", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP server error", "error", err)
			cancel()
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigChan:
		logger.Info("shutdown signal received")
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
	}

	poller.Close()
	cancel()

	logger.Info("shutdown complete")
}
