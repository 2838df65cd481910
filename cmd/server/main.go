package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-co-op/gocron"
	"github.com/gorilla/mux"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/globaltempo/tempo-backend/internal/cache"
	"github.com/globaltempo/tempo-backend/internal/client"
	"github.com/globaltempo/tempo-backend/internal/config"
	"github.com/globaltempo/tempo-backend/internal/gems"
	httphandler "github.com/globaltempo/tempo-backend/internal/http"
	"github.com/globaltempo/tempo-backend/internal/lifecycle"
	"github.com/globaltempo/tempo-backend/internal/models"
	"github.com/globaltempo/tempo-backend/internal/observability"
	"github.com/globaltempo/tempo-backend/internal/service"
)

func main() {
	// .env is optional; real deployments inject env vars directly.
	_ = godotenv.Load()

	logger, err := observability.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("config", zap.Error(err))
	}

	airClient, err := client.NewOpenWeatherClient(cfg.OpenWeatherAPIKey, cfg.OpenWeatherURL, client.Timeouts{
		Pollution: cfg.PollutionTimeout,
		Weather:   cfg.WeatherTimeout,
		Forecast:  cfg.ForecastTimeout,
		History:   cfg.HistoryTimeout,
	})
	if err != nil {
		logger.Fatal("openweather client", zap.Error(err))
	}
	stationClient := client.NewOpenAQClient(cfg.OpenAQAPIKey, cfg.OpenAQURL, cfg.OpenAQTimeout)
	imageryClient, err := client.NewGEMSClient(cfg.GEMSAPIKey, 10*time.Second, 25*time.Second)
	if err != nil {
		logger.Fatal("gems client", zap.Error(err))
	}

	var cacheSvc cache.Cache
	var memcacheCloser *cache.MemcachedCache
	var sweeper *cache.InMemoryCache
	switch cfg.CacheBackend {
	case "memcached":
		mc, err := cache.NewMemcachedCache(cfg.MemcachedAddrs, cfg.MemcachedTimeout, cfg.MemcachedMaxIdleConns)
		if err != nil {
			logger.Fatal("memcached cache", zap.Error(err))
		}
		memcacheCloser = mc
		cacheSvc = mc
		logger.Info("cache backend: memcached", zap.String("addrs", cfg.MemcachedAddrs))
	default:
		mem := cache.NewInMemoryCache()
		mem.StartSweeper(cfg.CacheSweep)
		sweeper = mem
		cacheSvc = mem
		logger.Info("cache backend: in_memory", zap.Duration("sweep_interval", cfg.CacheSweep))
	}

	aggregator := service.NewAggregator(airClient, stationClient, cfg.StationRadius, logger)
	svc := service.NewService(aggregator, cacheSvc, cfg.CacheTTL, cfg.CoalesceWait, logger)

	imagery := gems.New(imageryClient, gems.Config{
		ImageTTL:   cfg.GemsImageTTL,
		StampTTL:   cfg.GemsStampTTL,
		ListWindow: cfg.GemsListWindow,
	}, logger)

	observability.RegisterTrafficGauges(cfg.HealthWindow)

	exposeDebug := cfg.EnvName != "production"
	handler := httphandler.NewHandler(svc, imagery, logger, cfg.HealthWindow, exposeDebug)
	if memcacheCloser != nil {
		handler.SetCachePing(memcacheCloser.Ping)
	}
	limiter := rate.NewLimiter(rate.Limit(cfg.RateLimitRPS), cfg.RateLimitBurst)
	inflight := httphandler.NewInFlightTracker()

	router := mux.NewRouter()
	router.Use(httphandler.CORSMiddleware)
	router.Use(httphandler.CorrelationIDMiddleware(logger))
	router.Use(httphandler.MetricsMiddleware)
	router.Use(inflight.Middleware)
	router.Handle("/metrics", observability.MetricsHandler())
	router.HandleFunc("/api/health", handler.GetHealth).Methods("GET")
	router.HandleFunc("/api/cache-stats", handler.GetCacheStats).Methods("GET")

	apiRouter := router.PathPrefix("/api").Subrouter()
	apiRouter.Use(httphandler.RateLimitMiddleware(limiter, logger))
	apiRouter.Use(httphandler.TimeoutMiddleware(cfg.RequestTimeout))
	apiRouter.HandleFunc("/data", handler.GetData).Methods("GET")
	apiRouter.HandleFunc("/forecast", handler.GetForecast).Methods("GET")
	apiRouter.HandleFunc("/historical", handler.GetHistorical).Methods("GET")
	apiRouter.HandleFunc("/complete", handler.GetComplete).Methods("GET")
	apiRouter.HandleFunc("/gems/{layer}/image", handler.GetGemsImage).Methods("GET")
	apiRouter.HandleFunc("/gems/{layer}/bounds", handler.GetGemsBounds).Methods("GET")
	apiRouter.HandleFunc("/gems/{layer}/debug", handler.GetGemsDebug).Methods("GET")

	scheduler := gocron.NewScheduler(time.UTC)
	warm := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		for _, res := range imagery.WarmAll(ctx) {
			if res.Err != nil {
				logger.Warn("warm cycle layer failed", zap.String("layer", res.Layer), zap.Error(res.Err))
			}
		}
		for _, tc := range cfg.TrackedCoordinates {
			coord := models.Coordinate{Lat: tc.Lat, Lon: tc.Lon}
			if _, _, err := svc.Complete(ctx, coord, 0); err != nil {
				logger.Warn("warm tracked coordinate failed", zap.String("name", tc.Name), zap.Error(err))
			}
		}
	}
	if _, err := scheduler.Every(cfg.WarmInterval).Do(warm); err != nil {
		logger.Error("schedule warm cycle", zap.Error(err))
	}
	scheduler.StartAsync()
	if cfg.WarmOnStart {
		go warm()
	}

	srv := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: cfg.RequestTimeout + 5*time.Second,
	}

	go func() {
		logger.Info("server starting", zap.String("addr", ":"+cfg.ServerPort))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server", zap.Error(err))
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	<-ctx.Done()
	stop()

	logger.Info("graceful shutdown triggered")
	lifecycle.SetShuttingDown(true)
	scheduler.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}

	if !inflight.Wait(cfg.ShutdownTimeout) {
		logger.Warn("in-flight requests not completed", zap.Int("remaining", inflight.Count()))
	}

	if sweeper != nil {
		sweeper.StopSweeper()
	}
	if memcacheCloser != nil {
		if err := memcacheCloser.Close(); err != nil {
			logger.Error("memcached close", zap.Error(err))
		}
	}
	logger.Info("shutdown complete")
}
