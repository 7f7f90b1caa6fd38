package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/docavailable/webrtc-signaling/config"
	"github.com/docavailable/webrtc-signaling/internal/backend"
	"github.com/docavailable/webrtc-signaling/internal/handlers"
	"github.com/docavailable/webrtc-signaling/internal/metrics"
	"github.com/docavailable/webrtc-signaling/internal/middleware"
	"github.com/docavailable/webrtc-signaling/internal/presence"
	"github.com/docavailable/webrtc-signaling/internal/registry"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	cfg := config.Load()
	if cfg.Environment != "production" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	pres, err := presence.Connect(ctx, cfg.Redis, log.Logger)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to Redis")
	}
	if pres != nil {
		defer pres.Close()
		log.Info().Msg("Redis presence mirror enabled")
	}

	reg := registry.New(registry.Options{
		GraceWindow:  cfg.GraceWindow,
		ICEBufferCap: cfg.ICEBufferCap,
		DedupWindow:  cfg.DedupWindow,
		Logger:       log.Logger,
	})
	api := backend.New(cfg.APIBaseURL, cfg.APIAuthToken, cfg.APITimeout, log.Logger)
	collector := metrics.NewCollector()
	srv := handlers.NewServer(cfg, reg, api, pres, collector, log.Logger)

	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.OriginFilter(cfg.AllowedOrigins))

	// Signaling endpoints; all three accept the full message set.
	router.GET("/audio-signaling", srv.Signaling("audio"))
	router.GET("/chat-signaling", srv.Signaling("chat"))
	router.GET("/call-signaling", srv.Signaling("call"))

	router.GET("/health", srv.Health)
	router.GET("/metrics", gin.WrapH(collector.Handler()))

	apiGroup := router.Group("/api")
	{
		apiGroup.POST("/upload/voice-message", srv.Upload)
		apiGroup.POST("/upload/image", srv.Upload)
		apiGroup.GET("/audio/*path", srv.ServeMedia)
		apiGroup.GET("/images/*path", srv.ServeMedia)
	}

	httpSrv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	go func() {
		log.Info().Str("port", cfg.Port).Str("api", cfg.APIBaseURL).
			Msg("signaling server started")
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")
	reg.CloseAll()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("forced shutdown")
	}
	log.Info().Msg("server exited")
}
