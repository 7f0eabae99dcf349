package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/piatok/piatok/internal/adapter/driven/gateway/ws"
	"github.com/piatok/piatok/internal/adapter/driven/push"
	"github.com/piatok/piatok/internal/adapter/driven/store/memory"
	redisstore "github.com/piatok/piatok/internal/adapter/driven/store/redis"
	handler "github.com/piatok/piatok/internal/adapter/driving/http"
	"github.com/piatok/piatok/internal/config"
	"github.com/piatok/piatok/internal/core/port"
	"github.com/piatok/piatok/internal/core/service"
)

func main() {
	_ = godotenv.Load(".env")
	cfg := config.MustLoad()

	w := zerolog.ConsoleWriter{Out: os.Stdout}
	log.Logger = zerolog.New(w).With().Timestamp().Caller().Logger()

	hub := ws.NewHub()

	var (
		pendingStore port.PendingCallStore
		balanceStore port.BalanceStore
		closeStore   func() error
	)
	if cfg.Redis.Addr != "" {
		store, err := redisstore.Dial(context.Background(), cfg.Redis.Addr, cfg.Calls.PendingTTL)
		if err != nil {
			log.Fatal().Err(err).Str("addr", cfg.Redis.Addr).Msg("Failed to connect redis")
		}
		pendingStore, balanceStore = store, store
		closeStore = store.Close
	} else {
		log.Warn().Msg("REDIS_ADDR not set, using in-memory store")
		store := memory.NewStore(cfg.Calls.PendingTTL)
		pendingStore, balanceStore = store, store
		closeStore = func() error { return nil }
	}

	var notifier port.OfflineNotifier = push.NoopNotifier{}
	if cfg.Push.WebhookURL != "" {
		notifier = push.NewWebhookNotifier(cfg.Push.WebhookURL)
	}

	balanceService := service.NewBalanceService(balanceStore, hub)
	callService := service.NewCallService(hub, pendingStore, balanceService, notifier)
	h := handler.NewHandler(callService, balanceService, hub)

	go hub.Run()

	srv := &http.Server{
		Addr:    cfg.HTTP.Address,
		Handler: h.NewRouter(),
	}

	go func() {
		log.Info().Str("addr", cfg.HTTP.Address).Str("env", cfg.Env).Msg("Starting server")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	<-quit
	log.Info().Msg("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	callService.Stop()
	hub.Stop()
	if err := closeStore(); err != nil {
		log.Error().Err(err).Msg("Store close failed")
	}
	log.Info().Msg("Server exited")
}
