package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"github.com/mmuslimabdulj/board-presence/internal/auth"
	"github.com/mmuslimabdulj/board-presence/internal/config"
	httpHandler "github.com/mmuslimabdulj/board-presence/internal/delivery/http"
	"github.com/mmuslimabdulj/board-presence/internal/delivery/ws"
	"github.com/mmuslimabdulj/board-presence/internal/logger"
	"github.com/mmuslimabdulj/board-presence/internal/metrics"
	"github.com/mmuslimabdulj/board-presence/internal/middleware"
	"github.com/mmuslimabdulj/board-presence/internal/presence"
)

func main() {
	// Load .env file (ignore error if not exists, e.g. in production)
	_ = godotenv.Load()

	cfg := config.LoadFromEnv()
	log := logger.SetupDefault(nil, cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	recorder := metrics.NewCollector(reg)

	// Registry: in-process by default, shared through Redis when configured
	var registry presence.Registry = presence.NewMemoryRegistry()
	var (
		relay       *ws.RedisRelay
		redisShared *presence.RedisRegistry
	)
	if cfg.RedisEnabled() {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		defer client.Close()

		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := client.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			log.Error("redis unreachable", "addr", cfg.RedisAddr, "error", err)
			os.Exit(1)
		}

		instance := cfg.InstanceID
		if instance == "" {
			instance = uuid.NewString()
		}
		redisShared = presence.NewRedisRegistry(client, cfg.RedisPrefix)
		redisShared.SetTTL(cfg.RedisTTL)
		registry = redisShared
		relay = ws.NewRedisRelay(client, cfg.RedisChannel, instance)
		relay.SetLogger(log)
		log.Info("redis presence enabled", "addr", cfg.RedisAddr, "instance", instance, "channel", cfg.RedisChannel, "ttl", cfg.RedisTTL)
	}

	settings := ws.DefaultSettings()
	settings.PongWait = cfg.PongWait
	settings.MaxMessageSize = cfg.MaxMessageSize
	settings.SendBuffer = cfg.SendBuffer
	settings.CursorRate = cfg.CursorRateLimit
	settings.CursorBurst = cfg.CursorBurst
	settings.AllowGuests = cfg.AllowGuests
	settings.RequireGuestPrefix = cfg.AuthEnabled()

	gateway := ws.NewGateway(registry, settings)
	gateway.SetLogger(log)
	gateway.SetMetrics(recorder)
	go gateway.RunResync(ctx, cfg.ResyncInterval)

	if redisShared != nil {
		go gateway.RunHeartbeat(ctx, cfg.RedisTTL/3)
	}

	// The relay outlives ctx so leaves from the shutdown still go out
	relayCtx, stopRelay := context.WithCancel(context.Background())
	defer stopRelay()
	relayDone := make(chan struct{})
	if relay != nil {
		gateway.SetRelay(relay)
		go func() {
			defer close(relayDone)
			if err := relay.Run(relayCtx, gateway.Router()); err != nil && !errors.Is(err, context.Canceled) {
				log.Error("relay stopped", "error", err)
			}
		}()
	} else {
		close(relayDone)
	}

	wsLimiter := middleware.NewIPRateLimiter(cfg.RateLimitWS, cfg.RateLimitBurst)
	go wsLimiter.RunCleanup(ctx, time.Minute, 10*time.Minute)

	verifier := auth.NewVerifier(cfg.JWTSecret)
	if !verifier.Enabled() {
		log.Warn("AUTH_JWT_SECRET not set, accepting unverified identities")
	}

	handler := httpHandler.NewHandler(gateway, registry, verifier, cfg.AllowGuests, cfg.AllowedOrigins, log)
	router := httpHandler.NewRouter(handler, wsLimiter, metrics.Handler(reg), log)

	// Create server with timeouts
	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info("presence gateway running", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	log.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Stop accepting upgrades first; hijacked sockets are not waited on
	serverErr := server.Shutdown(shutdownCtx)

	// Every open session removes its entries before Redis goes away
	if err := gateway.Shutdown(shutdownCtx); err != nil {
		log.Error("sessions still open at shutdown", "error", err)
	}
	stopRelay()
	<-relayDone

	if serverErr != nil {
		log.Error("server forced to shutdown", "error", serverErr)
		os.Exit(1)
	}

	log.Info("server exited gracefully")
}
