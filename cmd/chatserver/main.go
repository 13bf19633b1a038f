package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/jaydenbeard/peerlink/internal/auth"
	"github.com/jaydenbeard/peerlink/internal/config"
	"github.com/jaydenbeard/peerlink/internal/db"
	"github.com/jaydenbeard/peerlink/internal/handlers"
	"github.com/jaydenbeard/peerlink/internal/metrics"
	"github.com/jaydenbeard/peerlink/internal/middleware"
	"github.com/jaydenbeard/peerlink/internal/pubsub"
	"github.com/jaydenbeard/peerlink/internal/registry"
	"github.com/jaydenbeard/peerlink/internal/security"
	"github.com/jaydenbeard/peerlink/internal/wsrelay"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
)

// main wires up the blind relay server: it authenticates a peer's
// bootstrap connection, upgrades it to a WebSocket, and fans envelopes
// between peers without ever looking at what's inside one past the
// Type/From/To fields. The actual handshake and chat semantics live in
// each peer's own chatsession.Session, driven by cmd/chatclient.
func main() {
	cfg := config.Load()

	if err := config.ValidateJWTSecret(cfg.JWTSecret); err != nil {
		log.Fatalf("FATAL: JWT secret validation failed: %v", err)
	}

	log.Printf("starting relay server: %s", cfg.ServerID)

	database, err := db.Open(cfg.PostgresURL)
	if err != nil {
		log.Fatalf("failed to connect to database: %v", err)
	}
	defer func() {
		if err := database.Close(); err != nil {
			log.Printf("warning: failed to close database: %v", err)
		}
	}()

	redisClient, err := pubsub.NewRedisClient(cfg.RedisURL)
	if err != nil {
		log.Fatalf("failed to connect to redis: %v", err)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			log.Printf("warning: failed to close redis: %v", err)
		}
	}()

	serviceRegistry, err := registry.NewConsulRegistry(cfg.ConsulURL, cfg.ServerID, cfg.ServerPort)
	if err != nil {
		log.Fatalf("failed to connect to consul: %v", err)
	}
	if err := serviceRegistry.Register(); err != nil {
		log.Fatalf("failed to register service: %v", err)
	}

	auditLogger := security.NewAuditLogger(database)
	defer auditLogger.Shutdown(5 * time.Second)

	authService, err := auth.NewAuthService(database, config.GetCurrentSecret())
	if err != nil {
		log.Fatalf("failed to initialize auth service: %v", err)
	}

	hub := wsrelay.NewHub(cfg.ServerID, redisClient, auditLogger)
	go hub.Run()

	keyRotationScheduler := security.NewKeyRotationScheduler(cfg.ServerID, auditLogger, hub.ConnectionCount)
	keyRotationScheduler.SetRotationInterval(24 * time.Hour)
	keyRotationScheduler.Start()

	router := mux.NewRouter()
	router.Use(security.RequestIDMiddleware)
	router.Use(metrics.MetricsMiddleware)

	router.HandleFunc("/health", handlers.HealthCheck).Methods("GET")
	router.Handle("/metrics", promhttp.Handler()).Methods("GET")
	router.HandleFunc("/csp-report", handlers.CSPReportHandler()).Methods("POST")

	enhancedRateLimiter := middleware.NewEnhancedRateLimiter(&middleware.RateLimitConfig{
		IPLimits:       make(map[string]*middleware.TieredLimitConfig),
		PeerLimits:     make(map[string]*middleware.TieredLimitConfig),
		EndpointLimits: make(map[string]*middleware.TieredLimitConfig),
		GlobalLimits: &middleware.TieredLimitConfig{
			Normal: &middleware.LimitConfig{
				MaxRequests: 1000,
				Window:      1 * time.Minute,
			},
			Strict: &middleware.LimitConfig{
				MaxRequests: 500,
				Window:      1 * time.Minute,
			},
		},
		AbuseDetection: &middleware.AbuseDetectionConfig{
			Threshold:          100,
			Window:             5 * time.Minute,
			PenaltyDuration:    15 * time.Minute,
			StrictModeDuration: 30 * time.Minute,
		},
	}, redisClient.GetClient())
	enhancedRateLimiter.SetEndpointStrictMode("POST /api/v1/auth/connect", true)

	api := router.PathPrefix("/api/v1").Subrouter()
	api.Use(security.MaxBodySizeMiddleware(4096))
	api.Handle("/auth/connect", enhancedRateLimiter.Middleware(handlers.Connect(authService, auditLogger))).Methods("POST")

	router.HandleFunc("/ws", handlers.WebSocketHandler(hub, authService)).Methods("GET", "OPTIONS")

	corsHandler := cors.New(cors.Options{
		AllowedOrigins: []string{
			"http://localhost:3000",
			"http://localhost:5173",
		},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Authorization", "Content-Type", "Sec-WebSocket-Protocol"},
		AllowCredentials: true,
	})

	handler := security.SecurityHeadersMiddleware(corsHandler.Handler(router))

	server := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           handler,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Printf("relay server listening on port %s", cfg.ServerPort)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	log.Printf("received signal %v, starting graceful shutdown", sig)

	log.Println("deregistering from service discovery")
	if err := serviceRegistry.Deregister(); err != nil {
		log.Printf("warning: failed to deregister: %v", err)
	}

	log.Println("waiting for load balancer to notice")
	time.Sleep(5 * time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	serverShutdownDone := make(chan struct{})
	go func() {
		if err := server.Shutdown(ctx); err != nil {
			log.Printf("warning: HTTP server shutdown error: %v", err)
		}
		close(serverShutdownDone)
	}()

	log.Println("closing relay connections")
	hub.Shutdown()

	keyRotationScheduler.Stop()

	<-serverShutdownDone
	log.Println("server stopped gracefully")
}
