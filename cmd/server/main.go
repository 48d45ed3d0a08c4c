package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"credential-portal/backend/internal/config"
	"credential-portal/backend/internal/db"
	healthhandler "credential-portal/backend/internal/health/handler"
	"credential-portal/backend/internal/platform"
	policyengine "credential-portal/backend/internal/policy/engine"
	"credential-portal/backend/internal/realtime"
	"credential-portal/backend/internal/server"
	sessionhandler "credential-portal/backend/internal/session/handler"
	sessionrepo "credential-portal/backend/internal/session/repository"
	sessionservice "credential-portal/backend/internal/session/service"
	"credential-portal/backend/internal/telemetry"
	telemetryotel "credential-portal/backend/internal/telemetry/otel"
	"credential-portal/backend/internal/telemetry/producer"
	webhookhandler "credential-portal/backend/internal/webhook/handler"
	webhookrepo "credential-portal/backend/internal/webhook/repository"
	webhookservice "credential-portal/backend/internal/webhook/service"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if cfg.DatabaseURL == "" {
		log.Fatal("DATABASE_URL is required")
	}
	if cfg.PlatformBaseURL == "" || cfg.PlatformClientID == "" || cfg.PlatformClientSecret == "" {
		log.Fatal("PLATFORM_BASE_URL, PLATFORM_CLIENT_ID, and PLATFORM_CLIENT_SECRET are required")
	}

	ctx := context.Background()

	providers, err := telemetryotel.NewProviders(ctx, cfg.OTLPEndpoint, "credportal-server", cfg.OTLPInsecure)
	if err != nil {
		log.Fatalf("telemetry: %v", err)
	}
	providers.SetGlobal()

	database, err := db.Open(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db: %v", err)
	}
	defer database.Close()

	tokens := platform.NewTokenCache(cfg.TokenURL(), cfg.PlatformClientID, cfg.PlatformClientSecret)
	gateway := platform.NewClient(cfg.PlatformBaseURL, cfg.PlatformOrgID, tokens)

	sessions := sessionrepo.NewPostgresSessionRepository(database)
	proofs := sessionrepo.NewPostgresProofRepository(database)
	events := webhookrepo.NewPostgresRepository(database)

	hub := realtime.NewHub()
	policy := policyengine.NewOPAEvaluator()

	kafkaProducer, err := producer.NewKafkaProducer(cfg.AuditKafkaBrokersList(), cfg.AuditKafkaTopic)
	if err != nil {
		log.Fatalf("kafka: %v", err)
	}
	var kafkaEmitter telemetry.Emitter
	if kafkaProducer != nil {
		defer kafkaProducer.Close()
		kafkaEmitter = kafkaProducer
	}
	audit := telemetry.Fanout(kafkaEmitter, telemetryotel.NewEmitter(providers.LoggerProvider))

	sessionSvc := sessionservice.NewSessionService(sessions, proofs, gateway, hub, cfg.SessionTTL(), cfg.ProofTTL())
	reconciler := webhookservice.NewReconciler(events, sessions, proofs, gateway, hub, policy, audit)

	// TTL sweep runs here, next to the hub, so expiry notices reach the
	// sessions' WebSocket subscribers. The sweep is idempotent across replicas.
	sweepCtx, sweepCancel := context.WithCancel(ctx)
	defer sweepCancel()
	go runSweep(sweepCtx, sessionSvc, cfg.SweepInterval())

	router := server.NewRouter(server.Deps{
		Sessions: sessionhandler.New(sessionSvc),
		Webhooks: webhookhandler.New(reconciler, cfg.WebhookSharedSecret),
		Realtime: realtime.NewHandler(hub),
		Health:   healthhandler.New(database, policy),
	})

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // WebSocket connections write for their lifetime
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("HTTP server listening on %s", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("serve: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	log.Println("shutting down HTTP server...")
	sweepCancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown: %v", err)
	}

	// Let in-flight async audit emits drain before tearing down exporters.
	time.Sleep(telemetry.ShutdownDrainDuration)
	if err := providers.Shutdown(shutdownCtx); err != nil {
		log.Printf("telemetry shutdown: %v", err)
	}
	log.Println("HTTP server stopped")
}

func runSweep(ctx context.Context, sweeper *sessionservice.SessionService, interval time.Duration) {
	log.Printf("sweeping expired records every %s", interval)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sweepCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
			if err := sweeper.Sweep(sweepCtx, time.Now().UTC()); err != nil {
				log.Printf("sweep: %v", err)
			}
			cancel()
		}
	}
}
