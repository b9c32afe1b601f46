package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"

	"github.com/clawork/clawork/internal/auth"
	"github.com/clawork/clawork/internal/config"
	"github.com/clawork/clawork/internal/escrow"
	"github.com/clawork/clawork/internal/events"
	"github.com/clawork/clawork/internal/httpserver"
	"github.com/clawork/clawork/internal/lifecycle"
	"github.com/clawork/clawork/internal/recon"
	"github.com/clawork/clawork/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config load: %v", err)
	}

	var st store.Store
	if cfg.UseMemoryStore {
		log.Printf("[startup] using in-memory store")
		st = store.NewMemoryStore()
	} else {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("db open: %v", err)
		}
		defer db.Close()
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(30 * time.Minute)
		if err := db.Ping(); err != nil {
			log.Fatalf("db ping: %v", err)
		}
		st = store.NewPGStore(db)
	}

	var gateway escrow.Gateway = escrow.NewMemoryGateway()
	if cfg.ClearnodeURL != "" {
		yellow, err := escrow.NewYellowGateway(escrow.YellowGatewayConfig{
			BaseURL: cfg.ClearnodeURL,
			Timeout: 5 * time.Second,
			Retries: 2,
		})
		if err != nil {
			log.Fatalf("clearnode client init: %v", err)
		}
		gateway = yellow
	}
	log.Printf("[startup] escrow gateway mode: %s", gateway.Mode())

	var publisher events.Publisher = events.NopPublisher{}
	if len(cfg.KafkaBrokers) > 0 {
		kafkaPublisher, err := events.NewKafkaPublisher(events.KafkaPublisherConfig{
			Brokers: cfg.KafkaBrokers,
			Topic:   cfg.KafkaTopic,
		})
		if err != nil {
			log.Fatalf("kafka publisher init: %v", err)
		}
		defer kafkaPublisher.Close()
		publisher = kafkaPublisher
	}

	var archiver recon.Archiver = recon.NopArchiver{}
	if cfg.ReconBucket != "" {
		s3Archiver, err := recon.NewS3Archiver(context.Background(), cfg.ReconBucket, cfg.ReconPrefix)
		if err != nil {
			log.Fatalf("reconciliation archiver init: %v", err)
		}
		archiver = s3Archiver
	}

	engine := lifecycle.New(st, gateway, publisher, archiver, lifecycle.Options{
		SubmitWindow:        cfg.SubmitWindow,
		ReviewWindow:        cfg.ReviewWindow,
		OpenChannelOnCreate: cfg.OpenChannelOnCreate,
	})
	server := httpserver.New(engine, st, auth.NewVerifier(cfg.CronSecret))

	httpServer := &http.Server{
		Addr:    cfg.Addr,
		Handler: server.Router(),
	}

	go func() {
		log.Printf("Clawork service listening on %s", cfg.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server error: %v", err)
		}
	}()

	waitForShutdown(httpServer)
}

func waitForShutdown(srv *http.Server) {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
	}
}
