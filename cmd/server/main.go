package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/deedflow/backend/internal/api"
	"github.com/deedflow/backend/internal/audit"
	"github.com/deedflow/backend/internal/cache"
	"github.com/deedflow/backend/internal/config"
	"github.com/deedflow/backend/internal/custody"
	"github.com/deedflow/backend/internal/domain"
	"github.com/deedflow/backend/internal/engine"
	"github.com/deedflow/backend/internal/events"
	"github.com/deedflow/backend/internal/metrics"
	"github.com/deedflow/backend/internal/notify"
	"github.com/deedflow/backend/internal/orchestrator"
	"github.com/deedflow/backend/internal/resilience"
	"github.com/deedflow/backend/internal/statemachine"
	"github.com/deedflow/backend/internal/store"
	"github.com/deedflow/backend/internal/websocket"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	log.Printf("starting escrow orchestrator (env=%s)", cfg.Server.Env)

	// Storage.
	var st store.Store
	if cfg.Database.URL != "" {
		pg, err := store.NewPostgresStore(cfg.Database.URL)
		if err != nil {
			log.Fatalf("postgres: %v", err)
		}
		defer pg.Close()
		if err := pg.Migrate(ctx); err != nil {
			log.Fatalf("migrate: %v", err)
		}
		st = pg
		log.Println("store: postgres")
	} else {
		st = store.NewMemoryStore()
		log.Println("store: in-memory (no DATABASE_URL)")
	}

	// Cache.
	var client cache.Client
	if cfg.Redis.Addr != "" {
		rc, err := cache.NewRedisClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			log.Fatalf("redis: %v", err)
		}
		client = rc
		log.Println("cache: redis")
	} else {
		client = cache.NewMemoryClient()
		log.Println("cache: in-memory (no REDIS_ADDR)")
	}
	views := cache.NewViews(client)

	// Custody.
	var adapter custody.Adapter
	if cfg.Custody.BaseURL != "" {
		adapter = custody.NewProviderAdapter(custody.ProviderConfig{
			BaseURL:       cfg.Custody.BaseURL,
			APIKey:        cfg.Custody.APIKey,
			WebhookSecret: cfg.Custody.WebhookSecret,
			Timeout:       time.Duration(cfg.Custody.TimeoutMs) * time.Millisecond,
		})
		log.Println("custody: provider")
	} else {
		adapter = custody.NewMemoryAdapter(cfg.Custody.WebhookSecret)
		log.Println("custody: in-memory (no CUSTODY_BASE_URL)")
	}

	// Events: in-process bus, optionally mirrored to Pub/Sub.
	var bus *events.EventBus
	var emitter events.Emitter
	if cfg.PubSub.ProjectID != "" && cfg.PubSub.Topic != "" {
		psBus, err := events.NewPubSubEventBus(cfg.PubSub.ProjectID, cfg.PubSub.Topic)
		if err != nil {
			log.Fatalf("pubsub: %v", err)
		}
		defer psBus.Close()
		bus = psBus.EventBus
		emitter = psBus
		log.Println("events: pubsub + local bus")
	} else {
		bus = events.NewEventBus()
		emitter = bus
	}

	var cipher *domain.MetadataCipher
	if cfg.Metadata.EncryptionKey != "" {
		cipher, err = domain.NewMetadataCipher(cfg.Metadata.EncryptionKey)
		if err != nil {
			log.Fatalf("metadata cipher: %v", err)
		}
	}

	m := metrics.NewMetrics(nil)

	breakers := resilience.NewRegistry()
	recorder := audit.NewRecorder()
	machine := statemachine.New()
	machine.OnStateChange(func(c statemachine.StateChange) {
		m.RecordTransition(string(c.From), string(c.To))
	})

	eng := engine.New(st, recorder, emitter, views)

	orch := orchestrator.New(orchestrator.Deps{
		Store:    st,
		Custody:  adapter,
		Recorder: recorder,
		Engine:   eng,
		Machine:  machine,
		Breakers: breakers,
		Emitter:  emitter,
		Views:    views,
		Metrics:  m,
		Cipher:   cipher,
	})

	// Background audit reconciliation against the external sink.
	if cfg.AuditSink.BaseURL != "" {
		sink := audit.NewHTTPSink(cfg.AuditSink.BaseURL, cfg.AuditSink.APIKey, 10*time.Second)
		reconciler := audit.NewReconciler(st, sink, breakers.AuditSink,
			time.Duration(cfg.AuditSink.IntervalSeconds)*time.Second).WithMetrics(m)
		go reconciler.Run(ctx)
		log.Println("audit: external sink reconciler running")
	} else {
		log.Println("audit: no external sink configured, events stay pending")
	}

	// Outbound notifications.
	registry := notify.NewRegistry()
	dispatcher := notify.NewDispatcher(registry, breakers.Notification, cfg.Notifications.Workers)
	dispatcher.ConsumeBus(ctx, bus)
	defer dispatcher.Shutdown()

	// Live event stream.
	streamer := websocket.NewStreamer()
	go streamer.Run(ctx)
	streamer.ConsumeBus(ctx, bus)

	server := api.NewServer(orch, adapter, registry, streamer, breakers)

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start(":" + cfg.Server.Port) }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Printf("received %s, shutting down", sig)
	case err := <-errCh:
		log.Printf("server error: %v", err)
	}

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown: %v", err)
	}
	log.Println("stopped")
}
