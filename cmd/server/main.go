package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/joho/godotenv"
	_ "github.com/lib/pq" // Postgres driver
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/wopr/platform/internal/admin"
	"github.com/wopr/platform/internal/arbitrage"
	"github.com/wopr/platform/internal/billing"
	"github.com/wopr/platform/internal/budget"
	"github.com/wopr/platform/internal/catalog"
	"github.com/wopr/platform/internal/channels"
	"github.com/wopr/platform/internal/config"
	"github.com/wopr/platform/internal/fleet"
	"github.com/wopr/platform/internal/gateway"
	"github.com/wopr/platform/internal/ledger"
	"github.com/wopr/platform/internal/meter"
	"github.com/wopr/platform/internal/middleware"
	"github.com/wopr/platform/internal/oauthstate"
	"github.com/wopr/platform/internal/plugins"
	"github.com/wopr/platform/internal/providers"
	"github.com/wopr/platform/internal/recurring"
	"github.com/wopr/platform/internal/setup"
	"github.com/wopr/platform/internal/snapshot"
)

func main() {
	// Local development reads .env; production sets real env vars.
	_ = godotenv.Load()

	configPath := envOr("WOPR_CONFIG", "wopr.yaml")
	tenantsPath := envOr("WOPR_TENANTS_CONFIG", "tenants.yaml")
	cfgManager, err := config.NewManager(configPath, tenantsPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	cfg := cfgManager.Global()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Persistence: Postgres when configured, in-memory otherwise.
	var (
		ledgerStore ledger.Store
		eventStore  meter.EventStore
		setupStore  setup.Store
	)
	if cfg.Database.URL != "" {
		db, err := sql.Open("postgres", cfg.Database.URL)
		if err != nil {
			log.Fatalf("Failed to open Postgres: %v", err)
		}
		defer db.Close()

		pgLedger := ledger.NewPostgresStore(db)
		pgEvents := meter.NewPostgresEventStore(db)
		pgSetup := setup.NewPostgresStore(db)
		for name, ensure := range map[string]func(context.Context) error{
			"ledger": pgLedger.EnsureSchema,
			"meter":  pgEvents.EnsureSchema,
			"setup":  pgSetup.EnsureSchema,
		} {
			if err := ensure(ctx); err != nil {
				log.Fatalf("Failed to ensure %s schema: %v", name, err)
			}
		}
		ledgerStore, eventStore, setupStore = pgLedger, pgEvents, pgSetup
		log.Println("✅ Postgres connected")
	} else {
		ledgerStore = ledger.NewMemoryStore()
		eventStore = meter.NewMemoryEventStore()
		setupStore = setup.NewMemoryStore()
		log.Println("⚠️  DATABASE_URL not set, running on in-memory stores")
	}

	// Redis backs webhook penalties, seen-events and OAuth state when
	// available.
	var redisClient *redis.Client
	if cfg.Redis.Addr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			log.Fatalf("Failed to reach Redis at %s: %v", cfg.Redis.Addr, err)
		}
		defer redisClient.Close()
		log.Println("✅ Redis connected")
	}

	// Metering and billing core.
	creditLedger := ledger.New(ledgerStore)
	pipeline := meter.NewPipeline(eventStore, 4)
	defer pipeline.Shutdown()
	reporter := meter.NewReporter(eventStore)
	checker := budget.NewChecker(creditLedger, reporter)

	aggregator := meter.NewAggregator(eventStore)
	go aggregator.RunPeriodically(ctx, time.Minute)

	// Provider catalog and arbitrage.
	cat := catalog.Default()
	twilio := providers.NewTwilio()
	streamer := providers.NewOpenRouter()
	registry := providers.NewRegistry(
		streamer,
		providers.NewDeepgram(),
		providers.NewElevenLabs(),
		providers.NewReplicate(),
		twilio,
	)
	router := arbitrage.NewRouter(cat, registry)

	recurringTracker := recurring.NewTracker(creditLedger, pipeline)
	go recurringTracker.Run(ctx, time.Hour)

	auth := gateway.NewAuthenticatorFromEnv()

	r := mux.NewRouter()
	r.HandleFunc("/health", handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	// Metering gateway.
	gw := gateway.New(gateway.Deps{
		Auth:           auth,
		Ledger:         creditLedger,
		Checker:        checker,
		Meter:          pipeline,
		Router:         router,
		Catalog:        cat,
		Twilio:         twilio,
		Streamer:       streamer,
		Recurring:      recurringTracker,
		Limits:         cfgManager.LimitsFor,
		WebhookBaseURL: cfg.Gateway.WebhookBaseURL,
	})
	gw.RegisterRoutes(r)

	// Billing: webhook ingestion, checkout, usage reporting, affiliates.
	var penalties billing.PenaltyStore = billing.NewMemoryPenaltyStore()
	var seen billing.SeenStore = billing.NewMemorySeenStore()
	if redisClient != nil {
		penalties = billing.NewRedisPenaltyStore(redisClient)
		seen = billing.NewRedisSeenStore(redisClient)
	}
	customers := billing.NewCustomerDirectory()
	ingestor := billing.NewIngestor(
		billing.StripeVerifier{Secret: os.Getenv("STRIPE_WEBHOOK_SECRET")},
		penalties, seen, creditLedger, customers)
	payments := billing.NewPayments(customers, cfg.Server.PublicBaseURL)
	billing.RegisterRoutes(r, auth, ingestor, payments,
		billing.NewUsageAPI(reporter), billing.NewAffiliateManager())

	// Channel OAuth and credential validation.
	var states oauthstate.Store
	if redisClient != nil {
		states = oauthstate.NewRedisStore(redisClient)
	} else {
		memStates := oauthstate.NewMemoryStore()
		go oauthstate.RunSweeper(ctx, memStates, time.Minute)
		states = memStates
	}
	channels.NewOAuthFlow(states, cfg.Server.PublicBaseURL).RegisterRoutes(r, auth)
	channels.NewValidator().RegisterRoutes(r, auth)

	// Fleet: profiles, node bus, plugin composition.
	profileStore, err := fleet.NewProfileStore(envOr("FLEET_DATA_DIR", "data"))
	if err != nil {
		log.Fatalf("Failed to open profile store: %v", err)
	}
	bus := fleet.NewNodeBus()
	r.HandleFunc("/fleet/nodes/ws", bus.HandleConnect)
	fleetManager := fleet.NewManager(profileStore, fleet.NewInstanceRegistry(), bus)
	composer := plugins.NewComposer(plugins.EnvVault{})
	fleet.NewAPI(fleetManager, composer).RegisterRoutes(r, auth)

	// Snapshots need an object store; without one the surface answers 503.
	if os.Getenv("SNAPSHOT_S3_ENDPOINT") != "" {
		blobs, err := snapshot.NewMinioStoreFromEnv(ctx)
		if err != nil {
			log.Fatalf("Failed to connect snapshot store: %v", err)
		}
		snapshots := snapshot.NewManager(blobs, cfgManager.TierFor)
		go snapshots.RunSweeper(ctx, time.Duration(cfg.Snapshot.SweepIntervalMinutes)*time.Minute)
		snapshot.NewAPI(snapshots, func(botID string) (string, error) {
			profile, err := fleetManager.Get(botID)
			if err != nil {
				return "", err
			}
			return profile.TenantID, nil
		}).RegisterRoutes(r, auth)
		log.Println("✅ Snapshot store connected")
	} else {
		r.PathPrefix("/fleet/bots/{botId}/snapshots").HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			json.NewEncoder(w).Encode(map[string]string{"error": "snapshot store not configured"})
		})
		log.Println("⚠️  SNAPSHOT_S3_ENDPOINT not set, snapshot API disabled")
	}

	// Setup sessions and admin roles.
	setup.NewAPI(setup.NewManager(setupStore)).RegisterRoutes(r, auth)
	admin.NewAPI(admin.NewRoleStore()).RegisterRoutes(r, auth)

	limiter := middleware.NewRateLimiter(middleware.RateLimitConfig{})
	r.Use(middleware.RequestLog, middleware.CORS, limiter.Middleware)

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      r,
		ReadTimeout:  120 * time.Second,
		WriteTimeout: 300 * time.Second, // streaming completions hold the response open
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		log.Println("Received shutdown signal, shutting down gracefully...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("Server shutdown error: %v", err)
		}
	}()

	log.Printf("🚀 WOPR control plane starting on port %s", cfg.Server.Port)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("Server failed: %v", err)
	}
	log.Println("Server stopped")
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"status":  "healthy",
		"service": "wopr-control-plane",
	})
}
