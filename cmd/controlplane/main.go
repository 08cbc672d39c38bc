// Command controlplane is the fleet control plane's primary binary: it
// wires every subsystem spec.md §1-9 names into one *mux.Router and serves
// it, with the teacher's graceful-shutdown-on-SIGTERM shape (cmd/api/main.go)
// and its Redis-optional, Supabase-optional fallback pattern.
package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/opencontainers/go-digest"

	"github.com/wopr/fleetctl/internal/api"
	"github.com/wopr/fleetctl/internal/audit"
	"github.com/wopr/fleetctl/internal/billing"
	"github.com/wopr/fleetctl/internal/cache"
	"github.com/wopr/fleetctl/internal/config"
	"github.com/wopr/fleetctl/internal/credit"
	"github.com/wopr/fleetctl/internal/deletion"
	"github.com/wopr/fleetctl/internal/gateway"
	"github.com/wopr/fleetctl/internal/imagepoller"
	"github.com/wopr/fleetctl/internal/ledger"
	"github.com/wopr/fleetctl/internal/meter"
	"github.com/wopr/fleetctl/internal/migration"
	"github.com/wopr/fleetctl/internal/node"
	"github.com/wopr/fleetctl/internal/nodebus"
	"github.com/wopr/fleetctl/internal/objectstore"
	"github.com/wopr/fleetctl/internal/recovery"
	"github.com/wopr/fleetctl/internal/snapshot"
	"github.com/wopr/fleetctl/internal/store"
)

func main() {
	configPath := flag.String("config", "", "optional YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	ctx := context.Background()

	db, err := store.Open(ctx, cfg.Database.DSN)
	if err != nil {
		log.Fatalf("store: %v", err)
	}
	defer db.Close()

	// Redis is an accelerator, not a dependency — absent or unreachable,
	// every cache-backed collaborator below falls back to pass-through
	// behavior, same as the teacher's cmd/api/main.go.
	var cacheClient *cache.Client
	if config.Enabled(cfg.Redis.Addr) {
		c, err := cache.New(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			slog.Warn("redis unavailable, continuing without cache", "addr", cfg.Redis.Addr, "error", err)
		} else {
			cacheClient = c
			slog.Info("cache wired", "addr", cfg.Redis.Addr)
		}
	} else {
		slog.Info("REDIS_ADDR not set, running without a cache accelerator")
	}

	// Object storage mirrors snapshot/backup archives to Supabase Storage
	// when configured; nil Uploader just means snapshots stay disk-only.
	var uploader snapshot.Uploader
	if config.Enabled(cfg.ObjectStore.ProjectURL) && config.Enabled(cfg.ObjectStore.ServiceKey) {
		objStore := objectstore.New(cfg.ObjectStore.ProjectURL, cfg.ObjectStore.ServiceKey, cfg.ObjectStore.Bucket)
		uploader = func(key string, data []byte) error { return objStore.Put(key, data, "application/gzip") }
		slog.Info("object store wired", "bucket", cfg.ObjectStore.Bucket)
	} else {
		slog.Info("SUPABASE_URL/SUPABASE_SERVICE_KEY not set, snapshots stay local-disk-only")
	}

	// ---- repositories --------------------------------------------------
	nodeRepo := &store.NodeRepo{DB: db}
	auditRepo := &store.AuditRepo{DB: db}
	botRepo := &store.BotInstanceRepo{DB: db}
	recoveryRepo := &store.RecoveryRepo{DB: db}
	snapshotRepo := &store.SnapshotRepo{DB: db}
	deletionRepo := &store.DeletionRepo{DB: db}
	ledgerRepo := &store.LedgerRepo{DB: db}
	meterRepo := &store.MeterRepo{DB: db}
	botBillingRepo := &store.BotBillingRepo{DB: db}
	serviceKeyRepo := &store.ServiceKeyRepo{DB: db}
	spendingRepo := &store.SpendingRepo{DB: db}
	rateLimitRepo := &store.RateLimitRepo{DB: db}

	auditLog := audit.New(auditRepo)

	// ---- node registry + command bus -----------------------------------
	nodeMgr := node.NewManager(node.Config{
		StaticSecret:     cfg.Node.StaticSecret,
		HeartbeatGraceMS: cfg.Node.HeartbeatGraceMS,
	}, db, nodeRepo, auditRepo)

	bus := nodebus.NewHub(slog.Default(), func(nodeID string, hb nodebus.HeartbeatPayload) {
		if err := nodeMgr.Heartbeat(context.Background(), nodeID, hb.UsedMB, hb.AgentVersion, hb.TS); err != nil {
			slog.Warn("heartbeat via command bus failed", "node", nodeID, "error", err)
		}
	}, nil)

	// ---- migration + recovery (migration.Orchestrator implements
	// recovery.Relocator, so recovery re-placement and planned migration
	// share one command sequence) ----------------------------------------
	migrator := migration.NewOrchestrator(bus, botRepo, nodeRepo, auditRepo, func(ctx context.Context, result migration.DrainResult) {
		slog.Info("drain completed", "node", result.NodeID, "migrated", len(result.Migrated), "failed", len(result.Failed))
	})
	recoveryMgr := recovery.NewManager(db, recoveryRepo, botRepo, nodeRepo, auditRepo, migrator, func(ctx context.Context, event *store.RecoveryEvent) {
		slog.Warn("recovery event needs attention", "event", event.ID, "node", event.NodeID)
	})

	// ---- snapshots -------------------------------------------------------
	snapshotDir := cfg.Snapshot.Dir
	if snapshotDir == "" {
		snapshotDir = "./data/snapshots"
	}
	if err := os.MkdirAll(snapshotDir, 0o755); err != nil {
		log.Fatalf("snapshot: creating %s: %v", snapshotDir, err)
	}
	snapshotMgr := snapshot.NewManager(snapshotDir, snapshotRepo, uploader)

	// ---- ledger + billing ------------------------------------------------
	creditLedger := ledger.New(db, ledgerRepo, cacheClient)
	perBotDaily, err := credit.FromCents(cfg.Billing.PerBotDailyCents)
	if err != nil {
		log.Fatalf("config: PER_BOT_DAILY_CENTS invalid: %v", err)
	}
	botBilling := billing.New(botBillingRepo, botRepo, auditLog, perBotDaily, nil)

	// ---- meter pipeline ---------------------------------------------------
	dataDir := filepath.Dir(snapshotDir)
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		log.Fatalf("meter: creating %s: %v", dataDir, err)
	}
	meterEmitter, err := meter.NewEmitter(meter.Config{
		WALPath: filepath.Join(dataDir, "meter.wal"),
		DLQPath: filepath.Join(dataDir, "meter.dlq"),
	}, db, meterRepo)
	if err != nil {
		log.Fatalf("meter: %v", err)
	}
	defer meterEmitter.Close()

	// ---- gateway: service keys, spending, rate limiting, breakers,
	// provider routing ------------------------------------------------------
	providerRegistry := gateway.NewProviderRegistry(cacheClient)
	gw := gateway.New(gateway.Deps{
		Cfg: gateway.Config{
			DefaultRateLimitPerMin: cfg.Gateway.DefaultRateLimitPerMin,
			BodyLimitLLMBytes:      cfg.Gateway.BodyLimitLLMBytes,
			BodyLimitMediaBytes:    cfg.Gateway.BodyLimitMediaBytes,
			BodyLimitAudioBytes:    cfg.Gateway.BodyLimitAudioBytes,
			BodyLimitWebhookBytes:  cfg.Gateway.BodyLimitWebhookBytes,
			DefaultMargin:          cfg.Gateway.DefaultMargin,
			WebhookBaseURL:         cfg.Gateway.WebhookBaseURL,
			TwilioAuthToken:        cfg.Gateway.TwilioAuthToken,
		},
		DB:           db,
		ServiceKeys:  serviceKeyRepo,
		SpendingRepo: spendingRepo,
		MeterRepo:    meterRepo,
		RateLimits:   rateLimitRepo,
		Cache:        cacheClient,
		Ledger:       creditLedger,
		Meter:        meterEmitter,
		Registry:     providerRegistry,
	})
	keyIssuer := gateway.NewKeyIssuer(serviceKeyRepo)

	// ---- image poller (spec.md §4.9) --------------------------------------
	resolver := imagepoller.NewRegistryResolver(&http.Client{Timeout: 10 * time.Second})
	inspector := imagepoller.NewBusInspector(bus)
	poller := imagepoller.NewPoller(botRepo, resolver, inspector, func(ctx context.Context, bot store.BotInstance, newDigest digest.Digest) {
		slog.Info("bot image digest changed, update policy permits refresh", "bot", bot.ID, "digest", newDigest.String())
	}, slog.Default())
	if err := poller.Start(ctx); err != nil {
		slog.Warn("image poller: failed to seed from store", "error", err)
	}

	// ---- account deletion sweeps (spec.md §4.11) --------------------------
	deletionSvc := deletion.New(deletionRepo, auditLog)

	// ---- HTTP router --------------------------------------------------------
	srv := api.NewServer(api.Deps{
		Nodes:           nodeMgr,
		Bus:             bus,
		Recovery:        recoveryMgr,
		Migrator:        migrator,
		Snapshots:       snapshotMgr,
		Gateway:         gw,
		Keys:            keyIssuer,
		Ledger:          creditLedger,
		BotBilling:      botBillingRepo,
		FleetAPIToken:   cfg.Server.FleetAPIToken,
		TwilioAuthToken: cfg.Gateway.TwilioAuthToken,
		WebhookBaseURL:  cfg.Gateway.WebhookBaseURL,
	})
	router := api.NewRouter(srv)
	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := db.PingContext(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"status":"unhealthy"}`))
			return
		}
		w.Write([]byte(`{"status":"healthy"}`))
	}).Methods(http.MethodGet)

	httpServer := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeoutSec) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeoutSec) * time.Second,
		IdleTimeout:  time.Duration(cfg.Server.IdleTimeoutSec) * time.Second,
	}

	// ---- background cron: billing, deletion sweeps ------------------------
	cronCtx, cronCancel := context.WithCancel(context.Background())
	go runDailyBilling(cronCtx, botBilling, creditLedger, auditLog)
	go runDeletionSweeps(cronCtx, deletionSvc)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		slog.Info("shutdown signal received")
		cronCancel()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			slog.Error("server shutdown error", "error", err)
		}
	}()

	slog.Info("control plane starting", "port", cfg.Server.Port)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("server: %v", err)
	}
	slog.Info("control plane stopped")
}

// runDailyBilling runs the billing cron on an hourly ticker; RunDaily's
// per-UTC-day referenceId makes the later runs of the same day no-ops for
// tenants already debited. Modeled on the teacher's cmd/api/main.go
// preference for a simple ticker goroutine over a full cron library.
func runDailyBilling(ctx context.Context, svc *billing.Service, ledger *ledger.Ledger, auditLog *audit.Logger) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			day := now.UTC().Format("2006-01-02")
			result, err := svc.RunDaily(ctx, ledger, day, func(ctx context.Context, tenantID string) error {
				if _, err := svc.SuspendAllForTenant(ctx, tenantID); err != nil {
					return err
				}
				auditLog.Record(ctx, "system", "billing.suspend", tenantID, nil, nil)
				return nil
			})
			if err != nil {
				slog.Error("daily billing run failed", "day", day, "error", err)
				continue
			}
			slog.Info("daily billing run complete", "day", day, "debited", len(result.Debited), "suspended", len(result.Suspended))
		}
	}
}

// runDeletionSweeps polls for expired deletion requests. The Executor is
// left as a log-only placeholder here: the actual teardown spans node
// deprovisioning, snapshot purge, and ledger finalization that belong to
// the operator tooling invoking this binary's admin routes, not to a
// single injected callback baked into the daemon.
func runDeletionSweeps(ctx context.Context, svc *deletion.Service) {
	ticker := time.NewTicker(1 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			result, err := svc.RunSweep(ctx, func(ctx context.Context, req store.DeletionRequest) error {
				slog.Warn("deletion request expired, awaiting operator teardown", "request", req.ID, "tenant", req.TenantID)
				return nil
			})
			if err != nil {
				slog.Error("deletion sweep failed", "error", err)
				continue
			}
			if result.Processed > 0 {
				slog.Info("deletion sweep complete", "processed", result.Processed, "completed", len(result.Completed), "failed", result.Failed)
			}
		}
	}
}
