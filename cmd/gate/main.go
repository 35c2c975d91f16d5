package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/redis/go-redis/v9"

	"github.com/ironclad/gate/internal/audit"
	"github.com/ironclad/gate/internal/circuitbreaker"
	"github.com/ironclad/gate/internal/config"
	"github.com/ironclad/gate/internal/gate"
	"github.com/ironclad/gate/internal/httpapi"
	"github.com/ironclad/gate/internal/identity"
	"github.com/ironclad/gate/internal/idempotency"
	"github.com/ironclad/gate/internal/lifecycle"
	"github.com/ironclad/gate/internal/lock"
	"github.com/ironclad/gate/internal/obsmetrics"
	"github.com/ironclad/gate/internal/policy"
	"github.com/ironclad/gate/internal/reconstruction"
	"github.com/ironclad/gate/internal/shadowledger"
	"github.com/ironclad/gate/internal/store/postgres"
	"github.com/ironclad/gate/internal/store/readmodel"
	spannerstore "github.com/ironclad/gate/internal/store/spanner"
	"github.com/ironclad/gate/internal/token"
	"github.com/ironclad/gate/pb"
)

func main() {
	cfg := config.Get()

	// Postgres — audit chain + shadow ledger, the gate's strongly
	// consistent system-of-record store.
	db, err := postgres.Open(cfg.Store.Postgres.DSN)
	if err != nil {
		log.Fatalf("failed to open postgres: %v", err)
	}
	defer db.Close()

	auditStore := postgres.NewAuditStore(db)
	auditLog := audit.New(auditStore)
	slog.Info("audit log wired to postgres")

	ledgerStore := postgres.NewShadowLedgerStore(db)

	// Redis — distributed keyed locking for the shadow ledger's
	// check-reserve-commit critical section, graceful fallback to
	// in-process-only locking when disabled or unreachable.
	var redisClient *redis.Client
	if cfg.Store.Redis.Enabled {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Store.Redis.Addr,
			Password: cfg.Store.Redis.Password,
			DB:       cfg.Store.Redis.DB,
		})
		if _, pingErr := redisClient.Ping(context.Background()).Result(); pingErr != nil {
			slog.Warn("redis unreachable, falling back to in-process-only locking", "addr", cfg.Store.Redis.Addr, "error", pingErr)
			redisClient = nil
		} else {
			slog.Info("distributed locking wired to redis", "addr", cfg.Store.Redis.Addr)
		}
	} else {
		slog.Info("redis disabled, locking is in-process only")
	}
	keyedLocks := lock.NewDistributedKeyed(redisClient, "gate:lock:", 5*time.Second)

	ledger := shadowledger.New(ledgerStore, keyedLocks)

	// Policy evaluator — local bundle by default, remote gRPC policy
	// service when POLICY_REMOTE_ADDR is configured.
	var policySvc policy.Service
	if cfg.Policy.RemoteAddr != "" {
		conn, dialErr := grpc.NewClient(cfg.Policy.RemoteAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
		if dialErr != nil {
			slog.Warn("policy service dial failed, falling back to local bundle", "addr", cfg.Policy.RemoteAddr, "error", dialErr)
			policySvc = mustLoadLocalPolicy(cfg.Policy.BundlePath)
		} else {
			policySvc = policy.NewRemoteEvaluator(pb.NewPolicyServiceClient(conn))
			slog.Info("policy evaluator wired to remote service", "addr", cfg.Policy.RemoteAddr)
		}
	} else {
		policySvc = mustLoadLocalPolicy(cfg.Policy.BundlePath)
		slog.Info("policy evaluator wired to local bundle", "path", cfg.Policy.BundlePath)
	}

	tokens := token.NewBroker(cfg.Signing.KeyMaterial, cfg.Signing.PreviousKey)
	slog.Info("token broker initialized", "ttl", cfg.TokenTTL())

	breakers := circuitbreaker.NewGateCircuitBreakers()
	metrics := obsmetrics.New()

	// SPIFFE identity verification for operator attribution in evidence
	// packs — optional; when no SPIRE agent is present, evidence packs are
	// built without an operator_identity component.
	spiffeSocket := getEnvOrDefault("SPIFFE_ENDPOINT_SOCKET", "unix:///run/spire/sockets/agent.sock")
	selfSPIFFEID := identity.GenerateSPIFFEID(getEnvOrDefault("SPIFFE_TRUST_DOMAIN", "gate.internal"), "authorization-gate")
	spiffeVerifier, spiffeErr := identity.NewVerifier(spiffeSocket)
	if spiffeErr != nil {
		slog.Warn("spiffe verifier unavailable, evidence packs will omit operator identity", "error", spiffeErr)
	} else {
		defer spiffeVerifier.Close()
		slog.Info("spiffe verifier wired", "socket", spiffeSocket, "spiffe_id", selfSPIFFEID)
	}

	g := gate.New(policySvc, ledger, auditLog, tokens, breakers, metrics, nil)

	// Spanner — idempotency keys, needing the strong consistency a
	// single-region postgres instance can't give cross-region callers.
	idemStore, err := spannerstore.NewIdempotencyStore(context.Background(), cfg.Store.Spanner.ProjectID, cfg.Store.Spanner.InstanceID, cfg.Store.Spanner.DatabaseID)
	if err != nil {
		log.Fatalf("failed to open spanner idempotency store: %v", err)
	}
	defer idemStore.Close()
	idemSvc := idempotency.New(idemStore, metrics)

	// Supabase read model — lifecycle state, materialized orders, and
	// LP fills that reconstruction and the lifecycle ingress both read.
	readModel, err := readmodel.NewFromConfig(cfg.Store.Supabase.URL, cfg.Store.Supabase.ServiceKey)
	if err != nil {
		log.Fatalf("failed to open supabase read model: %v", err)
	}

	ingress := lifecycle.New(idemSvc, readModel, readModel, auditLog, metrics)
	ingress.Rejections = readModel

	var subscriber *lifecycle.Subscriber
	if cfg.Store.Pubsub.Enabled {
		sub, subErr := lifecycle.NewSubscriber(cfg.Store.Pubsub.ProjectID, cfg.Store.Pubsub.Topic, ingress)
		if subErr != nil {
			slog.Warn("pubsub subscriber init failed, lifecycle events must arrive over HTTP instead", "error", subErr)
		} else {
			subscriber = sub
			slog.Info("lifecycle subscriber wired to pubsub", "project", cfg.Store.Pubsub.ProjectID, "topic", cfg.Store.Pubsub.Topic)
		}
	}

	// The evidence pack's policy_snapshot component needs the actual bundle
	// content, not just its hash — only available when policy is evaluated
	// locally. A remote policy service has no local bundle to embed, so
	// packs built against it carry an empty policy_snapshot component and
	// skip the consistency check rather than falsely flagging every pack.
	var policySnapshotSource reconstruction.PolicySnapshotSource
	if localEvaluator, ok := policySvc.(*policy.Evaluator); ok {
		policySnapshotSource = localEvaluator
	}
	builder := reconstruction.NewBuilder(auditLog, readModel, policySnapshotSource)

	lifecycleHandlers := &httpapi.LifecycleHandlers{Ingress: ingress}
	reconstructionHandlers := &httpapi.ReconstructionHandlers{Builder: builder, Identity: spiffeVerifier, SelfSPIFFEID: selfSPIFFEID}
	router := httpapi.NewRouter(g, lifecycleHandlers, reconstructionHandlers, breakers)

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeoutSec) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeoutSec) * time.Second,
		IdleTimeout:  time.Duration(cfg.Server.IdleTimeoutSec) * time.Second,
	}

	sweepCtx, sweepCancel := context.WithCancel(context.Background())
	go runHoldSweeper(sweepCtx, ledger, cfg.SweepInterval(), cfg.TokenTTL(), metrics)

	if subscriber != nil {
		go func() {
			if runErr := subscriber.Run(sweepCtx); runErr != nil {
				slog.Error("lifecycle subscriber stopped", "error", runErr)
			}
		}()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		slog.Info("received shutdown signal, shutting down gracefully")
		sweepCancel()

		ctx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.Server.ShutdownSec)*time.Second)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			slog.Error("server shutdown error", "error", err)
		}
	}()

	slog.Info("gate starting", "port", cfg.Server.Port, "env", cfg.Server.Env)

	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("server failed to start: %v", err)
	}

	slog.Info("gate stopped")
}

func mustLoadLocalPolicy(path string) *policy.Evaluator {
	bundle, err := policy.LoadBundle(path)
	if err != nil {
		log.Fatalf("failed to load policy bundle %s: %v", path, err)
	}
	return policy.NewEvaluator(bundle)
}

// runHoldSweeper periodically expires AUTHORIZED holds whose age exceeds
// the decision token's TTL, so a crashed caller's reservation doesn't lock
// up exposure capacity forever. The sweep cadence (interval) and the hold
// staleness threshold (ttl) are independent configuration knobs.
func runHoldSweeper(ctx context.Context, ledger *shadowledger.Ledger, interval, ttl time.Duration, metrics *obsmetrics.Metrics) {
	if interval <= 0 {
		interval = time.Minute
	}
	if ttl <= 0 {
		ttl = 300 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			expired, err := ledger.ExpireStaleHolds(ctx, ttl)
			if err != nil {
				slog.Error("hold sweep failed", "error", err)
				continue
			}
			if len(expired) > 0 && metrics != nil {
				metrics.ObserveHoldSweep(len(expired))
			}
		}
	}
}

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}
