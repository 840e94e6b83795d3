// Command agentgate runs the agent API gateway: an HTTP proxy that
// authenticates agents, injects service credentials, risk-scores outbound
// requests, and parks risky ones for human approval.
package main

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/agentgate/agentgate/pkg/approval"
	"github.com/agentgate/agentgate/pkg/audit"
	"github.com/agentgate/agentgate/pkg/auth"
	"github.com/agentgate/agentgate/pkg/config"
	"github.com/agentgate/agentgate/pkg/forward"
	"github.com/agentgate/agentgate/pkg/gateway"
	"github.com/agentgate/agentgate/pkg/idempotency"
	"github.com/agentgate/agentgate/pkg/inject"
	"github.com/agentgate/agentgate/pkg/risk"
	"github.com/agentgate/agentgate/pkg/store"
	"github.com/agentgate/agentgate/pkg/vault"

	_ "github.com/lib/pq" // Postgres driver
)

// idempotencyPurgeInterval spaces the expired-record purges.
const idempotencyPurgeInterval = time.Hour

func main() {
	ctx := context.Background()
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("configuration: %v", err)
	}

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("open database: %v", err)
	}
	defer func() { _ = db.Close() }()
	if err := db.PingContext(ctx); err != nil {
		log.Fatalf("database ping: %v", err)
	}

	st := store.New(db)
	if err := st.EnsureSchema(ctx); err != nil {
		log.Fatalf("ensure schema: %v", err)
	}
	slog.Info("database ready")

	// The encryption key derives once at startup and is immutable after.
	v, err := vault.New(cfg.EncryptionSecret, cfg.EncryptionSalt)
	if err != nil {
		log.Fatalf("vault: %v", err)
	}

	var judge risk.Judge
	if cfg.JudgeBaseURL != "" {
		judge = risk.NewHTTPJudge(cfg.JudgeBaseURL, cfg.JudgeAPIKey, cfg.JudgeModel, cfg.JudgeTimeout)
		slog.Info("risk judge configured", "model", cfg.JudgeModel)
	} else {
		slog.Warn("no judge configured, risk assessment runs fail-closed on heuristics")
	}

	queue := approval.NewQueue(db)
	idem := idempotency.New(db)
	recorder := audit.NewRecorder(st, audit.DefaultQueueSize)

	gw := gateway.New(gateway.Deps{
		Store:       st,
		Queue:       queue,
		Idempotency: idem,
		Injector:    inject.New(v, st),
		Assessor:    risk.New(judge, cfg.RiskThreshold),
		Forwarder:   forward.New(cfg.ForwardTimeout),
		Recorder:    recorder,
		ExecuteTTL:  cfg.ApprovalExecuteTTL,
	})

	var limiter auth.Limiter
	if cfg.RedisAddr != "" {
		limiter = auth.NewRedisLimiter(cfg.RedisAddr, cfg.RateLimitRPM, cfg.RateLimitRPM/2)
		slog.Info("redis rate limiter configured", "addr", cfg.RedisAddr)
	} else {
		limiter = auth.NewMemoryLimiter(cfg.RateLimitRPM, cfg.RateLimitRPM/2)
	}

	handler := gw.Routes(gateway.Middleware{
		AgentAuth: auth.AgentKeyMiddleware(st),
		UserAuth:  auth.UserJWTMiddleware(auth.NewUserTokenValidator([]byte(cfg.DashboardJWTSecret))),
		RateLimit: auth.RateLimitMiddleware(limiter, cfg.RateLimitRPM),
	})

	sweeper := approval.NewSweeper(queue, approval.DefaultSweepInterval)
	sweeper.Start()

	purgeStop := make(chan struct{})
	go purgeLoop(idem, purgeStop)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("gateway listening", "port", cfg.Port)
		errCh <- srv.ListenAndServe()
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-stop:
		slog.Info("shutting down", "signal", sig.String())
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("server: %v", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown", "error", err)
	}

	sweeper.Stop()
	close(purgeStop)
	recorder.Close()
}

// purgeLoop deletes expired idempotency records on a slow tick.
func purgeLoop(idem *idempotency.Store, stop <-chan struct{}) {
	ticker := time.NewTicker(idempotencyPurgeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			n, err := idem.PurgeExpired(ctx)
			cancel()
			if err != nil {
				slog.Error("idempotency purge failed", "error", err)
			} else if n > 0 {
				slog.Info("purged expired idempotency records", "count", n)
			}
		case <-stop:
			return
		}
	}
}
