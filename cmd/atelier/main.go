// Command atelier boots the event-integrity kernel: verified policy, seeded
// registries, durable stores, audit chain, bus, and the sample business
// cells. Everything is wired explicitly here; no package reaches for a
// global.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/tamluxury/atelier/pkg/audit"
	"github.com/tamluxury/atelier/pkg/authority"
	"github.com/tamluxury/atelier/pkg/bus"
	"github.com/tamluxury/atelier/pkg/cells"
	"github.com/tamluxury/atelier/pkg/config"
	"github.com/tamluxury/atelier/pkg/event"
	"github.com/tamluxury/atelier/pkg/governance"
	"github.com/tamluxury/atelier/pkg/idempotency"
	"github.com/tamluxury/atelier/pkg/killswitch"
	"github.com/tamluxury/atelier/pkg/layers"
	"github.com/tamluxury/atelier/pkg/observability"
	"github.com/tamluxury/atelier/pkg/replay"
	"github.com/tamluxury/atelier/pkg/store"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "atelier:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := config.Load()
	logger := observability.NewLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	obs, err := observability.New(ctx, &observability.Config{
		ServiceName:    "atelier-kernel",
		ServiceVersion: "1.0.0",
		Environment:    "development",
		OTLPEndpoint:   cfg.OTLPEndpoint,
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
		Enabled:        cfg.TelemetryEnabled,
		Insecure:       true,
	})
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = obs.Shutdown(shutdownCtx)
	}()

	// Durable store under the data dir.
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	kv, err := store.OpenSQLite(filepath.Join(cfg.DataDir, "atelier.db"))
	if err != nil {
		return err
	}
	defer kv.Close()

	// Policy first: a kernel with a tampered constitution must not start.
	policy, err := governance.LoadPolicy(cfg.PolicyPath)
	if err != nil {
		return err
	}
	logger.Info("policy verified", "version", policy.Version, "actors", len(policy.ActorRegistry))

	// Audit chain, restored from the last run when present.
	chain, err := audit.Restore(ctx, kv)
	if err != nil {
		return err
	}
	if _, err := chain.Log("kernel", "SYSTEM_STARTUP", map[string]interface{}{
		"policy_version": policy.Version,
	}, ""); err != nil {
		return err
	}

	// Registries seeded from config.
	authReg := authority.NewRegistry()
	layerReg := layers.NewRegistry()
	if _, err := os.Stat(cfg.AuthoritySeed); err == nil {
		if err := authority.LoadRules(cfg.AuthoritySeed, authReg); err != nil {
			return err
		}
	}
	if _, err := os.Stat(cfg.LayerSeed); err == nil {
		if err := layers.LoadCells(cfg.LayerSeed, layerReg); err != nil {
			return err
		}
	}

	b := bus.New(
		bus.WithHistoryCap(cfg.HistorySize),
		bus.WithLogger(logger),
		bus.WithMetrics(obs),
	)
	defer b.Drain()

	ks := killswitch.New(kv, chain, b, killswitch.WithLogger(logger))
	engine, err := governance.NewEngine(policy, authReg, layerReg,
		governance.WithNotifier(ks),
		governance.WithQuarantine(ks),
		governance.WithMetrics(obs),
		governance.WithLogger(logger),
	)
	if err != nil {
		return err
	}

	ledger := idempotency.NewLedger(kv)

	// Business cells.
	cellReg := cells.NewRegistry(authReg, layerReg, b, logger)
	sales := cells.NewSalesCell(b)
	finance := cells.NewFinanceCell(b, ledger, chain, logger)
	if err := cellReg.Register(sales); err != nil {
		return err
	}
	if err := cellReg.Register(finance); err != nil {
		return err
	}

	// Demo saga: one governed order through the full pipeline.
	if err := demoSaga(ctx, logger, engine, sales, b); err != nil {
		return err
	}

	if report := chain.VerifyChainIntegrity(); !report.Valid {
		return fmt.Errorf("audit chain broken at index %d", report.BrokenAt)
	}
	if err := chain.Persist(ctx, kv); err != nil {
		return err
	}

	logger.Info("kernel ready", "cells", cellReg.Cells(), "audit_entries", chain.Len())
	<-ctx.Done()
	logger.Info("shutting down")
	b.Drain()
	if err := chain.Persist(context.Background(), kv); err != nil {
		return fmt.Errorf("persist audit chain: %w", err)
	}
	return nil
}

// demoSaga exercises the whole pipeline: governance check, order emit,
// duplicate delivery, and a dry-run saga replay.
func demoSaga(ctx context.Context, logger *slog.Logger, engine *governance.Engine, sales *cells.SalesCell, b *bus.Bus) error {
	actor := event.Actor{Persona: "sales-agent", UserID: "usr_demo", SessionID: "ses_demo"}

	decision := engine.ValidateAction(ctx, governance.ActionEnvelope{
		ActorID:   "sales-agent",
		CommandID: "cmd_create_order",
		Fields: map[string]interface{}{
			"user_id":    "usr_demo",
			"session_id": "ses_demo",
		},
	})
	if !decision.Allowed {
		return fmt.Errorf("demo action denied: %s (%s)", decision.Reason, decision.Detail)
	}

	order, err := sales.CreateOrder(ctx, actor, "ord_1001", "tenant_main", 249_000, "EUR")
	if err != nil {
		return err
	}
	// Redeliver the same order event: the finance cell must absorb it.
	if err := b.Publish(ctx, order, bus.Options{}); err != nil {
		return err
	}
	b.Drain()

	session, err := replay.NewContext(replay.ModeSaga, replay.State7, replay.WithCorrelation(order.CorrelationID))
	if err != nil {
		return err
	}
	result := replay.NewEngine(nil).Run(ctx, b.History(0), session)
	logger.Info("saga replayed",
		"correlation", order.CorrelationID,
		"processed", result.EventsProcessed,
		"skipped", result.EventsSkipped,
		"final_state", string(result.FinalState),
	)
	return nil
}
