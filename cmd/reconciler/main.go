// Command reconciler runs one reconciliation pass and one watchdog sweep,
// then exits. Intended to run from cron; the API's internal endpoints expose
// the same operations for ad-hoc triggers.
package main

import (
	"context"
	"database/sql"
	"flag"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	amqpad "staybook/internal/adapters/amqp"
	"staybook/internal/adapters/observability"
	"staybook/internal/adapters/processor"
	"staybook/internal/app"
	"staybook/internal/shared"
	mysqlrepo "staybook/internal/storage/mysql"
)

func main() {
	autoFix := flag.Bool("fix", false, "apply whitelisted automatic repairs")
	skipSweep := flag.Bool("no-sweep", false, "skip the expiration sweep")
	flag.Parse()

	_ = godotenv.Load()
	ctx := context.Background()
	cfg := shared.Load()

	log.Logger = observability.NewLogger(cfg.AppEnv, "reconciler")

	log.Info().
		Str("processor", cfg.ProcessorBase).
		Int("workers", cfg.ReconcileWorkers).
		Bool("auto_fix", *autoFix).
		Msg("reconciler starting")

	db, err := sql.Open("mysql", cfg.MySQLDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("sql.Open failed")
	}
	if err := db.Ping(); err != nil {
		log.Fatal().Err(err).Msg("db.Ping failed")
	}

	repo := mysqlrepo.New(db)
	proc, err := processor.New(cfg.ProcessorBase, cfg.ProcessorKey, cfg.ProcessorRPS)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize processor client")
	}
	notify := app.NewDispatcher(amqpad.New(cfg.AMQPURL))

	reconcile := app.NewReconcileService(repo, proc, notify, cfg.ReconcileWorkers, cfg.HoldStaleAfter)
	now := time.Now()
	rep, err := reconcile.Check(ctx, app.Scope{
		From:    now.Add(-cfg.ReconcileWindow),
		To:      now,
		AutoFix: *autoFix,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("reconciliation failed")
	}
	log.Info().
		Str("report_id", rep.ID).
		Int("checked", rep.Checked).
		Int("mismatched", rep.Mismatched).
		Int("auto_fixed", rep.AutoFixed).
		Int("errors", len(rep.Errors)).
		Msg("reconciliation completed")

	if !*skipSweep {
		watchdog := app.NewWatchdogService(repo, proc, notify, cfg.HoldWarnAfter, cfg.HoldExpireAfter)
		if _, err := watchdog.Sweep(ctx); err != nil {
			log.Fatal().Err(err).Msg("watchdog sweep failed")
		}
	}

	notify.Wait()
}
