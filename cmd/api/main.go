package main

import (
	"context"
	"database/sql"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	amqpad "staybook/internal/adapters/amqp"
	server "staybook/internal/adapters/http_server"
	"staybook/internal/adapters/observability"
	"staybook/internal/adapters/processor"
	redisad "staybook/internal/adapters/redis"
	"staybook/internal/app"
	"staybook/internal/shared"
	mysqlrepo "staybook/internal/storage/mysql"
)

func main() {
	_ = godotenv.Load()
	cfg := shared.Load()

	// set global logger (console in dev, JSON otherwise)
	log.Logger = observability.NewLogger(cfg.AppEnv, "api")

	observability.Serve()

	// db
	db, err := sql.Open("mysql", cfg.MySQLDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("sql.Open failed")
	}
	if err := db.Ping(); err != nil {
		log.Fatal().Err(err).Msg("db.Ping failed")
	}
	log.Info().Msg("database connection ok")

	// deps
	repo := mysqlrepo.New(db)
	locker := redisad.New(cfg.RedisAddr, cfg.RedisPass, cfg.RedisDB)
	if err := locker.Ping(context.Background()); err != nil {
		log.Fatal().Err(err).Msg("redis ping failed")
	}
	proc, err := processor.New(cfg.ProcessorBase, cfg.ProcessorKey, cfg.ProcessorRPS)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize processor client")
	}
	notify := app.NewDispatcher(amqpad.New(cfg.AMQPURL))

	booking := app.NewBookingService(repo, locker, notify, cfg.Pricing, cfg.LockTTL, cfg.LockRetries)
	review := app.NewReviewService(repo, proc, notify)
	webhook := app.NewWebhookService(repo, notify)
	reconcile := app.NewReconcileService(repo, proc, notify, cfg.ReconcileWorkers, cfg.HoldStaleAfter)
	watchdog := app.NewWatchdogService(repo, proc, notify, cfg.HoldWarnAfter, cfg.HoldExpireAfter)

	// http
	srv := server.New()
	reg := observability.InitRegistry()
	srv.Mount("/metrics", observability.MetricsHandler(reg))
	srv.MountHandlers(&server.Handlers{
		Booking:         booking,
		Review:          review,
		Webhook:         webhook,
		Reconcile:       reconcile,
		Watchdog:        watchdog,
		Repo:            repo,
		WebhookSecret:   cfg.WebhookSecret,
		AdminJWTSecret:  cfg.AdminJWTSecret,
		SchedulerSecret: cfg.SchedulerSecret,
	})

	log.Info().Str("addr", cfg.HTTPAddr).Msg("API listening")
	httpSrv := &http.Server{Addr: cfg.HTTPAddr, Handler: srv.Mux()}

	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server failed")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("http shutdown failed")
	}
	notify.Wait()
	log.Info().Msg("shut down cleanly")
}
