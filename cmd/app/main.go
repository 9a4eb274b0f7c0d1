package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/ravenscm/raven/internal/audit"
	"github.com/ravenscm/raven/internal/config"
	"github.com/ravenscm/raven/internal/hooks"
	"github.com/ravenscm/raven/internal/httpserver/middlewares"
	"github.com/ravenscm/raven/internal/httpserver/rpc"
	"github.com/ravenscm/raven/internal/repository/postgres"
	"github.com/ravenscm/raven/internal/usecase/comments"
	"github.com/ravenscm/raven/internal/usecase/pull_request"
	"github.com/ravenscm/raven/internal/usecase/scm"
	"github.com/ravenscm/raven/internal/usecase/status"
	"github.com/ravenscm/raven/internal/vcs"
)

const (
	envLocal = "local"
	envDev   = "dev"
	envProd  = "prod"
)

func main() {
	cfg := config.Load()

	log := setupLogger(cfg.Env)

	log.Info("starting application", slog.String("env", cfg.Env))

	storage, err := postgres.New(cfg.PostgresConfig)
	if err != nil {
		slog.Error("failed to initialize storage",
			slog.String("env", cfg.Env),
			slog.String("error", err.Error()))
		os.Exit(1)
	}

	vcsClient := vcs.NewHTTPClient(log, cfg.VCSConfig.URL, cfg.VCSConfig.Timeout)

	auditLog := audit.New(log, storage)
	commentsService := comments.New(log, storage, auditLog)
	statusService := status.New(log, storage, auditLog)
	scmService := scm.New(log, storage, auditLog)

	hooksCfg := hooks.Config{
		Host:           cfg.HooksConfig.Host,
		UseDirectCalls: cfg.HooksConfig.UseDirectCalls,
		CacheDir:       cfg.HooksConfig.CacheDir,
	}
	daemonProvider := func(extras *hooks.Extras) (hooks.Daemon, error) {
		txnKey := ""
		if extras.TxnID != "" {
			txnKey = hooks.TxnKey(extras.Repository, extras.TxnID)
		}
		return hooks.Prepare(log, hooksCfg, scmService, extras, txnKey)
	}

	prService := pull_request.New(
		log, storage, vcsClient,
		commentsService, statusService, auditLog,
		pull_request.NoopTrigger{}, pull_request.NoopNotifier{}, daemonProvider,
		pull_request.Settings{
			MessageTemplate: cfg.MergeConfig.MessageTemplate,
			UserNameAttr:    cfg.MergeConfig.UserNameAttr,
			UseRebase:       cfg.MergeConfig.UseRebase,
			CloseBranch:     cfg.MergeConfig.CloseBranch,
		},
	)

	rpcHandler := rpc.New(log, prService, commentsService, statusService, storage)

	router := chi.NewRouter()

	router.Use(middleware.RequestID)
	router.Use(middleware.Logger)
	router.Use(middleware.Recoverer)
	router.Use(middleware.URLFormat)

	router.With(middlewares.AdminAuthMiddleware(cfg.HTTPServerConfig.AdminToken)).
		Post("/_admin/api", rpcHandler.ServeHTTP)

	addr := cfg.HTTPServerConfig.Host + ":" + strconv.Itoa(cfg.HTTPServerConfig.Port)

	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: cfg.HTTPServerConfig.Timeout,
		WriteTimeout:      cfg.HTTPServerConfig.Timeout,
		IdleTimeout:       cfg.HTTPServerConfig.IdleTimeout,
	}

	go func() {
		log.Info("starting server", slog.String("address", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server failed", slog.Any("err", err))
			os.Exit(1)
		}
	}()

	gracefulShutdown(context.Background(), srv, log)
}

func setupLogger(env string) *slog.Logger {
	var log *slog.Logger

	switch env {
	case envLocal:
		log = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
	case envDev:
		log = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
	case envProd:
		log = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	return log
}

func gracefulShutdown(ctx context.Context, srv *http.Server, log *slog.Logger) {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGTERM, syscall.SIGINT)
	<-quit

	log.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("server shutdown failed", slog.Any("err", err))
		return
	}

	log.Info("server exited gracefully")
}
