package main

import (
	"context"
	"errors"
	"fmt"
	stdhttp "net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/rotisserie/eris"
	"github.com/sirupsen/logrus"

	"stablewiki/app/internal/config"
	appdb "stablewiki/app/internal/db"
	apphttp "stablewiki/app/internal/http"
	applog "stablewiki/app/internal/log"
	"stablewiki/app/internal/stable"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return eris.Wrap(err, "failure loading configuration")
	}

	logger, err := applog.NewLogger(cfg.LogLevel)
	if err != nil {
		return eris.Wrap(err, "failure initialising logger")
	}

	sentryHub, flush, err := applog.InitSentry(logger, applog.SentrySettings{
		DSN:         cfg.SentryDSN,
		Environment: cfg.Environment,
	})
	if err != nil {
		return eris.Wrap(err, "failure initialising sentry")
	}
	defer flush()

	dbConn, err := appdb.Open(appdb.Options{Path: cfg.DBPath})
	if err != nil {
		return eris.Wrap(err, "opening database")
	}
	defer func() {
		if closeErr := appdb.Close(dbConn); closeErr != nil {
			logger.WithError(closeErr).Error("closing database")
		}
	}()

	if err := stable.Migrate(ctx, dbConn, logger); err != nil {
		return eris.Wrap(err, "running migrations")
	}

	settings, err := buildSettings(cfg)
	if err != nil {
		return eris.Wrap(err, "building stabilization settings")
	}

	repository, err := stable.NewPointRepository(dbConn, logger)
	if err != nil {
		return eris.Wrap(err, "building point repository")
	}

	snapshots, err := stable.NewSnapshotStore(dbConn, logger)
	if err != nil {
		return eris.Wrap(err, "building snapshot store")
	}

	// Stand-in collaborators until a real wiki backend is wired in.
	collaborators := newDevCollaborators()

	policy, err := stable.NewPolicy(settings, repository, collaborators, collaborators)
	if err != nil {
		return eris.Wrap(err, "building resolution policy")
	}

	inclusions, err := stable.NewInclusionManager(snapshots, policy, collaborators, collaborators, logger, sentryHub)
	if err != nil {
		return eris.Wrap(err, "building inclusion manager")
	}

	engine, err := stable.NewEngine(stable.EngineOptions{
		Repository: repository,
		Inclusions: inclusions,
		Authority:  collaborators,
		Revisions:  collaborators,
		Files:      collaborators,
		Events:     newLogEventSink(logger),
		Settings:   settings,
		Logger:     logger,
		SentryHub:  sentryHub,
	})
	if err != nil {
		return eris.Wrap(err, "building stabilization engine")
	}

	server, err := apphttp.NewServer(apphttp.Options{
		Engine:     engine,
		Repository: repository,
		Inclusions: inclusions,
		Revisions:  collaborators,
		Settings:   settings,
		Database:   dbConn,
		Logger:     logger,
		SentryHub:  sentryHub,
	})
	if err != nil {
		return eris.Wrap(err, "building http server")
	}

	httpServer := &stdhttp.Server{
		Addr:    fmt.Sprintf(":%d", cfg.ServerPort),
		Handler: server,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.WithFields(logrus.Fields{"port": cfg.ServerPort}).Info("http server listening")
		if serveErr := httpServer.ListenAndServe(); serveErr != nil && !errors.Is(serveErr, stdhttp.ErrServerClosed) {
			errCh <- serveErr
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
		defer cancel()
		if shutdownErr := httpServer.Shutdown(shutdownCtx); shutdownErr != nil {
			return eris.Wrap(shutdownErr, "shutting down http server")
		}
		return nil
	case serveErr := <-errCh:
		return eris.Wrap(serveErr, "http server failure")
	}
}

func buildSettings(cfg *config.Config) (stable.Settings, error) {
	mode, err := stable.ParseInclusionMode(cfg.InclusionMode)
	if err != nil {
		return stable.Settings{}, err
	}

	namespaces := make([]stable.Namespace, 0, len(cfg.StableNamespaces))
	for _, ns := range cfg.StableNamespaces {
		namespaces = append(namespaces, stable.Namespace(ns))
	}

	return stable.Settings{
		Mode:               mode,
		EnabledNamespaces:  namespaces,
		FileNamespace:      stable.Namespace(cfg.FileNamespace),
		DraftGroups:        cfg.DraftGroups,
		AllowFirstUnstable: cfg.AllowFirstUnstable,
	}, nil
}
