package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"persona-chat/backend/internal/grpcserver"
	"persona-chat/backend/internal/repository"
	"persona-chat/backend/pkg/config"
	"persona-chat/backend/pkg/di"
	"persona-chat/backend/pkg/logger"
	"persona-chat/backend/pkg/router"
	"persona-chat/backend/shared/observability"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
)

const serviceName = "persona-chat"

type serveFlags struct {
	migrate bool
}

func init() {
	f := &serveFlags{}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP, WebSocket and gRPC health servers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), f)
		},
	}
	cmd.Flags().BoolVar(&f.migrate, "migrate", true, "migrate the schema before serving")

	rootCmd.AddCommand(cmd)
}

func serve(parent context.Context, f *serveFlags) error {
	cfg := config.Get()
	log := logger.GetGlobal()
	log.Info("Starting application", "version", os.Getenv("APP_VERSION"), "env", cfg.Server.Env)

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	meterProvider, err := observability.SetupMetrics(serviceName, reg)
	if err != nil {
		return err
	}
	defer meterProvider.Shutdown(context.Background())

	if cfg.Observability.TracingEnabled {
		shutdown, err := observability.SetupTracing(serviceName, os.Stdout)
		if err != nil {
			return err
		}
		defer shutdown(context.Background())
	}

	db, err := config.NewDB(cfg)
	if err != nil {
		return err
	}
	if f.migrate {
		if err := repository.Migrate(db); err != nil {
			return err
		}
	}

	container, err := di.New(ctx, di.Options{Config: cfg, DB: db, Logger: log, Registry: reg})
	if err != nil {
		return err
	}
	defer container.Close()
	container.Health.Start(ctx)

	r := router.New(ctx, container)
	if err := r.SetupRoutes(); err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           r.Engine,
		ReadHeaderTimeout: cfg.Server.Timeout,
	}

	errCh := make(chan error, 2)
	go func() {
		log.Info("Server starting", "port", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	if cfg.GRPC.Enabled {
		grpcSrv := grpcserver.New(container.Health, log)
		go func() {
			if err := grpcSrv.ListenAndServe(ctx, cfg.GRPC.Port); err != nil {
				errCh <- err
			}
		}()
	}

	select {
	case <-ctx.Done():
	case err := <-errCh:
		log.LogError(err, "Server failed")
		stop()
	}

	log.Info("Shutting down server...")

	// Streams in flight get the generation timeout to finish and persist
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Thread.GenerationTimeout+cfg.Thread.PersistTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.LogError(err, "Server forced to shutdown")
		return err
	}

	log.Info("Server exited gracefully")
	return nil
}
