// Command relay runs the streaming response orchestrator.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/relay/internal/approval"
	"github.com/haasonsaas/relay/internal/config"
	"github.com/haasonsaas/relay/internal/infra"
	"github.com/haasonsaas/relay/internal/observability"
	"github.com/haasonsaas/relay/internal/orchestrator"
	"github.com/haasonsaas/relay/internal/policy"
	"github.com/haasonsaas/relay/internal/server"
	"github.com/haasonsaas/relay/internal/store"
	"github.com/haasonsaas/relay/internal/toolserver"
	"github.com/haasonsaas/relay/internal/upstream"
)

var version = "dev"

func main() {
	root := &cobra.Command{
		Use:          "relay",
		Short:        "Streaming response orchestrator with tool execution and approval gating",
		SilenceUsage: true,
	}

	var configPath string
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the relay server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(configPath)
		},
	}
	serveCmd.Flags().StringVarP(&configPath, "config", "c", "", "path to config file")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("relay", version)
		},
	}

	root.AddCommand(serveCmd, versionCmd)
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func serve(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger := observability.NewLogger(cfg.Logging)
	metrics := observability.NewMetrics(nil)

	ctx := context.Background()
	tracer, shutdownTracer, err := observability.NewTracer(ctx, cfg.Tracing)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}

	var gateway store.Gateway
	var policies policy.Store
	if cfg.Store.Path != "" {
		sqlite, err := store.OpenSQLite(ctx, cfg.Store.Path)
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		gateway = sqlite
		policies, err = policy.NewSQL(ctx, sqlite.DB())
		if err != nil {
			return fmt.Errorf("init policy store: %w", err)
		}
	} else {
		gateway = store.NewMemory()
		policies = policy.NewMemory()
	}

	approvals := approval.NewCoordinator(approval.Config{
		GracePeriod:   cfg.Approval.GracePeriod,
		SweepInterval: cfg.Approval.SweepInterval,
	}, logger.Slog(), metrics)

	registry := toolserver.NewRegistry(cfg.Tools.Servers, toolserver.RegistryConfig{
		IdleTimeout:   cfg.Tools.IdleTimeout,
		SweepInterval: cfg.Tools.SweepInterval,
	}, logger.Slog(), metrics)

	executor := orchestrator.New(policies, approvals, registry, logger, metrics, tracer, orchestrator.Config{
		ApprovalWait:   cfg.Approval.WaitTimeout,
		AcquireTimeout: cfg.Tools.AcquireTimeout,
		ExecuteTimeout: cfg.Tools.ExecuteTimeout,
	})

	upstreamClient := upstream.NewClient(upstream.Config{
		URL:            cfg.Upstream.URL,
		APIKey:         cfg.Upstream.APIKey,
		ConnectTimeout: cfg.Upstream.ConnectTimeout,
	}, logger.Slog())

	srv := server.New(server.Config{
		Host:          cfg.Server.Host,
		Port:          cfg.Server.Port,
		ShutdownGrace: cfg.Server.ShutdownGrace,
	}, upstreamClient, executor, gateway, approvals, logger, metrics)

	shutdown := infra.NewShutdownCoordinator(cfg.Server.ShutdownGrace, logger.Slog())
	shutdown.Register("http", infra.PhasePreShutdown, srv.Shutdown)
	shutdown.Register("approvals", infra.PhaseServices, func(context.Context) error {
		approvals.Close()
		return nil
	})
	shutdown.Register("toolservers", infra.PhaseConnections, registry.Close)
	shutdown.Register("store", infra.PhaseConnections, func(context.Context) error {
		return gateway.Close()
	})
	shutdown.Register("tracing", infra.PhaseConnections, func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		return shutdownTracer(ctx)
	})

	done := shutdown.OnSignal()

	if err := srv.ListenAndServe(); err != nil {
		return fmt.Errorf("http server: %w", err)
	}
	<-done
	return nil
}
