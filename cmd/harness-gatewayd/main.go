// Command harness-gatewayd runs the control-plane gateway: the
// multi-user TCP protocol server, the telemetry HTTP ingestor, and the
// background git-status poller described by spec.md §4-§6.
//
// Grounded on cmd/bd/main.go's signal.NotifyContext-based root command
// (context cancellation on SIGINT/SIGTERM) and cmd/dialog-gateway/main.go's
// graceful-shutdown pairing.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jmoyers/harness/internal/config"
	"github.com/jmoyers/harness/internal/gateway"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "harness-gatewayd",
		Short: "Run the harness control-plane gateway",
		RunE:  runGateway,
	}

	flags := cmd.PersistentFlags()
	flags.Int("port", 0, "control-plane TCP port (0 picks a free port)")
	flags.Int("telemetry-port", 0, "telemetry HTTP port (0 picks a free port)")
	flags.String("auth-token", "", "pre-shared auth token (generated if empty)")
	flags.String("runtime-root", "", "override the persisted-state directory")
	flags.Int("max-conns", 0, "maximum concurrent connections (0 = default)")

	v := config.V()
	_ = v.BindPFlag(config.KeyPort, flags.Lookup("port"))
	_ = v.BindPFlag(config.KeyTelemetryPort, flags.Lookup("telemetry-port"))
	_ = v.BindPFlag(config.KeyAuthToken, flags.Lookup("auth-token"))
	_ = v.BindPFlag(config.KeyRuntimeRoot, flags.Lookup("runtime-root"))
	_ = v.BindPFlag(config.KeyMaxConns, flags.Lookup("max-conns"))

	return cmd
}

func runGateway(cmd *cobra.Command, _ []string) error {
	log := slog.New(slog.NewTextHandler(os.Stderr, nil))

	invokeCwd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("harness-gatewayd: getwd: %w", err)
	}
	runtimeRoot, err := config.RuntimeRoot()
	if err != nil {
		return fmt.Errorf("harness-gatewayd: resolve runtime root: %w", err)
	}
	if err := config.MigrateLegacyLayout(invokeCwd, runtimeRoot, log); err != nil {
		return fmt.Errorf("harness-gatewayd: migrate legacy layout: %w", err)
	}
	dbPath, err := config.DatabasePath()
	if err != nil {
		return fmt.Errorf("harness-gatewayd: resolve database path: %w", err)
	}

	gw, err := gateway.New(gateway.Config{
		DatabasePath:        dbPath,
		RuntimeRoot:         runtimeRoot,
		Port:                config.GetInt(config.KeyPort),
		TelemetryPort:       config.GetInt(config.KeyTelemetryPort),
		AuthToken:           config.GetString(config.KeyAuthToken),
		MaxConns:            config.GetInt(config.KeyMaxConns),
		SessionTombstoneTTL: config.GetDuration(config.KeySessionTombstoneTTL),
		Logger:              log,
	})
	if err != nil {
		return fmt.Errorf("harness-gatewayd: construct gateway: %w", err)
	}

	log.Info("harness-gatewayd: auth token minted", "token", gw.AuthToken())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return gw.Run(ctx)
}
