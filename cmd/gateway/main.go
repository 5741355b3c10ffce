// Command gateway runs the public-facing half of the fabric: the port
// allocator, the multi-protocol dispatcher, and the Control Channel
// Acceptor, all fronted by an HTTP/JSON control plane (see
// internal/gateway).
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/relayfabric/tunnel/internal/gateway"
	"github.com/relayfabric/tunnel/internal/logging"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func main() {
	var configPath string
	var logLevel string
	var devLog bool

	root := &cobra.Command{
		Use:   "gateway",
		Short: "Public-facing relay endpoint for rented ports",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath, logLevel, devLog)
		},
	}
	root.Flags().StringVar(&configPath, "config", "gateway.json", "path to the Gateway's persisted JSON config")
	root.Flags().StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")
	root.Flags().BoolVar(&devLog, "dev-log", false, "use a human-readable console log encoder")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(configPath, logLevel string, devLog bool) error {
	log := logging.New(logLevel, devLog)
	defer log.Sync()

	cfg, err := gateway.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	fabric, err := gateway.New(*cfg, configPath, log.Named("gateway"))
	if err != nil {
		log.Error("gateway failed to start", zap.Error(err))
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	webAddr := ":" + strconv.Itoa(cfg.Server.WebPort)
	log.Info("gateway starting", zap.String("web_addr", webAddr), zap.Int("data_plane_port", cfg.Server.DataPlanePort))
	return fabric.Run(ctx, webAddr)
}
