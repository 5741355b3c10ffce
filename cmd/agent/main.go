// Command agent runs the private-side half of the fabric: one
// MappingManager per configured Mapping, each maintaining an idle
// Session pool toward the Gateway and forwarding to a local service, all
// fronted by an HTTP/JSON control plane mirror (see internal/agent).
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/relayfabric/tunnel/internal/agent"
	"github.com/relayfabric/tunnel/internal/logging"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func main() {
	var configPath string
	var logLevel string
	var devLog bool

	root := &cobra.Command{
		Use:   "agent",
		Short: "Private-side relay client forwarding to local services",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath, logLevel, devLog)
		},
	}
	root.Flags().StringVar(&configPath, "config", "agent.json", "path to the Agent's persisted JSON config")
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

	store, err := agent.NewStore(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	fabric := agent.New(store, log.Named("agent"))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	webAddr := ":" + strconv.Itoa(store.Server().WebPort)
	log.Info("agent starting", zap.String("web_addr", webAddr),
		zap.String("gateway", store.Server().Host), zap.Int("gateway_port", store.Server().Port))
	return fabric.Run(ctx, webAddr)
}
