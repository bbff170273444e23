// Command tabphone-hub runs the singleton hub: the shared SIP endpoint and
// the WebSocket control plane the edges dial.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tabphone/tabphone/hub"
	"github.com/tabphone/tabphone/internal/cli"
	"github.com/tabphone/tabphone/internal/config"
)

var version = "dev"

func main() {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "tabphone-hub",
		Short:         "tabphone hub — shared SIP endpoint for edge clients",
		RunE:          runHub,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.Flags().StringP("config", "c", "", "path to config file")
	root.Flags().String("listen", "", "listen address (overrides config)")
	root.Flags().String("log-level", "", "log level: debug, info, warn, error")
	root.Flags().String("log-format", "", "log format: text or json")

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Println(version)
		},
	})
	return root
}

func runHub(cmd *cobra.Command, _ []string) error {
	cfg := &config.Hub{}
	if path, _ := cmd.Flags().GetString("config"); path != "" {
		loaded, err := config.LoadHub(path)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	cfg.ApplyDefaults()

	if listen, _ := cmd.Flags().GetString("listen"); listen != "" {
		cfg.ListenAddr = listen
	}
	if level, _ := cmd.Flags().GetString("log-level"); level != "" {
		cfg.LogLevel = level
	}
	if format, _ := cmd.Flags().GetString("log-format"); format != "" {
		cfg.LogFormat = format
	}

	logger := cli.BuildLogger(cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting tabphone hub", "version", version, "addr", cfg.ListenAddr)

	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	return hub.New(cfg, logger).Serve(ctx)
}
