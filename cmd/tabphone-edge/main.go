// Command tabphone-edge runs one edge client: it dials the hub, owns the
// local peer connection and microphone, and can drive the SIP lifecycle
// and place a call from the command line.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tabphone/tabphone/edge"
	"github.com/tabphone/tabphone/edge/rtc"
	"github.com/tabphone/tabphone/internal/cli"
	"github.com/tabphone/tabphone/internal/config"
	"github.com/tabphone/tabphone/internal/eventbus"
	"github.com/tabphone/tabphone/pkg/protocol"
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
		Use:           "tabphone-edge",
		Short:         "tabphone edge — tab-side client with the media path",
		RunE:          runEdge,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.Flags().StringP("config", "c", "", "path to config file")
	root.Flags().String("hub", "", "hub WebSocket URL (overrides config)")
	root.Flags().String("sip-config", "", "SIP account file; when set the edge initializes, connects and registers")
	root.Flags().String("call", "", "SIP URI to dial once registered")
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

func runEdge(cmd *cobra.Command, _ []string) error {
	cfg := &config.Edge{}
	if path, _ := cmd.Flags().GetString("config"); path != "" {
		loaded, err := config.LoadEdge(path)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	cfg.ApplyDefaults()

	if hubURL, _ := cmd.Flags().GetString("hub"); hubURL != "" {
		cfg.HubURL = hubURL
	}
	if level, _ := cmd.Flags().GetString("log-level"); level != "" {
		cfg.LogLevel = level
	}
	if format, _ := cmd.Flags().GetString("log-format"); format != "" {
		cfg.LogFormat = format
	}

	logger := cli.BuildLogger(cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting tabphone edge", "version", version, "hub", cfg.HubURL)

	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	client := edge.New(cfg, logger)
	client.AttachWorker(rtc.NewWorker(client, logger))
	defer client.Close()

	client.On(eventbus.CallUpdate, func(payload any) {
		if update, ok := payload.(*protocol.CallUpdate); ok {
			logger.Info("call update", "call_id", update.CallID, "state", update.State, "reason", update.EndReason)
		}
	})
	client.On(eventbus.IncomingCall, func(payload any) {
		if incoming, ok := payload.(*protocol.IncomingCall); ok {
			logger.Info("incoming call", "call_id", incoming.CallID, "from", incoming.From)
		}
	})

	if _, err := client.Initialize(ctx); err != nil {
		return err
	}

	if sipPath, _ := cmd.Flags().GetString("sip-config"); sipPath != "" {
		if err := bringUpSIP(client, sipPath); err != nil {
			return err
		}
		if target, _ := cmd.Flags().GetString("call"); target != "" {
			callID, err := client.MakeCall(target, nil)
			if err != nil {
				return fmt.Errorf("make call: %w", err)
			}
			logger.Info("dialing", "call_id", callID, "target", target)
		}
	}

	<-ctx.Done()
	return nil
}

// bringUpSIP drives initialize → connect → register from a SIP account file.
func bringUpSIP(client *edge.Client, path string) error {
	var sip config.SIP
	if err := loadSIP(path, &sip); err != nil {
		return err
	}
	if err := client.InitializeSIP(&sip); err != nil {
		return fmt.Errorf("sip init: %w", err)
	}
	if err := client.ConnectSIP(); err != nil {
		return fmt.Errorf("sip connect: %w", err)
	}
	if err := client.RegisterSIP(); err != nil {
		return fmt.Errorf("sip register: %w", err)
	}
	return nil
}

func loadSIP(path string, dst *config.SIP) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read sip config: %w", err)
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("parse sip config %s: %w", path, err)
	}
	return nil
}
