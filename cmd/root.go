package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/nigping/relay-agent/internal/application"
	"github.com/nigping/relay-agent/internal/config"
	"github.com/nigping/relay-agent/internal/errors"
	"github.com/nigping/relay-agent/internal/logger"
	"github.com/nigping/relay-agent/internal/metrics"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	cfgFile string         // Path to custom config file (optional)
	cfg     *config.Config // Global reference to loaded configuration
)

// flagKeys maps persistent flags onto config keys.
var flagKeys = map[string]string{
	"log-level":      "logging.LEVEL",
	"interface":      "agent.INTERFACE",
	"listen-port":    "agent.LISTEN_PORT",
	"public-address": "agent.PUBLIC_ADDRESS",
	"health-addr":    "health.ADDR",
}

// rootCmd defines the main CLI command for the relay agent
var rootCmd = &cobra.Command{
	Use:   "relay-agent",
	Short: "relay-agent keeps a WireGuard relay in sync with the peer directory",
	Long: `relay-agent runs on each VPS relay. It provisions the relay's WireGuard identity,
registers the relay in the shared store and keeps the tunnel interface's peer list
in sync with the active peer records for this relay.`,
	Example: `
  relay-agent start --config /etc/relay-agent/config.yaml
  relay-agent start --public-address 203.0.113.7 --log-level debug
  relay-agent render --interface wg1`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Skip config loading for version command
		if cmd.Name() == "version" {
			return nil
		}

		if cfgFile != "" {
			absPath, err := filepath.Abs(cfgFile)
			if err != nil {
				return fmt.Errorf("failed to resolve config path: %w", err)
			}
			cfgFile = absPath
		}

		flags := cmd.Flags()
		var err error
		cfg, err = config.LoadWith(cfgFile, logger.L(), func(v *viper.Viper) {
			for flag, key := range flagKeys {
				if f := flags.Lookup(flag); f != nil && f.Changed {
					v.Set(key, f.Value.String())
				}
			}
		})
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}
		return nil
	},
	Run: func(cmd *cobra.Command, args []string) {
		// Default behavior: show help when no subcommand is provided
		if err := cmd.Help(); err != nil {
			fmt.Fprintf(os.Stderr, "Error displaying help: %v\n", err)
		}
	},
}

// Execute runs the root command with the provided context and returns the
// process exit code.
func Execute(ctx context.Context) int {
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the relay agent",
	Long:  "Provision, register, sync once, then follow peer changes until terminated",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		metrics.RegisterMetrics()

		logger.Info("Starting relay agent...",
			zap.String("config_file", cfgFile),
			zap.String("interface", cfg.Agent.Interface))

		agent, err := application.New(ctx, cfg)
		if err != nil {
			logger.Error("Failed to initialize the agent", zap.Error(err))
			return err
		}

		if err := agent.Run(ctx); err != nil {
			logger.Error("Relay agent stopped",
				zap.Error(err),
				zap.Bool("fatal", errors.IsFatal(err)))
			return err
		}
		logger.Info("Relay agent has shut down successfully.")
		return nil
	},
}

var renderCmd = &cobra.Command{
	Use:   "render",
	Short: "Print the configuration a sync would apply now",
	Long:  "Read the existing identity and the active peers for this relay and print the interface configuration without applying it",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		b := application.NewAgentBuilder(cfg)
		if err := b.BuildDB(ctx); err != nil {
			return err
		}
		b.BuildIdentity()
		b.BuildRegistration()
		b.BuildReconciler()
		agent, err := b.Build()
		if err != nil {
			return err
		}
		defer agent.Shutdown()

		res, err := agent.Preview(ctx)
		if err != nil {
			return err
		}
		fmt.Fprint(cmd.OutOrStdout(), res.Text)
		for _, skip := range res.Skipped {
			fmt.Fprintf(cmd.ErrOrStderr(), "skipped peer %s: %s\n", skip.Peer.ID, skip.Reason)
		}
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number of relay-agent",
	Long:  "Print the version number of relay-agent along with build information",
	Run: func(cmd *cobra.Command, args []string) {
		if detailed, _ := cmd.Flags().GetBool("detailed"); detailed {
			fmt.Fprintln(cmd.OutOrStdout(), GetFullVersionInfo())
		} else {
			fmt.Fprintln(cmd.OutOrStdout(), GetVersionWithPrefix())
		}
	},
}

// init sets up flags and subcommands
func init() {
	// Add persistent flags (inherited by all subcommands)
	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&cfgFile, "config", "c", "", "Path to custom config file (optional)")
	pf.String("log-level", "info", "Logging level (debug, info, warn, error, fatal)")
	pf.String("interface", "wg0", "WireGuard interface name")
	pf.Int("listen-port", 51820, "WireGuard listen port")
	pf.String("public-address", "", "Public address to register instead of asking the echo service")
	pf.String("health-addr", ":8080", "Listen address for the health endpoint")

	versionCmd.Flags().BoolP("detailed", "d", false, "Show detailed version information")

	rootCmd.AddCommand(startCmd, renderCmd, versionCmd)
}
