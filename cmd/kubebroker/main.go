package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/rcourtman/kubebroker/internal/config"
	"github.com/rcourtman/kubebroker/internal/logging"
)

// Version information (set at build time with -ldflags)
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

var getenv = os.Getenv

var rootCmd = &cobra.Command{
	Use:   "kubebroker",
	Short: "kubebroker - relays kubectl commands to cluster-resident executors",
	Long: `kubebroker lets a client run whitelisted kubectl commands against clusters it cannot reach.
Executors inside each cluster long-poll the broker for work and post results back.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return serveCmd.RunE(cmd, args)
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "kubebroker %s\n", Version)
		if BuildTime != "unknown" {
			fmt.Fprintf(out, "Built: %s\n", BuildTime)
		}
		if GitCommit != "unknown" {
			fmt.Fprintf(out, "Commit: %s\n", GitCommit)
		}
	},
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.String("env-file", ".env", "Optional .env file read before the environment")
	flags.String("store", "", "Store driver: memory, sqlite or postgres (overrides KUBEBROKER_STORE)")
	flags.String("store-dsn", "", "SQLite path or PostgreSQL connection string (overrides KUBEBROKER_STORE_DSN)")
	flags.String("log-level", "", "Log level: debug, info, warn or error (overrides KUBEBROKER_LOG_LEVEL)")
	flags.String("listen", "", "HTTP listen address (overrides KUBEBROKER_LISTEN_ADDR)")
	flags.String("metrics-addr", "", "Separate metrics listen address (overrides KUBEBROKER_METRICS_ADDR)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(tokenCmd)
}

// loadConfig reads the environment (and .env file), then applies flags the user set.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	envFile, _ := cmd.Flags().GetString("env-file")
	env, err := config.WithEnvFile(envFile, getenv)
	if err != nil {
		return config.Config{}, err
	}
	cfg, err := config.Load(env)
	if err != nil {
		return config.Config{}, fmt.Errorf("load configuration: %w", err)
	}

	overrides := map[string]*string{
		"store":        &cfg.StoreDriver,
		"store-dsn":    &cfg.StoreDSN,
		"log-level":    &cfg.LogLevel,
		"listen":       &cfg.ListenAddr,
		"metrics-addr": &cfg.MetricsAddr,
	}
	for name, dst := range overrides {
		if f := cmd.Flags().Lookup(name); f != nil && f.Changed {
			*dst = f.Value.String()
		}
	}
	cfg.StoreDriver = strings.ToLower(strings.TrimSpace(cfg.StoreDriver))
	if err := cfg.Validate(); err != nil {
		return config.Config{}, fmt.Errorf("invalid configuration: %w", err)
	}

	logging.Init(logging.Config{
		Format:    cfg.LogFormat,
		Level:     cfg.LogLevel,
		Component: "kubebroker",
		FilePath:  cfg.LogFile,
	})
	return cfg, nil
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
