// Package main provides the qrelscope command line tool for loading and
// evaluating IR benchmarks without running the server.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/qrelscope/qrelscope/internal/bus"
	"github.com/qrelscope/qrelscope/internal/client"
	"github.com/qrelscope/qrelscope/internal/config"
	"github.com/qrelscope/qrelscope/internal/pkg/logger"
	"github.com/qrelscope/qrelscope/internal/store"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "qrelscope",
		Short: "qrelscope - IR benchmark catalog tool",
		Long: `qrelscope loads benchmark corpora, queries and relevance judgments
into the catalog database and evaluates full-text retrieval against them.

Run 'qrelscope-server' to serve the catalog over HTTP.
Run 'qrelscope --help' for available commands.`,
		SilenceUsage: true,
	}

	// Global flags
	rootCmd.PersistentFlags().StringP("config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().String("format", "text", "output format (text, json)")
	rootCmd.PersistentFlags().String("server", "", "qrelscope server URL; read commands query it instead of the database")

	rootCmd.AddCommand(
		migrateCmd(),
		importCmd(),
		corporaCmd(),
		searchCmd(),
		evaluateCmd(),
		eventsCmd(),
		statusCmd(),
		versionCmd(),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("qrelscope %s\n", version)
			fmt.Printf("  commit: %s\n", commit)
			fmt.Printf("  built:  %s\n", date)
		},
	}
}

// loadConfig reads the config file named by the global flag and builds a
// logger from it.
func loadConfig(cmd *cobra.Command) (*config.Config, *logger.Logger, error) {
	configPath, _ := cmd.Flags().GetString("config")
	verbose, _ := cmd.Flags().GetBool("verbose")

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	level := cfg.Log.Level
	if verbose {
		level = "debug"
	}
	return cfg, logger.NewWithWriter(os.Stderr, level, cfg.Log.Format), nil
}

// remoteClient returns an API client when --server is set.
func remoteClient(cmd *cobra.Command) *client.Client {
	serverURL, _ := cmd.Flags().GetString("server")
	if serverURL == "" {
		return nil
	}
	return client.New(client.Config{BaseURL: serverURL})
}

// openStore opens the catalog and attaches the configured event bus so
// changes made from the command line reach the server's caches and journal.
func openStore(ctx context.Context, cfg *config.Config, migrate bool, log *logger.Logger) (*store.Service, func(), error) {
	svc, err := store.Open(ctx, cfg, migrate, log)
	if err != nil {
		return nil, nil, err
	}
	b, err := bus.NewBus(cfg.Bus, log)
	if err != nil {
		svc.DB().Close()
		return nil, nil, err
	}
	svc.SetBus(b)

	closeFn := func() {
		if err := b.Close(); err != nil {
			log.Warn("Event bus close error", "error", err)
		}
		if err := svc.DB().Close(); err != nil {
			log.Warn("Database close error", "error", err)
		}
	}
	return svc, closeFn, nil
}

// printJSON writes v as indented JSON when --format=json and reports
// whether it did.
func printJSON(cmd *cobra.Command, v any) (bool, error) {
	format, _ := cmd.Flags().GetString("format")
	switch format {
	case "json":
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return true, enc.Encode(v)
	case "text", "":
		return false, nil
	default:
		return false, fmt.Errorf("unknown output format %q", format)
	}
}
