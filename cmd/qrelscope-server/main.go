// Package main provides the qrelscope server binary.
// It serves the benchmark catalog, search, evaluation and LLM endpoints over HTTP.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/qrelscope/qrelscope/internal/config"
	"github.com/qrelscope/qrelscope/internal/pkg/logger"
	"github.com/qrelscope/qrelscope/internal/server"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "qrelscope-server",
		Short: "qrelscope server - browse and evaluate IR benchmarks",
		Long: `qrelscope-server exposes corpora, datasets, queries, documents and
relevance judgments over an HTTP API, with full-text search, retrieval
evaluation and optional Ollama-backed summaries and answers.

Examples:
  qrelscope-server                          # Start with defaults
  qrelscope-server -c qrelscope.yaml        # Load a config file
  qrelscope-server --port 9000 --migrate    # Custom port, migrate first`,
		RunE:         runServer,
		SilenceUsage: true,
	}

	rootCmd.Flags().StringP("config", "c", "", "config file path")
	rootCmd.Flags().BoolP("verbose", "v", false, "verbose logging")
	rootCmd.Flags().String("host", "0.0.0.0", "server host")
	rootCmd.Flags().Int("port", 8103, "HTTP server port")
	rootCmd.Flags().Bool("migrate", false, "apply database migrations before serving")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("qrelscope-server %s\n", version)
			fmt.Printf("  commit: %s\n", commit)
			fmt.Printf("  built:  %s\n", date)
		},
	})

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runServer(cmd *cobra.Command, _ []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	verbose, _ := cmd.Flags().GetBool("verbose")

	appCfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Override from flags
	if cmd.Flags().Changed("host") {
		appCfg.Host, _ = cmd.Flags().GetString("host")
	}
	if cmd.Flags().Changed("port") {
		appCfg.Port, _ = cmd.Flags().GetInt("port")
	}
	if cmd.Flags().Changed("migrate") {
		appCfg.Database.MigrateOnStart, _ = cmd.Flags().GetBool("migrate")
	}
	if verbose {
		appCfg.Log.Level = "debug"
	}

	log := logger.New(appCfg.Log.Level, appCfg.Log.Format)
	log.Info("Starting qrelscope server",
		"version", version,
		"port", appCfg.Port,
		"llm_enabled", appCfg.LLMEnabled(),
	)

	ctx, stop := signal.NotifyContext(context.Background(), shutdownSignals...)
	defer stop()

	srv, err := server.New(ctx, server.ConfigFrom(appCfg, version), appCfg, log)
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case err := <-errCh:
		_ = srv.Stop(context.Background())
		return err
	case <-ctx.Done():
		log.Info("Shutdown signal received")
	}

	if err := srv.Stop(context.Background()); err != nil {
		return err
	}
	return <-errCh
}
