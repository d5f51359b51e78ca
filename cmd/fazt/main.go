package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/fazt-sh/fazt/internal/config"
	"github.com/fazt-sh/fazt/internal/logging"
	"github.com/fazt-sh/fazt/internal/server"
)

// Version information (set at build time with -ldflags)
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

var (
	flagDataDir string
	flagPort    int
	flagDomain  string
)

var rootCmd = &cobra.Command{
	Use:     "fazt",
	Short:   "fazt - single-binary sovereign hosting kernel",
	Long:    `fazt hosts many sites on one server: static files on subdomains, JS handlers, WebSocket channels, and per-app storage, all backed by a single SQLite database.`,
	Version: Version,
	Run: func(cmd *cobra.Command, args []string) {
		runServer(cmd)
	},
}

func init() {
	rootCmd.Flags().StringVarP(&flagDataDir, "data-dir", "d", "", "data directory holding fazt.db, fazt.yaml, and .env")
	rootCmd.Flags().IntVarP(&flagPort, "port", "p", 0, "listen port (overrides config)")
	rootCmd.Flags().StringVar(&flagDomain, "domain", "", "base domain for subdomain routing (overrides config)")
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("fazt %s\n", Version)
		if BuildTime != "unknown" {
			fmt.Printf("Built: %s\n", BuildTime)
		}
		if GitCommit != "unknown" {
			fmt.Printf("Commit: %s\n", GitCommit)
		}
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServer(cmd *cobra.Command) {
	// Baseline logger for startup lines emitted before config loads.
	logging.Init(logging.Config{
		Format:    "auto",
		Level:     "info",
		Component: "fazt",
	})

	cfg, err := config.Load(flagDataDir)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	if cmd.Flags().Changed("port") {
		cfg.Server.Port = flagPort
	}
	if flagDomain != "" {
		cfg.Server.Domain = flagDomain
	}

	// Re-initialize logging with configuration-driven settings.
	logging.Init(logging.Config{
		Format:     cfg.Logging.Format,
		Level:      cfg.Logging.Level,
		Component:  "fazt",
		FilePath:   cfg.Logging.FilePath,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
		Compress:   cfg.Logging.Compress,
	})
	defer logging.Shutdown()

	log.Info().
		Str("version", Version).
		Str("dataDir", cfg.Storage.DataDir).
		Str("domain", cfg.Server.Domain).
		Msg("Starting fazt hosting kernel")

	srv, err := server.New(cfg, Version)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to assemble kernel")
	}

	// Watch fazt.yaml and .env for the settings that apply live.
	watcher, err := config.NewWatcher(cfg)
	if err != nil {
		log.Warn().Err(err).Msg("Config watcher unavailable; config changes require a restart")
	} else {
		watcher.Start()
		defer watcher.Stop()
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Server failed")
		}
	}()

	// SIGTERM and SIGINT shut down; SIGHUP reloads the configuration.
	sigChan := make(chan os.Signal, 1)
	reloadChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	signal.Notify(reloadChan, syscall.SIGHUP)

	for {
		select {
		case <-reloadChan:
			log.Info().Msg("Received SIGHUP, reloading configuration...")
			if watcher != nil {
				watcher.Reload()
			}

		case <-sigChan:
			log.Info().Msg("Shutting down server...")
			goto shutdown
		}
	}

shutdown:
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server shutdown error")
	}

	log.Info().Msg("Server stopped")
}
