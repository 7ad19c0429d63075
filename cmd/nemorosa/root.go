// Copyright (c) 2025-2026, the nemorosa contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/nemorosa/nemorosa/internal/api"
	"github.com/nemorosa/nemorosa/internal/cache"
	"github.com/nemorosa/nemorosa/internal/clientadapter"
	"github.com/nemorosa/nemorosa/internal/config"
	"github.com/nemorosa/nemorosa/internal/orchestrator"
	"github.com/nemorosa/nemorosa/internal/search"
	"github.com/nemorosa/nemorosa/internal/store"
)

// errNoClient marks a failure reaching the configured torrent client,
// the runtime condition the CLI maps to exit code 3.
var errNoClient = errors.New("nemorosa: torrent client unreachable")

var (
	flagConfig            string
	flagClientURL         string
	flagNoDownload        bool
	flagRetryUndownloaded bool
	flagServerMode        bool
	flagTorrentHash       string
	flagHost              string
	flagPort              int
	flagLogLevel          string
)

var rootCmd = &cobra.Command{
	Use:   "nemorosa",
	Short: "Cross-seed match-and-reconcile engine for Gazelle-family trackers",
	Long: "nemorosa scans a torrent client's library, searches configured\n" +
		"trackers for matching releases, and reconciles file layouts so the\n" +
		"matched torrent can be injected and cross-seeded without a full\n" +
		"re-download.",
	RunE: runRoot,
}

func init() {
	rootCmd.Flags().StringVar(&flagConfig, "config", "", "path to config.yml (defaults to the platform user-config directory)")
	rootCmd.Flags().StringVar(&flagClientURL, "client", "", "override downloader.client from config")
	rootCmd.Flags().BoolVar(&flagNoDownload, "no-download", false, "find and log matches without downloading or injecting")
	rootCmd.Flags().BoolVarP(&flagRetryUndownloaded, "retry-undownloaded", "r", false, "drain due Retry Ledger entries and exit")
	rootCmd.Flags().BoolVarP(&flagServerMode, "server", "s", false, "run the HTTP webhook/jobs server instead of a one-shot scan")
	rootCmd.Flags().StringVarP(&flagTorrentHash, "torrent", "t", "", "run against a single local torrent by infohash")
	rootCmd.Flags().StringVar(&flagHost, "host", "", "override server.host from config")
	rootCmd.Flags().IntVar(&flagPort, "port", 0, "override server.port from config")
	rootCmd.Flags().StringVarP(&flagLogLevel, "loglevel", "l", "", "override global.loglevel from config")
}

// Execute runs the root command under a context canceled on SIGINT/SIGTERM,
// so server mode can shut down its HTTP listener gracefully.
func Execute() error {
	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	return rootCmd.ExecuteContext(ctx)
}

// exitCodeFor maps a terminal error to the process exit code spec.md
// §6 defines: 0 success, 1 runtime failure, 2 configuration invalid, 3
// no client reachable.
func exitCodeFor(err error) int {
	var cfgErr *config.ConfigError
	switch {
	case err == nil:
		return 0
	case errors.As(err, &cfgErr):
		return 2
	case errors.Is(err, errNoClient):
		return 3
	default:
		return 1
	}
}

func runRoot(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return err
	}
	applyOverrides(cfg)

	configureLogging(cfg.Global.LogLevel)

	client, err := clientadapter.New(cfg.Downloader.Client)
	if err != nil {
		return fmt.Errorf("%w: %v", errNoClient, err)
	}

	dataDir, err := dataDirectory()
	if err != nil {
		return err
	}
	st, err := store.Open(dataDir)
	if err != nil {
		return fmt.Errorf("nemorosa: open store: %w", err)
	}
	defer st.Close()

	c := cache.New()
	if err := seedCache(cmd.Context(), c, client); err != nil {
		return fmt.Errorf("%w: %v", errNoClient, err)
	}

	sites, err := orchestrator.BuildSites(cfg)
	if err != nil {
		return err
	}

	orch := orchestrator.New(cfg, c, st, client, sites)
	defer orch.Close()

	ctx := cmd.Context()

	switch {
	case flagServerMode:
		return runServer(ctx, cfg, orch, st)
	case flagRetryUndownloaded:
		return orch.RunRetry(ctx)
	case flagTorrentHash != "":
		return orch.RunSingle(ctx, flagTorrentHash)
	default:
		return runFullScanWithProgress(ctx, orch, c, cfg, sites)
	}
}

// runFullScanWithProgress drives a full scan with a terminal progress
// bar, the same schollz/progressbar rendering used for long-running
// one-shot CLI work, ticked once per completed (torrent, site) pair.
func runFullScanWithProgress(ctx context.Context, orch *orchestrator.Orchestrator, c *cache.Cache, cfg *config.Config, sites []search.Fetcher) error {
	total := len(c.AllFiltered(cfg.Global.CheckTrackers)) * len(sites)
	if total == 0 {
		return orch.RunFullScan(ctx)
	}

	bar := progressbar.NewOptions(total,
		progressbar.OptionSetDescription("[cyan][bold]Scanning library...[reset]"),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionShowCount(),
		progressbar.OptionClearOnFinish(),
	)
	orch.SetProgressFunc(func() { _ = bar.Add(1) })
	return orch.RunFullScan(ctx)
}

func applyOverrides(cfg *config.Config) {
	if flagClientURL != "" {
		cfg.Downloader.Client = flagClientURL
	}
	if flagNoDownload {
		cfg.Global.NoDownload = true
	}
	if flagHost != "" {
		cfg.Server.Host = flagHost
	}
	if flagPort != 0 {
		cfg.Server.Port = flagPort
	}
	if flagLogLevel != "" {
		cfg.Global.LogLevel = flagLogLevel
	}
}

func configureLogging(level string) {
	zerolog.TimeFieldFormat = time.RFC3339
	lvl, err := zerolog.ParseLevel(mapLogLevel(level))
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
}

// mapLogLevel translates spec.md's "critical" level onto zerolog's
// "fatal", since zerolog has no separate critical tier.
func mapLogLevel(level string) string {
	if level == "critical" {
		return "fatal"
	}
	return level
}

func dataDirectory() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "nemorosa", "nemorosa.db"), nil
}

func seedCache(ctx context.Context, c *cache.Cache, client clientadapter.Adapter) error {
	torrents, err := client.ListTorrents(ctx)
	if err != nil {
		return err
	}
	c.Rebuild(torrents)
	return nil
}

func runServer(ctx context.Context, cfg *config.Config, orch *orchestrator.Orchestrator, st *store.Store) error {
	searchCadence, err := config.ParseCadence(cfg.Server.SearchCadence)
	if err != nil {
		return err
	}
	cleanupCadence, err := config.ParseCadence(cfg.Server.CleanupCadence)
	if err != nil {
		return err
	}
	orch.StartScheduled(ctx, searchCadence, cleanupCadence)
	defer orch.StopScheduled()

	srv := api.NewServer(cfg.Server.APIKey, orch, st)
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	log.Info().Str("addr", addr).Msg("nemorosa: server listening")

	errCh := make(chan error, 1)
	go func() { errCh <- httpServer.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
