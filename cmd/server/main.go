// Bookshelf Server
//
// Features:
// - Document library index with recent-first ordering
// - PDF / EPUB viewers and inline HTML documents
// - Range-aware raw file endpoint
// - Live library updates over SSE (fsnotify)
// - Host monitor page (gopsutil)
// - Prometheus metrics & structured logging (zap)
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fruitsalade/bookshelf/internal/api"
	"github.com/fruitsalade/bookshelf/internal/config"
	"github.com/fruitsalade/bookshelf/internal/events"
	"github.com/fruitsalade/bookshelf/internal/library"
	"github.com/fruitsalade/bookshelf/internal/logging"
	"github.com/fruitsalade/bookshelf/internal/metrics"
	"github.com/fruitsalade/bookshelf/internal/storage"
	"github.com/fruitsalade/bookshelf/internal/sysinfo"
	"github.com/fruitsalade/bookshelf/internal/watcher"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := config.New()

	cmd := &cobra.Command{
		Use:          "bookshelf",
		Short:        "Serve a personal document library to the browser",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(v)
			if err != nil {
				return fmt.Errorf("configuration error: %w", err)
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg)
		},
	}

	flags := cmd.Flags()
	flags.String("config", "", "YAML config file (env BOOKSHELF_CONFIG)")
	flags.String("listen", "", "HTTP listen address (default 0.0.0.0:8080)")
	flags.String("metrics-addr", "", "Prometheus listen address, empty to disable (default :9090)")
	flags.String("storage", "", "document storage root (default <exe dir>/../storage)")
	flags.String("cache-ttl", "", "file list cache lifetime, e.g. 600 or 10m")
	flags.Int("recent", 0, "number of recently viewed documents to keep")
	flags.StringSlice("patterns", nil, "document glob patterns (default *.pdf,*.epub,*.html,*.htm)")
	flags.String("log-level", "", "debug, info, warn or error")
	flags.String("log-format", "", "json or console")
	flags.String("static-dir", "", "serve /static/ from this directory")
	flags.Bool("watch", true, "invalidate the file list on filesystem changes")
	flags.Bool("debug-endpoints", false, "enable /debug/url/")

	bindFlags(v, flags, map[string]string{
		config.KeyConfigFile:      "config",
		config.KeyListenAddr:      "listen",
		config.KeyMetricsAddr:     "metrics-addr",
		config.KeyStorageRoot:     "storage",
		config.KeyCacheTTL:        "cache-ttl",
		config.KeyRecentFiles:     "recent",
		config.KeyAllowedPatterns: "patterns",
		config.KeyLogLevel:        "log-level",
		config.KeyLogFormat:       "log-format",
		config.KeyStaticDir:       "static-dir",
		config.KeyWatchEnabled:    "watch",
		config.KeyDebugEndpoints:  "debug-endpoints",
	})
	return cmd
}

// bindFlags makes explicitly set flags override every other source.
func bindFlags(v *viper.Viper, flags *pflag.FlagSet, keys map[string]string) {
	for key, name := range keys {
		if err := v.BindPFlag(key, flags.Lookup(name)); err != nil {
			panic("bind flag " + name + ": " + err.Error())
		}
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	if err := logging.Init(logging.Config{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
	}); err != nil {
		return fmt.Errorf("logging init: %w", err)
	}
	defer logging.Sync()

	logging.Info("Bookshelf server starting...",
		zap.String("listen", cfg.ListenAddr),
		zap.String("metrics", cfg.MetricsAddr),
		zap.String("storage", cfg.StorageRoot))

	root, err := storage.NewRoot(cfg.StorageRoot, true)
	if err != nil {
		return fmt.Errorf("storage root: %w", err)
	}

	lib, err := library.New(root, library.Options{
		TTL:       cfg.CacheTTL,
		RecentCap: cfg.RecentFiles,
		Patterns:  cfg.AllowedPatterns,
	})
	if err != nil {
		return fmt.Errorf("library: %w", err)
	}

	broadcaster := events.NewBroadcaster()
	g, gctx := errgroup.WithContext(ctx)

	if cfg.WatchEnabled {
		w, err := watcher.New(root.Path(), func(e events.Event) {
			lib.Invalidate()
			broadcaster.Publish(e)
		})
		if err != nil {
			return fmt.Errorf("watcher: %w", err)
		}
		if err := w.Start(gctx); err != nil {
			// The TTL still bounds staleness without a watcher.
			logging.Error("watcher disabled", zap.Error(err))
		} else {
			g.Go(func() error {
				<-w.Done()
				return nil
			})
		}
		defer w.Stop()
	}

	collector := sysinfo.New(sysinfo.Options{
		StoragePath:    root.Path(),
		SampleInterval: cfg.CPUSampleInterval,
		Files:          lib,
	})

	srv, err := api.NewServer(root, lib, collector, broadcaster, api.Options{
		StaticDir:      cfg.StaticDir,
		DebugEndpoints: cfg.DebugEndpoints,
	})
	if err != nil {
		return err
	}

	servers := []*http.Server{{
		Addr:              cfg.ListenAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}}
	if cfg.MetricsAddr != "" {
		servers = append(servers, &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           metrics.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		})
	}

	for _, s := range servers {
		g.Go(func() error {
			logging.Info("server listening", zap.String("addr", s.Addr))
			if err := s.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("listen %s: %w", s.Addr, err)
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		logging.Info("shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		for _, s := range servers {
			// Open SSE streams never finish on their own.
			if err := s.Shutdown(shutdownCtx); err != nil {
				s.Close()
			}
		}
		return nil
	})

	return g.Wait()
}
