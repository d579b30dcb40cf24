package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/alecthomas/kong"

	"github.com/bustesoul/varmanager/internal/activation"
	"github.com/bustesoul/varmanager/internal/config"
	"github.com/bustesoul/varmanager/internal/download"
	"github.com/bustesoul/varmanager/internal/httpapi"
	"github.com/bustesoul/varmanager/internal/hub"
	"github.com/bustesoul/varmanager/internal/imagecache"
	"github.com/bustesoul/varmanager/internal/indexer"
	"github.com/bustesoul/varmanager/internal/jobs"
	"github.com/bustesoul/varmanager/internal/linkfs"
	"github.com/bustesoul/varmanager/internal/metrics"
	"github.com/bustesoul/varmanager/internal/scene"
	"github.com/bustesoul/varmanager/internal/store"
)

// Globals holds flags shared by every subcommand.
type Globals struct {
	Verbose bool `help:"Enable debug logging." short:"v" env:"VARMANAGER_VERBOSE"`
}

// CLI is the top-level command tree.
type CLI struct {
	Globals
	Version VersionCmd `cmd:"" help:"Show version information."`
	Serve   ServeCmd   `cmd:"" help:"Run the daemon: HTTP API, job pipeline and metrics."`
}

var Version = "dev"

type VersionCmd struct{}

func (cmd *VersionCmd) Run(globals *Globals) error {
	fmt.Printf("%s\n", Version)
	return nil
}

// ServeCmd starts the daemon.
type ServeCmd struct {
	ConfigPath  string `help:"Path to the JSON configuration file." default:"varmanager.json" env:"VARMANAGER_CONFIG"`
	DBPath      string `help:"Path to the sqlite database file." default:"varmanager.db" env:"VARMANAGER_DB"`
	CacheDir    string `help:"Directory for the on-disk image cache tier." default:"imagecache" env:"VARMANAGER_CACHE_DIR"`
	AddonDir    string `help:"AddonPackages directory name under vampath." default:"AddonPackages" env:"VARMANAGER_ADDON_DIR"`
	HostProcess string `help:"Process name of the VaM host; the rescan sentinel is only written while this process is running." default:"VaM.exe" env:"VARMANAGER_HOST_PROCESS"`
}

func (cmd *ServeCmd) Run(globals *Globals) error {
	cfgStore, err := config.Load(cmd.ConfigPath)
	if err != nil {
		return fmt.Errorf("varmanager: loading config: %w", err)
	}
	cfg := cfgStore.Get()
	if err := cfg.RequirePaths(); err != nil {
		return fmt.Errorf("varmanager: %w (set varspath and vampath in %s)", err, cmd.ConfigPath)
	}

	opts := &slog.HandlerOptions{Level: logLevel(cfg.LogLevel)}
	if globals.Verbose {
		opts.Level = slog.LevelDebug
	}
	log := slog.New(slog.NewJSONHandler(os.Stderr, opts))

	ctx := context.Background()

	st, err := store.Open(ctx, cmd.DBPath)
	if err != nil {
		return fmt.Errorf("varmanager: opening store: %w", err)
	}
	defer st.Close()

	mx, err := metrics.New()
	if err != nil {
		return fmt.Errorf("varmanager: initializing metrics: %w", err)
	}
	go func() {
		if err := metrics.ListenAndServe(cfg.MetricsListenAddr); err != nil {
			log.Error("metrics server exited", slog.String("addr", cfg.MetricsListenAddr), slog.String("error", err.Error()))
		}
	}()

	addonDir := filepath.Join(cfg.VamPath, cmd.AddonDir)
	act := activation.New(st, linkfs.New(), cfg.VarsPath, addonDir, cmd.HostProcess)
	ix := indexer.New(st, act, cfgStore, cfg.VarsPath)
	ix.SetMetrics(mx)
	sc := scene.New(st, act, cfgStore, cfg.VarsPath)
	dl := download.New(st, cfgStore)
	dl.SetMetrics(mx)
	cache := imagecache.New(st, cfgStore, cmd.CacheDir)
	cache.SetMetrics(mx)
	hc := hub.New()

	if n, err := dl.RecoverOnStartup(ctx); err != nil {
		log.Error("pausing interrupted downloads after restart failed", slog.String("error", err.Error()))
	} else if n > 0 {
		log.Info("paused interrupted downloads after restart", slog.Int("count", n))
	}
	if err := cache.ReconcileOrphans(ctx); err != nil {
		log.Error("reconciling image cache orphans failed", slog.String("error", err.Error()))
	}
	stopMaintenance := cache.StartMaintenance(ctx)
	defer stopMaintenance()

	var shutdownOnce sync.Once
	shutdownCh := make(chan struct{})

	deps := &httpapi.Deps{
		Store:      st,
		Config:     cfgStore,
		Activation: act,
		Indexer:    ix,
		Scene:      sc,
		Downloads:  dl,
		Cache:      cache,
		Hub:        hc,
		Shutdown: func() {
			shutdownOnce.Do(func() { close(shutdownCh) })
		},
	}
	handlers := httpapi.BuildJobHandlers(deps)
	deps.Jobs = jobs.New(int64(cfg.JobConcurrency), handlers)
	deps.Jobs.SetMetrics(mx)
	defer deps.Jobs.Shutdown(10 * time.Second)

	addr := fmt.Sprintf("%s:%d", cfg.ListenHost, cfg.ListenPort)
	server := &http.Server{
		Addr:    addr,
		Handler: httpapi.New(log, deps),
	}

	serverErrCh := make(chan error, 1)
	go func() {
		serverErrCh <- server.ListenAndServe()
	}()
	log.Info("serving", slog.String("addr", addr), slog.String("metricsAddr", cfg.MetricsListenAddr), slog.String("db", cmd.DBPath))

	sigCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case <-sigCtx.Done():
		log.Info("received interrupt, shutting down")
	case <-shutdownCh:
		log.Info("shutdown requested via API")
	case err := <-serverErrCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("varmanager: server exited: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("error during graceful shutdown", slog.String("error", err.Error()))
	}
	log.Info("shutdown complete")
	return nil
}

func logLevel(level string) slog.Level {
	switch level {
	case "debug", "trace":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func main() {
	cli := CLI{}
	ctx := kong.Parse(&cli,
		kong.Name("varmanager"),
		kong.Description("Manage a VaM var library: resolve dependencies, activate installs, and drive scene, hub and download jobs."),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{Compact: true}),
	)
	err := ctx.Run(&cli.Globals)
	ctx.FatalIfErrorf(err)
}
