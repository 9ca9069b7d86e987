package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/kardianos/service"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/sigreer/diskd/internal/collector"
	"github.com/sigreer/diskd/internal/config"
	"github.com/sigreer/diskd/internal/daemon"
	"github.com/sigreer/diskd/internal/db"
	"github.com/sigreer/diskd/internal/logging"
	"github.com/sigreer/diskd/internal/monitor"
	"github.com/sigreer/diskd/internal/policy"
	"github.com/sigreer/diskd/internal/server"
	"github.com/sigreer/diskd/internal/version"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the daemon in the foreground",
	Long: `Run the daemon until it receives SIGINT or SIGTERM.

This is the command the installed service executes. It enumerates block
devices, listens for kernel uevents and mount table changes, serves the API
on the configured socket and journals every notification to the database.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg := mustLoadConfig()
		if err := applyRunFlags(cmd.Flags(), cfg); err != nil {
			fail("Error: %v", err)
		}
		s, err := newService(&program{cfg: cfg})
		if err != nil {
			fail("Error creating service: %v", err)
		}
		if err := s.Run(); err != nil {
			fail("Error running daemon: %v", err)
		}
	},
}

func init() {
	runCmd.Flags().Duration("poll-interval", 0, "override poll_interval (0 disables media polling)")
	runCmd.Flags().String("notify-mode", "", "override notify.mode (always or diff)")
	runCmd.Flags().String("log-level", "", "override log.level")
	runCmd.Flags().Bool("log-development", false, "human-readable development logging")
}

// applyRunFlags lays explicitly set flags over cfg
func applyRunFlags(flags *pflag.FlagSet, cfg *config.Config) error {
	if flags.Changed("poll-interval") {
		cfg.PollInterval, _ = flags.GetDuration("poll-interval")
	}
	if flags.Changed("notify-mode") {
		cfg.Notify.Mode, _ = flags.GetString("notify-mode")
	}
	if flags.Changed("log-level") {
		cfg.Log.Level, _ = flags.GetString("log-level")
	}
	if flags.Changed("log-development") {
		cfg.Log.Development, _ = flags.GetBool("log-development")
	}
	return cfg.Validate()
}

// program adapts runDaemon to the service manager's Start/Stop contract
type program struct {
	cfg    *config.Config
	cancel context.CancelFunc
	done   chan error
}

func (p *program) Start(service.Service) error {
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.done = make(chan error, 1)
	go func() {
		err := runDaemon(ctx, p.cfg)
		if err != nil && ctx.Err() == nil {
			fail("Error: %v", err)
		}
		p.done <- err
	}()
	return nil
}

func (p *program) Stop(service.Service) error {
	p.cancel()
	return <-p.done
}

func runDaemon(ctx context.Context, cfg *config.Config) error {
	log, err := logging.New(cfg.Log.Level, cfg.Log.Development)
	if err != nil {
		return err
	}
	log.Info("Starting diskd", "version", version.Version, "socket", cfg.SocketPath)

	store, err := db.New(cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to open journal: %w", err)
	}
	defer store.Close()

	feed := collector.Chain{
		collector.NewUdevFeed(cfg.UdevDataDir),
		collector.NewGhwFeed(log.WithName("ghw"), filepath.Dir(cfg.SysfsRoot)),
	}
	d, err := daemon.New(daemon.Options{
		Config:     cfg,
		Feed:       feed,
		Mounts:     collector.MountTable{},
		Policy:     policy.NewRules(cfg.Policy.Rules),
		Log:        log,
		Registerer: prometheus.DefaultRegisterer,
	})
	if err != nil {
		return err
	}

	// Subscribe before Start so the initial Added events are journaled.
	// The journal drains until Shutdown closes the subscription.
	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	sub := d.Subscribe("", 256)
	wg.Add(1)
	go func() {
		defer wg.Done()
		db.NewJournal(store, log, d.FindByHandle).Run(context.WithoutCancel(ctx), sub.C)
	}()
	defer func() {
		cancel()
		d.Shutdown()
		wg.Wait()
		if n := sub.Dropped(); n > 0 {
			log.Info("Journal missed events", "dropped", n)
		}
	}()

	if err := d.Start(ctx); err != nil {
		return err
	}

	ln, err := server.Listen(cfg.SocketPath)
	if err != nil {
		return err
	}
	srv := server.New(d, cfg, log)

	uevents := make(chan monitor.Uevent, 64)
	mountChanges := make(chan struct{}, 1)

	wg.Add(3)
	go func() {
		defer wg.Done()
		if err := srv.Serve(ctx, ln); err != nil {
			log.Error(err, "API server failed")
		}
	}()
	go func() {
		defer wg.Done()
		if err := monitor.NewUeventMonitor(log.WithName("uevent")).Run(ctx, uevents); err != nil && ctx.Err() == nil {
			log.Error(err, "Uevent monitor stopped, relying on polling")
		}
	}()
	go func() {
		defer wg.Done()
		if err := monitor.NewMountWatcher(log.WithName("mounts"), "").Run(ctx, mountChanges); err != nil && ctx.Err() == nil {
			log.Error(err, "Mount watcher stopped")
		}
	}()

	if cfg.MetricsAddr != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			serveMetrics(ctx, log, cfg.MetricsAddr)
		}()
	}

	return d.Run(ctx, uevents, mountChanges)
}

func serveMetrics(ctx context.Context, log logr.Logger, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info("Serving metrics", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error(err, "Metrics server failed")
	}
}

// journalPath honours the configured database when the config loads
func journalPath() string {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: could not load config: %v\n", err)
		return db.DefaultPath
	}
	return cfg.Database
}
