// sid watches dnsmasq for devices that were refused an address and lets an
// operator (or a RADIUS server) approve them with a static lease.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	bolt "go.etcd.io/bbolt"
	"golang.org/x/sync/errgroup"

	"github.com/carpie/sid/internal/allocator"
	"github.com/carpie/sid/internal/api"
	"github.com/carpie/sid/internal/approval"
	"github.com/carpie/sid/internal/audit"
	"github.com/carpie/sid/internal/config"
	"github.com/carpie/sid/internal/conflict"
	"github.com/carpie/sid/internal/ddns"
	"github.com/carpie/sid/internal/dnsmasq"
	"github.com/carpie/sid/internal/events"
	"github.com/carpie/sid/internal/logging"
	"github.com/carpie/sid/internal/logwatch"
	"github.com/carpie/sid/internal/macvendor"
	"github.com/carpie/sid/internal/metrics"
	"github.com/carpie/sid/internal/pending"
	"github.com/carpie/sid/internal/radius"
	"github.com/carpie/sid/internal/siem"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "/etc/sid/config.toml", "path to configuration file (empty to use environment only)")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version)
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: %v\n", err)
		os.Exit(1)
	}

	logger := logging.Setup(cfg.Server.LogLevel, cfg.Server.LogFormat, os.Stdout)
	logger.Info("sid starting",
		"version", version,
		"config", *configPath,
		"dnsmasq_conf", cfg.Dnsmasq.ConfFile,
		"syslog", cfg.Syslog.File)

	if err := run(cfg, logger); err != nil {
		logger.Error("sid exited with error", "error", err)
		os.Exit(1)
	}
	logger.Info("sid stopped")
}

func run(cfg *config.Config, logger *slog.Logger) error {
	network, err := cfg.ManagedNetwork()
	if err != nil {
		return err
	}

	metrics.ServerInfo.WithLabelValues(version).Set(1)
	metrics.ServerStartTime.SetToCurrentTime()

	db, err := bolt.Open(cfg.Server.DBPath, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return fmt.Errorf("opening database %s: %w", cfg.Server.DBPath, err)
	}
	defer db.Close()

	// Event bus and everything that consumes it
	bus := events.NewBus(cfg.Hooks.EventBufferSize, logger)
	go bus.Start()
	defer bus.Stop()

	auditLog, err := audit.NewLog(db, bus, logger)
	if err != nil {
		return fmt.Errorf("initializing audit log: %w", err)
	}
	go auditLog.Start()
	defer auditLog.Stop()

	dispatcher := newDispatcher(cfg, bus, logger)
	go dispatcher.Start()
	defer dispatcher.Stop()

	if fwd := siem.NewForwarder(cfg.SIEM, version, bus, logger); fwd != nil {
		if err := fwd.Start(); err != nil {
			logger.Warn("SIEM forwarding disabled", "error", err)
		} else {
			defer fwd.Stop()
		}
	}

	if mgr := ddns.NewManager(&cfg.DDNS, bus, logger); mgr != nil {
		go mgr.Start()
		defer mgr.Stop()
	}

	var vendorDB *macvendor.DB
	approvalOpts := []approval.Option{approval.WithNetwork(network.String())}
	if cfg.MACVendor.File != "" {
		vendorDB = macvendor.NewDB(logger)
		if err := vendorDB.LoadFile(cfg.MACVendor.File); err != nil {
			logger.Warn("MAC vendor database not loaded", "file", cfg.MACVendor.File, "error", err)
			vendorDB = nil
		} else {
			logger.Info("MAC vendor database loaded", "file", cfg.MACVendor.File, "prefixes", vendorDB.Count())
			approvalOpts = append(approvalOpts, approval.WithVendorLookup(vendorDB))
		}
	}

	// Allocation pipeline
	repo := dnsmasq.NewRepository(cfg.Dnsmasq.ConfFile)
	svc := dnsmasq.NewService(cfg.Dnsmasq.RestartCommand, logger)

	var engineOpts []allocator.Option
	if cfg.Probe.Enabled {
		prober := conflict.NewICMPProber(logger)
		defer prober.Close()
		if prober.Available() {
			engineOpts = append(engineOpts, allocator.WithProber(prober, config.Duration(cfg.Probe.Timeout, config.DefaultProbeTimeout)))
		} else {
			logger.Warn("liveness probing enabled but no ICMP socket could be opened")
		}
	}
	engine := allocator.NewEngine(repo, svc, network, logger, engineOpts...)

	tracker := pending.NewTracker(cfg.SuppressionWindow(), logger)
	approvals := approval.NewService(engine, tracker, bus, logger, approvalOpts...)

	if cfg.RADIUS.Enabled {
		client := radius.NewClient(radius.ServerConfigFrom(cfg.RADIUS), logger)
		auto := radius.NewAutoApprover(client, approvals, bus,
			config.Duration(cfg.RADIUS.ApproveTimeout, config.DefaultRADIUSApproveTimeout), logger)
		go auto.Start()
		defer auto.Stop()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)

	watcher := logwatch.NewWatcher(cfg.Syslog.File, approvals, logger)
	g.Go(func() error {
		return watcher.Run(ctx)
	})

	if cfg.API.Enabled {
		opts := []api.ServerOption{
			api.WithVersion(version),
			api.WithAuditLog(auditLog),
		}
		if vendorDB != nil {
			opts = append(opts, api.WithMACVendorDB(vendorDB))
		}
		apiServer := api.NewServer(cfg.API, approvals, repo, network, logger, opts...)
		ln, err := apiServer.Listen()
		if err != nil {
			return err
		}
		g.Go(func() error {
			return apiServer.Serve(ln)
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return apiServer.Stop(shutdownCtx)
		})
	}

	if vendorDB != nil {
		g.Go(func() error {
			reloadOnHangup(ctx, vendorDB, cfg.MACVendor.File, logger)
			return nil
		})
	}

	logger.Info("sid ready",
		"network", network.String(),
		"suppression_window", cfg.SuppressionWindow().String(),
		"api", cfg.API.Enabled,
		"radius", cfg.RADIUS.Enabled,
		"ddns", cfg.DDNS.Enabled,
		"hooks", dispatcher.HookCount())

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// newDispatcher registers the configured script and webhook hooks.
func newDispatcher(cfg *config.Config, bus *events.Bus, logger *slog.Logger) *events.Dispatcher {
	d := events.NewDispatcher(bus, logger, cfg.Hooks.ScriptConcurrency,
		config.Duration(cfg.Hooks.WebhookTimeout, config.DefaultWebhookTimeout))

	scriptTimeout := config.Duration(cfg.Hooks.ScriptTimeout, config.DefaultScriptTimeout)
	for _, s := range cfg.Hooks.Scripts {
		d.AddScript(events.ScriptConfig{
			Name:    s.Name,
			Events:  s.Events,
			Command: s.Command,
			Timeout: config.Duration(s.Timeout, scriptTimeout),
		})
	}
	for _, w := range cfg.Hooks.Webhooks {
		d.AddWebhook(events.WebhookConfig{
			Name:         w.Name,
			Events:       w.Events,
			URL:          w.URL,
			Method:       w.Method,
			Headers:      w.Headers,
			Retries:      w.Retries,
			RetryBackoff: config.Duration(w.RetryBackoff, config.DefaultWebhookRetryBackoff),
			Secret:       w.Secret,
			Template:     w.Template,
		})
	}
	return d
}

// reloadOnHangup reloads the MAC vendor file on SIGHUP.
func reloadOnHangup(ctx context.Context, db *macvendor.DB, path string, logger *slog.Logger) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGHUP)
	defer signal.Stop(sigCh)

	for {
		select {
		case <-ctx.Done():
			return
		case <-sigCh:
			if err := db.LoadFile(path); err != nil {
				logger.Error("MAC vendor reload failed", "file", path, "error", err)
				continue
			}
			logger.Info("MAC vendor database reloaded", "prefixes", db.Count())
		}
	}
}
