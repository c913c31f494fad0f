// SPDX-License-Identifier: MIT

// Package main implements vela-daemon, the reactive video-level daemon.
//
// vela-daemon pre-spawns one video Player per configured intensity level,
// keeps a private session message bus alive for MPRIS-shaped remote
// control, and reacts to sensor, network, and WebSocket input by crossfading
// between Players.
//
// Usage:
//
//	vela-daemon [options]
//
// Options:
//
//	--config=PATH     Path to config file (default: /etc/vela/config.yaml)
//	--lock-dir=PATH   Directory for the single-instance lock (default: /run/vela)
//	--log-level=LEVEL Log level: debug, info, warn, error (default: info)
//	--help            Show this help message
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/vela-project/vela-daemon/internal/agd"
	"github.com/vela-project/vela-daemon/internal/busdaemon"
	"github.com/vela-project/vela-daemon/internal/config"
	"github.com/vela-project/vela-daemon/internal/eventbus"
	"github.com/vela-project/vela-daemon/internal/health"
	"github.com/vela-project/vela-daemon/internal/inputs/hid"
	"github.com/vela-project/vela-daemon/internal/inputs/netline"
	"github.com/vela-project/vela-daemon/internal/inputs/serial"
	"github.com/vela-project/vela-daemon/internal/inputs/web"
	"github.com/vela-project/vela-daemon/internal/lock"
	"github.com/vela-project/vela-daemon/internal/logging"
	"github.com/vela-project/vela-daemon/internal/orchestrator"
	"github.com/vela-project/vela-daemon/internal/util"
)

// Build information (set by ldflags).
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

// Command line flags.
var (
	configPath = flag.String("config", config.ConfigFilePath, "Path to configuration file")
	lockDir    = flag.String("lock-dir", "/run/vela", "Directory for the single-instance lock")
	logLevel   = flag.String("log-level", "info", "Log level: debug, info, warn, error")
	healthAddr = flag.String("health-addr", ":9090", "Listen address for /healthz and /metrics")
)

// slogWriter adapts a *slog.Logger to the io.Writer util.SafeGoWithRecover
// expects for its panic log line.
type slogWriter struct{ logger *slog.Logger }

func (w slogWriter) Write(p []byte) (int, error) {
	w.logger.Error(string(p))
	return len(p), nil
}

// defaultAGDCapacity is the ring-buffer size applied to a "serial" or "hid"
// input that omits agd_capacity.
const defaultAGDCapacity = 5

// defaultAGDThresholds matches the threshold ladder spec.md's own worked
// example (S1) builds a detector around, used when an input omits
// agd_thresholds.
var defaultAGDThresholds = []float64{10, 20, 30}

func main() {
	flag.Parse()

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "vela-daemon: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	bootLogger := logging.New(mustParseBootLevel(*logLevel), nil).Logger("boot")
	bootLogger.Info("vela-daemon starting", "version", Version, "commit", Commit, "built", BuildTime)

	fl, err := lock.NewFileLock(filepath.Join(*lockDir, "vela-daemon.lock"))
	if err != nil {
		return fmt.Errorf("creating instance lock: %w", err)
	}
	if err := fl.Acquire(0); err != nil {
		return fmt.Errorf("another vela-daemon instance is already running: %w", err)
	}
	defer func() { _ = fl.Close() }()

	cfg, err := loadConfiguration(*configPath)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}
	execDir, err := os.Executable()
	if err == nil {
		cfg.ResolveLevelFolders(filepath.Dir(execDir))
	}

	events := eventbus.New(nil)
	registry := logging.New(mustParseBootLevel(cfg.LogLevel), events)
	for namespace, level := range cfg.LogLevels {
		if err := registry.SetLevel(namespace, level); err != nil {
			bootLogger.Warn("invalid configured log level, ignoring", "namespace", namespace, "err", err)
		}
	}
	logger := registry.Logger("daemon")

	if cfg.Environment.LDLibraryPath != "" {
		if err := os.Setenv("LD_LIBRARY_PATH", cfg.Environment.LDLibraryPath); err != nil {
			return fmt.Errorf("exporting LD_LIBRARY_PATH: %w", err)
		}
	}

	busMgr := busdaemon.New(cfg.Environment.DBusDaemonBin, registry.Logger("busdaemon"))
	onBusDisconnect := func() { logger.Error("bus connection lost") }

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := busMgr.Start(ctx, onBusDisconnect); err != nil {
		return fmt.Errorf("starting bus daemon: %w", err)
	}
	defer func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer stopCancel()
		if err := busMgr.Cleanup(stopCtx); err != nil {
			logger.Warn("bus daemon cleanup failed", "err", err)
		}
	}()

	levels := make([]orchestrator.LevelConfig, 0, len(cfg.Levels))
	for _, n := range cfg.SortedLevelNumbers() {
		lvl := cfg.Levels[fmt.Sprintf("%d", n)]
		levels = append(levels, orchestrator.LevelConfig{
			Number:  n,
			Folder:  lvl.Folder,
			FadeIn:  lvl.FadeIn,
			FadeOut: lvl.FadeOut,
		})
	}

	orch := orchestrator.New(levels, orchestrator.Deps{
		PlayerBin: cfg.Environment.OmxplayerBin,
		Bus:       busMgr.Conn(),
		Tracker:   busMgr.Tracker(),
		Events:    events,
		Logger:    registry.Logger("orchestrator"),
	})
	if err := orch.Start(ctx); err != nil {
		return fmt.Errorf("starting orchestrator: %w", err)
	}
	defer orch.Shutdown(context.Background())

	detectors := startAGDDetectors(cfg, events, registry)

	adapters, err := startInputAdapters(ctx, cfg, events, registry, detectors)
	if err != nil {
		return fmt.Errorf("starting input adapters: %w", err)
	}
	defer stopAdapters(adapters, logger)

	healthHandler := health.NewHandler(orch).WithSystemInfo(health.NewDiskSystemInfo(*lockDir))
	healthDone := make(chan error, 1)
	healthCtx, healthCancel := context.WithCancel(ctx)
	defer healthCancel()
	util.SafeGoWithRecover("health-server", slogWriter{logger}, func() error {
		return health.ListenAndServe(healthCtx, *healthAddr, healthHandler)
	}, healthDone, nil)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("received signal, shutting down", "signal", sig.String())
	case err := <-healthDone:
		if err != nil && err != http.ErrServerClosed {
			logger.Error("health server exited unexpectedly", "err", err)
		}
	}

	cancel()
	logger.Info("shutdown complete")
	return nil
}

// loadConfiguration loads the config file, falling back to defaults when it
// does not exist.
func loadConfiguration(path string) (*config.Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return config.DefaultConfig(), nil
	}
	return config.LoadWithEnvOverrides(path, config.DefaultEnvPrefix)
}

// startAGDDetectors builds one Detector per "serial" or "hid" input,
// publishing its output and level changes onto the event bus, and returns
// them keyed by source so startInputAdapters can route the web input's
// Deps.SetThreshold callback to them.
func startAGDDetectors(cfg *config.Config, events *eventbus.Bus, registry *logging.Registry) map[string]*agd.Detector {
	detectors := make(map[string]*agd.Detector)

	for _, in := range cfg.Inputs {
		var channel string
		switch in.Type {
		case "serial":
			channel = eventbus.ChannelArduinoReading
		case "hid":
			channel = eventbus.ChannelHID
		default:
			continue
		}

		capacity := in.AGDCapacity
		if capacity <= 0 {
			capacity = defaultAGDCapacity
		}
		thresholds := in.AGDThresholds
		if len(thresholds) == 0 {
			thresholds = defaultAGDThresholds
		}

		source := in.Name
		if source == "" {
			source = in.Type
		}

		detector := agd.New(capacity, thresholds, source, registry.Logger("agd."+source))
		detector.OnOutput(func(raw float64, sum float64) { events.PublishReading(raw, sum) })
		detector.OnLevelChange(func(level int, src string) { events.PublishLevelChange(level, src) })
		detector.OnThresholdSet(func(k int, v float64) { events.PublishThresholdChanged(k, v) })
		detector.NotifyInitialThresholds()

		events.Attach(channel, func(args ...any) {
			if len(args) == 0 {
				return
			}
			switch v := args[0].(type) {
			case int:
				detector.Observe(float64(v))
			case float64:
				detector.Observe(v)
			}
		})

		detectors[source] = detector
	}

	return detectors
}

// stoppable is implemented by every input adapter's Stop method.
type stoppable interface{ Stop() error }

// startInputAdapters constructs and starts one adapter per configured input,
// returning the adapters so the caller can stop them on shutdown.
func startInputAdapters(ctx context.Context, cfg *config.Config, events *eventbus.Bus, registry *logging.Registry, detectors map[string]*agd.Detector) ([]stoppable, error) {
	var adapters []stoppable

	for _, in := range cfg.Inputs {
		switch in.Type {
		case "serial":
			a := serial.New(serial.Config{Path: in.Path, Name: in.Name}, events, registry.Logger("serial."+in.Name))
			if err := a.Start(ctx); err != nil {
				return adapters, fmt.Errorf("starting serial input %q: %w", in.Name, err)
			}
			adapters = append(adapters, a)

		case "hid":
			a := hid.New(hid.Config{
				Path:           in.Path,
				Name:           in.Name,
				Scale:          in.Scale,
				Offset:         in.Offset,
				SampleInterval: in.SampleInterval,
			}, events, registry.Logger("hid."+in.Name))
			if err := a.Start(ctx); err != nil {
				return adapters, fmt.Errorf("starting hid input %q: %w", in.Name, err)
			}
			adapters = append(adapters, a)

		case "netline":
			a := netline.New(netline.Config{Addr: in.Addr}, events, registry.Logger("netline."+in.Name))
			if err := a.Start(ctx); err != nil {
				return adapters, fmt.Errorf("starting netline input %q: %w", in.Name, err)
			}
			adapters = append(adapters, a)

		case "web":
			source := in.Name
			if source == "" {
				source = "web"
			}
			wa := web.New(web.Deps{
				Events: events,
				SetThreshold: func(level int, value float64) {
					for _, d := range detectors {
						d.SetThreshold(level, value)
					}
				},
				SetLogLevel: func(namespace, level string) {
					if err := registry.SetLevel(namespace, level); err != nil {
						registry.Logger("web").Warn("set_log_level failed", "namespace", namespace, "level", level, "err", err)
					}
				},
				Logger: registry.Logger("web." + source),
			})
			addr := in.Addr
			if addr == "" {
				addr = ":8081"
			}
			srv := &http.Server{Addr: addr, Handler: wa}
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					registry.Logger("web").Error("web server exited", "err", err)
				}
			}()
			adapters = append(adapters, webAdapterCloser{adapter: wa, server: srv})
		}
	}

	return adapters, nil
}

type webAdapterCloser struct {
	adapter *web.Adapter
	server  *http.Server
}

func (c webAdapterCloser) Stop() error {
	c.adapter.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return c.server.Shutdown(shutdownCtx)
}

func stopAdapters(adapters []stoppable, logger *slog.Logger) {
	var wg sync.WaitGroup
	for _, a := range adapters {
		a := a
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := a.Stop(); err != nil {
				logger.Warn("error stopping input adapter", "err", err)
			}
		}()
	}
	wg.Wait()
}

func mustParseBootLevel(name string) slog.Level {
	switch name {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
