package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"deckhost/pkg/config"
	"deckhost/pkg/host"
	"deckhost/pkg/instance"
	"deckhost/pkg/manager"
	"deckhost/pkg/store"
)

func main() {
	// ══════════════════════════════════════════════════════════════
	// STRUCTURED LOGGING
	// ══════════════════════════════════════════════════════════════
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	// ══════════════════════════════════════════════════════════════
	// CONFIGURATION
	// ══════════════════════════════════════════════════════════════
	conf, err := config.LoadConfig(".")
	if err != nil {
		slog.Error("Failed to load conf", "error", err)
		os.Exit(1)
	}
	slog.Info("Config loaded",
		"plugins_dir", conf.PluginsDir,
		"monitor_interval", conf.MonitorIntervalSeconds,
		"ready_timeout", conf.ReadyTimeoutSeconds,
	)

	// ══════════════════════════════════════════════════════════════
	// CALLBACKS INTO THE APPLICATION LAYERS
	// ══════════════════════════════════════════════════════════════
	// The rendering pipeline, hardware driver, and UI are external
	// collaborators; until wired, updates are logged so the daemon can run
	// headless against real plugins.
	callbacks := host.Callbacks{
		OnDisplayUpdate: func(button host.ButtonRef, update *host.DisplayUpdate) {
			slog.Debug("Display update", "component", "App", "button", button.String(), "raw", update.Raw != nil)
		},
		OnPageSwitchRequest: func(button host.ButtonRef, page int, duration time.Duration) {
			slog.Info("Page switch requested", "component", "App", "button", button.String(), "page", page, "duration", duration.String())
		},
		OnPageSwitch: func(page int) {
			slog.Info("Page switched", "component", "App", "page", page)
		},
	}

	// ══════════════════════════════════════════════════════════════
	// PLUGIN MANAGER
	// ══════════════════════════════════════════════════════════════
	assignments := store.New(conf.StateFile, conf.EncryptionKey)

	opts := instance.Options{
		SocketDir:         conf.SocketDir,
		ReadyTimeout:      time.Duration(conf.ReadyTimeoutSeconds) * time.Second,
		StopGrace:         time.Duration(conf.StopGraceSeconds) * time.Second,
		HeartbeatStale:    time.Duration(conf.HeartbeatStaleSeconds) * time.Second,
		ReadTimeout:       time.Duration(conf.ChannelReadTimeoutMs) * time.Millisecond,
		MaxFrameBytes:     conf.MaxFrameBytes,
		MaxProtocolFaults: conf.MaxProtocolFaults,
	}

	mgr := manager.New(
		conf.PluginsDir,
		opts,
		time.Duration(conf.MonitorIntervalSeconds)*time.Second,
		callbacks,
		assignments,
	)

	if err := mgr.Discover(); err != nil {
		slog.Error("Plugin discovery failed", "error", err)
		os.Exit(1)
	}

	// ══════════════════════════════════════════════════════════════
	// START SERVICES
	// ══════════════════════════════════════════════════════════════
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go mgr.RunMonitor(ctx)
	go mgr.Reconciler().Run(ctx)
	if err := mgr.WatchPlugins(ctx); err != nil {
		slog.Warn("Plugin directory watch unavailable", "error", err)
	}

	mgr.RestoreAssignments(ctx)

	// ══════════════════════════════════════════════════════════════
	// SHUTDOWN
	// ══════════════════════════════════════════════════════════════
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigs
	slog.Info("Signal received, shutting down", "signal", sig.String())

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(),
		time.Duration(conf.StopGraceSeconds+1)*time.Second)
	defer shutdownCancel()
	mgr.Shutdown(shutdownCtx)
	cancel()
}
