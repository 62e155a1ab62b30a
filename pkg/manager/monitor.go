package manager

import (
	"context"
	"log/slog"
	"time"

	"deckhost/pkg/instance"
	"deckhost/pkg/manifest"
)

// RunMonitor runs the health-monitor loop until ctx is cancelled. Each tick
// inspects every instance; dead ones are restarted within their manifest's
// retry budget, live-but-silent ones are reported.
func (m *Manager) RunMonitor(ctx context.Context) {
	slog.Info("Starting plugin monitor", "component", "Monitor", "interval", m.monitorInterval.String())
	ticker := time.NewTicker(m.monitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("Stopping plugin monitor", "component", "Monitor")
			return
		case <-ticker.C:
			m.checkInstances(ctx)
		}
	}
}

// checkInstances performs one monitor pass over a snapshot of the registry.
func (m *Manager) checkInstances(ctx context.Context) {
	m.mu.Lock()
	snapshot := make([]*instance.Instance, 0, len(m.instances))
	for _, inst := range m.instances {
		snapshot = append(snapshot, inst)
	}
	m.mu.Unlock()

	for _, inst := range snapshot {
		switch inst.State() {
		case instance.StateCrashed:
			m.handleCrash(ctx, inst)

		case instance.StateConnected, instance.StateRunning:
			if !inst.IsAlive() {
				// The receive loop converges on crashed within its read
				// deadline; restarting from here would fight the state
				// machine, so the next pass picks it up.
				continue
			}
			if !inst.IsResponsive() {
				slog.Warn("Plugin alive but unresponsive",
					"component", "Monitor",
					"plugin", inst.Manifest.Name,
					"button", inst.Button.String(),
					"last_heartbeat", inst.LastHeartbeat().Format(time.RFC3339),
				)
			}

		default:
			// Created has nothing to watch; starting is bounded by the
			// ready timeout; the others are settled.
		}
	}
}

// handleCrash applies the restart policy to one dead instance. Restarts are
// scheduled after the manifest's retry delay so a pass never blocks; the
// button's last rendered state is preserved either way.
func (m *Manager) handleCrash(ctx context.Context, inst *instance.Instance) {
	m.mu.Lock()
	if m.restarting[inst.ID] {
		m.mu.Unlock()
		return // A delayed restart is already scheduled
	}
	m.mu.Unlock()

	// A hidden on_visible plugin stays crashed without consuming retries;
	// the visibility fan-out restarts it when its page comes back.
	if inst.Manifest.LifecycleMode == manifest.LifecycleOnVisible && !inst.Visible() {
		return
	}

	m.mu.Lock()
	if inst.RetryCount() >= inst.Manifest.MaxRetries {
		m.mu.Unlock()
		inst.MarkFailed()
		slog.Error("Plugin exhausted its retry budget, giving up",
			"component", "Monitor",
			"plugin", inst.Manifest.Name,
			"button", inst.Button.String(),
			"retries", inst.RetryCount(),
		)
		return
	}

	m.restarting[inst.ID] = true
	m.mu.Unlock()

	attempt := inst.IncrementRetry()
	delay := time.Duration(inst.Manifest.RetryDelaySeconds) * time.Second
	slog.Warn("Plugin crashed, scheduling restart",
		"component", "Monitor",
		"plugin", inst.Manifest.Name,
		"button", inst.Button.String(),
		"attempt", attempt,
		"max_retries", inst.Manifest.MaxRetries,
		"delay", delay.String(),
	)

	time.AfterFunc(delay, func() {
		m.mu.Lock()
		delete(m.restarting, inst.ID)
		cur, stillBound := m.instances[inst.Button]
		m.mu.Unlock()
		if !stillBound || cur != inst {
			// Detached, or the button was rebound to a different instance,
			// while the restart was pending. This instance is done.
			return
		}
		if inst.Manifest.LifecycleMode == manifest.LifecycleOnVisible && !inst.Visible() {
			return // Page went away during the delay
		}
		if err := inst.Start(ctx); err != nil {
			slog.Error("Plugin restart failed",
				"component", "Monitor",
				"plugin", inst.Manifest.Name,
				"error", err,
			)
		}
	})
}
