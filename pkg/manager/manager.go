// Package manager discovers plugin manifests, owns the instance registry,
// and supervises every running plugin: the periodic monitor loop, the
// bounded restart policy, and page-switch arbitration all live here. The
// manager is the single writer of instance lifecycle transitions.
package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"deckhost/pkg/host"
	"deckhost/pkg/instance"
	"deckhost/pkg/manifest"
	"deckhost/pkg/protocol"
	"deckhost/pkg/store"
)

var (
	// ErrUnknownPlugin is returned when a plugin id is not in the registry.
	ErrUnknownPlugin = errors.New("unknown plugin")
	// ErrButtonBound is returned when a second plugin is attached to a
	// button that already has an instance. Double-binding is disallowed
	// rather than silently overwriting.
	ErrButtonBound = errors.New("button already has an attached plugin")
)

// Manager is the plugin host runtime. Construct one at application startup
// and pass it to collaborators; there is no ambient global registry.
type Manager struct {
	pluginsDir      string
	instOpts        instance.Options
	monitorInterval time.Duration
	callbacks       host.Callbacks
	reconciler      *host.Reconciler
	assignments     *store.Store // nil disables persistence

	mu           sync.Mutex
	registry     map[string]*manifest.Manifest
	manifestErrs map[string][]error
	instances    map[host.ButtonRef]*instance.Instance
	reverts      map[string]*pendingRevert // instance id -> scheduled revert
	restarting   map[string]bool           // instance id -> restart scheduled
	currentPage  int
}

// New creates a manager. assignments may be nil to disable persistence.
func New(pluginsDir string, opts instance.Options, monitorInterval time.Duration, callbacks host.Callbacks, assignments *store.Store) *Manager {
	if monitorInterval == 0 {
		monitorInterval = 5 * time.Second
	}
	m := &Manager{
		pluginsDir:      pluginsDir,
		instOpts:        opts,
		monitorInterval: monitorInterval,
		callbacks:       callbacks,
		assignments:     assignments,
		registry:        make(map[string]*manifest.Manifest),
		manifestErrs:    make(map[string][]error),
		instances:       make(map[host.ButtonRef]*instance.Instance),
		reverts:         make(map[string]*pendingRevert),
		restarting:      make(map[string]bool),
	}
	m.reconciler = host.NewReconciler(func(button host.ButtonRef, update *host.DisplayUpdate) {
		if m.callbacks.OnDisplayUpdate != nil {
			m.callbacks.OnDisplayUpdate(button, update)
		}
	})
	return m
}

// Reconciler exposes the display reconciler so the application can run its
// apply loop alongside the monitor loop.
func (m *Manager) Reconciler() *host.Reconciler { return m.reconciler }

// Discover scans the plugin root and loads one manifest per subdirectory.
// A failing manifest is recorded against its plugin id and excluded from the
// registry; it never aborts discovery of siblings. The registry is replaced
// wholesale.
func (m *Manager) Discover() error {
	entries, err := os.ReadDir(m.pluginsDir)
	if err != nil {
		return fmt.Errorf("scan plugin directory %s: %w", m.pluginsDir, err)
	}

	registry := make(map[string]*manifest.Manifest)
	manifestErrs := make(map[string][]error)

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		pluginID := entry.Name()
		mf, errs := manifest.Load(filepath.Join(m.pluginsDir, pluginID))
		if len(errs) > 0 {
			manifestErrs[pluginID] = errs
			slog.Warn("Excluding plugin with invalid manifest",
				"component", "Manager",
				"plugin", pluginID,
				"errors", len(errs),
			)
			for _, e := range errs {
				slog.Warn("Manifest validation error", "component", "Manager", "plugin", pluginID, "error", e)
			}
			continue
		}
		registry[pluginID] = mf
	}

	m.mu.Lock()
	m.registry = registry
	m.manifestErrs = manifestErrs
	m.mu.Unlock()

	slog.Info("Plugin discovery complete",
		"component", "Manager",
		"usable", len(registry),
		"rejected", len(manifestErrs),
	)
	return nil
}

// Manifest returns the validated manifest for a plugin id.
func (m *Manager) Manifest(pluginID string) (*manifest.Manifest, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mf, ok := m.registry[pluginID]
	return mf, ok
}

// ManifestErrors returns the validation errors recorded for a plugin id.
func (m *Manager) ManifestErrors(pluginID string) []error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.manifestErrs[pluginID]
}

// Instance returns the instance bound to a button, if any.
func (m *Manager) Instance(button host.ButtonRef) (*instance.Instance, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst, ok := m.instances[button]
	return inst, ok
}

// Attach binds a plugin to a button and, depending on its lifecycle mode,
// starts it. grantPageSwitch is the host-confirmed permission; it only takes
// effect if the manifest also declares the capability.
func (m *Manager) Attach(ctx context.Context, button host.ButtonRef, pluginID string, config map[string]any, grantPageSwitch bool) (*instance.Instance, error) {
	m.mu.Lock()

	if _, busy := m.instances[button]; busy {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrButtonBound, button)
	}
	mf, ok := m.registry[pluginID]
	if !ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrUnknownPlugin, pluginID)
	}

	resolved, err := mf.ResolveConfig(config)
	if err != nil {
		m.mu.Unlock()
		return nil, err
	}

	inst, err := instance.New(button, mf, resolved, grantPageSwitch, m.instOpts, m.handlers())
	if err != nil {
		m.mu.Unlock()
		return nil, err
	}
	m.instances[button] = inst

	visible := button.Page == m.currentPage
	m.mu.Unlock()

	slog.Info("Plugin attached",
		"component", "Manager",
		"plugin", pluginID,
		"button", button.String(),
		"lifecycle", string(mf.LifecycleMode),
	)

	if visible {
		_ = inst.SetVisible(true)
	}
	if mf.LifecycleMode == manifest.LifecycleAlwaysRunning || visible {
		if err := inst.Start(ctx); err != nil {
			slog.Error("Failed to start plugin on attach", "component", "Manager", "plugin", pluginID, "error", err)
		}
	}

	m.saveAssignments()
	return inst, nil
}

// Detach unbinds and stops whatever plugin is attached to the button.
// Detaching an unbound button is a no-op.
func (m *Manager) Detach(ctx context.Context, button host.ButtonRef) error {
	m.mu.Lock()
	inst, ok := m.instances[button]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	delete(m.instances, button)
	m.cancelRevertLocked(inst.ID)
	delete(m.restarting, inst.ID)
	m.mu.Unlock()

	err := inst.Stop(ctx)
	slog.Info("Plugin detached", "component", "Manager", "plugin", inst.Manifest.Name, "button", button.String())
	m.saveAssignments()
	return err
}

// SetConfig replaces a bound instance's configuration in place; a running
// plugin receives CONFIG_UPDATE.
func (m *Manager) SetConfig(button host.ButtonRef, config map[string]any) error {
	inst, ok := m.Instance(button)
	if !ok {
		return fmt.Errorf("no plugin attached to %s", button)
	}
	resolved, err := inst.Manifest.ResolveConfig(config)
	if err != nil {
		return err
	}
	if err := inst.UpdateConfig(resolved); err != nil {
		return err
	}
	m.saveAssignments()
	return nil
}

// NotifyButtonEvent forwards a press or release to the bound instance.
func (m *Manager) NotifyButtonEvent(button host.ButtonRef, pressed bool) {
	inst, ok := m.Instance(button)
	if !ok {
		return
	}
	if err := inst.NotifyButton(pressed); err != nil {
		slog.Debug("Button event not delivered", "component", "Manager", "button", button.String(), "error", err)
	}
}

// NotifyPageVisibility tells the manager which page the device is showing.
// Buttons on that page become visible, everything else hidden; plugins with
// the on_visible lifecycle are started and stopped to match.
func (m *Manager) NotifyPageVisibility(ctx context.Context, page int, visible bool) {
	m.mu.Lock()
	if visible {
		m.currentPage = page
	}
	snapshot := make([]*instance.Instance, 0, len(m.instances))
	for _, inst := range m.instances {
		snapshot = append(snapshot, inst)
	}
	m.mu.Unlock()

	for _, inst := range snapshot {
		onPage := inst.Button.Page == page
		nowVisible := visible && onPage
		if !onPage && !visible {
			continue // Event for a page this instance is not on
		}

		_ = inst.SetVisible(nowVisible)

		if inst.Manifest.LifecycleMode != manifest.LifecycleOnVisible {
			continue
		}
		if nowVisible {
			switch inst.State() {
			case instance.StateCreated, instance.StateStopped, instance.StateCrashed:
				// Crashed counts: a plugin that died while its page was
				// hidden gets its restart here, not from the monitor.
				if err := inst.Start(ctx); err != nil {
					slog.Error("Failed to start on_visible plugin", "component", "Manager", "plugin", inst.Manifest.Name, "error", err)
				}
			}
		} else {
			switch inst.State() {
			case instance.StateRunning, instance.StateConnected, instance.StateStarting:
				if err := inst.Stop(ctx); err != nil {
					slog.Warn("Failed to stop on_visible plugin", "component", "Manager", "plugin", inst.Manifest.Name, "error", err)
				}
			}
		}
	}
}

// Shutdown broadcasts SHUTDOWN to every instance and waits one bounded grace
// period for the whole set, so teardown cost does not grow with instance
// count. Stragglers are force-terminated by their instances.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	snapshot := make([]*instance.Instance, 0, len(m.instances))
	for _, inst := range m.instances {
		snapshot = append(snapshot, inst)
	}
	for id, rv := range m.reverts {
		rv.timer.Stop()
		delete(m.reverts, id)
	}
	m.mu.Unlock()

	slog.Info("Shutting down all plugin instances", "component", "Manager", "count", len(snapshot))

	var wg sync.WaitGroup
	for _, inst := range snapshot {
		wg.Add(1)
		go func(inst *instance.Instance) {
			defer wg.Done()
			if err := inst.Stop(ctx); err != nil {
				slog.Warn("Instance shutdown error", "component", "Manager", "plugin", inst.Manifest.Name, "error", err)
			}
		}(inst)
	}
	wg.Wait()
}

// handlers wires instance callbacks back into the manager.
func (m *Manager) handlers() instance.Handlers {
	return instance.Handlers{
		OnDisplayUpdate: func(button host.ButtonRef, update *host.DisplayUpdate) {
			m.reconciler.Submit(button, update)
		},
		OnPageSwitchRequest: m.handlePageSwitchRequest,
		OnLog: func(button host.ButtonRef, level slog.Level, text string) {
			slog.Log(context.Background(), level, text, "component", "Plugin", "button", button.String())
			if m.callbacks.OnLog != nil {
				m.callbacks.OnLog(button, level, text)
			}
		},
		OnError: func(button host.ButtonRef, msg protocol.ErrorMessage) {
			// Already logged by the instance; nothing more to do here.
		},
	}
}

// saveAssignments persists the current button bindings, if a store is set.
func (m *Manager) saveAssignments() {
	if m.assignments == nil {
		return
	}

	m.mu.Lock()
	list := make([]store.Assignment, 0, len(m.instances))
	for button, inst := range m.instances {
		list = append(list, store.Assignment{
			PluginID:        filepath.Base(inst.Manifest.Dir),
			Button:          button,
			Config:          inst.Config(),
			GrantPageSwitch: inst.CanSwitchPage(),
		})
	}
	m.mu.Unlock()

	if err := m.assignments.Save(list); err != nil {
		slog.Error("Failed to persist assignments", "component", "Manager", "error", err)
	}
}

// RestoreAssignments reattaches every persisted binding. Missing plugins are
// logged and skipped; restoration never fails the boot.
func (m *Manager) RestoreAssignments(ctx context.Context) {
	if m.assignments == nil {
		return
	}
	list, err := m.assignments.Load()
	if err != nil {
		slog.Error("Failed to load persisted assignments", "component", "Manager", "error", err)
		return
	}
	for _, a := range list {
		if _, err := m.Attach(ctx, a.Button, a.PluginID, a.Config, a.GrantPageSwitch); err != nil {
			slog.Warn("Could not restore assignment",
				"component", "Manager",
				"plugin", a.PluginID,
				"button", a.Button.String(),
				"error", err,
			)
		}
	}
}
