package manager

import (
	"context"
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"deckhost/pkg/host"
	"deckhost/pkg/instance"
	"deckhost/pkg/protocol"
	"deckhost/pkg/sdk"
)

func protocolPageSwitch(page int, durationMs int64) protocol.RequestPageSwitch {
	return protocol.RequestPageSwitch{Page: page, DurationMs: durationMs}
}

// fakeProc simulates a spawned plugin process.
type fakeProc struct {
	once sync.Once
	done chan struct{}
}

func newFakeProc() *fakeProc { return &fakeProc{done: make(chan struct{})} }

func (p *fakeProc) Alive() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

func (p *fakeProc) Kill() error           { p.exit(); return nil }
func (p *fakeProc) Done() <-chan struct{} { return p.done }
func (p *fakeProc) exit()                 { p.once.Do(func() { close(p.done) }) }

// fakeLauncher substitutes a behavior function for the real exec. The
// behavior sees the attempt number, so tests can script "crash twice, then
// come up healthy".
type fakeLauncher struct {
	mu       sync.Mutex
	attempts int
	run      func(attempt int, socketPath, configJSON string, proc *fakeProc)
}

func (l *fakeLauncher) Launch(entry string, args ...string) (instance.Process, error) {
	l.mu.Lock()
	l.attempts++
	attempt := l.attempts
	l.mu.Unlock()

	proc := newFakeProc()
	go l.run(attempt, args[0], args[1], proc)
	return proc, nil
}

func (l *fakeLauncher) launches() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.attempts
}

// routingLauncher keys behavior and launch counts by plugin id, for tests
// that run two plugins against one manager.
type routingLauncher struct {
	mu     sync.Mutex
	counts map[string]int
	run    func(plugin string, attempt int, socketPath string, proc *fakeProc)
}

func (l *routingLauncher) Launch(entry string, args ...string) (instance.Process, error) {
	plugin := filepath.Base(filepath.Dir(entry))
	l.mu.Lock()
	if l.counts == nil {
		l.counts = make(map[string]int)
	}
	l.counts[plugin]++
	attempt := l.counts[plugin]
	l.mu.Unlock()

	proc := newFakeProc()
	go l.run(plugin, attempt, args[0], proc)
	return proc, nil
}

func (l *routingLauncher) launches(plugin string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.counts[plugin]
}

// dialHost connects the fake plugin side to the instance's endpoint,
// retrying while the listener comes up.
func dialHost(socketPath string) net.Conn {
	for range 50 {
		if conn, err := net.Dial("unix", socketPath); err == nil {
			return conn
		}
		time.Sleep(5 * time.Millisecond)
	}
	return nil
}

// sdkPlugin is a minimal well-behaved plugin built on the SDK.
type sdkPlugin struct{}

func (sdkPlugin) OnStart(*sdk.Client) error             { return nil }
func (sdkPlugin) OnButtonPressed(*sdk.Client)           {}
func (sdkPlugin) OnButtonReleased(*sdk.Client)          {}
func (sdkPlugin) OnButtonVisible(*sdk.Client, int, int) {}
func (sdkPlugin) OnButtonHidden(*sdk.Client)            {}
func (sdkPlugin) Update(*sdk.Client, time.Time)         {}

func serveSDK(socketPath string, proc *fakeProc) {
	defer proc.exit()
	_ = sdk.Serve(context.Background(), socketPath, nil, sdkPlugin{}, sdk.Options{
		HeartbeatInterval: 50 * time.Millisecond,
		UpdateInterval:    time.Hour,
		ReadTimeout:       20 * time.Millisecond,
	})
}

// healthyLauncher always brings the plugin up.
func healthyLauncher() *fakeLauncher {
	return &fakeLauncher{run: func(_ int, socketPath, _ string, proc *fakeProc) {
		serveSDK(socketPath, proc)
	}}
}

// writePluginDir materializes a plugin under root with the given manifest.
func writePluginDir(t *testing.T, root, id string, body map[string]any) {
	t.Helper()
	dir := filepath.Join(root, id)
	require.NoError(t, os.MkdirAll(dir, 0o755))

	if _, ok := body["entry_point"]; !ok {
		body["entry_point"] = id
	}
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "manifest.json"), raw, 0o600))
	entry, _ := body["entry_point"].(string)
	require.NoError(t, os.WriteFile(filepath.Join(dir, entry), []byte("#!/bin/sh\n"), 0o755))
}

func baseManifest(name string) map[string]any {
	return map[string]any{
		"name":                name,
		"version":             "1.0.0",
		"lifecycle_mode":      "always_running",
		"max_retries":         2,
		"retry_delay_seconds": 0,
	}
}

func testOptions(t *testing.T, launcher instance.Launcher) instance.Options {
	t.Helper()
	return instance.Options{
		SocketDir:      t.TempDir(),
		ReadyTimeout:   50 * time.Millisecond,
		StopGrace:      50 * time.Millisecond,
		HeartbeatStale: 200 * time.Millisecond,
		ReadTimeout:    20 * time.Millisecond,
		Launcher:       launcher,
	}
}

func newTestManager(t *testing.T, root string, launcher instance.Launcher, callbacks host.Callbacks) *Manager {
	t.Helper()
	m := New(root, testOptions(t, launcher), 30*time.Millisecond, callbacks, nil)
	require.NoError(t, m.Discover())
	return m
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s: %s", timeout, msg)
}

func TestDiscoverIsolatesInvalidManifest(t *testing.T) {
	root := t.TempDir()
	writePluginDir(t, root, "good", baseManifest("Good"))
	bad := baseManifest("Bad")
	delete(bad, "version")
	writePluginDir(t, root, "bad", bad)

	m := newTestManager(t, root, healthyLauncher(), host.Callbacks{})

	_, ok := m.Manifest("good")
	assert.True(t, ok, "valid sibling survives a failing manifest")
	_, ok = m.Manifest("bad")
	assert.False(t, ok)
	assert.NotEmpty(t, m.ManifestErrors("bad"))
}

func TestAttachRejectsSecondPluginOnSameButton(t *testing.T) {
	root := t.TempDir()
	writePluginDir(t, root, "one", baseManifest("One"))
	writePluginDir(t, root, "two", baseManifest("Two"))

	m := newTestManager(t, root, healthyLauncher(), host.Callbacks{})
	defer m.Shutdown(context.Background())

	button := host.ButtonRef{Page: 0, Index: 0}
	_, err := m.Attach(context.Background(), button, "one", nil, false)
	require.NoError(t, err)

	_, err = m.Attach(context.Background(), button, "two", nil, false)
	require.ErrorIs(t, err, ErrButtonBound)
}

func TestAttachUnknownPlugin(t *testing.T) {
	m := newTestManager(t, t.TempDir(), healthyLauncher(), host.Callbacks{})
	_, err := m.Attach(context.Background(), host.ButtonRef{}, "ghost", nil, false)
	require.ErrorIs(t, err, ErrUnknownPlugin)
}

func TestMonitorRestartsCrashedPluginWithinBudget(t *testing.T) {
	root := t.TempDir()
	writePluginDir(t, root, "flaky", baseManifest("Flaky"))

	// The first two spawns never perform the handshake, the third is healthy.
	launcher := &fakeLauncher{run: func(attempt int, socketPath, _ string, proc *fakeProc) {
		if attempt <= 2 {
			proc.exit()
			return
		}
		serveSDK(socketPath, proc)
	}}

	m := newTestManager(t, root, launcher, host.Callbacks{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.RunMonitor(ctx)

	inst, err := m.Attach(ctx, host.ButtonRef{Page: 0, Index: 2}, "flaky", nil, false)
	require.NoError(t, err)

	waitFor(t, 3*time.Second, func() bool {
		return inst.State() == instance.StateRunning
	}, "plugin recovered within its retry budget")

	assert.Equal(t, 2, inst.RetryCount())
	assert.Equal(t, 3, launcher.launches())

	m.Shutdown(ctx)
}

func TestMonitorGivesUpAfterRetryBudget(t *testing.T) {
	root := t.TempDir()
	mf := baseManifest("Doomed")
	mf["max_retries"] = 1
	writePluginDir(t, root, "doomed", mf)

	launcher := &fakeLauncher{run: func(_ int, _, _ string, proc *fakeProc) {
		proc.exit()
	}}

	m := newTestManager(t, root, launcher, host.Callbacks{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.RunMonitor(ctx)

	inst, err := m.Attach(ctx, host.ButtonRef{Page: 0, Index: 3}, "doomed", nil, false)
	require.NoError(t, err)

	waitFor(t, 3*time.Second, func() bool {
		return inst.State() == instance.StateFailed
	}, "plugin marked failed")

	launches := launcher.launches()
	assert.Equal(t, 2, launches, "initial start plus one retry")

	// Failed is terminal: the monitor must not keep spawning.
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, launches, launcher.launches())
	assert.Equal(t, instance.StateFailed, inst.State())
}

func TestPageSwitchRefusedWithoutGrant(t *testing.T) {
	root := t.TempDir()
	mf := baseManifest("Pager")
	mf["can_switch_page"] = true
	writePluginDir(t, root, "pager", mf)

	granted := make(chan int, 1)
	m := newTestManager(t, root, healthyLauncher(), host.Callbacks{
		OnPageSwitchRequest: func(_ host.ButtonRef, page int, _ time.Duration) { granted <- page },
	})
	defer m.Shutdown(context.Background())

	// Manifest declares the capability, but the host withholds the grant.
	inst, err := m.Attach(context.Background(), host.ButtonRef{Page: 0, Index: 4}, "pager", nil, false)
	require.NoError(t, err)

	m.handlePageSwitchRequest(inst, 1, protocolPageSwitch(2, 0))

	select {
	case page := <-granted:
		t.Fatalf("refused request reached the application callback (page %d)", page)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestTimedPageSwitchRevertsToOriginalPage(t *testing.T) {
	root := t.TempDir()
	mf := baseManifest("Pager")
	mf["can_switch_page"] = true
	writePluginDir(t, root, "pager", mf)

	switched := make(chan int, 1)
	reverted := make(chan int, 1)
	m := newTestManager(t, root, healthyLauncher(), host.Callbacks{
		OnPageSwitchRequest: func(_ host.ButtonRef, page int, _ time.Duration) { switched <- page },
		OnPageSwitch:        func(page int) { reverted <- page },
	})
	defer m.Shutdown(context.Background())

	// Device is on page 1; the plugin asks for page 3 for 50ms.
	m.NotifyPageVisibility(context.Background(), 1, true)
	inst, err := m.Attach(context.Background(), host.ButtonRef{Page: 1, Index: 0}, "pager", nil, true)
	require.NoError(t, err)

	m.handlePageSwitchRequest(inst, 1, protocolPageSwitch(3, 50))
	assert.Equal(t, 3, <-switched)

	select {
	case page := <-reverted:
		assert.Equal(t, 1, page, "revert returns to the pre-switch page")
	case <-time.After(time.Second):
		t.Fatal("revert never fired")
	}
}

func TestOverlappingPageSwitchKeepsOriginalRevertTarget(t *testing.T) {
	root := t.TempDir()
	mf := baseManifest("Pager")
	mf["can_switch_page"] = true
	writePluginDir(t, root, "pager", mf)

	reverted := make(chan int, 2)
	m := newTestManager(t, root, healthyLauncher(), host.Callbacks{
		OnPageSwitch: func(page int) { reverted <- page },
	})
	defer m.Shutdown(context.Background())

	m.NotifyPageVisibility(context.Background(), 2, true)
	inst, err := m.Attach(context.Background(), host.ButtonRef{Page: 2, Index: 0}, "pager", nil, true)
	require.NoError(t, err)

	// The second request lands before the first revert fires: it replaces
	// the timer but keeps page 2 as the eventual destination.
	m.handlePageSwitchRequest(inst, 1, protocolPageSwitch(3, 500))
	m.NotifyPageVisibility(context.Background(), 3, true)
	m.handlePageSwitchRequest(inst, 2, protocolPageSwitch(4, 50))

	select {
	case page := <-reverted:
		assert.Equal(t, 2, page)
	case <-time.After(time.Second):
		t.Fatal("revert never fired")
	}

	// Exactly one revert: the first timer was replaced, not stacked.
	select {
	case page := <-reverted:
		t.Fatalf("second revert fired (page %d)", page)
	case <-time.After(600 * time.Millisecond):
	}
}

func TestDetachCancelsPendingRevert(t *testing.T) {
	root := t.TempDir()
	mf := baseManifest("Pager")
	mf["can_switch_page"] = true
	writePluginDir(t, root, "pager", mf)

	reverted := make(chan int, 1)
	m := newTestManager(t, root, healthyLauncher(), host.Callbacks{
		OnPageSwitch: func(page int) { reverted <- page },
	})

	button := host.ButtonRef{Page: 0, Index: 1}
	inst, err := m.Attach(context.Background(), button, "pager", nil, true)
	require.NoError(t, err)

	m.handlePageSwitchRequest(inst, 1, protocolPageSwitch(3, 100))
	require.NoError(t, m.Detach(context.Background(), button))

	select {
	case page := <-reverted:
		t.Fatalf("revert fired after detach (page %d)", page)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestOnVisibleLifecycleFollowsPageVisibility(t *testing.T) {
	root := t.TempDir()
	mf := baseManifest("Lazy")
	mf["lifecycle_mode"] = "on_visible"
	writePluginDir(t, root, "lazy", mf)

	m := newTestManager(t, root, healthyLauncher(), host.Callbacks{})
	ctx := context.Background()

	// Device shows page 0; the plugin lives on page 1, so it stays cold.
	m.NotifyPageVisibility(ctx, 0, true)
	inst, err := m.Attach(ctx, host.ButtonRef{Page: 1, Index: 0}, "lazy", nil, false)
	require.NoError(t, err)
	assert.Equal(t, instance.StateCreated, inst.State())

	m.NotifyPageVisibility(ctx, 1, true)
	waitFor(t, time.Second, func() bool {
		return inst.State() == instance.StateRunning
	}, "on_visible plugin started when its page appeared")
	assert.True(t, inst.Visible())

	m.NotifyPageVisibility(ctx, 0, true)
	waitFor(t, time.Second, func() bool {
		return inst.State() == instance.StateStopped
	}, "on_visible plugin stopped when its page went away")

	// Back and forth once more: the stopped instance restarts cleanly.
	m.NotifyPageVisibility(ctx, 1, true)
	waitFor(t, time.Second, func() bool {
		return inst.State() == instance.StateRunning
	}, "on_visible plugin restarted")

	m.Shutdown(ctx)
}

func TestPendingRestartAbandonedWhenButtonRebound(t *testing.T) {
	root := t.TempDir()
	old := baseManifest("Old")
	old["retry_delay_seconds"] = 1
	writePluginDir(t, root, "oldplug", old)
	writePluginDir(t, root, "newplug", baseManifest("New"))

	launcher := &routingLauncher{run: func(plugin string, _ int, socketPath string, proc *fakeProc) {
		if plugin == "oldplug" {
			proc.exit()
			return
		}
		serveSDK(socketPath, proc)
	}}

	m := newTestManager(t, root, launcher, host.Callbacks{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.RunMonitor(ctx)

	button := host.ButtonRef{Page: 0, Index: 5}
	oldInst, err := m.Attach(ctx, button, "oldplug", nil, false)
	require.NoError(t, err)

	// The crash is noticed and a delayed restart scheduled.
	waitFor(t, 2*time.Second, func() bool { return oldInst.RetryCount() == 1 }, "restart scheduled")

	// Rebind the button to a different plugin during the delay.
	require.NoError(t, m.Detach(ctx, button))
	newInst, err := m.Attach(ctx, button, "newplug", nil, false)
	require.NoError(t, err)
	waitFor(t, time.Second, func() bool { return newInst.State() == instance.StateRunning }, "replacement running")

	// The delay elapses: the detached instance must stay dead even though
	// its old button is bound again.
	time.Sleep(1300 * time.Millisecond)
	assert.Equal(t, 1, launcher.launches("oldplug"), "detached instance never relaunched")
	assert.Equal(t, instance.StateStopped, oldInst.State())

	cur, ok := m.Instance(button)
	require.True(t, ok)
	assert.Same(t, newInst, cur)
	assert.Equal(t, instance.StateRunning, newInst.State())

	m.Shutdown(ctx)
}

func TestMonitorWaitsForCrashBeforeConsumingRetry(t *testing.T) {
	root := t.TempDir()
	writePluginDir(t, root, "flaky", baseManifest("Flaky"))

	// The first process dies while its channel lingers open, so the monitor
	// observes a running instance with a dead process for several passes
	// before the receive loop converges on crashed.
	launcher := &fakeLauncher{run: func(attempt int, socketPath, _ string, proc *fakeProc) {
		if attempt == 1 {
			conn := dialHost(socketPath)
			if conn == nil {
				return
			}
			w := protocol.NewWriter(conn)
			_, _ = w.WriteMessage(protocol.Ready{})
			_, _ = w.WriteMessage(protocol.Heartbeat{})
			proc.exit()
			time.Sleep(200 * time.Millisecond)
			conn.Close()
			return
		}
		serveSDK(socketPath, proc)
	}}

	m := newTestManager(t, root, launcher, host.Callbacks{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.RunMonitor(ctx)

	inst, err := m.Attach(ctx, host.ButtonRef{Page: 0, Index: 6}, "flaky", nil, false)
	require.NoError(t, err)

	waitFor(t, 3*time.Second, func() bool {
		return inst.State() == instance.StateRunning && inst.RetryCount() == 1
	}, "recovered after the crash was actually observed")

	// Exactly one retry consumed: the dead-but-not-yet-crashed window must
	// not burn budget on restart attempts the state machine refuses.
	assert.Equal(t, 1, inst.RetryCount())
	assert.Equal(t, 2, launcher.launches())

	m.Shutdown(ctx)
}

func TestHiddenCrashedOnVisiblePluginWaitsForPage(t *testing.T) {
	root := t.TempDir()
	mf := baseManifest("Lazy")
	mf["lifecycle_mode"] = "on_visible"
	mf["retry_delay_seconds"] = 1
	writePluginDir(t, root, "lazy", mf)

	launcher := &fakeLauncher{run: func(attempt int, socketPath, _ string, proc *fakeProc) {
		if attempt == 1 {
			proc.exit() // Dies without ever connecting
			return
		}
		serveSDK(socketPath, proc)
	}}

	m := newTestManager(t, root, launcher, host.Callbacks{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.RunMonitor(ctx)

	m.NotifyPageVisibility(ctx, 1, true)
	inst, err := m.Attach(ctx, host.ButtonRef{Page: 1, Index: 0}, "lazy", nil, false)
	require.NoError(t, err)

	waitFor(t, 2*time.Second, func() bool { return inst.State() == instance.StateCrashed }, "first spawn crashed")

	// The page goes away during the retry delay: the crashed plugin must
	// not come back while its button is hidden.
	m.NotifyPageVisibility(ctx, 0, true)
	time.Sleep(1300 * time.Millisecond)
	assert.Equal(t, 1, launcher.launches(), "no restart while hidden")
	assert.Equal(t, instance.StateCrashed, inst.State())

	// The page returning restarts it through the visibility fan-out.
	m.NotifyPageVisibility(ctx, 1, true)
	waitFor(t, time.Second, func() bool { return inst.State() == instance.StateRunning }, "restarted when visible again")

	m.Shutdown(ctx)
}

func TestDetachUnboundButtonIsNoOp(t *testing.T) {
	m := newTestManager(t, t.TempDir(), healthyLauncher(), host.Callbacks{})
	require.NoError(t, m.Detach(context.Background(), host.ButtonRef{Page: 9, Index: 9}))
}
