// Package instance owns one spawned plugin process, its channel endpoint,
// and the lifecycle state machine that supervises both. An instance never
// heals itself: crash recovery belongs to the manager's monitor loop.
package instance

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/felixgeelhaar/statekit"
	"github.com/google/uuid"

	"deckhost/pkg/host"
	"deckhost/pkg/manifest"
	"deckhost/pkg/protocol"
)

// Options tune supervision timing. Zero values fall back to production
// defaults; tests shrink them.
type Options struct {
	SocketDir         string
	ReadyTimeout      time.Duration
	StopGrace         time.Duration
	HeartbeatStale    time.Duration
	ReadTimeout       time.Duration
	MaxFrameBytes     int
	MaxProtocolFaults int
	Launcher          Launcher
}

func (o Options) withDefaults() Options {
	if o.SocketDir == "" {
		o.SocketDir = filepath.Join(os.TempDir(), "deckhost")
	}
	if o.ReadyTimeout == 0 {
		o.ReadyTimeout = 10 * time.Second
	}
	if o.StopGrace == 0 {
		o.StopGrace = 5 * time.Second
	}
	if o.HeartbeatStale == 0 {
		o.HeartbeatStale = 30 * time.Second
	}
	if o.ReadTimeout == 0 {
		o.ReadTimeout = 100 * time.Millisecond
	}
	if o.MaxFrameBytes == 0 {
		o.MaxFrameBytes = protocol.DefaultMaxFrame
	}
	if o.MaxProtocolFaults == 0 {
		o.MaxProtocolFaults = 5
	}
	if o.Launcher == nil {
		o.Launcher = ExecLauncher{}
	}
	return o
}

// Handlers receive decoded plugin-to-host messages. They are invoked from
// the instance's receive loop, one message at a time, in arrival order.
type Handlers struct {
	OnDisplayUpdate     func(button host.ButtonRef, update *host.DisplayUpdate)
	OnPageSwitchRequest func(inst *Instance, ref uint64, req protocol.RequestPageSwitch)
	OnLog               func(button host.ButtonRef, level slog.Level, text string)
	OnError             func(button host.ButtonRef, msg protocol.ErrorMessage)
}

// Instance is one running (or restart-pending) occurrence of a plugin bound
// to a specific button. The manager is the single writer of its lifecycle.
type Instance struct {
	ID       string
	Button   host.ButtonRef
	Manifest *manifest.Manifest

	opts     Options
	handlers Handlers

	mu            sync.Mutex
	interp        *statekit.Interpreter[machineContext]
	config        map[string]any
	canSwitchPage bool
	visible       bool

	listener      net.Listener
	socketPath    string
	conn          net.Conn
	writer        *protocol.Writer
	proc          Process
	released      bool
	faults        int
	lastHeartbeat time.Time
	retryCount    int

	// generation increments on every Start. The handshake and receive-loop
	// goroutines of one start cycle carry its generation and become no-ops
	// once a stop or restart has moved the instance past them, so a loop
	// waking late can never act on a successor's process or channel.
	generation uint64
}

// New creates an instance in the created state. canSwitchPage is the grant
// confirmed by the host; it is intersected with the manifest's declaration.
func New(button host.ButtonRef, m *manifest.Manifest, config map[string]any, canSwitchPage bool, opts Options, handlers Handlers) (*Instance, error) {
	interp, err := buildMachine(m.Name)
	if err != nil {
		return nil, fmt.Errorf("build lifecycle machine: %w", err)
	}
	interp.Start()

	return &Instance{
		ID:            uuid.NewString(),
		Button:        button,
		Manifest:      m,
		opts:          opts.withDefaults(),
		handlers:      handlers,
		interp:        interp,
		config:        config,
		canSwitchPage: canSwitchPage && m.CanSwitchPage,
		released:      true, // Nothing allocated yet
	}, nil
}

// currentState reads the machine without taking the instance lock; callers
// either hold it already or do not need it.
func (i *Instance) currentState() State {
	return State(i.interp.State().Value)
}

// State returns the current lifecycle state.
func (i *Instance) State() State {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.currentState()
}

// IsAlive reports OS-level process liveness. A live but unresponsive
// process is reported, not killed, by this check alone.
func (i *Instance) IsAlive() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.proc != nil && i.proc.Alive()
}

// IsResponsive reports whether a heartbeat arrived recently enough.
func (i *Instance) IsResponsive() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return !i.lastHeartbeat.IsZero() && time.Since(i.lastHeartbeat) < i.opts.HeartbeatStale
}

// LastHeartbeat returns the time of the most recent heartbeat.
func (i *Instance) LastHeartbeat() time.Time {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.lastHeartbeat
}

// RetryCount returns how many times the manager restarted this instance.
func (i *Instance) RetryCount() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.retryCount
}

// IncrementRetry bumps the restart counter and returns the new value.
// Only the manager's monitor loop calls this.
func (i *Instance) IncrementRetry() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.retryCount++
	return i.retryCount
}

// MarkFailed moves a crashed instance into the terminal failed state.
func (i *Instance) MarkFailed() {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.interp.Send(statekit.Event{Type: evFail})
}

// CanSwitchPage reports the confirmed page-switch grant.
func (i *Instance) CanSwitchPage() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.canSwitchPage
}

// Config returns the currently resolved configuration.
func (i *Instance) Config() map[string]any {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.config
}

// Start allocates a fresh channel endpoint, spawns the entry point with the
// endpoint address and serialized configuration as arguments, and moves to
// starting. READY is awaited in the background; if it does not arrive within
// the ready timeout the instance ends up crashed.
func (i *Instance) Start(ctx context.Context) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	switch st := i.currentState(); st {
	case StateCreated, StateStopped, StateCrashed:
	default:
		return fmt.Errorf("instance %s: cannot start from state %s", i.Manifest.Name, st)
	}

	if err := os.MkdirAll(i.opts.SocketDir, 0o700); err != nil {
		return fmt.Errorf("create socket dir: %w", err)
	}
	socketPath := filepath.Join(i.opts.SocketDir, fmt.Sprintf("plugin-%s.sock", i.ID[:8]))
	_ = os.Remove(socketPath) // Stale endpoint from an unclean exit

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return fmt.Errorf("listen on channel endpoint: %w", err)
	}

	configJSON, err := json.Marshal(i.config)
	if err != nil {
		listener.Close()
		return fmt.Errorf("serialize configuration: %w", err)
	}

	i.interp.Send(statekit.Event{Type: evStart})

	proc, err := i.opts.Launcher.Launch(i.Manifest.EntryPath(), socketPath, string(configJSON))
	if err != nil {
		i.interp.Send(statekit.Event{Type: evCrash})
		listener.Close()
		_ = os.Remove(socketPath)
		return err
	}

	i.listener = listener
	i.socketPath = socketPath
	i.proc = proc
	i.conn = nil
	i.writer = nil
	i.faults = 0
	i.released = false
	i.generation++
	gen := i.generation

	slog.Info("Plugin process spawned",
		"component", "Instance",
		"plugin", i.Manifest.Name,
		"button", i.Button.String(),
		"socket", socketPath,
	)

	go i.awaitReady(ctx, listener, gen)
	return nil
}

// awaitReady accepts the plugin's connection and waits for READY within the
// ready timeout. Success moves the machine through connected into running
// and hands the connection to the receive loop.
func (i *Instance) awaitReady(ctx context.Context, listener net.Listener, gen uint64) {
	deadline := time.Now().Add(i.opts.ReadyTimeout)
	if ul, ok := listener.(*net.UnixListener); ok {
		_ = ul.SetDeadline(deadline)
	}

	conn, err := listener.Accept()
	if err != nil {
		i.crashDuringStart(gen, "no connection before ready timeout", err)
		return
	}

	reader := protocol.NewReader(conn)
	reader.SetMaxFrame(i.opts.MaxFrameBytes)
	_ = conn.SetReadDeadline(deadline)

	_, msg, err := reader.ReadMessage()
	if err != nil {
		conn.Close()
		i.crashDuringStart(gen, "no READY before timeout", err)
		return
	}
	if _, ok := msg.(protocol.Ready); !ok {
		conn.Close()
		i.crashDuringStart(gen, fmt.Sprintf("first message was %s, expected ready", msg.Kind()), nil)
		return
	}

	i.mu.Lock()
	if i.generation != gen || i.currentState() != StateStarting {
		// A stop or restart raced the handshake; its owner does cleanup.
		i.mu.Unlock()
		conn.Close()
		return
	}
	i.conn = conn
	i.writer = protocol.NewWriter(conn)
	i.lastHeartbeat = time.Now()
	i.interp.Send(statekit.Event{Type: evReady})
	i.interp.Send(statekit.Event{Type: evRun})
	visible := i.visible
	writer := i.writer
	i.mu.Unlock()

	slog.Info("Plugin connected", "component", "Instance", "plugin", i.Manifest.Name, "button", i.Button.String())

	// A visible button learns about it before normal dispatch begins.
	if visible {
		if _, err := writer.WriteMessage(protocol.ButtonVisible{Page: i.Button.Page, Button: i.Button.Index}); err != nil {
			slog.Warn("Failed to send button_visible", "component", "Instance", "plugin", i.Manifest.Name, "error", err)
		}
	}

	go i.receiveLoop(conn, reader, gen)
}

// crashDuringStart records a failed handshake unless a stop or a newer start
// got there first.
func (i *Instance) crashDuringStart(gen uint64, reason string, err error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.generation != gen || i.currentState() != StateStarting {
		return
	}
	slog.Error("Plugin failed to start",
		"component", "Instance",
		"plugin", i.Manifest.Name,
		"reason", reason,
		"error", err,
	)
	i.interp.Send(statekit.Event{Type: evCrash})
	if i.proc != nil {
		_ = i.proc.Kill()
	}
	i.release()
}

// Stop shuts the instance down: SHUTDOWN is sent, the process gets a bounded
// grace period to exit voluntarily, stragglers are killed. Stop is
// idempotent; stopping an already-stopped instance is a no-op.
func (i *Instance) Stop(ctx context.Context) error {
	i.mu.Lock()
	switch i.currentState() {
	case StateStopped, StateStopping:
		i.mu.Unlock()
		return nil
	case StateCreated, StateCrashed, StateFailed:
		// Nothing running; release whatever is left and settle in stopped.
		i.interp.Send(statekit.Event{Type: evStop})
		i.release()
		i.mu.Unlock()
		return nil
	}

	i.interp.Send(statekit.Event{Type: evStop})
	writer := i.writer
	proc := i.proc
	i.mu.Unlock()

	if writer != nil {
		if _, err := writer.WriteMessage(protocol.Shutdown{}); err != nil {
			slog.Debug("Failed to send shutdown", "component", "Instance", "plugin", i.Manifest.Name, "error", err)
		}
	}

	if proc != nil {
		select {
		case <-proc.Done():
		case <-time.After(i.opts.StopGrace):
			slog.Warn("Grace period expired, killing plugin process", "component", "Instance", "plugin", i.Manifest.Name)
			_ = proc.Kill()
		case <-ctx.Done():
			_ = proc.Kill()
		}
	}

	i.mu.Lock()
	i.release()
	i.interp.Send(statekit.Event{Type: evStopped})
	i.mu.Unlock()

	slog.Info("Plugin stopped", "component", "Instance", "plugin", i.Manifest.Name, "button", i.Button.String())
	return nil
}

// release frees the channel endpoint exactly once per start cycle.
// Callers must hold i.mu.
func (i *Instance) release() {
	if i.released {
		return
	}
	i.released = true
	if i.conn != nil {
		i.conn.Close()
		i.conn = nil
	}
	if i.listener != nil {
		i.listener.Close()
		i.listener = nil
	}
	if i.socketPath != "" {
		_ = os.Remove(i.socketPath)
		i.socketPath = ""
	}
	i.writer = nil
}

// UpdateConfig replaces the configuration in place. A running instance is
// told via CONFIG_UPDATE; otherwise the new values apply on the next start.
func (i *Instance) UpdateConfig(config map[string]any) error {
	i.mu.Lock()
	i.config = config
	writer := i.writer
	running := i.currentState() == StateRunning
	i.mu.Unlock()

	if !running || writer == nil {
		return nil
	}
	_, err := writer.WriteMessage(protocol.ConfigUpdate{Config: config})
	return err
}

// NotifyButton forwards a press or release to the plugin.
func (i *Instance) NotifyButton(pressed bool) error {
	var msg protocol.Message = protocol.ButtonReleased{}
	if pressed {
		msg = protocol.ButtonPressed{}
	}
	return i.send(msg)
}

// SetVisible records visibility and, when running, tells the plugin.
func (i *Instance) SetVisible(visible bool) error {
	i.mu.Lock()
	i.visible = visible
	writer := i.writer
	running := i.currentState() == StateRunning
	i.mu.Unlock()

	if !running || writer == nil {
		return nil
	}
	var msg protocol.Message = protocol.ButtonHidden{}
	if visible {
		msg = protocol.ButtonVisible{Page: i.Button.Page, Button: i.Button.Index}
	}
	_, err := writer.WriteMessage(msg)
	return err
}

// Visible reports the host-declared visibility of the instance's button.
func (i *Instance) Visible() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.visible
}

// Ack acknowledges the plugin message with envelope id ref.
func (i *Instance) Ack(ref uint64, ok bool) error {
	return i.send(protocol.Ack{Ref: ref, OK: ok})
}

func (i *Instance) send(msg protocol.Message) error {
	i.mu.Lock()
	writer := i.writer
	i.mu.Unlock()
	if writer == nil {
		return fmt.Errorf("instance %s: channel not connected", i.Manifest.Name)
	}
	_, err := writer.WriteMessage(msg)
	return err
}
