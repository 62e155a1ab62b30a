package instance

import (
	"errors"
	"log/slog"
	"net"
	"time"

	"github.com/felixgeelhaar/statekit"

	"deckhost/pkg/host"
	"deckhost/pkg/protocol"
)

// receiveLoop decodes frames and dispatches them in arrival order until the
// instance stops, restarts, or the channel dies. Reads use short deadlines so
// the loop observes a stop promptly without busy-spinning. gen fences the
// loop to the start cycle that spawned it.
func (i *Instance) receiveLoop(conn net.Conn, reader *protocol.Reader, gen uint64) {
	for {
		if i.stale(gen) {
			return
		}

		_ = conn.SetReadDeadline(time.Now().Add(i.opts.ReadTimeout))
		ref, msg, err := reader.ReadMessage()
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}

			var protoErr *protocol.ProtocolError
			if errors.As(err, &protoErr) {
				slog.Warn("Dropping malformed frame",
					"component", "Instance",
					"plugin", i.Manifest.Name,
					"error", protoErr,
				)
				if i.recordFault() {
					i.forceCrash(gen, "repeated protocol faults")
					return
				}
				continue
			}

			// EOF or closed connection: either this cycle is over, or the
			// process went away underneath us.
			if i.stale(gen) {
				return
			}
			i.forceCrash(gen, "channel closed unexpectedly")
			return
		}

		i.clearFaults()
		i.dispatch(ref, msg)
	}
}

// stale reports whether the start cycle gen belongs to is over: a newer
// start superseded it, or the instance is stopping or stopped.
func (i *Instance) stale(gen uint64) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.generation != gen {
		return true
	}
	st := i.currentState()
	return st == StateStopping || st == StateStopped
}

// recordFault counts one protocol fault and reports whether the crash
// threshold was reached.
func (i *Instance) recordFault() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.faults++
	return i.faults >= i.opts.MaxProtocolFaults
}

func (i *Instance) clearFaults() {
	i.mu.Lock()
	i.faults = 0
	i.mu.Unlock()
}

// forceCrash moves the instance to crashed and releases its channel. A stale
// generation means a newer start owns the process now, so the crash is not
// ours to record. The manager's monitor loop decides whether to restart.
func (i *Instance) forceCrash(gen uint64, reason string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.generation != gen {
		return
	}
	switch i.currentState() {
	case StateStarting, StateConnected, StateRunning:
	default:
		return
	}
	slog.Error("Plugin instance crashed",
		"component", "Instance",
		"plugin", i.Manifest.Name,
		"button", i.Button.String(),
		"reason", reason,
	)
	i.interp.Send(statekit.Event{Type: evCrash})
	if i.proc != nil {
		_ = i.proc.Kill()
	}
	i.release()
}

// dispatch routes one decoded message to its handler. The switch is
// exhaustive over the protocol's message kinds; host-bound kinds arriving
// from a plugin are logged and dropped.
func (i *Instance) dispatch(ref uint64, msg protocol.Message) {
	switch m := msg.(type) {
	case protocol.Heartbeat:
		i.mu.Lock()
		i.lastHeartbeat = time.Now()
		i.mu.Unlock()

	case protocol.UpdateImageRaw:
		if i.handlers.OnDisplayUpdate != nil {
			i.handlers.OnDisplayUpdate(i.Button, host.FromRaw(m))
		}

	case protocol.UpdateImageRender:
		if i.handlers.OnDisplayUpdate != nil {
			i.handlers.OnDisplayUpdate(i.Button, host.FromRender(m))
		}

	case protocol.RequestPageSwitch:
		if i.handlers.OnPageSwitchRequest != nil {
			i.handlers.OnPageSwitchRequest(i, ref, m)
		}

	case protocol.LogMessage:
		if i.handlers.OnLog != nil {
			i.handlers.OnLog(i.Button, host.ParseLevel(m.Level), m.Text)
		}

	case protocol.ErrorMessage:
		slog.Error("Plugin reported error",
			"component", "Instance",
			"plugin", i.Manifest.Name,
			"message", m.Message,
			"detail", m.Detail,
		)
		if i.handlers.OnError != nil {
			i.handlers.OnError(i.Button, m)
		}

	case protocol.Ack:
		slog.Debug("Plugin acknowledged message", "component", "Instance", "plugin", i.Manifest.Name, "ref", m.Ref, "ok", m.OK)

	case protocol.Ready:
		// Duplicate READY after the handshake; harmless.

	case protocol.ButtonPressed, protocol.ButtonReleased, protocol.ButtonVisible,
		protocol.ButtonHidden, protocol.ConfigUpdate, protocol.Shutdown:
		slog.Warn("Plugin sent host-bound message, dropping",
			"component", "Instance",
			"plugin", i.Manifest.Name,
			"type", msg.Kind(),
		)
	}
}
