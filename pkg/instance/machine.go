package instance

import (
	"github.com/felixgeelhaar/statekit"
)

// State is the lifecycle state of a plugin instance.
type State string

const (
	StateCreated   State = "created"
	StateStarting  State = "starting"
	StateConnected State = "connected"
	StateRunning   State = "running"
	StateStopping  State = "stopping"
	StateStopped   State = "stopped"
	StateCrashed   State = "crashed"
	StateFailed    State = "failed"
)

// Lifecycle events. The instance sends start/ready/run/stop/stopped for its
// own transitions; crash/fail are sent on behalf of the manager, which owns
// recovery decisions.
const (
	evStart   statekit.EventType = "START"
	evReady   statekit.EventType = "READY"
	evRun     statekit.EventType = "RUN"
	evStop    statekit.EventType = "STOP"
	evStopped statekit.EventType = "STOPPED"
	evCrash   statekit.EventType = "CRASH"
	evFail    statekit.EventType = "FAIL"
)

// machineContext is the statekit context type; the interpreter only needs
// the plugin identity for tracing.
type machineContext struct {
	PluginID string
}

// sid converts a lifecycle state to the machine's state identifier.
func sid(s State) statekit.StateID { return statekit.StateID(s) }

// buildMachine constructs the instance lifecycle state machine.
//
//	created -> starting -> connected -> running -> stopping -> stopped
//
// with crashed reachable from starting/connected/running and failed as the
// terminal state once the manager exhausts the retry budget.
func buildMachine(pluginID string) (*statekit.Interpreter[machineContext], error) {
	machine, err := statekit.NewMachine[machineContext]("plugin-instance").
		WithInitial(sid(StateCreated)).
		WithContext(machineContext{PluginID: pluginID}).
		State(sid(StateCreated)).
		On(evStart).Target(sid(StateStarting)).
		On(evStop).Target(sid(StateStopped)).Done().
		State(sid(StateStarting)).
		On(evReady).Target(sid(StateConnected)).
		On(evCrash).Target(sid(StateCrashed)).
		On(evStop).Target(sid(StateStopping)).Done().
		State(sid(StateConnected)).
		On(evRun).Target(sid(StateRunning)).
		On(evCrash).Target(sid(StateCrashed)).
		On(evStop).Target(sid(StateStopping)).Done().
		State(sid(StateRunning)).
		On(evCrash).Target(sid(StateCrashed)).
		On(evStop).Target(sid(StateStopping)).Done().
		State(sid(StateStopping)).
		On(evStopped).Target(sid(StateStopped)).Done().
		State(sid(StateStopped)).
		On(evStart).Target(sid(StateStarting)).Done().
		State(sid(StateCrashed)).
		On(evStart).Target(sid(StateStarting)).
		On(evFail).Target(sid(StateFailed)).
		On(evStop).Target(sid(StateStopped)).Done().
		State(sid(StateFailed)).
		On(evStop).Target(sid(StateStopped)).Done().
		Build()
	if err != nil {
		return nil, err
	}
	return statekit.NewInterpreter(machine), nil
}
