package instance

import (
	"fmt"
	"os/exec"
)

// ProcessError wraps a spawn failure or an unexpected exit.
type ProcessError struct {
	Op  string
	Err error
}

func (e *ProcessError) Error() string {
	return fmt.Sprintf("process: %s: %v", e.Op, e.Err)
}

func (e *ProcessError) Unwrap() error { return e.Err }

// Process is a handle on a spawned plugin entry point.
type Process interface {
	// Alive reports OS-level liveness, independent of heartbeat freshness.
	Alive() bool
	// Kill forcibly terminates the process.
	Kill() error
	// Done is closed when the process has exited.
	Done() <-chan struct{}
}

// Launcher spawns plugin entry points. The default launcher execs the entry
// point directly; tests substitute simulated processes.
type Launcher interface {
	Launch(entryPath string, args ...string) (Process, error)
}

// ExecLauncher launches entry points with os/exec.
type ExecLauncher struct{}

// Launch starts the entry point and reaps it in the background.
func (ExecLauncher) Launch(entryPath string, args ...string) (Process, error) {
	cmd := exec.Command(entryPath, args...)
	if err := cmd.Start(); err != nil {
		return nil, &ProcessError{Op: "spawn " + entryPath, Err: err}
	}

	p := &osProcess{cmd: cmd, done: make(chan struct{})}
	go func() {
		_ = cmd.Wait()
		close(p.done)
	}()
	return p, nil
}

type osProcess struct {
	cmd  *exec.Cmd
	done chan struct{}
}

func (p *osProcess) Alive() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

func (p *osProcess) Kill() error {
	if !p.Alive() {
		return nil
	}
	return p.cmd.Process.Kill()
}

func (p *osProcess) Done() <-chan struct{} { return p.done }
