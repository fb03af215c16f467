package shell

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
)

// newCommand creates an exec.Cmd in its own process group so the whole
// subprocess tree can be signalled at once. It deliberately does not bind
// the command to a context: termination is the caller's decision.
func newCommand(name string, args ...string) *exec.Cmd {
	cmd := exec.Command(name, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	return cmd
}

// outcome is what a finished subprocess left behind.
type outcome struct {
	stdout []byte
	stderr []byte
	killed bool // terminated by us after ctx ended
}

// execute starts cmd, drains stdout and stderr concurrently, and waits for
// it. When kill is set, the process group is killed once ctx is done;
// otherwise ctx is ignored after start and the command runs to completion.
//
// Both pipes are fully drained before cmd.Wait, which would otherwise
// deadlock once output exceeds the pipe buffer.
func execute(ctx context.Context, cmd *exec.Cmd, pm *ProcessManager, kill bool) (outcome, error) {
	var out outcome

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return out, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return out, fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	if err := ctx.Err(); err != nil {
		return out, err
	}
	if err := cmd.Start(); err != nil {
		return out, fmt.Errorf("failed to start command: %w", err)
	}
	pm.Track(cmd)
	defer pm.Untrack(cmd)

	done := make(chan struct{})
	var killed atomic.Bool
	if kill {
		go func() {
			select {
			case <-ctx.Done():
				if killProcessGroup(cmd) == nil {
					killed.Store(true)
				}
			case <-done:
			}
		}()
	}

	var (
		wg                   sync.WaitGroup
		stdoutBuf, stderrBuf bytes.Buffer
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		io.Copy(&stdoutBuf, stdoutPipe)
	}()
	go func() {
		defer wg.Done()
		io.Copy(&stderrBuf, stderrPipe)
	}()
	wg.Wait()

	waitErr := cmd.Wait()
	close(done)

	out.stdout = stdoutBuf.Bytes()
	out.stderr = stderrBuf.Bytes()
	out.killed = killed.Load()
	return out, waitErr
}

// exitCode extracts the exit status from a Wait error, or -1.
func exitCode(err error) int {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

// killProcessGroup sends SIGKILL to cmd's whole process group.
func killProcessGroup(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return fmt.Errorf("process not started")
	}
	if err := syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL); err != nil {
		return fmt.Errorf("failed to kill process group: %w", err)
	}
	return nil
}

// ProcessManager tracks running subprocesses so they can all be killed on
// shutdown. A nil *ProcessManager tracks nothing.
//
//	pm := shell.NewProcessManager()
//	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
//	defer stop()
//	go func() { <-ctx.Done(); pm.KillAll() }()
type ProcessManager struct {
	mu    sync.Mutex
	procs map[int]*exec.Cmd
}

// NewProcessManager creates a new ProcessManager.
func NewProcessManager() *ProcessManager {
	return &ProcessManager{procs: make(map[int]*exec.Cmd)}
}

// Track registers a started subprocess.
func (pm *ProcessManager) Track(cmd *exec.Cmd) {
	if pm == nil || cmd.Process == nil {
		return
	}
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.procs[cmd.Process.Pid] = cmd
}

// Untrack removes a subprocess once it has been waited on.
func (pm *ProcessManager) Untrack(cmd *exec.Cmd) {
	if pm == nil || cmd.Process == nil {
		return
	}
	pm.mu.Lock()
	defer pm.mu.Unlock()
	delete(pm.procs, cmd.Process.Pid)
}

// KillAll kills every tracked process group.
func (pm *ProcessManager) KillAll() error {
	if pm == nil {
		return nil
	}
	pm.mu.Lock()
	defer pm.mu.Unlock()

	var errs []error
	for pid, cmd := range pm.procs {
		if err := killProcessGroup(cmd); err != nil {
			errs = append(errs, fmt.Errorf("process %d: %w", pid, err))
		}
	}
	return errors.Join(errs...)
}

// Count returns the number of tracked processes.
func (pm *ProcessManager) Count() int {
	if pm == nil {
		return 0
	}
	pm.mu.Lock()
	defer pm.mu.Unlock()
	return len(pm.procs)
}
