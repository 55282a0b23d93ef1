package process

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync/atomic"
	"syscall"
)

// Handle owns a started child process and the parent's ends of its three pipes.
//
// The pipes are plain os.Pipe pairs rather than exec.Cmd's StdoutPipe/StderrPipe,
// so that reaping the process never closes a pipe out from under a reader.
// Readers see io.EOF once the child (and anything that inherited its fds) is gone.
type Handle struct {
	cmd *exec.Cmd

	Stdin  io.WriteCloser
	Stdout io.ReadCloser
	Stderr io.ReadCloser

	done     chan struct{}
	exitCode atomic.Int64
	waitErr  error
}

// Spawn starts cmd with fresh pipes on all three standard streams.
// Any fds already assigned to cmd.Stdin/Stdout/Stderr are replaced.
func Spawn(cmd *exec.Cmd) (*Handle, error) {
	spawnErr := func(err error) error {
		return &SpawnError{Command: cmd.Args, Err: err}
	}

	stdinR, stdinW, err := os.Pipe()
	if err != nil {
		return nil, spawnErr(fmt.Errorf("stdin pipe: %w", err))
	}
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		closeAll(stdinR, stdinW)
		return nil, spawnErr(fmt.Errorf("stdout pipe: %w", err))
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		closeAll(stdinR, stdinW, stdoutR, stdoutW)
		return nil, spawnErr(fmt.Errorf("stderr pipe: %w", err))
	}

	cmd.Stdin = stdinR
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	err = cmd.Start()
	// the child holds its own copies now
	closeAll(stdinR, stdoutW, stderrW)
	if err != nil {
		closeAll(stdinW, stdoutR, stderrR)
		return nil, spawnErr(err)
	}

	h := &Handle{
		cmd:    cmd,
		Stdin:  stdinW,
		Stdout: stdoutR,
		Stderr: stderrR,
		done:   make(chan struct{}),
	}
	h.exitCode.Store(-1)
	go h.wait()
	return h, nil
}

func (h *Handle) wait() {
	err := h.cmd.Wait()
	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		h.waitErr = err
	}
	h.exitCode.Store(int64(exitCodeOf(h.cmd.ProcessState)))
	close(h.done)
}

// exitCodeOf reports the negated signal number for signaled processes.
func exitCodeOf(state *os.ProcessState) int {
	if state == nil {
		return -1
	}
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return -int(ws.Signal())
	}
	return state.ExitCode()
}

// PID returns the OS process id of the child.
func (h *Handle) PID() int {
	return h.cmd.Process.Pid
}

// Exited reports whether the child has been reaped. It never blocks.
func (h *Handle) Exited() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// Done is closed once the child has exited and been reaped.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// ExitCode is only meaningful after Done is closed; before that it is -1.
func (h *Handle) ExitCode() int {
	return int(h.exitCode.Load())
}

// WaitErr returns a non-exit error from reaping the child, if there was one.
func (h *Handle) WaitErr() error {
	<-h.done
	return h.waitErr
}

// Kill sends SIGKILL to the child. Killing an exited child is a no-op.
func (h *Handle) Kill() error {
	if h.Exited() {
		return nil
	}
	err := h.cmd.Process.Kill()
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}

// Close kills the child if it is still running and releases the parent's pipe ends.
func (h *Handle) Close() error {
	killErr := h.Kill()
	closeAll(h.Stdin, h.Stdout, h.Stderr)
	return killErr
}

func closeAll(closers ...io.Closer) {
	for _, c := range closers {
		_ = c.Close()
	}
}
