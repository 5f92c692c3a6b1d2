// Package pty runs a child process on a pseudo-terminal and exposes it as a
// Bridge: a byte channel with timed reads, writes, a liveness check and
// termination.
package pty

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/termlinkky/server/internal/model"
)

const (
	// ReadChunkSize is the largest chunk returned by a single ReadChunk.
	ReadChunkSize = 4096

	// terminateGrace is how long Terminate waits after SIGTERM before killing.
	terminateGrace = 2 * time.Second

	defaultTerm = "xterm-256color"
)

// Geometry is the fixed terminal size of a bridge.
type Geometry struct {
	Cols uint16
	Rows uint16
}

// Validate rejects a geometry with a zero dimension.
func (g Geometry) Validate() error {
	if g.Cols == 0 || g.Rows == 0 {
		return fmt.Errorf("%w: %dx%d", model.ErrInvalidGeometry, g.Cols, g.Rows)
	}
	return nil
}

// StartOptions contains options for starting a PTY process.
type StartOptions struct {
	// Command is the command to execute.
	Command string

	// Args are the arguments to pass to the command.
	Args []string

	// Env is the environment variables for the process.
	// If nil, the current process environment is used.
	Env []string

	// Dir is the working directory for the process.
	// If empty, the current directory is used.
	Dir string

	Geometry Geometry
}

// Bridge is a running child process attached to a PTY master.
type Bridge struct {
	master *os.File
	fd     uintptr
	cmd    *exec.Cmd
	pid    int

	writeMu sync.Mutex

	exited chan struct{}

	closed    atomic.Bool
	closeOnce sync.Once
}

// Start launches opts.Command on a new PTY sized to opts.Geometry.
func Start(opts StartOptions) (*Bridge, error) {
	if opts.Command == "" {
		return nil, &model.SpawnError{Op: "start", Err: errors.New("empty command")}
	}
	cmd := exec.Command(opts.Command, opts.Args...)
	cmd.Env = opts.Env
	if cmd.Env == nil {
		cmd.Env = os.Environ()
	}
	if opts.Dir != "" {
		cmd.Dir = opts.Dir
	}
	return StartCommand(cmd, opts.Geometry)
}

// StartCommand launches a prepared command on a new PTY. The command's
// stdio and process attributes are overwritten.
func StartCommand(cmd *exec.Cmd, geo Geometry) (*Bridge, error) {
	if err := geo.Validate(); err != nil {
		return nil, &model.SpawnError{Op: cmd.Path, Err: err}
	}
	if cmd.Env == nil {
		cmd.Env = os.Environ()
	}
	cmd.Env = withTerm(cmd.Env)

	master, err := startOnPTY(cmd, geo)
	if err != nil {
		return nil, &model.SpawnError{Op: cmd.Path, Err: err}
	}

	b := &Bridge{
		master: master,
		fd:     master.Fd(),
		cmd:    cmd,
		pid:    cmd.Process.Pid,
		exited: make(chan struct{}),
	}
	go b.wait()
	return b, nil
}

func (b *Bridge) wait() {
	_ = b.cmd.Wait()
	close(b.exited)
}

// PID returns the process ID of the child.
func (b *Bridge) PID() int {
	return b.pid
}

// IsAlive reports whether the child has not yet exited.
func (b *Bridge) IsAlive() bool {
	select {
	case <-b.exited:
		return false
	default:
		return true
	}
}

// ReadChunk waits up to timeout for output. It returns (nil, nil) when
// nothing arrived in time, io.EOF when the child side has closed and an
// *model.IOError on any other failure.
func (b *Bridge) ReadChunk(timeout time.Duration) ([]byte, error) {
	if b.closed.Load() {
		return nil, io.EOF
	}

	ready, err := waitReadable(b.fd, timeout)
	if err != nil {
		if isEndOfStream(err) {
			return nil, io.EOF
		}
		return nil, &model.IOError{Op: "poll", Err: err}
	}
	if !ready {
		return nil, nil
	}

	buf := make([]byte, ReadChunkSize)
	n, err := b.master.Read(buf)
	if n > 0 {
		return buf[:n], nil
	}
	if err == nil {
		return nil, nil
	}
	if isEndOfStream(err) {
		return nil, io.EOF
	}
	return nil, &model.IOError{Op: "read", Err: err}
}

// Write sends p to the child's input.
func (b *Bridge) Write(p []byte) error {
	if b.closed.Load() {
		return &model.IOError{Op: "write", Err: os.ErrClosed}
	}

	b.writeMu.Lock()
	defer b.writeMu.Unlock()

	if _, err := b.master.Write(p); err != nil {
		return &model.IOError{Op: "write", Err: err}
	}
	return nil
}

// Terminate stops the child and releases the PTY. The child gets SIGTERM
// and a hangup, and is killed if it is still running after a grace period.
// Calling Terminate more than once is safe.
func (b *Bridge) Terminate() error {
	var firstErr error
	b.closeOnce.Do(func() {
		b.closed.Store(true)

		if b.IsAlive() {
			if err := b.cmd.Process.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
				firstErr = err
			}
		}

		if err := b.master.Close(); err != nil && firstErr == nil {
			firstErr = err
		}

		select {
		case <-b.exited:
			return
		case <-time.After(terminateGrace):
		}

		if err := b.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) && firstErr == nil {
			firstErr = err
		}
		select {
		case <-b.exited:
		case <-time.After(terminateGrace):
		}
	})
	return firstErr
}

// ExitCode returns the child's exit code, or -1 while it is still running
// or when it was killed by a signal.
func (b *Bridge) ExitCode() int {
	if b.IsAlive() || b.cmd.ProcessState == nil {
		return -1
	}
	return b.cmd.ProcessState.ExitCode()
}

func isEndOfStream(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, syscall.EIO) || errors.Is(err, os.ErrClosed)
}

func withTerm(env []string) []string {
	out := make([]string, 0, len(env)+1)
	hasTerm := false
	for _, kv := range env {
		// A nested tmux client refuses to attach.
		if strings.HasPrefix(kv, "TMUX=") {
			continue
		}
		if strings.HasPrefix(kv, "TERM=") {
			hasTerm = true
		}
		out = append(out, kv)
	}
	if !hasTerm {
		out = append(out, "TERM="+defaultTerm)
	}
	return out
}
