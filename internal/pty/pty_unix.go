//go:build !windows
// +build !windows

package pty

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/creack/pty"
	"golang.org/x/sys/unix"
)

// startOnPTY opens a PTY pair, sizes it and starts cmd on the slave side as
// a session leader with the slave as its controlling terminal.
func startOnPTY(cmd *exec.Cmd, geo Geometry) (*os.File, error) {
	master, slave, err := pty.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to open PTY: %w", err)
	}

	// The size must be in place before the child starts so it never
	// observes another geometry.
	if err := pty.Setsize(master, &pty.Winsize{Rows: geo.Rows, Cols: geo.Cols}); err != nil {
		master.Close()
		slave.Close()
		return nil, fmt.Errorf("failed to set window size: %w", err)
	}

	cmd.Stdin = slave
	cmd.Stdout = slave
	cmd.Stderr = slave
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setsid:  true,
		Setctty: true,
	}

	if err := cmd.Start(); err != nil {
		master.Close()
		slave.Close()
		return nil, fmt.Errorf("failed to start process: %w", err)
	}

	// Close the slave in the parent so the master sees EOF when the child exits.
	slave.Close()
	return master, nil
}

// waitReadable blocks until fd has data or a hangup, or timeout elapses.
func waitReadable(fd uintptr, timeout time.Duration) (bool, error) {
	fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
	n, err := unix.Poll(fds, int(timeout/time.Millisecond))
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return false, nil
		}
		return false, err
	}
	if n == 0 {
		return false, nil
	}
	if fds[0].Revents&unix.POLLNVAL != 0 {
		return false, os.ErrClosed
	}
	return fds[0].Revents&(unix.POLLIN|unix.POLLHUP|unix.POLLERR) != 0, nil
}
