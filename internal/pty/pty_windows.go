//go:build windows
// +build windows

package pty

import (
	"errors"
	"os"
	"os/exec"
	"time"
)

var errUnsupported = errors.New("pseudo-terminals are not supported on windows")

func startOnPTY(_ *exec.Cmd, _ Geometry) (*os.File, error) {
	return nil, errUnsupported
}

func waitReadable(_ uintptr, _ time.Duration) (bool, error) {
	return false, errUnsupported
}
