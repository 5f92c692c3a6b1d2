// Package tmux drives the external terminal multiplexer that hosts the
// shared session. The hub attaches to the session through a PTY and uses
// this package for everything out of band: creating the session, injecting
// input when the PTY is unavailable and capturing the screen for joiners.
package tmux

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"go.uber.org/zap"
)

// DefaultCommandTimeout bounds every out-of-band tmux invocation.
const DefaultCommandTimeout = 2 * time.Second

// Runner abstracts command execution for testability.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// OSRunner implements Runner using os/exec.
type OSRunner struct{}

// Run executes a command and returns its combined output.
func (OSRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// Client issues commands to one tmux server. When socket is non-empty every
// command targets that server with -S; otherwise the user's default server
// is used.
type Client struct {
	socket  string
	runner  Runner
	timeout time.Duration
	logger  *zap.Logger
}

// NewClient returns a Client that executes the real tmux binary.
func NewClient(socket string, logger *zap.Logger) *Client {
	return NewClientWithRunner(socket, OSRunner{}, logger)
}

// NewClientWithRunner returns a Client that executes commands through runner.
func NewClientWithRunner(socket string, runner Runner, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		socket:  socket,
		runner:  runner,
		timeout: DefaultCommandTimeout,
		logger:  logger.Named("tmux"),
	}
}

// SetTimeout overrides the per-command timeout.
func (c *Client) SetTimeout(d time.Duration) {
	if d > 0 {
		c.timeout = d
	}
}

func (c *Client) args(args ...string) []string {
	if c.socket == "" {
		return args
	}
	return append([]string{"-S", c.socket}, args...)
}

func (c *Client) run(ctx context.Context, args ...string) (string, error) {
	runCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	out, err := c.runner.Run(runCtx, "tmux", c.args(args...)...)
	if err != nil {
		return "", fmt.Errorf("tmux %s: %w (%s)", args[0], err, strings.TrimSpace(string(out)))
	}
	return string(out), nil
}

// HasSession reports whether the named session exists. A missing server
// counts as a missing session.
func (c *Client) HasSession(ctx context.Context, name string) bool {
	_, err := c.run(ctx, "has-session", "-t", name)
	return err == nil
}

// NewSession creates a detached session with the given window size.
func (c *Client) NewSession(ctx context.Context, name string, cols, rows uint16) error {
	_, err := c.run(ctx, "new-session", "-d", "-s", name,
		"-x", strconv.Itoa(int(cols)), "-y", strconv.Itoa(int(rows)))
	return err
}

// EnsureSession creates the named session unless it already exists.
// It reports whether a new session was created.
func (c *Client) EnsureSession(ctx context.Context, name string, cols, rows uint16) (bool, error) {
	if c.HasSession(ctx, name) {
		return false, nil
	}
	if err := c.NewSession(ctx, name, cols, rows); err != nil {
		// Lost a creation race with another client of the same server.
		if c.HasSession(ctx, name) {
			return false, nil
		}
		return false, err
	}
	c.logger.Info("created tmux session", zap.String("session", name),
		zap.Uint16("cols", cols), zap.Uint16("rows", rows))
	return true, nil
}

// AttachCommand returns the command that attaches a terminal to the named
// session. The caller wires its stdio to a PTY.
func (c *Client) AttachCommand(name string) *exec.Cmd {
	return exec.Command("tmux", c.args("attach-session", "-t", name)...)
}

// SendLiteral injects data into the session's active pane as keystrokes.
func (c *Client) SendLiteral(ctx context.Context, name string, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	_, err := c.run(ctx, SendKeysArgs(name, data)...)
	return err
}

// CapturePane returns the last lines of the session's active pane, with
// trailing blank lines removed and line endings converted to CRLF so the
// text renders correctly when written to a terminal.
func (c *Client) CapturePane(ctx context.Context, name string, lines int) (string, error) {
	args := []string{"capture-pane", "-p", "-t", name}
	if lines > 0 {
		args = append(args, "-S", "-"+strconv.Itoa(lines))
	}
	out, err := c.run(ctx, args...)
	if err != nil {
		return "", err
	}
	return normalizeCapture(out), nil
}

// SendKeysArgs builds the send-keys arguments for data. Printable text is
// sent with -l so tmux does not interpret key names; anything containing
// control bytes or invalid UTF-8 is sent byte by byte with -H.
func SendKeysArgs(target string, data []byte) []string {
	if isLiteralText(data) {
		return []string{"send-keys", "-t", target, "-l", "--", string(data)}
	}
	args := make([]string, 0, 4+len(data))
	args = append(args, "send-keys", "-t", target, "-H")
	for _, b := range data {
		args = append(args, fmt.Sprintf("%02x", b))
	}
	return args
}

func isLiteralText(data []byte) bool {
	if len(data) == 0 || !utf8.Valid(data) {
		return false
	}
	for _, r := range string(data) {
		if !unicode.IsPrint(r) {
			return false
		}
	}
	return true
}

func normalizeCapture(out string) string {
	out = strings.ReplaceAll(out, "\r\n", "\n")
	out = strings.TrimRight(out, "\n ")
	if out == "" {
		return ""
	}
	return strings.ReplaceAll(out, "\n", "\r\n") + "\r\n"
}
