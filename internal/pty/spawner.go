package pty

import (
	"context"
	"os"

	"go.uber.org/zap"

	"github.com/termlinkky/server/internal/model"
	"github.com/termlinkky/server/internal/tmux"
)

// fallbackShell is used when neither the configured command nor $SHELL is set.
const fallbackShell = "/bin/sh"

// ShellSpawner starts a plain shell on a fresh PTY.
type ShellSpawner struct {
	opts   StartOptions
	logger *zap.Logger
}

// NewShellSpawner returns a spawner for command, which may carry arguments
// and quotes ("bash -l"). An empty command selects $SHELL.
func NewShellSpawner(command string, geo Geometry, logger *zap.Logger) *ShellSpawner {
	if logger == nil {
		logger = zap.NewNop()
	}
	if command == "" {
		command = os.Getenv("SHELL")
	}
	if command == "" {
		command = fallbackShell
	}

	parts := splitCommand(command)
	opts := StartOptions{Geometry: geo}
	if len(parts) > 0 {
		opts.Command = parts[0]
		opts.Args = parts[1:]
	}
	return &ShellSpawner{opts: opts, logger: logger.Named("spawner")}
}

// Start launches the shell.
func (s *ShellSpawner) Start(ctx context.Context) (*Bridge, error) {
	if err := ctx.Err(); err != nil {
		return nil, &model.SpawnError{Op: s.opts.Command, Err: err}
	}

	b, err := Start(s.opts)
	if err != nil {
		s.logger.Warn("shell spawn failed", zap.String("command", s.opts.Command), zap.Error(err))
		return nil, err
	}
	s.logger.Info("shell started", zap.String("command", s.opts.Command), zap.Int("pid", b.PID()))
	return b, nil
}

// TmuxSpawner attaches a PTY to a named tmux session, creating the session
// with the configured geometry when it does not exist yet.
type TmuxSpawner struct {
	session string
	geo     Geometry
	client  *tmux.Client
	logger  *zap.Logger
}

// NewTmuxSpawner returns a spawner for the named tmux session.
func NewTmuxSpawner(client *tmux.Client, session string, geo Geometry, logger *zap.Logger) *TmuxSpawner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TmuxSpawner{
		session: session,
		geo:     geo,
		client:  client,
		logger:  logger.Named("spawner"),
	}
}

// Start ensures the tmux session exists and attaches to it.
func (s *TmuxSpawner) Start(ctx context.Context) (*Bridge, error) {
	if err := s.geo.Validate(); err != nil {
		return nil, &model.SpawnError{Op: "tmux", Err: err}
	}

	created, err := s.client.EnsureSession(ctx, s.session, s.geo.Cols, s.geo.Rows)
	if err != nil {
		s.logger.Warn("tmux session unavailable", zap.String("session", s.session), zap.Error(err))
		return nil, &model.SpawnError{Op: "tmux new-session", Err: err}
	}

	b, err := StartCommand(s.client.AttachCommand(s.session), s.geo)
	if err != nil {
		s.logger.Warn("tmux attach failed", zap.String("session", s.session), zap.Error(err))
		return nil, err
	}
	s.logger.Info("attached to tmux session",
		zap.String("session", s.session),
		zap.Bool("created", created),
		zap.Int("pid", b.PID()))
	return b, nil
}

// splitCommand splits a command string into command and arguments.
// This handles basic quoting (single and double quotes).
func splitCommand(cmd string) []string {
	var parts []string
	var current []rune
	inQuote := false
	quoteChar := rune(0)

	for _, r := range cmd {
		switch {
		case r == '"' || r == '\'':
			if inQuote {
				if r == quoteChar {
					inQuote = false
					quoteChar = 0
				} else {
					current = append(current, r)
				}
			} else {
				inQuote = true
				quoteChar = r
			}
		case r == ' ' || r == '\t':
			if inQuote {
				current = append(current, r)
			} else if len(current) > 0 {
				parts = append(parts, string(current))
				current = nil
			}
		default:
			current = append(current, r)
		}
	}

	if len(current) > 0 {
		parts = append(parts, string(current))
	}

	return parts
}
