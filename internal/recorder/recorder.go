package recorder

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/termlinkky/server/internal/session"
)

// Recorder opens one cast file per session generation under a directory.
// It implements session.Recordings.
type Recorder struct {
	dir    string
	width  int
	height int
	env    map[string]string
	now    func() time.Time
}

// New creates a Recorder writing under dir with the given terminal size.
func New(dir string, cols, rows uint16, env map[string]string) (*Recorder, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create recording directory: %w", err)
	}
	return &Recorder{
		dir:    dir,
		width:  int(cols),
		height: int(rows),
		env:    env,
		now:    time.Now,
	}, nil
}

// Path returns the cast file name used for a generation.
func (r *Recorder) Path(sessionName string, generation int, at time.Time) string {
	name := fmt.Sprintf("%s-%s-g%d.cast", safeName(sessionName), at.UTC().Format("20060102T150405Z"), generation)
	return filepath.Join(r.dir, name)
}

// Open creates the cast file for one generation of a session.
func (r *Recorder) Open(sessionName string, generation int) (session.Recording, error) {
	now := r.now()
	path := r.Path(sessionName, generation, now)

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to create cast file: %w", err)
	}

	cast, err := NewCast(file, Header{
		Width:     r.width,
		Height:    r.height,
		Timestamp: now.Unix(),
		Title:     fmt.Sprintf("%s (generation %d)", sessionName, generation),
		Env:       r.env,
	})
	if err != nil {
		file.Close()
		return nil, err
	}
	return cast, nil
}

func safeName(s string) string {
	s = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, s)
	if s == "" {
		return "session"
	}
	return s
}
