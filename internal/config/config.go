// Package config loads the server configuration. Values are layered:
// built-in defaults, then an optional YAML file, then TERMLINKKY_*
// environment variables, then command-line flags.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/spf13/pflag"
	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"

	"github.com/termlinkky/server/internal/model"
)

// EnvPrefix prefixes every environment variable read by Load.
const EnvPrefix = "TERMLINKKY"

// Config holds every setting of the server.
type Config struct {
	ListenAddr string `yaml:"listen_addr" envconfig:"LISTEN_ADDR"`
	TLSCert    string `yaml:"tls_cert" envconfig:"TLS_CERT"`
	TLSKey     string `yaml:"tls_key" envconfig:"TLS_KEY"`

	SessionName  string `yaml:"session_name" envconfig:"SESSION_NAME"`
	Cols         uint16 `yaml:"cols" envconfig:"COLS"`
	Rows         uint16 `yaml:"rows" envconfig:"ROWS"`
	HistoryBytes int    `yaml:"history_bytes" envconfig:"HISTORY_BYTES"`
	Shell        string `yaml:"shell" envconfig:"SHELL"`

	UseTmux      bool          `yaml:"use_tmux" envconfig:"USE_TMUX"`
	TmuxSocket   string        `yaml:"tmux_socket" envconfig:"TMUX_SOCKET"`
	TmuxTimeout  time.Duration `yaml:"tmux_timeout" envconfig:"TMUX_TIMEOUT"`
	CaptureLines int           `yaml:"capture_lines" envconfig:"CAPTURE_LINES"`

	PollTimeout    time.Duration `yaml:"poll_timeout" envconfig:"POLL_TIMEOUT"`
	LivenessEvery  int           `yaml:"liveness_every" envconfig:"LIVENESS_EVERY"`
	SendTimeout    time.Duration `yaml:"send_timeout" envconfig:"SEND_TIMEOUT"`
	RestartBackoff time.Duration `yaml:"restart_backoff" envconfig:"RESTART_BACKOFF"`

	Private    bool    `yaml:"private" envconfig:"PRIVATE"`
	InputRate  float64 `yaml:"input_rate" envconfig:"INPUT_RATE"`
	InputBurst int     `yaml:"input_burst" envconfig:"INPUT_BURST"`

	DBPath    string `yaml:"db_path" envconfig:"DB_PATH"`
	RecordDir string `yaml:"record_dir" envconfig:"RECORD_DIR"`

	LogLevel  string `yaml:"log_level" envconfig:"LOG_LEVEL"`
	LogFormat string `yaml:"log_format" envconfig:"LOG_FORMAT"`
}

// Defaults returns the built-in configuration.
func Defaults() Config {
	shell := os.Getenv("SHELL")
	if shell == "" {
		shell = "/bin/bash"
	}
	return Config{
		ListenAddr:     ":8443",
		SessionName:    "termlinkky",
		Cols:           120,
		Rows:           40,
		HistoryBytes:   64 * 1024,
		Shell:          shell,
		UseTmux:        true,
		TmuxTimeout:    2 * time.Second,
		CaptureLines:   1000,
		PollTimeout:    50 * time.Millisecond,
		LivenessEvery:  100,
		SendTimeout:    2 * time.Second,
		RestartBackoff: time.Second,
		Private:        true,
		InputRate:      1000,
		InputBurst:     64,
		DBPath:         "data/termlinkky.db",
		LogLevel:       "info",
		LogFormat:      "json",
	}
}

// Load builds the configuration from the defaults, the YAML file at path
// (skipped when path is empty) and the environment.
func Load(path string) (Config, error) {
	cfg := Defaults()
	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return cfg, err
		}
	}
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to read environment: %w", err)
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

// RegisterFlags adds a flag for every setting to fs. Flag defaults are the
// built-in defaults; only flags set on the command line override the other
// layers, see ApplyFlags.
func RegisterFlags(fs *pflag.FlagSet) {
	d := Defaults()
	fs.String("listen", d.ListenAddr, "address to listen on")
	fs.String("tls-cert", d.TLSCert, "TLS certificate file")
	fs.String("tls-key", d.TLSKey, "TLS key file")
	fs.String("session", d.SessionName, "name of the shared session")
	fs.Uint16("cols", d.Cols, "terminal columns")
	fs.Uint16("rows", d.Rows, "terminal rows")
	fs.Int("history-bytes", d.HistoryBytes, "output history replayed to joining clients")
	fs.String("shell", d.Shell, "command run in the session")
	fs.Bool("tmux", d.UseTmux, "run the shared session inside tmux")
	fs.String("tmux-socket", d.TmuxSocket, "tmux server socket path")
	fs.Duration("tmux-timeout", d.TmuxTimeout, "timeout of each tmux command")
	fs.Int("capture-lines", d.CaptureLines, "scrollback captured for joining clients")
	fs.Duration("restart-backoff", d.RestartBackoff, "minimum delay between session restarts")
	fs.Bool("private", d.Private, "serve private per-connection sessions")
	fs.String("db", d.DBPath, "SQLite database path, empty to disable")
	fs.String("record-dir", d.RecordDir, "directory for session recordings, empty to disable")
	fs.String("log-level", d.LogLevel, "log level: debug, info, warn, error")
	fs.String("log-format", d.LogFormat, "log format: json or console")
}

// ApplyFlags overrides c with every flag of fs set on the command line.
func (c *Config) ApplyFlags(fs *pflag.FlagSet) error {
	var errs error
	str := func(name string, dst *string) {
		if fs.Changed(name) {
			v, err := fs.GetString(name)
			errs = multierr.Append(errs, err)
			*dst = v
		}
	}
	dims := func(name string, dst *uint16) {
		if fs.Changed(name) {
			v, err := fs.GetUint16(name)
			errs = multierr.Append(errs, err)
			*dst = v
		}
	}
	num := func(name string, dst *int) {
		if fs.Changed(name) {
			v, err := fs.GetInt(name)
			errs = multierr.Append(errs, err)
			*dst = v
		}
	}
	dur := func(name string, dst *time.Duration) {
		if fs.Changed(name) {
			v, err := fs.GetDuration(name)
			errs = multierr.Append(errs, err)
			*dst = v
		}
	}
	flag := func(name string, dst *bool) {
		if fs.Changed(name) {
			v, err := fs.GetBool(name)
			errs = multierr.Append(errs, err)
			*dst = v
		}
	}

	str("listen", &c.ListenAddr)
	str("tls-cert", &c.TLSCert)
	str("tls-key", &c.TLSKey)
	str("session", &c.SessionName)
	dims("cols", &c.Cols)
	dims("rows", &c.Rows)
	num("history-bytes", &c.HistoryBytes)
	str("shell", &c.Shell)
	flag("tmux", &c.UseTmux)
	str("tmux-socket", &c.TmuxSocket)
	num("capture-lines", &c.CaptureLines)
	dur("tmux-timeout", &c.TmuxTimeout)
	dur("restart-backoff", &c.RestartBackoff)
	flag("private", &c.Private)
	str("db", &c.DBPath)
	str("record-dir", &c.RecordDir)
	str("log-level", &c.LogLevel)
	str("log-format", &c.LogFormat)
	return errs
}

// Validate reports every invalid setting.
func (c Config) Validate() error {
	var errs error
	if c.SessionName == "" {
		errs = multierr.Append(errs, model.ErrSessionNameRequired)
	}
	if c.Cols == 0 || c.Rows == 0 {
		errs = multierr.Append(errs, fmt.Errorf("%w: %dx%d", model.ErrInvalidGeometry, c.Cols, c.Rows))
	}
	if c.HistoryBytes <= 0 {
		errs = multierr.Append(errs, fmt.Errorf("history_bytes must be positive, got %d", c.HistoryBytes))
	}
	if c.PollTimeout <= 0 {
		errs = multierr.Append(errs, fmt.Errorf("poll_timeout must be positive, got %s", c.PollTimeout))
	}
	if c.SendTimeout <= 0 {
		errs = multierr.Append(errs, fmt.Errorf("send_timeout must be positive, got %s", c.SendTimeout))
	}
	if c.UseTmux && c.TmuxTimeout <= 0 {
		errs = multierr.Append(errs, fmt.Errorf("tmux_timeout must be positive, got %s", c.TmuxTimeout))
	}
	if c.RestartBackoff < 0 {
		errs = multierr.Append(errs, fmt.Errorf("restart_backoff must not be negative, got %s", c.RestartBackoff))
	}
	if c.Shell == "" {
		errs = multierr.Append(errs, errors.New("shell must be set"))
	}
	if (c.TLSCert == "") != (c.TLSKey == "") {
		errs = multierr.Append(errs, errors.New("tls_cert and tls_key must be set together"))
	}
	switch c.LogFormat {
	case "json", "console":
	default:
		errs = multierr.Append(errs, fmt.Errorf("log_format must be json or console, got %q", c.LogFormat))
	}
	return errs
}

// TLS reports whether the server should serve HTTPS.
func (c Config) TLS() bool {
	return c.TLSCert != "" && c.TLSKey != ""
}
