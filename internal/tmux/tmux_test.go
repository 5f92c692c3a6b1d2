package tmux

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"
)

type call struct {
	name string
	args []string
}

// fakeRunner records calls and answers them from a per-subcommand table.
type fakeRunner struct {
	mu      sync.Mutex
	calls   []call
	outputs map[string]string
	errs    map[string]error
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{outputs: map[string]string{}, errs: map[string]error{}}
}

func (f *fakeRunner) Run(_ context.Context, name string, args ...string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call{name: name, args: append([]string(nil), args...)})

	sub := subcommand(args)
	return []byte(f.outputs[sub]), f.errs[sub]
}

func (f *fakeRunner) subcommands() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.calls))
	for _, c := range f.calls {
		out = append(out, subcommand(c.args))
	}
	return out
}

func subcommand(args []string) string {
	if len(args) >= 2 && args[0] == "-S" {
		args = args[2:]
	}
	if len(args) == 0 {
		return ""
	}
	return args[0]
}

func TestEnsureSession_CreatesWhenMissing(t *testing.T) {
	r := newFakeRunner()
	r.errs["has-session"] = errors.New("exit status 1")
	c := NewClientWithRunner("", r, nil)

	created, err := c.EnsureSession(context.Background(), "demo", 120, 40)
	if err != nil {
		t.Fatalf("EnsureSession: %v", err)
	}
	if !created {
		t.Fatal("expected session to be created")
	}

	r.mu.Lock()
	last := r.calls[len(r.calls)-1]
	r.mu.Unlock()
	want := []string{"new-session", "-d", "-s", "demo", "-x", "120", "-y", "40"}
	if !reflect.DeepEqual(last.args, want) {
		t.Errorf("new-session args = %v, want %v", last.args, want)
	}
}

func TestEnsureSession_ReusesExisting(t *testing.T) {
	r := newFakeRunner()
	c := NewClientWithRunner("", r, nil)

	created, err := c.EnsureSession(context.Background(), "demo", 120, 40)
	if err != nil {
		t.Fatalf("EnsureSession: %v", err)
	}
	if created {
		t.Error("expected existing session to be reused")
	}
	if got := r.subcommands(); !reflect.DeepEqual(got, []string{"has-session"}) {
		t.Errorf("calls = %v, want only has-session", got)
	}
}

func TestEnsureSession_PropagatesCreateFailure(t *testing.T) {
	r := newFakeRunner()
	r.errs["has-session"] = errors.New("no server")
	r.errs["new-session"] = errors.New("exec: tmux not found")
	c := NewClientWithRunner("", r, nil)

	if _, err := c.EnsureSession(context.Background(), "demo", 80, 24); err == nil {
		t.Fatal("expected error when tmux cannot create the session")
	}
}

func TestClient_SocketIsPrepended(t *testing.T) {
	r := newFakeRunner()
	c := NewClientWithRunner("/tmp/tl.sock", r, nil)

	c.HasSession(context.Background(), "demo")

	r.mu.Lock()
	got := r.calls[0]
	r.mu.Unlock()
	if got.name != "tmux" {
		t.Errorf("binary = %q, want tmux", got.name)
	}
	if !reflect.DeepEqual(got.args[:2], []string{"-S", "/tmp/tl.sock"}) {
		t.Errorf("args = %v, want -S socket prefix", got.args)
	}

	cmd := c.AttachCommand("demo")
	want := []string{"tmux", "-S", "/tmp/tl.sock", "attach-session", "-t", "demo"}
	if !reflect.DeepEqual(cmd.Args, want) {
		t.Errorf("attach args = %v, want %v", cmd.Args, want)
	}
}

func TestSendKeysArgs(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		want []string
	}{
		{"printable", []byte("ls -la"), []string{"send-keys", "-t", "s", "-l", "--", "ls -la"}},
		{"leading dash", []byte("-h"), []string{"send-keys", "-t", "s", "-l", "--", "-h"}},
		{"unicode", []byte("héllo"), []string{"send-keys", "-t", "s", "-l", "--", "héllo"}},
		{"enter", []byte("ls\r"), []string{"send-keys", "-t", "s", "-H", "6c", "73", "0d"}},
		{"ctrl-c", []byte{0x03}, []string{"send-keys", "-t", "s", "-H", "03"}},
		{"escape sequence", []byte("\x1b[A"), []string{"send-keys", "-t", "s", "-H", "1b", "5b", "41"}},
		{"invalid utf8", []byte{0xff, 'a'}, []string{"send-keys", "-t", "s", "-H", "ff", "61"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SendKeysArgs("s", tt.data); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("SendKeysArgs(%q) = %v, want %v", tt.data, got, tt.want)
			}
		})
	}
}

func TestSendLiteral(t *testing.T) {
	r := newFakeRunner()
	c := NewClientWithRunner("", r, nil)

	if err := c.SendLiteral(context.Background(), "demo", nil); err != nil {
		t.Fatalf("empty SendLiteral: %v", err)
	}
	if len(r.subcommands()) != 0 {
		t.Error("empty input should not invoke tmux")
	}

	if err := c.SendLiteral(context.Background(), "demo", []byte("echo hi")); err != nil {
		t.Fatalf("SendLiteral: %v", err)
	}
	if got := r.subcommands(); !reflect.DeepEqual(got, []string{"send-keys"}) {
		t.Errorf("calls = %v", got)
	}

	r.errs["send-keys"] = errors.New("can't find session")
	err := c.SendLiteral(context.Background(), "demo", []byte("x"))
	if err == nil || !strings.Contains(err.Error(), "send-keys") {
		t.Errorf("expected wrapped send-keys error, got %v", err)
	}
}

func TestCapturePane(t *testing.T) {
	r := newFakeRunner()
	r.outputs["capture-pane"] = "$ echo hi\nhi\n$ \n\n\n"
	c := NewClientWithRunner("", r, nil)

	got, err := c.CapturePane(context.Background(), "demo", 500)
	if err != nil {
		t.Fatalf("CapturePane: %v", err)
	}
	if want := "$ echo hi\r\nhi\r\n$\r\n"; got != want {
		t.Errorf("CapturePane = %q, want %q", got, want)
	}

	r.mu.Lock()
	args := r.calls[0].args
	r.mu.Unlock()
	want := []string{"capture-pane", "-p", "-t", "demo", "-S", "-500"}
	if !reflect.DeepEqual(args, want) {
		t.Errorf("args = %v, want %v", args, want)
	}
}

func TestCapturePane_BlankScreen(t *testing.T) {
	r := newFakeRunner()
	r.outputs["capture-pane"] = "\n\n\n"
	c := NewClientWithRunner("", r, nil)

	got, err := c.CapturePane(context.Background(), "demo", 0)
	if err != nil {
		t.Fatalf("CapturePane: %v", err)
	}
	if got != "" {
		t.Errorf("expected empty capture, got %q", got)
	}
}

// deadlineRunner records the deadline of each command context.
type deadlineRunner struct {
	deadlines []time.Duration
}

func (d *deadlineRunner) Run(ctx context.Context, _ string, _ ...string) ([]byte, error) {
	dl, ok := ctx.Deadline()
	if !ok {
		return nil, errors.New("no deadline")
	}
	d.deadlines = append(d.deadlines, time.Until(dl))
	return nil, nil
}

func TestClient_CommandTimeout(t *testing.T) {
	r := &deadlineRunner{}
	c := NewClientWithRunner("", r, nil)

	c.HasSession(context.Background(), "demo")
	c.SetTimeout(50 * time.Millisecond)
	c.HasSession(context.Background(), "demo")
	c.SetTimeout(0)
	c.HasSession(context.Background(), "demo")

	if len(r.deadlines) != 3 {
		t.Fatalf("expected 3 commands, got %d", len(r.deadlines))
	}
	if d := r.deadlines[0]; d <= time.Second || d > DefaultCommandTimeout {
		t.Errorf("default deadline = %v, want about %v", d, DefaultCommandTimeout)
	}
	for i, d := range r.deadlines[1:] {
		if d > 50*time.Millisecond {
			t.Errorf("command %d deadline = %v, want at most 50ms", i+1, d)
		}
	}
}
