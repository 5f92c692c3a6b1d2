package session

import (
	"errors"
	"io"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/termlinkky/server/internal/buffer"
	"github.com/termlinkky/server/internal/model"
)

type exitEvent struct {
	reason ExitReason
	err    error
}

func startBroadcaster(t *testing.T, bridge Bridge, reg *Registry, opts BroadcasterOptions) *Broadcaster {
	t.Helper()
	if opts.Config == (BroadcasterConfig{}) {
		opts.Config = fastBroadcast
	}
	b := NewBroadcaster(bridge, reg, opts)
	if err := b.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(b.Stop)
	return b
}

func TestBroadcaster_DeliversInOrderToAllMembers(t *testing.T) {
	bridge := newFakeBridge(1)
	reg := NewRegistry()
	sinks := []*recordingSink{{}, {}, {}}
	for _, s := range sinks {
		reg.Add(newClient(s))
	}
	startBroadcaster(t, bridge, reg, BroadcasterOptions{})

	for _, chunk := range []string{"hello ", "shared ", "world"} {
		bridge.emit(chunk)
	}

	for i, s := range sinks {
		eventually(t, 2*time.Second, func() bool { return s.String() == "hello shared world" },
			"sink %d got %q", i, s.String())
	}
}

func TestBroadcaster_AppendsHistoryAndRecording(t *testing.T) {
	bridge := newFakeBridge(1)
	history := buffer.NewHistory(4)
	rec := &fakeRecording{}
	startBroadcaster(t, bridge, NewRegistry(), BroadcasterOptions{History: history, Recording: rec})

	bridge.emit("abc")
	bridge.emit("def")

	eventually(t, 2*time.Second, func() bool { return string(history.Snapshot()) == "cdef" },
		"history = %q", history.Snapshot())
	eventually(t, 2*time.Second, func() bool {
		rec.mu.Lock()
		defer rec.mu.Unlock()
		return rec.output.String() == "abcdef"
	}, "recording did not receive all output")
}

func TestBroadcaster_FailingClientDoesNotAffectOthers(t *testing.T) {
	bridge := newFakeBridge(1)
	reg := NewRegistry()

	fast := &recordingSink{}
	slow := &recordingSink{block: true}
	broken := &recordingSink{err: errBrokenPipe}
	fastClient := newClient(fast)
	slowClient := newClient(slow)
	brokenClient := newClient(broken)
	reg.Add(slowClient)
	reg.Add(brokenClient)
	reg.Add(fastClient)

	startBroadcaster(t, bridge, reg, BroadcasterOptions{})

	start := time.Now()
	bridge.emit("a")
	bridge.emit("b")
	bridge.emit("c")

	eventually(t, 2*time.Second, func() bool { return fast.String() == "abc" }, "fast sink got %q", fast.String())
	if delay := fast.firstAt().Sub(start); delay >= fastBroadcast.SendTimeout/2 {
		t.Errorf("healthy client waited %v for the first chunk", delay)
	}

	eventually(t, 2*time.Second, func() bool { return reg.Len() == 1 }, "expected failed clients to be pruned, %d left", reg.Len())
	if _, ok := reg.Get(fastClient.ID()); !ok {
		t.Error("healthy client was pruned")
	}
	if !slow.closed.Load() || !broken.closed.Load() {
		t.Error("pruned clients should have their sinks closed")
	}
	if fast.closed.Load() {
		t.Error("healthy client's sink was closed")
	}

	var sendErr *model.SendError
	if err := slowClient.LastError(); !errors.As(err, &sendErr) || !errors.Is(err, model.ErrSendTimeout) {
		t.Errorf("expected send timeout recorded for slow client, got %v", err)
	}
	if err := brokenClient.LastError(); !errors.Is(err, errBrokenPipe) {
		t.Errorf("expected broken pipe recorded, got %v", err)
	}
}

func TestBroadcaster_ExitCallback(t *testing.T) {
	tests := []struct {
		name   string
		end    func(b *fakeBridge)
		reason ExitReason
	}{
		{"eof", func(b *fakeBridge) { b.closeEOF() }, ExitEOF},
		{"io error", func(b *fakeBridge) { b.failReads(&model.IOError{Op: "read", Err: errBrokenPipe}) }, ExitIOError},
		{"process gone", func(b *fakeBridge) { b.alive.Store(false) }, ExitProcess},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bridge := newFakeBridge(1)
			exits := make(chan exitEvent, 1)
			b := startBroadcaster(t, bridge, NewRegistry(), BroadcasterOptions{
				OnExit: func(reason ExitReason, err error) { exits <- exitEvent{reason, err} },
			})

			bridge.emit("last words")
			tt.end(bridge)

			select {
			case ev := <-exits:
				if ev.reason != tt.reason {
					t.Errorf("expected reason %v, got %v", tt.reason, ev.reason)
				}
				if tt.reason == ExitEOF && !errors.Is(ev.err, io.EOF) {
					t.Errorf("expected io.EOF, got %v", ev.err)
				}
			case <-time.After(2 * time.Second):
				t.Fatal("exit callback not invoked")
			}

			<-b.Done()
			if b.State() != StateStopped {
				t.Errorf("expected stopped, got %v", b.State())
			}
		})
	}
}

func TestBroadcaster_StopSkipsExitCallback(t *testing.T) {
	bridge := newFakeBridge(1)
	invoked := make(chan struct{}, 1)

	b := NewBroadcaster(bridge, NewRegistry(), BroadcasterOptions{
		Config: fastBroadcast,
		OnExit: func(ExitReason, error) { invoked <- struct{}{} },
	})
	if b.State() != StateIdle {
		t.Fatalf("expected idle, got %v", b.State())
	}
	if err := b.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if b.State() != StateRunning {
		t.Errorf("expected running, got %v", b.State())
	}

	b.Stop()
	bridge.closeEOF()
	if b.State() != StateStopped {
		t.Errorf("expected stopped, got %v", b.State())
	}

	select {
	case <-invoked:
		t.Error("exit callback must not run after Stop")
	case <-time.After(50 * time.Millisecond):
	}

	b.Stop()
	if err := b.Start(); err == nil {
		t.Error("expected restarting a stopped broadcaster to fail")
	}
}

func TestBroadcaster_StopBeforeStart(t *testing.T) {
	b := NewBroadcaster(newFakeBridge(1), NewRegistry(), BroadcasterOptions{})
	b.Stop()

	select {
	case <-b.Done():
	default:
		t.Error("Done should be closed after stopping an idle broadcaster")
	}
	if b.State() != StateStopped {
		t.Errorf("expected stopped, got %v", b.State())
	}
}

// Clients attached for the whole run see exactly the same bytes in the same
// order, however much joining and leaving happens around them.
func TestBroadcasterIdenticalOrderedDeliveryProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 30

	properties := gopter.NewProperties(parameters)

	properties.Property("stable members receive identical ordered output", prop.ForAll(
		func(chunks []string) bool {
			bridge := newFakeBridge(1)
			reg := NewRegistry()
			stable := []*recordingSink{{}, {}, {}}
			for _, s := range stable {
				reg.Add(newClient(s))
			}

			b := NewBroadcaster(bridge, reg, BroadcasterOptions{Config: fastBroadcast})
			b.Start()
			defer b.Stop()

			stop := make(chan struct{})
			var wg sync.WaitGroup
			wg.Add(1)
			go func() {
				defer wg.Done()
				for {
					select {
					case <-stop:
						return
					default:
					}
					c := newClient(&recordingSink{})
					reg.Add(c)
					runtime.Gosched()
					reg.Remove(c.ID())
				}
			}()

			var want strings.Builder
			for _, c := range chunks {
				if c == "" {
					continue
				}
				bridge.emit(c)
				want.WriteString(c)
			}

			ok := waitUntil(2*time.Second, func() bool {
				for _, s := range stable {
					if s.String() != want.String() {
						return false
					}
				}
				return true
			})
			close(stop)
			wg.Wait()
			return ok
		},
		gen.SliceOf(gen.AlphaString()),
	))

	properties.TestingRun(t)
}
