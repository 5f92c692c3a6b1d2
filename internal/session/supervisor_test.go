package session

import (
	"context"
	"testing"
	"time"

	"github.com/termlinkky/server/internal/buffer"
)

func newTestSupervisor(t *testing.T, spawner Spawner, backoff time.Duration) *Supervisor {
	t.Helper()
	s := NewSupervisor(SupervisorOptions{
		Name:           "shared",
		Spawner:        spawner,
		Router:         NewRouter(RouterOptions{Session: "shared"}),
		Members:        NewRegistry(),
		History:        buffer.NewHistory(1024),
		Broadcast:      fastBroadcast,
		RestartBackoff: backoff,
	})
	t.Cleanup(s.Close)
	return s
}

func TestSupervisor_ReplaceIgnoresStaleBridge(t *testing.T) {
	spawner := &fakeSpawner{}
	s := newTestSupervisor(t, spawner, 0)

	if err := s.Restart(context.Background()); err != nil {
		t.Fatalf("Restart: %v", err)
	}
	stale := s.Current().Bridge()
	if err := s.Restart(context.Background()); err != nil {
		t.Fatalf("Restart: %v", err)
	}

	s.Replace(stale)
	time.Sleep(50 * time.Millisecond)
	if n := spawner.startCount(); n != 2 {
		t.Errorf("a request about a replaced bridge must be ignored, got %d starts", n)
	}

	s.Replace(s.Current().Bridge())
	eventually(t, 2*time.Second, func() bool { return spawner.startCount() == 3 }, "current bridge was not replaced")
}

func TestSupervisor_RestartsAreRateLimited(t *testing.T) {
	spawner := &fakeSpawner{}
	s := newTestSupervisor(t, spawner, 100*time.Millisecond)

	if err := s.Restart(context.Background()); err != nil {
		t.Fatalf("Restart: %v", err)
	}
	start := time.Now()
	if err := s.Restart(context.Background()); err != nil {
		t.Fatalf("Restart: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 80*time.Millisecond {
		t.Errorf("second start came after %v, expected the backoff to apply", elapsed)
	}
}

func TestSupervisor_RetryBackoffGrows(t *testing.T) {
	s := newTestSupervisor(t, &fakeSpawner{}, time.Second)

	s.mu.Lock()
	var delays []time.Duration
	for i := 0; i < 7; i++ {
		delays = append(delays, s.scheduleRetryLocked(nil))
	}
	s.retryTimer.Stop()
	s.mu.Unlock()

	want := []time.Duration{
		time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second,
		16 * time.Second, 30 * time.Second, 30 * time.Second,
	}
	for i := range want {
		if delays[i] != want[i] {
			t.Errorf("retry %d delay = %v, want %v", i, delays[i], want[i])
		}
	}
}

func newCrashLoopSupervisor(t *testing.T, spawner Spawner, backoff, stableAfter time.Duration) *Supervisor {
	t.Helper()
	s := NewSupervisor(SupervisorOptions{
		Name:           "shared",
		Spawner:        spawner,
		Router:         NewRouter(RouterOptions{Session: "shared"}),
		Members:        NewRegistry(),
		History:        buffer.NewHistory(1024),
		Broadcast:      fastBroadcast,
		RestartBackoff: backoff,
		StableAfter:    stableAfter,
	})
	t.Cleanup(s.Close)
	return s
}

func TestSupervisor_CrashLoopBacksOff(t *testing.T) {
	spawner := &fakeSpawner{dieOnStart: true}
	s := newCrashLoopSupervisor(t, spawner, 20*time.Millisecond, time.Minute)

	if err := s.Restart(context.Background()); err != nil {
		t.Fatalf("Restart: %v", err)
	}
	eventually(t, 3*time.Second, func() bool { return spawner.startCount() >= 4 }, "crashing session was not restarted")

	s.mu.Lock()
	delay := s.retryDelay
	s.mu.Unlock()
	if delay < 40*time.Millisecond {
		t.Errorf("retry delay = %v after repeated quick exits, expected it to grow", delay)
	}

	// A fixed 20ms spacing would give about 25 starts in 500ms.
	time.Sleep(500 * time.Millisecond)
	if n := spawner.startCount(); n > 10 {
		t.Errorf("crash loop restarted %d times in 500ms", n)
	}
}

func TestSupervisor_StableExitClearsBackoff(t *testing.T) {
	spawner := &fakeSpawner{}
	s := newCrashLoopSupervisor(t, spawner, 0, 30*time.Millisecond)

	if err := s.Restart(context.Background()); err != nil {
		t.Fatalf("Restart: %v", err)
	}
	s.mu.Lock()
	s.crashLoop = true
	s.retryDelay = 10 * time.Second
	s.mu.Unlock()

	time.Sleep(60 * time.Millisecond)
	spawner.last().closeEOF()
	eventually(t, 2*time.Second, func() bool { return spawner.startCount() == 2 }, "stable session was not restarted promptly")

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.retryDelay != 0 || s.crashLoop {
		t.Errorf("backoff not cleared: delay=%v crashLoop=%v", s.retryDelay, s.crashLoop)
	}
}

func TestSupervisor_RestartAfterCloseFails(t *testing.T) {
	spawner := &fakeSpawner{}
	s := newTestSupervisor(t, spawner, 0)
	s.Close()

	if err := s.Restart(context.Background()); err == nil {
		t.Error("expected restart after close to fail")
	}
	if err := s.Ensure(context.Background()); err == nil {
		t.Error("expected ensure after close to fail")
	}
	if spawner.startCount() != 0 {
		t.Error("nothing should be spawned after close")
	}
}
