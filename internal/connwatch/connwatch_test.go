package connwatch

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"
)

func fastSchedule() Schedule {
	return Schedule{
		InitialDelay: time.Millisecond,
		MaxDelay:     4 * time.Millisecond,
		PollInterval: 5 * time.Millisecond,
		ProbeTimeout: 100 * time.Millisecond,
	}
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestDefaultSchedule(t *testing.T) {
	t.Parallel()
	s := Schedule{}.withDefaults()
	if s != DefaultSchedule() {
		t.Errorf("zero schedule defaults = %+v, want %+v", s, DefaultSchedule())
	}
	if s.InitialDelay != 2*time.Second || s.PollInterval != time.Minute {
		t.Errorf("unexpected defaults %+v", s)
	}
}

func TestMonitor_ImmediateSuccess(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := NewMonitor(fastSchedule(), slog.Default())
	m.Watch(ctx, "serving", func(context.Context) error { return nil })

	waitFor(t, "ready", m.AllReady)
	st := m.Status()
	if len(st) != 1 || st[0].Name != "serving" || st[0].LastError != "" {
		t.Errorf("status = %+v", st)
	}
}

func TestMonitor_BackoffThenSuccess(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var attempts atomic.Int32
	m := NewMonitor(fastSchedule(), nil)
	m.Watch(ctx, "ollama", func(context.Context) error {
		if attempts.Add(1) <= 3 {
			return errors.New("connection refused")
		}
		return nil
	})

	waitFor(t, "recovery", m.AllReady)
	if n := attempts.Load(); n < 4 {
		t.Errorf("attempts = %d, want at least 4", n)
	}
}

func TestMonitor_GoesDownAndRecovers(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var down atomic.Bool
	m := NewMonitor(fastSchedule(), nil)
	m.Watch(ctx, "gemini", func(context.Context) error {
		if down.Load() {
			return errors.New("503")
		}
		return nil
	})

	waitFor(t, "initial ready", m.AllReady)

	down.Store(true)
	waitFor(t, "down", func() bool { return !m.AllReady() })
	if got := m.Status()[0].LastError; got != "503" {
		t.Errorf("LastError = %q, want 503", got)
	}

	down.Store(false)
	waitFor(t, "recovered", m.AllReady)
}

func TestMonitor_ProbeTimeout(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sched := fastSchedule()
	sched.ProbeTimeout = 5 * time.Millisecond
	m := NewMonitor(sched, nil)
	m.Watch(ctx, "slow", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	waitFor(t, "a failed check", func() bool {
		st := m.Status()
		return st[0].Checks > 0 && st[0].LastError != ""
	})
	if m.AllReady() {
		t.Error("timed-out upstream reported ready")
	}
}

func TestMonitor_StatusSortedAndDeduplicated(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := NewMonitor(fastSchedule(), nil)
	ok := func(context.Context) error { return nil }
	m.Watch(ctx, "serving", ok)
	m.Watch(ctx, "gemini", ok)
	m.Watch(ctx, "serving", func(context.Context) error { return errors.New("ignored") })

	waitFor(t, "ready", m.AllReady)
	st := m.Status()
	if len(st) != 2 || st[0].Name != "gemini" || st[1].Name != "serving" {
		t.Errorf("status = %+v, want gemini then serving", st)
	}
}

func TestMonitor_StopsOnCancel(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())

	m := NewMonitor(fastSchedule(), nil)
	m.Watch(ctx, "never", func(context.Context) error { return errors.New("down") })
	cancel()

	done := make(chan struct{})
	go func() {
		m.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("watch loop did not exit after cancel")
	}
}

func TestMonitor_NoUpstreamsIsReady(t *testing.T) {
	t.Parallel()
	m := NewMonitor(Schedule{}, nil)
	if !m.AllReady() {
		t.Error("empty monitor should be ready")
	}
	if st := m.Status(); len(st) != 0 {
		t.Errorf("status = %+v, want empty", st)
	}
}
