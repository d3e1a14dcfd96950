package worker

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// waitUntil polls cond until it is true or the deadline passes.
func waitUntil(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		if cond() {
			return
		}
		select {
		case <-deadline:
			t.Fatal(msg)
		case <-time.After(time.Millisecond):
		}
	}
}

func TestManagerRun_TracksUntilCompletion(t *testing.T) {
	m := NewManager(time.Minute, discardLogger())
	release := make(chan struct{})

	m.Run(context.Background(), "t1", "slow work", func(ctx context.Context) {
		<-release
	})

	active := m.Active()
	if len(active) != 1 {
		t.Fatalf("Expected 1 active worker, got %d", len(active))
	}
	if active[0].TaskID != "t1" || active[0].Description != "slow work" {
		t.Errorf("Unexpected worker snapshot: %+v", active[0])
	}

	close(release)
	waitUntil(t, func() bool { return len(m.Active()) == 0 }, "Expected worker to be untracked after completion")
}

func TestManagerRun_DetachedFromCallerContext(t *testing.T) {
	m := NewManager(time.Minute, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ran := make(chan error, 1)
	m.Run(ctx, "t1", "", func(wctx context.Context) {
		ran <- wctx.Err()
	})

	select {
	case err := <-ran:
		if err != nil {
			t.Errorf("Expected worker context unaffected by caller cancellation, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Expected worker to run despite cancelled caller context")
	}
}

func TestManagerCancel(t *testing.T) {
	m := NewManager(time.Minute, discardLogger())

	stopped := make(chan struct{})
	m.Run(context.Background(), "t1", "", func(ctx context.Context) {
		<-ctx.Done()
		close(stopped)
	})

	if !m.Cancel("t1") {
		t.Fatal("Expected Cancel to find the worker")
	}
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Expected cancelled worker to stop")
	}

	if m.Cancel("missing") {
		t.Error("Expected Cancel to report false for unknown task id")
	}
}

func TestManagerCancelAll_WaitsForWorkers(t *testing.T) {
	m := NewManager(time.Minute, discardLogger())

	for _, id := range []string{"a", "b", "c"} {
		m.Run(context.Background(), id, "", func(ctx context.Context) {
			<-ctx.Done()
		})
	}

	m.CancelAll(context.Background())

	if got := m.Active(); len(got) != 0 {
		t.Errorf("Expected no active workers after CancelAll, got %d", len(got))
	}
}

func TestManagerCancelAll_NoWorkers(t *testing.T) {
	m := NewManager(time.Minute, discardLogger())
	// Must return immediately without blocking.
	m.CancelAll(context.Background())
}

func TestManagerRun_DuplicateIDReplaces(t *testing.T) {
	m := NewManager(time.Minute, discardLogger())

	first := make(chan struct{})
	m.Run(context.Background(), "dup", "first", func(ctx context.Context) {
		<-first
	})
	m.Run(context.Background(), "dup", "second", func(ctx context.Context) {
		<-ctx.Done()
	})

	active := m.Active()
	if len(active) != 1 {
		t.Fatalf("Expected 1 tracked worker after replacement, got %d", len(active))
	}
	if active[0].Description != "second" {
		t.Errorf("Expected replacement to win, got %q", active[0].Description)
	}

	// The replaced worker finishing must not untrack the replacement.
	close(first)
	time.Sleep(10 * time.Millisecond)
	if got := m.Active(); len(got) != 1 {
		t.Errorf("Expected replacement still tracked, got %d workers", len(got))
	}
	m.CancelAll(context.Background())
}

func TestWatchdog_CancelsExpiredWorkers(t *testing.T) {
	m := NewManager(10*time.Millisecond, discardLogger())

	stopped := make(chan struct{})
	m.Run(context.Background(), "t1", "", func(ctx context.Context) {
		<-ctx.Done()
		close(stopped)
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.runWatchdog(ctx, 5*time.Millisecond)

	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Expected watchdog to cancel the expired worker")
	}
}

func TestWatchdog_LeavesYoungWorkersAlone(t *testing.T) {
	m := NewManager(time.Hour, discardLogger())

	m.Run(context.Background(), "t1", "", func(ctx context.Context) {
		<-ctx.Done()
	})

	ctx, cancel := context.WithCancel(context.Background())
	go m.runWatchdog(ctx, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	cancel()

	if got := m.Active(); len(got) != 1 {
		t.Errorf("Expected young worker untouched, got %d active", len(got))
	}
	m.CancelAll(context.Background())
}
