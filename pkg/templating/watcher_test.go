package templating

import (
	"context"
	"testing"
	"time"

	"go.uber.org/goleak"
)

func TestWatcherRefreshesOnChange(t *testing.T) {
	defer goleak.VerifyNone(t)

	s := setupTestStore(t)
	w, err := NewWatcher(s, testLogger(), 20*time.Millisecond)
	if err != nil {
		t.Fatalf("NewWatcher failed: %v", err)
	}
	defer w.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err = w.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err = w.Start(ctx); err == nil {
		t.Error("expected second Start to fail")
	}

	writeFile(t, s.Dir(), "dropped-in.txt", "Hi {{ name }}")

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if _, err = s.Get("dropped-in.txt"); err == nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("watcher never picked up the new file: %v", err)
	}
	if w.Refreshes() == 0 {
		t.Error("expected at least one refresh")
	}
}

func TestWatcherStopWithoutStart(t *testing.T) {
	defer goleak.VerifyNone(t)

	s := setupTestStore(t)
	w, err := NewWatcher(s, testLogger(), 0)
	if err != nil {
		t.Fatalf("NewWatcher failed: %v", err)
	}
	w.Stop()
	w.Stop()
}
