package watcher

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fustor/fustor/internal/agentcache"
	"github.com/fustor/fustor/internal/wire"
)

func mustMkdir(t *testing.T, path string) {
	t.Helper()
	if err := os.MkdirAll(path, 0o755); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func mustWriteFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func drain(ctx context.Context, ch <-chan wire.Event) []wire.Event {
	var out []wire.Event
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-ctx.Done():
			return out
		}
	}
}

func TestSnapshotWalkEmitsRootSubdirAndFile(t *testing.T) {
	root := t.TempDir()
	mustMkdir(t, filepath.Join(root, "sub"))
	mustWriteFile(t, filepath.Join(root, "sub", "f.txt"), "hi")

	w := New(root, "agent1", 100)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	events := drain(ctx, w.SnapshotWalk(ctx, root))

	if len(events) != 3 {
		t.Fatalf("expected 3 snapshot events (root, sub, f.txt), got %d: %+v", len(events), events)
	}
	for _, ev := range events {
		if ev.MessageSource != wire.SourceSnapshot || ev.EventType != wire.EventInsert {
			t.Fatalf("unexpected event shape: %+v", ev)
		}
	}
}

func TestAuditWalkSetsParentMtimeOnChildren(t *testing.T) {
	root := t.TempDir()
	mustWriteFile(t, filepath.Join(root, "f.txt"), "hi")

	w := New(root, "agent1", 100)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	events := drain(ctx, w.AuditWalk(ctx, root, nil))

	found := false
	for _, ev := range events {
		if ev.Path == filepath.Join(root, "f.txt") {
			found = true
			if ev.ParentMtime == nil {
				t.Fatalf("expected child row to carry parent_mtime")
			}
		}
		if ev.MessageSource != wire.SourceAudit {
			t.Fatalf("expected all audit walk rows sourced as audit, got %+v", ev)
		}
	}
	if !found {
		t.Fatalf("expected f.txt to appear in the audit walk, got %+v", events)
	}
}

func TestAuditWalkIncrementalSkipsUnchangedSubtree(t *testing.T) {
	root := t.TempDir()
	sub := filepath.Join(root, "sub")
	mustMkdir(t, sub)
	mustWriteFile(t, filepath.Join(sub, "f.txt"), "hi")

	cache, err := agentcache.Open(filepath.Join(t.TempDir(), "cache.db"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer cache.Close()

	info, err := os.Stat(sub)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	subMtime := float64(info.ModTime().UnixNano()) / 1e9
	if err := cache.PutDir(sub, subMtime); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	w := New(root, "agent1", 100)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	events := drain(ctx, w.AuditWalk(ctx, root, cache))

	for _, ev := range events {
		if ev.Path == filepath.Join(sub, "f.txt") {
			t.Fatalf("expected child of an unchanged cached directory to be skipped, got %+v", ev)
		}
	}

	sawSub := false
	for _, ev := range events {
		if ev.Path == sub {
			sawSub = true
		}
	}
	if !sawSub {
		t.Fatalf("expected the unchanged directory itself to still be emitted so last_seen_epoch refreshes")
	}
}

func TestStatReportsExistenceAndMtime(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "f.txt")
	mustWriteFile(t, path, "hi")

	w := New(root, "agent1", 100)
	mtime, size, exists := w.Stat(path)
	if !exists {
		t.Fatalf("expected file to exist")
	}
	if size != 2 {
		t.Fatalf("expected size 2, got %d", size)
	}
	if mtime <= 0 {
		t.Fatalf("expected a positive mtime, got %v", mtime)
	}
}

func TestStatOnMissingPathReportsNotExists(t *testing.T) {
	w := New(t.TempDir(), "agent1", 100)
	_, _, exists := w.Stat(filepath.Join(t.TempDir(), "missing"))
	if exists {
		t.Fatalf("expected a missing path to report not exists")
	}
}

func TestWatchCountAfterStartCoversRootAndSubdirs(t *testing.T) {
	root := t.TempDir()
	mustMkdir(t, filepath.Join(root, "sub"))

	w := New(root, "agent1", 100)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events, errs, err := w.Start(ctx)
	if err != nil {
		t.Fatalf("unexpected error starting watcher: %v", err)
	}
	go func() {
		for range events {
		}
	}()
	go func() {
		for range errs {
		}
	}()

	if got := w.WatchCount(); got != 2 {
		t.Fatalf("expected root + sub watched (2), got %d", got)
	}
}
