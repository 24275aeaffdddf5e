// Package watcher implements the file-system source driver: the
// realtime inotify stream plus the directory-walking snapshot and audit
// iterators, and the sentinel re-stat check.
//
// An fsnotify.Watcher is wrapped in a mutex-guarded LRU of
// watched directories, with unscheduling queued to a dedicated worker
// goroutine rather than called inline from the fsnotify callback, so a
// fixed watch-descriptor budget can be enforced by LRU eviction without
// blocking event delivery.
package watcher

import (
	"container/list"
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/fustor/fustor/internal/agentcache"
	"github.com/fustor/fustor/internal/wire"
)

// Watcher emits realtime, snapshot, and audit events for one watched
// subtree, and answers sentinel stat() checks.
type Watcher struct {
	root    string
	agentID string
	limit   int

	fsw *fsnotify.Watcher

	// mu guards the LRU bookkeeping below. It is a plain sync.Mutex, not
	// re-entrant, and no code path acquires it recursively. addOne calls
	// fsw.Add and unscheduleLoop calls fsw.Remove while holding it;
	// evictLocked does not call into fsnotify and only queues the path on
	// unscheduleCh for unscheduleLoop to remove.
	mu         sync.Mutex
	watched    map[string]*list.Element // path -> LRU element
	lru        *list.List               // most-recently-touched at the back
	evictCount int

	unscheduleCh chan string
}

// New creates a Watcher rooted at root, enforcing at most limit
// concurrently-watched directories.
func New(root, agentID string, limit int) *Watcher {
	if limit <= 0 {
		limit = 8192
	}
	return &Watcher{
		root:         root,
		agentID:      agentID,
		limit:        limit,
		watched:      make(map[string]*list.Element),
		lru:          list.New(),
		unscheduleCh: make(chan string, 1024),
	}
}

// Start begins the realtime inotify stream, recursively watching every
// directory under root. It starts consuming the realtime stream
// immediately ("message-first" policy) — the caller should not
// wait for a snapshot walk before draining the returned channel.
func (w *Watcher) Start(ctx context.Context) (<-chan wire.Event, <-chan error, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, nil, fmt.Errorf("watcher.Start: %w", err)
	}
	w.fsw = fsw

	events := make(chan wire.Event, 1024)
	errs := make(chan error, 16)

	if err := w.addTreeLocked(w.root); err != nil {
		_ = fsw.Close()
		return nil, nil, fmt.Errorf("watcher.Start: initial watch of %q: %w", w.root, err)
	}

	go w.unscheduleLoop(ctx)
	go w.run(ctx, events, errs)

	return events, errs, nil
}

// run is the single goroutine that owns fsnotify event consumption and
// translation to wire.Events. All tree mutations this Watcher makes to
// its own watch set happen here or via unscheduleCh, never concurrently.
func (w *Watcher) run(ctx context.Context, events chan<- wire.Event, errs chan<- error) {
	defer close(events)
	defer close(errs)
	defer w.fsw.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handleFSEvent(ctx, ev, events, errs)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			select {
			case errs <- err:
			default:
			}
		}
	}
}

func (w *Watcher) handleFSEvent(ctx context.Context, ev fsnotify.Event, events chan<- wire.Event, errs chan<- error) {
	info, statErr := os.Lstat(ev.Name)
	exists := statErr == nil

	switch {
	case ev.Has(fsnotify.Create):
		if exists && info.IsDir() {
			if err := w.addTreeLocked(ev.Name); err != nil {
				select {
				case errs <- fmt.Errorf("watch new dir %q: %w", ev.Name, err):
				default:
				}
			}
		}
		if exists {
			events <- rowEvent(wire.EventInsert, wire.SourceRealtime, ev.Name, info, w.agentID)
		}
	case ev.Has(fsnotify.Write):
		if exists && !info.IsDir() {
			events <- rowEvent(wire.EventUpdate, wire.SourceRealtime, ev.Name, info, w.agentID)
		}
	case ev.Has(fsnotify.Rename), ev.Has(fsnotify.Remove):
		events <- wire.Event{
			Schema:        wire.SchemaFS,
			EventType:     wire.EventDelete,
			Path:          ev.Name,
			Mtime:         nowSeconds(),
			MessageSource: wire.SourceRealtime,
			AgentID:       w.agentID,
		}
		w.queueUnschedule(ev.Name)
	}
}

func (w *Watcher) queueUnschedule(path string) {
	select {
	case w.unscheduleCh <- path:
	default:
		// Backlog full; the directory stays watched until the next LRU
		// eviction pass reclaims it. Not fatal — just delayed cleanup.
	}
}

// unscheduleLoop removes stale watches off the hot path, so a burst of
// deletes never blocks fsnotify event delivery.
func (w *Watcher) unscheduleLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case path := <-w.unscheduleCh:
			w.mu.Lock()
			if el, ok := w.watched[path]; ok {
				w.lru.Remove(el)
				delete(w.watched, path)
				_ = w.fsw.Remove(path)
			}
			w.mu.Unlock()
		}
	}
}

// addTreeLocked adds root and every directory beneath it to the
// fsnotify watch set, evicting the least-recently-touched watch under
// LRU pressure when the configured limit is exceeded.
func (w *Watcher) addTreeLocked(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil // skip unreadable entries rather than aborting the walk
		}
		if !d.IsDir() {
			return nil
		}
		w.addOne(path)
		return nil
	})
}

func (w *Watcher) addOne(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if el, ok := w.watched[path]; ok {
		w.lru.MoveToBack(el)
		return
	}

	if err := w.fsw.Add(path); err != nil {
		// OS-level watch budget exhausted: auto-tune the cap down to the
		// currently-successful count and evict via LRU.
		if len(w.watched) > 0 {
			w.limit = len(w.watched)
		}
		w.evictLocked()
		return
	}

	el := w.lru.PushBack(path)
	w.watched[path] = el

	for len(w.watched) > w.limit {
		w.evictLocked()
	}
}

// evictLocked removes the least-recently-touched watch. Caller holds
// w.mu. The actual fsnotify.Remove is queued so eviction never blocks on
// fsnotify internals while mu is held.
func (w *Watcher) evictLocked() {
	front := w.lru.Front()
	if front == nil {
		return
	}
	path := front.Value.(string)
	w.lru.Remove(front)
	delete(w.watched, path)
	w.evictCount++
	select {
	case w.unscheduleCh <- path:
	default:
	}
}

// WatchCount reports the current number of actively watched directories,
// for the agent_watch_count metric.
func (w *Watcher) WatchCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.watched)
}

// SnapshotWalk walks root emitting one snapshot INSERT per file and
// directory discovered. The returned channel closes when the walk ends
// or ctx is cancelled; entries that cannot be read are skipped without
// an error being reported.
func (w *Watcher) SnapshotWalk(ctx context.Context, root string) <-chan wire.Event {
	out := make(chan wire.Event, 256)
	go func() {
		defer close(out)
		_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return nil
			}
			select {
			case <-ctx.Done():
				return filepath.SkipAll
			default:
			}
			info, statErr := d.Info()
			if statErr != nil {
				return nil
			}
			out <- rowEvent(wire.EventInsert, wire.SourceSnapshot, path, info, w.agentID)
			return nil
		})
	}()
	return out
}

// AuditWalk walks root emitting audit events carrying parent_mtime for
// every row. When cache is non-nil and a directory's
// current mtime matches the cached record from the previous audit cycle,
// its row is still emitted (directories themselves must refresh
// last_seen_epoch) but its children are skipped entirely — the
// "incremental audit" optimization — and the cache record is
// refreshed for directories whose mtime changed.
func (w *Watcher) AuditWalk(ctx context.Context, root string, cache *agentcache.Cache) <-chan wire.Event {
	out := make(chan wire.Event, 256)
	go func() {
		defer close(out)
		w.auditWalkDir(ctx, root, root, cache, out)
	}()
	return out
}

func (w *Watcher) auditWalkDir(ctx context.Context, dir, parent string, cache *agentcache.Cache, out chan<- wire.Event) {
	select {
	case <-ctx.Done():
		return
	default:
	}

	info, err := os.Stat(dir)
	if err != nil {
		return
	}
	dirMtime := float64(info.ModTime().UnixNano()) / 1e9
	parentMtime := parentMtimeOf(parent)

	out <- rowEventWithParent(wire.EventInsert, wire.SourceAudit, dir, info, w.agentID, parentMtime)

	if cache != nil {
		unchanged, cerr := cache.Unchanged(dir, dirMtime)
		if cerr == nil && unchanged {
			return // incremental audit: children already confirmed last cycle
		}
		_ = cache.PutDir(dir, dirMtime)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	for _, e := range entries {
		childPath := filepath.Join(dir, e.Name())
		info, err := e.Info()
		if err != nil {
			continue
		}
		if e.IsDir() {
			w.auditWalkDir(ctx, childPath, dir, cache, out)
			continue
		}
		out <- rowEventWithParent(wire.EventInsert, wire.SourceAudit, childPath, info, w.agentID, dirMtime)
	}
}

func parentMtimeOf(dir string) float64 {
	info, err := os.Stat(dir)
	if err != nil {
		return 0
	}
	return float64(info.ModTime().UnixNano()) / 1e9
}

// Stat performs the sentinel protocol's re-stat verification:
// returns the path's current mtime, size, and whether it still exists.
func (w *Watcher) Stat(path string) (mtime float64, size int64, exists bool) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, 0, false
	}
	return float64(info.ModTime().UnixNano()) / 1e9, info.Size(), true
}

// Ctime extracts the inode change time from a stat result where the
// platform exposes it. os.FileInfo does not portably expose ctime, so
// the Sys() value is type-asserted to *syscall.Stat_t.
func Ctime(info os.FileInfo) float64 {
	st, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return 0
	}
	return float64(st.Ctim.Sec) + float64(st.Ctim.Nsec)/1e9
}

func rowEvent(et wire.EventType, src wire.MessageSource, path string, info os.FileInfo, agentID string) wire.Event {
	return wire.Event{
		Schema:        wire.SchemaFS,
		EventType:     et,
		Path:          path,
		Mtime:         float64(info.ModTime().UnixNano()) / 1e9,
		Size:          info.Size(),
		IsDir:         info.IsDir(),
		MessageSource: src,
		AgentID:       agentID,
	}
}

func rowEventWithParent(et wire.EventType, src wire.MessageSource, path string, info os.FileInfo, agentID string, parentMtime float64) wire.Event {
	ev := rowEvent(et, src, path, info, agentID)
	ev.ParentMtime = &parentMtime
	return ev
}

func nowSeconds() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}
