// Package arbitration implements the event ingestion and arbitration
// engine: realtime-beats-audit-beats-snapshot precedence, tombstone,
// suspect, and blind-spot bookkeeping, and the parent-mtime check.
//
// Each pipe gets its own mutex guarding a handful of sibling maps
// (tombstones, blind spots, suspects) — a locked map of short-lived
// observations with an explicit audit-epoch boundary instead of a bare
// TTL.
package arbitration

import (
	"sync"
	"time"

	"github.com/fustor/fustor/internal/clock"
	"github.com/fustor/fustor/internal/session"
	"github.com/fustor/fustor/internal/tree"
	"github.com/fustor/fustor/internal/wire"
)

// Config holds the arbitration and clock tunables callers would
// otherwise hardcode.
type Config struct {
	HotWindow    time.Duration // default 60s
	SuspectTTL   time.Duration // default 30s
	TombstoneTTL time.Duration // default 24h; long enough to outlive any plausible audit gap
	TrustWindow  time.Duration // default 1s, shared with clock
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		HotWindow:    60 * time.Second,
		SuspectTTL:   30 * time.Second,
		TombstoneTTL: 24 * time.Hour,
		TrustWindow:  1 * time.Second,
	}
}

type tombstone struct {
	path         string
	deletedMtime float64
	deletedAt    float64
	expiry       float64
}

type suspectEntry struct {
	firstSeen   float64
	mtimeAtMark float64
}

// pipeState is the single-writer bookkeeping for one pipe. All mutation
// happens under mu: per-pipe work is serialized behind a per-pipe write
// lock.
type pipeState struct {
	mu sync.Mutex

	tombstones map[string]*tombstone
	suspects   map[string]*suspectEntry
	blindSpots map[string]struct{}

	auditActive bool
	auditEpoch  float64
	auditRoot   string
}

// Arbitrator is the process-scoped ingestion engine. One instance
// serves every pipe of a Fusion process.
type Arbitrator struct {
	cfg      Config
	tree     *tree.Tree
	clock    *clock.Clock
	sessions *session.Manager

	mu    sync.Mutex
	pipes map[string]*pipeState
}

// New constructs an Arbitrator wired to the given Tree, Clock, and
// session Manager.
func New(cfg Config, t *tree.Tree, c *clock.Clock, sm *session.Manager) *Arbitrator {
	return &Arbitrator{cfg: cfg, tree: t, clock: c, sessions: sm, pipes: make(map[string]*pipeState)}
}

func (a *Arbitrator) pipeFor(pipeID string) *pipeState {
	a.mu.Lock()
	defer a.mu.Unlock()
	ps, ok := a.pipes[pipeID]
	if !ok {
		ps = &pipeState{
			tombstones: make(map[string]*tombstone),
			suspects:   make(map[string]*suspectEntry),
			blindSpots: make(map[string]struct{}),
		}
		a.pipes[pipeID] = ps
	}
	return ps
}

// RejectedEvent reports one dropped or rejected event in an ingest
// response.
type RejectedEvent struct {
	Path   string            `json:"path"`
	Reason wire.RejectReason `json:"reason"`
}

// IngestResult is the response to a batch ingest call.
type IngestResult struct {
	Accepted int
	Rejected []RejectedEvent
	Role     wire.Role
}

// Ingest applies events in order against pipeID's tree, under the
// pipe's single-writer lock. sessionID identifies the caller for the
// not_leader check; wallNow is Fusion's own clock reading for this
// batch, fed to the logical clock for every event.
func (a *Arbitrator) Ingest(pipeID, sessionID string, events []wire.Event, wallNow time.Time) (IngestResult, error) {
	sess, err := a.sessions.Lookup(sessionID)
	if err != nil {
		return IngestResult{}, err
	}

	ps := a.pipeFor(pipeID)
	ps.mu.Lock()
	defer ps.mu.Unlock()

	result := IngestResult{Role: sess.Role}
	for _, ev := range events {
		reason, ok := a.applyLocked(ps, &sess, ev, wallNow)
		if ok {
			result.Accepted++
		} else {
			result.Rejected = append(result.Rejected, RejectedEvent{Path: ev.Path, Reason: reason})
		}
	}
	return result, nil
}

// applyLocked runs one event through the tombstone, delete, precedence,
// suspect, and upsert steps. Caller holds ps.mu.
func (a *Arbitrator) applyLocked(ps *pipeState, sess *wire.Session, ev wire.Event, wallNow time.Time) (wire.RejectReason, bool) {
	if sess.Role == wire.RoleFollower && ev.MessageSource != wire.SourceRealtime {
		return wire.ReasonNotLeader, false
	}

	obs := a.clock.Observe(sess.SessionID, wallNow, ev.Mtime)
	logicalNow := float64(a.clock.Now().UnixNano()) / 1e9

	// Step 1: tombstone check.
	if t, tombstoned := ps.tombstones[ev.Path]; tombstoned && t.expiry > logicalNow {
		if ev.MessageSource != wire.SourceRealtime && obs.PrecedenceMtime <= t.deletedMtime {
			return wire.ReasonTombstoned, false
		}
		if ev.MessageSource == wire.SourceRealtime && ev.EventType != wire.EventDelete && obs.PrecedenceMtime > t.deletedMtime {
			delete(ps.tombstones, ev.Path)
		}
	}

	if ev.EventType == wire.EventDelete {
		if ev.MessageSource != wire.SourceRealtime {
			// Snapshot/audit DELETEs are not accepted directly.
			return wire.ReasonUnsupportedOp, false
		}
		a.tree.Delete(ev.Path)
		ps.tombstones[ev.Path] = &tombstone{
			path:         ev.Path,
			deletedMtime: obs.PrecedenceMtime,
			deletedAt:    logicalNow,
			expiry:       logicalNow + a.cfg.TombstoneTTL.Seconds(),
		}
		delete(ps.suspects, ev.Path)
		return "", true
	}

	existing := a.tree.Lookup(ev.Path)

	switch ev.MessageSource {
	case wire.SourceRealtime:
		// Always wins.
	case wire.SourceAudit:
		if existing != nil && obs.PrecedenceMtime <= existing.Mtime {
			return wire.ReasonStaleAudit, false
		}
		if ev.ParentMtime != nil {
			if parent := a.tree.Lookup(parentOf(ev.Path)); parent != nil {
				if parent.Mtime-*ev.ParentMtime > a.cfg.TrustWindow.Seconds() {
					return wire.ReasonStaleAudit, false
				}
			}
		}
		if ps.auditActive && existing == nil {
			ps.blindSpots[ev.Path] = struct{}{}
		}
	case wire.SourceSnapshot:
		if existing != nil {
			return wire.ReasonMtimeRegress, false
		}
	}

	kind := tree.KindFile
	if ev.IsDir {
		kind = tree.KindDir
	}
	epoch := logicalNow
	if ps.auditActive {
		epoch = ps.auditEpoch
	}
	a.tree.Upsert(ev.Path, parentOf(ev.Path), kind, ev.Size, obs.StorageMtime, 0, ev.AgentID, "", epoch)

	// Suspect marking: events landing inside the hot window are flagged
	// for sentinel re-verification.
	if abs(obs.Baseline-ev.Mtime) < a.cfg.HotWindow.Seconds() {
		ps.suspects[ev.Path] = &suspectEntry{firstSeen: logicalNow, mtimeAtMark: ev.Mtime}
		until := logicalNow + a.cfg.SuspectTTL.Seconds()
		a.tree.MarkSuspect(ev.Path, until)
	} else if ev.MessageSource == wire.SourceRealtime {
		delete(ps.suspects, ev.Path)
		a.tree.ClearSuspect(ev.Path)
	}

	return "", true
}

// AuditStart clears the pipe's blind-spot set and opens a new audit
// epoch.
func (a *Arbitrator) AuditStart(pipeID, rootPath string) float64 {
	ps := a.pipeFor(pipeID)
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.blindSpots = make(map[string]struct{})
	ps.auditActive = true
	ps.auditEpoch = float64(a.clock.Now().UnixNano()) / 1e9
	ps.auditRoot = rootPath
	return ps.auditEpoch
}

// AuditEnd marks every Node under the audited root whose lastSeenEpoch
// predates the epoch as agent_missing, and purges tombstones past TTL
// that aren't referenced by a surviving blind-spot entry.
func (a *Arbitrator) AuditEnd(pipeID string) (missingMarked int) {
	ps := a.pipeFor(pipeID)
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if !ps.auditActive {
		return 0
	}
	missingMarked = a.tree.MarkMissingBefore(ps.auditRoot, ps.auditEpoch)

	now := float64(a.clock.Now().UnixNano()) / 1e9
	for path, t := range ps.tombstones {
		if _, blind := ps.blindSpots[path]; blind {
			continue
		}
		if t.expiry <= now {
			delete(ps.tombstones, path)
		}
	}
	ps.auditActive = false
	return missingMarked
}

// SentinelUpdate applies one submitted re-stat result: clears the
// suspect if the re-stat confirms the mark, refreshes it otherwise, and
// synthesizes a realtime DELETE if the path no longer exists.
func (a *Arbitrator) SentinelUpdate(pipeID, path string, mtime float64, size int64, exists bool, epsilon float64) {
	ps := a.pipeFor(pipeID)
	ps.mu.Lock()
	defer ps.mu.Unlock()

	if !exists {
		a.tree.Delete(path)
		logicalNow := float64(a.clock.Now().UnixNano()) / 1e9
		ps.tombstones[path] = &tombstone{path: path, deletedMtime: mtime, deletedAt: logicalNow, expiry: logicalNow + a.cfg.TombstoneTTL.Seconds()}
		delete(ps.suspects, path)
		return
	}

	entry, ok := ps.suspects[path]
	if !ok {
		return
	}
	if abs(mtime-entry.mtimeAtMark) <= epsilon {
		delete(ps.suspects, path)
		a.tree.ClearSuspect(path)
	} else {
		entry.mtimeAtMark = mtime
		if n := a.tree.Lookup(path); n != nil {
			n.Size = size
			n.Mtime = mtime
		}
	}
}

// BlindSpotCount reports the current blind-spot set size for pipeID,
// for the operator status endpoint and metrics.
func (a *Arbitrator) BlindSpotCount(pipeID string) int {
	ps := a.pipeFor(pipeID)
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return len(ps.blindSpots)
}

// TombstoneCount reports the current tombstone map size for pipeID.
func (a *Arbitrator) TombstoneCount(pipeID string) int {
	ps := a.pipeFor(pipeID)
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return len(ps.tombstones)
}

// SuspectCount reports the current suspect set size for pipeID.
func (a *Arbitrator) SuspectCount(pipeID string) int {
	ps := a.pipeFor(pipeID)
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return len(ps.suspects)
}

// SuspectPaths returns the paths currently marked suspect for pipeID,
// the candidate set for sentinel verification tasks.
func (a *Arbitrator) SuspectPaths(pipeID string) []string {
	ps := a.pipeFor(pipeID)
	ps.mu.Lock()
	defer ps.mu.Unlock()
	out := make([]string, 0, len(ps.suspects))
	for path := range ps.suspects {
		out = append(out, path)
	}
	return out
}

func parentOf(path string) string {
	if path == "/" || path == "" {
		return "/"
	}
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			if i == 0 {
				return "/"
			}
			return path[:i]
		}
	}
	return "/"
}

func abs(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}
