// Package sentinel is the Fusion-side coordinator for the hot-file
// verification protocol: it hands the leader a task list derived from
// the arbitrator's current suspect set and applies submitted re-stat
// results back into the tree.
package sentinel

import (
	"errors"

	"github.com/fustor/fustor/internal/arbitration"
	"github.com/fustor/fustor/internal/session"
	"github.com/fustor/fustor/internal/wire"
)

// ErrNotLeader is returned when a follower polls or submits sentinel
// work; only the leader performs verification.
var ErrNotLeader = errors.New("sentinel: caller is not leader")

// Epsilon is the tolerance used to decide whether a re-stat confirms
// the previously recorded mtime.
const Epsilon = 0.001

// Task is one path the leader should re-stat.
type Task struct {
	Path string `json:"path"`
}

// Result is one submitted re-stat outcome.
type Result struct {
	Path   string  `json:"path"`
	Mtime  float64 `json:"mtime"`
	Size   int64   `json:"size"`
	Exists bool    `json:"exists"`
}

// Coordinator exposes get_sentinel_tasks/submit_sentinel_results as
// session-authenticated operations.
type Coordinator struct {
	arb      *arbitration.Arbitrator
	sessions *session.Manager
}

// New constructs a Coordinator wired to the shared Arbitrator and
// session Manager.
func New(arb *arbitration.Arbitrator, sm *session.Manager) *Coordinator {
	return &Coordinator{arb: arb, sessions: sm}
}

// Tasks returns the current suspect paths for pipeID as verification
// tasks.
func (c *Coordinator) Tasks(sessionID, pipeID string) ([]Task, error) {
	sess, err := c.sessions.Lookup(sessionID)
	if err != nil {
		return nil, err
	}
	if sess.Role != wire.RoleLeader {
		return nil, ErrNotLeader
	}
	paths := c.arb.SuspectPaths(pipeID)
	tasks := make([]Task, 0, len(paths))
	for _, p := range paths {
		tasks = append(tasks, Task{Path: p})
	}
	return tasks, nil
}

// Submit applies a batch of re-stat results.
func (c *Coordinator) Submit(sessionID, pipeID string, results []Result) error {
	sess, err := c.sessions.Lookup(sessionID)
	if err != nil {
		return err
	}
	if sess.Role != wire.RoleLeader {
		return ErrNotLeader
	}
	for _, r := range results {
		c.arb.SentinelUpdate(pipeID, r.Path, r.Mtime, r.Size, r.Exists, Epsilon)
	}
	return nil
}
