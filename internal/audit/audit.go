// Package audit is the Fusion-side coordinator for the audit cycle
// protocol: it enforces that only the current leader may open or close
// an audit epoch and delegates the actual bookkeeping to the
// arbitrator. Authorization lives at the protocol boundary, not inside
// the engine.
package audit

import (
	"errors"

	"github.com/fustor/fustor/internal/arbitration"
	"github.com/fustor/fustor/internal/session"
	"github.com/fustor/fustor/internal/wire"
)

// ErrNotLeader is returned when a follower attempts to drive the audit
// protocol; only the leader walks the tree.
var ErrNotLeader = errors.New("audit: caller is not leader")

// Coordinator exposes audit_start/audit_end as session-authenticated
// operations.
type Coordinator struct {
	arb      *arbitration.Arbitrator
	sessions *session.Manager
}

// New constructs a Coordinator wired to the shared Arbitrator and
// session Manager.
func New(arb *arbitration.Arbitrator, sm *session.Manager) *Coordinator {
	return &Coordinator{arb: arb, sessions: sm}
}

// Start opens a new audit epoch for pipeID on behalf of sessionID,
// clearing the blind-spot set.
func (c *Coordinator) Start(sessionID, pipeID, rootPath string) (epoch float64, err error) {
	sess, err := c.sessions.Lookup(sessionID)
	if err != nil {
		return 0, err
	}
	if sess.Role != wire.RoleLeader {
		return 0, ErrNotLeader
	}
	return c.arb.AuditStart(pipeID, rootPath), nil
}

// End closes the audit epoch, marking unseen Nodes agent_missing and
// purging expired tombstones.
func (c *Coordinator) End(sessionID, pipeID string) (missingMarked int, err error) {
	sess, err := c.sessions.Lookup(sessionID)
	if err != nil {
		return 0, err
	}
	if sess.Role != wire.RoleLeader {
		return 0, ErrNotLeader
	}
	return c.arb.AuditEnd(pipeID), nil
}
