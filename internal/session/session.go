// Package session implements session and leader election: pipe
// registration, session creation/heartbeat/close, and
// first-come-first-served leader election with TTL-based failover.
//
// Each pipe gets a locked map of its sessions. Leadership is reassigned
// once the incumbent's heartbeat TTL lapses, on the next heartbeat or
// when the caller runs Manager.ExpireSweep (cmd/fusion runs it on a
// ticker); the package itself starts no goroutine.
package session

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fustor/fustor/internal/wire"
)

// Errors returned by Manager methods. Callers map these to HTTP
// status/body conventions.
var (
	ErrUnauthorized  = errors.New("session: unauthorized")
	ErrPipeDisabled  = errors.New("session: pipe disabled")
	ErrSessionUnknown = errors.New("session: unknown or expired session")
	ErrNotLeader     = errors.New("session: not leader")
)

// PipeConfig describes one configured pipe: its auth key and timing
// parameters.
type PipeConfig struct {
	PipeID           string
	APIKey           string
	Enabled          bool
	HeartbeatInterval time.Duration
	LeaderTimeout     time.Duration // default 3x HeartbeatInterval
}

// Command is a queued management instruction delivered via heartbeat
// responses' pending_commands[].
type Command struct {
	Kind string `json:"kind"`
	Data string `json:"data,omitempty"`
}

// pipeState is the mutable per-pipe bookkeeping: active sessions,
// current leader, and committed offsets that must survive session loss.
type pipeState struct {
	mu       sync.Mutex
	cfg      PipeConfig
	sessions map[string]*wire.Session // session_id -> session
	leaderID string                   // session_id of current leader, "" if none

	// committedIndex is keyed by agent_id (not session_id) so offsets
	// survive a client re-creating its session after a crash or restart.
	committedIndex map[string]uint64

	commands map[string][]Command // session_id -> queued commands
}

// Manager is the Fusion-side session registry and leader elector. One
// Manager instance is process-scoped.
type Manager struct {
	mu    sync.RWMutex
	pipes map[string]*pipeState // pipe_id -> state
	byKey map[string]string     // api_key -> pipe_id

	now func() time.Time
}

// NewManager creates an empty session Manager.
func NewManager() *Manager {
	return &Manager{
		pipes: make(map[string]*pipeState),
		byKey: make(map[string]string),
		now:   time.Now,
	}
}

// RegisterPipe adds or replaces a pipe's configuration. Existing
// sessions on the pipe are left untouched.
func (m *Manager) RegisterPipe(cfg PipeConfig) {
	if cfg.LeaderTimeout <= 0 {
		cfg.LeaderTimeout = 3 * cfg.HeartbeatInterval
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	ps, ok := m.pipes[cfg.PipeID]
	if !ok {
		ps = &pipeState{
			sessions:       make(map[string]*wire.Session),
			committedIndex: make(map[string]uint64),
			commands:       make(map[string][]Command),
		}
		m.pipes[cfg.PipeID] = ps
	}
	ps.mu.Lock()
	ps.cfg = cfg
	ps.mu.Unlock()
	m.byKey[cfg.APIKey] = cfg.PipeID
}

// CreateSession resolves apiKey to a pipe and allocates a new session.
// Never blocks other pipes' session creation — only this pipe's lock is
// held.
func (m *Manager) CreateSession(apiKey, taskID, agentID string) (*wire.Session, time.Time, error) {
	m.mu.RLock()
	pipeID, ok := m.byKey[apiKey]
	var ps *pipeState
	if ok {
		ps = m.pipes[pipeID]
	}
	m.mu.RUnlock()
	if !ok {
		return nil, time.Time{}, ErrUnauthorized
	}

	ps.mu.Lock()
	defer ps.mu.Unlock()
	if !ps.cfg.Enabled {
		return nil, time.Time{}, ErrPipeDisabled
	}

	now := m.now()
	sess := &wire.Session{
		SessionID:      uuid.NewString(),
		TaskID:         taskID,
		PipeID:         ps.cfg.PipeID,
		AgentID:        agentID,
		Role:           wire.RoleFollower,
		CreatedAt:      now,
		LastHeartbeat:  now,
		CommittedIndex: ps.committedIndex[agentID],
		CanRealtime:    true,
	}

	ps.electLocked(now)
	if ps.leaderID == "" {
		sess.Role = wire.RoleLeader
		ps.leaderID = sess.SessionID
	}

	ps.sessions[sess.SessionID] = sess
	deadline := now.Add(ps.cfg.LeaderTimeout)
	return sess, deadline, nil
}

// Heartbeat refreshes last_heartbeat, runs the election check, and
// returns the session's current role plus any queued commands.
func (m *Manager) Heartbeat(sessionID string) (wire.Role, time.Time, []Command, error) {
	ps, sess, err := m.lookup(sessionID)
	if err != nil {
		return "", time.Time{}, nil, err
	}

	ps.mu.Lock()
	defer ps.mu.Unlock()

	now := m.now()
	if now.Sub(sess.LastHeartbeat) > ps.cfg.LeaderTimeout && sess.SessionID != ps.leaderID {
		// This session itself may have silently expired from the pipe's
		// perspective, but since a heartbeat just arrived we treat it as
		// live again; expiry only removes *other* stale leaders below.
	}
	sess.LastHeartbeat = now

	ps.electLocked(now)
	if ps.leaderID == "" || ps.leaderID == sess.SessionID {
		ps.leaderID = sess.SessionID
		sess.Role = wire.RoleLeader
	} else {
		sess.Role = wire.RoleFollower
	}

	cmds := ps.commands[sessionID]
	delete(ps.commands, sessionID)

	deadline := now.Add(ps.cfg.LeaderTimeout)
	return sess.Role, deadline, cmds, nil
}

// electLocked reassigns leadership first-come-first-served if the
// current leader's heartbeat has expired. Must be called with ps.mu held.
func (ps *pipeState) electLocked(now time.Time) {
	if ps.leaderID == "" {
		return
	}
	leader, ok := ps.sessions[ps.leaderID]
	if !ok {
		ps.leaderID = ""
		ps.promoteOldestLocked(now)
		return
	}
	if now.Sub(leader.LastHeartbeat) > ps.cfg.LeaderTimeout {
		leader.Role = wire.RoleFollower
		ps.leaderID = ""
		ps.promoteOldestLocked(now)
	}
}

// promoteOldestLocked promotes the surviving session with the oldest
// CreatedAt to leader (first-come-first-served among survivors). Must be
// called with ps.mu held and ps.leaderID == "".
func (ps *pipeState) promoteOldestLocked(now time.Time) {
	var best *wire.Session
	for _, s := range ps.sessions {
		if now.Sub(s.LastHeartbeat) > ps.cfg.LeaderTimeout {
			continue // stale, skip
		}
		if best == nil || s.CreatedAt.Before(best.CreatedAt) {
			best = s
		}
	}
	if best != nil {
		best.Role = wire.RoleLeader
		ps.leaderID = best.SessionID
	}
}

// CloseSession removes a session. Idempotent: closing an unknown or
// already-closed session is not an error.
func (m *Manager) CloseSession(sessionID string) {
	m.mu.RLock()
	var target *pipeState
	for _, ps := range m.pipes {
		ps.mu.Lock()
		if _, ok := ps.sessions[sessionID]; ok {
			target = ps
		}
		ps.mu.Unlock()
		if target != nil {
			break
		}
	}
	m.mu.RUnlock()
	if target == nil {
		return
	}

	target.mu.Lock()
	defer target.mu.Unlock()
	delete(target.sessions, sessionID)
	delete(target.commands, sessionID)
	if target.leaderID == sessionID {
		target.leaderID = ""
		target.promoteOldestLocked(m.now())
	}
}

// CommitIndex records the committed offset for (pipe, agent), surviving
// session loss.
func (m *Manager) CommitIndex(pipeID, agentID string, index uint64) {
	m.mu.RLock()
	ps, ok := m.pipes[pipeID]
	m.mu.RUnlock()
	if !ok {
		return
	}
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if index > ps.committedIndex[agentID] { // offsets only ever move forward
		ps.committedIndex[agentID] = index
	}
}

// CommittedIndex returns the last committed offset for (pipe, agent).
func (m *Manager) CommittedIndex(pipeID, agentID string) uint64 {
	m.mu.RLock()
	ps, ok := m.pipes[pipeID]
	m.mu.RUnlock()
	if !ok {
		return 0
	}
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return ps.committedIndex[agentID]
}

// QueueCommand enqueues a management command for delivery on the named
// session's next heartbeat response.
func (m *Manager) QueueCommand(pipeID, sessionID string, cmd Command) {
	m.mu.RLock()
	ps, ok := m.pipes[pipeID]
	m.mu.RUnlock()
	if !ok {
		return
	}
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.commands[sessionID] = append(ps.commands[sessionID], cmd)
}

// Lookup returns a copy of the session's current state.
func (m *Manager) Lookup(sessionID string) (wire.Session, error) {
	_, sess, err := m.lookup(sessionID)
	if err != nil {
		return wire.Session{}, err
	}
	return *sess, nil
}

func (m *Manager) lookup(sessionID string) (*pipeState, *wire.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, ps := range m.pipes {
		ps.mu.Lock()
		sess, ok := ps.sessions[sessionID]
		ps.mu.Unlock()
		if ok {
			return ps, sess, nil
		}
	}
	return nil, nil, ErrSessionUnknown
}

// LeaderAlive reports whether pipeID currently has a live leader, for
// the Tree readiness gate.
func (m *Manager) LeaderAlive(pipeID string) bool {
	m.mu.RLock()
	ps, ok := m.pipes[pipeID]
	m.mu.RUnlock()
	if !ok {
		return false
	}
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if ps.leaderID == "" {
		return false
	}
	leader, ok := ps.sessions[ps.leaderID]
	if !ok {
		return false
	}
	return m.now().Sub(leader.LastHeartbeat) <= ps.cfg.LeaderTimeout
}

// ExpireSweep scans every pipe and demotes/reassigns leaders whose
// heartbeat has lapsed, even absent a new heartbeat arriving. Intended
// to run on a ticker so readiness reacts to a dead leader without
// waiting on the next client call.
func (m *Manager) ExpireSweep() {
	m.mu.RLock()
	pipes := make([]*pipeState, 0, len(m.pipes))
	for _, ps := range m.pipes {
		pipes = append(pipes, ps)
	}
	m.mu.RUnlock()

	now := m.now()
	for _, ps := range pipes {
		ps.mu.Lock()
		ps.electLocked(now)
		ps.mu.Unlock()
	}
}
