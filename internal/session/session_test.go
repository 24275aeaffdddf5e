package session

import (
	"testing"
	"time"

	"github.com/fustor/fustor/internal/wire"
)

func newTestManager(fixedNow time.Time) *Manager {
	m := NewManager()
	m.now = func() time.Time { return fixedNow }
	return m
}

func TestCreateSessionFirstComerBecomesLeader(t *testing.T) {
	now := time.Unix(1000, 0)
	m := newTestManager(now)
	m.RegisterPipe(PipeConfig{PipeID: "p1", APIKey: "k1", Enabled: true, HeartbeatInterval: time.Second})

	sess, _, err := m.CreateSession("k1", "agent1:p1", "agent1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sess.Role != wire.RoleLeader {
		t.Fatalf("expected first session to become leader, got %v", sess.Role)
	}
}

func TestCreateSessionSecondComerIsFollower(t *testing.T) {
	now := time.Unix(1000, 0)
	m := newTestManager(now)
	m.RegisterPipe(PipeConfig{PipeID: "p1", APIKey: "k1", Enabled: true, HeartbeatInterval: time.Second})

	if _, _, err := m.CreateSession("k1", "agent1:p1", "agent1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, _, err := m.CreateSession("k1", "agent2:p1", "agent2")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if second.Role != wire.RoleFollower {
		t.Fatalf("expected second session to be follower, got %v", second.Role)
	}
}

func TestCreateSessionUnauthorizedKey(t *testing.T) {
	m := NewManager()
	m.RegisterPipe(PipeConfig{PipeID: "p1", APIKey: "k1", Enabled: true, HeartbeatInterval: time.Second})
	if _, _, err := m.CreateSession("wrong-key", "a:p1", "a"); err != ErrUnauthorized {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}

func TestLeaderReassignedAfterTimeout(t *testing.T) {
	now := time.Unix(1000, 0)
	m := newTestManager(now)
	m.now = func() time.Time { return now }
	m.RegisterPipe(PipeConfig{PipeID: "p1", APIKey: "k1", Enabled: true, HeartbeatInterval: time.Second, LeaderTimeout: 5 * time.Second})

	leader, _, _ := m.CreateSession("k1", "agent1:p1", "agent1")
	now = now.Add(2 * time.Second)
	follower, _, _ := m.CreateSession("k1", "agent2:p1", "agent2")
	if follower.Role != wire.RoleFollower {
		t.Fatalf("expected follower role, got %v", follower.Role)
	}

	// Leader goes silent past LeaderTimeout; follower's heartbeat should
	// trigger promotion (first-come-first-served among survivors).
	now = now.Add(10 * time.Second)
	role, _, _, err := m.Heartbeat(follower.SessionID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if role != wire.RoleLeader {
		t.Fatalf("expected follower to be promoted to leader, got %v", role)
	}
	_ = leader
}

func TestLeaderNotReassignedAtExactlyLeaderTimeout(t *testing.T) {
	now := time.Unix(1000, 0)
	m := newTestManager(now)
	m.now = func() time.Time { return now }
	m.RegisterPipe(PipeConfig{PipeID: "p1", APIKey: "k1", Enabled: true, HeartbeatInterval: time.Second, LeaderTimeout: 3 * time.Second})

	leader, _, _ := m.CreateSession("k1", "agent1:p1", "agent1")
	follower, _, _ := m.CreateSession("k1", "agent2:p1", "agent2")

	// Exactly at the boundary: not re-elected.
	now = now.Add(3 * time.Second)
	role, _, _, err := m.Heartbeat(follower.SessionID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if role != wire.RoleFollower {
		t.Fatalf("expected no re-election at exactly leader_timeout, got %v", role)
	}
	if !m.LeaderAlive("p1") {
		t.Fatalf("expected the incumbent leader to still be considered alive at exactly leader_timeout")
	}
	_ = leader

	// Just past the boundary: re-elected.
	now = now.Add(1 * time.Millisecond)
	role, _, _, err = m.Heartbeat(follower.SessionID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if role != wire.RoleLeader {
		t.Fatalf("expected re-election just past leader_timeout, got %v", role)
	}
}

func TestCommittedIndexSurvivesSessionClose(t *testing.T) {
	now := time.Unix(1000, 0)
	m := newTestManager(now)
	m.RegisterPipe(PipeConfig{PipeID: "p1", APIKey: "k1", Enabled: true, HeartbeatInterval: time.Second})

	sess, _, _ := m.CreateSession("k1", "agent1:p1", "agent1")
	m.CommitIndex("p1", "agent1", 42)
	m.CloseSession(sess.SessionID)

	if got := m.CommittedIndex("p1", "agent1"); got != 42 {
		t.Fatalf("expected committed index to survive session close, got %d", got)
	}

	resumed, _, err := m.CreateSession("k1", "agent1:p1", "agent1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resumed.CommittedIndex != 42 {
		t.Fatalf("expected resumed session to carry forward the committed index, got %d", resumed.CommittedIndex)
	}
}

func TestCommitIndexIsMonotonic(t *testing.T) {
	m := newTestManager(time.Unix(1000, 0))
	m.RegisterPipe(PipeConfig{PipeID: "p1", APIKey: "k1", Enabled: true, HeartbeatInterval: time.Second})

	m.CommitIndex("p1", "agent1", 10)
	m.CommitIndex("p1", "agent1", 5)
	if got := m.CommittedIndex("p1", "agent1"); got != 10 {
		t.Fatalf("expected committed index to stay monotonic, got %d", got)
	}
}

func TestCreateSessionDisabledPipe(t *testing.T) {
	m := NewManager()
	m.RegisterPipe(PipeConfig{PipeID: "p1", APIKey: "k1", Enabled: false, HeartbeatInterval: time.Second})
	if _, _, err := m.CreateSession("k1", "a:p1", "a"); err != ErrPipeDisabled {
		t.Fatalf("expected ErrPipeDisabled, got %v", err)
	}
}

func TestQueueCommandDeliveredOnNextHeartbeat(t *testing.T) {
	m := newTestManager(time.Unix(1000, 0))
	m.RegisterPipe(PipeConfig{PipeID: "p1", APIKey: "k1", Enabled: true, HeartbeatInterval: time.Second})
	sess, _, _ := m.CreateSession("k1", "a:p1", "a")

	m.QueueCommand("p1", sess.SessionID, Command{Kind: "pause"})
	_, _, cmds, err := m.Heartbeat(sess.SessionID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(cmds) != 1 || cmds[0].Kind != "pause" {
		t.Fatalf("expected queued command to be delivered, got %+v", cmds)
	}

	// Commands are drained once.
	_, _, cmds2, _ := m.Heartbeat(sess.SessionID)
	if len(cmds2) != 0 {
		t.Fatalf("expected commands to be drained after first delivery, got %+v", cmds2)
	}
}

func TestLeaderAliveReflectsHeartbeatRecency(t *testing.T) {
	now := time.Unix(1000, 0)
	m := newTestManager(now)
	m.now = func() time.Time { return now }
	m.RegisterPipe(PipeConfig{PipeID: "p1", APIKey: "k1", Enabled: true, HeartbeatInterval: time.Second, LeaderTimeout: 3 * time.Second})
	m.CreateSession("k1", "a:p1", "a")

	if !m.LeaderAlive("p1") {
		t.Fatalf("expected leader alive immediately after creation")
	}

	now = now.Add(10 * time.Second)
	if m.LeaderAlive("p1") {
		t.Fatalf("expected leader not alive after timeout with no heartbeat")
	}
}
