// Package wire defines the data model shared between Fusion and Agent:
// events, sessions, and the JSON row format carried over the HTTP API.
//
// Schema version: "fs" (file-system). A schema name travels with every
// event and view so a future driver (database, object-store) can share
// the same envelope without colliding with this one.
package wire

import "time"

// SchemaFS is the only source/view schema implemented by this repository.
const SchemaFS = "fs"

// EventType is the mutation kind carried by an Event.
type EventType string

const (
	EventInsert EventType = "INSERT"
	EventUpdate EventType = "UPDATE"
	EventDelete EventType = "DELETE"
)

// MessageSource identifies which of the three precedence-ordered streams
// produced an Event. Precedence is absolute: Realtime > Audit > Snapshot.
type MessageSource string

const (
	SourceRealtime MessageSource = "realtime"
	SourceAudit    MessageSource = "audit"
	SourceSnapshot MessageSource = "snapshot"
)

// Row is the wire representation of a single event for schema "fs".
type Row struct {
	Path         string    `json:"path"`
	FileName     string    `json:"file_name"`
	EventType    EventType `json:"event_type"`
	Size         int64     `json:"size"`
	ModifiedTime float64   `json:"modified_time"`
	IsDirectory  bool      `json:"is_directory"`
	CreatedTime  *float64  `json:"created_time,omitempty"`
	ParentPath   *string   `json:"parent_path,omitempty"`
	ParentMtime  *float64  `json:"parent_mtime,omitempty"`
	Index        uint64    `json:"index"`
}

// Event is the fully-resolved, in-process representation of a Row plus
// the envelope fields that are not schema-specific.
type Event struct {
	Schema        string        `json:"schema"`
	EventType     EventType     `json:"event_type"`
	Path          string        `json:"path"`
	Mtime         float64       `json:"mtime"`
	Size          int64         `json:"size"`
	IsDir         bool          `json:"is_dir"`
	ParentMtime   *float64      `json:"parent_mtime,omitempty"`
	Index         uint64        `json:"index"`
	MessageSource MessageSource `json:"message_source"`
	SessionID     string        `json:"session_id"`
	AgentID       string        `json:"agent_id"`
}

// Role is a session's leadership status on its pipe.
type Role string

const (
	RoleLeader   Role = "leader"
	RoleFollower Role = "follower"
)

// Session is the authenticated handle a Sender holds for one pipe.
type Session struct {
	SessionID      string
	TaskID         string
	PipeID         string
	AgentID        string
	Role           Role
	CreatedAt      time.Time
	LastHeartbeat  time.Time
	CommittedIndex uint64
	CanRealtime    bool
}

// TaskID formats the conventional "agent_id:pipe_id" opaque task identifier.
func TaskID(agentID, pipeID string) string {
	return agentID + ":" + pipeID
}

// RejectReason enumerates the arbitration outcomes a dropped or rejected
// event can carry back to the client. These never fail a batch; they
// are accounted and returned in rejected_reasons[].
type RejectReason string

const (
	ReasonTombstoned   RejectReason = "tombstoned"
	ReasonStaleAudit   RejectReason = "stale_audit"
	ReasonStaleSnap    RejectReason = "stale_snapshot"
	ReasonNotLeader       RejectReason = "not_leader"
	ReasonMtimeRegress    RejectReason = "mtime_regression"
	ReasonUnsupportedOp   RejectReason = "unsupported_delete"
)

// PendingCommand is a queued management instruction delivered to an
// Agent via a heartbeat response's pending_commands[].
type PendingCommand struct {
	Kind string `json:"kind"`
	Data string `json:"data,omitempty"`
}

// ReadinessReason is returned in the body of a 503 response.
type ReadinessReason string

const (
	ReasonSnapshotIncomplete ReadinessReason = "snapshot_incomplete"
	ReasonQueueDraining      ReadinessReason = "queue_draining"
	ReasonNoLeader           ReadinessReason = "no_leader"
)
