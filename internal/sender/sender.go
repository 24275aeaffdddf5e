// Package sender implements pipe.Transport over the Fusion HTTP API:
// session lifecycle, batch ingest, audit start/end, and sentinel task
// exchange, all authenticated with a static X-API-Key header.
//
// A JSON-over-HTTP request/response envelope, explicit per-call context
// deadline, and a single *http.Client reused across calls.
package sender

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/fustor/fustor/internal/wire"
)

// Config holds the static parameters for one Sender.
type Config struct {
	BaseURL    string
	APIKey     string
	PipeID     string
	AgentID    string
	HTTPClient *http.Client
}

// Sender is the Agent-side HTTP client implementing pipe.Transport.
type Sender struct {
	cfg       Config
	client    *http.Client
	sessionID string

	// nextIndex is the per-session monotonic event counter, reset by
	// CreateSession to the committed_index Fusion returns: every event
	// handed to SendBatch gets the next value, realtime, snapshot, and
	// audit streams alike, so Fusion can commit a single advancing offset
	// regardless of which stream produced the highest-numbered event.
	nextIndex uint64
}

// New constructs a Sender. If cfg.HTTPClient is nil a client with a 30s
// per-request timeout is used.
func New(cfg Config) *Sender {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Sender{cfg: cfg, client: cfg.HTTPClient}
}

type createSessionResponse struct {
	SessionID      string    `json:"session_id"`
	Role           wire.Role `json:"role"`
	CommittedIndex uint64    `json:"committed_index"`
	ServerTime     float64   `json:"server_time"`
}

// CreateSession implements pipe.Transport. It POSTs /api/v1/pipe/session
// and stores the returned session_id for subsequent calls.
func (s *Sender) CreateSession(ctx context.Context) (wire.Session, time.Time, error) {
	body := map[string]string{"pipe_id": s.cfg.PipeID, "agent_id": s.cfg.AgentID}

	var resp createSessionResponse
	if err := s.do(ctx, http.MethodPost, "/api/v1/pipe/session", body, &resp); err != nil {
		return wire.Session{}, time.Time{}, err
	}
	s.sessionID = resp.SessionID
	atomic.StoreUint64(&s.nextIndex, resp.CommittedIndex)

	serverTime := time.Unix(0, int64(resp.ServerTime*1e9)).UTC()
	sess := wire.Session{
		SessionID:      resp.SessionID,
		TaskID:         wire.TaskID(s.cfg.AgentID, s.cfg.PipeID),
		PipeID:         s.cfg.PipeID,
		AgentID:        s.cfg.AgentID,
		Role:           resp.Role,
		CreatedAt:      serverTime,
		LastHeartbeat:  serverTime,
		CommittedIndex: resp.CommittedIndex,
		CanRealtime:    true,
	}
	return sess, serverTime, nil
}

type heartbeatResponse struct {
	Role            wire.Role             `json:"role"`
	PendingCommands []wire.PendingCommand `json:"pending_commands"`
}

// Heartbeat implements pipe.Transport, POSTing
// /api/v1/pipe/session/{id}/heartbeat.
func (s *Sender) Heartbeat(ctx context.Context) (wire.Role, []wire.PendingCommand, error) {
	if s.sessionID == "" {
		return "", nil, fmt.Errorf("sender: Heartbeat called before CreateSession")
	}
	var resp heartbeatResponse
	path := fmt.Sprintf("/api/v1/pipe/session/%s/heartbeat", s.sessionID)
	if err := s.do(ctx, http.MethodPost, path, nil, &resp); err != nil {
		return "", nil, err
	}
	return resp.Role, resp.PendingCommands, nil
}

type sendBatchRequest struct {
	SessionID     string        `json:"session_id"`
	MessageSource string        `json:"message_source"`
	Events        []wire.Row    `json:"events"`
}

type sendBatchResponse struct {
	CommittedIndex   uint64   `json:"committed_index"`
	Accepted         int      `json:"accepted"`
	Rejected         int      `json:"rejected"`
	RejectedReasons  []string `json:"rejected_reasons"`
}

// SendBatch implements pipe.Transport, POSTing
// /api/v1/pipe/ingest/{session_id}/events. It never fails on a
// per-event rejection — only a transport or auth failure returns err.
func (s *Sender) SendBatch(ctx context.Context, events []wire.Event, source wire.MessageSource) (uint64, error) {
	if s.sessionID == "" {
		return 0, fmt.Errorf("sender: SendBatch called before CreateSession")
	}
	rows := make([]wire.Row, 0, len(events))
	for i := range events {
		events[i].Index = atomic.AddUint64(&s.nextIndex, 1)
		rows = append(rows, toRow(events[i]))
	}
	req := sendBatchRequest{SessionID: s.sessionID, MessageSource: string(source), Events: rows}

	var resp sendBatchResponse
	path := fmt.Sprintf("/api/v1/pipe/ingest/%s/events", s.sessionID)
	if err := s.do(ctx, http.MethodPost, path, req, &resp); err != nil {
		return 0, err
	}
	return resp.CommittedIndex, nil
}

// AuditStart implements pipe.Transport, POSTing
// /api/v1/consistency/audit/start.
func (s *Sender) AuditStart(ctx context.Context) error {
	body := map[string]string{"session_id": s.sessionID}
	return s.do(ctx, http.MethodPost, "/api/v1/consistency/audit/start", body, nil)
}

// AuditEnd implements pipe.Transport, POSTing
// /api/v1/consistency/audit/end.
func (s *Sender) AuditEnd(ctx context.Context) error {
	body := map[string]string{"session_id": s.sessionID}
	return s.do(ctx, http.MethodPost, "/api/v1/consistency/audit/end", body, nil)
}

// SentinelTasksResponse carries the set of paths Fusion wants re-stat'd.
type SentinelTasksResponse struct {
	Tasks []struct {
		Path string `json:"path"`
	} `json:"tasks"`
}

// SentinelTasks fetches the current batch of sentinel re-stat tasks via
// GET /api/v1/consistency/sentinel/tasks.
func (s *Sender) SentinelTasks(ctx context.Context) (SentinelTasksResponse, error) {
	var resp SentinelTasksResponse
	err := s.do(ctx, http.MethodGet, "/api/v1/consistency/sentinel/tasks?session_id="+s.sessionID, nil, &resp)
	return resp, err
}

type sentinelFeedbackRequest struct {
	SessionID string  `json:"session_id"`
	Path      string  `json:"path"`
	Mtime     float64 `json:"mtime"`
	Size      int64   `json:"size"`
	Exists    bool    `json:"exists"`
}

// SentinelFeedback reports a re-stat result via POST
// /api/v1/consistency/sentinel/feedback.
func (s *Sender) SentinelFeedback(ctx context.Context, path string, mtime float64, size int64, exists bool) error {
	req := sentinelFeedbackRequest{SessionID: s.sessionID, Path: path, Mtime: mtime, Size: size, Exists: exists}
	return s.do(ctx, http.MethodPost, "/api/v1/consistency/sentinel/feedback", req, nil)
}

// Close implements pipe.Transport, DELETEing /api/v1/pipe/session/{id}.
func (s *Sender) Close(ctx context.Context) error {
	if s.sessionID == "" {
		return nil
	}
	path := fmt.Sprintf("/api/v1/pipe/session/%s", s.sessionID)
	return s.do(ctx, http.MethodDelete, path, nil, nil)
}

// do performs one authenticated JSON request/response round trip.
func (s *Sender) do(ctx context.Context, method, path string, reqBody, respBody any) error {
	var bodyReader io.Reader
	if reqBody != nil {
		data, err := json.Marshal(reqBody)
		if err != nil {
			return fmt.Errorf("sender: marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, s.cfg.BaseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("sender: build request: %w", err)
	}
	httpReq.Header.Set("X-API-Key", s.cfg.APIKey)
	if reqBody != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	httpResp, err := s.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("sender: %s %s: %w", method, path, err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode == http.StatusServiceUnavailable {
		var reason struct {
			Reason wire.ReadinessReason `json:"reason"`
		}
		_ = json.NewDecoder(httpResp.Body).Decode(&reason)
		return fmt.Errorf("sender: %s %s: %w: %s", method, path, ErrBusy, reason.Reason)
	}
	if httpResp.StatusCode >= 300 {
		data, _ := io.ReadAll(httpResp.Body)
		return fmt.Errorf("sender: %s %s: status %d: %s", method, path, httpResp.StatusCode, string(data))
	}

	if respBody == nil {
		return nil
	}
	if err := json.NewDecoder(httpResp.Body).Decode(respBody); err != nil {
		return fmt.Errorf("sender: %s %s: decode response: %w", method, path, err)
	}
	return nil
}

func toRow(ev wire.Event) wire.Row {
	row := wire.Row{
		Path:         ev.Path,
		FileName:     baseName(ev.Path),
		EventType:    ev.EventType,
		Size:         ev.Size,
		ModifiedTime: ev.Mtime,
		IsDirectory:  ev.IsDir,
		ParentMtime:  ev.ParentMtime,
		Index:        ev.Index,
	}
	return row
}

func baseName(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[i+1:]
		}
	}
	return path
}

// ErrBusy is returned when Fusion responds 503: the caller should back
// off and retry.
var ErrBusy = fmt.Errorf("fusion responded busy")
