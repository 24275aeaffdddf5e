package fusionapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/fustor/fustor/internal/arbitration"
	"github.com/fustor/fustor/internal/audit"
	"github.com/fustor/fustor/internal/clock"
	"github.com/fustor/fustor/internal/observability"
	"github.com/fustor/fustor/internal/ratelimit"
	"github.com/fustor/fustor/internal/sentinel"
	"github.com/fustor/fustor/internal/session"
	"github.com/fustor/fustor/internal/tree"
)

type testStack struct {
	srv *httptest.Server
	tr  *tree.Tree
	sm  *session.Manager
	arb *arbitration.Arbitrator
}

func newTestStack(t *testing.T) *testStack {
	t.Helper()
	sm := session.NewManager()
	sm.RegisterPipe(session.PipeConfig{PipeID: "p1", APIKey: "k1", Enabled: true, HeartbeatInterval: time.Second})
	tr := tree.New()
	clk := clock.New(time.Second, 16)
	arb := arbitration.New(arbitration.DefaultConfig(), tr, clk, sm)
	auditCoord := audit.New(arb, sm)
	sentCoord := sentinel.New(arb, sm)

	s := New(Config{
		Sessions:  sm,
		Arb:       arb,
		Audit:     auditCoord,
		Sentinel:  sentCoord,
		Tree:      tr,
		Metrics:   observability.NewMetrics(),
		Admission: ratelimit.NewAdmission(10),
	})
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/pipe/session", s.handleCreateSession)
	mux.HandleFunc("POST /api/v1/pipe/session/{id}/heartbeat", s.handleHeartbeat)
	mux.HandleFunc("DELETE /api/v1/pipe/session/{id}", s.handleCloseSession)
	mux.HandleFunc("POST /api/v1/pipe/ingest/{session_id}/events", s.handleIngest)
	mux.HandleFunc("POST /api/v1/consistency/audit/start", s.handleAuditStart)
	mux.HandleFunc("POST /api/v1/consistency/audit/end", s.handleAuditEnd)
	mux.HandleFunc("GET /api/v1/consistency/sentinel/tasks", s.handleSentinelTasks)
	mux.HandleFunc("POST /api/v1/consistency/sentinel/feedback", s.handleSentinelFeedback)
	mux.HandleFunc("GET /api/v1/views/{view_id}/tree", s.handleViewTree)
	mux.HandleFunc("GET /api/v1/views/{view_id}/stats", s.handleViewStats)
	mux.HandleFunc("GET /consistency/status", s.handleStatus)

	return &testStack{srv: httptest.NewServer(mux), tr: tr, sm: sm, arb: arb}
}

func (ts *testStack) post(t *testing.T, path string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var reader bytes.Reader
	if body != nil {
		data, _ := json.Marshal(body)
		reader = *bytes.NewReader(data)
	}
	req, _ := http.NewRequest(http.MethodPost, ts.srv.URL+path, &reader)
	req.Header.Set("X-API-Key", "k1")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer resp.Body.Close()
	var out map[string]any
	json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func TestCreateSessionOverHTTP(t *testing.T) {
	ts := newTestStack(t)
	defer ts.srv.Close()

	resp, body := ts.post(t, "/api/v1/pipe/session", map[string]string{"pipe_id": "p1", "agent_id": "a1"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if body["role"] != "leader" {
		t.Fatalf("expected first session to become leader, got %+v", body)
	}
}

func TestCreateSessionUnauthorizedOverHTTP(t *testing.T) {
	ts := newTestStack(t)
	defer ts.srv.Close()

	req, _ := http.NewRequest(http.MethodPost, ts.srv.URL+"/api/v1/pipe/session", bytes.NewReader([]byte(`{"pipe_id":"p1","agent_id":"a1"}`)))
	req.Header.Set("X-API-Key", "wrong")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
}

func TestIngestAcceptsEventsAndUpdatesTree(t *testing.T) {
	ts := newTestStack(t)
	defer ts.srv.Close()

	_, sessBody := ts.post(t, "/api/v1/pipe/session", map[string]string{"pipe_id": "p1", "agent_id": "a1"})
	sessionID := sessBody["session_id"].(string)

	resp, body := ts.post(t, "/api/v1/pipe/ingest/"+sessionID+"/events", map[string]any{
		"session_id":     sessionID,
		"message_source": "realtime",
		"events": []map[string]any{
			{"path": "/f", "file_name": "f", "size": 10, "modified_time": 100.0, "is_directory": false},
		},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d: %+v", resp.StatusCode, body)
	}
	if int(body["accepted"].(float64)) != 1 {
		t.Fatalf("expected 1 accepted event, got %+v", body)
	}
	if ts.tr.Lookup("/f") == nil {
		t.Fatalf("expected /f to exist in the tree after ingest")
	}
}

func TestIngestRealtimeDeleteOverHTTPCreatesTombstone(t *testing.T) {
	ts := newTestStack(t)
	defer ts.srv.Close()

	_, sessBody := ts.post(t, "/api/v1/pipe/session", map[string]string{"pipe_id": "p1", "agent_id": "a1"})
	sessionID := sessBody["session_id"].(string)

	resp, body := ts.post(t, "/api/v1/pipe/ingest/"+sessionID+"/events", map[string]any{
		"session_id":     sessionID,
		"message_source": "realtime",
		"events": []map[string]any{
			{"path": "/f", "file_name": "f", "size": 10, "modified_time": 100.0, "is_directory": false},
		},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d: %+v", resp.StatusCode, body)
	}
	if ts.tr.Lookup("/f") == nil {
		t.Fatalf("expected /f to exist in the tree before the delete")
	}

	resp, body = ts.post(t, "/api/v1/pipe/ingest/"+sessionID+"/events", map[string]any{
		"session_id":     sessionID,
		"message_source": "realtime",
		"events": []map[string]any{
			{"path": "/f", "file_name": "f", "event_type": "DELETE", "size": 10, "modified_time": 110.0, "is_directory": false},
		},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d: %+v", resp.StatusCode, body)
	}
	if int(body["accepted"].(float64)) != 1 {
		t.Fatalf("expected the delete to be accepted, got %+v", body)
	}
	if ts.tr.Lookup("/f") != nil {
		t.Fatalf("expected /f to be removed from the tree after the delete")
	}
	if ts.arb.TombstoneCount("p1") != 1 {
		t.Fatalf("expected a tombstone to be recorded for /f, got %d", ts.arb.TombstoneCount("p1"))
	}

	// A stale snapshot resurrection attempt must be rejected as tombstoned.
	resp, body = ts.post(t, "/api/v1/pipe/ingest/"+sessionID+"/events", map[string]any{
		"session_id":     sessionID,
		"message_source": "snapshot",
		"events": []map[string]any{
			{"path": "/f", "file_name": "f", "size": 10, "modified_time": 105.0, "is_directory": false},
		},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d: %+v", resp.StatusCode, body)
	}
	if int(body["rejected"].(float64)) != 1 {
		t.Fatalf("expected the snapshot resurrection to be rejected, got %+v", body)
	}
}

func TestIngestOverHTTPAdvancesCommittedIndexFromEventIndices(t *testing.T) {
	ts := newTestStack(t)
	defer ts.srv.Close()

	_, sessBody := ts.post(t, "/api/v1/pipe/session", map[string]string{"pipe_id": "p1", "agent_id": "a1"})
	sessionID := sessBody["session_id"].(string)

	resp, body := ts.post(t, "/api/v1/pipe/ingest/"+sessionID+"/events", map[string]any{
		"session_id":     sessionID,
		"message_source": "realtime",
		"events": []map[string]any{
			{"path": "/a", "file_name": "a", "size": 1, "modified_time": 1.0, "is_directory": false, "index": 7},
			{"path": "/b", "file_name": "b", "size": 1, "modified_time": 2.0, "is_directory": false, "index": 9},
		},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d: %+v", resp.StatusCode, body)
	}
	if got := int(body["committed_index"].(float64)); got != 9 {
		t.Fatalf("expected committed_index to advance to the batch's highest index (9), got %d", got)
	}
	if got := ts.sm.CommittedIndex("p1", "a1"); got != 9 {
		t.Fatalf("expected session manager to record committed index 9, got %d", got)
	}

	// A later batch carrying a lower index must not regress committed_index.
	resp, body = ts.post(t, "/api/v1/pipe/ingest/"+sessionID+"/events", map[string]any{
		"session_id":     sessionID,
		"message_source": "realtime",
		"events": []map[string]any{
			{"path": "/c", "file_name": "c", "size": 1, "modified_time": 3.0, "is_directory": false, "index": 3},
		},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d: %+v", resp.StatusCode, body)
	}
	if got := int(body["committed_index"].(float64)); got != 9 {
		t.Fatalf("expected committed_index to stay at 9 after a lower-indexed batch, got %d", got)
	}
}

func TestViewTreeReturns503WhenNotReady(t *testing.T) {
	ts := newTestStack(t)
	defer ts.srv.Close()

	resp, err := http.Get(ts.srv.URL + "/api/v1/views/p1/tree")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 for an unready view, got %d", resp.StatusCode)
	}
}

func TestViewTreeReturns200WhenReady(t *testing.T) {
	ts := newTestStack(t)
	defer ts.srv.Close()

	ts.tr.Upsert("/a", "/", tree.KindDir, 0, 1, 0, "agent1", "", 1)
	ready := true
	ts.tr.SetReadiness("p1", &ready, &ready, &ready)

	resp, err := http.Get(ts.srv.URL + "/api/v1/views/p1/tree?path=/a")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 once ready, got %d", resp.StatusCode)
	}
}

func TestAuditStartEndOverHTTP(t *testing.T) {
	ts := newTestStack(t)
	defer ts.srv.Close()

	_, sessBody := ts.post(t, "/api/v1/pipe/session", map[string]string{"pipe_id": "p1", "agent_id": "a1"})
	sessionID := sessBody["session_id"].(string)

	resp, body := ts.post(t, "/api/v1/consistency/audit/start", map[string]string{"session_id": sessionID, "pipe_id": "p1", "root_path": "/"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d: %+v", resp.StatusCode, body)
	}

	resp, body = ts.post(t, "/api/v1/consistency/audit/end", map[string]string{"session_id": sessionID, "pipe_id": "p1"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d: %+v", resp.StatusCode, body)
	}
}

func TestStatusEndpointRequiresPipeID(t *testing.T) {
	ts := newTestStack(t)
	defer ts.srv.Close()

	resp, err := http.Get(ts.srv.URL + "/consistency/status")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 without pipe_id, got %d", resp.StatusCode)
	}
}

func TestStatusEndpointReportsCounters(t *testing.T) {
	ts := newTestStack(t)
	defer ts.srv.Close()

	resp, err := http.Get(ts.srv.URL + "/consistency/status?pipe_id=p1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var body map[string]any
	json.NewDecoder(resp.Body).Decode(&body)
	if body["pipe_id"] != "p1" {
		t.Fatalf("unexpected status body: %+v", body)
	}
}
