// Package fusionapi is the Fusion HTTP+JSON server: pipe session
// lifecycle, event ingest, the audit and sentinel protocols, view
// queries, and an operator-style inspection endpoint.
//
// A bare net/http.ServeMux with one handler per route, a shared JSON
// response envelope, and X-API-Key header auth. The admission-gated
// /events handler bounds concurrent ingest work per pipe.
package fusionapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/fustor/fustor/internal/arbitration"
	"github.com/fustor/fustor/internal/audit"
	"github.com/fustor/fustor/internal/observability"
	"github.com/fustor/fustor/internal/ratelimit"
	"github.com/fustor/fustor/internal/sentinel"
	"github.com/fustor/fustor/internal/session"
	"github.com/fustor/fustor/internal/tree"
	"github.com/fustor/fustor/internal/wire"
)

// Server serves the Fusion HTTP API.
type Server struct {
	log *zap.Logger

	sessions   *session.Manager
	arb        *arbitration.Arbitrator
	auditCoord *audit.Coordinator
	sentCoord  *sentinel.Coordinator
	tr         *tree.Tree
	metrics    *observability.Metrics
	admission  *ratelimit.Admission

	httpSrv *http.Server
}

// Config holds the dependencies and listen address for a Server.
type Config struct {
	ListenAddr     string
	RequestTimeout time.Duration

	Sessions  *session.Manager
	Arb       *arbitration.Arbitrator
	Audit     *audit.Coordinator
	Sentinel  *sentinel.Coordinator
	Tree      *tree.Tree
	Metrics   *observability.Metrics
	Admission *ratelimit.Admission

	Log *zap.Logger
}

// New builds a Server and wires its routes. Call Run to start serving.
func New(cfg Config) *Server {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	s := &Server{
		log:        cfg.Log,
		sessions:   cfg.Sessions,
		arb:        cfg.Arb,
		auditCoord: cfg.Audit,
		sentCoord:  cfg.Sentinel,
		tr:         cfg.Tree,
		metrics:    cfg.Metrics,
		admission:  cfg.Admission,
	}

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

	s.httpSrv = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      withRecover(s.log, mux),
		ReadTimeout:  cfg.RequestTimeout,
		WriteTimeout: cfg.RequestTimeout,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Run blocks serving HTTP until ctx is cancelled, then drains gracefully.
func (s *Server) Run(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = s.httpSrv.Shutdown(shutdownCtx)
	}()

	if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("fusionapi: serve %s: %w", s.httpSrv.Addr, err)
	}
	return nil
}

// withRecover turns a panicking handler into a 500 instead of killing the
// server, logging the recovered value before responding.
func withRecover(log *zap.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if log != nil {
					log.Error("panic handling request", zap.Any("recover", rec), zap.String("path", r.URL.Path))
				}
				writeError(w, http.StatusInternalServerError, "internal_error", fmt.Sprintf("%v", rec))
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func apiKey(r *http.Request) string {
	return r.Header.Get("X-API-Key")
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

type errorBody struct {
	Error  string `json:"error"`
	Detail string `json:"detail,omitempty"`
}

func writeError(w http.ResponseWriter, status int, code, detail string) {
	writeJSON(w, status, errorBody{Error: code, Detail: detail})
}

func pathID(r *http.Request, name string) string {
	return r.PathValue(name)
}

type createSessionRequest struct {
	PipeID  string `json:"pipe_id"`
	AgentID string `json:"agent_id"`
}

type createSessionResponse struct {
	SessionID      string    `json:"session_id"`
	Role           wire.Role `json:"role"`
	CommittedIndex uint64    `json:"committed_index"`
	ServerTime     float64   `json:"server_time"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	taskID := wire.TaskID(req.AgentID, req.PipeID)
	sess, serverTime, err := s.sessions.CreateSession(apiKey(r), taskID, req.AgentID)
	if err != nil {
		writeSessionErr(w, err)
		return
	}
	if sess.Role == wire.RoleLeader && s.metrics != nil {
		s.metrics.LeaderElectionsTotal.WithLabelValues(req.PipeID).Inc()
	}
	writeJSON(w, http.StatusOK, createSessionResponse{
		SessionID:      sess.SessionID,
		Role:           sess.Role,
		CommittedIndex: sess.CommittedIndex,
		ServerTime:     float64(serverTime.UnixNano()) / 1e9,
	})
}

type heartbeatResponse struct {
	Role            wire.Role             `json:"role"`
	PendingCommands []wire.PendingCommand `json:"pending_commands"`
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	sessionID := pathID(r, "id")
	role, _, cmds, err := s.sessions.Heartbeat(sessionID)
	if err != nil {
		writeSessionErr(w, err)
		return
	}
	out := make([]wire.PendingCommand, 0, len(cmds))
	for _, c := range cmds {
		out = append(out, wire.PendingCommand{Kind: c.Kind, Data: c.Data})
	}
	writeJSON(w, http.StatusOK, heartbeatResponse{Role: role, PendingCommands: out})
}

func (s *Server) handleCloseSession(w http.ResponseWriter, r *http.Request) {
	sessionID := pathID(r, "id")
	s.sessions.CloseSession(sessionID)
	w.WriteHeader(http.StatusNoContent)
}

type ingestRequest struct {
	SessionID     string     `json:"session_id"`
	MessageSource string     `json:"message_source"`
	Events        []wire.Row `json:"events"`
}

type ingestResponse struct {
	CommittedIndex  uint64   `json:"committed_index"`
	Accepted        int      `json:"accepted"`
	Rejected        int      `json:"rejected"`
	RejectedReasons []string `json:"rejected_reasons"`
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	sessionID := pathID(r, "session_id")
	sess, err := s.sessions.Lookup(sessionID)
	if err != nil {
		writeSessionErr(w, err)
		return
	}

	if reason, ready := s.tr.ReadinessReason(sess.PipeID); !ready && r.Method == http.MethodPost {
		// Ingest is still accepted while not-ready (a pipe must be able to
		// feed its own snapshot); only view queries are gated. Readiness is
		// surfaced here purely as a diagnostic header.
		w.Header().Set("X-Fustor-Readiness", reason)
	}

	if s.admission != nil {
		if !s.admission.TryEnter(sess.PipeID) {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"reason": "busy"})
			return
		}
		defer s.admission.Leave(sess.PipeID)
	}

	var req ingestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	events := make([]wire.Event, 0, len(req.Events))
	source := wire.MessageSource(req.MessageSource)
	for _, row := range req.Events {
		events = append(events, rowToEvent(row, source, sess.AgentID, sessionID))
	}

	result, err := s.arb.Ingest(sess.PipeID, sessionID, events, time.Now())
	if err != nil {
		writeSessionErr(w, err)
		return
	}

	var maxIndex uint64
	for _, ev := range events {
		if ev.Index > maxIndex {
			maxIndex = ev.Index
		}
	}
	if maxIndex > 0 {
		s.sessions.CommitIndex(sess.PipeID, sess.AgentID, maxIndex)
	}

	reasons := make([]string, 0, len(result.Rejected))
	for _, rej := range result.Rejected {
		reasons = append(reasons, string(rej.Reason))
		if s.metrics != nil {
			s.metrics.EventsDroppedTotal.WithLabelValues(sess.PipeID, string(rej.Reason)).Inc()
		}
	}
	if s.metrics != nil {
		s.metrics.EventsIngestedTotal.WithLabelValues(sess.PipeID, req.MessageSource).Add(float64(result.Accepted))
	}

	writeJSON(w, http.StatusOK, ingestResponse{
		CommittedIndex:  s.sessions.CommittedIndex(sess.PipeID, sess.AgentID),
		Accepted:        result.Accepted,
		Rejected:        len(result.Rejected),
		RejectedReasons: reasons,
	})
}

func rowToEvent(row wire.Row, source wire.MessageSource, agentID, sessionID string) wire.Event {
	et := row.EventType
	if et == "" {
		et = wire.EventUpdate
	}
	return wire.Event{
		Schema:        wire.SchemaFS,
		EventType:     et,
		Path:          row.Path,
		Mtime:         row.ModifiedTime,
		Size:          row.Size,
		IsDir:         row.IsDirectory,
		ParentMtime:   row.ParentMtime,
		Index:         row.Index,
		MessageSource: source,
		SessionID:     sessionID,
		AgentID:       agentID,
	}
}

type auditRequest struct {
	SessionID string `json:"session_id"`
	PipeID    string `json:"pipe_id"`
	RootPath  string `json:"root_path"`
}

func (s *Server) handleAuditStart(w http.ResponseWriter, r *http.Request) {
	var req auditRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	epoch, err := s.auditCoord.Start(req.SessionID, req.PipeID, req.RootPath)
	if err != nil {
		writeCoordErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]float64{"epoch": epoch})
}

func (s *Server) handleAuditEnd(w http.ResponseWriter, r *http.Request) {
	var req auditRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	missing, err := s.auditCoord.End(req.SessionID, req.PipeID)
	if err != nil {
		writeCoordErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"agent_missing_marked": missing})
}

func (s *Server) handleSentinelTasks(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session_id")
	pipeID := r.URL.Query().Get("pipe_id")
	tasks, err := s.sentCoord.Tasks(sessionID, pipeID)
	if err != nil {
		writeCoordErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks})
}

type sentinelFeedbackRequest struct {
	SessionID string            `json:"session_id"`
	PipeID    string            `json:"pipe_id"`
	Results   []sentinel.Result `json:"results"`
}

func (s *Server) handleSentinelFeedback(w http.ResponseWriter, r *http.Request) {
	var req sentinelFeedbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	if err := s.sentCoord.Submit(req.SessionID, req.PipeID, req.Results); err != nil {
		writeCoordErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleViewTree(w http.ResponseWriter, r *http.Request) {
	viewID := pathID(r, "view_id")
	if reason, ready := s.tr.ReadinessReason(viewID); !ready {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"reason": reason})
		return
	}
	path := r.URL.Query().Get("path")
	if path == "" {
		path = "/"
	}
	recursive := r.URL.Query().Get("recursive") == "true"
	result, ok := s.tr.Query(path, recursive, 0)
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", path)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleViewStats(w http.ResponseWriter, r *http.Request) {
	if reason, ready := s.tr.ReadinessReason(pathID(r, "view_id")); !ready {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"reason": reason})
		return
	}
	writeJSON(w, http.StatusOK, s.tr.Stats())
}

// handleStatus is an operator-style inspection endpoint: unauthenticated
// summary of per-pipe arbitration counters for local debugging, never
// the data plane itself.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	pipeID := r.URL.Query().Get("pipe_id")
	if pipeID == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "pipe_id is required")
		return
	}
	reason, ready := s.tr.ReadinessReason(pipeID)
	writeJSON(w, http.StatusOK, map[string]any{
		"pipe_id":         pipeID,
		"ready":           ready,
		"readiness_reason": reason,
		"leader_alive":    s.sessions.LeaderAlive(pipeID),
		"tombstones":      s.arb.TombstoneCount(pipeID),
		"suspects":        s.arb.SuspectCount(pipeID),
		"blind_spots":     s.arb.BlindSpotCount(pipeID),
		"tree_nodes":      s.tr.Stats().NodeCount,
	})
}

func writeSessionErr(w http.ResponseWriter, err error) {
	switch {
	case strings.Contains(err.Error(), "unauthorized"):
		writeError(w, http.StatusUnauthorized, "unauthorized", err.Error())
	case strings.Contains(err.Error(), "disabled"):
		writeError(w, http.StatusForbidden, "pipe_disabled", err.Error())
	case strings.Contains(err.Error(), "unknown or expired"):
		writeError(w, http.StatusNotFound, "session_unknown", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
	}
}

func writeCoordErr(w http.ResponseWriter, err error) {
	switch {
	case strings.Contains(err.Error(), "not leader"):
		writeError(w, http.StatusConflict, "not_leader", err.Error())
	default:
		writeSessionErr(w, err)
	}
}
