package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/classtrader/trading-core/internal/approval"
	"github.com/classtrader/trading-core/internal/model"
	"github.com/classtrader/trading-core/internal/observ"
	"github.com/classtrader/trading-core/internal/pipeline"
	"github.com/classtrader/trading-core/internal/risk"
	"github.com/classtrader/trading-core/internal/store"
)

// Runner triggers pipeline passes. Satisfied by pipeline.Orchestrator.
type Runner interface {
	Run(ctx context.Context, runType string) (*pipeline.RunResult, error)
	RunHighRisk(ctx context.Context) (*pipeline.RunResult, error)
}

// Server is the operator-facing HTTP surface: approvals, risk controls,
// pipeline triggers, and the event stream.
type Server struct {
	store  *store.Store
	queue  *approval.Queue
	risk   *risk.Manager
	toggle *approval.Toggle
	runner Runner
	gate   *pipeline.Gate
	ws     http.Handler
}

// NewServer wires the HTTP surface. The gate must be the same instance the
// scheduler uses so a manual trigger cannot overlap a cron tick on the same
// track.
func NewServer(s *store.Store, q *approval.Queue, rm *risk.Manager, toggle *approval.Toggle, runner Runner, gate *pipeline.Gate, ws http.Handler) *Server {
	return &Server{
		store:  s,
		queue:  q,
		risk:   rm,
		toggle: toggle,
		runner: runner,
		gate:   gate,
		ws:     ws,
	}
}

// Routes builds the request mux.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /approvals/pending", s.handlePending)
	mux.HandleFunc("POST /approvals/{id}/approve", s.handleApprove)
	mux.HandleFunc("POST /approvals/{id}/reject", s.handleReject)
	mux.HandleFunc("POST /approvals/bulk-approve", s.handleBulkApprove)
	mux.HandleFunc("POST /approvals/bulk-reject", s.handleBulkReject)

	mux.HandleFunc("GET /settings/auto-approve", s.handleGetAutoApprove)
	mux.HandleFunc("PUT /settings/auto-approve", s.handleSetAutoApprove)

	mux.HandleFunc("GET /risk/circuit-breakers", s.handleListBreakers)
	mux.HandleFunc("POST /risk/circuit-breakers/{id}/resolve", s.handleResolveBreaker)

	mux.HandleFunc("POST /pipeline/run", s.handlePipelineRun)
	mux.HandleFunc("GET /pipeline/runs", s.handleListRuns)

	mux.Handle("GET /healthz", observ.Health())
	mux.Handle("GET /metrics", observ.Handler())
	if s.ws != nil {
		mux.Handle("GET /ws", s.ws)
	}
	return mux
}

func (s *Server) handlePending(w http.ResponseWriter, r *http.Request) {
	pending, err := s.queue.Pending()
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err)
		return
	}
	if pending == nil {
		pending = []model.TradeDecisionRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"pending": pending})
}

type resolveRequest struct {
	ResolvedBy string `json:"resolved_by"`
}

func (r resolveRequest) by() string {
	if r.ResolvedBy == "" {
		return "api"
	}
	return r.ResolvedBy
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req resolveRequest
	decodeBody(r, &req)

	out, err := s.queue.Approve(r.Context(), id, req.by())
	if err != nil {
		writeQueueErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req resolveRequest
	decodeBody(r, &req)

	out, err := s.queue.Reject(r.Context(), id, req.by())
	if err != nil {
		writeQueueErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

type bulkRequest struct {
	IDs        []int64 `json:"ids"`
	ResolvedBy string  `json:"resolved_by"`
}

func (s *Server) handleBulkApprove(w http.ResponseWriter, r *http.Request) {
	s.handleBulk(w, r, s.queue.ApproveAll)
}

func (s *Server) handleBulkReject(w http.ResponseWriter, r *http.Request) {
	s.handleBulk(w, r, s.queue.RejectAll)
}

func (s *Server) handleBulk(w http.ResponseWriter, r *http.Request, op func(context.Context, []int64, string) []approval.Outcome) {
	var req bulkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, err)
		return
	}
	if len(req.IDs) == 0 {
		// Empty means "everything pending".
		pending, err := s.queue.Pending()
		if err != nil {
			writeErr(w, http.StatusInternalServerError, err)
			return
		}
		for _, d := range pending {
			req.IDs = append(req.IDs, d.ID)
		}
	}
	by := req.ResolvedBy
	if by == "" {
		by = "api"
	}
	outcomes := op(r.Context(), req.IDs, by)
	if outcomes == nil {
		outcomes = []approval.Outcome{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"outcomes": outcomes})
}

func (s *Server) handleGetAutoApprove(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"enabled": s.toggle.Get()})
}

func (s *Server) handleSetAutoApprove(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Enabled *bool `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Enabled == nil {
		writeErr(w, http.StatusBadRequest, errors.New("body must be {\"enabled\": true|false}"))
		return
	}
	s.toggle.Set(*req.Enabled)
	observ.Log("auto_approve_toggled", map[string]any{"enabled": *req.Enabled})
	writeJSON(w, http.StatusOK, map[string]any{"enabled": s.toggle.Get()})
}

func (s *Server) handleListBreakers(w http.ResponseWriter, r *http.Request) {
	activeOnly := r.URL.Query().Get("active") == "true"
	breakers, err := s.store.ListBreakers(activeOnly)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err)
		return
	}
	if breakers == nil {
		breakers = []model.CircuitBreakerEvent{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"breakers": breakers})
}

func (s *Server) handleResolveBreaker(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req resolveRequest
	decodeBody(r, &req)

	ev, err := s.risk.Resolve(r.Context(), id, req.by())
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeErr(w, http.StatusNotFound, err)
			return
		}
		writeErr(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, ev)
}

func (s *Server) handlePipelineRun(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RunType string `json:"run_type"`
	}
	decodeBody(r, &req)
	if req.RunType == "" {
		req.RunType = model.RunManual
	}
	switch req.RunType {
	case model.RunMorning, model.RunNoon, model.RunNewsTrigger, model.RunManual, model.RunHighRisk:
	default:
		writeErr(w, http.StatusBadRequest, errors.New("unknown run_type"))
		return
	}

	track := pipeline.Track(req.RunType)
	if !s.gate.TryAcquire(track) {
		writeErr(w, http.StatusConflict, errors.New("run already in flight for this track"))
		return
	}
	go func() {
		defer s.gate.Release(track)
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Minute)
		defer cancel()
		var err error
		if req.RunType == model.RunHighRisk {
			_, err = s.runner.RunHighRisk(ctx)
		} else {
			_, err = s.runner.Run(ctx, req.RunType)
		}
		if err != nil {
			observ.Log("manual_run_failed", map[string]any{"run_type": req.RunType, "err": err.Error()})
		}
	}()
	writeJSON(w, http.StatusAccepted, map[string]any{"status": "started", "run_type": req.RunType})
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 500 {
			writeErr(w, http.StatusBadRequest, errors.New("limit must be 1-500"))
			return
		}
		limit = n
	}
	runs, err := s.store.ListPipelineRuns(limit)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err)
		return
	}
	if runs == nil {
		runs = []model.PipelineRun{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeErr(w, http.StatusBadRequest, errors.New("invalid id"))
		return 0, false
	}
	return id, true
}

// decodeBody tolerates an empty body; handlers with optional bodies use it.
func decodeBody(r *http.Request, dst any) {
	if r.Body == nil {
		return
	}
	_ = json.NewDecoder(r.Body).Decode(dst)
}

func writeQueueErr(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeErr(w, http.StatusNotFound, err)
	case errors.Is(err, approval.ErrNotPending):
		writeErr(w, http.StatusConflict, err)
	default:
		writeErr(w, http.StatusInternalServerError, err)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
