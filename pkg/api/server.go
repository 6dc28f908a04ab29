package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"

	"github.com/reliquary/core/pkg/agents"
	"github.com/reliquary/core/pkg/audit"
	"github.com/reliquary/core/pkg/orchestrator"
	"github.com/reliquary/core/pkg/rqerr"
)

// Server exposes the Decision Orchestrator and audit log over REST and a
// WebSocket decision feed, the same router/CORS/hub shape the teacher's
// perp-exchange server used for its market data API.
type Server struct {
	orch   *orchestrator.Orchestrator
	audit  *audit.Log
	router *mux.Router
	hub    *Hub
}

// NewServer creates a new API server fronting orch and, optionally, audit
// (nil disables the /api/v1/audit/* routes).
func NewServer(orch *orchestrator.Orchestrator, auditLog *audit.Log) *Server {
	s := &Server{
		orch:   orch,
		audit:  auditLog,
		router: mux.NewRouter(),
		hub:    NewHub(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/decisions", s.handleOrchestrate).Methods("POST")
	api.HandleFunc("/decisions", s.handleHistory).Methods("GET")
	api.HandleFunc("/decisions/{id}", s.handleGetDecision).Methods("GET")
	api.HandleFunc("/decisions/{id}/override", s.handleOverride).Methods("POST")
	api.HandleFunc("/consensus/metrics", s.handleConsensusMetrics).Methods("GET")
	api.HandleFunc("/consensus/state/{seq}", s.handleConsensusState).Methods("GET")

	if s.audit != nil {
		api.HandleFunc("/audit/{index}", s.handleAuditEntry).Methods("GET")
		api.HandleFunc("/audit/{index}/proof", s.handleAuditProof).Methods("GET")
	}

	s.router.HandleFunc("/ws", s.handleWebSocket)
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
}

// Start starts the API server.
func (s *Server) Start(addr string) error {
	go s.hub.Run()

	c := cors.New(cors.Options{
		AllowedOrigins:   []string{"http://localhost:3000", "http://localhost:3001"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
	})

	handler := c.Handler(s.router)

	log.Printf("[api] server starting on %s", addr)
	return http.ListenAndServe(addr, handler)
}

// ==============================
// REST Handlers
// ==============================

func (s *Server) handleOrchestrate(w http.ResponseWriter, r *http.Request) {
	var req DecisionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	if req.TimeoutMs <= 0 {
		req.TimeoutMs = 60000
	}
	if req.Priority <= 0 {
		req.Priority = 5
	}

	result, err := s.orch.Orchestrate(r.Context(), orchestrator.Request{
		Type:        orchestrator.DecisionType(req.Type),
		RequestorID: req.RequestorID,
		Context:     agents.Context(req.Context),
		Priority:    req.Priority,
		Timeout:     time.Duration(req.TimeoutMs) * time.Millisecond,
		Sensitive:   req.Sensitive,
	})
	if err != nil {
		respondError(w, http.StatusBadRequest, "orchestrate failed", err.Error())
		return
	}

	view := toDecisionView(result)
	s.hub.BroadcastToChannel(DecisionsChannel, DecisionUpdate{Type: "decision", Data: view})
	respondJSON(w, view)
}

func (s *Server) handleGetDecision(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	result, ok := s.orch.Query(id)
	if !ok {
		respondError(w, http.StatusNotFound, "decision not found", id)
		return
	}
	respondJSON(w, toDecisionView(result))
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := parseLimit(v); err == nil && n > 0 {
			limit = n
		}
	}

	results := s.orch.History(limit)
	views := make([]DecisionView, len(results))
	for i, res := range results {
		views[i] = toDecisionView(res)
	}
	respondJSON(w, views)
}

func (s *Server) handleOverride(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var req OverrideRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}

	result, err := s.orch.EmergencyOverride(r.Context(), id, agents.Decision(req.Decision), req.Reason)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, rqerr.ErrNotFound) {
			status = http.StatusNotFound
		}
		respondError(w, status, "override failed", err.Error())
		return
	}

	view := toDecisionView(result)
	s.hub.BroadcastToChannel(DecisionsChannel, DecisionUpdate{Type: "decision", Data: view})
	respondJSON(w, view)
}

func (s *Server) handleConsensusMetrics(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, s.orch.Metrics())
}

func (s *Server) handleConsensusState(w http.ResponseWriter, r *http.Request) {
	seq, err := parseIndex(mux.Vars(r)["seq"])
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid sequence", err.Error())
		return
	}

	state, ok := s.orch.ConsensusState(seq)
	if !ok {
		respondError(w, http.StatusServiceUnavailable, "no consensus driver wired", "")
		return
	}
	respondJSON(w, state)
}

func (s *Server) handleAuditEntry(w http.ResponseWriter, r *http.Request) {
	idx, err := parseIndex(mux.Vars(r)["index"])
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid index", err.Error())
		return
	}

	entry, err := s.audit.Entry(idx)
	if err != nil {
		respondError(w, http.StatusNotFound, "audit entry not found", err.Error())
		return
	}

	respondJSON(w, AuditEntryView{
		Index:     entry.Index,
		PrevHash:  entry.PrevHashHex(),
		EntryHash: entry.EntryHashHex(),
		Timestamp: entry.Timestamp.UnixMilli(),
		Signature: entry.SignatureHex(),
	})
}

func (s *Server) handleAuditProof(w http.ResponseWriter, r *http.Request) {
	idx, err := parseIndex(mux.Vars(r)["index"])
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid index", err.Error())
		return
	}

	proof, err := s.audit.GetProof(idx)
	if err != nil {
		respondError(w, http.StatusNotFound, "audit proof not found", err.Error())
		return
	}

	neighbors := make([]string, len(proof.NeighborsUpToRoot))
	for i, n := range proof.NeighborsUpToRoot {
		neighbors[i] = hexHash(n)
	}

	respondJSON(w, AuditProofView{
		Index:             proof.Index,
		PrevHash:          hexHash(proof.PrevHash),
		EntryHash:         hexHash(proof.EntryHash),
		NeighborsUpToRoot: neighbors,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, map[string]string{"status": "ok"})
}

// ==============================
// Helpers
// ==============================

func toDecisionView(result orchestrator.Result) DecisionView {
	verdicts := make([]VerdictView, len(result.Verdicts))
	for i, v := range result.Verdicts {
		verdicts[i] = VerdictView{
			AgentID:        v.AgentID,
			Role:           string(v.Role),
			Decision:       string(v.Decision),
			Confidence:     v.Confidence,
			TrustScore:     v.TrustScore,
			Reasoning:      v.Reasoning,
			RiskFactors:    v.RiskFactors,
			ProcessingTime: v.ProcessingTime.Milliseconds(),
		}
	}

	return DecisionView{
		RequestID:           result.RequestID,
		FinalDecision:       string(result.FinalDecision),
		ConsensusConfidence: result.ConsensusConfidence,
		Participants:        result.Participants,
		Verdicts:            verdicts,
		ConsensusMetrics:    result.ConsensusMetrics,
		ExecutionTimeMs:     result.ExecutionTime.Milliseconds(),
		Status:              string(result.Status),
		Timestamp:           result.Timestamp.UnixMilli(),
		Reason:              result.Reason,
	}
}

func parseLimit(v string) (int, error) { return strconv.Atoi(v) }

func parseIndex(v string) (uint64, error) { return strconv.ParseUint(v, 10, 64) }

func hexHash(h [32]byte) string {
	const hextable = "0123456789abcdef"
	out := make([]byte, 64)
	for i, b := range h {
		out[i*2] = hextable[b>>4]
		out[i*2+1] = hextable[b&0x0f]
	}
	return string(out)
}

func respondJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, errMsg string, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorResponse{Error: errMsg, Message: message})
}
