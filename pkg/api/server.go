package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/agoralabs/agora/pkg/admission"
	"github.com/agoralabs/agora/pkg/board"
	"github.com/agoralabs/agora/pkg/delivery"
	"github.com/agoralabs/agora/pkg/identity"
	"github.com/agoralabs/agora/pkg/market"
	"github.com/agoralabs/agora/pkg/observability"
)

const maxBodyBytes = 1 << 20 // 1MB limit

// Server wires the marketplace services into an HTTP handler.
type Server struct {
	identity  *identity.Service
	board     *board.Service
	admission *admission.Controller
	delivery  *delivery.Service

	agentLimiter *AgentLimiter // nil when Redis is not configured
	telemetry    *observability.Provider
	logger       *slog.Logger
}

// NewServer creates the API server. agentLimiter and telemetry may be
// nil.
func NewServer(
	ident *identity.Service,
	jobBoard *board.Service,
	adm *admission.Controller,
	del *delivery.Service,
	agentLimiter *AgentLimiter,
	telemetry *observability.Provider,
	logger *slog.Logger,
) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		identity:     ident,
		board:        jobBoard,
		admission:    adm,
		delivery:     del,
		agentLimiter: agentLimiter,
		telemetry:    telemetry,
		logger:       logger,
	}
}

// Handler returns the routed handler with request-id and per-IP rate
// limit middleware applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/api/agent", s.handleAgent)
	mux.HandleFunc("/api/jobs", s.handleJobs)
	mux.HandleFunc("/api/bids", s.handleBids)
	mux.HandleFunc("/api/deliverables", s.handleDeliverables)
	mux.HandleFunc("/api/assignments", s.handleAssignments)

	var h http.Handler = mux
	h = NewGlobalRateLimiter(50, 100).Middleware(h)
	h = RequestID(h)
	return h
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// registerRequest is the body of POST /api/agent.
type registerRequest struct {
	Capabilities []string `json:"capabilities"`
}

// registerResponse returns the one-time api key alongside the agent.
type registerResponse struct {
	Agent  *market.Agent `json:"agent"`
	APIKey string        `json:"api_key"`
}

func (s *Server) handleAgent(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		ctx, done := s.track(r, "POST /api/agent")
		r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		var req registerRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			done(err)
			WriteBadRequest(w, "Invalid request body")
			return
		}

		agent, apiKey, err := s.identity.Register(ctx, req.Capabilities)
		done(err)
		if err != nil {
			WriteFault(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, registerResponse{Agent: agent, APIKey: apiKey})

	case http.MethodGet:
		ctx, done := s.track(r, "GET /api/agent")
		agent, err := s.identity.Lookup(ctx, bearerKey(r))
		done(err)
		if err != nil {
			WriteFault(w, err)
			return
		}
		writeJSON(w, http.StatusOK, agent)

	default:
		WriteMethodNotAllowed(w)
	}
}

func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		ctx, done := s.track(r, "POST /api/jobs")
		r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		var req board.PostJobRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			done(err)
			WriteBadRequest(w, "Invalid request body")
			return
		}

		job, err := s.board.PostJob(ctx, req)
		done(err)
		if err != nil {
			WriteFault(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, job)

	case http.MethodGet:
		ctx, done := s.track(r, "GET /api/jobs")
		q := r.URL.Query()
		limit, _ := strconv.Atoi(q.Get("limit"))
		offset, _ := strconv.Atoi(q.Get("offset"))

		jobs, err := s.board.ListJobs(ctx, market.JobStatus(q.Get("status")), limit, offset)
		done(err)
		if err != nil {
			WriteFault(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs, "count": len(jobs)})

	default:
		WriteMethodNotAllowed(w)
	}
}

func (s *Server) handleBids(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		ctx, done := s.track(r, "POST /api/bids")
		agentID, err := s.verifyAndThrottle(ctx, w, r)
		if err != nil {
			done(err)
			return
		}

		r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		var req admission.BidRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			done(err)
			WriteBadRequest(w, "Invalid request body")
			return
		}

		bid, err := s.admission.SubmitBid(ctx, agentID, req)
		done(err)
		if err != nil {
			WriteFault(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, bid)

	case http.MethodGet:
		ctx, done := s.track(r, "GET /api/bids")
		jobID := r.URL.Query().Get("job_id")
		if jobID == "" {
			done(nil)
			WriteBadRequest(w, "Missing required query parameter: job_id")
			return
		}

		bids, err := s.admission.ListBids(ctx, jobID)
		done(err)
		if err != nil {
			WriteFault(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"bids": bids, "count": len(bids)})

	default:
		WriteMethodNotAllowed(w)
	}
}

// deliverableRequest is the body of POST /api/deliverables.
type deliverableRequest struct {
	ContractID  string `json:"contract_id"`
	ContentHash string `json:"content_hash"`
	ContentURI  string `json:"content_uri"`
}

func (s *Server) handleDeliverables(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		WriteMethodNotAllowed(w)
		return
	}

	ctx, done := s.track(r, "POST /api/deliverables")
	agentID, err := s.verifyAndThrottle(ctx, w, r)
	if err != nil {
		done(err)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var req deliverableRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		done(err)
		WriteBadRequest(w, "Invalid request body")
		return
	}

	deliv, err := s.delivery.Submit(ctx, agentID, req.ContractID, req.ContentHash, req.ContentURI)
	done(err)
	if err != nil {
		WriteFault(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, deliv)
}

func (s *Server) handleAssignments(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteMethodNotAllowed(w)
		return
	}

	ctx, done := s.track(r, "GET /api/assignments")
	agentID, err := s.identity.Verify(ctx, bearerKey(r))
	if err != nil {
		done(err)
		WriteFault(w, err)
		return
	}

	contracts, err := s.delivery.ListAssignments(ctx, agentID)
	done(err)
	if err != nil {
		WriteFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"assignments": contracts, "count": len(contracts)})
}

// verifyAndThrottle authenticates the request and applies the
// per-agent write limiter. It writes the response itself on failure.
func (s *Server) verifyAndThrottle(ctx context.Context, w http.ResponseWriter, r *http.Request) (string, error) {
	agentID, err := s.identity.Verify(ctx, bearerKey(r))
	if err != nil {
		WriteFault(w, err)
		return "", err
	}

	if s.agentLimiter != nil {
		allowed, err := s.agentLimiter.Allow(ctx, agentID)
		if err != nil {
			// Degrade open when Redis is unreachable.
			s.logger.Warn("agent limiter unavailable", "error", err)
		} else if !allowed {
			WriteTooManyRequests(w, 60)
			return "", &ProblemDetail{Title: "Too Many Requests", Status: http.StatusTooManyRequests}
		}
	}
	return agentID, nil
}

// track starts telemetry for a request when a provider is configured.
func (s *Server) track(r *http.Request, name string) (context.Context, func(error)) {
	if s.telemetry == nil {
		return r.Context(), func(error) {}
	}
	return s.telemetry.TrackRequest(r.Context(), name)
}

// bearerKey extracts the api key from the Authorization header,
// accepting both "Bearer <key>" and a bare key.
func bearerKey(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if after, ok := strings.CutPrefix(auth, "Bearer "); ok {
		return after
	}
	return auth
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
