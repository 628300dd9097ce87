// Package server exposes the workflow engine over a JSON HTTP API.
package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/boku-engineer/changeflow/internal/models"
	"github.com/boku-engineer/changeflow/internal/policy"
	"github.com/boku-engineer/changeflow/internal/storage"
	"github.com/boku-engineer/changeflow/internal/workflow"
)

type Server struct {
	engine  *workflow.Engine
	storage storage.Storage
	logger  *zap.Logger
}

func New(engine *workflow.Engine, st storage.Storage, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{engine: engine, storage: st, logger: logger}
}

// Router builds the HTTP routing table.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(s.loggingMiddleware)

	r.Route("/api", func(r chi.Router) {
		r.Post("/changes", s.handleCreateChange)
		r.Get("/changes", s.handleListChanges)
		r.Route("/changes/{changeID}", func(r chi.Router) {
			r.Get("/", s.handleGetChange)
			r.Post("/commits", s.handleRecordCommit)
			r.Post("/push", s.handleRecordPush)
			r.Post("/pr", s.handleOpenPullRequest)
			r.Post("/checks", s.handleReportCheck)
			r.Post("/evaluate", s.handleEvaluateChecks)
			r.Post("/merge", s.handleMerge)
		})
		r.Get("/mainline", s.handleGetMainline)
		r.Get("/protection", s.handleGetProtection)
		r.Put("/protection", s.handlePutProtection)
	})
	r.Get("/healthz", s.handleHealth)
	return r
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Info("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Duration("duration", time.Since(start)))
	})
}

type errorResponse struct {
	Error string `json:"error"`
	Stage string `json:"stage,omitempty"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("encode response", zap.Error(err))
	}
}

// writeError maps domain errors to HTTP statuses: blocked guards and
// conflicting writes are 409, unknown entities 404, bad input 400.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	resp := errorResponse{Error: err.Error()}
	status := http.StatusInternalServerError

	var blockedErr *workflow.BlockedError
	switch {
	case errors.As(err, &blockedErr):
		status = http.StatusConflict
		resp.Stage = string(blockedErr.Stage)
	case errors.Is(err, storage.ErrChangeAlreadyExists), errors.Is(err, storage.ErrBranchInUse):
		status = http.StatusConflict
	case errors.Is(err, storage.ErrChangeNotFound), errors.Is(err, storage.ErrPullRequestNotFound):
		status = http.StatusNotFound
	case errors.Is(err, storage.ErrInvalidInput),
		errors.Is(err, policy.ErrInvalidFeatureName),
		errors.Is(err, policy.ErrInvalidBranchName),
		errors.Is(err, policy.ErrMainlineForbidden):
		status = http.StatusBadRequest
	}

	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", zap.Error(err))
	}
	s.writeJSON(w, status, resp)
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "malformed request body: " + err.Error()})
		return false
	}
	return true
}

type createChangeRequest struct {
	FeatureName    string `json:"feature_name"`
	Author         string `json:"author"`
	BaseCommitHash string `json:"base_commit_hash,omitempty"`
}

func (s *Server) handleCreateChange(w http.ResponseWriter, r *http.Request) {
	var req createChangeRequest
	if !s.decode(w, r, &req) {
		return
	}
	change, err := s.engine.StartChange(r.Context(), workflow.StartChangeParams{
		FeatureName:    req.FeatureName,
		Author:         req.Author,
		BaseCommitHash: req.BaseCommitHash,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, change)
}

func (s *Server) handleListChanges(w http.ResponseWriter, r *http.Request) {
	var stage *models.Stage
	if v := r.URL.Query().Get("stage"); v != "" {
		st := models.Stage(v)
		stage = &st
	}
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "limit must be a non-negative integer"})
			return
		}
		limit = n
	}
	changes, err := s.storage.ListChanges(r.Context(), stage, limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, changes)
}

func (s *Server) handleGetChange(w http.ResponseWriter, r *http.Request) {
	status, err := s.engine.Inspect(r.Context(), chi.URLParam(r, "changeID"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, status)
}

type commitRequest struct {
	CommitHash       string            `json:"commit_hash"`
	ParentHash       string            `json:"parent_hash,omitempty"`
	Kind             models.CommitKind `json:"kind"`
	Message          string            `json:"message,omitempty"`
	LocalTestsPassed bool              `json:"local_tests_passed,omitempty"`
}

func (s *Server) handleRecordCommit(w http.ResponseWriter, r *http.Request) {
	var req commitRequest
	if !s.decode(w, r, &req) {
		return
	}
	change, err := s.engine.RecordCommit(r.Context(), chi.URLParam(r, "changeID"), &models.ChangeCommit{
		CommitHash: req.CommitHash,
		ParentHash: req.ParentHash,
		Kind:       req.Kind,
		Message:    req.Message,
	}, req.LocalTestsPassed)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, change)
}

func (s *Server) handleRecordPush(w http.ResponseWriter, r *http.Request) {
	change, err := s.engine.RecordPush(r.Context(), chi.URLParam(r, "changeID"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, change)
}

type pullRequestRequest struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

func (s *Server) handleOpenPullRequest(w http.ResponseWriter, r *http.Request) {
	var req pullRequestRequest
	if !s.decode(w, r, &req) {
		return
	}
	pullRequest, err := s.engine.OpenPullRequest(r.Context(), chi.URLParam(r, "changeID"), req.Title, req.Body)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, pullRequest)
}

type checkRequest struct {
	Name       string          `json:"name"`
	Status     models.CIStatus `json:"status"`
	DetailsURL string          `json:"details_url,omitempty"`
}

func (s *Server) handleReportCheck(w http.ResponseWriter, r *http.Request) {
	var req checkRequest
	if !s.decode(w, r, &req) {
		return
	}
	change, err := s.engine.ReportCheck(r.Context(), chi.URLParam(r, "changeID"), &models.CheckRun{
		Name:       req.Name,
		Status:     req.Status,
		DetailsURL: req.DetailsURL,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, change)
}

type evaluateResponse struct {
	Change  *models.Change      `json:"change"`
	Outcome policy.CheckOutcome `json:"outcome"`
}

func (s *Server) handleEvaluateChecks(w http.ResponseWriter, r *http.Request) {
	change, outcome, err := s.engine.EvaluateChecks(r.Context(), chi.URLParam(r, "changeID"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, evaluateResponse{Change: change, Outcome: *outcome})
}

func (s *Server) handleMerge(w http.ResponseWriter, r *http.Request) {
	change, err := s.engine.Merge(r.Context(), chi.URLParam(r, "changeID"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, change)
}

func (s *Server) handleGetMainline(w http.ResponseWriter, r *http.Request) {
	state, err := s.storage.GetMainlineState(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, state)
}

func (s *Server) handleGetProtection(w http.ResponseWriter, r *http.Request) {
	protection, err := s.storage.GetBranchProtection(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, protection)
}

func (s *Server) handlePutProtection(w http.ResponseWriter, r *http.Request) {
	var protection models.BranchProtection
	if !s.decode(w, r, &protection) {
		return
	}
	if protection.Mainline == "" || len(protection.RequiredChecks) == 0 {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "protection requires a mainline name and at least one required check"})
		return
	}
	if err := s.storage.PutBranchProtection(r.Context(), &protection); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, protection)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.storage.Ping(r.Context()); err != nil {
		s.writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: err.Error()})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
