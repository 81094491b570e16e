package web

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"appforge/internal/domain"
	"appforge/internal/usecase"
)

var validate = validator.New()

type enqueueBuildRequest struct {
	ProjectID     string `json:"projectId" validate:"required"`
	ChatSessionID string `json:"chatSessionId" validate:"required"`
	GithubToken   string `json:"githubToken,omitempty"`
	DatabaseURL   string `json:"databaseUrl,omitempty"`
	TestURL       string `json:"testUrl,omitempty" validate:"omitempty,url"`
	OrgID         string `json:"orgId,omitempty"`
}

type enqueueSubmitRequest struct {
	BuildJobID    string `json:"buildJobId" validate:"required"`
	ProjectID     string `json:"projectId" validate:"required"`
	ChatSessionID string `json:"chatSessionId" validate:"required"`
	GithubToken   string `json:"githubToken,omitempty"`
	PRTitle       string `json:"prTitle,omitempty"`
}

type enqueueEnvironmentRequest struct {
	ProjectID     string `json:"projectId" validate:"required"`
	ChatSessionID string `json:"chatSessionId" validate:"required"`
	DatabaseURL   string `json:"databaseUrl,omitempty"`
}

type enqueueDeployRequest struct {
	ProjectID     string `json:"projectId" validate:"required"`
	ChatSessionID string `json:"chatSessionId" validate:"required"`
	GithubToken   string `json:"githubToken,omitempty"`
	OrgID         string `json:"orgId,omitempty"`
}

// cancelRequest carries one selector; the use case rejects an empty filter.
type cancelRequest struct {
	BuildJobID    string `json:"buildJobId,omitempty"`
	ChatSessionID string `json:"chatSessionId,omitempty"`
	ProjectID     string `json:"projectId,omitempty"`
}

type enqueuedResponse struct {
	ID         string `json:"id,omitempty"`
	QueueJobID string `json:"queueJobId"`
}

func (s *Server) handleEnqueueBuild(w http.ResponseWriter, r *http.Request) {
	var req enqueueBuildRequest
	if !decodeBody(w, r, &req) {
		return
	}
	job, qid, err := s.jobs.EnqueueBuild(r.Context(), usecase.BuildRequest{
		ProjectID:     req.ProjectID,
		ChatSessionID: req.ChatSessionID,
		GithubToken:   req.GithubToken,
		DatabaseURL:   req.DatabaseURL,
		TestURL:       req.TestURL,
		OrgID:         req.OrgID,
	})
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, enqueuedResponse{ID: job.ID, QueueJobID: qid})
}

func (s *Server) handleGetBuild(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, err := s.jobs.GetBuild(r.Context(), id)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleEnqueueSubmit(w http.ResponseWriter, r *http.Request) {
	var req enqueueSubmitRequest
	if !decodeBody(w, r, &req) {
		return
	}
	qid, err := s.jobs.EnqueueSubmit(r.Context(), usecase.SubmitRequest{
		BuildJobID:    req.BuildJobID,
		ProjectID:     req.ProjectID,
		ChatSessionID: req.ChatSessionID,
		GithubToken:   req.GithubToken,
		PRTitle:       req.PRTitle,
	})
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, enqueuedResponse{QueueJobID: qid})
}

func (s *Server) handleEnqueueEnvironment(w http.ResponseWriter, r *http.Request) {
	var req enqueueEnvironmentRequest
	if !decodeBody(w, r, &req) {
		return
	}
	job, qid, err := s.jobs.EnqueueEnvironment(r.Context(), usecase.EnvironmentRequest{
		ProjectID:     req.ProjectID,
		ChatSessionID: req.ChatSessionID,
		DatabaseURL:   req.DatabaseURL,
	})
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, enqueuedResponse{ID: job.ID, QueueJobID: qid})
}

func (s *Server) handleEnqueueDeploy(w http.ResponseWriter, r *http.Request) {
	var req enqueueDeployRequest
	if !decodeBody(w, r, &req) {
		return
	}
	job, qid, err := s.jobs.EnqueueDeploy(r.Context(), usecase.DeployRequest{
		ProjectID:     req.ProjectID,
		ChatSessionID: req.ChatSessionID,
		GithubToken:   req.GithubToken,
		OrgID:         req.OrgID,
	})
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, enqueuedResponse{ID: job.ID, QueueJobID: qid})
}

func (s *Server) handleTriggerMaintenance(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	run, qid, err := s.jobs.TriggerMaintenance(r.Context(), id)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, enqueuedResponse{ID: run.ID, QueueJobID: qid})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	var req cancelRequest
	if !decodeBody(w, r, &req) {
		return
	}
	outcome, err := s.cancels.CancelBuilds(r.Context(), usecase.CancelFilter{
		BuildJobID:    req.BuildJobID,
		ChatSessionID: req.ChatSessionID,
		ProjectID:     req.ProjectID,
	})
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, outcome)
}

func (s *Server) writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, domain.ErrActiveBuildExists):
		writeError(w, http.StatusConflict, "a build is already in flight for this project")
	case errors.Is(err, domain.ErrInvalidArgument):
		writeError(w, http.StatusBadRequest, "invalid request")
	default:
		s.log.Error().Err(err).Msg("request failed")
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "malformed json body")
		return false
	}
	if err := validate.Struct(dst); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
