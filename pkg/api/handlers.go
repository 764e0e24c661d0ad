package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/openfroyo/cloudenv/pkg/broker"
	"github.com/openfroyo/cloudenv/pkg/engine"
	"github.com/openfroyo/cloudenv/pkg/environment"
)

// AcceptedResponse is returned for requests served by a background job.
type AcceptedResponse struct {
	ResourceID string `json:"resourceId,omitempty"`
	JobID      string `json:"jobId,omitempty"`
}

// CreateEnvironmentRequest registers a new environment.
type CreateEnvironmentRequest struct {
	ID                string                       `json:"id,omitempty" validate:"omitempty,uuid"`
	Name              string                       `json:"name" validate:"required"`
	Type              engine.EnvironmentType       `json:"type,omitempty" validate:"omitempty,oneof=CloudEnvironment StaticEnvironment"`
	Hosting           engine.HostingType           `json:"hosting,omitempty" validate:"omitempty,oneof=ContainerBased VirtualMachineBased"`
	Location          string                       `json:"location,omitempty"`
	ComputeResourceID string                       `json:"computeResourceId,omitempty"`
	State             engine.CloudEnvironmentState `json:"state,omitempty"`
}

// MonitorRequest arms a state transition monitor.
type MonitorRequest struct {
	ComputeResourceID string                       `json:"computeResourceId,omitempty"`
	CurrentState      engine.CloudEnvironmentState `json:"currentState" validate:"required"`
	TargetState       engine.CloudEnvironmentState `json:"targetState" validate:"required,nefield=CurrentState"`
	Timeout           string                       `json:"timeout" validate:"required"`
}

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

func (s *Server) createResource(w http.ResponseWriter, r *http.Request) {
	var req broker.CreateRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.ResourceID == "" {
		req.ResourceID = uuid.New().String()
	}
	if err := s.validate.Struct(req); err != nil {
		s.respondError(w, engine.NewValidationError("%v", err))
		return
	}
	if err := req.Type.Validate(); err != nil {
		s.respondError(w, engine.NewNotSupportedError("%v", err))
		return
	}

	job, err := s.deps.Jobs.Enqueue(r.Context(), broker.QueueCreateResource, &req, 0)
	if err != nil {
		s.respondError(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, AcceptedResponse{ResourceID: req.ResourceID, JobID: job.ID})
}

func (s *Server) getResource(w http.ResponseWriter, r *http.Request) {
	record, err := s.deps.Resources.GetResource(r.Context(), chi.URLParam(r, "resourceID"))
	if err != nil {
		s.respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, record)
}

func (s *Server) deleteResource(w http.ResponseWriter, r *http.Request) {
	s.enqueueResourceJob(w, r, broker.QueueDeleteResource)
}

func (s *Server) startResource(w http.ResponseWriter, r *http.Request) {
	s.enqueueResourceJob(w, r, broker.QueueStartResource)
}

func (s *Server) enqueueResourceJob(w http.ResponseWriter, r *http.Request, queueID string) {
	resourceID := chi.URLParam(r, "resourceID")
	if _, err := s.deps.Resources.GetResource(r.Context(), resourceID); err != nil {
		s.respondError(w, err)
		return
	}
	job, err := s.deps.Jobs.Enqueue(r.Context(), queueID, broker.ResourceJob{ResourceID: resourceID}, 0)
	if err != nil {
		s.respondError(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, AcceptedResponse{ResourceID: resourceID, JobID: job.ID})
}

func (s *Server) getInputQueue(w http.ResponseWriter, r *http.Request) {
	queue, err := s.deps.Resources.GetInputQueue(r.Context(), chi.URLParam(r, "resourceID"))
	if err != nil {
		s.respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, queue)
}

func (s *Server) createEnvironment(w http.ResponseWriter, r *http.Request) {
	var req CreateEnvironmentRequest
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.validate.Struct(req); err != nil {
		s.respondError(w, engine.NewValidationError("%v", err))
		return
	}

	env, err := s.deps.Environments.Create(r.Context(), &engine.Environment{
		ID:                req.ID,
		Name:              req.Name,
		Type:              req.Type,
		Hosting:           req.Hosting,
		Location:          req.Location,
		ComputeResourceID: req.ComputeResourceID,
		State:             req.State,
	})
	if err != nil {
		s.respondError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, env)
}

func (s *Server) getEnvironment(w http.ResponseWriter, r *http.Request) {
	env, err := s.deps.Environments.Get(r.Context(), chi.URLParam(r, "environmentID"))
	if err != nil {
		s.respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, env)
}

func (s *Server) armMonitor(w http.ResponseWriter, r *http.Request) {
	var req MonitorRequest
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.validate.Struct(req); err != nil {
		s.respondError(w, engine.NewValidationError("%v", err))
		return
	}
	timeout, err := time.ParseDuration(req.Timeout)
	if err != nil {
		s.respondError(w, engine.NewValidationError("invalid timeout: %v", err))
		return
	}

	environmentID := chi.URLParam(r, "environmentID")
	if _, err := s.deps.Environments.Get(r.Context(), environmentID); err != nil {
		s.respondError(w, err)
		return
	}
	err = s.deps.Monitors.MonitorStateTransition(r.Context(), environmentID, req.ComputeResourceID,
		req.CurrentState, req.TargetState, timeout)
	if err != nil {
		s.respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) heartbeat(w http.ResponseWriter, r *http.Request) {
	var hb environment.Heartbeat
	if !s.decode(w, r, &hb) {
		return
	}
	env, err := s.deps.Environments.ApplyHeartbeat(r.Context(), &hb)
	if err != nil {
		s.respondError(w, err)
		return
	}
	if env == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	respondJSON(w, http.StatusOK, env)
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	if s.deps.Health != nil {
		if err := s.deps.Health.HealthCheck(r.Context()); err != nil {
			respondJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy", "error": err.Error()})
			return
		}
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		s.respondError(w, engine.NewValidationError("invalid request body: %v", err))
		return false
	}
	return true
}

func (s *Server) respondError(w http.ResponseWriter, err error) {
	status := statusOf(err)
	if status >= http.StatusInternalServerError {
		s.logger.Zerolog().Error().Err(err).Msg("Request failed")
	}
	respondJSON(w, status, ErrorResponse{Error: err.Error(), Code: engine.CodeOf(err)})
}

func statusOf(err error) int {
	var engErr *engine.EngineError
	if !errors.As(err, &engErr) {
		return http.StatusInternalServerError
	}
	switch engErr.Code {
	case engine.ErrCodeNotFound:
		return http.StatusNotFound
	case engine.ErrCodeAlreadyExists, engine.ErrCodeConflict:
		return http.StatusConflict
	case engine.ErrCodeValidation, engine.ErrCodeNotSupported, engine.ErrCodePreconditionFailed,
		engine.ErrCodeInvalidToken:
		return http.StatusBadRequest
	case engine.ErrCodeThrottled:
		return http.StatusTooManyRequests
	}
	if engine.IsPermanent(err) {
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func respondJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
