// Package httpapi exposes the external task protocol as JSON over HTTP and
// provides a matching client for workers.
package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/petrijr/fluxo-bpmn/pkg/api"
)

const (
	routeFetchAndLock       = "/external_tasks/fetch_and_lock"
	routeExtendLock         = "/external_tasks/{id}/extend_lock"
	routeFinish             = "/external_tasks/{id}/finish"
	routeHandleBpmnError    = "/external_tasks/{id}/handle_bpmn_error"
	routeHandleServiceError = "/external_tasks/{id}/handle_service_error"
)

// IdentityFunc extracts the caller's identity from a request.
type IdentityFunc func(r *http.Request) (api.Identity, error)

// BearerIdentity reads "Authorization: Bearer <token>". The token doubles as
// the user id.
func BearerIdentity(r *http.Request) (api.Identity, error) {
	auth := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(auth, "Bearer ")
	if !ok || token == "" {
		return api.Identity{}, api.Unauthorizedf("No auth token provided!")
	}
	return api.Identity{UserID: token, Token: token}, nil
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithIdentityFunc replaces BearerIdentity.
func WithIdentityFunc(f IdentityFunc) ServerOption {
	return func(s *Server) { s.identity = f }
}

// WithMetricsHandler serves h on /metrics.
func WithMetricsHandler(h http.Handler) ServerOption {
	return func(s *Server) { s.metrics = h }
}

// Server serves the worker-facing protocol on top of an ExternalTaskAPI and,
// when configured, the user task routes.
type Server struct {
	tasks    api.ExternalTaskAPI
	logger   *zap.Logger
	identity IdentityFunc
	metrics  http.Handler
	router   *mux.Router

	userTasks UserTaskService
}

func NewServer(tasks api.ExternalTaskAPI, logger *zap.Logger, opts ...ServerOption) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		tasks:    tasks,
		logger:   logger.Named("httpapi"),
		identity: BearerIdentity,
	}
	for _, opt := range opts {
		opt(s)
	}

	s.router = mux.NewRouter()
	s.RegisterRoutes(s.router)
	return s
}

// RegisterRoutes adds the protocol routes to r.
func (s *Server) RegisterRoutes(r *mux.Router) {
	r.HandleFunc(routeFetchAndLock, s.fetchAndLock).Methods(http.MethodPost)
	r.HandleFunc(routeExtendLock, s.extendLock).Methods(http.MethodPost)
	r.HandleFunc(routeFinish, s.finish).Methods(http.MethodPost)
	r.HandleFunc(routeHandleBpmnError, s.handleBpmnError).Methods(http.MethodPost)
	r.HandleFunc(routeHandleServiceError, s.handleServiceError).Methods(http.MethodPost)
	if s.userTasks != nil {
		s.registerUserTaskRoutes(r)
	}
	r.HandleFunc("/health", s.health).Methods(http.MethodGet)
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics).Methods(http.MethodGet)
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) fetchAndLock(w http.ResponseWriter, r *http.Request) {
	identity, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	var req fetchAndLockRequest
	if !s.decode(w, r, &req) {
		return
	}

	tasks, err := s.tasks.FetchAndLockExternalTasks(r.Context(), identity, req.WorkerID, req.TopicName,
		req.MaxTasks, fromMillis(req.LongPollingTimeout), fromMillis(req.LockDuration))
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	out := make([]externalTask, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, toWire(t))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) extendLock(w http.ResponseWriter, r *http.Request) {
	identity, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	var req extendLockRequest
	if !s.decode(w, r, &req) {
		return
	}
	err := s.tasks.ExtendLock(r.Context(), identity, req.WorkerID, mux.Vars(r)["id"], fromMillis(req.AdditionalDuration))
	s.writeResult(w, r, err)
}

func (s *Server) finish(w http.ResponseWriter, r *http.Request) {
	identity, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	var req finishRequest
	if !s.decode(w, r, &req) {
		return
	}
	err := s.tasks.FinishExternalTask(r.Context(), identity, req.WorkerID, mux.Vars(r)["id"], req.Result)
	s.writeResult(w, r, err)
}

func (s *Server) handleBpmnError(w http.ResponseWriter, r *http.Request) {
	identity, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	var req bpmnErrorRequest
	if !s.decode(w, r, &req) {
		return
	}
	err := s.tasks.HandleBpmnError(r.Context(), identity, req.WorkerID, mux.Vars(r)["id"], req.ErrorCode)
	s.writeResult(w, r, err)
}

func (s *Server) handleServiceError(w http.ResponseWriter, r *http.Request) {
	identity, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	var req serviceErrorRequest
	if !s.decode(w, r, &req) {
		return
	}
	err := s.tasks.HandleServiceError(r.Context(), identity, req.WorkerID, mux.Vars(r)["id"], req.ErrorMessage, req.ErrorDetails)
	s.writeResult(w, r, err)
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) authenticate(w http.ResponseWriter, r *http.Request) (api.Identity, bool) {
	identity, err := s.identity(r)
	if err != nil {
		s.writeError(w, r, err)
		return api.Identity{}, false
	}
	return identity, true
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.writeError(w, r, api.WrapError(api.KindBadRequest, err, "Invalid request body"))
		return false
	}
	return true
}

func (s *Server) writeResult(w http.ResponseWriter, r *http.Request, err error) {
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := api.KindOf(err)
	status := StatusCode(kind)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", zap.String("path", r.URL.Path), zap.Error(err))
	} else {
		s.logger.Debug("request rejected", zap.String("path", r.URL.Path), zap.Int("status", status), zap.Error(err))
	}

	msg := "Internal server error"
	var apiErr *api.Error
	if errors.As(err, &apiErr) {
		msg = apiErr.Error()
		if apiErr.Message != "" {
			msg = apiErr.Message
		}
	}
	writeJSON(w, status, errorResponse{Kind: kind.String(), Message: msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// StatusCode maps an error kind to its HTTP status.
func StatusCode(kind api.ErrorKind) int {
	switch kind {
	case api.KindNotFound:
		return http.StatusNotFound
	case api.KindUnauthorized:
		return http.StatusUnauthorized
	case api.KindForbidden:
		return http.StatusForbidden
	case api.KindConflict:
		return http.StatusConflict
	case api.KindGone:
		return http.StatusGone
	case api.KindLocked:
		return http.StatusLocked
	case api.KindBadRequest:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
