package httpapi

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/petrijr/fluxo-bpmn/internal/usertask"
	"github.com/petrijr/fluxo-bpmn/pkg/api"
)

const (
	routeUserTasksByProcessInstance = "/process_instances/{process_instance_id}/user_tasks"
	routeUserTasksByCorrelation     = "/correlations/{correlation_id}/user_tasks"
	routeFinishUserTask             = "/process_instances/{process_instance_id}/correlations/{correlation_id}/user_tasks/{user_task_instance_id}/finish"
)

// UserTaskService is the part of usertask.Service served over HTTP.
type UserTaskService interface {
	GetWaitingUserTasksByProcessInstance(ctx context.Context, identity api.Identity, processInstanceID string) ([]usertask.UserTask, error)
	GetWaitingUserTasksByCorrelation(ctx context.Context, identity api.Identity, correlationID string) ([]usertask.UserTask, error)
	FinishUserTask(ctx context.Context, identity api.Identity, processInstanceID, correlationID, userTaskInstanceID string, result *usertask.Result) error
}

// WithUserTasks serves the user task routes on top of svc.
func WithUserTasks(svc UserTaskService) ServerOption {
	return func(s *Server) { s.userTasks = svc }
}

func (s *Server) registerUserTaskRoutes(r *mux.Router) {
	r.HandleFunc(routeUserTasksByProcessInstance, s.userTasksByProcessInstance).Methods(http.MethodGet)
	r.HandleFunc(routeUserTasksByCorrelation, s.userTasksByCorrelation).Methods(http.MethodGet)
	r.HandleFunc(routeFinishUserTask, s.finishUserTask).Methods(http.MethodPost)
}

func (s *Server) userTasksByProcessInstance(w http.ResponseWriter, r *http.Request) {
	identity, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	tasks, err := s.userTasks.GetWaitingUserTasksByProcessInstance(r.Context(), identity, mux.Vars(r)["process_instance_id"])
	s.writeUserTasks(w, r, tasks, err)
}

func (s *Server) userTasksByCorrelation(w http.ResponseWriter, r *http.Request) {
	identity, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	tasks, err := s.userTasks.GetWaitingUserTasksByCorrelation(r.Context(), identity, mux.Vars(r)["correlation_id"])
	s.writeUserTasks(w, r, tasks, err)
}

func (s *Server) writeUserTasks(w http.ResponseWriter, r *http.Request, tasks []usertask.UserTask, err error) {
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if tasks == nil {
		tasks = []usertask.UserTask{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"userTasks": tasks})
}

// finishUserTask blocks until the engine reports the task as finished or the
// client goes away.
func (s *Server) finishUserTask(w http.ResponseWriter, r *http.Request) {
	identity, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	var result *usertask.Result
	if r.ContentLength != 0 {
		result = &usertask.Result{}
		if !s.decode(w, r, result) {
			return
		}
	}

	vars := mux.Vars(r)
	err := s.userTasks.FinishUserTask(r.Context(), identity,
		vars["process_instance_id"], vars["correlation_id"], vars["user_task_instance_id"], result)
	s.writeResult(w, r, err)
}
