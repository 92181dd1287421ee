package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/petrijr/fluxo-bpmn/internal/usertask"
	"github.com/petrijr/fluxo-bpmn/pkg/api"
)

type stubUserTasks struct {
	tasks    []usertask.UserTask
	finished []string
	result   *usertask.Result
	identity api.Identity
}

func (s *stubUserTasks) GetWaitingUserTasksByProcessInstance(_ context.Context, identity api.Identity, processInstanceID string) ([]usertask.UserTask, error) {
	s.identity = identity
	var out []usertask.UserTask
	for _, t := range s.tasks {
		if t.ProcessInstanceID == processInstanceID {
			out = append(out, t)
		}
	}
	return out, nil
}

func (s *stubUserTasks) GetWaitingUserTasksByCorrelation(_ context.Context, _ api.Identity, correlationID string) ([]usertask.UserTask, error) {
	var out []usertask.UserTask
	for _, t := range s.tasks {
		if t.CorrelationID == correlationID {
			out = append(out, t)
		}
	}
	return out, nil
}

func (s *stubUserTasks) FinishUserTask(_ context.Context, _ api.Identity, processInstanceID, correlationID, userTaskInstanceID string, result *usertask.Result) error {
	for _, t := range s.tasks {
		if t.ProcessInstanceID == processInstanceID && t.CorrelationID == correlationID && t.FlowNodeInstanceID == userTaskInstanceID {
			s.finished = append(s.finished, userTaskInstanceID)
			s.result = result
			return nil
		}
	}
	return api.NotFoundf("ProcessInstance '%s' in Correlation '%s' does not have a UserTask with id '%s'", processInstanceID, correlationID, userTaskInstanceID)
}

func newUserTaskServer(t *testing.T, stub *stubUserTasks) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(NewServer(nil, zaptest.NewLogger(t), WithUserTasks(stub)))
	t.Cleanup(srv.Close)
	return srv
}

func do(t *testing.T, srv *httptest.Server, method, path, body string) *http.Response {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, srv.URL+path, r)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer alice")
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func TestServer_UserTaskRoutes(t *testing.T) {
	stub := &stubUserTasks{tasks: []usertask.UserTask{{
		ID:                 "Task_Approve",
		FlowNodeInstanceID: "fni-1",
		Name:               "Approve order",
		CorrelationID:      "corr-1",
		ProcessModelID:     "order",
		ProcessInstanceID:  "proc-1",
	}}}
	srv := newUserTaskServer(t, stub)

	resp := do(t, srv, http.MethodGet, "/process_instances/proc-1/user_tasks", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list struct {
		UserTasks []usertask.UserTask `json:"userTasks"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&list))
	require.Len(t, list.UserTasks, 1)
	assert.Equal(t, "Approve order", list.UserTasks[0].Name)
	assert.Equal(t, api.Identity{UserID: "alice", Token: "alice"}, stub.identity)

	resp = do(t, srv, http.MethodGet, "/correlations/corr-unknown/user_tasks", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var empty map[string]json.RawMessage
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&empty))
	assert.JSONEq(t, `[]`, string(empty["userTasks"]))

	resp = do(t, srv, http.MethodPost, "/process_instances/proc-1/correlations/corr-1/user_tasks/fni-1/finish", `{"formFields":{"approved":true}}`)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	require.NotNil(t, stub.result)
	assert.JSONEq(t, `{"approved":true}`, string(stub.result.FormFields))

	resp = do(t, srv, http.MethodPost, "/process_instances/proc-1/correlations/corr-1/user_tasks/fni-1/finish", "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Nil(t, stub.result)

	resp = do(t, srv, http.MethodPost, "/process_instances/proc-1/correlations/corr-2/user_tasks/fni-1/finish", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, []string{"fni-1", "fni-1"}, stub.finished)
}

func TestServer_UserTaskRoutesOptional(t *testing.T) {
	srv := httptest.NewServer(NewServer(nil, zaptest.NewLogger(t)))
	t.Cleanup(srv.Close)

	resp := do(t, srv, http.MethodGet, "/process_instances/proc-1/user_tasks", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
