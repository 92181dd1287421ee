package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/petrijr/fluxo-bpmn/internal/config"
	"github.com/petrijr/fluxo-bpmn/internal/externaltask"
	"github.com/petrijr/fluxo-bpmn/internal/iam"
	"github.com/petrijr/fluxo-bpmn/internal/persistence"
	"github.com/petrijr/fluxo-bpmn/internal/processmodel"
	"github.com/petrijr/fluxo-bpmn/pkg/api"
	"github.com/petrijr/fluxo-bpmn/pkg/worker"
)

const orderModel = `<?xml version="1.0" encoding="UTF-8"?>
<bpmn:definitions xmlns:bpmn="http://www.omg.org/spec/BPMN/20100524/MODEL" id="Definitions_1">
  <bpmn:process id="order" isExecutable="true">
    <bpmn:userTask id="Task_Approve" name="Approve order" />
  </bpmn:process>
</bpmn:definitions>`

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestCLI_MigrateAndModelLifecycle(t *testing.T) {
	dir := t.TempDir()
	dsn := "file:" + filepath.Join(dir, "fluxo.db") + "?_txlock=immediate&_pragma=busy_timeout(5000)"
	file := filepath.Join(dir, "order.bpmn")
	require.NoError(t, os.WriteFile(file, []byte(orderModel), 0o600))

	_, err := run(t, "migrate", "--database-dsn", dsn, "--log-level", "error")
	require.NoError(t, err)

	out, err := run(t, "model", "deploy", "order", file, "--database-dsn", dsn, "--log-level", "error")
	require.NoError(t, err)
	assert.Equal(t, "order "+processmodel.Hash(orderModel), strings.TrimSpace(out))

	_, err = run(t, "model", "deploy", "order", file+".missing", "--database-dsn", dsn, "--log-level", "error")
	assert.Error(t, err)

	_, err = run(t, "model", "delete", "order", "--database-dsn", dsn, "--log-level", "error")
	require.NoError(t, err)
}

func TestCLI_WorkerRequiresTopic(t *testing.T) {
	_, err := run(t, "worker", "--log-level", "error")
	assert.EqualError(t, err, "worker.topic is required")
}

func TestCLI_InvalidDriver(t *testing.T) {
	_, err := run(t, "migrate", "--database-driver", "mysql", "--log-level", "error")
	assert.ErrorContains(t, err, "database.driver")
}

func TestRunWorker_RecordsExecutions(t *testing.T) {
	logger := zaptest.NewLogger(t)
	store, err := persistence.OpenSQLiteMemory(logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	tasks := externaltask.NewService(store, iam.AllowAll{}, logger)

	task, err := tasks.Create(context.Background(), externaltask.CreateParams{
		Topic:             "t1",
		CorrelationID:     "corr-1",
		ProcessModelID:    "order",
		ProcessInstanceID: "proc-1",
		Payload:           json.RawMessage(`{"amount":42}`),
	})
	require.NoError(t, err)

	e := &env{logger: logger, cfg: config.Config{Worker: config.Worker{
		Topic:         "t1",
		Token:         "t-worker",
		MaxTasks:      1,
		LockDuration:  time.Minute,
		RetryInterval: 10 * time.Millisecond,
	}}}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	reg := prometheus.NewRegistry()
	err = runWorker(ctx, e, tasks, reg, func(ctx context.Context, task *api.ExternalTask) (worker.Result, error) {
		defer cancel()
		return echo(ctx, task)
	})
	require.NoError(t, err)

	got, err := tasks.GetByID(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, api.ExternalTaskFinished, got.State)
	assert.JSONEq(t, `{"amount":42}`, string(got.Result))

	expected := `
# HELP fluxo_worker_executions_total Handler executions reported by workers
# TYPE fluxo_worker_executions_total counter
fluxo_worker_executions_total{outcome="success",topic="t1"} 1
`
	assert.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "fluxo_worker_executions_total"))
}
