package worker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/petrijr/fluxo-bpmn/internal/externaltask"
	"github.com/petrijr/fluxo-bpmn/internal/iam"
	"github.com/petrijr/fluxo-bpmn/internal/persistence"
	"github.com/petrijr/fluxo-bpmn/pkg/api"
)

var identity = api.Identity{UserID: "worker", Token: "t-worker"}

func newLeaseService(t *testing.T) *externaltask.Service {
	t.Helper()
	store, err := persistence.OpenSQLiteMemory(zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return externaltask.NewService(store, iam.AllowAll{}, zaptest.NewLogger(t), externaltask.WithPollInterval(5*time.Millisecond))
}

func createTask(t *testing.T, svc *externaltask.Service, topic, payload string) *api.ExternalTask {
	t.Helper()
	task, err := svc.Create(context.Background(), externaltask.CreateParams{
		Topic:             topic,
		CorrelationID:     "corr-1",
		ProcessModelID:    "model-1",
		ProcessInstanceID: "proc-1",
		Payload:           json.RawMessage(payload),
	})
	require.NoError(t, err)
	return task
}

func testConfig() Config {
	return Config{
		WorkerID:      "w1",
		MaxTasks:      10,
		LockDuration:  time.Minute,
		RetryInterval: 10 * time.Millisecond,
		RenewMargin:   5 * time.Second,
	}
}

// countingAPI wraps an ExternalTaskAPI and can fail fetches.
type countingAPI struct {
	api.ExternalTaskAPI

	failFetches atomic.Int64
	fetches     atomic.Int64
	extends     atomic.Int64
}

func (c *countingAPI) FetchAndLockExternalTasks(ctx context.Context, identity api.Identity, workerID, topic string, maxTasks int, longPollingTimeout, lockDuration time.Duration) ([]*api.ExternalTask, error) {
	c.fetches.Add(1)
	if c.failFetches.Load() > 0 {
		c.failFetches.Add(-1)
		return nil, errors.New("connection refused")
	}
	return c.ExternalTaskAPI.FetchAndLockExternalTasks(ctx, identity, workerID, topic, maxTasks, longPollingTimeout, lockDuration)
}

func (c *countingAPI) ExtendLock(ctx context.Context, identity api.Identity, workerID, taskID string, additionalDuration time.Duration) error {
	c.extends.Add(1)
	return c.ExternalTaskAPI.ExtendLock(ctx, identity, workerID, taskID, additionalDuration)
}

func TestWorker_ProcessBatchReportsEveryOutcome(t *testing.T) {
	ctx := context.Background()
	svc := newLeaseService(t)

	ok := createTask(t, svc, "t1", `{"kind":"ok"}`)
	bpmn := createTask(t, svc, "t1", `{"kind":"bpmn"}`)
	failed := createTask(t, svc, "t1", `{"kind":"fail"}`)
	panicked := createTask(t, svc, "t1", `{"kind":"panic"}`)

	w := New(svc, testConfig(), zaptest.NewLogger(t))
	n, err := w.ProcessBatch(ctx, identity, "t1", func(ctx context.Context, task *api.ExternalTask) (Result, error) {
		var in struct{ Kind string }
		if err := json.Unmarshal(task.Payload, &in); err != nil {
			return nil, err
		}
		switch in.Kind {
		case "ok":
			return FinishResult{Payload: json.RawMessage(`{"done":true}`)}, nil
		case "bpmn":
			return BpmnErrorResult{Code: "OUT_OF_STOCK"}, nil
		case "fail":
			return nil, errors.New("downstream unavailable")
		default:
			panic("boom")
		}
	})
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	got, err := svc.GetByID(ctx, ok.ID)
	require.NoError(t, err)
	assert.Equal(t, api.ExternalTaskFinished, got.State)
	assert.JSONEq(t, `{"done":true}`, string(got.Result))
	assert.Nil(t, got.Error)

	got, err = svc.GetByID(ctx, bpmn.ID)
	require.NoError(t, err)
	require.NotNil(t, got.Error)
	assert.Equal(t, "OUT_OF_STOCK", got.Error.Code)

	got, err = svc.GetByID(ctx, failed.ID)
	require.NoError(t, err)
	require.NotNil(t, got.Error)
	assert.Equal(t, "downstream unavailable", got.Error.Message)

	got, err = svc.GetByID(ctx, panicked.ID)
	require.NoError(t, err)
	assert.Equal(t, api.ExternalTaskFinished, got.State)
	require.NotNil(t, got.Error)
	assert.Contains(t, got.Error.Message, "handler panicked: boom")
}

func TestWorker_ProcessBatchEmpty(t *testing.T) {
	svc := newLeaseService(t)
	w := New(svc, testConfig(), zaptest.NewLogger(t))

	n, err := w.ProcessBatch(context.Background(), identity, "t1", func(context.Context, *api.ExternalTask) (Result, error) {
		t.Error("handler must not run")
		return nil, nil
	})
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestWorker_NilResultFinishesTask(t *testing.T) {
	ctx := context.Background()
	svc := newLeaseService(t)
	task := createTask(t, svc, "t1", `{}`)

	w := New(svc, testConfig(), zaptest.NewLogger(t))
	_, err := w.ProcessBatch(ctx, identity, "t1", func(context.Context, *api.ExternalTask) (Result, error) {
		return nil, nil
	})
	require.NoError(t, err)

	got, err := svc.GetByID(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, api.ExternalTaskFinished, got.State)
	assert.Nil(t, got.Error)
}

func TestWorker_BatchRunsConcurrently(t *testing.T) {
	svc := newLeaseService(t)
	for i := 0; i < 3; i++ {
		createTask(t, svc, "t1", `{}`)
	}

	var running sync.WaitGroup
	running.Add(3)
	w := New(svc, testConfig(), zaptest.NewLogger(t))

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = w.ProcessBatch(context.Background(), identity, "t1", func(context.Context, *api.ExternalTask) (Result, error) {
			// Every handler waits for all three to be running.
			running.Done()
			running.Wait()
			return FinishResult{}, nil
		})
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("handlers of one batch did not run concurrently")
	}
}

func TestWorker_RenewsLeasesWhileHandlerRuns(t *testing.T) {
	ctx := context.Background()
	svc := newLeaseService(t)
	task := createTask(t, svc, "t1", `{}`)
	client := &countingAPI{ExternalTaskAPI: svc}

	cfg := testConfig()
	cfg.LockDuration = 200 * time.Millisecond
	cfg.RenewMargin = 150 * time.Millisecond
	w := New(client, cfg, zaptest.NewLogger(t))

	_, err := w.ProcessBatch(ctx, identity, "t1", func(ctx context.Context, _ *api.ExternalTask) (Result, error) {
		time.Sleep(500 * time.Millisecond)

		// The original lease has long expired; renewal must keep the task away
		// from other workers.
		stolen, err := svc.FetchAndLockExternalTasks(ctx, identity, "w2", "t1", 1, 0, time.Minute)
		if err != nil {
			return nil, err
		}
		if len(stolen) != 0 {
			return nil, errors.New("task was claimed by another worker")
		}
		return FinishResult{}, nil
	})
	require.NoError(t, err)

	assert.GreaterOrEqual(t, client.extends.Load(), int64(3))
	got, err := svc.GetByID(ctx, task.ID)
	require.NoError(t, err)
	assert.Nil(t, got.Error)
	assert.Equal(t, api.ExternalTaskFinished, got.State)
}

func TestWorker_RenewalStopsAfterBatch(t *testing.T) {
	svc := newLeaseService(t)
	createTask(t, svc, "t1", `{}`)
	client := &countingAPI{ExternalTaskAPI: svc}

	cfg := testConfig()
	cfg.LockDuration = 40 * time.Millisecond
	cfg.RenewMargin = 30 * time.Millisecond
	w := New(client, cfg, zaptest.NewLogger(t))

	_, err := w.ProcessBatch(context.Background(), identity, "t1", func(context.Context, *api.ExternalTask) (Result, error) {
		time.Sleep(50 * time.Millisecond)
		return FinishResult{}, nil
	})
	require.NoError(t, err)

	after := client.extends.Load()
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, after, client.extends.Load())
}

func TestWorker_RunRetriesFailedFetches(t *testing.T) {
	svc := newLeaseService(t)
	task := createTask(t, svc, "t1", `{}`)
	client := &countingAPI{ExternalTaskAPI: svc}
	client.failFetches.Store(3)

	w := New(client, testConfig(), zaptest.NewLogger(t))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	handled := make(chan string, 1)
	errc := make(chan error, 1)
	go func() {
		errc <- w.Run(ctx, identity, "t1", func(_ context.Context, task *api.ExternalTask) (Result, error) {
			handled <- task.ID
			return FinishResult{}, nil
		})
	}()

	select {
	case id := <-handled:
		assert.Equal(t, task.ID, id)
	case <-time.After(2 * time.Second):
		t.Fatal("task was not handled after fetch failures")
	}
	assert.GreaterOrEqual(t, client.fetches.Load(), int64(4))

	cancel()
	select {
	case err := <-errc:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

// emptyAPI answers every fetch with an empty batch at once.
type emptyAPI struct {
	api.ExternalTaskAPI
	fetches atomic.Int64
}

func (e *emptyAPI) FetchAndLockExternalTasks(context.Context, api.Identity, string, string, int, time.Duration, time.Duration) ([]*api.ExternalTask, error) {
	e.fetches.Add(1)
	return nil, nil
}

func TestWorker_IdleRunPausesBetweenFetches(t *testing.T) {
	client := &emptyAPI{}
	cfg := DefaultConfig()
	cfg.RetryInterval = 50 * time.Millisecond
	w := New(client, cfg, zaptest.NewLogger(t))

	ctx, cancel := context.WithTimeout(context.Background(), 220*time.Millisecond)
	defer cancel()
	err := w.Run(ctx, identity, "t1", func(context.Context, *api.ExternalTask) (Result, error) {
		return FinishResult{}, nil
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	fetches := client.fetches.Load()
	assert.GreaterOrEqual(t, fetches, int64(2))
	assert.LessOrEqual(t, fetches, int64(6))
}

func TestIdlePause(t *testing.T) {
	assert.Equal(t, time.Second, idlePause(time.Second, 0))
	assert.Equal(t, 700*time.Millisecond, idlePause(time.Second, 300*time.Millisecond))
	assert.Zero(t, idlePause(time.Second, 10*time.Second))
}

func TestWorker_RunStopsDuringLongPoll(t *testing.T) {
	svc := newLeaseService(t)
	cfg := testConfig()
	cfg.LongPollingTimeout = time.Minute
	w := New(svc, cfg, zaptest.NewLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		errc <- w.Run(ctx, identity, "t1", func(context.Context, *api.ExternalTask) (Result, error) {
			return FinishResult{}, nil
		})
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-errc:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestWorker_CancelledRunStillReportsInFlightBatch(t *testing.T) {
	svc := newLeaseService(t)
	task := createTask(t, svc, "t1", `{}`)
	w := New(svc, testConfig(), zaptest.NewLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		errc <- w.Run(ctx, identity, "t1", func(context.Context, *api.ExternalTask) (Result, error) {
			cancel()
			return FinishResult{Payload: json.RawMessage(`{"late":true}`)}, nil
		})
	}()

	select {
	case err := <-errc:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	got, err := svc.GetByID(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, api.ExternalTaskFinished, got.State)
	assert.JSONEq(t, `{"late":true}`, string(got.Result))
}

func TestWorker_Observer(t *testing.T) {
	svc := newLeaseService(t)
	createTask(t, svc, "t1", `{}`)
	createTask(t, svc, "t1", `{}`)

	metrics := &api.BasicMetrics{}
	w := New(svc, testConfig(), zaptest.NewLogger(t), WithObserver(metrics))
	_, err := w.ProcessBatch(context.Background(), identity, "t1", func(context.Context, *api.ExternalTask) (Result, error) {
		return FinishResult{}, nil
	})
	require.NoError(t, err)

	assert.Equal(t, int64(2), metrics.Snapshot().Executions)
}

func TestWorker_IDIsGeneratedOnce(t *testing.T) {
	w := New(nil, Config{}, nil)
	assert.NotEmpty(t, w.ID())
	assert.Equal(t, w.ID(), w.ID())
	assert.NotEqual(t, w.ID(), New(nil, Config{}, nil).ID())
	assert.Equal(t, "fixed", New(nil, Config{WorkerID: "fixed"}, nil).ID())
}

func TestConfig_RenewInterval(t *testing.T) {
	cases := []struct {
		name         string
		lock, margin time.Duration
		want         time.Duration
	}{
		{"default", 30 * time.Second, 5 * time.Second, 25 * time.Second},
		{"margin too large", 4 * time.Second, 5 * time.Second, 2 * time.Second},
		{"no margin", 10 * time.Second, 0, 10 * time.Second},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Config{LockDuration: tc.lock, RenewMargin: tc.margin}.renewInterval())
		})
	}
}
