package externaltask

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/petrijr/fluxo-bpmn/internal/iam"
	"github.com/petrijr/fluxo-bpmn/internal/persistence"
	"github.com/petrijr/fluxo-bpmn/pkg/api"
)

var worker = api.Identity{UserID: "worker", Token: "t-worker"}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestService(t *testing.T, opts ...Option) *Service {
	t.Helper()
	store, err := persistence.OpenSQLiteMemory(zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return NewService(store, iam.AllowAll{}, zaptest.NewLogger(t), opts...)
}

func createTask(t *testing.T, svc *Service, topic string) *api.ExternalTask {
	t.Helper()
	task, err := svc.Create(context.Background(), CreateParams{
		Topic:              topic,
		CorrelationID:      "corr-1",
		ProcessModelID:     "model-1",
		ProcessInstanceID:  "proc-1",
		FlowNodeInstanceID: "fni-" + topic,
		Identity:           worker,
		Payload:            json.RawMessage(`{"amount":42}`),
	})
	require.NoError(t, err)
	return task
}

func taskIDs(tasks []*api.ExternalTask) []string {
	ids := make([]string, 0, len(tasks))
	for _, task := range tasks {
		ids = append(ids, task.ID)
	}
	return ids
}

func TestService_FetchAndLockOldestFirst(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	svc := newTestService(t, WithClock(clock.Now))

	var created []string
	for i := 0; i < 3; i++ {
		created = append(created, createTask(t, svc, "t1").ID)
		clock.Advance(time.Millisecond)
	}
	createTask(t, svc, "other")

	batch, err := svc.FetchAndLockExternalTasks(ctx, worker, "w1", "t1", 2, 0, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, created[:2], taskIDs(batch))
	for _, task := range batch {
		assert.Equal(t, "w1", task.WorkerID)
		assert.Equal(t, clock.Now().Add(time.Minute), task.LockExpirationTime)
		assert.JSONEq(t, `{"amount":42}`, string(task.Payload))
	}

	rest, err := svc.FetchAndLockExternalTasks(ctx, worker, "w2", "t1", 10, 0, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, created[2:], taskIDs(rest))

	none, err := svc.FetchAndLockExternalTasks(ctx, worker, "w3", "t1", 10, 0, time.Minute)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestService_SingleTaskGoesToOneWorker(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)
	task := createTask(t, svc, "t1")

	var (
		wg      sync.WaitGroup
		results [2][]*api.ExternalTask
		errs    [2]error
	)
	for i, w := range []string{"W1", "W2"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = svc.FetchAndLockExternalTasks(ctx, worker, w, "t1", 1, 0, time.Minute)
		}()
	}
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	got := append(taskIDs(results[0]), taskIDs(results[1])...)
	assert.Equal(t, []string{task.ID}, got)
}

func TestService_ExpiredLeaseIsReclaimable(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	svc := newTestService(t, WithClock(clock.Now))
	task := createTask(t, svc, "t1")

	batch, err := svc.FetchAndLockExternalTasks(ctx, worker, "w1", "t1", 1, 0, 10*time.Second)
	require.NoError(t, err)
	require.Len(t, batch, 1)

	clock.Advance(5 * time.Second)
	batch, err = svc.FetchAndLockExternalTasks(ctx, worker, "w2", "t1", 1, 0, 10*time.Second)
	require.NoError(t, err)
	assert.Empty(t, batch)

	clock.Advance(5 * time.Second)
	batch, err = svc.FetchAndLockExternalTasks(ctx, worker, "w2", "t1", 1, 0, 10*time.Second)
	require.NoError(t, err)
	assert.Equal(t, []string{task.ID}, taskIDs(batch))
	assert.Equal(t, "w2", batch[0].WorkerID)
}

func TestService_ExtendLock(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	svc := newTestService(t, WithClock(clock.Now))
	task := createTask(t, svc, "t1")

	_, err := svc.FetchAndLockExternalTasks(ctx, worker, "w1", "t1", 1, 0, 10*time.Second)
	require.NoError(t, err)
	before, err := svc.GetByID(ctx, task.ID)
	require.NoError(t, err)

	clock.Advance(2 * time.Second)
	require.NoError(t, svc.ExtendLock(ctx, worker, "w1", task.ID, 30*time.Second))
	after, err := svc.GetByID(ctx, task.ID)
	require.NoError(t, err)
	assert.True(t, after.LockExpirationTime.After(before.LockExpirationTime))
	assert.Equal(t, clock.Now().Add(30*time.Second), after.LockExpirationTime)

	// Every extension restarts the lease from now.
	clock.Advance(time.Second)
	require.NoError(t, svc.ExtendLock(ctx, worker, "w1", task.ID, 5*time.Second))
	shortened, err := svc.GetByID(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, clock.Now().Add(5*time.Second), shortened.LockExpirationTime)

	err = svc.ExtendLock(ctx, worker, "w1", task.ID, 0)
	assert.True(t, errors.Is(err, api.ErrBadRequest), "got %v", err)

	err = svc.ExtendLock(ctx, worker, "w2", task.ID, time.Minute)
	assert.True(t, errors.Is(err, api.ErrLocked), "got %v", err)
	assert.Contains(t, err.Error(), "is locked by another worker, until")

	err = svc.ExtendLock(ctx, worker, "w1", "missing", time.Minute)
	assert.True(t, errors.Is(err, api.ErrNotFound), "got %v", err)
}

func TestService_FetchAndLockValidatesArguments(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)
	task := createTask(t, svc, "t1")

	cases := []struct {
		name         string
		workerID     string
		topic        string
		lockDuration time.Duration
		message      string
	}{
		{"missing worker", "", "t1", time.Minute, "workerId and topicName are required"},
		{"missing topic", "w1", "", time.Minute, "workerId and topicName are required"},
		{"zero lock", "w1", "t1", 0, "lockDuration must be positive"},
		{"negative lock", "w1", "t1", -time.Second, "lockDuration must be positive"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.FetchAndLockExternalTasks(ctx, worker, tc.workerID, tc.topic, 1, 0, tc.lockDuration)
			assert.True(t, errors.Is(err, api.ErrBadRequest), "got %v", err)
			assert.EqualError(t, err, tc.message)
		})
	}

	got, err := svc.GetByID(ctx, task.ID)
	require.NoError(t, err)
	assert.Empty(t, got.WorkerID)
	assert.True(t, got.Claimable(time.Now()))
}

func TestService_ExpiredLeaseCanBeTakenOver(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	svc := newTestService(t, WithClock(clock.Now))
	task := createTask(t, svc, "t1")

	_, err := svc.FetchAndLockExternalTasks(ctx, worker, "w1", "t1", 1, 0, 10*time.Second)
	require.NoError(t, err)

	clock.Advance(11 * time.Second)
	require.NoError(t, svc.ExtendLock(ctx, worker, "w2", task.ID, time.Minute))

	got, err := svc.GetByID(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, "w2", got.WorkerID)

	err = svc.FinishExternalTask(ctx, worker, "w1", task.ID, json.RawMessage(`{}`))
	assert.True(t, errors.Is(err, api.ErrLocked), "got %v", err)
}

func TestService_FinishExternalTask(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	svc := newTestService(t, WithClock(clock.Now))
	task := createTask(t, svc, "t1")

	_, err := svc.FetchAndLockExternalTasks(ctx, worker, "w1", "t1", 1, 0, time.Minute)
	require.NoError(t, err)

	err = svc.FinishExternalTask(ctx, worker, "w2", task.ID, json.RawMessage(`{"ok":true}`))
	assert.True(t, errors.Is(err, api.ErrLocked), "got %v", err)

	err = svc.FinishExternalTask(ctx, worker, "w1", task.ID, json.RawMessage(`{"ok":`))
	assert.True(t, errors.Is(err, api.ErrBadRequest), "got %v", err)

	require.NoError(t, svc.FinishExternalTask(ctx, worker, "w1", task.ID, json.RawMessage(`{"ok":true}`)))

	got, err := svc.GetByID(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, api.ExternalTaskFinished, got.State)
	assert.JSONEq(t, `{"ok":true}`, string(got.Result))
	assert.Equal(t, clock.Now(), got.FinishedAt)

	for name, call := range map[string]func() error{
		"finish":  func() error { return svc.FinishExternalTask(ctx, worker, "w1", task.ID, nil) },
		"extend":  func() error { return svc.ExtendLock(ctx, worker, "w1", task.ID, time.Minute) },
		"bpmn":    func() error { return svc.HandleBpmnError(ctx, worker, "w1", task.ID, "E1") },
		"service": func() error { return svc.HandleServiceError(ctx, worker, "w1", task.ID, "m", "d") },
	} {
		err := call()
		assert.True(t, errors.Is(err, api.ErrGone), "%s: %v", name, err)
	}

	err = svc.FinishExternalTask(ctx, worker, "w1", "missing", nil)
	assert.True(t, errors.Is(err, api.ErrNotFound), "got %v", err)
	assert.Equal(t, "External Task with ID 'missing' not found.", err.Error())
}

func TestService_HandleErrors(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)
	bpmn := createTask(t, svc, "t1")
	service := createTask(t, svc, "t2")

	_, err := svc.FetchAndLockExternalTasks(ctx, worker, "w1", "t1", 1, 0, time.Minute)
	require.NoError(t, err)
	_, err = svc.FetchAndLockExternalTasks(ctx, worker, "w1", "t2", 1, 0, time.Minute)
	require.NoError(t, err)

	require.NoError(t, svc.HandleBpmnError(ctx, worker, "w1", bpmn.ID, "InsufficientFunds"))
	require.NoError(t, svc.HandleServiceError(ctx, worker, "w1", service.ID, "db down", "stack"))

	got, err := svc.GetByID(ctx, bpmn.ID)
	require.NoError(t, err)
	assert.Equal(t, api.ExternalTaskFinished, got.State)
	require.NotNil(t, got.Error)
	assert.Equal(t, "ExternalTask failed due to BPMN error with code InsufficientFunds", got.Error.Message)
	assert.Equal(t, "InsufficientFunds", got.Error.Code)

	got, err = svc.GetByID(ctx, service.ID)
	require.NoError(t, err)
	require.NotNil(t, got.Error)
	assert.Equal(t, "db down", got.Error.Message)
	assert.Equal(t, "stack", got.Error.Details)
	assert.Equal(t, "Internal", got.Error.Kind)
}

func TestService_LongPolling(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, WithPollInterval(10*time.Millisecond))

	start := time.Now()
	batch, err := svc.FetchAndLockExternalTasks(ctx, worker, "w1", "t1", 1, 100*time.Millisecond, time.Minute)
	require.NoError(t, err)
	assert.Empty(t, batch)
	assert.GreaterOrEqual(t, time.Since(start), 90*time.Millisecond)

	created := make(chan error, 1)
	go func() {
		time.Sleep(50 * time.Millisecond)
		_, err := svc.Create(context.Background(), CreateParams{Topic: "t1", Payload: json.RawMessage(`{}`)})
		created <- err
	}()
	batch, err = svc.FetchAndLockExternalTasks(ctx, worker, "w1", "t1", 1, 5*time.Second, time.Minute)
	require.NoError(t, <-created)
	require.NoError(t, err)
	assert.Len(t, batch, 1)
}

func TestService_LongPollingObservesContext(t *testing.T) {
	svc := newTestService(t, WithPollInterval(10*time.Millisecond))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := svc.FetchAndLockExternalTasks(ctx, worker, "w1", "t1", 1, time.Minute, time.Minute)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestService_RequiresClaim(t *testing.T) {
	ctx := context.Background()
	store, err := persistence.OpenSQLiteMemory(zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	authz := iam.NewClaimAuthorizer(map[string][]string{"worker": {api.ClaimCanAccessExternalTasks}})
	svc := NewService(store, authz, zaptest.NewLogger(t))
	task := createTask(t, svc, "t1")

	intruder := api.Identity{UserID: "intruder", Token: "t"}
	_, err = svc.FetchAndLockExternalTasks(ctx, intruder, "w1", "t1", 1, 0, time.Minute)
	assert.True(t, errors.Is(err, api.ErrForbidden), "got %v", err)
	err = svc.FinishExternalTask(ctx, intruder, "w1", task.ID, nil)
	assert.True(t, errors.Is(err, api.ErrForbidden), "got %v", err)

	_, err = svc.FetchAndLockExternalTasks(ctx, api.Identity{}, "w1", "t1", 1, 0, time.Minute)
	assert.True(t, errors.Is(err, api.ErrUnauthorized), "got %v", err)

	batch, err := svc.FetchAndLockExternalTasks(ctx, worker, "w1", "t1", 1, 0, time.Minute)
	require.NoError(t, err)
	assert.Len(t, batch, 1)
}

func TestService_ObserverEvents(t *testing.T) {
	ctx := context.Background()
	metrics := &api.BasicMetrics{}
	svc := newTestService(t, WithObserver(metrics))

	a := createTask(t, svc, "t1")
	b := createTask(t, svc, "t1")

	_, err := svc.FetchAndLockExternalTasks(ctx, worker, "w1", "t1", 10, 0, time.Minute)
	require.NoError(t, err)
	require.NoError(t, svc.ExtendLock(ctx, worker, "w1", a.ID, time.Minute))
	require.Error(t, svc.ExtendLock(ctx, worker, "w2", a.ID, time.Minute))
	require.NoError(t, svc.FinishExternalTask(ctx, worker, "w1", a.ID, nil))
	require.NoError(t, svc.HandleBpmnError(ctx, worker, "w1", b.ID, "E"))

	snap := metrics.Snapshot()
	assert.Equal(t, int64(2), snap.TasksLocked)
	assert.Equal(t, int64(1), snap.LockExtendFailures)
	assert.Equal(t, int64(1), snap.TasksSucceeded)
	assert.Equal(t, int64(1), snap.TasksFailed)
}

func TestService_CreateAndLookups(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)

	_, err := svc.Create(ctx, CreateParams{})
	assert.True(t, errors.Is(err, api.ErrBadRequest))

	task := createTask(t, svc, "t1")
	assert.NotEmpty(t, task.ID)
	assert.Equal(t, api.ExternalTaskPending, task.State)

	got, err := svc.GetByInstanceIDs(ctx, "corr-1", "proc-1", "fni-t1")
	require.NoError(t, err)
	assert.Equal(t, task.ID, got.ID)

	_, err = svc.GetByInstanceIDs(ctx, "corr-1", "proc-1", "nope")
	assert.True(t, errors.Is(err, api.ErrNotFound))

	require.NoError(t, svc.DeleteByProcessModelID(ctx, "model-1"))
	_, err = svc.GetByID(ctx, task.ID)
	assert.True(t, errors.Is(err, api.ErrNotFound))
}
