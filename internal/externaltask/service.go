// Package externaltask implements the lease protocol between the engine and
// out-of-process workers. Tasks are claimed with one atomic statement, and
// every later operation checks the lease inside the transaction that stores
// its result.
package externaltask

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/petrijr/fluxo-bpmn/internal/persistence"
	"github.com/petrijr/fluxo-bpmn/pkg/api"
)

// DefaultPollInterval is how often a long-polling fetch retries the claim.
const DefaultPollInterval = 250 * time.Millisecond

// Option configures a Service.
type Option func(*Service)

// WithClock replaces the time source. Used by tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithPollInterval sets the retry interval of long-polling fetches.
func WithPollInterval(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.pollInterval = d
		}
	}
}

// WithObserver attaches an observer for lease events.
func WithObserver(o api.Observer) Option {
	return func(s *Service) {
		if o != nil {
			s.observer = o
		}
	}
}

// Service is the engine side of the external task protocol.
type Service struct {
	store        persistence.ExternalTaskStore
	authorizer   api.Authorizer
	logger       *zap.Logger
	observer     api.Observer
	now          func() time.Time
	pollInterval time.Duration
}

var _ api.ExternalTaskAPI = (*Service)(nil)

func NewService(store persistence.ExternalTaskStore, authorizer api.Authorizer, logger *zap.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Service{
		store:        store,
		authorizer:   authorizer,
		logger:       logger.Named("externaltask"),
		observer:     api.NoopObserver{},
		now:          func() time.Time { return time.Now().UTC() },
		pollInterval: DefaultPollInterval,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateParams describes a new external task. It is filled by the
// interpreter when a service task with an external implementation starts.
type CreateParams struct {
	Topic              string
	CorrelationID      string
	ProcessModelID     string
	ProcessInstanceID  string
	FlowNodeInstanceID string
	Identity           api.Identity
	Payload            json.RawMessage
}

// Create stores a new pending task and returns it.
func (s *Service) Create(ctx context.Context, p CreateParams) (*api.ExternalTask, error) {
	if p.Topic == "" {
		return nil, api.BadRequestf("external task topic is required")
	}
	task := &api.ExternalTask{
		ID:                 uuid.NewString(),
		Topic:              p.Topic,
		CorrelationID:      p.CorrelationID,
		ProcessModelID:     p.ProcessModelID,
		ProcessInstanceID:  p.ProcessInstanceID,
		FlowNodeInstanceID: p.FlowNodeInstanceID,
		Identity:           p.Identity,
		Payload:            p.Payload,
		State:              api.ExternalTaskPending,
		CreatedAt:          s.now(),
	}
	if err := s.store.CreateExternalTask(ctx, task); err != nil {
		if errors.Is(err, persistence.ErrInvalidPayload) {
			return nil, api.WrapError(api.KindBadRequest, err, "external task payload is not valid JSON")
		}
		return nil, err
	}

	s.logger.Debug("external task created",
		zap.String("external_task_id", task.ID),
		zap.String("topic", task.Topic),
		zap.String("process_instance_id", task.ProcessInstanceID),
	)
	return task, nil
}

func (s *Service) GetByID(ctx context.Context, id string) (*api.ExternalTask, error) {
	task, err := s.store.GetExternalTask(ctx, id)
	if errors.Is(err, persistence.ErrNotFound) {
		return nil, notFound(id)
	}
	return task, err
}

// GetByInstanceIDs returns the latest task created for a flow node instance.
func (s *Service) GetByInstanceIDs(ctx context.Context, correlationID, processInstanceID, flowNodeInstanceID string) (*api.ExternalTask, error) {
	task, err := s.store.GetExternalTaskByInstanceIDs(ctx, correlationID, processInstanceID, flowNodeInstanceID)
	if errors.Is(err, persistence.ErrNotFound) {
		return nil, api.NotFoundf("No ExternalTask for FlowNodeInstance '%s' in ProcessInstance '%s' found.", flowNodeInstanceID, processInstanceID)
	}
	return task, err
}

func (s *Service) DeleteByProcessModelID(ctx context.Context, processModelID string) error {
	return s.store.DeleteExternalTasksByProcessModel(ctx, processModelID)
}

// FetchAndLockExternalTasks claims up to maxTasks claimable tasks of topic
// for workerID. When nothing is claimable and longPollingTimeout is positive
// the claim is retried until a task arrives or the timeout elapses; an
// elapsed timeout yields an empty batch.
func (s *Service) FetchAndLockExternalTasks(
	ctx context.Context,
	identity api.Identity,
	workerID, topic string,
	maxTasks int,
	longPollingTimeout, lockDuration time.Duration,
) ([]*api.ExternalTask, error) {
	if err := s.authorizer.EnsureHasClaim(ctx, identity, api.ClaimCanAccessExternalTasks); err != nil {
		return nil, err
	}
	if workerID == "" || topic == "" {
		return nil, api.BadRequestf("workerId and topicName are required")
	}
	if lockDuration <= 0 {
		return nil, api.BadRequestf("lockDuration must be positive")
	}

	deadline := s.now().Add(longPollingTimeout)
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		now := s.now()
		tasks, err := s.store.ClaimExternalTasks(ctx, topic, workerID, maxTasks, now, now.Add(lockDuration))
		if err != nil {
			return nil, err
		}
		if len(tasks) > 0 {
			s.logger.Debug("external tasks locked",
				zap.String("worker_id", workerID),
				zap.String("topic", topic),
				zap.Int("count", len(tasks)),
			)
			s.observer.OnTasksLocked(ctx, workerID, topic, tasks)
			return tasks, nil
		}

		remaining := deadline.Sub(s.now())
		if remaining <= 0 {
			return []*api.ExternalTask{}, nil
		}
		wait := min(s.pollInterval, remaining)
		if timer == nil {
			timer = time.NewTimer(wait)
		} else {
			timer.Reset(wait)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

// ExtendLock sets the lease expiration to now + additionalDuration and makes
// the caller the lease holder.
func (s *Service) ExtendLock(ctx context.Context, identity api.Identity, workerID, taskID string, additionalDuration time.Duration) error {
	if additionalDuration <= 0 {
		return api.BadRequestf("additionalDuration must be positive")
	}
	err := s.update(ctx, identity, workerID, taskID, func(task *api.ExternalTask, now time.Time) {
		task.WorkerID = workerID
		task.LockExpirationTime = now.Add(additionalDuration)
	})
	s.observer.OnLockExtended(ctx, workerID, taskID, err)
	return err
}

// FinishExternalTask stores result and finishes the task.
func (s *Service) FinishExternalTask(ctx context.Context, identity api.Identity, workerID, taskID string, result json.RawMessage) error {
	return s.finish(ctx, identity, workerID, taskID, api.OutcomeSuccess, func(task *api.ExternalTask) {
		task.Result = result
	})
}

// HandleBpmnError finishes the task with a BPMN error the process model can
// catch by errorCode.
func (s *Service) HandleBpmnError(ctx context.Context, identity api.Identity, workerID, taskID, errorCode string) error {
	return s.finish(ctx, identity, workerID, taskID, api.OutcomeBpmnError, func(task *api.ExternalTask) {
		task.Error = &api.ErrorPayload{
			Kind:    api.KindInternal.String(),
			Message: "ExternalTask failed due to BPMN error with code " + errorCode,
			Code:    errorCode,
		}
	})
}

// HandleServiceError finishes the task with a technical failure.
func (s *Service) HandleServiceError(ctx context.Context, identity api.Identity, workerID, taskID, errorMessage, errorDetails string) error {
	return s.finish(ctx, identity, workerID, taskID, api.OutcomeServiceError, func(task *api.ExternalTask) {
		task.Error = &api.ErrorPayload{
			Kind:    api.KindInternal.String(),
			Message: errorMessage,
			Details: errorDetails,
		}
	})
}

func (s *Service) finish(
	ctx context.Context,
	identity api.Identity,
	workerID, taskID string,
	outcome api.TaskOutcome,
	apply func(task *api.ExternalTask),
) error {
	err := s.update(ctx, identity, workerID, taskID, func(task *api.ExternalTask, now time.Time) {
		apply(task)
		task.State = api.ExternalTaskFinished
		task.FinishedAt = now
	})
	if err != nil {
		return err
	}

	s.logger.Debug("external task finished",
		zap.String("external_task_id", taskID),
		zap.String("worker_id", workerID),
		zap.String("outcome", string(outcome)),
	)
	s.observer.OnTaskFinished(ctx, workerID, taskID, outcome)
	return nil
}

// update checks the claim and the lease and applies mutate in the same
// transaction.
func (s *Service) update(
	ctx context.Context,
	identity api.Identity,
	workerID, taskID string,
	mutate func(task *api.ExternalTask, now time.Time),
) error {
	if err := s.authorizer.EnsureHasClaim(ctx, identity, api.ClaimCanAccessExternalTasks); err != nil {
		return err
	}

	_, err := s.store.UpdateExternalTask(ctx, taskID, func(task *api.ExternalTask) error {
		now := s.now()
		if err := ensureAccessible(task, workerID, now); err != nil {
			return err
		}
		mutate(task, now)
		return nil
	})
	switch {
	case errors.Is(err, persistence.ErrNotFound):
		return notFound(taskID)
	case errors.Is(err, persistence.ErrInvalidPayload):
		return api.WrapError(api.KindBadRequest, err, "result of External Task with ID '%s' is not valid JSON.", taskID)
	}
	return err
}

// ensureAccessible rejects finished tasks and tasks whose lease is held by
// another worker. An expired lease counts as unowned.
func ensureAccessible(task *api.ExternalTask, workerID string, now time.Time) error {
	if task.State == api.ExternalTaskFinished {
		return api.Gonef("External Task with ID '%s' has been finished and is no longer accessible.", task.ID)
	}
	if task.LockedByOther(workerID, now) {
		return api.Lockedf("External Task with ID '%s' is locked by another worker, until %s.",
			task.ID, task.LockExpirationTime.UTC().Format(time.RFC3339Nano))
	}
	return nil
}

func notFound(taskID string) error {
	return api.NotFoundf("External Task with ID '%s' not found.", taskID)
}
