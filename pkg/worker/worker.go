package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/petrijr/fluxo-bpmn/pkg/api"
)

// Config controls fetching and lease handling of a Worker.
type Config struct {
	// WorkerID identifies the worker for the lifetime of the process. A
	// random id is generated when empty.
	WorkerID string

	// MaxTasks is the batch size of one fetch. Values <= 0 fetch every
	// claimable task.
	MaxTasks int

	// LockDuration is the lease requested on fetch and on every renewal.
	LockDuration time.Duration

	// LongPollingTimeout is how long a fetch may wait for work on the
	// engine side. Zero returns immediately.
	LongPollingTimeout time.Duration

	// RetryInterval is the fixed pause after a failed fetch. An empty batch
	// that came back sooner than RetryInterval is padded up to it.
	RetryInterval time.Duration

	// RenewMargin is how long before expiry a lease is extended.
	RenewMargin time.Duration
}

// DefaultConfig returns the settings used by the stock worker process.
func DefaultConfig() Config {
	return Config{
		MaxTasks:           10,
		LockDuration:       30 * time.Second,
		LongPollingTimeout: 10 * time.Second,
		RetryInterval:      time.Second,
		RenewMargin:        5 * time.Second,
	}
}

// renewInterval is the period of the lease renewal timer. It falls back to
// half the lock duration when the margin would leave no time at all.
func (c Config) renewInterval() time.Duration {
	d := c.LockDuration - c.RenewMargin
	if d <= 0 {
		d = c.LockDuration / 2
	}
	if d <= 0 {
		d = time.Millisecond
	}
	return d
}

// Handler executes one external task.
type Handler func(ctx context.Context, task *api.ExternalTask) (Result, error)

// Option configures a Worker.
type Option func(*Worker)

// WithObserver reports executions and lease renewals to o.
func WithObserver(o api.Observer) Option {
	return func(w *Worker) {
		if o != nil {
			w.observer = o
		}
	}
}

// Worker fetches external tasks through an ExternalTaskAPI and executes them.
type Worker struct {
	client   api.ExternalTaskAPI
	cfg      Config
	id       string
	logger   *zap.Logger
	observer api.Observer
}

// New creates a Worker. A nil logger disables logging.
func New(client api.ExternalTaskAPI, cfg Config, logger *zap.Logger, opts ...Option) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultConfig()
	if cfg.LockDuration <= 0 {
		cfg.LockDuration = def.LockDuration
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = def.RetryInterval
	}
	if cfg.RenewMargin < 0 {
		cfg.RenewMargin = 0
	}
	id := cfg.WorkerID
	if id == "" {
		id = uuid.NewString()
	}

	w := &Worker{
		client:   client,
		cfg:      cfg,
		id:       id,
		logger:   logger.Named("worker").With(zap.String("worker_id", id)),
		observer: api.NoopObserver{},
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// ID returns the worker id sent with every call.
func (w *Worker) ID() string { return w.id }

// Run fetches and executes batches for topic until ctx is done. Fetch
// failures never end the loop. Run returns ctx.Err().
func (w *Worker) Run(ctx context.Context, identity api.Identity, topic string, handler Handler) error {
	w.logger.Info("worker started", zap.String("topic", topic))
	defer w.logger.Info("worker stopped", zap.String("topic", topic))

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		started := time.Now()
		n, err := w.ProcessBatch(ctx, identity, topic, handler)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			w.logger.Error("fetch and lock failed",
				zap.String("topic", topic),
				zap.Duration("retry_in", w.cfg.RetryInterval),
				zap.Error(err),
			)
			if err := sleep(ctx, w.cfg.RetryInterval); err != nil {
				return err
			}
			continue
		}
		if n == 0 {
			if err := sleep(ctx, idlePause(w.cfg.RetryInterval, time.Since(started))); err != nil {
				return err
			}
		}
	}
}

// idlePause is the wait after an empty batch. A fetch that already waited
// on the engine side for at least interval is followed directly by the next.
func idlePause(interval, fetched time.Duration) time.Duration {
	if fetched >= interval {
		return 0
	}
	return interval - fetched
}

// ProcessBatch runs one fetch and executes the claimed tasks. It returns the
// number of tasks executed; the error is the fetch error, never a handler
// or reporting failure.
func (w *Worker) ProcessBatch(ctx context.Context, identity api.Identity, topic string, handler Handler) (int, error) {
	tasks, err := w.client.FetchAndLockExternalTasks(ctx, identity, w.id, topic, w.cfg.MaxTasks, w.cfg.LongPollingTimeout, w.cfg.LockDuration)
	if err != nil {
		return 0, err
	}
	if len(tasks) == 0 {
		return 0, nil
	}

	held := newHeldSet(tasks)
	stop := make(chan struct{})
	renewed := make(chan struct{})
	go func() {
		defer close(renewed)
		w.renewLeases(ctx, identity, held, stop)
	}()

	var g errgroup.Group
	for _, task := range tasks {
		g.Go(func() error {
			defer held.release(task.ID)
			w.execute(ctx, identity, task, handler)
			return nil
		})
	}
	_ = g.Wait()

	close(stop)
	<-renewed
	return len(tasks), nil
}

// renewLeases extends every held lease once per renew interval until stop
// is closed.
func (w *Worker) renewLeases(ctx context.Context, identity api.Identity, held *heldSet, stop <-chan struct{}) {
	ticker := time.NewTicker(w.cfg.renewInterval())
	defer ticker.Stop()

	// Leases must outlive a cancelled ctx while handlers are still running.
	rctx := context.WithoutCancel(ctx)
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			for _, id := range held.ids() {
				err := w.client.ExtendLock(rctx, identity, w.id, id, w.cfg.LockDuration)
				if err != nil {
					w.logger.Warn("extend lock failed", zap.String("external_task_id", id), zap.Error(err))
				}
				w.observer.OnLockExtended(rctx, w.id, id, err)
			}
		}
	}
}

func (w *Worker) execute(ctx context.Context, identity api.Identity, task *api.ExternalTask, handler Handler) {
	start := time.Now()
	logger := w.logger.With(zap.String("external_task_id", task.ID), zap.String("topic", task.Topic))

	result, herr := invoke(ctx, handler, task)
	if herr != nil {
		fields := []zap.Field{zap.Error(herr)}
		var perr *panicError
		if errors.As(herr, &perr) {
			fields = append(fields, zap.ByteString("stack", perr.stack))
		}
		logger.Warn("handler failed", fields...)
		result = ServiceErrorResult{Message: herr.Error()}
	}
	if result == nil {
		result = FinishResult{}
	}

	rerr := result.report(context.WithoutCancel(ctx), w.client, identity, w.id, task.ID)
	if rerr != nil {
		logger.Error("reporting task result failed", zap.String("outcome", string(result.outcome())), zap.Error(rerr))
	}
	w.observer.OnTaskExecuted(ctx, w.id, task, result.outcome(), multierr.Combine(herr, rerr), time.Since(start))
}

// invoke runs handler and turns a panic into an error.
func invoke(ctx context.Context, handler Handler, task *api.ExternalTask) (result Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			result = nil
			err = &panicError{value: r, stack: debug.Stack()}
		}
	}()
	return handler(ctx, task)
}

type panicError struct {
	value any
	stack []byte
}

func (e *panicError) Error() string { return fmt.Sprintf("handler panicked: %v", e.value) }

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// heldSet tracks the tasks of a batch whose handler has not returned yet.
type heldSet struct {
	mu      sync.Mutex
	pending map[string]struct{}
}

func newHeldSet(tasks []*api.ExternalTask) *heldSet {
	s := &heldSet{pending: make(map[string]struct{}, len(tasks))}
	for _, t := range tasks {
		s.pending[t.ID] = struct{}{}
	}
	return s
}

func (s *heldSet) release(id string) {
	s.mu.Lock()
	delete(s.pending, id)
	s.mu.Unlock()
}

func (s *heldSet) ids() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.pending))
	for id := range s.pending {
		out = append(out, id)
	}
	return out
}
