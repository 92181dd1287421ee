package persistence

import (
	"context"
	"database/sql"
	"errors"
	"math"
	"sort"
	"time"

	"github.com/petrijr/fluxo-bpmn/pkg/api"
)

const externalTaskColumns = `id, topic, worker_id, lock_expiration_time, correlation_id, process_model_id,
	process_instance_id, flow_node_instance_id, identity, payload, state, result, error, created_at, finished_at`

func (s *SQLStore) CreateExternalTask(ctx context.Context, task *api.ExternalTask) error {
	identity, err := EncodeValue(task.Identity)
	if err != nil {
		return err
	}
	payload, err := EncodeValue(task.Payload)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, s.q(`
		INSERT INTO external_tasks (`+externalTaskColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		task.ID,
		task.Topic,
		task.WorkerID,
		toNanos(task.LockExpirationTime),
		task.CorrelationID,
		task.ProcessModelID,
		task.ProcessInstanceID,
		task.FlowNodeInstanceID,
		jsonArg(identity),
		jsonArg(payload),
		string(task.State),
		nil,
		nil,
		toNanos(task.CreatedAt),
		toNanos(task.FinishedAt),
	)
	return s.insertErr(err)
}

func (s *SQLStore) GetExternalTask(ctx context.Context, id string) (*api.ExternalTask, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+externalTaskColumns+` FROM external_tasks WHERE id = ?`), id)
	task, err := scanExternalTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return task, err
}

func (s *SQLStore) GetExternalTaskByInstanceIDs(ctx context.Context, correlationID, processInstanceID, flowNodeInstanceID string) (*api.ExternalTask, error) {
	row := s.db.QueryRowContext(ctx, s.q(`
		SELECT `+externalTaskColumns+` FROM external_tasks
		WHERE correlation_id = ? AND process_instance_id = ? AND flow_node_instance_id = ?
		ORDER BY created_at DESC
		LIMIT 1`),
		correlationID, processInstanceID, flowNodeInstanceID,
	)
	task, err := scanExternalTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return task, err
}

// ClaimExternalTasks selects and locks claimable rows in one statement. The
// subselect picks the oldest pending rows whose lease is unset or expired;
// the outer update assigns them to workerID. On PostgreSQL the subselect
// skips rows another claimer has already locked.
func (s *SQLStore) ClaimExternalTasks(ctx context.Context, topic, workerID string, limit int, now, lockExpiration time.Time) ([]*api.ExternalTask, error) {
	if limit <= 0 {
		limit = math.MaxInt32
	}

	rows, err := s.db.QueryContext(ctx, s.q(`
		UPDATE external_tasks
		SET worker_id = ?, lock_expiration_time = ?
		WHERE id IN (
			SELECT id FROM external_tasks
			WHERE topic = ? AND state = ? AND lock_expiration_time <= ?
			ORDER BY created_at ASC, id ASC
			LIMIT ?`+s.dialect.SkipLocked+`
		)
		RETURNING `+externalTaskColumns),
		workerID,
		toNanos(lockExpiration),
		topic,
		string(api.ExternalTaskPending),
		toNanos(now),
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []*api.ExternalTask
	for rows.Next() {
		task, err := scanExternalTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// RETURNING does not preserve the subselect order.
	sort.SliceStable(tasks, func(i, j int) bool {
		if tasks[i].CreatedAt.Equal(tasks[j].CreatedAt) {
			return tasks[i].ID < tasks[j].ID
		}
		return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
	})
	return tasks, nil
}

func (s *SQLStore) UpdateExternalTask(ctx context.Context, id string, fn ExternalTaskUpdate) (*api.ExternalTask, error) {
	var updated *api.ExternalTask
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, s.q(`SELECT `+externalTaskColumns+` FROM external_tasks WHERE id = ?`+s.dialect.LockRow), id)
		task, err := scanExternalTask(row)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return err
		}

		if err := fn(task); err != nil {
			return err
		}

		result, err := EncodeValue(task.Result)
		if err != nil {
			return err
		}
		errPayload, err := encodeJSON(task.Error)
		if err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx, s.q(`
			UPDATE external_tasks
			SET worker_id = ?, lock_expiration_time = ?, state = ?, result = ?, error = ?, finished_at = ?
			WHERE id = ?`),
			task.WorkerID,
			toNanos(task.LockExpirationTime),
			string(task.State),
			jsonArg(result),
			errPayload,
			toNanos(task.FinishedAt),
			task.ID,
		)
		if err != nil {
			return err
		}
		updated = task
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (s *SQLStore) DeleteExternalTasksByProcessModel(ctx context.Context, processModelID string) error {
	_, err := s.db.ExecContext(ctx, s.q(`DELETE FROM external_tasks WHERE process_model_id = ?`), processModelID)
	return err
}

func scanExternalTask(row rowScanner) (*api.ExternalTask, error) {
	var (
		task                                  api.ExternalTask
		identity, payload, result, errPayload []byte
		state                                 string
		lockExpiration, createdAt, finishedAt int64
	)
	if err := row.Scan(
		&task.ID,
		&task.Topic,
		&task.WorkerID,
		&lockExpiration,
		&task.CorrelationID,
		&task.ProcessModelID,
		&task.ProcessInstanceID,
		&task.FlowNodeInstanceID,
		&identity,
		&payload,
		&state,
		&result,
		&errPayload,
		&createdAt,
		&finishedAt,
	); err != nil {
		return nil, err
	}

	id, err := DecodeValue[api.Identity](identity)
	if err != nil {
		return nil, err
	}
	ep, err := DecodeValue[*api.ErrorPayload](errPayload)
	if err != nil {
		return nil, err
	}

	task.Identity = id
	task.Error = ep
	task.Payload = decodeRaw(payload)
	task.Result = decodeRaw(result)
	task.State = api.ExternalTaskState(state)
	task.LockExpirationTime = fromNanos(lockExpiration)
	task.CreatedAt = fromNanos(createdAt)
	task.FinishedAt = fromNanos(finishedAt)
	return &task, nil
}
