package persistence

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"github.com/petrijr/fluxo-bpmn/pkg/api"
)

const correlationColumns = `correlation_id, process_instance_id, process_model_id, process_model_hash,
	parent_process_instance_id, identity, state, error, created_at`

func (s *SQLStore) CreateCorrelationEntry(ctx context.Context, entry *api.CorrelationProcessInstance) error {
	identity, err := EncodeValue(entry.Identity)
	if err != nil {
		return err
	}
	errPayload, err := encodeJSON(entry.Error)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, s.q(`
		INSERT INTO correlations (`+correlationColumns+`, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		entry.CorrelationID,
		entry.ProcessInstanceID,
		entry.ProcessModelID,
		entry.ProcessModelHash,
		entry.ParentProcessInstanceID,
		jsonArg(identity),
		string(entry.State),
		errPayload,
		toNanos(entry.CreatedAt),
		toNanos(entry.CreatedAt),
	)
	return s.insertErr(err)
}

func (s *SQLStore) QueryCorrelationEntries(ctx context.Context, filter CorrelationFilter) ([]*api.CorrelationProcessInstance, error) {
	query := `SELECT ` + correlationColumns + ` FROM correlations`
	var args []any
	var clauses []string

	add := func(column, value string) {
		if value != "" {
			clauses = append(clauses, column+" = ?")
			args = append(args, value)
		}
	}
	add("correlation_id", filter.CorrelationID)
	add("process_instance_id", filter.ProcessInstanceID)
	add("process_model_id", filter.ProcessModelID)
	add("parent_process_instance_id", filter.ParentProcessInstanceID)
	add("state", string(filter.State))

	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY created_at ASC, correlation_id ASC, process_instance_id ASC"

	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*api.CorrelationProcessInstance
	for rows.Next() {
		var (
			entry                api.CorrelationProcessInstance
			identity, errPayload []byte
			state                string
			createdAt            int64
		)
		if err := rows.Scan(
			&entry.CorrelationID,
			&entry.ProcessInstanceID,
			&entry.ProcessModelID,
			&entry.ProcessModelHash,
			&entry.ParentProcessInstanceID,
			&identity,
			&state,
			&errPayload,
			&createdAt,
		); err != nil {
			return nil, err
		}
		if entry.Identity, err = DecodeValue[api.Identity](identity); err != nil {
			return nil, err
		}
		if entry.Error, err = DecodeValue[*api.ErrorPayload](errPayload); err != nil {
			return nil, err
		}
		entry.State = api.CorrelationState(state)
		entry.CreatedAt = fromNanos(createdAt)
		result = append(result, &entry)
	}
	return result, rows.Err()
}

func (s *SQLStore) FinishCorrelationEntry(ctx context.Context, correlationID, processInstanceID string, state api.CorrelationState, errPayload *api.ErrorPayload) error {
	ep, err := encodeJSON(errPayload)
	if err != nil {
		return err
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, s.q(`
			UPDATE correlations
			SET state = ?, error = ?, updated_at = ?
			WHERE correlation_id = ? AND process_instance_id = ? AND state = ?`),
			string(state), ep, toNanos(now()), correlationID, processInstanceID, string(api.CorrelationRunning),
		)
		if err != nil {
			return err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if affected > 0 {
			return nil
		}

		var one int
		err = tx.QueryRowContext(ctx, s.q(`
			SELECT 1 FROM correlations WHERE correlation_id = ? AND process_instance_id = ?`),
			correlationID, processInstanceID,
		).Scan(&one)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		return ErrDuplicate
	})
}

func (s *SQLStore) DeleteCorrelationEntriesByProcessModel(ctx context.Context, processModelID string) error {
	_, err := s.db.ExecContext(ctx, s.q(`DELETE FROM correlations WHERE process_model_id = ?`), processModelID)
	return err
}
