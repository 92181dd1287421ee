package persistence

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"github.com/petrijr/fluxo-bpmn/pkg/api"
)

const flowNodeColumns = `id, flow_node_id, flow_node_type, event_type, correlation_id, process_model_id,
	process_instance_id, parent_process_instance_id, identity, previous_flow_node_instance_id,
	state, error, created_at, updated_at`

func (s *SQLStore) CreateFlowNodeInstance(ctx context.Context, inst *api.FlowNodeInstance, token *api.ProcessToken) error {
	identity, err := EncodeValue(inst.Owner)
	if err != nil {
		return err
	}
	errPayload, err := encodeJSON(inst.Error)
	if err != nil {
		return err
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, s.q(`
			INSERT INTO flow_node_instances (`+flowNodeColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
			inst.ID,
			inst.FlowNodeID,
			inst.FlowNodeType,
			inst.EventType,
			inst.CorrelationID,
			inst.ProcessModelID,
			inst.ProcessInstanceID,
			inst.ParentProcessInstanceID,
			jsonArg(identity),
			inst.PreviousFlowNodeInstanceID,
			string(inst.State),
			errPayload,
			toNanos(inst.CreatedAt),
			toNanos(inst.UpdatedAt),
		)
		if err != nil {
			return s.insertErr(err)
		}
		return s.appendToken(ctx, tx, token)
	})
}

func (s *SQLStore) TransitionFlowNodeInstance(ctx context.Context, t FlowNodeTransition) error {
	errPayload, err := encodeJSON(t.Error)
	if err != nil {
		return err
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		var current string
		err := tx.QueryRowContext(ctx, s.q(`
			SELECT state FROM flow_node_instances
			WHERE id = ? AND flow_node_id = ?`+s.dialect.LockRow),
			t.InstanceID, t.FlowNodeID,
		).Scan(&current)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return err
		}

		if t.Check != nil {
			if err := t.Check(api.FlowNodeInstanceState(current)); err != nil {
				return err
			}
		}

		_, err = tx.ExecContext(ctx, s.q(`
			UPDATE flow_node_instances
			SET state = ?, error = ?, updated_at = ?
			WHERE id = ?`),
			string(t.To), errPayload, toNanos(t.Token.CreatedAt), t.InstanceID,
		)
		if err != nil {
			return err
		}
		return s.appendToken(ctx, tx, t.Token)
	})
}

func (s *SQLStore) appendToken(ctx context.Context, tx *sql.Tx, token *api.ProcessToken) error {
	identity, err := EncodeValue(token.Identity)
	if err != nil {
		return err
	}
	payload, err := EncodeValue(token.Payload)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, s.q(`
		INSERT INTO process_tokens (flow_node_instance_id, type, caller_id, identity, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`),
		token.FlowNodeInstanceID,
		string(token.Type),
		token.CallerID,
		jsonArg(identity),
		jsonArg(payload),
		toNanos(token.CreatedAt),
	)
	return err
}

func (s *SQLStore) QueryFlowNodeInstances(ctx context.Context, filter FlowNodeInstanceFilter) ([]*api.FlowNodeInstance, error) {
	query := `SELECT ` + flowNodeColumns + ` FROM flow_node_instances`
	var args []any
	var clauses []string

	add := func(column, value string) {
		if value != "" {
			clauses = append(clauses, column+" = ?")
			args = append(args, value)
		}
	}
	add("id", filter.ID)
	add("flow_node_id", filter.FlowNodeID)
	add("correlation_id", filter.CorrelationID)
	add("process_model_id", filter.ProcessModelID)
	add("process_instance_id", filter.ProcessInstanceID)
	if len(filter.States) > 0 {
		clauses = append(clauses, "state IN ("+placeholders(len(filter.States))+")")
		for _, st := range filter.States {
			args = append(args, string(st))
		}
	}

	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY created_at ASC, id ASC"

	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*api.FlowNodeInstance
	byID := make(map[string]*api.FlowNodeInstance)
	for rows.Next() {
		inst, err := scanFlowNodeInstance(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, inst)
		byID[inst.ID] = inst
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(result) == 0 {
		return result, nil
	}

	if err := s.loadTokens(ctx, byID); err != nil {
		return nil, err
	}
	return result, nil
}

// loadTokens attaches tokens to the given instances in read order.
func (s *SQLStore) loadTokens(ctx context.Context, byID map[string]*api.FlowNodeInstance) error {
	ids := make([]any, 0, len(byID))
	for id := range byID {
		ids = append(ids, id)
	}

	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT id, flow_node_instance_id, type, caller_id, identity, payload, created_at
		FROM process_tokens
		WHERE flow_node_instance_id IN (`+placeholders(len(ids))+`)
		ORDER BY id ASC`), ids...)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		tok, err := scanProcessToken(rows)
		if err != nil {
			return err
		}
		inst := byID[tok.FlowNodeInstanceID]
		tok.CorrelationID = inst.CorrelationID
		tok.ProcessModelID = inst.ProcessModelID
		tok.ProcessInstanceID = inst.ProcessInstanceID
		inst.Tokens = append(inst.Tokens, tok)
	}
	return rows.Err()
}

func (s *SQLStore) QueryProcessTokens(ctx context.Context, processInstanceID string) ([]api.ProcessToken, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT t.id, t.flow_node_instance_id, t.type, t.caller_id, t.identity, t.payload, t.created_at,
			f.correlation_id, f.process_model_id, f.process_instance_id
		FROM process_tokens t
		JOIN flow_node_instances f ON f.id = t.flow_node_instance_id
		WHERE f.process_instance_id = ?
		ORDER BY t.id ASC`), processInstanceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tokens []api.ProcessToken
	for rows.Next() {
		var (
			tok               api.ProcessToken
			typ               string
			identity, payload []byte
			createdAt         int64
		)
		if err := rows.Scan(&tok.Sequence, &tok.FlowNodeInstanceID, &typ, &tok.CallerID, &identity, &payload, &createdAt,
			&tok.CorrelationID, &tok.ProcessModelID, &tok.ProcessInstanceID); err != nil {
			return nil, err
		}
		if err := fillToken(&tok, typ, identity, payload, createdAt); err != nil {
			return nil, err
		}
		tokens = append(tokens, tok)
	}
	return tokens, rows.Err()
}

func (s *SQLStore) DeleteFlowNodeInstancesByProcessModel(ctx context.Context, processModelID string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, s.q(`SELECT id FROM flow_node_instances WHERE process_model_id = ?`), processModelID)
		if err != nil {
			return err
		}
		var ids []any
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				_ = rows.Close()
				return err
			}
			ids = append(ids, id)
		}
		if err := rows.Err(); err != nil {
			_ = rows.Close()
			return err
		}
		if err := rows.Close(); err != nil {
			return err
		}
		if len(ids) == 0 {
			return nil
		}

		if _, err := tx.ExecContext(ctx, s.q(`
			DELETE FROM process_tokens WHERE flow_node_instance_id IN (`+placeholders(len(ids))+`)`), ids...); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, s.q(`
			DELETE FROM flow_node_instances WHERE id IN (`+placeholders(len(ids))+`)`), ids...)
		return err
	})
}

func scanFlowNodeInstance(row rowScanner) (*api.FlowNodeInstance, error) {
	var (
		inst                 api.FlowNodeInstance
		identity, errPayload []byte
		state                string
		createdAt, updatedAt int64
	)
	if err := row.Scan(
		&inst.ID,
		&inst.FlowNodeID,
		&inst.FlowNodeType,
		&inst.EventType,
		&inst.CorrelationID,
		&inst.ProcessModelID,
		&inst.ProcessInstanceID,
		&inst.ParentProcessInstanceID,
		&identity,
		&inst.PreviousFlowNodeInstanceID,
		&state,
		&errPayload,
		&createdAt,
		&updatedAt,
	); err != nil {
		return nil, err
	}

	owner, err := DecodeValue[api.Identity](identity)
	if err != nil {
		return nil, err
	}
	ep, err := DecodeValue[*api.ErrorPayload](errPayload)
	if err != nil {
		return nil, err
	}

	inst.Owner = owner
	inst.Error = ep
	inst.State = api.FlowNodeInstanceState(state)
	inst.CreatedAt = fromNanos(createdAt)
	inst.UpdatedAt = fromNanos(updatedAt)
	return &inst, nil
}

func scanProcessToken(row rowScanner) (api.ProcessToken, error) {
	var (
		tok               api.ProcessToken
		typ               string
		identity, payload []byte
		createdAt         int64
	)
	if err := row.Scan(&tok.Sequence, &tok.FlowNodeInstanceID, &typ, &tok.CallerID, &identity, &payload, &createdAt); err != nil {
		return tok, err
	}
	err := fillToken(&tok, typ, identity, payload, createdAt)
	return tok, err
}

func fillToken(tok *api.ProcessToken, typ string, identity, payload []byte, createdAt int64) error {
	id, err := DecodeValue[api.Identity](identity)
	if err != nil {
		return err
	}
	tok.Type = api.TokenType(typ)
	tok.Identity = id
	tok.Payload = decodeRaw(payload)
	tok.CreatedAt = fromNanos(createdAt)
	return nil
}
