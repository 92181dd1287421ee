package persistence

import (
	"context"
	"database/sql"
	"errors"

	"github.com/petrijr/fluxo-bpmn/pkg/api"
)

func (s *SQLStore) SaveProcessDefinition(ctx context.Context, def *api.ProcessDefinition) error {
	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO process_definitions (name, xml, hash, created_at)
		VALUES (?, ?, ?, ?)`),
		def.Name, def.XML, def.Hash, toNanos(def.CreatedAt),
	)
	return s.insertErr(err)
}

func (s *SQLStore) GetProcessDefinitionByHash(ctx context.Context, hash string) (*api.ProcessDefinition, error) {
	return s.getProcessDefinition(ctx, `
		SELECT name, xml, hash, created_at FROM process_definitions
		WHERE hash = ?
		ORDER BY id DESC
		LIMIT 1`, hash)
}

func (s *SQLStore) GetLatestProcessDefinition(ctx context.Context, name string) (*api.ProcessDefinition, error) {
	return s.getProcessDefinition(ctx, `
		SELECT name, xml, hash, created_at FROM process_definitions
		WHERE name = ?
		ORDER BY id DESC
		LIMIT 1`, name)
}

func (s *SQLStore) getProcessDefinition(ctx context.Context, query string, arg string) (*api.ProcessDefinition, error) {
	var def api.ProcessDefinition
	var createdAt int64
	err := s.db.QueryRowContext(ctx, s.q(query), arg).Scan(&def.Name, &def.XML, &def.Hash, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	def.CreatedAt = fromNanos(createdAt)
	return &def, nil
}

func (s *SQLStore) DeleteProcessDefinitions(ctx context.Context, name string) error {
	_, err := s.db.ExecContext(ctx, s.q(`DELETE FROM process_definitions WHERE name = ?`), name)
	return err
}
