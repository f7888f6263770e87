package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/gosuda/toolgate/internal/domain"
)

type ToolRepo struct {
	db DB
}

func NewToolRepo(db DB) *ToolRepo {
	return &ToolRepo{db: db}
}

func (r *ToolRepo) GetByID(ctx context.Context, id string) (*domain.ToolDefinition, error) {
	t, err := scanTool(r.db.QueryRow(ctx,
		`SELECT id, name, description, risk_level, executor, args_schema, command, cwd,
		        timeout_seconds, allowed_path_prefixes, enabled, created_at, updated_at
		 FROM tools WHERE id = $1`,
		id,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("toolRepo.GetByID: %w", domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("toolRepo.GetByID: %w", err)
	}

	return t, nil
}

func (r *ToolRepo) List(ctx context.Context) ([]*domain.ToolDefinition, error) {
	rows, err := r.db.Query(ctx,
		`SELECT id, name, description, risk_level, executor, args_schema, command, cwd,
		        timeout_seconds, allowed_path_prefixes, enabled, created_at, updated_at
		 FROM tools ORDER BY id`,
	)
	if err != nil {
		return nil, fmt.Errorf("toolRepo.List: %w", err)
	}
	defer rows.Close()

	var tools []*domain.ToolDefinition
	for rows.Next() {
		t, err := scanTool(rows)
		if err != nil {
			return nil, fmt.Errorf("toolRepo.List: scan: %w", err)
		}
		tools = append(tools, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("toolRepo.List: rows: %w", err)
	}

	return tools, nil
}

func (r *ToolRepo) Upsert(ctx context.Context, t *domain.ToolDefinition) error {
	command, err := json.Marshal(t.Command)
	if err != nil {
		return fmt.Errorf("toolRepo.Upsert: marshal command: %w", err)
	}
	prefixes, err := json.Marshal(t.AllowedPathPrefixes)
	if err != nil {
		return fmt.Errorf("toolRepo.Upsert: marshal prefixes: %w", err)
	}

	_, err = r.db.Exec(ctx,
		`INSERT INTO tools (id, name, description, risk_level, executor, args_schema, command, cwd,
		                    timeout_seconds, allowed_path_prefixes, enabled, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		 ON CONFLICT (id) DO UPDATE SET
		   name = EXCLUDED.name,
		   description = EXCLUDED.description,
		   risk_level = EXCLUDED.risk_level,
		   executor = EXCLUDED.executor,
		   args_schema = EXCLUDED.args_schema,
		   command = EXCLUDED.command,
		   cwd = EXCLUDED.cwd,
		   timeout_seconds = EXCLUDED.timeout_seconds,
		   allowed_path_prefixes = EXCLUDED.allowed_path_prefixes,
		   enabled = EXCLUDED.enabled,
		   updated_at = EXCLUDED.updated_at`,
		t.ID, t.Name, t.Description, t.RiskLevel, t.Executor, t.ArgsSchema, command, t.Cwd,
		t.TimeoutSeconds, prefixes, t.Enabled, t.CreatedAt, t.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("toolRepo.Upsert: %w", err)
	}

	return nil
}

func (r *ToolRepo) SetEnabled(ctx context.Context, id string, enabled bool) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE tools SET enabled = $1, updated_at = now() WHERE id = $2`,
		enabled, id,
	)
	if err != nil {
		return fmt.Errorf("toolRepo.SetEnabled: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("toolRepo.SetEnabled: %w", domain.ErrNotFound)
	}

	return nil
}

func scanTool(row pgx.Row) (*domain.ToolDefinition, error) {
	var t domain.ToolDefinition
	var command, prefixes []byte

	err := row.Scan(
		&t.ID, &t.Name, &t.Description, &t.RiskLevel, &t.Executor, &t.ArgsSchema,
		&command, &t.Cwd, &t.TimeoutSeconds, &prefixes, &t.Enabled, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(command, &t.Command); err != nil {
		return nil, fmt.Errorf("unmarshal command: %w", err)
	}
	if len(prefixes) > 0 {
		if err := json.Unmarshal(prefixes, &t.AllowedPathPrefixes); err != nil {
			return nil, fmt.Errorf("unmarshal prefixes: %w", err)
		}
	}

	return &t, nil
}
