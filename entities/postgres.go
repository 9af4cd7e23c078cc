package entities

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/lyzr/promptflow/common/db"
	"github.com/lyzr/promptflow/common/errs"
	"github.com/lyzr/promptflow/common/logger"
)

// Schema is the table backing the Postgres run store.
const Schema = `
CREATE TABLE IF NOT EXISTS run (
    name       TEXT PRIMARY KEY,
    archived   BOOLEAN NOT NULL DEFAULT FALSE,
    created_on TIMESTAMPTZ NOT NULL,
    document   JSONB NOT NULL
);
CREATE INDEX IF NOT EXISTS run_created_on_idx ON run (created_on DESC);
`

// PostgresStore persists run records as JSONB documents.
type PostgresStore struct {
	db  *db.DB
	log *logger.Logger
}

// NewPostgresStore creates a Postgres-backed run store.
func NewPostgresStore(database *db.DB, log *logger.Logger) *PostgresStore {
	return &PostgresStore{db: database, log: log}
}

// Migrate creates the run table if it does not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("failed to migrate run table: %w", err)
	}
	return nil
}

func (s *PostgresStore) Create(ctx context.Context, run *Run) error {
	if err := ValidateRunName(run.Name); err != nil {
		return err
	}
	document, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("failed to serialize run: %w", err)
	}

	query := `
		INSERT INTO run (name, archived, created_on, document)
		VALUES ($1, $2, $3, $4)
	`
	_, err = s.db.Exec(ctx, query, run.Name, run.Archived, run.CreatedOn, document)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return errs.User(errs.CodeRunExists, "run %q already exists", run.Name)
		}
		return fmt.Errorf("failed to create run: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, name string) (*Run, error) {
	query := `SELECT document FROM run WHERE name = $1`

	var document []byte
	err := s.db.QueryRow(ctx, query, name).Scan(&document)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errs.User(errs.CodeRunNotFound, "run %q not found", name)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}

	var run Run
	if err := json.Unmarshal(document, &run); err != nil {
		return nil, fmt.Errorf("failed to decode run %q: %w", name, err)
	}
	return &run, nil
}

// List returns runs newest first. Malformed documents are skipped with a
// warning rather than failing the whole listing.
func (s *PostgresStore) List(ctx context.Context, opts ListOptions) ([]*Run, error) {
	query := `SELECT name, document FROM run`
	args := []any{}
	switch opts.View {
	case ViewArchived:
		query += ` WHERE archived`
	case ViewAll:
	default:
		query += ` WHERE NOT archived`
	}
	query += ` ORDER BY created_on DESC`
	if opts.MaxResults > 0 {
		query += ` LIMIT $1`
		args = append(args, opts.MaxResults)
	}

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		var name string
		var document []byte
		if err := rows.Scan(&name, &document); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		var run Run
		if err := json.Unmarshal(document, &run); err != nil {
			s.log.Warn("skipping malformed run record", "name", name, "error", err)
			continue
		}
		runs = append(runs, &run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}
	return runs, nil
}

func (s *PostgresStore) Update(ctx context.Context, name string, patch map[string]any) (*Run, error) {
	run, err := s.Get(ctx, name)
	if err != nil {
		return nil, err
	}
	updated, err := mergeRun(run, patch)
	if err != nil {
		return nil, err
	}
	document, err := json.Marshal(updated)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize run: %w", err)
	}

	query := `
		UPDATE run
		SET archived = $2, document = $3
		WHERE name = $1
	`
	if _, err := s.db.Exec(ctx, query, name, updated.Archived, document); err != nil {
		return nil, fmt.Errorf("failed to update run: %w", err)
	}
	return updated, nil
}

func (s *PostgresStore) Archive(ctx context.Context, name string) (*Run, error) {
	return s.Update(ctx, name, map[string]any{"archived": true})
}

func (s *PostgresStore) Restore(ctx context.Context, name string) (*Run, error) {
	return s.Update(ctx, name, map[string]any{"archived": false})
}

func (s *PostgresStore) Delete(ctx context.Context, name string) error {
	result, err := s.db.Exec(ctx, `DELETE FROM run WHERE name = $1`, name)
	if err != nil {
		return fmt.Errorf("failed to delete run: %w", err)
	}
	if result.RowsAffected() == 0 {
		return errs.User(errs.CodeRunNotFound, "run %q not found", name)
	}
	return nil
}
