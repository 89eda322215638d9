// Package postgres implements the repository interfaces on PostgreSQL via pgx.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/xid"

	"github.com/sakif/codeexec/internal/apperror"
	"github.com/sakif/codeexec/internal/model"
	"github.com/sakif/codeexec/internal/repository"
)

// uniqueViolation is the SQLSTATE for unique_violation.
const uniqueViolation = "23505"

const artifactColumns = `id, template_id, body, language, stdin, stdout, stderr, path, created_at, updated_at`

var _ repository.ArtifactRepository = (*DB)(nil)

type DB struct {
	pool *pgxpool.Pool
}

// New connects to databaseURL and runs migrations.
func New(ctx context.Context, databaseURL string) (*DB, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("postgres: connecting: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: pinging database: %w", err)
	}

	db := &DB{pool: pool}
	if err := db.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: running migrations: %w", err)
	}
	return db, nil
}

func (db *DB) Close() error {
	db.pool.Close()
	return nil
}

func (db *DB) Ping(ctx context.Context) error {
	return db.pool.Ping(ctx)
}

func (db *DB) migrate(ctx context.Context) error {
	_, err := db.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS code_artifacts (
			id          TEXT PRIMARY KEY,
			template_id BIGINT,
			body        TEXT NOT NULL,
			language    TEXT NOT NULL,
			stdin       TEXT NOT NULL DEFAULT '',
			stdout      TEXT NOT NULL DEFAULT '',
			stderr      TEXT NOT NULL DEFAULT '',
			path        TEXT NOT NULL DEFAULT '',
			created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
		);
		CREATE UNIQUE INDEX IF NOT EXISTS idx_code_artifacts_template_id ON code_artifacts(template_id);
		CREATE INDEX IF NOT EXISTS idx_code_artifacts_created_at ON code_artifacts(created_at);
	`)
	if err != nil {
		return fmt.Errorf("creating code_artifacts table: %w", err)
	}
	return nil
}

func scanArtifact(row pgx.Row) (*model.CodeArtifact, error) {
	var a model.CodeArtifact
	// pgx scans NULL into a nil *int64 directly.
	if err := row.Scan(
		&a.ID, &a.TemplateID, &a.Body, &a.Language,
		&a.Stdin, &a.Stdout, &a.Stderr, &a.Path,
		&a.CreatedAt, &a.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return &a, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

func (db *DB) Create(ctx context.Context, a *model.CodeArtifact) error {
	a.ID = xid.New().String()
	now := time.Now().UTC()
	a.CreatedAt = now
	a.UpdatedAt = now

	_, err := db.pool.Exec(ctx,
		`INSERT INTO code_artifacts (`+artifactColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		a.ID, a.TemplateID, a.Body, a.Language,
		a.Stdin, a.Stdout, a.Stderr, a.Path,
		a.CreatedAt, a.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) && a.TemplateID != nil {
			return apperror.DuplicateBinding(*a.TemplateID)
		}
		return fmt.Errorf("postgres: creating artifact: %w", err)
	}
	return nil
}

func (db *DB) GetByID(ctx context.Context, id string) (*model.CodeArtifact, error) {
	a, err := scanArtifact(db.pool.QueryRow(ctx,
		`SELECT `+artifactColumns+` FROM code_artifacts WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperror.NotFound("artifact", id)
		}
		return nil, fmt.Errorf("postgres: getting artifact %s: %w", id, err)
	}
	return a, nil
}

func (db *DB) GetByTemplate(ctx context.Context, templateID int64) (*model.CodeArtifact, error) {
	a, err := scanArtifact(db.pool.QueryRow(ctx,
		`SELECT `+artifactColumns+` FROM code_artifacts WHERE template_id = $1`, templateID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperror.NoArtifactBound(templateID)
		}
		return nil, fmt.Errorf("postgres: getting artifact for template %d: %w", templateID, err)
	}
	return a, nil
}

func (db *DB) List(ctx context.Context, opts repository.ListOptions) ([]model.CodeArtifact, error) {
	opts = opts.Normalize()

	rows, err := db.pool.Query(ctx,
		`SELECT `+artifactColumns+`
		 FROM code_artifacts
		 ORDER BY created_at DESC, id DESC
		 LIMIT $1 OFFSET $2`,
		opts.Limit, opts.Offset,
	)
	if err != nil {
		return nil, fmt.Errorf("postgres: listing artifacts: %w", err)
	}
	defer rows.Close()

	artifacts := make([]model.CodeArtifact, 0, opts.Limit)
	for rows.Next() {
		a, err := scanArtifact(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scanning artifact row: %w", err)
		}
		artifacts = append(artifacts, *a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: iterating artifacts: %w", err)
	}
	return artifacts, nil
}

func (db *DB) Update(ctx context.Context, a *model.CodeArtifact) error {
	a.UpdatedAt = time.Now().UTC()

	tag, err := db.pool.Exec(ctx,
		`UPDATE code_artifacts
		 SET body = $1, language = $2, stdin = $3, stdout = $4, stderr = $5, path = $6, updated_at = $7
		 WHERE id = $8`,
		a.Body, a.Language, a.Stdin, a.Stdout, a.Stderr, a.Path, a.UpdatedAt, a.ID,
	)
	if err != nil {
		return fmt.Errorf("postgres: updating artifact %s: %w", a.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return apperror.NotFound("artifact", a.ID)
	}
	return nil
}

func (db *DB) Detach(ctx context.Context, templateID int64) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE code_artifacts SET template_id = NULL, updated_at = $1 WHERE template_id = $2`,
		time.Now().UTC(), templateID,
	)
	if err != nil {
		return fmt.Errorf("postgres: detaching template %d: %w", templateID, err)
	}
	if tag.RowsAffected() == 0 {
		return apperror.NoArtifactBound(templateID)
	}
	return nil
}
