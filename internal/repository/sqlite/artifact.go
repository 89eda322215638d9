package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/xid"
	"github.com/sakif/codeexec/internal/apperror"
	"github.com/sakif/codeexec/internal/model"
	"github.com/sakif/codeexec/internal/repository"
)

var _ repository.ArtifactRepository = (*DB)(nil)

const artifactColumns = `id, template_id, body, language, stdin, stdout, stderr, path, created_at, updated_at`

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanArtifact(row rowScanner) (*model.CodeArtifact, error) {
	var (
		a          model.CodeArtifact
		templateID sql.NullInt64
	)
	if err := row.Scan(
		&a.ID, &templateID, &a.Body, &a.Language,
		&a.Stdin, &a.Stdout, &a.Stderr, &a.Path,
		&a.CreatedAt, &a.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if templateID.Valid {
		id := templateID.Int64
		a.TemplateID = &id
	}
	return &a, nil
}

func nullableTemplate(id *int64) sql.NullInt64 {
	if id == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *id, Valid: true}
}

// Create inserts a new artifact, assigning its ID and timestamps.
func (db *DB) Create(ctx context.Context, a *model.CodeArtifact) error {
	a.ID = xid.New().String()
	now := time.Now().UTC()
	a.CreatedAt = now
	a.UpdatedAt = now

	_, err := db.conn.ExecContext(ctx,
		`INSERT INTO code_artifacts (`+artifactColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID,
		nullableTemplate(a.TemplateID),
		a.Body,
		a.Language,
		a.Stdin,
		a.Stdout,
		a.Stderr,
		a.Path,
		a.CreatedAt,
		a.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) && a.TemplateID != nil {
			return apperror.DuplicateBinding(*a.TemplateID)
		}
		return fmt.Errorf("sqlite: creating artifact: %w", err)
	}
	return nil
}

func (db *DB) GetByID(ctx context.Context, id string) (*model.CodeArtifact, error) {
	a, err := scanArtifact(db.conn.QueryRowContext(ctx,
		`SELECT `+artifactColumns+` FROM code_artifacts WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperror.NotFound("artifact", id)
		}
		return nil, fmt.Errorf("sqlite: getting artifact %s: %w", id, err)
	}
	return a, nil
}

func (db *DB) GetByTemplate(ctx context.Context, templateID int64) (*model.CodeArtifact, error) {
	a, err := scanArtifact(db.conn.QueryRowContext(ctx,
		`SELECT `+artifactColumns+` FROM code_artifacts WHERE template_id = ?`, templateID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperror.NoArtifactBound(templateID)
		}
		return nil, fmt.Errorf("sqlite: getting artifact for template %d: %w", templateID, err)
	}
	return a, nil
}

// List returns artifacts newest first.
func (db *DB) List(ctx context.Context, opts repository.ListOptions) ([]model.CodeArtifact, error) {
	opts = opts.Normalize()

	rows, err := db.conn.QueryContext(ctx,
		`SELECT `+artifactColumns+`
		 FROM code_artifacts
		 ORDER BY created_at DESC, id DESC
		 LIMIT ? OFFSET ?`,
		opts.Limit,
		opts.Offset,
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite: listing artifacts: %w", err)
	}
	defer rows.Close()

	artifacts := make([]model.CodeArtifact, 0, opts.Limit)
	for rows.Next() {
		a, err := scanArtifact(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scanning artifact row: %w", err)
		}
		artifacts = append(artifacts, *a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: iterating artifacts: %w", err)
	}
	return artifacts, nil
}

func (db *DB) Update(ctx context.Context, a *model.CodeArtifact) error {
	a.UpdatedAt = time.Now().UTC()

	result, err := db.conn.ExecContext(ctx,
		`UPDATE code_artifacts
		 SET body = ?, language = ?, stdin = ?, stdout = ?, stderr = ?, path = ?, updated_at = ?
		 WHERE id = ?`,
		a.Body,
		a.Language,
		a.Stdin,
		a.Stdout,
		a.Stderr,
		a.Path,
		a.UpdatedAt,
		a.ID,
	)
	if err != nil {
		return fmt.Errorf("sqlite: updating artifact %s: %w", a.ID, err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite: checking rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return apperror.NotFound("artifact", a.ID)
	}
	return nil
}

func (db *DB) Detach(ctx context.Context, templateID int64) error {
	result, err := db.conn.ExecContext(ctx,
		`UPDATE code_artifacts SET template_id = NULL, updated_at = ? WHERE template_id = ?`,
		time.Now().UTC(),
		templateID,
	)
	if err != nil {
		return fmt.Errorf("sqlite: detaching template %d: %w", templateID, err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite: checking rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return apperror.NoArtifactBound(templateID)
	}
	return nil
}
