package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/sakif/codeexec/internal/apperror"
	"github.com/sakif/codeexec/internal/model"
	"github.com/sakif/codeexec/internal/repository"
	"github.com/sakif/codeexec/internal/repository/repotest"
)

// newTestDB returns a fresh in-memory database closed when the test ends.
func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := New(":memory:")
	if err != nil {
		t.Fatalf("failed to create test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestArtifactRepository(t *testing.T) {
	repotest.Run(t, func(t *testing.T) repository.ArtifactRepository {
		return newTestDB(t)
	})
}

func TestMigrateIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "codeexec.db")

	db, err := New(path)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	templateID := int64(4)
	a := &model.CodeArtifact{TemplateID: &templateID, Body: "print(1)", Language: "python"}
	if err := db.Create(context.Background(), a); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	db.Close()

	// Reopening runs migrate again against the existing schema.
	db, err = New(path)
	if err != nil {
		t.Fatalf("reopening: %v", err)
	}
	defer db.Close()

	got, err := db.GetByTemplate(context.Background(), templateID)
	if err != nil {
		t.Fatalf("GetByTemplate() after reopen error = %v", err)
	}
	if got.ID != a.ID {
		t.Errorf("GetByTemplate() ID = %q, want %q", got.ID, a.ID)
	}
}

func TestUniqueViolationMapping(t *testing.T) {
	db := newTestDB(t)
	templateID := int64(1)

	first := &model.CodeArtifact{TemplateID: &templateID, Body: "a", Language: "c"}
	if err := db.Create(context.Background(), first); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	second := &model.CodeArtifact{TemplateID: &templateID, Body: "b", Language: "c"}
	err := db.Create(context.Background(), second)

	var appErr *apperror.AppError
	if !errors.As(err, &appErr) {
		t.Fatalf("Create() error = %v, want *apperror.AppError", err)
	}
	if !errors.Is(err, apperror.ErrDuplicateBinding) {
		t.Errorf("Create() error = %v, want ErrDuplicateBinding", err)
	}
	if appErr.Field != "codeTemplateId" {
		t.Errorf("Field = %q, want codeTemplateId", appErr.Field)
	}
}

func TestPing(t *testing.T) {
	db := newTestDB(t)
	if err := db.Ping(context.Background()); err != nil {
		t.Errorf("Ping() error = %v", err)
	}
}
