// Package repotest holds behaviour tests every ArtifactRepository
// implementation must pass. Backends call Run from their own tests.
package repotest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sakif/codeexec/internal/apperror"
	"github.com/sakif/codeexec/internal/model"
	"github.com/sakif/codeexec/internal/repository"
)

// Run exercises repo. newRepo must return an empty repository.
func Run(t *testing.T, newRepo func(t *testing.T) repository.ArtifactRepository) {
	t.Run("CreateAssignsIdentity", func(t *testing.T) { testCreate(t, newRepo(t)) })
	t.Run("GetByTemplate", func(t *testing.T) { testGetByTemplate(t, newRepo(t)) })
	t.Run("DuplicateBinding", func(t *testing.T) { testDuplicateBinding(t, newRepo(t)) })
	t.Run("ConcurrentCreateSameTemplate", func(t *testing.T) { testConcurrentCreate(t, newRepo(t)) })
	t.Run("UnlinkedArtifactsDoNotConflict", func(t *testing.T) { testUnlinked(t, newRepo(t)) })
	t.Run("Update", func(t *testing.T) { testUpdate(t, newRepo(t)) })
	t.Run("Detach", func(t *testing.T) { testDetach(t, newRepo(t)) })
	t.Run("List", func(t *testing.T) { testList(t, newRepo(t)) })
	t.Run("NotFound", func(t *testing.T) { testNotFound(t, newRepo(t)) })
}

func ptr(v int64) *int64 { return &v }

func create(t *testing.T, repo repository.ArtifactRepository, templateID *int64, body string) *model.CodeArtifact {
	t.Helper()
	a := &model.CodeArtifact{
		TemplateID: templateID,
		Body:       body,
		Language:   "python",
		Stdin:      "in",
		Stdout:     "out",
		Stderr:     "err",
		Path:       "code.py",
	}
	require.NoError(t, repo.Create(context.Background(), a))
	return a
}

func testCreate(t *testing.T, repo repository.ArtifactRepository) {
	a := create(t, repo, ptr(1), "print(1)")

	assert.NotEmpty(t, a.ID)
	assert.False(t, a.CreatedAt.IsZero())
	assert.False(t, a.UpdatedAt.IsZero())

	got, err := repo.GetByID(context.Background(), a.ID)
	require.NoError(t, err)
	assert.Equal(t, a.ID, got.ID)
	require.NotNil(t, got.TemplateID)
	assert.Equal(t, int64(1), *got.TemplateID)
	assert.Equal(t, "print(1)", got.Body)
	assert.Equal(t, "python", got.Language)
	assert.Equal(t, "in", got.Stdin)
	assert.Equal(t, "out", got.Stdout)
	assert.Equal(t, "err", got.Stderr)
	assert.Equal(t, "code.py", got.Path)
}

func testGetByTemplate(t *testing.T, repo repository.ArtifactRepository) {
	a := create(t, repo, ptr(7), "print(7)")

	got, err := repo.GetByTemplate(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, a.ID, got.ID)

	_, err = repo.GetByTemplate(context.Background(), 8)
	assert.True(t, errors.Is(err, apperror.ErrNoArtifactBound), "got %v", err)
}

func testDuplicateBinding(t *testing.T, repo repository.ArtifactRepository) {
	create(t, repo, ptr(3), "first")

	err := repo.Create(context.Background(), &model.CodeArtifact{TemplateID: ptr(3), Body: "second", Language: "python"})
	assert.True(t, errors.Is(err, apperror.ErrDuplicateBinding), "got %v", err)

	got, err := repo.GetByTemplate(context.Background(), 3)
	require.NoError(t, err)
	assert.Equal(t, "first", got.Body)
}

func testConcurrentCreate(t *testing.T, repo repository.ArtifactRepository) {
	const n = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		dupes     int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := repo.Create(context.Background(), &model.CodeArtifact{TemplateID: ptr(11), Body: "x", Language: "python"})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case errors.Is(err, apperror.ErrDuplicateBinding):
				dupes++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, successes)
	assert.Equal(t, n-1, dupes)
}

func testUnlinked(t *testing.T, repo repository.ArtifactRepository) {
	a := create(t, repo, nil, "one")
	b := create(t, repo, nil, "two")
	assert.NotEqual(t, a.ID, b.ID)

	got, err := repo.GetByID(context.Background(), a.ID)
	require.NoError(t, err)
	assert.Nil(t, got.TemplateID)
	assert.False(t, got.Linked())
}

func testUpdate(t *testing.T, repo repository.ArtifactRepository) {
	a := create(t, repo, ptr(5), "old")
	before := a.UpdatedAt
	time.Sleep(5 * time.Millisecond)

	a.Body = "new"
	a.Language = "ruby"
	a.Stdin = "new in"
	a.Stdout = "new out"
	a.Stderr = ""
	a.Path = "code.rb"
	require.NoError(t, repo.Update(context.Background(), a))

	got, err := repo.GetByID(context.Background(), a.ID)
	require.NoError(t, err)
	assert.Equal(t, "new", got.Body)
	assert.Equal(t, "ruby", got.Language)
	assert.Equal(t, "new in", got.Stdin)
	assert.Equal(t, "new out", got.Stdout)
	assert.Empty(t, got.Stderr)
	assert.Equal(t, "code.rb", got.Path)
	assert.True(t, got.UpdatedAt.After(before), "updated_at should advance")
	require.NotNil(t, got.TemplateID, "update must not touch the template link")
	assert.Equal(t, int64(5), *got.TemplateID)

	missing := &model.CodeArtifact{ID: "does-not-exist", Body: "x", Language: "python"}
	assert.True(t, errors.Is(repo.Update(context.Background(), missing), apperror.ErrNotFound))
}

func testDetach(t *testing.T, repo repository.ArtifactRepository) {
	a := create(t, repo, ptr(9), "keep me")

	require.NoError(t, repo.Detach(context.Background(), 9))

	got, err := repo.GetByID(context.Background(), a.ID)
	require.NoError(t, err, "detached artifact must still exist")
	assert.Nil(t, got.TemplateID)

	_, err = repo.GetByTemplate(context.Background(), 9)
	assert.True(t, errors.Is(err, apperror.ErrNoArtifactBound))

	err = repo.Detach(context.Background(), 9)
	assert.True(t, errors.Is(err, apperror.ErrNoArtifactBound), "second detach: %v", err)

	// The template is free again.
	create(t, repo, ptr(9), "replacement")
}

func testList(t *testing.T, repo repository.ArtifactRepository) {
	for i := 0; i < 5; i++ {
		create(t, repo, nil, "body")
		time.Sleep(2 * time.Millisecond)
	}

	all, err := repo.List(context.Background(), repository.ListOptions{})
	require.NoError(t, err)
	assert.Len(t, all, 5)
	for i := 1; i < len(all); i++ {
		assert.False(t, all[i].CreatedAt.After(all[i-1].CreatedAt), "newest first")
	}

	page, err := repo.List(context.Background(), repository.ListOptions{Limit: 2, Offset: 1})
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, all[1].ID, page[0].ID)
	assert.Equal(t, all[2].ID, page[1].ID)
}

func testNotFound(t *testing.T, repo repository.ArtifactRepository) {
	_, err := repo.GetByID(context.Background(), "nope")
	assert.True(t, errors.Is(err, apperror.ErrNotFound), "got %v", err)
}
