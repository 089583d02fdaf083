package treestore

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/canyouhack-org/sandboxd/internal/apperr"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCreateNodeEnforcesUniqueSiblingName(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.CreateNode(ctx, "alice", nil, "a.txt", false, "hi")
	require.NoError(t, err)

	_, err = s.CreateNode(ctx, "alice", nil, "a.txt", false, "bye")
	require.Error(t, err)
	assert.Equal(t, apperr.KindConflict, apperr.KindOf(err))
}

func TestCreateNodeRejectsFileAsParent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	file, err := s.CreateNode(ctx, "alice", nil, "a.txt", false, "hi")
	require.NoError(t, err)

	_, err = s.CreateNode(ctx, "alice", &file.ID, "child.txt", false, "")
	require.Error(t, err)
	assert.Equal(t, apperr.KindConflict, apperr.KindOf(err))
}

func TestResolveAndPathOfRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	dir, err := s.CreateNode(ctx, "alice", nil, "src", true, "")
	require.NoError(t, err)
	file, err := s.CreateNode(ctx, "alice", &dir.ID, "main.py", false, "print(1)\n")
	require.NoError(t, err)

	id, isDir, ok, err := s.Resolve(ctx, "alice", "src/main.py")
	require.NoError(t, err)
	require.True(t, ok)
	assert.False(t, isDir)
	assert.Equal(t, file.ID, id)

	path, err := s.PathOf(ctx, "alice", file.ID)
	require.NoError(t, err)
	assert.Equal(t, "/workspace/src/main.py", path)
}

func TestDeleteNodeCascades(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	dir, err := s.CreateNode(ctx, "alice", nil, "a", true, "")
	require.NoError(t, err)
	sub, err := s.CreateNode(ctx, "alice", &dir.ID, "b", true, "")
	require.NoError(t, err)
	_, err = s.CreateNode(ctx, "alice", &sub.ID, "c.txt", false, "x")
	require.NoError(t, err)

	deleted, err := s.DeleteNode(ctx, "alice", dir.ID)
	require.NoError(t, err)
	assert.Len(t, deleted, 3)

	_, _, ok, err := s.Resolve(ctx, "alice", "a/b/c.txt")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestTreeOrdersDirectoriesFirstThenName(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.CreateNode(ctx, "alice", nil, "z.txt", false, "")
	require.NoError(t, err)
	_, err = s.CreateNode(ctx, "alice", nil, "b_dir", true, "")
	require.NoError(t, err)
	_, err = s.CreateNode(ctx, "alice", nil, "a.txt", false, "")
	require.NoError(t, err)

	roots, err := s.Tree(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, roots, 3)
	assert.Equal(t, "b_dir", roots[0].Name)
	assert.Equal(t, "a.txt", roots[1].Name)
	assert.Equal(t, "z.txt", roots[2].Name)
}

func TestUpdateContentOnMissingFileReturnsNotFound(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	err := s.UpdateContent(ctx, "alice", 999, "new content")
	require.Error(t, err)
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
}

func TestMoveRenamesNode(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	file, err := s.CreateNode(ctx, "alice", nil, "old.txt", false, "hi")
	require.NoError(t, err)

	require.NoError(t, s.Move(ctx, "alice", file.ID, nil, "new.txt"))

	_, _, ok, err := s.Resolve(ctx, "alice", "old.txt")
	require.NoError(t, err)
	assert.False(t, ok)

	id, _, ok, err := s.Resolve(ctx, "alice", "new.txt")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, file.ID, id)
}

func TestMoveOntoExistingRootSiblingNameIsConflict(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.CreateNode(ctx, "alice", nil, "taken.txt", false, "hi")
	require.NoError(t, err)
	file, err := s.CreateNode(ctx, "alice", nil, "movable.txt", false, "bye")
	require.NoError(t, err)

	err = s.Move(ctx, "alice", file.ID, nil, "taken.txt")
	require.Error(t, err)
	assert.Equal(t, apperr.KindConflict, apperr.KindOf(err))
}

func TestCopyOntoExistingRootSiblingNameIsConflict(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.CreateNode(ctx, "alice", nil, "taken.txt", false, "hi")
	require.NoError(t, err)
	src, err := s.CreateNode(ctx, "alice", nil, "source.txt", false, "bye")
	require.NoError(t, err)

	err = s.Copy(ctx, "alice", src.ID, nil, "taken.txt")
	require.Error(t, err)
	assert.Equal(t, apperr.KindConflict, apperr.KindOf(err))
}

func TestCopyDuplicatesSubtree(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	dir, err := s.CreateNode(ctx, "alice", nil, "src", true, "")
	require.NoError(t, err)
	_, err = s.CreateNode(ctx, "alice", &dir.ID, "f.txt", false, "content")
	require.NoError(t, err)

	require.NoError(t, s.Copy(ctx, "alice", dir.ID, nil, "dst"))

	_, isDir, ok, err := s.Resolve(ctx, "alice", "dst/f.txt")
	require.NoError(t, err)
	require.True(t, ok)
	assert.False(t, isDir)

	// original subtree is untouched (keep-source semantics)
	_, _, ok, err = s.Resolve(ctx, "alice", "src/f.txt")
	require.NoError(t, err)
	assert.True(t, ok)
}
