package gitrepo

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var author = Signature{Name: "Plan Runner", Email: "runner@example.com"}

func write(t *testing.T, root, rel, content string) {
	t.Helper()
	path := filepath.Join(root, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

func TestOpen_NotRepository(t *testing.T) {
	_, err := Open(t.TempDir())
	assert.ErrorIs(t, err, ErrNotRepository)
}

func TestCommitAndSnapshot(t *testing.T) {
	dir := t.TempDir()
	r, err := Init(dir)
	require.NoError(t, err)

	snap, err := r.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, "master", snap.Branch)
	assert.Empty(t, snap.Head)
	assert.True(t, snap.Clean)

	_, err = r.Commit("empty", author)
	assert.ErrorIs(t, err, ErrNothingToCommit)

	write(t, dir, "main.go", "package main\n")
	write(t, dir, "cmd/tool.go", "package cmd\n")

	changes, err := r.Changes()
	require.NoError(t, err)
	assert.Equal(t, []Change{
		{Path: "cmd/tool.go", Status: "untracked"},
		{Path: "main.go", Status: "untracked"},
	}, changes)

	hash, err := r.Commit("feat: initial", author)
	require.NoError(t, err)
	assert.Len(t, hash, 40)

	snap, err = r.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, "master", snap.Branch)
	assert.Equal(t, hash, snap.Head)
	assert.Equal(t, "feat: initial", snap.HeadMessage)
	assert.Equal(t, "Plan Runner", snap.HeadAuthor)
	assert.True(t, snap.Clean)
	assert.Empty(t, snap.Changed)

	require.NoError(t, os.Remove(filepath.Join(dir, "main.go")))
	write(t, dir, "cmd/tool.go", "package cmd\n\nvar X = 1\n")
	changes, err = r.Changes()
	require.NoError(t, err)
	require.Len(t, changes, 2)
	assert.Equal(t, "modified", changes[0].Status)
	assert.True(t, changes[1].Deleted())
}

func TestSnapshot_BoundsChangedFiles(t *testing.T) {
	dir := t.TempDir()
	r, err := Init(dir)
	require.NoError(t, err)
	for i := 0; i < MaxSnapshotChanges+5; i++ {
		write(t, dir, fmt.Sprintf("f%02d.txt", i), "x")
	}

	snap, err := r.Snapshot()
	require.NoError(t, err)
	assert.False(t, snap.Clean)
	assert.Len(t, snap.Changed, MaxSnapshotChanges)
	assert.Equal(t, MaxSnapshotChanges+5, snap.ChangedTotal)
}

func TestOpen_DetectsParent(t *testing.T) {
	dir := t.TempDir()
	_, err := Init(dir)
	require.NoError(t, err)
	sub := filepath.Join(dir, "a", "b")
	require.NoError(t, os.MkdirAll(sub, 0755))

	r, err := Open(sub)
	require.NoError(t, err)
	assert.Equal(t, dir, r.Root())
}
