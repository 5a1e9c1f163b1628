package worktree

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func initRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	run(t, dir, "init", "-b", "main")
	run(t, dir, "config", "user.email", "test@example.com")
	run(t, dir, "config", "user.name", "Test")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("hello\n"), 0o644))
	run(t, dir, "add", ".")
	run(t, dir, "commit", "-m", "initial commit")
	return dir
}

func run(t *testing.T, dir string, args ...string) {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	require.NoError(t, err, "git %v: %s", args, out)
}

func newManager(t *testing.T) (*Manager, string) {
	t.Helper()
	repo := initRepo(t)
	trees := filepath.Join(t.TempDir(), "trees")
	return NewManager(repo, trees, zap.NewNop()), repo
}

func TestEnsure_CreatesWorktreeAndBranch(t *testing.T) {
	ctx := context.Background()
	m, _ := newManager(t)

	path, err := m.Ensure(ctx, "abc12345", "feature-issue-1-adw-abc12345-demo")
	require.NoError(t, err)
	assert.Equal(t, m.Path("abc12345"), path)
	assert.DirExists(t, path)

	ok, reason := m.Validate(ctx, path, "feature-issue-1-adw-abc12345-demo")
	assert.True(t, ok, reason)
}

func TestEnsure_ReusesValidWorktree(t *testing.T) {
	ctx := context.Background()
	m, _ := newManager(t)

	first, err := m.Ensure(ctx, "abc12345", "feature-issue-1-adw-abc12345-demo")
	require.NoError(t, err)

	marker := filepath.Join(first, "marker.txt")
	require.NoError(t, os.WriteFile(marker, []byte("keep me\n"), 0o644))

	second, err := m.Ensure(ctx, "abc12345", "feature-issue-1-adw-abc12345-demo")
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.FileExists(t, marker, "reuse must not wipe the worktree")
}

func TestEnsure_RecreatesInvalidWorktree(t *testing.T) {
	ctx := context.Background()
	m, _ := newManager(t)

	// A plain directory at the worktree path is not a valid worktree.
	path := m.Path("abc12345")
	require.NoError(t, os.MkdirAll(path, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(path, "junk.txt"), []byte("x"), 0o644))

	got, err := m.Ensure(ctx, "abc12345", "bug-issue-2-adw-abc12345-fix")
	require.NoError(t, err)
	assert.Equal(t, path, got)
	assert.NoFileExists(t, filepath.Join(path, "junk.txt"))

	ok, reason := m.Validate(ctx, path, "bug-issue-2-adw-abc12345-fix")
	assert.True(t, ok, reason)
}

func TestEnsure_ExistingBranch(t *testing.T) {
	ctx := context.Background()
	m, repo := newManager(t)
	run(t, repo, "branch", "chore-issue-3-adw-feedface-tidy")

	path, err := m.Ensure(ctx, "feedface", "chore-issue-3-adw-feedface-tidy")
	require.NoError(t, err)

	ok, reason := m.Validate(ctx, path, "chore-issue-3-adw-feedface-tidy")
	assert.True(t, ok, reason)
}

func TestValidate_Reasons(t *testing.T) {
	ctx := context.Background()
	m, _ := newManager(t)

	ok, reason := m.Validate(ctx, m.Path("missing0"), "main")
	assert.False(t, ok)
	assert.Equal(t, "path does not exist", reason)

	plain := filepath.Join(t.TempDir(), "plain")
	require.NoError(t, os.MkdirAll(plain, 0o755))
	ok, reason = m.Validate(ctx, plain, "main")
	assert.False(t, ok)
	assert.Equal(t, "path is not a registered worktree", reason)

	path, err := m.Ensure(ctx, "abc12345", "feature-issue-1-adw-abc12345-demo")
	require.NoError(t, err)
	ok, reason = m.Validate(ctx, path, "some-other-branch")
	assert.False(t, ok)
	assert.Contains(t, reason, "wrong branch")
}

func TestRemove(t *testing.T) {
	ctx := context.Background()
	m, _ := newManager(t)

	path, err := m.Ensure(ctx, "abc12345", "feature-issue-1-adw-abc12345-demo")
	require.NoError(t, err)

	require.NoError(t, m.Remove(ctx, path))
	assert.NoDirExists(t, path)
}

func TestRemove_PlainDirectory(t *testing.T) {
	ctx := context.Background()
	m, _ := newManager(t)

	path := m.Path("notawtree")
	require.NoError(t, os.MkdirAll(path, 0o755))

	require.NoError(t, m.Remove(ctx, path))
	assert.NoDirExists(t, path)
}
