package gitops

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// initRepo creates a git repository with one commit and returns its path.
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

func TestOpen_NotARepository(t *testing.T) {
	_, err := Open(t.TempDir())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotRepository)
}

func TestRemoteURL(t *testing.T) {
	dir := initRepo(t)
	run(t, dir, "remote", "add", "origin", "https://github.com/acme/widgets.git")

	repo, err := Open(dir)
	require.NoError(t, err)

	url, err := repo.RemoteURL()
	require.NoError(t, err)
	assert.Equal(t, "https://github.com/acme/widgets.git", url)
}

func TestRemoteURL_Missing(t *testing.T) {
	repo, err := Open(initRepo(t))
	require.NoError(t, err)

	_, err = repo.RemoteURL()
	assert.ErrorIs(t, err, ErrNoRemote)
}

func TestBranchExists(t *testing.T) {
	dir := initRepo(t)
	run(t, dir, "branch", "feature-issue-12-adw-abc12345-add-widgets")

	repo, err := Open(dir)
	require.NoError(t, err)

	ok, err := repo.BranchExists("feature-issue-12-adw-abc12345-add-widgets")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = repo.BranchExists("no-such-branch")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCurrentBranch(t *testing.T) {
	dir := initRepo(t)

	branch, err := CurrentBranch(dir)
	require.NoError(t, err)
	assert.Equal(t, "main", branch)

	run(t, dir, "checkout", "-b", "chore-issue-7-adw-deadbeef-tidy")
	branch, err = CurrentBranch(dir)
	require.NoError(t, err)
	assert.Equal(t, "chore-issue-7-adw-deadbeef-tidy", branch)
}

func TestExtractRepoPath(t *testing.T) {
	tests := []struct {
		name    string
		url     string
		want    string
		wantErr bool
	}{
		{name: "https", url: "https://github.com/acme/widgets.git", want: "acme/widgets"},
		{name: "https no suffix", url: "https://github.com/acme/widgets", want: "acme/widgets"},
		{name: "ssh", url: "git@github.com:acme/widgets.git", want: "acme/widgets"},
		{name: "trailing slash", url: "https://github.com/acme/widgets/", want: "acme/widgets"},
		{name: "bare path", url: "acme/widgets", want: "acme/widgets"},
		{name: "garbage", url: "not-a-url", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ExtractRepoPath(tt.url)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCommitAllAndHasChanges(t *testing.T) {
	ctx := context.Background()
	dir := initRepo(t)

	dirty, err := HasChanges(ctx, dir)
	require.NoError(t, err)
	assert.False(t, dirty)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "new.txt"), []byte("x\n"), 0o644))
	dirty, err = HasChanges(ctx, dir)
	require.NoError(t, err)
	assert.True(t, dirty)

	require.NoError(t, CommitAll(ctx, dir, "add new file"))
	dirty, err = HasChanges(ctx, dir)
	require.NoError(t, err)
	assert.False(t, dirty)
}

func TestCheckout_ExistingBranch(t *testing.T) {
	ctx := context.Background()
	dir := initRepo(t)
	run(t, dir, "branch", "feature-x")

	require.NoError(t, Checkout(ctx, dir, "feature-x"))
	branch, err := CurrentBranch(dir)
	require.NoError(t, err)
	assert.Equal(t, "feature-x", branch)
}

func TestFindBranchForIssue(t *testing.T) {
	ctx := context.Background()
	dir := initRepo(t)
	run(t, dir, "branch", "feature-issue-42-adw-abc12345-add-auth")
	run(t, dir, "branch", "bug-issue-43-adw-fff00011-fix-crash")

	branch, err := FindBranchForIssue(ctx, dir, "42", "")
	require.NoError(t, err)
	assert.Equal(t, "feature-issue-42-adw-abc12345-add-auth", branch)

	branch, err = FindBranchForIssue(ctx, dir, "42", "abc12345")
	require.NoError(t, err)
	assert.Equal(t, "feature-issue-42-adw-abc12345-add-auth", branch)

	// Wrong run id does not match.
	branch, err = FindBranchForIssue(ctx, dir, "42", "00000000")
	require.NoError(t, err)
	assert.Empty(t, branch)

	branch, err = FindBranchForIssue(ctx, dir, "99", "")
	require.NoError(t, err)
	assert.Empty(t, branch)
}
