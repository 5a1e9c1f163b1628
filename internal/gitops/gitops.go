// Package gitops wraps the git operations the pipelines need.
//
// Read-side queries (remote URL, branch existence, current branch) go
// through go-git against the on-disk repository. Mutations (checkout,
// commit, push) shell out to the git CLI inside the target directory,
// matching what the worktree machinery already requires.
package gitops

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"regexp"
	"strings"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
)

var (
	// ErrNotRepository indicates the directory is not a git repository.
	ErrNotRepository = errors.New("not a git repository")
	// ErrNoRemote indicates the repository has no origin remote.
	ErrNoRemote = errors.New("no origin remote configured")
)

// Repo answers read-side questions about one repository.
type Repo struct {
	root string
}

// Open opens the repository rooted at dir.
func Open(dir string) (*Repo, error) {
	if _, err := git.PlainOpen(dir); err != nil {
		if errors.Is(err, git.ErrRepositoryNotExists) {
			return nil, fmt.Errorf("%w: %s", ErrNotRepository, dir)
		}
		return nil, fmt.Errorf("opening repository: %w", err)
	}
	return &Repo{root: dir}, nil
}

// Root returns the repository root directory.
func (r *Repo) Root() string {
	return r.root
}

// RemoteURL returns the first URL of the origin remote.
func (r *Repo) RemoteURL() (string, error) {
	repo, err := git.PlainOpen(r.root)
	if err != nil {
		return "", fmt.Errorf("opening repository: %w", err)
	}
	remote, err := repo.Remote("origin")
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrNoRemote, err)
	}
	urls := remote.Config().URLs
	if len(urls) == 0 {
		return "", ErrNoRemote
	}
	return urls[0], nil
}

// BranchExists reports whether a local branch with the given name exists.
func (r *Repo) BranchExists(name string) (bool, error) {
	repo, err := git.PlainOpen(r.root)
	if err != nil {
		return false, fmt.Errorf("opening repository: %w", err)
	}
	_, err = repo.Reference(plumbing.NewBranchReferenceName(name), false)
	if err != nil {
		if errors.Is(err, plumbing.ErrReferenceNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("resolving branch %s: %w", name, err)
	}
	return true, nil
}

// CurrentBranch returns the branch HEAD points at in dir, or "detached".
func CurrentBranch(dir string) (string, error) {
	repo, err := git.PlainOpen(dir)
	if err != nil {
		return "", fmt.Errorf("opening repository: %w", err)
	}
	head, err := repo.Head()
	if err != nil {
		return "", fmt.Errorf("resolving HEAD: %w", err)
	}
	if !head.Name().IsBranch() {
		return "detached", nil
	}
	return head.Name().Short(), nil
}

var repoPathPatterns = []*regexp.Regexp{
	// https://github.com/owner/repo(.git) and git@github.com:owner/repo(.git)
	regexp.MustCompile(`github\.com[:/]([^/]+/[^/]+?)(?:\.git)?/?$`),
	// Bare owner/repo fallback.
	regexp.MustCompile(`([^/]+/[^/]+?)(?:\.git)?/?$`),
}

// ExtractRepoPath pulls "owner/repo" out of a remote URL in any of the
// common https/ssh forms.
func ExtractRepoPath(remoteURL string) (string, error) {
	for _, p := range repoPathPatterns {
		if m := p.FindStringSubmatch(remoteURL); m != nil {
			return m[1], nil
		}
	}
	return "", fmt.Errorf("could not extract repo path from URL: %s", remoteURL)
}

// Git runs a git subcommand in dir and returns combined stderr text on
// failure.
func Git(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return stdout.String(), fmt.Errorf("git %s: %s", args[0], msg)
	}
	return stdout.String(), nil
}

// Checkout switches dir to the named branch, falling back to creating a
// local tracking branch from origin when the plain checkout fails.
func Checkout(ctx context.Context, dir, branch string) error {
	if _, err := Git(ctx, dir, "checkout", branch); err == nil {
		return nil
	}
	_, err := Git(ctx, dir, "checkout", "-b", branch, "origin/"+branch)
	if err != nil {
		return fmt.Errorf("checking out branch %s: %w", branch, err)
	}
	return nil
}

// CommitAll stages everything in dir and commits with the given message.
func CommitAll(ctx context.Context, dir, message string) error {
	if _, err := Git(ctx, dir, "add", "-A"); err != nil {
		return err
	}
	_, err := Git(ctx, dir, "commit", "-m", message)
	return err
}

// HasChanges reports whether dir has uncommitted changes.
func HasChanges(ctx context.Context, dir string) (bool, error) {
	out, err := Git(ctx, dir, "status", "--porcelain")
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(out) != "", nil
}

// Push pushes the branch to origin, setting upstream on first push.
func Push(ctx context.Context, dir, branch string) error {
	_, err := Git(ctx, dir, "push", "-u", "origin", branch)
	return err
}

// FindBranchForIssue scans local and remote branch names for the
// "-issue-<n>-" convention, optionally narrowed by "-adw-<id>-".
func FindBranchForIssue(ctx context.Context, dir, issueNumber, runID string) (string, error) {
	out, err := Git(ctx, dir, "branch", "-a")
	if err != nil {
		return "", err
	}

	for _, line := range strings.Split(out, "\n") {
		branch := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(line), "* "))
		branch = strings.TrimPrefix(branch, "remotes/origin/")
		if branch == "" || strings.Contains(branch, "->") {
			continue
		}
		if !strings.Contains(branch, "-issue-"+issueNumber+"-") {
			continue
		}
		if runID != "" && !strings.Contains(branch, "-adw-"+runID+"-") {
			continue
		}
		return branch, nil
	}
	return "", nil
}
