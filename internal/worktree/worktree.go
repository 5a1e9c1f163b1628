// Package worktree manages per-run git worktrees under the trees root.
//
// Each run gets an isolated checkout at trees/<run-id> so concurrent
// pipelines never fight over the main working copy. Ensure is safe to
// call repeatedly: a healthy worktree is reused, a broken one is torn
// down and rebuilt.
package worktree

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/adwd/internal/gitops"
)

// Manager creates, validates, and removes run worktrees.
type Manager struct {
	repoRoot  string
	treesRoot string
	logger    *zap.Logger
}

// NewManager returns a Manager rooted at the main repository.
func NewManager(repoRoot, treesRoot string, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{repoRoot: repoRoot, treesRoot: treesRoot, logger: logger}
}

// Path returns the worktree path for a run id.
func (m *Manager) Path(runID string) string {
	return filepath.Join(m.treesRoot, runID)
}

// Ensure makes sure a valid worktree for runID exists on branch and
// returns its path. An existing valid worktree is reused; an invalid
// one is removed and recreated.
func (m *Manager) Ensure(ctx context.Context, runID, branch string) (string, error) {
	path := m.Path(runID)

	if _, err := os.Stat(path); err == nil {
		ok, reason := m.Validate(ctx, path, branch)
		if ok {
			m.logger.Debug("reusing existing worktree",
				zap.String("run_id", runID),
				zap.String("path", path))
			return path, nil
		}
		m.logger.Warn("removing invalid worktree",
			zap.String("run_id", runID),
			zap.String("path", path),
			zap.String("reason", reason))
		if err := m.Remove(ctx, path); err != nil {
			return "", fmt.Errorf("removing invalid worktree: %w", err)
		}
	}

	if err := os.MkdirAll(m.treesRoot, 0o755); err != nil {
		return "", fmt.Errorf("creating trees root: %w", err)
	}

	repo, err := gitops.Open(m.repoRoot)
	if err != nil {
		return "", err
	}
	exists, err := repo.BranchExists(branch)
	if err != nil {
		return "", err
	}

	args := []string{"worktree", "add"}
	if !exists {
		args = append(args, "-b", branch, path)
	} else {
		args = append(args, path, branch)
	}
	if _, err := gitops.Git(ctx, m.repoRoot, args...); err != nil {
		return "", fmt.Errorf("creating worktree: %w", err)
	}

	m.logger.Info("created worktree",
		zap.String("run_id", runID),
		zap.String("path", path),
		zap.String("branch", branch),
		zap.Bool("new_branch", !exists))
	return path, nil
}

// Validate checks that path holds a usable worktree on the expected
// branch. It returns false with a human-readable reason when any
// condition fails.
func (m *Manager) Validate(ctx context.Context, path, branch string) (bool, string) {
	info, err := os.Stat(path)
	if err != nil {
		return false, "path does not exist"
	}
	if !info.IsDir() {
		return false, "path is not a directory"
	}
	if !m.registered(ctx, path) {
		return false, "path is not a registered worktree"
	}
	if branch != "" {
		current, err := gitops.CurrentBranch(path)
		if err != nil {
			return false, fmt.Sprintf("cannot resolve checked-out branch: %v", err)
		}
		if current != branch {
			return false, fmt.Sprintf("wrong branch checked out: %s (want %s)", current, branch)
		}
	}
	return true, ""
}

// registered reports whether path appears in the main repository's
// worktree list.
func (m *Manager) registered(ctx context.Context, path string) bool {
	out, err := gitops.Git(ctx, m.repoRoot, "worktree", "list", "--porcelain")
	if err != nil {
		return false
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	resolved := abs
	if r, err := filepath.EvalSymlinks(abs); err == nil {
		resolved = r
	}
	for _, line := range strings.Split(out, "\n") {
		if !strings.HasPrefix(line, "worktree ") {
			continue
		}
		listed := strings.TrimPrefix(line, "worktree ")
		if listed == abs || listed == path {
			return true
		}
		// macOS tempdirs resolve through /private.
		if r, err := filepath.EvalSymlinks(listed); err == nil && r == resolved {
			return true
		}
	}
	return false
}

// Remove tears down the worktree at path, falling back to a plain
// directory removal when git refuses.
func (m *Manager) Remove(ctx context.Context, path string) error {
	if _, err := gitops.Git(ctx, m.repoRoot, "worktree", "remove", "--force", path); err != nil {
		m.logger.Debug("git worktree remove failed, removing directory",
			zap.String("path", path),
			zap.Error(err))
		if err := os.RemoveAll(path); err != nil {
			return fmt.Errorf("removing worktree directory: %w", err)
		}
		// Drop the stale registration if one is left behind.
		_, _ = gitops.Git(ctx, m.repoRoot, "worktree", "prune")
	}
	return nil
}
