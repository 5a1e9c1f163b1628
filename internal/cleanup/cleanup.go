// Package cleanup removes stale run worktrees and state directories.
package cleanup

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/adwd/internal/config"
	"github.com/fyrsmithlabs/adwd/internal/state"
	"github.com/fyrsmithlabs/adwd/internal/worktree"
)

// ErrConflictingModes indicates both worktrees-only and states-only
// were requested.
var ErrConflictingModes = errors.New("worktrees-only and states-only are mutually exclusive")

// Options select what to remove.
type Options struct {
	// All removes every run regardless of age.
	All bool
	// RunID removes a single run.
	RunID string
	// OlderThanDays removes runs whose artifacts are older. Zero uses
	// the configured default.
	OlderThanDays int
	// DryRun reports what would be removed without removing it.
	DryRun bool
	// WorktreesOnly skips state directories.
	WorktreesOnly bool
	// StatesOnly skips worktrees.
	StatesOnly bool
	// KeepActive skips runs touched inside the active window.
	KeepActive bool
}

// Item is one planned or executed removal.
type Item struct {
	RunID   string
	Kind    string // "worktree" or "state"
	Path    string
	AgeDays int
	Removed bool
	Skipped string // reason, when not removed
}

// Report summarizes a cleanup pass.
type Report struct {
	Items []Item
}

// Removed counts items actually (or under dry-run, would-be) removed.
func (r *Report) Removed() int {
	n := 0
	for _, it := range r.Items {
		if it.Removed {
			n++
		}
	}
	return n
}

// Cleaner walks the trees and agents roots and prunes them.
type Cleaner struct {
	cfg    *config.Config
	store  *state.Store
	trees  *worktree.Manager
	logger *zap.Logger
	now    func() time.Time
}

// NewCleaner returns a Cleaner over cfg's roots.
func NewCleaner(cfg *config.Config, store *state.Store, trees *worktree.Manager, logger *zap.Logger) *Cleaner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cleaner{
		cfg:    cfg,
		store:  store,
		trees:  trees,
		logger: logger,
		now:    time.Now,
	}
}

// Run executes one cleanup pass and returns what was removed.
func (c *Cleaner) Run(ctx context.Context, opts Options) (*Report, error) {
	if opts.WorktreesOnly && opts.StatesOnly {
		return nil, ErrConflictingModes
	}
	maxAge := opts.OlderThanDays
	if maxAge <= 0 {
		maxAge = c.cfg.Cleanup.MaxAgeDays
	}

	runIDs, err := c.collectRunIDs(opts.RunID)
	if err != nil {
		return nil, err
	}

	report := &Report{}
	for _, runID := range runIDs {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}

		if opts.KeepActive && c.isActive(runID) {
			report.Items = append(report.Items, Item{
				RunID:   runID,
				Skipped: "active within window",
			})
			continue
		}

		if !opts.StatesOnly {
			report.Items = append(report.Items, c.cleanWorktree(ctx, runID, opts, maxAge))
		}
		if !opts.WorktreesOnly {
			report.Items = append(report.Items, c.cleanState(runID, opts, maxAge))
		}
	}
	return report, nil
}

// collectRunIDs unions the run ids present under trees/ and agents/.
func (c *Cleaner) collectRunIDs(only string) ([]string, error) {
	if only != "" {
		return []string{only}, nil
	}

	seen := map[string]bool{}
	for _, root := range []string{c.cfg.TreesRoot(), c.cfg.AgentsRoot()} {
		entries, err := os.ReadDir(root)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("reading %s: %w", root, err)
		}
		for _, e := range entries {
			if e.IsDir() {
				seen[e.Name()] = true
			}
		}
	}

	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// isActive reports whether the run's state or worktree was modified
// inside the configured active window.
func (c *Cleaner) isActive(runID string) bool {
	window := c.cfg.Cleanup.ActiveWindow.Duration()
	if window <= 0 {
		window = 24 * time.Hour
	}
	for _, path := range []string{
		filepath.Join(c.store.RunDir(runID), "state.json"),
		c.trees.Path(runID),
	} {
		info, err := os.Stat(path)
		if err != nil {
			continue
		}
		if c.now().Sub(info.ModTime()) < window {
			return true
		}
	}
	return false
}

func (c *Cleaner) cleanWorktree(ctx context.Context, runID string, opts Options, maxAge int) Item {
	path := c.trees.Path(runID)
	item := Item{RunID: runID, Kind: "worktree", Path: path}

	info, err := os.Stat(path)
	if err != nil {
		item.Skipped = "absent"
		return item
	}
	item.AgeDays = c.ageDays(info.ModTime())

	if !opts.All && opts.RunID == "" && item.AgeDays < maxAge {
		item.Skipped = fmt.Sprintf("younger than %d days", maxAge)
		return item
	}

	item.Removed = true
	if opts.DryRun {
		return item
	}
	if err := c.trees.Remove(ctx, path); err != nil {
		item.Removed = false
		item.Skipped = err.Error()
		c.logger.Warn("could not remove worktree",
			zap.String("run_id", runID),
			zap.Error(err))
		return item
	}
	c.logger.Info("removed worktree",
		zap.String("run_id", runID),
		zap.Int("age_days", item.AgeDays))
	return item
}

func (c *Cleaner) cleanState(runID string, opts Options, maxAge int) Item {
	dir := c.store.RunDir(runID)
	item := Item{RunID: runID, Kind: "state", Path: dir}

	info, err := os.Stat(dir)
	if err != nil {
		item.Skipped = "absent"
		return item
	}
	item.AgeDays = c.ageDays(info.ModTime())

	if !opts.All && opts.RunID == "" && item.AgeDays < maxAge {
		item.Skipped = fmt.Sprintf("younger than %d days", maxAge)
		return item
	}

	item.Removed = true
	if opts.DryRun {
		return item
	}
	if err := c.store.Delete(runID); err != nil {
		item.Removed = false
		item.Skipped = err.Error()
		c.logger.Warn("could not remove state",
			zap.String("run_id", runID),
			zap.Error(err))
		return item
	}
	c.logger.Info("removed state and artifacts",
		zap.String("run_id", runID),
		zap.Int("age_days", item.AgeDays))
	return item
}

func (c *Cleaner) ageDays(mtime time.Time) int {
	return int(c.now().Sub(mtime).Hours() / 24)
}
