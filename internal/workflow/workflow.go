// Package workflow orchestrates the agent pipelines: plan, build,
// test, review, document, ship, and patch.
//
// Each pipeline loads or creates the run's persisted state, works
// inside the run's isolated worktree, posts progress to the triggering
// issue, and records every state mutation so a later pipeline can
// resume where the previous one stopped.
package workflow

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/adwd/internal/agent"
	"github.com/fyrsmithlabs/adwd/internal/config"
	"github.com/fyrsmithlabs/adwd/internal/gitops"
	"github.com/fyrsmithlabs/adwd/internal/githubops"
	"github.com/fyrsmithlabs/adwd/internal/ports"
	"github.com/fyrsmithlabs/adwd/internal/state"
	"github.com/fyrsmithlabs/adwd/internal/worktree"
)

// Agent names used in artifact paths and issue comments.
const (
	OpsAgent         = "ops"
	ClassifierAgent  = "issue_classifier"
	BranchAgent      = "branch_generator"
	PlannerAgent     = "sdlc_planner"
	ImplementorAgent = "sdlc_implementor"
	TesterAgent      = "sdlc_tester"
	ReviewerAgent    = "sdlc_reviewer"
	DocumenterAgent  = "sdlc_documenter"
	PRAgent          = "pr_creator"
	PatchPlanner     = "patch_planner"
	PatchImplementor = "patch_implementor"
)

// FormatIssueMessage renders the run/agent-tagged body for an issue
// comment. The bot identifier is added at posting time.
func FormatIssueMessage(runID, agentName, message string) string {
	return fmt.Sprintf("%s_%s: %s", runID, agentName, message)
}

// FormatIssueMessageWithSession includes the agent session id in the
// tag.
func FormatIssueMessageWithSession(runID, agentName, sessionID, message string) string {
	if sessionID == "" {
		return FormatIssueMessage(runID, agentName, message)
	}
	return fmt.Sprintf("%s_%s_%s: %s", runID, agentName, sessionID, message)
}

// Orchestrator wires the collaborators every pipeline needs.
type Orchestrator struct {
	cfg      *config.Config
	store    *state.Store
	invoker  *agent.Invoker
	github   *githubops.Client
	trees    *worktree.Manager
	ports    *ports.Allocator
	reporter *Reporter
	repoPath string
	logger   *zap.Logger
}

// New builds an Orchestrator from cfg. The repository's origin remote
// determines the owner/repo path used for issue operations.
func New(cfg *config.Config, logger *zap.Logger) (*Orchestrator, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	repo, err := gitops.Open(cfg.Paths.RepoRoot)
	if err != nil {
		return nil, err
	}
	remoteURL, err := repo.RemoteURL()
	if err != nil {
		return nil, err
	}
	repoPath, err := gitops.ExtractRepoPath(remoteURL)
	if err != nil {
		return nil, err
	}

	gh := githubops.NewClient(cfg.GitHub, logger.Named("github"))
	return &Orchestrator{
		cfg:      cfg,
		store:    state.NewStore(cfg.AgentsRoot()),
		invoker:  agent.NewInvoker(cfg.Agent, cfg.AgentsRoot(), logger.Named("agent")),
		github:   gh,
		trees:    worktree.NewManager(cfg.Paths.RepoRoot, cfg.TreesRoot(), logger.Named("worktree")),
		ports:    ports.NewAllocator(cfg.Ports.Base, cfg.Ports.PoolSize),
		reporter: NewReporter(gh, repoPath, logger),
		repoPath: repoPath,
		logger:   logger,
	}, nil
}

// Store exposes the state store for the cleanup command.
func (o *Orchestrator) Store() *state.Store {
	return o.store
}

// Worktrees exposes the worktree manager for the cleanup command.
func (o *Orchestrator) Worktrees() *worktree.Manager {
	return o.trees
}

// Reporter returns the orchestrator's error reporter.
func (o *Orchestrator) Reporter() *Reporter {
	return o.reporter
}

// RepoPath returns the owner/repo path of the origin remote.
func (o *Orchestrator) RepoPath() string {
	return o.repoPath
}

// EnsureRunID loads the state for runID, creating it when absent. An
// empty runID mints a fresh id.
func (o *Orchestrator) EnsureRunID(issueNumber, runID string) (*state.State, error) {
	if runID != "" {
		st, err := o.store.Load(runID)
		if err == nil {
			o.logger.Info("resuming existing run", zap.String("run_id", runID))
			return st, nil
		}
		if !errors.Is(err, state.ErrNotFound) {
			return nil, err
		}
		st = o.store.Create(runID)
		st.IssueNumber = issueNumber
		st.ModelSet = o.cfg.Agent.ModelSet
		if err := o.store.Save(st, "ensure_run_id"); err != nil {
			return nil, err
		}
		o.logger.Info("created state for provided run id", zap.String("run_id", runID))
		return st, nil
	}

	st := o.store.Create(state.NewRunID())
	st.IssueNumber = issueNumber
	st.ModelSet = o.cfg.Agent.ModelSet
	if err := o.store.Save(st, "ensure_run_id"); err != nil {
		return nil, err
	}
	o.logger.Info("created new run", zap.String("run_id", st.RunID))
	return st, nil
}

// comment posts a progress message on the run's issue. Failures are
// logged and swallowed; progress comments never stop a pipeline.
func (o *Orchestrator) comment(ctx context.Context, st *state.State, agentName, message string) {
	if st.IssueNumber == "" {
		return
	}
	body := FormatIssueMessage(st.RunID, agentName, message)
	if err := o.github.PostComment(ctx, st.IssueNumber, o.repoPath, body); err != nil {
		o.logger.Warn("could not post progress comment",
			zap.String("run_id", st.RunID),
			zap.Error(err))
	}
}

// fetchIssue loads the run's issue from GitHub.
func (o *Orchestrator) fetchIssue(ctx context.Context, st *state.State) (*githubops.Issue, error) {
	issue, err := o.github.FetchIssue(ctx, st.IssueNumber, o.repoPath)
	if err != nil {
		return nil, Errorf("fetching issue: %v", err).
			WithRun(st.RunID, st.IssueNumber).WithAgent(OpsAgent)
	}
	return issue, nil
}
