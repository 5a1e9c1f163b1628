package workflow

import (
	"context"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/adwd/internal/agent"
	"github.com/fyrsmithlabs/adwd/internal/gitops"
	"github.com/fyrsmithlabs/adwd/internal/githubops"
	"github.com/fyrsmithlabs/adwd/internal/state"
)

// Pipeline names recorded in run history and matched by the webhook.
const (
	PipelinePlan     = "adw_plan"
	PipelineBuild    = "adw_build"
	PipelineTest     = "adw_test"
	PipelineReview   = "adw_review"
	PipelineDocument = "adw_document"
	PipelineShip     = "adw_ship"
	PipelinePatch    = "adw_patch"
)

// Plan classifies the issue, creates the branch and isolated worktree,
// and produces an implementation plan. Fields already present in state
// are kept, so rerunning a partially completed plan resumes it.
func (o *Orchestrator) Plan(ctx context.Context, st *state.State) error {
	st.AppendHistory(PipelinePlan)
	if err := o.store.Save(st, PipelinePlan); err != nil {
		return err
	}

	issue, err := o.fetchIssue(ctx, st)
	if err != nil {
		return err
	}
	o.github.MarkInProgress(ctx, st.IssueNumber, o.repoPath)
	o.comment(ctx, st, OpsAgent, "🚀 Starting planning workflow...")

	if st.IssueClass == "" {
		class, err := o.ClassifyIssue(ctx, st, issue)
		if err != nil {
			return err
		}
		st.IssueClass = class
		if err := o.store.Save(st, PipelinePlan); err != nil {
			return err
		}
	}

	if st.BranchName == "" {
		branch, err := o.GenerateBranchName(ctx, st, issue, st.IssueClass)
		if err != nil {
			return err
		}
		st.BranchName = branch
		if err := o.store.Save(st, PipelinePlan); err != nil {
			return err
		}
	}

	if err := o.ensureWorkspace(ctx, st, PipelinePlan); err != nil {
		return err
	}

	resp, err := o.BuildPlan(ctx, st, issue, st.IssueClass)
	if err != nil {
		return err
	}
	if !resp.Success {
		return Errorf("building plan: %s", resp.Output).
			WithRun(st.RunID, st.IssueNumber).WithAgent(PlannerAgent)
	}

	planFile := strings.TrimSpace(resp.Output)
	if !filepath.IsAbs(planFile) && st.WorktreePath != "" {
		planFile = filepath.Join(st.WorktreePath, planFile)
	}
	st.PlanFile = planFile
	if err := o.store.Save(st, PipelinePlan); err != nil {
		return err
	}

	o.commitAndPush(ctx, st, issue, PlannerAgent)
	o.comment(ctx, st, PlannerAgent, "✅ Planning complete! Plan file: "+planFile)
	return nil
}

// Build implements the plan produced by Plan inside the run's
// worktree.
func (o *Orchestrator) Build(ctx context.Context, st *state.State) error {
	if st.PlanFile == "" {
		return Errorf("no plan file in state; run the plan pipeline first").
			WithRun(st.RunID, st.IssueNumber).WithAgent(OpsAgent)
	}
	st.AppendHistory(PipelineBuild)
	if err := o.store.Save(st, PipelineBuild); err != nil {
		return err
	}
	if err := o.ensureWorkspace(ctx, st, PipelineBuild); err != nil {
		return err
	}

	issue, err := o.fetchIssue(ctx, st)
	if err != nil {
		return err
	}
	o.comment(ctx, st, ImplementorAgent, "🔨 Starting implementation...")

	resp, err := o.ImplementPlan(ctx, st, st.PlanFile, ImplementorAgent)
	if err != nil {
		return err
	}
	if !resp.Success {
		return Errorf("implementing plan: %s", resp.Output).
			WithRun(st.RunID, st.IssueNumber).WithAgent(ImplementorAgent)
	}

	o.commitAndPush(ctx, st, issue, ImplementorAgent)
	o.comment(ctx, st, ImplementorAgent, "✅ Implementation complete!")
	return nil
}

// Test runs the test suite through the tester agent, attempting one
// automated fix round on failure. End-to-end tests run afterwards
// unless skipped; their failures are advisory.
func (o *Orchestrator) Test(ctx context.Context, st *state.State, skipE2E bool) error {
	st.AppendHistory(PipelineTest)
	if err := o.store.Save(st, PipelineTest); err != nil {
		return err
	}
	if err := o.ensureWorkspace(ctx, st, PipelineTest); err != nil {
		return err
	}

	issue, err := o.fetchIssue(ctx, st)
	if err != nil {
		return err
	}
	o.comment(ctx, st, TesterAgent, "🧪 Starting test execution...")

	resp, err := o.runTemplate(ctx, st, TesterAgent, "/test", st.RunID)
	if err != nil {
		return err
	}
	if !resp.Success {
		o.comment(ctx, st, TesterAgent, "Tests failed, attempting resolution...")
		if _, err := o.runTemplate(ctx, st, TesterAgent, "/resolve_failed_test", resp.Output); err != nil {
			return err
		}
		resp, err = o.runTemplate(ctx, st, TesterAgent, "/test", st.RunID)
		if err != nil {
			return err
		}
		if !resp.Success {
			return Errorf("tests still failing after resolution attempt: %s", agent.Truncate(resp.Output, 500)).
				WithRun(st.RunID, st.IssueNumber).WithAgent(TesterAgent)
		}
	}

	if !skipE2E {
		e2e, err := o.runTemplate(ctx, st, TesterAgent, "/test_e2e", st.RunID)
		if err != nil {
			return err
		}
		if !e2e.Success {
			o.reporter.Report(ctx, Errorf("end-to-end tests failed: %s", agent.Truncate(e2e.Output, 500)).
				WithRun(st.RunID, st.IssueNumber).WithAgent(TesterAgent).
				WithSeverity(SeverityWarning))
		}
	}

	o.commitAndPush(ctx, st, issue, TesterAgent)
	o.comment(ctx, st, TesterAgent, "✅ Test execution complete!")
	return nil
}

// Review reviews the implemented plan against the issue.
func (o *Orchestrator) Review(ctx context.Context, st *state.State) error {
	st.AppendHistory(PipelineReview)
	if err := o.store.Save(st, PipelineReview); err != nil {
		return err
	}
	if err := o.ensureWorkspace(ctx, st, PipelineReview); err != nil {
		return err
	}
	o.comment(ctx, st, ReviewerAgent, "🔍 Starting review...")

	resp, err := o.runTemplate(ctx, st, ReviewerAgent, "/review", st.PlanFile)
	if err != nil {
		return err
	}
	if !resp.Success {
		return Errorf("review failed: %s", agent.Truncate(resp.Output, 500)).
			WithRun(st.RunID, st.IssueNumber).WithAgent(ReviewerAgent)
	}

	o.comment(ctx, st, ReviewerAgent, "✅ Review complete! "+agent.Truncate(resp.Output, 400))
	return nil
}

// Document generates documentation for the run's changes.
func (o *Orchestrator) Document(ctx context.Context, st *state.State) error {
	st.AppendHistory(PipelineDocument)
	if err := o.store.Save(st, PipelineDocument); err != nil {
		return err
	}
	if err := o.ensureWorkspace(ctx, st, PipelineDocument); err != nil {
		return err
	}

	issue, err := o.fetchIssue(ctx, st)
	if err != nil {
		return err
	}
	o.comment(ctx, st, DocumenterAgent, "📝 Starting documentation...")

	resp, err := o.runTemplate(ctx, st, DocumenterAgent, "/document", st.IssueNumber, st.RunID, st.PlanFile)
	if err != nil {
		return err
	}
	if !resp.Success {
		return Errorf("documentation failed: %s", agent.Truncate(resp.Output, 500)).
			WithRun(st.RunID, st.IssueNumber).WithAgent(DocumenterAgent)
	}

	o.commitAndPush(ctx, st, issue, DocumenterAgent)
	o.comment(ctx, st, DocumenterAgent, "✅ Documentation complete!")
	return nil
}

// Ship pushes the branch and opens a pull request.
func (o *Orchestrator) Ship(ctx context.Context, st *state.State) error {
	if st.BranchName == "" {
		return Errorf("no branch in state; run the plan pipeline first").
			WithRun(st.RunID, st.IssueNumber).WithAgent(OpsAgent)
	}
	st.AppendHistory(PipelineShip)
	if err := o.store.Save(st, PipelineShip); err != nil {
		return err
	}
	if err := o.ensureWorkspace(ctx, st, PipelineShip); err != nil {
		return err
	}

	issue, err := o.fetchIssue(ctx, st)
	if err != nil {
		return err
	}
	o.comment(ctx, st, PRAgent, "🚢 Creating pull request...")

	if err := gitops.Push(ctx, st.WorktreePath, st.BranchName); err != nil {
		o.logger.Warn("could not push branch before PR creation",
			zap.String("run_id", st.RunID),
			zap.Error(err))
	}

	prURL, err := o.CreatePullRequest(ctx, st, issue)
	if err != nil {
		return err
	}
	o.comment(ctx, st, PRAgent, "✅ Pull request created: "+prURL)
	return nil
}

// Patch plans and implements a focused patch from a review change
// request, bypassing the full planning flow.
func (o *Orchestrator) Patch(ctx context.Context, st *state.State, changeRequest string) error {
	st.AppendHistory(PipelinePatch)
	if err := o.store.Save(st, PipelinePatch); err != nil {
		return err
	}
	if err := o.ensureWorkspace(ctx, st, PipelinePatch); err != nil {
		return err
	}

	issue, err := o.fetchIssue(ctx, st)
	if err != nil {
		return err
	}
	o.comment(ctx, st, PatchPlanner, "🩹 Creating patch plan...")

	resp, err := o.invoker.ExecuteTemplate(ctx, agent.TemplateRequest{
		RunID:        st.RunID,
		AgentName:    PatchPlanner,
		SlashCommand: "/patch",
		Args:         []string{st.RunID, changeRequest, st.PlanFile, PatchPlanner},
		WorkingDir:   st.WorktreePath,
	}, st.ModelSet)
	if err != nil {
		return err
	}
	if !resp.Success {
		return Errorf("creating patch plan: %s", resp.Output).
			WithRun(st.RunID, st.IssueNumber).WithAgent(PatchPlanner)
	}

	patchFile := strings.TrimSpace(resp.Output)
	if !strings.Contains(patchFile, "specs/patch/") || !strings.HasSuffix(patchFile, ".md") {
		return Errorf("invalid patch plan path: %s", patchFile).
			WithRun(st.RunID, st.IssueNumber).WithAgent(PatchPlanner)
	}
	st.PatchFile = patchFile
	if err := o.store.Save(st, PipelinePatch); err != nil {
		return err
	}

	impl, err := o.ImplementPlan(ctx, st, patchFile, PatchImplementor)
	if err != nil {
		return err
	}
	if !impl.Success {
		return Errorf("implementing patch: %s", impl.Output).
			WithRun(st.RunID, st.IssueNumber).WithAgent(PatchImplementor)
	}

	o.commitAndPush(ctx, st, issue, PatchImplementor)
	o.comment(ctx, st, PatchImplementor, "✅ Patch complete! Patch file: "+patchFile)
	return nil
}

// ensureWorkspace makes sure the run has a port and a valid worktree,
// persisting any fields it fills in.
func (o *Orchestrator) ensureWorkspace(ctx context.Context, st *state.State, label string) error {
	if st.BranchName == "" {
		return Errorf("no branch in state; run the plan pipeline first").
			WithRun(st.RunID, st.IssueNumber).WithAgent(OpsAgent)
	}

	changed := false
	if st.BackendPort == 0 {
		port, err := o.ports.FindAvailable(st.RunID, o.cfg.Ports.PoolSize)
		if err != nil {
			return Errorf("allocating port: %v", err).
				WithRun(st.RunID, st.IssueNumber).WithAgent(OpsAgent)
		}
		st.BackendPort = port
		changed = true
	}

	path, err := o.trees.Ensure(ctx, st.RunID, st.BranchName)
	if err != nil {
		return Errorf("preparing worktree: %v", err).
			WithRun(st.RunID, st.IssueNumber).WithAgent(OpsAgent)
	}
	if st.WorktreePath != path {
		st.WorktreePath = path
		changed = true
	}

	if changed {
		return o.store.Save(st, label)
	}
	return nil
}

// runTemplate is a small helper for single-command agent steps.
func (o *Orchestrator) runTemplate(ctx context.Context, st *state.State, agentName, command string, args ...string) (*agent.PromptResponse, error) {
	return o.invoker.ExecuteTemplate(ctx, agent.TemplateRequest{
		RunID:        st.RunID,
		AgentName:    agentName,
		SlashCommand: command,
		Args:         args,
		WorkingDir:   st.WorktreePath,
	}, st.ModelSet)
}

// commitAndPush records the agent's work in the worktree. Both steps
// are best-effort: a run with uncommitted changes is still useful, so
// failures degrade to warnings.
func (o *Orchestrator) commitAndPush(ctx context.Context, st *state.State, issue *githubops.Issue, agentName string) {
	dirty, err := gitops.HasChanges(ctx, st.WorktreePath)
	if err != nil {
		o.logger.Warn("could not check worktree status", zap.Error(err))
		return
	}
	if dirty {
		message, err := o.CreateCommitMessage(ctx, st, issue, agentName)
		if err != nil {
			o.logger.Warn("could not create commit message",
				zap.String("run_id", st.RunID),
				zap.Error(err))
		} else if err := gitops.CommitAll(ctx, st.WorktreePath, message); err != nil {
			o.logger.Warn("could not commit changes",
				zap.String("run_id", st.RunID),
				zap.Error(err))
		}
	}

	if err := gitops.Push(ctx, st.WorktreePath, st.BranchName); err != nil {
		o.logger.Warn("could not push branch",
			zap.String("run_id", st.RunID),
			zap.String("branch", st.BranchName),
			zap.Error(err))
	}
}
