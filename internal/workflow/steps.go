package workflow

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/adwd/internal/agent"
	"github.com/fyrsmithlabs/adwd/internal/githubops"
	"github.com/fyrsmithlabs/adwd/internal/state"
)

// ClassifyIssue asks the classifier agent to sort the issue into a
// chore, bug, or feature.
func (o *Orchestrator) ClassifyIssue(ctx context.Context, st *state.State, issue *githubops.Issue) (state.IssueClass, error) {
	payload, err := issue.MinimalJSON()
	if err != nil {
		return "", fmt.Errorf("encoding issue: %w", err)
	}

	resp, err := o.invoker.ExecuteTemplate(ctx, agent.TemplateRequest{
		RunID:        st.RunID,
		AgentName:    ClassifierAgent,
		SlashCommand: "/classify_issue",
		Args:         []string{payload},
	}, st.ModelSet)
	if err != nil {
		return "", err
	}
	if !resp.Success {
		return "", Errorf("classifying issue: %s", resp.Output).
			WithRun(st.RunID, st.IssueNumber).WithAgent(ClassifierAgent)
	}

	class, err := parseClassification(resp.Output)
	if err != nil {
		return "", Errorf("%v", err).
			WithRun(st.RunID, st.IssueNumber).WithAgent(ClassifierAgent)
	}
	o.logger.Info("classified issue",
		zap.String("run_id", st.RunID),
		zap.String("class", string(class)))
	return class, nil
}

var (
	classMarkdownRe = regexp.MustCompile(`(?i)(?:\*\*)?Classification[:\s]+[` + "`" + `*]*(/chore|/bug|/feature|0)`)
	classTokenRe    = regexp.MustCompile(`(?:^|[\s` + "`" + `*])(/chore|/bug|/feature|0)(?:[\s` + "`" + `*]|$)`)
	classLineRe     = regexp.MustCompile(`(?m)^\s*(/chore|/bug|/feature|0)\s*$`)
)

// parseClassification digs the classification out of free-form agent
// output. Agents usually answer with just the command, but markdown
// framing shows up often enough to need the layered patterns.
func parseClassification(output string) (state.IssueClass, error) {
	output = strings.TrimSpace(output)

	var token string
	for _, re := range []*regexp.Regexp{classMarkdownRe, classTokenRe, classLineRe} {
		if m := re.FindStringSubmatch(output); m != nil {
			token = m[1]
			break
		}
	}
	if token == "" {
		token = output
	}
	switch token {
	case "chore", "bug", "feature":
		token = "/" + token
	}

	if token == "0" {
		return "", fmt.Errorf("no classification selected: %s", agent.Truncate(output, 200))
	}
	class := state.IssueClass(token)
	if !class.Valid() {
		return "", fmt.Errorf("invalid classification %q in response: %s", token, agent.Truncate(output, 200))
	}
	return class, nil
}

// GenerateBranchName asks the branch agent for a
// {type}-issue-{n}-adw-{id}-{slug} branch name and sanitizes it into a
// valid git ref.
func (o *Orchestrator) GenerateBranchName(ctx context.Context, st *state.State, issue *githubops.Issue, class state.IssueClass) (string, error) {
	payload, err := issue.MinimalJSON()
	if err != nil {
		return "", fmt.Errorf("encoding issue: %w", err)
	}
	issueType := strings.TrimPrefix(string(class), "/")

	resp, err := o.invoker.ExecuteTemplate(ctx, agent.TemplateRequest{
		RunID:        st.RunID,
		AgentName:    BranchAgent,
		SlashCommand: "/generate_branch_name",
		Args:         []string{issueType, st.RunID, payload},
	}, st.ModelSet)
	if err != nil {
		return "", err
	}
	if !resp.Success {
		return "", Errorf("generating branch name: %s", resp.Output).
			WithRun(st.RunID, st.IssueNumber).WithAgent(BranchAgent)
	}

	branch := extractBranchName(resp.Output, issueType, st.RunID)
	if branch == "" {
		return "", Errorf("could not extract branch name from response: %s", agent.Truncate(resp.Output, 200)).
			WithRun(st.RunID, st.IssueNumber).WithAgent(BranchAgent)
	}
	o.logger.Info("generated branch name",
		zap.String("run_id", st.RunID),
		zap.String("branch", branch))
	return branch, nil
}

var (
	codeBlockRe     = regexp.MustCompile("```(?:[a-z]+)?\n([a-z0-9-]+)\n```")
	invalidRefChars = regexp.MustCompile(`[ ~^:?*\[\\@{}\n\r\t]`)
	multiHyphens    = regexp.MustCompile(`-+`)
)

// extractBranchName pulls the branch name out of agent output, trying a
// code block, then the expected naming pattern, then the first line
// that looks plausible.
func extractBranchName(output, issueType, runID string) string {
	output = strings.TrimSpace(output)

	var branch string
	if m := codeBlockRe.FindStringSubmatch(output); m != nil {
		branch = m[1]
	} else {
		patternRe := regexp.MustCompile(`(?i)` + regexp.QuoteMeta(issueType) +
			`-issue-\d+-adw-` + regexp.QuoteMeta(runID) + `-[a-z0-9-]+`)
		if m := patternRe.FindString(output); m != "" {
			branch = m
		} else {
			for _, line := range strings.Split(output, "\n") {
				line = strings.TrimSpace(line)
				if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, "*") {
					continue
				}
				line = strings.Trim(line, "`\"'")
				line = strings.TrimPrefix(line, "- ")
				if len(line) < 100 {
					branch = line
					break
				}
			}
		}
	}
	if branch == "" {
		return ""
	}

	branch = invalidRefChars.ReplaceAllString(branch, "-")
	branch = multiHyphens.ReplaceAllString(branch, "-")
	return strings.Trim(branch, "-")
}

// BuildPlan runs the class-specific planning command and returns the
// agent's response; the output names the plan file it wrote.
func (o *Orchestrator) BuildPlan(ctx context.Context, st *state.State, issue *githubops.Issue, class state.IssueClass) (*agent.PromptResponse, error) {
	payload, err := issue.MinimalJSON()
	if err != nil {
		return nil, fmt.Errorf("encoding issue: %w", err)
	}

	return o.invoker.ExecuteTemplate(ctx, agent.TemplateRequest{
		RunID:        st.RunID,
		AgentName:    PlannerAgent,
		SlashCommand: string(class),
		Args:         []string{st.IssueNumber, st.RunID, payload},
		WorkingDir:   st.WorktreePath,
	}, st.ModelSet)
}

// ImplementPlan runs /implement against a plan file inside the
// worktree.
func (o *Orchestrator) ImplementPlan(ctx context.Context, st *state.State, planFile, agentName string) (*agent.PromptResponse, error) {
	if agentName == "" {
		agentName = ImplementorAgent
	}
	return o.invoker.ExecuteTemplate(ctx, agent.TemplateRequest{
		RunID:        st.RunID,
		AgentName:    agentName,
		SlashCommand: "/implement",
		Args:         []string{planFile},
		WorkingDir:   st.WorktreePath,
	}, st.ModelSet)
}

// CreateCommitMessage asks the commit agent for a conventional commit
// message covering the staged work.
func (o *Orchestrator) CreateCommitMessage(ctx context.Context, st *state.State, issue *githubops.Issue, agentName string) (string, error) {
	payload, err := issue.MinimalJSON()
	if err != nil {
		return "", fmt.Errorf("encoding issue: %w", err)
	}
	issueType := strings.TrimPrefix(string(st.IssueClass), "/")

	resp, err := o.invoker.ExecuteTemplate(ctx, agent.TemplateRequest{
		RunID:        st.RunID,
		AgentName:    agentName + "_committer",
		SlashCommand: "/commit",
		Args:         []string{agentName, issueType, payload},
		WorkingDir:   st.WorktreePath,
	}, st.ModelSet)
	if err != nil {
		return "", err
	}
	if !resp.Success {
		return "", Errorf("creating commit message: %s", resp.Output).
			WithRun(st.RunID, st.IssueNumber).WithAgent(agentName)
	}
	return strings.TrimSpace(resp.Output), nil
}

// CreatePullRequest asks the PR agent to push the branch and open a
// pull request, returning the PR URL.
func (o *Orchestrator) CreatePullRequest(ctx context.Context, st *state.State, issue *githubops.Issue) (string, error) {
	payload := "{}"
	if issue != nil {
		var err error
		payload, err = issue.MinimalJSON()
		if err != nil {
			return "", fmt.Errorf("encoding issue: %w", err)
		}
	}
	planFile := st.PlanFile
	if planFile == "" {
		planFile = "No plan file"
	}

	resp, err := o.invoker.ExecuteTemplate(ctx, agent.TemplateRequest{
		RunID:        st.RunID,
		AgentName:    PRAgent,
		SlashCommand: "/pull_request",
		Args:         []string{st.BranchName, payload, planFile, st.RunID},
		WorkingDir:   st.WorktreePath,
	}, st.ModelSet)
	if err != nil {
		return "", err
	}
	if !resp.Success {
		return "", Errorf("creating pull request: %s", resp.Output).
			WithRun(st.RunID, st.IssueNumber).WithAgent(PRAgent)
	}
	return strings.TrimSpace(resp.Output), nil
}
