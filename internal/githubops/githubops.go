// Package githubops talks to GitHub through the gh CLI.
//
// Issues and comments come back as gh's camelCase JSON; the structs
// here mirror that shape directly. Every comment the orchestrator
// posts carries the bot identifier so the webhook can filter out its
// own traffic.
package githubops

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/adwd/internal/config"
)

var (
	// ErrNoToken indicates no GitHub token is configured.
	ErrNoToken = errors.New("github token not configured")
	// ErrCLINotFound indicates the gh binary is missing.
	ErrCLINotFound = errors.New("gh CLI not installed")
)

// User is a GitHub account reference.
type User struct {
	Login string `json:"login"`
	ID    string `json:"id,omitempty"`
	Name  string `json:"name,omitempty"`
	IsBot bool   `json:"is_bot,omitempty"`
}

// Label is an issue label.
type Label struct {
	ID          string `json:"id,omitempty"`
	Name        string `json:"name"`
	Color       string `json:"color,omitempty"`
	Description string `json:"description,omitempty"`
}

// Comment is one issue comment.
type Comment struct {
	ID        string `json:"id,omitempty"`
	Body      string `json:"body"`
	Author    *User  `json:"author,omitempty"`
	CreatedAt string `json:"createdAt,omitempty"`
	UpdatedAt string `json:"updatedAt,omitempty"`
}

// Issue is a GitHub issue with its comments.
type Issue struct {
	Number    int       `json:"number"`
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	State     string    `json:"state,omitempty"`
	URL       string    `json:"url,omitempty"`
	Author    *User     `json:"author,omitempty"`
	Assignees []User    `json:"assignees,omitempty"`
	Labels    []Label   `json:"labels,omitempty"`
	Comments  []Comment `json:"comments,omitempty"`
	CreatedAt string    `json:"createdAt,omitempty"`
	UpdatedAt string    `json:"updatedAt,omitempty"`
	ClosedAt  string    `json:"closedAt,omitempty"`
}

// IssueListItem is the trimmed shape gh returns for issue lists.
type IssueListItem struct {
	Number    int     `json:"number"`
	Title     string  `json:"title"`
	Body      string  `json:"body"`
	Labels    []Label `json:"labels,omitempty"`
	CreatedAt string  `json:"createdAt,omitempty"`
	UpdatedAt string  `json:"updatedAt,omitempty"`
}

// MinimalJSON renders the fields an agent prompt needs: number, title,
// body, and label names.
func (i *Issue) MinimalJSON() (string, error) {
	names := make([]string, 0, len(i.Labels))
	for _, l := range i.Labels {
		names = append(names, l.Name)
	}
	data, err := json.Marshal(map[string]any{
		"number": i.Number,
		"title":  i.Title,
		"body":   i.Body,
		"labels": names,
	})
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// Client wraps gh CLI invocations for one repository host.
type Client struct {
	ghPath        string
	token         config.Secret
	botIdentifier string
	logger        *zap.Logger
}

// NewClient returns a Client using cfg's token and bot identifier.
func NewClient(cfg config.GitHubConfig, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		ghPath:        "gh",
		token:         cfg.Token,
		botIdentifier: cfg.BotIdentifier,
		logger:        logger,
	}
}

// BotIdentifier returns the marker prepended to every posted comment.
func (c *Client) BotIdentifier() string {
	return c.botIdentifier
}

// gh runs a gh subcommand with a minimal environment carrying only the
// token and PATH.
func (c *Client) gh(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, c.ghPath, args...)

	env := []string{"PATH=" + os.Getenv("PATH")}
	if home := os.Getenv("HOME"); home != "" {
		env = append(env, "HOME="+home)
	}
	if c.token.IsSet() {
		env = append(env, "GH_TOKEN="+c.token.Value())
	} else if t := os.Getenv("GH_TOKEN"); t != "" {
		env = append(env, "GH_TOKEN="+t)
	}
	cmd.Env = env

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return "", ErrCLINotFound
		}
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return stdout.String(), fmt.Errorf("gh %s: %s", args[0], msg)
	}
	return stdout.String(), nil
}

// FetchIssue retrieves one issue with comments from repoPath
// ("owner/repo").
func (c *Client) FetchIssue(ctx context.Context, issueNumber, repoPath string) (*Issue, error) {
	out, err := c.gh(ctx, "issue", "view", issueNumber, "-R", repoPath,
		"--json", "number,title,body,state,author,assignees,labels,milestone,comments,createdAt,updatedAt,closedAt,url")
	if err != nil {
		return nil, fmt.Errorf("fetching issue #%s: %w", issueNumber, err)
	}

	var issue Issue
	if err := json.Unmarshal([]byte(out), &issue); err != nil {
		return nil, fmt.Errorf("parsing issue #%s: %w", issueNumber, err)
	}
	return &issue, nil
}

// PostComment posts a comment on the issue, prepending the bot
// identifier when the body does not already carry it.
func (c *Client) PostComment(ctx context.Context, issueNumber, repoPath, body string) error {
	if !c.token.IsSet() && os.Getenv("GH_TOKEN") == "" && os.Getenv("GITHUB_PAT") == "" {
		return ErrNoToken
	}
	if c.botIdentifier != "" && !strings.HasPrefix(body, c.botIdentifier) {
		body = c.botIdentifier + " " + body
	}

	if _, err := c.gh(ctx, "issue", "comment", issueNumber, "-R", repoPath, "--body", body); err != nil {
		return fmt.Errorf("posting comment on issue #%s: %w", issueNumber, err)
	}
	c.logger.Debug("posted issue comment",
		zap.String("issue", issueNumber),
		zap.String("repo", repoPath))
	return nil
}

// MarkInProgress adds the in_progress label and self-assigns the
// issue. Both steps are best-effort.
func (c *Client) MarkInProgress(ctx context.Context, issueNumber, repoPath string) {
	if _, err := c.gh(ctx, "issue", "edit", issueNumber, "-R", repoPath, "--add-label", "in_progress"); err != nil {
		c.logger.Debug("could not add in_progress label", zap.Error(err))
	}
	if _, err := c.gh(ctx, "issue", "edit", issueNumber, "-R", repoPath, "--add-assignee", "@me"); err != nil {
		c.logger.Debug("could not self-assign issue", zap.Error(err))
	}
}

// FetchOpenIssues lists open issues in repoPath.
func (c *Client) FetchOpenIssues(ctx context.Context, repoPath string) ([]IssueListItem, error) {
	out, err := c.gh(ctx, "issue", "list", "--repo", repoPath, "--state", "open",
		"--json", "number,title,body,labels,createdAt,updatedAt", "--limit", "1000")
	if err != nil {
		return nil, fmt.Errorf("listing open issues: %w", err)
	}

	var issues []IssueListItem
	if err := json.Unmarshal([]byte(out), &issues); err != nil {
		return nil, fmt.Errorf("parsing issue list: %w", err)
	}
	return issues, nil
}

// FindCommentWithKeyword returns the newest non-bot comment containing
// keyword, case-insensitively, or nil.
func (c *Client) FindCommentWithKeyword(keyword string, issue *Issue) *Comment {
	if issue == nil || len(issue.Comments) == 0 {
		return nil
	}

	sorted := make([]Comment, len(issue.Comments))
	copy(sorted, issue.Comments)
	sort.Slice(sorted, func(a, b int) bool {
		return sorted[a].CreatedAt > sorted[b].CreatedAt
	})

	needle := strings.ToLower(keyword)
	for i := range sorted {
		if c.botIdentifier != "" && strings.Contains(sorted[i].Body, c.botIdentifier) {
			continue
		}
		if strings.Contains(strings.ToLower(sorted[i].Body), needle) {
			return &sorted[i]
		}
	}
	return nil
}
