// Package trigger implements the GitHub webhook server that launches
// workflow pipelines from issue and comment events.
//
// The server answers within GitHub's delivery timeout by starting the
// pipeline as a detached subprocess and responding immediately.
package trigger

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/go-github/v57/github"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/adwd/internal/config"
	"github.com/fyrsmithlabs/adwd/internal/githubops"
	"github.com/fyrsmithlabs/adwd/internal/state"
)

// maxPayloadBytes caps webhook request bodies.
const maxPayloadBytes = 1 << 20

// Launcher starts a pipeline for an issue in the background. runID may
// be empty for independent pipelines.
type Launcher func(pipeline, issueNumber, runID string) error

// Server is the webhook HTTP server.
type Server struct {
	echo   *echo.Echo
	cfg    *config.Config
	github *githubops.Client
	logger *zap.Logger
	launch Launcher
}

// NewServer builds the server and registers its routes.
func NewServer(cfg *config.Config, gh *githubops.Client, logger *zap.Logger, launch Launcher) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			logger.Info("http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
			)
			return err
		}
	})

	s := &Server{
		echo:   e,
		cfg:    cfg,
		github: gh,
		logger: logger,
		launch: launch,
	}

	e.GET("/health", s.handleHealth)
	e.POST("/gh-webhook", s.handleWebhook)

	return s
}

// Start begins serving on the configured port.
func (s *Server) Start() error {
	addr := fmt.Sprintf(":%d", s.cfg.Webhook.Port)
	s.logger.Info("starting webhook server", zap.String("addr", addr))
	return s.echo.Start(addr)
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// Handler exposes the underlying handler for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// HealthResponse is the body for GET /health.
type HealthResponse struct {
	Status  string `json:"status"`
	Service string `json:"service"`
}

// TriggerResponse is the body for POST /gh-webhook.
type TriggerResponse struct {
	Status      string `json:"status"`
	Workflow    string `json:"workflow,omitempty"`
	RunID       string `json:"run_id,omitempty"`
	IssueNumber int    `json:"issue_number,omitempty"`
	Reason      string `json:"reason,omitempty"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "healthy", Service: "adw-webhook"})
}

func (s *Server) handleWebhook(c echo.Context) error {
	req := c.Request()
	payload, err := io.ReadAll(io.LimitReader(req.Body, maxPayloadBytes))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "unreadable payload")
	}

	event, err := github.ParseWebHook(github.WebHookType(req), payload)
	if err != nil {
		s.logger.Warn("unparseable webhook payload", zap.Error(err))
		return echo.NewHTTPError(http.StatusBadRequest, "invalid payload")
	}

	var (
		issueNumber int
		repoPath    string
		content     string
		fromComment bool
	)

	switch e := event.(type) {
	case *github.IssuesEvent:
		if e.GetAction() != "opened" || e.GetIssue() == nil {
			return s.ignored(c, "unhandled issues action")
		}
		issueNumber = e.GetIssue().GetNumber()
		repoPath = e.GetRepo().GetFullName()
		content = strings.TrimSpace(e.GetIssue().GetTitle() + "\n\n" + e.GetIssue().GetBody())
	case *github.IssueCommentEvent:
		if e.GetAction() != "created" || e.GetIssue() == nil {
			return s.ignored(c, "unhandled comment action")
		}
		issueNumber = e.GetIssue().GetNumber()
		repoPath = e.GetRepo().GetFullName()
		content = e.GetComment().GetBody()
		fromComment = true
	default:
		return s.ignored(c, "unhandled event type")
	}

	if issueNumber == 0 || content == "" {
		return s.ignored(c, "no actionable content")
	}
	if strings.Contains(content, s.github.BotIdentifier()) {
		s.logger.Info("ignoring own traffic", zap.Int("issue", issueNumber))
		return s.ignored(c, "own bot traffic")
	}

	pipeline, runID, reason := Decide(content, fromComment)
	if pipeline == "" {
		return s.ignored(c, "no workflow matched")
	}

	issue := strconv.Itoa(issueNumber)
	ctx := req.Context()

	if dependentPipelines[pipeline] && runID == "" {
		s.logger.Info("dependent pipeline without run id",
			zap.String("pipeline", pipeline), zap.Int("issue", issueNumber))
		if err := s.github.PostComment(ctx, issue, repoPath, fmt.Sprintf(
			"❌ `adw_%s` needs the run id of a previous run, for example `adw_%s %s`.",
			directiveName(pipeline), directiveName(pipeline), state.NewRunID())); err != nil {
			s.logger.Warn("could not post error comment", zap.Error(err))
		}
		return s.ignored(c, "dependent pipeline requires a run id")
	}

	if runID == "" {
		runID = state.NewRunID()
	}

	if err := s.launch(pipeline, issue, runID); err != nil {
		s.logger.Error("could not launch pipeline",
			zap.String("pipeline", pipeline), zap.Error(err))
		return c.JSON(http.StatusInternalServerError, TriggerResponse{
			Status: "error", Reason: err.Error(),
		})
	}

	s.logger.Info("pipeline triggered",
		zap.String("pipeline", pipeline),
		zap.Int("issue", issueNumber),
		zap.String("run_id", runID),
		zap.String("reason", reason),
	)

	if err := s.github.PostComment(ctx, issue, repoPath, fmt.Sprintf(
		"🚀 workflow triggered: `%s` (run id: %s)\n\nReason: %s", pipeline, runID, reason)); err != nil {
		s.logger.Warn("could not post trigger comment", zap.Error(err))
	}

	return c.JSON(http.StatusOK, TriggerResponse{
		Status:      "triggered",
		Workflow:    pipeline,
		RunID:       runID,
		IssueNumber: issueNumber,
	})
}

func (s *Server) ignored(c echo.Context, reason string) error {
	return c.JSON(http.StatusOK, TriggerResponse{Status: "ignored", Reason: reason})
}

// directives maps explicit adw_<name> tokens to pipeline subcommands.
var directives = map[string]string{
	"adw_plan":            "plan",
	"adw_build":           "build",
	"adw_test":            "test",
	"adw_review":          "review",
	"adw_document":        "document",
	"adw_ship":            "ship",
	"adw_patch":           "patch",
	"adw_plan_build":      "plan-build",
	"adw_plan_build_test": "plan-build-test",
	"adw_sdlc":            "sdlc",
}

// dependentPipelines require existing run state and cannot start cold.
var dependentPipelines = map[string]bool{
	"build":    true,
	"test":     true,
	"review":   true,
	"document": true,
	"ship":     true,
	"patch":    true,
}

var (
	directiveRe = regexp.MustCompile(`\badw_[a-z_]+\b`)
	runIDRe     = regexp.MustCompile(`\b(?:adw-)?([0-9a-f]{8})\b`)
)

func directiveName(pipeline string) string {
	return strings.ReplaceAll(pipeline, "-", "_")
}

// Decide picks a pipeline for the given text. Explicit adw_<name>
// directives win; otherwise the content is matched against keyword
// groups. Issue bodies with no keyword match still default to the
// plan-build-test pipeline; comments do not.
func Decide(content string, fromComment bool) (pipeline, runID, reason string) {
	if token := directiveRe.FindString(content); token != "" {
		if p, ok := directives[token]; ok {
			if m := runIDRe.FindStringSubmatch(content); m != nil {
				runID = m[1]
			}
			return p, runID, fmt.Sprintf("explicit directive %s", token)
		}
	}

	if p := inferPipeline(content); p != "" {
		return p, "", fmt.Sprintf("inferred %s from content", p)
	}

	if !fromComment {
		return "plan-build-test", "", "issue content, default pipeline"
	}
	return "", "", ""
}

// keywordGroups are checked in order; the first group with a hit wins.
var keywordGroups = []struct {
	pipeline string
	words    []string
}{
	{"plan-build-test", []string{"test", "coverage", "testing", "uncovered code"}},
	{"sdlc", []string{"document", "documentation", "readme", "write docs"}},
	{"sdlc", []string{"review", "audit", "inspect"}},
	{"plan-build-test", []string{"fix", "bug", "error", "broken", "not working"}},
	{"plan-build-test", []string{"feature", "add", "implement", "create", "new", "enhancement"}},
	{"plan-build-test", []string{"do", "make", "build", "generate", "write"}},
}

func inferPipeline(content string) string {
	lower := strings.ToLower(content)
	for _, g := range keywordGroups {
		for _, w := range g.words {
			if strings.Contains(lower, w) {
				return g.pipeline
			}
		}
	}
	return ""
}
