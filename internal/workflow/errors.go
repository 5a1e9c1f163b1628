package workflow

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/adwd/internal/githubops"
)

// Severity grades a workflow error.
type Severity string

const (
	// SeverityWarning lets the pipeline continue degraded.
	SeverityWarning Severity = "warning"
	// SeverityError stops the pipeline; a retry may succeed.
	SeverityError Severity = "error"
	// SeverityCritical stops the pipeline immediately.
	SeverityCritical Severity = "critical"
)

// Error is a pipeline failure with enough context to report it on the
// issue and pick the process exit code.
type Error struct {
	Message     string
	Severity    Severity
	RunID       string
	IssueNumber string
	AgentName   string
	ExitCode    int
	Comment     bool
}

// NewError returns an Error with error severity, exit code 1, and
// issue commenting enabled.
func NewError(message string) *Error {
	return &Error{
		Message:  message,
		Severity: SeverityError,
		ExitCode: 1,
		Comment:  true,
	}
}

// Errorf is NewError with formatting.
func Errorf(format string, args ...any) *Error {
	return NewError(fmt.Sprintf(format, args...))
}

func (e *Error) Error() string {
	return e.Message
}

// WithRun attaches run and issue context.
func (e *Error) WithRun(runID, issueNumber string) *Error {
	e.RunID = runID
	e.IssueNumber = issueNumber
	return e
}

// WithAgent names the agent the failure belongs to.
func (e *Error) WithAgent(name string) *Error {
	e.AgentName = name
	return e
}

// WithSeverity overrides the default severity.
func (e *Error) WithSeverity(s Severity) *Error {
	e.Severity = s
	return e
}

// ExitStatus returns the process exit code for err: an Error's
// ExitCode, otherwise 1.
func ExitStatus(err error) int {
	if err == nil {
		return 0
	}
	var we *Error
	if errors.As(err, &we) && we.ExitCode > 0 {
		return we.ExitCode
	}
	return 1
}

// Reporter logs workflow errors and mirrors them onto the issue.
type Reporter struct {
	github   *githubops.Client
	repoPath string
	logger   *zap.Logger
}

// NewReporter returns a Reporter posting to repoPath ("owner/repo").
func NewReporter(github *githubops.Client, repoPath string, logger *zap.Logger) *Reporter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reporter{github: github, repoPath: repoPath, logger: logger}
}

// Report logs err by severity and posts an issue comment when the
// error carries issue context. Comment failures are logged, never
// propagated.
func (r *Reporter) Report(ctx context.Context, err error) {
	if err == nil {
		return
	}

	var we *Error
	if !errors.As(err, &we) {
		we = NewError(err.Error())
	}

	fields := []zap.Field{
		zap.String("run_id", we.RunID),
		zap.String("issue", we.IssueNumber),
		zap.String("agent", we.AgentName),
	}
	switch we.Severity {
	case SeverityWarning:
		r.logger.Warn(we.Message, fields...)
	case SeverityCritical:
		r.logger.Error(we.Message, append(fields, zap.String("severity", "critical"))...)
	default:
		r.logger.Error(we.Message, fields...)
	}

	if !we.Comment || we.IssueNumber == "" || r.github == nil {
		return
	}

	agentName := we.AgentName
	if agentName == "" {
		agentName = OpsAgent
	}
	marker := "❌"
	if we.Severity == SeverityWarning {
		marker = "⚠️"
	}
	runID := we.RunID
	if runID == "" {
		runID = "unknown"
	}
	body := FormatIssueMessage(runID, agentName, marker+" "+we.Message)
	if cerr := r.github.PostComment(ctx, we.IssueNumber, r.repoPath, body); cerr != nil {
		r.logger.Warn("could not post error comment", zap.Error(cerr))
	}
}
