// Package preflight validates system state before a pipeline runs.
package preflight

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/fyrsmithlabs/adwd/internal/config"
	"github.com/fyrsmithlabs/adwd/internal/gitops"
)

// Severity grades a failed check.
type Severity string

const (
	// SeverityWarning marks a failure that does not block the run by
	// default.
	SeverityWarning Severity = "warning"
	// SeverityError marks a failure that blocks the run.
	SeverityError Severity = "error"
	// SeverityCritical marks a failure the run cannot recover from.
	SeverityCritical Severity = "critical"
)

// Result is the outcome of one check.
type Result struct {
	Name     string
	Success  bool
	Message  string
	Severity Severity
}

// Report aggregates check results.
type Report struct {
	Results []Result
}

// Passed reports whether the run may proceed. Warnings only block when
// failOnWarning is set.
func (r *Report) Passed(failOnWarning bool) bool {
	for _, res := range r.Results {
		if res.Success {
			continue
		}
		if res.Severity == SeverityWarning && !failOnWarning {
			continue
		}
		return false
	}
	return true
}

// Summary renders one line per check.
func (r *Report) Summary() string {
	var b strings.Builder
	for _, res := range r.Results {
		status := "PASS"
		if !res.Success {
			status = fmt.Sprintf("FAIL (%s)", res.Severity)
		}
		fmt.Fprintf(&b, "%s: %s - %s\n", res.Name, status, res.Message)
	}
	return b.String()
}

// Check names for selecting a subset of the suite.
const (
	CheckEnvVars    = "env_vars"
	CheckGitRepo    = "git_repo"
	CheckGitRemote  = "git_remote"
	CheckGitClean   = "git_clean"
	CheckDiskSpace  = "disk_space"
	CheckTreesDir   = "trees_dir"
	CheckAgentCLI   = "agent_cli"
	CheckGitHubCLI  = "github_cli"
	CheckGitHubAuth = "github_auth"
)

// DefaultChecks are the checks every pipeline runs.
var DefaultChecks = []string{
	CheckEnvVars, CheckGitRepo, CheckGitRemote, CheckDiskSpace, CheckTreesDir,
}

const requiredDiskBytes = 1 << 30 // 1 GiB

// Checker runs the validation suite against one configuration.
type Checker struct {
	cfg    *config.Config
	logger *zap.Logger
}

// NewChecker returns a Checker for cfg.
func NewChecker(cfg *config.Config, logger *zap.Logger) *Checker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Checker{cfg: cfg, logger: logger}
}

// Run executes the named checks (DefaultChecks when empty) and returns
// the report.
func (c *Checker) Run(ctx context.Context, checks []string) *Report {
	if len(checks) == 0 {
		checks = DefaultChecks
	}

	report := &Report{}
	for _, name := range checks {
		var res Result
		switch name {
		case CheckEnvVars:
			res = c.checkEnvVars()
		case CheckGitRepo:
			res = c.checkGitRepo()
		case CheckGitRemote:
			res = c.checkGitRemote()
		case CheckGitClean:
			res = c.checkGitClean(ctx)
		case CheckDiskSpace:
			res = c.checkDiskSpace()
		case CheckTreesDir:
			res = c.checkTreesDir()
		case CheckAgentCLI:
			res = c.checkAgentCLI(ctx)
		case CheckGitHubCLI:
			res = c.checkGitHubCLI(ctx)
		case CheckGitHubAuth:
			res = c.checkGitHubAuth(ctx)
		default:
			res = Result{Name: name, Success: false,
				Message: "unknown check", Severity: SeverityWarning}
		}
		report.Results = append(report.Results, res)

		if res.Success {
			c.logger.Debug("preflight check passed", zap.String("check", res.Name))
		} else {
			c.logger.Warn("preflight check failed",
				zap.String("check", res.Name),
				zap.String("severity", string(res.Severity)),
				zap.String("message", res.Message))
		}
	}
	return report
}

func (c *Checker) checkEnvVars() Result {
	if !c.cfg.Agent.APIKey.IsSet() && os.Getenv("ANTHROPIC_API_KEY") == "" {
		return Result{Name: "Environment Variables", Success: false,
			Message:  "ANTHROPIC_API_KEY is not set",
			Severity: SeverityCritical}
	}
	return Result{Name: "Environment Variables", Success: true,
		Message: "all required variables are set"}
}

func (c *Checker) checkGitRepo() Result {
	if _, err := gitops.Open(c.cfg.Paths.RepoRoot); err != nil {
		return Result{Name: "Git Repository", Success: false,
			Message:  fmt.Sprintf("not a valid git repository: %v", err),
			Severity: SeverityCritical}
	}
	return Result{Name: "Git Repository", Success: true,
		Message: "repository is valid"}
}

func (c *Checker) checkGitRemote() Result {
	repo, err := gitops.Open(c.cfg.Paths.RepoRoot)
	if err != nil {
		return Result{Name: "Git Remote", Success: false,
			Message:  "could not open repository",
			Severity: SeverityError}
	}
	if _, err := repo.RemoteURL(); err != nil {
		return Result{Name: "Git Remote", Success: false,
			Message:  "origin remote is not configured",
			Severity: SeverityError}
	}
	return Result{Name: "Git Remote", Success: true,
		Message: "origin remote is configured"}
}

func (c *Checker) checkGitClean(ctx context.Context) Result {
	dirty, err := gitops.HasChanges(ctx, c.cfg.Paths.RepoRoot)
	if err != nil {
		return Result{Name: "Git Working Directory", Success: false,
			Message:  "could not check git status",
			Severity: SeverityWarning}
	}
	if dirty {
		return Result{Name: "Git Working Directory", Success: false,
			Message:  "working directory has uncommitted changes",
			Severity: SeverityWarning}
	}
	return Result{Name: "Git Working Directory", Success: true,
		Message: "working directory is clean"}
}

func (c *Checker) checkDiskSpace() Result {
	var stat unix.Statfs_t
	if err := unix.Statfs(c.cfg.Paths.RepoRoot, &stat); err != nil {
		return Result{Name: "Disk Space", Success: false,
			Message:  fmt.Sprintf("could not check disk space: %v", err),
			Severity: SeverityWarning}
	}
	free := stat.Bavail * uint64(stat.Bsize)
	if free < requiredDiskBytes {
		return Result{Name: "Disk Space", Success: false,
			Message: fmt.Sprintf("insufficient disk space: %.2f GiB available, 1 GiB required",
				float64(free)/float64(1<<30)),
			Severity: SeverityError}
	}
	return Result{Name: "Disk Space", Success: true,
		Message: fmt.Sprintf("%.2f GiB available", float64(free)/float64(1<<30))}
}

func (c *Checker) checkTreesDir() Result {
	dir := c.cfg.TreesRoot()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Result{Name: "Trees Directory", Success: false,
			Message:  fmt.Sprintf("could not create trees directory: %v", err),
			Severity: SeverityError}
	}
	probe := filepath.Join(dir, ".write-probe")
	if err := os.WriteFile(probe, []byte("ok"), 0o644); err != nil {
		return Result{Name: "Trees Directory", Success: false,
			Message:  fmt.Sprintf("trees directory is not writable: %v", err),
			Severity: SeverityError}
	}
	_ = os.Remove(probe)
	return Result{Name: "Trees Directory", Success: true,
		Message: "trees directory is writable: " + dir}
}

func (c *Checker) checkAgentCLI(ctx context.Context) Result {
	out, err := exec.CommandContext(ctx, c.cfg.Agent.CLIPath, "--version").Output()
	if err != nil {
		return Result{Name: "Agent CLI", Success: false,
			Message:  fmt.Sprintf("agent CLI %q is not working: %v", c.cfg.Agent.CLIPath, err),
			Severity: SeverityError}
	}
	version := strings.TrimSpace(string(out))
	if version == "" {
		version = "unknown"
	}
	return Result{Name: "Agent CLI", Success: true,
		Message: "agent CLI is available: " + version}
}

func (c *Checker) checkGitHubCLI(ctx context.Context) Result {
	if err := exec.CommandContext(ctx, "gh", "--version").Run(); err != nil {
		return Result{Name: "GitHub CLI", Success: false,
			Message:  "gh is not installed or not working",
			Severity: SeverityError}
	}
	return Result{Name: "GitHub CLI", Success: true,
		Message: "gh is available"}
}

func (c *Checker) checkGitHubAuth(ctx context.Context) Result {
	cmd := exec.CommandContext(ctx, "gh", "auth", "status")
	if c.cfg.GitHub.Token.IsSet() {
		cmd.Env = append(os.Environ(), "GH_TOKEN="+c.cfg.GitHub.Token.Value())
	}
	if err := cmd.Run(); err != nil {
		return Result{Name: "GitHub Authentication", Success: false,
			Message:  "gh is not authenticated; run 'gh auth login'",
			Severity: SeverityError}
	}
	return Result{Name: "GitHub Authentication", Success: true,
		Message: "gh is authenticated"}
}

// PortAvailable reports whether a TCP port on localhost can be bound.
func PortAvailable(port int) Result {
	addr := fmt.Sprintf("localhost:%d", port)
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return Result{Name: "Port", Success: false,
			Message:  fmt.Sprintf("port %d is already in use", port),
			Severity: SeverityError}
	}
	_ = l.Close()
	return Result{Name: "Port", Success: true,
		Message: fmt.Sprintf("port %d is available", port)}
}
