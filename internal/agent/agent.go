// Package agent invokes the coding-agent CLI and interprets its
// stream-json output.
//
// Every invocation writes the raw JSONL stream to the run's agent
// directory, then scans it backwards for the terminal result message.
// Transient failures carry a RetryCode so callers can decide whether a
// retry is worthwhile.
package agent

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/adwd/internal/config"
)

// RetryCode classifies a failed invocation by whether retrying may help.
type RetryCode string

const (
	// RetryNone marks a terminal failure; retrying will not help.
	RetryNone RetryCode = "none"
	// RetryCLIError marks a nonzero exit from the agent CLI.
	RetryCLIError RetryCode = "claude_code_error"
	// RetryTimeout marks an invocation killed by the deadline.
	RetryTimeout RetryCode = "timeout_error"
	// RetryExecution marks a failure to launch the subprocess at all.
	RetryExecution RetryCode = "execution_error"
	// RetryDuringExecution marks a run that started but reported an
	// internal error instead of a result.
	RetryDuringExecution RetryCode = "error_during_execution"
)

// Retryable reports whether the code marks a transient failure.
func (c RetryCode) Retryable() bool {
	switch c {
	case RetryCLIError, RetryTimeout, RetryExecution, RetryDuringExecution:
		return true
	}
	return false
}

// PromptRequest describes one direct prompt invocation.
type PromptRequest struct {
	Prompt          string
	RunID           string
	AgentName       string
	Model           string
	WorkingDir      string
	OutputFile      string
	SkipPermissions bool
}

// PromptResponse is the interpreted outcome of an invocation.
type PromptResponse struct {
	Output    string
	Success   bool
	SessionID string
	RetryCode RetryCode
}

// TemplateRequest describes a slash-command invocation. Model is
// resolved from the command's tier mapping when left empty.
type TemplateRequest struct {
	RunID        string
	AgentName    string
	SlashCommand string
	Args         []string
	Model        string
	WorkingDir   string
}

// Invoker runs the agent CLI as a subprocess.
type Invoker struct {
	cfg        config.AgentConfig
	agentsRoot string
	logger     *zap.Logger
	sleep      func(time.Duration)
}

// NewInvoker returns an Invoker writing per-run artifacts under
// agentsRoot.
func NewInvoker(cfg config.AgentConfig, agentsRoot string, logger *zap.Logger) *Invoker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Invoker{
		cfg:        cfg,
		agentsRoot: agentsRoot,
		logger:     logger,
		sleep:      time.Sleep,
	}
}

// CheckInstalled verifies the agent CLI responds to --version.
func (iv *Invoker) CheckInstalled(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, iv.cfg.CLIPath, "--version")
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("agent CLI not installed (expected at %s): %w", iv.cfg.CLIPath, err)
	}
	return nil
}

// AgentDir returns the artifact directory for one agent of one run.
func (iv *Invoker) AgentDir(runID, agentName string) string {
	return filepath.Join(iv.agentsRoot, runID, agentName)
}

// Execute runs a single prompt. Invocation failures are reported in the
// response, not as an error; the error return covers setup problems
// only.
func (iv *Invoker) Execute(ctx context.Context, req PromptRequest) (*PromptResponse, error) {
	if err := iv.CheckInstalled(ctx); err != nil {
		return &PromptResponse{
			Output:    err.Error(),
			Success:   false,
			RetryCode: RetryNone,
		}, nil
	}

	iv.savePrompt(req.Prompt, req.RunID, req.AgentName)

	if dir := filepath.Dir(req.OutputFile); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating output directory: %w", err)
		}
	}

	args := []string{"-p", req.Prompt, "--model", req.Model,
		"--output-format", "stream-json", "--verbose"}
	if req.WorkingDir != "" {
		mcpConfig := filepath.Join(req.WorkingDir, ".mcp.json")
		if _, err := os.Stat(mcpConfig); err == nil {
			args = append(args, "--mcp-config", mcpConfig)
		}
	}
	if req.SkipPermissions {
		args = append(args, "--dangerously-skip-permissions")
	}

	timeout := iv.cfg.Timeout.Duration()
	runCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	outFile, err := os.Create(req.OutputFile)
	if err != nil {
		return nil, fmt.Errorf("creating output file: %w", err)
	}
	defer outFile.Close()

	var stderr strings.Builder
	cmd := exec.CommandContext(runCtx, iv.cfg.CLIPath, args...)
	cmd.Dir = req.WorkingDir
	cmd.Stdout = outFile
	cmd.Stderr = &stderr
	cmd.Env = iv.subprocessEnv()

	iv.logger.Debug("invoking agent CLI",
		zap.String("run_id", req.RunID),
		zap.String("agent", req.AgentName),
		zap.String("model", req.Model),
		zap.String("working_dir", req.WorkingDir))

	runErr := cmd.Run()

	if runCtx.Err() == context.DeadlineExceeded {
		return &PromptResponse{
			Output:    fmt.Sprintf("agent CLI timed out after %s", timeout),
			Success:   false,
			RetryCode: RetryTimeout,
		}, nil
	}

	if runErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(runErr, &exitErr) {
			return &PromptResponse{
				Output:    fmt.Sprintf("executing agent CLI: %v", runErr),
				Success:   false,
				RetryCode: RetryExecution,
			}, nil
		}
		return iv.interpretFailure(req.OutputFile, strings.TrimSpace(stderr.String()), exitErr.ExitCode()), nil
	}

	return iv.interpretSuccess(req.OutputFile), nil
}

// interpretSuccess reads the stream from a zero-exit run and extracts
// the result message.
func (iv *Invoker) interpretSuccess(outputFile string) *PromptResponse {
	messages, result := ParseStream(outputFile)
	if jsonFile, err := RenderJSON(outputFile); err != nil {
		iv.logger.Debug("could not render message array", zap.Error(err))
	} else {
		iv.logger.Debug("rendered message array", zap.String("file", jsonFile))
	}

	if result == nil {
		output := "no result message found in agent output"
		if text := lastAssistantText(messages); text != "" {
			output = "agent output: " + Truncate(text, 500)
		}
		return &PromptResponse{
			Output:    Truncate(output, 800),
			Success:   false,
			RetryCode: RetryNone,
		}
	}

	if result.Subtype == "error_during_execution" {
		return &PromptResponse{
			Output:    "agent encountered an error during execution and did not return a result",
			Success:   false,
			SessionID: result.SessionID,
			RetryCode: RetryDuringExecution,
		}
	}

	output := result.Result
	if result.IsError && len(output) > 1000 {
		output = Truncate(output, 800)
	}
	return &PromptResponse{
		Output:    output,
		Success:   !result.IsError,
		SessionID: result.SessionID,
		RetryCode: RetryNone,
	}
}

// interpretFailure builds the most specific error message available
// from the stream, stderr, and exit code.
func (iv *Invoker) interpretFailure(outputFile, stderrMsg string, exitCode int) *PromptResponse {
	var output string

	messages, result := ParseStream(outputFile)
	switch {
	case result != nil && result.IsError && result.Result != "":
		output = "agent CLI error: " + result.Result
	case errorAssistantText(messages) != "":
		output = "agent CLI error: " + errorAssistantText(messages)
	case stderrMsg != "":
		output = "agent CLI error: " + stderrMsg
	default:
		output = fmt.Sprintf("agent CLI error: command failed with exit code %d", exitCode)
	}

	return &PromptResponse{
		Output:    Truncate(output, 800),
		Success:   false,
		RetryCode: RetryCLIError,
	}
}

// savePrompt records slash-command prompts under the run's prompts
// directory for later inspection. Non-command prompts are skipped.
func (iv *Invoker) savePrompt(prompt, runID, agentName string) {
	if !strings.HasPrefix(prompt, "/") {
		return
	}
	name := prompt[1:]
	if i := strings.IndexAny(name, " \t\n"); i >= 0 {
		name = name[:i]
	}
	if name == "" {
		return
	}

	dir := filepath.Join(iv.AgentDir(runID, agentName), "prompts")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		iv.logger.Debug("could not create prompts directory", zap.Error(err))
		return
	}
	if err := os.WriteFile(filepath.Join(dir, name+".txt"), []byte(prompt), 0o644); err != nil {
		iv.logger.Debug("could not save prompt", zap.Error(err))
	}
}

// subprocessEnv returns the restricted environment passed to the agent
// CLI. Only the variables the CLI needs cross the boundary.
func (iv *Invoker) subprocessEnv() []string {
	keep := []string{"PATH", "HOME", "USER", "LANG", "TMPDIR", "SHELL",
		"ANTHROPIC_API_KEY", "CLAUDE_CODE_PATH", "GITHUB_PAT", "GH_TOKEN"}

	var env []string
	for _, key := range keep {
		if v, ok := os.LookupEnv(key); ok {
			env = append(env, key+"="+v)
		}
	}
	if iv.cfg.APIKey.IsSet() {
		env = append(env, "ANTHROPIC_API_KEY="+iv.cfg.APIKey.Value())
	}
	return env
}
