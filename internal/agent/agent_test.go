package agent

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/adwd/internal/config"
)

// fakeCLI writes an executable shell script standing in for the agent
// CLI and returns its path. The script answers --version and then runs
// the given body.
func fakeCLI(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell-script fake CLI requires a POSIX shell")
	}
	path := filepath.Join(t.TempDir(), "fake-agent")
	script := "#!/bin/sh\nif [ \"$1\" = \"--version\" ]; then echo 1.0.0; exit 0; fi\n" + body
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

func newInvoker(t *testing.T, cliPath string) *Invoker {
	t.Helper()
	cfg := config.AgentConfig{
		CLIPath:    cliPath,
		Timeout:    config.Duration(time.Minute),
		MaxRetries: 2,
	}
	iv := NewInvoker(cfg, t.TempDir(), zap.NewNop())
	iv.sleep = func(time.Duration) {}
	return iv
}

func outputPath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "raw_output.jsonl")
}

func TestExecute_Success(t *testing.T) {
	cli := fakeCLI(t, `cat <<'EOF'
{"type":"system","subtype":"init"}
{"type":"assistant","message":{"content":[{"type":"text","text":"working on it"}]}}
{"type":"result","subtype":"success","session_id":"sess-1","result":"feature","is_error":false}
EOF
`)
	iv := newInvoker(t, cli)
	out := outputPath(t)

	resp, err := iv.Execute(context.Background(), PromptRequest{
		Prompt:     "/classify_issue 42 abc12345",
		RunID:      "abc12345",
		AgentName:  "issue-classifier",
		Model:      "sonnet",
		OutputFile: out,
	})
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Equal(t, "feature", resp.Output)
	assert.Equal(t, "sess-1", resp.SessionID)
	assert.Equal(t, RetryNone, resp.RetryCode)

	// Raw stream is preserved and the array rendering sits next to it.
	assert.FileExists(t, out)
	assert.FileExists(t, filepath.Join(filepath.Dir(out), "raw_output.json"))
}

func TestExecute_SavesSlashCommandPrompt(t *testing.T) {
	cli := fakeCLI(t, `echo '{"type":"result","result":"ok","session_id":"s"}'`)
	iv := newInvoker(t, cli)

	_, err := iv.Execute(context.Background(), PromptRequest{
		Prompt:     "/implement plans/plan.md",
		RunID:      "abc12345",
		AgentName:  "implementor",
		Model:      "sonnet",
		OutputFile: outputPath(t),
	})
	require.NoError(t, err)

	saved := filepath.Join(iv.AgentDir("abc12345", "implementor"), "prompts", "implement.txt")
	data, err := os.ReadFile(saved)
	require.NoError(t, err)
	assert.Equal(t, "/implement plans/plan.md", string(data))
}

func TestExecute_ErrorDuringExecution(t *testing.T) {
	cli := fakeCLI(t, `echo '{"type":"result","subtype":"error_during_execution","session_id":"sess-2"}'`)
	iv := newInvoker(t, cli)

	resp, err := iv.Execute(context.Background(), PromptRequest{
		Prompt:     "do the thing",
		RunID:      "abc12345",
		AgentName:  "ops",
		Model:      "sonnet",
		OutputFile: outputPath(t),
	})
	require.NoError(t, err)
	assert.False(t, resp.Success)
	assert.Equal(t, RetryDuringExecution, resp.RetryCode)
	assert.Equal(t, "sess-2", resp.SessionID)
}

func TestExecute_NoResultMessageFallsBackToAssistantText(t *testing.T) {
	cli := fakeCLI(t, `echo '{"type":"assistant","message":{"content":[{"type":"text","text":"partial progress report"}]}}'`)
	iv := newInvoker(t, cli)

	resp, err := iv.Execute(context.Background(), PromptRequest{
		Prompt:     "do the thing",
		RunID:      "abc12345",
		AgentName:  "ops",
		Model:      "sonnet",
		OutputFile: outputPath(t),
	})
	require.NoError(t, err)
	assert.False(t, resp.Success)
	assert.Equal(t, RetryNone, resp.RetryCode)
	assert.Contains(t, resp.Output, "partial progress report")
}

func TestExecute_NonzeroExit(t *testing.T) {
	cli := fakeCLI(t, `echo "invalid api key" >&2; exit 1`)
	iv := newInvoker(t, cli)

	resp, err := iv.Execute(context.Background(), PromptRequest{
		Prompt:     "do the thing",
		RunID:      "abc12345",
		AgentName:  "ops",
		Model:      "sonnet",
		OutputFile: outputPath(t),
	})
	require.NoError(t, err)
	assert.False(t, resp.Success)
	assert.Equal(t, RetryCLIError, resp.RetryCode)
	assert.Contains(t, resp.Output, "invalid api key")
}

func TestExecute_CLINotInstalled(t *testing.T) {
	iv := newInvoker(t, filepath.Join(t.TempDir(), "missing-cli"))

	resp, err := iv.Execute(context.Background(), PromptRequest{
		Prompt:     "hello",
		RunID:      "abc12345",
		AgentName:  "ops",
		Model:      "sonnet",
		OutputFile: outputPath(t),
	})
	require.NoError(t, err)
	assert.False(t, resp.Success)
	assert.Equal(t, RetryNone, resp.RetryCode)
	assert.Contains(t, resp.Output, "not installed")
}

func TestExecuteWithRetry_RecoversAfterTransientFailure(t *testing.T) {
	counter := filepath.Join(t.TempDir(), "attempts")
	cli := fakeCLI(t, fmt.Sprintf(`count=$(cat %[1]s 2>/dev/null || echo 0)
count=$((count + 1))
echo $count > %[1]s
if [ $count -lt 2 ]; then
  echo '{"type":"result","subtype":"error_during_execution","session_id":"s"}'
else
  echo '{"type":"result","result":"recovered","session_id":"s"}'
fi
`, counter))
	iv := newInvoker(t, cli)

	var slept []time.Duration
	iv.sleep = func(d time.Duration) { slept = append(slept, d) }

	resp, err := iv.ExecuteWithRetry(context.Background(), PromptRequest{
		Prompt:     "do the thing",
		RunID:      "abc12345",
		AgentName:  "ops",
		Model:      "sonnet",
		OutputFile: outputPath(t),
	})
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Equal(t, "recovered", resp.Output)
	assert.Equal(t, []time.Duration{time.Second}, slept)
}

func TestExecuteWithRetry_GivesUpAfterMaxRetries(t *testing.T) {
	cli := fakeCLI(t, `echo '{"type":"result","subtype":"error_during_execution","session_id":"s"}'`)
	iv := newInvoker(t, cli)

	var attempts int
	iv.sleep = func(time.Duration) { attempts++ }

	resp, err := iv.ExecuteWithRetry(context.Background(), PromptRequest{
		Prompt:     "do the thing",
		RunID:      "abc12345",
		AgentName:  "ops",
		Model:      "sonnet",
		OutputFile: outputPath(t),
	})
	require.NoError(t, err)
	assert.False(t, resp.Success)
	assert.Equal(t, RetryDuringExecution, resp.RetryCode)
	assert.Equal(t, 2, attempts, "one sleep per retry")
}

func TestExecuteWithRetry_TerminalFailureNotRetried(t *testing.T) {
	cli := fakeCLI(t, `echo '{"type":"result","result":"cannot comply","is_error":true,"session_id":"s"}'`)
	iv := newInvoker(t, cli)

	var slept int
	iv.sleep = func(time.Duration) { slept++ }

	resp, err := iv.ExecuteWithRetry(context.Background(), PromptRequest{
		Prompt:     "do the thing",
		RunID:      "abc12345",
		AgentName:  "ops",
		Model:      "sonnet",
		OutputFile: outputPath(t),
	})
	require.NoError(t, err)
	assert.False(t, resp.Success)
	assert.Equal(t, RetryNone, resp.RetryCode)
	assert.Zero(t, slept)
}

func TestDelaySchedule(t *testing.T) {
	assert.Empty(t, delaySchedule(0))
	assert.Equal(t, []time.Duration{time.Second}, delaySchedule(1))
	assert.Equal(t,
		[]time.Duration{time.Second, 3 * time.Second, 5 * time.Second},
		delaySchedule(3))
	assert.Equal(t,
		[]time.Duration{time.Second, 3 * time.Second, 5 * time.Second, 7 * time.Second, 9 * time.Second},
		delaySchedule(5))
}
