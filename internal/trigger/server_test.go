package trigger

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/adwd/internal/config"
	"github.com/fyrsmithlabs/adwd/internal/githubops"
)

type launchRecord struct {
	called   bool
	pipeline string
	issue    string
	runID    string
}

// newTestServer wires a server with a recording launcher and a fake gh
// CLI that appends its arguments to a log file.
func newTestServer(t *testing.T) (*Server, *launchRecord, string) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell-script fake CLI requires a POSIX shell")
	}

	binDir := t.TempDir()
	commentsLog := filepath.Join(binDir, "comments.log")
	script := "#!/bin/sh\nprintf '%s\\n' \"$@\" >> " + commentsLog + "\n"
	require.NoError(t, os.WriteFile(filepath.Join(binDir, "gh"), []byte(script), 0o755))
	t.Setenv("PATH", binDir+string(os.PathListSeparator)+os.Getenv("PATH"))

	cfg := &config.Config{}
	cfg.Webhook.Port = 8001
	gh := githubops.NewClient(config.GitHubConfig{
		Token:         config.Secret("test-token"),
		BotIdentifier: "[ADW-AGENTS]",
	}, zap.NewNop())

	rec := &launchRecord{}
	srv := NewServer(cfg, gh, zap.NewNop(), func(pipeline, issue, runID string) error {
		rec.called = true
		rec.pipeline = pipeline
		rec.issue = issue
		rec.runID = runID
		return nil
	})
	return srv, rec, commentsLog
}

func deliver(t *testing.T, srv *Server, event, payload string) (*httptest.ResponseRecorder, TriggerResponse) {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/gh-webhook", strings.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-GitHub-Event", event)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	var resp TriggerResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return w, resp
}

func TestHealth(t *testing.T) {
	srv, _, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var resp HealthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "healthy", resp.Status)
	assert.Equal(t, "adw-webhook", resp.Service)
}

func TestWebhook_IssueOpened_InfersPipeline(t *testing.T) {
	srv, rec, commentsLog := newTestServer(t)

	_, resp := deliver(t, srv, "issues", `{
		"action": "opened",
		"issue": {"number": 42, "title": "Dark mode", "body": "Please add a dark mode feature"},
		"repository": {"full_name": "acme/widgets"}
	}`)

	assert.Equal(t, "triggered", resp.Status)
	assert.Equal(t, "plan-build-test", resp.Workflow)
	assert.Equal(t, 42, resp.IssueNumber)
	assert.Len(t, resp.RunID, 8)

	require.True(t, rec.called)
	assert.Equal(t, "plan-build-test", rec.pipeline)
	assert.Equal(t, "42", rec.issue)
	assert.Equal(t, resp.RunID, rec.runID)

	data, err := os.ReadFile(commentsLog)
	require.NoError(t, err)
	assert.Contains(t, string(data), "workflow triggered: `plan-build-test`")
	assert.Contains(t, string(data), resp.RunID)
}

func TestWebhook_CommentDirectiveWithRunID(t *testing.T) {
	srv, rec, _ := newTestServer(t)

	_, resp := deliver(t, srv, "issue_comment", `{
		"action": "created",
		"issue": {"number": 7},
		"comment": {"body": "adw_build adw-abc12345 please"},
		"repository": {"full_name": "acme/widgets"}
	}`)

	assert.Equal(t, "triggered", resp.Status)
	assert.Equal(t, "build", resp.Workflow)
	assert.Equal(t, "abc12345", resp.RunID)
	require.True(t, rec.called)
	assert.Equal(t, "abc12345", rec.runID)
}

func TestWebhook_BotCommentIgnored(t *testing.T) {
	srv, rec, _ := newTestServer(t)

	_, resp := deliver(t, srv, "issue_comment", `{
		"action": "created",
		"issue": {"number": 7},
		"comment": {"body": "[ADW-AGENTS] abc12345_ops: starting adw_plan"},
		"repository": {"full_name": "acme/widgets"}
	}`)

	assert.Equal(t, "ignored", resp.Status)
	assert.False(t, rec.called)
}

func TestWebhook_DependentDirectiveWithoutRunID(t *testing.T) {
	srv, rec, commentsLog := newTestServer(t)

	_, resp := deliver(t, srv, "issue_comment", `{
		"action": "created",
		"issue": {"number": 7},
		"comment": {"body": "adw_ship"},
		"repository": {"full_name": "acme/widgets"}
	}`)

	assert.Equal(t, "ignored", resp.Status)
	assert.False(t, rec.called)

	data, err := os.ReadFile(commentsLog)
	require.NoError(t, err)
	assert.Contains(t, string(data), "adw_ship")
	assert.Contains(t, string(data), "run id")
}

func TestWebhook_UnhandledEventIgnored(t *testing.T) {
	srv, rec, _ := newTestServer(t)

	_, resp := deliver(t, srv, "push", `{"ref": "refs/heads/main"}`)

	assert.Equal(t, "ignored", resp.Status)
	assert.False(t, rec.called)
}

func TestDecide(t *testing.T) {
	tests := []struct {
		name        string
		content     string
		fromComment bool
		pipeline    string
		runID       string
	}{
		{"explicit plan", "adw_plan this issue", true, "plan", ""},
		{"explicit composite", "run adw_plan_build_test now", true, "plan-build-test", ""},
		{"directive with run id", "adw_test adw-deadbeef", true, "test", "deadbeef"},
		{"directive with bare run id", "adw_review 12ab34cd", true, "review", "12ab34cd"},
		{"test keywords", "coverage must reach 100%", true, "plan-build-test", ""},
		{"doc keywords", "update the readme", true, "sdlc", ""},
		{"review keywords", "please review the changes", true, "sdlc", ""},
		{"bug keywords", "login is broken", true, "plan-build-test", ""},
		{"comment without match", "thanks!", true, "", ""},
		{"issue without match defaults", "thanks!", false, "plan-build-test", ""},
		{"unknown directive falls through to inference", "adw_deploy the fix", true, "plan-build-test", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pipeline, runID, _ := Decide(tt.content, tt.fromComment)
			assert.Equal(t, tt.pipeline, pipeline)
			assert.Equal(t, tt.runID, runID)
		})
	}
}
