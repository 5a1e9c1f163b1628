package agent

import (
	"context"
	"path/filepath"
	"strings"
)

// modelTiers maps each slash command to its model per tier. Commands
// absent from the table run on the default model.
var modelTiers = map[string]map[string]string{
	"/classify_issue":          {"base": "sonnet", "heavy": "sonnet"},
	"/classify_adw":            {"base": "sonnet", "heavy": "sonnet"},
	"/generate_branch_name":    {"base": "sonnet", "heavy": "sonnet"},
	"/implement":               {"base": "sonnet", "heavy": "opus"},
	"/test":                    {"base": "sonnet", "heavy": "sonnet"},
	"/resolve_failed_test":     {"base": "sonnet", "heavy": "opus"},
	"/test_e2e":                {"base": "sonnet", "heavy": "sonnet"},
	"/resolve_failed_e2e_test": {"base": "sonnet", "heavy": "opus"},
	"/review":                  {"base": "sonnet", "heavy": "sonnet"},
	"/document":                {"base": "sonnet", "heavy": "opus"},
	"/commit":                  {"base": "sonnet", "heavy": "sonnet"},
	"/pull_request":            {"base": "sonnet", "heavy": "sonnet"},
	"/chore":                   {"base": "sonnet", "heavy": "opus"},
	"/bug":                     {"base": "sonnet", "heavy": "opus"},
	"/feature":                 {"base": "sonnet", "heavy": "opus"},
	"/patch":                   {"base": "sonnet", "heavy": "opus"},
	"/install_worktree":        {"base": "sonnet", "heavy": "sonnet"},
}

const defaultModel = "sonnet"

// ModelFor resolves the model for a slash command under the run's
// model set. Unknown commands and unknown sets fall back to the base
// tier, then to the default model.
func ModelFor(slashCommand, modelSet string) string {
	tiers, ok := modelTiers[slashCommand]
	if !ok {
		return defaultModel
	}
	if model, ok := tiers[modelSet]; ok {
		return model
	}
	if model, ok := tiers["base"]; ok {
		return model
	}
	return defaultModel
}

// ExecuteTemplate runs a slash command with arguments, writing the raw
// stream under the run's agent directory and retrying transient
// failures. modelSet picks the tier when the request does not name a
// model.
func (iv *Invoker) ExecuteTemplate(ctx context.Context, req TemplateRequest, modelSet string) (*PromptResponse, error) {
	model := req.Model
	if model == "" {
		model = ModelFor(req.SlashCommand, modelSet)
	}

	prompt := req.SlashCommand
	if len(req.Args) > 0 {
		prompt += " " + strings.Join(req.Args, " ")
	}

	outputFile := filepath.Join(iv.AgentDir(req.RunID, req.AgentName), "raw_output.jsonl")

	return iv.ExecuteWithRetry(ctx, PromptRequest{
		Prompt:          prompt,
		RunID:           req.RunID,
		AgentName:       req.AgentName,
		Model:           model,
		WorkingDir:      req.WorkingDir,
		OutputFile:      outputFile,
		SkipPermissions: true,
	})
}
