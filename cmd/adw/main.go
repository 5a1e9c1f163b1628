// Package main implements the adw CLI: agent-driven development
// pipelines triggered per GitHub issue.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/adwd/internal/cleanup"
	"github.com/fyrsmithlabs/adwd/internal/config"
	"github.com/fyrsmithlabs/adwd/internal/logging"
	"github.com/fyrsmithlabs/adwd/internal/preflight"
	"github.com/fyrsmithlabs/adwd/internal/state"
	"github.com/fyrsmithlabs/adwd/internal/workflow"
)

var (
	configPath string
	repoRoot   string
	version    = "dev"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(workflow.ExitStatus(err))
	}
}

var rootCmd = &cobra.Command{
	Use:   "adw",
	Short: "Agent-driven development workflows",
	Long: `adw runs agent-driven development pipelines against GitHub issues.

Each run gets an 8-character id, an isolated git worktree under trees/,
and persisted state under agents/ so pipelines can be chained:

  adw plan 42            # classify, branch, worktree, plan
  adw build 42 a1b2c3d4  # implement the plan from run a1b2c3d4
  adw sdlc 42            # plan + build + test + review + document`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to adw.yaml (default <repo-root>/adw.yaml)")
	rootCmd.PersistentFlags().StringVar(&repoRoot, "repo-root", ".", "repository root")

	rootCmd.AddCommand(planCmd)
	rootCmd.AddCommand(buildCmd)
	rootCmd.AddCommand(testCmd)
	rootCmd.AddCommand(reviewCmd)
	rootCmd.AddCommand(documentCmd)
	rootCmd.AddCommand(shipCmd)
	rootCmd.AddCommand(patchCmd)
	rootCmd.AddCommand(cleanupCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(planBuildCmd)
	rootCmd.AddCommand(planBuildTestCmd)
	rootCmd.AddCommand(sdlcCmd)

	testCmd.Flags().BoolVar(&skipE2E, "skip-e2e", false, "skip end-to-end tests")

	cleanupCmd.Flags().BoolVar(&cleanupAll, "all", false, "remove all runs regardless of age")
	cleanupCmd.Flags().StringVar(&cleanupRunID, "run-id", "", "remove a single run")
	cleanupCmd.Flags().IntVar(&cleanupOlderThan, "older-than", 0, "remove runs older than N days")
	cleanupCmd.Flags().BoolVar(&cleanupDryRun, "dry-run", false, "report without removing")
	cleanupCmd.Flags().BoolVar(&cleanupWorktrees, "worktrees-only", false, "only remove worktrees")
	cleanupCmd.Flags().BoolVar(&cleanupStates, "states-only", false, "only remove state and artifacts")
	cleanupCmd.Flags().BoolVar(&cleanupKeepActive, "keep-active", false, "skip runs modified inside the active window")
}

var skipE2E bool

var (
	cleanupAll        bool
	cleanupRunID      string
	cleanupOlderThan  int
	cleanupDryRun     bool
	cleanupWorktrees  bool
	cleanupStates     bool
	cleanupKeepActive bool
)

var planCmd = &cobra.Command{
	Use:   "plan <issue-number> [run-id]",
	Short: "Classify the issue and produce an implementation plan",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runPipeline(cmd.Context(), workflow.PipelinePlan, args, false,
			func(ctx context.Context, o *workflow.Orchestrator, st *state.State) error {
				return o.Plan(ctx, st)
			})
	},
}

var buildCmd = &cobra.Command{
	Use:   "build <issue-number> <run-id>",
	Short: "Implement the plan from a previous plan run",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runPipeline(cmd.Context(), workflow.PipelineBuild, args, true,
			func(ctx context.Context, o *workflow.Orchestrator, st *state.State) error {
				return o.Build(ctx, st)
			})
	},
}

var testCmd = &cobra.Command{
	Use:   "test <issue-number> <run-id>",
	Short: "Run the test suite through the tester agent",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runPipeline(cmd.Context(), workflow.PipelineTest, args, true,
			func(ctx context.Context, o *workflow.Orchestrator, st *state.State) error {
				return o.Test(ctx, st, skipE2E)
			})
	},
}

var reviewCmd = &cobra.Command{
	Use:   "review <issue-number> <run-id>",
	Short: "Review the implementation against the plan",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runPipeline(cmd.Context(), workflow.PipelineReview, args, true,
			func(ctx context.Context, o *workflow.Orchestrator, st *state.State) error {
				return o.Review(ctx, st)
			})
	},
}

var documentCmd = &cobra.Command{
	Use:   "document <issue-number> <run-id>",
	Short: "Generate documentation for the run's changes",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runPipeline(cmd.Context(), workflow.PipelineDocument, args, true,
			func(ctx context.Context, o *workflow.Orchestrator, st *state.State) error {
				return o.Document(ctx, st)
			})
	},
}

var shipCmd = &cobra.Command{
	Use:   "ship <issue-number> <run-id>",
	Short: "Push the branch and open a pull request",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runPipeline(cmd.Context(), workflow.PipelineShip, args, true,
			func(ctx context.Context, o *workflow.Orchestrator, st *state.State) error {
				return o.Ship(ctx, st)
			})
	},
}

var patchCmd = &cobra.Command{
	Use:   "patch <issue-number> <run-id> <change-request...>",
	Short: "Plan and implement a focused patch from a change request",
	Args:  cobra.MinimumNArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		changeRequest := strings.Join(args[2:], " ")
		return runPipeline(cmd.Context(), workflow.PipelinePatch, args[:2], true,
			func(ctx context.Context, o *workflow.Orchestrator, st *state.State) error {
				return o.Patch(ctx, st, changeRequest)
			})
	},
}

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Remove stale run worktrees and state",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := load()
		if err != nil {
			return err
		}
		defer func() { _ = logger.Sync() }()

		o, err := workflow.New(cfg, logger)
		if err != nil {
			return err
		}
		cleaner := cleanup.NewCleaner(cfg, o.Store(), o.Worktrees(), logger)
		report, err := cleaner.Run(cmd.Context(), cleanup.Options{
			All:           cleanupAll,
			RunID:         cleanupRunID,
			OlderThanDays: cleanupOlderThan,
			DryRun:        cleanupDryRun,
			WorktreesOnly: cleanupWorktrees,
			StatesOnly:    cleanupStates,
			KeepActive:    cleanupKeepActive,
		})
		if err != nil {
			return err
		}

		for _, item := range report.Items {
			switch {
			case item.Removed && cleanupDryRun:
				fmt.Printf("would remove %s %s (%d days old)\n", item.Kind, item.Path, item.AgeDays)
			case item.Removed:
				fmt.Printf("removed %s %s (%d days old)\n", item.Kind, item.Path, item.AgeDays)
			case item.Skipped != "" && item.Kind != "":
				fmt.Printf("kept %s %s: %s\n", item.Kind, item.Path, item.Skipped)
			case item.Skipped != "":
				fmt.Printf("kept run %s: %s\n", item.RunID, item.Skipped)
			}
		}
		fmt.Printf("%d item(s) removed\n", report.Removed())
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status <run-id>",
	Short: "Print the persisted state of a run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(repoRoot, configPath)
		if err != nil {
			return fmt.Errorf("loading configuration: %w", err)
		}
		st, err := state.NewStore(cfg.AgentsRoot()).Load(args[0])
		if err != nil {
			return err
		}
		data, err := json.MarshalIndent(st, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(data))
		return nil
	},
}

var planBuildCmd = &cobra.Command{
	Use:   "plan-build <issue-number> [run-id]",
	Short: "Run plan then build",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runComposite(cmd.Context(), args, []stage{
			{name: "plan"},
			{name: "build"},
		})
	},
}

var planBuildTestCmd = &cobra.Command{
	Use:   "plan-build-test <issue-number> [run-id]",
	Short: "Run plan, build, then test",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runComposite(cmd.Context(), args, []stage{
			{name: "plan"},
			{name: "build"},
			{name: "test"},
		})
	},
}

var sdlcCmd = &cobra.Command{
	Use:   "sdlc <issue-number> [run-id]",
	Short: "Run the full pipeline: plan, build, test, review, document",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runComposite(cmd.Context(), args, []stage{
			{name: "plan"},
			{name: "build"},
			{name: "test"},
			{name: "review", advisory: true},
			{name: "document", advisory: true},
		})
	},
}

// load reads configuration and builds the process logger.
func load() (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(repoRoot, configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("loading configuration: %w", err)
	}
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

// runPipeline is the shared harness: load config, resolve the run,
// attach the per-run log file, preflight, execute, and report failures
// on the issue.
func runPipeline(ctx context.Context, name string, args []string, requireRunID bool,
	fn func(context.Context, *workflow.Orchestrator, *state.State) error) error {

	issueNumber := args[0]
	runID := ""
	if len(args) > 1 {
		runID = args[1]
	}
	if requireRunID && runID == "" {
		return fmt.Errorf("%s requires a run id from a previous pipeline", name)
	}

	cfg, logger, err := load()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	o, err := workflow.New(cfg, logger)
	if err != nil {
		return err
	}

	st, err := o.EnsureRunID(issueNumber, runID)
	if err != nil {
		return err
	}

	// Re-wire onto a logger that also writes the run's execution log.
	runLogger, err := logging.NewRunLogger(cfg.Logging, o.Store().RunDir(st.RunID), name)
	if err == nil {
		defer func() { _ = runLogger.Sync() }()
		if o, err = workflow.New(cfg, runLogger); err != nil {
			return err
		}
	} else {
		logger.Warn("could not open run log file", zap.Error(err))
	}

	report := preflight.NewChecker(cfg, logger).Run(ctx, nil)
	if !report.Passed(false) {
		perr := workflow.NewError("preflight checks failed:\n" + report.Summary()).
			WithRun(st.RunID, issueNumber).
			WithAgent(workflow.OpsAgent).
			WithSeverity(workflow.SeverityCritical)
		o.Reporter().Report(ctx, perr)
		return perr
	}

	if err := fn(ctx, o, st); err != nil {
		o.Reporter().Report(ctx, err)
		return err
	}
	fmt.Printf("%s complete for issue %s (run %s)\n", name, issueNumber, st.RunID)
	return nil
}

// stage is one step of a composite pipeline.
type stage struct {
	name     string
	advisory bool
}

// runComposite chains pipelines by re-invoking this binary so each
// stage keeps its own process lifecycle and exit code. The run id is
// minted up front and threaded through every stage.
func runComposite(ctx context.Context, args []string, stages []stage) error {
	issueNumber := args[0]
	runID := ""
	if len(args) > 1 {
		runID = args[1]
	}
	if runID == "" {
		runID = state.NewRunID()
		fmt.Printf("starting composite run %s for issue %s\n", runID, issueNumber)
	}

	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolving executable: %w", err)
	}

	for _, s := range stages {
		cmdArgs := []string{s.name, issueNumber, runID, "--repo-root", repoRoot}
		if configPath != "" {
			cmdArgs = append(cmdArgs, "--config", configPath)
		}
		cmd := exec.CommandContext(ctx, exe, cmdArgs...)
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr

		if err := cmd.Run(); err != nil {
			if s.advisory {
				fmt.Fprintf(os.Stderr, "advisory stage %s failed: %v\n", s.name, err)
				continue
			}
			return fmt.Errorf("stage %s failed: %w", s.name, err)
		}
	}
	return nil
}
