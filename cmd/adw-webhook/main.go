// Package main runs the GitHub webhook server that triggers adw
// pipelines from issue and comment events.
//
// Usage:
//
//	adw-webhook [--repo-root .] [--config adw.yaml]
//
// The server listens on webhook.port (default 8001), answers GET
// /health, and launches pipelines from POST /gh-webhook deliveries as
// detached adw subprocesses.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/adwd/internal/config"
	"github.com/fyrsmithlabs/adwd/internal/githubops"
	"github.com/fyrsmithlabs/adwd/internal/logging"
	"github.com/fyrsmithlabs/adwd/internal/trigger"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		repoRoot   = flag.String("repo-root", ".", "repository root")
		configPath = flag.String("config", "", "path to adw.yaml (default <repo-root>/adw.yaml)")
	)
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Load(*repoRoot, *configPath)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	adwPath, err := findADW()
	if err != nil {
		return err
	}
	logger.Info("webhook trigger starting",
		zap.Int("port", cfg.Webhook.Port),
		zap.String("adw", adwPath),
	)

	gh := githubops.NewClient(cfg.GitHub, logger.Named("github"))
	srv := trigger.NewServer(cfg, gh, logger, launcher(adwPath, cfg.Paths.RepoRoot, *configPath))

	errs := make(chan error, 1)
	go func() { errs <- srv.Start() }()

	select {
	case err := <-errs:
		return err
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	return srv.Shutdown(shutdownCtx)
}

// findADW locates the adw binary, preferring a sibling of this
// executable over PATH.
func findADW() (string, error) {
	if exe, err := os.Executable(); err == nil {
		sibling := filepath.Join(filepath.Dir(exe), "adw")
		if info, err := os.Stat(sibling); err == nil && !info.IsDir() {
			return sibling, nil
		}
	}
	path, err := exec.LookPath("adw")
	if err != nil {
		return "", fmt.Errorf("adw binary not found next to this executable or on PATH: %w", err)
	}
	return path, nil
}

// launcher starts pipelines detached so the webhook response is not
// tied to the pipeline's lifetime.
func launcher(adwPath, repoRoot, configPath string) trigger.Launcher {
	return func(pipeline, issueNumber, runID string) error {
		args := []string{pipeline, issueNumber}
		if runID != "" {
			args = append(args, runID)
		}
		args = append(args, "--repo-root", repoRoot)
		if configPath != "" {
			args = append(args, "--config", configPath)
		}

		cmd := exec.Command(adwPath, args...)
		cmd.Dir = repoRoot
		if err := cmd.Start(); err != nil {
			return err
		}
		return cmd.Process.Release()
	}
}
