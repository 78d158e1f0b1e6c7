// Copyright (C) 2026 Pipewright
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package workspace manages git worktrees for agent isolation. Every task
// gets its own worktree on its own branch; the host checkout is never touched
// while agents run.
package workspace

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/pipewright/pipewright/internal/logger"
)

var (
	wsLog     *zerolog.Logger
	wsLogOnce sync.Once
)

func getLog() *zerolog.Logger {
	wsLogOnce.Do(func() {
		l := logger.GetGitLogger().With().Str("component", "workspace").Logger()
		wsLog = &l
	})
	return wsLog
}

// allowedGitOperations restricts which subcommands the provider may run.
var allowedGitOperations = map[string]bool{
	"worktree":  true,
	"branch":    true,
	"checkout":  true,
	"status":    true,
	"add":       true,
	"commit":    true,
	"merge":     true,
	"diff":      true,
	"log":       true,
	"show-ref":  true,
	"rev-parse": true,
}

// Provider performs git operations against a host repository and its
// worktrees.
type Provider struct {
	// branchNamespace prefixes every branch the provider creates,
	// e.g. "pipewright" yields "pipewright/task-<id>".
	branchNamespace string
}

// NewProvider creates a workspace provider using the given branch namespace.
func NewProvider(branchNamespace string) *Provider {
	if branchNamespace == "" {
		branchNamespace = "pipewright"
	}
	return &Provider{branchNamespace: branchNamespace}
}

// getSafeEnvironment returns a minimal environment for git commands
func getSafeEnvironment() []string {
	return []string{
		"HOME=" + os.Getenv("HOME"),
		"USER=" + os.Getenv("USER"),
		"PATH=" + os.Getenv("PATH"),
		"LANG=" + os.Getenv("LANG"),
		"LC_ALL=" + os.Getenv("LC_ALL"),
		// Git-specific environment variables
		"GIT_TERMINAL_PROMPT=0", // Disable interactive prompts
		"GIT_ASKPASS=",          // Disable password prompts
	}
}

// buildGitCommand builds a git command with operation validation
func (p *Provider) buildGitCommand(ctx context.Context, workDir string, args ...string) (*exec.Cmd, error) {
	if len(args) == 0 {
		return nil, fmt.Errorf("no git command specified")
	}

	operation := args[0]
	if !allowedGitOperations[operation] {
		return nil, fmt.Errorf("git operation not allowed: %s", operation)
	}

	getLog().Debug().Str("operation", operation).Strs("args", args).Str("work_dir", workDir).Msg("Git operation")

	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = workDir
	cmd.Env = getSafeEnvironment()
	return cmd, nil
}

// runGit runs a git command and returns combined output trimmed of whitespace.
func (p *Provider) runGit(ctx context.Context, workDir string, args ...string) (string, error) {
	cmd, err := p.buildGitCommand(ctx, workDir, args...)
	if err != nil {
		return "", err
	}
	out, err := cmd.CombinedOutput()
	output := strings.TrimSpace(string(out))
	if err != nil {
		return output, fmt.Errorf("git %s failed: %w: %s", args[0], err, output)
	}
	return output, nil
}

// TaskBranch returns the branch name for a task workspace.
func (p *Provider) TaskBranch(taskID string) string {
	return fmt.Sprintf("%s/task-%s", p.branchNamespace, shortID(taskID))
}

// SelfBranch returns the staging branch name for a self-repo pipeline.
func (p *Provider) SelfBranch(pipelineID string) string {
	return fmt.Sprintf("%s/self/%s", p.branchNamespace, shortID(pipelineID))
}

// PipelineBranch returns the integration branch name for a pipeline.
func (p *Provider) PipelineBranch(pipelineID string) string {
	return fmt.Sprintf("%s/pipeline-%s", p.branchNamespace, shortID(pipelineID))
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// workspacePath derives the deterministic worktree location for a branch: a
// sibling of the host repo named after it. Deterministic paths let crash
// recovery find workspaces again without extra bookkeeping.
func workspacePath(repoPath, branchName string) string {
	base := filepath.Base(repoPath)
	return filepath.Join(filepath.Dir(repoPath), base+"-"+sanitizeBranch(branchName))
}

func sanitizeBranch(branch string) string {
	var b strings.Builder
	for _, r := range branch {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		} else {
			b.WriteRune('_')
		}
	}
	return b.String()
}

// BranchExists reports whether a local branch exists in the repository.
func (p *Provider) BranchExists(ctx context.Context, repoPath, branchName string) (bool, error) {
	cmd, err := p.buildGitCommand(ctx, repoPath, "show-ref", "--verify", "--quiet", "refs/heads/"+branchName)
	if err != nil {
		return false, err
	}
	if err := cmd.Run(); err != nil {
		if _, ok := err.(*exec.ExitError); ok {
			return false, nil
		}
		return false, fmt.Errorf("failed to check branch %s: %w", branchName, err)
	}
	return true, nil
}

// CreateBranch creates a branch at HEAD without switching to it.
func (p *Provider) CreateBranch(ctx context.Context, repoPath, branchName string) error {
	_, err := p.runGit(ctx, repoPath, "branch", branchName)
	return err
}

// Checkout switches the working tree to branchName.
func (p *Provider) Checkout(ctx context.Context, workDir, branchName string) error {
	_, err := p.runGit(ctx, workDir, "checkout", branchName)
	return err
}

// CreateWorkspace creates (or recreates) a worktree for branchName next to
// the host repository and returns its path. A missing branch is created at
// HEAD; an existing one is checked out as-is.
func (p *Provider) CreateWorkspace(ctx context.Context, repoPath, branchName string) (string, error) {
	path := workspacePath(repoPath, branchName)

	// A stale worktree at the target path is removed first. Happens after
	// crashes and after replans that reuse branch names.
	if _, err := os.Stat(path); err == nil {
		getLog().Debug().Str("path", path).Msg("Removing stale worktree before recreate")
		if err := p.RemoveWorkspace(ctx, repoPath, path); err != nil {
			return "", fmt.Errorf("failed to remove stale worktree: %w", err)
		}
	}

	exists, err := p.BranchExists(ctx, repoPath, branchName)
	if err != nil {
		return "", err
	}

	if exists {
		_, err = p.runGit(ctx, repoPath, "worktree", "add", path, branchName)
	} else {
		_, err = p.runGit(ctx, repoPath, "worktree", "add", "-b", branchName, path)
	}
	if err != nil {
		return "", fmt.Errorf("failed to create worktree for %s: %w", branchName, err)
	}

	getLog().Info().Str("branch", branchName).Str("path", path).Msg("Created workspace")
	return path, nil
}

// RemoveWorkspace removes a worktree, falling back to manual deletion plus
// prune when git refuses.
func (p *Provider) RemoveWorkspace(ctx context.Context, repoPath, worktreePath string) error {
	if _, err := os.Stat(worktreePath); os.IsNotExist(err) {
		// Directory already gone; prune the dangling reference.
		_, _ = p.runGit(ctx, repoPath, "worktree", "prune")
		return nil
	}

	if _, err := p.runGit(ctx, repoPath, "worktree", "remove", "--force", worktreePath); err != nil {
		getLog().Warn().Err(err).Str("path", worktreePath).Msg("Git worktree remove failed, attempting manual cleanup")
		if err := os.RemoveAll(worktreePath); err != nil {
			return fmt.Errorf("failed to remove worktree directory: %w", err)
		}
		if _, err := p.runGit(ctx, repoPath, "worktree", "prune"); err != nil {
			getLog().Warn().Err(err).Msg("Failed to prune worktrees")
		}
	}
	return nil
}

// WorkspaceInfo describes one entry of `git worktree list`.
type WorkspaceInfo struct {
	Path   string
	Branch string
	Commit string
}

// ListWorkspaces lists all worktrees of the repository.
func (p *Provider) ListWorkspaces(ctx context.Context, repoPath string) ([]WorkspaceInfo, error) {
	cmd, err := p.buildGitCommand(ctx, repoPath, "worktree", "list", "--porcelain")
	if err != nil {
		return nil, err
	}
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("failed to list worktrees: %w", err)
	}
	return parseWorktreeList(string(out)), nil
}

// parseWorktreeList parses the output of git worktree list --porcelain
func parseWorktreeList(output string) []WorkspaceInfo {
	var worktrees []WorkspaceInfo
	var current WorkspaceInfo

	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			if current.Path != "" {
				worktrees = append(worktrees, current)
				current = WorkspaceInfo{}
			}
			continue
		}
		switch {
		case strings.HasPrefix(line, "worktree "):
			current.Path = strings.TrimPrefix(line, "worktree ")
		case strings.HasPrefix(line, "branch "):
			branch := strings.TrimPrefix(line, "branch ")
			current.Branch = strings.TrimPrefix(branch, "refs/heads/")
		case strings.HasPrefix(line, "HEAD "):
			current.Commit = strings.TrimPrefix(line, "HEAD ")
		}
	}
	if current.Path != "" {
		worktrees = append(worktrees, current)
	}
	return worktrees
}

// Status summarizes the working tree state of a checkout.
type Status struct {
	Clean     bool
	Staged    int
	Unstaged  int
	Untracked int
}

// GetStatus reports whether a checkout has uncommitted work.
func (p *Provider) GetStatus(ctx context.Context, workDir string) (*Status, error) {
	cmd, err := p.buildGitCommand(ctx, workDir, "status", "--porcelain")
	if err != nil {
		return nil, err
	}
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("failed to get status: %w", err)
	}

	status := &Status{}
	for _, line := range strings.Split(string(out), "\n") {
		if len(line) < 2 {
			continue
		}
		switch {
		case strings.HasPrefix(line, "??"):
			status.Untracked++
		default:
			if line[0] != ' ' {
				status.Staged++
			}
			if line[1] != ' ' {
				status.Unstaged++
			}
		}
	}
	status.Clean = status.Staged == 0 && status.Unstaged == 0 && status.Untracked == 0
	return status, nil
}

// HasChanges reports whether the checkout differs from HEAD in any way.
func (p *Provider) HasChanges(ctx context.Context, workDir string) (bool, error) {
	status, err := p.GetStatus(ctx, workDir)
	if err != nil {
		return false, err
	}
	return !status.Clean, nil
}

// Commit stages everything and commits. Committing a clean tree is an error.
func (p *Provider) Commit(ctx context.Context, workDir, message string) error {
	hasChanges, err := p.HasChanges(ctx, workDir)
	if err != nil {
		return err
	}
	if !hasChanges {
		return fmt.Errorf("nothing to commit in %s", workDir)
	}

	if _, err := p.runGit(ctx, workDir, "add", "-A"); err != nil {
		return err
	}
	if _, err := p.runGit(ctx, workDir, "commit", "-m", message); err != nil {
		return err
	}
	getLog().Info().Str("work_dir", workDir).Msg("Created commit")
	return nil
}

// LatestCommit returns the HEAD commit hash of a checkout.
func (p *Provider) LatestCommit(ctx context.Context, workDir string) (string, error) {
	return p.runGit(ctx, workDir, "rev-parse", "HEAD")
}

// Diff returns the diff of a checkout against its base branch.
func (p *Provider) Diff(ctx context.Context, workDir, baseRef string) (string, error) {
	return p.runGit(ctx, workDir, "diff", baseRef)
}

// DiffStat returns a --stat summary of the checkout against a base ref.
func (p *Provider) DiffStat(ctx context.Context, workDir, baseRef string) (string, error) {
	return p.runGit(ctx, workDir, "diff", "--stat", baseRef)
}
