// Copyright (C) 2026 Pipewright
// SPDX-License-Identifier: AGPL-3.0-or-later

package workspace

import (
	"context"
	"fmt"
)

// MergeResult reports the outcome of merging task branches back into a host
// checkout.
type MergeResult struct {
	// AllMerged is true when every branch merged cleanly.
	AllMerged bool
	// Merged lists the task IDs whose branches were integrated.
	Merged []string
	// Conflicts lists the task IDs whose branches conflicted; their merges
	// were aborted and the branches remain for manual resolution.
	Conflicts []string
}

// MergeTaskBranches merges each completed task's branch into the checkout at
// targetDir, in the given order. A conflicting merge is aborted and recorded;
// the remaining branches are still attempted so one bad branch does not block
// independent work.
func (p *Provider) MergeTaskBranches(ctx context.Context, targetDir string, taskIDs []string) (*MergeResult, error) {
	result := &MergeResult{AllMerged: true}

	for _, taskID := range taskIDs {
		branch := p.TaskBranch(taskID)

		exists, err := p.BranchExists(ctx, targetDir, branch)
		if err != nil {
			return nil, err
		}
		if !exists {
			getLog().Warn().Str("branch", branch).Msg("Task branch missing, skipping merge")
			continue
		}

		if _, err := p.runGit(ctx, targetDir, "merge", "--no-ff", "-m",
			fmt.Sprintf("Merge %s", branch), branch); err != nil {
			getLog().Warn().Err(err).Str("branch", branch).Msg("Merge conflict, aborting merge for branch")
			// Leave the checkout usable for the next branch.
			_, _ = p.runGit(ctx, targetDir, "merge", "--abort")
			result.Conflicts = append(result.Conflicts, taskID)
			result.AllMerged = false
			continue
		}
		result.Merged = append(result.Merged, taskID)
	}

	return result, nil
}
