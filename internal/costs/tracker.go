// Copyright (C) 2026 Pipewright
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package costs aggregates agent session spend onto pipelines and enforces
// project budgets.
package costs

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/pipewright/pipewright/internal/bus"
	"github.com/pipewright/pipewright/internal/logger"
	"github.com/pipewright/pipewright/internal/models"
	"github.com/pipewright/pipewright/internal/protocol"
	"github.com/pipewright/pipewright/internal/store"
)

var (
	costsLog     *zerolog.Logger
	costsLogOnce sync.Once
)

func getLog() *zerolog.Logger {
	costsLogOnce.Do(func() {
		l := logger.GetEngineLogger().With().Str("component", "costs").Logger()
		costsLog = &l
	})
	return costsLog
}

// Tracker recomputes pipeline cost totals from session rows.
type Tracker struct {
	db  *store.GormDB
	bus *bus.Bus

	// defaultBudget applies when a project does not set its own cap.
	// Zero means unlimited.
	defaultBudget float64
}

// NewTracker creates a cost tracker.
func NewTracker(db *store.GormDB, b *bus.Bus, defaultBudget float64) *Tracker {
	return &Tracker{db: db, bus: b, defaultBudget: defaultBudget}
}

// tierOf buckets a model name into a pricing tier for the breakdown.
func tierOf(model string) string {
	switch {
	case strings.Contains(model, "haiku"):
		return "low"
	case strings.Contains(model, "opus"):
		return "high"
	case strings.Contains(model, "sonnet"):
		return "medium"
	default:
		return "medium"
	}
}

// AggregateAndUpdate recomputes a pipeline's totals from the latest session
// per task. Retried tasks only count their most recent session, so a retry
// replaces rather than doubles the attribution.
func (t *Tracker) AggregateAndUpdate(ctx context.Context, pipelineID string) error {
	sessions, err := t.db.GetLatestSessionsPerTask(ctx, pipelineID)
	if err != nil {
		return fmt.Errorf("failed to load sessions: %w", err)
	}

	var totalCost float64
	var inputTokens, outputTokens int64
	breakdown := models.TokenBreakdown{}

	for _, s := range sessions {
		totalCost += s.CostUSD
		inputTokens += s.InputTokens
		outputTokens += s.OutputTokens
		breakdown[tierOf(s.Model)] += s.InputTokens + s.OutputTokens
	}

	err = t.db.UpdatePipelineFields(ctx, pipelineID, map[string]any{
		"total_cost":          totalCost,
		"total_input_tokens":  inputTokens,
		"total_output_tokens": outputTokens,
		"token_breakdown":     breakdown,
	})
	if err != nil {
		return fmt.Errorf("failed to update pipeline totals: %w", err)
	}

	pipeline, err := t.db.GetPipeline(ctx, pipelineID)
	if err != nil {
		return err
	}

	getLog().Debug().
		Str("pipeline_id", pipelineID).
		Float64("total_cost", totalCost).
		Int64("input_tokens", inputTokens).
		Int64("output_tokens", outputTokens).
		Msg("Aggregated pipeline costs")

	t.bus.Publish(protocol.PipelineUpdatedEvent{
		Metadata:  protocol.NewMetadata(pipelineID),
		ProjectID: pipeline.ProjectID,
		Pipeline:  pipeline,
	})
	return nil
}

// Summary reports a pipeline's spend against its project budget.
type Summary struct {
	TotalCost    float64 `json:"total_cost"`
	MaxBudget    float64 `json:"max_budget"`
	WithinBudget bool    `json:"within_budget"`
}

// GetSummary returns the current budget standing for a pipeline. A budget of
// zero or less means unlimited.
func (t *Tracker) GetSummary(ctx context.Context, pipelineID string) (*Summary, error) {
	pipeline, err := t.db.GetPipeline(ctx, pipelineID)
	if err != nil {
		return nil, err
	}
	project, err := t.db.GetProject(ctx, pipeline.ProjectID)
	if err != nil {
		return nil, err
	}

	budget := project.MaxBudget
	if budget <= 0 {
		budget = t.defaultBudget
	}

	summary := &Summary{
		TotalCost:    pipeline.TotalCost,
		MaxBudget:    budget,
		WithinBudget: true,
	}
	if budget > 0 && pipeline.TotalCost > budget {
		summary.WithinBudget = false
	}
	return summary, nil
}
