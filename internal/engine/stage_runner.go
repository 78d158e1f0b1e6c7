// Copyright (C) 2026 Pipewright
// SPDX-License-Identifier: AGPL-3.0-or-later

package engine

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	agentpkg "github.com/pipewright/pipewright/internal/agent"
	"github.com/pipewright/pipewright/internal/intervene"
	"github.com/pipewright/pipewright/internal/models"
	"github.com/pipewright/pipewright/internal/protocol"
)

// resultSummaryLimit caps what of an agent's output is stored on the task.
const resultSummaryLimit = 2000

// summaryMarker separates an agent's transcript from its closing summary.
// Agents may end their output with the marker followed by the summary text.
const summaryMarker = "---SUMMARY---"

// extractSummary returns the text after the last summary marker, or the whole
// output when no marker is present.
func extractSummary(output string) string {
	if idx := strings.LastIndex(output, summaryMarker); idx >= 0 {
		if s := strings.TrimSpace(output[idx+len(summaryMarker):]); s != "" {
			return s
		}
	}
	return output
}

// runStage executes one stage and settles its record. A pending stage of the
// requested type is reused (plan split pre-creates parallel_execution), else
// a fresh record is created.
func (e *Engine) runStage(ctx context.Context, pl *models.Pipeline, stageType models.StageType) *StageResult {
	handler := e.stages[stageType]

	stage, err := e.db.FindPendingStage(ctx, pl.ID, stageType)
	if err != nil {
		return fail(err)
	}
	now := time.Now()
	if stage == nil {
		stage = &models.Stage{
			ID:         uuid.NewString(),
			PipelineID: pl.ID,
			Type:       stageType,
			State:      models.StageStateRunning,
			StartedAt:  &now,
		}
		if err := e.db.CreateStage(ctx, stage); err != nil {
			return fail(err)
		}
	} else {
		stage.State = models.StageStateRunning
		stage.StartedAt = &now
		if err := e.db.SaveStage(ctx, stage); err != nil {
			return fail(err)
		}
	}
	e.broadcastStage(pl.ID, stage)

	getLog().Info().
		Str("pipeline_id", pl.ID).
		Str("stage_type", string(stageType)).
		Msg("Running stage")

	res := handler(ctx, pl, stage)

	done := time.Now()
	switch res.Outcome {
	case OutcomePass:
		stage.State = models.StageStatePassed
		stage.CompletedAt = &done
	case OutcomeFail:
		stage.State = models.StageStateFailed
		stage.CompletedAt = &done
		if res.Err != nil {
			stage.ErrorMessage = res.Err.Error()
		}
	case OutcomeWaiting:
		// Stays running; an external decision completes it.
		stage.QualityGateResult = "waiting"
	default:
		// replan/cancel: the corresponding control op settles the record.
		return res
	}

	if err := e.db.SaveStage(ctx, stage); err != nil {
		getLog().Error().Err(err).Str("stage_id", stage.ID).Msg("Failed to persist stage outcome")
	}
	e.broadcastStage(pl.ID, stage)

	getLog().Info().
		Str("pipeline_id", pl.ID).
		Str("stage_type", string(stageType)).
		Str("outcome", string(res.Outcome)).
		Msg("Stage settled")
	return res
}

func (e *Engine) broadcastStage(pipelineID string, stage *models.Stage) {
	e.bus.Publish(protocol.StageUpdatedEvent{
		Metadata: protocol.NewMetadata(pipelineID),
		Stage:    stage,
	})
}

func (e *Engine) broadcastTask(pipelineID string, task *models.Task) {
	e.bus.Publish(protocol.TaskUpdatedEvent{
		Metadata: protocol.NewMetadata(pipelineID),
		Task:     task,
	})
}

// sessionOutcome is what an agent invocation settles with.
type sessionOutcome struct {
	Output   string
	ExitCode int
	TaskID   string
}

// runSession spawns one agent session against an existing task row, streams
// its chunks, and persists counters as they arrive.
func (e *Engine) runSession(ctx context.Context, pl *models.Pipeline, task *models.Task, opts agentpkg.SpawnOptions) (*sessionOutcome, error) {
	session := &models.AgentSession{
		ID:         uuid.NewString(),
		TaskID:     task.ID,
		PipelineID: pl.ID,
		Model:      opts.Model,
	}
	if err := e.db.CreateSession(ctx, session); err != nil {
		return nil, err
	}

	opts.SessionID = session.ID
	opts.PipelineID = pl.ID
	handle, err := e.runner.Spawn(ctx, opts)
	if err != nil {
		now := time.Now()
		_ = e.db.UpdateSessionFields(ctx, session.ID, map[string]any{
			"exit_code":    -1,
			"completed_at": &now,
		})
		return nil, fmt.Errorf("failed to spawn agent: %w", err)
	}

	_ = e.db.UpdateSessionFields(ctx, session.ID, map[string]any{"pid": handle.PID})

	var output strings.Builder
	eventCount := 0
	exitCode := 0
	var lastErr string

	for chunk := range handle.Events {
		eventCount++
		switch chunk.Type {
		case agentpkg.ChunkTypeAssistantText:
			output.WriteString(chunk.Text)
			e.bus.Publish(protocol.StreamChunkEvent{
				Metadata:  protocol.NewMetadata(pl.ID),
				TaskID:    task.ID,
				SessionID: session.ID,
				ChunkType: string(chunk.Type),
				Text:      chunk.Text,
			})
		case agentpkg.ChunkTypeToolUse:
			e.bus.Publish(protocol.StreamChunkEvent{
				Metadata:  protocol.NewMetadata(pl.ID),
				TaskID:    task.ID,
				SessionID: session.ID,
				ChunkType: string(chunk.Type),
				ToolName:  chunk.ToolName,
			})
		case agentpkg.ChunkTypeCostUpdate:
			fields := map[string]any{
				"stream_event_count": eventCount,
			}
			if chunk.InputTokens > 0 {
				fields["input_tokens"] = chunk.InputTokens
			}
			if chunk.OutputTokens > 0 {
				fields["output_tokens"] = chunk.OutputTokens
			}
			if chunk.CostUSD > 0 {
				fields["cost_usd"] = chunk.CostUSD
			}
			if err := e.db.UpdateSessionFields(ctx, session.ID, fields); err != nil {
				getLog().Warn().Err(err).Str("session_id", session.ID).Msg("Failed to persist cost update")
			}
			session.InputTokens = max(session.InputTokens, chunk.InputTokens)
			session.OutputTokens = max(session.OutputTokens, chunk.OutputTokens)
			if chunk.CostUSD > 0 {
				session.CostUSD = chunk.CostUSD
			}
			e.bus.Publish(protocol.SessionUpdatedEvent{
				Metadata: protocol.NewMetadata(pl.ID),
				Session:  session,
			})
		case agentpkg.ChunkTypeError:
			lastErr = chunk.Message
		case agentpkg.ChunkTypeDone:
			exitCode = chunk.ExitCode
		}
	}

	now := time.Now()
	if err := e.db.UpdateSessionFields(ctx, session.ID, map[string]any{
		"exit_code":          exitCode,
		"completed_at":       &now,
		"stream_event_count": eventCount,
	}); err != nil {
		getLog().Warn().Err(err).Str("session_id", session.ID).Msg("Failed to finalize session")
	}
	session.ExitCode = exitCode
	session.CompletedAt = &now
	e.bus.Publish(protocol.SessionUpdatedEvent{
		Metadata: protocol.NewMetadata(pl.ID),
		Session:  session,
	})

	if exitCode != 0 && lastErr != "" {
		getLog().Warn().
			Str("session_id", session.ID).
			Int("exit_code", exitCode).
			Str("error", truncate(lastErr, 500)).
			Msg("Agent session ended with error")
	}

	return &sessionOutcome{
		Output:   output.String(),
		ExitCode: exitCode,
		TaskID:   task.ID,
	}, nil
}

// spawnAgentAndWait runs a stage-level agent: it creates a task row for the
// invocation, runs a session, stores the result summary, and processes
// consultation markers from the output.
func (e *Engine) spawnAgentAndWait(ctx context.Context, pl *models.Pipeline, stage *models.Stage, role, prompt, model, workDir string) (*sessionOutcome, error) {
	now := time.Now()
	task := &models.Task{
		ID:         uuid.NewString(),
		PipelineID: pl.ID,
		StageID:    stage.ID,
		AgentRole:  role,
		Prompt:     prompt,
		State:      models.TaskStateRunning,
		StartedAt:  &now,
	}
	if err := e.db.CreateTask(ctx, task); err != nil {
		return nil, err
	}
	e.broadcastTask(pl.ID, task)

	outcome, err := e.runSession(ctx, pl, task, agentpkg.SpawnOptions{
		Prompt:         prompt,
		WorkingDir:     workDir,
		Model:          model,
		PermissionMode: e.cfg.Agent.PermissionMode,
		MaxTurns:       e.cfg.Agent.MaxTurns,
	})

	done := time.Now()
	state := models.TaskStateCompleted
	if err != nil || (outcome != nil && outcome.ExitCode != 0) {
		state = models.TaskStateFailed
	}
	summary := ""
	if outcome != nil {
		summary = truncate(extractSummary(outcome.Output), resultSummaryLimit)
	}
	task.State = state
	task.CompletedAt = &done
	task.ResultSummary = summary
	if saveErr := e.db.SaveTask(ctx, task); saveErr != nil {
		getLog().Warn().Err(saveErr).Str("task_id", task.ID).Msg("Failed to finalize agent task")
	}
	e.broadcastTask(pl.ID, task)

	if err != nil {
		return nil, err
	}

	if err := e.costs.AggregateAndUpdate(ctx, pl.ID); err != nil {
		getLog().Warn().Err(err).Str("pipeline_id", pl.ID).Msg("Cost aggregation failed")
	}

	if _, err := e.processMarkers(ctx, pl, task.ID, stage.Type, outcome.Output); err != nil {
		return nil, err
	}
	return outcome, nil
}

var (
	consultMarkerRe = regexp.MustCompile(`(?m)^\s*\[CONSULT\]\s*(.+)$`)
	blockMarkerRe   = regexp.MustCompile(`(?m)^\s*\[BLOCK\]\s*(.+)$`)
)

// processMarkers extracts [CONSULT] and [BLOCK] markers from agent output.
// Blocking markers park until answered; responses are returned in order.
func (e *Engine) processMarkers(ctx context.Context, pl *models.Pipeline, taskID string, stageType models.StageType, output string) ([]string, error) {
	for _, m := range consultMarkerRe.FindAllStringSubmatch(output, -1) {
		question := strings.TrimSpace(m[1])
		if question == "" {
			continue
		}
		if _, err := e.gate.RequestConsultation(ctx, pl.ID, taskID, stageType, question); err != nil {
			getLog().Warn().Err(err).Str("pipeline_id", pl.ID).Msg("Failed to register consultation")
		}
	}

	var responses []string
	for _, m := range blockMarkerRe.FindAllStringSubmatch(output, -1) {
		question := strings.TrimSpace(m[1])
		if question == "" {
			continue
		}
		response, err := e.gate.RequestBlock(ctx, pl.ID, taskID, stageType, question)
		if err != nil {
			return responses, err
		}
		if intervene.IsCancelResponse(response) || intervene.IsReplanResponse(response) {
			return responses, fmt.Errorf("%s", response)
		}
		responses = append(responses, response)
	}
	return responses, nil
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}
