// Copyright (C) 2026 Pipewright
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package healer decides how pipeline failures are routed: retry the stage,
// replan the pipeline, or give up. It also owns the per-pipeline stage
// timeout timers.
package healer

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/pipewright/pipewright/internal/logger"
	"github.com/pipewright/pipewright/internal/models"
)

var (
	healerLog     *zerolog.Logger
	healerLogOnce sync.Once
)

func getLog() *zerolog.Logger {
	healerLogOnce.Do(func() {
		l := logger.GetEngineLogger().With().Str("component", "healer").Logger()
		healerLog = &l
	})
	return healerLog
}

// Action is the healer's verdict for a failure.
type Action string

const (
	// ActionRetry re-runs the failed stage.
	ActionRetry Action = "retry"
	// ActionReplan sends the pipeline back to plan generation.
	ActionReplan Action = "replan"
	// ActionFatal fails the pipeline.
	ActionFatal Action = "fatal"
)

type failureRecord struct {
	stageType models.StageType
	message   string
	at        time.Time
}

// Healer tracks failures per pipeline in memory. A restart wipes the ledger;
// the crash reconciler resumes pipelines with fresh retry budgets.
type Healer struct {
	retryLimit  int
	replanLimit int

	mu       sync.Mutex
	failures map[string][]failureRecord // pipelineID -> failure ledger
	replans  map[string]int             // pipelineID -> replans the healer triggered
	timers   map[string]*time.Timer     // pipelineID -> active stage timeout
	lastErr  map[string]string          // pipelineID -> most recent failure message
}

// New creates a healer. retryLimit is per stage type per pipeline;
// replanLimit caps healer-triggered replans per pipeline.
func New(retryLimit, replanLimit int) *Healer {
	return &Healer{
		retryLimit:  retryLimit,
		replanLimit: replanLimit,
		failures:    make(map[string][]failureRecord),
		replans:     make(map[string]int),
		timers:      make(map[string]*time.Timer),
		lastErr:     make(map[string]string),
	}
}

// HandleFailure records a stage failure and returns what to do about it.
// The same stage type failing more than retryLimit times escalates to a
// replan; exhausting replanLimit is fatal.
func (h *Healer) HandleFailure(pipelineID string, stageType models.StageType, message string) Action {
	h.mu.Lock()
	defer h.mu.Unlock()

	prior := 0
	for _, rec := range h.failures[pipelineID] {
		if rec.stageType == stageType {
			prior++
		}
	}

	h.failures[pipelineID] = append(h.failures[pipelineID], failureRecord{
		stageType: stageType,
		message:   message,
		at:        time.Now(),
	})
	h.lastErr[pipelineID] = message

	if prior < h.retryLimit {
		getLog().Info().
			Str("pipeline_id", pipelineID).
			Str("stage_type", string(stageType)).
			Int("attempt", prior+1).
			Int("retry_limit", h.retryLimit).
			Msg("Stage failure, will retry")
		return ActionRetry
	}

	if h.replans[pipelineID] < h.replanLimit {
		h.replans[pipelineID]++
		getLog().Warn().
			Str("pipeline_id", pipelineID).
			Str("stage_type", string(stageType)).
			Int("replan", h.replans[pipelineID]).
			Int("replan_limit", h.replanLimit).
			Msg("Retries exhausted, escalating to replan")
		return ActionReplan
	}

	getLog().Error().
		Str("pipeline_id", pipelineID).
		Str("stage_type", string(stageType)).
		Str("error", message).
		Msg("Retry and replan budgets exhausted")
	return ActionFatal
}

// FailureCount returns how many failures of a stage type are on the ledger.
func (h *Healer) FailureCount(pipelineID string, stageType models.StageType) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	count := 0
	for _, rec := range h.failures[pipelineID] {
		if rec.stageType == stageType {
			count++
		}
	}
	return count
}

// LastError returns the most recent failure message for a pipeline.
func (h *Healer) LastError(pipelineID string) string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastErr[pipelineID]
}

// StartTimeout arms the stage timeout for a pipeline, replacing any previous
// timer. fn fires in its own goroutine when the deadline passes.
func (h *Healer) StartTimeout(pipelineID string, d time.Duration, fn func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if t, ok := h.timers[pipelineID]; ok {
		t.Stop()
	}
	h.timers[pipelineID] = time.AfterFunc(d, fn)
}

// ClearTimeout disarms the stage timeout for a pipeline, if any.
func (h *Healer) ClearTimeout(pipelineID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if t, ok := h.timers[pipelineID]; ok {
		t.Stop()
		delete(h.timers, pipelineID)
	}
}

// Clear wipes all healer state for a pipeline: ledger, replan count, timer.
// Called on terminal states and on cancel.
func (h *Healer) Clear(pipelineID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if t, ok := h.timers[pipelineID]; ok {
		t.Stop()
		delete(h.timers, pipelineID)
	}
	delete(h.failures, pipelineID)
	delete(h.replans, pipelineID)
	delete(h.lastErr, pipelineID)
}
