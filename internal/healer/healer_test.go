// Copyright (C) 2026 Pipewright
// SPDX-License-Identifier: AGPL-3.0-or-later

package healer

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pipewright/pipewright/internal/models"
)

func TestHandleFailureEscalation(t *testing.T) {
	h := New(2, 1)

	// First retryLimit failures of a stage type retry.
	assert.Equal(t, ActionRetry, h.HandleFailure("pipe-1", models.StageTesting, "boom 1"))
	assert.Equal(t, ActionRetry, h.HandleFailure("pipe-1", models.StageTesting, "boom 2"))

	// Next failure of the same stage type escalates to replan.
	assert.Equal(t, ActionReplan, h.HandleFailure("pipe-1", models.StageTesting, "boom 3"))

	// Replan budget exhausted: fatal.
	assert.Equal(t, ActionFatal, h.HandleFailure("pipe-1", models.StageTesting, "boom 4"))

	assert.Equal(t, 4, h.FailureCount("pipe-1", models.StageTesting))
	assert.Equal(t, "boom 4", h.LastError("pipe-1"))
}

func TestFailuresTrackedPerStageType(t *testing.T) {
	h := New(1, 1)

	assert.Equal(t, ActionRetry, h.HandleFailure("pipe-1", models.StageTesting, "test fail"))
	// A different stage type has its own retry budget.
	assert.Equal(t, ActionRetry, h.HandleFailure("pipe-1", models.StageCodeReview, "review fail"))

	assert.Equal(t, 1, h.FailureCount("pipe-1", models.StageTesting))
	assert.Equal(t, 1, h.FailureCount("pipe-1", models.StageCodeReview))
}

func TestFailuresTrackedPerPipeline(t *testing.T) {
	h := New(0, 1)

	assert.Equal(t, ActionReplan, h.HandleFailure("pipe-1", models.StageTesting, "fail"))
	// Another pipeline starts with a fresh replan budget.
	assert.Equal(t, ActionReplan, h.HandleFailure("pipe-2", models.StageTesting, "fail"))
}

func TestTimeoutFiresAndClears(t *testing.T) {
	h := New(1, 1)

	var fired atomic.Bool
	h.StartTimeout("pipe-1", 20*time.Millisecond, func() { fired.Store(true) })

	require.Eventually(t, fired.Load, time.Second, 5*time.Millisecond)
}

func TestTimeoutReplacedAndCleared(t *testing.T) {
	h := New(1, 1)

	var first, second atomic.Bool
	h.StartTimeout("pipe-1", 20*time.Millisecond, func() { first.Store(true) })
	// Replacing the timer stops the first one.
	h.StartTimeout("pipe-1", 30*time.Millisecond, func() { second.Store(true) })
	h.ClearTimeout("pipe-1")

	time.Sleep(80 * time.Millisecond)
	assert.False(t, first.Load())
	assert.False(t, second.Load())
}

func TestClearWipesState(t *testing.T) {
	h := New(0, 1)

	h.HandleFailure("pipe-1", models.StageTesting, "fail")
	h.Clear("pipe-1")

	assert.Equal(t, 0, h.FailureCount("pipe-1", models.StageTesting))
	assert.Empty(t, h.LastError("pipe-1"))
	// Replan budget is fresh again after Clear.
	assert.Equal(t, ActionReplan, h.HandleFailure("pipe-1", models.StageTesting, "fail"))
}
