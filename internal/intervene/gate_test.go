// Copyright (C) 2026 Pipewright
// SPDX-License-Identifier: AGPL-3.0-or-later

package intervene

import (
	"context"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pipewright/pipewright/internal/bus"
	"github.com/pipewright/pipewright/internal/config"
	"github.com/pipewright/pipewright/internal/healer"
	"github.com/pipewright/pipewright/internal/models"
	"github.com/pipewright/pipewright/internal/store"
)

func newTestGate(t *testing.T) (*Gate, *store.GormDB) {
	t.Helper()
	db, err := store.NewGormDB(&config.DatabaseConfig{
		Driver:   "sqlite",
		Database: filepath.Join(t.TempDir(), "test.db"),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate())
	t.Cleanup(func() { db.Close() })

	return NewGate(db, bus.New(), healer.New(2, 3)), db
}

func seedPipeline(t *testing.T, db *store.GormDB) *models.Pipeline {
	t.Helper()
	ctx := context.Background()
	project := &models.Project{ID: uuid.NewString(), Name: "proj", RepoPath: "/tmp/repo"}
	require.NoError(t, db.CreateProject(ctx, project))
	pipeline := &models.Pipeline{
		ID:        uuid.NewString(),
		ProjectID: project.ID,
		State:     models.PipelineStateTesting,
	}
	require.NoError(t, db.CreatePipeline(ctx, pipeline))
	return pipeline
}

func TestSentinelHelpers(t *testing.T) {
	assert.True(t, IsCancelResponse(CancelSentinel+" user asked"))
	assert.True(t, IsReplanResponse(ReplanSentinel+" plan is wrong"))
	assert.False(t, IsCancelResponse("proceed"))
	assert.False(t, IsReplanResponse("proceed"))
}

func TestInterventionParkAndResolve(t *testing.T) {
	gate, db := newTestGate(t)
	pl := seedPipeline(t, db)
	ctx := context.Background()

	type result struct {
		response string
		err      error
	}
	done := make(chan result, 1)
	go func() {
		resp, err := gate.RequestIntervention(ctx, pl.ID, "", models.StageTesting, "Proceed?", "")
		done <- result{resp, err}
	}()

	// Wait until the goroutine is parked.
	require.Eventually(t, func() bool {
		return gate.ParkedCount(pl.ID) == 1
	}, time.Second, 5*time.Millisecond)

	pending, err := db.GetPendingInterventionsByPipeline(ctx, pl.ID)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	require.NoError(t, gate.ResolveIntervention(ctx, pending[0].ID, "proceed"))

	select {
	case res := <-done:
		require.NoError(t, res.err)
		assert.Equal(t, "proceed", res.response)
	case <-time.After(time.Second):
		t.Fatal("parked caller never woke up")
	}

	// Resolving again is a no-op.
	require.NoError(t, gate.ResolveIntervention(ctx, pending[0].ID, "different answer"))

	saved, err := db.GetIntervention(ctx, pending[0].ID)
	require.NoError(t, err)
	assert.Equal(t, models.InterventionStatusResolved, saved.Status)
	assert.Equal(t, "proceed", saved.Response)
}

func TestInterventionContextCancel(t *testing.T) {
	gate, db := newTestGate(t)
	pl := seedPipeline(t, db)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := gate.RequestIntervention(ctx, pl.ID, "", models.StageTesting, "Proceed?", "")
		done <- err
	}()

	require.Eventually(t, func() bool {
		return gate.ParkedCount(pl.ID) == 1
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("parked caller never returned on context cancel")
	}
}

func TestExpireForPipelineWakesWaiters(t *testing.T) {
	gate, db := newTestGate(t)
	pl := seedPipeline(t, db)
	ctx := context.Background()

	responses := make(chan string, 1)
	go func() {
		resp, _ := gate.RequestIntervention(ctx, pl.ID, "", models.StageTesting, "Proceed?", "")
		responses <- resp
	}()

	require.Eventually(t, func() bool {
		return gate.ParkedCount(pl.ID) == 1
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, gate.ExpireForPipeline(ctx, pl.ID, "pipeline cancelled"))

	select {
	case resp := <-responses:
		assert.True(t, IsCancelResponse(resp))
		assert.Contains(t, resp, "pipeline cancelled")
	case <-time.After(time.Second):
		t.Fatal("waiter was not expired")
	}

	pending, err := db.GetPendingInterventionsByPipeline(ctx, pl.ID)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestResolvePostRestartReentersEngine(t *testing.T) {
	gate, db := newTestGate(t)
	pl := seedPipeline(t, db)
	ctx := context.Background()

	var advanced atomic.Int32
	gate.Advance = func(ctx context.Context, pipelineID string) error {
		if pipelineID == pl.ID {
			advanced.Add(1)
		}
		return nil
	}

	require.NoError(t, gate.ReParkIntervention(ctx, pl.ID, models.StageTesting, "Still waiting?"))

	pending, err := db.GetPendingInterventionsByPipeline(ctx, pl.ID)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.True(t, pending[0].PostRestart)

	require.NoError(t, gate.ResolveIntervention(ctx, pending[0].ID, "proceed"))

	require.Eventually(t, func() bool {
		return advanced.Load() == 1
	}, time.Second, 5*time.Millisecond)
}

func TestBlockingConsultation(t *testing.T) {
	gate, db := newTestGate(t)
	pl := seedPipeline(t, db)
	ctx := context.Background()

	responses := make(chan string, 1)
	go func() {
		resp, _ := gate.RequestBlock(ctx, pl.ID, "task-1", models.StageParallelExecution, "Which schema?")
		responses <- resp
	}()

	require.Eventually(t, func() bool {
		return gate.ParkedCount(pl.ID) == 1
	}, time.Second, 5*time.Millisecond)

	consultations, err := db.GetPendingConsultationsByPipeline(ctx, pl.ID)
	require.NoError(t, err)
	require.Len(t, consultations, 1)
	assert.Equal(t, 1, consultations[0].Blocking)

	require.NoError(t, gate.RespondToConsultation(ctx, consultations[0].ID, "use schema v2"))

	select {
	case resp := <-responses:
		assert.Equal(t, "use schema v2", resp)
	case <-time.After(time.Second):
		t.Fatal("blocked task never woke up")
	}
}

func TestBlockReusesPendingConsultation(t *testing.T) {
	gate, db := newTestGate(t)
	pl := seedPipeline(t, db)
	ctx := context.Background()

	// A pending blocking row left by a run that died before being answered.
	stale := &models.Consultation{
		ID:         uuid.NewString(),
		PipelineID: pl.ID,
		TaskID:     "task-1",
		StageType:  models.StageParallelExecution,
		Question:   "Which schema?",
		Status:     models.InterventionStatusPending,
		Blocking:   1,
	}
	require.NoError(t, db.CreateConsultation(ctx, stale))

	responses := make(chan string, 1)
	go func() {
		resp, _ := gate.RequestBlock(ctx, pl.ID, "task-1", models.StageParallelExecution, "Which schema?")
		responses <- resp
	}()

	require.Eventually(t, func() bool {
		return gate.ParkedCount(pl.ID) == 1
	}, time.Second, 5*time.Millisecond)

	// The replayed question parks on the surviving row instead of stacking
	// a duplicate.
	consultations, err := db.GetPendingConsultationsByPipeline(ctx, pl.ID)
	require.NoError(t, err)
	require.Len(t, consultations, 1)
	assert.Equal(t, stale.ID, consultations[0].ID)

	require.NoError(t, gate.RespondToConsultation(ctx, stale.ID, "use schema v2"))

	select {
	case resp := <-responses:
		assert.Equal(t, "use schema v2", resp)
	case <-time.After(time.Second):
		t.Fatal("blocked task never woke up")
	}
}

func TestNonBlockingConsultationDoesNotPark(t *testing.T) {
	gate, db := newTestGate(t)
	pl := seedPipeline(t, db)
	ctx := context.Background()

	consultation, err := gate.RequestConsultation(ctx, pl.ID, "task-1", models.StageParallelExecution, "FYI?")
	require.NoError(t, err)
	assert.Equal(t, 0, consultation.Blocking)
	assert.Equal(t, 0, gate.ParkedCount(pl.ID))

	require.NoError(t, gate.RespondToConsultation(ctx, consultation.ID, "noted"))

	saved, err := db.GetConsultation(ctx, consultation.ID)
	require.NoError(t, err)
	assert.Equal(t, models.InterventionStatusResolved, saved.Status)
}
