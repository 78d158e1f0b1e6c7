// Copyright (C) 2026 Pipewright
// SPDX-License-Identifier: AGPL-3.0-or-later

package collab

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/pipewright/pipewright/internal/models"
	"github.com/pipewright/pipewright/internal/store"
)

// DBMemoryStore keeps L1 (pipeline) and L2 (project) memories in the
// database.
type DBMemoryStore struct {
	db *store.GormDB
}

// NewDBMemoryStore creates a store-backed memory collaborator.
func NewDBMemoryStore(db *store.GormDB) *DBMemoryStore {
	return &DBMemoryStore{db: db}
}

// ContextFor implements MemoryStore. L2 project memories come first, then
// this pipeline's L1 entries, oldest to newest.
func (m *DBMemoryStore) ContextFor(ctx context.Context, pipelineID, projectID string) (string, error) {
	var sections []string

	l2, err := m.db.GetMemoryRecords(ctx, models.MemoryScopeL2, projectID)
	if err != nil {
		return "", err
	}
	for _, rec := range l2 {
		sections = append(sections, rec.Content)
	}

	l1, err := m.db.GetMemoryRecords(ctx, models.MemoryScopeL1, pipelineID)
	if err != nil {
		return "", err
	}
	for _, rec := range l1 {
		sections = append(sections, rec.Content)
	}

	return strings.Join(sections, "\n\n"), nil
}

// RecordTaskOutput implements MemoryStore.
func (m *DBMemoryStore) RecordTaskOutput(ctx context.Context, pipelineID, taskID, content string) error {
	if content == "" {
		return nil
	}
	return m.db.CreateMemoryRecord(ctx, &models.MemoryRecord{
		ID:         uuid.NewString(),
		Scope:      models.MemoryScopeL1,
		PipelineID: pipelineID,
		TaskID:     taskID,
		Content:    content,
	})
}

// PromoteL1ToL2 implements MemoryStore. The pipeline's L1 entries are
// concatenated into one L2 project record.
func (m *DBMemoryStore) PromoteL1ToL2(ctx context.Context, pipelineID, projectID string) error {
	l1, err := m.db.GetMemoryRecords(ctx, models.MemoryScopeL1, pipelineID)
	if err != nil {
		return err
	}
	if len(l1) == 0 {
		return nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Learnings from pipeline %s:\n", pipelineID)
	for _, rec := range l1 {
		b.WriteString("- ")
		b.WriteString(rec.Content)
		b.WriteString("\n")
	}

	err = m.db.CreateMemoryRecord(ctx, &models.MemoryRecord{
		ID:         uuid.NewString(),
		Scope:      models.MemoryScopeL2,
		PipelineID: pipelineID,
		ProjectID:  projectID,
		Content:    b.String(),
	})
	if err != nil {
		return err
	}

	getLog().Info().
		Str("pipeline_id", pipelineID).
		Str("project_id", projectID).
		Int("l1_count", len(l1)).
		Msg("Promoted L1 memories to L2")
	return nil
}

// Available implements MemoryStore.
func (m *DBMemoryStore) Available(ctx context.Context, pipelineID string) (bool, error) {
	records, err := m.db.GetMemoryRecords(ctx, models.MemoryScopeL1, pipelineID)
	if err != nil {
		return false, err
	}
	return len(records) > 0, nil
}
