// Copyright (C) 2026 Pipewright
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package protocol defines the data the kernel can push to subscribers.
// Everything a client can receive over the broadcast bus is named: Event.
package protocol

import (
	"github.com/pipewright/pipewright/internal/models"
)

// Metadata contains common fields for all events pushed to clients.
type Metadata struct {
	// PipelineID serves as the correlation ID for pipeline-scoped events.
	// Optional - only present for pipeline-related events.
	PipelineID string `json:"pipeline_id,omitempty"`

	// Version indicates the protocol version for backward compatibility.
	// Format: "v{major}.{minor}.{patch}" (e.g., "v1.0.0")
	Version string `json:"version"`
}

// CurrentProtocolVersion defines the current version of the protocol.
// This should be updated when making breaking changes to the protocol.
const CurrentProtocolVersion = "v1.0.0"

// Event represents events that can be sent from the kernel to subscribers.
// Any type implementing this interface can be broadcast through the bus.
type Event interface {
	GetMetadata() Metadata
}

// NewMetadata builds event metadata for a pipeline-scoped event.
func NewMetadata(pipelineID string) Metadata {
	return Metadata{
		PipelineID: pipelineID,
		Version:    CurrentProtocolVersion,
	}
}

// PipelineCreatedEvent is sent when a new pipeline row exists
type PipelineCreatedEvent struct {
	Metadata
	ProjectID string           `json:"project_id"`
	Pipeline  *models.Pipeline `json:"pipeline"`
}

func (e PipelineCreatedEvent) GetMetadata() Metadata {
	return e.Metadata
}

// PipelineUpdatedEvent is sent on any pipeline state or cost change
type PipelineUpdatedEvent struct {
	Metadata
	ProjectID string           `json:"project_id"`
	Pipeline  *models.Pipeline `json:"pipeline"`
}

func (e PipelineUpdatedEvent) GetMetadata() Metadata {
	return e.Metadata
}

// StageUpdatedEvent is sent whenever a stage flips state
type StageUpdatedEvent struct {
	Metadata
	Stage *models.Stage `json:"stage"`
}

func (e StageUpdatedEvent) GetMetadata() Metadata {
	return e.Metadata
}

// TaskUpdatedEvent is sent whenever a task flips state
type TaskUpdatedEvent struct {
	Metadata
	Task *models.Task `json:"task"`
}

func (e TaskUpdatedEvent) GetMetadata() Metadata {
	return e.Metadata
}

// SessionUpdatedEvent carries live cost/token counters for a running agent
// session, and the final counters when it exits.
type SessionUpdatedEvent struct {
	Metadata
	Session *models.AgentSession `json:"session"`
}

func (e SessionUpdatedEvent) GetMetadata() Metadata {
	return e.Metadata
}

// PlanCreatedEvent is sent when the planner produced a new plan version
type PlanCreatedEvent struct {
	Metadata
	Plan *models.Plan `json:"plan"`
}

func (e PlanCreatedEvent) GetMetadata() Metadata {
	return e.Metadata
}

// PlanUpdatedEvent is sent when feedback is attached to an existing plan
type PlanUpdatedEvent struct {
	Metadata
	Plan *models.Plan `json:"plan"`
}

func (e PlanUpdatedEvent) GetMetadata() Metadata {
	return e.Metadata
}

// StreamChunkEvent relays one parsed chunk of live agent output
type StreamChunkEvent struct {
	Metadata
	TaskID    string `json:"task_id,omitempty"`
	SessionID string `json:"session_id"`
	ChunkType string `json:"chunk_type"`
	Text      string `json:"text,omitempty"`
	ToolName  string `json:"tool_name,omitempty"`
}

func (e StreamChunkEvent) GetMetadata() Metadata {
	return e.Metadata
}

// InterventionRequestedEvent is sent when a pipeline parks waiting for a human
type InterventionRequestedEvent struct {
	Metadata
	Intervention *models.Intervention `json:"intervention"`
}

func (e InterventionRequestedEvent) GetMetadata() Metadata {
	return e.Metadata
}

// InterventionResolvedEvent is sent when a parked question got its answer
type InterventionResolvedEvent struct {
	Metadata
	Intervention *models.Intervention `json:"intervention"`
}

func (e InterventionResolvedEvent) GetMetadata() Metadata {
	return e.Metadata
}

// ConsultationEvent is sent when a task raised a [CONSULT] or [BLOCK] marker
type ConsultationEvent struct {
	Metadata
	Consultation *models.Consultation `json:"consultation"`
}

func (e ConsultationEvent) GetMetadata() Metadata {
	return e.Metadata
}

// NotificationEvent is a human-readable announcement (review ready, budget
// exceeded, merge conflicts).
type NotificationEvent struct {
	Metadata
	Level   string `json:"level"` // "info", "warn", "error"
	Title   string `json:"title"`
	Message string `json:"message"`
}

func (e NotificationEvent) GetMetadata() Metadata {
	return e.Metadata
}
