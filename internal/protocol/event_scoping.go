// Copyright (C) 2026 Pipewright
// SPDX-License-Identifier: AGPL-3.0-or-later

package protocol

// GetProjectID / GetPipelineID methods allow the bus and the API server's
// WebSocket filter to match events without maintaining an exhaustive type
// switch.

// ProjectScoped is implemented by events that belong to a project.
type ProjectScoped interface {
	GetProjectID() string
}

// PipelineScoped is implemented by events that belong to a pipeline.
type PipelineScoped interface {
	GetPipelineID() string
}

func (m Metadata) GetPipelineID() string { return m.PipelineID }

func (e PipelineCreatedEvent) GetProjectID() string { return e.ProjectID }
func (e PipelineUpdatedEvent) GetProjectID() string { return e.ProjectID }
