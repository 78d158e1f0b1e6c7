// Copyright (C) 2026 Pipewright
// SPDX-License-Identifier: AGPL-3.0-or-later

package models

import (
	"time"

	"gorm.io/gorm"
)

// Project represents the GORM model for projects.
// Projects are created by external CRUD; the kernel reads them only.
type Project struct {
	ID             string    `gorm:"primaryKey;type:text" json:"id"`
	Name           string    `gorm:"not null;type:text" json:"name"`
	RepoPath       string    `gorm:"not null;type:text" json:"repo_path"`
	DefaultModel   string    `gorm:"type:text" json:"default_model"`
	MaxBudget      float64   `gorm:"type:real" json:"max_budget"` // USD; 0 = unlimited
	PermissionMode string    `gorm:"type:text" json:"permission_mode"`
	IsSelfRepo     bool      `gorm:"not null;default:false" json:"is_self_repo"`
	CreatedAt      time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time `gorm:"autoUpdateTime" json:"updated_at"`

	// Relations
	Pipelines []Pipeline `gorm:"foreignKey:ProjectID" json:"pipelines,omitempty"`
}

func (Project) TableName() string {
	return "projects"
}

// Pipeline represents one change request moving through the stage machine.
// State is mutated only by the FSM engine and the crash reconciler.
type Pipeline struct {
	ID           string        `gorm:"primaryKey;type:text" json:"id"`
	ProjectID    string        `gorm:"not null;type:text;index" json:"project_id"`
	Requirements string        `gorm:"type:text" json:"requirements"`
	State        PipelineState `gorm:"not null;type:text;index" json:"state"`

	// Cost totals, written by the cost tracker
	TotalCost         float64        `gorm:"type:real" json:"total_cost"`
	TotalInputTokens  int64          `gorm:"type:integer" json:"total_input_tokens"`
	TotalOutputTokens int64          `gorm:"type:integer" json:"total_output_tokens"`
	TokenBreakdown    TokenBreakdown `gorm:"type:text" json:"token_breakdown"`

	CurrentModel     string        `gorm:"type:text" json:"current_model,omitempty"`
	ReentryCount     int           `gorm:"not null;default:0" json:"reentry_count"`
	PausedFromState  PipelineState `gorm:"type:text" json:"paused_from_state,omitempty"`
	SelfWorktreePath string        `gorm:"type:text" json:"self_worktree_path,omitempty"`
	SelfMerged       bool          `gorm:"not null;default:false" json:"self_merged"`
	ErrorMessage     string        `gorm:"type:text" json:"error_message,omitempty"`

	CreatedAt   time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
	StartedAt   *time.Time `gorm:"type:timestamp" json:"started_at,omitempty"`
	CompletedAt *time.Time `gorm:"type:timestamp" json:"completed_at,omitempty"`

	// Relations
	Stages []Stage `gorm:"foreignKey:PipelineID" json:"stages,omitempty"`
	Tasks  []Task  `gorm:"foreignKey:PipelineID" json:"tasks,omitempty"`
	Plans  []Plan  `gorm:"foreignKey:PipelineID" json:"plans,omitempty"`
}

func (Pipeline) TableName() string {
	return "pipelines"
}

// IsTerminal reports whether the pipeline reached a terminal state.
func (p *Pipeline) IsTerminal() bool {
	return p.State.IsTerminal()
}

// BeforeCreate is a GORM hook that runs before creating a record
func (p *Pipeline) BeforeCreate(tx *gorm.DB) error {
	if p.State == "" {
		p.State = PipelineStateRequirementsInput
	}
	if p.TokenBreakdown == nil {
		p.TokenBreakdown = TokenBreakdown{}
	}
	return nil
}

// Stage represents one executed (or pending) vertex of the pipeline machine.
type Stage struct {
	ID         string     `gorm:"primaryKey;type:text" json:"id"`
	PipelineID string     `gorm:"not null;type:text;index" json:"pipeline_id"`
	Type       StageType  `gorm:"not null;type:text" json:"type"`
	State      StageState `gorm:"not null;type:text" json:"state"`

	// QualityGateResult holds "pass", "fail", "waiting" or free-form verdict JSON.
	QualityGateResult string `gorm:"type:text" json:"quality_gate_result,omitempty"`
	ErrorMessage      string `gorm:"type:text" json:"error_message,omitempty"`

	CreatedAt   time.Time  `gorm:"autoCreateTime" json:"created_at"`
	StartedAt   *time.Time `gorm:"type:timestamp" json:"started_at,omitempty"`
	CompletedAt *time.Time `gorm:"type:timestamp" json:"completed_at,omitempty"`
}

func (Stage) TableName() string {
	return "stages"
}

// Task is a unit of work within the parallel_execution stage. It owns a
// workspace and a series of agent sessions.
type Task struct {
	ID         string    `gorm:"primaryKey;type:text" json:"id"`
	PipelineID string    `gorm:"not null;type:text;index" json:"pipeline_id"`
	StageID    string    `gorm:"type:text;index" json:"stage_id"`
	AgentRole  string    `gorm:"type:text" json:"agent_role"`
	Domain     string    `gorm:"type:text" json:"domain,omitempty"`
	Prompt     string    `gorm:"type:text" json:"prompt"`
	State      TaskState `gorm:"not null;type:text" json:"state"`

	AssignedSkills StringList `gorm:"type:text" json:"assigned_skills"`
	WorktreePath   string     `gorm:"type:text" json:"worktree_path,omitempty"`
	DependsOn      StringList `gorm:"type:text" json:"depends_on"` // Task IDs within the same pipeline
	Complexity     Complexity `gorm:"type:text" json:"complexity,omitempty"`
	ResultSummary  string     `gorm:"type:text" json:"result_summary,omitempty"`

	CreatedAt   time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
	StartedAt   *time.Time `gorm:"type:timestamp" json:"started_at,omitempty"`
	CompletedAt *time.Time `gorm:"type:timestamp" json:"completed_at,omitempty"`

	// Relations
	Sessions []AgentSession `gorm:"foreignKey:TaskID" json:"sessions,omitempty"`
}

func (Task) TableName() string {
	return "tasks"
}

// BeforeCreate is a GORM hook that runs before creating a record
func (t *Task) BeforeCreate(tx *gorm.DB) error {
	if t.State == "" {
		t.State = TaskStatePending
	}
	if t.AssignedSkills == nil {
		t.AssignedSkills = StringList{}
	}
	if t.DependsOn == nil {
		t.DependsOn = StringList{}
	}
	return nil
}

// AgentSession is one invocation of an external stream-producing agent process.
// A task can spawn many sessions (retries); the latest is authoritative for
// cost attribution.
type AgentSession struct {
	ID         string `gorm:"primaryKey;type:text" json:"id"`
	TaskID     string `gorm:"not null;type:text;index" json:"task_id"`
	PipelineID string `gorm:"type:text;index" json:"pipeline_id"`
	PID        int    `gorm:"type:integer" json:"pid,omitempty"`
	Model      string `gorm:"type:text" json:"model"`

	InputTokens  int64   `gorm:"type:integer" json:"input_tokens"`
	OutputTokens int64   `gorm:"type:integer" json:"output_tokens"`
	CostUSD      float64 `gorm:"type:real" json:"cost_usd"`

	StartedAt        time.Time  `gorm:"autoCreateTime" json:"started_at"`
	CompletedAt      *time.Time `gorm:"type:timestamp" json:"completed_at,omitempty"`
	ExitCode         int        `gorm:"type:integer" json:"exit_code"`
	StreamEventCount int        `gorm:"type:integer" json:"stream_event_count"`
}

func (AgentSession) TableName() string {
	return "agent_sessions"
}

// Plan is one planner output version for a pipeline.
type Plan struct {
	ID         string `gorm:"primaryKey;type:text" json:"id"`
	PipelineID string `gorm:"not null;type:text;index" json:"pipeline_id"`
	Version    int    `gorm:"not null" json:"version"` // Monotone ≥1 per pipeline

	Content       string        `gorm:"type:text" json:"content"`
	TaskBreakdown PlanTaskItems `gorm:"type:text" json:"task_breakdown"`

	HumanFeedback       string `gorm:"type:text" json:"human_feedback,omitempty"`
	AdversarialFeedback string `gorm:"type:text" json:"adversarial_feedback,omitempty"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
}

func (Plan) TableName() string {
	return "plans"
}

// Intervention is a parked human-in-the-loop question keyed by pipeline
// (+ optional task).
type Intervention struct {
	ID         string             `gorm:"primaryKey;type:text" json:"id"`
	PipelineID string             `gorm:"not null;type:text;index" json:"pipeline_id"`
	TaskID     string             `gorm:"type:text" json:"task_id,omitempty"`
	StageType  StageType          `gorm:"type:text" json:"stage_type"`
	Question   string             `gorm:"type:text" json:"question"`
	Context    string             `gorm:"type:text" json:"context,omitempty"` // JSON
	Status     InterventionStatus `gorm:"not null;type:text" json:"status"`
	Response   string             `gorm:"type:text" json:"response,omitempty"`

	// PostRestart marks rows re-created by resume; resolving one with no
	// in-memory parking re-enters the FSM instead.
	PostRestart bool `gorm:"not null;default:false" json:"post_restart"`

	CreatedAt  time.Time  `gorm:"autoCreateTime" json:"created_at"`
	ResolvedAt *time.Time `gorm:"type:timestamp" json:"resolved_at,omitempty"`
}

func (Intervention) TableName() string {
	return "interventions"
}

// Consultation is the same mechanism surfaced from within a task via the
// [CONSULT]/[BLOCK] textual markers. Blocking=1 parks the caller.
type Consultation struct {
	ID         string             `gorm:"primaryKey;type:text" json:"id"`
	PipelineID string             `gorm:"not null;type:text;index:idx_consultations_pipeline_task" json:"pipeline_id"`
	TaskID     string             `gorm:"type:text;index:idx_consultations_pipeline_task" json:"task_id,omitempty"`
	StageType  StageType          `gorm:"type:text" json:"stage_type"`
	Question   string             `gorm:"type:text" json:"question"`
	Context    string             `gorm:"type:text" json:"context,omitempty"` // JSON
	Status     InterventionStatus `gorm:"not null;type:text" json:"status"`
	Response   string             `gorm:"type:text" json:"response,omitempty"`
	Blocking   int                `gorm:"not null;default:0" json:"blocking"` // 0=non-blocking, 1=blocking

	CreatedAt  time.Time  `gorm:"autoCreateTime" json:"created_at"`
	ResolvedAt *time.Time `gorm:"type:timestamp" json:"resolved_at,omitempty"`
}

func (Consultation) TableName() string {
	return "consultations"
}

// GeneratedTool records a tool synthesized by the tool forge for a task.
type GeneratedTool struct {
	ID         string    `gorm:"primaryKey;type:text" json:"id"`
	PipelineID string    `gorm:"not null;type:text;index" json:"pipeline_id"`
	TaskID     string    `gorm:"type:text;index" json:"task_id,omitempty"`
	Name       string    `gorm:"type:text" json:"name"`
	PluginDir  string    `gorm:"type:text" json:"plugin_dir"`
	CreatedAt  time.Time `gorm:"autoCreateTime" json:"created_at"`
}

func (GeneratedTool) TableName() string {
	return "generated_tools"
}

// MemoryRecord is an L1 (pipeline-scoped) or L2 (project-scoped) memory entry.
type MemoryRecord struct {
	ID         string      `gorm:"primaryKey;type:text" json:"id"`
	Scope      MemoryScope `gorm:"not null;type:text" json:"scope"`
	PipelineID string      `gorm:"type:text;index" json:"pipeline_id,omitempty"`
	ProjectID  string      `gorm:"type:text;index" json:"project_id,omitempty"`
	TaskID     string      `gorm:"type:text" json:"task_id,omitempty"`
	Content    string      `gorm:"type:text" json:"content"`
	CreatedAt  time.Time   `gorm:"autoCreateTime" json:"created_at"`
}

func (MemoryRecord) TableName() string {
	return "memory_records"
}

// EvolutionLog is a metric row written through the evolution collaborator.
type EvolutionLog struct {
	ID         string    `gorm:"primaryKey;type:text" json:"id"`
	PipelineID string    `gorm:"type:text;index" json:"pipeline_id,omitempty"`
	ProjectID  string    `gorm:"type:text;index" json:"project_id,omitempty"`
	Kind       string    `gorm:"type:text" json:"kind"`
	Payload    string    `gorm:"type:text" json:"payload"` // JSON
	CreatedAt  time.Time `gorm:"autoCreateTime" json:"created_at"`
}

func (EvolutionLog) TableName() string {
	return "evolution_logs"
}
