// Copyright (C) 2026 Pipewright
// SPDX-License-Identifier: AGPL-3.0-or-later

package engine

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/pipewright/pipewright/internal/models"
)

// ErrPlanParse marks deterministic planner-output failures. Retrying the same
// prompt reproduces the same error, so the run loop fails fast instead of
// consulting the healer.
var ErrPlanParse = errors.New("plan parse error")

// parsedPlan is the planner output after validation.
type parsedPlan struct {
	Content       string
	TaskBreakdown models.PlanTaskItems
}

type planEnvelope struct {
	Plan *planPayload `json:"plan"`
	planPayload
}

type planPayload struct {
	Content       string         `json:"content"`
	TaskBreakdown []planTaskItem `json:"taskBreakdown"`
}

type planTaskItem struct {
	Title          string   `json:"title"`
	Description    string   `json:"description"`
	AgentRole      string   `json:"agentRole"`
	Domain         string   `json:"domain"`
	DependsOn      []string `json:"dependsOn"`
	CanParallelize bool     `json:"canParallelize"`
	Complexity     string   `json:"complexity"`
}

// stripCodeFences removes a surrounding ```json ... ``` (or bare ```) fence.
// Agents are told to emit raw JSON but routinely fence it anyway.
func stripCodeFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}

	// Drop the opening fence line.
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		s = s[idx+1:]
	} else {
		return strings.TrimPrefix(s, "```")
	}

	if idx := strings.LastIndex(s, "```"); idx >= 0 {
		s = s[:idx]
	}
	return strings.TrimSpace(s)
}

// extractJSONObject pulls the first top-level {...} out of free text, for
// agents that wrap their JSON in prose.
func extractJSONObject(s string) string {
	start := strings.IndexByte(s, '{')
	end := strings.LastIndexByte(s, '}')
	if start < 0 || end <= start {
		return s
	}
	return s[start : end+1]
}

// parsePlanOutput decodes and validates planner output. It accepts either the
// bare plan object or {plan: <object>}, with or without code fences.
func parsePlanOutput(output string) (*parsedPlan, error) {
	text := extractJSONObject(stripCodeFences(output))

	var envelope planEnvelope
	if err := json.Unmarshal([]byte(text), &envelope); err != nil {
		return nil, fmt.Errorf("%w: planner output is not valid JSON: %v", ErrPlanParse, err)
	}

	payload := envelope.planPayload
	if envelope.Plan != nil {
		payload = *envelope.Plan
	}

	if payload.Content == "" && len(payload.TaskBreakdown) == 0 {
		return nil, fmt.Errorf("%w: planner output has neither content nor taskBreakdown", ErrPlanParse)
	}

	plan := &parsedPlan{Content: payload.Content}
	for i, item := range payload.TaskBreakdown {
		if item.Title == "" {
			return nil, fmt.Errorf("%w: task %d is missing a title", ErrPlanParse, i)
		}
		if item.Description == "" {
			return nil, fmt.Errorf("%w: task %q is missing a description", ErrPlanParse, item.Title)
		}
		plan.TaskBreakdown = append(plan.TaskBreakdown, models.PlanTaskItem{
			Title:          item.Title,
			Description:    item.Description,
			AgentRole:      item.AgentRole,
			Domain:         item.Domain,
			DependsOn:      item.DependsOn,
			CanParallelize: item.CanParallelize,
			Complexity:     models.ParseComplexity(item.Complexity),
		})
	}

	return plan, nil
}

// reviewVerdict is the reviewer output schema shared by the adversarial and
// code-review stages.
type reviewVerdict struct {
	Verdict      string        `json:"verdict"` // "pass" or "reject"
	Summary      string        `json:"summary,omitempty"`
	Severity     string        `json:"severity,omitempty"`
	Findings     []string      `json:"findings,omitempty"`
	ChurnMetrics *churnMetrics `json:"churnMetrics,omitempty"`
}

type churnMetrics struct {
	Verdict         string  `json:"verdict"` // "clean", "warning", "critical"
	ChurnScore      float64 `json:"churnScore,omitempty"`
	PatchStyleFixes int     `json:"patchStyleFixes,omitempty"`
	DuplicatedCode  int     `json:"duplicatedCode,omitempty"`
}

// parseReviewVerdict decodes reviewer output, tolerating fences and prose.
func parseReviewVerdict(output string) (*reviewVerdict, error) {
	text := extractJSONObject(stripCodeFences(output))
	var verdict reviewVerdict
	if err := json.Unmarshal([]byte(text), &verdict); err != nil {
		return nil, fmt.Errorf("reviewer output is not valid JSON: %w", err)
	}
	if verdict.Verdict == "" {
		return nil, fmt.Errorf("reviewer output has no verdict field")
	}
	return &verdict, nil
}
