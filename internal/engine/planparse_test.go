// Copyright (C) 2026 Pipewright
// SPDX-License-Identifier: AGPL-3.0-or-later

package engine

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pipewright/pipewright/internal/models"
)

func TestParsePlanOutputBareObject(t *testing.T) {
	output := `{"content": "# Plan", "taskBreakdown": [
		{"title": "Add parser", "description": "Write the parser", "agentRole": "executor", "domain": "backend", "complexity": "low"},
		{"title": "Test parser", "description": "Cover edge cases", "agentRole": "tester", "dependsOn": ["Add parser"], "complexity": "high"}
	]}`

	plan, err := parsePlanOutput(output)
	require.NoError(t, err)
	assert.Equal(t, "# Plan", plan.Content)
	require.Len(t, plan.TaskBreakdown, 2)
	assert.Equal(t, models.ComplexityLow, plan.TaskBreakdown[0].Complexity)
	assert.Equal(t, "backend", plan.TaskBreakdown[0].Domain)
	assert.Equal(t, []string{"Add parser"}, plan.TaskBreakdown[1].DependsOn)
}

func TestParsePlanOutputEnvelopeAndFences(t *testing.T) {
	output := "Here is the plan:\n```json\n" +
		`{"plan": {"content": "wrapped", "taskBreakdown": [{"title": "T", "description": "D"}]}}` +
		"\n```\nLet me know if you need changes."

	plan, err := parsePlanOutput(output)
	require.NoError(t, err)
	assert.Equal(t, "wrapped", plan.Content)
	require.Len(t, plan.TaskBreakdown, 1)
	// Unknown complexity defaults to medium.
	assert.Equal(t, models.ComplexityMedium, plan.TaskBreakdown[0].Complexity)
}

func TestParsePlanOutputErrors(t *testing.T) {
	cases := []struct {
		name   string
		output string
	}{
		{"not json", "I could not produce a plan, sorry."},
		{"empty object", `{}`},
		{"missing title", `{"content": "x", "taskBreakdown": [{"description": "D"}]}`},
		{"missing description", `{"content": "x", "taskBreakdown": [{"title": "T"}]}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := parsePlanOutput(tc.output)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrPlanParse))
		})
	}
}

func TestParseReviewVerdict(t *testing.T) {
	output := "```json\n" +
		`{"verdict": "reject", "summary": "missing error handling", "findings": ["f1"], "churnMetrics": {"verdict": "critical", "churnScore": 7.5}}` +
		"\n```"

	verdict, err := parseReviewVerdict(output)
	require.NoError(t, err)
	assert.Equal(t, "reject", verdict.Verdict)
	assert.Equal(t, "missing error handling", verdict.Summary)
	require.NotNil(t, verdict.ChurnMetrics)
	assert.Equal(t, "critical", verdict.ChurnMetrics.Verdict)
}

func TestParseReviewVerdictErrors(t *testing.T) {
	_, err := parseReviewVerdict("plain prose, no json")
	require.Error(t, err)

	_, err = parseReviewVerdict(`{"summary": "no verdict here"}`)
	require.Error(t, err)
}

func TestHasCycle(t *testing.T) {
	ids := []string{"a", "b", "c"}

	assert.False(t, hasCycle(ids, map[string][]string{
		"b": {"a"},
		"c": {"a", "b"},
	}))

	assert.True(t, hasCycle(ids, map[string][]string{
		"a": {"c"},
		"b": {"a"},
		"c": {"b"},
	}))
}

func TestExtractSummary(t *testing.T) {
	assert.Equal(t, "did the work", extractSummary("long transcript...\n---SUMMARY---\ndid the work"))
	assert.Equal(t, "no marker here", extractSummary("no marker here"))
	// A marker with nothing after it falls back to the full output.
	assert.Equal(t, "transcript\n---SUMMARY---\n", extractSummary("transcript\n---SUMMARY---\n"))
}

func TestStripCodeFences(t *testing.T) {
	assert.Equal(t, `{"a":1}`, stripCodeFences("```json\n{\"a\":1}\n```"))
	assert.Equal(t, `{"a":1}`, stripCodeFences("```\n{\"a\":1}\n```"))
	assert.Equal(t, `{"a":1}`, stripCodeFences(`{"a":1}`))
}
