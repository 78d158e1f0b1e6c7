// Copyright (C) 2026 Pipewright
// SPDX-License-Identifier: AGPL-3.0-or-later

package agent

import (
	"context"
	"os/exec"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseStreamLineAssistant(t *testing.T) {
	line := `{"type":"assistant","message":{"role":"assistant","content":[` +
		`{"type":"text","text":"Working on it."},` +
		`{"type":"thinking","thinking":"consider the schema"},` +
		`{"type":"tool_use","name":"Bash","input":{"command":"ls"}}` +
		`],"usage":{"input_tokens":120,"output_tokens":45}}}`

	chunks := parseStreamLine(line)
	require.Len(t, chunks, 4)

	assert.Equal(t, ChunkTypeAssistantText, chunks[0].Type)
	assert.Equal(t, "Working on it.", chunks[0].Text)
	assert.Equal(t, ChunkTypeAssistantThinking, chunks[1].Type)
	assert.Equal(t, "consider the schema", chunks[1].Thinking)
	assert.Equal(t, ChunkTypeToolUse, chunks[2].Type)
	assert.Equal(t, "Bash", chunks[2].ToolName)
	assert.JSONEq(t, `{"command":"ls"}`, string(chunks[2].ToolInput))
	assert.Equal(t, ChunkTypeCostUpdate, chunks[3].Type)
	assert.Equal(t, int64(120), chunks[3].InputTokens)
	assert.Equal(t, int64(45), chunks[3].OutputTokens)
}

func TestParseStreamLineStringContent(t *testing.T) {
	line := `{"type":"assistant","message":{"role":"assistant","content":"plain answer"}}`

	chunks := parseStreamLine(line)
	require.Len(t, chunks, 1)
	assert.Equal(t, ChunkTypeAssistantText, chunks[0].Type)
	assert.Equal(t, "plain answer", chunks[0].Text)
}

func TestParseStreamLineToolResult(t *testing.T) {
	line := `{"type":"user","message":{"role":"user","content":[` +
		`{"type":"tool_result","tool_use_id":"t1","content":"file.go\nmain.go","is_error":false}` +
		`]}}`

	chunks := parseStreamLine(line)
	require.Len(t, chunks, 1)
	assert.Equal(t, ChunkTypeToolResult, chunks[0].Type)
	assert.Equal(t, "file.go\nmain.go", chunks[0].Output)
	assert.False(t, chunks[0].IsError)
}

func TestParseStreamLineResult(t *testing.T) {
	line := `{"type":"result","subtype":"success","total_cost_usd":0.42,` +
		`"usage":{"input_tokens":1000,"output_tokens":300}}`

	chunks := parseStreamLine(line)
	require.Len(t, chunks, 1)
	assert.Equal(t, ChunkTypeCostUpdate, chunks[0].Type)
	assert.InDelta(t, 0.42, chunks[0].CostUSD, 1e-9)
	assert.Equal(t, int64(1000), chunks[0].InputTokens)

	errLine := `{"type":"result","is_error":true,"result":"execution error","total_cost_usd":0.1}`
	chunks = parseStreamLine(errLine)
	require.Len(t, chunks, 2)
	assert.Equal(t, ChunkTypeError, chunks[1].Type)
	assert.Equal(t, "execution error", chunks[1].Message)
}

func TestParseStreamLineJunk(t *testing.T) {
	assert.Empty(t, parseStreamLine("not json at all"))
	assert.Empty(t, parseStreamLine(`{"type":"system","subtype":"init"}`))
	assert.Empty(t, parseStreamLine(`{"type":"assistant"}`))
}

func TestBuildArgs(t *testing.T) {
	r := NewRunner("claude")
	args := r.buildArgs(SpawnOptions{
		Prompt:         "do the thing",
		Model:          "claude-sonnet-4-5",
		PermissionMode: "acceptEdits",
		MaxTurns:       30,
		PluginDirs:     []string{"/tmp/skills/go-style"},
	})

	assert.Contains(t, args, "--output-format")
	assert.Contains(t, args, "stream-json")
	assert.Contains(t, args, "--model")
	assert.Contains(t, args, "--permission-mode")
	assert.Contains(t, args, "--max-turns")
	assert.Contains(t, args, "--plugin-dir")
	// The prompt is always the final argument.
	assert.Equal(t, "do the thing", args[len(args)-1])
}

// fakeAgent swaps the runner's command factory for a shell script so tests
// exercise the full spawn/stream/exit path without the real CLI.
func fakeAgent(r *Runner, script string) {
	r.newCommand = func(ctx context.Context, name string, args ...string) *exec.Cmd {
		return exec.CommandContext(ctx, "sh", "-c", script)
	}
}

func collectChunks(t *testing.T, h *Handle) []StreamChunk {
	t.Helper()
	var chunks []StreamChunk
	for chunk := range h.Events {
		chunks = append(chunks, chunk)
	}
	return chunks
}

func TestSpawnStreamsAndCloses(t *testing.T) {
	r := NewRunner("claude")
	fakeAgent(r, `
echo '{"type":"assistant","message":{"role":"assistant","content":[{"type":"text","text":"hello"}]}}'
echo '{"type":"result","subtype":"success","total_cost_usd":0.05,"usage":{"input_tokens":10,"output_tokens":4}}'
`)

	h, err := r.Spawn(context.Background(), SpawnOptions{
		SessionID:  "sess-1",
		PipelineID: "pipe-1",
		Prompt:     "hi",
	})
	require.NoError(t, err)
	require.NotZero(t, h.PID)

	chunks := collectChunks(t, h)
	require.NotEmpty(t, chunks)

	last := chunks[len(chunks)-1]
	assert.Equal(t, ChunkTypeDone, last.Type)
	assert.Equal(t, 0, last.ExitCode)

	doneCount := 0
	sawText := false
	for _, c := range chunks {
		if c.Type == ChunkTypeDone {
			doneCount++
		}
		if c.Type == ChunkTypeAssistantText && c.Text == "hello" {
			sawText = true
		}
	}
	assert.Equal(t, 1, doneCount)
	assert.True(t, sawText)

	assert.Equal(t, 0, r.ActiveCount("pipe-1"))
}

func TestSpawnNonZeroExit(t *testing.T) {
	r := NewRunner("claude")
	fakeAgent(r, `echo "model not available" >&2; exit 3`)

	h, err := r.Spawn(context.Background(), SpawnOptions{
		SessionID:  "sess-1",
		PipelineID: "pipe-1",
		Prompt:     "hi",
	})
	require.NoError(t, err)

	chunks := collectChunks(t, h)
	require.GreaterOrEqual(t, len(chunks), 2)

	last := chunks[len(chunks)-1]
	assert.Equal(t, ChunkTypeDone, last.Type)
	assert.Equal(t, 3, last.ExitCode)

	errChunk := chunks[len(chunks)-2]
	assert.Equal(t, ChunkTypeError, errChunk.Type)
	assert.Contains(t, errChunk.Message, "model not available")
}

func TestSpawnValidation(t *testing.T) {
	r := NewRunner("claude")

	_, err := r.Spawn(context.Background(), SpawnOptions{Prompt: "hi"})
	require.Error(t, err)

	_, err = r.Spawn(context.Background(), SpawnOptions{SessionID: "s"})
	require.Error(t, err)
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "long st...", truncate("long string here", 10))
	assert.Equal(t, "ab", truncate("abcdef", 2))
}
