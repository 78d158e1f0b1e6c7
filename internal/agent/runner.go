// Copyright (C) 2026 Pipewright
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package agent spawns external AI agent processes and turns their
// stream-json output into typed chunks.
package agent

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/pipewright/pipewright/internal/logger"
)

var (
	agentLog     *zerolog.Logger
	agentLogOnce sync.Once
)

func getLog() *zerolog.Logger {
	agentLogOnce.Do(func() {
		l := logger.GetAgentLogger()
		agentLog = &l
	})
	return agentLog
}

// maxScanTokenSize allows for very large single stream-json lines (tool
// results can embed whole files).
const maxScanTokenSize = 10 * 1024 * 1024

// SpawnOptions describes one agent invocation.
type SpawnOptions struct {
	SessionID      string
	PipelineID     string
	Prompt         string
	SystemPrompt   string
	WorkingDir     string
	Model          string
	PermissionMode string
	MaxTurns       int
	PluginDirs     []string
}

// Handle exposes a running agent process to the caller.
type Handle struct {
	PID int
	// Events delivers parsed chunks. Exactly one done chunk arrives last,
	// then the channel closes.
	Events <-chan StreamChunk
}

type proc struct {
	cmd       *exec.Cmd
	sessionID string
}

// Runner spawns and tracks agent processes, keyed by pipeline so a whole
// pipeline's agents can be killed together.
type Runner struct {
	binary string

	mu       sync.Mutex
	sessions map[string]map[string]*proc // pipelineID -> sessionID -> proc

	// newCommand is swapped in tests to fake the agent binary.
	newCommand func(ctx context.Context, name string, args ...string) *exec.Cmd
}

// NewRunner creates a runner invoking the given agent binary.
func NewRunner(binary string) *Runner {
	if binary == "" {
		binary = "claude"
	}
	return &Runner{
		binary:     binary,
		sessions:   make(map[string]map[string]*proc),
		newCommand: exec.CommandContext,
	}
}

// buildArgs assembles the CLI invocation for one session. The prompt goes
// last so flag parsing never eats it.
func (r *Runner) buildArgs(opts SpawnOptions) []string {
	args := []string{
		"--print",
		"--output-format", "stream-json",
		"--verbose",
	}
	if opts.Model != "" {
		args = append(args, "--model", opts.Model)
	}
	if opts.PermissionMode != "" {
		args = append(args, "--permission-mode", opts.PermissionMode)
	}
	if opts.SystemPrompt != "" {
		args = append(args, "--append-system-prompt", opts.SystemPrompt)
	}
	if opts.MaxTurns > 0 {
		args = append(args, "--max-turns", strconv.Itoa(opts.MaxTurns))
	}
	for _, dir := range opts.PluginDirs {
		args = append(args, "--plugin-dir", dir)
	}
	args = append(args, opts.Prompt)
	return args
}

// Spawn starts an agent process and begins streaming its output. The process
// outlives ctx only until Kill or its own exit; cancelling ctx terminates it.
func (r *Runner) Spawn(ctx context.Context, opts SpawnOptions) (*Handle, error) {
	if opts.SessionID == "" {
		return nil, fmt.Errorf("session ID is required")
	}
	if opts.Prompt == "" {
		return nil, fmt.Errorf("prompt is required")
	}

	cmd := r.newCommand(ctx, r.binary, r.buildArgs(opts)...)
	if opts.WorkingDir != "" {
		cmd.Dir = opts.WorkingDir
	}
	cmd.Env = os.Environ()

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start agent process: %w", err)
	}

	getLog().Info().
		Str("session_id", opts.SessionID).
		Str("pipeline_id", opts.PipelineID).
		Str("model", opts.Model).
		Int("pid", cmd.Process.Pid).
		Str("work_dir", opts.WorkingDir).
		Msg("Spawned agent process")

	p := &proc{cmd: cmd, sessionID: opts.SessionID}
	r.track(opts.PipelineID, p)

	events := make(chan StreamChunk, 64)

	// Drain stderr separately; the CLI logs diagnostics there.
	var stderrBuf strings.Builder
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		scanner := bufio.NewScanner(stderr)
		scanner.Buffer(make([]byte, 64*1024), maxScanTokenSize)
		for scanner.Scan() {
			line := scanner.Text()
			if stderrBuf.Len() < 64*1024 {
				stderrBuf.WriteString(line)
				stderrBuf.WriteString("\n")
			}
		}
	}()

	go func() {
		defer close(events)

		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 64*1024), maxScanTokenSize)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}
			for _, chunk := range parseStreamLine(line) {
				events <- chunk
			}
		}

		runErr := cmd.Wait()
		wg.Wait()
		r.untrack(opts.PipelineID, opts.SessionID)

		exitCode := 0
		if runErr != nil {
			if exitErr, ok := runErr.(*exec.ExitError); ok {
				exitCode = exitErr.ExitCode()
			} else {
				exitCode = -1
			}
			msg := strings.TrimSpace(stderrBuf.String())
			if msg == "" {
				msg = runErr.Error()
			}
			events <- StreamChunk{Type: ChunkTypeError, Message: msg}
		}

		getLog().Info().
			Str("session_id", opts.SessionID).
			Int("exit_code", exitCode).
			Msg("Agent process exited")

		events <- StreamChunk{Type: ChunkTypeDone, ExitCode: exitCode}
	}()

	return &Handle{PID: cmd.Process.Pid, Events: events}, nil
}

// parseStreamLine converts one stream-json line into zero or more chunks.
// Unparseable lines are skipped; the stream must survive junk on stdout.
func parseStreamLine(line string) []StreamChunk {
	var event streamEvent
	if err := json.Unmarshal([]byte(line), &event); err != nil {
		getLog().Debug().Str("line", truncate(line, 200)).Msg("Skipping unparseable stream line")
		return nil
	}

	var chunks []StreamChunk

	switch event.Type {
	case "assistant":
		if event.Message == nil {
			return nil
		}
		for _, item := range event.Message.Content {
			switch item.Type {
			case "text":
				chunks = append(chunks, StreamChunk{Type: ChunkTypeAssistantText, Text: item.Text})
			case "thinking":
				chunks = append(chunks, StreamChunk{Type: ChunkTypeAssistantThinking, Thinking: item.Thinking})
			case "tool_use":
				chunks = append(chunks, StreamChunk{Type: ChunkTypeToolUse, ToolName: item.Name, ToolInput: item.Input})
			}
		}
		if event.Message.Usage != nil {
			chunks = append(chunks, StreamChunk{
				Type:         ChunkTypeCostUpdate,
				InputTokens:  event.Message.Usage.InputTokens,
				OutputTokens: event.Message.Usage.OutputTokens,
			})
		}
	case "user":
		if event.Message == nil {
			return nil
		}
		for _, item := range event.Message.Content {
			if item.Type != "tool_result" {
				continue
			}
			output := ""
			if s, ok := item.Content.(string); ok {
				output = s
			}
			chunks = append(chunks, StreamChunk{Type: ChunkTypeToolResult, Output: output, IsError: item.IsError})
		}
	case "result":
		chunk := StreamChunk{Type: ChunkTypeCostUpdate, CostUSD: event.TotalCost}
		if event.Usage != nil {
			chunk.InputTokens = event.Usage.InputTokens
			chunk.OutputTokens = event.Usage.OutputTokens
		}
		chunks = append(chunks, chunk)
		if event.IsError {
			chunks = append(chunks, StreamChunk{Type: ChunkTypeError, Message: event.Result})
		}
	}

	return chunks
}

func (r *Runner) track(pipelineID string, p *proc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sessions[pipelineID] == nil {
		r.sessions[pipelineID] = make(map[string]*proc)
	}
	r.sessions[pipelineID][p.sessionID] = p
}

func (r *Runner) untrack(pipelineID, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if m := r.sessions[pipelineID]; m != nil {
		delete(m, sessionID)
		if len(m) == 0 {
			delete(r.sessions, pipelineID)
		}
	}
}

// KillByPipeline sends SIGTERM to every live agent of a pipeline and returns
// how many were signalled.
func (r *Runner) KillByPipeline(pipelineID string) int {
	r.mu.Lock()
	procs := make([]*proc, 0)
	for _, p := range r.sessions[pipelineID] {
		procs = append(procs, p)
	}
	r.mu.Unlock()

	killed := 0
	for _, p := range procs {
		if p.cmd.Process == nil {
			continue
		}
		if err := p.cmd.Process.Signal(syscall.SIGTERM); err != nil {
			getLog().Warn().Err(err).Str("session_id", p.sessionID).Msg("Failed to signal agent process")
			continue
		}
		killed++
	}
	if killed > 0 {
		getLog().Info().Str("pipeline_id", pipelineID).Int("count", killed).Msg("Terminated agent processes")
	}
	return killed
}

// KillAll terminates every live agent process. Used on shutdown.
func (r *Runner) KillAll() int {
	r.mu.Lock()
	pipelines := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		pipelines = append(pipelines, id)
	}
	r.mu.Unlock()

	killed := 0
	for _, id := range pipelines {
		killed += r.KillByPipeline(id)
	}
	return killed
}

// ActiveCount returns the number of live agent processes for a pipeline.
func (r *Runner) ActiveCount(pipelineID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions[pipelineID])
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return s[:maxLen]
	}
	return s[:maxLen-3] + "..."
}
