// Copyright (C) 2026 Pipewright
// SPDX-License-Identifier: AGPL-3.0-or-later

package agent

import (
	"encoding/json"
	"fmt"
)

// ChunkType classifies a parsed stream chunk.
type ChunkType string

const (
	ChunkTypeAssistantText     ChunkType = "assistant_text"
	ChunkTypeAssistantThinking ChunkType = "assistant_thinking"
	ChunkTypeToolUse           ChunkType = "tool_use"
	ChunkTypeToolResult        ChunkType = "tool_result"
	ChunkTypeCostUpdate        ChunkType = "cost_update"
	ChunkTypeError             ChunkType = "error"
	ChunkTypeDone              ChunkType = "done"
)

// StreamChunk is one parsed unit of agent output. Exactly one done chunk is
// emitted per session, after which the channel closes.
type StreamChunk struct {
	Type ChunkType

	// assistant_text / assistant_thinking
	Text     string
	Thinking string

	// tool_use / tool_result
	ToolName  string
	ToolInput json.RawMessage
	Output    string
	IsError   bool

	// cost_update (cumulative for the session)
	InputTokens  int64
	OutputTokens int64
	CostUSD      float64

	// error
	Message string

	// done
	ExitCode int
}

// streamEvent is one line of the agent CLI's stream-json output.
type streamEvent struct {
	Type    string `json:"type"` // "system", "assistant", "user", "result"
	Subtype string `json:"subtype,omitempty"`

	// Message content (for assistant/user types)
	Message *streamMessage `json:"message,omitempty"`

	// Result fields (for result type)
	IsError    bool       `json:"is_error,omitempty"`
	Result     string     `json:"result,omitempty"`
	TotalCost  float64    `json:"total_cost_usd,omitempty"`
	DurationMs int64      `json:"duration_ms,omitempty"`
	Usage      *usageInfo `json:"usage,omitempty"`
}

type streamMessage struct {
	ID      string        `json:"id,omitempty"`
	Role    string        `json:"role"`
	Model   string        `json:"model,omitempty"`
	Content []contentItem `json:"-"` // Custom unmarshaling handles both string and array
	Usage   *usageInfo    `json:"usage,omitempty"`
}

// UnmarshalJSON handles the CLI's variable content format.
// Content can be either a string or an array of content items.
func (m *streamMessage) UnmarshalJSON(data []byte) error {
	type messageAlias streamMessage
	type messageWithRawContent struct {
		messageAlias
		Content json.RawMessage `json:"content"`
	}

	var raw messageWithRawContent
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("failed to unmarshal message: %w", err)
	}
	*m = streamMessage(raw.messageAlias)

	if len(raw.Content) == 0 {
		m.Content = nil
		return nil
	}

	var contentArray []contentItem
	if err := json.Unmarshal(raw.Content, &contentArray); err == nil {
		m.Content = contentArray
		return nil
	}

	var contentString string
	if err := json.Unmarshal(raw.Content, &contentString); err == nil {
		m.Content = []contentItem{{Type: "text", Text: contentString}}
		return nil
	}

	return fmt.Errorf("content field is neither array nor string")
}

type contentItem struct {
	Type string `json:"type"` // "text", "tool_use", "tool_result", "thinking"

	// For text content
	Text string `json:"text,omitempty"`

	// For tool_use
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	// For tool_result
	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   any    `json:"content,omitempty"`
	IsError   bool   `json:"is_error,omitempty"`

	// For thinking
	Thinking string `json:"thinking,omitempty"`
}

type usageInfo struct {
	InputTokens              int64 `json:"input_tokens"`
	OutputTokens             int64 `json:"output_tokens"`
	CacheCreationInputTokens int64 `json:"cache_creation_input_tokens,omitempty"`
	CacheReadInputTokens     int64 `json:"cache_read_input_tokens,omitempty"`
}
