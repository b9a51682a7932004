// Package llm provides the model provider client used by the
// conversation loop.
package llm

import (
	"encoding/json"
	"log/slog"
	"strings"
)

// LevelTrace is below Debug, used for wire-level payload logging.
const LevelTrace = slog.Level(-8)

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Content block types.
const (
	BlockText       = "text"
	BlockToolUse    = "tool_use"
	BlockToolResult = "tool_result"
)

// Stop reasons reported by the provider.
const (
	StopEndTurn   = "end_turn"
	StopToolUse   = "tool_use"
	StopMaxTokens = "max_tokens"
)

// ContentBlock is one element of a message body. Which fields are
// meaningful depends on Type.
type ContentBlock struct {
	Type string

	// Text is set for BlockText.
	Text string

	// ID, Name and Input are set for BlockToolUse.
	ID    string
	Name  string
	Input json.RawMessage

	// ToolUseID, Content and IsError are set for BlockToolResult.
	ToolUseID string
	Content   string
	IsError   bool
}

// Message is one conversation turn.
type Message struct {
	Role    string
	Content []ContentBlock
}

// TextMessage builds a single-block text turn.
func TextMessage(role, text string) Message {
	return Message{Role: role, Content: []ContentBlock{{Type: BlockText, Text: text}}}
}

// ToolDefinition advertises one callable tool to the model.
type ToolDefinition struct {
	Name        string
	Description string
	InputSchema map[string]any
}

// ChatRequest is a single model invocation.
type ChatRequest struct {
	Model     string
	System    string
	Messages  []Message
	Tools     []ToolDefinition
	MaxTokens int
}

// ChatResponse is the provider-neutral result of one model invocation.
type ChatResponse struct {
	ID         string
	Model      string
	StopReason string
	Content    []ContentBlock

	InputTokens  int
	OutputTokens int
}

// Text concatenates every text block in order.
func (r *ChatResponse) Text() string {
	var sb strings.Builder
	for _, b := range r.Content {
		if b.Type == BlockText {
			sb.WriteString(b.Text)
		}
	}
	return sb.String()
}

// ToolUses returns the tool_use blocks in the order the model emitted them.
func (r *ChatResponse) ToolUses() []ContentBlock {
	var uses []ContentBlock
	for _, b := range r.Content {
		if b.Type == BlockToolUse {
			uses = append(uses, b)
		}
	}
	return uses
}

// AssistantMessage returns the response as a turn suitable for
// appending to history verbatim.
func (r *ChatResponse) AssistantMessage() Message {
	return Message{Role: RoleAssistant, Content: r.Content}
}
