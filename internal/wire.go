package gateway

import (
	"encoding/json"
	"strings"
)

// PartType discriminates the content block variants of a canonical message.
type PartType string

const (
	PartText       PartType = "text"
	PartReasoning  PartType = "reasoning"
	PartImage      PartType = "image"
	PartToolCall   PartType = "tool_call"
	PartToolResult PartType = "tool_result"
)

// Part is one content block of a canonical message.
type Part struct {
	Type PartType `json:"type"`
	Text string   `json:"text,omitempty"`

	// Tool call fields.
	ToolID   string          `json:"tool_id,omitempty"`
	ToolName string          `json:"tool_name,omitempty"`
	ToolArgs json.RawMessage `json:"tool_args,omitempty"`

	// Tool result fields. ToolID references the originating call.
	ToolResult json.RawMessage `json:"tool_result,omitempty"`

	// Image fields: base64 payload plus media type.
	MimeType string `json:"mime_type,omitempty"`
	Data     string `json:"data,omitempty"`
}

// Message is a dialect-independent chat message.
type Message struct {
	Role  string `json:"role"` // "system", "user", "assistant", "tool"
	Parts []Part `json:"parts"`
}

// Text concatenates the message's text and reasoning parts.
func (m Message) Text() string {
	var b strings.Builder
	for _, p := range m.Parts {
		if p.Type == PartText || p.Type == PartReasoning {
			b.WriteString(p.Text)
		}
	}
	return b.String()
}

// ProxyRequest is the canonical form of an inbound proxy request. The
// original payload is kept alongside the parsed fields so that a provider
// speaking the client's dialect can forward it untranslated.
type ProxyRequest struct {
	Dialect   Dialect         `json:"dialect"`
	Model     string          `json:"model"`
	Stream    bool            `json:"stream"`
	Body      []byte          `json:"-"` // original wire payload
	System    string          `json:"system,omitempty"`
	Messages  []Message       `json:"messages"`
	MaxTokens int             `json:"max_tokens,omitempty"`
	Tools     json.RawMessage `json:"tools,omitempty"` // dialect-native tool declarations

	// Session hints extracted from the body, in resolver priority order.
	MetadataSessionID  string `json:"metadata_session_id,omitempty"`
	PromptCacheKey     string `json:"prompt_cache_key,omitempty"`
	PreviousResponseID string `json:"previous_response_id,omitempty"`

	// Responses-dialect instructions field, forwarded per codex strategy.
	Instructions string `json:"instructions,omitempty"`
}

// FlattenedText returns the system prompt and all message text joined with
// newlines, for sensitive-content scanning.
func (r *ProxyRequest) FlattenedText() string {
	var b strings.Builder
	if r.System != "" {
		b.WriteString(r.System)
		b.WriteByte('\n')
	}
	for _, m := range r.Messages {
		b.WriteString(m.Text())
		b.WriteByte('\n')
	}
	return b.String()
}

// UserMessageTexts returns the text of up to n leading user messages,
// used by the session fingerprint.
func (r *ProxyRequest) UserMessageTexts(n int) []string {
	var out []string
	for _, m := range r.Messages {
		if m.Role != "user" {
			continue
		}
		out = append(out, m.Text())
		if len(out) == n {
			break
		}
	}
	return out
}

// Completion is the canonical form of a non-streaming upstream response.
type Completion struct {
	ID         string `json:"id"`
	Model      string `json:"model"`
	StopReason string `json:"stop_reason"` // canonical: "stop", "length", "tool_calls"
	Parts      []Part `json:"parts"`
	Usage      Usage  `json:"usage"`
}

// StreamEventType discriminates canonical streaming events.
type StreamEventType string

const (
	EventStart     StreamEventType = "start"      // message opened; carries ID, Model, input usage
	EventTextDelta StreamEventType = "text_delta" // Text holds the delta
	EventReasoning StreamEventType = "reasoning"  // reasoning/thinking delta
	EventToolDelta StreamEventType = "tool_delta" // tool call argument delta
	EventFinish    StreamEventType = "finish"     // StopReason + final Usage
	EventDone      StreamEventType = "done"       // stream closed
)

// StreamEvent is one canonical streaming event. When the upstream speaks
// the client's dialect, Raw carries the original frame and translators are
// bypassed; Usage is still aggregated from the parsed fields.
type StreamEvent struct {
	Type       StreamEventType `json:"type"`
	ID         string          `json:"id,omitempty"`
	Model      string          `json:"model,omitempty"`
	Text       string          `json:"text,omitempty"`
	ToolIndex  int             `json:"tool_index,omitempty"`
	ToolID     string          `json:"tool_id,omitempty"`
	ToolName   string          `json:"tool_name,omitempty"`
	ArgsDelta  string          `json:"args_delta,omitempty"`
	StopReason string          `json:"stop_reason,omitempty"`
	Usage      *Usage          `json:"usage,omitempty"`
	Raw        []byte          `json:"-"`
	Err        error           `json:"-"`
}
