package dialect

import (
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"

	gateway "github.com/vantagegw/vantage/internal"
)

// anthropicAdapter speaks the Anthropic Messages API.
type anthropicAdapter struct{}

func (anthropicAdapter) Dialect() gateway.Dialect { return gateway.DialectAnthropic }

type anthropicWireMsg struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

type anthropicWireReq struct {
	Model     string             `json:"model"`
	MaxTokens int                `json:"max_tokens"`
	Stream    bool               `json:"stream"`
	System    json.RawMessage    `json:"system"`
	Messages  []anthropicWireMsg `json:"messages"`
	Tools     json.RawMessage    `json:"tools"`
	Metadata  struct {
		SessionID string `json:"session_id"`
	} `json:"metadata"`
}

func (a *anthropicAdapter) ParseRequest(body []byte) (*gateway.ProxyRequest, error) {
	var wire anthropicWireReq
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, parseErr(a.Dialect(), err)
	}
	if wire.Model == "" {
		return nil, parseErr(a.Dialect(), fmt.Errorf("missing model"))
	}

	req := &gateway.ProxyRequest{
		Dialect:           a.Dialect(),
		Model:             wire.Model,
		Stream:            wire.Stream,
		Body:              body,
		System:            flattenAnthropicSystem(wire.System),
		MaxTokens:         wire.MaxTokens,
		Tools:             wire.Tools,
		MetadataSessionID: wire.Metadata.SessionID,
	}
	for _, m := range wire.Messages {
		req.Messages = append(req.Messages, gateway.Message{
			Role:  m.Role,
			Parts: parseAnthropicContent(m.Content),
		})
	}
	return req, nil
}

// flattenAnthropicSystem handles both the string and block-array forms.
func flattenAnthropicSystem(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	r := gjson.ParseBytes(raw)
	if r.Type == gjson.String {
		return r.String()
	}
	var out string
	r.ForEach(func(_, block gjson.Result) bool {
		out += block.Get("text").String()
		return true
	})
	return out
}

func parseAnthropicContent(raw json.RawMessage) []gateway.Part {
	if len(raw) == 0 {
		return nil
	}
	r := gjson.ParseBytes(raw)
	if r.Type == gjson.String {
		return []gateway.Part{{Type: gateway.PartText, Text: r.String()}}
	}
	var parts []gateway.Part
	r.ForEach(func(_, block gjson.Result) bool {
		switch block.Get("type").String() {
		case "text":
			parts = append(parts, gateway.Part{Type: gateway.PartText, Text: block.Get("text").String()})
		case "thinking":
			parts = append(parts, gateway.Part{Type: gateway.PartReasoning, Text: block.Get("thinking").String()})
		case "tool_use":
			parts = append(parts, gateway.Part{
				Type:     gateway.PartToolCall,
				ToolID:   block.Get("id").String(),
				ToolName: block.Get("name").String(),
				ToolArgs: json.RawMessage(block.Get("input").Raw),
			})
		case "tool_result":
			parts = append(parts, gateway.Part{
				Type:       gateway.PartToolResult,
				ToolID:     block.Get("tool_use_id").String(),
				ToolResult: json.RawMessage(block.Get("content").Raw),
			})
		case "image":
			parts = append(parts, gateway.Part{
				Type:     gateway.PartImage,
				MimeType: block.Get("source.media_type").String(),
				Data:     block.Get("source.data").String(),
			})
		}
		return true
	})
	return parts
}

func (a *anthropicAdapter) EncodeCompletion(c *gateway.Completion) ([]byte, error) {
	content := make([]map[string]any, 0, len(c.Parts))
	for _, p := range c.Parts {
		switch p.Type {
		case gateway.PartText:
			content = append(content, map[string]any{"type": "text", "text": p.Text})
		case gateway.PartReasoning:
			content = append(content, map[string]any{"type": "thinking", "thinking": p.Text})
		case gateway.PartToolCall:
			args := p.ToolArgs
			if len(args) == 0 {
				args = json.RawMessage(`{}`)
			}
			content = append(content, map[string]any{
				"type": "tool_use", "id": p.ToolID, "name": p.ToolName, "input": args,
			})
		}
	}
	return json.Marshal(map[string]any{
		"id":          c.ID,
		"type":        "message",
		"role":        "assistant",
		"model":       c.Model,
		"content":     content,
		"stop_reason": anthropicStopReason(c.StopReason),
		"usage":       anthropicUsage(c.Usage),
	})
}

func anthropicStopReason(canonical string) string {
	switch canonical {
	case "length":
		return "max_tokens"
	case "tool_calls":
		return "tool_use"
	default:
		return "end_turn"
	}
}

func anthropicUsage(u gateway.Usage) map[string]any {
	out := map[string]any{
		"input_tokens":  u.InputTokens,
		"output_tokens": u.OutputTokens,
	}
	if u.CacheReadInputTokens > 0 {
		out["cache_read_input_tokens"] = u.CacheReadInputTokens
	}
	if n := u.CacheCreation5mInputTokens + u.CacheCreation1hInputTokens; n > 0 {
		out["cache_creation_input_tokens"] = n
	}
	return out
}

func (a *anthropicAdapter) ErrorBody(status int, code, message string) []byte {
	return fmt.Appendf(nil, `{"type":"error","error":{"type":%s,"message":%s}}`,
		quoteJSON(code), quoteJSON(message))
}

// anthropicStream re-encodes canonical events as Anthropic SSE.
type anthropicStream struct {
	model     string
	blockIdx  int
	blockOpen string // "", "text", "thinking", "tool_use"
	toolIdx   int
}

func (a *anthropicAdapter) NewStreamEncoder(model string) StreamEncoder {
	return &anthropicStream{model: model, blockIdx: -1, toolIdx: -1}
}

func (s *anthropicStream) Encode(ev gateway.StreamEvent) [][]byte {
	switch ev.Type {
	case gateway.EventStart:
		msg := map[string]any{
			"id":          ev.ID,
			"type":        "message",
			"role":        "assistant",
			"model":       s.model,
			"content":     []any{},
			"stop_reason": nil,
		}
		if ev.Usage != nil {
			msg["usage"] = anthropicUsage(*ev.Usage)
		}
		data, _ := json.Marshal(map[string]any{"type": "message_start", "message": msg})
		return [][]byte{sseFrame("message_start", data)}

	case gateway.EventTextDelta:
		frames := s.ensureBlock("text", nil)
		data, _ := json.Marshal(map[string]any{
			"type": "content_block_delta", "index": s.blockIdx,
			"delta": map[string]any{"type": "text_delta", "text": ev.Text},
		})
		return append(frames, sseFrame("content_block_delta", data))

	case gateway.EventReasoning:
		frames := s.ensureBlock("thinking", nil)
		data, _ := json.Marshal(map[string]any{
			"type": "content_block_delta", "index": s.blockIdx,
			"delta": map[string]any{"type": "thinking_delta", "thinking": ev.Text},
		})
		return append(frames, sseFrame("content_block_delta", data))

	case gateway.EventToolDelta:
		var frames [][]byte
		if s.blockOpen != "tool_use" || s.toolIdx != ev.ToolIndex {
			frames = s.ensureBlock("tool_use", map[string]any{
				"type": "tool_use", "id": ev.ToolID, "name": ev.ToolName, "input": map[string]any{},
			})
			s.toolIdx = ev.ToolIndex
		}
		data, _ := json.Marshal(map[string]any{
			"type": "content_block_delta", "index": s.blockIdx,
			"delta": map[string]any{"type": "input_json_delta", "partial_json": ev.ArgsDelta},
		})
		return append(frames, sseFrame("content_block_delta", data))

	case gateway.EventFinish:
		frames := s.closeBlock()
		delta := map[string]any{
			"type":  "message_delta",
			"delta": map[string]any{"stop_reason": anthropicStopReason(ev.StopReason)},
		}
		if ev.Usage != nil {
			delta["usage"] = anthropicUsage(*ev.Usage)
		}
		data, _ := json.Marshal(delta)
		return append(frames, sseFrame("message_delta", data))

	case gateway.EventDone:
		data, _ := json.Marshal(map[string]any{"type": "message_stop"})
		return [][]byte{sseFrame("message_stop", data)}
	}
	return nil
}

// ensureBlock opens a new content block of the given type, closing any
// open one first. block is the content_block payload for non-text types.
func (s *anthropicStream) ensureBlock(typ string, block map[string]any) [][]byte {
	if s.blockOpen == typ && typ != "tool_use" {
		return nil
	}
	frames := s.closeBlock()
	s.blockIdx++
	s.blockOpen = typ
	if block == nil {
		if typ == "thinking" {
			block = map[string]any{"type": "thinking", "thinking": ""}
		} else {
			block = map[string]any{"type": "text", "text": ""}
		}
	}
	data, _ := json.Marshal(map[string]any{
		"type": "content_block_start", "index": s.blockIdx, "content_block": block,
	})
	return append(frames, sseFrame("content_block_start", data))
}

func (s *anthropicStream) closeBlock() [][]byte {
	if s.blockOpen == "" {
		return nil
	}
	data, _ := json.Marshal(map[string]any{"type": "content_block_stop", "index": s.blockIdx})
	s.blockOpen = ""
	return [][]byte{sseFrame("content_block_stop", data)}
}
