package dialect

import (
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"

	gateway "github.com/vantagegw/vantage/internal"
)

// openaiAdapter speaks the OpenAI Chat Completions API.
type openaiAdapter struct{}

func (openaiAdapter) Dialect() gateway.Dialect { return gateway.DialectOpenAI }

type openaiWireMsg struct {
	Role       string          `json:"role"`
	Content    json.RawMessage `json:"content"`
	ToolCalls  json.RawMessage `json:"tool_calls,omitempty"`
	ToolCallID string          `json:"tool_call_id,omitempty"`
}

type openaiWireReq struct {
	Model               string          `json:"model"`
	Stream              bool            `json:"stream"`
	Messages            []openaiWireMsg `json:"messages"`
	Tools               json.RawMessage `json:"tools"`
	MaxTokens           int             `json:"max_tokens"`
	MaxCompletionTokens int             `json:"max_completion_tokens"`
	PromptCacheKey      string          `json:"prompt_cache_key"`
	Metadata            struct {
		SessionID string `json:"session_id"`
	} `json:"metadata"`
}

func (a *openaiAdapter) ParseRequest(body []byte) (*gateway.ProxyRequest, error) {
	var wire openaiWireReq
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, parseErr(a.Dialect(), err)
	}
	if wire.Model == "" {
		return nil, parseErr(a.Dialect(), fmt.Errorf("missing model"))
	}

	maxTokens := wire.MaxCompletionTokens
	if maxTokens == 0 {
		maxTokens = wire.MaxTokens
	}
	req := &gateway.ProxyRequest{
		Dialect:           a.Dialect(),
		Model:             wire.Model,
		Stream:            wire.Stream,
		Body:              body,
		MaxTokens:         maxTokens,
		Tools:             wire.Tools,
		PromptCacheKey:    wire.PromptCacheKey,
		MetadataSessionID: wire.Metadata.SessionID,
	}
	for _, m := range wire.Messages {
		msg := gateway.Message{Role: m.Role}
		if m.Role == "system" {
			req.System += contentText(m.Content)
			continue
		}
		if m.Role == "tool" {
			msg.Parts = append(msg.Parts, gateway.Part{
				Type:       gateway.PartToolResult,
				ToolID:     m.ToolCallID,
				ToolResult: m.Content,
			})
			req.Messages = append(req.Messages, msg)
			continue
		}
		msg.Parts = parseOpenAIContent(m.Content)
		gjson.ParseBytes(m.ToolCalls).ForEach(func(_, tc gjson.Result) bool {
			msg.Parts = append(msg.Parts, gateway.Part{
				Type:     gateway.PartToolCall,
				ToolID:   tc.Get("id").String(),
				ToolName: tc.Get("function.name").String(),
				ToolArgs: json.RawMessage(tc.Get("function.arguments").Raw),
			})
			return true
		})
		req.Messages = append(req.Messages, msg)
	}
	return req, nil
}

// contentText flattens a string-or-parts content value to plain text.
func contentText(raw json.RawMessage) string {
	r := gjson.ParseBytes(raw)
	if r.Type == gjson.String {
		return r.String()
	}
	var out string
	r.ForEach(func(_, p gjson.Result) bool {
		if p.Get("type").String() == "text" {
			out += p.Get("text").String()
		}
		return true
	})
	return out
}

func parseOpenAIContent(raw json.RawMessage) []gateway.Part {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	r := gjson.ParseBytes(raw)
	if r.Type == gjson.String {
		return []gateway.Part{{Type: gateway.PartText, Text: r.String()}}
	}
	var parts []gateway.Part
	r.ForEach(func(_, p gjson.Result) bool {
		switch p.Get("type").String() {
		case "text":
			parts = append(parts, gateway.Part{Type: gateway.PartText, Text: p.Get("text").String()})
		case "image_url":
			parts = append(parts, gateway.Part{Type: gateway.PartImage, Data: p.Get("image_url.url").String()})
		}
		return true
	})
	return parts
}

func (a *openaiAdapter) EncodeCompletion(c *gateway.Completion) ([]byte, error) {
	msg := map[string]any{"role": "assistant"}
	var text string
	var toolCalls []map[string]any
	for _, p := range c.Parts {
		switch p.Type {
		case gateway.PartText:
			text += p.Text
		case gateway.PartReasoning:
			msg["reasoning_content"] = p.Text
		case gateway.PartToolCall:
			args := string(p.ToolArgs)
			if args == "" {
				args = "{}"
			}
			toolCalls = append(toolCalls, map[string]any{
				"id":   p.ToolID,
				"type": "function",
				"function": map[string]any{
					"name":      p.ToolName,
					"arguments": args,
				},
			})
		}
	}
	if len(toolCalls) > 0 {
		msg["tool_calls"] = toolCalls
		msg["content"] = nil
	} else {
		msg["content"] = text
	}

	return json.Marshal(map[string]any{
		"id":      c.ID,
		"object":  "chat.completion",
		"model":   c.Model,
		"choices": []map[string]any{{"index": 0, "message": msg, "finish_reason": openaiFinishReason(c.StopReason)}},
		"usage":   openaiUsage(c.Usage),
	})
}

func openaiFinishReason(canonical string) string {
	switch canonical {
	case "length":
		return "length"
	case "tool_calls":
		return "tool_calls"
	default:
		return "stop"
	}
}

func openaiUsage(u gateway.Usage) map[string]any {
	out := map[string]any{
		"prompt_tokens":     u.InputTokens,
		"completion_tokens": u.OutputTokens,
		"total_tokens":      u.InputTokens + u.OutputTokens,
	}
	if u.CacheReadInputTokens > 0 {
		out["prompt_tokens_details"] = map[string]any{"cached_tokens": u.CacheReadInputTokens}
	}
	return out
}

func (a *openaiAdapter) ErrorBody(status int, code, message string) []byte {
	return fmt.Appendf(nil, `{"error":{"message":%s,"type":%s,"code":%s}}`,
		quoteJSON(message), quoteJSON(code), quoteJSON(code))
}

// openaiStream emits chat.completion.chunk frames terminated by [DONE].
type openaiStream struct {
	model string
	id    string
}

func (a *openaiAdapter) NewStreamEncoder(model string) StreamEncoder {
	return &openaiStream{model: model}
}

func (s *openaiStream) chunk(delta map[string]any, finish any, usage map[string]any) []byte {
	body := map[string]any{
		"id":      s.id,
		"object":  "chat.completion.chunk",
		"model":   s.model,
		"choices": []map[string]any{{"index": 0, "delta": delta, "finish_reason": finish}},
	}
	if usage != nil {
		body["usage"] = usage
	}
	data, _ := json.Marshal(body)
	return sseFrame("", data)
}

func (s *openaiStream) Encode(ev gateway.StreamEvent) [][]byte {
	switch ev.Type {
	case gateway.EventStart:
		s.id = ev.ID
		return [][]byte{s.chunk(map[string]any{"role": "assistant", "content": ""}, nil, nil)}
	case gateway.EventTextDelta:
		return [][]byte{s.chunk(map[string]any{"content": ev.Text}, nil, nil)}
	case gateway.EventReasoning:
		return [][]byte{s.chunk(map[string]any{"reasoning_content": ev.Text}, nil, nil)}
	case gateway.EventToolDelta:
		call := map[string]any{
			"index":    ev.ToolIndex,
			"function": map[string]any{"arguments": ev.ArgsDelta},
		}
		if ev.ToolID != "" {
			call["id"] = ev.ToolID
			call["type"] = "function"
			call["function"] = map[string]any{"name": ev.ToolName, "arguments": ev.ArgsDelta}
		}
		return [][]byte{s.chunk(map[string]any{"tool_calls": []map[string]any{call}}, nil, nil)}
	case gateway.EventFinish:
		var usage map[string]any
		if ev.Usage != nil {
			usage = openaiUsage(*ev.Usage)
		}
		return [][]byte{s.chunk(map[string]any{}, openaiFinishReason(ev.StopReason), usage)}
	case gateway.EventDone:
		return [][]byte{[]byte("data: [DONE]\n\n")}
	}
	return nil
}
