package dialect

import (
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"

	gateway "github.com/vantagegw/vantage/internal"
)

// geminiAdapter speaks the Gemini generateContent API. The model name and
// the streaming flag live in the URL, not the body; the router sets them
// after parsing.
type geminiAdapter struct{}

func (geminiAdapter) Dialect() gateway.Dialect { return gateway.DialectGemini }

func (a *geminiAdapter) ParseRequest(body []byte) (*gateway.ProxyRequest, error) {
	if !gjson.ValidBytes(body) {
		return nil, parseErr(a.Dialect(), fmt.Errorf("invalid json"))
	}
	r := gjson.ParseBytes(body)

	req := &gateway.ProxyRequest{
		Dialect:   a.Dialect(),
		Body:      body,
		System:    geminiPartsText(r.Get("systemInstruction.parts")),
		MaxTokens: int(r.Get("generationConfig.maxOutputTokens").Int()),
	}
	if tools := r.Get("tools"); tools.Exists() {
		req.Tools = json.RawMessage(tools.Raw)
	}

	r.Get("contents").ForEach(func(_, content gjson.Result) bool {
		role := content.Get("role").String()
		if role == "model" {
			role = "assistant"
		} else if role == "" {
			role = "user"
		}
		msg := gateway.Message{Role: role}
		content.Get("parts").ForEach(func(_, p gjson.Result) bool {
			switch {
			case p.Get("text").Exists():
				msg.Parts = append(msg.Parts, gateway.Part{Type: gateway.PartText, Text: p.Get("text").String()})
			case p.Get("functionCall").Exists():
				msg.Parts = append(msg.Parts, gateway.Part{
					Type:     gateway.PartToolCall,
					ToolName: p.Get("functionCall.name").String(),
					ToolArgs: json.RawMessage(p.Get("functionCall.args").Raw),
				})
			case p.Get("functionResponse").Exists():
				msg.Parts = append(msg.Parts, gateway.Part{
					Type:       gateway.PartToolResult,
					ToolID:     p.Get("functionResponse.name").String(),
					ToolResult: json.RawMessage(p.Get("functionResponse.response").Raw),
				})
			case p.Get("inlineData").Exists():
				msg.Parts = append(msg.Parts, gateway.Part{
					Type:     gateway.PartImage,
					MimeType: p.Get("inlineData.mimeType").String(),
					Data:     p.Get("inlineData.data").String(),
				})
			}
			return true
		})
		req.Messages = append(req.Messages, msg)
		return true
	})
	return req, nil
}

func geminiPartsText(parts gjson.Result) string {
	var out string
	parts.ForEach(func(_, p gjson.Result) bool {
		out += p.Get("text").String()
		return true
	})
	return out
}

func (a *geminiAdapter) EncodeCompletion(c *gateway.Completion) ([]byte, error) {
	var parts []map[string]any
	for _, p := range c.Parts {
		switch p.Type {
		case gateway.PartText:
			parts = append(parts, map[string]any{"text": p.Text})
		case gateway.PartReasoning:
			parts = append(parts, map[string]any{"text": p.Text, "thought": true})
		case gateway.PartToolCall:
			args := p.ToolArgs
			if len(args) == 0 {
				args = json.RawMessage(`{}`)
			}
			parts = append(parts, map[string]any{
				"functionCall": map[string]any{"name": p.ToolName, "args": args},
			})
		}
	}
	return json.Marshal(map[string]any{
		"candidates": []map[string]any{{
			"content":      map[string]any{"role": "model", "parts": parts},
			"finishReason": geminiFinishReason(c.StopReason),
			"index":        0,
		}},
		"usageMetadata": geminiUsage(c.Usage),
		"modelVersion":  c.Model,
	})
}

func geminiFinishReason(canonical string) string {
	if canonical == "length" {
		return "MAX_TOKENS"
	}
	return "STOP"
}

func geminiUsage(u gateway.Usage) map[string]any {
	out := map[string]any{
		"promptTokenCount":     u.InputTokens,
		"candidatesTokenCount": u.OutputTokens,
		"totalTokenCount":      u.Total(),
	}
	if u.CacheReadInputTokens > 0 {
		out["cachedContentTokenCount"] = u.CacheReadInputTokens
	}
	return out
}

func (a *geminiAdapter) ErrorBody(status int, code, message string) []byte {
	return fmt.Appendf(nil, `{"error":{"code":%d,"message":%s,"status":%s}}`,
		status, quoteJSON(message), quoteJSON(code))
}

// geminiStream emits data-only SSE chunks in the generateContent shape.
type geminiStream struct {
	model string
}

func (a *geminiAdapter) NewStreamEncoder(model string) StreamEncoder {
	return &geminiStream{model: model}
}

func (s *geminiStream) chunk(parts []map[string]any, finish string, usage map[string]any) []byte {
	candidate := map[string]any{
		"content": map[string]any{"role": "model", "parts": parts},
		"index":   0,
	}
	if finish != "" {
		candidate["finishReason"] = finish
	}
	body := map[string]any{
		"candidates":   []map[string]any{candidate},
		"modelVersion": s.model,
	}
	if usage != nil {
		body["usageMetadata"] = usage
	}
	data, _ := json.Marshal(body)
	return sseFrame("", data)
}

func (s *geminiStream) Encode(ev gateway.StreamEvent) [][]byte {
	switch ev.Type {
	case gateway.EventTextDelta:
		return [][]byte{s.chunk([]map[string]any{{"text": ev.Text}}, "", nil)}
	case gateway.EventReasoning:
		return [][]byte{s.chunk([]map[string]any{{"text": ev.Text, "thought": true}}, "", nil)}
	case gateway.EventToolDelta:
		return [][]byte{s.chunk([]map[string]any{{
			"functionCall": map[string]any{"name": ev.ToolName, "args": json.RawMessage(nonEmptyJSON(ev.ArgsDelta))},
		}}, "", nil)}
	case gateway.EventFinish:
		var usage map[string]any
		if ev.Usage != nil {
			usage = geminiUsage(*ev.Usage)
		}
		return [][]byte{s.chunk([]map[string]any{}, geminiFinishReason(ev.StopReason), usage)}
	}
	return nil
}

func nonEmptyJSON(s string) string {
	if s == "" || !gjson.Valid(s) {
		return "{}"
	}
	return s
}
