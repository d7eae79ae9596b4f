package dialect

import (
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"

	gateway "github.com/vantagegw/vantage/internal"
)

// responsesAdapter speaks the OpenAI Responses API used by Codex clients.
type responsesAdapter struct{}

func (responsesAdapter) Dialect() gateway.Dialect { return gateway.DialectResponses }

type responsesWireReq struct {
	Model              string          `json:"model"`
	Stream             bool            `json:"stream"`
	Instructions       string          `json:"instructions"`
	Input              json.RawMessage `json:"input"`
	Tools              json.RawMessage `json:"tools"`
	MaxOutputTokens    int             `json:"max_output_tokens"`
	PreviousResponseID string          `json:"previous_response_id"`
	PromptCacheKey     string          `json:"prompt_cache_key"`
	Metadata           struct {
		SessionID string `json:"session_id"`
	} `json:"metadata"`
}

func (a *responsesAdapter) ParseRequest(body []byte) (*gateway.ProxyRequest, error) {
	var wire responsesWireReq
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, parseErr(a.Dialect(), err)
	}
	if wire.Model == "" {
		return nil, parseErr(a.Dialect(), fmt.Errorf("missing model"))
	}

	req := &gateway.ProxyRequest{
		Dialect:            a.Dialect(),
		Model:              wire.Model,
		Stream:             wire.Stream,
		Body:               body,
		System:             wire.Instructions,
		Instructions:       wire.Instructions,
		MaxTokens:          wire.MaxOutputTokens,
		Tools:              wire.Tools,
		PreviousResponseID: wire.PreviousResponseID,
		PromptCacheKey:     wire.PromptCacheKey,
		MetadataSessionID:  wire.Metadata.SessionID,
	}
	req.Messages = parseResponsesInput(wire.Input)
	return req, nil
}

// parseResponsesInput handles the string form and the item-array form.
func parseResponsesInput(raw json.RawMessage) []gateway.Message {
	if len(raw) == 0 {
		return nil
	}
	r := gjson.ParseBytes(raw)
	if r.Type == gjson.String {
		return []gateway.Message{{Role: "user", Parts: []gateway.Part{{Type: gateway.PartText, Text: r.String()}}}}
	}
	var msgs []gateway.Message
	r.ForEach(func(_, item gjson.Result) bool {
		switch item.Get("type").String() {
		case "message", "":
			msg := gateway.Message{Role: item.Get("role").String()}
			content := item.Get("content")
			if content.Type == gjson.String {
				msg.Parts = append(msg.Parts, gateway.Part{Type: gateway.PartText, Text: content.String()})
			} else {
				content.ForEach(func(_, p gjson.Result) bool {
					switch p.Get("type").String() {
					case "input_text", "output_text", "text":
						msg.Parts = append(msg.Parts, gateway.Part{Type: gateway.PartText, Text: p.Get("text").String()})
					case "input_image":
						msg.Parts = append(msg.Parts, gateway.Part{Type: gateway.PartImage, Data: p.Get("image_url").String()})
					}
					return true
				})
			}
			msgs = append(msgs, msg)
		case "function_call":
			msgs = append(msgs, gateway.Message{Role: "assistant", Parts: []gateway.Part{{
				Type:     gateway.PartToolCall,
				ToolID:   item.Get("call_id").String(),
				ToolName: item.Get("name").String(),
				ToolArgs: json.RawMessage(quoteJSON(item.Get("arguments").String())),
			}}})
		case "function_call_output":
			msgs = append(msgs, gateway.Message{Role: "tool", Parts: []gateway.Part{{
				Type:       gateway.PartToolResult,
				ToolID:     item.Get("call_id").String(),
				ToolResult: json.RawMessage(quoteJSON(item.Get("output").String())),
			}}})
		}
		return true
	})
	return msgs
}

func (a *responsesAdapter) EncodeCompletion(c *gateway.Completion) ([]byte, error) {
	var output []map[string]any
	var content []map[string]any
	for _, p := range c.Parts {
		switch p.Type {
		case gateway.PartText:
			content = append(content, map[string]any{"type": "output_text", "text": p.Text})
		case gateway.PartReasoning:
			output = append(output, map[string]any{
				"type":    "reasoning",
				"summary": []map[string]any{{"type": "summary_text", "text": p.Text}},
			})
		case gateway.PartToolCall:
			output = append(output, map[string]any{
				"type":      "function_call",
				"call_id":   p.ToolID,
				"name":      p.ToolName,
				"arguments": string(p.ToolArgs),
			})
		}
	}
	if len(content) > 0 {
		output = append(output, map[string]any{
			"type":    "message",
			"id":      c.ID + "_msg",
			"role":    "assistant",
			"content": content,
		})
	}

	return json.Marshal(map[string]any{
		"id":     c.ID,
		"object": "response",
		"status": "completed",
		"model":  c.Model,
		"output": output,
		"usage": map[string]any{
			"input_tokens":  c.Usage.InputTokens,
			"output_tokens": c.Usage.OutputTokens,
			"total_tokens":  c.Usage.InputTokens + c.Usage.OutputTokens,
		},
	})
}

func (a *responsesAdapter) ErrorBody(status int, code, message string) []byte {
	return fmt.Appendf(nil, `{"error":{"message":%s,"type":%s,"code":%s}}`,
		quoteJSON(message), quoteJSON(code), quoteJSON(code))
}

// responsesStream emits the Responses API event sequence.
type responsesStream struct {
	model string
	id    string
	text  string
}

func (a *responsesAdapter) NewStreamEncoder(model string) StreamEncoder {
	return &responsesStream{model: model}
}

func (s *responsesStream) Encode(ev gateway.StreamEvent) [][]byte {
	switch ev.Type {
	case gateway.EventStart:
		s.id = ev.ID
		data, _ := json.Marshal(map[string]any{
			"type":     "response.created",
			"response": map[string]any{"id": s.id, "object": "response", "status": "in_progress", "model": s.model},
		})
		return [][]byte{sseFrame("response.created", data)}
	case gateway.EventTextDelta:
		s.text += ev.Text
		data, _ := json.Marshal(map[string]any{
			"type":  "response.output_text.delta",
			"delta": ev.Text,
		})
		return [][]byte{sseFrame("response.output_text.delta", data)}
	case gateway.EventReasoning:
		data, _ := json.Marshal(map[string]any{
			"type":  "response.reasoning_summary_text.delta",
			"delta": ev.Text,
		})
		return [][]byte{sseFrame("response.reasoning_summary_text.delta", data)}
	case gateway.EventToolDelta:
		data, _ := json.Marshal(map[string]any{
			"type":  "response.function_call_arguments.delta",
			"delta": ev.ArgsDelta,
		})
		return [][]byte{sseFrame("response.function_call_arguments.delta", data)}
	case gateway.EventFinish, gateway.EventDone:
		if ev.Type == gateway.EventDone && s.id == "" {
			return nil
		}
		resp := map[string]any{
			"id":     s.id,
			"object": "response",
			"status": "completed",
			"model":  s.model,
		}
		if ev.Usage != nil {
			resp["usage"] = map[string]any{
				"input_tokens":  ev.Usage.InputTokens,
				"output_tokens": ev.Usage.OutputTokens,
				"total_tokens":  ev.Usage.InputTokens + ev.Usage.OutputTokens,
			}
		}
		data, _ := json.Marshal(map[string]any{"type": "response.completed", "response": resp})
		s.id = "" // emit response.completed once
		return [][]byte{sseFrame("response.completed", data)}
	}
	return nil
}
