package upstream

import (
	"fmt"

	"github.com/tidwall/gjson"

	gateway "github.com/vantagegw/vantage/internal"
)

// StreamDecoder turns one upstream SSE event into canonical stream events.
// Decoders are stateful and per-request.
type StreamDecoder interface {
	Decode(ev *SSEEvent) ([]gateway.StreamEvent, error)
}

// NewStreamDecoder returns the decoder for a provider type.
func NewStreamDecoder(t gateway.ProviderType) StreamDecoder {
	switch t {
	case gateway.TypeClaude, gateway.TypeClaudeAuth:
		return &anthropicDecoder{}
	case gateway.TypeOpenAI:
		return &openaiDecoder{}
	case gateway.TypeCodex:
		return &responsesDecoder{}
	case gateway.TypeGemini, gateway.TypeGeminiCLI:
		return &geminiDecoder{}
	}
	return nil
}

// DecodeCompletion parses a non-streaming upstream body.
func DecodeCompletion(t gateway.ProviderType, body []byte) (*gateway.Completion, error) {
	switch t {
	case gateway.TypeClaude, gateway.TypeClaudeAuth:
		return decodeAnthropicCompletion(body)
	case gateway.TypeOpenAI:
		return decodeOpenAICompletion(body)
	case gateway.TypeCodex:
		return decodeResponsesCompletion(body)
	case gateway.TypeGemini, gateway.TypeGeminiCLI:
		return decodeGeminiCompletion(body)
	}
	return nil, fmt.Errorf("upstream: no decoder for provider type %q", t)
}

// --- anthropic ---

// anthropicUsageFrom reads the Messages API usage object, including the
// split cache-creation breakdown when present.
func anthropicUsageFrom(u gjson.Result) gateway.Usage {
	usage := gateway.Usage{
		InputTokens:          int(u.Get("input_tokens").Int()),
		OutputTokens:         int(u.Get("output_tokens").Int()),
		CacheReadInputTokens: int(u.Get("cache_read_input_tokens").Int()),
	}
	if cc := u.Get("cache_creation"); cc.Exists() {
		usage.CacheCreation5mInputTokens = int(cc.Get("ephemeral_5m_input_tokens").Int())
		usage.CacheCreation1hInputTokens = int(cc.Get("ephemeral_1h_input_tokens").Int())
	} else {
		usage.CacheCreation5mInputTokens = int(u.Get("cache_creation_input_tokens").Int())
	}
	return usage
}

func anthropicStopFrom(s string) string {
	switch s {
	case "max_tokens":
		return "length"
	case "tool_use":
		return "tool_calls"
	case "":
		return ""
	}
	return "stop"
}

func decodeAnthropicCompletion(body []byte) (*gateway.Completion, error) {
	root := gjson.ParseBytes(body)
	if root.Get("type").String() == "error" {
		return nil, fmt.Errorf("upstream: anthropic error: %s", root.Get("error.message").String())
	}
	c := &gateway.Completion{
		ID:         root.Get("id").String(),
		Model:      root.Get("model").String(),
		StopReason: anthropicStopFrom(root.Get("stop_reason").String()),
		Usage:      anthropicUsageFrom(root.Get("usage")),
	}
	for _, block := range root.Get("content").Array() {
		switch block.Get("type").String() {
		case "text":
			c.Parts = append(c.Parts, gateway.Part{Type: gateway.PartText, Text: block.Get("text").String()})
		case "thinking":
			c.Parts = append(c.Parts, gateway.Part{Type: gateway.PartReasoning, Text: block.Get("thinking").String()})
		case "tool_use":
			c.Parts = append(c.Parts, gateway.Part{
				Type:     gateway.PartToolCall,
				ToolID:   block.Get("id").String(),
				ToolName: block.Get("name").String(),
				ToolArgs: rawOf(block.Get("input")),
			})
		}
	}
	return c, nil
}

// anthropicDecoder tracks the content block index so deltas map to the
// right tool call.
type anthropicDecoder struct {
	toolIdx  map[int]int // content block index -> tool index
	nextTool int
	stop     string
	usage    gateway.Usage
}

func (d *anthropicDecoder) Decode(ev *SSEEvent) ([]gateway.StreamEvent, error) {
	root := gjson.ParseBytes(ev.Data)
	typ := ev.Name
	if typ == "" {
		typ = root.Get("type").String()
	}
	switch typ {
	case "message_start":
		msg := root.Get("message")
		d.usage = anthropicUsageFrom(msg.Get("usage"))
		u := d.usage
		return []gateway.StreamEvent{{
			Type:  gateway.EventStart,
			ID:    msg.Get("id").String(),
			Model: msg.Get("model").String(),
			Usage: &u,
		}}, nil

	case "content_block_start":
		block := root.Get("content_block")
		if block.Get("type").String() != "tool_use" {
			return nil, nil
		}
		if d.toolIdx == nil {
			d.toolIdx = make(map[int]int)
		}
		idx := int(root.Get("index").Int())
		d.toolIdx[idx] = d.nextTool
		d.nextTool++
		return []gateway.StreamEvent{{
			Type:      gateway.EventToolDelta,
			ToolIndex: d.toolIdx[idx],
			ToolID:    block.Get("id").String(),
			ToolName:  block.Get("name").String(),
		}}, nil

	case "content_block_delta":
		delta := root.Get("delta")
		switch delta.Get("type").String() {
		case "text_delta":
			return []gateway.StreamEvent{{Type: gateway.EventTextDelta, Text: delta.Get("text").String()}}, nil
		case "thinking_delta":
			return []gateway.StreamEvent{{Type: gateway.EventReasoning, Text: delta.Get("thinking").String()}}, nil
		case "input_json_delta":
			idx := int(root.Get("index").Int())
			return []gateway.StreamEvent{{
				Type:      gateway.EventToolDelta,
				ToolIndex: d.toolIdx[idx],
				ArgsDelta: delta.Get("partial_json").String(),
			}}, nil
		}
		return nil, nil

	case "message_delta":
		d.stop = anthropicStopFrom(root.Get("delta.stop_reason").String())
		d.usage.OutputTokens = int(root.Get("usage.output_tokens").Int())
		return nil, nil

	case "message_stop":
		u := d.usage
		return []gateway.StreamEvent{
			{Type: gateway.EventFinish, StopReason: d.stop, Usage: &u},
			{Type: gateway.EventDone},
		}, nil

	case "error":
		return nil, fmt.Errorf("upstream: anthropic stream error: %s", root.Get("error.message").String())
	}
	return nil, nil
}

// --- openai chat completions ---

func openaiUsageFrom(u gjson.Result) gateway.Usage {
	return gateway.Usage{
		InputTokens:          int(u.Get("prompt_tokens").Int()) - int(u.Get("prompt_tokens_details.cached_tokens").Int()),
		OutputTokens:         int(u.Get("completion_tokens").Int()),
		CacheReadInputTokens: int(u.Get("prompt_tokens_details.cached_tokens").Int()),
	}
}

func openaiStopFrom(s string) string {
	switch s {
	case "length":
		return "length"
	case "tool_calls", "function_call":
		return "tool_calls"
	case "":
		return ""
	}
	return "stop"
}

func decodeOpenAICompletion(body []byte) (*gateway.Completion, error) {
	root := gjson.ParseBytes(body)
	if e := root.Get("error.message"); e.Exists() {
		return nil, fmt.Errorf("upstream: openai error: %s", e.String())
	}
	choice := root.Get("choices.0")
	c := &gateway.Completion{
		ID:         root.Get("id").String(),
		Model:      root.Get("model").String(),
		StopReason: openaiStopFrom(choice.Get("finish_reason").String()),
		Usage:      openaiUsageFrom(root.Get("usage")),
	}
	msg := choice.Get("message")
	if r := msg.Get("reasoning_content"); r.Exists() && r.String() != "" {
		c.Parts = append(c.Parts, gateway.Part{Type: gateway.PartReasoning, Text: r.String()})
	}
	if text := msg.Get("content"); text.Type == gjson.String && text.String() != "" {
		c.Parts = append(c.Parts, gateway.Part{Type: gateway.PartText, Text: text.String()})
	}
	for _, tc := range msg.Get("tool_calls").Array() {
		c.Parts = append(c.Parts, gateway.Part{
			Type:     gateway.PartToolCall,
			ToolID:   tc.Get("id").String(),
			ToolName: tc.Get("function.name").String(),
			ToolArgs: rawOf(tc.Get("function.arguments")),
		})
	}
	return c, nil
}

type openaiDecoder struct {
	started bool
	stop    string
	usage   *gateway.Usage
}

func (d *openaiDecoder) Decode(ev *SSEEvent) ([]gateway.StreamEvent, error) {
	if string(ev.Data) == "[DONE]" {
		var out []gateway.StreamEvent
		if d.stop != "" || d.usage != nil {
			out = append(out, gateway.StreamEvent{Type: gateway.EventFinish, StopReason: d.stop, Usage: d.usage})
		}
		return append(out, gateway.StreamEvent{Type: gateway.EventDone}), nil
	}
	root := gjson.ParseBytes(ev.Data)
	if e := root.Get("error.message"); e.Exists() {
		return nil, fmt.Errorf("upstream: openai stream error: %s", e.String())
	}

	var out []gateway.StreamEvent
	if !d.started {
		d.started = true
		out = append(out, gateway.StreamEvent{
			Type:  gateway.EventStart,
			ID:    root.Get("id").String(),
			Model: root.Get("model").String(),
		})
	}
	choice := root.Get("choices.0")
	delta := choice.Get("delta")
	if r := delta.Get("reasoning_content"); r.Exists() && r.String() != "" {
		out = append(out, gateway.StreamEvent{Type: gateway.EventReasoning, Text: r.String()})
	}
	if text := delta.Get("content"); text.Type == gjson.String && text.String() != "" {
		out = append(out, gateway.StreamEvent{Type: gateway.EventTextDelta, Text: text.String()})
	}
	for _, tc := range delta.Get("tool_calls").Array() {
		out = append(out, gateway.StreamEvent{
			Type:      gateway.EventToolDelta,
			ToolIndex: int(tc.Get("index").Int()),
			ToolID:    tc.Get("id").String(),
			ToolName:  tc.Get("function.name").String(),
			ArgsDelta: tc.Get("function.arguments").String(),
		})
	}
	if fr := choice.Get("finish_reason"); fr.Exists() && fr.String() != "" {
		d.stop = openaiStopFrom(fr.String())
	}
	if u := root.Get("usage"); u.Exists() && u.Type != gjson.Null {
		usage := openaiUsageFrom(u)
		d.usage = &usage
	}
	return out, nil
}

// --- openai responses ---

func responsesUsageFrom(u gjson.Result) gateway.Usage {
	cached := int(u.Get("input_tokens_details.cached_tokens").Int())
	return gateway.Usage{
		InputTokens:          int(u.Get("input_tokens").Int()) - cached,
		OutputTokens:         int(u.Get("output_tokens").Int()),
		CacheReadInputTokens: cached,
	}
}

func decodeResponsesCompletion(body []byte) (*gateway.Completion, error) {
	root := gjson.ParseBytes(body)
	if e := root.Get("error.message"); e.Exists() {
		return nil, fmt.Errorf("upstream: responses error: %s", e.String())
	}
	c := &gateway.Completion{
		ID:         root.Get("id").String(),
		Model:      root.Get("model").String(),
		StopReason: "stop",
		Usage:      responsesUsageFrom(root.Get("usage")),
	}
	if root.Get("status").String() == "incomplete" {
		c.StopReason = "length"
	}
	for _, item := range root.Get("output").Array() {
		switch item.Get("type").String() {
		case "message":
			for _, part := range item.Get("content").Array() {
				if part.Get("type").String() == "output_text" {
					c.Parts = append(c.Parts, gateway.Part{Type: gateway.PartText, Text: part.Get("text").String()})
				}
			}
		case "reasoning":
			for _, s := range item.Get("summary").Array() {
				c.Parts = append(c.Parts, gateway.Part{Type: gateway.PartReasoning, Text: s.Get("text").String()})
			}
		case "function_call":
			c.StopReason = "tool_calls"
			c.Parts = append(c.Parts, gateway.Part{
				Type:     gateway.PartToolCall,
				ToolID:   item.Get("call_id").String(),
				ToolName: item.Get("name").String(),
				ToolArgs: rawOf(item.Get("arguments")),
			})
		}
	}
	return c, nil
}

type responsesDecoder struct {
	toolIdx  map[string]int // item id -> tool index
	nextTool int
}

func (d *responsesDecoder) Decode(ev *SSEEvent) ([]gateway.StreamEvent, error) {
	root := gjson.ParseBytes(ev.Data)
	typ := ev.Name
	if typ == "" {
		typ = root.Get("type").String()
	}
	switch typ {
	case "response.created":
		resp := root.Get("response")
		return []gateway.StreamEvent{{
			Type:  gateway.EventStart,
			ID:    resp.Get("id").String(),
			Model: resp.Get("model").String(),
		}}, nil

	case "response.output_text.delta":
		return []gateway.StreamEvent{{Type: gateway.EventTextDelta, Text: root.Get("delta").String()}}, nil

	case "response.reasoning_summary_text.delta":
		return []gateway.StreamEvent{{Type: gateway.EventReasoning, Text: root.Get("delta").String()}}, nil

	case "response.output_item.added":
		item := root.Get("item")
		if item.Get("type").String() != "function_call" {
			return nil, nil
		}
		if d.toolIdx == nil {
			d.toolIdx = make(map[string]int)
		}
		id := item.Get("id").String()
		d.toolIdx[id] = d.nextTool
		d.nextTool++
		return []gateway.StreamEvent{{
			Type:      gateway.EventToolDelta,
			ToolIndex: d.toolIdx[id],
			ToolID:    item.Get("call_id").String(),
			ToolName:  item.Get("name").String(),
		}}, nil

	case "response.function_call_arguments.delta":
		return []gateway.StreamEvent{{
			Type:      gateway.EventToolDelta,
			ToolIndex: d.toolIdx[root.Get("item_id").String()],
			ArgsDelta: root.Get("delta").String(),
		}}, nil

	case "response.completed", "response.incomplete":
		resp := root.Get("response")
		usage := responsesUsageFrom(resp.Get("usage"))
		stop := "stop"
		if typ == "response.incomplete" {
			stop = "length"
		} else if d.nextTool > 0 {
			stop = "tool_calls"
		}
		return []gateway.StreamEvent{
			{Type: gateway.EventFinish, StopReason: stop, Usage: &usage},
			{Type: gateway.EventDone},
		}, nil

	case "response.failed", "error":
		return nil, fmt.Errorf("upstream: responses stream error: %s", root.Get("response.error.message").String())
	}
	return nil, nil
}

// --- gemini ---

func geminiUsageFrom(u gjson.Result) gateway.Usage {
	cached := int(u.Get("cachedContentTokenCount").Int())
	return gateway.Usage{
		InputTokens:          int(u.Get("promptTokenCount").Int()) - cached,
		OutputTokens:         int(u.Get("candidatesTokenCount").Int()),
		CacheReadInputTokens: cached,
	}
}

func geminiStopFrom(s string) string {
	switch s {
	case "MAX_TOKENS":
		return "length"
	case "":
		return ""
	}
	return "stop"
}

func geminiParts(content gjson.Result) (parts []gateway.Part, sawTool bool) {
	for _, p := range content.Get("parts").Array() {
		switch {
		case p.Get("functionCall").Exists():
			fc := p.Get("functionCall")
			sawTool = true
			parts = append(parts, gateway.Part{
				Type:     gateway.PartToolCall,
				ToolName: fc.Get("name").String(),
				ToolArgs: rawOf(fc.Get("args")),
			})
		case p.Get("thought").Bool():
			parts = append(parts, gateway.Part{Type: gateway.PartReasoning, Text: p.Get("text").String()})
		case p.Get("text").Exists():
			parts = append(parts, gateway.Part{Type: gateway.PartText, Text: p.Get("text").String()})
		}
	}
	return parts, sawTool
}

func decodeGeminiCompletion(body []byte) (*gateway.Completion, error) {
	root := gjson.ParseBytes(body)
	if e := root.Get("error.message"); e.Exists() {
		return nil, fmt.Errorf("upstream: gemini error: %s", e.String())
	}
	cand := root.Get("candidates.0")
	c := &gateway.Completion{
		Model:      root.Get("modelVersion").String(),
		StopReason: geminiStopFrom(cand.Get("finishReason").String()),
		Usage:      geminiUsageFrom(root.Get("usageMetadata")),
	}
	var sawTool bool
	c.Parts, sawTool = geminiParts(cand.Get("content"))
	if sawTool {
		c.StopReason = "tool_calls"
	}
	if c.StopReason == "" {
		c.StopReason = "stop"
	}
	return c, nil
}

type geminiDecoder struct {
	started  bool
	nextTool int
	usage    gateway.Usage
	stop     string
	sawTool  bool
}

func (d *geminiDecoder) Decode(ev *SSEEvent) ([]gateway.StreamEvent, error) {
	root := gjson.ParseBytes(ev.Data)
	if e := root.Get("error.message"); e.Exists() {
		return nil, fmt.Errorf("upstream: gemini stream error: %s", e.String())
	}
	var out []gateway.StreamEvent
	if !d.started {
		d.started = true
		out = append(out, gateway.StreamEvent{
			Type:  gateway.EventStart,
			Model: root.Get("modelVersion").String(),
		})
	}
	cand := root.Get("candidates.0")
	parts, sawTool := geminiParts(cand.Get("content"))
	d.sawTool = d.sawTool || sawTool
	for _, p := range parts {
		switch p.Type {
		case gateway.PartText:
			out = append(out, gateway.StreamEvent{Type: gateway.EventTextDelta, Text: p.Text})
		case gateway.PartReasoning:
			out = append(out, gateway.StreamEvent{Type: gateway.EventReasoning, Text: p.Text})
		case gateway.PartToolCall:
			out = append(out, gateway.StreamEvent{
				Type:      gateway.EventToolDelta,
				ToolIndex: d.nextTool,
				ToolName:  p.ToolName,
				ArgsDelta: string(p.ToolArgs),
			})
			d.nextTool++
		}
	}
	if u := root.Get("usageMetadata"); u.Exists() {
		d.usage = geminiUsageFrom(u)
	}
	if fr := cand.Get("finishReason"); fr.Exists() {
		d.stop = geminiStopFrom(fr.String())
		if d.sawTool {
			d.stop = "tool_calls"
		}
		u := d.usage
		out = append(out,
			gateway.StreamEvent{Type: gateway.EventFinish, StopReason: d.stop, Usage: &u},
			gateway.StreamEvent{Type: gateway.EventDone},
		)
	}
	return out, nil
}

// rawOf returns a gjson node's raw JSON, defaulting to an empty object.
func rawOf(r gjson.Result) []byte {
	if !r.Exists() || r.Raw == "" {
		return []byte(`{}`)
	}
	if r.Type == gjson.String {
		// arguments arrive as a JSON-encoded string of JSON
		return []byte(r.String())
	}
	return []byte(r.Raw)
}
