package upstream

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/tidwall/sjson"

	gateway "github.com/vantagegw/vantage/internal"
)

const anthropicVersion = "2023-06-01"

// OutboundRequest is a fully prepared upstream call.
type OutboundRequest struct {
	Method      string
	URL         string
	Header      http.Header
	Body        []byte
	Model       string // model actually sent upstream
	Passthrough bool   // body forwarded in the client's own wire format
	Special     []gateway.SpecialSetting
}

// BuildOptions carries per-request translation inputs.
type BuildOptions struct {
	CacheTTL           string // key preference: "", "5m", "1h"
	CodexInstructions  string // official instructions for force_official
	InjectInstructions bool   // legacy global toggle; applies only when the provider sets no strategy
}

// wireMatches reports whether a provider type speaks the client dialect
// natively, making passthrough possible.
func wireMatches(t gateway.ProviderType, d gateway.Dialect) bool {
	switch d.WireType() {
	case gateway.TypeClaude:
		return t == gateway.TypeClaude || t == gateway.TypeClaudeAuth
	case gateway.TypeGemini:
		return t == gateway.TypeGemini || t == gateway.TypeGeminiCLI
	default:
		return t == d.WireType()
	}
}

// BuildRequest translates the canonical request into the provider's wire
// format, applies model redirects and provider-specific overrides, and
// assembles URL, headers and auth.
func BuildRequest(p *gateway.Provider, req *gateway.ProxyRequest, opts BuildOptions) (*OutboundRequest, error) {
	out := &OutboundRequest{
		Method: http.MethodPost,
		Header: http.Header{},
		Model:  p.RedirectModel(req.Model),
	}
	if out.Model != req.Model {
		out.Special = append(out.Special, gateway.SpecialSetting{Name: "model_redirect", Value: out.Model})
	}

	var err error
	if wireMatches(p.Type, req.Dialect) {
		out.Passthrough = true
		out.Body, err = passthroughBody(p, req, out)
	} else {
		out.Body, err = translateBody(p.Type, req, out.Model)
	}
	if err != nil {
		return nil, err
	}
	if err := applyProviderOverrides(p, req, out, opts); err != nil {
		return nil, err
	}

	out.URL = endpointURL(p, out.Model, req.Stream)
	out.Header.Set("Content-Type", "application/json")
	if req.Stream {
		out.Header.Set("Accept", "text/event-stream")
	}
	applyAuth(p, out.Header)
	return out, nil
}

// passthroughBody forwards the original payload, rewriting only the model
// name. Gemini carries the model in the URL, not the body.
func passthroughBody(p *gateway.Provider, req *gateway.ProxyRequest, out *OutboundRequest) ([]byte, error) {
	body := req.Body
	if out.Model != req.Model && req.Dialect != gateway.DialectGemini {
		rewritten, err := sjson.SetBytes(body, "model", out.Model)
		if err != nil {
			return nil, fmt.Errorf("upstream: model rewrite: %w", err)
		}
		body = rewritten
	}
	return body, nil
}

// applyProviderOverrides layers provider-specific parameter tweaks over
// the outbound body and headers, recording each as a SpecialSetting.
func applyProviderOverrides(p *gateway.Provider, req *gateway.ProxyRequest, out *OutboundRequest, opts BuildOptions) error {
	switch p.Type {
	case gateway.TypeClaude, gateway.TypeClaudeAuth:
		var betas []string
		if p.Context1M {
			betas = append(betas, "context-1m-2025-08-07")
			out.Special = append(out.Special, gateway.SpecialSetting{Name: "context_1m", Value: "true"})
		}
		if opts.CacheTTL == "1h" {
			betas = append(betas, "extended-cache-ttl-2025-04-11")
			out.Special = append(out.Special, gateway.SpecialSetting{Name: "cache_ttl", Value: "1h"})
		}
		if len(betas) > 0 {
			out.Header.Set("anthropic-beta", strings.Join(betas, ","))
		}

	case gateway.TypeCodex:
		// Instructions strategy: force_official replaces whatever the
		// client sent; passthrough leaves it alone. A provider with no
		// strategy of its own defers to the legacy global toggle.
		force := p.CodexStrategy == "force_official" ||
			(p.CodexStrategy == "" && opts.InjectInstructions)
		if force && opts.CodexInstructions != "" && out.Passthrough {
			body, err := sjson.SetBytes(out.Body, "instructions", opts.CodexInstructions)
			if err != nil {
				return fmt.Errorf("upstream: instructions override: %w", err)
			}
			out.Body = body
			out.Special = append(out.Special, gateway.SpecialSetting{Name: "instructions", Value: "force_official"})
		}
		for param, value := range p.ReasoningOverrides {
			path, ok := codexOverridePath(param)
			if !ok {
				continue
			}
			body, err := sjson.SetBytes(out.Body, path, codexOverrideValue(param, value))
			if err != nil {
				return fmt.Errorf("upstream: codex override %s: %w", param, err)
			}
			out.Body = body
			out.Special = append(out.Special, gateway.SpecialSetting{Name: param, Value: value})
		}
	}
	return nil
}

// codexOverridePath maps an admin override name to its Responses API path.
func codexOverridePath(param string) (string, bool) {
	switch param {
	case "reasoning_effort":
		return "reasoning.effort", true
	case "reasoning_summary":
		return "reasoning.summary", true
	case "text_verbosity":
		return "text.verbosity", true
	case "parallel_tool_calls":
		return "parallel_tool_calls", true
	}
	return "", false
}

func codexOverrideValue(param, value string) any {
	if param == "parallel_tool_calls" {
		return value == "true"
	}
	return value
}

// endpointURL assembles the provider-type specific path.
func endpointURL(p *gateway.Provider, model string, stream bool) string {
	base := strings.TrimRight(p.BaseURL, "/")
	switch p.Type {
	case gateway.TypeClaude, gateway.TypeClaudeAuth:
		return base + "/v1/messages"
	case gateway.TypeCodex:
		return base + "/v1/responses"
	case gateway.TypeOpenAI:
		return base + "/v1/chat/completions"
	case gateway.TypeGemini, gateway.TypeGeminiCLI:
		verb := ":generateContent"
		if stream {
			verb = ":streamGenerateContent?alt=sse"
		}
		return base + "/v1beta/models/" + url.PathEscape(model) + verb
	}
	return base
}

// applyAuth injects the provider credential. gemini-cli auth rides on the
// oauth2 transport instead of a static header.
func applyAuth(p *gateway.Provider, h http.Header) {
	switch p.Type {
	case gateway.TypeClaude:
		h.Set("x-api-key", p.APIKey)
		h.Set("anthropic-version", anthropicVersion)
	case gateway.TypeClaudeAuth:
		h.Set("Authorization", "Bearer "+p.APIKey)
		h.Set("anthropic-version", anthropicVersion)
	case gateway.TypeCodex, gateway.TypeOpenAI:
		h.Set("Authorization", "Bearer "+p.APIKey)
	case gateway.TypeGemini:
		h.Set("x-goog-api-key", p.APIKey)
	}
}

// translateBody renders the canonical request in the provider's wire
// format.
func translateBody(t gateway.ProviderType, req *gateway.ProxyRequest, model string) ([]byte, error) {
	switch t {
	case gateway.TypeClaude, gateway.TypeClaudeAuth:
		return encodeAnthropicBody(req, model)
	case gateway.TypeOpenAI:
		return encodeOpenAIBody(req, model)
	case gateway.TypeCodex:
		return encodeResponsesBody(req, model)
	case gateway.TypeGemini, gateway.TypeGeminiCLI:
		return encodeGeminiBody(req)
	}
	return nil, fmt.Errorf("upstream: no translator for provider type %q", t)
}

func encodeAnthropicBody(req *gateway.ProxyRequest, model string) ([]byte, error) {
	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = 4096 // required by the Messages API
	}
	body := map[string]any{
		"model":      model,
		"max_tokens": maxTokens,
		"stream":     req.Stream,
	}
	if req.System != "" {
		body["system"] = req.System
	}
	if len(req.Tools) > 0 && req.Dialect == gateway.DialectAnthropic {
		body["tools"] = req.Tools
	}
	var msgs []map[string]any
	for _, m := range req.Messages {
		role := m.Role
		if role == "tool" {
			role = "user"
		}
		var content []map[string]any
		for _, p := range m.Parts {
			switch p.Type {
			case gateway.PartText:
				content = append(content, map[string]any{"type": "text", "text": p.Text})
			case gateway.PartToolCall:
				args := p.ToolArgs
				if len(args) == 0 {
					args = json.RawMessage(`{}`)
				}
				content = append(content, map[string]any{"type": "tool_use", "id": p.ToolID, "name": p.ToolName, "input": args})
			case gateway.PartToolResult:
				content = append(content, map[string]any{"type": "tool_result", "tool_use_id": p.ToolID, "content": p.ToolResult})
			case gateway.PartImage:
				content = append(content, map[string]any{"type": "image", "source": map[string]any{
					"type": "base64", "media_type": p.MimeType, "data": p.Data,
				}})
			}
		}
		if len(content) == 0 {
			continue
		}
		msgs = append(msgs, map[string]any{"role": role, "content": content})
	}
	body["messages"] = msgs
	return json.Marshal(body)
}

func encodeOpenAIBody(req *gateway.ProxyRequest, model string) ([]byte, error) {
	body := map[string]any{
		"model":  model,
		"stream": req.Stream,
	}
	if req.MaxTokens > 0 {
		body["max_completion_tokens"] = req.MaxTokens
	}
	var msgs []map[string]any
	if req.System != "" {
		msgs = append(msgs, map[string]any{"role": "system", "content": req.System})
	}
	for _, m := range req.Messages {
		msg := map[string]any{"role": m.Role}
		var text string
		var toolCalls []map[string]any
		for _, p := range m.Parts {
			switch p.Type {
			case gateway.PartText, gateway.PartReasoning:
				text += p.Text
			case gateway.PartToolCall:
				args := string(p.ToolArgs)
				if args == "" {
					args = "{}"
				}
				toolCalls = append(toolCalls, map[string]any{
					"id": p.ToolID, "type": "function",
					"function": map[string]any{"name": p.ToolName, "arguments": args},
				})
			case gateway.PartToolResult:
				msg["role"] = "tool"
				msg["tool_call_id"] = p.ToolID
				text += rawToText(p.ToolResult)
			}
		}
		if len(toolCalls) > 0 {
			msg["tool_calls"] = toolCalls
		}
		msg["content"] = text
		msgs = append(msgs, msg)
	}
	body["messages"] = msgs
	return json.Marshal(body)
}

func encodeResponsesBody(req *gateway.ProxyRequest, model string) ([]byte, error) {
	body := map[string]any{
		"model":  model,
		"stream": req.Stream,
	}
	if req.MaxTokens > 0 {
		body["max_output_tokens"] = req.MaxTokens
	}
	if req.System != "" {
		body["instructions"] = req.System
	}
	var input []map[string]any
	for _, m := range req.Messages {
		for _, p := range m.Parts {
			switch p.Type {
			case gateway.PartText, gateway.PartReasoning:
				ctype := "input_text"
				if m.Role == "assistant" {
					ctype = "output_text"
				}
				input = append(input, map[string]any{
					"type": "message", "role": m.Role,
					"content": []map[string]any{{"type": ctype, "text": p.Text}},
				})
			case gateway.PartToolCall:
				input = append(input, map[string]any{
					"type": "function_call", "call_id": p.ToolID,
					"name": p.ToolName, "arguments": string(p.ToolArgs),
				})
			case gateway.PartToolResult:
				input = append(input, map[string]any{
					"type": "function_call_output", "call_id": p.ToolID,
					"output": rawToText(p.ToolResult),
				})
			}
		}
	}
	body["input"] = input
	return json.Marshal(body)
}

func encodeGeminiBody(req *gateway.ProxyRequest) ([]byte, error) {
	body := map[string]any{}
	if req.System != "" {
		body["systemInstruction"] = map[string]any{"parts": []map[string]any{{"text": req.System}}}
	}
	if req.MaxTokens > 0 {
		body["generationConfig"] = map[string]any{"maxOutputTokens": req.MaxTokens}
	}
	var contents []map[string]any
	for _, m := range req.Messages {
		role := "user"
		if m.Role == "assistant" {
			role = "model"
		}
		var parts []map[string]any
		for _, p := range m.Parts {
			switch p.Type {
			case gateway.PartText, gateway.PartReasoning:
				parts = append(parts, map[string]any{"text": p.Text})
			case gateway.PartToolCall:
				args := p.ToolArgs
				if len(args) == 0 {
					args = json.RawMessage(`{}`)
				}
				parts = append(parts, map[string]any{"functionCall": map[string]any{"name": p.ToolName, "args": args}})
			case gateway.PartToolResult:
				parts = append(parts, map[string]any{"functionResponse": map[string]any{
					"name": p.ToolID, "response": normalizeJSONObject(p.ToolResult),
				}})
			case gateway.PartImage:
				parts = append(parts, map[string]any{"inlineData": map[string]any{
					"mimeType": p.MimeType, "data": p.Data,
				}})
			}
		}
		if len(parts) == 0 {
			continue
		}
		contents = append(contents, map[string]any{"role": role, "parts": parts})
	}
	body["contents"] = contents
	return json.Marshal(body)
}

// rawToText unwraps a raw JSON string, else returns the raw text.
func rawToText(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

// normalizeJSONObject wraps non-object tool results for Gemini, which
// requires functionResponse.response to be an object.
func normalizeJSONObject(raw json.RawMessage) json.RawMessage {
	trimmed := strings.TrimSpace(string(raw))
	if strings.HasPrefix(trimmed, "{") {
		return raw
	}
	wrapped, _ := json.Marshal(map[string]any{"result": rawToText(raw)})
	return wrapped
}
