// Package dialect translates between the four supported client wire
// formats and the gateway's canonical request/response model. Each adapter
// owns request parsing, response encoding, streaming re-encoding and the
// dialect's native error envelope.
package dialect

import (
	"fmt"
	"strconv"

	gateway "github.com/vantagegw/vantage/internal"
)

// StreamEncoder re-encodes canonical stream events into one dialect's SSE
// frames. Encoders are stateful (block indexes, open events) and are
// created per request.
type StreamEncoder interface {
	// Encode returns zero or more complete SSE frames for the event.
	Encode(ev gateway.StreamEvent) [][]byte
}

// Adapter is one client dialect.
type Adapter interface {
	Dialect() gateway.Dialect

	// ParseRequest decodes an inbound body into the canonical request.
	// The Gemini adapter leaves Model and Stream unset; the router fills
	// them from the URL.
	ParseRequest(body []byte) (*gateway.ProxyRequest, error)

	// EncodeCompletion renders a canonical completion in the dialect's
	// non-streaming response shape.
	EncodeCompletion(c *gateway.Completion) ([]byte, error)

	// NewStreamEncoder starts a streaming re-encode for one response.
	NewStreamEncoder(model string) StreamEncoder

	// ErrorBody renders the dialect's native error envelope.
	ErrorBody(status int, code, message string) []byte
}

var adapters = map[gateway.Dialect]Adapter{
	gateway.DialectAnthropic: &anthropicAdapter{},
	gateway.DialectOpenAI:    &openaiAdapter{},
	gateway.DialectResponses: &responsesAdapter{},
	gateway.DialectGemini:    &geminiAdapter{},
}

// For returns the adapter for a dialect.
func For(d gateway.Dialect) (Adapter, bool) {
	a, ok := adapters[d]
	return a, ok
}

// sseFrame builds one SSE frame. A non-empty event name adds the event
// line; data must be a single line of JSON.
func sseFrame(event string, data []byte) []byte {
	if event == "" {
		out := make([]byte, 0, len(data)+8)
		out = append(out, "data: "...)
		out = append(out, data...)
		return append(out, '\n', '\n')
	}
	out := make([]byte, 0, len(event)+len(data)+16)
	out = append(out, "event: "...)
	out = append(out, event...)
	out = append(out, '\n')
	out = append(out, "data: "...)
	out = append(out, data...)
	return append(out, '\n', '\n')
}

func parseErr(d gateway.Dialect, err error) error {
	return fmt.Errorf("dialect %s: %w: %v", d, gateway.ErrBadRequest, err)
}

// quoteJSON is a tiny helper for hand-assembled envelopes.
func quoteJSON(s string) string {
	return strconv.Quote(s)
}
