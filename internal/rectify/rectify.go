// Package rectify repairs a closed set of well-known upstream response
// corruptions: truncated JSON tails, malformed SSE framing, and non-UTF-8
// bodies. Every repair is conservative: when in doubt, the original bytes
// are returned untouched.
package rectify

import (
	"bytes"
	"encoding/json"
	"mime"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding/htmlindex"
)

const (
	// DefaultMaxDepth caps the nesting the JSON balancer will track.
	DefaultMaxDepth = 200
	// DefaultMaxBytes caps the body size the JSON balancer will touch.
	DefaultMaxBytes = 1 << 20
)

// Rectifier holds the repair limits. The zero value is disabled; use New.
type Rectifier struct {
	Enabled  bool
	MaxDepth int
	MaxBytes int
}

// New returns a Rectifier with the default caps.
func New(enabled bool) *Rectifier {
	return &Rectifier{Enabled: enabled, MaxDepth: DefaultMaxDepth, MaxBytes: DefaultMaxBytes}
}

// RepairJSON balances braces, brackets and quotes at the tail of a
// truncated JSON body. Valid input is returned unchanged; if the repair
// does not yield valid JSON, the original bytes are returned.
func (r *Rectifier) RepairJSON(body []byte) []byte {
	if !r.Enabled || len(body) == 0 || len(body) > r.MaxBytes {
		return body
	}
	if json.Valid(body) {
		return body
	}
	repaired, ok := balance(body, r.MaxDepth)
	if !ok || !json.Valid(repaired) {
		return body
	}
	return repaired
}

// balance walks the body tracking string and nesting state, then closes
// whatever is left open. Reports false when the depth cap is hit or the
// structure is beyond a tail truncation (e.g. mismatched closers).
func balance(body []byte, maxDepth int) ([]byte, bool) {
	var stack []byte
	inString := false
	escaped := false

	for _, c := range body {
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{', '[':
			if len(stack) >= maxDepth {
				return nil, false
			}
			stack = append(stack, c)
		case '}':
			if len(stack) == 0 || stack[len(stack)-1] != '{' {
				return nil, false
			}
			stack = stack[:len(stack)-1]
		case ']':
			if len(stack) == 0 || stack[len(stack)-1] != '[' {
				return nil, false
			}
			stack = stack[:len(stack)-1]
		}
	}
	if !inString && len(stack) == 0 {
		return nil, false // structurally balanced yet invalid: not a truncation
	}

	out := make([]byte, len(body), len(body)+len(stack)+2)
	copy(out, body)
	if escaped {
		out = out[:len(out)-1] // drop the dangling backslash
	}
	if inString {
		out = append(out, '"')
	}
	out = trimDanglingSeparator(out)
	for i := len(stack) - 1; i >= 0; i-- {
		if stack[i] == '{' {
			out = append(out, '}')
		} else {
			out = append(out, ']')
		}
	}
	return out, true
}

// trimDanglingSeparator strips a trailing comma or colon (plus a bare key
// after a comma) that would make the closed structure invalid.
func trimDanglingSeparator(b []byte) []byte {
	t := bytes.TrimRight(b, " \t\r\n")
	if len(t) == 0 {
		return b
	}
	switch t[len(t)-1] {
	case ',':
		return t[:len(t)-1]
	case ':':
		// "key": was cut before its value; drop the pair.
		rest := t[:len(t)-1]
		if i := bytes.LastIndexByte(rest, '"'); i > 0 {
			if j := bytes.LastIndexByte(rest[:i], '"'); j >= 0 {
				return trimDanglingSeparator(rest[:j])
			}
		}
		return rest
	}
	return t
}

// ReframeSSE normalises one SSE frame: stray \r removed, trailing
// whitespace collapsed to the single \n\n terminator. Returns nil for an
// empty frame so the caller can drop it.
func ReframeSSE(frame []byte) []byte {
	frame = bytes.ReplaceAll(frame, []byte("\r\n"), []byte("\n"))
	frame = bytes.ReplaceAll(frame, []byte("\r"), nil)
	frame = bytes.TrimRight(frame, "\n")
	if len(bytes.TrimSpace(frame)) == 0 {
		return nil
	}
	return append(frame, '\n', '\n')
}

// NormalizeUTF8 transcodes the body to UTF-8 when the Content-Type
// declares a different charset with a known decoder. Undeclared, UTF-8 or
// unknown charsets return the body unchanged.
func NormalizeUTF8(body []byte, contentType string) []byte {
	if contentType == "" {
		return body
	}
	_, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return body
	}
	cs := strings.ToLower(params["charset"])
	if cs == "" || cs == "utf-8" || cs == "utf8" {
		return body
	}
	enc, err := htmlindex.Get(cs)
	if err != nil {
		return body
	}
	decoded, err := enc.NewDecoder().Bytes(body)
	if err != nil || !utf8.Valid(decoded) {
		return body
	}
	return decoded
}
