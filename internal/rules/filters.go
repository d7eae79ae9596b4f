package rules

import (
	"bytes"
	"encoding/json"
	"net/http"
	"slices"
	"strings"

	"github.com/tidwall/sjson"

	gateway "github.com/vantagegw/vantage/internal"
)

// FilterTarget identifies the request being filtered so provider- and
// group-bound rules can be scoped.
type FilterTarget struct {
	ProviderID string
	Group      string
}

// ApplyFilters runs the enabled request filters in priority order over the
// outbound headers and body. Later filters see the effect of earlier ones.
// The possibly-rewritten body is returned; headers are mutated in place.
// A filter that fails to apply (bad JSON path) is skipped.
func (e *Engine) ApplyFilters(t FilterTarget, header http.Header, body []byte) []byte {
	e.mu.RLock()
	filters := e.filters
	e.mu.RUnlock()

	for _, f := range filters {
		if !filterApplies(f, t) {
			continue
		}
		switch f.Scope {
		case "header":
			applyHeaderFilter(f, header)
		case "body":
			body = applyBodyFilter(f, body)
		}
	}
	return body
}

// ApplyProviderFilters runs only the provider-bound filters for the chosen
// provider, during dispatch. Group-bound and global filters already ran at
// admission.
func (e *Engine) ApplyProviderFilters(providerID string, header http.Header, body []byte) []byte {
	e.mu.RLock()
	filters := e.filters
	e.mu.RUnlock()

	for _, f := range filters {
		if len(f.Providers) == 0 || !slices.Contains(f.Providers, providerID) {
			continue
		}
		switch f.Scope {
		case "header":
			applyHeaderFilter(f, header)
		case "body":
			body = applyBodyFilter(f, body)
		}
	}
	return body
}

// filterApplies checks the rule's binding at admission. A rule with no
// binding is global; provider-bound rules wait for the dispatch phase.
func filterApplies(f *gateway.RequestFilter, t FilterTarget) bool {
	if len(f.Providers) > 0 {
		return t.ProviderID != "" && slices.Contains(f.Providers, t.ProviderID)
	}
	if len(f.Groups) == 0 {
		return true
	}
	return slices.Contains(f.Groups, t.Group)
}

func applyHeaderFilter(f *gateway.RequestFilter, h http.Header) {
	switch f.Action {
	case "remove":
		h.Del(f.Target)
	case "set":
		h.Set(f.Target, f.Value)
	case "text_replace":
		if v := h.Get(f.Target); v != "" {
			h.Set(f.Target, strings.ReplaceAll(v, f.Value, valueReplacement(f)))
		}
	}
}

func applyBodyFilter(f *gateway.RequestFilter, body []byte) []byte {
	switch f.Action {
	case "remove":
		out, err := sjson.DeleteBytes(body, f.Target)
		if err != nil {
			return body
		}
		return out
	case "set":
		// Target is a JSON path, Value a plain string.
		out, err := sjson.SetBytes(body, f.Target, f.Value)
		if err != nil {
			return body
		}
		return out
	case "json_path":
		// Value is raw JSON spliced in at the path.
		out, err := sjson.SetRawBytes(body, f.Target, []byte(f.Value))
		if err != nil {
			return body
		}
		return out
	case "text_replace":
		return bytes.ReplaceAll(body, []byte(f.Target), []byte(f.Value))
	}
	return body
}

// valueReplacement reads the replacement for header text_replace rules
// from Extra ("replacement"), defaulting to empty (deletion of the match).
func valueReplacement(f *gateway.RequestFilter) string {
	if len(f.Extra) == 0 {
		return ""
	}
	var extra struct {
		Replacement string `json:"replacement"`
	}
	if err := json.Unmarshal(f.Extra, &extra); err != nil {
		return ""
	}
	return extra.Replacement
}
