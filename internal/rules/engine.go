// Package rules compiles and applies the admin-managed guard rules:
// sensitive words, request filters and error rules. Compiled sets are
// rebuilt on change; edits are broadcast over the KV pub/sub channel so
// every process drops its compiled cache together.
package rules

import (
	"context"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"sync"

	gateway "github.com/vantagegw/vantage/internal"
	"github.com/vantagegw/vantage/internal/kv"
	"github.com/vantagegw/vantage/internal/storage"
)

// matcher is one compiled pattern.
type matcher struct {
	pattern string
	match   gateway.MatchType
	re      *regexp.Regexp // regex match only
}

func compileMatcher(pattern string, mt gateway.MatchType) (matcher, bool) {
	m := matcher{pattern: pattern, match: mt}
	if mt == gateway.MatchRegex {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return matcher{}, false
		}
		m.re = re
	}
	return m, true
}

func (m matcher) matches(text string) bool {
	switch m.match {
	case gateway.MatchExact:
		return text == m.pattern
	case gateway.MatchRegex:
		return m.re.MatchString(text)
	default:
		return strings.Contains(text, m.pattern)
	}
}

type compiledWord struct {
	matcher
	rule *gateway.SensitiveWord
}

type compiledErrorRule struct {
	matcher
	rule *gateway.ErrorRule
}

// Engine holds the compiled rule sets behind one RWMutex. Reads on the
// request hot path take the read lock only.
type Engine struct {
	store storage.RuleStore
	kv    *kv.Store

	mu      sync.RWMutex
	words   []compiledWord
	filters []*gateway.RequestFilter
	errs    []compiledErrorRule
}

// NewEngine returns an Engine with empty rule sets; call Reload to
// populate them.
func NewEngine(store storage.RuleStore, kvStore *kv.Store) *Engine {
	return &Engine{store: store, kv: kvStore}
}

// Reload recompiles every rule set from the store. Rules with invalid
// regex patterns are skipped with a log line rather than failing the
// reload.
func (e *Engine) Reload(ctx context.Context) error {
	words, err := e.store.ListSensitiveWords(ctx)
	if err != nil {
		return err
	}
	filters, err := e.store.ListRequestFilters(ctx)
	if err != nil {
		return err
	}
	errRules, err := e.store.ListErrorRules(ctx)
	if err != nil {
		return err
	}

	cw := make([]compiledWord, 0, len(words))
	for _, w := range words {
		if !w.Enabled {
			continue
		}
		m, ok := compileMatcher(w.Pattern, w.Match)
		if !ok {
			slog.LogAttrs(ctx, slog.LevelWarn, "sensitive word pattern invalid, skipped",
				slog.String("id", w.ID), slog.String("pattern", w.Pattern))
			continue
		}
		cw = append(cw, compiledWord{matcher: m, rule: w})
	}

	cf := make([]*gateway.RequestFilter, 0, len(filters))
	for _, f := range filters {
		if f.Enabled {
			cf = append(cf, f)
		}
	}
	sort.SliceStable(cf, func(i, j int) bool { return cf[i].Priority < cf[j].Priority })

	ce := make([]compiledErrorRule, 0, len(errRules))
	for _, r := range errRules {
		if !r.Enabled {
			continue
		}
		m, ok := compileMatcher(r.Pattern, r.Match)
		if !ok {
			slog.LogAttrs(ctx, slog.LevelWarn, "error rule pattern invalid, skipped",
				slog.String("id", r.ID), slog.String("pattern", r.Pattern))
			continue
		}
		ce = append(ce, compiledErrorRule{matcher: m, rule: r})
	}

	e.mu.Lock()
	e.words, e.filters, e.errs = cw, cf, ce
	e.mu.Unlock()
	return nil
}

// Watch reloads the engine whenever a rules invalidation is broadcast.
// It blocks until ctx is cancelled.
func (e *Engine) Watch(ctx context.Context) {
	for payload := range e.kv.Subscribe(ctx, kv.InvalidateChannel) {
		if !strings.HasPrefix(payload, "rules:") {
			continue
		}
		if err := e.Reload(ctx); err != nil {
			slog.LogAttrs(ctx, slog.LevelError, "rules reload failed",
				slog.String("trigger", payload),
				slog.String("error", err.Error()),
			)
		}
	}
}

// Broadcast tells every process (this one included) to recompile. Callers
// treat failures as fail-open: the local reload already happened.
func (e *Engine) Broadcast(ctx context.Context, kind string) error {
	return e.kv.Publish(ctx, kv.InvalidateChannel, "rules:"+kind)
}

// CheckSensitive scans the flattened message text and returns the first
// matching rule, or nil.
func (e *Engine) CheckSensitive(text string) *gateway.SensitiveWord {
	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, w := range e.words {
		if w.matches(text) {
			return w.rule
		}
	}
	return nil
}

// MatchErrorRule returns the first error rule matching an upstream error
// body, or nil.
func (e *Engine) MatchErrorRule(body string) *gateway.ErrorRule {
	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, r := range e.errs {
		if r.matches(body) {
			return r.rule
		}
	}
	return nil
}
