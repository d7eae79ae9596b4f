package sqlite

import (
	"context"
	"errors"
	"testing"
	"time"

	gateway "github.com/vantagegw/vantage/internal"
	"github.com/vantagegw/vantage/internal/storage"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(":memory:", Options{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestUserRoundTrip(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	u := &gateway.User{
		ID:             "u1",
		Name:           "alice",
		Role:           "admin",
		ProviderGroup:  "vip",
		Quotas:         gateway.Quotas{LimitDailyUsd: 5, RPMLimit: 60},
		DailyResetMode: gateway.ResetFixed,
		DailyResetTime: "09:00",
		AllowedModels:  []string{"claude-3-opus"},
		Enabled:        true,
	}
	if err := s.CreateUser(ctx, u); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	got, err := s.GetUser(ctx, "u1")
	if err != nil {
		t.Fatalf("GetUser: %v", err)
	}
	if got.Name != "alice" || got.Role != "admin" || got.ProviderGroup != "vip" {
		t.Fatalf("user = %+v", got)
	}
	if got.Quotas.LimitDailyUsd != 5 || got.Quotas.RPMLimit != 60 {
		t.Fatalf("quotas = %+v", got.Quotas)
	}
	if got.DailyResetMode != gateway.ResetFixed || got.DailyResetTime != "09:00" {
		t.Fatalf("reset = %s %s", got.DailyResetMode, got.DailyResetTime)
	}
	if len(got.AllowedModels) != 1 {
		t.Fatalf("allowed models = %v", got.AllowedModels)
	}

	if err := s.DeleteUser(ctx, "u1"); err != nil {
		t.Fatalf("DeleteUser: %v", err)
	}
	if _, err := s.GetUser(ctx, "u1"); !errors.Is(err, gateway.ErrNotFound) {
		t.Fatalf("soft-deleted user still readable: %v", err)
	}
	if err := s.DeleteUser(ctx, "u1"); !errors.Is(err, gateway.ErrNotFound) {
		t.Fatalf("double delete = %v", err)
	}
}

func TestKeyByHash(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.CreateUser(ctx, &gateway.User{ID: "u1", Name: "n", Enabled: true}); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	hash := gateway.HashKey("sk-raw")
	k := &gateway.Key{
		ID: "k1", UserID: "u1", Name: "default", KeyHash: hash,
		KeyPrefix: "sk-raw"[:6], CacheTTL: "1h", Enabled: true,
	}
	if err := s.CreateKey(ctx, k); err != nil {
		t.Fatalf("CreateKey: %v", err)
	}
	got, err := s.GetKeyByHash(ctx, hash)
	if err != nil {
		t.Fatalf("GetKeyByHash: %v", err)
	}
	if got.ID != "k1" || got.CacheTTL != "1h" {
		t.Fatalf("key = %+v", got)
	}
	if got.LastUsedAt != nil {
		t.Fatal("fresh key has last_used_at")
	}
	if err := s.TouchKeyUsed(ctx, "k1"); err != nil {
		t.Fatalf("TouchKeyUsed: %v", err)
	}
	got, err = s.GetKey(ctx, "k1")
	if err != nil {
		t.Fatalf("GetKey: %v", err)
	}
	if got.LastUsedAt == nil {
		t.Fatal("touch did not stamp last_used_at")
	}

	// A second live key with the same hash violates the partial unique
	// index; after soft-deleting the first, the hash is reusable.
	dup := &gateway.Key{ID: "k2", UserID: "u1", Name: "dup", KeyHash: hash, KeyPrefix: "sk-raw"[:6], Enabled: true}
	if err := s.CreateKey(ctx, dup); err == nil {
		t.Fatal("duplicate live hash accepted")
	}
	if err := s.DeleteKey(ctx, "k1"); err != nil {
		t.Fatalf("DeleteKey: %v", err)
	}
	if err := s.CreateKey(ctx, dup); err != nil {
		t.Fatalf("hash not reusable after soft delete: %v", err)
	}
}

func TestProviderRoundTrip(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	p := &gateway.Provider{
		ID: "p1", Name: "main", Type: gateway.TypeClaude,
		BaseURL: "https://api.example.com", APIKey: "sk-up",
		Priority: 1, Weight: 3, CostMultiplier: 1.5, GroupTag: "vip",
		ModelRedirects: map[string]string{"claude-3-opus": "claude-3-opus-latest"},
		Quotas:         gateway.Quotas{LimitDailyUsd: 100},
		Breaker:        gateway.BreakerConfig{FailureThreshold: 5, OpenDurationMs: 60000},
		Timeouts:       gateway.ProviderTimeouts{FirstByteStreamingMs: 30000},
		ProxyURL:       "socks5://127.0.0.1:1080",
		ProxyFallback:  true,
		Context1M:      true,
		Enabled:        true,
	}
	if err := s.CreateProvider(ctx, p); err != nil {
		t.Fatalf("CreateProvider: %v", err)
	}
	got, err := s.GetProvider(ctx, "p1")
	if err != nil {
		t.Fatalf("GetProvider: %v", err)
	}
	if got.APIKey != "sk-up" || got.CostMultiplier != 1.5 || !got.Context1M || !got.ProxyFallback {
		t.Fatalf("provider = %+v", got)
	}
	if got.ModelRedirects["claude-3-opus"] != "claude-3-opus-latest" {
		t.Fatalf("redirects = %v", got.ModelRedirects)
	}
	if got.Breaker.FailureThreshold != 5 || got.Timeouts.FirstByteStreamingMs != 30000 {
		t.Fatalf("breaker/timeouts = %+v %+v", got.Breaker, got.Timeouts)
	}

	disabled := *p
	disabled.ID = "p2"
	disabled.Enabled = false
	if err := s.CreateProvider(ctx, &disabled); err != nil {
		t.Fatalf("CreateProvider p2: %v", err)
	}
	enabled, err := s.ListEnabledProviders(ctx)
	if err != nil {
		t.Fatalf("ListEnabledProviders: %v", err)
	}
	if len(enabled) != 1 || enabled[0].ID != "p1" {
		t.Fatalf("enabled = %+v", enabled)
	}
}

func TestPriceUpsert(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	p := &gateway.ModelPrice{
		Model: "claude-3-opus", InputCostPerToken: "0.000015",
		OutputCostPerToken: "0.000075", CacheReadCost: "0.0000015",
		Supports1MContext: true,
	}
	if err := s.UpsertPrice(ctx, p); err != nil {
		t.Fatalf("UpsertPrice: %v", err)
	}
	p.OutputCostPerToken = "0.00008"
	if err := s.UpsertPrice(ctx, p); err != nil {
		t.Fatalf("UpsertPrice update: %v", err)
	}
	got, err := s.GetPrice(ctx, "claude-3-opus")
	if err != nil {
		t.Fatalf("GetPrice: %v", err)
	}
	if got.OutputCostPerToken != "0.00008" || !got.Supports1MContext {
		t.Fatalf("price = %+v", got)
	}
	if _, err := s.GetPrice(ctx, "unknown"); !errors.Is(err, gateway.ErrNotFound) {
		t.Fatalf("unknown model = %v", err)
	}
}

func TestRequestInsertAndReports(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	mk := func(id string, seq int64, cost string) *gateway.MessageRequest {
		return &gateway.MessageRequest{
			ID: id, UserID: "u1", KeyID: "k1", SessionID: "sess_1",
			RequestSequence: seq, Model: "claude-3-opus",
			APIType: gateway.DialectAnthropic, StatusCode: 200,
			Usage:   gateway.Usage{InputTokens: 100, OutputTokens: 50, CacheReadInputTokens: 10},
			CostUSD: cost, CostMultiplier: 1,
			ProviderChain: []gateway.ProviderChainItem{
				{ProviderID: "p1", Reason: gateway.ReasonInitialSelection, Timestamp: time.Now()},
			},
			CreatedAt: time.Now(),
		}
	}
	err := s.InsertRequests(ctx, []*gateway.MessageRequest{
		mk("r1", 1, "0.101"), mk("r2", 2, "0.202"),
	})
	if err != nil {
		t.Fatalf("InsertRequests: %v", err)
	}

	got, err := s.GetRequest(ctx, "r1")
	if err != nil {
		t.Fatalf("GetRequest: %v", err)
	}
	if got.Usage.CacheReadInputTokens != 10 || got.CostUSD != "0.101" {
		t.Fatalf("request = %+v", got)
	}
	if len(got.ProviderChain) != 1 || got.ProviderChain[0].Reason != gateway.ReasonInitialSelection {
		t.Fatalf("chain = %+v", got.ProviderChain)
	}

	n, err := s.SessionRequestCount(ctx, "sess_1")
	if err != nil || n != 2 {
		t.Fatalf("SessionRequestCount = %d, %v", n, err)
	}
	seqs, err := s.SessionSequences(ctx, "sess_1")
	if err != nil {
		t.Fatalf("SessionSequences: %v", err)
	}
	if len(seqs) != 2 || seqs[0] != 1 || seqs[1] != 2 {
		t.Fatalf("sequences = %v", seqs)
	}

	totals, err := s.SumUsage(ctx, storage.RequestFilterSpec{UserID: "u1"})
	if err != nil {
		t.Fatalf("SumUsage: %v", err)
	}
	if totals.Requests != 2 || totals.InputTokens != 220 || totals.OutputTokens != 100 {
		t.Fatalf("totals = %+v", totals)
	}
	if totals.CostUSD != "0.303" {
		t.Fatalf("cost = %s", totals.CostUSD)
	}

	list, err := s.ListRequests(ctx, storage.RequestFilterSpec{SessionID: "sess_1", Limit: 1})
	if err != nil {
		t.Fatalf("ListRequests: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("list = %d rows", len(list))
	}
}

func TestRuleStores(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.CreateSensitiveWord(ctx, &gateway.SensitiveWord{ID: "w1", Pattern: "secret", Enabled: true}); err != nil {
		t.Fatalf("CreateSensitiveWord: %v", err)
	}
	words, err := s.ListSensitiveWords(ctx)
	if err != nil || len(words) != 1 || words[0].Match != gateway.MatchContains {
		t.Fatalf("words = %+v, %v", words, err)
	}
	if err := s.DeleteSensitiveWord(ctx, "w1"); err != nil {
		t.Fatalf("DeleteSensitiveWord: %v", err)
	}
	if words, _ = s.ListSensitiveWords(ctx); len(words) != 0 {
		t.Fatalf("deleted word still listed: %+v", words)
	}

	if err := s.CreateErrorRule(ctx, &gateway.ErrorRule{
		ID: "e1", Pattern: "quota exhausted", Category: "retryable", Enabled: true,
	}); err != nil {
		t.Fatalf("CreateErrorRule: %v", err)
	}
	rules, err := s.ListErrorRules(ctx)
	if err != nil || len(rules) != 1 || rules[0].Category != "retryable" {
		t.Fatalf("rules = %+v, %v", rules, err)
	}

	f := &gateway.RequestFilter{
		ID: "f1", Priority: 10, Scope: "body", Action: "set",
		Target: "metadata.tag", Value: "prod",
		Groups:  []string{"vip"},
		Enabled: true,
	}
	if err := s.CreateRequestFilter(ctx, f); err != nil {
		t.Fatalf("CreateRequestFilter: %v", err)
	}
	f.Priority = 5
	if err := s.UpdateRequestFilter(ctx, f); err != nil {
		t.Fatalf("UpdateRequestFilter: %v", err)
	}
	filters, err := s.ListRequestFilters(ctx)
	if err != nil || len(filters) != 1 {
		t.Fatalf("filters = %+v, %v", filters, err)
	}
	if filters[0].Priority != 5 || len(filters[0].Groups) != 1 {
		t.Fatalf("filter = %+v", filters[0])
	}
}
