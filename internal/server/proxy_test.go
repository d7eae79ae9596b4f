package server

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	gateway "github.com/vantagegw/vantage/internal"
	"github.com/vantagegw/vantage/internal/upstream"
)

const anthropicBody = `{"model":"claude-3-opus","max_tokens":64,"messages":[{"role":"user","content":"hello"}]}`

func okResult(model string) *upstream.Result {
	return &upstream.Result{
		Provider:    &gateway.Provider{ID: "p1", Name: "primary", Type: gateway.TypeClaude, BaseURL: "https://up.example"},
		Status:      http.StatusOK,
		Model:       model,
		Usage:       gateway.Usage{InputTokens: 10, OutputTokens: 5},
		Passthrough: true,
		Body:        []byte(`{"id":"msg_1","type":"message"}`),
	}
}

func TestProxyNonStreaming(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	env.fwd.fn = func(_ context.Context, req *upstream.Request, _ upstream.Sink) (*upstream.Result, error) {
		if req.Req.Model != "claude-3-opus" {
			t.Errorf("forwarded model = %q", req.Req.Model)
		}
		if req.SessionID == "" {
			t.Error("no session id on upstream request")
		}
		return okResult("claude-3-opus"), nil
	}

	w := doJSON(env.srv, http.MethodPost, "/v1/messages", anthropicBody)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), "msg_1") {
		t.Errorf("body = %q, want upstream passthrough", w.Body.String())
	}
	if w.Header().Get("X-Session-Id") == "" {
		t.Error("X-Session-Id response header not set")
	}

	task := env.usage.last()
	if task == nil {
		t.Fatal("no usage task enqueued")
	}
	rec := task.Rec
	if rec.StatusCode != http.StatusOK {
		t.Errorf("StatusCode = %d, want 200", rec.StatusCode)
	}
	if rec.ProviderID != "p1" || rec.Endpoint != "https://up.example" {
		t.Errorf("provider attribution = %q/%q", rec.ProviderID, rec.Endpoint)
	}
	if rec.Usage.InputTokens != 10 || rec.Usage.OutputTokens != 5 {
		t.Errorf("usage = %+v", rec.Usage)
	}
	if rec.APIType != gateway.DialectAnthropic {
		t.Errorf("APIType = %q", rec.APIType)
	}
	if rec.OriginalModel != "" {
		t.Errorf("OriginalModel = %q, want empty when no redirect", rec.OriginalModel)
	}
	if task.Provider == nil || task.Provider.ID != "p1" {
		t.Error("task missing provider for spend attribution")
	}
}

func TestProxyModelRedirectRecorded(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	env.fwd.fn = func(context.Context, *upstream.Request, upstream.Sink) (*upstream.Result, error) {
		return okResult("claude-3-haiku"), nil
	}

	w := doJSON(env.srv, http.MethodPost, "/v1/messages", anthropicBody)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	rec := env.usage.last().Rec
	if rec.Model != "claude-3-haiku" {
		t.Errorf("Model = %q, want redirected model", rec.Model)
	}
	if rec.OriginalModel != "claude-3-opus" {
		t.Errorf("OriginalModel = %q, want claude-3-opus", rec.OriginalModel)
	}
}

func TestProxyModelNotAllowed(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	env.auth.identity.User.AllowedModels = []string{"gpt-4o", "claude-4-*"}

	w := doJSON(env.srv, http.MethodPost, "/v1/messages", anthropicBody)
	if w.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", w.Code)
	}
	rec := env.usage.last().Rec
	if rec.BlockedBy != "model" {
		t.Errorf("BlockedBy = %q, want model", rec.BlockedBy)
	}
	if env.usage.last().Provider != nil {
		t.Error("blocked row carries a provider")
	}
}

func TestProxyClientNotAllowed(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	env.auth.identity.Key.AllowedClients = []string{"claude-cli"}

	req := httptest.NewRequest(http.MethodPost, "/v1/messages", strings.NewReader(anthropicBody))
	req.Header.Set("User-Agent", "curl/8.0")
	w := httptest.NewRecorder()
	env.srv.ServeHTTP(w, req)

	if w.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", w.Code)
	}
	if env.usage.last().Rec.BlockedBy != "client" {
		t.Errorf("BlockedBy = %q, want client", env.usage.last().Rec.BlockedBy)
	}
}

func TestProxySensitiveWord(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	env.store.CreateSensitiveWord(context.Background(), &gateway.SensitiveWord{
		ID: "sw1", Pattern: "forbidden topic", Match: gateway.MatchContains, Enabled: true,
	})
	if err := env.rules.Reload(context.Background()); err != nil {
		t.Fatalf("reload: %v", err)
	}

	body := `{"model":"claude-3-opus","messages":[{"role":"user","content":"tell me about the forbidden topic"}]}`
	w := doJSON(env.srv, http.MethodPost, "/v1/messages", body)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
	rec := env.usage.last().Rec
	if rec.BlockedBy != "sensitive_word" {
		t.Errorf("BlockedBy = %q, want sensitive_word", rec.BlockedBy)
	}
	if !strings.Contains(rec.BlockedReason, "sw1") {
		t.Errorf("BlockedReason = %q, want pattern id", rec.BlockedReason)
	}
}

func TestProxyRPMLimit(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	env.auth.identity.User.Quotas.RPMLimit = 1
	env.fwd.fn = func(context.Context, *upstream.Request, upstream.Sink) (*upstream.Result, error) {
		return okResult("claude-3-opus"), nil
	}

	if w := doJSON(env.srv, http.MethodPost, "/v1/messages", anthropicBody); w.Code != http.StatusOK {
		t.Fatalf("first request status = %d", w.Code)
	}
	w := doJSON(env.srv, http.MethodPost, "/v1/messages", anthropicBody)
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("second request status = %d, want 429", w.Code)
	}
	if env.usage.last().Rec.BlockedBy != "rpm" {
		t.Errorf("BlockedBy = %q, want rpm", env.usage.last().Rec.BlockedBy)
	}
}

func TestProxyUpstreamErrorStatus(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	env.fwd.fn = func(context.Context, *upstream.Request, upstream.Sink) (*upstream.Result, error) {
		res := &upstream.Result{
			Provider: &gateway.Provider{ID: "p1", Type: gateway.TypeClaude, BaseURL: "https://up.example"},
			Status:   http.StatusServiceUnavailable,
		}
		return res, fmt.Errorf("%w: status 503: overloaded", gateway.ErrUpstream)
	}

	w := doJSON(env.srv, http.MethodPost, "/v1/messages", anthropicBody)
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503 passthrough", w.Code)
	}
	if !strings.Contains(w.Body.String(), "error") {
		t.Errorf("body = %q, want dialect error envelope", w.Body.String())
	}
	if w.Header().Get("X-Session-Id") == "" {
		t.Error("X-Session-Id header missing on error response")
	}
	rec := env.usage.last().Rec
	if rec.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("StatusCode = %d, want 503", rec.StatusCode)
	}
	if rec.ErrorMessage == "" {
		t.Error("ErrorMessage not recorded")
	}
}

func TestProxyNoProvider(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	env.fwd.fn = func(context.Context, *upstream.Request, upstream.Sink) (*upstream.Result, error) {
		return &upstream.Result{}, gateway.ErrNoProvider
	}

	w := doJSON(env.srv, http.MethodPost, "/v1/messages", anthropicBody)
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", w.Code)
	}
}

func TestProxyErrorRuleOverride(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	env.store.CreateErrorRule(context.Background(), &gateway.ErrorRule{
		ID:             "er1",
		Pattern:        "insufficient balance",
		Match:          gateway.MatchContains,
		Category:       "non_retryable",
		OverrideStatus: http.StatusPaymentRequired,
		OverrideBody:   `{"error":{"type":"billing","message":"account balance too low"}}`,
		Enabled:        true,
	})
	if err := env.rules.Reload(context.Background()); err != nil {
		t.Fatalf("reload: %v", err)
	}
	env.fwd.fn = func(context.Context, *upstream.Request, upstream.Sink) (*upstream.Result, error) {
		res := &upstream.Result{Status: http.StatusForbidden}
		return res, fmt.Errorf("%w: status 403: insufficient balance", gateway.ErrUpstream)
	}

	w := doJSON(env.srv, http.MethodPost, "/v1/messages", anthropicBody)
	if w.Code != http.StatusPaymentRequired {
		t.Fatalf("status = %d, want 402 override", w.Code)
	}
	if !strings.Contains(w.Body.String(), "account balance too low") {
		t.Errorf("body = %q, want override body", w.Body.String())
	}
}

func TestProxyInvalidBody(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	w := doJSON(env.srv, http.MethodPost, "/v1/messages", `{"max_tokens":1}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400 for missing model", w.Code)
	}
	if env.usage.last() != nil {
		t.Error("unparseable request produced a usage row")
	}
}

func TestGeminiRouting(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	var forwarded *upstream.Request
	env.fwd.fn = func(_ context.Context, req *upstream.Request, _ upstream.Sink) (*upstream.Result, error) {
		forwarded = req
		return okResult("gemini-2.5-pro"), nil
	}

	body := `{"contents":[{"role":"user","parts":[{"text":"hi"}]}]}`
	w := doJSON(env.srv, http.MethodPost, "/v1beta/models/gemini-2.5-pro:generateContent", body)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	if forwarded == nil || forwarded.Req.Model != "gemini-2.5-pro" {
		t.Fatalf("model not taken from URL: %+v", forwarded)
	}
	if forwarded.Req.Stream {
		t.Error("generateContent marked as streaming")
	}
	if env.usage.last().Rec.APIType != gateway.DialectGemini {
		t.Errorf("APIType = %q", env.usage.last().Rec.APIType)
	}
}

func TestGeminiUnknownAction(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	w := doJSON(env.srv, http.MethodPost, "/v1beta/models/gemini-2.5-pro:embedContent", `{}`)
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
}
