// Package gateway defines domain types and interfaces for the Vantage LLM
// proxy. This package has no project imports -- it is the dependency root.
package gateway

import (
	"context"
	"encoding/json"
	"time"
)

// --- Provider types and dialects ---

// ProviderType identifies the wire protocol spoken by an upstream provider.
type ProviderType string

const (
	TypeClaude     ProviderType = "claude"      // POST {base}/v1/messages, x-api-key
	TypeClaudeAuth ProviderType = "claude-auth" // same path, Authorization: Bearer only
	TypeCodex      ProviderType = "codex"       // POST {base}/v1/responses, Bearer
	TypeGemini     ProviderType = "gemini"      // POST {base}/v1beta/models/{m}:generateContent
	TypeGeminiCLI  ProviderType = "gemini-cli"  // Gemini wire format, OAuth token auth
	TypeOpenAI     ProviderType = "openai"      // POST {base}/v1/chat/completions, Bearer
)

// Valid reports whether t is a known provider type.
func (t ProviderType) Valid() bool {
	switch t {
	case TypeClaude, TypeClaudeAuth, TypeCodex, TypeGemini, TypeGeminiCLI, TypeOpenAI:
		return true
	}
	return false
}

// Dialect identifies the on-the-wire shape of an inbound client request.
// It is carried through the pipeline so the response can be re-encoded.
type Dialect string

const (
	DialectAnthropic Dialect = "anthropic" // /v1/messages
	DialectOpenAI    Dialect = "openai"    // /v1/chat/completions
	DialectResponses Dialect = "responses" // /v1/responses (Codex response API)
	DialectGemini    Dialect = "gemini"    // /v1beta/models/{model}:generateContent
)

// WireType returns the provider type whose wire format matches the dialect.
// A provider of this type can serve the dialect by passthrough.
func (d Dialect) WireType() ProviderType {
	switch d {
	case DialectAnthropic:
		return TypeClaude
	case DialectOpenAI:
		return TypeOpenAI
	case DialectResponses:
		return TypeCodex
	case DialectGemini:
		return TypeGemini
	default:
		return ""
	}
}

// --- Tenancy: users and keys ---

// DailyResetMode controls how the daily quota window is anchored.
type DailyResetMode string

const (
	ResetFixed   DailyResetMode = "fixed"   // anchored at a wall-clock time-of-day
	ResetRolling DailyResetMode = "rolling" // sliding 24h window
)

// Quotas is the shared set of spend and concurrency limits.
// Zero means unlimited for every field.
type Quotas struct {
	Limit5hUsd              float64 `json:"limit_5h_usd,omitempty"`
	LimitDailyUsd           float64 `json:"limit_daily_usd,omitempty"`
	LimitWeeklyUsd          float64 `json:"limit_weekly_usd,omitempty"`
	LimitMonthlyUsd         float64 `json:"limit_monthly_usd,omitempty"`
	LimitTotalUsd           float64 `json:"limit_total_usd,omitempty"`
	LimitConcurrentSessions int     `json:"limit_concurrent_sessions,omitempty"`
	RPMLimit                int     `json:"rpm_limit,omitempty"`
}

// User is a tenant identity. Keys belong to users; user quotas apply to the
// sum of all the user's keys.
type User struct {
	ID             string         `json:"id"`
	Name           string         `json:"name"`
	Role           string         `json:"role"` // "admin" or "user"
	ProviderGroup  string         `json:"provider_group,omitempty"`
	Quotas         Quotas         `json:"quotas"`
	DailyResetMode DailyResetMode `json:"daily_reset_mode,omitempty"`
	DailyResetTime string         `json:"daily_reset_time,omitempty"` // "HH:MM", fixed mode only
	AllowedClients []string       `json:"allowed_clients,omitempty"`  // User-Agent patterns; nil = all
	AllowedModels  []string       `json:"allowed_models,omitempty"`   // nil = all
	Enabled        bool           `json:"enabled"`
	ExpiresAt      *time.Time     `json:"expires_at,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	DeletedAt      *time.Time     `json:"deleted_at,omitempty"`
}

// Key is a bearer credential owned by a user. The raw key string is the
// credential; only its SHA-256 hash is stored.
type Key struct {
	ID            string     `json:"id"`
	UserID        string     `json:"user_id"`
	Name          string     `json:"name"`
	KeyHash       string     `json:"-"`
	KeyPrefix     string     `json:"key_prefix"` // first 8 chars for display
	ProviderGroup string     `json:"provider_group,omitempty"` // overrides the user's group
	Quotas        Quotas     `json:"quotas"`
	CacheTTL      string     `json:"cache_ttl,omitempty"` // "5m" or "1h" anthropic cache preference
	CanLoginWebUI bool       `json:"can_login_web_ui"`
	AllowedClients []string  `json:"allowed_clients,omitempty"`
	Enabled       bool       `json:"enabled"`
	ExpiresAt     *time.Time `json:"expires_at,omitempty"`
	LastUsedAt    *time.Time `json:"last_used_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	DeletedAt     *time.Time `json:"deleted_at,omitempty"`
}

// Identity is the authenticated caller attached to request context.
type Identity struct {
	User *User
	Key  *Key
}

// Group returns the effective provider group: key override, then user,
// then "default".
func (id *Identity) Group() string {
	if id.Key != nil && id.Key.ProviderGroup != "" {
		return id.Key.ProviderGroup
	}
	if id.User != nil && id.User.ProviderGroup != "" {
		return id.User.ProviderGroup
	}
	return "default"
}

// IsAdmin reports whether the caller holds the admin role.
func (id *Identity) IsAdmin() bool {
	return id != nil && id.User != nil && id.User.Role == "admin"
}

// --- Providers, vendors, endpoints ---

// ProviderVendor groups endpoints under one upstream organisation.
type ProviderVendor struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	CreatedAt time.Time  `json:"created_at"`
	DeletedAt *time.Time `json:"deleted_at,omitempty"`
}

// ProviderEndpoint is one base URL for a vendor+type, subject to liveness
// probes.
type ProviderEndpoint struct {
	ID        string       `json:"id"`
	VendorID  string       `json:"vendor_id"`
	Type      ProviderType `json:"type"`
	BaseURL   string       `json:"base_url"`
	SortOrder int          `json:"sort_order"`
	Enabled   bool         `json:"enabled"`
	Probe     ProbeState   `json:"probe"`
	CreatedAt time.Time    `json:"created_at"`
	DeletedAt *time.Time   `json:"deleted_at,omitempty"`
}

// ProbeState is the last liveness probe snapshot for an endpoint.
type ProbeState struct {
	ProbedAt  *time.Time `json:"probed_at,omitempty"`
	OK        bool       `json:"ok"`
	Status    int        `json:"status,omitempty"`
	LatencyMs int64      `json:"latency_ms,omitempty"`
	ErrorType string     `json:"error_type,omitempty"`
}

// BreakerConfig is the per-provider circuit breaker tuning.
// A zero FailureThreshold disables the breaker.
type BreakerConfig struct {
	FailureThreshold         int   `json:"failure_threshold,omitempty"`
	OpenDurationMs           int64 `json:"open_duration_ms,omitempty"`
	HalfOpenSuccessThreshold int   `json:"half_open_success_threshold,omitempty"`
	MaxRetryAttempts         int   `json:"max_retry_attempts,omitempty"`
}

// ProviderTimeouts holds per-provider request timeouts in milliseconds.
// Zero means unlimited. A non-zero streaming idle timeout must be >= 60s.
type ProviderTimeouts struct {
	FirstByteStreamingMs  int64 `json:"first_byte_streaming_ms,omitempty"`
	StreamingIdleMs       int64 `json:"streaming_idle_ms,omitempty"`
	RequestNonStreamingMs int64 `json:"request_non_streaming_ms,omitempty"`
}

// Provider is the logical routing unit read by the selector. It is normally
// backed by one endpoint of its vendor.
type Provider struct {
	ID                 string            `json:"id"`
	Name               string            `json:"name"`
	VendorID           string            `json:"vendor_id,omitempty"`
	Type               ProviderType      `json:"type"`
	BaseURL            string            `json:"base_url"`
	APIKey             string            `json:"-"` // upstream credential, never exposed
	Priority           int               `json:"priority"`        // smaller = preferred
	Weight             int               `json:"weight"`          // lottery weight within a tier, >= 1
	CostMultiplier     float64           `json:"cost_multiplier"` // >= 0; also a tie-breaker
	GroupTag           string            `json:"group_tag,omitempty"`
	AllowedModels      []string          `json:"allowed_models,omitempty"`
	ModelRedirects     map[string]string `json:"model_redirects,omitempty"` // requested -> actual
	Quotas             Quotas            `json:"quotas"`
	Breaker            BreakerConfig     `json:"breaker"`
	Timeouts           ProviderTimeouts  `json:"timeouts"`
	ProxyURL           string            `json:"proxy_url,omitempty"` // http, https or socks5 scheme
	ProxyFallback      bool              `json:"proxy_fallback_to_direct,omitempty"`
	Context1M          bool              `json:"context_1m,omitempty"` // anthropic 1M-context beta
	CodexStrategy      string            `json:"codex_instructions_strategy,omitempty"` // "", "passthrough", "force_official"
	ReasoningOverrides map[string]string `json:"reasoning_overrides,omitempty"` // codex parameter overrides
	Enabled            bool              `json:"enabled"`
	CreatedAt          time.Time         `json:"created_at"`
	DeletedAt          *time.Time        `json:"deleted_at,omitempty"`
}

// RedirectModel applies the provider's model redirect map.
func (p *Provider) RedirectModel(model string) string {
	if actual, ok := p.ModelRedirects[model]; ok && actual != "" {
		return actual
	}
	return model
}

// MaxAttempts returns the retry budget for a shortlist headed by this provider.
func (p *Provider) MaxAttempts() int {
	if p.Breaker.MaxRetryAttempts > 0 {
		return p.Breaker.MaxRetryAttempts
	}
	return 2
}

// --- Circuit breaker state ---

// CircuitState is the per-provider breaker state.
type CircuitState string

const (
	CircuitClosed   CircuitState = "closed"
	CircuitOpen     CircuitState = "open"
	CircuitHalfOpen CircuitState = "half-open"
)

// BreakerState is the persisted circuit breaker record for one provider.
type BreakerState struct {
	FailureCount         int          `json:"failure_count"`
	LastFailureTime      time.Time    `json:"last_failure_time,omitzero"`
	State                CircuitState `json:"circuit_state"`
	OpenUntil            time.Time    `json:"circuit_open_until,omitzero"`
	HalfOpenSuccessCount int          `json:"half_open_success_count"`
}

// --- Sessions ---

// SessionSource records where a session id came from.
type SessionSource string

const (
	SessionFromHeader      SessionSource = "header"
	SessionFromMetadata    SessionSource = "metadata"
	SessionFromCacheKey    SessionSource = "prompt_cache_key"
	SessionFromPreviousID  SessionSource = "previous_response_id"
	SessionFromFingerprint SessionSource = "fingerprint"
)

// --- Usage and cost ---

// Usage holds the token counts declared by the upstream for one request.
// The gateway never counts tokens itself.
type Usage struct {
	InputTokens                int `json:"input_tokens"`
	OutputTokens               int `json:"output_tokens"`
	CacheCreation5mInputTokens int `json:"cache_creation_5m_input_tokens,omitempty"`
	CacheCreation1hInputTokens int `json:"cache_creation_1h_input_tokens,omitempty"`
	CacheReadInputTokens       int `json:"cache_read_input_tokens,omitempty"`
}

// Add accumulates counts from another usage report.
func (u *Usage) Add(o Usage) {
	u.InputTokens += o.InputTokens
	u.OutputTokens += o.OutputTokens
	u.CacheCreation5mInputTokens += o.CacheCreation5mInputTokens
	u.CacheCreation1hInputTokens += o.CacheCreation1hInputTokens
	u.CacheReadInputTokens += o.CacheReadInputTokens
}

// Total returns the sum of all token components.
func (u Usage) Total() int {
	return u.InputTokens + u.OutputTokens +
		u.CacheCreation5mInputTokens + u.CacheCreation1hInputTokens + u.CacheReadInputTokens
}

// ChainReason is the closed vocabulary for provider chain entries.
type ChainReason string

const (
	ReasonInitialSelection      ChainReason = "initial_selection"
	ReasonSessionReuse          ChainReason = "session_reuse"
	ReasonRetrySuccess          ChainReason = "retry_success"
	ReasonRetryFailed           ChainReason = "retry_failed"
	ReasonRequestSuccess        ChainReason = "request_success"
	ReasonSystemError           ChainReason = "system_error"
	ReasonConcurrentLimitFailed ChainReason = "concurrent_limit_failed"
	ReasonHTTP2Fallback         ChainReason = "http2_fallback"
	ReasonClientErrorTerminal   ChainReason = "client_error_non_retryable"
)

// ProviderChainItem is one entry in the per-request decision log.
type ProviderChainItem struct {
	ProviderID string      `json:"provider_id"`
	Name       string      `json:"name"`
	Reason     ChainReason `json:"reason"`
	Timestamp  time.Time   `json:"timestamp"`
	Context    string      `json:"context,omitempty"`
}

// SpecialSetting records a provider-specific parameter override applied to
// a forwarded request.
type SpecialSetting struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// MessageRequest is the durable per-request usage record. Exactly one row
// is written per accepted request; retries across providers append to
// ProviderChain rather than creating extra rows.
type MessageRequest struct {
	ID              string              `json:"id"`
	ProviderID      string              `json:"provider_id,omitempty"`
	UserID          string              `json:"user_id"`
	KeyID           string              `json:"key_id"`
	SessionID       string              `json:"session_id,omitempty"`
	RequestSequence int64               `json:"request_sequence,omitempty"`
	Model           string              `json:"model"`
	OriginalModel   string              `json:"original_model,omitempty"`
	Endpoint        string              `json:"endpoint"`
	APIType         Dialect             `json:"api_type"`
	StatusCode      int                 `json:"status_code"`
	DurationMs      int64               `json:"duration_ms"`
	TTFBMs          int64               `json:"ttfb_ms,omitempty"`
	Usage           Usage               `json:"usage"`
	CacheTTLApplied string              `json:"cache_ttl_applied,omitempty"`
	Context1M       bool                `json:"context_1m_applied,omitempty"`
	CostUSD         string              `json:"cost_usd"` // decimal string, 15 dp
	CostMultiplier  float64             `json:"cost_multiplier"`
	ProviderChain   []ProviderChainItem `json:"provider_chain,omitempty"`
	BlockedBy       string              `json:"blocked_by,omitempty"`
	BlockedReason   string              `json:"blocked_reason,omitempty"`
	ErrorMessage    string              `json:"error_message,omitempty"`
	ErrorStack      string              `json:"error_stack,omitempty"`
	UserAgent       string              `json:"user_agent,omitempty"`
	MessagesCount   int                 `json:"messages_count,omitempty"`
	SpecialSettings []SpecialSetting    `json:"special_settings,omitempty"`
	CreatedAt       time.Time           `json:"created_at"`
}

// ModelPrice is one row of the model price catalogue. Prices are USD per
// token, stored as decimal strings to avoid binary float rounding.
type ModelPrice struct {
	Model               string `json:"model"`
	InputCostPerToken   string `json:"input_cost_per_token"`
	OutputCostPerToken  string `json:"output_cost_per_token"`
	CacheCreation5mCost string `json:"cache_creation_5m_cost,omitempty"`
	CacheCreation1hCost string `json:"cache_creation_1h_cost,omitempty"`
	CacheReadCost       string `json:"cache_read_cost,omitempty"`
	CostPerRequest      string `json:"cost_per_request,omitempty"`
	// Above-200k tier, explicit prices (Gemini style). Empty = no tier.
	InputCostAbove200k  string `json:"input_cost_above_200k,omitempty"`
	OutputCostAbove200k string `json:"output_cost_above_200k,omitempty"`
	// 1M-context pricing (Claude style): input x2, output x1.5 when the
	// 1M-context beta is applied. Takes precedence over the explicit tier.
	Supports1MContext bool `json:"supports_1m_context,omitempty"`
}

// TierThresholdTokens is the token count past which tiered prices apply.
const TierThresholdTokens = 200_000

// --- Guard rules ---

// MatchType is how a rule pattern is matched against text.
type MatchType string

const (
	MatchContains MatchType = "contains"
	MatchExact    MatchType = "exact"
	MatchRegex    MatchType = "regex"
)

// SensitiveWord blocks requests whose flattened text matches.
type SensitiveWord struct {
	ID        string     `json:"id"`
	Pattern   string     `json:"pattern"`
	Match     MatchType  `json:"match_type"`
	Enabled   bool       `json:"enabled"`
	CreatedAt time.Time  `json:"created_at"`
	DeletedAt *time.Time `json:"deleted_at,omitempty"`
}

// ErrorRule classifies or rewrites upstream error bodies.
type ErrorRule struct {
	ID             string     `json:"id"`
	Pattern        string     `json:"pattern"`
	Match          MatchType  `json:"match_type"`
	Category       string     `json:"category"` // "retryable" or "non_retryable"
	OverrideBody   string     `json:"override_body,omitempty"`
	OverrideStatus int        `json:"override_status,omitempty"`
	Enabled        bool       `json:"enabled"`
	CreatedAt      time.Time  `json:"created_at"`
	DeletedAt      *time.Time `json:"deleted_at,omitempty"`
}

// RequestFilter mutates forwarded request headers or body. Filters run in
// priority order; later filters see the effect of earlier ones.
type RequestFilter struct {
	ID        string          `json:"id"`
	Priority  int             `json:"priority"`
	Scope     string          `json:"scope"`  // "header" or "body"
	Action    string          `json:"action"` // "remove", "set", "json_path", "text_replace"
	Target    string          `json:"target"` // header name, JSON path, or search text
	Value     string          `json:"value,omitempty"`
	Providers []string        `json:"providers,omitempty"` // nil = global
	Groups    []string        `json:"groups,omitempty"`
	Enabled   bool            `json:"enabled"`
	Extra     json.RawMessage `json:"extra,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	DeletedAt *time.Time      `json:"deleted_at,omitempty"`
}

// --- External collaborators ---

// Notifier delivers operational alerts (circuit trips, quota thresholds).
// Implementations must be fail-open: errors are logged, never propagated
// into request handling.
type Notifier interface {
	Notify(ctx context.Context, event string, payload map[string]any)
}

// NopNotifier discards all notifications.
type NopNotifier struct{}

// Notify implements Notifier.
func (NopNotifier) Notify(context.Context, string, map[string]any) {}

// --- Context plumbing ---

type contextKey int

const ctxKeyMeta contextKey = 0

// requestMeta bundles per-request values into a single context allocation.
// Identity is set later by the authenticate middleware via mutation of the
// same pointer, avoiding a second context.WithValue.
type requestMeta struct {
	RequestID string
	Identity  *Identity
}

func metaFromContext(ctx context.Context) *requestMeta {
	m, _ := ctx.Value(ctxKeyMeta).(*requestMeta)
	return m
}

// IdentityFromContext extracts the authenticated identity from ctx, or nil.
func IdentityFromContext(ctx context.Context) *Identity {
	if m := metaFromContext(ctx); m != nil {
		return m.Identity
	}
	return nil
}

// ContextWithIdentity stores the identity in the existing requestMeta when
// present, falling back to a new allocation (e.g. in tests).
func ContextWithIdentity(ctx context.Context, id *Identity) context.Context {
	if m := metaFromContext(ctx); m != nil {
		m.Identity = id
		return ctx
	}
	return context.WithValue(ctx, ctxKeyMeta, &requestMeta{Identity: id})
}

// RequestIDFromContext extracts the request ID from ctx, or "".
func RequestIDFromContext(ctx context.Context) string {
	if m := metaFromContext(ctx); m != nil {
		return m.RequestID
	}
	return ""
}

// ContextWithRequestID returns a context carrying the given request ID.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKeyMeta, &requestMeta{RequestID: id})
}
