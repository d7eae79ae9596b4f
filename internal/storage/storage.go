// Package storage defines persistence interfaces for the gateway.
package storage

import (
	"context"
	"time"

	gateway "github.com/vantagegw/vantage/internal"
)

// UserStore manages user persistence. Deletes are soft: rows get a
// deleted_at stamp and disappear from reads.
type UserStore interface {
	CreateUser(ctx context.Context, u *gateway.User) error
	GetUser(ctx context.Context, id string) (*gateway.User, error)
	ListUsers(ctx context.Context, offset, limit int) ([]*gateway.User, error)
	UpdateUser(ctx context.Context, u *gateway.User) error
	DeleteUser(ctx context.Context, id string) error
}

// KeyStore manages API key persistence. Only the SHA-256 hash of a key
// is ever stored.
type KeyStore interface {
	CreateKey(ctx context.Context, k *gateway.Key) error
	GetKey(ctx context.Context, id string) (*gateway.Key, error)
	GetKeyByHash(ctx context.Context, hash string) (*gateway.Key, error)
	ListKeys(ctx context.Context, userID string) ([]*gateway.Key, error)
	UpdateKey(ctx context.Context, k *gateway.Key) error
	DeleteKey(ctx context.Context, id string) error
	TouchKeyUsed(ctx context.Context, id string) error
}

// VendorStore manages provider vendors and their endpoints.
type VendorStore interface {
	CreateVendor(ctx context.Context, v *gateway.ProviderVendor) error
	GetVendor(ctx context.Context, id string) (*gateway.ProviderVendor, error)
	ListVendors(ctx context.Context) ([]*gateway.ProviderVendor, error)
	UpdateVendor(ctx context.Context, v *gateway.ProviderVendor) error
	DeleteVendor(ctx context.Context, id string) error

	CreateEndpoint(ctx context.Context, e *gateway.ProviderEndpoint) error
	GetEndpoint(ctx context.Context, id string) (*gateway.ProviderEndpoint, error)
	ListEndpoints(ctx context.Context, vendorID string) ([]*gateway.ProviderEndpoint, error)
	ListAllEndpoints(ctx context.Context) ([]*gateway.ProviderEndpoint, error)
	UpdateEndpoint(ctx context.Context, e *gateway.ProviderEndpoint) error
	UpdateEndpointProbe(ctx context.Context, id string, probe gateway.ProbeState) error
	DeleteEndpoint(ctx context.Context, id string) error
}

// ProviderStore manages routing provider persistence.
type ProviderStore interface {
	CreateProvider(ctx context.Context, p *gateway.Provider) error
	GetProvider(ctx context.Context, id string) (*gateway.Provider, error)
	ListProviders(ctx context.Context) ([]*gateway.Provider, error)
	ListEnabledProviders(ctx context.Context) ([]*gateway.Provider, error)
	UpdateProvider(ctx context.Context, p *gateway.Provider) error
	DeleteProvider(ctx context.Context, id string) error
}

// PriceStore manages the model price catalogue.
type PriceStore interface {
	UpsertPrice(ctx context.Context, p *gateway.ModelPrice) error
	GetPrice(ctx context.Context, model string) (*gateway.ModelPrice, error)
	ListPrices(ctx context.Context) ([]*gateway.ModelPrice, error)
	DeletePrice(ctx context.Context, model string) error
}

// RequestFilterSpec narrows request listing for reports.
type RequestFilterSpec struct {
	UserID    string
	KeyID     string
	SessionID string
	Model     string
	Since     time.Time
	Until     time.Time
	Offset    int
	Limit     int
}

// UsageTotals is an aggregated usage report row.
type UsageTotals struct {
	Requests     int64  `json:"requests"`
	InputTokens  int64  `json:"input_tokens"`
	OutputTokens int64  `json:"output_tokens"`
	CostUSD      string `json:"cost_usd"` // decimal string
}

// RequestStore manages durable per-request usage records.
type RequestStore interface {
	InsertRequests(ctx context.Context, recs []*gateway.MessageRequest) error
	GetRequest(ctx context.Context, id string) (*gateway.MessageRequest, error)
	ListRequests(ctx context.Context, f RequestFilterSpec) ([]*gateway.MessageRequest, error)
	SessionRequestCount(ctx context.Context, sessionID string) (int64, error)
	SessionSequences(ctx context.Context, sessionID string) ([]int64, error)
	SumUsage(ctx context.Context, f RequestFilterSpec) (*UsageTotals, error)
}

// RuleStore manages guard rules: sensitive words, error rules and request
// filters.
type RuleStore interface {
	CreateSensitiveWord(ctx context.Context, w *gateway.SensitiveWord) error
	ListSensitiveWords(ctx context.Context) ([]*gateway.SensitiveWord, error)
	DeleteSensitiveWord(ctx context.Context, id string) error

	CreateErrorRule(ctx context.Context, r *gateway.ErrorRule) error
	ListErrorRules(ctx context.Context) ([]*gateway.ErrorRule, error)
	DeleteErrorRule(ctx context.Context, id string) error

	CreateRequestFilter(ctx context.Context, f *gateway.RequestFilter) error
	ListRequestFilters(ctx context.Context) ([]*gateway.RequestFilter, error)
	UpdateRequestFilter(ctx context.Context, f *gateway.RequestFilter) error
	DeleteRequestFilter(ctx context.Context, id string) error
}

// Store combines all storage interfaces.
type Store interface {
	UserStore
	KeyStore
	VendorStore
	ProviderStore
	PriceStore
	RequestStore
	RuleStore
	Close() error
}
