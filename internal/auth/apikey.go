// Package auth resolves bearer credentials to a caller identity. Keys are
// validated against the store and cached in a W-TinyLFU cache.
package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/maypok86/otter/v2"

	gateway "github.com/vantagegw/vantage/internal"
)

const (
	cacheTTL    = 30 * time.Second // short enough to pick up key revocations promptly
	cacheMaxLen = 10_000           // max concurrent active keys expected per deployment
)

// IdentityStore is the slice of storage the authenticator needs.
type IdentityStore interface {
	GetKeyByHash(ctx context.Context, hash string) (*gateway.Key, error)
	GetUser(ctx context.Context, id string) (*gateway.User, error)
	TouchKeyUsed(ctx context.Context, id string) error
}

// Authenticator resolves Authorization bearer tokens to (User, Key) pairs.
// A configured admin token short-circuits to a synthetic admin identity.
type Authenticator struct {
	store       IdentityStore
	adminToken  string
	cache       *otter.Cache[string, *gateway.Identity]
	keyIDToHash sync.Map // keyID -> hash for cache invalidation by key ID
}

// New returns an Authenticator backed by store. adminToken may be empty.
func New(store IdentityStore, adminToken string) (*Authenticator, error) {
	c, err := otter.New(&otter.Options[string, *gateway.Identity]{
		MaximumSize:      cacheMaxLen,
		ExpiryCalculator: otter.ExpiryWriting[string, *gateway.Identity](cacheTTL),
	})
	if err != nil {
		return nil, fmt.Errorf("create auth cache: %w", err)
	}
	return &Authenticator{store: store, adminToken: adminToken, cache: c}, nil
}

// Authenticate extracts the bearer token (Authorization header or
// x-api-key, which the Anthropic client family sends) and resolves it.
func (a *Authenticator) Authenticate(ctx context.Context, r *http.Request) (*gateway.Identity, error) {
	raw := bearerToken(r)
	if raw == "" {
		return nil, gateway.ErrUnauthorized
	}

	if a.adminToken != "" && subtle.ConstantTimeCompare([]byte(raw), []byte(a.adminToken)) == 1 {
		return adminIdentity(), nil
	}

	hash := gateway.HashKey(raw)
	if id, ok := a.cache.GetIfPresent(hash); ok {
		if err := checkIdentity(id); err != nil {
			a.cache.Invalidate(hash)
			return nil, err
		}
		return id, nil
	}

	key, err := a.store.GetKeyByHash(ctx, hash)
	if err != nil {
		if errors.Is(err, gateway.ErrNotFound) {
			return nil, gateway.ErrUnauthorized
		}
		return nil, err
	}
	// The DB lookup already matched; this guards against hypothetical
	// collation or encoding surprises.
	if subtle.ConstantTimeCompare([]byte(key.KeyHash), []byte(hash)) != 1 {
		return nil, gateway.ErrUnauthorized
	}
	user, err := a.store.GetUser(ctx, key.UserID)
	if err != nil {
		if errors.Is(err, gateway.ErrNotFound) {
			return nil, gateway.ErrUnauthorized
		}
		return nil, err
	}

	id := &gateway.Identity{User: user, Key: key}
	if err := checkIdentity(id); err != nil {
		return nil, err
	}

	a.cache.Set(hash, id)
	a.keyIDToHash.Store(key.ID, hash)

	// Touch last-used asynchronously; auth latency must not pay for a
	// write.
	go func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		a.store.TouchKeyUsed(ctx, key.ID) //nolint:errcheck
	}()

	return id, nil
}

// InvalidateByKeyID drops a cached identity after an admin mutation.
func (a *Authenticator) InvalidateByKeyID(keyID string) {
	if hash, ok := a.keyIDToHash.LoadAndDelete(keyID); ok {
		a.cache.Invalidate(hash.(string))
	}
}

// InvalidateAll drops the whole identity cache (user-level mutations).
func (a *Authenticator) InvalidateAll() {
	a.cache.InvalidateAll()
	a.keyIDToHash.Range(func(k, _ any) bool {
		a.keyIDToHash.Delete(k)
		return true
	})
}

func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return r.Header.Get("x-api-key")
}

func checkIdentity(id *gateway.Identity) error {
	now := time.Now()
	if !id.Key.Enabled {
		return gateway.ErrKeyDisabled
	}
	if id.Key.ExpiresAt != nil && id.Key.ExpiresAt.Before(now) {
		return gateway.ErrKeyExpired
	}
	if !id.User.Enabled {
		return gateway.ErrUserDisabled
	}
	if id.User.ExpiresAt != nil && id.User.ExpiresAt.Before(now) {
		return gateway.ErrUserDisabled
	}
	return nil
}

// adminIdentity is the synthetic caller for the bootstrap admin token.
// It bypasses quotas (all zero = unlimited) and carries the admin role.
func adminIdentity() *gateway.Identity {
	return &gateway.Identity{
		User: &gateway.User{ID: "admin", Name: "admin", Role: "admin", Enabled: true},
		Key:  &gateway.Key{ID: "admin", UserID: "admin", Name: "admin token", Enabled: true},
	}
}
