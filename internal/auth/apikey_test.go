package auth

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	gateway "github.com/vantagegw/vantage/internal"
)

type fakeIdentityStore struct {
	keys    map[string]*gateway.Key // hash -> key
	users   map[string]*gateway.User
	lookups int
	touched []string
}

func (f *fakeIdentityStore) GetKeyByHash(_ context.Context, hash string) (*gateway.Key, error) {
	f.lookups++
	if k, ok := f.keys[hash]; ok {
		return k, nil
	}
	return nil, gateway.ErrNotFound
}

func (f *fakeIdentityStore) GetUser(_ context.Context, id string) (*gateway.User, error) {
	if u, ok := f.users[id]; ok {
		return u, nil
	}
	return nil, gateway.ErrNotFound
}

func (f *fakeIdentityStore) TouchKeyUsed(_ context.Context, id string) error {
	f.touched = append(f.touched, id)
	return nil
}

func newFakeStore(raw string) *fakeIdentityStore {
	hash := gateway.HashKey(raw)
	return &fakeIdentityStore{
		keys: map[string]*gateway.Key{
			hash: {ID: "k1", UserID: "u1", KeyHash: hash, Enabled: true},
		},
		users: map[string]*gateway.User{
			"u1": {ID: "u1", Name: "alice", Role: "user", Enabled: true},
		},
	}
}

func TestAuthenticateBearer(t *testing.T) {
	t.Parallel()
	store := newFakeStore("vk_live_1")
	a, err := New(store, "")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	r := httptest.NewRequest("POST", "/v1/messages", nil)
	r.Header.Set("Authorization", "Bearer vk_live_1")

	id, err := a.Authenticate(context.Background(), r)
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if id.Key.ID != "k1" || id.User.ID != "u1" {
		t.Fatalf("identity = %+v", id)
	}
	if id.IsAdmin() {
		t.Fatal("plain user marked admin")
	}

	// Second call is served from cache.
	if _, err := a.Authenticate(context.Background(), r); err != nil {
		t.Fatalf("cached Authenticate: %v", err)
	}
	if store.lookups != 1 {
		t.Fatalf("lookups = %d, want 1", store.lookups)
	}
}

func TestAuthenticateXAPIKeyHeader(t *testing.T) {
	t.Parallel()
	a, err := New(newFakeStore("vk_live_2"), "")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	r := httptest.NewRequest("POST", "/v1/messages", nil)
	r.Header.Set("x-api-key", "vk_live_2")
	if _, err := a.Authenticate(context.Background(), r); err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
}

func TestAuthenticateRejections(t *testing.T) {
	t.Parallel()
	store := newFakeStore("vk_live_3")
	a, err := New(store, "")
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	r := httptest.NewRequest("POST", "/v1/messages", nil)
	if _, err := a.Authenticate(context.Background(), r); !errors.Is(err, gateway.ErrUnauthorized) {
		t.Fatalf("missing token = %v", err)
	}
	r.Header.Set("Authorization", "Bearer wrong")
	if _, err := a.Authenticate(context.Background(), r); !errors.Is(err, gateway.ErrUnauthorized) {
		t.Fatalf("unknown token = %v", err)
	}

	hash := gateway.HashKey("vk_live_3")
	store.keys[hash].Enabled = false
	r.Header.Set("Authorization", "Bearer vk_live_3")
	if _, err := a.Authenticate(context.Background(), r); !errors.Is(err, gateway.ErrKeyDisabled) {
		t.Fatalf("disabled key = %v", err)
	}

	store.keys[hash].Enabled = true
	past := time.Now().Add(-time.Hour)
	store.keys[hash].ExpiresAt = &past
	if _, err := a.Authenticate(context.Background(), r); !errors.Is(err, gateway.ErrKeyExpired) {
		t.Fatalf("expired key = %v", err)
	}

	store.keys[hash].ExpiresAt = nil
	store.users["u1"].Enabled = false
	if _, err := a.Authenticate(context.Background(), r); !errors.Is(err, gateway.ErrUserDisabled) {
		t.Fatalf("disabled user = %v", err)
	}
}

func TestAuthenticateAdminToken(t *testing.T) {
	t.Parallel()
	a, err := New(newFakeStore("vk_live_4"), "super-secret")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	r := httptest.NewRequest("GET", "/admin/users", nil)
	r.Header.Set("Authorization", "Bearer super-secret")
	id, err := a.Authenticate(context.Background(), r)
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if !id.IsAdmin() {
		t.Fatal("admin token did not yield admin identity")
	}
}

func TestInvalidateByKeyID(t *testing.T) {
	t.Parallel()
	store := newFakeStore("vk_live_5")
	a, err := New(store, "")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	r := httptest.NewRequest("POST", "/v1/messages", nil)
	r.Header.Set("Authorization", "Bearer vk_live_5")
	if _, err := a.Authenticate(context.Background(), r); err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	a.InvalidateByKeyID("k1")
	if _, err := a.Authenticate(context.Background(), r); err != nil {
		t.Fatalf("Authenticate after invalidate: %v", err)
	}
	if store.lookups != 2 {
		t.Fatalf("lookups = %d, want 2 after invalidation", store.lookups)
	}
}
