package server

import (
	"context"
	"sync"

	gateway "github.com/vantagegw/vantage/internal"
	"github.com/vantagegw/vantage/internal/storage"
)

// memStore is an in-memory storage.Store for handler tests. Methods the
// tests never touch fall through to the embedded nil interface.
type memStore struct {
	storage.Store

	mu        sync.Mutex
	users     map[string]*gateway.User
	keys      map[string]*gateway.Key
	vendors   map[string]*gateway.ProviderVendor
	endpoints map[string]*gateway.ProviderEndpoint
	providers map[string]*gateway.Provider
	prices    map[string]*gateway.ModelPrice
	words     []*gateway.SensitiveWord
	errRules  []*gateway.ErrorRule
	filters   []*gateway.RequestFilter
	requests  []*gateway.MessageRequest
}

func newMemStore() *memStore {
	return &memStore{
		users:     make(map[string]*gateway.User),
		keys:      make(map[string]*gateway.Key),
		vendors:   make(map[string]*gateway.ProviderVendor),
		endpoints: make(map[string]*gateway.ProviderEndpoint),
		providers: make(map[string]*gateway.Provider),
		prices:    make(map[string]*gateway.ModelPrice),
	}
}

func (s *memStore) CreateUser(_ context.Context, u *gateway.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[u.ID]; ok {
		return gateway.ErrConflict
	}
	s.users[u.ID] = u
	return nil
}

func (s *memStore) GetUser(_ context.Context, id string) (*gateway.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return nil, gateway.ErrNotFound
	}
	return u, nil
}

func (s *memStore) ListUsers(_ context.Context, _, _ int) ([]*gateway.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*gateway.User, 0, len(s.users))
	for _, u := range s.users {
		out = append(out, u)
	}
	return out, nil
}

func (s *memStore) UpdateUser(_ context.Context, u *gateway.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[u.ID]; !ok {
		return gateway.ErrNotFound
	}
	s.users[u.ID] = u
	return nil
}

func (s *memStore) DeleteUser(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[id]; !ok {
		return gateway.ErrNotFound
	}
	delete(s.users, id)
	return nil
}

func (s *memStore) CreateKey(_ context.Context, k *gateway.Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.keys[k.ID]; ok {
		return gateway.ErrConflict
	}
	s.keys[k.ID] = k
	return nil
}

func (s *memStore) GetKey(_ context.Context, id string) (*gateway.Key, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.keys[id]
	if !ok {
		return nil, gateway.ErrNotFound
	}
	return k, nil
}

func (s *memStore) ListKeys(_ context.Context, userID string) ([]*gateway.Key, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []*gateway.Key{}
	for _, k := range s.keys {
		if userID == "" || k.UserID == userID {
			out = append(out, k)
		}
	}
	return out, nil
}

func (s *memStore) UpdateKey(_ context.Context, k *gateway.Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.keys[k.ID]; !ok {
		return gateway.ErrNotFound
	}
	s.keys[k.ID] = k
	return nil
}

func (s *memStore) DeleteKey(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.keys[id]; !ok {
		return gateway.ErrNotFound
	}
	delete(s.keys, id)
	return nil
}

func (s *memStore) CreateVendor(_ context.Context, v *gateway.ProviderVendor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.vendors[v.ID] = v
	return nil
}

func (s *memStore) GetVendor(_ context.Context, id string) (*gateway.ProviderVendor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.vendors[id]
	if !ok {
		return nil, gateway.ErrNotFound
	}
	return v, nil
}

func (s *memStore) ListVendors(_ context.Context) ([]*gateway.ProviderVendor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []*gateway.ProviderVendor{}
	for _, v := range s.vendors {
		out = append(out, v)
	}
	return out, nil
}

func (s *memStore) CreateEndpoint(_ context.Context, e *gateway.ProviderEndpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.endpoints[e.ID] = e
	return nil
}

func (s *memStore) GetEndpoint(_ context.Context, id string) (*gateway.ProviderEndpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.endpoints[id]
	if !ok {
		return nil, gateway.ErrNotFound
	}
	return e, nil
}

func (s *memStore) ListEndpoints(_ context.Context, vendorID string) ([]*gateway.ProviderEndpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []*gateway.ProviderEndpoint{}
	for _, e := range s.endpoints {
		if e.VendorID == vendorID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *memStore) CreateProvider(_ context.Context, p *gateway.Provider) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.providers[p.ID]; ok {
		return gateway.ErrConflict
	}
	s.providers[p.ID] = p
	return nil
}

func (s *memStore) GetProvider(_ context.Context, id string) (*gateway.Provider, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.providers[id]
	if !ok {
		return nil, gateway.ErrNotFound
	}
	return p, nil
}

func (s *memStore) ListProviders(_ context.Context) ([]*gateway.Provider, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []*gateway.Provider{}
	for _, p := range s.providers {
		out = append(out, p)
	}
	return out, nil
}

func (s *memStore) ListEnabledProviders(_ context.Context) ([]*gateway.Provider, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []*gateway.Provider{}
	for _, p := range s.providers {
		if p.Enabled {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *memStore) UpdateProvider(_ context.Context, p *gateway.Provider) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.providers[p.ID]; !ok {
		return gateway.ErrNotFound
	}
	s.providers[p.ID] = p
	return nil
}

func (s *memStore) DeleteProvider(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.providers[id]; !ok {
		return gateway.ErrNotFound
	}
	delete(s.providers, id)
	return nil
}

func (s *memStore) UpsertPrice(_ context.Context, p *gateway.ModelPrice) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prices[p.Model] = p
	return nil
}

func (s *memStore) GetPrice(_ context.Context, model string) (*gateway.ModelPrice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.prices[model]
	if !ok {
		return nil, gateway.ErrNotFound
	}
	return p, nil
}

func (s *memStore) ListPrices(_ context.Context) ([]*gateway.ModelPrice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []*gateway.ModelPrice{}
	for _, p := range s.prices {
		out = append(out, p)
	}
	return out, nil
}

func (s *memStore) DeletePrice(_ context.Context, model string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.prices[model]; !ok {
		return gateway.ErrNotFound
	}
	delete(s.prices, model)
	return nil
}

func (s *memStore) CreateSensitiveWord(_ context.Context, w *gateway.SensitiveWord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.words = append(s.words, w)
	return nil
}

func (s *memStore) ListSensitiveWords(_ context.Context) ([]*gateway.SensitiveWord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.words, nil
}

func (s *memStore) DeleteSensitiveWord(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, w := range s.words {
		if w.ID == id {
			s.words = append(s.words[:i], s.words[i+1:]...)
			return nil
		}
	}
	return gateway.ErrNotFound
}

func (s *memStore) CreateErrorRule(_ context.Context, r *gateway.ErrorRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errRules = append(s.errRules, r)
	return nil
}

func (s *memStore) ListErrorRules(_ context.Context) ([]*gateway.ErrorRule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errRules, nil
}

func (s *memStore) CreateRequestFilter(_ context.Context, f *gateway.RequestFilter) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.filters = append(s.filters, f)
	return nil
}

func (s *memStore) ListRequestFilters(_ context.Context) ([]*gateway.RequestFilter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.filters, nil
}

func (s *memStore) ListRequests(_ context.Context, _ storage.RequestFilterSpec) ([]*gateway.MessageRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests, nil
}

func (s *memStore) Close() error { return nil }
