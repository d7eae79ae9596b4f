package worker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	gateway "github.com/vantagegw/vantage/internal"
	"github.com/vantagegw/vantage/internal/pricing"
)

type fakeRequestStore struct {
	mu      sync.Mutex
	batches [][]*gateway.MessageRequest
}

func (s *fakeRequestStore) InsertRequests(_ context.Context, recs []*gateway.MessageRequest) error {
	s.mu.Lock()
	s.batches = append(s.batches, recs)
	s.mu.Unlock()
	return nil
}

func (s *fakeRequestStore) totalRecords() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, b := range s.batches {
		n += len(b)
	}
	return n
}

func (s *fakeRequestStore) firstRecord() *gateway.MessageRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, b := range s.batches {
		if len(b) > 0 {
			return b[0]
		}
	}
	return nil
}

type fakePrices struct {
	price *pricing.Price
}

func (f *fakePrices) Resolve(context.Context, string) (*pricing.Price, error) {
	if f.price != nil {
		return f.price, nil
	}
	return &pricing.Price{}, nil
}

type fakeSpend struct {
	mu       sync.Mutex
	user     []decimal.Decimal
	provider []decimal.Decimal
}

func (f *fakeSpend) RecordSpend(_ context.Context, _ *gateway.Identity, cost decimal.Decimal) error {
	f.mu.Lock()
	f.user = append(f.user, cost)
	f.mu.Unlock()
	return nil
}

func (f *fakeSpend) RecordProviderSpend(_ context.Context, _ *gateway.Provider, cost decimal.Decimal) error {
	f.mu.Lock()
	f.provider = append(f.provider, cost)
	f.mu.Unlock()
	return nil
}

func testIdentity() *gateway.Identity {
	return &gateway.Identity{
		User: &gateway.User{ID: "u1", Enabled: true},
		Key:  &gateway.Key{ID: "k1", UserID: "u1", Enabled: true},
	}
}

func TestFinaliserCostAttribution(t *testing.T) {
	t.Parallel()
	store := &fakeRequestStore{}
	spend := &fakeSpend{}
	prices := &fakePrices{price: &pricing.Price{
		Input:  decimal.RequireFromString("0.000003"),
		Output: decimal.RequireFromString("0.000015"),
	}}
	fin := NewFinaliser(store, prices, spend, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		fin.Run(ctx)
		close(done)
	}()

	fin.Enqueue(&Task{
		Rec: &gateway.MessageRequest{
			ID:     "req-1",
			UserID: "u1",
			KeyID:  "k1",
			Model:  "claude-3-opus",
			Usage:  gateway.Usage{InputTokens: 1000, OutputTokens: 500},
		},
		Identity: testIdentity(),
		Provider: &gateway.Provider{ID: "a", CostMultiplier: 2.0},
	})

	time.Sleep(50 * time.Millisecond)
	cancel()
	<-done

	rec := store.firstRecord()
	if rec == nil {
		t.Fatal("no record persisted")
	}
	// 1000*0.000003 + 500*0.000015 = 0.0105, times multiplier 2.
	if rec.CostUSD != "0.021" {
		t.Errorf("CostUSD = %q, want 0.021", rec.CostUSD)
	}
	if rec.CostMultiplier != 2.0 {
		t.Errorf("CostMultiplier = %v, want 2.0", rec.CostMultiplier)
	}

	spend.mu.Lock()
	defer spend.mu.Unlock()
	if len(spend.user) != 1 || !spend.user[0].Equal(decimal.RequireFromString("0.021")) {
		t.Errorf("user spend = %v, want [0.021]", spend.user)
	}
	if len(spend.provider) != 1 {
		t.Errorf("provider spend count = %d, want 1", len(spend.provider))
	}
}

func TestFinaliserBlockedRow(t *testing.T) {
	t.Parallel()
	store := &fakeRequestStore{}
	spend := &fakeSpend{}
	fin := NewFinaliser(store, &fakePrices{}, spend, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		fin.Run(ctx)
		close(done)
	}()

	// No provider served: the row persists at cost zero, no spend charged.
	fin.Enqueue(&Task{
		Rec: &gateway.MessageRequest{
			ID:            "req-blocked",
			UserID:        "u1",
			KeyID:         "k1",
			Model:         "claude-3-opus",
			StatusCode:    429,
			BlockedBy:     "quota",
			BlockedReason: "key 5h limit 10.00 USD exceeded",
		},
		Identity: testIdentity(),
	})

	time.Sleep(50 * time.Millisecond)
	cancel()
	<-done

	rec := store.firstRecord()
	if rec == nil {
		t.Fatal("no record persisted")
	}
	if rec.CostUSD != "0" {
		t.Errorf("CostUSD = %q, want 0", rec.CostUSD)
	}
	spend.mu.Lock()
	defer spend.mu.Unlock()
	if len(spend.user) != 0 || len(spend.provider) != 0 {
		t.Errorf("spend recorded for blocked row: user=%v provider=%v", spend.user, spend.provider)
	}
}

func TestFinaliserDropOnFull(t *testing.T) {
	t.Parallel()
	fin := &Finaliser{
		ch:     make(chan *Task, 2), // tiny buffer
		store:  &fakeRequestStore{},
		prices: &fakePrices{},
		spend:  &fakeSpend{},
	}

	fin.Enqueue(&Task{Rec: &gateway.MessageRequest{ID: "1"}})
	fin.Enqueue(&Task{Rec: &gateway.MessageRequest{ID: "2"}})
	// This one should be dropped silently.
	fin.Enqueue(&Task{Rec: &gateway.MessageRequest{ID: "3"}})

	if got := fin.QueueLength(); got != 2 {
		t.Errorf("queue length = %d, want 2", got)
	}
}

func TestFinaliserDrainOnShutdown(t *testing.T) {
	t.Parallel()
	store := &fakeRequestStore{}
	fin := NewFinaliser(store, &fakePrices{}, &fakeSpend{}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		fin.Run(ctx)
		close(done)
	}()

	fin.Enqueue(&Task{Rec: &gateway.MessageRequest{ID: "drain-1"}})
	fin.Enqueue(&Task{Rec: &gateway.MessageRequest{ID: "drain-2"}})

	time.Sleep(50 * time.Millisecond) // let the goroutine start
	cancel()
	<-done

	if store.totalRecords() < 2 {
		t.Errorf("expected at least 2 drained records, got %d", store.totalRecords())
	}
}
