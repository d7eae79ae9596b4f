package breaker

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	gateway "github.com/vantagegw/vantage/internal"
	"github.com/vantagegw/vantage/internal/kv"
)

func newTestKV(t *testing.T) *kv.Store {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return kv.NewFromClient(rdb)
}

func breakerProvider(id string, threshold int) *gateway.Provider {
	return &gateway.Provider{
		ID:   id,
		Name: id,
		Type: gateway.TypeClaude,
		Breaker: gateway.BreakerConfig{
			FailureThreshold:         threshold,
			OpenDurationMs:           60_000,
			HalfOpenSuccessThreshold: 2,
		},
	}
}

// waitForKVState polls for the asynchronously persisted breaker record.
func waitForKVState(t *testing.T, kvs *kv.Store, providerID string, want gateway.CircuitState) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		var st gateway.BreakerState
		err := kvs.GetJSON(context.Background(), kv.CircuitProviderKey(providerID), &st)
		if err == nil && st.State == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("breaker state %q never reached the KV", want)
}

func TestFailuresOpenAtThreshold(t *testing.T) {
	t.Parallel()
	s := NewStore(newTestKV(t), nil)
	ctx := context.Background()
	p := breakerProvider("p1", 3)

	for i := 0; i < 2; i++ {
		if st := s.RecordFailure(ctx, p); st != gateway.CircuitClosed {
			t.Fatalf("state after %d failures = %q, want closed", i+1, st)
		}
	}
	if st := s.RecordFailure(ctx, p); st != gateway.CircuitOpen {
		t.Fatalf("state at threshold = %q, want open", st)
	}
}

func TestSuccessResetsFailureCount(t *testing.T) {
	t.Parallel()
	s := NewStore(newTestKV(t), nil)
	ctx := context.Background()
	p := breakerProvider("p1", 2)

	if st := s.RecordFailure(ctx, p); st != gateway.CircuitClosed {
		t.Fatalf("state = %q, want closed below threshold", st)
	}
	s.RecordSuccess(ctx, p)
	if st := s.RecordFailure(ctx, p); st != gateway.CircuitClosed {
		t.Fatalf("state = %q, success did not reset the count", st)
	}
	if st := s.RecordFailure(ctx, p); st != gateway.CircuitOpen {
		t.Fatalf("state = %q, want open after consecutive failures", st)
	}
}

func TestOpenBreakerGatesRequests(t *testing.T) {
	t.Parallel()
	kvs := newTestKV(t)
	s := NewStore(kvs, nil)
	ctx := context.Background()
	p := breakerProvider("p1", 1)

	if st := s.RecordFailure(ctx, p); st != gateway.CircuitOpen {
		t.Fatalf("state = %q, want open at threshold 1", st)
	}
	waitForKVState(t, kvs, "p1", gateway.CircuitOpen)
	if s.Allow(ctx, p) {
		t.Fatal("open breaker admitted a request")
	}
}

func TestAllowPicksUpRemoteOpen(t *testing.T) {
	t.Parallel()
	kvs := newTestKV(t)
	ctx := context.Background()
	p := breakerProvider("p1", 3)

	// Another process opened the breaker; the KV record is all we have.
	open := gateway.BreakerState{
		State:        gateway.CircuitOpen,
		FailureCount: 3,
		OpenUntil:    time.Now().Add(time.Hour),
	}
	if err := kvs.SetJSON(ctx, kv.CircuitProviderKey("p1"), open, 0); err != nil {
		t.Fatalf("seed state: %v", err)
	}

	s := NewStore(kvs, nil)
	if s.Allow(ctx, p) {
		t.Fatal("remote open state not picked up on first access")
	}
}

func TestAllowReconcilesRemoteReset(t *testing.T) {
	t.Parallel()
	kvs := newTestKV(t)
	ctx := context.Background()
	p := breakerProvider("p1", 3)

	open := gateway.BreakerState{
		State:        gateway.CircuitOpen,
		FailureCount: 3,
		OpenUntil:    time.Now().Add(time.Hour),
	}
	if err := kvs.SetJSON(ctx, kv.CircuitProviderKey("p1"), open, 0); err != nil {
		t.Fatalf("seed state: %v", err)
	}

	s := NewStore(kvs, nil)
	if s.Allow(ctx, p) {
		t.Fatal("seeded open state not honoured")
	}

	// An admin reset on another process deletes the key; a vanished record
	// means closed.
	if err := kvs.Delete(ctx, kv.CircuitProviderKey("p1")); err != nil {
		t.Fatalf("delete state: %v", err)
	}
	if !s.Allow(ctx, p) {
		t.Fatal("provider still gated after the KV record vanished")
	}
	if st := s.State(ctx, "p1"); st.State != gateway.CircuitClosed {
		t.Fatalf("state = %q, want closed after reset", st.State)
	}
}

func TestHalfOpenRecovery(t *testing.T) {
	t.Parallel()
	kvs := newTestKV(t)
	ctx := context.Background()
	p := breakerProvider("p1", 3)

	elapsed := gateway.BreakerState{
		State:        gateway.CircuitOpen,
		FailureCount: 3,
		OpenUntil:    time.Now().Add(-time.Second),
	}
	if err := kvs.SetJSON(ctx, kv.CircuitProviderKey("p1"), elapsed, 0); err != nil {
		t.Fatalf("seed state: %v", err)
	}

	s := NewStore(kvs, nil)
	if !s.Allow(ctx, p) {
		t.Fatal("elapsed open window did not admit a probe request")
	}

	// HalfOpenSuccessThreshold is 2: the first success keeps probing, the
	// second closes the circuit.
	s.RecordSuccess(ctx, p)
	s.RecordSuccess(ctx, p)
	if st := s.State(ctx, "p1"); st.State != gateway.CircuitClosed {
		t.Fatalf("state = %q, want closed after recovery", st.State)
	}
}

func TestHalfOpenFailureReopens(t *testing.T) {
	t.Parallel()
	kvs := newTestKV(t)
	ctx := context.Background()
	p := breakerProvider("p1", 3)

	elapsed := gateway.BreakerState{
		State:        gateway.CircuitOpen,
		FailureCount: 3,
		OpenUntil:    time.Now().Add(-time.Second),
	}
	if err := kvs.SetJSON(ctx, kv.CircuitProviderKey("p1"), elapsed, 0); err != nil {
		t.Fatalf("seed state: %v", err)
	}

	s := NewStore(kvs, nil)
	if !s.Allow(ctx, p) {
		t.Fatal("elapsed open window did not admit a probe request")
	}
	if st := s.RecordFailure(ctx, p); st != gateway.CircuitOpen {
		t.Fatalf("state = %q, want open after failed probe", st)
	}
}

func TestDisabledBreakerNeverTrips(t *testing.T) {
	t.Parallel()
	s := NewStore(newTestKV(t), nil)
	ctx := context.Background()
	p := breakerProvider("p1", 0)

	for i := 0; i < 10; i++ {
		if st := s.RecordFailure(ctx, p); st != gateway.CircuitClosed {
			t.Fatalf("state = %q, want closed with breaker disabled", st)
		}
	}
	if !s.Allow(ctx, p) {
		t.Fatal("disabled breaker blocked a request")
	}
}

func TestResetClearsState(t *testing.T) {
	t.Parallel()
	kvs := newTestKV(t)
	s := NewStore(kvs, nil)
	ctx := context.Background()
	p := breakerProvider("p1", 1)

	if st := s.RecordFailure(ctx, p); st != gateway.CircuitOpen {
		t.Fatalf("state = %q, want open", st)
	}
	waitForKVState(t, kvs, "p1", gateway.CircuitOpen)

	if err := s.Reset(ctx, "p1"); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if !s.Allow(ctx, p) {
		t.Fatal("reset breaker still gating requests")
	}
	var st gateway.BreakerState
	err := kvs.GetJSON(ctx, kv.CircuitProviderKey("p1"), &st)
	if err != kv.ErrNotFound {
		t.Fatalf("KV record after reset: %v, want ErrNotFound", err)
	}
}
