// Package breaker implements the per-provider circuit breakers that gate
// upstream calls. Breaker state lives in two places: a process-local map
// for the closed-state hot path, and the distributed KV, which is the
// source of truth for open and half-open states across processes.
package breaker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	gateway "github.com/vantagegw/vantage/internal"
	"github.com/vantagegw/vantage/internal/kv"
)

// defaultOpenDuration applies when a provider does not configure one.
const defaultOpenDuration = 30 * time.Minute

// persistTimeout bounds the async KV write after a state transition.
const persistTimeout = 5 * time.Second

// Store owns per-provider breaker state. All transitions for one provider
// are serialised on that provider's entry lock; KV writes are fired after
// the local state machine has decided the transition.
type Store struct {
	kv       *kv.Store
	notifier gateway.Notifier

	mu      sync.Mutex
	entries map[string]*entry
}

type entry struct {
	mu       sync.Mutex
	loaded   bool // KV state fetched at least once
	state    gateway.BreakerState
	lastUsed time.Time
}

// NewStore returns a breaker store backed by the given KV.
func NewStore(store *kv.Store, notifier gateway.Notifier) *Store {
	if notifier == nil {
		notifier = gateway.NopNotifier{}
	}
	return &Store{
		kv:       store,
		notifier: notifier,
		entries:  make(map[string]*entry),
	}
}

func (s *Store) entryFor(providerID string) *entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[providerID]
	if !ok {
		e = &entry{state: gateway.BreakerState{State: gateway.CircuitClosed}}
		s.entries[providerID] = e
	}
	return e
}

// syncKV brings the entry in line with the KV. The first access always
// fetches; with reconcile set, a local open or half-open state is re-read
// too, because the KV is the source of truth there and a miss means an
// admin reset happened on another process. The entry lock is released for
// the duration of the read so a slow KV never stalls the closed-state hot
// path behind it.
func (s *Store) syncKV(ctx context.Context, providerID string, e *entry, reconcile bool) {
	e.mu.Lock()
	first := !e.loaded
	needed := first || (reconcile && e.state.State != gateway.CircuitClosed)
	e.mu.Unlock()
	if !needed {
		return
	}

	var st gateway.BreakerState
	err := s.kv.GetJSON(ctx, kv.CircuitProviderKey(providerID), &st)

	e.mu.Lock()
	defer e.mu.Unlock()
	e.loaded = true
	switch err {
	case nil:
		e.state = st
	case kv.ErrNotFound:
		e.state = gateway.BreakerState{State: gateway.CircuitClosed}
	default:
		// KV unavailable: keep the local view rather than failing open.
		if first {
			slog.LogAttrs(ctx, slog.LevelWarn, "breaker state load failed",
				slog.String("provider", providerID),
				slog.String("error", err.Error()),
			)
		}
	}
}

// persist writes the state to KV asynchronously, off the caller's lock.
func (s *Store) persist(ctx context.Context, providerID string, st gateway.BreakerState) {
	go func() {
		pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
		defer cancel()
		if err := s.kv.SetJSON(pctx, kv.CircuitProviderKey(providerID), st, 0); err != nil {
			slog.LogAttrs(pctx, slog.LevelWarn, "breaker state persist failed",
				slog.String("provider", providerID),
				slog.String("error", err.Error()),
			)
		}
	}()
}

// Allow reports whether a request to the provider may proceed. An Open
// breaker whose open window has elapsed transitions to Half-Open and
// admits the request as a probe.
func (s *Store) Allow(ctx context.Context, p *gateway.Provider) bool {
	if p.Breaker.FailureThreshold <= 0 {
		return true // breaker disabled for this provider
	}
	e := s.entryFor(p.ID)
	s.syncKV(ctx, p.ID, e, true)

	e.mu.Lock()
	defer e.mu.Unlock()
	e.lastUsed = time.Now()
	switch e.state.State {
	case gateway.CircuitClosed:
		return true
	case gateway.CircuitOpen:
		if time.Now().After(e.state.OpenUntil) {
			e.state.State = gateway.CircuitHalfOpen
			e.state.HalfOpenSuccessCount = 0
			s.persist(ctx, p.ID, e.state)
			return true
		}
		return false
	case gateway.CircuitHalfOpen:
		return true
	}
	return true
}

// State returns the provider's current breaker state snapshot.
func (s *Store) State(ctx context.Context, providerID string) gateway.BreakerState {
	e := s.entryFor(providerID)
	s.syncKV(ctx, providerID, e, true)
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// RecordSuccess records a successful upstream call.
func (s *Store) RecordSuccess(ctx context.Context, p *gateway.Provider) {
	if p.Breaker.FailureThreshold <= 0 {
		return
	}
	e := s.entryFor(p.ID)
	s.syncKV(ctx, p.ID, e, false)

	e.mu.Lock()
	defer e.mu.Unlock()
	e.lastUsed = time.Now()
	switch e.state.State {
	case gateway.CircuitClosed:
		if e.state.FailureCount != 0 {
			e.state.FailureCount = 0
			s.persist(ctx, p.ID, e.state)
		}
	case gateway.CircuitHalfOpen:
		e.state.HalfOpenSuccessCount++
		threshold := p.Breaker.HalfOpenSuccessThreshold
		if threshold <= 0 {
			threshold = 1
		}
		if e.state.HalfOpenSuccessCount >= threshold {
			e.state = gateway.BreakerState{State: gateway.CircuitClosed}
		}
		s.persist(ctx, p.ID, e.state)
	}
}

// RecordFailure records a classified upstream failure and returns the
// resulting state.
func (s *Store) RecordFailure(ctx context.Context, p *gateway.Provider) gateway.CircuitState {
	if p.Breaker.FailureThreshold <= 0 {
		return gateway.CircuitClosed
	}
	e := s.entryFor(p.ID)
	s.syncKV(ctx, p.ID, e, false)

	e.mu.Lock()
	defer e.mu.Unlock()
	e.lastUsed = time.Now()
	now := time.Now()
	e.state.LastFailureTime = now

	switch e.state.State {
	case gateway.CircuitClosed:
		e.state.FailureCount++
		if e.state.FailureCount >= p.Breaker.FailureThreshold {
			s.open(ctx, p, e, now)
		} else {
			s.persist(ctx, p.ID, e.state)
		}
	case gateway.CircuitHalfOpen:
		s.open(ctx, p, e, now)
	case gateway.CircuitOpen:
		s.persist(ctx, p.ID, e.state)
	}
	return e.state.State
}

// open transitions to Open and emits the circuit alert. Must hold e.mu.
func (s *Store) open(ctx context.Context, p *gateway.Provider, e *entry, now time.Time) {
	dur := defaultOpenDuration
	if p.Breaker.OpenDurationMs > 0 {
		dur = time.Duration(p.Breaker.OpenDurationMs) * time.Millisecond
	}
	e.state.State = gateway.CircuitOpen
	e.state.OpenUntil = now.Add(dur)
	e.state.HalfOpenSuccessCount = 0
	s.persist(ctx, p.ID, e.state)

	go s.notifier.Notify(context.WithoutCancel(ctx), "circuit_breaker_alert", map[string]any{
		"provider_id":   p.ID,
		"provider_name": p.Name,
		"failure_count": e.state.FailureCount,
		"open_until":    e.state.OpenUntil,
	})
}

// Reset clears a provider's breaker: counters, KV state and the in-memory
// shadow. Used by admin.
func (s *Store) Reset(ctx context.Context, providerID string) error {
	e := s.entryFor(providerID)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state = gateway.BreakerState{State: gateway.CircuitClosed}
	e.loaded = true
	return s.kv.Delete(ctx, kv.CircuitProviderKey(providerID))
}

// TripHalfOpen moves an Open breaker directly to Half-Open, letting the
// next request probe the provider without waiting out the open window.
func (s *Store) TripHalfOpen(ctx context.Context, providerID string) {
	e := s.entryFor(providerID)
	s.syncKV(ctx, providerID, e, false)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state.State != gateway.CircuitOpen {
		return
	}
	e.state.State = gateway.CircuitHalfOpen
	e.state.HalfOpenSuccessCount = 0
	s.persist(ctx, providerID, e.state)
}

// EvictStale drops in-memory entries not used since cutoff. KV state is
// untouched; entries reload lazily on next access.
func (s *Store) EvictStale(cutoff time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	evicted := 0
	for id, e := range s.entries {
		e.mu.Lock()
		stale := e.lastUsed.Before(cutoff)
		e.mu.Unlock()
		if stale {
			delete(s.entries, id)
			evicted++
		}
	}
	return evicted
}
