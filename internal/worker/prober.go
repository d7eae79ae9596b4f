package worker

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	gateway "github.com/vantagegw/vantage/internal"
	"github.com/vantagegw/vantage/internal/breaker"
	"github.com/vantagegw/vantage/internal/kv"
)

// EndpointStore is the slice of storage the prober needs.
type EndpointStore interface {
	ListAllEndpoints(ctx context.Context) ([]*gateway.ProviderEndpoint, error)
	UpdateEndpointProbe(ctx context.Context, id string, probe gateway.ProbeState) error
}

// ProberConfig tunes the probe scheduler.
type ProberConfig struct {
	Interval    time.Duration
	Concurrency int
	Timeout     time.Duration
	LockTTL     time.Duration
}

// Prober periodically checks every enabled endpoint's liveness and stores
// the snapshot. A KV leader lock keeps exactly one gateway process probing
// at a time; followers skip the cycle.
type Prober struct {
	store   EndpointStore
	kv      *kv.Store
	vendors *breaker.VendorStore // may be nil
	client  *http.Client
	cfg     ProberConfig
	id      string // lock owner identity
}

// NewProber creates a Prober.
func NewProber(store EndpointStore, kvStore *kv.Store, vendors *breaker.VendorStore, cfg ProberConfig) *Prober {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = cfg.Interval + cfg.Interval/2
	}
	return &Prober{
		store:   store,
		kv:      kvStore,
		vendors: vendors,
		client:  &http.Client{},
		cfg:     cfg,
		id:      uuid.Must(uuid.NewV7()).String(),
	}
}

// Run probes on the configured interval until ctx is cancelled.
func (p *Prober) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if p.acquireLock(ctx) {
				p.probeAll(ctx)
			}
		case <-ctx.Done():
			return nil
		}
	}
}

// acquireLock takes or renews the probe leader lock. The lock TTL outlives
// the interval so the leader keeps renewing it; it expires naturally when
// the leader dies.
func (p *Prober) acquireLock(ctx context.Context) bool {
	ok, err := p.kv.SetStringNX(ctx, kv.ProbeLockKey, p.id, p.cfg.LockTTL)
	if err != nil {
		slog.LogAttrs(ctx, slog.LevelWarn, "probe lock failed",
			slog.String("error", err.Error()),
		)
		return false
	}
	if ok {
		return true
	}
	owner, err := p.kv.GetString(ctx, kv.ProbeLockKey)
	if err != nil || owner != p.id {
		return false
	}
	if err := p.kv.Expire(ctx, kv.ProbeLockKey, p.cfg.LockTTL); err != nil {
		slog.LogAttrs(ctx, slog.LevelWarn, "probe lock renew failed",
			slog.String("error", err.Error()),
		)
	}
	return true
}

func (p *Prober) probeAll(ctx context.Context) {
	endpoints, err := p.store.ListAllEndpoints(ctx)
	if err != nil {
		slog.LogAttrs(ctx, slog.LevelError, "endpoint list failed",
			slog.String("error", err.Error()),
		)
		return
	}

	// Endpoint counts per (vendor, type) feed the vendor blackout logic.
	counts := make(map[string]int)
	for _, e := range endpoints {
		if e.Enabled {
			counts[e.VendorID+"/"+string(e.Type)]++
		}
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.Concurrency)
	for _, e := range endpoints {
		if !e.Enabled {
			continue
		}
		g.Go(func() error {
			st := p.probe(ctx, e)
			if err := p.store.UpdateEndpointProbe(ctx, e.ID, st); err != nil {
				slog.LogAttrs(ctx, slog.LevelWarn, "probe snapshot write failed",
					slog.String("endpoint", e.ID),
					slog.String("error", err.Error()),
				)
			}
			if !st.OK && p.vendors != nil {
				p.vendors.RecordEndpointFailure(ctx, e.VendorID, e.Type,
					counts[e.VendorID+"/"+string(e.Type)])
			}
			return nil
		})
	}
	g.Wait() //nolint:errcheck
}

// ProbeNow probes one endpoint immediately and persists the snapshot. The
// admin probe-now handler calls it directly, bypassing the leader lock.
func (p *Prober) ProbeNow(ctx context.Context, e *gateway.ProviderEndpoint) (gateway.ProbeState, error) {
	st := p.probe(ctx, e)
	if err := p.store.UpdateEndpointProbe(ctx, e.ID, st); err != nil {
		return st, err
	}
	return st, nil
}

// probe issues an unauthenticated GET against the endpoint's model-list
// path. Any response, even 401, proves the endpoint is reachable; only
// 5xx and transport errors count as down.
func (p *Prober) probe(ctx context.Context, e *gateway.ProviderEndpoint) gateway.ProbeState {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	now := time.Now()
	st := gateway.ProbeState{ProbedAt: &now}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.BaseURL+probePath(e.Type), nil)
	if err != nil {
		st.ErrorType = "bad_url"
		return st
	}
	start := time.Now()
	resp, err := p.client.Do(req)
	st.LatencyMs = time.Since(start).Milliseconds()
	if err != nil {
		st.ErrorType = probeErrorType(err)
		return st
	}
	resp.Body.Close()
	st.Status = resp.StatusCode
	st.OK = resp.StatusCode < 500
	if !st.OK {
		st.ErrorType = "server_error"
	}
	return st
}

func probePath(t gateway.ProviderType) string {
	switch t {
	case gateway.TypeGemini, gateway.TypeGeminiCLI:
		return "/v1beta/models"
	default:
		return "/v1/models"
	}
}

func probeErrorType(err error) string {
	var ne net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout()) {
		return "timeout"
	}
	return "connect"
}
