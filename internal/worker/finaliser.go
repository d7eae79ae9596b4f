package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"

	gateway "github.com/vantagegw/vantage/internal"
	"github.com/vantagegw/vantage/internal/pricing"
)

const (
	finalChanSize   = 1000
	finalBatchSize  = 100
	finalFlushEvery = 5 * time.Second
	finalDrainTime  = 30 * time.Second
)

// RequestStore is the persistence interface consumed by the Finaliser.
type RequestStore interface {
	InsertRequests(ctx context.Context, recs []*gateway.MessageRequest) error
}

// PriceResolver resolves a model's parsed price.
type PriceResolver interface {
	Resolve(ctx context.Context, model string) (*pricing.Price, error)
}

// SpendRecorder charges a completed request's cost against the live quota
// windows.
type SpendRecorder interface {
	RecordSpend(ctx context.Context, id *gateway.Identity, cost decimal.Decimal) error
	RecordProviderSpend(ctx context.Context, p *gateway.Provider, cost decimal.Decimal) error
}

// Task is one finished request awaiting cost attribution and persistence.
// Provider is nil when no provider served the request (blocked, no
// candidates).
type Task struct {
	Rec      *gateway.MessageRequest
	Identity *gateway.Identity
	Provider *gateway.Provider
}

// Finaliser prices finished requests, charges the cost windows and
// batch-writes the audit rows. The window counters are the live quota;
// the DB row is the audit log, so spend is recorded before the insert
// and an insert failure is logged, never retried.
type Finaliser struct {
	ch       chan *Task
	store    RequestStore
	prices   PriceResolver
	spend    SpendRecorder
	queueLen prometheus.Gauge // may be nil
}

// NewFinaliser creates a Finaliser. queueLen may be nil.
func NewFinaliser(store RequestStore, prices PriceResolver, spend SpendRecorder, queueLen prometheus.Gauge) *Finaliser {
	return &Finaliser{
		ch:       make(chan *Task, finalChanSize),
		store:    store,
		prices:   prices,
		spend:    spend,
		queueLen: queueLen,
	}
}

// Enqueue hands a finished request over. It never blocks; drops on full
// channel (back-pressure on slow DB).
func (f *Finaliser) Enqueue(t *Task) {
	select {
	case f.ch <- t:
		f.gauge()
	default:
		slog.Warn("usage record dropped, finaliser queue full",
			"request", t.Rec.ID)
	}
}

// QueueLength returns the number of queued tasks.
func (f *Finaliser) QueueLength() int { return len(f.ch) }

func (f *Finaliser) gauge() {
	if f.queueLen != nil {
		f.queueLen.Set(float64(len(f.ch)))
	}
}

// Run processes tasks until ctx is cancelled, then drains the queue.
func (f *Finaliser) Run(ctx context.Context) error {
	ticker := time.NewTicker(finalFlushEvery)
	defer ticker.Stop()

	buf := make([]*Task, 0, finalBatchSize)

	for {
		select {
		case t := <-f.ch:
			f.gauge()
			buf = append(buf, t)
			if len(buf) >= finalBatchSize {
				f.flush(ctx, buf)
				buf = buf[:0]
			}

		case <-ticker.C:
			if len(buf) > 0 {
				f.flush(ctx, buf)
				buf = buf[:0]
			}

		case <-ctx.Done():
			f.drain(buf)
			return nil
		}
	}
}

func (f *Finaliser) drain(buf []*Task) {
	ctx, cancel := context.WithTimeout(context.Background(), finalDrainTime)
	defer cancel()

	for {
		select {
		case t := <-f.ch:
			buf = append(buf, t)
			if len(buf) >= finalBatchSize {
				f.flush(ctx, buf)
				buf = buf[:0]
			}
		default:
			if len(buf) > 0 {
				f.flush(ctx, buf)
			}
			return
		}
	}
}

func (f *Finaliser) flush(ctx context.Context, buf []*Task) {
	recs := make([]*gateway.MessageRequest, 0, len(buf))
	for _, t := range buf {
		f.finalise(ctx, t)
		recs = append(recs, t.Rec)
	}
	if err := f.store.InsertRequests(ctx, recs); err != nil {
		slog.LogAttrs(ctx, slog.LevelError, "usage flush failed",
			slog.Int("count", len(recs)),
			slog.String("error", err.Error()),
		)
	}
	f.gauge()
}

// finalise prices one task and charges the cost windows. Pricing failures
// record the row at cost zero rather than losing it.
func (f *Finaliser) finalise(ctx context.Context, t *Task) {
	rec := t.Rec
	if rec.ID == "" {
		rec.ID = uuid.Must(uuid.NewV7()).String()
	}
	if rec.CostUSD == "" {
		rec.CostUSD = "0"
	}
	if t.Provider == nil {
		return
	}
	rec.CostMultiplier = t.Provider.CostMultiplier

	price, err := f.prices.Resolve(ctx, rec.Model)
	if err != nil {
		slog.LogAttrs(ctx, slog.LevelError, "price resolve failed",
			slog.String("request", rec.ID),
			slog.String("model", rec.Model),
			slog.String("error", err.Error()),
		)
		return
	}
	cost := price.Cost(rec.Usage, pricing.CostOptions{
		Context1M:  rec.Context1M,
		Multiplier: rec.CostMultiplier,
	})
	rec.CostUSD = cost.String()
	if cost.IsZero() {
		return
	}

	if t.Identity != nil {
		if err := f.spend.RecordSpend(ctx, t.Identity, cost); err != nil {
			slog.LogAttrs(ctx, slog.LevelError, "spend record failed",
				slog.String("request", rec.ID),
				slog.String("error", err.Error()),
			)
		}
	}
	if err := f.spend.RecordProviderSpend(ctx, t.Provider, cost); err != nil {
		slog.LogAttrs(ctx, slog.LevelError, "provider spend record failed",
			slog.String("request", rec.ID),
			slog.String("provider", t.Provider.ID),
			slog.String("error", err.Error()),
		)
	}
}
