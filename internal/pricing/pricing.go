// Package pricing computes per-request cost from the model price
// catalogue. All arithmetic is decimal end-to-end; binary floats never
// touch a cost figure.
package pricing

import (
	"fmt"

	"github.com/shopspring/decimal"

	gateway "github.com/vantagegw/vantage/internal"
)

// CostScale is the decimal scale of every recorded cost.
const CostScale = 15

var (
	two          = decimal.NewFromInt(2)
	onePointFive = decimal.RequireFromString("1.5")
)

// Price is a ModelPrice with its decimal fields parsed.
type Price struct {
	Input           decimal.Decimal
	Output          decimal.Decimal
	CacheCreate5m   decimal.Decimal
	CacheCreate1h   decimal.Decimal
	CacheRead       decimal.Decimal
	PerRequest      decimal.Decimal
	InputAbove200k  decimal.Decimal // zero = no explicit tier
	OutputAbove200k decimal.Decimal
	Supports1M      bool
}

// ParsePrice parses the decimal-string fields of a catalogue row.
func ParsePrice(mp *gateway.ModelPrice) (*Price, error) {
	p := &Price{Supports1M: mp.Supports1MContext}
	fields := []struct {
		dst *decimal.Decimal
		src string
	}{
		{&p.Input, mp.InputCostPerToken},
		{&p.Output, mp.OutputCostPerToken},
		{&p.CacheCreate5m, mp.CacheCreation5mCost},
		{&p.CacheCreate1h, mp.CacheCreation1hCost},
		{&p.CacheRead, mp.CacheReadCost},
		{&p.PerRequest, mp.CostPerRequest},
		{&p.InputAbove200k, mp.InputCostAbove200k},
		{&p.OutputAbove200k, mp.OutputCostAbove200k},
	}
	for _, f := range fields {
		if f.src == "" {
			continue
		}
		d, err := decimal.NewFromString(f.src)
		if err != nil {
			return nil, fmt.Errorf("price for %q: %w", mp.Model, err)
		}
		*f.dst = d
	}
	return p, nil
}

// CostOptions carries the per-request pricing modifiers.
type CostOptions struct {
	Context1M  bool    // Claude 1M-context applied: input x2, output x1.5
	Multiplier float64 // provider cost multiplier
}

// Cost computes the request cost: the sum of per-component token products,
// times the provider multiplier, rounded at 15 dp.
//
// Tiering: when the 1M-context multiplier applies it wins over an explicit
// above-200k tier; cache creation follows the input-tier multiplier. The
// explicit tier switches the input/output unit prices once the summed
// input-side tokens exceed the 200k threshold.
func (p *Price) Cost(u gateway.Usage, opts CostOptions) decimal.Decimal {
	input := p.Input
	output := p.Output
	cache5m := p.CacheCreate5m
	cache1h := p.CacheCreate1h

	switch {
	case opts.Context1M && p.Supports1M:
		input = input.Mul(two)
		output = output.Mul(onePointFive)
		cache5m = cache5m.Mul(two)
		cache1h = cache1h.Mul(two)
	case p.aboveTier(u):
		if !p.InputAbove200k.IsZero() {
			input = p.InputAbove200k
		}
		if !p.OutputAbove200k.IsZero() {
			output = p.OutputAbove200k
		}
	}

	cost := input.Mul(decimal.NewFromInt(int64(u.InputTokens))).
		Add(output.Mul(decimal.NewFromInt(int64(u.OutputTokens)))).
		Add(cache5m.Mul(decimal.NewFromInt(int64(u.CacheCreation5mInputTokens)))).
		Add(cache1h.Mul(decimal.NewFromInt(int64(u.CacheCreation1hInputTokens)))).
		Add(p.CacheRead.Mul(decimal.NewFromInt(int64(u.CacheReadInputTokens)))).
		Add(p.PerRequest)

	if opts.Multiplier != 1 {
		cost = cost.Mul(decimal.NewFromFloat(opts.Multiplier))
	}
	return cost.Round(CostScale)
}

// aboveTier reports whether the input side of the request crosses the
// 200k-token tier threshold.
func (p *Price) aboveTier(u gateway.Usage) bool {
	if p.InputAbove200k.IsZero() && p.OutputAbove200k.IsZero() {
		return false
	}
	inputSide := u.InputTokens + u.CacheCreation5mInputTokens +
		u.CacheCreation1hInputTokens + u.CacheReadInputTokens
	return inputSide > gateway.TierThresholdTokens
}

// MinCost returns the cheapest non-zero unit price times one token: the
// conservative lower bound the quota guard charges before forwarding.
func (p *Price) MinCost() decimal.Decimal {
	min := decimal.Zero
	for _, d := range []decimal.Decimal{p.Input, p.CacheRead, p.Output} {
		if d.IsZero() {
			continue
		}
		if min.IsZero() || d.LessThan(min) {
			min = d
		}
	}
	return min
}
