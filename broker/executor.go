package broker

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/marketsentry/perpsim/exchange"
)

const (
	// maxImpactBps caps the market-impact component of a book-aware fill.
	maxImpactBps = 20.0
	// impactScaleBps is the impact per unit of order-size/top-of-book-size.
	impactScaleBps = 10.0
	// takerProbability is the chance a non-post-only limit fill pays taker.
	// It replaces the untracked randomness of live matching with a seeded,
	// reproducible draw.
	takerProbability = 0.5
)

// Executor turns Orders into Executions against one bar of market context.
// It is purely a fill simulator: it never touches positions or the ledger.
type Executor struct {
	specs map[string]exchange.Spec
	rng   *rand.Rand
}

// NewExecutor builds an executor over a spec table. Symbols missing from the
// table get a conservative synthetic spec. The seed drives the maker/taker
// draw for limit fills; the same seed always yields the same fills.
func NewExecutor(specs map[string]exchange.Spec, seed int64) *Executor {
	if specs == nil {
		specs = exchange.Specs
	}
	return &Executor{
		specs: specs,
		rng:   rand.New(rand.NewSource(seed)),
	}
}

// Spec returns the trading rules used for symbol.
func (x *Executor) Spec(symbol string) exchange.Spec {
	if s, ok := x.specs[symbol]; ok {
		return s
	}
	return exchange.DefaultSpec(symbol)
}

// Execute applies one order to one bar and returns the outcome. Errors are
// reserved for malformed context; bad orders come back as Rejected.
func (x *Executor) Execute(o Order, ctx ExecContext) (Execution, error) {
	spec := x.Spec(o.Symbol)

	exec := Execution{Order: o, Time: ctx.Time}
	if exec.Time.IsZero() {
		exec.Time = ctx.Candle.Time
	}

	if math.IsNaN(o.Quantity) || o.Quantity < 0 {
		return reject(exec, "quantity is negative or NaN"), nil
	}

	// Zero-quantity orders are valid no-ops: filled, nothing paid.
	if o.Quantity == 0 {
		exec.Status = Filled
		exec.FillPrice = exchange.RoundToTick(ctx.Candle.Close, spec.TickSize)
		return exec, nil
	}

	if o.Quantity < spec.MinOrderSize || (spec.MaxOrderSize > 0 && o.Quantity > spec.MaxOrderSize) {
		return reject(exec, fmt.Sprintf("quantity %g outside [%g, %g]",
			o.Quantity, spec.MinOrderSize, spec.MaxOrderSize)), nil
	}

	switch o.Type {
	case Market:
		return x.executeMarket(o, ctx, spec, exec), nil
	case Limit:
		return x.executeLimit(o, ctx, spec, exec), nil
	default:
		return reject(exec, fmt.Sprintf("unsupported order type %s", o.Type)), nil
	}
}

// executeMarket fills at the opposite L1 quote plus a size-dependent impact
// when a book snapshot is present, otherwise at the bar open adjusted by the
// configured slippage. The mark price (bar close) is the deviation reference.
func (x *Executor) executeMarket(o Order, ctx ExecContext, spec exchange.Spec, exec Execution) Execution {
	ref := ctx.Candle.Close

	var fill float64
	if b := ctx.Book; b != nil {
		quote := b.Ask
		avail := b.AskSize
		if o.Side == Sell {
			quote = b.Bid
			avail = b.BidSize
		}
		impact := maxImpactBps
		if avail > 0 {
			impact = math.Min(maxImpactBps, impactScaleBps*o.Quantity/avail)
		}
		fill = quote * (1 + float64(o.Side)*impact/10000)
	} else {
		fill = ctx.Candle.Open * (1 + float64(o.Side)*ctx.SlippageBps/10000)
	}

	fill = exchange.RoundToTick(fill, spec.TickSize)

	if ref > 0 && math.Abs(fill-ref) > ref*spec.PriceDeviationLimit {
		return reject(exec, fmt.Sprintf("fill %g deviates more than %.2f%% from mark %g",
			fill, spec.PriceDeviationLimit*100, ref))
	}

	exec.Status = Filled
	exec.FillPrice = fill
	exec.FillQuantity = o.Quantity
	exec.Commission = fill * o.Quantity * spec.TakerFeeBps / 10000
	if ref > 0 {
		exec.SlippageBps = float64(o.Side) * (fill - ref) / ref * 10000
	}
	return exec
}

// executeLimit fills only when the bar's range touched the limit price; an
// untouched order is Pending so it can fill on a later bar. Post-only orders
// always pay maker; otherwise a seeded draw picks the fee side.
func (x *Executor) executeLimit(o Order, ctx ExecContext, spec exchange.Spec, exec Execution) Execution {
	if o.Price <= 0 || math.IsNaN(o.Price) {
		return reject(exec, "limit order requires a positive price")
	}

	touched := ctx.Candle.Low <= o.Price
	if o.Side == Sell {
		touched = ctx.Candle.High >= o.Price
	}
	if !touched {
		exec.Status = Pending
		return exec
	}

	fill := exchange.RoundToTick(o.Price, spec.TickSize)

	maker := true
	if !o.PostOnly {
		maker = x.rng.Float64() >= takerProbability
	}
	feeBps := spec.MakerFeeBps
	if !maker {
		feeBps = spec.TakerFeeBps
	}

	exec.Status = Filled
	exec.FillPrice = fill
	exec.FillQuantity = o.Quantity
	exec.Commission = fill * o.Quantity * feeBps / 10000
	exec.Maker = maker
	return exec
}

func reject(exec Execution, reason string) Execution {
	exec.Status = Rejected
	exec.RejectReason = reason
	exec.FillPrice = 0
	exec.FillQuantity = 0
	exec.Commission = 0
	exec.SlippageBps = 0
	return exec
}
