package broker

import (
	"fmt"
	"time"

	"github.com/marketsentry/perpsim/exchange"
)

type MarginMode int8

const (
	Cross MarginMode = iota
	Isolated
)

func (m MarginMode) String() string {
	switch m {
	case Cross:
		return "CROSS"
	case Isolated:
		return "ISOLATED"
	}
	return fmt.Sprintf("MarginMode(%d)", int8(m))
}

// Position is the open exposure for one symbol in one account. It is created
// by the first opening fill, mutated by every later fill, mark update and
// funding boundary, and removed when size reaches zero.
type Position struct {
	Symbol     string
	Side       Side // +1 long, -1 short
	Size       float64
	EntryPrice float64 // size-weighted average across opening fills
	Leverage   float64
	Mode       MarginMode

	AccumulatedFunding float64 // signed; negative = paid out
	UnrealizedPnl      float64 // refreshed on every mark update
	RealizedPnl        float64 // realized on reducing fills, frozen at close

	OpenedAt  time.Time
	MarkPrice float64

	Fills []Fill // append-only; ReduceFills over this must match the fields above
}

// Notional is the exposure valued at entry.
func (p *Position) Notional() float64 {
	return p.EntryPrice * p.Size
}

// InitialMargin is the margin this position consumes from the account.
func (p *Position) InitialMargin() float64 {
	if p.Leverage < 1 {
		return p.Notional()
	}
	return p.Notional() / p.Leverage
}

// MarkTo revalues the position at a new mark price.
func (p *Position) MarkTo(price float64) {
	p.MarkPrice = price
	p.UnrealizedPnl = float64(p.Side) * (price - p.EntryPrice) * p.Size
}

// addFill grows the exposure and moves the entry VWAP.
func (p *Position) addFill(f Fill) {
	total := p.Size + f.Quantity
	p.EntryPrice = (p.EntryPrice*p.Size + f.Price*f.Quantity) / total
	p.Size = total
	p.Fills = append(p.Fills, f)
}

// reduceFill closes up to qty of the exposure at the fill price and returns
// the realized PnL net of the fill's exit-side commission. Entry commissions
// stay sunk in cost basis.
func (p *Position) reduceFill(f Fill) float64 {
	closed := f.Quantity
	if closed > p.Size {
		closed = p.Size
	}
	pnl := float64(p.Side)*(f.Price-p.EntryPrice)*closed - f.Commission
	p.Size -= closed
	p.RealizedPnl += pnl
	p.Fills = append(p.Fills, f)
	return pnl
}

// LiquidationPrice computes the mark price at which this position is force
// closed, given the margin cushion available to it. The cushion is the
// allocated margin (whole-account available margin for cross mode, the
// position's own margin plus accumulated funding for isolated) minus the
// maintenance requirement for the entry notional.
func (p *Position) LiquidationPrice(available float64, spec exchange.Spec) float64 {
	if p.Size <= 0 {
		return 0
	}
	notional := p.Notional()
	maintenance := spec.MaintenanceRate(notional) * notional

	cushion := available - maintenance
	if cushion < 0 {
		cushion = 0
	}
	perUnit := cushion / p.Size

	if p.Side == Buy {
		price := p.EntryPrice - perUnit
		if price < 0 {
			price = 0
		}
		return price
	}
	return p.EntryPrice + perUnit
}

// liquidated reports whether mark has crossed the liquidation threshold.
func (p *Position) liquidated(mark, liqPrice float64) bool {
	if p.Size <= 0 {
		return false
	}
	if p.Side == Buy {
		return mark <= liqPrice
	}
	return mark >= liqPrice
}

// fundingInterval is the accrual cadence, anchored to the moment a rate was
// set rather than to wall-clock hours.
const fundingInterval = 8 * time.Hour

// fundingState tracks one symbol's current rate and how far accrual has run.
type fundingState struct {
	Rate        float64
	EffectiveAt time.Time
	LastAccrued time.Time
}

// accrueTo returns the funding boundaries in (LastAccrued, now] and advances
// LastAccrued past them.
func (f *fundingState) accrueTo(now time.Time) []time.Time {
	if f.EffectiveAt.IsZero() || !now.After(f.EffectiveAt) {
		return nil
	}
	var due []time.Time
	next := f.LastAccrued.Add(fundingInterval)
	for !next.After(now) {
		due = append(due, next)
		f.LastAccrued = next
		next = f.LastAccrued.Add(fundingInterval)
	}
	return due
}

// FundingPayment is one applied funding transfer, reported back to callers.
// Amount is signed from the account's perspective: negative means paid out.
type FundingPayment struct {
	Symbol string
	Time   time.Time
	Amount float64
}

// fundingAmount computes the signed account cash flow for one boundary:
// longs pay positive rates, shorts receive them, mirrored for negative rates.
func fundingAmount(side Side, rate, mark, size float64) float64 {
	return -float64(side) * rate * mark * size
}
