// Package strategy defines the boundary between the engine and signal
// generation. Strategies are pure over the context they are handed: the
// engine restricts visible history to the current bar and earlier, so a
// strategy cannot peek ahead.
package strategy

import (
	"github.com/marketsentry/perpsim/broker"
	"github.com/marketsentry/perpsim/market"
)

// Signal is one trade intent produced by a strategy.
type Signal struct {
	Symbol     string
	Side       broker.Side
	Size       float64
	Type       broker.OrderType
	Price      float64 // limit orders
	PostOnly   bool
	StopLoss   float64 // 0 = none
	TakeProfit float64 // 0 = none
	Leverage   float64 // 0 = engine default
	Reason     string
}

// Context is the engine state visible to a strategy on one bar.
type Context struct {
	Symbol  string
	Index   int
	Candles []market.Candle // history up to and including Index
	Candle  market.Candle   // the current bar

	Position *broker.Position // copy of the open position, nil when flat
	Balance  float64
	Equity   float64
}

// Strategy produces zero or more signals per bar.
type Strategy interface {
	Name() string
	OnBar(ctx *Context) []Signal
}

// Func adapts a bare function to the Strategy interface.
type Func struct {
	ID string
	Fn func(ctx *Context) []Signal
}

func (f Func) Name() string                { return f.ID }
func (f Func) OnBar(ctx *Context) []Signal { return f.Fn(ctx) }
