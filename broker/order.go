package broker

import (
	"fmt"
	"time"

	"github.com/marketsentry/perpsim/market"
)

// Side: +1 buy, -1 sell. The sign convention keeps PnL math branch-free:
// pnl = side * (exit - entry) * qty.
type Side int8

const (
	Buy  Side = +1
	Sell Side = -1
)

func (s Side) String() string {
	switch s {
	case Buy:
		return "BUY"
	case Sell:
		return "SELL"
	}
	return fmt.Sprintf("Side(%d)", int8(s))
}

// Opposite returns the other side.
func (s Side) Opposite() Side { return -s }

type OrderType int8

const (
	Market OrderType = iota
	Limit
)

func (t OrderType) String() string {
	switch t {
	case Market:
		return "MARKET"
	case Limit:
		return "LIMIT"
	}
	return fmt.Sprintf("OrderType(%d)", int8(t))
}

type Status int8

const (
	Filled Status = iota
	Pending
	Rejected
)

func (s Status) String() string {
	switch s {
	case Filled:
		return "FILLED"
	case Pending:
		return "PENDING"
	case Rejected:
		return "REJECTED"
	}
	return fmt.Sprintf("Status(%d)", int8(s))
}

// Order is an immutable intent to trade. Execution never mutates it; results
// come back as a separate Execution.
type Order struct {
	ID         string
	Symbol     string
	Side       Side
	Type       OrderType
	Quantity   float64
	Price      float64 // limit orders only
	PostOnly   bool
	ReduceOnly bool // close/liquidation paths: never opens or flips exposure
	Reason     string
}

// Execution is the outcome of applying one Order to one bar of market
// context. A rejected execution carries zero fill and zero commission.
type Execution struct {
	Order        Order
	Status       Status
	FillPrice    float64
	FillQuantity float64
	Commission   float64
	SlippageBps  float64
	Maker        bool
	RejectReason string
	Time         time.Time
}

// BookSnapshot is an optional L1 view used by the market-impact fill model.
type BookSnapshot struct {
	Bid     float64
	Ask     float64
	BidSize float64
	AskSize float64
}

// Spread returns the bid/ask spread in basis points of the mid price.
func (b BookSnapshot) Spread() float64 {
	mid := (b.Bid + b.Ask) / 2
	if mid <= 0 {
		return 0
	}
	return (b.Ask - b.Bid) / mid * 10000
}

// ExecContext is one bar of market context handed to the Executor.
type ExecContext struct {
	Candle      market.Candle
	Book        *BookSnapshot
	SlippageBps float64
	Time        time.Time
}

// OrderState is the lifecycle of an order held by the broker. Pending limit
// orders sit in Open until a later bar fills or cancels them.
type OrderState int8

const (
	OrderNew OrderState = iota
	OrderOpen
	OrderClosed
)

func (s OrderState) String() string {
	switch s {
	case OrderNew:
		return "NEW"
	case OrderOpen:
		return "OPEN"
	case OrderClosed:
		return "CLOSED"
	}
	return fmt.Sprintf("OrderState(%d)", int8(s))
}

var validOrderTransitions = map[OrderState][]OrderState{
	OrderNew:  {OrderOpen, OrderClosed},
	OrderOpen: {OrderClosed},
}

// Transition moves the state machine forward, rejecting anything but
// NEW->OPEN, NEW->CLOSED and OPEN->CLOSED.
func (s OrderState) Transition(to OrderState) (OrderState, error) {
	for _, ok := range validOrderTransitions[s] {
		if to == ok {
			return to, nil
		}
	}
	return s, fmt.Errorf("order state: invalid transition %s -> %s", s, to)
}
