package broker

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/marketsentry/perpsim/exchange"
)

// ClosedTrade is one realized exit: a reducing fill, a full close, or a
// forced liquidation. Partial exits produce one record per reduction.
type ClosedTrade struct {
	ID          string
	Symbol      string
	Side        Side // side of the position that was reduced
	Size        float64
	EntryPrice  float64
	ExitPrice   float64
	OpenedAt    time.Time
	ClosedAt    time.Time
	RealizedPnl float64 // net of exit fees
	Fees        float64 // exit-side commission
	Funding     float64 // accumulated funding at close time
	Reason      string
}

// Liquidation reports one forced close.
type Liquidation struct {
	Symbol      string
	Side        Side
	Size        float64
	Price       float64
	Time        time.Time
	RealizedPnl float64
}

// Snapshot is the ledger state of one account at a point in time.
type Snapshot struct {
	Balance         float64
	TotalEquity     float64
	UsedMargin      float64
	AvailableMargin float64
	OpenPositions   int
}

// pendingOrder is a limit order the bar range has not touched yet.
type pendingOrder struct {
	order    Order
	state    OrderState
	leverage float64
	mode     MarginMode
}

// Broker owns one simulated account: its cash ledger and open positions.
// Instances share nothing; two brokers fed divergent order flow can never
// observe each other's state.
type Broker struct {
	mu       sync.Mutex
	log      *logrus.Logger
	executor *Executor

	balance   float64
	positions map[string]*Position
	pending   []*pendingOrder
	funding   map[string]*fundingState
	closed    []ClosedTrade

	nextOrder int
	nextTrade int
}

// New creates a broker with an initial cash balance. A nil logger falls back
// to the logrus standard logger.
func New(initialBalance float64, x *Executor, log *logrus.Logger) *Broker {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Broker{
		log:       log,
		executor:  x,
		balance:   initialBalance,
		positions: make(map[string]*Position),
		funding:   make(map[string]*fundingState),
	}
}

// MarketOrder executes a market order against the given bar context. The
// fill nets against existing exposure: it reduces or closes an opposite
// position first and opens the remainder on the other side.
func (b *Broker) MarketOrder(symbol string, side Side, qty float64, ctx ExecContext, leverage float64, mode MarginMode) (Execution, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	o := Order{
		ID:       b.orderID(),
		Symbol:   symbol,
		Side:     side,
		Type:     Market,
		Quantity: qty,
	}
	exec, err := b.executor.Execute(o, ctx)
	if err != nil {
		return exec, err
	}
	if exec.Status == Filled && exec.FillQuantity > 0 {
		b.applyLocked(&exec, leverage, mode, "signal")
	}
	b.logExecution(exec)
	return exec, nil
}

// LimitOrder executes a limit order. An untouched order is kept pending and
// retried by ProcessPending on later bars.
func (b *Broker) LimitOrder(symbol string, side Side, qty, price float64, postOnly bool, ctx ExecContext, leverage float64, mode MarginMode) (Execution, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	o := Order{
		ID:       b.orderID(),
		Symbol:   symbol,
		Side:     side,
		Type:     Limit,
		Quantity: qty,
		Price:    price,
		PostOnly: postOnly,
	}
	exec, err := b.executor.Execute(o, ctx)
	if err != nil {
		return exec, err
	}

	switch exec.Status {
	case Filled:
		if exec.FillQuantity > 0 {
			b.applyLocked(&exec, leverage, mode, "signal")
		}
	case Pending:
		st, _ := OrderNew.Transition(OrderOpen)
		b.pending = append(b.pending, &pendingOrder{order: o, state: st, leverage: leverage, mode: mode})
	}
	b.logExecution(exec)
	return exec, nil
}

// ClosePosition market-closes the full open exposure for symbol with a
// reduce-only order, so it can never flip.
func (b *Broker) ClosePosition(symbol string, ctx ExecContext, reason string) (Execution, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	p, ok := b.positions[symbol]
	if !ok {
		return Execution{}, fmt.Errorf("close position: no open position for %q", symbol)
	}

	o := Order{
		ID:         b.orderID(),
		Symbol:     symbol,
		Side:       p.Side.Opposite(),
		Type:       Market,
		Quantity:   p.Size,
		ReduceOnly: true,
		Reason:     reason,
	}
	exec, err := b.executor.Execute(o, ctx)
	if err != nil {
		return exec, err
	}
	if exec.Status == Filled && exec.FillQuantity > 0 {
		if reason == "" {
			reason = "close"
		}
		b.applyLocked(&exec, p.Leverage, p.Mode, reason)
	}
	b.logExecution(exec)
	return exec, nil
}

// ProcessPending retries pending limit orders for symbol against a new bar.
// Fills and rejections leave the pending set; untouched orders stay.
func (b *Broker) ProcessPending(symbol string, ctx ExecContext) []Execution {
	b.mu.Lock()
	defer b.mu.Unlock()

	var done []Execution
	kept := b.pending[:0]
	for _, po := range b.pending {
		if po.order.Symbol != symbol {
			kept = append(kept, po)
			continue
		}
		exec, err := b.executor.Execute(po.order, ctx)
		if err != nil || exec.Status == Pending {
			kept = append(kept, po)
			continue
		}
		if exec.Status == Filled && exec.FillQuantity > 0 {
			b.applyLocked(&exec, po.leverage, po.mode, "limit fill")
		}
		po.state, _ = po.state.Transition(OrderClosed)
		b.logExecution(exec)
		done = append(done, exec)
	}
	b.pending = kept
	return done
}

// CancelOrder cancels a pending limit order by ID.
func (b *Broker) CancelOrder(id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, po := range b.pending {
		if po.order.ID != id {
			continue
		}
		st, err := po.state.Transition(OrderClosed)
		if err != nil {
			return err
		}
		po.state = st
		b.pending = append(b.pending[:i], b.pending[i+1:]...)
		return nil
	}
	return fmt.Errorf("cancel order: %q not found", id)
}

// PendingOrders returns the open limit orders, oldest first.
func (b *Broker) PendingOrders() []Order {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]Order, 0, len(b.pending))
	for _, po := range b.pending {
		out = append(out, po.order)
	}
	return out
}

// SetFundingRate installs a funding rate for symbol. Accrual boundaries fall
// every eight hours counted from effectiveFrom, not from midnight.
func (b *Broker) SetFundingRate(symbol string, rate float64, effectiveFrom time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.funding[symbol] = &fundingState{
		Rate:        rate,
		EffectiveAt: effectiveFrom,
		LastAccrued: effectiveFrom,
	}
}

// UpdateMarkPrices revalues open positions, accrues any funding boundaries
// crossed since the last update, and force-closes positions whose mark has
// crossed their liquidation price. It returns the funding payments applied
// and the liquidations performed, in deterministic symbol order.
func (b *Broker) UpdateMarkPrices(prices map[string]float64, ts time.Time) ([]FundingPayment, []Liquidation, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	// 1. Revalue.
	for _, sym := range sortedKeys(b.positions) {
		if px, ok := prices[sym]; ok {
			b.positions[sym].MarkTo(px)
		}
	}

	// 2. Funding. Boundaries advance even with no position open, so a later
	// entry does not back-pay history.
	var payments []FundingPayment
	for _, sym := range sortedKeys(b.funding) {
		fs := b.funding[sym]
		boundaries := fs.accrueTo(ts)
		p, open := b.positions[sym]
		if !open || p.Size <= 0 || p.MarkPrice <= 0 {
			continue
		}
		for _, at := range boundaries {
			amt := fundingAmount(p.Side, fs.Rate, p.MarkPrice, p.Size)
			b.balance += amt
			p.AccumulatedFunding += amt
			payments = append(payments, FundingPayment{Symbol: sym, Time: at, Amount: amt})
		}
	}

	// 3. Liquidation sweep. Closing one position changes the cross-margin
	// picture for the rest, so keep sweeping until nothing crosses.
	var liqs []Liquidation
	for {
		liquidated := false
		for _, sym := range sortedKeys(b.positions) {
			p := b.positions[sym]
			spec := b.executor.Spec(sym)
			liqPrice := p.LiquidationPrice(b.availableFor(p), spec)
			if !p.liquidated(p.MarkPrice, liqPrice) {
				continue
			}
			liqs = append(liqs, b.liquidateLocked(p, exchange.RoundToTick(liqPrice, spec.TickSize), ts))
			liquidated = true
			break
		}
		if !liquidated {
			break
		}
	}

	return payments, liqs, nil
}

// State returns the current ledger snapshot.
func (b *Broker) State() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.snapshotLocked()
}

// Position returns a copy of the open position for symbol, if any.
func (b *Broker) Position(symbol string) (Position, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	p, ok := b.positions[symbol]
	if !ok {
		return Position{}, false
	}
	return *p, true
}

// Positions returns copies of all open positions in symbol order.
func (b *Broker) Positions() []Position {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]Position, 0, len(b.positions))
	for _, sym := range sortedKeys(b.positions) {
		out = append(out, *b.positions[sym])
	}
	return out
}

// ClosedTrades returns every realized exit so far, in close order.
func (b *Broker) ClosedTrades() []ClosedTrade {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]ClosedTrade, len(b.closed))
	copy(out, b.closed)
	return out
}

// --- internals; callers hold b.mu ---

// applyLocked nets a filled execution against the book: reduce opposite
// exposure first, then open or add with a margin check. An insufficient
// margin open rewrites the execution as Rejected with zero fill, zero
// commission and no ledger mutation.
func (b *Broker) applyLocked(exec *Execution, leverage float64, mode MarginMode, reason string) {
	if leverage < 1 {
		leverage = 1
	}
	o := exec.Order
	fill := Fill{
		Time:       exec.Time,
		Side:       o.Side,
		Price:      exec.FillPrice,
		Quantity:   exec.FillQuantity,
		Commission: exec.Commission,
	}

	p, ok := b.positions[o.Symbol]
	if ok && p.Side != o.Side {
		closed := fill.Quantity
		if closed > p.Size {
			closed = p.Size
		}
		remainder := fill.Quantity - closed
		exitFill := fill
		exitFill.Quantity = closed
		exitFill.Commission = exec.Commission * (closed / fill.Quantity)

		// A flip is all or nothing: check the remainder's margin against the
		// post-close ledger first, so a rejected order never touches state.
		if remainder > 0 && !o.ReduceOnly {
			pnl := float64(p.Side)*(exitFill.Price-p.EntryPrice)*closed - exitFill.Commission
			openCommission := exec.Commission - exitFill.Commission
			equityAfter := b.equityLocked() - p.UnrealizedPnl + pnl
			usedAfter := b.usedMarginLocked() - p.InitialMargin()
			if equityAfter-openCommission < usedAfter+fill.Price*remainder/leverage {
				*exec = reject(*exec, "insufficient margin")
				return
			}
		}

		entry := p.EntryPrice
		opened := p.OpenedAt
		side := p.Side
		funding := p.AccumulatedFunding
		pnl := p.reduceFill(exitFill)
		b.balance += pnl
		b.recordCloseLocked(p.Symbol, side, closed, entry, exitFill.Price, opened, exec.Time, pnl, exitFill.Commission, funding, reason)

		if p.Size <= 0 {
			delete(b.positions, o.Symbol)
		}
		if remainder <= 0 || o.ReduceOnly {
			return
		}

		// Flip: remainder opens the other side.
		fill.Quantity = remainder
		fill.Commission = exec.Commission - exitFill.Commission
		ok = false
	}

	if !ok {
		if o.ReduceOnly {
			return
		}
		// Entry commission is paid out of cash before the margin check.
		np := &Position{
			Symbol:   o.Symbol,
			Side:     o.Side,
			Leverage: leverage,
			Mode:     mode,
			OpenedAt: exec.Time,
		}
		np.addFill(fill)
		np.MarkTo(fill.Price)
		if b.equityLocked()-fill.Commission < b.usedMarginLocked()+np.InitialMargin() {
			*exec = reject(*exec, "insufficient margin")
			return
		}
		b.balance -= fill.Commission
		b.positions[o.Symbol] = np
		return
	}

	// Adding to the same side.
	addMargin := fill.Price * fill.Quantity / p.Leverage
	if b.equityLocked()-fill.Commission < b.usedMarginLocked()+addMargin {
		*exec = reject(*exec, "insufficient margin")
		return
	}
	b.balance -= fill.Commission
	p.addFill(fill)
	p.MarkTo(fill.Price)
}

func (b *Broker) liquidateLocked(p *Position, price float64, ts time.Time) Liquidation {
	spec := b.executor.Spec(p.Symbol)
	fee := price * p.Size * spec.TakerFeeBps / 10000
	pnl := float64(p.Side)*(price-p.EntryPrice)*p.Size - fee

	b.balance += pnl
	if b.balance < 0 {
		// The close price approximates the true threshold; never let the
		// account go negative on the overshoot.
		b.balance = 0
	}

	b.recordCloseLocked(p.Symbol, p.Side, p.Size, p.EntryPrice, price, p.OpenedAt, ts, pnl, fee, p.AccumulatedFunding, "liquidation")
	delete(b.positions, p.Symbol)

	b.log.WithFields(logrus.Fields{
		"symbol": p.Symbol,
		"side":   p.Side.String(),
		"size":   p.Size,
		"price":  price,
	}).Info("position liquidated")

	return Liquidation{
		Symbol:      p.Symbol,
		Side:        p.Side,
		Size:        p.Size,
		Price:       price,
		Time:        ts,
		RealizedPnl: pnl,
	}
}

func (b *Broker) recordCloseLocked(symbol string, side Side, size, entry, exit float64, openedAt, closedAt time.Time, pnl, fees, funding float64, reason string) {
	b.nextTrade++
	b.closed = append(b.closed, ClosedTrade{
		ID:          fmt.Sprintf("T-%06d", b.nextTrade),
		Symbol:      symbol,
		Side:        side,
		Size:        size,
		EntryPrice:  entry,
		ExitPrice:   exit,
		OpenedAt:    openedAt,
		ClosedAt:    closedAt,
		RealizedPnl: pnl,
		Fees:        fees,
		Funding:     funding,
		Reason:      reason,
	})
}

// availableFor is the margin cushion backing p: for cross mode the whole
// account's free equity plus this position's own margin (its unrealized PnL
// excluded to keep the threshold a function of entry, not of mark); for
// isolated mode its own margin adjusted by accumulated funding.
func (b *Broker) availableFor(p *Position) float64 {
	if p.Mode == Isolated {
		return p.InitialMargin() + p.AccumulatedFunding
	}
	equityExcl := b.balance
	for _, q := range b.positions {
		if q.Symbol != p.Symbol {
			equityExcl += q.UnrealizedPnl
		}
	}
	otherMargin := b.usedMarginLocked() - p.InitialMargin()
	return equityExcl - otherMargin
}

func (b *Broker) equityLocked() float64 {
	eq := b.balance
	for _, p := range b.positions {
		eq += p.UnrealizedPnl
	}
	return eq
}

func (b *Broker) usedMarginLocked() float64 {
	var used float64
	for _, p := range b.positions {
		used += p.InitialMargin()
	}
	return used
}

func (b *Broker) snapshotLocked() Snapshot {
	eq := b.equityLocked()
	used := b.usedMarginLocked()
	return Snapshot{
		Balance:         b.balance,
		TotalEquity:     eq,
		UsedMargin:      used,
		AvailableMargin: eq - used,
		OpenPositions:   len(b.positions),
	}
}

func (b *Broker) orderID() string {
	b.nextOrder++
	return fmt.Sprintf("O-%06d", b.nextOrder)
}

func (b *Broker) logExecution(exec Execution) {
	b.log.WithFields(logrus.Fields{
		"order":  exec.Order.ID,
		"symbol": exec.Order.Symbol,
		"side":   exec.Order.Side.String(),
		"status": exec.Status.String(),
		"price":  exec.FillPrice,
		"qty":    exec.FillQuantity,
		"reason": exec.RejectReason,
	}).Debug("execution")
}

func sortedKeys[M ~map[string]V, V any](m M) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
