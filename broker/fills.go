package broker

import "time"

// Fill is one executed slice of an order, the append-only unit the position
// model is rebuilt from.
type Fill struct {
	Time       time.Time
	Side       Side
	Price      float64
	Quantity   float64
	Commission float64
}

// PositionState is the pure aggregate of a fill log: what is open now and
// what has been realized along the way. EntryPrice is the size-weighted
// average over the fills building the currently-open exposure.
type PositionState struct {
	Side        Side // side of the open exposure; 0-size states keep the last side
	Size        float64
	EntryPrice  float64
	RealizedPnL float64 // exit-side commissions deducted, entry fees excluded
	Fees        float64 // all commissions, both sides
}

// ReduceFills replays an append-only fill log into a PositionState. The same
// arithmetic drives live position mutation, so replaying a journal gives back
// the exact ledger a run produced.
func ReduceFills(fills []Fill) PositionState {
	var st PositionState
	for _, f := range fills {
		st = st.apply(f)
	}
	return st
}

func (st PositionState) apply(f Fill) PositionState {
	st.Fees += f.Commission

	if f.Quantity <= 0 {
		return st
	}

	// Flat, or adding in the same direction: VWAP the entry.
	if st.Size == 0 || f.Side == st.Side {
		total := st.Size + f.Quantity
		st.EntryPrice = (st.EntryPrice*st.Size + f.Price*f.Quantity) / total
		st.Size = total
		st.Side = f.Side
		return st
	}

	// Netting against the open exposure. On a flip only the closing share of
	// the commission counts against realized PnL; the rest belongs to the new
	// exposure's cost basis.
	closed := f.Quantity
	if closed > st.Size {
		closed = st.Size
	}
	exitFee := f.Commission * (closed / f.Quantity)
	st.RealizedPnL += float64(st.Side)*(f.Price-st.EntryPrice)*closed - exitFee
	st.Size -= closed

	// Flip: the remainder opens fresh exposure on the other side.
	if rem := f.Quantity - closed; rem > 0 {
		st.Side = f.Side
		st.Size = rem
		st.EntryPrice = f.Price
	}
	return st
}
