package exchange

import "math"

// RoundToTick rounds price to the nearest multiple of tick. Ties round away
// from zero. A zero or negative tick is a no-op so a missing spec never
// divides by zero.
func RoundToTick(price, tick float64) float64 {
	if tick <= 0 || math.IsNaN(price) || math.IsInf(price, 0) {
		return price
	}
	return math.Round(price/tick) * tick
}

// RoundToLot floors |qty| to the nearest multiple of lot. Quantities are
// magnitudes here; the caller carries direction on the order side. A zero or
// negative lot returns |qty| unchanged.
func RoundToLot(qty, lot float64) float64 {
	if math.IsNaN(qty) || math.IsInf(qty, 0) {
		return 0
	}
	qty = math.Abs(qty)
	if lot <= 0 {
		return qty
	}
	// Nudge before flooring so 0.3/0.1 = 2.9999... still counts as 3 lots.
	steps := math.Floor(qty/lot + 1e-9)
	if steps < 0 {
		steps = 0
	}
	return steps * lot
}

// ValidateOrderSize normalizes a requested quantity against the spec:
// non-positive (or NaN) requests become the minimum, the result is clamped to
// [MinOrderSize, MaxOrderSize] and floored to the lot grid. The return value
// is always finite and an exact lot multiple.
func ValidateOrderSize(qty float64, spec Spec) float64 {
	if math.IsNaN(qty) || qty <= 0 {
		qty = spec.MinOrderSize
	}
	if spec.MaxOrderSize > 0 && qty > spec.MaxOrderSize {
		qty = spec.MaxOrderSize
	}
	if qty < spec.MinOrderSize {
		qty = spec.MinOrderSize
	}
	return RoundToLot(qty, spec.LotSize)
}
