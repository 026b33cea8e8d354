package exchange

// MarginTier maps a notional exposure bracket to its maintenance margin rate.
// Brackets are ordered by ascending NotionalCeiling; the last tier's ceiling
// may be 0, meaning "no upper bound".
type MarginTier struct {
	NotionalCeiling float64 `json:"notional_ceiling" yaml:"notional_ceiling"`
	MaintenanceRate float64 `json:"maintenance_rate" yaml:"maintenance_rate"`
}

// Spec holds the static trading rules for one perpetual contract.
// A Spec is immutable after construction; all methods are read-only.
type Spec struct {
	Symbol              string       `json:"symbol" yaml:"symbol"`
	TickSize            float64      `json:"tick_size" yaml:"tick_size"`
	LotSize             float64      `json:"lot_size" yaml:"lot_size"`
	MinOrderSize        float64      `json:"min_order_size" yaml:"min_order_size"`
	MaxOrderSize        float64      `json:"max_order_size" yaml:"max_order_size"`
	MakerFeeBps         float64      `json:"maker_fee_bps" yaml:"maker_fee_bps"`
	TakerFeeBps         float64      `json:"taker_fee_bps" yaml:"taker_fee_bps"`
	PriceDeviationLimit float64      `json:"price_deviation_limit" yaml:"price_deviation_limit"`
	MarginTiers         []MarginTier `json:"margin_tiers,omitempty" yaml:"margin_tiers,omitempty"`
}

// fallbackMaintenanceRate is used when a spec carries no tier table.
const fallbackMaintenanceRate = 0.005

// MaintenanceRate returns the maintenance margin rate for a given notional
// exposure by walking the tier table.
func (s Spec) MaintenanceRate(notional float64) float64 {
	if len(s.MarginTiers) == 0 {
		return fallbackMaintenanceRate
	}
	for _, t := range s.MarginTiers {
		if t.NotionalCeiling <= 0 || notional <= t.NotionalCeiling {
			return t.MaintenanceRate
		}
	}
	return s.MarginTiers[len(s.MarginTiers)-1].MaintenanceRate
}

// DefaultSpec synthesizes a conservative spec for a symbol we have no rules
// for. Execution against unknown symbols degrades gracefully instead of
// failing the whole run.
func DefaultSpec(symbol string) Spec {
	return Spec{
		Symbol:              symbol,
		TickSize:            0.01,
		LotSize:             0.001,
		MinOrderSize:        0.001,
		MaxOrderSize:        1000,
		MakerFeeBps:         2,
		TakerFeeBps:         5,
		PriceDeviationLimit: 0.10,
		MarginTiers: []MarginTier{
			{NotionalCeiling: 50_000, MaintenanceRate: 0.005},
			{NotionalCeiling: 250_000, MaintenanceRate: 0.01},
			{NotionalCeiling: 0, MaintenanceRate: 0.025},
		},
	}
}

// Specs is the built-in rule table for the contracts we replay most often.
// Callers can always supply their own via config.
var Specs = map[string]Spec{
	"BTCUSDT": {
		Symbol:              "BTCUSDT",
		TickSize:            0.1,
		LotSize:             0.001,
		MinOrderSize:        0.001,
		MaxOrderSize:        1000,
		MakerFeeBps:         2,
		TakerFeeBps:         4,
		PriceDeviationLimit: 0.10,
		MarginTiers: []MarginTier{
			{NotionalCeiling: 50_000, MaintenanceRate: 0.004},
			{NotionalCeiling: 250_000, MaintenanceRate: 0.005},
			{NotionalCeiling: 1_000_000, MaintenanceRate: 0.01},
			{NotionalCeiling: 0, MaintenanceRate: 0.025},
		},
	},
	"ETHUSDT": {
		Symbol:              "ETHUSDT",
		TickSize:            0.01,
		LotSize:             0.01,
		MinOrderSize:        0.01,
		MaxOrderSize:        10000,
		MakerFeeBps:         2,
		TakerFeeBps:         4,
		PriceDeviationLimit: 0.10,
		MarginTiers: []MarginTier{
			{NotionalCeiling: 50_000, MaintenanceRate: 0.005},
			{NotionalCeiling: 250_000, MaintenanceRate: 0.0075},
			{NotionalCeiling: 0, MaintenanceRate: 0.025},
		},
	},
	"SOLUSDT": {
		Symbol:              "SOLUSDT",
		TickSize:            0.001,
		LotSize:             0.1,
		MinOrderSize:        0.1,
		MaxOrderSize:        100000,
		MakerFeeBps:         2,
		TakerFeeBps:         4,
		PriceDeviationLimit: 0.10,
	},
}

// Lookup returns the spec for symbol, falling back to DefaultSpec when the
// symbol is unknown. ok reports whether the symbol had explicit rules.
func Lookup(symbol string) (Spec, bool) {
	if s, ok := Specs[symbol]; ok {
		return s, true
	}
	return DefaultSpec(symbol), false
}
