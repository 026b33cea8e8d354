package broker

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOrderStateTransitions(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		from OrderState
		to   OrderState
		ok   bool
	}{
		{"new_to_open", OrderNew, OrderOpen, true},
		{"new_to_closed", OrderNew, OrderClosed, true},
		{"open_to_closed", OrderOpen, OrderClosed, true},
		{"open_to_new", OrderOpen, OrderNew, false},
		{"closed_to_open", OrderClosed, OrderOpen, false},
		{"new_to_new", OrderNew, OrderNew, false},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := tt.from.Transition(tt.to)
			if tt.ok {
				require.NoError(t, err)
				assert.Equal(t, tt.to, got)
			} else {
				require.Error(t, err)
				assert.Equal(t, tt.from, got)
			}
		})
	}
}

func TestSideOpposite(t *testing.T) {
	t.Parallel()

	assert.Equal(t, Sell, Buy.Opposite())
	assert.Equal(t, Buy, Sell.Opposite())
}

func TestBookSpread(t *testing.T) {
	t.Parallel()

	b := BookSnapshot{Bid: 49990, Ask: 50010}
	assert.InDelta(t, 4, b.Spread(), 1e-9)

	assert.Zero(t, BookSnapshot{}.Spread())
}
