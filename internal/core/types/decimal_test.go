package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewQuantityFromString(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"5", "5"},
		{"-2.5", "-2.5"},
		{"0.0001", "0.0001"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			q, err := NewQuantityFromString(tt.in)
			require.NoError(t, err)
			assert.True(t, MustQuantity(tt.want).Equal(q), "got %s", q)
		})
	}

	_, err := NewQuantityFromString("ten")
	assert.Error(t, err)

	_, err = NewQuantityFromString("1.23456")
	assert.Error(t, err, "excess precision is rejected")
}

func TestHasQuantityPrecision(t *testing.T) {
	assert.True(t, HasQuantityPrecision(MustQuantity("1.0001")))
	assert.True(t, HasQuantityPrecision(MustQuantity("1.50000")))
	assert.False(t, HasQuantityPrecision(MustMoney("0.00005")))
	assert.False(t, HasQuantityPrecision(MustMoney("1.00005")))
}

func TestWithinEpsilon(t *testing.T) {
	eps := DefaultEpsilon()
	assert.True(t, WithinEpsilon(MustQuantity("10"), MustQuantity("10.01"), eps))
	assert.True(t, WithinEpsilon(MustQuantity("10.01"), MustQuantity("10"), eps))
	assert.False(t, WithinEpsilon(MustQuantity("10"), MustQuantity("10.0101"), eps))
}

func TestRoundCost(t *testing.T) {
	c := MustMoney("74").Div(MustMoney("7"))
	assert.Equal(t, "10.571429", RoundCost(c).String())
}
