package pricing

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSurcharges_PicksContainingRange(t *testing.T) {
	s, err := NewSurcharges([]Range{
		{ID: 2, Min: d("500001"), Max: d("1000000"), Formula: "price * 0.02 + 1000.0"},
		{ID: 1, Min: d("0"), Max: d("500000"), Formula: "5000"},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, s.Len())

	got, err := s.Eval(d("500000"))
	require.NoError(t, err)
	assert.True(t, got.Equal(d("5000")), got.String())

	got, err = s.Eval(d("600000"))
	require.NoError(t, err)
	assert.True(t, got.Equal(d("13000")), got.String())

	// gap between ranges and beyond the last one
	for _, base := range []string{"500000.5", "2000000"} {
		got, err = s.Eval(d(base))
		require.NoError(t, err)
		assert.True(t, got.IsZero(), base)
	}
}

func TestSurcharges_RejectsOverlap(t *testing.T) {
	_, err := NewSurcharges([]Range{
		{ID: 1, Min: d("0"), Max: d("1000"), Formula: "1.0"},
		{ID: 2, Min: d("1000"), Max: d("2000"), Formula: "2.0"},
	})
	assert.Error(t, err)
}

func TestSurcharges_RejectsBadFormula(t *testing.T) {
	for _, f := range []string{"base +", "unknown * 2.0", "'text'"} {
		_, err := NewSurcharges([]Range{{ID: 1, Min: d("0"), Max: d("10"), Formula: f}})
		assert.Error(t, err, f)
	}

	_, err := NewSurcharges([]Range{{ID: 1, Min: d("10"), Max: d("0"), Formula: "1.0"}})
	assert.Error(t, err)
}

func TestSurcharges_Empty(t *testing.T) {
	s, err := NewSurcharges(nil)
	require.NoError(t, err)
	got, err := s.Eval(d("123"))
	require.NoError(t, err)
	assert.True(t, got.IsZero())
}
