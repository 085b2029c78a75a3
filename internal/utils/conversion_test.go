package utils

import (
	"math"
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFixedToFloat64(t *testing.T) {
	amount, ok := new(big.Int).SetString("3000000000000000000000", 10) // 3000 * 1e18
	require.True(t, ok)

	out, err := FixedToFloat64(amount, 18)
	require.NoError(t, err)
	require.Equal(t, 3000.0, out)

	out, err = FixedToFloat64(big.NewInt(150_000_000), 6)
	require.NoError(t, err)
	require.Equal(t, 150.0, out)
}

func TestFixedToFloat64Errors(t *testing.T) {
	_, err := FixedToFloat64(nil, 18)
	require.ErrorIs(t, err, ErrAmountNil)

	_, err = FixedToFloat64(big.NewInt(-1), 18)
	require.ErrorIs(t, err, ErrAmountNegative)

	_, err = FixedToFloat64(big.NewInt(1), 19)
	require.ErrorIs(t, err, ErrInvalidPrecision)
}

func TestFloat64ToFixed(t *testing.T) {
	out, err := Float64ToFixed(3000.5, 18)
	require.NoError(t, err)
	want, ok := new(big.Int).SetString("3000500000000000000000", 10)
	require.True(t, ok)
	require.Equal(t, 0, out.Cmp(want))

	out, err = Float64ToFixed(0, 18)
	require.NoError(t, err)
	require.Zero(t, out.Sign())
}

func TestFloat64ToFixedErrors(t *testing.T) {
	_, err := Float64ToFixed(math.NaN(), 18)
	require.ErrorIs(t, err, ErrNotFinite)

	_, err = Float64ToFixed(math.Inf(1), 18)
	require.ErrorIs(t, err, ErrNotFinite)

	_, err = Float64ToFixed(-1, 18)
	require.ErrorIs(t, err, ErrAmountNegative)

	_, err = Float64ToFixed(1, -1)
	require.ErrorIs(t, err, ErrInvalidPrecision)
}

func TestRoundTripPreservesValue(t *testing.T) {
	in := 1234.567891
	fixed, err := Float64ToFixed(in, 18)
	require.NoError(t, err)
	out, err := FixedToFloat64(fixed, 18)
	require.NoError(t, err)
	require.InEpsilon(t, in, out, 1e-12)
}
