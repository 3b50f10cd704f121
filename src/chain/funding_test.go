package chain

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExpectedUnitsExactDivision(t *testing.T) {
	// 1550 KES at 155 KES/USD is exactly 10 USDC.
	units, err := ExpectedUnits(1550, 155, 6)
	require.NoError(t, err)
	assert.Equal(t, "10000000", units.String())
}

func TestExpectedUnitsCeils(t *testing.T) {
	// 1000 / 130 = 7.692307... USDC; the remainder rounds up one unit.
	units, err := ExpectedUnits(1000, 130, 6)
	require.NoError(t, err)
	assert.Equal(t, "7692308", units.String())
}

func TestExpectedUnitsFractionalKes(t *testing.T) {
	units, err := ExpectedUnits(1013.00, 130, 6)
	require.NoError(t, err)
	// 1013 / 130 = 7.792307... -> 7792308 after the ceiling.
	assert.Equal(t, "7792308", units.String())
}

func TestExpectedUnitsRejectsBadInput(t *testing.T) {
	_, err := ExpectedUnits(0, 130, 6)
	assert.Error(t, err)

	_, err = ExpectedUnits(1000, 0, 6)
	assert.Error(t, err)

	_, err = ExpectedUnits(-5, 130, 6)
	assert.Error(t, err)
}

func TestExpectedUnitsClampsDecimals(t *testing.T) {
	a, err := ExpectedUnits(130, 130, -3)
	require.NoError(t, err)
	b, err := ExpectedUnits(130, 130, 0)
	require.NoError(t, err)
	assert.Equal(t, b.String(), a.String())

	units, err := ExpectedUnits(130, 130, 18)
	require.NoError(t, err)
	assert.Equal(t, "1000000000000000000", units.String())
}

func TestUnitsToUsd(t *testing.T) {
	assert.Equal(t, 10.0, UnitsToUsd(big.NewInt(10_000_000), 6))
	assert.Equal(t, 0.000001, UnitsToUsd(big.NewInt(1), 6))
	assert.Equal(t, 0.0, UnitsToUsd(nil, 6))
}

func TestUsdToUnits(t *testing.T) {
	units, err := UsdToUnits(10.25, 6)
	require.NoError(t, err)
	assert.Equal(t, "10250000", units.String())

	_, err = UsdToUnits(0, 6)
	assert.Error(t, err)

	_, err = UsdToUnits(-1, 6)
	assert.Error(t, err)
}
