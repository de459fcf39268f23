package fixedpoint

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quasarlabs/quasard/internal/domain"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func TestCheckedOps(t *testing.T) {
	sum, err := Add(dec("1.5"), dec("2.25"))
	require.NoError(t, err)
	assert.True(t, sum.Equal(dec("3.75")))

	diff, err := Sub(dec("1"), dec("4"))
	require.NoError(t, err)
	assert.True(t, diff.Equal(dec("-3")))

	prod, err := Mul(dec("3"), dec("130"))
	require.NoError(t, err)
	assert.True(t, prod.Equal(dec("390")))

	quot, err := Div(dec("130"), dec("100"))
	require.NoError(t, err)
	assert.True(t, quot.Equal(dec("1.3")))
}

func TestOverflowReported(t *testing.T) {
	huge := decimal.New(1, 24) // at the boundary, still valid
	require.NoError(t, Check(huge))

	_, err := Mul(huge, dec("10"))
	require.ErrorIs(t, err, domain.ErrArithmeticOverflow)

	_, err = Add(huge, huge)
	require.ErrorIs(t, err, domain.ErrArithmeticOverflow)
}

func TestDivByZero(t *testing.T) {
	_, err := Div(dec("1"), decimal.Zero)
	require.ErrorIs(t, err, domain.ErrArithmeticOverflow)
}

func TestFlooring(t *testing.T) {
	// Token amounts floor toward zero at the minimal unit.
	assert.True(t, FloorTokens(dec("12.3456789")).Equal(dec("12.345678")))
	// Negative values floor away from zero; callers never floor negative
	// token amounts, but the direction is pinned here regardless.
	assert.True(t, FloorTokens(dec("-0.0000001")).Equal(dec("-0.000001")))

	assert.True(t, FloorCollateral(dec("99.9999999")).Equal(dec("99.999999")))
}

func TestFromBps(t *testing.T) {
	assert.True(t, FromBps(dec("25")).Equal(dec("0.0025")))
	assert.True(t, FromBps(decimal.Zero).IsZero())
}
