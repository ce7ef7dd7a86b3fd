package money

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromString_Canonical(t *testing.T) {
	a, err := FromString("385000.00")
	require.NoError(t, err)
	assert.Equal(t, "385000.00", a.String())

	b, err := FromString("10000")
	require.NoError(t, err)
	assert.Equal(t, "10000.00", b.String())

	_, err = FromString("not-money")
	assert.Error(t, err)
}

func TestBankersRounding(t *testing.T) {
	// Half-to-even at 2 fractional digits.
	tests := []struct {
		in   string
		want string
	}{
		{"1.005", "1.00"},
		{"1.015", "1.02"},
		{"1.025", "1.02"},
		{"1.035", "1.04"},
		{"-1.005", "-1.00"},
	}

	for _, tt := range tests {
		a := MustParse(tt.in)
		assert.Equal(t, tt.want, a.String(), "rounding %s", tt.in)
	}
}

func TestArithmetic(t *testing.T) {
	price := MustParse("385000.00")
	rate := MustRate("0.03")

	commission := price.MulRate(rate)
	assert.Equal(t, "11550.00", commission.String())

	remainder := price.Sub(commission).Sub(commission)
	assert.Equal(t, "361900.00", remainder.String())

	assert.True(t, remainder.IsPositive())
	assert.False(t, remainder.IsNegative())
	assert.True(t, price.GreaterThan(commission))
}

func TestSum(t *testing.T) {
	total := Sum(
		MustParse("1200.00"),
		MustParse("500.00"),
		MustParse("400.00"),
		MustParse("0.00"),
	)
	assert.Equal(t, "2100.00", total.String())
	assert.True(t, Sum().IsZero())
}

func TestJSONRoundTrip(t *testing.T) {
	a := MustParse("10000.00")

	data, err := json.Marshal(a)
	require.NoError(t, err)
	assert.Equal(t, `"10000.00"`, string(data))

	var back Amount
	require.NoError(t, json.Unmarshal(data, &back))
	assert.True(t, a.Equal(back))

	// Bare numeric form also accepted
	var bare Amount
	require.NoError(t, json.Unmarshal([]byte(`1200.5`), &bare))
	assert.Equal(t, "1200.50", bare.String())
}

func TestSQLValueScan(t *testing.T) {
	a := MustParse("352550.00")

	v, err := a.Value()
	require.NoError(t, err)
	assert.Equal(t, "352550.00", v)

	var scanned Amount
	require.NoError(t, scanned.Scan([]byte("352550.00")))
	assert.True(t, a.Equal(scanned))

	require.NoError(t, scanned.Scan(nil))
	assert.True(t, scanned.IsZero())

	assert.Error(t, scanned.Scan(42))
}
