package money

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr error
	}{
		{"", "0.00", nil},
		{"0", "0.00", nil},
		{"100", "100.00", nil},
		{" 12.5 ", "12.50", nil},
		{"0.01", "0.01", nil},
		{"-1", "", ErrNegative},
		{"1.005", "", ErrPrecision},
		{"abc", "", ErrInvalid},
		{"1.2.3", "", ErrInvalid},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := Parse(tt.in)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, Format(got))
		})
	}
}

func TestPositive(t *testing.T) {
	assert.True(t, Positive(decimal.RequireFromString("0.01")))
	assert.False(t, Positive(decimal.Zero))
	assert.False(t, Positive(decimal.RequireFromString("-5")))
	assert.False(t, Positive(decimal.RequireFromString("0.001")))
}

func TestPercent(t *testing.T) {
	assert.Equal(t, "3.00", Format(Percent(decimal.NewFromInt(100), decimal.NewFromInt(3))))
	// 3% of 33.33 = 0.9999 -> 1.00
	assert.Equal(t, "1.00", Format(Percent(decimal.RequireFromString("33.33"), decimal.NewFromInt(3))))
	// 3% of 0.50 = 0.015 -> 0.02 (half-up)
	assert.Equal(t, "0.02", Format(Percent(decimal.RequireFromString("0.50"), decimal.NewFromInt(3))))
}

func TestMinorUnits(t *testing.T) {
	assert.Equal(t, int64(12050), MinorUnits(decimal.RequireFromString("120.50")))
	assert.Equal(t, int64(0), MinorUnits(decimal.Zero))
	assert.True(t, FromMinorUnits(12050).Equal(decimal.RequireFromString("120.50")))
}
