package money

import (
	"encoding/json"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAmount(t *testing.T) {
	tests := []struct {
		in      string
		want    Amount
		wantErr bool
	}{
		{in: "1500.00", want: 150000},
		{in: "1500", want: 150000},
		{in: "0.5", want: 50},
		{in: "0.01", want: 1},
		{in: "-2.25", want: -225},
		{in: "10.500", want: 1050},
		{in: "10.505", wantErr: true},
		{in: "abc", wantErr: true},
		{in: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseAmount(tt.in)
			if tt.wantErr {
				require.ErrorIs(t, err, ErrInvalidAmount)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestAmountString(t *testing.T) {
	assert.Equal(t, "1500.00", Amount(150000).String())
	assert.Equal(t, "0.05", Amount(5).String())
	assert.Equal(t, "-1.20", Amount(-120).String())
	assert.Equal(t, "0.00", Amount(0).String())
}

func TestAmountJSON(t *testing.T) {
	type payload struct {
		Amount Amount `json:"amount"`
	}

	data, err := json.Marshal(payload{Amount: 123456})
	require.NoError(t, err)
	assert.JSONEq(t, `{"amount":"1234.56"}`, string(data))

	var p payload
	require.NoError(t, json.Unmarshal([]byte(`{"amount":"99.90"}`), &p))
	assert.Equal(t, Amount(9990), p.Amount)

	// floats are refused outright
	err = json.Unmarshal([]byte(`{"amount":99.9}`), &p)
	require.ErrorIs(t, err, ErrInvalidAmount)
}

func TestCurrencyValid(t *testing.T) {
	assert.True(t, NGN.Valid())
	assert.True(t, IDR.Valid())
	assert.False(t, Currency("EUR").Valid())
	assert.False(t, Currency("").Valid())
}

func TestFromDecimalRejectsSubMinorUnits(t *testing.T) {
	_, err := FromDecimal(decimal.RequireFromString("1.005"))
	require.ErrorIs(t, err, ErrInvalidAmount)

	a, err := FromDecimal(decimal.RequireFromString("12.3"))
	require.NoError(t, err)
	assert.Equal(t, Amount(1230), a)
}
