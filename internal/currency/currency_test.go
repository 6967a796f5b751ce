package currency_test

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/order-console/internal/currency"
)

func dec(t *testing.T, raw string) decimal.Decimal {
	t.Helper()
	d, err := decimal.NewFromString(raw)
	require.NoError(t, err)
	return d
}

func TestNormalizeKnownCodes(t *testing.T) {
	n := currency.NewNormalizer(currency.DefaultTable())

	cases := []struct {
		amount string
		code   string
		want   string
	}{
		{"10", "USD", "13.5"},
		{"10", "usd", "13.5"},
		{"10", " Eur ", "14.5"},
		{"5", "SGD", "5"},
		{"1000", "JPY", "8.8"},
		{"2", "GBP", "3.4"},
		{"100", "CNY", "19"},
	}
	for _, tc := range cases {
		got := n.Normalize(dec(t, tc.amount), tc.code)
		require.Truef(t, got.Equal(dec(t, tc.want)), "%s %s => %s", tc.amount, tc.code, got)
	}
}

func TestNormalizeFallsBackForEmptyAndUnknownCodes(t *testing.T) {
	n := currency.NewNormalizer(currency.DefaultTable())

	require.True(t, n.Normalize(dec(t, "10"), "").Equal(dec(t, "13.5")))
	require.True(t, n.Normalize(dec(t, "10"), "XYZ").Equal(dec(t, "13.5")))
}

func TestNewRateTableValidation(t *testing.T) {
	_, err := currency.NewRateTable("", currency.USD, currency.DefaultRates())
	require.ErrorIs(t, err, currency.ErrInvalidRateTable)

	_, err = currency.NewRateTable(currency.SGD, "ZZZ", currency.DefaultRates())
	require.ErrorIs(t, err, currency.ErrInvalidRateTable)

	bad := currency.DefaultRates()
	bad[currency.SGD] = dec(t, "1.2")
	_, err = currency.NewRateTable(currency.SGD, currency.USD, bad)
	require.ErrorIs(t, err, currency.ErrInvalidRateTable)

	bad = currency.DefaultRates()
	bad[currency.EUR] = decimal.Zero
	_, err = currency.NewRateTable(currency.SGD, currency.USD, bad)
	require.ErrorIs(t, err, currency.ErrInvalidRateTable)
}

func TestRateTableIsolatedFromCallerMap(t *testing.T) {
	rates := currency.DefaultRates()
	table, err := currency.NewRateTable(currency.SGD, currency.USD, rates)
	require.NoError(t, err)

	rates[currency.USD] = dec(t, "99")
	require.True(t, table.Rate("USD").Equal(dec(t, "1.35")))
}

func TestParseRatesAndMerge(t *testing.T) {
	overrides, err := currency.ParseRates("usd=1.40, EUR=1.50,")
	require.NoError(t, err)
	require.Len(t, overrides, 2)

	merged := currency.Merge(currency.DefaultRates(), overrides)
	table, err := currency.NewRateTable(currency.SGD, currency.USD, merged)
	require.NoError(t, err)
	require.True(t, table.Rate("USD").Equal(dec(t, "1.40")))
	require.True(t, table.Rate("GBP").Equal(dec(t, "1.70")))
	require.Equal(t, currency.USD, table.Fallback())
	require.True(t, table.Rate("").Equal(table.Rate("USD")))

	_, err = currency.ParseRates("USD")
	require.ErrorIs(t, err, currency.ErrInvalidRateTable)
	_, err = currency.ParseRates("USD=abc")
	require.ErrorIs(t, err, currency.ErrInvalidRateTable)
}

func TestSymbolAndFormat(t *testing.T) {
	require.Equal(t, "US$", currency.Symbol("usd"))
	require.Equal(t, "¥", currency.Symbol("CNY"))
	require.Equal(t, "¥", currency.Symbol("JPY"))
	require.Equal(t, "S$", currency.Symbol("SGD"))
	require.Equal(t, "$", currency.Symbol("MYR"))
	require.Equal(t, "$", currency.Symbol(""))
	require.Equal(t, "€12.50", currency.Format(dec(t, "12.5"), "EUR"))
}
