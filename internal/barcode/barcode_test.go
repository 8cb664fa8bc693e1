package barcode

import (
	"context"
	"errors"
	"math/rand"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"khatpos/internal/domain"
	"khatpos/internal/money"
	"khatpos/internal/store/memory"
)

func newTestDecoder(t *testing.T) *Decoder {
	t.Helper()
	return NewDecoder(memory.NewSeededLocal(), Options{})
}

func TestDecodeWeightCodeDerivesQuantity(t *testing.T) {
	d := newTestDecoder(t)
	code, err := d.Format().Encode(WeightCode{Prefix: "21", ProductCode: "00001", Price: money.MustParse("0.800")})
	require.NoError(t, err)

	match, err := d.Decode(context.Background(), code)
	require.NoError(t, err)

	assert.Equal(t, MatchWeighted, match.Kind)
	assert.Equal(t, "p-0001", match.Product.ID)
	assert.Equal(t, "1.000", money.Format(match.Quantity))
	assert.Equal(t, "0.800", money.Format(match.Weight.Price))
}

func TestDecodeWeightCodeRoundsQuantity(t *testing.T) {
	d := newTestDecoder(t)
	code, err := d.Format().Encode(WeightCode{Prefix: "22", ProductCode: "00002", Price: money.MustParse("1.000")})
	require.NoError(t, err)

	match, err := d.Decode(context.Background(), code)
	require.NoError(t, err)

	// 1.000 / 0.650 = 1.538461...
	assert.Equal(t, "1.538", money.Format(match.Quantity))
}

func TestDecodeUnknownWeightCodeSurfacesPrice(t *testing.T) {
	d := newTestDecoder(t)
	code, err := d.Format().Encode(WeightCode{Prefix: "20", ProductCode: "99999", Price: money.MustParse("3.125")})
	require.NoError(t, err)

	match, err := d.Decode(context.Background(), code)
	require.ErrorIs(t, err, ErrNoMatch)

	assert.Equal(t, MatchNone, match.Kind)
	require.NotNil(t, match.Weight)
	assert.Equal(t, "99999", match.Weight.ProductCode)
	assert.Equal(t, "3.125", money.Format(match.Weight.Price))
}

func TestDecodeWeightCodePrefersLongestSuffix(t *testing.T) {
	local := memory.NewLocal()
	require.NoError(t, local.ReplaceProducts(context.Background(), []domain.Product{
		{ID: "short", Name: "Loose Onions", Barcode: "7", UnitPrice: money.MustParse("0.400"), Unit: domain.UnitWeighed},
		{ID: "long", Name: "Loose Garlic", Barcode: "47", UnitPrice: money.MustParse("2.000"), Unit: domain.UnitWeighed},
	}))
	d := NewDecoder(local, Options{})
	code, err := d.Format().Encode(WeightCode{Prefix: "23", ProductCode: "00047", Price: money.MustParse("1.000")})
	require.NoError(t, err)

	match, err := d.Decode(context.Background(), code)
	require.NoError(t, err)

	assert.Equal(t, "long", match.Product.ID)
	assert.Equal(t, "0.500", money.Format(match.Quantity))
}

func TestWeightCodeRoundTrip(t *testing.T) {
	format := DefaultWeightFormat()
	rng := rand.New(rand.NewSource(7))

	for i := 0; i < 500; i++ {
		product := strings.Repeat("0", 5)
		digits := []byte(product)
		for j := range digits {
			digits[j] = byte('0' + rng.Intn(10))
		}
		original := WeightCode{
			Prefix:      format.Prefixes[rng.Intn(len(format.Prefixes))],
			ProductCode: string(digits),
			Price:       money.FromMinor(int64(rng.Intn(100000))),
		}

		encoded, err := format.Encode(original)
		require.NoError(t, err)
		require.Len(t, encoded, format.Length())

		decoded, ok := format.Parse(encoded)
		require.True(t, ok, encoded)
		assert.Equal(t, original.Prefix, decoded.Prefix)
		assert.Equal(t, original.ProductCode, decoded.ProductCode)
		assert.True(t, original.Price.Equal(decoded.Price))

		again, err := format.Encode(decoded)
		require.NoError(t, err)
		assert.Equal(t, encoded, again)
	}
}

func TestWeightFormatRejectsBadInput(t *testing.T) {
	format := DefaultWeightFormat()
	valid, err := format.Encode(WeightCode{Prefix: "21", ProductCode: "00001", Price: money.MustParse("0.800")})
	require.NoError(t, err)

	wrongCheck := valid[:12] + string('0'+(valid[12]-'0'+1)%10)
	for _, raw := range []string{"", "21000010080", wrongCheck, "6291003000012", "21ABCDE008000"} {
		_, ok := format.Parse(raw)
		assert.False(t, ok, raw)
	}

	_, err = format.Encode(WeightCode{Prefix: "21", ProductCode: "1", Price: money.MustParse("1")})
	assert.Error(t, err)
	_, err = format.Encode(WeightCode{Prefix: "21", ProductCode: "00001", Price: money.MustParse("100.000")})
	assert.Error(t, err)
	_, err = format.Encode(WeightCode{Prefix: "62", ProductCode: "00001", Price: money.MustParse("1")})
	assert.Error(t, err)
}

func TestDecodeLookupChain(t *testing.T) {
	d := newTestDecoder(t)
	ctx := context.Background()

	cases := []struct {
		input string
		id    string
		via   string
	}{
		{"6291003000012", "p-0003", "barcode"},
		{"fresh milk 1l", "p-0003", "name"},
		{"  BASMATI  ", "p-0004", "substring"},
		{"tomatos", "p-0001", "fuzzy"},
		{"حليب", "p-0003", "fuzzy"},
		{"bev-wat", "p-0006", "fuzzy"},
	}
	for _, tc := range cases {
		match, err := d.Decode(ctx, tc.input)
		require.NoError(t, err, tc.input)
		assert.Equal(t, MatchDirect, match.Kind, tc.input)
		assert.Equal(t, tc.id, match.Product.ID, tc.input)
		assert.Equal(t, tc.via, match.Via, tc.input)
		assert.Equal(t, "1.000", money.Format(match.Quantity))
	}
}

func TestDecodeNoMatch(t *testing.T) {
	d := newTestDecoder(t)

	for _, input := range []string{"", "   ", "zzzz-qqqq", "0000000000000"} {
		match, err := d.Decode(context.Background(), input)
		assert.True(t, errors.Is(err, ErrNoMatch), input)
		assert.Equal(t, MatchNone, match.Kind)
		assert.Nil(t, match.Weight)
	}
}

func TestSubstringIgnoresShortInputsAndNames(t *testing.T) {
	products := []domain.Product{
		{ID: "a", Name: "Oil"},
		{ID: "b", Name: "Olive Oil 500ml"},
	}

	assert.Nil(t, substringMatch(products, "Oil"))
	found := substringMatch(products, "olive")
	require.NotNil(t, found)
	assert.Equal(t, "b", found.ID)
}
