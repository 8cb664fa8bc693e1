package barcode

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"khatpos/internal/money"
)

// WeightFormat describes scale-printed codes: a 2-digit prefix, the product code,
// the total price in minor units and, optionally, an EAN-13 check digit.
type WeightFormat struct {
	Prefixes    []string
	CodeDigits  int
	PriceDigits int
	CheckDigit  bool
}

type WeightCode struct {
	Prefix      string          `json:"prefix"`
	ProductCode string          `json:"product_code"`
	Price       decimal.Decimal `json:"price"`
}

func DefaultWeightFormat() WeightFormat {
	prefixes := make([]string, 0, 10)
	for i := 20; i <= 29; i++ {
		prefixes = append(prefixes, strconv.Itoa(i))
	}
	return WeightFormat{
		Prefixes:    prefixes,
		CodeDigits:  5,
		PriceDigits: 5,
		CheckDigit:  true,
	}
}

func (f WeightFormat) Length() int {
	n := 2 + f.CodeDigits + f.PriceDigits
	if f.CheckDigit {
		n++
	}
	return n
}

// Parse reports false for anything that is not a well-formed weight code,
// including codes with a wrong check digit.
func (f WeightFormat) Parse(raw string) (WeightCode, bool) {
	raw = strings.TrimSpace(raw)
	if len(raw) != f.Length() || !allDigits(raw) || !f.hasPrefix(raw[:2]) {
		return WeightCode{}, false
	}
	if f.CheckDigit {
		body := raw[:len(raw)-1]
		if checkDigit(body) != raw[len(raw)-1] {
			return WeightCode{}, false
		}
	}

	codeEnd := 2 + f.CodeDigits
	minor, err := strconv.ParseInt(raw[codeEnd:codeEnd+f.PriceDigits], 10, 64)
	if err != nil {
		return WeightCode{}, false
	}
	return WeightCode{
		Prefix:      raw[:2],
		ProductCode: raw[2:codeEnd],
		Price:       money.FromMinor(minor),
	}, true
}

func (f WeightFormat) Encode(code WeightCode) (string, error) {
	if !f.hasPrefix(code.Prefix) {
		return "", fmt.Errorf("prefix %q is not a weight prefix", code.Prefix)
	}
	if len(code.ProductCode) != f.CodeDigits || !allDigits(code.ProductCode) {
		return "", fmt.Errorf("product code must be %d digits", f.CodeDigits)
	}
	if code.Price.IsNegative() || !code.Price.Equal(money.Round(code.Price)) {
		return "", fmt.Errorf("price %s cannot be embedded", code.Price)
	}
	price := strconv.FormatInt(money.ToMinor(code.Price), 10)
	if len(price) > f.PriceDigits {
		return "", fmt.Errorf("price %s exceeds %d digits", code.Price, f.PriceDigits)
	}

	body := code.Prefix + code.ProductCode + strings.Repeat("0", f.PriceDigits-len(price)) + price
	if f.CheckDigit {
		body += string(checkDigit(body))
	}
	return body, nil
}

func (f WeightFormat) hasPrefix(prefix string) bool {
	for _, p := range f.Prefixes {
		if p == prefix {
			return true
		}
	}
	return false
}

// checkDigit is the EAN-13 checksum: odd positions weigh 1, even positions weigh 3.
func checkDigit(body string) byte {
	sum := 0
	for i := 0; i < len(body); i++ {
		d := int(body[i] - '0')
		if i%2 == 1 {
			d *= 3
		}
		sum += d
	}
	return byte('0' + (10-sum%10)%10)
}

func allDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
