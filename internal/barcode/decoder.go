package barcode

import (
	"context"
	"errors"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/agnivade/levenshtein"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"khatpos/internal/domain"
	"khatpos/internal/money"
	"khatpos/internal/store"
)

var ErrNoMatch = errors.New("no product matches code")

const (
	DefaultFuzzyThreshold = 0.75
	minSubstringLength    = 4
)

// Catalog is the read-only product lookup the decoder runs against. Lookups
// return store.ErrNotFound on a miss.
type Catalog interface {
	ProductByBarcode(ctx context.Context, code string) (*domain.Product, error)
	ProductByName(ctx context.Context, name string) (*domain.Product, error)
	ListProducts(ctx context.Context) ([]domain.Product, error)
}

type MatchKind int

const (
	MatchNone MatchKind = iota
	MatchDirect
	MatchWeighted
)

func (k MatchKind) String() string {
	switch k {
	case MatchDirect:
		return "direct"
	case MatchWeighted:
		return "weighted"
	default:
		return "none"
	}
}

type Match struct {
	Kind     MatchKind
	Product  *domain.Product
	Quantity decimal.Decimal
	// Weight is set whenever the input parsed as a weight code, matched or not.
	Weight *WeightCode
	Via    string
	Score  float64
}

type Options struct {
	Format         WeightFormat
	FuzzyThreshold float64
	Logger         logrus.FieldLogger
}

type Decoder struct {
	catalog   Catalog
	format    WeightFormat
	threshold float64
	log       logrus.FieldLogger
}

func NewDecoder(catalog Catalog, opts Options) *Decoder {
	if opts.Format.Length() <= 2 {
		opts.Format = DefaultWeightFormat()
	}
	if opts.FuzzyThreshold <= 0 || opts.FuzzyThreshold > 1 {
		opts.FuzzyThreshold = DefaultFuzzyThreshold
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	return &Decoder{
		catalog:   catalog,
		format:    opts.Format,
		threshold: opts.FuzzyThreshold,
		log:       opts.Logger.WithField("component", "barcode"),
	}
}

func (d *Decoder) Format() WeightFormat {
	return d.format
}

func (d *Decoder) Decode(ctx context.Context, raw string) (Match, error) {
	input := strings.TrimSpace(raw)
	if input == "" {
		return Match{Kind: MatchNone}, ErrNoMatch
	}

	if code, ok := d.format.Parse(input); ok {
		return d.decodeWeighted(ctx, code)
	}

	product, err := d.catalog.ProductByBarcode(ctx, input)
	if err == nil {
		return direct(product, "barcode", 1), nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return Match{}, err
	}

	product, err = d.catalog.ProductByName(ctx, input)
	if err == nil {
		return direct(product, "name", 1), nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return Match{}, err
	}

	products, err := d.catalog.ListProducts(ctx)
	if err != nil {
		return Match{}, err
	}

	if product := substringMatch(products, input); product != nil {
		return direct(product, "substring", 1), nil
	}

	if product, score := fuzzyMatch(products, input); product != nil && score >= d.threshold {
		return direct(product, "fuzzy", score), nil
	}

	return Match{Kind: MatchNone}, ErrNoMatch
}

func (d *Decoder) decodeWeighted(ctx context.Context, code WeightCode) (Match, error) {
	weight := code
	product, err := d.productForWeightCode(ctx, code.ProductCode)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return Match{Kind: MatchNone, Weight: &weight, Via: "weight"}, ErrNoMatch
		}
		return Match{}, err
	}
	if !product.UnitPrice.IsPositive() {
		d.log.WithField("product_id", product.ID).Warn("weight code matched a product without a unit price")
		return Match{Kind: MatchNone, Weight: &weight, Via: "weight"}, ErrNoMatch
	}

	return Match{
		Kind:     MatchWeighted,
		Product:  product,
		Quantity: money.Div(code.Price, product.UnitPrice),
		Weight:   &weight,
		Via:      "weight",
		Score:    1,
	}, nil
}

// productForWeightCode prefers an exact barcode and otherwise the longest stored
// barcode that is a suffix of the embedded code.
func (d *Decoder) productForWeightCode(ctx context.Context, code string) (*domain.Product, error) {
	product, err := d.catalog.ProductByBarcode(ctx, code)
	if err == nil {
		return product, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	products, err := d.catalog.ListProducts(ctx)
	if err != nil {
		return nil, err
	}

	candidates := make([]domain.Product, 0, 2)
	for _, p := range products {
		if p.Barcode != "" && strings.HasSuffix(code, p.Barcode) {
			candidates = append(candidates, p)
		}
	}
	if len(candidates) == 0 {
		return nil, store.ErrNotFound
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if len(candidates[i].Barcode) != len(candidates[j].Barcode) {
			return len(candidates[i].Barcode) > len(candidates[j].Barcode)
		}
		return candidates[i].ID < candidates[j].ID
	})
	if len(candidates) > 1 {
		d.log.WithFields(logrus.Fields{
			"code":       code,
			"chosen":     candidates[0].ID,
			"candidates": len(candidates),
		}).Warn("weight code suffix matches several products")
	}
	chosen := candidates[0]
	return &chosen, nil
}

func direct(product *domain.Product, via string, score float64) Match {
	return Match{
		Kind:     MatchDirect,
		Product:  product,
		Quantity: decimal.NewFromInt(1),
		Via:      via,
		Score:    score,
	}
}

func substringMatch(products []domain.Product, input string) *domain.Product {
	if utf8.RuneCountInString(input) < minSubstringLength {
		return nil
	}
	needle := strings.ToLower(input)

	var best *domain.Product
	for i := range products {
		name := products[i].Name
		if utf8.RuneCountInString(name) < minSubstringLength {
			continue
		}
		if !strings.Contains(strings.ToLower(name), needle) {
			continue
		}
		if best == nil || len(name) < len(best.Name) || (len(name) == len(best.Name) && products[i].ID < best.ID) {
			best = &products[i]
		}
	}
	if best == nil {
		return nil
	}
	found := *best
	return &found
}

func fuzzyMatch(products []domain.Product, input string) (*domain.Product, float64) {
	query := strings.ToLower(input)

	var best *domain.Product
	bestScore := 0.0
	for i := range products {
		p := products[i]
		score := 0.0
		for _, field := range []string{p.Name, p.AltName, p.SKU} {
			if s := fieldScore(query, field); s > score {
				score = s
			}
		}
		if score > bestScore || (score == bestScore && best != nil && score > 0 && p.ID < best.ID) {
			best = &products[i]
			bestScore = score
		}
	}
	if best == nil {
		return nil, 0
	}
	found := *best
	return &found, bestScore
}

// fieldScore compares the query with the whole field and with each of its words.
func fieldScore(query, field string) float64 {
	field = strings.ToLower(strings.TrimSpace(field))
	if field == "" {
		return 0
	}
	best := similarity(query, field)
	for _, word := range strings.Fields(field) {
		if s := similarity(query, word); s > best {
			best = s
		}
	}
	return best
}

func similarity(a, b string) float64 {
	longest := utf8.RuneCountInString(a)
	if n := utf8.RuneCountInString(b); n > longest {
		longest = n
	}
	if longest == 0 {
		return 0
	}
	distance := levenshtein.ComputeDistance(a, b)
	return 1 - float64(distance)/float64(longest)
}
