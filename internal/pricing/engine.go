package pricing

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"
	"golang.org/x/text/cases"
)

// ErrMarkupUnresolved is returned by Quote under the refuse policy.
var ErrMarkupUnresolved = eris.New("pricing: markup unresolved")

type MarkupPolicy string

const (
	// MarkupIdentity prices unmatched items with multiplier 1.
	MarkupIdentity MarkupPolicy = "identity"
	// MarkupRefuse leaves unmatched items unpriced.
	MarkupRefuse MarkupPolicy = "refuse"
)

func ParseMarkupPolicy(s string) (MarkupPolicy, error) {
	switch MarkupPolicy(strings.ToLower(strings.TrimSpace(s))) {
	case "", MarkupIdentity:
		return MarkupIdentity, nil
	case MarkupRefuse:
		return MarkupRefuse, nil
	}
	return "", eris.Errorf("pricing: unknown markup policy %q", s)
}

// Rates are global, all fractions except ExchangeRate and the threshold/unit amounts.
type Rates struct {
	ExchangeRate        decimal.Decimal
	ShippingRate        decimal.Decimal
	VAT                 decimal.Decimal
	MarginRate          decimal.Decimal
	SpecialTaxRate      decimal.Decimal
	SpecialTaxThreshold decimal.Decimal
	RoundingUnit        decimal.Decimal
}

// TariffClass applies Factor to items of non-FTA origin in one of Categories.
type TariffClass struct {
	Name       string
	Factor     decimal.Decimal
	Categories []string
}

func DefaultTariffClasses() []TariffClass {
	return []TariffClass{
		{Name: "apparel", Factor: decimal.RequireFromString("1.13"), Categories: []string{"Apparel", "Footwear"}},
		{Name: "bags", Factor: decimal.RequireFromString("1.08"), Categories: []string{"Bags", "Accessories"}},
	}
}

// Params is everything an Engine is built from. It is never mutated after NewEngine.
type Params struct {
	Rates         Rates
	TariffClasses []TariffClass
	FTACountries  []string
	Ranges        []Range
	Rules         []Rule
	MarkupPolicy  MarkupPolicy
}

type Engine struct {
	rates      Rates
	tariffs    map[string]decimal.Decimal // folded category -> factor
	fta        map[string]struct{}
	surcharges *Surcharges
	markups    *MarkupResolver
	policy     MarkupPolicy
}

func NewEngine(p Params) (*Engine, error) {
	if !p.Rates.ExchangeRate.IsPositive() {
		return nil, eris.New("pricing: exchange rate must be positive")
	}
	policy := p.MarkupPolicy
	if policy == "" {
		policy = MarkupIdentity
	}
	e := &Engine{
		rates:   p.Rates,
		tariffs: map[string]decimal.Decimal{},
		fta:     map[string]struct{}{},
		markups: NewMarkupResolver(p.Rules),
		policy:  policy,
	}
	for _, tc := range p.TariffClasses {
		for _, c := range tc.Categories {
			k := foldName(c)
			if prev, dup := e.tariffs[k]; dup && !prev.Equal(tc.Factor) {
				return nil, eris.Errorf("pricing: category %q is in more than one tariff class", c)
			}
			e.tariffs[k] = tc.Factor
		}
	}
	for _, c := range p.FTACountries {
		e.fta[foldName(c)] = struct{}{}
	}
	var err error
	if e.surcharges, err = NewSurcharges(p.Ranges); err != nil {
		return nil, err
	}
	return e, nil
}

// TariffFactor is 1 for FTA-exempt origins, else the factor of the category's class (1 if none).
func (e *Engine) TariffFactor(origin, category string) decimal.Decimal {
	if _, ok := e.fta[foldName(origin)]; ok {
		return one
	}
	if f, ok := e.tariffs[foldName(category)]; ok {
		return f
	}
	return one
}

func (e *Engine) Markups() *MarkupResolver { return e.markups }

func (e *Engine) Policy() MarkupPolicy { return e.policy }

// Item is what Quote needs to know about a product. Brand is matched against
// markup rules as the supplier sent it.
type Item struct {
	Retailer  string
	Brand     string
	Category  string
	Season    string
	Origin    string
	CostPrice decimal.Decimal
}

type Quote struct {
	Result
	Markup         decimal.Decimal
	MarkupResolved bool
	TariffFactor   decimal.Decimal
	Surcharge      decimal.Decimal
}

func (e *Engine) Quote(it Item) (Quote, error) {
	markup, ok := e.markups.Resolve(it.Retailer, it.Brand, it.Category, it.Season)
	if !ok {
		if e.policy == MarkupRefuse {
			return Quote{}, ErrMarkupUnresolved
		}
		markup = one
	}

	base := it.CostPrice.Mul(markup).Mul(e.rates.ExchangeRate)
	surcharge, err := e.surcharges.Eval(base)
	if err != nil {
		return Quote{}, err
	}
	tariff := e.TariffFactor(it.Origin, it.Category)

	res := Compute(Inputs{
		CostPrice:           it.CostPrice,
		Markup:              markup,
		ExchangeRate:        e.rates.ExchangeRate,
		ShippingRate:        e.rates.ShippingRate,
		VAT:                 e.rates.VAT,
		MarginRate:          e.rates.MarginRate,
		SpecialTaxRate:      e.rates.SpecialTaxRate,
		SpecialTaxThreshold: e.rates.SpecialTaxThreshold,
		TariffFactor:        tariff,
		Surcharge:           surcharge,
		RoundingUnit:        e.rates.RoundingUnit,
	})
	return Quote{Result: res, Markup: markup, MarkupResolved: ok, TariffFactor: tariff, Surcharge: surcharge}, nil
}

func foldName(s string) string {
	return cases.Fold().String(strings.TrimSpace(s))
}
