// Package pricing turns a supplier cost into a landed local-currency price.
//
// Compute is a pure function; Engine gathers its inputs (markup, tariff,
// surcharge) from an immutable set of reference data.
package pricing

import "github.com/shopspring/decimal"

var one = decimal.NewFromInt(1)

// Inputs are all rates as fractions (0.10 means 10%).
type Inputs struct {
	CostPrice           decimal.Decimal
	Markup              decimal.Decimal
	ExchangeRate        decimal.Decimal
	ShippingRate        decimal.Decimal
	VAT                 decimal.Decimal
	MarginRate          decimal.Decimal
	SpecialTaxRate      decimal.Decimal
	SpecialTaxThreshold decimal.Decimal
	TariffFactor        decimal.Decimal
	Surcharge           decimal.Decimal
	RoundingUnit        decimal.Decimal // zero disables rounding
}

type Result struct {
	Supply     decimal.Decimal // cost x markup, supplier currency
	Base       decimal.Decimal // supply x exchange rate
	SpecialTax decimal.Decimal
	Unrounded  decimal.Decimal
	Final      decimal.Decimal
}

func Compute(in Inputs) Result {
	var r Result
	r.Supply = in.CostPrice.Mul(in.Markup)
	r.Base = r.Supply.Mul(in.ExchangeRate)

	taxable := r.Base.Mul(one.Add(in.ShippingRate))
	if r.Base.GreaterThan(in.SpecialTaxThreshold) {
		r.SpecialTax = r.Base.Sub(in.SpecialTaxThreshold).Mul(in.SpecialTaxRate)
		taxable = taxable.Add(r.SpecialTax)
	}

	r.Unrounded = taxable.
		Mul(in.TariffFactor).
		Mul(one.Add(in.VAT)).
		Mul(one.Add(in.MarginRate)).
		Add(in.Surcharge)
	r.Final = CeilTo(r.Unrounded, in.RoundingUnit)
	return r
}

// CeilTo rounds v up to the next multiple of unit.
func CeilTo(v, unit decimal.Decimal) decimal.Decimal {
	if !unit.IsPositive() {
		return v
	}
	return v.Div(unit).Ceil().Mul(unit)
}
