package pricing

import (
	"sort"

	"github.com/google/cel-go/cel"
	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"
)

// Range is an inclusive [Min, Max] band over the converted base price whose
// formula yields an additive surcharge. Formulas are CEL expressions over the
// double variables base and price (both bound to the base amount), e.g.
// "base * 0.02 + 5000.0".
type Range struct {
	ID      uint
	Min     decimal.Decimal
	Max     decimal.Decimal
	Formula string
}

type compiledRange struct {
	Range
	prg cel.Program
}

// Surcharges holds compiled, non-overlapping ranges sorted by Min.
type Surcharges struct {
	ranges []compiledRange
}

func NewSurcharges(ranges []Range) (*Surcharges, error) {
	env, err := cel.NewEnv(
		cel.Variable("base", cel.DoubleType),
		cel.Variable("price", cel.DoubleType),
	)
	if err != nil {
		return nil, eris.Wrap(err, "pricing: cel env")
	}

	sorted := make([]Range, len(ranges))
	copy(sorted, ranges)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Min.LessThan(sorted[j].Min) })

	s := &Surcharges{ranges: make([]compiledRange, 0, len(sorted))}
	for i, r := range sorted {
		if r.Max.LessThan(r.Min) {
			return nil, eris.Errorf("pricing: formula range %d has max %s below min %s", r.ID, r.Max, r.Min)
		}
		if i > 0 && !r.Min.GreaterThan(sorted[i-1].Max) {
			return nil, eris.Errorf("pricing: formula ranges %d and %d overlap", sorted[i-1].ID, r.ID)
		}
		ast, iss := env.Compile(r.Formula)
		if iss != nil && iss.Err() != nil {
			return nil, eris.Wrapf(iss.Err(), "pricing: compile formula of range %d", r.ID)
		}
		prg, err := env.Program(ast, cel.CostLimit(10000))
		if err != nil {
			return nil, eris.Wrapf(err, "pricing: program for range %d", r.ID)
		}
		cr := compiledRange{Range: r, prg: prg}
		if _, err := cr.eval(r.Min); err != nil {
			return nil, err
		}
		s.ranges = append(s.ranges, cr)
	}
	return s, nil
}

// Eval returns the surcharge of the range containing base, zero when none does.
func (s *Surcharges) Eval(base decimal.Decimal) (decimal.Decimal, error) {
	if s == nil {
		return decimal.Zero, nil
	}
	i := sort.Search(len(s.ranges), func(i int) bool { return s.ranges[i].Max.GreaterThanOrEqual(base) })
	if i == len(s.ranges) || base.LessThan(s.ranges[i].Min) {
		return decimal.Zero, nil
	}
	return s.ranges[i].eval(base)
}

func (s *Surcharges) Len() int {
	if s == nil {
		return 0
	}
	return len(s.ranges)
}

func (cr compiledRange) eval(base decimal.Decimal) (decimal.Decimal, error) {
	f := base.InexactFloat64()
	out, _, err := cr.prg.Eval(map[string]any{"base": f, "price": f})
	if err != nil {
		return decimal.Zero, eris.Wrapf(err, "pricing: eval formula of range %d", cr.ID)
	}
	switch v := out.Value().(type) {
	case float64:
		return decimal.NewFromFloat(v).Round(2), nil
	case int64:
		return decimal.NewFromInt(v), nil
	case uint64:
		return decimal.NewFromInt(int64(v)), nil
	default:
		return decimal.Zero, eris.Errorf("pricing: formula of range %d is not numeric (%T)", cr.ID, v)
	}
}
