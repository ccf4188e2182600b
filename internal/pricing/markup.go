package pricing

import (
	"sort"
	"strings"

	"github.com/shopspring/decimal"
)

// Wildcard as a rule brand matches every brand of the retailer.
const Wildcard = "*"

type Rule struct {
	ID         uint
	Retailer   string
	Brand      string
	Categories []string
	Season     string
	Multiplier decimal.Decimal
}

func (r Rule) hasCategory(category string) bool {
	for _, c := range r.Categories {
		if sameName(c, category) {
			return true
		}
	}
	return false
}

// MarkupResolver finds the multiplier for a (retailer, brand, category, season) tuple.
type MarkupResolver struct {
	byRetailer map[string][]Rule
}

func NewMarkupResolver(rules []Rule) *MarkupResolver {
	m := &MarkupResolver{byRetailer: map[string][]Rule{}}
	for _, r := range rules {
		k := strings.ToLower(strings.TrimSpace(r.Retailer))
		m.byRetailer[k] = append(m.byRetailer[k], r)
	}
	for _, rs := range m.byRetailer {
		sort.SliceStable(rs, func(i, j int) bool { return rs[i].ID < rs[j].ID })
	}
	return m
}

// Resolve tries, in order: brand+category+season; brand+category; wildcard
// brand+category. The last two ignore season, preferring rules without one.
// False means no rule matched; the caller decides what that costs.
func (m *MarkupResolver) Resolve(retailer, brand, category, season string) (decimal.Decimal, bool) {
	if m == nil {
		return decimal.Zero, false
	}
	rules := m.byRetailer[strings.ToLower(strings.TrimSpace(retailer))]

	if strings.TrimSpace(season) != "" {
		for _, r := range rules {
			if sameName(r.Brand, brand) && r.hasCategory(category) && sameName(r.Season, season) {
				return r.Multiplier, true
			}
		}
	}
	if r, ok := pickIgnoringSeason(rules, brand, category); ok {
		return r.Multiplier, true
	}
	if r, ok := pickIgnoringSeason(rules, Wildcard, category); ok {
		return r.Multiplier, true
	}
	return decimal.Zero, false
}

func pickIgnoringSeason(rules []Rule, brand, category string) (Rule, bool) {
	var seasoned *Rule
	for i := range rules {
		r := rules[i]
		if !sameName(r.Brand, brand) || !r.hasCategory(category) {
			continue
		}
		if strings.TrimSpace(r.Season) == "" {
			return r, true
		}
		if seasoned == nil {
			seasoned = &rules[i]
		}
	}
	if seasoned != nil {
		return *seasoned, true
	}
	return Rule{}, false
}

func sameName(a, b string) bool {
	a, b = strings.TrimSpace(a), strings.TrimSpace(b)
	return a != "" && strings.EqualFold(a, b)
}
