// Package refdata loads alias, country, formula and markup tables into one
// immutable snapshot shared by the canonicalizer and the order service.
package refdata

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"gorm.io/gorm"

	"github.com/bartek5186/mallsync/internal/alias"
	"github.com/bartek5186/mallsync/internal/db"
	"github.com/bartek5186/mallsync/internal/pricing"
)

// Settings is the configured part of pricing; the rest comes from the tables.
type Settings struct {
	Rates         pricing.Rates
	TariffClasses []pricing.TariffClass
	MarkupPolicy  pricing.MarkupPolicy
}

type Snapshot struct {
	Aliases  *alias.Resolver
	Pricing  *pricing.Engine
	Version  uint64
	LoadedAt time.Time
}

// Load builds a snapshot from the current table contents. Any invalid row
// fails the whole load.
func Load(ctx context.Context, gdb *gorm.DB, s Settings) (*Snapshot, error) {
	tx := gdb.WithContext(ctx)

	var aliasRows []db.AliasEntry
	if err := tx.Order("id").Find(&aliasRows).Error; err != nil {
		return nil, eris.Wrap(err, "refdata: read alias_entries")
	}
	entries := make([]alias.Entry, 0, len(aliasRows))
	for _, r := range aliasRows {
		sc, err := alias.ParseScope(r.Scope)
		if err != nil {
			return nil, eris.Wrapf(err, "refdata: alias_entries row %d", r.ID)
		}
		entries = append(entries, alias.Entry{Scope: sc, Canonical: r.Canonical, Aliases: alias.Split(r.Aliases)})
	}

	var countries []db.Country
	if err := tx.Order("id").Find(&countries).Error; err != nil {
		return nil, eris.Wrap(err, "refdata: read countries")
	}
	// origins resolve through country aliases only; the table feeds FTA
	fta := make([]string, 0, len(countries))
	for _, c := range countries {
		if c.FTAExempt {
			fta = append(fta, c.Name)
		}
	}

	resolver, err := alias.New(entries)
	if err != nil {
		return nil, eris.Wrap(err, "refdata: aliases")
	}

	var rangeRows []db.FormulaRange
	if err := tx.Order("min_price").Find(&rangeRows).Error; err != nil {
		return nil, eris.Wrap(err, "refdata: read formula_ranges")
	}
	ranges := make([]pricing.Range, 0, len(rangeRows))
	for _, r := range rangeRows {
		ranges = append(ranges, pricing.Range{ID: r.ID, Min: r.MinPrice, Max: r.MaxPrice, Formula: r.Formula})
	}

	var ruleRows []db.MarkupRule
	if err := tx.Order("id").Find(&ruleRows).Error; err != nil {
		return nil, eris.Wrap(err, "refdata: read markup_rules")
	}
	rules := make([]pricing.Rule, 0, len(ruleRows))
	for _, r := range ruleRows {
		rules = append(rules, pricing.Rule{
			ID:         r.ID,
			Retailer:   r.Retailer,
			Brand:      r.Brand,
			Categories: alias.Split(r.Categories),
			Season:     r.Season,
			Multiplier: r.Multiplier,
		})
	}

	engine, err := pricing.NewEngine(pricing.Params{
		Rates:         s.Rates,
		TariffClasses: s.TariffClasses,
		FTACountries:  fta,
		Ranges:        ranges,
		Rules:         rules,
		MarkupPolicy:  s.MarkupPolicy,
	})
	if err != nil {
		return nil, eris.Wrap(err, "refdata: pricing")
	}

	return &Snapshot{Aliases: resolver, Pricing: engine, LoadedAt: time.Now()}, nil
}
