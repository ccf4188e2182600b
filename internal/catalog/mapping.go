package catalog

import (
	"fmt"
	"strings"

	"github.com/bartek5186/mallsync/internal/alias"
	"github.com/bartek5186/mallsync/internal/db"
)

// OriginPlaceholder stands for an origin the supplier left empty.
const OriginPlaceholder = "-"

// fieldMapping binds one raw staging field to the alias scope that resolves
// it and the canonical field that receives the result. Raw names are shifted
// one level: gender is the top category, category1 the second, category2 the
// third.
type fieldMapping struct {
	label    string // name in failure reasons; empty for optional fields
	scope    alias.Scope
	raw      func(*db.StagingItem) string
	set      func(*db.CanonicalItem, string)
	emptyAs  string // value used when raw is blank; "" means blank is unresolved
	required bool
}

var fieldMappings = []fieldMapping{
	{
		label:    "brand",
		scope:    alias.Brand,
		raw:      func(s *db.StagingItem) string { return s.RawBrand },
		set:      func(c *db.CanonicalItem, v string) { c.Brand = v },
		required: true,
	},
	{
		label:    "category",
		scope:    alias.CategoryLevel1,
		raw:      func(s *db.StagingItem) string { return s.Gender },
		set:      func(c *db.CanonicalItem, v string) { c.CategoryL1 = v },
		required: true,
	},
	{
		scope: alias.CategoryLevel2,
		raw:   func(s *db.StagingItem) string { return s.Category1 },
		set:   func(c *db.CanonicalItem, v string) { c.CategoryL2 = v },
	},
	{
		scope: alias.CategoryLevel3,
		raw:   func(s *db.StagingItem) string { return s.Category2 },
		set:   func(c *db.CanonicalItem, v string) { c.CategoryL3 = v },
	},
	{
		label:    "origin",
		scope:    alias.Country,
		raw:      func(s *db.StagingItem) string { return s.Origin },
		set:      func(c *db.CanonicalItem, v string) { c.Origin = v },
		emptyAs:  OriginPlaceholder,
		required: true,
	},
}

type fieldOutcome struct {
	label string
	raw   string
	ok    bool
}

// resolveFields fills the canonical fields of dst and reports the outcome of
// every required field.
func resolveFields(r *alias.Resolver, src *db.StagingItem, dst *db.CanonicalItem) ([]fieldOutcome, bool) {
	all := true
	var outs []fieldOutcome
	for _, m := range fieldMappings {
		raw := m.raw(src)
		var (
			name string
			ok   bool
		)
		if strings.TrimSpace(raw) == "" && m.emptyAs != "" {
			name, ok = m.emptyAs, true
		} else {
			name, ok = r.Resolve(m.scope, raw)
		}
		if ok {
			m.set(dst, name)
		}
		if m.required {
			outs = append(outs, fieldOutcome{label: m.label, raw: raw, ok: ok})
			all = all && ok
		}
	}
	return outs, all
}

// failureReason renders outcomes as "brand: failed(value=X) / category: ok / origin: ok".
func failureReason(outs []fieldOutcome) string {
	parts := make([]string, 0, len(outs))
	for _, o := range outs {
		if o.ok {
			parts = append(parts, o.label+": ok")
			continue
		}
		parts = append(parts, fmt.Sprintf("%s: failed(value=%s)", o.label, o.raw))
	}
	return strings.Join(parts, " / ")
}

func outcomeOK(outs []fieldOutcome, label string) bool {
	for _, o := range outs {
		if o.label == label {
			return o.ok
		}
	}
	return false
}
