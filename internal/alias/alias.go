// Package alias maps arbitrary supplier strings onto canonical names.
//
// A Resolver is built once from the alias tables and never mutated; callers
// rebuild it wholesale when reference data changes.
package alias

import (
	"sort"
	"strings"
	"unicode"

	"github.com/rotisserie/eris"
	"golang.org/x/text/cases"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

type Scope string

const (
	Brand          Scope = "brand"
	CategoryLevel1 Scope = "category1"
	CategoryLevel2 Scope = "category2"
	CategoryLevel3 Scope = "category3"
	CategoryLevel4 Scope = "category4"
	Country        Scope = "country"
)

var scopes = []Scope{Brand, CategoryLevel1, CategoryLevel2, CategoryLevel3, CategoryLevel4, Country}

// Scopes returns every known scope.
func Scopes() []Scope {
	out := make([]Scope, len(scopes))
	copy(out, scopes)
	return out
}

// ParseScope accepts the stored scope name, case-insensitively.
func ParseScope(s string) (Scope, error) {
	want := Scope(strings.ToLower(strings.TrimSpace(s)))
	for _, sc := range scopes {
		if sc == want {
			return sc, nil
		}
	}
	return "", eris.Errorf("alias: unknown scope %q", s)
}

// Entry is one canonical name and the raw strings that map onto it.
type Entry struct {
	Scope     Scope
	Canonical string
	Aliases   []string
}

type Resolver struct {
	tables map[Scope]map[string]string
}

// New builds a resolver. The same alias pointing at two different canonical
// names within one scope is rejected: resolution must never guess.
func New(entries []Entry) (*Resolver, error) {
	r := &Resolver{tables: make(map[Scope]map[string]string, len(scopes))}
	for _, sc := range scopes {
		r.tables[sc] = map[string]string{}
	}
	for _, e := range entries {
		tbl, ok := r.tables[e.Scope]
		if !ok {
			return nil, eris.Errorf("alias: unknown scope %q", e.Scope)
		}
		canonical := strings.TrimSpace(e.Canonical)
		if canonical == "" {
			return nil, eris.Errorf("alias: empty canonical name in scope %s", e.Scope)
		}
		for _, a := range e.Aliases {
			k := Key(a)
			if k == "" {
				continue
			}
			if prev, dup := tbl[k]; dup && prev != canonical {
				return nil, eris.Errorf("alias: %q in scope %s maps to both %q and %q", a, e.Scope, prev, canonical)
			}
			tbl[k] = canonical
		}
	}
	return r, nil
}

// Resolve returns the canonical name for raw, or false when no alias matches.
func (r *Resolver) Resolve(scope Scope, raw string) (string, bool) {
	if r == nil {
		return "", false
	}
	k := Key(raw)
	if k == "" {
		return "", false
	}
	name, ok := r.tables[scope][k]
	return name, ok
}

// Len reports the number of aliases loaded for scope.
func (r *Resolver) Len(scope Scope) int {
	if r == nil {
		return 0
	}
	return len(r.tables[scope])
}

// Canonicals lists the distinct canonical names of a scope, sorted.
func (r *Resolver) Canonicals(scope Scope) []string {
	seen := map[string]struct{}{}
	for _, v := range r.tables[scope] {
		seen[v] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for v := range seen {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

// Key normalizes a raw string for lookup: accents stripped, case folded,
// inner whitespace collapsed.
func Key(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	if s == "" {
		return ""
	}
	stripped, _, err := transform.String(transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC), s)
	if err != nil {
		stripped = norm.NFC.String(s)
	}
	return cases.Fold().String(stripped)
}

// Split breaks a comma-delimited alias cell into its parts.
func Split(s string) []string {
	parts := strings.Split(s, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
