package refdata

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/bartek5186/mallsync/internal/alias"
	"github.com/bartek5186/mallsync/internal/db"
	"github.com/bartek5186/mallsync/internal/pricing"
)

func testSettings() Settings {
	return Settings{
		Rates: pricing.Rates{
			ExchangeRate: decimal.NewFromInt(1300),
			RoundingUnit: decimal.NewFromInt(1000),
		},
		TariffClasses: pricing.DefaultTariffClasses(),
	}
}

func seed(t *testing.T) *gorm.DB {
	t.Helper()
	gdb, err := db.OpenInMemory(t.Name())
	require.NoError(t, err)

	require.NoError(t, gdb.Create(&[]db.AliasEntry{
		{Scope: "brand", Canonical: "Gucci", Aliases: "GUCCI, Gucci Spa"},
		{Scope: "country", Canonical: "Italy", Aliases: "Made in Italy,IT"},
	}).Error)
	require.NoError(t, gdb.Create(&[]db.Country{
		{Name: "Italy", FTAExempt: true},
		{Name: "China"},
	}).Error)
	require.NoError(t, gdb.Create(&db.FormulaRange{
		MinPrice: decimal.Zero, MaxPrice: decimal.NewFromInt(1000000), Formula: "2000.0",
	}).Error)
	require.NoError(t, gdb.Create(&db.MarkupRule{
		Retailer: "R", Brand: "*", Categories: "Bags,Shoes", Multiplier: decimal.RequireFromString("1.5"),
	}).Error)
	return gdb
}

func TestStore_ReloadBuildsSnapshot(t *testing.T) {
	gdb := seed(t)
	s := NewStore(gdb, testSettings(), zerolog.Nop())

	_, err := s.Current()
	assert.ErrorIs(t, err, ErrNotLoaded)

	snap, err := s.Reload(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(1), snap.Version)

	name, ok := snap.Aliases.Resolve(alias.Brand, "gucci spa")
	assert.True(t, ok)
	assert.Equal(t, "Gucci", name)

	name, ok = snap.Aliases.Resolve(alias.Country, "it")
	assert.True(t, ok)
	assert.Equal(t, "Italy", name)

	// a country row alone declares no alias
	_, ok = snap.Aliases.Resolve(alias.Country, "china")
	assert.False(t, ok)

	assert.True(t, snap.Pricing.TariffFactor("Italy", "Bags").Equal(decimal.NewFromInt(1)))
	assert.True(t, snap.Pricing.TariffFactor("China", "Bags").Equal(decimal.RequireFromString("1.08")))

	m, ok := snap.Pricing.Markups().Resolve("R", "anything", "shoes", "")
	assert.True(t, ok)
	assert.True(t, m.Equal(decimal.RequireFromString("1.5")))

	cur, err := s.Current()
	require.NoError(t, err)
	assert.Same(t, snap, cur)
}

func TestStore_FailedReloadKeepsPrevious(t *testing.T) {
	gdb := seed(t)
	s := NewStore(gdb, testSettings(), zerolog.Nop())

	first, err := s.Reload(context.Background())
	require.NoError(t, err)

	// overlapping range makes the table invalid
	require.NoError(t, gdb.Create(&db.FormulaRange{
		MinPrice: decimal.NewFromInt(500000), MaxPrice: decimal.NewFromInt(2000000), Formula: "1.0",
	}).Error)
	_, err = s.Reload(context.Background())
	require.Error(t, err)

	cur, err := s.Current()
	require.NoError(t, err)
	assert.Same(t, first, cur)
}

func TestStore_ConflictingAliasFailsLoad(t *testing.T) {
	gdb := seed(t)
	require.NoError(t, gdb.Create(&db.AliasEntry{Scope: "brand", Canonical: "Gucci Kids", Aliases: "gucci"}).Error)

	_, err := Load(context.Background(), gdb, testSettings())
	assert.Error(t, err)
}

func TestStore_CountryAliasMayUseAnotherCountryName(t *testing.T) {
	gdb := seed(t)
	// a supplier that writes China for goods finished in Italy
	require.NoError(t, gdb.Create(&db.AliasEntry{Scope: "country", Canonical: "Italy", Aliases: "China"}).Error)

	snap, err := Load(context.Background(), gdb, testSettings())
	require.NoError(t, err)
	name, ok := snap.Aliases.Resolve(alias.Country, "china")
	assert.True(t, ok)
	assert.Equal(t, "Italy", name)
}

func TestStore_UpdateSettingsRepricesQuotes(t *testing.T) {
	gdb := seed(t)
	s := NewStore(gdb, testSettings(), zerolog.Nop())
	ctx := context.Background()

	item := pricing.Item{Retailer: "R", Brand: "Prada", Category: "Shoes", Origin: "Italy", CostPrice: decimal.NewFromInt(100)}
	first, err := s.Reload(ctx)
	require.NoError(t, err)
	before, err := first.Pricing.Quote(item)
	require.NoError(t, err)

	next := testSettings()
	next.Rates.ExchangeRate = decimal.NewFromInt(1500)
	snap, err := s.UpdateSettings(ctx, next)
	require.NoError(t, err)
	after, err := snap.Pricing.Quote(item)
	require.NoError(t, err)
	assert.True(t, after.Final.GreaterThan(before.Final), "%s <= %s", after.Final, before.Final)

	// a rejected update keeps the settings in use
	bad := testSettings()
	bad.Rates.ExchangeRate = decimal.Zero
	_, err = s.UpdateSettings(ctx, bad)
	require.Error(t, err)

	again, err := s.Reload(ctx)
	require.NoError(t, err)
	q, err := again.Pricing.Quote(item)
	require.NoError(t, err)
	assert.True(t, q.Final.Equal(after.Final))
}

type countingReloader struct{ n int }

func (c *countingReloader) Reload(context.Context) (*Snapshot, error) {
	c.n++
	return &Snapshot{}, nil
}

func TestInvalidator_HandleReloads(t *testing.T) {
	inv := NewInvalidator(nil, "", zerolog.Nop())
	assert.Equal(t, DefaultChannel, inv.Channel())

	r := &countingReloader{}
	inv.handle(context.Background(), r, `{"reason":"alias upload","timestamp":1}`)
	inv.handle(context.Background(), r, "plain text")
	assert.Equal(t, 2, r.n)
}
