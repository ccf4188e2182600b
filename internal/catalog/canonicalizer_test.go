package catalog

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
	"github.com/bartek5186/mallsync/internal/refdata"
)

type fixedRefs struct{ snap *refdata.Snapshot }

func (f fixedRefs) Current() (*refdata.Snapshot, error) { return f.snap, nil }

func testSnapshot(t *testing.T, policy pricing.MarkupPolicy) *refdata.Snapshot {
	t.Helper()
	r, err := alias.New([]alias.Entry{
		{Scope: alias.Brand, Canonical: "Gucci", Aliases: []string{"GUCCI"}},
		{Scope: alias.Brand, Canonical: "Prada", Aliases: []string{"PRADA"}},
		{Scope: alias.CategoryLevel1, Canonical: "Women", Aliases: []string{"donna", "woman"}},
		{Scope: alias.CategoryLevel2, Canonical: "Bags", Aliases: []string{"borse"}},
		{Scope: alias.CategoryLevel3, Canonical: "Shoulder Bags", Aliases: []string{"tracolla"}},
		{Scope: alias.Country, Canonical: "Italy", Aliases: []string{"Made in Italy", "Italy"}},
	})
	require.NoError(t, err)

	e, err := pricing.NewEngine(pricing.Params{
		Rates: pricing.Rates{
			ExchangeRate:        decimal.NewFromInt(1300),
			ShippingRate:        decimal.RequireFromString("0.10"),
			VAT:                 decimal.RequireFromString("0.10"),
			MarginRate:          decimal.RequireFromString("0.30"),
			SpecialTaxThreshold: decimal.NewFromInt(2000000),
			RoundingUnit:        decimal.NewFromInt(1000),
		},
		TariffClasses: pricing.DefaultTariffClasses(),
		FTACountries:  []string{"Italy"},
		Rules: []pricing.Rule{
			{ID: 1, Retailer: "GNB", Brand: "GUCCI", Categories: []string{"Bags"}, Multiplier: decimal.NewFromInt(2)},
		},
		MarkupPolicy: policy,
	})
	require.NoError(t, err)
	return &refdata.Snapshot{Aliases: r, Pricing: e}
}

func setup(t *testing.T, policy pricing.MarkupPolicy) (*Canonicalizer, *gorm.DB) {
	t.Helper()
	gdb, err := db.OpenInMemory(t.Name())
	require.NoError(t, err)
	return New(gdb, fixedRefs{testSnapshot(t, policy)}, zerolog.Nop(), Options{BatchSize: 2}), gdb
}

func stagingItem(ext string, variants ...db.StagingVariant) *db.StagingItem {
	return &db.StagingItem{
		SupplierCode:      "GNB",
		ExternalProductID: ext,
		ProductName:       "Bag " + ext,
		RawBrand:          "GUCCI",
		Gender:            "donna",
		Category1:         "borse",
		Category2:         "tracolla",
		Season:            "FW24",
		Origin:            "Made in Italy",
		ImageURL1:         "https://img/" + ext + ".jpg",
		CostPrice:         decimal.NewFromInt(100),
		ListPrice:         decimal.NewFromInt(300),
		Status:            db.StagingPending,
		Variants:          variants,
	}
}

func variant(ext, label string, stock int) db.StagingVariant {
	return db.StagingVariant{ExternalVariantID: ext, VariantLabel: label, StockQty: stock}
}

func insert(t *testing.T, gdb *gorm.DB, it *db.StagingItem) *db.StagingItem {
	t.Helper()
	require.NoError(t, gdb.Create(it).Error)
	return it
}

func TestConvert_HappyPath(t *testing.T) {
	c, gdb := setup(t, pricing.MarkupIdentity)
	it := insert(t, gdb, stagingItem("A1", variant("1", "S", 2), variant("2", "M", 0), variant("3", "L", 1)))

	out, err := c.Convert(context.Background(), it.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeConverted, out)

	var canon db.CanonicalItem
	require.NoError(t, gdb.Preload("Variants").Where("external_product_id = ?", "A1").Take(&canon).Error)
	assert.Equal(t, "Gucci", canon.Brand)
	assert.Equal(t, "GUCCI", canon.RawBrand)
	assert.Equal(t, "Women", canon.CategoryL1)
	assert.Equal(t, "Bags", canon.CategoryL2)
	assert.Equal(t, "Shoulder Bags", canon.CategoryL3)
	assert.Equal(t, "Italy", canon.Origin)
	assert.Equal(t, db.CanonicalActive, canon.Status)
	assert.True(t, canon.Markup.Equal(decimal.NewFromInt(2)), canon.Markup.String())
	assert.True(t, canon.LandedPrice.Equal(decimal.NewFromInt(409000)), canon.LandedPrice.String())

	labels := []string{}
	for _, v := range canon.Variants {
		labels = append(labels, v.VariantLabel)
	}
	assert.ElementsMatch(t, []string{"S", "L"}, labels)

	var st db.StagingItem
	require.NoError(t, gdb.Take(&st, it.ID).Error)
	assert.Equal(t, db.StagingConverted, st.Status)
}

func TestConvert_SkipsWithoutFailureEvent(t *testing.T) {
	c, gdb := setup(t, pricing.MarkupIdentity)

	noStock := insert(t, gdb, stagingItem("A1", variant("1", "S", 0)))
	noCost := stagingItem("A2", variant("1", "S", 3))
	noCost.CostPrice = decimal.Zero
	insert(t, gdb, noCost)

	for _, id := range []uint{noStock.ID, noCost.ID} {
		out, err := c.Convert(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, OutcomeSkipped, out)
	}

	var n int64
	require.NoError(t, gdb.Model(&db.ConversionFailure{}).Count(&n).Error)
	assert.Zero(t, n)
	require.NoError(t, gdb.Model(&db.CanonicalItem{}).Count(&n).Error)
	assert.Zero(t, n)
}

func TestConvert_ResolutionFailureIsLogged(t *testing.T) {
	c, gdb := setup(t, pricing.MarkupIdentity)
	it := stagingItem("A1", variant("1", "S", 1))
	it.RawBrand = "Unknown"
	it.Origin = "Mars"
	insert(t, gdb, it)

	out, err := c.Convert(context.Background(), it.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, out)

	var ev db.ConversionFailure
	require.NoError(t, gdb.Take(&ev).Error)
	assert.Equal(t, "brand: failed(value=Unknown) / category: ok / origin: failed(value=Mars)", ev.Reason)
	assert.False(t, ev.BrandOK)
	assert.True(t, ev.CategoryOK)
	assert.False(t, ev.OriginOK)
	assert.Equal(t, it.ID, ev.StagingItemID)

	var st db.StagingItem
	require.NoError(t, gdb.Take(&st, it.ID).Error)
	assert.Equal(t, db.StagingPending, st.Status)
}

func TestConvert_EmptyOriginUsesPlaceholder(t *testing.T) {
	c, gdb := setup(t, pricing.MarkupIdentity)
	it := stagingItem("A1", variant("1", "S", 1))
	it.Origin = " "
	it.Category1 = "unmapped"
	insert(t, gdb, it)

	out, err := c.Convert(context.Background(), it.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeConverted, out)

	var canon db.CanonicalItem
	require.NoError(t, gdb.Where("external_product_id = ?", "A1").Take(&canon).Error)
	assert.Equal(t, OriginPlaceholder, canon.Origin)
	// lower levels are optional
	assert.Empty(t, canon.CategoryL2)
	// no rule for an unknown category: identity markup
	assert.True(t, canon.Markup.Equal(decimal.NewFromInt(1)))
}

func TestConvert_RefusePolicyFailsItem(t *testing.T) {
	c, gdb := setup(t, pricing.MarkupRefuse)
	it := stagingItem("A1", variant("1", "S", 1))
	it.RawBrand = "PRADA"
	insert(t, gdb, it)

	out, err := c.Convert(context.Background(), it.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, out)

	var ev db.ConversionFailure
	require.NoError(t, gdb.Take(&ev).Error)
	assert.Equal(t, "pricing: failed(markup unresolved)", ev.Reason)
	assert.True(t, ev.BrandOK)
}

func TestConvertAll_Idempotent(t *testing.T) {
	c, gdb := setup(t, pricing.MarkupIdentity)
	// same label twice: one canonical variant, last one wins
	insert(t, gdb, stagingItem("A1", variant("1", "S", 1), variant("2", "S", 5), variant("3", "M", 2)))
	insert(t, gdb, stagingItem("A2", variant("1", "S", 1)))
	insert(t, gdb, stagingItem("A3", variant("1", "S", 0)))
	bad := stagingItem("A4", variant("1", "S", 1))
	bad.Gender = "alien"
	insert(t, gdb, bad)
	insert(t, gdb, stagingItem("A5", variant("1", "XL", 3)))

	rep, err := c.ConvertAll(context.Background(), "GNB")
	require.NoError(t, err)
	assert.Equal(t, Report{Supplier: "GNB", Converted: 3, Skipped: 1, Failed: 1}, rep)

	var first []db.CanonicalVariant
	require.NoError(t, gdb.Order("id").Find(&first).Error)
	require.Len(t, first, 4)
	assert.Equal(t, 5, first[0].StockQty)

	var priceBefore db.CanonicalItem
	require.NoError(t, gdb.Where("external_product_id = ?", "A1").Take(&priceBefore).Error)

	rep, err = c.ConvertAll(context.Background(), "GNB")
	require.NoError(t, err)
	assert.Equal(t, 3, rep.Converted)

	var second []db.CanonicalVariant
	require.NoError(t, gdb.Order("id").Find(&second).Error)
	assert.Equal(t, first, second)

	var priceAfter db.CanonicalItem
	require.NoError(t, gdb.Where("external_product_id = ?", "A1").Take(&priceAfter).Error)
	assert.True(t, priceBefore.LandedPrice.Equal(priceAfter.LandedPrice))
	assert.Equal(t, priceBefore.ID, priceAfter.ID)

	var failures int64
	require.NoError(t, gdb.Model(&db.ConversionFailure{}).Count(&failures).Error)
	assert.EqualValues(t, 2, failures) // append-only, one per attempt
}

func TestConvertAll_DropsVariantsThatRanOut(t *testing.T) {
	c, gdb := setup(t, pricing.MarkupIdentity)
	it := insert(t, gdb, stagingItem("A1", variant("1", "S", 1), variant("2", "M", 2)))

	_, err := c.ConvertAll(context.Background(), "GNB")
	require.NoError(t, err)

	require.NoError(t, gdb.Model(&db.StagingVariant{}).Where("staging_item_id = ? AND variant_label = ?", it.ID, "S").
		Update("stock_qty", 0).Error)
	_, err = c.ConvertAll(context.Background(), "GNB")
	require.NoError(t, err)

	var vs []db.CanonicalVariant
	require.NoError(t, gdb.Find(&vs).Error)
	require.Len(t, vs, 1)
	assert.Equal(t, "M", vs[0].VariantLabel)
}

func TestReconcileSoldout(t *testing.T) {
	c, gdb := setup(t, pricing.MarkupIdentity)
	a := insert(t, gdb, stagingItem("A1", variant("1", "S", 1)))
	insert(t, gdb, stagingItem("A2", variant("1", "S", 1)))

	_, err := c.ConvertAll(context.Background(), "GNB")
	require.NoError(t, err)

	require.NoError(t, gdb.Model(&db.StagingItem{}).Where("id = ?", a.ID).Update("status", db.StagingSoldout).Error)
	n, err := c.ReconcileSoldout(context.Background(), "GNB")
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	var canon db.CanonicalItem
	require.NoError(t, gdb.Where("external_product_id = ?", "A1").Take(&canon).Error)
	assert.Equal(t, db.CanonicalSoldout, canon.Status)

	// revived by a later full snapshot and reconverted
	require.NoError(t, gdb.Model(&db.StagingItem{}).Where("id = ?", a.ID).Update("status", db.StagingPending).Error)
	_, err = c.ConvertAll(context.Background(), "GNB")
	require.NoError(t, err)
	require.NoError(t, gdb.Where("external_product_id = ?", "A1").Take(&canon).Error)
	assert.Equal(t, db.CanonicalActive, canon.Status)
}
