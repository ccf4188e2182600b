// Package catalog turns staging rows into the canonical sellable catalog.
package catalog

import (
	"context"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/bartek5186/mallsync/internal/db"
	"github.com/bartek5186/mallsync/internal/pricing"
	"github.com/bartek5186/mallsync/internal/refdata"
)

type Outcome int

const (
	OutcomeConverted Outcome = iota
	OutcomeSkipped
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeConverted:
		return "converted"
	case OutcomeSkipped:
		return "skipped"
	case OutcomeFailed:
		return "failed"
	}
	return "unknown"
}

const defaultBatchSize = 200

type Options struct {
	BatchSize int `mapstructure:"batch_size" json:"batch_size"`
}

// Snapshots yields the reference data conversion runs against.
type Snapshots interface {
	Current() (*refdata.Snapshot, error)
}

type Canonicalizer struct {
	db   *gorm.DB
	refs Snapshots
	log  zerolog.Logger
	opts Options
}

func New(gdb *gorm.DB, refs Snapshots, log zerolog.Logger, opts Options) *Canonicalizer {
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultBatchSize
	}
	return &Canonicalizer{db: gdb, refs: refs, log: log.With().Str("component", "canonicalizer").Logger(), opts: opts}
}

type Report struct {
	Supplier  string
	Converted int
	Skipped   int
	Failed    int
	// Errors counts items rolled back on an unexpected database error; they are also in Failed.
	Errors int
}

// Convert runs one staging item in its own transaction.
func (c *Canonicalizer) Convert(ctx context.Context, stagingItemID uint) (Outcome, error) {
	snap, err := c.refs.Current()
	if err != nil {
		return OutcomeFailed, err
	}
	var out Outcome
	err = c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var item db.StagingItem
		if err := tx.Preload("Variants").Take(&item, stagingItemID).Error; err != nil {
			return eris.Wrapf(err, "catalog: read staging item %d", stagingItemID)
		}
		var err error
		out, err = c.convertItem(tx, snap, &item)
		return err
	})
	if err != nil {
		return OutcomeFailed, err
	}
	return out, nil
}

// ConvertAll converts every PENDING or CONVERTED staging item of supplier,
// one transaction per batch. An item that fails never aborts its batch.
func (c *Canonicalizer) ConvertAll(ctx context.Context, supplier string) (Report, error) {
	rep := Report{Supplier: supplier}
	snap, err := c.refs.Current()
	if err != nil {
		return rep, err
	}

	var lastID uint
	for {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		var batch []db.StagingItem
		err := c.db.WithContext(ctx).
			Preload("Variants").
			Where("supplier_code = ? AND status IN ? AND id > ?", supplier, []string{db.StagingPending, db.StagingConverted}, lastID).
			Order("id").
			Limit(c.opts.BatchSize).
			Find(&batch).Error
		if err != nil {
			return rep, eris.Wrapf(err, "catalog: read staging batch of %s", supplier)
		}
		if len(batch) == 0 {
			break
		}
		lastID = batch[len(batch)-1].ID

		err = c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			for i := range batch {
				item := &batch[i]
				var out Outcome
				// nested transaction = savepoint; a failed item rolls back alone
				err := tx.Transaction(func(itx *gorm.DB) error {
					var err error
					out, err = c.convertItem(itx, snap, item)
					return err
				})
				if err != nil {
					c.log.Error().Err(err).Uint("staging_item_id", item.ID).Msg("conversion error")
					rep.Failed++
					rep.Errors++
					continue
				}
				switch out {
				case OutcomeConverted:
					rep.Converted++
				case OutcomeSkipped:
					rep.Skipped++
				case OutcomeFailed:
					rep.Failed++
				}
			}
			return nil
		})
		if err != nil {
			return rep, eris.Wrapf(err, "catalog: commit batch of %s", supplier)
		}
	}

	c.log.Info().
		Str("supplier", supplier).
		Int("converted", rep.Converted).
		Int("skipped", rep.Skipped).
		Int("failed", rep.Failed).
		Msg("conversion finished")
	return rep, nil
}

func (c *Canonicalizer) convertItem(tx *gorm.DB, snap *refdata.Snapshot, item *db.StagingItem) (Outcome, error) {
	stock := 0
	for _, v := range item.Variants {
		stock += v.StockQty
	}
	if stock <= 0 || !item.CostPrice.IsPositive() {
		return OutcomeSkipped, nil
	}

	canon := db.CanonicalItem{
		ExternalProductID: item.ExternalProductID,
		SupplierCode:      item.SupplierCode,
		StagingItemID:     item.ID,
		ProductName:       item.ProductName,
		RawBrand:          item.RawBrand,
		Season:            item.Season,
		SKU:               item.SKU,
		Color:             item.Color,
		Material:          item.Material,
		ImageURL:          item.ImageURL1,
		CostPrice:         item.CostPrice,
		ListPrice:         item.ListPrice,
		DiscountRate:      item.DiscountRate,
		Status:            db.CanonicalActive,
	}
	outs, ok := resolveFields(snap.Aliases, item, &canon)
	if !ok {
		return OutcomeFailed, c.recordFailure(tx, item, outs, failureReason(outs))
	}

	q, err := snap.Pricing.Quote(pricing.Item{
		Retailer:  item.SupplierCode,
		Brand:     item.RawBrand,
		Category:  canon.CategoryL2,
		Season:    item.Season,
		Origin:    canon.Origin,
		CostPrice: item.CostPrice,
	})
	if err != nil {
		reason := "pricing: failed(" + err.Error() + ")"
		if errors.Is(err, pricing.ErrMarkupUnresolved) {
			reason = "pricing: failed(markup unresolved)"
		}
		return OutcomeFailed, c.recordFailure(tx, item, outs, reason)
	}
	canon.Markup = q.Markup
	canon.LandedPrice = q.Final

	id, err := upsertCanonical(tx, &canon)
	if err != nil {
		return OutcomeFailed, err
	}
	if err := syncVariants(tx, id, item.Variants); err != nil {
		return OutcomeFailed, err
	}
	err = tx.Model(&db.StagingItem{}).Where("id = ?", item.ID).
		Updates(map[string]any{"status": db.StagingConverted, "updated_at": time.Now()}).Error
	if err != nil {
		return OutcomeFailed, eris.Wrapf(err, "catalog: mark staging item %d converted", item.ID)
	}
	return OutcomeConverted, nil
}

func (c *Canonicalizer) recordFailure(tx *gorm.DB, item *db.StagingItem, outs []fieldOutcome, reason string) error {
	ev := db.ConversionFailure{
		StagingItemID: item.ID,
		SupplierCode:  item.SupplierCode,
		Source:        "conversion",
		BrandOK:       outcomeOK(outs, "brand"),
		CategoryOK:    outcomeOK(outs, "category"),
		OriginOK:      outcomeOK(outs, "origin"),
		Reason:        reason,
	}
	if err := tx.Create(&ev).Error; err != nil {
		return eris.Wrapf(err, "catalog: record failure of staging item %d", item.ID)
	}
	c.log.Debug().Uint("staging_item_id", item.ID).Str("reason", reason).Msg("conversion failed")
	return nil
}

func upsertCanonical(tx *gorm.DB, canon *db.CanonicalItem) (uint, error) {
	var prev db.CanonicalItem
	err := tx.Select("id").Where("external_product_id = ?", canon.ExternalProductID).Take(&prev).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		if err := tx.Omit(clause.Associations).Create(canon).Error; err != nil {
			return 0, eris.Wrapf(err, "catalog: insert canonical %s", canon.ExternalProductID)
		}
		return canon.ID, nil
	}
	if err != nil {
		return 0, eris.Wrapf(err, "catalog: read canonical %s", canon.ExternalProductID)
	}

	err = tx.Model(&db.CanonicalItem{}).Where("id = ?", prev.ID).Updates(map[string]any{
		"supplier_code":   canon.SupplierCode,
		"staging_item_id": canon.StagingItemID,
		"product_name":    canon.ProductName,
		"raw_brand":       canon.RawBrand,
		"brand":           canon.Brand,
		"category_l1":     canon.CategoryL1,
		"category_l2":     canon.CategoryL2,
		"category_l3":     canon.CategoryL3,
		"season":          canon.Season,
		"sku":             canon.SKU,
		"color":           canon.Color,
		"origin":          canon.Origin,
		"material":        canon.Material,
		"image_url":       canon.ImageURL,
		"cost_price":      canon.CostPrice,
		"list_price":      canon.ListPrice,
		"discount_rate":   canon.DiscountRate,
		"markup":          canon.Markup,
		"landed_price":    canon.LandedPrice,
		"status":          db.CanonicalActive,
		"updated_at":      time.Now(),
	}).Error
	if err != nil {
		return 0, eris.Wrapf(err, "catalog: update canonical %s", canon.ExternalProductID)
	}
	return prev.ID, nil
}

// syncVariants makes the canonical variants equal to the in-stock staging
// variants keyed by label. Rows for surviving labels keep their ids, so
// order lines pointing at them stay valid.
func syncVariants(tx *gorm.DB, canonicalID uint, staged []db.StagingVariant) error {
	want := map[string]db.StagingVariant{}
	var order []string
	for _, v := range staged {
		if v.StockQty <= 0 {
			continue
		}
		if _, seen := want[v.VariantLabel]; !seen {
			order = append(order, v.VariantLabel)
		}
		want[v.VariantLabel] = v
	}

	var existing []db.CanonicalVariant
	if err := tx.Where("canonical_item_id = ?", canonicalID).Find(&existing).Error; err != nil {
		return eris.Wrapf(err, "catalog: read variants of canonical %d", canonicalID)
	}
	have := make(map[string]db.CanonicalVariant, len(existing))
	var stale []uint
	for _, e := range existing {
		if _, keep := want[e.VariantLabel]; keep {
			have[e.VariantLabel] = e
			continue
		}
		stale = append(stale, e.ID)
	}
	if len(stale) > 0 {
		if err := tx.Where("id IN ?", stale).Delete(&db.CanonicalVariant{}).Error; err != nil {
			return eris.Wrapf(err, "catalog: drop variants of canonical %d", canonicalID)
		}
	}

	for _, label := range order {
		v := want[label]
		if e, ok := have[label]; ok {
			err := tx.Model(&db.CanonicalVariant{}).Where("id = ?", e.ID).Updates(map[string]any{
				"external_variant_id": v.ExternalVariantID,
				"stock_qty":           v.StockQty,
				"unit_price":          v.UnitPrice,
			}).Error
			if err != nil {
				return eris.Wrapf(err, "catalog: update variant %s of canonical %d", label, canonicalID)
			}
			continue
		}
		row := db.CanonicalVariant{
			CanonicalItemID:   canonicalID,
			VariantLabel:      label,
			ExternalVariantID: v.ExternalVariantID,
			StockQty:          v.StockQty,
			UnitPrice:         v.UnitPrice,
		}
		if err := tx.Create(&row).Error; err != nil {
			return eris.Wrapf(err, "catalog: insert variant %s of canonical %d", label, canonicalID)
		}
	}
	return nil
}

// ReconcileSoldout marks canonical items SOLDOUT whose staging row the last
// full snapshot dropped. Re-activation happens only through conversion.
func (c *Canonicalizer) ReconcileSoldout(ctx context.Context, supplier string) (int64, error) {
	gdb := c.db.WithContext(ctx)
	soldout := gdb.Model(&db.StagingItem{}).Select("id").
		Where("supplier_code = ? AND status = ?", supplier, db.StagingSoldout)
	res := gdb.Model(&db.CanonicalItem{}).
		Where("supplier_code = ? AND status = ? AND staging_item_id IN (?)", supplier, db.CanonicalActive, soldout).
		Updates(map[string]any{"status": db.CanonicalSoldout, "updated_at": time.Now()})
	if res.Error != nil {
		return 0, eris.Wrapf(res.Error, "catalog: reconcile soldout of %s", supplier)
	}
	if res.RowsAffected > 0 {
		c.log.Info().Str("supplier", supplier).Int64("soldout", res.RowsAffected).Msg("canonical items marked soldout")
	}
	return res.RowsAffected, nil
}
