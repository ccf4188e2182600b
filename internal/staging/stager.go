// Package staging persists supplier snapshots as staging rows and keeps the
// per-supplier watermark.
package staging

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/bartek5186/mallsync/internal/db"
)

const (
	defaultBatchSize   = 500
	defaultConcurrency = 4
)

type Options struct {
	BatchSize   int `mapstructure:"batch_size" json:"batch_size"`
	Concurrency int `mapstructure:"concurrency" json:"concurrency"`
}

type Stager struct {
	db   *gorm.DB
	log  zerolog.Logger
	opts Options
}

func New(gdb *gorm.DB, log zerolog.Logger, opts Options) *Stager {
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultBatchSize
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = defaultConcurrency
	}
	return &Stager{db: gdb, log: log.With().Str("component", "stager").Logger(), opts: opts}
}

// LastCursor returns the last applied cursor of supplier, nil if none.
func (s *Stager) LastCursor(ctx context.Context, supplier string) (*Cursor, error) {
	var wm db.SourceWatermark
	err := s.db.WithContext(ctx).Where("supplier_code = ?", supplier).Take(&wm).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "staging: read watermark of %s", supplier)
	}
	return &Cursor{Period: wm.Period, Sequence: wm.Sequence, Full: wm.Full}, nil
}

// Ingest fetches the batch after the supplier's watermark and stages it.
func (s *Stager) Ingest(ctx context.Context, src Source) (*Result, error) {
	code := src.Code()
	last, err := s.LastCursor(ctx, code)
	if err != nil {
		return nil, err
	}
	snap, err := src.FetchSnapshot(ctx, last)
	if err != nil {
		return nil, eris.Wrapf(err, "staging: fetch %s", code)
	}
	if snap == nil {
		s.log.Debug().Str("supplier", code).Msg("nothing new")
		return &Result{Supplier: code, NoData: true}, nil
	}
	return s.Stage(ctx, code, snap)
}

type Report struct {
	Supplier string
	Result   *Result
	Err      error
}

// IngestAll runs Ingest for every source. Suppliers are independent: one
// failing never stops or rolls back another.
func (s *Stager) IngestAll(ctx context.Context, srcs []Source) []Report {
	reports := make([]Report, len(srcs))
	var g errgroup.Group
	g.SetLimit(s.opts.Concurrency)
	for i, src := range srcs {
		g.Go(func() error {
			res, err := s.Ingest(ctx, src)
			reports[i] = Report{Supplier: src.Code(), Result: res, Err: err}
			if err != nil {
				s.log.Error().Err(err).Str("supplier", src.Code()).Msg("ingest failed")
			}
			return nil
		})
	}
	_ = g.Wait()
	return reports
}

// Stage applies one snapshot in a single transaction.
func (s *Stager) Stage(ctx context.Context, supplier string, snap *Snapshot) (*Result, error) {
	items, err := validate(supplier, snap)
	if err != nil {
		return nil, err
	}
	res := &Result{Supplier: supplier, Cursor: snap.Cursor}

	tx := s.db.WithContext(ctx).Begin()
	if tx.Error != nil {
		return nil, eris.Wrap(tx.Error, "staging: begin")
	}
	defer tx.Rollback()

	applied, err := s.checkWatermark(tx, supplier, snap.Cursor)
	if err != nil {
		return nil, err
	}
	if applied {
		res.AlreadyApplied = true
		s.log.Info().Str("supplier", supplier).Str("cursor", snap.Cursor.String()).Msg("batch already applied, skipping")
		return res, nil
	}

	existing, err := loadExisting(tx, supplier)
	if err != nil {
		return nil, err
	}

	full := snap.Mode == ModeFull
	now := time.Now()
	for _, rec := range items {
		id, err := s.upsertItem(tx, supplier, rec, existing, full, now, res)
		if err != nil {
			return nil, err
		}
		if err := s.replaceVariants(tx, id, rec.Variants); err != nil {
			return nil, err
		}
	}
	res.Staged = len(items)

	if full {
		if err := s.markSoldout(tx, items, existing, res); err != nil {
			return nil, err
		}
	}

	if err := recordBatch(tx, supplier, snap.Cursor, res, now); err != nil {
		return nil, err
	}
	if err := tx.Commit().Error; err != nil {
		return nil, eris.Wrap(err, "staging: commit")
	}

	s.log.Info().
		Str("supplier", supplier).
		Str("mode", string(snap.Mode)).
		Str("cursor", snap.Cursor.String()).
		Int("staged", res.Staged).
		Int("created", res.Created).
		Int("soldout", res.SoldOut).
		Int("revived", res.Revived).
		Msg("snapshot staged")
	return res, nil
}

// validate checks the snapshot before any write and collapses repeated
// product ids (last one wins).
func validate(supplier string, snap *Snapshot) ([]ItemRecord, error) {
	if strings.TrimSpace(supplier) == "" {
		return nil, eris.Wrap(ErrContract, "empty supplier code")
	}
	if snap == nil {
		return nil, eris.Wrap(ErrContract, "nil snapshot")
	}
	switch snap.Mode {
	case ModeFull, ModeIncremental:
	default:
		return nil, eris.Wrapf(ErrContract, "unknown mode %q", snap.Mode)
	}
	if (snap.Mode == ModeFull) != snap.Cursor.Full {
		return nil, eris.Wrapf(ErrContract, "mode %s disagrees with cursor %s", snap.Mode, snap.Cursor)
	}
	if strings.TrimSpace(snap.Cursor.Period) == "" {
		return nil, eris.Wrap(ErrContract, "cursor without period")
	}
	if len(snap.FailedPages) > 0 {
		return nil, eris.Wrapf(ErrIncomplete, "%s: pages %v failed", supplier, snap.FailedPages)
	}

	pos := make(map[string]int, len(snap.Items))
	out := make([]ItemRecord, 0, len(snap.Items))
	for _, it := range snap.Items {
		it.ExternalProductID = strings.TrimSpace(it.ExternalProductID)
		if it.ExternalProductID == "" {
			return nil, eris.Wrap(ErrContract, "item without external product id")
		}
		for _, v := range it.Variants {
			if v.StockQty < 0 {
				return nil, eris.Wrapf(ErrContract, "item %s variant %q has negative stock", it.ExternalProductID, v.Label)
			}
		}
		if i, dup := pos[it.ExternalProductID]; dup {
			out[i] = it
			continue
		}
		pos[it.ExternalProductID] = len(out)
		out = append(out, it)
	}
	return out, nil
}

func (s *Stager) checkWatermark(tx *gorm.DB, supplier string, c Cursor) (bool, error) {
	var n int64
	err := tx.Model(&db.AppliedBatch{}).
		Where(map[string]any{"supplier_code": supplier, "period": c.Period, "sequence": c.Sequence, "is_full": c.Full}).
		Count(&n).Error
	if err != nil {
		return false, eris.Wrap(err, "staging: read applied batches")
	}
	if n > 0 {
		return true, nil
	}

	var wm db.SourceWatermark
	err = tx.Where("supplier_code = ?", supplier).Take(&wm).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
	case err != nil:
		return false, eris.Wrap(err, "staging: read watermark")
	default:
		last := Cursor{Period: wm.Period, Sequence: wm.Sequence, Full: wm.Full}
		if c.Before(last) {
			return false, eris.Wrapf(ErrConsistency, "%s: cursor %s is before last applied %s", supplier, c, last)
		}
	}

	if !c.Full {
		var fulls int64
		err := tx.Model(&db.AppliedBatch{}).
			Where(map[string]any{"supplier_code": supplier, "period": c.Period, "is_full": true}).
			Count(&fulls).Error
		if err != nil {
			return false, eris.Wrap(err, "staging: read applied batches")
		}
		if fulls == 0 {
			return false, eris.Wrapf(ErrConsistency, "%s: incremental %s without a full batch for period %s", supplier, c, c.Period)
		}
	}
	return false, nil
}

type existingItem struct {
	ID                uint
	ExternalProductID string
	Status            string
}

func loadExisting(tx *gorm.DB, supplier string) (map[string]existingItem, error) {
	var rows []existingItem
	err := tx.Model(&db.StagingItem{}).
		Select("id", "external_product_id", "status").
		Where("supplier_code = ?", supplier).
		Find(&rows).Error
	if err != nil {
		return nil, eris.Wrap(err, "staging: read existing items")
	}
	out := make(map[string]existingItem, len(rows))
	for _, r := range rows {
		out[r.ExternalProductID] = r
	}
	return out, nil
}

func (s *Stager) upsertItem(tx *gorm.DB, supplier string, rec ItemRecord, existing map[string]existingItem, full bool, now time.Time, res *Result) (uint, error) {
	imgs := make([]string, 4)
	copy(imgs, rec.ImageURLs)

	prev, ok := existing[rec.ExternalProductID]
	if !ok {
		item := db.StagingItem{
			SupplierCode:      supplier,
			ExternalProductID: rec.ExternalProductID,
			ProductName:       rec.ProductName,
			RawBrand:          rec.Brand,
			Gender:            rec.Gender,
			Category1:         rec.Category1,
			Category2:         rec.Category2,
			Season:            rec.Season,
			SKU:               rec.SKU,
			Color:             rec.Color,
			Origin:            rec.Origin,
			Material:          rec.Material,
			ImageURL1:         imgs[0],
			ImageURL2:         imgs[1],
			ImageURL3:         imgs[2],
			ImageURL4:         imgs[3],
			CostPrice:         rec.CostPrice,
			ListPrice:         rec.ListPrice,
			DiscountRate:      rec.DiscountRate,
			Status:            db.StagingPending,
		}
		if err := tx.Omit(clause.Associations).Create(&item).Error; err != nil {
			return 0, eris.Wrapf(err, "staging: insert item %s", rec.ExternalProductID)
		}
		res.Created++
		return item.ID, nil
	}

	cols := map[string]any{
		"product_name":  rec.ProductName,
		"raw_brand":     rec.Brand,
		"gender":        rec.Gender,
		"category1":     rec.Category1,
		"category2":     rec.Category2,
		"season":        rec.Season,
		"sku":           rec.SKU,
		"color":         rec.Color,
		"origin":        rec.Origin,
		"material":      rec.Material,
		"image_url_1":   imgs[0],
		"image_url_2":   imgs[1],
		"image_url_3":   imgs[2],
		"image_url_4":   imgs[3],
		"cost_price":    rec.CostPrice,
		"list_price":    rec.ListPrice,
		"discount_rate": rec.DiscountRate,
		"updated_at":    now,
	}
	if full && prev.Status == db.StagingSoldout {
		cols["status"] = db.StagingPending
		res.Revived++
	}
	if err := tx.Model(&db.StagingItem{}).Where("id = ?", prev.ID).Updates(cols).Error; err != nil {
		return 0, eris.Wrapf(err, "staging: update item %s", rec.ExternalProductID)
	}
	res.Updated++
	return prev.ID, nil
}

func (s *Stager) replaceVariants(tx *gorm.DB, itemID uint, recs []VariantRecord) error {
	if err := tx.Where("staging_item_id = ?", itemID).Delete(&db.StagingVariant{}).Error; err != nil {
		return eris.Wrapf(err, "staging: clear variants of item %d", itemID)
	}
	if len(recs) == 0 {
		return nil
	}

	pos := make(map[string]int, len(recs))
	rows := make([]db.StagingVariant, 0, len(recs))
	for _, v := range recs {
		label := strings.ToUpper(strings.TrimSpace(v.Label))
		ext := strings.TrimSpace(v.ExternalVariantID)
		if ext == "" {
			ext = label
		}
		row := db.StagingVariant{
			StagingItemID:     itemID,
			ExternalVariantID: ext,
			VariantLabel:      label,
			StockQty:          v.StockQty,
			UnitPrice:         v.UnitPrice,
		}
		if i, dup := pos[ext]; dup {
			rows[i] = row
			continue
		}
		pos[ext] = len(rows)
		rows = append(rows, row)
	}
	if err := tx.CreateInBatches(&rows, s.opts.BatchSize).Error; err != nil {
		return eris.Wrapf(err, "staging: insert variants of item %d", itemID)
	}
	return nil
}

// markSoldout flips every previously known item absent from a full snapshot.
func (s *Stager) markSoldout(tx *gorm.DB, items []ItemRecord, existing map[string]existingItem, res *Result) error {
	present := make(map[string]struct{}, len(items))
	for _, it := range items {
		present[it.ExternalProductID] = struct{}{}
	}
	var ids []uint
	for ext, e := range existing {
		if _, ok := present[ext]; ok || e.Status == db.StagingSoldout {
			continue
		}
		ids = append(ids, e.ID)
	}
	for start := 0; start < len(ids); start += s.opts.BatchSize {
		end := min(start+s.opts.BatchSize, len(ids))
		err := tx.Model(&db.StagingItem{}).
			Where("id IN ?", ids[start:end]).
			Updates(map[string]any{"status": db.StagingSoldout, "updated_at": time.Now()}).Error
		if err != nil {
			return eris.Wrap(err, "staging: mark soldout")
		}
	}
	res.SoldOut = len(ids)
	return nil
}

func recordBatch(tx *gorm.DB, supplier string, c Cursor, res *Result, now time.Time) error {
	batch := db.AppliedBatch{
		SupplierCode: supplier,
		Period:       c.Period,
		Sequence:     c.Sequence,
		Full:         c.Full,
		ItemsStaged:  res.Staged,
		SoldOut:      res.SoldOut,
		AppliedAt:    now,
	}
	if err := tx.Create(&batch).Error; err != nil {
		return eris.Wrap(err, "staging: record applied batch")
	}
	wm := db.SourceWatermark{SupplierCode: supplier, Period: c.Period, Sequence: c.Sequence, Full: c.Full, AppliedAt: now}
	err := tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "supplier_code"}},
		DoUpdates: clause.AssignmentColumns([]string{"period", "sequence", "is_full", "applied_at"}),
	}).Create(&wm).Error
	if err != nil {
		return eris.Wrap(err, "staging: write watermark")
	}
	return nil
}
