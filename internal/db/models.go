// internal/db/models.go
package db

import (
	"time"

	"github.com/shopspring/decimal"
)

// staging statuses
const (
	StagingPending   = "PENDING"
	StagingConverted = "CONVERTED"
	StagingSoldout   = "SOLDOUT"
)

// canonical statuses
const (
	CanonicalActive  = "ACTIVE"
	CanonicalSoldout = "SOLDOUT"
)

// order and order line statuses
const (
	OrderPending = "PENDING"
	OrderSent    = "SENT"
	OrderFailed  = "FAILED"
	LineSoldout  = "SOLDOUT"
)

// staging_items – raw supplier snapshot, one row per (supplier, external id)
type StagingItem struct {
	ID                uint   `gorm:"primaryKey"`
	SupplierCode      string `gorm:"size:64;not null;uniqueIndex:uniq_staging_item"`
	ExternalProductID string `gorm:"size:128;not null;uniqueIndex:uniq_staging_item"`
	ProductName       string
	RawBrand          string `gorm:"size:128"`
	Gender            string `gorm:"size:64"`
	Category1         string `gorm:"size:128"`
	Category2         string `gorm:"size:128"`
	Season            string `gorm:"size:64"`
	SKU               string `gorm:"size:128"`
	Color             string `gorm:"size:64"`
	Origin            string `gorm:"size:128"`
	Material          string
	ImageURL1         string              `gorm:"column:image_url_1"`
	ImageURL2         string              `gorm:"column:image_url_2"`
	ImageURL3         string              `gorm:"column:image_url_3"`
	ImageURL4         string              `gorm:"column:image_url_4"`
	CostPrice         decimal.Decimal     `gorm:"type:numeric(12,2);not null;default:0"`
	ListPrice         decimal.Decimal     `gorm:"type:numeric(12,2);not null;default:0"`
	DiscountRate      decimal.NullDecimal `gorm:"type:numeric(5,2)"`
	Status            string              `gorm:"size:16;index;not null;default:PENDING"`
	CreatedAt         time.Time
	UpdatedAt         time.Time

	Variants []StagingVariant `gorm:"foreignKey:StagingItemID;constraint:OnDelete:CASCADE"`
}

// staging_variants – replaced wholesale on every re-ingest of the parent
type StagingVariant struct {
	ID                uint                `gorm:"primaryKey"`
	StagingItemID     uint                `gorm:"not null;uniqueIndex:uniq_staging_variant"`
	ExternalVariantID string              `gorm:"size:128;not null;uniqueIndex:uniq_staging_variant"`
	VariantLabel      string              `gorm:"size:64"`
	StockQty          int                 `gorm:"not null;default:0"`
	UnitPrice         decimal.NullDecimal `gorm:"type:numeric(12,2)"`
}

// canonical_items – cross-supplier catalog, written only by the canonicalizer
type CanonicalItem struct {
	ID                uint   `gorm:"primaryKey"`
	ExternalProductID string `gorm:"size:128;not null;uniqueIndex"`
	SupplierCode      string `gorm:"size:64;not null;index"`
	StagingItemID     uint   `gorm:"index"`
	ProductName       string
	RawBrand          string `gorm:"size:128"`
	Brand             string `gorm:"size:128;index"`
	CategoryL1        string `gorm:"column:category_l1;size:128"`
	CategoryL2        string `gorm:"column:category_l2;size:128"`
	CategoryL3        string `gorm:"column:category_l3;size:128"`
	Season            string `gorm:"size:64"`
	SKU               string `gorm:"size:128"`
	Color             string `gorm:"size:64"`
	Origin            string `gorm:"size:128"`
	Material          string
	ImageURL          string
	CostPrice         decimal.Decimal     `gorm:"type:numeric(12,2);not null;default:0"`
	ListPrice         decimal.Decimal     `gorm:"type:numeric(12,2);not null;default:0"`
	DiscountRate      decimal.NullDecimal `gorm:"type:numeric(5,2)"`
	Markup            decimal.Decimal     `gorm:"type:numeric(8,4);not null;default:1"`
	LandedPrice       decimal.Decimal     `gorm:"type:numeric(14,0);not null;default:0"`
	Status            string              `gorm:"size:16;index;not null;default:ACTIVE"`
	CreatedAt         time.Time
	UpdatedAt         time.Time

	Variants []CanonicalVariant `gorm:"foreignKey:CanonicalItemID;constraint:OnDelete:CASCADE"`
}

// canonical_variants – only labels that had stock at conversion time
type CanonicalVariant struct {
	ID                uint                `gorm:"primaryKey"`
	CanonicalItemID   uint                `gorm:"not null;uniqueIndex:uniq_canonical_variant"`
	VariantLabel      string              `gorm:"size:64;not null;uniqueIndex:uniq_canonical_variant"`
	ExternalVariantID string              `gorm:"size:128"`
	StockQty          int                 `gorm:"not null;default:0"`
	UnitPrice         decimal.NullDecimal `gorm:"type:numeric(12,2)"`
}

// alias_entries – raw strings (comma separated) -> canonical name within one scope
type AliasEntry struct {
	ID        uint   `gorm:"primaryKey"`
	Scope     string `gorm:"size:32;not null;index"`
	Canonical string `gorm:"size:128;not null"`
	Aliases   string `gorm:"type:text"`
}

// countries – canonical country names with FTA flag
type Country struct {
	ID        uint   `gorm:"primaryKey"`
	Name      string `gorm:"size:128;not null;uniqueIndex"`
	FTAExempt bool   `gorm:"not null;default:false"`
}

// formula_ranges – additive surcharge tiers over the converted base price
type FormulaRange struct {
	ID       uint            `gorm:"primaryKey"`
	MinPrice decimal.Decimal `gorm:"type:numeric(14,2);not null"`
	MaxPrice decimal.Decimal `gorm:"type:numeric(14,2);not null"`
	Formula  string          `gorm:"type:text;not null"`
}

// markup_rules – (retailer, brand or "*", categories, season?) -> multiplier
type MarkupRule struct {
	ID         uint            `gorm:"primaryKey"`
	Retailer   string          `gorm:"size:64;not null;index"`
	Brand      string          `gorm:"size:128;not null"`
	Categories string          `gorm:"size:255;not null"` // comma separated
	Season     string          `gorm:"size:64"`           // empty = any
	Multiplier decimal.Decimal `gorm:"type:numeric(8,4);not null;default:1"`
}

// conversion_failures – append-only, read by reporting
type ConversionFailure struct {
	ID            uint   `gorm:"primaryKey"`
	StagingItemID uint   `gorm:"not null;index"`
	SupplierCode  string `gorm:"size:64;not null;index"`
	Source        string `gorm:"size:32;not null;default:conversion"`
	BrandOK       bool
	CategoryOK    bool
	OriginOK      bool
	Reason        string    `gorm:"type:text"`
	CreatedAt     time.Time `gorm:"autoCreateTime"`
}

// source_watermarks – last applied cursor per supplier
type SourceWatermark struct {
	SupplierCode string `gorm:"primaryKey;size:64"`
	Period       string `gorm:"size:10;not null"`
	Sequence     int64  `gorm:"not null"`
	Full         bool   `gorm:"column:is_full;not null"`
	AppliedAt    time.Time
}

// applied_batches – history of every applied cursor
type AppliedBatch struct {
	ID           uint   `gorm:"primaryKey"`
	SupplierCode string `gorm:"size:64;not null;uniqueIndex:uniq_applied_batch"`
	Period       string `gorm:"size:10;not null;uniqueIndex:uniq_applied_batch"`
	Sequence     int64  `gorm:"not null;uniqueIndex:uniq_applied_batch"`
	Full         bool   `gorm:"column:is_full;not null;uniqueIndex:uniq_applied_batch"`
	ItemsStaged  int
	SoldOut      int
	AppliedAt    time.Time `gorm:"autoCreateTime"`
}

// retailers – run bookkeeping per supplier/retailer code
type Retailer struct {
	Code                string `gorm:"primaryKey;size:64"`
	Name                string
	ShortCode           string `gorm:"size:32"`
	OrderAPIName        string
	LastFetchStartedAt  *time.Time
	LastFetchFinishedAt *time.Time
	LastFetchedCount    int
	LastConvertedCount  int
	LastError           string `gorm:"type:text"`
}

// orders
type Order struct {
	ID           uint   `gorm:"primaryKey"`
	RetailerCode string `gorm:"size:64;not null;index"`
	Status       string `gorm:"size:16;index;not null;default:PENDING"`
	Memo         string `gorm:"type:text"`
	CreatedAt    time.Time
	UpdatedAt    time.Time

	Lines []OrderLine `gorm:"foreignKey:OrderID;constraint:OnDelete:CASCADE"`
}

// order_lines
type OrderLine struct {
	ID                 uint            `gorm:"primaryKey"`
	OrderID            uint            `gorm:"not null;index"`
	CanonicalItemID    uint            `gorm:"not null;index"`
	CanonicalVariantID uint            `gorm:"not null"`
	VariantLabel       string          `gorm:"size:64"`
	ExternalVariantID  string          `gorm:"size:128"`
	SKU                string          `gorm:"size:128"`
	Quantity           int             `gorm:"not null"`
	UnitCost           decimal.Decimal `gorm:"type:numeric(12,2);not null;default:0"`
	LandedPrice        decimal.Decimal `gorm:"type:numeric(14,0);not null;default:0"`
	ExternalRef        string          `gorm:"size:128;index"`
	Status             string          `gorm:"size:16;index;not null;default:PENDING"`
	Reason             string          `gorm:"type:text"`
	UpdatedAt          time.Time
}

// dispatch_audits – append-only per-line outcome of each dispatch attempt
type DispatchAudit struct {
	ID          uint      `gorm:"primaryKey"`
	OrderID     uint      `gorm:"not null;index"`
	AttemptID   string    `gorm:"size:36;not null;index"`
	OrderLineID uint      `gorm:"not null"`
	ExternalRef string    `gorm:"size:128"`
	Status      string    `gorm:"size:16;not null"`
	Reason      string    `gorm:"type:text"`
	CreatedAt   time.Time `gorm:"autoCreateTime"`
}
