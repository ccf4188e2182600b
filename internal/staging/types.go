package staging

import (
	"context"
	"fmt"

	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"
)

var (
	// ErrConsistency rejects a batch that arrives out of watermark order.
	ErrConsistency = eris.New("staging: consistency violation")
	// ErrContract rejects adapter output that breaks the source contract.
	ErrContract = eris.New("staging: source contract violation")
	// ErrIncomplete rejects a snapshot with pages that failed to fetch.
	ErrIncomplete = eris.New("staging: incomplete snapshot")
)

type Mode string

const (
	ModeFull        Mode = "FULL"
	ModeIncremental Mode = "INCREMENTAL"
)

// Cursor identifies one batch of one supplier. Batches are ordered by
// (Period, Sequence); Period is a sortable date such as 2025-03-01.
type Cursor struct {
	Period   string `json:"period"`
	Sequence int64  `json:"sequence"`
	Full     bool   `json:"full"`
}

// Before reports whether c orders strictly before o. At equal (Period,
// Sequence) a FULL batch comes before an incremental one.
func (c Cursor) Before(o Cursor) bool {
	if c.Period != o.Period {
		return c.Period < o.Period
	}
	if c.Sequence != o.Sequence {
		return c.Sequence < o.Sequence
	}
	return c.Full && !o.Full
}

func (c Cursor) String() string {
	kind := "inc"
	if c.Full {
		kind = "full"
	}
	return fmt.Sprintf("%s#%d/%s", c.Period, c.Sequence, kind)
}

type VariantRecord struct {
	ExternalVariantID string
	Label             string
	StockQty          int
	UnitPrice         decimal.NullDecimal
}

// ItemRecord is one product as a source delivers it. Empty strings mean unknown.
type ItemRecord struct {
	ExternalProductID string
	ProductName       string
	Brand             string
	Gender            string
	Category1         string
	Category2         string
	Season            string
	SKU               string
	Color             string
	Origin            string
	Material          string
	ImageURLs         []string
	CostPrice         decimal.Decimal
	ListPrice         decimal.Decimal
	DiscountRate      decimal.NullDecimal
	Variants          []VariantRecord
}

func (it ItemRecord) TotalStock() int {
	n := 0
	for _, v := range it.Variants {
		n += v.StockQty
	}
	return n
}

type Snapshot struct {
	Mode   Mode
	Cursor Cursor
	Items  []ItemRecord
	// FailedPages lists page indexes the source could not fetch.
	FailedPages []int
}

// Source fetches the next snapshot after last (nil before the first batch).
// A nil snapshot with a nil error means there is nothing new.
type Source interface {
	Code() string
	FetchSnapshot(ctx context.Context, last *Cursor) (*Snapshot, error)
}

type Result struct {
	Supplier       string
	Cursor         Cursor
	Staged         int
	Created        int
	Updated        int
	SoldOut        int
	Revived        int
	AlreadyApplied bool
	NoData         bool
}
