package orders

import (
	"context"
	"sort"

	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/bartek5186/mallsync/internal/db"
)

var ErrUnavailable = eris.New("orders: variant not available")

// PlaceLine asks for Quantity units of one canonical variant.
type PlaceLine struct {
	CanonicalVariantID uint
	Quantity           int
}

// Service creates orders from a basket of canonical variants.
type Service struct {
	db  *gorm.DB
	reg *Registry
	log zerolog.Logger
}

func NewService(gdb *gorm.DB, reg *Registry, log zerolog.Logger) *Service {
	return &Service{db: gdb, reg: reg, log: log.With().Str("component", "orders").Logger()}
}

// Place splits the basket into one order per retailer, snapshots prices on
// the lines and takes the quantities off variant stock (never below zero).
// Every line gets its external reference right away.
func (s *Service) Place(ctx context.Context, lines []PlaceLine, memo string) ([]db.Order, error) {
	if len(lines) == 0 {
		return nil, eris.New("orders: empty basket")
	}
	var placed []db.Order
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		byRetailer := map[string][]db.OrderLine{}
		var retailers []string

		for _, pl := range lines {
			if pl.Quantity <= 0 {
				return eris.Errorf("orders: quantity of variant %d must be positive", pl.CanonicalVariantID)
			}
			var v db.CanonicalVariant
			if err := tx.Take(&v, pl.CanonicalVariantID).Error; err != nil {
				return eris.Wrapf(ErrUnavailable, "variant %d: %v", pl.CanonicalVariantID, err)
			}
			var item db.CanonicalItem
			if err := tx.Take(&item, v.CanonicalItemID).Error; err != nil {
				return eris.Wrapf(err, "orders: read item %d", v.CanonicalItemID)
			}
			if item.Status != db.CanonicalActive || v.StockQty <= 0 {
				return eris.Wrapf(ErrUnavailable, "variant %d of %s", v.ID, item.ExternalProductID)
			}

			cost := item.CostPrice
			if v.UnitPrice.Valid {
				cost = v.UnitPrice.Decimal
			}
			code := item.SupplierCode
			if _, seen := byRetailer[code]; !seen {
				retailers = append(retailers, code)
			}
			byRetailer[code] = append(byRetailer[code], db.OrderLine{
				CanonicalItemID:    item.ID,
				CanonicalVariantID: v.ID,
				VariantLabel:       v.VariantLabel,
				ExternalVariantID:  v.ExternalVariantID,
				SKU:                item.SKU,
				Quantity:           pl.Quantity,
				UnitCost:           cost,
				LandedPrice:        item.LandedPrice,
				Status:             db.OrderPending,
			})

			// computed in SQL so concurrent baskets cannot resurrect stock
			dec := gorm.Expr("CASE WHEN stock_qty > ? THEN stock_qty - ? ELSE 0 END", pl.Quantity, pl.Quantity)
			if err := tx.Model(&db.CanonicalVariant{}).Where("id = ?", v.ID).Update("stock_qty", dec).Error; err != nil {
				return eris.Wrapf(err, "orders: decrement stock of variant %d", v.ID)
			}
		}

		sort.Strings(retailers)
		for _, code := range retailers {
			order := db.Order{RetailerCode: code, Status: db.OrderPending, Memo: memo, Lines: byRetailer[code]}
			if err := tx.Create(&order).Error; err != nil {
				return eris.Wrapf(err, "orders: create order for %s", code)
			}
			short := s.reg.ShortCode(code)
			for i := range order.Lines {
				l := &order.Lines[i]
				l.ExternalRef = Reference(order.CreatedAt, order.ID, l.ID, short)
				if err := tx.Model(&db.OrderLine{}).Where("id = ?", l.ID).Update("external_ref", l.ExternalRef).Error; err != nil {
					return eris.Wrapf(err, "orders: set reference of line %d", l.ID)
				}
			}
			placed = append(placed, order)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	for _, o := range placed {
		s.log.Info().Uint("order_id", o.ID).Str("retailer", o.RetailerCode).Int("lines", len(o.Lines)).Msg("order placed")
	}
	return placed, nil
}
