// Package orders places orders against the canonical catalog and dispatches
// them to each supplier's order API.
package orders

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"github.com/bartek5186/mallsync/internal/db"
	"github.com/bartek5186/mallsync/internal/metrics"
)

var (
	ErrAlreadySent   = eris.New("orders: order already sent")
	ErrNothingToSend = eris.New("orders: no pending or failed lines")
)

const (
	ReasonNoResult = "no result returned"
	ReasonTimeout  = "timeout"
	ReasonRejected = "rejected"
)

var DefaultSoldoutPatterns = []string{"OUT_OF_STOCK", "SOLD_OUT", "SOLDOUT", "NO_STOCK"}

type Options struct {
	Timeout         time.Duration
	SoldoutPatterns []string
	Concurrency     int
}

type Router struct {
	db      *gorm.DB
	reg     *Registry
	log     zerolog.Logger
	metrics *metrics.Metrics
	opts    Options
}

func NewRouter(gdb *gorm.DB, reg *Registry, log zerolog.Logger, m *metrics.Metrics, opts Options) *Router {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if len(opts.SoldoutPatterns) == 0 {
		opts.SoldoutPatterns = DefaultSoldoutPatterns
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	return &Router{db: gdb, reg: reg, log: log.With().Str("component", "router").Logger(), metrics: m, opts: opts}
}

type LineOutcome struct {
	LineID      uint
	ExternalRef string
	Status      string
	Reason      string
}

type Result struct {
	OrderID   uint
	Retailer  string
	AttemptID string
	Status    string
	Lines     []LineOutcome
}

// Dispatch sends every PENDING or FAILED line of the order in one call and
// records the outcome. A timed out or failed call marks the lines FAILED;
// nothing is retried here.
func (r *Router) Dispatch(ctx context.Context, orderID uint) (*Result, error) {
	var order db.Order
	if err := r.db.WithContext(ctx).Preload("Lines", func(tx *gorm.DB) *gorm.DB { return tx.Order("id") }).
		Take(&order, orderID).Error; err != nil {
		return nil, eris.Wrapf(err, "orders: read order %d", orderID)
	}
	if order.Status == db.OrderSent {
		return nil, eris.Wrapf(ErrAlreadySent, "order %d", orderID)
	}

	var toSend []*db.OrderLine
	for i := range order.Lines {
		l := &order.Lines[i]
		if l.Status == db.OrderPending || l.Status == db.OrderFailed {
			toSend = append(toSend, l)
		}
	}
	if len(toSend) == 0 {
		return nil, eris.Wrapf(ErrNothingToSend, "order %d", orderID)
	}

	d, binding, err := r.reg.For(order.RetailerCode)
	if err != nil {
		return nil, err
	}
	req, err := r.buildRequest(ctx, &order, toSend, binding)
	if err != nil {
		return nil, err
	}

	results, timedOut, sendErr := r.send(ctx, d, req)
	outcomes := r.classify(toSend, results, sendErr, timedOut)
	res := &Result{OrderID: order.ID, Retailer: order.RetailerCode, AttemptID: uuid.NewString(), Lines: outcomes}

	// the outcome is recorded even when the caller gave up
	if err := r.record(context.WithoutCancel(ctx), &order, res); err != nil {
		return nil, err
	}
	for _, o := range outcomes {
		r.metrics.LineDispatched(order.RetailerCode, o.Status)
	}
	r.log.Info().
		Uint("order_id", order.ID).
		Str("retailer", order.RetailerCode).
		Str("attempt", res.AttemptID).
		Str("status", res.Status).
		Int("lines", len(outcomes)).
		Msg("order dispatched")
	return res, nil
}

type sendResult struct {
	results []LineResult
	err     error
}

// send bounds the adapter call by the configured timeout even when the
// adapter ignores its context.
func (r *Router) send(ctx context.Context, d Dispatcher, req *Request) ([]LineResult, bool, error) {
	sendCtx, cancel := context.WithTimeout(ctx, r.opts.Timeout)
	defer cancel()

	ch := make(chan sendResult, 1)
	go func() {
		res, err := d.Send(sendCtx, req)
		ch <- sendResult{res, err}
	}()

	select {
	case sr := <-ch:
		timedOut := sr.err != nil && errors.Is(sendCtx.Err(), context.DeadlineExceeded)
		return sr.results, timedOut, sr.err
	case <-sendCtx.Done():
		return nil, errors.Is(sendCtx.Err(), context.DeadlineExceeded), sendCtx.Err()
	}
}

func (r *Router) buildRequest(ctx context.Context, order *db.Order, lines []*db.OrderLine, b Binding) (*Request, error) {
	var retailer db.Retailer
	apiName := order.RetailerCode
	err := r.db.WithContext(ctx).Where("code = ?", order.RetailerCode).Take(&retailer).Error
	switch {
	case err == nil:
		if retailer.OrderAPIName != "" {
			apiName = retailer.OrderAPIName
		} else if retailer.Name != "" {
			apiName = retailer.Name
		}
	case !errors.Is(err, gorm.ErrRecordNotFound):
		return nil, eris.Wrapf(err, "orders: read retailer %s", order.RetailerCode)
	}

	itemIDs := make([]uint, 0, len(lines))
	for _, l := range lines {
		itemIDs = append(itemIDs, l.CanonicalItemID)
	}
	var items []db.CanonicalItem
	if err := r.db.WithContext(ctx).Select("id", "external_product_id").Where("id IN ?", itemIDs).Find(&items).Error; err != nil {
		return nil, eris.Wrap(err, "orders: read canonical items")
	}
	extIDs := make(map[uint]string, len(items))
	for _, it := range items {
		extIDs[it.ID] = it.ExternalProductID
	}

	req := &Request{OrderID: order.ID, Retailer: order.RetailerCode, OrderAPIName: apiName}
	for _, l := range lines {
		if l.ExternalRef == "" {
			l.ExternalRef = Reference(order.CreatedAt, order.ID, l.ID, b.ShortCode)
		}
		req.Lines = append(req.Lines, RequestLine{
			LineID:            l.ID,
			ExternalRef:       l.ExternalRef,
			ExternalProductID: extIDs[l.CanonicalItemID],
			ExternalVariantID: l.ExternalVariantID,
			VariantLabel:      l.VariantLabel,
			SKU:               l.SKU,
			Quantity:          l.Quantity,
			UnitCost:          l.UnitCost,
		})
	}
	return req, nil
}

func (r *Router) classify(lines []*db.OrderLine, results []LineResult, sendErr error, timedOut bool) []LineOutcome {
	out := make([]LineOutcome, 0, len(lines))
	if sendErr != nil || timedOut {
		reason := ReasonTimeout
		if !timedOut {
			reason = sendErr.Error()
		}
		for _, l := range lines {
			out = append(out, LineOutcome{LineID: l.ID, ExternalRef: l.ExternalRef, Status: db.OrderFailed, Reason: reason})
		}
		return out
	}

	byLine := make(map[uint]LineResult, len(results))
	for _, res := range results {
		byLine[res.LineID] = res
	}
	for _, l := range lines {
		o := LineOutcome{LineID: l.ID, ExternalRef: l.ExternalRef}
		res, ok := byLine[l.ID]
		switch {
		case !ok:
			o.Status, o.Reason = db.OrderFailed, ReasonNoResult
		case res.Success:
			o.Status = db.OrderSent
		case r.isSoldout(res.ReasonCode):
			o.Status, o.Reason = db.LineSoldout, res.ReasonCode
		default:
			o.Status, o.Reason = db.OrderFailed, res.ReasonCode
			if o.Reason == "" {
				o.Reason = ReasonRejected
			}
		}
		out = append(out, o)
	}
	return out
}

func (r *Router) isSoldout(code string) bool {
	code = strings.ToUpper(strings.TrimSpace(code))
	if code == "" {
		return false
	}
	for _, p := range r.opts.SoldoutPatterns {
		if p = strings.ToUpper(strings.TrimSpace(p)); p != "" && strings.Contains(code, p) {
			return true
		}
	}
	return false
}

// record persists line statuses, the audit trail and soldout stock in one
// transaction and sets res.Status.
func (r *Router) record(ctx context.Context, order *db.Order, res *Result) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := time.Now()
		status := make(map[uint]string, len(order.Lines))
		for _, l := range order.Lines {
			status[l.ID] = l.Status
		}

		audits := make([]db.DispatchAudit, 0, len(res.Lines))
		for _, o := range res.Lines {
			status[o.LineID] = o.Status
			err := tx.Model(&db.OrderLine{}).Where("id = ?", o.LineID).Updates(map[string]any{
				"status":       o.Status,
				"reason":       o.Reason,
				"external_ref": o.ExternalRef,
				"updated_at":   now,
			}).Error
			if err != nil {
				return eris.Wrapf(err, "orders: update line %d", o.LineID)
			}
			audits = append(audits, db.DispatchAudit{
				OrderID:     order.ID,
				AttemptID:   res.AttemptID,
				OrderLineID: o.LineID,
				ExternalRef: o.ExternalRef,
				Status:      o.Status,
				Reason:      o.Reason,
			})
			if o.Status == db.LineSoldout {
				if err := zeroStock(tx, order, o.LineID); err != nil {
					return err
				}
			}
		}
		if err := tx.Create(&audits).Error; err != nil {
			return eris.Wrap(err, "orders: write dispatch audit")
		}

		res.Status = db.OrderSent
		for _, s := range status {
			if s != db.OrderSent {
				res.Status = db.OrderFailed
				break
			}
		}
		err := tx.Model(&db.Order{}).Where("id = ?", order.ID).
			Updates(map[string]any{"status": res.Status, "updated_at": now}).Error
		if err != nil {
			return eris.Wrapf(err, "orders: update order %d", order.ID)
		}
		return nil
	})
}

// zeroStock clears the variant a supplier reported sold out; an item with
// no stock left becomes SOLDOUT.
func zeroStock(tx *gorm.DB, order *db.Order, lineID uint) error {
	var line *db.OrderLine
	for i := range order.Lines {
		if order.Lines[i].ID == lineID {
			line = &order.Lines[i]
		}
	}
	if line == nil {
		return nil
	}
	if err := tx.Model(&db.CanonicalVariant{}).Where("id = ?", line.CanonicalVariantID).
		Update("stock_qty", 0).Error; err != nil {
		return eris.Wrapf(err, "orders: zero stock of variant %d", line.CanonicalVariantID)
	}
	var left int64
	if err := tx.Model(&db.CanonicalVariant{}).
		Where("canonical_item_id = ? AND stock_qty > 0", line.CanonicalItemID).
		Count(&left).Error; err != nil {
		return eris.Wrap(err, "orders: count remaining stock")
	}
	if left == 0 {
		err := tx.Model(&db.CanonicalItem{}).Where("id = ?", line.CanonicalItemID).
			Updates(map[string]any{"status": db.CanonicalSoldout, "updated_at": time.Now()}).Error
		if err != nil {
			return eris.Wrapf(err, "orders: mark item %d soldout", line.CanonicalItemID)
		}
	}
	return nil
}

type DispatchReport struct {
	OrderID uint
	Result  *Result
	Err     error
}

// DispatchMany dispatches orders of different retailers concurrently and
// orders of one retailer one after another. Reports keep the input order.
func (r *Router) DispatchMany(ctx context.Context, orderIDs []uint) []DispatchReport {
	reports := make([]DispatchReport, len(orderIDs))
	for i, id := range orderIDs {
		reports[i].OrderID = id
	}

	var rows []db.Order
	if err := r.db.WithContext(ctx).Select("id", "retailer_code").Where("id IN ?", orderIDs).Find(&rows).Error; err != nil {
		for i := range reports {
			reports[i].Err = eris.Wrap(err, "orders: read orders")
		}
		return reports
	}
	retailerOf := make(map[uint]string, len(rows))
	for _, o := range rows {
		retailerOf[o.ID] = o.RetailerCode
	}

	groups := map[string][]int{}
	var retailers []string
	for i, id := range orderIDs {
		code, ok := retailerOf[id]
		if !ok {
			reports[i].Err = eris.Wrapf(gorm.ErrRecordNotFound, "orders: order %d", id)
			continue
		}
		if _, seen := groups[code]; !seen {
			retailers = append(retailers, code)
		}
		groups[code] = append(groups[code], i)
	}

	var g errgroup.Group
	g.SetLimit(r.opts.Concurrency)
	for _, code := range retailers {
		idx := groups[code]
		g.Go(func() error {
			for _, i := range idx {
				res, err := r.Dispatch(ctx, orderIDs[i])
				reports[i].Result, reports[i].Err = res, err
			}
			return nil
		})
	}
	_ = g.Wait()
	return reports
}
