package orders

import (
	"context"

	"github.com/shopspring/decimal"
)

// Dispatcher sends all lines of one order to a supplier in a single call.
// It returns per-line results; an error means the call as a whole failed.
type Dispatcher interface {
	Send(ctx context.Context, req *Request) ([]LineResult, error)
}

type Request struct {
	OrderID      uint
	Retailer     string
	OrderAPIName string
	Lines        []RequestLine
}

type RequestLine struct {
	LineID            uint
	ExternalRef       string
	ExternalProductID string
	ExternalVariantID string
	VariantLabel      string
	SKU               string
	Quantity          int
	UnitCost          decimal.Decimal
}

type LineResult struct {
	LineID     uint
	Success    bool
	ReasonCode string
}

// DispatcherFunc adapts a function to Dispatcher.
type DispatcherFunc func(ctx context.Context, req *Request) ([]LineResult, error)

func (f DispatcherFunc) Send(ctx context.Context, req *Request) ([]LineResult, error) {
	return f(ctx, req)
}
