package restapi

import (
	"context"
	"encoding/json"

	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/bartek5186/mallsync/internal/integrations"
	"github.com/bartek5186/mallsync/internal/orders"
)

const HubKind = "restapi"

type HubConfig struct {
	BaseURL    string `json:"base_url"`
	Path       string `json:"path"` // default /orders
	Auth       Auth   `json:"auth"`
	TimeoutSec int    `json:"timeout_sec"`
}

type orderLine struct {
	Ref       string          `json:"ref"`
	ProductID string          `json:"product_id"`
	VariantID string          `json:"variant_id"`
	Size      string          `json:"size"`
	SKU       string          `json:"sku"`
	Quantity  int             `json:"quantity"`
	UnitCost  decimal.Decimal `json:"unit_cost"`
}

type orderRequest struct {
	Shop    string      `json:"shop"`
	OrderID uint        `json:"order_id"`
	Lines   []orderLine `json:"lines"`
}

type lineResult struct {
	Ref     string `json:"ref"`
	Success bool   `json:"success"`
	Reason  string `json:"reason"`
}

type orderResponse struct {
	Results []lineResult `json:"results"`
}

// Hub posts one order per call and maps per-line results back by reference.
// Lines the hub does not mention get no result.
type Hub struct {
	name   string
	log    zerolog.Logger
	cfg    HubConfig
	client *client
}

func NewHub(log zerolog.Logger, name string, cfg HubConfig) (*Hub, error) {
	c, err := newClient(cfg.BaseURL, cfg.Auth, cfg.TimeoutSec)
	if err != nil {
		return nil, err
	}
	if cfg.Path == "" {
		cfg.Path = "/orders"
	}
	return &Hub{name: name, log: log, cfg: cfg, client: c}, nil
}

func (h *Hub) Send(ctx context.Context, req *orders.Request) ([]orders.LineResult, error) {
	body := orderRequest{Shop: req.OrderAPIName, OrderID: req.OrderID}
	byRef := make(map[string]uint, len(req.Lines))
	for _, l := range req.Lines {
		byRef[l.ExternalRef] = l.LineID
		body.Lines = append(body.Lines, orderLine{
			Ref:       l.ExternalRef,
			ProductID: l.ExternalProductID,
			VariantID: l.ExternalVariantID,
			Size:      l.VariantLabel,
			SKU:       l.SKU,
			Quantity:  l.Quantity,
			UnitCost:  l.UnitCost,
		})
	}

	var resp orderResponse
	if err := h.client.do(ctx, "POST", h.cfg.Path, nil, body, &resp); err != nil {
		return nil, err
	}
	out := make([]orders.LineResult, 0, len(resp.Results))
	for _, r := range resp.Results {
		id, ok := byRef[r.Ref]
		if !ok {
			h.log.Warn().Str("ref", r.Ref).Uint("order_id", req.OrderID).Msg("result for unknown line")
			continue
		}
		out = append(out, orders.LineResult{LineID: id, Success: r.Success, ReasonCode: r.Reason})
	}
	return out, nil
}

func hubFactory(log zerolog.Logger, name string, raw json.RawMessage) (orders.Dispatcher, error) {
	var cfg HubConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, eris.Wrapf(err, "restapi: options of hub %s", name)
	}
	return NewHub(log, name, cfg)
}

func init() {
	integrations.RegisterHub(HubKind, hubFactory)
}
