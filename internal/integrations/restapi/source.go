package restapi

import (
	"context"
	"encoding/json"
	"net/url"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/bartek5186/mallsync/internal/integrations"
	"github.com/bartek5186/mallsync/internal/staging"
)

const SourceKind = "restapi"

type SourceConfig struct {
	BaseURL     string  `json:"base_url"`
	Path        string  `json:"path"` // e.g. /api/v1/products
	Auth        Auth    `json:"auth"`
	PageSize    int     `json:"page_size"`
	Concurrency int     `json:"concurrency"`
	MaxPages    int     `json:"max_pages"`
	RPS         float64 `json:"rps"` // 0 = unlimited
	Burst       int     `json:"burst"`
	TimeoutSec  int     `json:"timeout_sec"`
}

type apiVariant struct {
	ID    string              `json:"id"`
	Label string              `json:"label"`
	Stock int                 `json:"stock"`
	Price decimal.NullDecimal `json:"price"`
}

type apiProduct struct {
	ID           string              `json:"id"`
	Name         string              `json:"name"`
	Brand        string              `json:"brand"`
	Gender       string              `json:"gender"`
	Category1    string              `json:"category1"`
	Category2    string              `json:"category2"`
	Season       string              `json:"season"`
	SKU          string              `json:"sku"`
	Color        string              `json:"color"`
	Origin       string              `json:"origin"`
	Material     string              `json:"material"`
	Images       []string            `json:"images"`
	CostPrice    decimal.Decimal     `json:"cost_price"`
	ListPrice    decimal.Decimal     `json:"list_price"`
	DiscountRate decimal.NullDecimal `json:"discount_rate"`
	Variants     []apiVariant        `json:"variants"`
}

func (p apiProduct) record() staging.ItemRecord {
	it := staging.ItemRecord{
		ExternalProductID: p.ID,
		ProductName:       p.Name,
		Brand:             p.Brand,
		Gender:            p.Gender,
		Category1:         p.Category1,
		Category2:         p.Category2,
		Season:            p.Season,
		SKU:               p.SKU,
		Color:             p.Color,
		Origin:            p.Origin,
		Material:          p.Material,
		ImageURLs:         p.Images,
		CostPrice:         p.CostPrice,
		ListPrice:         p.ListPrice,
		DiscountRate:      p.DiscountRate,
	}
	for _, v := range p.Variants {
		it.Variants = append(it.Variants, staging.VariantRecord{
			ExternalVariantID: v.ID,
			Label:             v.Label,
			StockQty:          v.Stock,
			UnitPrice:         v.Price,
		})
	}
	return it
}

// Source pulls the whole catalog of one supplier on every fetch, so each
// snapshot is FULL.
type Source struct {
	code    string
	log     zerolog.Logger
	cfg     SourceConfig
	client  *client
	limiter *rate.Limiter
	now     func() time.Time
}

func NewSource(log zerolog.Logger, code string, cfg SourceConfig) (*Source, error) {
	c, err := newClient(cfg.BaseURL, cfg.Auth, cfg.TimeoutSec)
	if err != nil {
		return nil, err
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = 100
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = 1000
	}
	limit := rate.Inf
	if cfg.RPS > 0 {
		limit = rate.Limit(cfg.RPS)
	}
	if cfg.Burst <= 0 {
		cfg.Burst = cfg.Concurrency
	}
	return &Source{
		code:    code,
		log:     log,
		cfg:     cfg,
		client:  c,
		limiter: rate.NewLimiter(limit, cfg.Burst),
		now:     time.Now,
	}, nil
}

func (s *Source) Code() string { return s.code }

type page struct {
	Index int
	Items []apiProduct
	Err   error
}

// FetchSnapshot ignores last: every call is a complete snapshot stamped
// with the fetch time.
func (s *Source) FetchSnapshot(ctx context.Context, _ *staging.Cursor) (*staging.Snapshot, error) {
	started := s.now().UTC()
	items, failed, err := s.fetchAll(ctx)
	if err != nil {
		return nil, err
	}
	snap := &staging.Snapshot{
		Mode:        staging.ModeFull,
		Cursor:      staging.Cursor{Period: started.Format("2006-01-02"), Sequence: started.Unix(), Full: true},
		FailedPages: failed,
	}
	for _, p := range items {
		snap.Items = append(snap.Items, p.record())
	}
	s.log.Info().Int("items", len(snap.Items)).Ints("failed_pages", failed).Msg("catalog fetched")
	return snap, nil
}

// fetchAll requests pages in waves of Concurrency. Within a wave, pages are
// taken in index order; the first short page ends the catalog. Failed pages
// are reported; a wave in which every page failed ends the walk.
func (s *Source) fetchAll(ctx context.Context) ([]apiProduct, []int, error) {
	var (
		items  []apiProduct
		failed []int
	)
	for next := 1; next <= s.cfg.MaxPages; {
		if err := ctx.Err(); err != nil {
			return nil, nil, eris.Wrap(err, "restapi: fetch cancelled")
		}
		n := min(s.cfg.Concurrency, s.cfg.MaxPages-next+1)
		wave := s.fetchWave(ctx, next, n)
		next += n

		done, errs := false, 0
		for _, p := range wave {
			if p.Err != nil {
				s.log.Warn().Err(p.Err).Int("page", p.Index).Msg("page failed")
				failed = append(failed, p.Index)
				errs++
				continue
			}
			items = append(items, p.Items...)
			if len(p.Items) < s.cfg.PageSize {
				done = true
				break
			}
		}
		if done {
			break
		}
		if errs == len(wave) {
			s.log.Warn().Int("from_page", next-n).Msg("whole wave failed, giving up")
			break
		}
	}
	return items, failed, nil
}

func (s *Source) fetchWave(ctx context.Context, first, n int) []page {
	var (
		mu  sync.Mutex
		out []page
		g   errgroup.Group
	)
	g.SetLimit(s.cfg.Concurrency)
	for i := first; i < first+n; i++ {
		g.Go(func() error {
			items, err := s.fetchPage(ctx, i)
			mu.Lock()
			out = append(out, page{Index: i, Items: items, Err: err})
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	sort.Slice(out, func(a, b int) bool { return out[a].Index < out[b].Index })
	return out
}

func (s *Source) fetchPage(ctx context.Context, index int) ([]apiProduct, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, eris.Wrap(err, "restapi: rate limit")
	}
	q := url.Values{}
	q.Set("page", strconv.Itoa(index))
	q.Set("per_page", strconv.Itoa(s.cfg.PageSize))
	var items []apiProduct
	if err := s.client.do(ctx, "GET", s.cfg.Path, q, nil, &items); err != nil {
		return nil, err
	}
	return items, nil
}

func sourceFactory(log zerolog.Logger, code string, raw json.RawMessage) (staging.Source, error) {
	var cfg SourceConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, eris.Wrapf(err, "restapi: options of %s", code)
	}
	return NewSource(log, code, cfg)
}

func init() {
	integrations.RegisterSource(SourceKind, sourceFactory)
}
