// Package pipeline runs one sync of a supplier: ingest its pending batches,
// convert the staging rows and flip dropped items to soldout. Run results
// are kept on the supplier's retailers row.
package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/bartek5186/mallsync/internal/catalog"
	"github.com/bartek5186/mallsync/internal/db"
	"github.com/bartek5186/mallsync/internal/metrics"
	"github.com/bartek5186/mallsync/internal/staging"
)

const (
	defaultMaxBatches  = 100
	defaultConcurrency = 2
)

// Batched is implemented by sources that can hold several pending batches
// (file drops). The runner drains those until nothing is new; any other
// source is asked once per run.
type Batched interface {
	Batched() bool
}

type Options struct {
	MaxBatches  int `mapstructure:"max_batches" json:"max_batches"`
	Concurrency int `mapstructure:"concurrency" json:"concurrency"`
}

type Runner struct {
	db      *gorm.DB
	stager  *staging.Stager
	canon   *catalog.Canonicalizer
	metrics *metrics.Metrics
	log     zerolog.Logger
	opts    Options
	now     func() time.Time
}

func New(gdb *gorm.DB, st *staging.Stager, c *catalog.Canonicalizer, m *metrics.Metrics, log zerolog.Logger, opts Options) *Runner {
	if opts.MaxBatches <= 0 {
		opts.MaxBatches = defaultMaxBatches
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = defaultConcurrency
	}
	return &Runner{
		db:      gdb,
		stager:  st,
		canon:   c,
		metrics: m,
		log:     log.With().Str("component", "pipeline").Logger(),
		opts:    opts,
		now:     time.Now,
	}
}

type Report struct {
	Supplier   string
	Batches    []staging.Result
	Conversion *catalog.Report
	Soldout    int64
	Took       time.Duration
	Err        error
}

// Staged sums the items written by every batch of the run.
func (r Report) Staged() int {
	n := 0
	for _, b := range r.Batches {
		n += b.Staged
	}
	return n
}

// Run syncs one supplier. Conversion runs only when at least one batch was
// applied; an ingest error after some batches still converts those.
func (r *Runner) Run(ctx context.Context, src staging.Source) Report {
	code := src.Code()
	started := r.now()
	rep := Report{Supplier: code}
	l := r.log.With().Str("supplier", code).Logger()

	if err := r.markStarted(ctx, code, started); err != nil {
		l.Warn().Err(err).Msg("could not record run start")
	}

	rep.Err = r.ingest(ctx, src, &rep)
	if len(rep.Batches) > 0 && ctx.Err() == nil {
		conv, err := r.canon.ConvertAll(ctx, code)
		rep.Conversion = &conv
		r.metrics.Converted(code, conv.Converted, conv.Skipped, conv.Failed)
		if err != nil {
			rep.Err = errors.Join(rep.Err, err)
		} else {
			n, err := r.canon.ReconcileSoldout(ctx, code)
			rep.Soldout = n
			if err != nil {
				rep.Err = errors.Join(rep.Err, err)
			}
		}
	}

	rep.Took = r.now().Sub(started)
	r.metrics.RunFinished(code, rep.Took, rep.Err)
	if err := r.markFinished(context.WithoutCancel(ctx), rep); err != nil {
		l.Warn().Err(err).Msg("could not record run result")
	}

	ev := l.Info()
	if rep.Err != nil {
		ev = l.Error().Err(rep.Err)
	}
	ev.Int("batches", len(rep.Batches)).
		Int("staged", rep.Staged()).
		Int64("soldout", rep.Soldout).
		Dur("took", rep.Took).
		Msg("supplier run finished")
	return rep
}

func (r *Runner) ingest(ctx context.Context, src staging.Source, rep *Report) error {
	limit := 1
	if b, ok := src.(Batched); ok && b.Batched() {
		limit = r.opts.MaxBatches
	}
	for i := 0; i < limit; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		res, err := r.stager.Ingest(ctx, src)
		if err != nil {
			return err
		}
		if res.NoData || res.AlreadyApplied {
			return nil
		}
		mode := staging.ModeIncremental
		if res.Cursor.Full {
			mode = staging.ModeFull
		}
		r.metrics.Staged(rep.Supplier, string(mode), res.Staged, res.SoldOut)
		rep.Batches = append(rep.Batches, *res)
	}
	if limit > 1 {
		r.log.Warn().Str("supplier", rep.Supplier).Int("max_batches", limit).Msg("batch limit reached; the rest waits for the next run")
	}
	return nil
}

// RunAll runs every source; suppliers never stop or roll back each other.
func (r *Runner) RunAll(ctx context.Context, srcs []staging.Source) []Report {
	reports := make([]Report, len(srcs))
	var g errgroup.Group
	g.SetLimit(r.opts.Concurrency)
	for i, src := range srcs {
		g.Go(func() error {
			reports[i] = r.Run(ctx, src)
			return nil
		})
	}
	_ = g.Wait()
	return reports
}

func (r *Runner) markStarted(ctx context.Context, code string, at time.Time) error {
	row := db.Retailer{Code: code, Name: code, LastFetchStartedAt: &at}
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "code"}},
		DoUpdates: clause.AssignmentColumns([]string{"last_fetch_started_at"}),
	}).Create(&row).Error
	return eris.Wrapf(err, "pipeline: mark %s started", code)
}

func (r *Runner) markFinished(ctx context.Context, rep Report) error {
	now := r.now()
	upd := map[string]any{
		"last_fetch_finished_at": now,
		"last_fetched_count":     rep.Staged(),
		"last_error":             "",
	}
	if rep.Conversion != nil {
		upd["last_converted_count"] = rep.Conversion.Converted
	}
	if rep.Err != nil {
		upd["last_error"] = rep.Err.Error()
	}
	err := r.db.WithContext(ctx).Model(&db.Retailer{}).Where("code = ?", rep.Supplier).Updates(upd).Error
	return eris.Wrapf(err, "pipeline: mark %s finished", rep.Supplier)
}

// SeedRetailers inserts missing retailers and refreshes the name, short
// code and order API name of existing ones. Run bookkeeping is untouched.
func SeedRetailers(ctx context.Context, gdb *gorm.DB, rows []db.Retailer) error {
	if len(rows) == 0 {
		return nil
	}
	err := gdb.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "code"}},
		DoUpdates: clause.AssignmentColumns([]string{"name", "short_code", "order_api_name"}),
	}).Create(&rows).Error
	return eris.Wrap(err, "pipeline: seed retailers")
}
