package main

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/bartek5186/mallsync/internal/catalog"
	conf "github.com/bartek5186/mallsync/internal/config"
	"github.com/bartek5186/mallsync/internal/db"
	"github.com/bartek5186/mallsync/internal/integrations"
	_ "github.com/bartek5186/mallsync/internal/integrations/feedfile" // source kinds
	_ "github.com/bartek5186/mallsync/internal/integrations/restapi"
	"github.com/bartek5186/mallsync/internal/logs"
	"github.com/bartek5186/mallsync/internal/metrics"
	"github.com/bartek5186/mallsync/internal/orders"
	"github.com/bartek5186/mallsync/internal/pipeline"
	"github.com/bartek5186/mallsync/internal/refdata"
	"github.com/bartek5186/mallsync/internal/staging"
	"github.com/bartek5186/mallsync/internal/syncer"
)

const appName = "mallsync"

var version = "dev"

var (
	dataDir string
	cfgPath string
)

var rootCmd = &cobra.Command{
	Use:          appName,
	Short:        "Supplier feed sync, catalog canonicalization and order routing",
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "directory for config, logs and the sqlite database (default: user config dir)")
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "", "config file (default: <data-dir>/config.json)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// app holds everything one command needs, opened in dependency order.
type app struct {
	dir     string
	cfgPath string
	cfg     *conf.Config
	log     zerolog.Logger

	logCloser io.Closer
	dbh       *db.Handle
	registry  *prometheus.Registry
	metrics   *metrics.Metrics
	refs      *refdata.Store
	redis     *redis.Client
	inv       *refdata.Invalidator
}

func openApp(ctx context.Context) (*app, error) {
	a := &app{dir: dataDir, cfgPath: cfgPath}
	if a.dir == "" {
		d, err := conf.AppDir(appName)
		if err != nil {
			return nil, err
		}
		a.dir = d
	} else if err := os.MkdirAll(a.dir, 0o755); err != nil {
		return nil, eris.Wrapf(err, "create %s", a.dir)
	}
	if a.cfgPath == "" {
		a.cfgPath = filepath.Join(a.dir, "config.json")
	}

	cfg, firstRun, err := conf.LoadOrCreate(a.cfgPath)
	if err != nil {
		return nil, err
	}
	a.cfg = cfg

	a.log, a.logCloser, err = logs.New(filepath.Join(a.dir, "app.log"), cfg.Log.Console, cfg.Log.Level)
	if err != nil {
		return nil, err
	}
	if firstRun {
		a.log.Info().Str("config", a.cfgPath).Msg("default config written")
	}

	a.dbh, err = db.OpenAt(a.dir, cfg.Database, a.log)
	if err != nil {
		a.Close()
		return nil, err
	}
	if err := a.dbh.Migrate(); err != nil {
		a.Close()
		return nil, err
	}
	if err := pipeline.SeedRetailers(ctx, a.dbh.DB, retailerRows(cfg)); err != nil {
		a.Close()
		return nil, err
	}
	a.log.Debug().Str("db", a.dbh.Path).Msg("database ready")

	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.metrics = metrics.New(a.registry)

	settings, err := cfg.RefdataSettings()
	if err != nil {
		a.Close()
		return nil, err
	}
	a.refs = refdata.NewStore(a.dbh.DB, settings, a.log)

	if cfg.Redis.Addr != "" {
		a.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		a.inv = refdata.NewInvalidator(a.redis, cfg.Redis.Channel, a.log)
	}
	return a, nil
}

func (a *app) Close() {
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if a.dbh != nil {
		_ = a.dbh.Close()
	}
	if a.logCloser != nil {
		_ = a.logCloser.Close()
	}
}

func retailerRows(cfg *conf.Config) []db.Retailer {
	rows := make([]db.Retailer, 0, len(cfg.Retailers))
	for _, r := range cfg.Retailers {
		short := r.ShortCode
		if short == "" {
			short = orders.DefaultShortCode(r.Code)
		}
		rows = append(rows, db.Retailer{Code: r.Code, Name: r.Name, ShortCode: short, OrderAPIName: r.OrderAPIName})
	}
	return rows
}

// meteredRefs counts every reference data reload.
type meteredRefs struct {
	store   *refdata.Store
	metrics *metrics.Metrics
}

func (m meteredRefs) Reload(ctx context.Context) (*refdata.Snapshot, error) {
	snap, err := m.store.Reload(ctx)
	m.metrics.RefdataLoaded(err)
	return snap, err
}

func (a *app) reloader() meteredRefs {
	return meteredRefs{store: a.refs, metrics: a.metrics}
}

func (a *app) canonicalizer() *catalog.Canonicalizer {
	return catalog.New(a.dbh.DB, a.refs, a.log, a.cfg.Catalog)
}

func (a *app) runner() *pipeline.Runner {
	st := staging.New(a.dbh.DB, a.log, a.cfg.Staging)
	return pipeline.New(a.dbh.DB, st, a.canonicalizer(), a.metrics, a.log, a.cfg.Pipeline)
}

func (a *app) hubs() (*orders.Registry, error) {
	return integrations.BuildRegistry(a.log, a.cfg.Hubs)
}

func (a *app) router() (*orders.Router, error) {
	reg, err := a.hubs()
	if err != nil {
		return nil, err
	}
	return orders.NewRouter(a.dbh.DB, reg, a.log, a.metrics, orders.Options{
		Timeout:         time.Duration(a.cfg.Orders.TimeoutSeconds) * time.Second,
		SoldoutPatterns: a.cfg.Orders.SoldoutPatterns,
		Concurrency:     a.cfg.Orders.Concurrency,
	}), nil
}

// applyConfig re-reads the config file and swaps pricing settings, the
// pipeline and the sources of s. A config that fails to load or price
// leaves the running one in place.
func (a *app) applyConfig(ctx context.Context, s *syncer.Syncer) error {
	cfg, _, err := conf.LoadOrCreate(a.cfgPath)
	if err != nil {
		return err
	}
	settings, err := cfg.RefdataSettings()
	if err != nil {
		return err
	}
	_, err = a.refs.UpdateSettings(ctx, settings)
	a.metrics.RefdataLoaded(err)
	if err != nil {
		return eris.Wrap(err, "config reload: reference data")
	}
	if err := pipeline.SeedRetailers(ctx, a.dbh.DB, retailerRows(cfg)); err != nil {
		return err
	}

	a.cfg = cfg
	s.SetRunner(a.runner())
	a.log.Info().Str("config", a.cfgPath).Msg("config reloaded")
	return s.UpdateConfig(ctx, cfg)
}

// sources builds the enabled sources, or only code (enabled or not) when set.
func (a *app) sources(code string) ([]staging.Source, error) {
	if code == "" {
		return integrations.BuildSources(a.log, a.cfg.Sources), nil
	}
	spec, ok := a.cfg.Source(code)
	if !ok {
		return nil, eris.Errorf("no source %q in %s", code, a.cfgPath)
	}
	src, err := integrations.BuildSource(a.log.With().Str("supplier", code).Logger(), spec)
	if err != nil {
		return nil, err
	}
	return []staging.Source{src}, nil
}
