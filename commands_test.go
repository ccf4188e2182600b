package main

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bartek5186/mallsync/internal/alias"
	"github.com/bartek5186/mallsync/internal/catalog"
	conf "github.com/bartek5186/mallsync/internal/config"
	"github.com/bartek5186/mallsync/internal/orders"
	"github.com/bartek5186/mallsync/internal/pipeline"
	"github.com/bartek5186/mallsync/internal/pricing"
	"github.com/bartek5186/mallsync/internal/staging"
	"github.com/bartek5186/mallsync/internal/syncer"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Equal(t, "mallsync dev\n", out)
}

func TestMigrateAndEmptySyncRun(t *testing.T) {
	dir := t.TempDir()

	out, err := execute(t, "--data-dir", dir, "--config=", "migrate")
	require.NoError(t, err)
	assert.Contains(t, out, filepath.Join(dir, "mallsync.db"))
	assert.FileExists(t, filepath.Join(dir, "config.json"))

	// the default source is disabled
	out, err = execute(t, "--data-dir", dir, "--config=", "sync", "run")
	require.NoError(t, err)
	assert.Contains(t, out, "no enabled sources")

	_, err = execute(t, "--data-dir", dir, "--config=", "sync", "run", "--source", "NOPE")
	assert.Error(t, err)

	out, err = execute(t, "--data-dir", dir, "--config=", "failures", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "no conversion failures")
}

func TestParseIDs(t *testing.T) {
	ids, err := parseIDs([]string{"3", " 10"})
	require.NoError(t, err)
	assert.Equal(t, []uint{3, 10}, ids)

	_, err = parseIDs([]string{"0"})
	assert.Error(t, err)
	_, err = parseIDs([]string{"x"})
	assert.Error(t, err)
}

func TestParsePlaceLines(t *testing.T) {
	lines, err := parsePlaceLines([]string{"12=2", "13"})
	require.NoError(t, err)
	assert.Equal(t, []orders.PlaceLine{
		{CanonicalVariantID: 12, Quantity: 2},
		{CanonicalVariantID: 13, Quantity: 1},
	}, lines)

	_, err = parsePlaceLines([]string{"12=0"})
	assert.Error(t, err)
	_, err = parsePlaceLines([]string{"=2"})
	assert.Error(t, err)
}

func TestFormatRunReports(t *testing.T) {
	var buf bytes.Buffer
	formatRunReports(&buf, []pipeline.Report{
		{
			Supplier:   "GNB",
			Batches:    []staging.Result{{Staged: 4}, {Staged: 1}},
			Conversion: &catalog.Report{Converted: 4, Skipped: 1},
			Took:       1500 * time.Millisecond,
		},
		{Supplier: "BINI", Err: errors.New("http 503")},
	})
	out := buf.String()
	assert.Contains(t, out, "SUPPLIER")
	assert.Regexp(t, `GNB\s+2\s+5\s+4\s+1\s+0\s+0\s+1\.5s`, out)
	assert.Regexp(t, `BINI\s+0\s+0\s+-\s+-\s+-.*http 503`, out)

	assert.Equal(t, 1, countFailed([]pipeline.Report{{}, {Err: errors.New("x")}}))
}

func TestApplyConfigRepricesWithReloadedRates(t *testing.T) {
	dataDir, cfgPath = t.TempDir(), ""
	t.Cleanup(func() { dataDir, cfgPath = "", "" })

	ctx := context.Background()
	a, err := openApp(ctx)
	require.NoError(t, err)
	defer a.Close()

	s := syncer.New(a.log, a.cfg, a.runner(), a.reloader(), nil)
	_, err = a.reloader().Reload(ctx)
	require.NoError(t, err)

	item := pricing.Item{Retailer: "IT-G-01", Brand: "Gucci", Category: "Bags", Origin: "Italy", CostPrice: decimal.NewFromInt(100)}
	quote := func() decimal.Decimal {
		snap, err := a.refs.Current()
		require.NoError(t, err)
		q, err := snap.Pricing.Quote(item)
		require.NoError(t, err)
		return q.Final
	}
	before := quote()

	changed := *a.cfg
	changed.Pricing.ExchangeRate = a.cfg.Pricing.ExchangeRate * 2
	require.NoError(t, conf.Save(a.cfgPath, &changed))
	require.NoError(t, a.applyConfig(ctx, s))
	assert.Equal(t, changed.Pricing.ExchangeRate, a.cfg.Pricing.ExchangeRate)
	after := quote()
	assert.True(t, after.GreaterThan(before), "%s <= %s", after, before)

	broken := changed
	broken.Pricing.MarkupPolicy = "guess"
	require.NoError(t, conf.Save(a.cfgPath, &broken))
	assert.Error(t, a.applyConfig(ctx, s))
	assert.Equal(t, changed.Pricing.MarkupPolicy, a.cfg.Pricing.MarkupPolicy)
	assert.True(t, quote().Equal(after))
}

func TestRefdataCommands(t *testing.T) {
	dir := t.TempDir()

	out, err := execute(t, "--data-dir", dir, "--config=", "refdata", "reload")
	require.NoError(t, err)
	assert.Contains(t, out, "markup policy identity")
	assert.Regexp(t, `category2\s+0`, out)
	assert.Contains(t, out, "redis not configured")

	out, err = execute(t, "--data-dir", dir, "--config=", "refdata", "aliases", "Brand")
	require.NoError(t, err)
	assert.Contains(t, out, "no brand aliases")

	_, err = execute(t, "--data-dir", dir, "--config=", "refdata", "aliases", "colour")
	assert.Error(t, err)
}

func TestFormatAliasCounts(t *testing.T) {
	r, err := alias.New([]alias.Entry{
		{Scope: alias.Brand, Canonical: "Gucci", Aliases: []string{"GUCCI", "Gucci Spa"}},
		{Scope: alias.Country, Canonical: "Italy", Aliases: []string{"IT"}},
	})
	require.NoError(t, err)

	var buf bytes.Buffer
	formatAliasCounts(&buf, r)
	assert.Regexp(t, `brand\s+2\n`, buf.String())
	assert.Regexp(t, `country\s+1\n`, buf.String())
	assert.Regexp(t, `category1\s+0\n`, buf.String())
}
