package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	conf "github.com/bartek5186/mallsync/internal/config"
	"github.com/bartek5186/mallsync/internal/integrations"
	"github.com/bartek5186/mallsync/internal/pipeline"
	"github.com/bartek5186/mallsync/internal/refdata"
	"github.com/bartek5186/mallsync/internal/staging"
)

const stubKind = "syncer-stub"

type stubSource struct{ code string }

func (s stubSource) Code() string { return s.code }
func (s stubSource) FetchSnapshot(context.Context, *staging.Cursor) (*staging.Snapshot, error) {
	return nil, nil
}

func init() {
	integrations.RegisterSource(stubKind, func(_ zerolog.Logger, code string, _ json.RawMessage) (staging.Source, error) {
		return stubSource{code: code}, nil
	})
}

type countingRunner struct {
	mu    sync.Mutex
	calls int
	codes [][]string
}

func (r *countingRunner) RunAll(_ context.Context, srcs []staging.Source) []pipeline.Report {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	var codes []string
	var out []pipeline.Report
	for _, s := range srcs {
		codes = append(codes, s.Code())
		out = append(out, pipeline.Report{Supplier: s.Code()})
	}
	r.codes = append(r.codes, codes)
	return out
}

func (r *countingRunner) Calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

type fakeRefs struct {
	reloads atomic.Int32
	err     error
}

func (f *fakeRefs) Reload(context.Context) (*refdata.Snapshot, error) {
	f.reloads.Add(1)
	return &refdata.Snapshot{}, f.err
}

type blockingWatcher struct{ active atomic.Int32 }

func (w *blockingWatcher) Watch(ctx context.Context, _ refdata.Reloader) error {
	w.active.Add(1)
	defer w.active.Add(-1)
	<-ctx.Done()
	return nil
}

func testConfig(codes ...string) *conf.Config {
	c := conf.Default()
	c.SyncIntervalSeconds = 3600
	c.Sources = nil
	for _, code := range codes {
		c.Sources = append(c.Sources, integrations.SourceSpec{Code: code, Kind: stubKind, Enabled: true})
	}
	c.Sources = append(c.Sources, integrations.SourceSpec{Code: "OFF", Kind: stubKind})
	return c
}

func TestStartRunsImmediatelyAndStops(t *testing.T) {
	runner := &countingRunner{}
	refs := &fakeRefs{}
	w := &blockingWatcher{}
	s := New(zerolog.Nop(), testConfig("GNB", "BINI"), runner, refs, w)

	require.NoError(t, s.Start(context.Background()))
	assert.True(t, s.IsRunning())
	require.NoError(t, s.Start(context.Background())) // no-op

	require.Eventually(t, func() bool { return runner.Calls() == 1 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return w.active.Load() == 1 }, time.Second, 5*time.Millisecond)
	assert.EqualValues(t, 1, refs.reloads.Load())
	assert.Equal(t, uint64(1), s.Ticks())
	require.Eventually(t, func() bool { return len(s.LastReports()) == 2 }, time.Second, 5*time.Millisecond)

	s.Stop()
	assert.False(t, s.IsRunning())
	assert.EqualValues(t, 0, w.active.Load())
	assert.Equal(t, []string{"GNB", "BINI"}, runner.codes[0])
	s.Stop()
}

func TestStartFailsWithoutReferenceData(t *testing.T) {
	s := New(zerolog.Nop(), testConfig("GNB"), &countingRunner{}, &fakeRefs{err: errors.New("no aliases")}, nil)
	require.Error(t, s.Start(context.Background()))
	assert.False(t, s.IsRunning())
}

func TestUpdateConfigRebuildsSources(t *testing.T) {
	runner := &countingRunner{}
	s := New(zerolog.Nop(), testConfig("GNB"), runner, &fakeRefs{}, nil)

	require.NoError(t, s.UpdateConfig(context.Background(), testConfig("GNB")))
	assert.False(t, s.IsRunning())
	assert.Equal(t, 0, runner.Calls())

	require.NoError(t, s.Start(context.Background()))
	require.Eventually(t, func() bool { return runner.Calls() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, s.UpdateConfig(context.Background(), testConfig("GNB", "IT-R-01")))
	assert.True(t, s.IsRunning())
	require.Eventually(t, func() bool { return runner.Calls() == 2 }, time.Second, 5*time.Millisecond)
	s.Stop()

	runner.mu.Lock()
	defer runner.mu.Unlock()
	assert.Equal(t, []string{"GNB", "IT-R-01"}, runner.codes[1])
}

func TestIntervalFallback(t *testing.T) {
	c := testConfig()
	c.SyncIntervalSeconds = 0
	s := New(zerolog.Nop(), c, &countingRunner{}, &fakeRefs{}, nil)
	assert.Equal(t, fallbackInterval, s.interval())

	c.SyncIntervalSeconds = 60
	assert.Equal(t, time.Minute, s.interval())
}
