// internal/syncer/syncer.go
package syncer

import (
	"context"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"

	conf "github.com/bartek5186/mallsync/internal/config"
	"github.com/bartek5186/mallsync/internal/integrations"
	"github.com/bartek5186/mallsync/internal/pipeline"
	"github.com/bartek5186/mallsync/internal/refdata"
	"github.com/bartek5186/mallsync/internal/staging"
)

const fallbackInterval = 30 * time.Minute

// RunAller is the pipeline as the syncer sees it.
type RunAller interface {
	RunAll(ctx context.Context, srcs []staging.Source) []pipeline.Report
}

// Watcher reloads reference data on outside signals until ctx is done.
type Watcher interface {
	Watch(ctx context.Context, r refdata.Reloader) error
}

// Syncer runs every enabled source on a fixed interval.
type Syncer struct {
	log     zerolog.Logger
	refs    refdata.Reloader
	watcher Watcher // nil without redis

	mu      sync.Mutex
	runner  RunAller
	cfg     *conf.Config
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	ticks   uint64
	sources []staging.Source
	last    []pipeline.Report
}

func New(log zerolog.Logger, cfg *conf.Config, runner RunAller, refs refdata.Reloader, watcher Watcher) *Syncer {
	return &Syncer{
		log:     log.With().Str("component", "syncer").Logger(),
		cfg:     cfg,
		runner:  runner,
		refs:    refs,
		watcher: watcher,
	}
}

// Start loads reference data, builds the sources and begins the loop. The
// first run happens right away.
func (s *Syncer) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}

	if _, err := s.refs.Reload(ctx); err != nil {
		return eris.Wrap(err, "syncer: initial reference data load")
	}
	s.sources = s.buildSourcesLocked()

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.running = true
	s.ticks = 0

	s.wg.Add(1)
	go s.loop(ctx)

	if s.watcher != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := s.watcher.Watch(ctx, s.refs); err != nil {
				s.log.Error().Err(err).Msg("reference data watcher stopped")
			}
		}()
	}

	s.log.Info().Int("sources", len(s.sources)).Dur("interval", s.intervalLocked()).Msg("syncer started")
	return nil
}

func (s *Syncer) buildSourcesLocked() []staging.Source {
	if s.cfg == nil || len(s.cfg.Sources) == 0 {
		s.log.Warn().Msg("no sources configured")
		return nil
	}
	out := integrations.BuildSources(s.log, s.cfg.Sources)
	s.log.Info().Int("configured", len(s.cfg.Sources)).Int("enabled", len(out)).Msg("sources built")
	return out
}

func (s *Syncer) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel := s.cancel
	s.cancel = nil
	s.sources = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
	s.log.Info().Msg("syncer stopped")
}

// UpdateConfig swaps the config; a running syncer restarts so the sources
// are rebuilt from it.
func (s *Syncer) UpdateConfig(ctx context.Context, cfg *conf.Config) error {
	s.mu.Lock()
	s.cfg = cfg
	isRunning := s.running
	s.mu.Unlock()

	s.log.Info().Bool("running", isRunning).Msg("config updated")
	if !isRunning {
		return nil
	}
	s.Stop()
	return s.Start(ctx)
}

// SetRunner replaces the pipeline used from the next run on.
func (s *Syncer) SetRunner(r RunAller) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runner = r
}

func (s *Syncer) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Ticks counts runs since the last Start.
func (s *Syncer) Ticks() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ticks
}

// LastReports returns the reports of the latest finished run.
func (s *Syncer) LastReports() []pipeline.Report {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]pipeline.Report(nil), s.last...)
}

func (s *Syncer) interval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.intervalLocked()
}

func (s *Syncer) intervalLocked() time.Duration {
	if s.cfg != nil && s.cfg.SyncIntervalSeconds > 0 {
		return time.Duration(s.cfg.SyncIntervalSeconds) * time.Second
	}
	return fallbackInterval
}

func (s *Syncer) loop(ctx context.Context) {
	defer s.wg.Done()

	s.tickOnce(ctx)

	every := s.interval()
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tickOnce(ctx)
			if next := s.interval(); next != every {
				every = next
				ticker.Reset(every)
			}
		}
	}
}

func (s *Syncer) tickOnce(ctx context.Context) {
	s.mu.Lock()
	s.ticks++
	n := s.ticks
	srcs := s.sources
	runner := s.runner
	s.mu.Unlock()

	if len(srcs) == 0 {
		s.log.Debug().Uint64("tick", n).Msg("nothing to sync")
	}
	reports := runner.RunAll(ctx, srcs)

	failed := 0
	for _, r := range reports {
		if r.Err != nil {
			failed++
		}
	}
	s.mu.Lock()
	s.last = reports
	s.mu.Unlock()

	s.log.Info().Uint64("tick", n).Int("suppliers", len(reports)).Int("failed", failed).Msg("sync run finished")
}
