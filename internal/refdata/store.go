package refdata

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/bartek5186/mallsync/internal/alias"
)

var ErrNotLoaded = eris.New("refdata: not loaded")

// Store holds the current snapshot. Readers never block; a reload swaps the
// pointer only after the new snapshot built cleanly.
type Store struct {
	db  *gorm.DB
	log zerolog.Logger

	mu       sync.Mutex // serializes reloads, guards settings
	settings Settings
	version  uint64
	cur      atomic.Pointer[Snapshot]
}

func NewStore(gdb *gorm.DB, s Settings, log zerolog.Logger) *Store {
	return &Store{db: gdb, settings: s, log: log.With().Str("component", "refdata").Logger()}
}

// Current returns the active snapshot, or ErrNotLoaded before the first Reload.
func (s *Store) Current() (*Snapshot, error) {
	snap := s.cur.Load()
	if snap == nil {
		return nil, ErrNotLoaded
	}
	return snap, nil
}

// Reload rebuilds the snapshot from the database. On error the previous
// snapshot stays active.
func (s *Store) Reload(ctx context.Context) (*Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked(ctx, s.settings)
}

// UpdateSettings rebuilds the snapshot with new pricing settings. The
// settings are kept only when the rebuild succeeds.
func (s *Store) UpdateSettings(ctx context.Context, settings Settings) (*Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, err := s.loadLocked(ctx, settings)
	if err != nil {
		return nil, err
	}
	s.settings = settings
	return snap, nil
}

func (s *Store) loadLocked(ctx context.Context, settings Settings) (*Snapshot, error) {
	snap, err := Load(ctx, s.db, settings)
	if err != nil {
		s.log.Error().Err(err).Msg("reference data reload failed; keeping previous snapshot")
		return nil, err
	}
	s.version++
	snap.Version = s.version
	s.cur.Store(snap)
	counts := zerolog.Dict()
	for _, sc := range alias.Scopes() {
		counts.Int(string(sc), snap.Aliases.Len(sc))
	}
	s.log.Info().
		Uint64("version", snap.Version).
		Dict("aliases", counts).
		Str("markup_policy", string(snap.Pricing.Policy())).
		Msg("reference data loaded")
	return snap, nil
}
