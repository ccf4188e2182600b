// Package feedfile reads supplier stock exports dropped as CSV files into a
// directory or onto an FTP server. One file is one batch: the day's
// _0000001 file is a full snapshot, higher numbers are partial updates.
package feedfile

import (
	"context"
	"encoding/json"
	"unicode/utf8"

	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"

	"github.com/bartek5186/mallsync/internal/integrations"
	"github.com/bartek5186/mallsync/internal/staging"
)

const Kind = "feedfile"

type Config struct {
	Dir       string            `json:"dir"`
	FTP       *FTPConfig        `json:"ftp"`
	Prefix    string            `json:"prefix"`
	Charset   string            `json:"charset"` // empty = sniff
	Delimiter string            `json:"delimiter"`
	Columns   map[string]string `json:"columns"` // overrides of DefaultColumns
}

type Source struct {
	code   string
	log    zerolog.Logger
	cfg    Config
	lister Lister
	parser parser
}

// New builds a source over lister; a nil lister is derived from cfg.
func New(log zerolog.Logger, code string, cfg Config, lister Lister) (*Source, error) {
	if lister == nil {
		switch {
		case cfg.FTP != nil && cfg.FTP.Addr != "":
			lister = newFTPLister(*cfg.FTP)
		case cfg.Dir != "":
			lister = newDirLister(cfg.Dir)
		default:
			return nil, eris.Errorf("feedfile: %s needs dir or ftp.addr", code)
		}
	}
	delim := ','
	if cfg.Delimiter != "" {
		r, size := utf8.DecodeRuneInString(cfg.Delimiter)
		if size != len(cfg.Delimiter) || r == utf8.RuneError {
			return nil, eris.Errorf("feedfile: %s delimiter %q is not one character", code, cfg.Delimiter)
		}
		delim = r
	}
	cols := make(map[string]string, len(DefaultColumns))
	for k, v := range DefaultColumns {
		cols[k] = v
	}
	for k, v := range cfg.Columns {
		if _, ok := cols[k]; !ok {
			return nil, eris.Errorf("feedfile: %s unknown column key %q", code, k)
		}
		cols[k] = v
	}
	return &Source{
		code:   code,
		log:    log,
		cfg:    cfg,
		lister: lister,
		parser: parser{columns: cols, charset: cfg.Charset, delimiter: delim},
	}, nil
}

func (s *Source) Code() string { return s.code }

// Batched reports that a drop can queue several files between runs.
func (s *Source) Batched() bool { return true }

// FetchSnapshot returns the first file after last, or nil when the drop
// holds nothing newer.
func (s *Source) FetchSnapshot(ctx context.Context, last *staging.Cursor) (*staging.Snapshot, error) {
	names, err := s.lister.List(ctx)
	if err != nil {
		return nil, err
	}
	files := pending(names, s.cfg.Prefix, last)
	if len(files) == 0 {
		return nil, nil
	}
	next := files[0]

	rc, err := s.lister.Open(ctx, next.Name)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	items, st, err := s.parser.parse(rc)
	if err != nil {
		return nil, eris.Wrapf(err, "feedfile: %s", next.Name)
	}
	mode := staging.ModeIncremental
	if next.Cursor.Full {
		mode = staging.ModeFull
	}
	s.log.Info().
		Str("file", next.Name).
		Str("mode", string(mode)).
		Int("rows", st.Rows).
		Int("items", st.Items).
		Int("variants", st.Variants).
		Int("zero_stock", st.ZeroStock).
		Int("bad_rows", st.BadRows).
		Int("queued", len(files)-1).
		Msg("feed file parsed")
	return &staging.Snapshot{Mode: mode, Cursor: next.Cursor, Items: items}, nil
}

func factory(log zerolog.Logger, code string, raw json.RawMessage) (staging.Source, error) {
	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, eris.Wrapf(err, "feedfile: options of %s", code)
	}
	return New(log, code, cfg, nil)
}

func init() {
	integrations.RegisterSource(Kind, factory)
}
