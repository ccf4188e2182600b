package db

import (
	"path/filepath"
	"strings"

	glebarez "github.com/glebarez/sqlite"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Options selects the database backend. An empty DSN with a sqlite driver
// puts mallsync.db next to the config.
type Options struct {
	Driver  string `mapstructure:"driver" json:"driver"` // sqlite | sqlite-cgo | mysql | postgres
	DSN     string `mapstructure:"dsn" json:"dsn"`
	Verbose bool   `mapstructure:"verbose" json:"verbose"`
}

type Handle struct {
	DB   *gorm.DB
	Path string
}

func OpenAt(dir string, opts Options, log zerolog.Logger) (*Handle, error) {
	dsn := opts.DSN
	driver := strings.ToLower(strings.TrimSpace(opts.Driver))
	if driver == "" {
		driver = "sqlite"
	}
	if dsn == "" && strings.HasPrefix(driver, "sqlite") {
		dsn = filepath.Join(dir, "mallsync.db")
	}

	var dialector gorm.Dialector
	switch driver {
	case "sqlite":
		dialector = glebarez.Open(dsn)
	case "sqlite-cgo":
		dialector = sqlite.Open(dsn)
	case "mysql":
		dialector = mysql.Open(dsn)
	case "postgres", "postgresql":
		dialector = postgres.Open(dsn)
	default:
		return nil, eris.Errorf("db: unknown driver %q", opts.Driver)
	}

	level := logger.Warn
	if opts.Verbose {
		level = logger.Info
	}
	gdb, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.New(zerologWriter{log: log.With().Str("component", "gorm").Logger()}, logger.Config{
			LogLevel:                  level,
			IgnoreRecordNotFoundError: true,
		}),
	})
	if err != nil {
		return nil, eris.Wrapf(err, "db: open %s", driver)
	}
	if strings.HasPrefix(driver, "sqlite") {
		// sqlite allows a single writer; transactions must not wait on a second connection
		sqlDB, err := gdb.DB()
		if err != nil {
			return nil, eris.Wrap(err, "db: sql handle")
		}
		sqlDB.SetMaxOpenConns(1)
	}
	return &Handle{DB: gdb, Path: dsn}, nil
}

// zerologWriter adapts gorm's printf logger to zerolog
type zerologWriter struct {
	log zerolog.Logger
}

func (w zerologWriter) Printf(format string, args ...any) {
	w.log.Debug().Msgf(format, args...)
}

func (h *Handle) Close() error {
	sqlDB, err := h.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
