package db

import (
	"strings"

	glebarez "github.com/glebarez/sqlite"
	"github.com/rotisserie/eris"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Models lists every table in migration order.
func Models() []any {
	return []any{
		&StagingItem{},
		&StagingVariant{},
		&CanonicalItem{},
		&CanonicalVariant{},
		&AliasEntry{},
		&Country{},
		&FormulaRange{},
		&MarkupRule{},
		&ConversionFailure{},
		&SourceWatermark{},
		&AppliedBatch{},
		&Retailer{},
		&Order{},
		&OrderLine{},
		&DispatchAudit{},
	}
}

// Migrate creates or updates the schema.
func (h *Handle) Migrate() error {
	return AutoMigrate(h.DB)
}

// AutoMigrate runs the schema migration on any gorm handle (tests use it on in-memory sqlite).
func AutoMigrate(gdb *gorm.DB) error {
	if err := gdb.AutoMigrate(Models()...); err != nil {
		return eris.Wrap(err, "db: AutoMigrate")
	}
	return nil
}

// OpenInMemory opens a private in-memory sqlite database with the schema applied.
// The name keeps parallel callers apart.
func OpenInMemory(name string) (*gorm.DB, error) {
	name = strings.NewReplacer("/", "_", " ", "_", "?", "_", "&", "_").Replace(name)
	gdb, err := gorm.Open(glebarez.Open("file:"+name+"?mode=memory&cache=shared&_pragma=foreign_keys(1)"), &gorm.Config{
		Logger: logger.Discard,
	})
	if err != nil {
		return nil, eris.Wrap(err, "db: open in-memory")
	}
	sqlDB, err := gdb.DB()
	if err != nil {
		return nil, eris.Wrap(err, "db: sql handle")
	}
	sqlDB.SetMaxOpenConns(1)
	if err := AutoMigrate(gdb); err != nil {
		return nil, err
	}
	return gdb, nil
}
