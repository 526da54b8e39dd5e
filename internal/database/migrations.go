package database

import (
	"errors"
	"time"

	"github.com/dropforge-labs/dropforge/internal/collections"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationPurgeIncompleteSnapshots = "2026-08-20_purge_incomplete_snapshots"

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationPurgeIncompleteSnapshots, apply: purgeIncompleteSnapshots},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		if err := migration.apply(db); err != nil {
			return err
		}

		record = migrationRecord{
			Name:             migration.name,
			AppliedAtSeconds: time.Now().UTC().Unix(),
		}
		if err := db.Create(&record).Error; err != nil {
			return err
		}

		if logger != nil {
			logger.Info("migration applied", zap.String("name", migration.name))
		}
	}

	return nil
}

// purgeIncompleteSnapshots drops cached rows written before manifest parsing
// became strict. The cache is rebuilt from the ledger on the next read, so
// deleting is always safe.
func purgeIncompleteSnapshots(db *gorm.DB) error {
	return db.
		Where("asset_urls_json = '' OR asset_urls_json = '[]' OR manifest_ref = ''").
		Delete(&collections.SnapshotRecord{}).
		Error
}
