package database

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/codereview/backend/internal/issues"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationLowercaseMercurialHashes = "2026-10-15_lowercase_mercurial_hashes"

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

func migrationDefinitions() []migrationDefinition {
	return []migrationDefinition{
		{name: migrationLowercaseMercurialHashes, apply: lowercaseMercurialHashes},
	}
}

// applyMigrations runs each named data migration once, recording it in db_migrations
// within the same transaction as the change itself.
func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	for _, migration := range migrationDefinitions() {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		err = db.Transaction(func(tx *gorm.DB) error {
			if err := migration.apply(tx); err != nil {
				return err
			}
			appliedAt := time.Now().UTC().Unix()
			return tx.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error
		})
		if err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// lowercaseMercurialHashes normalizes digests written before hashes were lowercased on ingest.
func lowercaseMercurialHashes(db *gorm.DB) error {
	return db.Model(&issues.Diff{}).
		Where("mercurial_hash IS NOT NULL AND mercurial_hash <> lower(mercurial_hash)").
		Update("mercurial_hash", gorm.Expr("lower(mercurial_hash)")).Error
}
