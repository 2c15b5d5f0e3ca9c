package database

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationStripGoogleUserPrefix = "2026-10-01_strip_google_user_prefix"
	legacyUserPrefix               = "google:"
)

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

// userColumns lists every column holding a canonical user id.
var userColumns = []struct {
	table  string
	column string
}{
	{table: "notes", column: "owner_id"},
	{table: "note_permissions", column: "user_id"},
	{table: "message_threads", column: "created_by"},
	{table: "message_thread_participants", column: "user_id"},
	{table: "messages", column: "sender_id"},
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationStripGoogleUserPrefix, apply: stripGoogleUserPrefix},
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
		err = db.Transaction(func(tx *gorm.DB) error {
			if err := migration.apply(tx); err != nil {
				return err
			}
			appliedAt := time.Now().UTC().Unix()
			return tx.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error
		})
		if err != nil {
			return fmt.Errorf("migration %s: %w", migration.name, err)
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// stripGoogleUserPrefix rewrites user ids minted before identities were
// canonicalized ("google:123" becomes "123").
func stripGoogleUserPrefix(db *gorm.DB) error {
	start := len(legacyUserPrefix) + 1
	for _, target := range userColumns {
		statement := fmt.Sprintf("UPDATE %s SET %s = substr(%s, ?) WHERE %s LIKE ?",
			target.table, target.column, target.column, target.column)
		if err := db.Exec(statement, start, legacyUserPrefix+"%").Error; err != nil {
			return err
		}
	}
	return nil
}
