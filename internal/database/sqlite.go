package database

import (
	"fmt"

	"github.com/MarcoPoloResearchLab/gravity/collab/internal/messaging"
	"github.com/MarcoPoloResearchLab/gravity/collab/internal/notes"
	"github.com/MarcoPoloResearchLab/gravity/collab/internal/users"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// OpenSQLite establishes a SQLite connection and performs schema migrations.
func OpenSQLite(path string, logger *zap.Logger) (*gorm.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	if err := Migrate(db, logger); err != nil {
		return nil, err
	}

	// No connection survives a restart, so nobody can still be online.
	if err := resetPresence(db); err != nil {
		logger.Warn("presence reset failed", zap.Error(err))
	}

	logger.Info("database initialized", zap.String("path", path))
	return db, nil
}

// Migrate creates every table and applies pending named migrations.
func Migrate(db *gorm.DB, logger *zap.Logger) error {
	err := db.AutoMigrate(
		&notes.Note{},
		&notes.NotePermission{},
		&notes.CollabSnapshot{},
		&users.Identity{},
		&users.Profile{},
		&messaging.Thread{},
		&messaging.ThreadParticipant{},
		&messaging.Message{},
		&migrationRecord{},
	)
	if err != nil {
		return err
	}
	return applyMigrations(db, logger)
}

func resetPresence(db *gorm.DB) error {
	return db.Model(&users.Profile{}).
		Where("is_online = ?", true).
		Update("is_online", false).Error
}
