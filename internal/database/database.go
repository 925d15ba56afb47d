package database

import (
	"github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/marska/chatline/internal/models"
)

// Initialize opens the SQLite database and migrates the persisted models.
// Only signaling-side state lives here (call log, push subscriptions);
// messages and users belong to the external store.
func Initialize(dbPath string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(dbPath), &gorm.Config{})
	if err != nil {
		return nil, err
	}

	if err := db.AutoMigrate(
		&models.CallRecord{},
		&models.PushSubscription{},
	); err != nil {
		return nil, err
	}

	return db, nil
}
