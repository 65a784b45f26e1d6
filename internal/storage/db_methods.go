package storage

import (
	"fmt"

	"textbuddies/backend/internal/models"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// AllModels returns every table owned by the store, in migration order.
func AllModels() []interface{} {
	return []interface{}{
		&models.Session{},
		&models.ChatRoom{},
		&models.Message{},
	}
}

// Connect opens the Postgres database behind dsn.
func Connect(dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("storage: connect: %w", err)
	}
	return db, nil
}

// AutoMigrate creates or updates the tables.
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(AllModels()...); err != nil {
		return fmt.Errorf("storage: migrate: %w", err)
	}
	return nil
}
