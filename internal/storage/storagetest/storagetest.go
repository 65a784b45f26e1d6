// Package storagetest builds a storage.Service on an in-memory SQLite database
// with an in-process feed and a fake clock.
package storagetest

import (
	"log/slog"
	"testing"
	"time"

	"textbuddies/backend/internal/feed"
	"textbuddies/backend/internal/storage"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Epoch is the fake clock's start time.
var Epoch = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

// Env is a fully wired store for tests.
type Env struct {
	DB     *gorm.DB
	Feed   *feed.Broker
	Clock  *clockwork.FakeClock
	Store  *storage.Service
	Logger *slog.Logger
}

// OpenDB opens a private in-memory database with the schema migrated.
func OpenDB(t testing.TB) *gorm.DB {
	t.Helper()
	dsn := "file:" + uuid.NewString() + "?mode=memory&cache=shared"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	// one connection keeps every query on the same in-memory database
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, storage.AutoMigrate(db))
	return db
}

// New returns a store with a fresh database, broker and fake clock.
func New(t testing.TB) *Env {
	t.Helper()
	db := OpenDB(t)
	broker := feed.NewBroker(0)
	t.Cleanup(func() { _ = broker.Close() })
	clock := clockwork.NewFakeClockAt(Epoch)
	log := slog.New(slog.DiscardHandler)

	return &Env{
		DB:     db,
		Feed:   broker,
		Clock:  clock,
		Store:  storage.NewStorageService(db, broker, clock, log),
		Logger: log,
	}
}
