package repository

import (
	"context"
	"testing"

	"pulse/internal/database"
	"pulse/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{Logger: logger.Discard})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, database.AutoMigrate(db))
	return db
}

func TestFriendRepository(t *testing.T) {
	ctx := context.Background()
	repo := NewFriendRepository(newTestDB(t))

	require.NoError(t, repo.Add(ctx, "a", models.Contact{ID: "b", Email: "b@example.com"}))
	require.NoError(t, repo.Add(ctx, "a", models.Contact{ID: "b", Email: "b2@example.com", Handle: "bee"}))
	require.NoError(t, repo.Add(ctx, "c", models.Contact{ID: "b"}))

	contacts, err := repo.Related(ctx, "a")
	require.NoError(t, err)
	require.Len(t, contacts, 1)
	assert.Equal(t, models.Contact{ID: "b", Email: "b2@example.com", Handle: "bee"}, contacts[0])

	by, err := repo.RelatedBy(ctx, "b")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "c"}, by)

	require.NoError(t, repo.Remove(ctx, "c", "b"))
	by, err = repo.RelatedBy(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, by)
}

func TestFriendRepository_SetRelated(t *testing.T) {
	ctx := context.Background()
	repo := NewFriendRepository(newTestDB(t))

	require.NoError(t, repo.SetRelated(ctx, "a", []models.Contact{{ID: "b"}, {ID: "c"}, {ID: "b"}, {ID: ""}}))
	contacts, err := repo.Related(ctx, "a")
	require.NoError(t, err)
	assert.Len(t, contacts, 2)

	require.NoError(t, repo.SetRelated(ctx, "a", []models.Contact{{ID: "d"}}))
	contacts, err = repo.Related(ctx, "a")
	require.NoError(t, err)
	require.Len(t, contacts, 1)
	assert.Equal(t, "d", contacts[0].ID)

	by, err := repo.RelatedBy(ctx, "b")
	require.NoError(t, err)
	assert.Empty(t, by)

	require.NoError(t, repo.SetRelated(ctx, "a", nil))
	contacts, err = repo.Related(ctx, "a")
	require.NoError(t, err)
	assert.Empty(t, contacts)
}
