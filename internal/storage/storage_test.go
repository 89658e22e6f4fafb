package storage

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gorm.io/gorm"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := InitDB(filepath.Join(t.TempDir(), "broker.db"), zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = Close(db) })
	return db
}

func newTestUser(t *testing.T, db *gorm.DB, username string, credits int) *User {
	t.Helper()
	user, err := NewUserRepository(db, nil).Create(context.Background(), username, credits)
	require.NoError(t, err)
	return user
}
