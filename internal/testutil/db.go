package testutil

import (
	"path/filepath"
	"testing"

	"pack_sale/internal/store"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

// NewTestDB 在临时目录创建并迁移一个独立的 SQLite 库，测试结束自动关闭。
func NewTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	require.NoError(t, store.Migrate(db))
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return db
}

// NewTestStore 同 NewTestDB，直接返回 Store。
func NewTestStore(t *testing.T) *store.Store {
	t.Helper()
	return store.New(NewTestDB(t))
}
