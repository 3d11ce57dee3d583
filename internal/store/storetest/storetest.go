// Package storetest 提供測試用的記憶體資料庫
package storetest

import (
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ChuLiYu/beaver-sched/internal/store"
)

var seq atomic.Int64

// New 建立已 migrate 的 sqlite 記憶體資料庫，每個測試一份
func New(t testing.TB, clock clockwork.Clock) *store.GormStore {
	t.Helper()

	dsn := fmt.Sprintf("file:beaver-%d?mode=memory&cache=shared", seq.Add(1))
	db, err := store.Open(store.Config{Driver: "sqlite", DSN: dsn, AutoMigrate: true}, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close(db) })

	return store.NewGormStore(db, clock)
}
