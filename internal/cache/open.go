package cache

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

// 支持的存储驱动。
const (
	DriverFS     = "fs"
	DriverMemory = "memory"
	DriverSQLite = "sqlite"
)

// SQLiteFileName 是 sqlite 驱动在 StoragePath 下使用的数据库文件名。
const SQLiteFileName = "hubcache.db"

// Drivers 返回全部可用驱动名，供配置校验使用。
func Drivers() []string {
	return []string{DriverFS, DriverMemory, DriverSQLite}
}

// Open 按驱动名构建 Store。retain 用于内存驱动的保底 TTL。
func Open(driver, storagePath string, retain time.Duration) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", DriverFS:
		return NewStore(storagePath)
	case DriverMemory:
		return NewMemoryStore(retain), nil
	case DriverSQLite:
		return NewSQLiteStore(filepath.Join(storagePath, SQLiteFileName))
	default:
		return nil, fmt.Errorf("unknown storage driver %q", driver)
	}
}

// Purger 由支持批量清理过期条目的后端实现。
type Purger interface {
	PurgeExpired(ctx context.Context, before time.Time) (int64, error)
}
