package kvstore

import (
	"context"
	"fmt"
	"strings"
	"time"

	xerrors "PluginHub/internal/errors"
)

// Store 是所有后端共同实现的接口。
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	Close() error
}

// Config 描述状态存储的选择与连接参数。
type Config struct {
	Driver          string
	DSN             string
	Password        string
	DB              int
	Prefix          string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// Open 根据驱动名称构建存储。
func Open(ctx context.Context, cfg Config) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "memory":
		return NewMemoryStore(), nil
	case "sqlite", "sqlite3":
		return NewSQLiteStore(ctx, cfg.DSN)
	case "mysql":
		return NewMySQLStore(ctx, cfg)
	case "redis":
		return NewRedisStore(ctx, cfg)
	default:
		return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("不支持的存储驱动: %s", cfg.Driver))
	}
}

func storageError(cause error, op, key string) error {
	return xerrors.Wrap(xerrors.CodeStorageFailure, cause, op+" 失败", xerrors.WithMetadata("key", key))
}
