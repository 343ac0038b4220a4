package store

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"pack_sale/internal/model"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Store 封装所有持久化读写。事务通过 context 传递，方法内部统一用 conn(ctx) 取连接。
type Store struct {
	db *gorm.DB
}

type txKey struct{}

// Open 连接 SQLite。单连接 + busy_timeout：写入天然串行，避免 database is locked。
func Open(path string) (*gorm.DB, error) {
	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:  NewLogger(os.Stderr),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)
	return db, nil
}

// NewLogger Warn 级别 SQL 日志。查不到记录是正常分支，不记录。
func NewLogger(w io.Writer) logger.Interface {
	return logger.New(log.New(w, "\r\n", log.LstdFlags), logger.Config{
		SlowThreshold:             200 * time.Millisecond,
		LogLevel:                  logger.Warn,
		IgnoreRecordNotFoundError: true,
	})
}

// Migrate 自动建表
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&model.Sale{},
		&model.EthereumSale{},
		&model.Registration{},
		&model.QueueSlot{},
		&model.SoldUnit{},
		&model.PaymentHold{},
		&model.AssetReservation{},
		&model.PendingAsset{},
		&model.VaultAsset{},
	)
}

func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// DB 暴露底层连接，仅供健康检查等场景使用。
func (s *Store) DB() *gorm.DB { return s.db }

// WithTx 在事务中执行 fn；ctx 中已有事务时直接复用，不开嵌套事务。
func (s *Store) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(txKey{}).(*gorm.DB); ok {
		return fn(ctx)
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(context.WithValue(ctx, txKey{}, tx))
	})
}

func (s *Store) conn(ctx context.Context) *gorm.DB {
	if tx, ok := ctx.Value(txKey{}).(*gorm.DB); ok {
		return tx
	}
	return s.db.WithContext(ctx)
}
