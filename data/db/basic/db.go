// Package basic 是 db.IDatabase 基于 database/sql 的实现
package basic

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	core "epoque/data/db"
	"epoque/data/db/dialect"
)

// DB 基于 *sql.DB 的实现，按 driver 名称自动改写占位符
type DB struct {
	conn
	db *sql.DB
}

// New 根据 DBConfig 打开数据库并做一次连通性检查
//
// 调用方必须确保 Driver 已通过空导入注册（例如 `_ "modernc.org/sqlite"`、`_ "github.com/lib/pq"`）。
func New(config core.DBConfig) (*DB, error) {
	driver := config.Driver
	if driver == "" {
		driver = "sqlite"
	}
	if config.DSN == "" {
		return nil, fmt.Errorf("basic: empty DSN for driver %s", driver)
	}

	sqlDB, err := sql.Open(driver, config.DSN)
	if err != nil {
		return nil, err
	}
	if config.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(config.MaxOpenConns)
	}
	if config.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(config.MaxIdleConns)
	}
	if config.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(config.ConnMaxLifetime)
	}
	if config.ConnMaxIdleTime > 0 {
		sqlDB.SetConnMaxIdleTime(config.ConnMaxIdleTime)
	}

	timeout := config.PingTimeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}
	return Wrap(sqlDB, driver), nil
}

// Wrap 包装已打开的 *sql.DB（例如测试中的 sqlmock 连接）
func Wrap(sqlDB *sql.DB, driver string) *DB {
	return &DB{conn: conn{run: sqlDB, driver: driver, dialect: dialect.New(driver)}, db: sqlDB}
}

func (d *DB) Begin(ctx context.Context) (core.ITransaction, error) {
	return d.BeginTx(ctx, nil)
}

func (d *DB) BeginTx(ctx context.Context, opts *sql.TxOptions) (core.ITransaction, error) {
	tx, err := d.db.BeginTx(ctx, opts)
	if err != nil {
		return nil, err
	}
	return &Tx{conn: conn{run: tx, driver: d.driver, dialect: d.dialect}, db: d.db, tx: tx}, nil
}

func (d *DB) Ping(ctx context.Context) error { return d.db.PingContext(ctx) }
func (d *DB) Close() error                   { return d.db.Close() }
func (d *DB) Raw() any                       { return d.db }
