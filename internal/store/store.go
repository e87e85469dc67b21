package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	gormsqlite "gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
	_ "modernc.org/sqlite"
)

// ErrInvalidTransition is returned when a lifecycle event would move an
// order to a status that is not a legal successor of its current one.
var ErrInvalidTransition = errors.New("illegal order status transition")

// Store owns every persisted row. It keeps two handles onto the same SQLite
// file: a raw database/sql connection for the high-volume market-data tables
// and a gorm session for the trading entities. SQLite is single-writer, so
// both pools are capped and share WAL + busy timeout.
type Store struct {
	db  *sql.DB
	orm *gorm.DB
}

// Open creates (or opens) the database at path. Accepts a bare file path or
// a sqlite:/// URL.
func Open(path string) (*Store, error) {
	path = normalizePath(path)
	if path == "" {
		return nil, fmt.Errorf("database path cannot be empty")
	}
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&cache=shared", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	orm, err := gorm.Open(gormsqlite.Dialector{DriverName: "sqlite", DSN: dsn}, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if ormDB, err := orm.DB(); err == nil {
		ormDB.SetMaxOpenConns(1)
		ormDB.SetMaxIdleConns(1)
	}
	return &Store{db: db, orm: orm}, nil
}

func normalizePath(path string) string {
	path = strings.TrimSpace(path)
	path = strings.TrimPrefix(path, "sqlite:///")
	path = strings.TrimPrefix(path, "sqlite://")
	return path
}

// Tx runs fn inside one gorm transaction. Cross-table writes (order plus
// lifecycle event, backtest run plus children) must go through here.
func (s *Store) Tx(ctx context.Context, fn func(tx *gorm.DB) error) error {
	return s.orm.WithContext(ctx).Transaction(fn)
}

// DB exposes the raw handle for the market-data path and migrations.
func (s *Store) DB() *sql.DB { return s.db }

// ORM exposes the gorm session for read queries outside a transaction.
func (s *Store) ORM() *gorm.DB { return s.orm }

func (s *Store) Close() error {
	var firstErr error
	if s.orm != nil {
		if ormDB, err := s.orm.DB(); err == nil {
			if err := ormDB.Close(); err != nil {
				firstErr = err
			}
		}
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
