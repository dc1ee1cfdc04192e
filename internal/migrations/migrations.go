// Package migrations 以嵌入的 SQL 檔管理資料庫結構
package migrations

import (
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"math"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed all:migrations
var migrationsFS embed.FS

// Migrator 管理資料庫遷移
type Migrator struct {
	migrate *migrate.Migrate
	source  source.Driver
	logger  *slog.Logger
}

// New 建立遷移管理器；databaseURL 必須是 postgres:// 形式
func New(databaseURL string, logger *slog.Logger) (*Migrator, error) {
	if logger == nil {
		logger = slog.Default()
	}

	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("open embedded migrations: %w", err)
	}

	m, err := migrate.NewWithSourceInstance("iofs", src, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("create migrate instance: %w", err)
	}

	return &Migrator{migrate: m, source: src, logger: logger}, nil
}

// Run 建立遷移管理器、執行 Up 並關閉
func Run(databaseURL string, logger *slog.Logger) error {
	m, err := New(databaseURL, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := m.Close(); err != nil {
			m.logger.Warn("close migrator failed", "error", err)
		}
	}()

	return m.Up()
}

// Up 執行所有待處理的遷移
//
// 上次遷移中斷留下髒狀態時，先把版本退回前一個遷移（沒有前一個則為 NilVersion），
// 再由 Up 重跑中斷的那一個。遷移檔皆使用 IF NOT EXISTS，重跑是安全的。
func (m *Migrator) Up() error {
	version, dirty, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return fmt.Errorf("read schema version: %w", err)
	}

	if dirty {
		prev, err := m.previous(version)
		if err != nil {
			return err
		}
		m.logger.Warn("schema is dirty, rolling version back to re-run", "version", version, "forced_to", prev)
		if err := m.migrate.Force(prev); err != nil {
			return fmt.Errorf("force version %d: %w", prev, err)
		}
	}

	if err := m.migrate.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			m.logger.Info("schema up to date", "version", version)
			return nil
		}
		return fmt.Errorf("migrate up: %w", err)
	}

	newVersion, _, _ := m.Version()
	m.logger.Info("schema migrated", "from", version, "to", newVersion)
	return nil
}

// previous 中斷版本的前一個遷移版本
func (m *Migrator) previous(version uint) (int, error) {
	prev, err := m.source.Prev(version)
	if errors.Is(err, fs.ErrNotExist) {
		return database.NilVersion, nil
	}
	if err != nil {
		return 0, fmt.Errorf("find migration before %d: %w", version, err)
	}
	if prev > math.MaxInt32 {
		return 0, fmt.Errorf("schema version out of range: %d", prev)
	}
	return int(prev), nil
}

// Down 回滾所有遷移（測試用）
func (m *Migrator) Down() error {
	if err := m.migrate.Down(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate down: %w", err)
	}
	return nil
}

// Version 目前的版本
func (m *Migrator) Version() (uint, bool, error) {
	return m.migrate.Version()
}

// Close 關閉遷移管理器
func (m *Migrator) Close() error {
	sourceErr, dbErr := m.migrate.Close()
	return errors.Join(sourceErr, dbErr)
}
