// Package database はデータベース接続とマイグレーション管理を提供する。
package database

import (
	"embed"
	"fmt"
	"log/slog"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// NewMigrator はマイグレーション実行用のmigrateインスタンスを生成する。
// databaseURLはPostgreSQLの接続URLを指定する。
func NewMigrator(databaseURL string) (*migrate.Migrate, error) {
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to create migration source: %w", err)
	}

	m, err := migrate.NewWithSourceInstance("iofs", source, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create migrator: %w", err)
	}

	return m, nil
}

// RunMigrations はすべてのマイグレーションを適用する。
// すでに最新の場合はエラーなしで返る。
func RunMigrations(databaseURL string) error {
	m, err := NewMigrator(databaseURL)
	if err != nil {
		return err
	}
	defer m.Close()

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	version, dirty, err := m.Version()
	if err != nil && err != migrate.ErrNilVersion {
		return fmt.Errorf("failed to read schema version: %w", err)
	}
	if dirty {
		return fmt.Errorf("schema version %d is dirty, manual intervention required", version)
	}
	slog.Info("schema is up to date", slog.Uint64("version", uint64(version)))

	return nil
}
