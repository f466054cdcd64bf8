package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"
)

// Migration represents a single database migration with version and implementation
type Migration struct {
	Version     int
	Description string
	Up          func(ctx context.Context, tx *sql.Tx) error
	Down        func(ctx context.Context, tx *sql.Tx) error
}

// AppliedMigration is a row of schema_migrations.
type AppliedMigration struct {
	Version       int
	Description   string
	AppliedAt     time.Time
	ExecutionTime time.Duration
}

// MigrationStatus summarises the schema state of a database.
type MigrationStatus struct {
	CurrentVersion    int
	LatestVersion     int
	AppliedMigrations []AppliedMigration
	PendingMigrations int
}

// MigrationManager handles database schema migrations for DuckDB
type MigrationManager struct {
	db         *sql.DB
	logger     *slog.Logger
	migrations []Migration
}

// NewMigrationManager creates a new migration manager instance
func NewMigrationManager(db *sql.DB, logger *slog.Logger) *MigrationManager {
	if logger == nil {
		logger = slog.Default()
	}

	return &MigrationManager{
		db:         db,
		logger:     logger,
		migrations: allMigrations(),
	}
}

// LatestVersion returns the highest known migration version.
func (m *MigrationManager) LatestVersion() int {
	if len(m.migrations) == 0 {
		return 0
	}
	return m.migrations[len(m.migrations)-1].Version
}

func (m *MigrationManager) initialize(ctx context.Context) error {
	createMigrationsTable := `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			description VARCHAR NOT NULL,
			applied_at TIMESTAMPTZ NOT NULL,
			execution_time BIGINT NOT NULL DEFAULT 0
		)`

	if _, err := m.db.ExecContext(ctx, createMigrationsTable); err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}
	return nil
}

// MigrateToLatest applies every pending migration in version order.
func (m *MigrationManager) MigrateToLatest(ctx context.Context) error {
	return m.Migrate(ctx, m.LatestVersion())
}

// Migrate runs all pending migrations up to the target version
func (m *MigrationManager) Migrate(ctx context.Context, targetVersion int) error {
	if err := m.initialize(ctx); err != nil {
		return err
	}

	currentVersion, err := m.currentVersion(ctx)
	if err != nil {
		return err
	}

	if currentVersion >= targetVersion {
		m.logger.Debug("schema up to date", "version", currentVersion)
		return nil
	}

	applied := 0
	for _, migration := range m.migrations {
		if migration.Version <= currentVersion || migration.Version > targetVersion {
			continue
		}
		if err := m.runMigration(ctx, migration); err != nil {
			return fmt.Errorf("failed to run migration %d: %w", migration.Version, err)
		}
		applied++
	}

	m.logger.Info("migrations applied",
		"from_version", currentVersion,
		"to_version", targetVersion,
		"applied", applied)

	return nil
}

// Rollback reverts migrations above the target version, newest first.
func (m *MigrationManager) Rollback(ctx context.Context, targetVersion int) error {
	currentVersion, err := m.currentVersion(ctx)
	if err != nil {
		return err
	}

	for i := len(m.migrations) - 1; i >= 0; i-- {
		migration := m.migrations[i]
		if migration.Version > currentVersion || migration.Version <= targetVersion {
			continue
		}
		if err := m.rollbackMigration(ctx, migration); err != nil {
			return fmt.Errorf("failed to roll back migration %d: %w", migration.Version, err)
		}
	}

	return nil
}

// GetStatus returns the current migration status
func (m *MigrationManager) GetStatus(ctx context.Context) (*MigrationStatus, error) {
	if err := m.initialize(ctx); err != nil {
		return nil, err
	}

	currentVersion, err := m.currentVersion(ctx)
	if err != nil {
		return nil, err
	}

	applied, err := m.appliedMigrations(ctx)
	if err != nil {
		return nil, err
	}

	pending := 0
	for _, migration := range m.migrations {
		if migration.Version > currentVersion {
			pending++
		}
	}

	return &MigrationStatus{
		CurrentVersion:    currentVersion,
		LatestVersion:     m.LatestVersion(),
		AppliedMigrations: applied,
		PendingMigrations: pending,
	}, nil
}

func (m *MigrationManager) runMigration(ctx context.Context, migration Migration) error {
	start := time.Now()

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback()

	if err := migration.Up(ctx, tx); err != nil {
		return fmt.Errorf("migration execution failed: %w", err)
	}

	insertQuery := `
		INSERT INTO schema_migrations (version, description, applied_at, execution_time)
		VALUES ($1, $2, $3, $4)`

	if _, err := tx.ExecContext(ctx, insertQuery,
		migration.Version,
		migration.Description,
		start.UTC(),
		time.Since(start).Nanoseconds()); err != nil {
		return fmt.Errorf("failed to record migration: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit migration: %w", err)
	}

	m.logger.Debug("migration applied",
		"version", migration.Version,
		"description", migration.Description,
		"duration", time.Since(start))

	return nil
}

func (m *MigrationManager) rollbackMigration(ctx context.Context, migration Migration) error {
	if migration.Down == nil {
		return fmt.Errorf("migration %d has no rollback function", migration.Version)
	}

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to start rollback transaction: %w", err)
	}
	defer tx.Rollback()

	if err := migration.Down(ctx, tx); err != nil {
		return fmt.Errorf("rollback execution failed: %w", err)
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM schema_migrations WHERE version = $1", migration.Version); err != nil {
		return fmt.Errorf("failed to remove migration record: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit rollback: %w", err)
	}

	m.logger.Info("migration rolled back", "version", migration.Version)
	return nil
}

func (m *MigrationManager) currentVersion(ctx context.Context) (int, error) {
	var version int
	err := m.db.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("failed to get current version: %w", err)
	}
	return version, nil
}

func (m *MigrationManager) appliedMigrations(ctx context.Context) ([]AppliedMigration, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT version, description, applied_at, execution_time
		FROM schema_migrations
		ORDER BY version`)
	if err != nil {
		return nil, fmt.Errorf("failed to query applied migrations: %w", err)
	}
	defer rows.Close()

	var applied []AppliedMigration
	for rows.Next() {
		var migration AppliedMigration
		var executionTime int64
		if err := rows.Scan(&migration.Version, &migration.Description, &migration.AppliedAt, &executionTime); err != nil {
			return nil, fmt.Errorf("failed to scan migration row: %w", err)
		}
		migration.ExecutionTime = time.Duration(executionTime)
		applied = append(applied, migration)
	}

	return applied, rows.Err()
}

func allMigrations() []Migration {
	return []Migration{
		{
			Version:     1,
			Description: "create price_history table",
			Up: func(ctx context.Context, tx *sql.Tx) error {
				// No primary key: DuckDB rejects delete-then-insert of the same
				// key inside one transaction. Save keeps (asset, day) unique.
				_, err := tx.ExecContext(ctx, `
					CREATE TABLE IF NOT EXISTS price_history (
						asset VARCHAR NOT NULL,
						day DATE NOT NULL,
						snapped_at VARCHAR NOT NULL,
						price DOUBLE NOT NULL,
						market_cap VARCHAR NOT NULL DEFAULT '0',
						total_volume VARCHAR NOT NULL DEFAULT '0',
						updated_at TIMESTAMPTZ NOT NULL
					)`)
				return err
			},
			Down: func(ctx context.Context, tx *sql.Tx) error {
				_, err := tx.ExecContext(ctx, "DROP TABLE IF EXISTS price_history")
				return err
			},
		},
		{
			Version:     2,
			Description: "index price_history by asset and day",
			Up: func(ctx context.Context, tx *sql.Tx) error {
				_, err := tx.ExecContext(ctx, "CREATE INDEX IF NOT EXISTS idx_price_history_asset_day ON price_history (asset, day)")
				return err
			},
			Down: func(ctx context.Context, tx *sql.Tx) error {
				_, err := tx.ExecContext(ctx, "DROP INDEX IF EXISTS idx_price_history_asset_day")
				return err
			},
		},
	}
}
