package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/johnayoung/go-price-history/internal/models"
	_ "github.com/marcboeker/go-duckdb/v2"
)

const priceHistoryTable = "price_history"

// DuckDBStorage implements TableStore with one price_history table keyed by
// (asset, day).
type DuckDBStorage struct {
	db     *sql.DB
	dbPath string
	logger *slog.Logger
	mu     sync.RWMutex
}

// NewDuckDBStorage creates a new DuckDB storage instance.
// The dbPath can be ":memory:" for in-memory database or a file path for persistent storage.
func NewDuckDBStorage(dbPath string, logger *slog.Logger) (*DuckDBStorage, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open("duckdb", dbPath)
	if err != nil {
		return nil, NewStorageError("open", "", "", fmt.Errorf("failed to open DuckDB database: %w", err))
	}

	// Single writer; also keeps an in-memory database on one connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	return &DuckDBStorage{
		db:     db,
		dbPath: dbPath,
		logger: logger,
	}, nil
}

// Initialize applies schema migrations. It is idempotent.
func (d *DuckDBStorage) Initialize(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.db == nil {
		return NewStorageError("initialize", "", "", ErrStorageClosed)
	}

	if err := NewMigrationManager(d.db, d.logger).MigrateToLatest(ctx); err != nil {
		return NewStorageError("initialize", priceHistoryTable, "", err)
	}

	d.logger.Debug("DuckDB storage initialized", "db_path", d.dbPath)
	return nil
}

// Load implements TableReader.Load. Rows are returned ordered by day.
func (d *DuckDBStorage) Load(ctx context.Context, symbol string) (models.Table, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.db == nil {
		return nil, NewQueryError(priceHistoryTable, "", ErrStorageClosed)
	}

	query := `
		SELECT snapped_at, day, price, market_cap, total_volume
		FROM price_history
		WHERE asset = $1
		ORDER BY day`

	rows, err := d.db.QueryContext(ctx, query, symbol)
	if err != nil {
		return nil, NewQueryError(priceHistoryTable, query, fmt.Errorf("failed to load %s: %w", symbol, err))
	}
	defer rows.Close()

	table := models.Table{}
	for rows.Next() {
		var rec models.PriceRecord
		var day time.Time
		if err := rows.Scan(&rec.SnappedAt, &day, &rec.Price, &rec.MarketCap, &rec.TotalVolume); err != nil {
			return nil, NewQueryError(priceHistoryTable, query, fmt.Errorf("failed to scan row: %w", err))
		}
		rec.Date = models.DateKeyOf(day)
		rec.MarketCap = models.NormalizeAmount(rec.MarketCap)
		rec.TotalVolume = models.NormalizeAmount(rec.TotalVolume)
		table = append(table, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, NewQueryError(priceHistoryTable, query, fmt.Errorf("error iterating rows: %w", err))
	}

	return table, nil
}

// Save implements TableWriter.Save. The asset's rows are replaced in a
// single transaction.
func (d *DuckDBStorage) Save(ctx context.Context, symbol string, table models.Table) error {
	if err := table.Validate(); err != nil {
		return NewInsertError(priceHistoryTable, fmt.Errorf("refusing to save %s: %w", symbol, err))
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.db == nil {
		return NewInsertError(priceHistoryTable, ErrStorageClosed)
	}

	start := time.Now()

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return NewInsertError(priceHistoryTable, fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM price_history WHERE asset = $1", symbol); err != nil {
		return NewStorageError("delete", priceHistoryTable, "", fmt.Errorf("failed to clear %s: %w", symbol, err))
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO price_history (asset, day, snapped_at, price, market_cap, total_volume, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`)
	if err != nil {
		return NewInsertError(priceHistoryTable, fmt.Errorf("failed to prepare insert: %w", err))
	}
	defer stmt.Close()

	updatedAt := time.Now().UTC()
	for _, rec := range table {
		day, err := rec.Date.Time()
		if err != nil {
			return NewInsertError(priceHistoryTable, fmt.Errorf("invalid date %q: %w", rec.Date, err))
		}
		snappedAt := rec.SnappedAt
		if snappedAt == "" {
			snappedAt = models.FormatSnappedAt(day)
		}

		if _, err := stmt.ExecContext(ctx,
			symbol,
			day,
			snappedAt,
			rec.Price,
			models.NormalizeAmount(rec.MarketCap),
			models.NormalizeAmount(rec.TotalVolume),
			updatedAt,
		); err != nil {
			return NewInsertError(priceHistoryTable, fmt.Errorf("failed to insert %s: %w", rec.Date, err))
		}
	}

	if err := tx.Commit(); err != nil {
		return NewInsertError(priceHistoryTable, fmt.Errorf("failed to commit: %w", err))
	}

	d.logger.Debug("saved table",
		"asset", symbol,
		"records", len(table),
		"duration", time.Since(start))

	return nil
}

// HealthCheck verifies database connectivity.
func (d *DuckDBStorage) HealthCheck(ctx context.Context) error {
	d.mu.RLock()
	db := d.db
	d.mu.RUnlock()

	if db == nil {
		return NewStorageError("health_check", "", "", ErrStorageClosed)
	}

	var result int
	if err := db.QueryRowContext(ctx, "SELECT 1").Scan(&result); err != nil {
		return NewStorageError("health_check", "", "SELECT 1", fmt.Errorf("database health check failed: %w", err))
	}
	if result != 1 {
		return NewStorageError("health_check", "", "SELECT 1", errors.New("unexpected health check result"))
	}
	return nil
}

// Close closes the database. Calling it twice is not an error.
func (d *DuckDBStorage) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.db != nil {
		if err := d.db.Close(); err != nil {
			return NewStorageError("close", "", "", fmt.Errorf("failed to close database: %w", err))
		}
		d.db = nil
	}

	return nil
}

var (
	_ TableStore    = (*DuckDBStorage)(nil)
	_ HealthChecker = (*DuckDBStorage)(nil)
)
