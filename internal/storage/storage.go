// Package storage defines the persistence layer for per-asset price tables.
// Backends store one table per asset symbol and are selected by configuration:
// CSV files (the default), DuckDB, or process memory.
package storage

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/johnayoung/go-price-history/internal/config"
	"github.com/johnayoung/go-price-history/internal/models"
)

// Backend names accepted by New.
const (
	TypeCSV    = "csv"
	TypeDuckDB = "duckdb"
	TypeMemory = "memory"
)

// TableReader loads the stored price table of an asset.
type TableReader interface {
	// Load returns the stored records of symbol in storage order.
	// A symbol with no stored data yields an empty table and no error.
	// Rows that cannot be parsed are dropped, never reported.
	Load(ctx context.Context, symbol string) (models.Table, error)
}

// TableWriter replaces the stored price table of an asset.
type TableWriter interface {
	// Save overwrites everything stored for symbol with table, in the
	// order given. Either the full new table is stored or the previous
	// one is left intact.
	Save(ctx context.Context, symbol string, table models.Table) error
}

// TableStore combines reading and writing with lifecycle management.
type TableStore interface {
	TableReader
	TableWriter

	// Initialize prepares the backend. It is idempotent.
	Initialize(ctx context.Context) error

	// Close releases resources. The store must not be used afterwards.
	Close() error
}

// HealthChecker is implemented by backends that can verify their connection.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// CheckHealth runs the backend's health check. Backends without one are
// always healthy.
func CheckHealth(ctx context.Context, store TableStore) error {
	if hc, ok := store.(HealthChecker); ok {
		return hc.HealthCheck(ctx)
	}
	return nil
}

// New creates the backend selected by cfg.Type. The returned store is not
// yet initialized.
func New(cfg config.StorageConfig, logger *slog.Logger) (TableStore, error) {
	if logger == nil {
		logger = slog.Default()
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Type)) {
	case "", TypeCSV:
		return NewCSVStorage(cfg.DataDir, logger), nil
	case TypeDuckDB:
		return NewDuckDBStorage(cfg.DatabaseURL, logger)
	case TypeMemory:
		return NewMemoryStorage(), nil
	default:
		return nil, NewStorageError("open", "", "", fmt.Errorf("unsupported storage type %q", cfg.Type))
	}
}

// Error types for storage operations

// StorageError represents errors that occur during storage operations.
// Provides structured error information for better error handling and debugging.
type StorageError struct {
	// Operation is the storage operation that failed (e.g., "load", "save")
	Operation string

	// Table is the file or database table involved in the operation
	Table string

	// Query is the SQL query or operation details (may be empty)
	Query string

	// Err is the underlying error that caused the failure
	Err error
}

// Error implements the error interface for StorageError.
func (e *StorageError) Error() string {
	if e.Table != "" {
		return fmt.Sprintf("storage operation %s on %s failed: %v", e.Operation, e.Table, e.Err)
	}
	return fmt.Sprintf("storage operation %s failed: %v", e.Operation, e.Err)
}

// Unwrap returns the underlying error for error chain support.
func (e *StorageError) Unwrap() error {
	return e.Err
}

// NewStorageError creates a new StorageError with the provided details.
func NewStorageError(operation, table, query string, err error) *StorageError {
	return &StorageError{
		Operation: operation,
		Table:     table,
		Query:     query,
		Err:       err,
	}
}

// NewQueryError creates a StorageError for read operations.
func NewQueryError(table, query string, err error) *StorageError {
	return &StorageError{
		Operation: "query",
		Table:     table,
		Query:     query,
		Err:       err,
	}
}

// NewInsertError creates a StorageError for write operations.
func NewInsertError(table string, err error) *StorageError {
	return &StorageError{
		Operation: "insert",
		Table:     table,
		Err:       err,
	}
}
