package storage

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/johnayoung/go-price-history/internal/models"
)

// ErrStorageClosed is returned by operations on a closed store.
var ErrStorageClosed = errors.New("storage is closed")

// MemoryStorage keeps tables in process memory. It stores and returns copies
// so callers never share backing arrays with the store.
type MemoryStorage struct {
	mu sync.RWMutex

	// Table storage: map[symbol] -> Table
	tables map[string]models.Table

	// Write counters per symbol, used by tests to assert storage was untouched
	saves map[string]int

	// Lifecycle state
	initialized bool
	closed      bool
}

// NewMemoryStorage creates a new in-memory storage instance.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		tables: make(map[string]models.Table),
		saves:  make(map[string]int),
	}
}

// Initialize prepares the memory storage for operation.
func (m *MemoryStorage) Initialize(ctx context.Context) error {
	if ctx.Err() != nil {
		return NewStorageError("initialize", "", "", ctx.Err())
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return NewStorageError("initialize", "", "", ErrStorageClosed)
	}

	m.initialized = true
	return nil
}

// Close shuts down the memory storage. Calling it twice is not an error.
func (m *MemoryStorage) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	return nil
}

// Load implements TableReader.Load.
func (m *MemoryStorage) Load(ctx context.Context, symbol string) (models.Table, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, NewQueryError(symbol, "", ErrStorageClosed)
	}

	table, ok := m.tables[symbol]
	if !ok {
		return models.Table{}, nil
	}
	return table.Clone(), nil
}

// Save implements TableWriter.Save.
func (m *MemoryStorage) Save(ctx context.Context, symbol string, table models.Table) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return NewInsertError(symbol, ErrStorageClosed)
	}

	stored := table.Clone()
	if stored == nil {
		stored = models.Table{}
	}
	m.tables[symbol] = stored
	m.saves[symbol]++
	return nil
}

// Put seeds the store without counting a save.
func (m *MemoryStorage) Put(symbol string, table models.Table) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tables[symbol] = table.Clone()
}

// SaveCount returns how many times Save succeeded for symbol.
func (m *MemoryStorage) SaveCount(symbol string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.saves[symbol]
}

// Symbols returns the stored symbols in lexical order.
func (m *MemoryStorage) Symbols() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	symbols := make([]string, 0, len(m.tables))
	for symbol := range m.tables {
		symbols = append(symbols, symbol)
	}
	sort.Strings(symbols)
	return symbols
}

var _ TableStore = (*MemoryStorage)(nil)
