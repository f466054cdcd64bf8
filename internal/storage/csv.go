package storage

import (
	"bufio"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/johnayoung/go-price-history/internal/models"
)

// Column names of the per-asset CSV file, in write order.
const (
	ColumnSnappedAt   = "snapped_at"
	ColumnPrice       = "price"
	ColumnMarketCap   = "market_cap"
	ColumnTotalVolume = "total_volume"

	csvExtension = ".csv"
	csvFileMode  = 0o644
	dirMode      = 0o755
)

var csvHeader = []string{ColumnSnappedAt, ColumnPrice, ColumnMarketCap, ColumnTotalVolume}

// CSVStorage stores each asset's table in {dataDir}/{symbol}.csv.
type CSVStorage struct {
	dataDir string
	logger  *slog.Logger
}

// NewCSVStorage creates a CSV store rooted at dataDir.
func NewCSVStorage(dataDir string, logger *slog.Logger) *CSVStorage {
	if logger == nil {
		logger = slog.Default()
	}
	if dataDir == "" {
		dataDir = "."
	}
	return &CSVStorage{dataDir: dataDir, logger: logger}
}

// DataDir returns the directory holding the CSV files.
func (s *CSVStorage) DataDir() string {
	return s.dataDir
}

// Path returns the file path of symbol's table.
func (s *CSVStorage) Path(symbol string) string {
	return filepath.Join(s.dataDir, symbol+csvExtension)
}

// Initialize creates the data directory.
func (s *CSVStorage) Initialize(ctx context.Context) error {
	if err := os.MkdirAll(s.dataDir, dirMode); err != nil {
		return NewStorageError("initialize", s.dataDir, "", fmt.Errorf("failed to create data directory: %w", err))
	}
	s.logger.Debug("CSV storage initialized", "data_dir", s.dataDir)
	return nil
}

// Close is a no-op; files are closed after every operation.
func (s *CSVStorage) Close() error {
	return nil
}

// Load implements TableReader.Load.
func (s *CSVStorage) Load(ctx context.Context, symbol string) (models.Table, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	path := s.Path(symbol)
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return models.Table{}, nil
	}
	if err != nil {
		return nil, NewQueryError(path, "", fmt.Errorf("failed to open: %w", err))
	}
	defer f.Close()

	table, skipped, err := readTable(f)
	if err != nil {
		return nil, NewQueryError(path, "", err)
	}
	if skipped > 0 {
		s.logger.Debug("skipped unreadable rows", "path", path, "skipped", skipped)
	}

	return table, nil
}

// Save implements TableWriter.Save. The table is written to a temporary file
// in the data directory which then replaces the target.
func (s *CSVStorage) Save(ctx context.Context, symbol string, table models.Table) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	path := s.Path(symbol)
	tmp, err := os.CreateTemp(s.dataDir, "."+symbol+csvExtension+".tmp-*")
	if err != nil {
		return NewInsertError(path, fmt.Errorf("failed to create temporary file: %w", err))
	}
	tmpPath := tmp.Name()

	committed := false
	defer func() {
		if !committed {
			_ = tmp.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	if err := writeTable(tmp, table); err != nil {
		return NewInsertError(path, err)
	}
	if err := tmp.Sync(); err != nil {
		return NewInsertError(path, fmt.Errorf("failed to sync: %w", err))
	}
	if err := tmp.Close(); err != nil {
		return NewInsertError(path, fmt.Errorf("failed to close temporary file: %w", err))
	}
	if err := os.Chmod(tmpPath, csvFileMode); err != nil {
		return NewInsertError(path, fmt.Errorf("failed to set permissions: %w", err))
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return NewInsertError(path, fmt.Errorf("failed to replace: %w", err))
	}
	committed = true

	s.logger.Debug("saved table", "path", path, "records", len(table))
	return nil
}

// columnIndex maps header names to field positions.
type columnIndex map[string]int

func newColumnIndex(header []string) columnIndex {
	idx := make(columnIndex, len(header))
	for i, name := range header {
		name = strings.TrimSpace(name)
		if i == 0 {
			name = strings.TrimPrefix(name, "\ufeff")
		}
		if _, seen := idx[name]; !seen {
			idx[name] = i
		}
	}
	return idx
}

// field returns the named value of record. ok is false when the column is
// absent from the header or the record is too short to hold it.
func (c columnIndex) field(record []string, name string) (string, bool) {
	i, exists := c[name]
	if !exists || i >= len(record) {
		return "", false
	}
	return record[i], true
}

// readTable parses CSV content, skipping rows that cannot be turned into a
// record. Only I/O failures are returned as errors.
func readTable(r io.Reader) (models.Table, int, error) {
	reader := csv.NewReader(bufio.NewReader(r))
	reader.FieldsPerRecord = -1
	reader.ReuseRecord = false

	table := models.Table{}
	skipped := 0

	var columns columnIndex
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			var parseErr *csv.ParseError
			if errors.As(err, &parseErr) {
				skipped++
				// An unreadable header falls back to the standard column order.
				if columns == nil {
					columns = newColumnIndex(csvHeader)
				}
				continue
			}
			return nil, skipped, fmt.Errorf("failed to read: %w", err)
		}

		if columns == nil {
			columns = newColumnIndex(record)
			continue
		}

		rec, ok := parseRow(columns, record)
		if !ok {
			skipped++
			continue
		}
		table = append(table, rec)
	}

	return table, skipped, nil
}

func parseRow(columns columnIndex, record []string) (models.PriceRecord, bool) {
	snappedAt, ok := columns.field(record, ColumnSnappedAt)
	if !ok {
		return models.PriceRecord{}, false
	}
	rawPrice, ok := columns.field(record, ColumnPrice)
	if !ok {
		return models.PriceRecord{}, false
	}

	date, err := models.ParseSnappedAt(snappedAt)
	if err != nil {
		return models.PriceRecord{}, false
	}
	price, err := strconv.ParseFloat(strings.TrimSpace(rawPrice), 64)
	if err != nil {
		return models.PriceRecord{}, false
	}

	marketCap, _ := columns.field(record, ColumnMarketCap)
	totalVolume, _ := columns.field(record, ColumnTotalVolume)

	return models.PriceRecord{
		SnappedAt:   snappedAt,
		Date:        date,
		Price:       price,
		MarketCap:   models.NormalizeAmount(marketCap),
		TotalVolume: models.NormalizeAmount(totalVolume),
	}, true
}

func writeTable(w io.Writer, table models.Table) error {
	buf := bufio.NewWriter(w)
	writer := csv.NewWriter(buf)

	if err := writer.Write(csvHeader); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}

	row := make([]string, len(csvHeader))
	for _, rec := range table {
		row[0] = rec.SnappedAt
		if row[0] == "" {
			row[0] = string(rec.Date) + " 00:00:00 UTC"
		}
		row[1] = models.FormatPrice(rec.Price)
		row[2] = models.NormalizeAmount(rec.MarketCap)
		row[3] = models.NormalizeAmount(rec.TotalVolume)

		if err := writer.Write(row); err != nil {
			return fmt.Errorf("failed to write record %s: %w", rec.Date, err)
		}
	}

	writer.Flush()
	if err := writer.Error(); err != nil {
		return fmt.Errorf("failed to flush: %w", err)
	}
	if err := buf.Flush(); err != nil {
		return fmt.Errorf("failed to flush: %w", err)
	}
	return nil
}

var _ TableStore = (*CSVStorage)(nil)
