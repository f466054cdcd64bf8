// Package models provides the data structures shared by the price history updater:
// daily price records, per-asset tables, and the asset identifier mapping.
package models

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const (
	// DateKeyLayout is the layout of a DateKey.
	DateKeyLayout = "2006-01-02"

	// SnappedAtLayout is the display layout written to the snapped_at column.
	SnappedAtLayout = "2006-01-02 00:00:00 UTC"

	// DefaultAmount is stored for market cap and volume when they are unknown.
	DefaultAmount = "0"
)

// DateKey is a UTC calendar day in YYYY-MM-DD form.
// Lexical order of DateKeys is chronological order.
type DateKey string

// DateKeyOf returns the UTC calendar day of t.
func DateKeyOf(t time.Time) DateKey {
	return DateKey(t.UTC().Format(DateKeyLayout))
}

// Time returns midnight UTC of the day.
func (k DateKey) Time() (time.Time, error) {
	return time.ParseInLocation(DateKeyLayout, string(k), time.UTC)
}

func (k DateKey) String() string {
	return string(k)
}

// ParseSnappedAt extracts the date key from a stored snapped_at value.
// Only the text before the first space is significant, so both
// "2024-01-02 00:00:00 UTC" and "2024-01-02" are accepted.
func ParseSnappedAt(snappedAt string) (DateKey, error) {
	datePart := strings.TrimSpace(snappedAt)
	if i := strings.IndexByte(datePart, ' '); i >= 0 {
		datePart = datePart[:i]
	}
	if datePart == "" {
		return "", &ValidationError{Field: "snapped_at", Message: "empty date"}
	}

	t, err := time.ParseInLocation(DateKeyLayout, datePart, time.UTC)
	if err != nil {
		return "", &ValidationError{Field: "snapped_at", Message: fmt.Sprintf("malformed date %q: %v", snappedAt, err)}
	}
	return DateKeyOf(t), nil
}

// FormatSnappedAt renders t as a snapped_at display value for its UTC day.
func FormatSnappedAt(t time.Time) string {
	return t.UTC().Format(SnappedAtLayout)
}

// FormatPrice renders a price with the shortest decimal representation that
// round-trips to the same float64. NaN and infinities, which decimal cannot
// hold, are written in the form strconv.ParseFloat reads back.
func FormatPrice(price float64) string {
	if math.IsNaN(price) || math.IsInf(price, 0) {
		return strconv.FormatFloat(price, 'g', -1, 64)
	}
	return decimal.NewFromFloat(price).String()
}

// NormalizeAmount returns the canonical form of a market cap or volume value:
// surrounding whitespace is dropped and an empty value becomes DefaultAmount.
func NormalizeAmount(amount string) string {
	amount = strings.TrimSpace(amount)
	if amount == "" {
		return DefaultAmount
	}
	return amount
}

// IsDefaultAmount reports whether amount carries no information,
// i.e. it is empty or numerically zero.
func IsDefaultAmount(amount string) bool {
	amount = strings.TrimSpace(amount)
	if amount == "" {
		return true
	}
	d, err := decimal.NewFromString(amount)
	if err != nil {
		return amount == DefaultAmount
	}
	return d.IsZero()
}

// PriceRecord is one daily price point of an asset.
type PriceRecord struct {
	// SnappedAt is the display form of the day as read from storage or
	// produced by FormatSnappedAt.
	SnappedAt   string  `json:"snapped_at" db:"snapped_at"`
	Date        DateKey `json:"date" db:"day"`
	Price       float64 `json:"price" db:"price"`
	MarketCap   string  `json:"market_cap" db:"market_cap"`
	TotalVolume string  `json:"total_volume" db:"total_volume"`
}

// NewPriceRecord builds a record for the UTC day of t with default amounts.
func NewPriceRecord(t time.Time, price float64) PriceRecord {
	return PriceRecord{
		SnappedAt:   FormatSnappedAt(t),
		Date:        DateKeyOf(t),
		Price:       price,
		MarketCap:   DefaultAmount,
		TotalVolume: DefaultAmount,
	}
}

// String returns a compact representation used in log lines and test failures.
func (r PriceRecord) String() string {
	return fmt.Sprintf("PriceRecord{%s price=%s market_cap=%s total_volume=%s}",
		r.Date, FormatPrice(r.Price), r.MarketCap, r.TotalVolume)
}

// Sample is a single (timestamp, price) pair returned by the market data source.
type Sample struct {
	Timestamp time.Time `json:"timestamp"`
	Price     float64   `json:"price"`
}

// Record converts the sample into a PriceRecord. The source does not supply
// market cap or volume, so both are DefaultAmount.
func (s Sample) Record() PriceRecord {
	return NewPriceRecord(s.Timestamp, s.Price)
}

// Records converts samples into price records preserving their order.
func Records(samples []Sample) []PriceRecord {
	records := make([]PriceRecord, 0, len(samples))
	for _, s := range samples {
		records = append(records, s.Record())
	}
	return records
}

// ValidationError represents a record validation error with specific field context.
type ValidationError struct {
	Field   string // Field is the name of the field that failed validation
	Message string
}

// Error implements the error interface for ValidationError.
func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error for field %s: %s", e.Field, e.Message)
}
