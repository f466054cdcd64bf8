package models

import (
	"fmt"
	"sort"
	"strings"
)

// Table is the ordered price history of one asset.
// A valid table holds at most one record per DateKey, ascending by DateKey.
type Table []PriceRecord

// Len returns the number of records.
func (t Table) Len() int {
	return len(t)
}

// IsSorted reports whether records are strictly ascending by date,
// which implies uniqueness.
func (t Table) IsSorted() bool {
	for i := 1; i < len(t); i++ {
		if t[i-1].Date >= t[i].Date {
			return false
		}
	}
	return true
}

// Validate returns an error describing the first ordering or uniqueness violation.
func (t Table) Validate() error {
	for i := 1; i < len(t); i++ {
		prev, cur := t[i-1].Date, t[i].Date
		switch {
		case prev == cur:
			return &ValidationError{Field: "date", Message: fmt.Sprintf("duplicate date %s at index %d", cur, i)}
		case prev > cur:
			return &ValidationError{Field: "date", Message: fmt.Sprintf("date %s at index %d precedes %s", cur, i, prev)}
		}
	}
	return nil
}

// DateRange returns the first and last date of the table.
// ok is false for an empty table.
func (t Table) DateRange() (first, last DateKey, ok bool) {
	if len(t) == 0 {
		return "", "", false
	}
	return t[0].Date, t[len(t)-1].Date, true
}

// Find returns the record for the given day using binary search.
// The table must be sorted.
func (t Table) Find(date DateKey) (PriceRecord, bool) {
	i := sort.Search(len(t), func(i int) bool { return t[i].Date >= date })
	if i < len(t) && t[i].Date == date {
		return t[i], true
	}
	return PriceRecord{}, false
}

// Clone returns a copy that shares no backing array with t.
func (t Table) Clone() Table {
	if t == nil {
		return nil
	}
	out := make(Table, len(t))
	copy(out, t)
	return out
}

// Asset is one entry of the asset identifier mapping: the local symbol used
// for storage and the identifier expected by the market data source.
type Asset struct {
	Symbol   string `json:"symbol"`
	RemoteID string `json:"remote_id"`
}

// Validate checks that both identifiers are present and the symbol is usable
// as a file name.
func (a Asset) Validate() error {
	if strings.TrimSpace(a.Symbol) == "" {
		return &ValidationError{Field: "symbol", Message: "asset symbol cannot be empty"}
	}
	if strings.ContainsAny(a.Symbol, `/\`) || a.Symbol == "." || a.Symbol == ".." {
		return &ValidationError{Field: "symbol", Message: fmt.Sprintf("asset symbol %q is not a valid file name", a.Symbol)}
	}
	if strings.TrimSpace(a.RemoteID) == "" {
		return &ValidationError{Field: "remote_id", Message: fmt.Sprintf("remote id for %s cannot be empty", a.Symbol)}
	}
	return nil
}

func (a Asset) String() string {
	if a.Symbol == a.RemoteID {
		return a.Symbol
	}
	return a.Symbol + "(" + a.RemoteID + ")"
}
