// Package merge combines a stored price table with freshly fetched records.
//
// The result holds exactly one record per calendar day, covering every day
// present in either input, in ascending day order. On a collision the
// fetched record wins.
package merge

import (
	"fmt"
	"sort"

	"github.com/johnayoung/go-price-history/internal/models"
)

// Policy decides what happens to market cap and volume when a fetched record
// replaces a stored one.
type Policy int

const (
	// PolicyOverwrite resets market cap and volume to the default amount,
	// as the fetched record carries neither.
	PolicyOverwrite Policy = iota

	// PolicyPreserveMarketData keeps non-default stored market cap and
	// volume values for the colliding day.
	PolicyPreserveMarketData
)

// String returns the string representation of the policy
func (p Policy) String() string {
	switch p {
	case PolicyOverwrite:
		return "overwrite"
	case PolicyPreserveMarketData:
		return "preserve_market_data"
	default:
		return fmt.Sprintf("policy(%d)", int(p))
	}
}

// PolicyFor returns the policy selected by the preserve-market-data switch.
func PolicyFor(preserveMarketData bool) Policy {
	if preserveMarketData {
		return PolicyPreserveMarketData
	}
	return PolicyOverwrite
}

// Stats describes what a merge did.
type Stats struct {
	Existing int `json:"existing"` // records in the stored table
	Fetched  int `json:"fetched"`  // records supplied by the source
	Added    int `json:"added"`    // days not present before
	Replaced int `json:"replaced"` // stored days overwritten by fetched records
	Total    int `json:"total"`    // records in the result
}

// Merge returns the union of existing and fetched keyed by day.
// Inputs are not modified and need not be sorted.
func Merge(existing models.Table, fetched []models.PriceRecord, policy Policy) models.Table {
	merged, _ := MergeWithStats(existing, fetched, policy)
	return merged
}

// MergeWithStats is Merge that also reports counts.
//
// Duplicate days within existing or within fetched resolve to the last
// occurrence. Stats count distinct days.
func MergeWithStats(existing models.Table, fetched []models.PriceRecord, policy Policy) (models.Table, Stats) {
	stored := make(map[models.DateKey]models.PriceRecord, len(existing))
	for _, rec := range existing {
		rec.MarketCap = models.NormalizeAmount(rec.MarketCap)
		rec.TotalVolume = models.NormalizeAmount(rec.TotalVolume)
		stored[rec.Date] = rec
	}
	stats := Stats{Existing: len(stored)}

	byDate := make(map[models.DateKey]models.PriceRecord, len(stored)+len(fetched))
	for date, rec := range stored {
		byDate[date] = rec
	}

	seen := make(map[models.DateKey]struct{}, len(fetched))
	for _, rec := range fetched {
		incoming := fetchedRecord(rec)

		prior, collides := stored[rec.Date]
		if _, dup := seen[rec.Date]; !dup {
			seen[rec.Date] = struct{}{}
			if collides {
				stats.Replaced++
			} else {
				stats.Added++
			}
		}

		if collides && policy == PolicyPreserveMarketData {
			if !models.IsDefaultAmount(prior.MarketCap) {
				incoming.MarketCap = prior.MarketCap
			}
			if !models.IsDefaultAmount(prior.TotalVolume) {
				incoming.TotalVolume = prior.TotalVolume
			}
		}

		byDate[rec.Date] = incoming
	}
	stats.Fetched = len(seen)

	dates := make([]models.DateKey, 0, len(byDate))
	for date := range byDate {
		dates = append(dates, date)
	}
	sort.Slice(dates, func(i, j int) bool { return dates[i] < dates[j] })

	merged := make(models.Table, 0, len(dates))
	for _, date := range dates {
		merged = append(merged, byDate[date])
	}
	stats.Total = len(merged)

	return merged, stats
}

// fetchedRecord normalizes a source record: the source supplies no market
// cap or volume, so both take the default amount.
func fetchedRecord(rec models.PriceRecord) models.PriceRecord {
	rec.MarketCap = models.DefaultAmount
	rec.TotalVolume = models.DefaultAmount
	if rec.SnappedAt == "" {
		rec.SnappedAt = string(rec.Date) + " 00:00:00 UTC"
	}
	return rec
}
