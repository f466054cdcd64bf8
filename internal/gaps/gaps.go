// Package gaps finds missing calendar days in a daily price table.
//
// The source returns a trailing window only, so days that fell out of the
// window before the table was first written can never be recovered. Gaps are
// reported so operators can see how continuous a stored history is; nothing
// is backfilled.
package gaps

import (
	"fmt"
	"time"

	"github.com/johnayoung/go-price-history/internal/models"
)

const day = 24 * time.Hour

// Gap is a run of consecutive missing days between two stored records.
type Gap struct {
	// Start is the first missing day.
	Start models.DateKey `json:"start"`
	// End is the last missing day.
	End models.DateKey `json:"end"`
	// Days is the number of missing days, always at least one.
	Days int `json:"days"`
}

func (g Gap) String() string {
	if g.Days == 1 {
		return g.Start.String()
	}
	return fmt.Sprintf("%s..%s (%d days)", g.Start, g.End, g.Days)
}

// Report summarises the continuity of one table.
type Report struct {
	First       models.DateKey `json:"first,omitempty"`
	Last        models.DateKey `json:"last,omitempty"`
	Records     int            `json:"records"`
	MissingDays int            `json:"missing_days"`
	Gaps        []Gap          `json:"gaps,omitempty"`
}

// Continuous reports whether every day between First and Last is present.
func (r Report) Continuous() bool {
	return r.MissingDays == 0
}

// Detect scans a sorted table for missing days between its first and last
// record. Records whose date cannot be parsed are ignored. An unsorted table
// is an error because gaps are only meaningful over an ordered sequence.
func Detect(table models.Table) (Report, error) {
	if !table.IsSorted() {
		return Report{}, fmt.Errorf("table is not sorted by date")
	}

	report := Report{Records: len(table)}
	first, last, ok := table.DateRange()
	if !ok {
		return report, nil
	}
	report.First, report.Last = first, last

	var prev time.Time
	havePrev := false
	for _, rec := range table {
		current, err := rec.Date.Time()
		if err != nil {
			continue
		}
		if havePrev {
			if missing := int(current.Sub(prev)/day) - 1; missing > 0 {
				report.Gaps = append(report.Gaps, Gap{
					Start: models.DateKeyOf(prev.Add(day)),
					End:   models.DateKeyOf(current.Add(-day)),
					Days:  missing,
				})
				report.MissingDays += missing
			}
		}
		prev, havePrev = current, true
	}

	return report, nil
}
