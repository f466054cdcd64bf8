// Package marketdata defines the remote price source used by the updater and
// its CoinGecko implementation.
//
// A fetch never returns a Go error. Failures are reported through FetchResult so
// that callers can tell "no data available" apart from "request failed" without
// treating either as a reason to abort the run.
package marketdata

import (
	"context"
	"time"

	apperrors "github.com/johnayoung/go-price-history/internal/errors"
	"github.com/johnayoung/go-price-history/internal/models"
)

// Fetcher retrieves the trailing daily price history of one asset.
type Fetcher interface {
	// Fetch performs exactly one outbound request for the asset's remote
	// identifier. It does not retry.
	Fetch(ctx context.Context, asset models.Asset) FetchResult
}

// FetchStatus is the outcome of a fetch.
type FetchStatus int

const (
	// FetchOK means the request succeeded and returned at least one sample.
	FetchOK FetchStatus = iota
	// FetchEmpty means the request succeeded but the source had no samples.
	FetchEmpty
	// FetchFailed means the request failed; Err holds the reason.
	FetchFailed
)

// String returns the string representation of the status
func (s FetchStatus) String() string {
	switch s {
	case FetchOK:
		return "ok"
	case FetchEmpty:
		return "empty"
	case FetchFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// FetchResult is the outcome of a single Fetch call.
type FetchResult struct {
	Asset    models.Asset
	Status   FetchStatus
	Samples  []models.Sample
	Err      *apperrors.ClassifiedError
	Duration time.Duration
}

// HasData reports whether the result carries samples that can be merged.
func (r FetchResult) HasData() bool {
	return r.Status == FetchOK && len(r.Samples) > 0
}

// Records converts the samples into price records.
func (r FetchResult) Records() []models.PriceRecord {
	return models.Records(r.Samples)
}

// Reason returns a short description of why the result has no data.
func (r FetchResult) Reason() string {
	switch r.Status {
	case FetchEmpty:
		return "source returned no prices"
	case FetchFailed:
		if r.Err != nil {
			return r.Err.Error()
		}
		return "fetch failed"
	default:
		return ""
	}
}

// Succeeded builds a result from samples, choosing FetchOK or FetchEmpty.
func Succeeded(asset models.Asset, samples []models.Sample, d time.Duration) FetchResult {
	status := FetchOK
	if len(samples) == 0 {
		status = FetchEmpty
	}
	return FetchResult{Asset: asset, Status: status, Samples: samples, Duration: d}
}

// Failed builds a failed result.
func Failed(asset models.Asset, err *apperrors.ClassifiedError, d time.Duration) FetchResult {
	return FetchResult{Asset: asset, Status: FetchFailed, Err: err, Duration: d}
}

// FetchFunc adapts an ordinary function to the Fetcher interface.
type FetchFunc func(ctx context.Context, asset models.Asset) FetchResult

// Fetch calls f(ctx, asset).
func (f FetchFunc) Fetch(ctx context.Context, asset models.Asset) FetchResult {
	return f(ctx, asset)
}
