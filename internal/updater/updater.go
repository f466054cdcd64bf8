// Package updater runs one pass over the configured assets: for each asset it
// loads the stored table, fetches the trailing price history, merges the two
// and writes the result back.
//
// Assets are processed one at a time in configuration order. Remote calls are
// paced by a rate limiter. A failed or empty fetch skips only that asset and
// leaves its stored table untouched; a storage failure stops the run.
package updater

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	apperrors "github.com/johnayoung/go-price-history/internal/errors"
	"github.com/johnayoung/go-price-history/internal/gaps"
	"github.com/johnayoung/go-price-history/internal/logger"
	"github.com/johnayoung/go-price-history/internal/marketdata"
	"github.com/johnayoung/go-price-history/internal/merge"
	"github.com/johnayoung/go-price-history/internal/metrics"
	"github.com/johnayoung/go-price-history/internal/models"
	"github.com/johnayoung/go-price-history/internal/storage"
)

// DefaultRequestDelay is the minimum spacing between the starts of two remote
// calls. A fetch that takes longer than the delay is followed immediately by
// the next one.
const DefaultRequestDelay = 2 * time.Second

const component = "updater"

// Store is the storage the updater reads from and writes to.
type Store interface {
	storage.TableReader
	storage.TableWriter
}

// Config configures the updater behavior
type Config struct {
	// Assets are processed in this order.
	Assets []models.Asset

	// RequestDelay is the minimum time between the starts of consecutive
	// fetches. Zero disables pacing.
	RequestDelay time.Duration

	// Policy decides how colliding days are merged.
	Policy merge.Policy
}

// Outcome is the result of processing one asset.
type Outcome string

const (
	OutcomeUpdated Outcome = "updated" // merged table written
	OutcomeSkipped Outcome = "skipped" // source returned no prices
	OutcomeFailed  Outcome = "failed"  // fetch or storage failed
)

// AssetResult describes what happened to one asset.
type AssetResult struct {
	Symbol   string        `json:"symbol"`
	RemoteID string        `json:"remote_id"`
	Outcome  Outcome       `json:"outcome"`
	Loaded   int           `json:"loaded"`
	Fetched  int           `json:"fetched"`
	Merged   int           `json:"merged"`
	Added    int           `json:"added"`
	Replaced int           `json:"replaced"`
	Missing  int           `json:"missing_days"`
	Duration time.Duration `json:"duration_ns"`
	Err      error         `json:"-"`
}

// Report summarises a run.
type Report struct {
	RunID      string        `json:"run_id"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
	Assets     []AssetResult `json:"assets"`
}

// Updated returns how many assets had their table rewritten.
func (r *Report) Updated() int {
	return r.count(OutcomeUpdated)
}

// Skipped returns how many assets were left untouched because the source had no data.
func (r *Report) Skipped() int {
	return r.count(OutcomeSkipped)
}

// Failed returns how many assets could not be updated.
func (r *Report) Failed() int {
	return r.count(OutcomeFailed)
}

// Duration returns the wall time of the run.
func (r *Report) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

func (r *Report) count(outcome Outcome) int {
	n := 0
	for _, a := range r.Assets {
		if a.Outcome == outcome {
			n++
		}
	}
	return n
}

// Updater orchestrates the per-asset update cycle.
type Updater struct {
	assets  []models.Asset
	store   Store
	fetcher marketdata.Fetcher
	pacer   *rate.Limiter
	policy  merge.Policy
	logger  *logger.ComponentLogger
	metrics *metrics.RunMetrics
}

// New creates an Updater. The asset list is copied so later changes by the
// caller have no effect.
func New(cfg Config, store Store, fetcher marketdata.Fetcher, log *logger.ComponentLogger, m *metrics.RunMetrics) (*Updater, error) {
	if store == nil {
		return nil, errors.New("store is required")
	}
	if fetcher == nil {
		return nil, errors.New("fetcher is required")
	}
	if cfg.RequestDelay < 0 {
		return nil, fmt.Errorf("request delay cannot be negative: %s", cfg.RequestDelay)
	}

	seen := make(map[string]struct{}, len(cfg.Assets))
	for _, asset := range cfg.Assets {
		if err := asset.Validate(); err != nil {
			return nil, fmt.Errorf("invalid asset: %w", err)
		}
		if _, dup := seen[asset.Symbol]; dup {
			return nil, fmt.Errorf("duplicate asset symbol %q", asset.Symbol)
		}
		seen[asset.Symbol] = struct{}{}
	}

	if log == nil {
		log = logger.NewComponentLogger(nil, component)
	}
	if m == nil {
		m = metrics.NewRunMetrics()
	}

	return &Updater{
		assets:  append([]models.Asset(nil), cfg.Assets...),
		store:   store,
		fetcher: fetcher,
		pacer:   newPacer(cfg.RequestDelay),
		policy:  cfg.Policy,
		logger:  log,
		metrics: m,
	}, nil
}

// newPacer allows one call immediately and then one per delay.
func newPacer(delay time.Duration) *rate.Limiter {
	if delay <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Every(delay), 1)
}

// Assets returns the configured assets in processing order.
func (u *Updater) Assets() []models.Asset {
	return append([]models.Asset(nil), u.assets...)
}

// Run processes every asset once. It returns a non-nil error only when the
// run could not complete: a storage failure or cancellation. The report is
// always returned and covers the assets processed so far.
func (u *Updater) Run(ctx context.Context) (*Report, error) {
	runID := logger.GetRunID(ctx)
	if runID == "" {
		runID = logger.NewRunID()
		ctx = logger.WithRunID(ctx, runID)
	}

	report := &Report{
		RunID:     runID,
		StartedAt: time.Now().UTC(),
		Assets:    make([]AssetResult, 0, len(u.assets)),
	}

	u.logger.InfoWithContext(ctx, "starting price history update",
		"assets", len(u.assets),
		"policy", u.policy.String())

	for _, asset := range u.assets {
		if err := ctx.Err(); err != nil {
			report.FinishedAt = time.Now().UTC()
			u.logger.WarnWithContext(ctx, "update interrupted", "error", err)
			return report, err
		}

		result, err := u.updateAsset(logger.WithAsset(ctx, asset.Symbol), asset)
		report.Assets = append(report.Assets, result)
		if err != nil {
			report.FinishedAt = time.Now().UTC()
			u.logger.ErrorWithContext(ctx, "update aborted", err, "asset", asset.Symbol)
			return report, err
		}
	}

	report.FinishedAt = time.Now().UTC()
	u.logger.InfoWithContext(ctx, "update complete",
		"updated", report.Updated(),
		"skipped", report.Skipped(),
		"failed", report.Failed(),
		"duration", report.Duration())

	return report, nil
}

// updateAsset runs load, fetch, merge and save for one asset. The returned
// error is fatal for the run; fetch problems are reported in the result only.
func (u *Updater) updateAsset(ctx context.Context, asset models.Asset) (AssetResult, error) {
	start := time.Now()
	result := AssetResult{Symbol: asset.Symbol, RemoteID: asset.RemoteID}
	finish := func(outcome Outcome, err error) AssetResult {
		result.Outcome = outcome
		result.Err = err
		result.Duration = time.Since(start)
		return result
	}

	u.logger.InfoWithContext(ctx, "updating asset", "remote_id", asset.RemoteID)

	var existing models.Table
	err := u.metrics.Time(metrics.StageLoad, func() error {
		var err error
		existing, err = u.store.Load(ctx, asset.Symbol)
		return err
	})
	if err != nil {
		u.metrics.AssetFailed()
		fatal := storageFailure(err, "load", asset)
		return finish(OutcomeFailed, fatal), fatal
	}
	result.Loaded = len(existing)
	u.metrics.RecordsLoaded(len(existing))
	u.logger.InfoWithContext(ctx, "loaded existing records", "count", len(existing))

	if err := u.pacer.Wait(ctx); err != nil {
		u.metrics.AssetFailed()
		return finish(OutcomeFailed, err), err
	}

	fetchStart := time.Now()
	fetched := u.fetcher.Fetch(ctx, asset)
	u.metrics.RecordDuration(metrics.StageFetch, time.Since(fetchStart))
	result.Fetched = len(fetched.Samples)
	u.metrics.RecordsFetched(len(fetched.Samples))
	u.logger.InfoWithContext(ctx, "fetched records from source",
		"count", len(fetched.Samples),
		"status", fetched.Status.String())

	if !fetched.HasData() {
		u.logger.WarnWithContext(ctx, "skipping asset, no new data", "reason", fetched.Reason())
		if fetched.Status == marketdata.FetchFailed {
			errorType := apperrors.ErrorTypeUnknown
			var fetchErr error = errors.New(fetched.Reason())
			if fetched.Err != nil {
				errorType = fetched.Err.Type
				fetchErr = fetched.Err
			}
			u.metrics.FetchFailed(string(errorType))
			u.metrics.AssetFailed()
			return finish(OutcomeFailed, fetchErr), nil
		}
		u.metrics.AssetSkipped()
		return finish(OutcomeSkipped, nil), nil
	}

	mergeStart := time.Now()
	merged, stats := merge.MergeWithStats(existing, fetched.Records(), u.policy)
	u.metrics.RecordDuration(metrics.StageMerge, time.Since(mergeStart))
	result.Merged = len(merged)
	result.Added = stats.Added
	result.Replaced = stats.Replaced
	u.metrics.RecordsAdded(stats.Added)
	u.logger.InfoWithContext(ctx, "merged records",
		"total", stats.Total,
		"added", stats.Added,
		"replaced", stats.Replaced)

	if continuity, err := gaps.Detect(merged); err == nil && !continuity.Continuous() {
		result.Missing = continuity.MissingDays
		u.logger.WarnWithContext(ctx, "history has missing days",
			"missing_days", continuity.MissingDays,
			"gaps", len(continuity.Gaps),
			"first_gap", continuity.Gaps[0].String())
	}

	err = u.metrics.Time(metrics.StageSave, func() error {
		return u.store.Save(ctx, asset.Symbol, merged)
	})
	if err != nil {
		u.metrics.AssetFailed()
		fatal := storageFailure(err, "save", asset)
		return finish(OutcomeFailed, fatal), fatal
	}
	u.metrics.RecordsWritten(len(merged))
	u.metrics.AssetUpdated()
	u.logger.InfoWithContext(ctx, "saved records", "count", len(merged))

	return finish(OutcomeUpdated, nil), nil
}

// storageFailure marks a storage error as fatal. Cancellation keeps its
// own classification.
func storageFailure(err error, operation string, asset models.Asset) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return &apperrors.ClassifiedError{
		Err:       err,
		Type:      apperrors.ErrorTypeStorage,
		Severity:  apperrors.SeverityCritical,
		Component: component,
		Operation: operation,
		Context:   map[string]interface{}{"asset": asset.Symbol},
		Timestamp: time.Now(),
	}
}
