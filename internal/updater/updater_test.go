package updater

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	apperrors "github.com/johnayoung/go-price-history/internal/errors"
	"github.com/johnayoung/go-price-history/internal/logger"
	"github.com/johnayoung/go-price-history/internal/marketdata"
	"github.com/johnayoung/go-price-history/internal/merge"
	"github.com/johnayoung/go-price-history/internal/metrics"
	"github.com/johnayoung/go-price-history/internal/models"
	"github.com/johnayoung/go-price-history/internal/storage"
)

var (
	bitcoin = models.Asset{Symbol: "bitcoin", RemoteID: "bitcoin"}
	xrp     = models.Asset{Symbol: "xrp", RemoteID: "ripple"}
	bnb     = models.Asset{Symbol: "bnb", RemoteID: "binancecoin"}

	day0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
)

// MockFetcher is a testify mock of marketdata.Fetcher
type MockFetcher struct {
	mock.Mock
}

func (m *MockFetcher) Fetch(ctx context.Context, asset models.Asset) marketdata.FetchResult {
	args := m.Called(ctx, asset)
	return args.Get(0).(marketdata.FetchResult)
}

// MockStore is a testify mock of Store
type MockStore struct {
	mock.Mock
}

func (m *MockStore) Load(ctx context.Context, symbol string) (models.Table, error) {
	args := m.Called(ctx, symbol)
	table, _ := args.Get(0).(models.Table)
	return table, args.Error(1)
}

func (m *MockStore) Save(ctx context.Context, symbol string, table models.Table) error {
	args := m.Called(ctx, symbol, table)
	return args.Error(0)
}

func createTestLogger() *logger.ComponentLogger {
	return logger.NewComponentLogger(slog.New(slog.NewTextHandler(io.Discard, nil)), component)
}

func samples(offsets []int, basePrice float64) []models.Sample {
	out := make([]models.Sample, 0, len(offsets))
	for i, off := range offsets {
		out = append(out, models.Sample{Timestamp: day0.AddDate(0, 0, off).Add(13 * time.Hour), Price: basePrice + float64(i)})
	}
	return out
}

func table(offsets []int, basePrice float64) models.Table {
	out := make(models.Table, 0, len(offsets))
	for i, off := range offsets {
		rec := models.NewPriceRecord(day0.AddDate(0, 0, off), basePrice+float64(i))
		rec.MarketCap = "1000"
		rec.TotalVolume = "50"
		out = append(out, rec)
	}
	return out
}

func failure(asset models.Asset, errorType apperrors.ErrorType) marketdata.FetchResult {
	return marketdata.Failed(asset, &apperrors.ClassifiedError{
		Err:       errors.New("boom"),
		Type:      errorType,
		Severity:  apperrors.SeverityLow,
		Component: "marketdata",
		Operation: "fetch_market_chart",
	}, 0)
}

func newTestUpdater(t *testing.T, assets []models.Asset, store Store, fetcher marketdata.Fetcher, m *metrics.RunMetrics) *Updater {
	t.Helper()
	u, err := New(Config{Assets: assets}, store, fetcher, createTestLogger(), m)
	require.NoError(t, err)
	return u
}

func TestNew(t *testing.T) {
	store := storage.NewMemoryStorage()
	fetcher := &MockFetcher{}

	tests := []struct {
		name    string
		cfg     Config
		store   Store
		fetcher marketdata.Fetcher
		errMsg  string
	}{
		{name: "valid", cfg: Config{Assets: []models.Asset{bitcoin, xrp}}, store: store, fetcher: fetcher},
		{name: "no assets", cfg: Config{}, store: store, fetcher: fetcher},
		{name: "missing store", cfg: Config{}, fetcher: fetcher, errMsg: "store is required"},
		{name: "missing fetcher", cfg: Config{}, store: store, errMsg: "fetcher is required"},
		{name: "negative delay", cfg: Config{RequestDelay: -time.Second}, store: store, fetcher: fetcher, errMsg: "negative"},
		{name: "invalid asset", cfg: Config{Assets: []models.Asset{{Symbol: "../etc", RemoteID: "x"}}}, store: store, fetcher: fetcher, errMsg: "invalid asset"},
		{name: "duplicate symbol", cfg: Config{Assets: []models.Asset{bitcoin, bitcoin}}, store: store, fetcher: fetcher, errMsg: "duplicate"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u, err := New(tt.cfg, tt.store, tt.fetcher, nil, nil)
			if tt.errMsg != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errMsg)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.cfg.Assets, u.Assets())
		})
	}
}

func TestNew_CopiesAssets(t *testing.T) {
	assets := []models.Asset{bitcoin, xrp}
	u := newTestUpdater(t, assets, storage.NewMemoryStorage(), &MockFetcher{}, nil)

	assets[0] = bnb

	assert.Equal(t, bitcoin, u.Assets()[0])
}

func TestRun_UpdatesInOrder(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStorage()
	store.Put("bitcoin", table([]int{0, 1, 2}, 100))

	var order []string
	fetcher := &MockFetcher{}
	fetcher.On("Fetch", mock.Anything, bitcoin).
		Run(func(args mock.Arguments) { order = append(order, "bitcoin") }).
		Return(marketdata.Succeeded(bitcoin, samples([]int{2, 3}, 200), 0)).Once()
	fetcher.On("Fetch", mock.Anything, xrp).
		Run(func(args mock.Arguments) { order = append(order, "ripple") }).
		Return(marketdata.Succeeded(xrp, samples([]int{0}, 0.5), 0)).Once()

	m := metrics.NewRunMetrics()
	u := newTestUpdater(t, []models.Asset{bitcoin, xrp}, store, fetcher, m)

	report, err := u.Run(ctx)

	require.NoError(t, err)
	fetcher.AssertExpectations(t)
	assert.Equal(t, []string{"bitcoin", "ripple"}, order)

	require.Len(t, report.Assets, 2)
	assert.NotEmpty(t, report.RunID)
	assert.Equal(t, 2, report.Updated())
	assert.Zero(t, report.Skipped())
	assert.False(t, report.FinishedAt.Before(report.StartedAt))

	btc := report.Assets[0]
	assert.Equal(t, OutcomeUpdated, btc.Outcome)
	assert.Equal(t, 3, btc.Loaded)
	assert.Equal(t, 2, btc.Fetched)
	assert.Equal(t, 4, btc.Merged)
	assert.Equal(t, 1, btc.Added)
	assert.Equal(t, 1, btc.Replaced)

	saved, err := store.Load(ctx, "bitcoin")
	require.NoError(t, err)
	require.Len(t, saved, 4)
	assert.True(t, saved.IsSorted())
	assert.Equal(t, "1000", saved[1].MarketCap, "untouched day keeps market data")
	assert.Equal(t, 200.0, saved[2].Price, "fetched price wins")
	assert.Equal(t, "0", saved[2].MarketCap)
	assert.Equal(t, "2024-01-04 00:00:00 UTC", saved[3].SnappedAt)

	s := m.Snapshot()
	assert.Equal(t, int64(2), s.AssetsUpdated)
	assert.Equal(t, int64(3), s.RecordsLoaded)
	assert.Equal(t, int64(5), s.RecordsWritten)
}

func TestRun_EmptyFetchLeavesFileUntouched(t *testing.T) {
	ctx := context.Background()
	store := storage.NewCSVStorage(t.TempDir(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, store.Initialize(ctx))

	original := []byte("snapped_at,price,market_cap,total_volume\n" +
		"2024-01-01 00:00:00 UTC,100.0,5,6\n" +
		"bad row\n")
	require.NoError(t, os.WriteFile(store.Path("bitcoin"), original, 0o644))
	info, err := os.Stat(store.Path("bitcoin"))
	require.NoError(t, err)

	fetcher := &MockFetcher{}
	fetcher.On("Fetch", mock.Anything, bitcoin).Return(marketdata.Succeeded(bitcoin, nil, 0)).Once()
	fetcher.On("Fetch", mock.Anything, xrp).Return(failure(xrp, apperrors.ErrorTypeServerError)).Once()

	u := newTestUpdater(t, []models.Asset{bitcoin, xrp}, store, fetcher, nil)
	report, err := u.Run(ctx)

	require.NoError(t, err)
	assert.Equal(t, 1, report.Skipped())
	assert.Equal(t, 1, report.Failed())

	after, err := os.ReadFile(store.Path("bitcoin"))
	require.NoError(t, err)
	assert.True(t, bytes.Equal(original, after), "file must be byte-identical")
	afterInfo, err := os.Stat(store.Path("bitcoin"))
	require.NoError(t, err)
	assert.Equal(t, info.ModTime(), afterInfo.ModTime())

	_, err = os.Stat(store.Path("xrp"))
	assert.True(t, os.IsNotExist(err), "failed fetch must not create a file")
}

func TestRun_FetchFailureIsIsolated(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStorage()

	fetcher := &MockFetcher{}
	fetcher.On("Fetch", mock.Anything, bitcoin).Return(marketdata.Succeeded(bitcoin, samples([]int{0}, 1), 0)).Once()
	fetcher.On("Fetch", mock.Anything, xrp).Return(failure(xrp, apperrors.ErrorTypeRateLimit)).Once()
	fetcher.On("Fetch", mock.Anything, bnb).Return(marketdata.Succeeded(bnb, samples([]int{0, 1}, 300), 0)).Once()

	m := metrics.NewRunMetrics()
	u := newTestUpdater(t, []models.Asset{bitcoin, xrp, bnb}, store, fetcher, m)

	report, err := u.Run(ctx)

	require.NoError(t, err)
	fetcher.AssertExpectations(t)
	require.Len(t, report.Assets, 3)
	assert.Equal(t, OutcomeUpdated, report.Assets[0].Outcome)
	assert.Equal(t, OutcomeFailed, report.Assets[1].Outcome)
	assert.Error(t, report.Assets[1].Err)
	assert.Equal(t, OutcomeUpdated, report.Assets[2].Outcome)

	assert.Equal(t, 1, store.SaveCount("bitcoin"))
	assert.Zero(t, store.SaveCount("xrp"))
	assert.Equal(t, 1, store.SaveCount("bnb"))

	s := m.Snapshot()
	assert.Equal(t, int64(1), s.FetchFailures["rate_limit"])
	assert.Equal(t, int64(1), s.AssetsFailed)
}

func TestRun_StorageErrorIsFatal(t *testing.T) {
	ctx := context.Background()
	diskFull := storage.NewInsertError("data/bitcoin.csv", errors.New("no space left on device"))

	t.Run("save failure stops the run", func(t *testing.T) {
		store := &MockStore{}
		store.On("Load", mock.Anything, "bitcoin").Return(models.Table{}, nil).Once()
		store.On("Save", mock.Anything, "bitcoin", mock.Anything).Return(diskFull).Once()

		fetcher := &MockFetcher{}
		fetcher.On("Fetch", mock.Anything, bitcoin).Return(marketdata.Succeeded(bitcoin, samples([]int{0}, 1), 0)).Once()

		u := newTestUpdater(t, []models.Asset{bitcoin, xrp}, store, fetcher, nil)
		report, err := u.Run(ctx)

		require.Error(t, err)
		assert.ErrorIs(t, err, diskFull)
		assert.Equal(t, apperrors.ErrorTypeStorage, apperrors.GetErrorType(err))
		assert.Equal(t, apperrors.SeverityCritical, apperrors.GetSeverity(err))
		require.Len(t, report.Assets, 1)
		assert.Equal(t, OutcomeFailed, report.Assets[0].Outcome)

		store.AssertExpectations(t)
		fetcher.AssertNotCalled(t, "Fetch", mock.Anything, xrp)
	})

	t.Run("load failure stops before fetching", func(t *testing.T) {
		store := &MockStore{}
		store.On("Load", mock.Anything, "bitcoin").Return(nil, storage.NewQueryError("data/bitcoin.csv", "", errors.New("permission denied"))).Once()

		fetcher := &MockFetcher{}
		u := newTestUpdater(t, []models.Asset{bitcoin}, store, fetcher, nil)
		_, err := u.Run(ctx)

		var classified *apperrors.ClassifiedError
		require.ErrorAs(t, err, &classified)
		assert.True(t, classified.Fatal())
		assert.Equal(t, "load", classified.Operation)
		fetcher.AssertNotCalled(t, "Fetch", mock.Anything, mock.Anything)
		store.AssertNotCalled(t, "Save", mock.Anything, mock.Anything, mock.Anything)
	})
}

func TestRun_Cancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	store := storage.NewMemoryStorage()

	fetcher := &MockFetcher{}
	fetcher.On("Fetch", mock.Anything, bitcoin).
		Run(func(args mock.Arguments) { cancel() }).
		Return(marketdata.Succeeded(bitcoin, samples([]int{0}, 1), 0)).Once()

	u := newTestUpdater(t, []models.Asset{bitcoin, xrp}, store, fetcher, nil)
	report, err := u.Run(ctx)

	assert.ErrorIs(t, err, context.Canceled)
	require.Len(t, report.Assets, 1)
	fetcher.AssertNotCalled(t, "Fetch", mock.Anything, xrp)
}

func TestRun_UsesRunIDFromContext(t *testing.T) {
	ctx := logger.WithRunID(context.Background(), "run-42")
	u := newTestUpdater(t, nil, storage.NewMemoryStorage(), &MockFetcher{}, nil)

	report, err := u.Run(ctx)

	require.NoError(t, err)
	assert.Equal(t, "run-42", report.RunID)
	assert.Empty(t, report.Assets)
}

func TestRun_PacesRemoteCalls(t *testing.T) {
	const delay = 80 * time.Millisecond
	var calls []time.Time

	fetcher := marketdata.FetchFunc(func(ctx context.Context, asset models.Asset) marketdata.FetchResult {
		calls = append(calls, time.Now())
		return marketdata.Succeeded(asset, nil, 0)
	})

	u, err := New(Config{Assets: []models.Asset{bitcoin, xrp, bnb}, RequestDelay: delay},
		storage.NewMemoryStorage(), fetcher, createTestLogger(), nil)
	require.NoError(t, err)

	_, err = u.Run(context.Background())
	require.NoError(t, err)

	require.Len(t, calls, 3)
	for i := 1; i < len(calls); i++ {
		// rate.Limiter may release a token marginally early
		assert.GreaterOrEqual(t, calls[i].Sub(calls[i-1]), delay-10*time.Millisecond)
	}
}

func TestRun_PreservePolicy(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStorage()
	store.Put("bitcoin", table([]int{0}, 100))

	fetcher := &MockFetcher{}
	fetcher.On("Fetch", mock.Anything, bitcoin).Return(marketdata.Succeeded(bitcoin, samples([]int{0}, 150), 0)).Once()

	u, err := New(Config{Assets: []models.Asset{bitcoin}, Policy: merge.PolicyPreserveMarketData},
		store, fetcher, createTestLogger(), nil)
	require.NoError(t, err)

	_, err = u.Run(ctx)
	require.NoError(t, err)

	saved, err := store.Load(ctx, "bitcoin")
	require.NoError(t, err)
	require.Len(t, saved, 1)
	assert.Equal(t, 150.0, saved[0].Price)
	assert.Equal(t, "1000", saved[0].MarketCap)
	assert.Equal(t, "50", saved[0].TotalVolume)
}

func TestRun_Rerun_Converges(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStorage()
	store.Put("xrp", table([]int{0, 1}, 0.5))

	fetcher := &MockFetcher{}
	fetcher.On("Fetch", mock.Anything, xrp).Return(marketdata.Succeeded(xrp, samples([]int{1, 2}, 0.6), 0))

	u := newTestUpdater(t, []models.Asset{xrp}, store, fetcher, nil)

	_, err := u.Run(ctx)
	require.NoError(t, err)
	first, err := store.Load(ctx, "xrp")
	require.NoError(t, err)

	_, err = u.Run(ctx)
	require.NoError(t, err)
	second, err := store.Load(ctx, "xrp")
	require.NoError(t, err)

	assert.Equal(t, first, second)
}

func TestRun_ReportsMissingDays(t *testing.T) {
	store := storage.NewMemoryStorage()
	store.Put("bitcoin", table([]int{0, 1}, 100))

	fetcher := &MockFetcher{}
	fetcher.On("Fetch", mock.Anything, bitcoin).
		Return(marketdata.Succeeded(bitcoin, samples([]int{5, 6}, 200), 0)).Once()

	u := newTestUpdater(t, []models.Asset{bitcoin}, store, fetcher, nil)

	report, err := u.Run(context.Background())

	require.NoError(t, err)
	require.Len(t, report.Assets, 1)
	assert.Equal(t, OutcomeUpdated, report.Assets[0].Outcome)
	assert.Equal(t, 3, report.Assets[0].Missing)
	assert.Equal(t, 4, report.Assets[0].Merged)
}

func TestRun_PacingSpacesRequestStarts(t *testing.T) {
	const (
		delay = 100 * time.Millisecond
		slow  = 200 * time.Millisecond
	)
	var calls []time.Time

	fetcher := marketdata.FetchFunc(func(ctx context.Context, asset models.Asset) marketdata.FetchResult {
		calls = append(calls, time.Now())
		time.Sleep(slow)
		return marketdata.Succeeded(asset, nil, slow)
	})

	u, err := New(Config{Assets: []models.Asset{bitcoin, xrp}, RequestDelay: delay},
		storage.NewMemoryStorage(), fetcher, createTestLogger(), nil)
	require.NoError(t, err)

	_, err = u.Run(context.Background())
	require.NoError(t, err)

	require.Len(t, calls, 2)
	gap := calls[1].Sub(calls[0])
	assert.GreaterOrEqual(t, gap, slow)
	assert.Less(t, gap, slow+delay-10*time.Millisecond, "a slow fetch already covers the delay")
}
