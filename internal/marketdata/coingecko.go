package marketdata

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/johnayoung/go-price-history/internal/config"
	apperrors "github.com/johnayoung/go-price-history/internal/errors"
	"github.com/johnayoung/go-price-history/internal/models"
)

const (
	// CoinGecko public API base URL
	coingeckoBaseURL = "https://api.coingecko.com/api/v3"

	// API endpoints
	marketChartEndpoint = "/coins/%s/market_chart"

	// Request configuration
	requestTimeout   = 30 * time.Second
	defaultDays      = 365
	defaultCurrency  = "usd"
	defaultInterval  = "daily"
	defaultUserAgent = "go-price-history/1.0"
	apiKeyHeader     = "x-cg-demo-api-key"

	// Bytes of an error response body kept for the error message
	maxErrorBodyBytes = 512
)

// CoinGeckoOptions configures a CoinGeckoAdapter.
type CoinGeckoOptions struct {
	BaseURL    string
	APIKey     string
	VsCurrency string
	Days       int
	Interval   string
	Timeout    time.Duration
	UserAgent  string
}

// CoinGeckoAdapter implements Fetcher against the CoinGecko market_chart endpoint.
type CoinGeckoAdapter struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	vsCurrency string
	days       int
	interval   string
	userAgent  string
	logger     *slog.Logger
	classifier *apperrors.Classifier
}

// NewCoinGeckoAdapter creates an adapter; zero-valued options take defaults.
func NewCoinGeckoAdapter(opts CoinGeckoOptions, logger *slog.Logger, classifier *apperrors.Classifier) *CoinGeckoAdapter {
	if logger == nil {
		logger = slog.Default()
	}
	if classifier == nil {
		classifier = apperrors.NewClassifier(logger)
	}
	if opts.BaseURL == "" {
		opts.BaseURL = coingeckoBaseURL
	}
	if opts.VsCurrency == "" {
		opts.VsCurrency = defaultCurrency
	}
	if opts.Days <= 0 {
		opts.Days = defaultDays
	}
	if opts.Interval == "" {
		opts.Interval = defaultInterval
	}
	if opts.Timeout <= 0 {
		opts.Timeout = requestTimeout
	}
	if opts.UserAgent == "" {
		opts.UserAgent = defaultUserAgent
	}

	return &CoinGeckoAdapter{
		httpClient: &http.Client{
			Timeout: opts.Timeout,
			Transport: &http.Transport{
				Proxy:               http.ProxyFromEnvironment,
				MaxIdleConns:        10,
				MaxIdleConnsPerHost: 2,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		baseURL:    strings.TrimRight(opts.BaseURL, "/"),
		apiKey:     opts.APIKey,
		vsCurrency: opts.VsCurrency,
		days:       opts.Days,
		interval:   opts.Interval,
		userAgent:  opts.UserAgent,
		logger:     logger,
		classifier: classifier,
	}
}

// NewCoinGeckoAdapterFromConfig creates an adapter from the source configuration.
func NewCoinGeckoAdapterFromConfig(cfg config.SourceConfig, logger *slog.Logger, classifier *apperrors.Classifier) *CoinGeckoAdapter {
	return NewCoinGeckoAdapter(CoinGeckoOptions{
		BaseURL:    cfg.BaseURL,
		APIKey:     cfg.APIKey,
		VsCurrency: cfg.VsCurrency,
		Days:       cfg.Days,
		Interval:   cfg.Interval,
		Timeout:    cfg.TimeoutDuration(),
		UserAgent:  cfg.UserAgent,
	}, logger, classifier)
}

// Fetch implements the Fetcher interface.
func (c *CoinGeckoAdapter) Fetch(ctx context.Context, asset models.Asset) FetchResult {
	start := time.Now()

	samples, err := c.fetchMarketChart(ctx, asset.RemoteID)
	if err != nil {
		classified := c.classifier.Classify(err, "marketdata", "fetch_market_chart")
		classified.Context["remote_id"] = asset.RemoteID
		c.logger.Warn("failed to fetch price history",
			"asset", asset.Symbol,
			"remote_id", asset.RemoteID,
			"error_type", classified.Type,
			"error", err)
		return Failed(asset, classified, time.Since(start))
	}

	c.logger.Debug("fetched price history",
		"asset", asset.Symbol,
		"remote_id", asset.RemoteID,
		"count", len(samples),
		"duration", time.Since(start))

	return Succeeded(asset, samples, time.Since(start))
}

// MarketChartURL returns the request URL for a remote identifier.
func (c *CoinGeckoAdapter) MarketChartURL(remoteID string) string {
	params := url.Values{}
	params.Set("vs_currency", c.vsCurrency)
	params.Set("days", strconv.Itoa(c.days))
	params.Set("interval", c.interval)

	return c.baseURL + fmt.Sprintf(marketChartEndpoint, url.PathEscape(remoteID)) + "?" + params.Encode()
}

func (c *CoinGeckoAdapter) fetchMarketChart(ctx context.Context, remoteID string) ([]models.Sample, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.MarketChartURL(remoteID), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	if c.apiKey != "" {
		req.Header.Set(apiKeyHeader, c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		return nil, &apperrors.HTTPStatusError{
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(body)),
		}
	}

	var chart marketChartResponse
	if err := json.NewDecoder(resp.Body).Decode(&chart); err != nil {
		return nil, &apperrors.DecodeError{Err: err}
	}

	return convertPrices(chart.Prices)
}

// convertPrices turns [ms, price] points into samples. A single malformed
// point fails the whole response so a partly decoded window is never merged.
func convertPrices(prices []json.RawMessage) ([]models.Sample, error) {
	samples := make([]models.Sample, 0, len(prices))
	for i, raw := range prices {
		sample, err := parsePricePoint(raw)
		if err != nil {
			return nil, &apperrors.DecodeError{Err: fmt.Errorf("price point %d: %w", i, err)}
		}
		samples = append(samples, sample)
	}
	return samples, nil
}

// parsePricePoint reads the timestamp and price from the first two elements.
// Trailing elements are ignored.
func parsePricePoint(raw json.RawMessage) (models.Sample, error) {
	var point []*float64
	if err := json.Unmarshal(raw, &point); err != nil {
		return models.Sample{}, fmt.Errorf("not a numeric array: %w", err)
	}
	if len(point) < 2 {
		return models.Sample{}, fmt.Errorf("expected at least 2 elements, got %d", len(point))
	}
	if point[0] == nil || point[1] == nil {
		return models.Sample{}, fmt.Errorf("null element")
	}

	ms, price := *point[0], *point[1]
	if math.IsNaN(ms) || math.IsInf(ms, 0) {
		return models.Sample{}, fmt.Errorf("invalid timestamp %v", ms)
	}

	return models.Sample{
		Timestamp: time.UnixMilli(int64(ms)).UTC(),
		Price:     price,
	}, nil
}

// API response structures

type marketChartResponse struct {
	Prices []json.RawMessage `json:"prices"`
}
