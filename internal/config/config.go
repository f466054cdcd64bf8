// Package config provides centralized configuration management for the price history updater.
// This module handles configuration loading from multiple sources (defaults, a JSON file,
// environment variables), validation, and provides typed configuration structures for
// the market data source, storage backends, logging and run metrics.
package config

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"log/slog"

	"github.com/johnayoung/go-price-history/internal/models"
)

// AppConfig represents the complete application configuration
type AppConfig struct {
	// Application metadata
	AppName    string `json:"app_name" env:"APP_NAME"`
	Version    string `json:"version" env:"VERSION"`
	ConfigPath string `json:"-" env:"CONFIG_PATH"`

	// Assets is the ordered asset identifier mapping. Order is processing order.
	Assets []AssetConfig `json:"assets" env:"ASSETS"`

	// Market data source configuration
	Source SourceConfig `json:"source"`

	// Storage configuration
	Storage StorageConfig `json:"storage"`

	// Merge configuration
	Merge MergeConfig `json:"merge"`

	// Logging configuration
	Logging LoggingConfig `json:"logging"`

	// Metrics configuration
	Metrics MetricsConfig `json:"metrics"`
}

// AssetConfig maps a local asset symbol to the identifier used by the source
type AssetConfig struct {
	Symbol   string `json:"symbol"`    // Local symbol, also the table name (e.g. "xrp")
	RemoteID string `json:"remote_id"` // Source identifier (e.g. "ripple")
}

// SourceConfig configures the remote market data source
type SourceConfig struct {
	BaseURL      string `json:"base_url" env:"COINGECKO_BASE_URL"`   // API base URL
	APIKey       string `json:"api_key" env:"COINGECKO_API_KEY"`     // Optional demo API key, sent as a header
	VsCurrency   string `json:"vs_currency" env:"VS_CURRENCY"`       // Reference currency
	Days         int    `json:"days" env:"HISTORY_DAYS"`             // Trailing window in days
	Interval     string `json:"interval" env:"HISTORY_INTERVAL"`     // Sample interval
	Timeout      string `json:"timeout" env:"HTTP_TIMEOUT"`          // Per-request timeout
	RequestDelay string `json:"request_delay" env:"REQUEST_DELAY"`   // Minimum delay between requests
	UserAgent    string `json:"user_agent" env:"HTTP_USER_AGENT"`    // User-Agent header
}

// StorageConfig configures the storage backend
type StorageConfig struct {
	Type        string `json:"type" env:"STORAGE_TYPE"`         // "csv", "duckdb", "memory"
	DataDir     string `json:"data_dir" env:"DATA_DIR"`         // Directory holding one CSV file per asset
	DatabaseURL string `json:"database_url" env:"DATABASE_URL"` // DuckDB database path
}

// MergeConfig configures how fetched records replace stored ones
type MergeConfig struct {
	// PreserveMarketData keeps stored non-zero market cap and volume values
	// when a fetched price replaces a stored record for the same day.
	PreserveMarketData bool `json:"preserve_market_data" env:"PRESERVE_MARKET_DATA"`
}

// LoggingConfig configures structured logging
type LoggingConfig struct {
	Level         string            `json:"level" env:"LOG_LEVEL"`             // Log level: debug, info, warn, error
	Format        string            `json:"format" env:"LOG_FORMAT"`           // Log format: json, text
	Output        string            `json:"output" env:"LOG_OUTPUT"`           // Output: stdout, stderr, file
	FilePath      string            `json:"file_path" env:"LOG_FILE_PATH"`     // Log file path
	MaxSize       int               `json:"max_size" env:"LOG_MAX_SIZE"`       // Maximum log file size in MB
	MaxBackups    int               `json:"max_backups" env:"LOG_MAX_BACKUPS"` // Maximum log file backups
	MaxAge        int               `json:"max_age" env:"LOG_MAX_AGE"`         // Maximum log file age in days
	Compress      bool              `json:"compress" env:"LOG_COMPRESS"`       // Compress old log files
	ContextFields map[string]string `json:"context_fields"`                    // Additional context fields
}

// MetricsConfig configures the run summary
type MetricsConfig struct {
	Enabled     bool   `json:"enabled" env:"METRICS_ENABLED"`           // Log a run summary at exit
	SummaryPath string `json:"summary_path" env:"METRICS_SUMMARY_PATH"` // Optional JSON summary file
}

// ConfigManager handles configuration loading and validation
type ConfigManager struct {
	config     *AppConfig
	configPath string
	logger     *slog.Logger
}

// NewConfigManager creates a new configuration manager
func NewConfigManager(configPath string, logger *slog.Logger) *ConfigManager {
	if logger == nil {
		logger = slog.Default()
	}

	return &ConfigManager{
		configPath: configPath,
		logger:     logger,
	}
}

// LoadConfig loads configuration from multiple sources with priority order:
// 1. Environment variables (highest priority)
// 2. Configuration file
// 3. Default values (lowest priority)
func (cm *ConfigManager) LoadConfig(ctx context.Context) (*AppConfig, error) {
	config := DefaultConfig()

	if cm.configPath != "" {
		if err := cm.loadFromFile(config); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	if err := cm.loadFromEnv(config); err != nil {
		return nil, fmt.Errorf("failed to load config from environment: %w", err)
	}

	if err := cm.validateConfig(config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	config.ConfigPath = cm.configPath
	cm.config = config
	cm.logger.Debug("configuration loaded",
		"config_path", cm.configPath,
		"storage_type", config.Storage.Type,
		"assets", len(config.Assets),
		"log_level", config.Logging.Level)

	return config, nil
}

// loadFromFile loads configuration from a JSON file
func (cm *ConfigManager) loadFromFile(config *AppConfig) error {
	if _, err := os.Stat(cm.configPath); os.IsNotExist(err) {
		cm.logger.Debug("config file does not exist, using defaults", "path", cm.configPath)
		return nil
	}

	data, err := os.ReadFile(cm.configPath)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", cm.configPath, err)
	}

	if err := json.Unmarshal(data, config); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", cm.configPath, err)
	}

	cm.logger.Debug("loaded configuration from file", "path", cm.configPath)
	return nil
}

// loadFromEnv loads configuration from environment variables
func (cm *ConfigManager) loadFromEnv(config *AppConfig) error {
	if val := os.Getenv("APP_NAME"); val != "" {
		config.AppName = val
	}

	if val := os.Getenv("ASSETS"); val != "" {
		assets, err := ParseAssets(val)
		if err != nil {
			return fmt.Errorf("invalid ASSETS: %w", err)
		}
		config.Assets = assets
	}

	// Source config
	if val := os.Getenv("COINGECKO_BASE_URL"); val != "" {
		config.Source.BaseURL = val
	}
	if val := os.Getenv("COINGECKO_API_KEY"); val != "" {
		config.Source.APIKey = val
	}
	if val := os.Getenv("VS_CURRENCY"); val != "" {
		config.Source.VsCurrency = val
	}
	if val := os.Getenv("HISTORY_DAYS"); val != "" {
		days, err := strconv.Atoi(val)
		if err != nil {
			return fmt.Errorf("invalid HISTORY_DAYS %q: %w", val, err)
		}
		config.Source.Days = days
	}
	if val := os.Getenv("HISTORY_INTERVAL"); val != "" {
		config.Source.Interval = val
	}
	if val := os.Getenv("HTTP_TIMEOUT"); val != "" {
		config.Source.Timeout = val
	}
	if val := os.Getenv("REQUEST_DELAY"); val != "" {
		config.Source.RequestDelay = val
	}
	if val := os.Getenv("HTTP_USER_AGENT"); val != "" {
		config.Source.UserAgent = val
	}

	// Storage config
	if val := os.Getenv("STORAGE_TYPE"); val != "" {
		config.Storage.Type = val
	}
	if val := os.Getenv("DATA_DIR"); val != "" {
		config.Storage.DataDir = val
	}
	if val := os.Getenv("DATABASE_URL"); val != "" {
		config.Storage.DatabaseURL = val
	}

	if val := os.Getenv("PRESERVE_MARKET_DATA"); val != "" {
		config.Merge.PreserveMarketData = parseBool(val)
	}

	// Logging config
	if val := os.Getenv("LOG_LEVEL"); val != "" {
		config.Logging.Level = strings.ToLower(val)
	}
	if val := os.Getenv("LOG_FORMAT"); val != "" {
		config.Logging.Format = strings.ToLower(val)
	}
	if val := os.Getenv("LOG_OUTPUT"); val != "" {
		config.Logging.Output = strings.ToLower(val)
	}
	if val := os.Getenv("LOG_FILE_PATH"); val != "" {
		config.Logging.FilePath = val
	}

	// Metrics config
	if val := os.Getenv("METRICS_ENABLED"); val != "" {
		config.Metrics.Enabled = parseBool(val)
	}
	if val := os.Getenv("METRICS_SUMMARY_PATH"); val != "" {
		config.Metrics.SummaryPath = val
	}

	return nil
}

func parseBool(val string) bool {
	switch strings.ToLower(strings.TrimSpace(val)) {
	case "true", "1", "yes":
		return true
	default:
		return false
	}
}

// ParseAssets parses a "symbol:remote_id,symbol:remote_id" list. A bare symbol
// uses itself as the remote identifier.
func ParseAssets(val string) ([]AssetConfig, error) {
	var assets []AssetConfig
	for _, entry := range strings.Split(val, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		symbol, remoteID, found := strings.Cut(entry, ":")
		symbol = strings.TrimSpace(symbol)
		remoteID = strings.TrimSpace(remoteID)
		if !found {
			remoteID = symbol
		}
		if symbol == "" || remoteID == "" {
			return nil, fmt.Errorf("malformed asset entry %q", entry)
		}
		assets = append(assets, AssetConfig{Symbol: symbol, RemoteID: remoteID})
	}
	if len(assets) == 0 {
		return nil, fmt.Errorf("no assets in %q", val)
	}
	return assets, nil
}

// validateConfig validates the configuration for consistency and required fields
func (cm *ConfigManager) validateConfig(config *AppConfig) error {
	var errors []string

	// Validate assets
	if len(config.Assets) == 0 {
		errors = append(errors, "assets must contain at least one entry")
	}
	seen := make(map[string]bool, len(config.Assets))
	for i, a := range config.Assets {
		if err := (models.Asset{Symbol: a.Symbol, RemoteID: a.RemoteID}).Validate(); err != nil {
			errors = append(errors, fmt.Sprintf("assets[%d]: %v", i, err))
			continue
		}
		if seen[a.Symbol] {
			errors = append(errors, fmt.Sprintf("assets[%d]: duplicate symbol %q", i, a.Symbol))
		}
		seen[a.Symbol] = true
	}

	// Validate source configuration
	if config.Source.BaseURL == "" {
		errors = append(errors, "source.base_url is required")
	}
	if config.Source.VsCurrency == "" {
		errors = append(errors, "source.vs_currency is required")
	}
	if config.Source.Days <= 0 {
		errors = append(errors, "source.days must be greater than 0")
	}
	if d, err := time.ParseDuration(config.Source.Timeout); err != nil || d <= 0 {
		errors = append(errors, fmt.Sprintf("source.timeout is not a valid positive duration: %q", config.Source.Timeout))
	}
	if d, err := time.ParseDuration(config.Source.RequestDelay); err != nil || d < 0 {
		errors = append(errors, fmt.Sprintf("source.request_delay is not a valid duration: %q", config.Source.RequestDelay))
	}

	// Validate storage configuration
	switch config.Storage.Type {
	case "csv":
		if config.Storage.DataDir == "" {
			errors = append(errors, "storage.data_dir is required for CSV storage")
		}
	case "duckdb":
		if config.Storage.DatabaseURL == "" {
			errors = append(errors, "storage.database_url is required for DuckDB storage")
		}
	case "memory":
	case "":
		errors = append(errors, "storage.type is required")
	default:
		errors = append(errors, fmt.Sprintf("storage.type must be one of: csv, duckdb, memory (got %q)", config.Storage.Type))
	}

	// Validate logging configuration
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[config.Logging.Level] {
		errors = append(errors, "logging.level must be one of: debug, info, warn, error")
	}

	validLogFormats := map[string]bool{"json": true, "text": true}
	if !validLogFormats[config.Logging.Format] {
		errors = append(errors, "logging.format must be one of: json, text")
	}

	if config.Logging.Output == "file" && config.Logging.FilePath == "" {
		errors = append(errors, "logging.file_path is required when logging.output is file")
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration validation errors:\n- %s", strings.Join(errors, "\n- "))
	}

	return nil
}

// GetConfig returns the current configuration
func (cm *ConfigManager) GetConfig() *AppConfig {
	return cm.config
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *AppConfig {
	return &AppConfig{
		AppName: "price-history",
		Version: "1.0.0",
		Assets: []AssetConfig{
			{Symbol: "bitcoin", RemoteID: "bitcoin"},
			{Symbol: "ethereum", RemoteID: "ethereum"},
			{Symbol: "solana", RemoteID: "solana"},
			{Symbol: "xrp", RemoteID: "ripple"},
			{Symbol: "bnb", RemoteID: "binancecoin"},
		},
		Source: SourceConfig{
			BaseURL:      "https://api.coingecko.com/api/v3",
			VsCurrency:   "usd",
			Days:         365,
			Interval:     "daily",
			Timeout:      "30s",
			RequestDelay: "2s",
			UserAgent:    "go-price-history/1.0",
		},
		Storage: StorageConfig{
			Type:        "csv",
			DataDir:     "./data",
			DatabaseURL: "./data/prices.duckdb",
		},
		Merge: MergeConfig{
			PreserveMarketData: false,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     "stdout",
			FilePath:   "",
			MaxSize:    100, // 100MB
			MaxBackups: 5,
			MaxAge:     30, // 30 days
			Compress:   true,
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
	}
}

// AssetList returns the configured mapping as an immutable, ordered slice of assets.
func (c *AppConfig) AssetList() []models.Asset {
	assets := make([]models.Asset, 0, len(c.Assets))
	for _, a := range c.Assets {
		assets = append(assets, models.Asset{Symbol: a.Symbol, RemoteID: a.RemoteID})
	}
	return assets
}

// TimeoutDuration returns the parsed per-request timeout.
func (s SourceConfig) TimeoutDuration() time.Duration {
	d, err := time.ParseDuration(s.Timeout)
	if err != nil || d <= 0 {
		return 30 * time.Second
	}
	return d
}

// RequestDelayDuration returns the parsed minimum delay between requests.
func (s SourceConfig) RequestDelayDuration() time.Duration {
	d, err := time.ParseDuration(s.RequestDelay)
	if err != nil || d < 0 {
		return 2 * time.Second
	}
	return d
}

// String returns a string representation of the configuration (excluding sensitive data)
func (c *AppConfig) String() string {
	sanitized := *c
	if sanitized.Source.APIKey != "" {
		sanitized.Source.APIKey = "[REDACTED]"
	}

	data, _ := json.MarshalIndent(&sanitized, "", "  ")
	return string(data)
}
