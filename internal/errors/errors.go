// Package errors provides error classification and structured error reporting
// for the price history updater. Remote fetch failures are classified so that the
// updater can report why an asset was skipped, and storage failures are marked
// fatal so that a run stops before it can lose data.
package errors

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
)

// ErrorType represents the classification of an error
type ErrorType string

const (
	// Remote source failures; an asset is skipped for this run
	ErrorTypeNetwork     ErrorType = "network"      // Network connectivity issues
	ErrorTypeTimeout     ErrorType = "timeout"      // Request timeout
	ErrorTypeRateLimit   ErrorType = "rate_limit"   // HTTP 429 from the source
	ErrorTypeServerError ErrorType = "server_error" // HTTP 5xx errors
	ErrorTypeBadRequest  ErrorType = "bad_request"  // HTTP 4xx errors (except rate limit)
	ErrorTypeDecode      ErrorType = "decode"       // Malformed response body

	// Local failures; the run stops
	ErrorTypeStorage       ErrorType = "storage"       // Filesystem or database failures
	ErrorTypeConfiguration ErrorType = "configuration" // Configuration errors
	ErrorTypeCanceled      ErrorType = "canceled"      // Context canceled by the caller

	ErrorTypeUnknown ErrorType = "unknown" // Unclassified errors
)

// Severity represents the severity level of an error
type Severity int

const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

// String returns the string representation of the severity
func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// ClassifiedError represents an error with metadata for handling decisions
type ClassifiedError struct {
	Err       error                  `json:"error"`
	Type      ErrorType              `json:"type"`
	Severity  Severity               `json:"severity"`
	Component string                 `json:"component"`
	Operation string                 `json:"operation"`
	Context   map[string]interface{} `json:"context,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// Error implements the error interface
func (ce *ClassifiedError) Error() string {
	return fmt.Sprintf("[%s/%s] %s: %v", ce.Component, ce.Type, ce.Operation, ce.Err)
}

// Unwrap returns the underlying error
func (ce *ClassifiedError) Unwrap() error {
	return ce.Err
}

// Is checks if the error is of the specified type
func (ce *ClassifiedError) Is(target error) bool {
	if t, ok := target.(*ClassifiedError); ok {
		return ce.Type == t.Type
	}
	return errors.Is(ce.Err, target)
}

// Fatal reports whether the error must stop the whole run.
func (ce *ClassifiedError) Fatal() bool {
	return ce.Severity >= SeverityCritical
}

// HTTPStatusError is returned for non-2xx responses from the market data source.
type HTTPStatusError struct {
	StatusCode int
	Body       string
}

func (e *HTTPStatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("unexpected status %d %s", e.StatusCode, http.StatusText(e.StatusCode))
	}
	return fmt.Sprintf("unexpected status %d %s: %s", e.StatusCode, http.StatusText(e.StatusCode), e.Body)
}

// DecodeError is returned when a response body cannot be decoded.
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string {
	return "failed to decode response: " + e.Err.Error()
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// Classifier classifies errors and keeps per-type counts for the run summary.
type Classifier struct {
	logger *slog.Logger
	mu     sync.RWMutex
	stats  map[ErrorType]ErrorStats
}

// ErrorStats tracks error statistics for monitoring
type ErrorStats struct {
	Count     int64     `json:"count"`
	FirstSeen time.Time `json:"first_seen"`
	LastSeen  time.Time `json:"last_seen"`
}

// NewClassifier creates a new error classifier.
func NewClassifier(logger *slog.Logger) *Classifier {
	if logger == nil {
		logger = slog.Default()
	}

	return &Classifier{
		logger: logger,
		stats:  make(map[ErrorType]ErrorStats),
	}
}

// Classify analyzes an error and returns a ClassifiedError with handling metadata
func (c *Classifier) Classify(err error, component, operation string) *ClassifiedError {
	if err == nil {
		return nil
	}

	// Check if already classified
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce
	}

	errorType := classifyErrorType(err)
	classified := &ClassifiedError{
		Err:       err,
		Type:      errorType,
		Severity:  determineSeverity(errorType),
		Component: component,
		Operation: operation,
		Context:   make(map[string]interface{}),
		Timestamp: time.Now(),
	}

	var statusErr *HTTPStatusError
	if errors.As(err, &statusErr) {
		classified.Context["status_code"] = statusErr.StatusCode
	}

	c.updateStats(errorType)

	c.logger.Debug("error classified",
		"type", errorType,
		"severity", classified.Severity.String(),
		"component", component,
		"operation", operation,
		"error", err.Error())

	return classified
}

// classifyErrorType determines the error type from typed errors first and
// falls back to message patterns.
func classifyErrorType(err error) ErrorType {
	if errors.Is(err, context.Canceled) {
		return ErrorTypeCanceled
	}

	if isTimeoutError(err) {
		return ErrorTypeTimeout
	}

	var statusErr *HTTPStatusError
	if errors.As(err, &statusErr) {
		switch {
		case statusErr.StatusCode == http.StatusTooManyRequests:
			return ErrorTypeRateLimit
		case statusErr.StatusCode >= 500:
			return ErrorTypeServerError
		default:
			return ErrorTypeBadRequest
		}
	}

	var decodeErr *DecodeError
	if errors.As(err, &decodeErr) {
		return ErrorTypeDecode
	}

	if isNetworkError(err) {
		return ErrorTypeNetwork
	}

	errStr := strings.ToLower(err.Error())

	if strings.Contains(errStr, "rate limit") ||
		strings.Contains(errStr, "too many requests") {
		return ErrorTypeRateLimit
	}

	if strings.Contains(errStr, "config") ||
		strings.Contains(errStr, "missing required") {
		return ErrorTypeConfiguration
	}

	if strings.Contains(errStr, "storage operation") ||
		strings.Contains(errStr, "permission denied") ||
		strings.Contains(errStr, "no space left") ||
		strings.Contains(errStr, "read-only file system") {
		return ErrorTypeStorage
	}

	return ErrorTypeUnknown
}

// isNetworkError checks if the error is network-related
func isNetworkError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}

	errStr := strings.ToLower(err.Error())
	networkPatterns := []string{
		"connection refused",
		"connection reset",
		"connection aborted",
		"no route to host",
		"host unreachable",
		"network unreachable",
		"no such host",
		"eof",
	}

	for _, pattern := range networkPatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}

	return false
}

// isTimeoutError checks if the error is timeout-related
func isTimeoutError(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	errStr := strings.ToLower(err.Error())
	return strings.Contains(errStr, "timeout") ||
		strings.Contains(errStr, "deadline exceeded")
}

// determineSeverity assigns a severity level based on error type
func determineSeverity(errorType ErrorType) Severity {
	switch errorType {
	case ErrorTypeStorage:
		return SeverityCritical
	case ErrorTypeConfiguration, ErrorTypeCanceled:
		return SeverityHigh
	case ErrorTypeBadRequest, ErrorTypeDecode, ErrorTypeUnknown:
		return SeverityMedium
	case ErrorTypeNetwork, ErrorTypeTimeout, ErrorTypeRateLimit, ErrorTypeServerError:
		return SeverityLow
	default:
		return SeverityMedium
	}
}

// updateStats updates error statistics
func (c *Classifier) updateStats(errorType ErrorType) {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats := c.stats[errorType]
	stats.Count++
	stats.LastSeen = time.Now()

	if stats.FirstSeen.IsZero() {
		stats.FirstSeen = stats.LastSeen
	}

	c.stats[errorType] = stats
}

// GetStats returns error statistics
func (c *Classifier) GetStats() map[ErrorType]ErrorStats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	stats := make(map[ErrorType]ErrorStats, len(c.stats))
	for k, v := range c.stats {
		stats[k] = v
	}

	return stats
}

// Utility functions

// GetErrorType extracts the error type from a classified error
func GetErrorType(err error) ErrorType {
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Type
	}
	return ErrorTypeUnknown
}

// GetSeverity extracts the severity from a classified error
func GetSeverity(err error) Severity {
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Severity
	}
	return SeverityMedium
}
