package errors

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorClassification(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	classifier := NewClassifier(logger)

	tests := []struct {
		name             string
		error            error
		expectedType     ErrorType
		expectedSeverity Severity
	}{
		{
			name:             "network connection refused",
			error:            fmt.Errorf("dial tcp 127.0.0.1:1: connect: connection refused"),
			expectedType:     ErrorTypeNetwork,
			expectedSeverity: SeverityLow,
		},
		{
			name:             "net.OpError",
			error:            &net.OpError{Op: "dial", Net: "tcp", Err: fmt.Errorf("refused")},
			expectedType:     ErrorTypeNetwork,
			expectedSeverity: SeverityLow,
		},
		{
			name:             "deadline exceeded",
			error:            fmt.Errorf("get market chart: %w", context.DeadlineExceeded),
			expectedType:     ErrorTypeTimeout,
			expectedSeverity: SeverityLow,
		},
		{
			name:             "context canceled",
			error:            fmt.Errorf("get market chart: %w", context.Canceled),
			expectedType:     ErrorTypeCanceled,
			expectedSeverity: SeverityHigh,
		},
		{
			name:             "http 429",
			error:            &HTTPStatusError{StatusCode: 429},
			expectedType:     ErrorTypeRateLimit,
			expectedSeverity: SeverityLow,
		},
		{
			name:             "http 503",
			error:            fmt.Errorf("fetch: %w", &HTTPStatusError{StatusCode: 503, Body: "unavailable"}),
			expectedType:     ErrorTypeServerError,
			expectedSeverity: SeverityLow,
		},
		{
			name:             "http 404",
			error:            &HTTPStatusError{StatusCode: 404, Body: `{"error":"coin not found"}`},
			expectedType:     ErrorTypeBadRequest,
			expectedSeverity: SeverityMedium,
		},
		{
			name:             "decode error",
			error:            &DecodeError{Err: fmt.Errorf("invalid character 'x'")},
			expectedType:     ErrorTypeDecode,
			expectedSeverity: SeverityMedium,
		},
		{
			name:             "storage error",
			error:            fmt.Errorf("storage operation save on table bitcoin.csv failed: permission denied"),
			expectedType:     ErrorTypeStorage,
			expectedSeverity: SeverityCritical,
		},
		{
			name:             "unknown error",
			error:            fmt.Errorf("something went wrong"),
			expectedType:     ErrorTypeUnknown,
			expectedSeverity: SeverityMedium,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			classified := classifier.Classify(tt.error, "test_component", "test_operation")

			require.NotNil(t, classified)
			assert.Equal(t, tt.expectedType, classified.Type)
			assert.Equal(t, tt.expectedSeverity, classified.Severity)
			assert.Equal(t, "test_component", classified.Component)
			assert.Equal(t, "test_operation", classified.Operation)
			assert.Equal(t, tt.error, classified.Err)
		})
	}
}

func TestClassifyNil(t *testing.T) {
	classifier := NewClassifier(nil)
	assert.Nil(t, classifier.Classify(nil, "c", "o"))
}

func TestClassifyAlreadyClassified(t *testing.T) {
	classifier := NewClassifier(nil)
	original := classifier.Classify(&HTTPStatusError{StatusCode: 500}, "marketdata", "fetch")

	wrapped := fmt.Errorf("asset bitcoin: %w", original)
	again := classifier.Classify(wrapped, "updater", "run")

	assert.Same(t, original, again)
	assert.Equal(t, 500, again.Context["status_code"])
}

func TestClassifiedErrorBehaviour(t *testing.T) {
	base := &HTTPStatusError{StatusCode: 502}
	ce := &ClassifiedError{
		Err:       base,
		Type:      ErrorTypeServerError,
		Severity:  SeverityLow,
		Component: "marketdata",
		Operation: "fetch",
	}

	assert.Equal(t, "[marketdata/server_error] fetch: unexpected status 502 Bad Gateway", ce.Error())
	assert.ErrorIs(t, ce, &ClassifiedError{Type: ErrorTypeServerError})
	assert.NotErrorIs(t, ce, &ClassifiedError{Type: ErrorTypeDecode})
	assert.False(t, ce.Fatal())

	fatal := &ClassifiedError{Err: fmt.Errorf("disk full"), Type: ErrorTypeStorage, Severity: SeverityCritical}
	assert.True(t, fatal.Fatal())

	assert.Equal(t, ErrorTypeServerError, GetErrorType(fmt.Errorf("wrapped: %w", ce)))
	assert.Equal(t, ErrorTypeUnknown, GetErrorType(fmt.Errorf("plain")))
	assert.Equal(t, SeverityLow, GetSeverity(ce))
}

func TestClassifierStats(t *testing.T) {
	classifier := NewClassifier(nil)

	classifier.Classify(&HTTPStatusError{StatusCode: 429}, "marketdata", "fetch")
	classifier.Classify(&HTTPStatusError{StatusCode: 429}, "marketdata", "fetch")
	classifier.Classify(&DecodeError{Err: io.ErrUnexpectedEOF}, "marketdata", "fetch")

	stats := classifier.GetStats()
	assert.Equal(t, int64(2), stats[ErrorTypeRateLimit].Count)
	assert.Equal(t, int64(1), stats[ErrorTypeDecode].Count)
	assert.False(t, stats[ErrorTypeRateLimit].FirstSeen.IsZero())
}

func TestSeverityString(t *testing.T) {
	assert.Equal(t, "low", SeverityLow.String())
	assert.Equal(t, "critical", SeverityCritical.String())
	assert.Equal(t, "unknown", Severity(42).String())
}
