package logger_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/koopa0/system-design/14-phrase-of-the-day/pkg/logger"
)

func TestNew_AddsRequestID(t *testing.T) {
	var buf bytes.Buffer
	log := logger.New(&buf, logger.Options{Level: "debug", Format: "json"})

	ctx := logger.WithRequestID(context.Background(), "req-123")
	log.With("component", "test").InfoContext(ctx, "hello")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "hello", entry["msg"])
	assert.Equal(t, "req-123", entry["request_id"])
	assert.Equal(t, "test", entry["component"])
}

func TestNew_LevelFilter(t *testing.T) {
	var buf bytes.Buffer
	log := logger.New(&buf, logger.Options{Level: "warn", Format: "text"})

	log.Info("hidden")
	log.Warn("shown")

	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "shown")
}

func TestNew_TimeInLocation(t *testing.T) {
	loc := time.FixedZone("UTC+8", 8*3600)
	var buf bytes.Buffer
	log := logger.New(&buf, logger.Options{Format: "json", Location: loc})

	log.Info("tick")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	ts, ok := entry["time"].(string)
	require.True(t, ok)
	_, err := time.ParseInLocation("2006-01-02 15:04:05.000", ts, loc)
	assert.NoError(t, err)
}

func TestLogError(t *testing.T) {
	var buf bytes.Buffer
	log := logger.New(&buf, logger.Options{Format: "json"})

	logger.LogError(context.Background(), log, "serve failed", errors.New("boom"))

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "boom", entry["error"])
	assert.Equal(t, "ERROR", entry["level"])
	assert.NotEmpty(t, entry["function"])
}

func TestLogError_Attrs(t *testing.T) {
	var buf bytes.Buffer
	log := logger.New(&buf, logger.Options{Format: "json"})

	ctx := logger.WithRequestID(context.Background(), "req-9")
	logger.LogError(ctx, log, "store failed", errors.New("boom"), slog.String("code", "SERVICE_UNAVAILABLE"))

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "SERVICE_UNAVAILABLE", entry["code"])
	assert.Equal(t, "req-9", entry["request_id"])
	assert.Contains(t, entry["file"], "logger_test.go")
}

func TestRequestID_Empty(t *testing.T) {
	assert.Empty(t, logger.RequestID(context.Background()))
}
