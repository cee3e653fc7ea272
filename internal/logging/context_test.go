package logging

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestContextKeys(t *testing.T) {
	ctx := context.Background()

	// Initially empty.
	assert.Equal(t, "", TenantID(ctx))
	assert.Equal(t, "", RunID(ctx))
	assert.Equal(t, "", NodeID(ctx))

	// Set values.
	ctx = WithTenantID(ctx, "acme")
	ctx = WithRunID(ctx, "run-123")
	ctx = WithNodeID(ctx, "fetch")

	// Round-trip.
	assert.Equal(t, "acme", TenantID(ctx))
	assert.Equal(t, "run-123", RunID(ctx))
	assert.Equal(t, "fetch", NodeID(ctx))
}

func TestLogWith(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	ctx := WithIDs(context.Background(), "acme", "run-abc", "fetch")

	enriched := LogWith(ctx, logger)
	enriched.Info("test message")

	output := buf.String()
	assert.Contains(t, output, "tenant_id=acme")
	assert.Contains(t, output, "run_id=run-abc")
	assert.Contains(t, output, "node_id=fetch")
	assert.Contains(t, output, "test message")
}

func TestLogWithMissingKeys(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	// Only the run ID is set; tenant and node should not appear.
	ctx := WithRunID(context.Background(), "run-only")

	enriched := LogWith(ctx, logger)
	enriched.Info("partial context")

	output := buf.String()
	assert.Contains(t, output, "run_id=run-only")
	assert.NotContains(t, output, "tenant_id=")
	assert.NotContains(t, output, "node_id=")
}

func TestCorrelationHandler(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewCorrelationHandler(slog.NewTextHandler(&buf, nil)))

	ctx := WithIDs(context.Background(), "acme", "run-9", "enrich")
	logger.InfoContext(ctx, "step finished")

	output := buf.String()
	assert.Contains(t, output, "tenant_id=acme")
	assert.Contains(t, output, "run_id=run-9")
	assert.Contains(t, output, "node_id=enrich")
}

func TestCorrelationHandler_PlainContext(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewCorrelationHandler(slog.NewTextHandler(&buf, nil)))

	logger.InfoContext(context.Background(), "no ids")
	assert.NotContains(t, buf.String(), "run_id=")
}
