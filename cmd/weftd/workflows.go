package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/weftwork/weft/internal/dispatch"
	"github.com/weftwork/weft/pkg/schema"
)

// loadWorkflows publishes every *.json definition found in dir. Version ids
// are fixed inside the files, so a restart republishing the same files hits
// the store's conflict check and skips them. Returns how many versions were
// newly published.
func loadWorkflows(ctx context.Context, publisher *dispatch.VersionPublisher, dir string, logger *slog.Logger) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, err
	}

	published := 0
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			logger.Warn("workflow file unreadable", "path", path, "error", err)
			continue
		}
		var req dispatch.PublishRequest
		if err := json.Unmarshal(data, &req); err != nil {
			logger.Warn("workflow file is not a publish request", "path", path, "error", err)
			continue
		}
		if _, err := publisher.Publish(ctx, &req); err != nil {
			var werr *schema.WeftError
			if errors.As(err, &werr) && werr.Code == schema.ErrCodeConflict {
				logger.Debug("workflow version already published", "path", path)
				continue
			}
			logger.Warn("workflow publish failed", "path", path, "error", err)
			continue
		}
		published++
	}
	return published, nil
}
