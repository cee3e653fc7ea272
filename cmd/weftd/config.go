package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/weftwork/weft/internal/artifact"
)

// Config holds all weftd configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	DBPath            string                `json:"db_path"`
	LogLevel          string                `json:"log_level"`
	LogFormat         string                `json:"log_format"` // "text" or "json"
	PoolSize          int                   `json:"pool_size"`
	TenantConcurrency int                   `json:"tenant_concurrency"`
	InlineLimitBytes  int                   `json:"inline_limit_bytes"`
	DedupTTL          duration              `json:"dedup_ttl"`
	ApprovalSweep     duration              `json:"approval_sweep"`
	WorkflowsDir      string                `json:"workflows_dir"`
	Breaker           BreakerConfig         `json:"breaker"`
	Artifact          artifact.ObjectConfig `json:"artifact"`
}

// BreakerConfig mirrors the engine's circuit breaker knobs.
type BreakerConfig struct {
	FailureThreshold int      `json:"failure_threshold"`
	Cooldown         duration `json:"cooldown"`
	HalfOpenMax      int      `json:"half_open_max"`
}

// duration is a time.Duration that unmarshals from "30s"-style JSON strings.
type duration time.Duration

func (d *duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = duration(parsed)
	return nil
}

func (d duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func defaultConfig() Config {
	return Config{
		DBPath:            filepath.Join(weftDir(), "weft.db"),
		LogLevel:          "info",
		LogFormat:         "text",
		PoolSize:          10,
		TenantConcurrency: 4,
		DedupTTL:          duration(24 * time.Hour),
		ApprovalSweep:     duration(time.Minute),
		Breaker: BreakerConfig{
			FailureThreshold: 5,
			Cooldown:         duration(30 * time.Second),
			HalfOpenMax:      1,
		},
	}
}

func weftDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".weft"
	}
	return filepath.Join(home, ".weft")
}

func settingsPath() string {
	return filepath.Join(weftDir(), "settings.json")
}

func loadConfig() Config {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(settingsPath()); err == nil {
		_ = json.Unmarshal(data, &cfg)
	}

	// Layer 3: env vars override.
	if v := os.Getenv("WEFT_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("WEFT_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("WEFT_LOG_FORMAT"); v != "" {
		cfg.LogFormat = v
	}
	if v := os.Getenv("WEFT_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.PoolSize = n
		}
	}
	if v := os.Getenv("WEFT_TENANT_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.TenantConcurrency = n
		}
	}
	if v := os.Getenv("WEFT_INLINE_LIMIT_BYTES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.InlineLimitBytes = n
		}
	}
	if v := os.Getenv("WEFT_DEDUP_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.DedupTTL = duration(d)
		}
	}
	if v := os.Getenv("WEFT_APPROVAL_SWEEP"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.ApprovalSweep = duration(d)
		}
	}
	if v := os.Getenv("WEFT_WORKFLOWS_DIR"); v != "" {
		cfg.WorkflowsDir = v
	}
	if v := os.Getenv("WEFT_ARTIFACT_ENDPOINT"); v != "" {
		cfg.Artifact.Endpoint = v
	}
	if v := os.Getenv("WEFT_ARTIFACT_ACCESS_KEY"); v != "" {
		cfg.Artifact.AccessKey = v
	}
	if v := os.Getenv("WEFT_ARTIFACT_SECRET_KEY"); v != "" {
		cfg.Artifact.SecretKey = v
	}
	if v := os.Getenv("WEFT_ARTIFACT_BUCKET"); v != "" {
		cfg.Artifact.Bucket = v
	}
	if v := os.Getenv("WEFT_ARTIFACT_REGION"); v != "" {
		cfg.Artifact.Region = v
	}
	if v := os.Getenv("WEFT_ARTIFACT_USE_SSL"); v != "" {
		cfg.Artifact.UseSSL = v == "true" || v == "1"
	}

	return cfg
}
