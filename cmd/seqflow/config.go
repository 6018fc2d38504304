package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/rendis/seqflow/internal/icav2"
	"github.com/rendis/seqflow/pkg/schema"
)

// Config holds all seqflow process configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	DBPath        string `json:"db_path"`
	LogLevel      string `json:"log_level"`
	MetricsAddr   string `json:"metrics_addr"`
	PoolSize      int    `json:"pool_size"`
	PipelinesPath string `json:"pipelines_path"`

	// VaultPassphrase unlocks the secret store. Empty disables the
	// vault; pipelines with secret pointers then fail at collect time.
	VaultPassphrase string `json:"vault_passphrase"`
	VaultSalt       string `json:"vault_salt"`

	Engine icav2.Config `json:"engine"`
}

func defaultConfig() Config {
	return Config{
		DBPath:        filepath.Join(seqflowDir(), "seqflow.db"),
		LogLevel:      "info",
		MetricsAddr:   ":9090",
		PoolSize:      10,
		PipelinesPath: filepath.Join(seqflowDir(), "pipelines.json"),
		Engine: icav2.Config{
			TokenKey: "ica/jwt",
			Timeout:  30 * time.Second,
		},
	}
}

func seqflowDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".seqflow"
	}
	return filepath.Join(home, ".seqflow")
}

func settingsPath() string {
	return filepath.Join(seqflowDir(), "settings.json")
}

func loadConfig() Config {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(settingsPath()); err == nil {
		_ = json.Unmarshal(data, &cfg)
	}

	// Layer 3: env vars override.
	if v := os.Getenv("SEQFLOW_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("SEQFLOW_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("SEQFLOW_METRICS_ADDR"); v != "" {
		cfg.MetricsAddr = v
	}
	if v := os.Getenv("SEQFLOW_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.PoolSize = n
		}
	}
	if v := os.Getenv("SEQFLOW_PIPELINES_PATH"); v != "" {
		cfg.PipelinesPath = v
	}
	if v := os.Getenv("SEQFLOW_VAULT_PASSPHRASE"); v != "" {
		cfg.VaultPassphrase = v
	}
	if v := os.Getenv("SEQFLOW_VAULT_SALT"); v != "" {
		cfg.VaultSalt = v
	}
	if v := os.Getenv("SEQFLOW_ENGINE_BASE_URL"); v != "" {
		cfg.Engine.BaseURL = v
	}
	if v := os.Getenv("SEQFLOW_ENGINE_PROJECT_ID"); v != "" {
		cfg.Engine.ProjectID = v
	}

	return cfg
}

// loadPipelines reads the pipeline configurations the process serves.
// A missing file is an empty deployment, not an error.
func loadPipelines(path string) ([]schema.Pipeline, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var pipelines []schema.Pipeline
	if err := json.Unmarshal(data, &pipelines); err != nil {
		return nil, err
	}
	return pipelines, nil
}
