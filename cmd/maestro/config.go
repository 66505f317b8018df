package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"

	"github.com/luthier-ai/maestro/internal/adapters"
)

// Config holds all maestro runtime configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	DBPath         string                           `json:"db_path"`
	LogLevel       string                           `json:"log_level"`
	PoolSize       int                              `json:"pool_size"`
	ParallelWidth  int                              `json:"parallel_width"`
	TemplatePolicy string                           `json:"template_policy"`
	AgentEndpoint  string                           `json:"agent_endpoint"`
	AgentAPIKey    string                           `json:"agent_api_key"`
	MCPServers     map[string]adapters.ServerConfig `json:"mcp_servers"`
	WorkflowsDir   string                           `json:"workflows_dir"`
}

func defaultConfig() Config {
	return Config{
		DBPath:        filepath.Join(maestroDir(), "maestro.db"),
		LogLevel:      "info",
		PoolSize:      16,
		ParallelWidth: 8,
	}
}

func maestroDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".maestro"
	}
	return filepath.Join(home, ".maestro")
}

func settingsPath() string {
	return filepath.Join(maestroDir(), "settings.json")
}

func loadConfig(path string) Config {
	cfg := defaultConfig()

	if path == "" {
		path = settingsPath()
	}

	// Layer 2: settings file (ignore if missing).
	if data, err := os.ReadFile(path); err == nil {
		_ = json.Unmarshal(data, &cfg)
	}

	// Layer 3: env vars override.
	if v := os.Getenv("MAESTRO_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("MAESTRO_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("MAESTRO_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.PoolSize = n
		}
	}
	if v := os.Getenv("MAESTRO_PARALLEL_WIDTH"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.ParallelWidth = n
		}
	}
	if v := os.Getenv("MAESTRO_TEMPLATE_POLICY"); v != "" {
		cfg.TemplatePolicy = v
	}
	if v := os.Getenv("MAESTRO_AGENT_ENDPOINT"); v != "" {
		cfg.AgentEndpoint = v
	}
	if v := os.Getenv("MAESTRO_AGENT_API_KEY"); v != "" {
		cfg.AgentAPIKey = v
	}
	if v := os.Getenv("MAESTRO_WORKFLOWS_DIR"); v != "" {
		cfg.WorkflowsDir = v
	}

	return cfg
}
