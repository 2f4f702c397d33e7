package tool

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/sableworks/exportstream/types"
)

var (
	ConfigPath    = "config.yaml" // be aware that it can be changed, default to ./config.yaml
	CurrentConfig types.AppConfig
)

func defaultConfig() types.AppConfig {
	return types.AppConfig{
		Port:                 8617,
		DefaultChunkSize:     100,
		MaxTotalRows:         2_000_000, // hard ceiling, reject larger result sets before streaming
		SessionTTLMinutes:    30,
		MaxQueueLength:       10,
		ProgressEventsPerSec: 5,
		StallTimeoutMinutes:  15,
		StateDir:             "exportstate",
	}
}

// LoadConfig reads config.yaml, creating it with defaults when missing.
func LoadConfig(path string) (types.AppConfig, error) {
	if path == "" {
		path = ConfigPath
	}
	ConfigPath = path

	cfg := defaultConfig()

	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			if writeErr := writeConfig(path, cfg); writeErr != nil {
				return cfg, fmt.Errorf("config file not found, and failed to generate default config: %v", writeErr)
			}
			DefaultLogger.Infof("Created new config file with default values")
			CurrentConfig = cfg
			return cfg, nil
		}
		return cfg, fmt.Errorf("failed to read config file: %v", err)
	}
	if info.IsDir() {
		return cfg, fmt.Errorf("config file path is a directory: %s", path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config file: %v", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config file: %v", err)
	}

	if cfg.DefaultChunkSize <= 0 {
		cfg.DefaultChunkSize = 100
	}
	if cfg.MaxQueueLength <= 0 {
		cfg.MaxQueueLength = 10
	}

	CurrentConfig = cfg
	return cfg, nil
}

func writeConfig(path string, cfg types.AppConfig) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func GetCurrentConfig() *types.AppConfig {
	return &CurrentConfig
}
