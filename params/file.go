package params

import (
	"encoding/json"
	"fmt"
	"os"
)

// LoadConfig overlays the JSON object stored at path on DefaultConfig and
// validates the result.
func LoadConfig(path string) (TrainingConfig, error) {
	cfg := DefaultConfig()
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := json.Unmarshal(b, &cfg); err != nil {
		return cfg, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, cfg.Validate()
}

func SaveConfig(path string, cfg TrainingConfig) error {
	b, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o644)
}
