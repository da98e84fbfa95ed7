package model

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// LoadTriggerFile reads bootstrap trigger definitions from a YAML file.
// Definitions are validated before being returned.
func LoadTriggerFile(path string) ([]TriggerDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read trigger file: %w", err)
	}

	var defs []TriggerDefinition
	if err := yaml.Unmarshal(data, &defs); err != nil {
		return nil, fmt.Errorf("failed to parse trigger file %s: %w", path, err)
	}

	for i := range defs {
		if err := defs[i].Validate(); err != nil {
			return nil, fmt.Errorf("trigger file %s: %w", path, err)
		}
	}

	return defs, nil
}
