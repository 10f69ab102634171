package spec

import (
	"fmt"

	"github.com/spf13/viper"
)

// LoadTable reads a table specification file (YAML), unmarshals it and
// validates the result.
func LoadTable(path string) (*Table, error) {
	viperInstance := viper.New()
	viperInstance.SetConfigFile(path)

	if err := viperInstance.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read table spec file: %w", err)
	}

	var table Table
	if err := viperInstance.Unmarshal(&table); err != nil {
		return nil, fmt.Errorf("failed to unmarshal table spec: %w", err)
	}

	if err := Validate(&table); err != nil {
		return nil, fmt.Errorf("table spec validation failed: %w", err)
	}

	return &table, nil
}
