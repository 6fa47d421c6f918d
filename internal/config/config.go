// Package config loads and validates Toppy's typed configuration record
// from a TOML file (§6's "Configuration file format").
package config

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

// Load decodes the TOML file at path into out. An empty path is always
// an error; I/O and parse errors are wrapped with their cause intact.
func Load(path string, out any) error {
	if path == "" {
		return fmt.Errorf("config path is empty")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	if err := toml.Unmarshal(b, out); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}
	return nil
}
