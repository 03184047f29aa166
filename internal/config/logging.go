package config

import "thinkwatch/internal/logging"

// LoggingConfig configures logging.
type LoggingConfig struct {
	Level      string          `yaml:"level" toml:"level"`           // debug, info, warn, error
	Format     string          `yaml:"format" toml:"format"`         // json, console
	DebugMode  bool            `yaml:"debug_mode" toml:"debug_mode"` // Master toggle - false = no logging (production)
	Categories map[string]bool `yaml:"categories" toml:"categories"` // Per-category toggles
}

// ToLogging converts to the logging package's config.
func (c LoggingConfig) ToLogging() logging.Config {
	return logging.Config{
		DebugMode:  c.DebugMode,
		Level:      c.Level,
		Format:     c.Format,
		Categories: c.Categories,
	}
}
