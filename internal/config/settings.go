package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// LoadSettings reads and parses service settings from a YAML file.
// A missing file yields the defaults; a malformed one is an error.
func LoadSettings(path string) (*Settings, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve settings path %q: %w", path, err)
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultSettings(), nil
		}
		return nil, fmt.Errorf("read settings: %w", err)
	}

	s := DefaultSettings()
	if err := yaml.Unmarshal(data, s); err != nil {
		return nil, fmt.Errorf("parse settings %s: %w", absPath, err)
	}

	applySettingsDefaults(s)

	if err := validateSettings(s); err != nil {
		return nil, err
	}
	return s, nil
}

// applySettingsDefaults fills zero values left by a partial YAML file.
func applySettingsDefaults(s *Settings) {
	def := DefaultSettings()
	if s.Service.Name == "" {
		s.Service.Name = def.Service.Name
	}
	if s.Service.LogLevel == "" {
		s.Service.LogLevel = def.Service.LogLevel
	}
	if s.Admin.Listen == "" {
		s.Admin.Listen = def.Admin.Listen
	}
	if s.Dispatch.Timeout <= 0 {
		s.Dispatch.Timeout = def.Dispatch.Timeout
	}
	if s.Dispatch.MaxInflight <= 0 {
		s.Dispatch.MaxInflight = def.Dispatch.MaxInflight
	}
	if s.Data.ConfigPath == "" {
		s.Data.ConfigPath = def.Data.ConfigPath
	}
	if s.Data.DBPath == "" {
		s.Data.DBPath = def.Data.DBPath
	}
}

func validateSettings(s *Settings) error {
	switch s.Service.LogLevel {
	case "debug", "info", "warn", "error", "DEBUG", "INFO", "WARN", "ERROR":
	default:
		return fmt.Errorf("invalid log_level %q (want debug|info|warn|error)", s.Service.LogLevel)
	}
	return nil
}
