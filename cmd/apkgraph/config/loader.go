// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

var configValidate = validator.New()

// Load reads the YAML file at path over DefaultConfig and validates the
// result. A missing file at the default location yields the defaults; a
// missing file named explicitly is an error.
//
// # Inputs
//
//   - path: Config file path. Empty means DefaultFileName in the working
//     directory.
//
// # Outputs
//
//   - Config: Defaults overlaid with the file's values.
//   - error: Read, parse or validation failure.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()

	explicit := path != ""
	if !explicit {
		path = DefaultFileName
	}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist) && !explicit:
	default:
		return Config{}, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	if err := Validate(cfg); err != nil {
		return Config{}, fmt.Errorf("invalid config %s: %w", path, err)
	}
	cfg.Ledger.Dir = expandHome(cfg.Ledger.Dir)
	return cfg, nil
}

// Validate checks struct tags across every section.
func Validate(cfg Config) error {
	return configValidate.Struct(cfg)
}

// WriteDefault writes DefaultConfig to path. An existing file is only
// replaced when force is set.
func WriteDefault(path string, force bool) error {
	if path == "" {
		path = DefaultFileName
	}
	if _, err := os.Stat(path); err == nil && !force {
		return fmt.Errorf("config %s already exists", path)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create the config directory %w", err)
		}
	}
	data, err := yaml.Marshal(DefaultConfig())
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

func expandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}
