/*
 * Goalpost
 * Copyright (C) 2024  Goalpost, Inc.
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 */

// Package config reads the YAML configuration file and merges it, together
// with environment overrides and command line flags, into the runtime
// service configuration. Precedence, lowest to highest: built-in defaults,
// config file, environment, flags.
package config

import (
	"bytes"
	"io"
	"os"

	"github.com/gravitational/trace"
	"gopkg.in/yaml.v3"

	"github.com/goalpost-dev/goalpost/lib/defaults"
	"github.com/goalpost-dev/goalpost/lib/service"
)

// databasePathEnv overrides the sqlite file location. The settings-level
// overrides (PUBLIC_BASE_URL and friends) are resolved by lib/settings at
// read time, not here: they configure instance behavior, not the process.
const databasePathEnv = "DATABASE_PATH"

// CommandLineFlags carries the flags tool/goalpost parses. Zero values
// mean the flag was not set.
type CommandLineFlags struct {
	// ConfigFile is the value of --config.
	ConfigFile string
	// DatabasePath is the value of --database.
	DatabasePath string
	// ListenAddr is the value of --listen-addr.
	ListenAddr string
	// DiagAddr is the value of --diag-addr.
	DiagAddr string
	// Debug forces debug verbosity regardless of the file config.
	Debug bool
}

// FileConfig is the YAML configuration document, usually
// /etc/goalpost.yaml.
type FileConfig struct {
	Goalpost Global `yaml:"goalpost"`
}

// Global is the top-level configuration section.
type Global struct {
	// DatabasePath is the sqlite file location.
	DatabasePath string `yaml:"database,omitempty"`
	// ListenAddr is the API listen address.
	ListenAddr string `yaml:"listen_addr,omitempty"`
	// DiagAddr is the diagnostic listen address. The literal "off"
	// disables the listener.
	DiagAddr string `yaml:"diag_addr,omitempty"`
	// Log configures process logging.
	Log Log `yaml:"log,omitempty"`
}

// Log is the logging section of the file config.
type Log struct {
	// Output is "stderr", "stdout" or a file path.
	Output string `yaml:"output,omitempty"`
	// Severity is the minimum emitted level.
	Severity string `yaml:"severity,omitempty"`
	// Format is "text" or "json".
	Format string `yaml:"format,omitempty"`
}

// ReadConfigFile loads the file config. An explicitly requested path must
// exist; the default path is allowed to be absent, a fresh install runs
// fine on defaults alone.
func ReadConfigFile(cliConfigPath string) (*FileConfig, error) {
	configFilePath := defaults.ConfigFilePath
	if cliConfigPath != "" {
		configFilePath = cliConfigPath
		if _, err := os.Stat(configFilePath); err != nil {
			return nil, trace.NotFound("config file %v is not accessible: %v", configFilePath, err)
		}
	} else if _, err := os.Stat(configFilePath); err != nil {
		return nil, nil
	}
	f, err := os.Open(configFilePath)
	if err != nil {
		return nil, trace.ConvertSystemError(err)
	}
	defer f.Close()
	fc, err := ReadConfig(f)
	return fc, trace.Wrap(err)
}

// ReadConfig parses a YAML config document. Unknown keys are rejected so a
// typo fails loudly instead of silently running on defaults.
func ReadConfig(reader io.Reader) (*FileConfig, error) {
	raw, err := io.ReadAll(reader)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	var fc FileConfig
	if err := dec.Decode(&fc); err != nil {
		if err == io.EOF {
			return &FileConfig{}, nil
		}
		return nil, trace.BadParameter("failed to parse config: %v", err)
	}
	return &fc, nil
}

// ApplyFileConfig merges the file config into the runtime config. Only set
// values override.
func ApplyFileConfig(fc *FileConfig, cfg *service.Config) error {
	if fc == nil {
		return nil
	}
	if fc.Goalpost.DatabasePath != "" {
		cfg.DatabasePath = fc.Goalpost.DatabasePath
	}
	if fc.Goalpost.ListenAddr != "" {
		cfg.ListenAddr = fc.Goalpost.ListenAddr
	}
	switch fc.Goalpost.DiagAddr {
	case "":
	case "off":
		cfg.DiagAddr = ""
	default:
		cfg.DiagAddr = fc.Goalpost.DiagAddr
	}
	if fc.Goalpost.Log.Output != "" {
		cfg.Log.Output = fc.Goalpost.Log.Output
	}
	if fc.Goalpost.Log.Severity != "" {
		cfg.Log.Severity = fc.Goalpost.Log.Severity
	}
	if fc.Goalpost.Log.Format != "" {
		cfg.Log.Format = fc.Goalpost.Log.Format
	}
	return nil
}

// Configure assembles the final runtime config: file, then environment,
// then command line flags.
func Configure(clf *CommandLineFlags, cfg *service.Config) error {
	fc, err := ReadConfigFile(clf.ConfigFile)
	if err != nil {
		return trace.Wrap(err)
	}
	if err := ApplyFileConfig(fc, cfg); err != nil {
		return trace.Wrap(err)
	}
	if path, set := os.LookupEnv(databasePathEnv); set && path != "" {
		cfg.DatabasePath = path
	}
	if clf.DatabasePath != "" {
		cfg.DatabasePath = clf.DatabasePath
	}
	if clf.ListenAddr != "" {
		cfg.ListenAddr = clf.ListenAddr
	}
	if clf.DiagAddr != "" {
		cfg.DiagAddr = clf.DiagAddr
	}
	if clf.Debug {
		cfg.Log.Severity = "debug"
	}
	return nil
}
