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

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"

	"github.com/goalpost-dev/goalpost/lib/service"
)

const sampleConfig = `goalpost:
  database: /var/lib/goalpost/goalpost.db
  listen_addr: 0.0.0.0:7480
  diag_addr: 127.0.0.1:7481
  log:
    output: stderr
    severity: debug
    format: json
`

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "goalpost.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestReadConfig(t *testing.T) {
	fc, err := ReadConfig(strings.NewReader(sampleConfig))
	require.NoError(t, err)
	require.Equal(t, "/var/lib/goalpost/goalpost.db", fc.Goalpost.DatabasePath)
	require.Equal(t, "0.0.0.0:7480", fc.Goalpost.ListenAddr)
	require.Equal(t, "127.0.0.1:7481", fc.Goalpost.DiagAddr)
	require.Equal(t, "stderr", fc.Goalpost.Log.Output)
	require.Equal(t, "debug", fc.Goalpost.Log.Severity)
	require.Equal(t, "json", fc.Goalpost.Log.Format)
}

func TestReadConfigRejectsUnknownKeys(t *testing.T) {
	_, err := ReadConfig(strings.NewReader(`goalpost:
  databse: /tmp/typo.db
`))
	require.True(t, trace.IsBadParameter(err), "expected bad parameter, got %v", err)
	require.ErrorContains(t, err, "databse")
}

func TestReadConfigEmpty(t *testing.T) {
	fc, err := ReadConfig(strings.NewReader(""))
	require.NoError(t, err)
	require.NotNil(t, fc)
	require.Empty(t, fc.Goalpost.DatabasePath)
}

func TestReadConfigFile(t *testing.T) {
	t.Run("explicit path", func(t *testing.T) {
		path := writeConfigFile(t, sampleConfig)
		fc, err := ReadConfigFile(path)
		require.NoError(t, err)
		require.NotNil(t, fc)
		require.Equal(t, "/var/lib/goalpost/goalpost.db", fc.Goalpost.DatabasePath)
	})

	t.Run("explicit path missing", func(t *testing.T) {
		_, err := ReadConfigFile(filepath.Join(t.TempDir(), "nope.yaml"))
		require.True(t, trace.IsNotFound(err), "expected not found, got %v", err)
	})
}

func TestApplyFileConfig(t *testing.T) {
	t.Run("overrides set values only", func(t *testing.T) {
		cfg := service.MakeDefaultConfig()
		fc, err := ReadConfig(strings.NewReader(`goalpost:
  database: /tmp/other.db
`))
		require.NoError(t, err)
		require.NoError(t, ApplyFileConfig(fc, cfg))
		require.Equal(t, "/tmp/other.db", cfg.DatabasePath)
		require.Equal(t, service.MakeDefaultConfig().ListenAddr, cfg.ListenAddr)
	})

	t.Run("diag off disables the listener", func(t *testing.T) {
		cfg := service.MakeDefaultConfig()
		fc, err := ReadConfig(strings.NewReader(`goalpost:
  diag_addr: "off"
`))
		require.NoError(t, err)
		require.NoError(t, ApplyFileConfig(fc, cfg))
		require.Empty(t, cfg.DiagAddr)
	})

	t.Run("nil file config is a no-op", func(t *testing.T) {
		cfg := service.MakeDefaultConfig()
		want := *cfg
		require.NoError(t, ApplyFileConfig(nil, cfg))
		require.Equal(t, want, *cfg)
	})
}

func TestConfigurePrecedence(t *testing.T) {
	path := writeConfigFile(t, sampleConfig)

	t.Run("file alone", func(t *testing.T) {
		cfg := service.MakeDefaultConfig()
		err := Configure(&CommandLineFlags{ConfigFile: path}, cfg)
		require.NoError(t, err)
		require.Equal(t, "/var/lib/goalpost/goalpost.db", cfg.DatabasePath)
		require.Equal(t, "0.0.0.0:7480", cfg.ListenAddr)
		require.Equal(t, "debug", cfg.Log.Severity)
	})

	t.Run("environment beats file", func(t *testing.T) {
		t.Setenv("DATABASE_PATH", "/tmp/env.db")
		cfg := service.MakeDefaultConfig()
		err := Configure(&CommandLineFlags{ConfigFile: path}, cfg)
		require.NoError(t, err)
		require.Equal(t, "/tmp/env.db", cfg.DatabasePath)
	})

	t.Run("flags beat environment", func(t *testing.T) {
		t.Setenv("DATABASE_PATH", "/tmp/env.db")
		cfg := service.MakeDefaultConfig()
		err := Configure(&CommandLineFlags{
			ConfigFile:   path,
			DatabasePath: "/tmp/flag.db",
			ListenAddr:   "127.0.0.1:9999",
		}, cfg)
		require.NoError(t, err)
		require.Equal(t, "/tmp/flag.db", cfg.DatabasePath)
		require.Equal(t, "127.0.0.1:9999", cfg.ListenAddr)
	})

	t.Run("debug flag raises verbosity", func(t *testing.T) {
		cfg := service.MakeDefaultConfig()
		err := Configure(&CommandLineFlags{ConfigFile: path, Debug: true}, cfg)
		require.NoError(t, err)
		require.Equal(t, "debug", cfg.Log.Severity)
	})

	t.Run("missing explicit config fails", func(t *testing.T) {
		cfg := service.MakeDefaultConfig()
		err := Configure(&CommandLineFlags{ConfigFile: "/nonexistent/goalpost.yaml"}, cfg)
		require.True(t, trace.IsNotFound(err), "expected not found, got %v", err)
	})
}
