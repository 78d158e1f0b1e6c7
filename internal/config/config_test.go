// Copyright (C) 2026 Pipewright
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	// No config file anywhere on the search path: pure defaults.
	cfg, err := NewConfig("")
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "claude", cfg.Agent.Binary)
	assert.Equal(t, "pipewright", cfg.Git.BranchNamespace)
	assert.Equal(t, 3, cfg.Pipeline.MaxConcurrentTasks)
	assert.Equal(t, 10*time.Minute, cfg.Pipeline.StageTimeout)
	assert.Equal(t, "claude-opus-4-5", cfg.Agent.Models.High)
}

func TestConfigFileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: 9999
pipeline:
  max_concurrent_tasks: 5
  stage_timeout: 30m
agent:
  default_model: claude-opus-4-5
`), 0o644))

	cfg, err := NewConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 9999, cfg.Server.Port)
	assert.Equal(t, 5, cfg.Pipeline.MaxConcurrentTasks)
	assert.Equal(t, 30*time.Minute, cfg.Pipeline.StageTimeout)
	assert.Equal(t, "claude-opus-4-5", cfg.Agent.DefaultModel)
	// Untouched keys keep their defaults.
	assert.Equal(t, "sqlite", cfg.Database.Driver)
}

func TestValidationRejectsBadValues(t *testing.T) {
	cases := []struct {
		name string
		yaml string
	}{
		{"bad port", "server:\n  port: -1\n"},
		{"bad log level", "log:\n  level: LOUD\n"},
		{"bad branch namespace", "git:\n  branch_namespace: \"with space\"\n"},
		{"zero concurrency", "pipeline:\n  max_concurrent_tasks: 0\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.yaml")
			require.NoError(t, os.WriteFile(path, []byte(tc.yaml), 0o644))

			_, err := NewConfig(path)
			require.Error(t, err)
		})
	}
}

func TestGetDSN(t *testing.T) {
	sqlite := DatabaseConfig{Driver: "sqlite", Database: "pipewright.db"}
	assert.Equal(t, "pipewright.db", sqlite.GetDSN())

	mem := DatabaseConfig{Driver: "sqlite", Database: ":memory:"}
	assert.Equal(t, "file::memory:?cache=shared", mem.GetDSN())

	pg := DatabaseConfig{
		Driver: "postgres", Host: "db", Port: 5432,
		Username: "pw", Password: "secret", Database: "pipewright", SSLMode: "disable",
	}
	assert.Contains(t, pg.GetDSN(), "host=db")
	assert.Contains(t, pg.GetDSN(), "dbname=pipewright")
}
