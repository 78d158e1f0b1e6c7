// Copyright (C) 2026 Pipewright
// SPDX-License-Identifier: AGPL-3.0-or-later

package logger

import (
	"github.com/rs/zerolog"
)

// Static logger getters that map directly to config.yaml log.levels
// These ensure consistent logger names across the codebase

// GetEngineLogger returns a logger for the pipeline engine
func GetEngineLogger() zerolog.Logger {
	return GetLogger("engine")
}

// GetAgentLogger returns a logger for agent process management
func GetAgentLogger() zerolog.Logger {
	return GetLogger("agent")
}

// GetGitLogger returns a logger for git operations
func GetGitLogger() zerolog.Logger {
	return GetLogger("git")
}

// GetDatabaseLogger returns a logger for database operations
func GetDatabaseLogger() zerolog.Logger {
	return GetLogger("database")
}

// GetAPILogger returns a logger for API operations
func GetAPILogger() zerolog.Logger {
	return GetLogger("api")
}

// GetInterveneLogger returns a logger for the intervention gate
func GetInterveneLogger() zerolog.Logger {
	return GetLogger("intervene")
}
