// Copyright (C) 2026 Pipewright
// SPDX-License-Identifier: AGPL-3.0-or-later

package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/pipewright/pipewright/internal/config"
)

// Manager manages multiple loggers for different packages
type Manager struct {
	config         *config.LogConfig
	globalLogger   zerolog.Logger
	packageLoggers map[string]zerolog.Logger
	mu             sync.RWMutex
	writers        []io.Writer
}

// NewManager creates a new logger manager
func NewManager(cfg *config.LogConfig) (*Manager, error) {
	m := &Manager{
		config:         cfg,
		packageLoggers: make(map[string]zerolog.Logger),
		writers:        make([]io.Writer, 0),
	}

	globalLevel := parseLevel(cfg.Level)
	zerolog.SetGlobalLevel(globalLevel)
	zerolog.TimeFieldFormat = time.RFC3339Nano

	writers, err := m.createWriters(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create log writers: %w", err)
	}
	m.writers = writers

	var multiWriter io.Writer
	switch len(writers) {
	case 0:
		// If no writers configured, fall back to a default file writer to ensure logs aren't lost
		defaultPath := "./logs/pipewright-fallback.log"
		if err := os.MkdirAll(filepath.Dir(defaultPath), 0755); err != nil {
			return nil, fmt.Errorf("failed to create fallback log directory: %w", err)
		}
		file, err := os.OpenFile(defaultPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
		if err != nil {
			return nil, fmt.Errorf("failed to create fallback log file: %w", err)
		}
		m.writers = append(m.writers, file)
		multiWriter = file
	case 1:
		multiWriter = writers[0]
	default:
		multiWriter = io.MultiWriter(writers...)
	}

	m.globalLogger = m.createLogger(multiWriter, globalLevel)

	// Do not override zerolog's default logger to avoid affecting other libraries.
	// Each package should explicitly get its logger via GetLogger().

	return m, nil
}

// createWriters creates all configured output writers
func (m *Manager) createWriters(cfg *config.LogConfig) ([]io.Writer, error) {
	var writers []io.Writer

	for _, output := range cfg.Output {
		if !output.Enabled {
			continue
		}

		switch output.Type {
		case "console":
			var w io.Writer
			if cfg.Format == "console" {
				w = zerolog.ConsoleWriter{
					Out:        os.Stderr,
					TimeFormat: "15:04:05.000",
					FormatLevel: func(i interface{}) string {
						return strings.ToUpper(fmt.Sprintf("| %-6s|", i))
					},
				}
			} else {
				w = os.Stderr
			}
			writers = append(writers, w)

		case "file":
			if err := os.MkdirAll(filepath.Dir(output.Path), 0755); err != nil {
				return nil, fmt.Errorf("failed to create log directory: %w", err)
			}

			if output.Rotate.MaxSizeMB > 0 {
				w := &lumberjack.Logger{
					Filename:   output.Path,
					MaxSize:    output.Rotate.MaxSizeMB,
					MaxBackups: output.Rotate.MaxBackups,
					MaxAge:     output.Rotate.MaxAgeDays,
					Compress:   output.Rotate.Compress,
				}
				m.writers = append(m.writers, w)
				writers = append(writers, w)
			} else {
				file, err := os.OpenFile(output.Path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
				if err != nil {
					return nil, fmt.Errorf("failed to open log file %s: %w", output.Path, err)
				}
				m.writers = append(m.writers, file)
				writers = append(writers, file)
			}

		default:
			return nil, fmt.Errorf("unsupported output type: %s", output.Type)
		}
	}

	return writers, nil
}

// createLogger creates a configured zerolog logger
func (m *Manager) createLogger(w io.Writer, level zerolog.Level) zerolog.Logger {
	ctx := zerolog.New(w).Level(level)

	if m.config.Context.IncludeTimestamp {
		ctx = ctx.With().Timestamp().Logger()
	}
	if m.config.Context.IncludeCaller {
		ctx = ctx.With().Caller().Logger()
	}

	return ctx
}

// GetLogger returns a logger for a specific package
func (m *Manager) GetLogger(pkg string) zerolog.Logger {
	m.mu.RLock()
	if logger, exists := m.packageLoggers[pkg]; exists {
		m.mu.RUnlock()
		return logger
	}
	m.mu.RUnlock()

	m.mu.Lock()
	defer m.mu.Unlock()

	// Check again in case it was created while waiting for lock
	if logger, exists := m.packageLoggers[pkg]; exists {
		return logger
	}

	level := parseLevel(m.config.Level)
	if pkgLevel, exists := m.config.Levels[pkg]; exists {
		level = parseLevel(pkgLevel)
	}

	logger := m.globalLogger.With().Str("pkg", pkg).Logger().Level(level)
	m.packageLoggers[pkg] = logger

	return logger
}

// Close closes all file writers
func (m *Manager) Close() error {
	for _, w := range m.writers {
		if closer, ok := w.(io.Closer); ok {
			if err := closer.Close(); err != nil {
				return err
			}
		}
	}
	return nil
}

// parseLevel converts string level to zerolog.Level
func parseLevel(level string) zerolog.Level {
	switch strings.ToUpper(level) {
	case "TRACE":
		return zerolog.TraceLevel
	case "DEBUG":
		return zerolog.DebugLevel
	case "INFO":
		return zerolog.InfoLevel
	case "WARN", "WARNING":
		return zerolog.WarnLevel
	case "ERROR":
		return zerolog.ErrorLevel
	case "FATAL":
		return zerolog.FatalLevel
	case "PANIC":
		return zerolog.PanicLevel
	default:
		return zerolog.InfoLevel
	}
}

// Global manager instance
var globalManager *Manager
var once sync.Once

// Initialize initializes the global logger manager
func Initialize(cfg *config.LogConfig) error {
	var err error
	once.Do(func() {
		globalManager, err = NewManager(cfg)
	})
	return err
}

// GetLogger returns a logger for the specified package
func GetLogger(pkg string) zerolog.Logger {
	if globalManager == nil {
		// Return a discard logger if not initialized to avoid stdout/stderr pollution
		return zerolog.New(io.Discard).With().Timestamp().Logger()
	}
	return globalManager.GetLogger(pkg)
}

// CloseGlobal closes the global logger manager
func CloseGlobal() error {
	if globalManager != nil {
		return globalManager.Close()
	}
	return nil
}
