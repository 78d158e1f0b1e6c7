// Copyright (C) 2026 Pipewright
// SPDX-License-Identifier: AGPL-3.0-or-later

package store

import (
	"context"
	"fmt"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/pipewright/pipewright/internal/config"
	"github.com/pipewright/pipewright/internal/models"
)

// GormDB wraps the GORM database connection
type GormDB struct {
	db *gorm.DB
}

// NewGormDB creates a new GORM database connection
func NewGormDB(cfg *config.DatabaseConfig) (*GormDB, error) {
	var dialector gorm.Dialector

	switch cfg.Driver {
	case "sqlite":
		dialector = sqlite.Open(cfg.GetDSN())
	case "postgres":
		dialector = postgres.Open(cfg.GetDSN())
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", cfg.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent), // Reduce GORM log noise
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	return &GormDB{db: db}, nil
}

// AutoMigrate runs database migrations
func (db *GormDB) AutoMigrate() error {
	return db.db.AutoMigrate(
		&models.Project{},
		&models.Pipeline{},
		&models.Stage{},
		&models.Task{},
		&models.AgentSession{},
		&models.Plan{},
		&models.Intervention{},
		&models.Consultation{},
		&models.GeneratedTool{},
		&models.MemoryRecord{},
		&models.EvolutionLog{},
	)
}

// Ping verifies the underlying connection is alive.
func (db *GormDB) Ping(ctx context.Context) error {
	sqlDB, err := db.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close closes the database connection
func (db *GormDB) Close() error {
	sqlDB, err := db.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
