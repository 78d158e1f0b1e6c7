// Copyright (C) 2026 Pipewright
// SPDX-License-Identifier: AGPL-3.0-or-later

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pipewright/pipewright/internal/agent"
	"github.com/pipewright/pipewright/internal/bus"
	"github.com/pipewright/pipewright/internal/collab"
	"github.com/pipewright/pipewright/internal/config"
	"github.com/pipewright/pipewright/internal/costs"
	"github.com/pipewright/pipewright/internal/engine"
	"github.com/pipewright/pipewright/internal/healer"
	"github.com/pipewright/pipewright/internal/intervene"
	"github.com/pipewright/pipewright/internal/logger"
	"github.com/pipewright/pipewright/internal/server"
	"github.com/pipewright/pipewright/internal/store"
	"github.com/pipewright/pipewright/internal/workspace"
)

func main() {
	cfg, err := config.NewConfig("config.yaml")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	if err := logger.Initialize(&cfg.Log); err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.CloseGlobal()

	mainLog := logger.GetLogger("main")
	mainLog.Info().Msg("Starting pipewright server")

	db, err := store.NewGormDB(&cfg.Database)
	if err != nil {
		mainLog.Error().Err(err).Msg("Error opening database")
		os.Exit(1)
	}
	defer db.Close()

	if err := db.AutoMigrate(); err != nil {
		mainLog.Error().Err(err).Msg("Error migrating database")
		os.Exit(1)
	}

	eventBus := bus.New()
	runner := agent.NewRunner(cfg.Agent.Binary)
	ws := workspace.NewProvider(cfg.Git.BranchNamespace)
	heal := healer.New(cfg.Pipeline.RetryLimit, cfg.Pipeline.ReplanLimit)
	tracker := costs.NewTracker(db, eventBus, cfg.Pipeline.DefaultMaxBudget)
	gate := intervene.NewGate(db, eventBus, heal)

	eng := engine.New(engine.Deps{
		Config:    cfg,
		DB:        db,
		Bus:       eventBus,
		Runner:    runner,
		Workspace: ws,
		Healer:    heal,
		Costs:     tracker,
		Gate:      gate,
		Skills:    collab.NewDirSkillDistributor(cfg.Skills.Dir),
		Memory:    collab.NewDBMemoryStore(db),
		Evolution: collab.NewDBEvolutionEngine(db),
		Forge:     collab.NewFSToolForge(db, ""),
		Gates:     collab.NewCommandQualityGates(&cfg.Gates),
	})

	// Resolving an intervention after a restart re-enters the engine; the
	// gate learns how only after the engine exists.
	gate.Advance = eng.Advance

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Repair whatever the last shutdown left behind, then resume.
	resumable, err := eng.Reconcile(ctx)
	if err != nil {
		mainLog.Error().Err(err).Msg("Error reconciling crashed state")
		os.Exit(1)
	}
	for _, pl := range resumable {
		if err := eng.Resume(ctx, pl.ID); err != nil {
			mainLog.Error().Err(err).Str("pipeline_id", pl.ID).Msg("Error resuming pipeline")
		}
	}

	handlers := server.NewHandlers(db, eng, gate, tracker)
	srv := server.New(&cfg.Server, eventBus, handlers)

	serverErrChan := make(chan error, 1)
	go func() {
		serverErrChan <- srv.Run(ctx)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		mainLog.Info().Msgf("Received signal %v, shutting down...", sig)
	case err := <-serverErrChan:
		if err != nil {
			mainLog.Error().Err(err).Msg("Server error")
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		mainLog.Error().Err(err).Msg("Error shutting down server")
	}

	// Orphaned sessions are repaired by Reconcile on the next start.
	if n := runner.KillAll(); n > 0 {
		mainLog.Info().Int("count", n).Msg("Terminated running agent processes")
	}

	mainLog.Info().Msg("Server shut down")
}
