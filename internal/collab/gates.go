// Copyright (C) 2026 Pipewright
// SPDX-License-Identifier: AGPL-3.0-or-later

package collab

import (
	"context"
	"os/exec"
	"strings"

	"github.com/pipewright/pipewright/internal/config"
)

// CommandQualityGates runs configured shell commands as gate checks. An
// unconfigured command passes unconditionally.
type CommandQualityGates struct {
	cfg *config.GatesConfig
}

// NewCommandQualityGates creates gates from configuration.
func NewCommandQualityGates(cfg *config.GatesConfig) *CommandQualityGates {
	return &CommandQualityGates{cfg: cfg}
}

func (g *CommandQualityGates) run(ctx context.Context, workDir, name, command string) *GateResult {
	if command == "" {
		return &GateResult{OK: true, Checks: name + ": skipped (not configured)"}
	}

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = workDir
	out, err := cmd.CombinedOutput()
	output := strings.TrimSpace(string(out))

	if err != nil {
		getLog().Warn().
			Str("gate", name).
			Str("work_dir", workDir).
			Err(err).
			Msg("Quality gate failed")
		return &GateResult{
			OK:     false,
			Checks: output,
			Err:    err.Error(),
		}
	}

	getLog().Debug().Str("gate", name).Msg("Quality gate passed")
	return &GateResult{OK: true, Checks: output}
}

// Preflight implements QualityGates.
func (g *CommandQualityGates) Preflight(ctx context.Context, workDir string) *GateResult {
	return g.run(ctx, workDir, "preflight", g.cfg.PreflightCommand)
}

// FastGate implements QualityGates.
func (g *CommandQualityGates) FastGate(ctx context.Context, workDir string) *GateResult {
	return g.run(ctx, workDir, "fast", g.cfg.FastCommand)
}

// Smoke implements QualityGates.
func (g *CommandQualityGates) Smoke(ctx context.Context, workDir string) *GateResult {
	return g.run(ctx, workDir, "smoke", g.cfg.SmokeCommand)
}
