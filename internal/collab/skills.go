// Copyright (C) 2026 Pipewright
// SPDX-License-Identifier: AGPL-3.0-or-later

package collab

import (
	"context"
	"os"
	"path/filepath"
)

// DirSkillDistributor serves skill packs from a directory layout of
// <dir>/<task-type>/<skill-name>/, plus domain-scoped skills under
// <dir>/domains/<domain>/<skill-name>/. Each skill directory is handed to the
// agent as a plugin dir; a SKILL.md inside becomes a prompt snippet.
type DirSkillDistributor struct {
	dir string
}

// NewDirSkillDistributor creates a distributor rooted at dir. An empty or
// missing dir yields empty packs, which the engine treats as "forge a tool".
func NewDirSkillDistributor(dir string) *DirSkillDistributor {
	return &DirSkillDistributor{dir: dir}
}

// PackFor implements SkillDistributor.
func (d *DirSkillDistributor) PackFor(ctx context.Context, taskType, domain string) (*SkillPack, error) {
	pack := &SkillPack{}
	if d.dir == "" {
		return pack, nil
	}

	if err := d.collect(filepath.Join(d.dir, taskType), pack); err != nil {
		return nil, err
	}
	if domain != "" {
		if err := d.collect(filepath.Join(d.dir, "domains", domain), pack); err != nil {
			return nil, err
		}
	}

	getLog().Debug().
		Str("task_type", taskType).
		Str("domain", domain).
		Strs("skills", pack.Skills).
		Msg("Assembled skill pack")
	return pack, nil
}

// collect appends every skill directory under root to the pack. A missing
// root is not an error.
func (d *DirSkillDistributor) collect(root string, pack *SkillPack) error {
	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		skillDir := filepath.Join(root, entry.Name())
		pack.Skills = append(pack.Skills, entry.Name())
		pack.PluginDirs = append(pack.PluginDirs, skillDir)

		snippet, err := os.ReadFile(filepath.Join(skillDir, "SKILL.md"))
		if err == nil && len(snippet) > 0 {
			pack.ClaudeMdSnippets = append(pack.ClaudeMdSnippets, string(snippet))
		}
	}
	return nil
}
