// PicoClaw - Ultra-lightweight personal AI agent
// Inspired by and based on nanobot: https://github.com/HKUDS/nanobot
// License: MIT
//
// Copyright (c) 2026 PicoClaw contributors

// Package skills loads skill definitions from SKILL.md files. A skill is a
// directory containing a SKILL.md that documents a capability the agent can
// invoke via the exec/read_file tools (scripts, playbooks, reference docs).
package skills

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Skill describes one discovered skill directory.
type Skill struct {
	Name        string
	Description string
	Path        string // path to the skill's SKILL.md
	Source      string // "workspace", "global", or "builtin"
}

// SkillsLoader discovers skills from up to three locations, in priority
// order: the per-workspace skills directory (highest priority), a global
// per-user directory, then a builtin directory shipped alongside the
// binary. A skill name found in a higher-priority directory shadows the
// same name found in a lower-priority one.
type SkillsLoader struct {
	workspaceSkillsDir string
	globalSkillsDir    string
	builtinSkillsDir   string
}

// NewSkillsLoader creates a SkillsLoader rooted at workspace's "skills"
// subdirectory, plus the given global and builtin skill directories. Any
// directory that doesn't exist is silently skipped during discovery.
func NewSkillsLoader(workspace, globalSkillsDir, builtinSkillsDir string) *SkillsLoader {
	return &SkillsLoader{
		workspaceSkillsDir: filepath.Join(workspace, "skills"),
		globalSkillsDir:    globalSkillsDir,
		builtinSkillsDir:   builtinSkillsDir,
	}
}

// ListSkills returns every discovered skill, deduplicated by name with
// workspace skills taking priority over global, and global over builtin.
func (l *SkillsLoader) ListSkills() []Skill {
	byName := make(map[string]Skill)

	// Lowest priority first so later passes overwrite.
	l.scanInto(byName, l.builtinSkillsDir, "builtin")
	l.scanInto(byName, l.globalSkillsDir, "global")
	l.scanInto(byName, l.workspaceSkillsDir, "workspace")

	names := make([]string, 0, len(byName))
	for name := range byName {
		names = append(names, name)
	}
	sort.Strings(names)

	result := make([]Skill, 0, len(names))
	for _, name := range names {
		result = append(result, byName[name])
	}
	return result
}

func (l *SkillsLoader) scanInto(byName map[string]Skill, dir, source string) {
	if dir == "" {
		return
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		skillPath := filepath.Join(dir, entry.Name(), "SKILL.md")
		data, err := os.ReadFile(skillPath)
		if err != nil {
			continue
		}

		name := entry.Name()
		description := parseSkillDescription(string(data))
		byName[name] = Skill{
			Name:        name,
			Description: description,
			Path:        skillPath,
			Source:      source,
		}
	}
}

// parseSkillDescription extracts a one-line description from a SKILL.md's
// optional YAML front matter ("description: ...") or, failing that, the
// first non-empty, non-heading line of the body.
func parseSkillDescription(content string) string {
	lines := strings.Split(content, "\n")

	if len(lines) > 0 && strings.TrimSpace(lines[0]) == "---" {
		for i := 1; i < len(lines); i++ {
			line := strings.TrimSpace(lines[i])
			if line == "---" {
				break
			}
			if strings.HasPrefix(line, "description:") {
				return strings.TrimSpace(strings.TrimPrefix(line, "description:"))
			}
		}
	}

	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") || trimmed == "---" {
			continue
		}
		return trimmed
	}
	return ""
}

// BuildSkillsSummary renders a short "name: description" listing of every
// discovered skill, suitable for embedding in a system prompt.
func (l *SkillsLoader) BuildSkillsSummary() string {
	all := l.ListSkills()
	if len(all) == 0 {
		return ""
	}

	var sb strings.Builder
	for _, s := range all {
		if s.Description != "" {
			sb.WriteString("- " + s.Name + ": " + s.Description + "\n")
		} else {
			sb.WriteString("- " + s.Name + "\n")
		}
	}
	return sb.String()
}

// LoadSkillsForContext returns the full SKILL.md content of each named
// skill, concatenated with headers, for skills that should be injected
// directly into context rather than discovered by name.
func (l *SkillsLoader) LoadSkillsForContext(names []string) string {
	if len(names) == 0 {
		return ""
	}

	byName := make(map[string]Skill)
	for _, s := range l.ListSkills() {
		byName[s.Name] = s
	}

	var sb strings.Builder
	for _, name := range names {
		s, ok := byName[name]
		if !ok {
			continue
		}
		data, err := os.ReadFile(s.Path)
		if err != nil {
			continue
		}
		sb.WriteString("## " + name + "\n\n")
		sb.WriteString(string(data))
		sb.WriteString("\n\n")
	}
	return sb.String()
}
