// Package skills loads agent skill bundles from disk. A skill is a named
// directory of files that must contain a SKILL.md manifest at its root.
package skills

import (
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
)

// ManifestName is the file every valid skill must contain.
const ManifestName = "SKILL.md"

// namePattern constrains skill names: they become directory names inside
// the sandbox and path components of remote shell commands.
var namePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,63}$`)

// Skill maps relative file paths to text content.
type Skill map[string]string

// Set maps skill names to their file bundles.
type Set map[string]Skill

// ValidName reports whether name is acceptable as a skill name.
func ValidName(name string) bool {
	return namePattern.MatchString(name)
}

// Inline wraps a single markdown document as a complete skill whose
// content becomes the SKILL.md manifest.
func Inline(content string) Skill {
	return Skill{ManifestName: content}
}

// LoadDir reads every skill subdirectory under dir into a Set. Entries
// with invalid names are skipped with a warning; directories without a
// SKILL.md are silently ignored. A missing dir yields an empty set.
func LoadDir(dir string, logger *slog.Logger) (Set, error) {
	set := Set{}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return set, nil
		}
		return nil, fmt.Errorf("reading skills directory %s: %w", dir, err)
	}

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !ValidName(name) {
			logger.Warn("skipping skill with invalid name", slog.String("name", name))
			continue
		}
		root := filepath.Join(dir, name)
		if _, err := os.Stat(filepath.Join(root, ManifestName)); err != nil {
			continue
		}
		skill, err := loadSkill(root)
		if err != nil {
			return nil, fmt.Errorf("loading skill %s: %w", name, err)
		}
		set[name] = skill
	}
	return set, nil
}

func loadSkill(root string) (Skill, error) {
	skill := Skill{}
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || d.Name() == ".DS_Store" {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		content, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		skill[filepath.ToSlash(rel)] = string(content)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return skill, nil
}
