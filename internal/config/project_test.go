package config

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func newTestLoader(t *testing.T) (*ProjectLoader, string) {
	t.Helper()
	dir := t.TempDir()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewProjectLoader(dir, logger), dir
}

func writeProject(t *testing.T, dir, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, ProjectFileName), []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
}

func TestProjectLoad_Absent(t *testing.T) {
	loader, _ := newTestLoader(t)
	if pc := loader.Load(); pc != nil {
		t.Errorf("Load = %+v, want nil", pc)
	}
}

func TestProjectLoad_Fields(t *testing.T) {
	loader, dir := newTestLoader(t)
	writeProject(t, dir, `{
		"model": "claude-opus-4",
		"max_turns": 12,
		"system_prompt": "be brief",
		"allowed_tools": ["Read", "Write"],
		"timeout": 600,
		"template_skills": true,
		"mcp_servers": {"linear": {"type": "http"}}
	}`)

	pc := loader.Load()
	if pc == nil {
		t.Fatal("Load returned nil")
	}
	if pc.Model != "claude-opus-4" || pc.MaxTurns != 12 || pc.Timeout != 600 {
		t.Errorf("pc = %+v", pc)
	}
	if pc.SystemPrompt == nil || pc.SystemPrompt.Plain != "be brief" {
		t.Errorf("system prompt = %+v", pc.SystemPrompt)
	}
	if len(pc.AllowedTools) != 2 {
		t.Errorf("allowed_tools = %v", pc.AllowedTools)
	}
	if !pc.TemplateSkills {
		t.Error("template_skills not set")
	}
	if _, ok := pc.MCPServers["linear"]; !ok {
		t.Errorf("mcp_servers = %v", pc.MCPServers)
	}
}

func TestProjectLoad_UnknownFieldIgnored(t *testing.T) {
	loader, dir := newTestLoader(t)
	writeProject(t, dir, `{"model": "m", "totally_unknown": 1}`)

	pc := loader.Load()
	if pc == nil || pc.Model != "m" {
		t.Fatalf("pc = %+v", pc)
	}
}

func TestProjectLoad_WrongTypeSkipped(t *testing.T) {
	loader, dir := newTestLoader(t)
	writeProject(t, dir, `{"model": 42, "max_turns": "ten", "timeout": 1.5, "allowed_tools": ["Read", 7]}`)

	pc := loader.Load()
	if pc == nil {
		t.Fatal("Load returned nil")
	}
	if pc.Model != "" || pc.MaxTurns != 0 || pc.Timeout != 0 || pc.AllowedTools != nil {
		t.Errorf("mistyped fields should be skipped: %+v", pc)
	}
}

func TestProjectLoad_AgentsListForm(t *testing.T) {
	loader, dir := newTestLoader(t)
	writeProject(t, dir, `{"agents": [{"name": "reviewer"}]}`)

	pc := loader.Load()
	if pc == nil || pc.Agents == nil || !pc.Agents.IsList() {
		t.Fatalf("agents = %+v", pc.Agents)
	}
}

func TestProjectLoad_MalformedJSON(t *testing.T) {
	loader, dir := newTestLoader(t)
	writeProject(t, dir, `not json`)
	if pc := loader.Load(); pc != nil {
		t.Errorf("Load = %+v, want nil", pc)
	}
}

func TestProjectLoad_SkillsDirMustExist(t *testing.T) {
	loader, dir := newTestLoader(t)
	writeProject(t, dir, `{"skills_dir": "no-such-dir"}`)

	pc := loader.Load()
	if pc == nil || pc.SkillsDir != "" {
		t.Errorf("skills_dir = %q, want cleared", pc.SkillsDir)
	}

	if err := os.Mkdir(filepath.Join(dir, "skills"), 0750); err != nil {
		t.Fatal(err)
	}
	writeProject(t, dir, `{"skills_dir": "skills"}`)
	// Force a reload past the mtime cache.
	future := time.Now().Add(2 * time.Second)
	if err := os.Chtimes(loader.Path(), future, future); err != nil {
		t.Fatal(err)
	}
	pc = loader.Load()
	if pc == nil || pc.SkillsDir != "skills" {
		t.Errorf("skills_dir = %q, want skills", pc.SkillsDir)
	}
}

func TestProjectLoad_MtimeCache(t *testing.T) {
	loader, dir := newTestLoader(t)
	writeProject(t, dir, `{"model": "first"}`)

	first := loader.Load()
	second := loader.Load()
	if first != second {
		t.Error("unchanged file should return the cached config")
	}

	writeProject(t, dir, `{"model": "second"}`)
	future := time.Now().Add(2 * time.Second)
	if err := os.Chtimes(loader.Path(), future, future); err != nil {
		t.Fatal(err)
	}
	third := loader.Load()
	if third == nil || third.Model != "second" {
		t.Errorf("reload = %+v, want model second", third)
	}

	// Removing the file invalidates the cache.
	if err := os.Remove(loader.Path()); err != nil {
		t.Fatal(err)
	}
	if pc := loader.Load(); pc != nil {
		t.Errorf("Load after remove = %+v, want nil", pc)
	}
}
