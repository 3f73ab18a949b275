package config

import (
	"encoding/json"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// ProjectFileName is the project configuration file resolved from the
// project root.
const ProjectFileName = "sandstorm.json"

// SystemPrompt is either a plain string or a structured object carrying
// its own "append" field. Exactly one of Plain/Object is set.
type SystemPrompt struct {
	Plain  string
	Object map[string]any
}

// MarshalJSON renders the prompt in whichever form it holds.
func (s SystemPrompt) MarshalJSON() ([]byte, error) {
	if s.Object != nil {
		return json.Marshal(s.Object)
	}
	return json.Marshal(s.Plain)
}

// Append returns the structured form's append text, if any.
func (s SystemPrompt) Append() (string, bool) {
	if s.Object == nil {
		return "", false
	}
	v, ok := s.Object["append"].(string)
	return v, ok
}

// AgentsConfig holds agent definitions in either mapping or ordered list
// form. List form cannot be merged with or filtered by request overrides.
type AgentsConfig struct {
	Map  map[string]any
	List []any
}

// IsList reports whether the definitions came in list form.
func (a *AgentsConfig) IsList() bool { return a != nil && a.List != nil }

// ProjectConfig is the validated view of sandstorm.json. Pointer/nil
// fields distinguish "not configured" from "configured empty".
type ProjectConfig struct {
	SystemPrompt       *SystemPrompt
	SystemPromptAppend string
	Model              string
	MaxTurns           int
	OutputFormat       map[string]any
	Agents             *AgentsConfig
	MCPServers         map[string]any
	SkillsDir          string
	AllowedTools       []string // nil = not configured
	WebhookURL         string
	Timeout            int
	TemplateSkills     bool
}

// projectFieldTypes names the accepted JSON types per recognized field,
// for warning messages.
var projectFieldTypes = map[string]string{
	"system_prompt":        "string or object",
	"system_prompt_append": "string",
	"model":                "string",
	"max_turns":            "integer",
	"output_format":        "object",
	"agents":               "object or array",
	"mcp_servers":          "object",
	"skills_dir":           "string",
	"allowed_tools":        "array of strings",
	"webhook_url":          "string",
	"timeout":              "integer",
	"template_skills":      "bool",
}

// ProjectLoader loads sandstorm.json with mtime-based caching: the file
// is re-parsed only when its modification time changes or it disappears.
// Safe for concurrent use; a race costs at most one redundant reload.
type ProjectLoader struct {
	baseDir string
	logger  *slog.Logger

	mu     sync.Mutex
	cached *ProjectConfig
	mtime  time.Time
}

// NewProjectLoader creates a loader rooted at baseDir (the project root).
func NewProjectLoader(baseDir string, logger *slog.Logger) *ProjectLoader {
	return &ProjectLoader{baseDir: baseDir, logger: logger}
}

// Path returns the resolved sandstorm.json location.
func (l *ProjectLoader) Path() string {
	return filepath.Join(l.baseDir, ProjectFileName)
}

// Load returns the current project config, or nil when the file is
// absent or unreadable. Malformed content is logged, never fatal.
func (l *ProjectLoader) Load() *ProjectConfig {
	l.mu.Lock()
	defer l.mu.Unlock()

	path := l.Path()
	info, err := os.Stat(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return l.cached
		}
		l.cached = nil
		l.mtime = time.Time{}
		return nil
	}

	if l.cached != nil && info.ModTime().Equal(l.mtime) {
		return l.cached
	}

	data, err := os.ReadFile(path)
	if err != nil {
		l.logger.Error("sandstorm.json: failed to read", slog.String("error", err.Error()))
		return nil
	}

	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		l.logger.Error("sandstorm.json: expected a JSON object", slog.String("error", err.Error()))
		return nil
	}

	l.cached = l.validate(raw)
	l.mtime = info.ModTime()
	return l.cached
}

// validate keeps recognized, well-typed fields and drops everything else
// with a warning.
func (l *ProjectLoader) validate(raw map[string]any) *ProjectConfig {
	pc := &ProjectConfig{}
	for key, value := range raw {
		expected, known := projectFieldTypes[key]
		if !known {
			l.logger.Warn("sandstorm.json: unknown field, ignoring", slog.String("field", key))
			continue
		}
		if !l.assign(pc, key, value) {
			l.logger.Warn("sandstorm.json: field has wrong type, skipping",
				slog.String("field", key),
				slog.String("expected", expected),
			)
		}
	}

	if pc.SkillsDir != "" {
		dir := filepath.Join(l.baseDir, pc.SkillsDir)
		if info, err := os.Stat(dir); err != nil || !info.IsDir() {
			l.logger.Warn("sandstorm.json: skills_dir does not exist, ignoring",
				slog.String("skills_dir", pc.SkillsDir))
			pc.SkillsDir = ""
		}
	}
	return pc
}

// assign stores value into the matching field, reporting false on a type
// mismatch.
func (l *ProjectLoader) assign(pc *ProjectConfig, key string, value any) bool {
	switch key {
	case "system_prompt":
		switch v := value.(type) {
		case string:
			pc.SystemPrompt = &SystemPrompt{Plain: v}
		case map[string]any:
			pc.SystemPrompt = &SystemPrompt{Object: v}
		default:
			return false
		}
	case "system_prompt_append":
		return assignString(value, &pc.SystemPromptAppend)
	case "model":
		return assignString(value, &pc.Model)
	case "max_turns":
		return assignInt(value, &pc.MaxTurns)
	case "output_format":
		v, ok := value.(map[string]any)
		if !ok {
			return false
		}
		pc.OutputFormat = v
	case "agents":
		switch v := value.(type) {
		case map[string]any:
			pc.Agents = &AgentsConfig{Map: v}
		case []any:
			pc.Agents = &AgentsConfig{List: v}
		default:
			return false
		}
	case "mcp_servers":
		v, ok := value.(map[string]any)
		if !ok {
			return false
		}
		pc.MCPServers = v
	case "skills_dir":
		return assignString(value, &pc.SkillsDir)
	case "allowed_tools":
		list, ok := value.([]any)
		if !ok {
			return false
		}
		tools := make([]string, 0, len(list))
		for _, item := range list {
			s, ok := item.(string)
			if !ok {
				return false
			}
			tools = append(tools, s)
		}
		pc.AllowedTools = tools
	case "webhook_url":
		return assignString(value, &pc.WebhookURL)
	case "timeout":
		return assignInt(value, &pc.Timeout)
	case "template_skills":
		v, ok := value.(bool)
		if !ok {
			return false
		}
		pc.TemplateSkills = v
	}
	return true
}

func assignString(value any, dst *string) bool {
	v, ok := value.(string)
	if !ok {
		return false
	}
	*dst = v
	return true
}

func assignInt(value any, dst *int) bool {
	// JSON numbers decode as float64; accept only integral values.
	v, ok := value.(float64)
	if !ok || v != math.Trunc(v) {
		return false
	}
	*dst = int(v)
	return true
}
