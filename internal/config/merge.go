package config

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jkaninda/sandstorm/internal/protocol"
	"github.com/jkaninda/sandstorm/internal/skills"
)

const (
	// DefaultTimeout is the sandbox lifetime applied when neither the
	// request nor the project config sets one.
	DefaultTimeout = 300

	// WorkDir is the agent's working directory inside the sandbox.
	WorkDir = "/home/user"

	// SkillTool is the reserved tool name that lets the agent invoke
	// skills. Appended to config-sourced tool whitelists when skills
	// are active.
	SkillTool = "Skill"
)

// ErrAgentsNotMergeable is returned when the project config defines
// agents as an ordered list and the request tries to extend or filter
// them — list form has no keys to merge or intersect on.
var ErrAgentsNotMergeable = errors.New("extra_agents and allowed_agents require agents to be an object in sandstorm.json, got array")

// AgentConfig is the single authoritative record handed to the agent
// process inside the sandbox, serialized as agent_config.json. Nullable
// fields marshal as null so the runner can distinguish "not configured"
// from "configured empty".
type AgentConfig struct {
	Prompt       string         `json:"prompt"`
	Cwd          string         `json:"cwd"`
	Model        string         `json:"model,omitempty"`
	MaxTurns     int            `json:"max_turns,omitempty"`
	SystemPrompt *SystemPrompt  `json:"system_prompt"`
	OutputFormat map[string]any `json:"output_format"`
	Agents       any            `json:"agents"`      // object, array, or null
	MCPServers   map[string]any `json:"mcp_servers"` // null = not configured
	HasSkills    bool           `json:"has_skills"`
	AllowedTools []string       `json:"allowed_tools"` // null = all tools
	Timeout      int            `json:"timeout"`
}

// BuildAgentConfig reconciles per-request overrides with the project
// config and the on-disk skill set into one authoritative agent
// configuration plus the merged skill set to upload. Pure function: no
// I/O, and the inputs are never mutated.
func BuildAgentConfig(req *protocol.QueryRequest, pc *ProjectConfig, disk skills.Set) (*AgentConfig, skills.Set, error) {
	if pc == nil {
		pc = &ProjectConfig{}
	}

	// Skills: merge inline extras first, then apply the whitelist so
	// extras not on the whitelist are dropped too. Template-baked skills
	// are not part of the merged set but still count for has_skills.
	merged := make(skills.Set, len(disk)+len(req.ExtraSkills))
	for name, skill := range disk {
		merged[name] = skill
	}
	for name, content := range req.ExtraSkills {
		if !skills.ValidName(name) {
			return nil, nil, fmt.Errorf("invalid skill name %q", name)
		}
		merged[name] = skills.Inline(content)
	}
	if req.AllowedSkills != nil {
		allowed := toSet(req.AllowedSkills)
		for name := range merged {
			if _, ok := allowed[name]; !ok {
				delete(merged, name)
			}
		}
	}

	hasSkills := len(merged) > 0 || pc.TemplateSkills

	// MCP servers: intersect by key when a whitelist is present.
	mcpServers := pc.MCPServers
	if mcpServers != nil && req.AllowedMCPServers != nil {
		allowed := toSet(req.AllowedMCPServers)
		filtered := make(map[string]any)
		for name, def := range mcpServers {
			if _, ok := allowed[name]; ok {
				filtered[name] = def
			}
		}
		mcpServers = filtered
	}

	agents, err := mergeAgents(req, pc.Agents)
	if err != nil {
		return nil, nil, err
	}

	allowedTools := mergeTools(req, pc, hasSkills)

	timeout := req.Timeout
	if timeout == 0 {
		timeout = pc.Timeout
	}
	if timeout == 0 {
		timeout = DefaultTimeout
	}

	model := req.Model
	if model == "" {
		model = pc.Model
	}
	maxTurns := req.MaxTurns
	if maxTurns == 0 {
		maxTurns = pc.MaxTurns
	}

	cfg := &AgentConfig{
		Prompt:       req.Prompt,
		Cwd:          WorkDir,
		Model:        model,
		MaxTurns:     maxTurns,
		SystemPrompt: mergeSystemPrompt(pc),
		OutputFormat: mergeOutputFormat(req, pc),
		Agents:       agents,
		MCPServers:   mcpServers,
		HasSkills:    hasSkills,
		AllowedTools: allowedTools,
		Timeout:      timeout,
	}
	return cfg, merged, nil
}

// mergeAgents adds inline extras into the mapping form (overwriting on
// key collision) and applies the whitelist. List form survives untouched
// but rejects any request-level agent controls.
func mergeAgents(req *protocol.QueryRequest, cfg *AgentsConfig) (any, error) {
	if cfg.IsList() {
		if len(req.ExtraAgents) > 0 || req.AllowedAgents != nil {
			return nil, ErrAgentsNotMergeable
		}
		return cfg.List, nil
	}

	var agents map[string]any
	if cfg != nil && cfg.Map != nil {
		agents = make(map[string]any, len(cfg.Map))
		for name, def := range cfg.Map {
			agents[name] = def
		}
	}
	if len(req.ExtraAgents) > 0 {
		if agents == nil {
			agents = make(map[string]any, len(req.ExtraAgents))
		}
		for name, def := range req.ExtraAgents {
			agents[name] = def
		}
	}
	if agents != nil && req.AllowedAgents != nil {
		allowed := toSet(req.AllowedAgents)
		for name := range agents {
			if _, ok := allowed[name]; !ok {
				delete(agents, name)
			}
		}
	}
	if agents == nil {
		return nil, nil
	}
	return agents, nil
}

// mergeTools resolves the tool whitelist: an explicit request whitelist
// wins outright; only config-sourced whitelists get the Skill tool
// appended when skills are active. The result never holds duplicates.
func mergeTools(req *protocol.QueryRequest, pc *ProjectConfig, hasSkills bool) []string {
	fromRequest := req.AllowedTools != nil
	var tools []string
	if fromRequest {
		tools = req.AllowedTools
	} else {
		tools = pc.AllowedTools
	}
	if tools == nil {
		return nil
	}

	deduped := make([]string, 0, len(tools)+1)
	seen := make(map[string]struct{}, len(tools)+1)
	for _, tool := range tools {
		if _, ok := seen[tool]; ok {
			continue
		}
		seen[tool] = struct{}{}
		deduped = append(deduped, tool)
	}
	if hasSkills && !fromRequest {
		if _, ok := seen[SkillTool]; !ok {
			deduped = append(deduped, SkillTool)
		}
	}
	return deduped
}

// mergeSystemPrompt combines the config's system_prompt_append with the
// effective system prompt. Structured prompts concatenate or gain an
// append field; plain prompts concatenate with a blank-line separator;
// a lone append text becomes the whole prompt.
func mergeSystemPrompt(pc *ProjectConfig) *SystemPrompt {
	prompt := pc.SystemPrompt
	appendText := pc.SystemPromptAppend
	if appendText == "" {
		return prompt
	}
	if prompt == nil {
		return &SystemPrompt{Plain: appendText}
	}
	if prompt.Object != nil {
		obj := make(map[string]any, len(prompt.Object)+1)
		for k, v := range prompt.Object {
			obj[k] = v
		}
		if existing, ok := obj["append"]; ok {
			s, _ := existing.(string)
			obj["append"] = s + "\n\n" + appendText
		} else {
			obj["append"] = appendText
		}
		return &SystemPrompt{Object: obj}
	}
	return &SystemPrompt{Plain: prompt.Plain + "\n\n" + appendText}
}

// mergeOutputFormat prefers the request's spec over the config's. An
// explicitly empty object means "structured output disabled" and maps
// to nil.
func mergeOutputFormat(req *protocol.QueryRequest, pc *ProjectConfig) map[string]any {
	if req.OutputFormat != nil {
		var format map[string]any
		if err := json.Unmarshal(req.OutputFormat, &format); err != nil || len(format) == 0 {
			return nil
		}
		return format
	}
	if len(pc.OutputFormat) == 0 {
		return nil
	}
	return pc.OutputFormat
}

func toSet(items []string) map[string]struct{} {
	set := make(map[string]struct{}, len(items))
	for _, item := range items {
		set[item] = struct{}{}
	}
	return set
}
