package config

import (
	"encoding/json"
	"errors"
	"reflect"
	"testing"

	"github.com/jkaninda/sandstorm/internal/protocol"
	"github.com/jkaninda/sandstorm/internal/skills"
)

func TestBuildAgentConfig_Defaults(t *testing.T) {
	req := &protocol.QueryRequest{Prompt: "hello"}

	cfg, merged, err := BuildAgentConfig(req, nil, skills.Set{})
	if err != nil {
		t.Fatalf("BuildAgentConfig: %v", err)
	}
	if cfg.Prompt != "hello" || cfg.Cwd != WorkDir {
		t.Errorf("cfg = %+v", cfg)
	}
	if cfg.Timeout != DefaultTimeout {
		t.Errorf("timeout = %d, want %d", cfg.Timeout, DefaultTimeout)
	}
	if cfg.HasSkills {
		t.Error("has_skills should be false with no skills")
	}
	if len(merged) != 0 {
		t.Errorf("merged = %v", merged)
	}
	if cfg.AllowedTools != nil {
		t.Errorf("allowed_tools = %v, want nil (all tools)", cfg.AllowedTools)
	}
}

func TestBuildAgentConfig_TimeoutCascade(t *testing.T) {
	pc := &ProjectConfig{Timeout: 600}

	cfg, _, err := BuildAgentConfig(&protocol.QueryRequest{Prompt: "p"}, pc, skills.Set{})
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Timeout != 600 {
		t.Errorf("timeout = %d, config should win over default", cfg.Timeout)
	}

	cfg, _, err = BuildAgentConfig(&protocol.QueryRequest{Prompt: "p", Timeout: 120}, pc, skills.Set{})
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Timeout != 120 {
		t.Errorf("timeout = %d, request should win over config", cfg.Timeout)
	}
}

func TestBuildAgentConfig_ModelAndTurnsCascade(t *testing.T) {
	pc := &ProjectConfig{Model: "config-model", MaxTurns: 5}

	cfg, _, err := BuildAgentConfig(&protocol.QueryRequest{Prompt: "p", Model: "req-model", MaxTurns: 9}, pc, skills.Set{})
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Model != "req-model" || cfg.MaxTurns != 9 {
		t.Errorf("cfg = %+v, request should win", cfg)
	}

	cfg, _, err = BuildAgentConfig(&protocol.QueryRequest{Prompt: "p"}, pc, skills.Set{})
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Model != "config-model" || cfg.MaxTurns != 5 {
		t.Errorf("cfg = %+v, config should fill gaps", cfg)
	}
}

func TestBuildAgentConfig_SkillMerge(t *testing.T) {
	disk := skills.Set{
		"deploy": skills.Inline("deploy skill"),
		"lint":   skills.Inline("lint skill"),
	}
	req := &protocol.QueryRequest{
		Prompt:        "p",
		ExtraSkills:   map[string]string{"review": "review skill"},
		AllowedSkills: []string{"deploy", "review"},
	}

	cfg, merged, err := BuildAgentConfig(req, nil, disk)
	if err != nil {
		t.Fatal(err)
	}
	if !cfg.HasSkills {
		t.Error("has_skills should be true")
	}
	if _, ok := merged["lint"]; ok {
		t.Error("lint not on the whitelist, should be dropped")
	}
	if _, ok := merged["deploy"]; !ok {
		t.Error("deploy missing from merged set")
	}
	if _, ok := merged["review"]; !ok {
		t.Error("inline extra missing from merged set")
	}
}

func TestBuildAgentConfig_EmptyWhitelistDropsAll(t *testing.T) {
	disk := skills.Set{"deploy": skills.Inline("x")}
	req := &protocol.QueryRequest{Prompt: "p", AllowedSkills: []string{}}

	cfg, merged, err := BuildAgentConfig(req, nil, disk)
	if err != nil {
		t.Fatal(err)
	}
	if len(merged) != 0 {
		t.Errorf("merged = %v, want empty", merged)
	}
	if cfg.HasSkills {
		t.Error("has_skills should be false")
	}
}

func TestBuildAgentConfig_TemplateSkillsCountForHasSkills(t *testing.T) {
	pc := &ProjectConfig{TemplateSkills: true}
	cfg, merged, err := BuildAgentConfig(&protocol.QueryRequest{Prompt: "p"}, pc, skills.Set{})
	if err != nil {
		t.Fatal(err)
	}
	if !cfg.HasSkills {
		t.Error("template skills must count for has_skills")
	}
	if len(merged) != 0 {
		t.Errorf("merged = %v, template skills are not uploaded", merged)
	}
}

func TestBuildAgentConfig_InvalidSkillName(t *testing.T) {
	req := &protocol.QueryRequest{
		Prompt:      "p",
		ExtraSkills: map[string]string{"../escape": "x"},
	}
	if _, _, err := BuildAgentConfig(req, nil, skills.Set{}); err == nil {
		t.Fatal("expected invalid skill name error")
	}
}

func TestBuildAgentConfig_MCPWhitelist(t *testing.T) {
	pc := &ProjectConfig{MCPServers: map[string]any{
		"linear": map[string]any{"type": "http"},
		"github": map[string]any{"type": "http"},
	}}

	// No whitelist: everything passes.
	cfg, _, err := BuildAgentConfig(&protocol.QueryRequest{Prompt: "p"}, pc, skills.Set{})
	if err != nil {
		t.Fatal(err)
	}
	if len(cfg.MCPServers) != 2 {
		t.Errorf("mcp servers = %v", cfg.MCPServers)
	}

	// Whitelist intersects.
	cfg, _, err = BuildAgentConfig(&protocol.QueryRequest{Prompt: "p", AllowedMCPServers: []string{"linear"}}, pc, skills.Set{})
	if err != nil {
		t.Fatal(err)
	}
	if len(cfg.MCPServers) != 1 {
		t.Errorf("mcp servers = %v, want just linear", cfg.MCPServers)
	}

	// Empty whitelist: none.
	cfg, _, err = BuildAgentConfig(&protocol.QueryRequest{Prompt: "p", AllowedMCPServers: []string{}}, pc, skills.Set{})
	if err != nil {
		t.Fatal(err)
	}
	if len(cfg.MCPServers) != 0 {
		t.Errorf("mcp servers = %v, want none", cfg.MCPServers)
	}
}

func TestMergeAgents(t *testing.T) {
	pc := &ProjectConfig{Agents: &AgentsConfig{Map: map[string]any{
		"reviewer": map[string]any{"prompt": "review"},
		"tester":   map[string]any{"prompt": "test"},
	}}}

	// Extras merge in and overwrite on collision; whitelist filters.
	req := &protocol.QueryRequest{
		Prompt:        "p",
		ExtraAgents:   map[string]json.RawMessage{"reviewer": json.RawMessage(`{"prompt":"stricter"}`)},
		AllowedAgents: []string{"reviewer"},
	}
	cfg, _, err := BuildAgentConfig(req, pc, skills.Set{})
	if err != nil {
		t.Fatal(err)
	}
	agents, ok := cfg.Agents.(map[string]any)
	if !ok {
		t.Fatalf("agents = %T", cfg.Agents)
	}
	if len(agents) != 1 {
		t.Errorf("agents = %v, want just reviewer", agents)
	}
	if !reflect.DeepEqual(agents["reviewer"], json.RawMessage(`{"prompt":"stricter"}`)) {
		t.Errorf("reviewer = %v, extra should overwrite", agents["reviewer"])
	}
}

func TestMergeAgents_ListFormRejectsOverrides(t *testing.T) {
	pc := &ProjectConfig{Agents: &AgentsConfig{List: []any{map[string]any{"name": "a"}}}}

	// List form passes through untouched.
	cfg, _, err := BuildAgentConfig(&protocol.QueryRequest{Prompt: "p"}, pc, skills.Set{})
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := cfg.Agents.([]any); !ok {
		t.Fatalf("agents = %T, want list", cfg.Agents)
	}

	// Any request-level agent control fails.
	req := &protocol.QueryRequest{Prompt: "p", AllowedAgents: []string{"a"}}
	if _, _, err := BuildAgentConfig(req, pc, skills.Set{}); !errors.Is(err, ErrAgentsNotMergeable) {
		t.Fatalf("err = %v, want ErrAgentsNotMergeable", err)
	}
	req = &protocol.QueryRequest{Prompt: "p", ExtraAgents: map[string]json.RawMessage{"b": json.RawMessage(`{}`)}}
	if _, _, err := BuildAgentConfig(req, pc, skills.Set{}); !errors.Is(err, ErrAgentsNotMergeable) {
		t.Fatalf("err = %v, want ErrAgentsNotMergeable", err)
	}
}

func TestMergeTools(t *testing.T) {
	pc := &ProjectConfig{AllowedTools: []string{"Read", "Write", "Read"}}
	disk := skills.Set{"deploy": skills.Inline("x")}

	// Config whitelist with skills active: deduped plus the Skill tool.
	cfg, _, err := BuildAgentConfig(&protocol.QueryRequest{Prompt: "p"}, pc, disk)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"Read", "Write", SkillTool}
	if !reflect.DeepEqual(cfg.AllowedTools, want) {
		t.Errorf("tools = %v, want %v", cfg.AllowedTools, want)
	}

	// Request whitelist wins outright; no Skill tool appended.
	req := &protocol.QueryRequest{Prompt: "p", AllowedTools: []string{"Bash"}}
	cfg, _, err = BuildAgentConfig(req, pc, disk)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(cfg.AllowedTools, []string{"Bash"}) {
		t.Errorf("tools = %v, want [Bash]", cfg.AllowedTools)
	}

	// Explicit empty request whitelist means no tools, not all tools.
	req = &protocol.QueryRequest{Prompt: "p", AllowedTools: []string{}}
	cfg, _, err = BuildAgentConfig(req, pc, disk)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.AllowedTools == nil || len(cfg.AllowedTools) != 0 {
		t.Errorf("tools = %v, want empty non-nil", cfg.AllowedTools)
	}
}

func TestMergeSystemPrompt(t *testing.T) {
	tests := []struct {
		name string
		pc   *ProjectConfig
		want *SystemPrompt
	}{
		{
			"no prompt no append",
			&ProjectConfig{},
			nil,
		},
		{
			"append only",
			&ProjectConfig{SystemPromptAppend: "extra"},
			&SystemPrompt{Plain: "extra"},
		},
		{
			"plain plus append",
			&ProjectConfig{SystemPrompt: &SystemPrompt{Plain: "base"}, SystemPromptAppend: "extra"},
			&SystemPrompt{Plain: "base\n\nextra"},
		},
		{
			"object gains append",
			&ProjectConfig{SystemPrompt: &SystemPrompt{Object: map[string]any{"type": "preset"}}, SystemPromptAppend: "extra"},
			&SystemPrompt{Object: map[string]any{"type": "preset", "append": "extra"}},
		},
		{
			"object append concatenates",
			&ProjectConfig{SystemPrompt: &SystemPrompt{Object: map[string]any{"append": "first"}}, SystemPromptAppend: "second"},
			&SystemPrompt{Object: map[string]any{"append": "first\n\nsecond"}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := mergeSystemPrompt(tt.pc)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("mergeSystemPrompt = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestMergeOutputFormat(t *testing.T) {
	pc := &ProjectConfig{OutputFormat: map[string]any{"type": "json_schema"}}

	// Config format applies by default.
	cfg, _, err := BuildAgentConfig(&protocol.QueryRequest{Prompt: "p"}, pc, skills.Set{})
	if err != nil {
		t.Fatal(err)
	}
	if cfg.OutputFormat == nil {
		t.Error("config output format dropped")
	}

	// Request format overrides.
	req := &protocol.QueryRequest{Prompt: "p", OutputFormat: json.RawMessage(`{"type":"text"}`)}
	cfg, _, err = BuildAgentConfig(req, pc, skills.Set{})
	if err != nil {
		t.Fatal(err)
	}
	if cfg.OutputFormat["type"] != "text" {
		t.Errorf("output format = %v", cfg.OutputFormat)
	}

	// Explicit empty object disables structured output.
	req = &protocol.QueryRequest{Prompt: "p", OutputFormat: json.RawMessage(`{}`)}
	cfg, _, err = BuildAgentConfig(req, pc, skills.Set{})
	if err != nil {
		t.Fatal(err)
	}
	if cfg.OutputFormat != nil {
		t.Errorf("output format = %v, want nil", cfg.OutputFormat)
	}
}

// The inputs to BuildAgentConfig must never be mutated.
func TestBuildAgentConfig_PureInputs(t *testing.T) {
	disk := skills.Set{"deploy": skills.Inline("x"), "lint": skills.Inline("y")}
	pc := &ProjectConfig{
		Agents:       &AgentsConfig{Map: map[string]any{"a": map[string]any{}}},
		MCPServers:   map[string]any{"linear": map[string]any{}},
		AllowedTools: []string{"Read"},
	}
	req := &protocol.QueryRequest{
		Prompt:            "p",
		AllowedSkills:     []string{"deploy"},
		AllowedAgents:     []string{},
		AllowedMCPServers: []string{},
	}

	if _, _, err := BuildAgentConfig(req, pc, disk); err != nil {
		t.Fatal(err)
	}
	if len(disk) != 2 {
		t.Errorf("disk set mutated: %v", disk)
	}
	if len(pc.Agents.Map) != 1 || len(pc.MCPServers) != 1 {
		t.Errorf("project config mutated: %+v", pc)
	}
}
