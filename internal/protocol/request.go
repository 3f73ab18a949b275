package protocol

import "encoding/json"

// QueryRequest is the inbound request consumed by the orchestrator.
// Whitelist fields distinguish absent (nil — allow all) from empty
// (non-nil zero length — allow none); JSON decoding preserves that
// distinction naturally.
type QueryRequest struct {
	Prompt   string `json:"prompt"`
	Model    string `json:"model,omitempty"`
	MaxTurns int    `json:"max_turns,omitempty"`
	Timeout  int    `json:"timeout,omitempty"` // Sandbox lifetime in seconds. 0 = config/default.

	// Files uploaded into the sandbox working directory before the run.
	Files       map[string]string `json:"files,omitempty"`        // path → text content
	BinaryFiles map[string][]byte `json:"binary_files,omitempty"` // path → bytes (base64 on the wire)

	// Skill controls. ExtraSkills entries become single-file skills whose
	// content is the SKILL.md manifest.
	AllowedSkills []string          `json:"allowed_skills,omitempty"`
	ExtraSkills   map[string]string `json:"extra_skills,omitempty"`

	// Agent controls. ExtraAgents values are opaque agent definitions
	// forwarded verbatim to the agent process.
	AllowedAgents []string                   `json:"allowed_agents,omitempty"`
	ExtraAgents   map[string]json.RawMessage `json:"extra_agents,omitempty"`

	AllowedMCPServers []string `json:"allowed_mcp_servers,omitempty"`
	AllowedTools      []string `json:"allowed_tools,omitempty"`

	// OutputFormat overrides the project config's output format spec.
	// An explicit empty object disables structured output.
	OutputFormat json.RawMessage `json:"output_format,omitempty"`

	// SandboxID reconnects to an existing sandbox instead of creating one.
	SandboxID string `json:"sandbox_id,omitempty"`
	// KeepAlive leaves the sandbox running after the stream ends.
	KeepAlive bool `json:"keep_alive,omitempty"`

	// Provider credentials.
	E2BAPIKey        string `json:"e2b_api_key,omitempty"`
	AnthropicAPIKey  string `json:"anthropic_api_key,omitempty"`
	OpenRouterAPIKey string `json:"openrouter_api_key,omitempty"`
}

// InputFileNames returns the set of top-level names uploaded as request
// input, used to exclude round-tripped inputs from file extraction.
func (r *QueryRequest) InputFileNames() map[string]struct{} {
	names := make(map[string]struct{}, len(r.Files)+len(r.BinaryFiles))
	for path := range r.Files {
		names[path] = struct{}{}
	}
	for path := range r.BinaryFiles {
		names[path] = struct{}{}
	}
	return names
}
