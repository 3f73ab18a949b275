package config

import (
	"os"

	"github.com/jkaninda/sandstorm/internal/protocol"
)

// ProviderEnvKeys is the allow-list of credential, region, and
// model-override variables forwarded verbatim from the orchestrator's
// environment into the sandbox when present.
var ProviderEnvKeys = []string{
	// Google Vertex AI
	"CLAUDE_CODE_USE_VERTEX",
	"CLOUD_ML_REGION",
	"ANTHROPIC_VERTEX_PROJECT_ID",
	// Amazon Bedrock
	"CLAUDE_CODE_USE_BEDROCK",
	"AWS_REGION",
	"AWS_ACCESS_KEY_ID",
	"AWS_SECRET_ACCESS_KEY",
	"AWS_SESSION_TOKEN",
	// Microsoft Azure / Foundry
	"CLAUDE_CODE_USE_FOUNDRY",
	"AZURE_FOUNDRY_RESOURCE",
	"AZURE_API_KEY",
	// Custom base URL (proxy, self-hosted, OpenRouter)
	"ANTHROPIC_BASE_URL",
	"ANTHROPIC_AUTH_TOKEN",
	// Model name overrides (remap SDK aliases to provider model IDs)
	"ANTHROPIC_DEFAULT_SONNET_MODEL",
	"ANTHROPIC_DEFAULT_OPUS_MODEL",
	"ANTHROPIC_DEFAULT_HAIKU_MODEL",
	// MCP server credentials
	"LINEAR_API_KEY",
}

// BuildSandboxEnv assembles the environment forwarded into a fresh
// sandbox: the request's API key, the provider allow-list from the
// process environment, and per-request overrides. When a custom base
// URL and an alternate auth token are both present, the primary API key
// is blanked — otherwise the agent SDK validates model names against
// the primary provider and rejects models it does not know.
func BuildSandboxEnv(req *protocol.QueryRequest) map[string]string {
	env := make(map[string]string)
	if req.AnthropicAPIKey != "" {
		env["ANTHROPIC_API_KEY"] = req.AnthropicAPIKey
	}
	for _, key := range ProviderEnvKeys {
		if val := os.Getenv(key); val != "" {
			env[key] = val
		}
	}
	// Per-request OpenRouter key overrides the environment value.
	if req.OpenRouterAPIKey != "" {
		env["ANTHROPIC_AUTH_TOKEN"] = req.OpenRouterAPIKey
	}
	if env["ANTHROPIC_BASE_URL"] != "" && env["ANTHROPIC_AUTH_TOKEN"] != "" {
		env["ANTHROPIC_API_KEY"] = ""
	}
	return env
}
