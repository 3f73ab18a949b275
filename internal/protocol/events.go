// Package protocol defines the request and event wire types exchanged
// between the gateways and the session orchestrator. Events are
// newline-delimited JSON objects carrying a "type" discriminator, except
// agent messages which pass through verbatim from the agent process.
package protocol

import (
	"encoding/base64"
	"encoding/json"
)

// Event is one discrete, independently interpretable unit of the output
// stream, pre-encoded as a single JSON object without a trailing newline.
type Event []byte

// JSON returns the encoded event bytes.
func (e Event) JSON() []byte { return []byte(e) }

// Type returns the event's "type" discriminator, or "" for events that
// carry none (opaque agent message passthrough usually has its own).
func (e Event) Type() string {
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(e, &probe); err != nil {
		return ""
	}
	return probe.Type
}

// AgentEvent wraps a raw line emitted by the agent process. The line is
// passed through untouched — the agent already speaks JSON.
func AgentEvent(line string) Event {
	return Event(line)
}

// StderrEvent wraps a diagnostic line from the agent process.
func StderrEvent(text string) Event {
	return mustEncode(map[string]string{"type": "stderr", "data": text})
}

// WarningEvent signals a stream-level condition such as buffer overflow.
func WarningEvent(message string) Event {
	return mustEncode(map[string]string{"type": "warning", "message": message})
}

// SandboxEvent announces the sandbox id of a freshly provisioned session
// so callers can reconnect to it later.
func SandboxEvent(sandboxID string) Event {
	return mustEncode(map[string]string{"type": "sandbox", "sandbox_id": sandboxID})
}

// FileEvent carries one file extracted from the sandbox after the agent
// run, with its content base64-encoded.
func FileEvent(name, path string, data []byte) Event {
	return mustEncode(map[string]any{
		"type": "file",
		"name": name,
		"path": path,
		"size": len(data),
		"data": base64.StdEncoding.EncodeToString(data),
	})
}

func mustEncode(v any) Event {
	data, err := json.Marshal(v)
	if err != nil {
		// All inputs are maps of strings and byte slices — cannot fail.
		panic(err)
	}
	return Event(data)
}
