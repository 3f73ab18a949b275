// Package sandbox abstracts ephemeral remote execution environments.
// A Provider creates or reconnects sandboxes from templates; a Sandbox
// runs commands and moves files in and out. Agent processes run inside
// a sandbox — never on the orchestrator host.
package sandbox

import (
	"context"
	"errors"
	"fmt"
)

// ErrTemplateNotFound is returned by Create when the requested template
// does not exist. Callers may retry with a fallback template.
var ErrTemplateNotFound = errors.New("sandbox template not found")

// ErrNotFound is returned by Connect when no sandbox with the given ID
// is running.
var ErrNotFound = errors.New("sandbox not found")

// Provider creates and reconnects sandboxes.
type Provider interface {
	// Create provisions a fresh sandbox from a template.
	Create(ctx context.Context, opts CreateOptions) (Sandbox, error)
	// Connect attaches to an already-running sandbox by ID.
	Connect(ctx context.Context, id, apiKey string) (Sandbox, error)
}

// CreateOptions configures a fresh sandbox.
type CreateOptions struct {
	Template       string
	APIKey         string // Per-request provider credential. Empty = provider default.
	TimeoutSeconds int    // Sandbox lifetime; the provider destroys it after this.
	Env            map[string]string
	Metadata       map[string]string
}

// CommandOptions controls a single command execution.
type CommandOptions struct {
	TimeoutSeconds int               // 0 = provider default.
	Env            map[string]string // Extra environment for this command only.
	OnStdout       func(line string) // Called per stdout line as it arrives.
	OnStderr       func(line string) // Called per stderr line as it arrives.
}

// WriteEntry is one file to place into the sandbox filesystem.
type WriteEntry struct {
	Path string // Absolute path inside the sandbox.
	Data []byte
}

// Entry describes one filesystem entry inside the sandbox.
type Entry struct {
	Name string // Base name.
	Path string // Absolute path.
	Size int64
	Dir  bool
}

// ExitError reports a command that ran to completion with a non-zero
// exit code. Distinct from transport failures so callers can treat
// agent-process failures as non-fatal.
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("command exited with code %d", e.Code)
}

// Sandbox is a live execution environment.
type Sandbox interface {
	// ID identifies the sandbox for reconnection.
	ID() string
	// RunCommand executes cmd through a shell, streaming output line by
	// line to the option callbacks. Returns *ExitError on non-zero exit.
	RunCommand(ctx context.Context, cmd string, opts CommandOptions) error
	// WriteFiles places a batch of files into the sandbox in one round trip.
	WriteFiles(ctx context.Context, entries []WriteEntry) error
	// List returns the direct children of dir.
	List(ctx context.Context, dir string) ([]Entry, error)
	// Read returns the full content of the file at path.
	Read(ctx context.Context, path string) ([]byte, error)
	// SetTimeout resets the sandbox lifetime, measured from now.
	SetTimeout(ctx context.Context, seconds int) error
	// Kill destroys the sandbox immediately.
	Kill(ctx context.Context) error
}
