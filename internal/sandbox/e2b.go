package sandbox

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	defaultE2BAPIBase = "https://api.e2b.app"

	// envdPort is the port the in-sandbox daemon listens on, routed
	// through the provider's per-sandbox subdomain.
	envdPort = 49983

	e2bControlTimeout = 30 * time.Second
)

// E2BOptions configures the hosted E2B provider.
type E2BOptions struct {
	APIKey     string       // Default credential; per-request keys override it.
	APIBase    string       // Control plane base URL. Empty = https://api.e2b.app.
	HTTPClient *http.Client // nil = client with sane timeouts.
}

// E2BProvider provisions sandboxes on the hosted E2B cloud. Control
// plane calls (create, connect, kill, timeout) go to the API base;
// command execution and file transfer talk to the envd daemon through
// the sandbox's subdomain.
type E2BProvider struct {
	apiKey  string
	apiBase string
	domain  string
	client  *http.Client
	logger  *slog.Logger
}

// NewE2BProvider creates an E2B-backed provider.
func NewE2BProvider(opts E2BOptions, logger *slog.Logger) (*E2BProvider, error) {
	apiBase := opts.APIBase
	if apiBase == "" {
		apiBase = defaultE2BAPIBase
	}
	parsed, err := url.Parse(apiBase)
	if err != nil || parsed.Host == "" {
		return nil, fmt.Errorf("invalid E2B API base %q", apiBase)
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 0} // Per-call timeouts via context; command streams are long-lived.
	}
	return &E2BProvider{
		apiKey:  opts.APIKey,
		apiBase: strings.TrimRight(apiBase, "/"),
		domain:  strings.TrimPrefix(parsed.Host, "api."),
		client:  client,
		logger:  logger,
	}, nil
}

type e2bSandboxInfo struct {
	SandboxID string `json:"sandboxID"`
	ClientID  string `json:"clientID"`
}

// Create provisions a fresh sandbox from the template.
func (p *E2BProvider) Create(ctx context.Context, opts CreateOptions) (Sandbox, error) {
	body := map[string]any{
		"templateID": opts.Template,
		"timeout":    opts.TimeoutSeconds,
	}
	if len(opts.Env) > 0 {
		body["envVars"] = opts.Env
	}
	if len(opts.Metadata) > 0 {
		body["metadata"] = opts.Metadata
	}

	var info e2bSandboxInfo
	status, err := p.controlCall(ctx, http.MethodPost, "/sandboxes", opts.APIKey, body, &info)
	if err != nil {
		if status == http.StatusNotFound {
			return nil, fmt.Errorf("template %q: %w", opts.Template, ErrTemplateNotFound)
		}
		return nil, fmt.Errorf("creating sandbox from template %q: %w", opts.Template, err)
	}

	p.logger.Info("e2b sandbox created",
		slog.String("sandbox_id", info.SandboxID),
		slog.String("template", opts.Template),
		slog.Int("timeout_s", opts.TimeoutSeconds),
	)
	return p.sandbox(info, opts.APIKey), nil
}

// Connect attaches to a running sandbox by ID.
func (p *E2BProvider) Connect(ctx context.Context, id, apiKey string) (Sandbox, error) {
	var info e2bSandboxInfo
	status, err := p.controlCall(ctx, http.MethodGet, "/sandboxes/"+url.PathEscape(id), apiKey, nil, &info)
	if err != nil {
		if status == http.StatusNotFound {
			return nil, fmt.Errorf("sandbox %q: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("connecting to sandbox %q: %w", id, err)
	}
	return p.sandbox(info, apiKey), nil
}

func (p *E2BProvider) sandbox(info e2bSandboxInfo, apiKey string) *e2bSandbox {
	return &e2bSandbox{
		provider: p,
		id:       info.SandboxID,
		envdBase: fmt.Sprintf("https://%d-%s-%s.%s", envdPort, info.SandboxID, info.ClientID, p.domain),
		apiKey:   apiKey,
	}
}

// controlCall performs one control plane request and decodes the JSON
// response into out (when out is non-nil). Returns the HTTP status for
// error discrimination.
func (p *E2BProvider) controlCall(ctx context.Context, method, path, apiKey string, body, out any) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, e2bControlTimeout)
	defer cancel()

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("encoding request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, p.apiBase+path, reqBody)
	if err != nil {
		return 0, err
	}
	if apiKey == "" {
		apiKey = p.apiKey
	}
	req.Header.Set("X-API-Key", apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return resp.StatusCode, apiError(resp)
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("decoding response: %w", err)
		}
	}
	return resp.StatusCode, nil
}

// apiError extracts a useful message from an error response.
func apiError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var payload struct {
		Message string `json:"message"`
	}
	if json.Unmarshal(data, &payload) == nil && payload.Message != "" {
		return fmt.Errorf("api returned %d: %s", resp.StatusCode, payload.Message)
	}
	return fmt.Errorf("api returned %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
}

// e2bSandbox is a live hosted sandbox.
type e2bSandbox struct {
	provider *E2BProvider
	id       string
	envdBase string
	apiKey   string
}

func (s *e2bSandbox) ID() string { return s.id }

// commandEvent is one NDJSON line of a streaming command response.
type commandEvent struct {
	Type string `json:"type"` // "stdout", "stderr", or "exit"
	Data string `json:"data,omitempty"`
	Code int    `json:"code,omitempty"`
}

func (s *e2bSandbox) RunCommand(ctx context.Context, command string, opts CommandOptions) error {
	if opts.TimeoutSeconds > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(opts.TimeoutSeconds)*time.Second)
		defer cancel()
	}

	body := map[string]any{
		"cmd": command,
		"cwd": "/home/user",
	}
	if len(opts.Env) > 0 {
		body["envs"] = opts.Env
	}
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encoding command: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.envdBase+"/commands", bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/x-ndjson")

	resp, err := s.provider.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("command timed out: %w", ctx.Err())
		}
		return fmt.Errorf("running command: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return apiError(resp)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)
	exitCode := 0
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var ev commandEvent
		if err := json.Unmarshal(line, &ev); err != nil {
			continue
		}
		switch ev.Type {
		case "stdout":
			if opts.OnStdout != nil {
				opts.OnStdout(ev.Data)
			}
		case "stderr":
			if opts.OnStderr != nil {
				opts.OnStderr(ev.Data)
			}
		case "exit":
			exitCode = ev.Code
		}
	}
	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("command timed out: %w", ctx.Err())
		}
		return fmt.Errorf("reading command stream: %w", err)
	}
	if exitCode != 0 {
		return &ExitError{Code: exitCode}
	}
	return nil
}

// WriteFiles uploads the batch as a single multipart request; each part
// carries its destination path as the part filename.
func (s *e2bSandbox) WriteFiles(ctx context.Context, entries []WriteEntry) error {
	if len(entries) == 0 {
		return nil
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for _, entry := range entries {
		part, err := mw.CreateFormFile("file", entry.Path)
		if err != nil {
			return fmt.Errorf("creating part for %s: %w", entry.Path, err)
		}
		if _, err := part.Write(entry.Data); err != nil {
			return fmt.Errorf("writing part for %s: %w", entry.Path, err)
		}
	}
	if err := mw.Close(); err != nil {
		return fmt.Errorf("closing multipart stream: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.envdBase+"/files?username=user", &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := s.provider.client.Do(req)
	if err != nil {
		return fmt.Errorf("uploading files: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return apiError(resp)
	}
	io.Copy(io.Discard, resp.Body)
	return nil
}

func (s *e2bSandbox) List(ctx context.Context, dir string) ([]Entry, error) {
	u := s.envdBase + "/files/list?username=user&path=" + url.QueryEscape(dir)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.provider.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", dir, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, apiError(resp)
	}

	var raw []struct {
		Name  string `json:"name"`
		Path  string `json:"path"`
		Size  int64  `json:"size"`
		IsDir bool   `json:"isDir"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("decoding listing: %w", err)
	}
	entries := make([]Entry, 0, len(raw))
	for _, e := range raw {
		entries = append(entries, Entry{Name: e.Name, Path: e.Path, Size: e.Size, Dir: e.IsDir})
	}
	return entries, nil
}

func (s *e2bSandbox) Read(ctx context.Context, path string) ([]byte, error) {
	u := s.envdBase + "/files?username=user&path=" + url.QueryEscape(path)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.provider.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, apiError(resp)
	}
	return io.ReadAll(resp.Body)
}

func (s *e2bSandbox) SetTimeout(ctx context.Context, seconds int) error {
	_, err := s.provider.controlCall(ctx, http.MethodPost, "/sandboxes/"+url.PathEscape(s.id)+"/timeout",
		s.apiKey, map[string]any{"timeout": seconds}, nil)
	if err != nil {
		return fmt.Errorf("setting timeout on sandbox %q: %w", s.id, err)
	}
	return nil
}

func (s *e2bSandbox) Kill(ctx context.Context) error {
	status, err := s.provider.controlCall(ctx, http.MethodDelete, "/sandboxes/"+url.PathEscape(s.id), s.apiKey, nil, nil)
	if err != nil {
		if status == http.StatusNotFound {
			return nil // Already gone.
		}
		return fmt.Errorf("killing sandbox %q: %w", s.id, err)
	}
	return nil
}
