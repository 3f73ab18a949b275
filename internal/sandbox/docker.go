package sandbox

import (
	"archive/tar"
	"bufio"
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	defaultDockerMemoryMB  = 1024
	defaultDockerCPUCores  = 1.0
	defaultDockerPIDsLimit = 256

	dockerCommandTimeout = 30 * time.Second
	deadlineSweepPeriod  = 30 * time.Second
)

// DockerOptions configures the Docker provider.
type DockerOptions struct {
	Images         map[string]string // template name → container image.
	MemoryMB       int               // --memory hard limit.
	CPUCores       float64           // --cpus rate limit.
	PIDsLimit      int               // --pids-limit (prevents fork bombs).
	NetworkAllowed bool              // false = --network=none.
}

// DockerProvider runs sandboxes as long-lived local Docker containers,
// shelling out to the docker CLI. Intended for development and CI; the
// container name doubles as the sandbox ID.
//
// Hardening per container:
//   - All Linux capabilities dropped (--cap-drop=ALL)
//   - Privilege escalation blocked (--security-opt=no-new-privileges)
//   - Memory hard limit with no swap (OOM kill on exceed)
//   - PIDs limit, CPU rate limit
//   - Network disabled unless explicitly allowed
//
// Docker has no native sandbox lifetime, so the provider tracks
// deadlines in memory and a background sweep force-removes expired
// containers. Deadlines do not survive a process restart; the reaper
// covers kept-alive sandboxes from the run store.
type DockerProvider struct {
	opts   DockerOptions
	logger *slog.Logger

	mu        sync.Mutex
	deadlines map[string]time.Time
	done      chan struct{}
	closeOnce sync.Once
}

// NewDockerProvider creates a Docker-backed provider and starts its
// deadline sweep.
func NewDockerProvider(opts DockerOptions, logger *slog.Logger) *DockerProvider {
	if opts.MemoryMB <= 0 {
		opts.MemoryMB = defaultDockerMemoryMB
	}
	if opts.CPUCores <= 0 {
		opts.CPUCores = defaultDockerCPUCores
	}
	if opts.PIDsLimit <= 0 {
		opts.PIDsLimit = defaultDockerPIDsLimit
	}
	p := &DockerProvider{
		opts:      opts,
		logger:    logger,
		deadlines: make(map[string]time.Time),
		done:      make(chan struct{}),
	}
	go p.sweepLoop()
	return p
}

// Close stops the deadline sweep. Running containers are left alone.
func (p *DockerProvider) Close() {
	p.closeOnce.Do(func() { close(p.done) })
}

// Create starts a hardened container for the template and returns it as
// a sandbox. A template with no image mapping, or a mapped image that
// is not present locally, yields ErrTemplateNotFound.
func (p *DockerProvider) Create(ctx context.Context, opts CreateOptions) (Sandbox, error) {
	image, ok := p.opts.Images[opts.Template]
	if !ok {
		// Fall back to treating the template name as an image reference.
		image = opts.Template
	}

	inspectCtx, cancel := context.WithTimeout(ctx, dockerCommandTimeout)
	defer cancel()
	if err := exec.CommandContext(inspectCtx, "docker", "image", "inspect", image).Run(); err != nil {
		return nil, fmt.Errorf("template %q (image %q): %w", opts.Template, image, ErrTemplateNotFound)
	}

	name, err := generateContainerName()
	if err != nil {
		return nil, fmt.Errorf("generating container name: %w", err)
	}

	args := p.buildRunArgs(name, opts.Env)
	args = append(args, image, "sleep", "infinity")

	runCtx, cancel := context.WithTimeout(ctx, dockerCommandTimeout)
	defer cancel()
	out, err := exec.CommandContext(runCtx, "docker", args...).CombinedOutput()
	if err != nil {
		return nil, fmt.Errorf("docker run failed: %w: %s", err, strings.TrimSpace(string(out)))
	}

	p.setDeadline(name, opts.TimeoutSeconds)

	p.logger.Info("docker sandbox created",
		slog.String("sandbox_id", name),
		slog.String("template", opts.Template),
		slog.String("image", image),
		slog.Int("timeout_s", opts.TimeoutSeconds),
	)
	return &dockerSandbox{name: name, provider: p}, nil
}

// Connect attaches to a running container by name.
func (p *DockerProvider) Connect(ctx context.Context, id, _ string) (Sandbox, error) {
	inspectCtx, cancel := context.WithTimeout(ctx, dockerCommandTimeout)
	defer cancel()
	out, err := exec.CommandContext(inspectCtx, "docker", "inspect", "--format", "{{.State.Running}}", id).Output()
	if err != nil || strings.TrimSpace(string(out)) != "true" {
		return nil, fmt.Errorf("sandbox %q: %w", id, ErrNotFound)
	}
	return &dockerSandbox{name: id, provider: p}, nil
}

// buildRunArgs constructs the docker run argument list with hardening
// and resource limits. The image and command are appended by the caller.
func (p *DockerProvider) buildRunArgs(name string, env map[string]string) []string {
	args := []string{
		"run", "-d",
		"--name", name,

		"--cap-drop=ALL",
		"--security-opt=no-new-privileges",

		"--memory=" + strconv.Itoa(p.opts.MemoryMB) + "m",
		"--memory-swap=" + strconv.Itoa(p.opts.MemoryMB) + "m",
		"--cpus=" + strconv.FormatFloat(p.opts.CPUCores, 'f', 2, 64),
		"--pids-limit=" + strconv.Itoa(p.opts.PIDsLimit),

		"--workdir", "/home/user",
	}

	if p.opts.NetworkAllowed {
		args = append(args, "--network=bridge")
	} else {
		args = append(args, "--network=none")
	}

	for k, v := range env {
		args = append(args, "--env", k+"="+v)
	}
	return args
}

func (p *DockerProvider) setDeadline(name string, seconds int) {
	if seconds <= 0 {
		return
	}
	p.mu.Lock()
	p.deadlines[name] = time.Now().Add(time.Duration(seconds) * time.Second)
	p.mu.Unlock()
}

func (p *DockerProvider) clearDeadline(name string) {
	p.mu.Lock()
	delete(p.deadlines, name)
	p.mu.Unlock()
}

func (p *DockerProvider) sweepLoop() {
	ticker := time.NewTicker(deadlineSweepPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-p.done:
			return
		case now := <-ticker.C:
			p.sweep(now)
		}
	}
}

func (p *DockerProvider) sweep(now time.Time) {
	p.mu.Lock()
	var expired []string
	for name, deadline := range p.deadlines {
		if now.After(deadline) {
			expired = append(expired, name)
			delete(p.deadlines, name)
		}
	}
	p.mu.Unlock()

	for _, name := range expired {
		p.logger.Info("docker sandbox lifetime expired, removing", slog.String("sandbox_id", name))
		p.forceRemove(name)
	}
}

// forceRemove removes a container by name. Best-effort; "No such
// container" is not an error.
func (p *DockerProvider) forceRemove(name string) {
	ctx, cancel := context.WithTimeout(context.Background(), dockerCommandTimeout)
	defer cancel()

	out, err := exec.CommandContext(ctx, "docker", "rm", "-f", name).CombinedOutput()
	if err != nil && !bytes.Contains(out, []byte("No such container")) {
		p.logger.Warn("docker rm -f failed",
			slog.String("sandbox_id", name),
			slog.String("error", err.Error()),
			slog.String("output", string(out)),
		)
	}
}

// generateContainerName returns a unique container name: sandstorm-sbx-<16 hex chars>.
func generateContainerName() (string, error) {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return "sandstorm-sbx-" + hex.EncodeToString(b), nil
}

// dockerSandbox is a live container managed by DockerProvider.
type dockerSandbox struct {
	name     string
	provider *DockerProvider
}

func (s *dockerSandbox) ID() string { return s.name }

func (s *dockerSandbox) RunCommand(ctx context.Context, command string, opts CommandOptions) error {
	if opts.TimeoutSeconds > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(opts.TimeoutSeconds)*time.Second)
		defer cancel()
	}

	args := []string{"exec", "--workdir", "/home/user"}
	for k, v := range opts.Env {
		args = append(args, "--env", k+"="+v)
	}
	args = append(args, s.name, "sh", "-lc", command)

	cmd := exec.CommandContext(ctx, "docker", args...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("docker exec failed to start: %w", err)
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		streamLines(stdout, opts.OnStdout)
	}()
	go func() {
		defer wg.Done()
		streamLines(stderr, opts.OnStderr)
	}()
	wg.Wait()

	if err := cmd.Wait(); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("command timed out: %w", ctx.Err())
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return &ExitError{Code: exitErr.ExitCode()}
		}
		return fmt.Errorf("docker exec failed: %w", err)
	}
	return nil
}

// WriteFiles streams the batch as a tar archive through docker cp, one
// round trip regardless of file count.
func (s *dockerSandbox) WriteFiles(ctx context.Context, entries []WriteEntry) error {
	if len(entries) == 0 {
		return nil
	}

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for _, entry := range entries {
		hdr := &tar.Header{
			Name:    strings.TrimPrefix(entry.Path, "/"),
			Mode:    0o644,
			Size:    int64(len(entry.Data)),
			ModTime: time.Now(),
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return fmt.Errorf("tar header for %s: %w", entry.Path, err)
		}
		if _, err := tw.Write(entry.Data); err != nil {
			return fmt.Errorf("tar body for %s: %w", entry.Path, err)
		}
	}
	if err := tw.Close(); err != nil {
		return fmt.Errorf("closing tar stream: %w", err)
	}

	cmd := exec.CommandContext(ctx, "docker", "cp", "-", s.name+":/")
	cmd.Stdin = &buf
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("docker cp failed: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}

func (s *dockerSandbox) List(ctx context.Context, dir string) ([]Entry, error) {
	listCmd := fmt.Sprintf(`find %s -mindepth 1 -maxdepth 1 -printf '%%y|%%s|%%p\n'`, ShellQuote(dir))
	out, err := exec.CommandContext(ctx, "docker", "exec", s.name, "sh", "-c", listCmd).Output()
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", dir, err)
	}

	var entries []Entry
	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		parts := strings.SplitN(line, "|", 3)
		if len(parts) != 3 {
			continue
		}
		size, _ := strconv.ParseInt(parts[1], 10, 64)
		entries = append(entries, Entry{
			Name: path.Base(parts[2]),
			Path: parts[2],
			Size: size,
			Dir:  parts[0] == "d",
		})
	}
	return entries, nil
}

func (s *dockerSandbox) Read(ctx context.Context, p string) ([]byte, error) {
	out, err := exec.CommandContext(ctx, "docker", "exec", s.name, "cat", p).Output()
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", p, err)
	}
	return out, nil
}

func (s *dockerSandbox) SetTimeout(_ context.Context, seconds int) error {
	s.provider.setDeadline(s.name, seconds)
	return nil
}

func (s *dockerSandbox) Kill(_ context.Context) error {
	s.provider.clearDeadline(s.name)
	s.provider.forceRemove(s.name)
	return nil
}

// streamLines feeds each line of r to fn. Lines longer than 1 MB are
// split by the scanner buffer; agent output stays well under that.
func streamLines(r io.Reader, fn func(string)) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)
	for scanner.Scan() {
		if fn != nil {
			fn(scanner.Text())
		}
	}
}

// ShellQuote wraps s in single quotes, escaping embedded single quotes,
// for safe interpolation into sandbox shell commands.
func ShellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
