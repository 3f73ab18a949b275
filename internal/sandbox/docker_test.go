package sandbox

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"testing"
	"time"
)

// testImage is the Docker image used for integration tests.
const testImage = "alpine:latest"

// skipIfNoDocker skips the test if Docker is unavailable.
func skipIfNoDocker(t *testing.T) {
	t.Helper()
	if err := exec.Command("docker", "info").Run(); err != nil {
		t.Skip("docker not available, skipping integration test")
	}
}

// skipIfNoImage skips the test if the test image isn't present.
func skipIfNoImage(t *testing.T) {
	t.Helper()
	out, err := exec.Command("docker", "images", "-q", testImage).Output()
	if err != nil || strings.TrimSpace(string(out)) == "" {
		t.Skipf("docker image %s not found, skipping (pull with: docker pull %s)", testImage, testImage)
	}
}

func newTestProvider(t *testing.T) *DockerProvider {
	t.Helper()
	skipIfNoDocker(t)
	skipIfNoImage(t)

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	p := NewDockerProvider(DockerOptions{
		Images:         map[string]string{"test": testImage},
		MemoryMB:       64,
		CPUCores:       0.5,
		PIDsLimit:      32,
		NetworkAllowed: false,
	}, logger)
	t.Cleanup(p.Close)
	return p
}

func newTestSandbox(t *testing.T, p *DockerProvider) Sandbox {
	t.Helper()
	sbx, err := p.Create(context.Background(), CreateOptions{Template: "test", TimeoutSeconds: 120})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	t.Cleanup(func() { _ = sbx.Kill(context.Background()) })
	return sbx
}

func TestDockerProvider_TemplateNotFound(t *testing.T) {
	skipIfNoDocker(t)

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	p := NewDockerProvider(DockerOptions{}, logger)
	defer p.Close()

	_, err := p.Create(context.Background(), CreateOptions{Template: "sandstorm-no-such-template"})
	if !errors.Is(err, ErrTemplateNotFound) {
		t.Fatalf("err = %v, want ErrTemplateNotFound", err)
	}
}

func TestDockerSandbox_RunCommandStreams(t *testing.T) {
	p := newTestProvider(t)
	sbx := newTestSandbox(t, p)

	var mu sync.Mutex
	var stdout, stderr []string
	err := sbx.RunCommand(context.Background(), "echo one; echo two; echo oops >&2", CommandOptions{
		TimeoutSeconds: 30,
		OnStdout: func(line string) {
			mu.Lock()
			stdout = append(stdout, line)
			mu.Unlock()
		},
		OnStderr: func(line string) {
			mu.Lock()
			stderr = append(stderr, line)
			mu.Unlock()
		},
	})
	if err != nil {
		t.Fatalf("RunCommand: %v", err)
	}
	if len(stdout) != 2 || stdout[0] != "one" || stdout[1] != "two" {
		t.Errorf("stdout = %v, want [one two]", stdout)
	}
	if len(stderr) != 1 || stderr[0] != "oops" {
		t.Errorf("stderr = %v, want [oops]", stderr)
	}
}

func TestDockerSandbox_RunCommandExitError(t *testing.T) {
	p := newTestProvider(t)
	sbx := newTestSandbox(t, p)

	err := sbx.RunCommand(context.Background(), "exit 42", CommandOptions{TimeoutSeconds: 30})
	var exitErr *ExitError
	if !errors.As(err, &exitErr) {
		t.Fatalf("err = %v, want *ExitError", err)
	}
	if exitErr.Code != 42 {
		t.Errorf("exit code = %d, want 42", exitErr.Code)
	}
}

func TestDockerSandbox_RunCommandTimeout(t *testing.T) {
	p := newTestProvider(t)
	sbx := newTestSandbox(t, p)

	err := sbx.RunCommand(context.Background(), "sleep 60", CommandOptions{TimeoutSeconds: 2})
	if err == nil {
		t.Fatal("expected timeout error, got nil")
	}
	if !strings.Contains(err.Error(), "timed out") {
		t.Errorf("error = %q, want timeout error", err.Error())
	}
}

func TestDockerSandbox_WriteReadList(t *testing.T) {
	p := newTestProvider(t)
	sbx := newTestSandbox(t, p)
	ctx := context.Background()

	entries := []WriteEntry{
		{Path: "/home/user/report.txt", Data: []byte("hello\n")},
		{Path: "/home/user/out/data.bin", Data: []byte{0x00, 0x01, 0x02}},
	}
	if err := sbx.RunCommand(ctx, "mkdir -p /home/user/out", CommandOptions{TimeoutSeconds: 10}); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := sbx.WriteFiles(ctx, entries); err != nil {
		t.Fatalf("WriteFiles: %v", err)
	}

	got, err := sbx.Read(ctx, "/home/user/report.txt")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(got) != "hello\n" {
		t.Errorf("content = %q, want %q", got, "hello\n")
	}

	listed, err := sbx.List(ctx, "/home/user")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	byName := map[string]Entry{}
	for _, e := range listed {
		byName[e.Name] = e
	}
	if e, ok := byName["report.txt"]; !ok || e.Dir || e.Size != 6 {
		t.Errorf("report.txt entry = %+v, ok=%v", e, ok)
	}
	if e, ok := byName["out"]; !ok || !e.Dir {
		t.Errorf("out entry = %+v, ok=%v", e, ok)
	}
}

func TestDockerSandbox_Reconnect(t *testing.T) {
	p := newTestProvider(t)
	sbx := newTestSandbox(t, p)
	ctx := context.Background()

	again, err := p.Connect(ctx, sbx.ID(), "")
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if again.ID() != sbx.ID() {
		t.Errorf("reconnected ID = %q, want %q", again.ID(), sbx.ID())
	}

	if err := sbx.Kill(ctx); err != nil {
		t.Fatalf("Kill: %v", err)
	}
	if _, err := p.Connect(ctx, sbx.ID(), ""); !errors.Is(err, ErrNotFound) {
		t.Errorf("Connect after Kill: err = %v, want ErrNotFound", err)
	}
}

func TestDockerProvider_BuildRunArgs(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	p := NewDockerProvider(DockerOptions{MemoryMB: 512, CPUCores: 2, PIDsLimit: 128}, logger)
	defer p.Close()

	args := p.buildRunArgs("sandstorm-sbx-test", map[string]string{"FOO": "bar"})
	joined := strings.Join(args, " ")

	for _, want := range []string{
		"--cap-drop=ALL",
		"--security-opt=no-new-privileges",
		"--memory=512m",
		"--memory-swap=512m",
		"--cpus=2.00",
		"--pids-limit=128",
		"--network=none",
		"FOO=bar",
	} {
		if !strings.Contains(joined, want) {
			t.Errorf("args missing %q: %s", want, joined)
		}
	}
}

func TestDockerProvider_DeadlineSweep(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	p := NewDockerProvider(DockerOptions{}, logger)
	defer p.Close()

	p.setDeadline("a", 1)
	p.setDeadline("b", 3600)
	p.sweep(time.Now().Add(10 * time.Second))

	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.deadlines["a"]; ok {
		t.Error("expired deadline a not removed")
	}
	if _, ok := p.deadlines["b"]; !ok {
		t.Error("live deadline b removed")
	}
}

func TestShellQuote(t *testing.T) {
	tests := []struct{ in, want string }{
		{"/home/user", "'/home/user'"},
		{"it's", `'it'\''s'`},
		{"", "''"},
	}
	for _, tt := range tests {
		if got := ShellQuote(tt.in); got != tt.want {
			t.Errorf("ShellQuote(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
