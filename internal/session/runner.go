// Package session orchestrates one agent run: provisioning a sandbox,
// staging configuration and files, streaming agent output as events,
// extracting generated files, and destroying or parking the sandbox.
package session

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/sandstorm/internal/config"
	"github.com/jkaninda/sandstorm/internal/observability"
	"github.com/jkaninda/sandstorm/internal/protocol"
	"github.com/jkaninda/sandstorm/internal/sandbox"
	"github.com/jkaninda/sandstorm/internal/skills"
	"github.com/jkaninda/sandstorm/internal/transfer"
)

const (
	// QueueSize bounds the event stream buffer; producers drop when the
	// consumer cannot keep up.
	QueueSize = 10_000

	// runnerTimeoutSeconds caps a single agent execution (30 minutes).
	runnerTimeoutSeconds = 1800

	runnerPath      = "/opt/agent-runner/runner.mjs"
	agentConfigPath = "/opt/agent-runner/agent_config.json"
	settingsPath    = "/home/user/.claude/settings.json"

	runnerCmd = "node " + runnerPath
)

//go:embed assets/runner.mjs
var runnerScript string

// Run terminal statuses as recorded in the run store.
const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusKeptAlive = "kept_alive"
)

// RunRecorder persists run lifecycle records. Implementations must be
// safe for concurrent use.
type RunRecorder interface {
	RunStarted(ctx context.Context, runID, requestID, sandboxID, model string, keepAlive bool) error
	RunFinished(ctx context.Context, runID, status string, events, dropped int64, deadline *time.Time) error
}

// Options wires an Orchestrator.
type Options struct {
	Provider   sandbox.Provider
	Template   string
	Fallback   string
	ProjectDir string
	Logger     *slog.Logger
	Metrics    *observability.MetricsCollector // may be nil
	Tracer     *observability.TracerSetup      // may be nil
	Store      RunRecorder                     // may be nil
}

// Orchestrator runs agent sessions end to end.
type Orchestrator struct {
	provisioner *Provisioner
	projects    *config.ProjectLoader
	transfer    *transfer.Transfer
	store       RunRecorder
	metrics     *observability.MetricsCollector
	tracer      trace.Tracer
	logger      *slog.Logger
	projectDir  string
}

// NewOrchestrator assembles an Orchestrator from its dependencies.
func NewOrchestrator(opts Options) *Orchestrator {
	var tracer trace.Tracer
	if opts.Tracer != nil {
		tracer = opts.Tracer.Tracer()
	}
	return &Orchestrator{
		provisioner: NewProvisioner(opts.Provider, opts.Template, opts.Fallback, opts.Logger, tracer),
		projects:    config.NewProjectLoader(opts.ProjectDir, opts.Logger),
		transfer:    transfer.New(opts.Logger, opts.Metrics, opts.Tracer),
		store:       opts.Store,
		metrics:     opts.Metrics,
		tracer:      tracer,
		logger:      opts.Logger,
		projectDir:  opts.ProjectDir,
	}
}

// runState carries everything the driver goroutine needs.
type runState struct {
	sbx       sandbox.Sandbox
	agentCfg  *config.AgentConfig
	inputs    map[string]struct{}
	fresh     bool
	keepAlive bool
	runID     string
	requestID string

	out     chan protocol.Event
	emitted atomic.Int64
	dropped atomic.Int64
}

// Run executes one agent session. It returns a stream of events; the
// channel closes when the run is fully finished (agent done, files
// extracted, sandbox destroyed or parked). Setup failures are returned
// synchronously before any event is produced.
func (o *Orchestrator) Run(ctx context.Context, req *protocol.QueryRequest, requestID string) (<-chan protocol.Event, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return nil, fmt.Errorf("prompt is required")
	}

	pc := o.projects.Load()

	disk := skills.Set{}
	if pc != nil && pc.SkillsDir != "" {
		var err error
		disk, err = skills.LoadDir(filepath.Join(o.projectDir, pc.SkillsDir), o.logger)
		if err != nil {
			return nil, err
		}
	}

	agentCfg, merged, err := config.BuildAgentConfig(req, pc, disk)
	if err != nil {
		return nil, err
	}

	st := &runState{
		agentCfg:  agentCfg,
		inputs:    req.InputFileNames(),
		fresh:     req.SandboxID == "",
		keepAlive: req.KeepAlive,
		runID:     uuid.NewString(),
		requestID: requestID,
		out:       make(chan protocol.Event, QueueSize),
	}

	if st.fresh {
		env := config.BuildSandboxEnv(req)
		gcpCreds, err := readGCPCredentials()
		if err != nil {
			return nil, err
		}
		if gcpCreds != "" {
			env["GOOGLE_APPLICATION_CREDENTIALS"] = GCPCredentialsPath
		}
		st.sbx, err = o.provisioner.Create(ctx, req.E2BAPIKey, agentCfg.Timeout, env, requestID)
		if err != nil {
			return nil, err
		}
		if err := o.setupFresh(ctx, st, req, merged, disk, pc, gcpCreds); err != nil {
			if !st.keepAlive {
				_ = st.sbx.Kill(ctx)
			}
			return nil, err
		}
	} else {
		st.sbx, err = o.provisioner.Reconnect(ctx, req.SandboxID, req.E2BAPIKey, agentCfg.Timeout, requestID)
		if err != nil {
			return nil, err
		}
		if err := o.setupReconnect(ctx, st, req, merged, disk); err != nil {
			return nil, err
		}
	}

	if o.metrics != nil {
		o.metrics.ActiveSessions.Inc()
	}
	if o.store != nil {
		if err := o.store.RunStarted(ctx, st.runID, requestID, st.sbx.ID(), agentCfg.Model, st.keepAlive); err != nil {
			o.logger.Warn("recording run start failed",
				slog.String("request_id", requestID),
				slog.String("error", err.Error()),
			)
		}
	}

	if st.fresh {
		st.enqueue(o, protocol.SandboxEvent(st.sbx.ID()))
	}

	go o.drive(ctx, st)
	return st.out, nil
}

// enqueue delivers an event without blocking: when the buffer is full
// the event is dropped, counted, and the client is warned once.
func (st *runState) enqueue(o *Orchestrator, ev protocol.Event) {
	select {
	case st.out <- ev:
		st.emitted.Add(1)
	default:
		if st.dropped.Add(1) == 1 {
			o.logger.Warn("event buffer full, dropping messages",
				slog.String("request_id", st.requestID),
				slog.Int("capacity", QueueSize),
			)
			select {
			case st.out <- protocol.WarningEvent("Output buffer full, some messages may be dropped"):
				st.emitted.Add(1)
			default:
			}
		}
		if o.metrics != nil {
			o.metrics.EventsDroppedTotal.Inc()
		}
	}
}

// setupFresh stages a newly created sandbox: directories, skills, input
// files, then all infrastructure files in one batch write.
func (o *Orchestrator) setupFresh(ctx context.Context, st *runState, req *protocol.QueryRequest, merged, disk skills.Set, pc *config.ProjectConfig, gcpCreds string) error {
	dirs := []string{"/home/user/.claude"}
	if gcpCreds != "" {
		dirs = append(dirs, path.Dir(GCPCredentialsPath))
	}
	quoted := make([]string, len(dirs))
	for i, d := range dirs {
		quoted[i] = "mkdir -p " + sandbox.ShellQuote(d)
	}
	if err := st.sbx.RunCommand(ctx, strings.Join(quoted, " && "), sandbox.CommandOptions{TimeoutSeconds: 5}); err != nil {
		return fmt.Errorf("preparing sandbox directories: %w", err)
	}

	// When template_skills is set, disk skills are baked into the image;
	// only inline extras need uploading.
	toUpload := merged
	if pc != nil && pc.TemplateSkills {
		toUpload = withoutKeys(merged, disk)
	}
	if len(toUpload) > 0 {
		if err := o.transfer.UploadSkills(ctx, st.sbx, toUpload); err != nil {
			return err
		}
	}

	if len(req.Files) > 0 || len(req.BinaryFiles) > 0 {
		if err := o.transfer.UploadFiles(ctx, st.sbx, req.Files, req.BinaryFiles); err != nil {
			return err
		}
	}

	settings, err := agentSettings(st.agentCfg.HasSkills)
	if err != nil {
		return err
	}
	agentCfgJSON, err := json.Marshal(st.agentCfg)
	if err != nil {
		return fmt.Errorf("encoding agent config: %w", err)
	}
	entries := []sandbox.WriteEntry{
		{Path: settingsPath, Data: settings},
		{Path: runnerPath, Data: []byte(runnerScript)},
		{Path: agentConfigPath, Data: agentCfgJSON},
	}
	if gcpCreds != "" {
		o.logger.Info("uploading GCP credentials to sandbox", slog.String("request_id", st.requestID))
		entries = append(entries, sandbox.WriteEntry{Path: GCPCredentialsPath, Data: []byte(gcpCreds)})
	}
	if err := st.sbx.WriteFiles(ctx, entries); err != nil {
		return fmt.Errorf("staging runner files: %w", err)
	}
	return nil
}

// setupReconnect refreshes an existing sandbox: inline extra skills, new
// input files, and the new agent config. The runner and settings are
// already in place from the original provisioning.
func (o *Orchestrator) setupReconnect(ctx context.Context, st *runState, req *protocol.QueryRequest, merged, disk skills.Set) error {
	extras := withoutKeys(merged, disk)
	if len(extras) > 0 {
		if err := o.transfer.UploadSkills(ctx, st.sbx, extras); err != nil {
			return err
		}
	}
	if len(req.Files) > 0 || len(req.BinaryFiles) > 0 {
		if err := o.transfer.UploadFiles(ctx, st.sbx, req.Files, req.BinaryFiles); err != nil {
			return err
		}
	}

	agentCfgJSON, err := json.Marshal(st.agentCfg)
	if err != nil {
		return fmt.Errorf("encoding agent config: %w", err)
	}
	if err := st.sbx.WriteFiles(ctx, []sandbox.WriteEntry{{Path: agentConfigPath, Data: agentCfgJSON}}); err != nil {
		return fmt.Errorf("staging agent config: %w", err)
	}
	return nil
}

// drive owns the run from agent start to channel close. It always closes
// the stream, and the sandbox is destroyed or parked exactly once.
func (o *Orchestrator) drive(ctx context.Context, st *runState) {
	defer close(st.out)

	if o.tracer != nil {
		var span trace.Span
		ctx, span = o.tracer.Start(ctx, "agent.execute",
			trace.WithAttributes(
				attribute.String("sandbox.id", st.sbx.ID()),
				attribute.String("agent.model", st.agentCfg.Model),
				attribute.Bool("agent.has_skills", st.agentCfg.HasSkills),
			))
		defer span.End()
	}

	o.logger.Info("starting agent",
		slog.String("request_id", st.requestID),
		slog.String("sandbox_id", st.sbx.ID()),
		slog.String("model", st.agentCfg.Model),
		slog.Int("max_turns", st.agentCfg.MaxTurns),
	)

	start := time.Now()
	runErr := st.sbx.RunCommand(ctx, runnerCmd, sandbox.CommandOptions{
		TimeoutSeconds: runnerTimeoutSeconds,
		OnStdout: func(line string) {
			if l := strings.TrimSpace(line); l != "" {
				st.enqueue(o, protocol.AgentEvent(l))
			}
		},
		OnStderr: func(line string) {
			if l := strings.TrimSpace(line); l != "" {
				st.enqueue(o, protocol.StderrEvent(l))
			}
		},
	})

	status := StatusCompleted
	var exitErr *sandbox.ExitError
	switch {
	case runErr == nil:
	case errors.As(runErr, &exitErr):
		// The runner streams its own error events; a non-zero exit alone
		// does not fail the run.
		o.logger.Warn("agent process exited non-zero",
			slog.String("request_id", st.requestID),
			slog.Int("exit_code", exitErr.Code),
		)
	case ctx.Err() != nil:
		status = StatusFailed
		o.logger.Warn("agent run canceled",
			slog.String("request_id", st.requestID),
			slog.String("error", ctx.Err().Error()),
		)
	default:
		status = StatusFailed
		o.logger.Warn("agent execution failed",
			slog.String("request_id", st.requestID),
			slog.String("error", runErr.Error()),
		)
		st.enqueue(o, protocol.WarningEvent("agent execution failed: "+runErr.Error()))
	}

	if o.metrics != nil {
		o.metrics.AgentRunsTotal.WithLabelValues(st.agentCfg.Model, status).Inc()
		o.metrics.AgentRunDuration.WithLabelValues(st.agentCfg.Model).Observe(time.Since(start).Seconds())
	}

	// Extraction runs while the sandbox is still alive. File events are
	// delivered blocking — they must not be dropped — unless the client
	// is gone.
	if ctx.Err() == nil {
		for _, ev := range o.transfer.ExtractGenerated(ctx, st.sbx, config.WorkDir, st.inputs) {
			select {
			case st.out <- ev:
				st.emitted.Add(1)
			case <-ctx.Done():
			}
		}
	}

	o.finish(st, status)
}

// finish destroys or parks the sandbox and records the run outcome.
func (o *Orchestrator) finish(st *runState, status string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var deadline *time.Time
	if st.keepAlive {
		d := time.Now().Add(time.Duration(st.agentCfg.Timeout) * time.Second)
		deadline = &d
		if status == StatusCompleted {
			status = StatusKeptAlive
		}
		o.logger.Info("keeping sandbox alive",
			slog.String("request_id", st.requestID),
			slog.String("sandbox_id", st.sbx.ID()),
			slog.Int("timeout_s", st.agentCfg.Timeout),
		)
	} else {
		o.logger.Info("destroying sandbox",
			slog.String("request_id", st.requestID),
			slog.String("sandbox_id", st.sbx.ID()),
		)
		if err := st.sbx.Kill(ctx); err != nil {
			o.logger.Warn("destroying sandbox failed",
				slog.String("sandbox_id", st.sbx.ID()),
				slog.String("error", err.Error()),
			)
		}
		if o.metrics != nil {
			o.metrics.SandboxesDestroyedTotal.WithLabelValues("run_complete").Inc()
		}
	}

	if o.metrics != nil {
		o.metrics.ActiveSessions.Dec()
	}
	if o.store != nil {
		if err := o.store.RunFinished(ctx, st.runID, status, st.emitted.Load(), st.dropped.Load(), deadline); err != nil {
			o.logger.Warn("recording run outcome failed",
				slog.String("run_id", st.runID),
				slog.String("error", err.Error()),
			)
		}
	}
}

// agentSettings renders the in-sandbox agent settings file. Skills need
// the experimental beta surface; without them it is pinned off.
func agentSettings(hasSkills bool) ([]byte, error) {
	settings := map[string]any{
		"permissions": map[string]any{"allow": []string{}, "deny": []string{}},
	}
	if !hasSkills {
		settings["env"] = map[string]string{"CLAUDE_CODE_DISABLE_EXPERIMENTAL_BETAS": "1"}
	}
	data, err := json.MarshalIndent(settings, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encoding agent settings: %w", err)
	}
	return data, nil
}

// withoutKeys returns the entries of set whose keys are absent from ref.
func withoutKeys(set, ref skills.Set) skills.Set {
	result := skills.Set{}
	for name, skill := range set {
		if _, ok := ref[name]; !ok {
			result[name] = skill
		}
	}
	return result
}
