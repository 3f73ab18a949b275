package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/sandstorm/internal/sandbox"
)

const (
	// SDKVersion pins the agent SDK installed on the fallback path. The
	// preferred template ships with it preinstalled.
	SDKVersion = "0.2.42"

	sdkInstallTimeoutSeconds = 120

	sdkInstallCmd = "mkdir -p /opt/agent-runner" +
		" && cd /opt/agent-runner" +
		" && npm init -y" +
		" && npm install @anthropic-ai/claude-agent-sdk@" + SDKVersion
)

// Provisioner acquires a live sandbox for a run: reconnecting to an
// existing one, or creating a fresh one with fallback to a base template
// plus a runtime SDK install.
type Provisioner struct {
	provider sandbox.Provider
	template string
	fallback string
	logger   *slog.Logger
	tracer   trace.Tracer
}

// NewProvisioner creates a Provisioner. tracer may be nil.
func NewProvisioner(provider sandbox.Provider, template, fallback string, logger *slog.Logger, tracer trace.Tracer) *Provisioner {
	return &Provisioner{
		provider: provider,
		template: template,
		fallback: fallback,
		logger:   logger,
		tracer:   tracer,
	}
}

// Reconnect attaches to an existing sandbox and resets its lifetime.
func (p *Provisioner) Reconnect(ctx context.Context, sandboxID, apiKey string, timeoutSeconds int, requestID string) (sandbox.Sandbox, error) {
	if p.tracer != nil {
		var span trace.Span
		ctx, span = p.tracer.Start(ctx, "sandbox.reconnect",
			trace.WithAttributes(attribute.String("sandbox.id", sandboxID)))
		defer span.End()
	}

	p.logger.Info("reconnecting to sandbox",
		slog.String("request_id", requestID),
		slog.String("sandbox_id", sandboxID),
	)
	sbx, err := p.provider.Connect(ctx, sandboxID, apiKey)
	if err != nil {
		return nil, fmt.Errorf("reconnecting to sandbox %s: %w", sandboxID, err)
	}
	if err := sbx.SetTimeout(ctx, timeoutSeconds); err != nil {
		return nil, fmt.Errorf("resetting timeout on sandbox %s: %w", sandboxID, err)
	}
	return sbx, nil
}

// Create provisions a fresh sandbox from the preferred template. When
// the template does not exist, it falls back to the base template and
// installs the agent SDK at runtime, which adds noticeable overhead.
func (p *Provisioner) Create(ctx context.Context, apiKey string, timeoutSeconds int, env map[string]string, requestID string) (sandbox.Sandbox, error) {
	if p.tracer != nil {
		var span trace.Span
		ctx, span = p.tracer.Start(ctx, "sandbox.provision",
			trace.WithAttributes(attribute.String("sandbox.template", p.template)))
		defer span.End()
	}

	opts := sandbox.CreateOptions{
		Template:       p.template,
		APIKey:         apiKey,
		TimeoutSeconds: timeoutSeconds,
		Env:            env,
		Metadata:       map[string]string{"request_id": requestID},
	}

	p.logger.Info("creating sandbox",
		slog.String("request_id", requestID),
		slog.String("template", p.template),
	)
	sbx, err := p.provider.Create(ctx, opts)
	if err == nil {
		p.logger.Info("sandbox created",
			slog.String("request_id", requestID),
			slog.String("sandbox_id", sbx.ID()),
		)
		return sbx, nil
	}
	if !errors.Is(err, sandbox.ErrTemplateNotFound) {
		return nil, fmt.Errorf("creating sandbox from template %q: %w", p.template, err)
	}

	p.logger.Warn("template not found, falling back to base template",
		slog.String("request_id", requestID),
		slog.String("template", p.template),
		slog.String("fallback", p.fallback),
	)
	if p.tracer != nil {
		trace.SpanFromContext(ctx).SetAttributes(attribute.Bool("sandbox.template_fallback", true))
	}

	opts.Template = p.fallback
	sbx, err = p.provider.Create(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("creating sandbox from fallback template %q: %w", p.fallback, err)
	}
	if err := sbx.RunCommand(ctx, sdkInstallCmd, sandbox.CommandOptions{TimeoutSeconds: sdkInstallTimeoutSeconds}); err != nil {
		_ = sbx.Kill(ctx)
		return nil, fmt.Errorf("installing agent SDK on fallback sandbox: %w", err)
	}

	p.logger.Info("sandbox created via fallback",
		slog.String("request_id", requestID),
		slog.String("sandbox_id", sbx.ID()),
	)
	return sbx, nil
}
