// Package transfer moves files between the orchestrator and sandboxes:
// request input uploads, skill bundle uploads, and extraction of files
// the agent generated.
package transfer

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"sort"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/sandstorm/internal/observability"
	"github.com/jkaninda/sandstorm/internal/protocol"
	"github.com/jkaninda/sandstorm/internal/sandbox"
	"github.com/jkaninda/sandstorm/internal/skills"
)

const (
	// SkillsDir is where skill bundles live inside the sandbox.
	SkillsDir = "/home/user/.claude/skills"

	// Extraction budgets: at most MaxOutputFiles files, each at most
	// MaxFileBytes, stopping once the running total would pass
	// MaxTotalBytes.
	MaxOutputFiles = 10
	MaxFileBytes   = 25 << 20
	MaxTotalBytes  = 50 << 20

	mkdirTimeoutSeconds = 10
)

// Transfer performs file movement against a sandbox.
type Transfer struct {
	logger  *slog.Logger
	metrics *observability.MetricsCollector
	tracer  trace.Tracer
}

// New creates a Transfer. metrics and ts may be nil.
func New(logger *slog.Logger, metrics *observability.MetricsCollector, ts *observability.TracerSetup) *Transfer {
	var tracer trace.Tracer
	if ts != nil {
		tracer = ts.Tracer()
	}
	return &Transfer{logger: logger, metrics: metrics, tracer: tracer}
}

// UploadFiles writes request input files under the working directory.
// Text and binary inputs are combined into one batch: parent directories
// are created with a single shell command, then all files go up in a
// single write round trip. Paths may not climb out of the working
// directory.
func (t *Transfer) UploadFiles(ctx context.Context, sbx sandbox.Sandbox, files map[string]string, binary map[string][]byte) error {
	entries := make([]sandbox.WriteEntry, 0, len(files)+len(binary))
	var failed []string

	add := func(name string, data []byte) {
		full, err := resolvePath(name)
		if err != nil {
			t.logger.Warn("rejecting input file path",
				slog.String("path", name),
				slog.String("error", err.Error()),
			)
			failed = append(failed, name)
			return
		}
		entries = append(entries, sandbox.WriteEntry{Path: full, Data: data})
	}
	for name, content := range files {
		add(name, []byte(content))
	}
	for name, data := range binary {
		add(name, data)
	}

	if len(failed) > 0 {
		sort.Strings(failed)
		return fmt.Errorf("refusing to upload %d file(s) with invalid paths: %s", len(failed), strings.Join(failed, ", "))
	}
	if len(entries) == 0 {
		return nil
	}

	if t.tracer != nil {
		var span trace.Span
		ctx, span = t.tracer.Start(ctx, "transfer.upload_files",
			trace.WithAttributes(attribute.Int("files.count", len(entries))))
		defer span.End()
	}

	if err := t.ensureParentDirs(ctx, sbx, entries); err != nil {
		return err
	}
	if err := sbx.WriteFiles(ctx, entries); err != nil {
		return fmt.Errorf("uploading %d file(s): %w", len(entries), err)
	}
	return nil
}

// UploadSkills writes each skill bundle under the sandbox skills
// directory, flattened into one batch write.
func (t *Transfer) UploadSkills(ctx context.Context, sbx sandbox.Sandbox, set skills.Set) error {
	var entries []sandbox.WriteEntry
	names := make([]string, 0, len(set))
	for name := range set {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		for rel, content := range set[name] {
			entries = append(entries, sandbox.WriteEntry{
				Path: path.Join(SkillsDir, name, rel),
				Data: []byte(content),
			})
		}
	}
	if len(entries) == 0 {
		return nil
	}

	if t.tracer != nil {
		var span trace.Span
		ctx, span = t.tracer.Start(ctx, "transfer.upload_skills",
			trace.WithAttributes(attribute.Int("skills.count", len(set))))
		defer span.End()
	}

	if err := t.ensureParentDirs(ctx, sbx, entries); err != nil {
		return err
	}
	if err := sbx.WriteFiles(ctx, entries); err != nil {
		return fmt.Errorf("uploading %d skill file(s): %w", len(entries), err)
	}
	return nil
}

// ensureParentDirs creates every parent directory of the batch with one
// shell command.
func (t *Transfer) ensureParentDirs(ctx context.Context, sbx sandbox.Sandbox, entries []sandbox.WriteEntry) error {
	dirSet := make(map[string]struct{})
	for _, entry := range entries {
		dir := path.Dir(entry.Path)
		if dir != "/" && dir != "." {
			dirSet[dir] = struct{}{}
		}
	}
	if len(dirSet) == 0 {
		return nil
	}

	dirs := make([]string, 0, len(dirSet))
	for dir := range dirSet {
		dirs = append(dirs, sandbox.ShellQuote(dir))
	}
	sort.Strings(dirs)

	cmd := "mkdir -p " + strings.Join(dirs, " ")
	if err := sbx.RunCommand(ctx, cmd, sandbox.CommandOptions{TimeoutSeconds: mkdirTimeoutSeconds}); err != nil {
		return fmt.Errorf("creating %d director(ies): %w", len(dirs), err)
	}
	return nil
}

// ExtractGenerated collects files the agent created in the working
// directory and returns them as file events. Directories, dotfiles,
// request inputs, and oversized files are skipped; the scan honors the
// file count and total byte budgets. Extraction never fails the run:
// any error is logged and the files gathered so far are returned.
func (t *Transfer) ExtractGenerated(ctx context.Context, sbx sandbox.Sandbox, workDir string, inputs map[string]struct{}) []protocol.Event {
	if t.tracer != nil {
		var span trace.Span
		ctx, span = t.tracer.Start(ctx, "transfer.extract_generated")
		defer span.End()
	}

	listing, err := sbx.List(ctx, workDir)
	if err != nil {
		t.logger.Warn("listing sandbox output failed, skipping extraction",
			slog.String("dir", workDir),
			slog.String("error", err.Error()),
		)
		return nil
	}

	candidates := make([]sandbox.Entry, 0, len(listing))
	for _, entry := range listing {
		if entry.Dir || strings.HasPrefix(entry.Name, ".") {
			continue
		}
		if _, isInput := inputs[entry.Name]; isInput {
			continue
		}
		if entry.Size > MaxFileBytes {
			t.logger.Warn("skipping oversized output file",
				slog.String("name", entry.Name),
				slog.Int64("size", entry.Size),
			)
			continue
		}
		candidates = append(candidates, entry)
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].Name < candidates[j].Name })
	if len(candidates) > MaxOutputFiles {
		t.logger.Warn("too many output files, truncating",
			slog.Int("found", len(candidates)),
			slog.Int("limit", MaxOutputFiles),
		)
		candidates = candidates[:MaxOutputFiles]
	}

	var events []protocol.Event
	var total int64
	for _, entry := range candidates {
		if total+entry.Size > MaxTotalBytes {
			t.logger.Warn("output byte budget reached, stopping extraction",
				slog.Int64("total", total),
				slog.String("next", entry.Name),
			)
			break
		}
		data, err := sbx.Read(ctx, entry.Path)
		if err != nil {
			t.logger.Warn("reading output file failed, skipping",
				slog.String("name", entry.Name),
				slog.String("error", err.Error()),
			)
			continue
		}
		total += int64(len(data))
		events = append(events, protocol.FileEvent(entry.Name, entry.Path, data))
	}

	if t.metrics != nil {
		t.metrics.ExtractedFilesTotal.Add(float64(len(events)))
		t.metrics.ExtractedBytesTotal.Add(float64(total))
	}
	if len(events) > 0 {
		t.logger.Info("extracted generated files",
			slog.Int("count", len(events)),
			slog.Int64("bytes", total),
		)
	}
	return events
}

// resolvePath joins a request-supplied relative path onto the working
// directory, rejecting absolute paths and parent traversal.
func resolvePath(name string) (string, error) {
	if name == "" {
		return "", fmt.Errorf("empty path")
	}
	if path.IsAbs(name) {
		return "", fmt.Errorf("absolute paths are not allowed")
	}
	for _, part := range strings.Split(name, "/") {
		if part == ".." {
			return "", fmt.Errorf("parent traversal is not allowed")
		}
	}
	cleaned := path.Clean(name)
	if cleaned == "." || strings.HasPrefix(cleaned, "../") {
		return "", fmt.Errorf("path escapes working directory")
	}
	return path.Join("/home/user", cleaned), nil
}
