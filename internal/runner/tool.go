package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"avqc/internal/logging"
	"avqc/internal/stages"
)

// stderrTailLimit bounds how much tool stderr is kept for error messages.
const stderrTailLimit = 4096

// Tool exit codes above this one mean the input itself is unusable and a
// retry cannot help.
const exitCodeBadInput = 2

// Tools exit with this code to report the stage does not apply to the
// recording, for example a single-speaker session with nothing to split.
const exitCodeSkip = 3

var commandContext = exec.CommandContext

// ToolRunner invokes a stage's external tool. The tool receives the input
// paths followed by a staging directory; whatever it writes there is
// published into the artifact directory with an atomic rename, so a crashed
// run never leaves partial output where downstream stages look for it.
type ToolRunner struct {
	logger *slog.Logger
}

// NewToolRunner builds the default external-tool runner.
func NewToolRunner(logger *slog.Logger) *ToolRunner {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &ToolRunner{logger: logger}
}

func (t *ToolRunner) Run(ctx context.Context, req Request) (Result, error) {
	def := req.Stage
	if def.Tool == "" {
		return Result{}, Wrap(ErrConfiguration, def.Name, "resolve tool", "no tool configured", nil)
	}
	if _, err := exec.LookPath(def.Tool); err != nil {
		return Result{}, Wrap(ErrConfiguration, def.Name, "resolve tool", def.Tool, err)
	}

	inputs, err := collectInputs(def, req.Inputs)
	if err != nil {
		return Result{}, err
	}

	staging := filepath.Join(req.StagingDir, fmt.Sprintf("%s-%s-%s", req.Interview.Name, def.Name, uuid.NewString()))
	if err := os.MkdirAll(staging, 0o755); err != nil {
		return Result{}, Wrap(ErrTransient, def.Name, "create staging dir", staging, err)
	}
	defer func() { _ = os.RemoveAll(staging) }()

	runCtx := ctx
	if def.TimeoutSeconds > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, time.Duration(def.TimeoutSeconds)*time.Second)
		defer cancel()
	}

	args := make([]string, 0, len(def.ExtraArgs)+len(inputs)+1)
	args = append(args, def.ExtraArgs...)
	args = append(args, inputs...)
	args = append(args, staging)

	logger := logging.WithContext(ctx, t.logger)
	logger.Info("tool started",
		logging.String(logging.FieldEventType, "tool_start"),
		logging.String("tool", def.Tool),
		logging.Int("input_count", len(inputs)),
	)

	cmd := commandContext(runCtx, def.Tool, args...) //nolint:gosec
	tail := newTailWriter(stderrTailLimit)
	cmd.Stderr = tail
	cmd.Stdout = tail

	start := time.Now()
	runErr := cmd.Run()
	elapsed := time.Since(start)

	if runErr != nil {
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			return Result{}, Wrap(ErrTimeout, def.Name, "run tool",
				fmt.Sprintf("%s exceeded %ds", def.Tool, def.TimeoutSeconds), nil)
		}
		detail := strings.TrimSpace(tail.String())
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			switch {
			case exitErr.ExitCode() == exitCodeSkip:
				return Result{}, Wrap(ErrSkip, def.Name, "run tool", detail, nil)
			case exitErr.ExitCode() >= exitCodeBadInput:
				return Result{}, Wrap(ErrValidation, def.Name, "run tool", detail, runErr)
			}
		}
		return Result{}, Wrap(ErrExternalTool, def.Name, "run tool", detail, runErr)
	}

	outputs, err := t.publish(def, staging, req.ArtifactDir)
	if err != nil {
		return Result{}, err
	}

	logger.Info("tool finished",
		logging.String(logging.FieldEventType, "tool_complete"),
		logging.String("tool", def.Tool),
		logging.Duration("elapsed", elapsed),
	)

	return Result{Outputs: outputs, Detail: fmt.Sprintf("%s completed in %s", def.Tool, elapsed.Round(time.Millisecond))}, nil
}

// publish moves staged output into the artifact directory and maps each
// produced file to a declared output role by filename. Every declared role
// must be satisfied or the run fails validation.
func (t *ToolRunner) publish(def stages.Definition, staging, artifactDir string) (map[string][]string, error) {
	entries, err := os.ReadDir(staging)
	if err != nil {
		return nil, Wrap(ErrTransient, def.Name, "read staging dir", staging, err)
	}
	if err := os.MkdirAll(artifactDir, 0o755); err != nil {
		return nil, Wrap(ErrTransient, def.Name, "create artifact dir", artifactDir, err)
	}

	outputs := make(map[string][]string, len(def.Outputs))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		role, ok := roleForFile(def.Outputs, entry.Name())
		if !ok {
			continue
		}
		src := filepath.Join(staging, entry.Name())
		dst := filepath.Join(artifactDir, entry.Name())
		if err := os.Rename(src, dst); err != nil {
			return nil, Wrap(ErrTransient, def.Name, "publish artifact", dst, err)
		}
		outputs[role] = append(outputs[role], dst)
	}

	var missing []string
	for _, role := range def.Outputs {
		if len(outputs[role]) == 0 {
			missing = append(missing, role)
		}
	}
	if len(missing) > 0 {
		return nil, Wrap(ErrValidation, def.Name, "verify outputs",
			fmt.Sprintf("tool produced no files for roles: %s", strings.Join(missing, ", ")), nil)
	}
	return outputs, nil
}

func collectInputs(def stages.Definition, inputs map[string][]string) ([]string, error) {
	var paths []string
	for _, role := range def.Inputs {
		rolePaths := inputs[role]
		if len(rolePaths) == 0 {
			return nil, Wrap(ErrNotFound, def.Name, "collect inputs",
				fmt.Sprintf("no tracked file for role %q", role), nil)
		}
		for _, p := range rolePaths {
			if _, err := os.Stat(p); err != nil {
				return nil, Wrap(ErrNotFound, def.Name, "collect inputs", p, err)
			}
			paths = append(paths, p)
		}
	}
	return paths, nil
}

// roleForFile matches a produced filename to a declared output role. Tools
// name their outputs with the role embedded, e.g. PART-x.left-stream.mkv.
func roleForFile(roles []string, name string) (string, bool) {
	lower := strings.ToLower(name)
	best := ""
	for _, role := range roles {
		if strings.Contains(lower, strings.ToLower(role)) && len(role) > len(best) {
			best = role
		}
	}
	if best == "" && len(roles) == 1 {
		return roles[0], true
	}
	return best, best != ""
}

// tailWriter keeps the last n bytes written through it.
type tailWriter struct {
	limit int
	buf   []byte
}

func newTailWriter(limit int) *tailWriter {
	return &tailWriter{limit: limit}
}

func (w *tailWriter) Write(p []byte) (int, error) {
	w.buf = append(w.buf, p...)
	if len(w.buf) > w.limit {
		w.buf = w.buf[len(w.buf)-w.limit:]
	}
	return len(p), nil
}

func (w *tailWriter) String() string {
	return string(w.buf)
}
