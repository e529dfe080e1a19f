package runner_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"avqc/internal/runner"
	"avqc/internal/stages"
	"avqc/internal/store"
)

// stageDef returns the decrypt definition with the tool swapped for a stub.
func stageDef(t *testing.T, tool string) stages.Definition {
	t.Helper()
	def, ok := stages.ByName(stages.Decrypt)
	if !ok {
		t.Fatal("decrypt stage missing from graph")
	}
	def.Tool = tool
	return def
}

func newRequest(t *testing.T, def stages.Definition) runner.Request {
	t.Helper()
	base := t.TempDir()
	input := filepath.Join(base, "raw", "interview.mp4")
	if err := os.MkdirAll(filepath.Dir(input), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(input, []byte("raw video payload"), 0o644); err != nil {
		t.Fatalf("write input: %v", err)
	}
	return runner.Request{
		Interview:   &store.Interview{ID: 1, Name: "TEST-AB01234-day0001-interview"},
		Run:         &store.StageRun{ID: 1, InterviewID: 1, Stage: def.Name},
		Stage:       def,
		Inputs:      map[string][]string{stages.RoleRaw: {input}},
		ArtifactDir: filepath.Join(base, "artifacts"),
		StagingDir:  filepath.Join(base, "staging"),
	}
}

func stubTool(t *testing.T, script string) string {
	t.Helper()
	dir := t.TempDir()
	name := "stub-decrypt"
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatalf("write stub: %v", err)
	}
	t.Setenv("PATH", dir+string(os.PathListSeparator)+os.Getenv("PATH"))
	return name
}

func TestToolRunnerPublishesOutputs(t *testing.T) {
	// The tool gets input paths then the staging dir; it writes its output
	// there with the role in the filename.
	tool := stubTool(t, `#!/bin/sh
for last; do :; done
cp "$1" "$last/interview.decrypted.mp4"
`)
	def := stageDef(t, tool)
	req := newRequest(t, def)

	res, err := runner.NewToolRunner(nil).Run(context.Background(), req)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	published := res.Outputs[stages.RoleDecrypted]
	if len(published) != 1 {
		t.Fatalf("expected 1 decrypted output, got %v", res.Outputs)
	}
	if filepath.Dir(published[0]) != req.ArtifactDir {
		t.Fatalf("expected artifact in %s, got %s", req.ArtifactDir, published[0])
	}
	data, err := os.ReadFile(published[0])
	if err != nil {
		t.Fatalf("read artifact: %v", err)
	}
	if string(data) != "raw video payload" {
		t.Fatalf("artifact content mismatch: %q", data)
	}

	// Staging leftovers are cleaned up.
	entries, err := os.ReadDir(req.StagingDir)
	if err != nil {
		t.Fatalf("read staging dir: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected empty staging dir, found %d entries", len(entries))
	}
}

func TestToolRunnerTransientOnCrash(t *testing.T) {
	tool := stubTool(t, `#!/bin/sh
echo "disk full" >&2
exit 1
`)
	def := stageDef(t, tool)

	_, err := runner.NewToolRunner(nil).Run(context.Background(), newRequest(t, def))
	if !errors.Is(err, runner.ErrExternalTool) {
		t.Fatalf("expected ErrExternalTool, got %v", err)
	}
	if runner.Classify(err) != store.OutcomeTransient {
		t.Fatalf("expected transient classification for %v", err)
	}
	if !strings.Contains(err.Error(), "disk full") {
		t.Fatalf("expected stderr tail in error, got %q", err)
	}
}

func TestToolRunnerPermanentOnBadInput(t *testing.T) {
	tool := stubTool(t, `#!/bin/sh
echo "corrupt container" >&2
exit 2
`)
	def := stageDef(t, tool)

	_, err := runner.NewToolRunner(nil).Run(context.Background(), newRequest(t, def))
	if !errors.Is(err, runner.ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
	if runner.Classify(err) != store.OutcomePermanent {
		t.Fatalf("expected permanent classification for %v", err)
	}
}

func TestToolRunnerSkipExitCode(t *testing.T) {
	tool := stubTool(t, `#!/bin/sh
echo "recording already plaintext" >&2
exit 3
`)
	def := stageDef(t, tool)

	_, err := runner.NewToolRunner(nil).Run(context.Background(), newRequest(t, def))
	if !errors.Is(err, runner.ErrSkip) {
		t.Fatalf("expected ErrSkip, got %v", err)
	}
	if runner.Classify(err) != store.OutcomeSkipped {
		t.Fatalf("expected skipped classification for %v", err)
	}
	if !strings.Contains(err.Error(), "recording already plaintext") {
		t.Fatalf("expected skip reason in error, got %q", err)
	}
}

func TestToolRunnerValidatesDeclaredOutputs(t *testing.T) {
	// Tool exits cleanly but writes nothing.
	tool := stubTool(t, "#!/bin/sh\nexit 0\n")
	def := stageDef(t, tool)

	_, err := runner.NewToolRunner(nil).Run(context.Background(), newRequest(t, def))
	if !errors.Is(err, runner.ErrValidation) {
		t.Fatalf("expected ErrValidation for missing outputs, got %v", err)
	}
	if !strings.Contains(err.Error(), stages.RoleDecrypted) {
		t.Fatalf("expected missing role named in error, got %q", err)
	}
}

func TestToolRunnerMissingTool(t *testing.T) {
	def := stageDef(t, "no-such-tool-on-path")

	_, err := runner.NewToolRunner(nil).Run(context.Background(), newRequest(t, def))
	if !errors.Is(err, runner.ErrConfiguration) {
		t.Fatalf("expected ErrConfiguration, got %v", err)
	}
	if runner.Classify(err) != store.OutcomePermanent {
		t.Fatalf("expected permanent classification for %v", err)
	}
}

func TestToolRunnerMissingInput(t *testing.T) {
	tool := stubTool(t, "#!/bin/sh\nexit 0\n")
	def := stageDef(t, tool)
	req := newRequest(t, def)
	req.Inputs = map[string][]string{}

	_, err := runner.NewToolRunner(nil).Run(context.Background(), req)
	if !errors.Is(err, runner.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestToolRunnerTimeout(t *testing.T) {
	tool := stubTool(t, "#!/bin/sh\nsleep 10\n")
	def := stageDef(t, tool)
	def.TimeoutSeconds = 1

	_, err := runner.NewToolRunner(nil).Run(context.Background(), newRequest(t, def))
	if !errors.Is(err, runner.ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if runner.Classify(err) != store.OutcomeTransient {
		t.Fatalf("expected transient classification for %v", err)
	}
}

func TestRegistryFallback(t *testing.T) {
	fallback := runner.NewToolRunner(nil)
	reg := runner.NewRegistry(fallback)

	if got := reg.For(stages.Decrypt); got != runner.Runner(fallback) {
		t.Fatal("expected fallback runner for unregistered stage")
	}

	custom := runner.NewToolRunner(nil)
	reg.Register(stages.Report, custom)
	if got := reg.For(stages.Report); got != runner.Runner(custom) {
		t.Fatal("expected registered runner for report stage")
	}
}
