package stages_test

import (
	"testing"

	"avqc/internal/config"
	"avqc/internal/stages"
)

func TestGraphIsDependencyOrdered(t *testing.T) {
	seen := make(map[string]bool)
	for _, def := range stages.Graph() {
		for _, prereq := range def.Prerequisites {
			if !seen[prereq] {
				t.Fatalf("stage %s lists prerequisite %s that does not precede it", def.Name, prereq)
			}
		}
		seen[def.Name] = true
	}
}

func TestGraphOutputsFeedDeclaredInputs(t *testing.T) {
	produced := map[string]bool{stages.RoleRaw: true}
	for _, def := range stages.Graph() {
		for _, role := range def.Inputs {
			if !produced[role] {
				t.Fatalf("stage %s consumes role %s no earlier stage produces", def.Name, role)
			}
		}
		for _, role := range def.Outputs {
			produced[role] = true
		}
	}
}

func TestResolveAppliesOverrides(t *testing.T) {
	cfg := config.Default()
	cfg.Orchestrator.MaxAttempts = 5
	cfg.Stages = map[string]config.Stage{
		stages.OpenFace: {
			MaxConcurrent: 3,
			MaxAttempts:   1,
			Tool:          "openface-gpu",
			Args:          []string{"--device", "cuda"},
			TimeoutSecs:   600,
		},
	}

	graph, err := stages.Resolve(&cfg)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	var openface, decrypt stages.Definition
	for _, def := range graph {
		switch def.Name {
		case stages.OpenFace:
			openface = def
		case stages.Decrypt:
			decrypt = def
		}
	}

	if openface.MaxConcurrent != 3 || openface.MaxAttempts != 1 {
		t.Fatalf("override not applied: %+v", openface)
	}
	if openface.Tool != "openface-gpu" || openface.TimeoutSeconds != 600 {
		t.Fatalf("tool override not applied: %+v", openface)
	}
	if len(openface.ExtraArgs) != 2 || openface.ExtraArgs[0] != "--device" {
		t.Fatalf("args override not applied: %v", openface.ExtraArgs)
	}

	// Stages without overrides inherit the global retry budget.
	if decrypt.MaxAttempts != 5 {
		t.Fatalf("expected global budget on decrypt, got %d", decrypt.MaxAttempts)
	}
}

func TestResolveRejectsUnknownStage(t *testing.T) {
	cfg := config.Default()
	cfg.Stages = map[string]config.Stage{"transcode": {MaxConcurrent: 1}}

	if _, err := stages.Resolve(&cfg); err == nil {
		t.Fatal("expected error for unknown stage name")
	}
}

func TestSafeNamesExcludeOpenFace(t *testing.T) {
	safe := stages.SafeNames(stages.Graph())
	for _, name := range safe {
		if name == stages.OpenFace {
			t.Fatal("openface must not be idempotency safe")
		}
	}
	if len(safe) != len(stages.Graph())-1 {
		t.Fatalf("expected all other stages safe, got %v", safe)
	}
}

func TestTerminalIsReport(t *testing.T) {
	if got := stages.Terminal(); got != stages.Report {
		t.Fatalf("expected report terminal stage, got %s", got)
	}
}

func TestByName(t *testing.T) {
	def, ok := stages.ByName(stages.SplitStreams)
	if !ok {
		t.Fatal("expected split-streams definition")
	}
	if len(def.Outputs) != 2 {
		t.Fatalf("expected two stream outputs, got %v", def.Outputs)
	}
	if _, ok := stages.ByName("nope"); ok {
		t.Fatal("expected lookup miss for unknown stage")
	}
}
