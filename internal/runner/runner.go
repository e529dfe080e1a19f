// Package runner executes pipeline stages against external tools and
// classifies their failures so the scheduler can decide between retry and
// permanent failure.
package runner

import (
	"context"

	"avqc/internal/stages"
	"avqc/internal/store"
)

// Request carries everything a stage execution needs.
type Request struct {
	Interview *store.Interview
	Run       *store.StageRun
	Stage     stages.Definition
	// Inputs maps file roles to the tracked paths the stage consumes.
	Inputs map[string][]string
	// ArtifactDir is where published outputs for this interview and stage
	// end up after a successful run.
	ArtifactDir string
	// StagingDir holds in-progress output until publication.
	StagingDir string
}

// Result reports the artifacts a successful execution produced.
type Result struct {
	// Outputs maps declared output roles to published paths.
	Outputs map[string][]string
	Detail  string
}

// Runner executes one stage for one interview.
type Runner interface {
	Run(ctx context.Context, req Request) (Result, error)
}

// Registry resolves the Runner for each stage.
type Registry struct {
	fallback Runner
	byStage  map[string]Runner
}

// NewRegistry builds a registry with a fallback runner used for any stage
// without an explicit override.
func NewRegistry(fallback Runner) *Registry {
	return &Registry{fallback: fallback, byStage: make(map[string]Runner)}
}

// Register installs a stage-specific runner.
func (r *Registry) Register(stage string, runner Runner) {
	r.byStage[stage] = runner
}

// For returns the runner for a stage.
func (r *Registry) For(stage string) Runner {
	if runner, ok := r.byStage[stage]; ok {
		return runner
	}
	return r.fallback
}
