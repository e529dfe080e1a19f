// Package stages defines the static pipeline stage graph: names,
// prerequisites, concurrency caps, retry limits, and idempotency classes.
// The graph is fixed at build time; configuration only overlays caps,
// retry budgets, and tool bindings.
package stages

import (
	"fmt"

	"avqc/internal/config"
)

// Stage names, in dependency order.
const (
	Decrypt      = "decrypt"
	Metadata     = "metadata"
	VideoQC      = "video-qc"
	SplitStreams = "split-streams"
	OpenFace     = "openface"
	OpenFaceQC   = "openface-qc"
	Report       = "report"
)

// File roles produced and consumed by stages.
const (
	RoleRaw          = "raw"
	RoleDecrypted    = "decrypted"
	RoleMetadata     = "metadata"
	RoleVideoQC      = "video-qc"
	RoleLeftStream   = "left-stream"
	RoleRightStream  = "right-stream"
	RoleFeatureTable = "feature-table"
	RoleFeatureQC    = "feature-qc"
	RoleReport       = "report"
)

// Definition describes one pipeline stage.
type Definition struct {
	Name          string
	Prerequisites []string
	// Inputs lists the file roles the stage consumes; Outputs the roles it
	// must produce on success.
	Inputs  []string
	Outputs []string
	// MaxConcurrent bounds claimed+running runs of this stage across all
	// orchestrator instances.
	MaxConcurrent int
	// MaxAttempts bounds transient retries before the run is forced to
	// failed_permanent.
	MaxAttempts int
	// IdempotencySafe marks stages whose partial output can be discarded
	// and rerun; unsafe stages come back from an expired lease as
	// failed_retryable instead of pending.
	IdempotencySafe bool
	// TimeoutSeconds bounds a single tool invocation; zero means no limit.
	TimeoutSeconds int
	// Tool is the external executable (or container entrypoint wrapper)
	// the stage invokes.
	Tool string
	// ExtraArgs are appended to the generated tool arguments.
	ExtraArgs []string
}

func defaults() []Definition {
	return []Definition{
		{
			Name:            Decrypt,
			Inputs:          []string{RoleRaw},
			Outputs:         []string{RoleDecrypted},
			MaxConcurrent:   2,
			IdempotencySafe: true,
			Tool:            "avqc-decrypt",
		},
		{
			Name:            Metadata,
			Prerequisites:   []string{Decrypt},
			Inputs:          []string{RoleDecrypted},
			Outputs:         []string{RoleMetadata},
			MaxConcurrent:   4,
			IdempotencySafe: true,
			Tool:            "ffprobe-metadata",
		},
		{
			Name:            VideoQC,
			Prerequisites:   []string{Metadata},
			Inputs:          []string{RoleDecrypted, RoleMetadata},
			Outputs:         []string{RoleVideoQC},
			MaxConcurrent:   2,
			IdempotencySafe: true,
			Tool:            "video-qc-check",
		},
		{
			Name:            SplitStreams,
			Prerequisites:   []string{VideoQC},
			Inputs:          []string{RoleDecrypted, RoleVideoQC},
			Outputs:         []string{RoleLeftStream, RoleRightStream},
			MaxConcurrent:   2,
			IdempotencySafe: true,
			Tool:            "split-streams",
		},
		{
			Name:          OpenFace,
			Prerequisites: []string{SplitStreams},
			Inputs:        []string{RoleLeftStream, RoleRightStream},
			Outputs:       []string{RoleFeatureTable},
			MaxConcurrent: 1,
			// The container writes large intermediate trees in place;
			// a rerun over partial output is not safe without a purge.
			IdempotencySafe: false,
			TimeoutSeconds:  14400,
			Tool:            "openface-run",
		},
		{
			Name:            OpenFaceQC,
			Prerequisites:   []string{OpenFace},
			Inputs:          []string{RoleFeatureTable},
			Outputs:         []string{RoleFeatureQC},
			MaxConcurrent:   2,
			IdempotencySafe: true,
			Tool:            "openface-qc",
		},
		{
			Name:            Report,
			Prerequisites:   []string{Metadata, VideoQC, OpenFaceQC},
			Inputs:          []string{RoleMetadata, RoleVideoQC, RoleFeatureTable, RoleFeatureQC},
			Outputs:         []string{RoleReport},
			MaxConcurrent:   1,
			IdempotencySafe: true,
			Tool:            "qc-report",
		},
	}
}

// Graph returns the stage definitions in dependency order with built-in
// defaults and no config overlays.
func Graph() []Definition {
	return defaults()
}

// Resolve overlays config stage settings onto the built-in graph. Unknown
// stage names in the config are rejected so typos fail fast.
func Resolve(cfg *config.Config) ([]Definition, error) {
	graph := defaults()
	known := make(map[string]int, len(graph))
	for i, def := range graph {
		known[def.Name] = i
		if graph[i].MaxAttempts == 0 {
			graph[i].MaxAttempts = cfg.Orchestrator.MaxAttempts
		}
	}

	for name, override := range cfg.Stages {
		idx, ok := known[name]
		if !ok {
			return nil, fmt.Errorf("stages.%s: unknown stage name", name)
		}
		if override.MaxConcurrent > 0 {
			graph[idx].MaxConcurrent = override.MaxConcurrent
		}
		if override.MaxAttempts > 0 {
			graph[idx].MaxAttempts = override.MaxAttempts
		}
		if override.Tool != "" {
			graph[idx].Tool = override.Tool
		}
		if len(override.Args) > 0 {
			graph[idx].ExtraArgs = append([]string(nil), override.Args...)
		}
		if override.TimeoutSecs > 0 {
			graph[idx].TimeoutSeconds = override.TimeoutSecs
		}
	}

	return graph, nil
}

// Names returns the stage names in dependency order.
func Names() []string {
	graph := defaults()
	names := make([]string, len(graph))
	for i, def := range graph {
		names[i] = def.Name
	}
	return names
}

// ByName returns the built-in definition for a stage name.
func ByName(name string) (Definition, bool) {
	for _, def := range defaults() {
		if def.Name == name {
			return def, true
		}
	}
	return Definition{}, false
}

// SafeNames returns the names of idempotency-safe stages.
func SafeNames(graph []Definition) []string {
	names := make([]string, 0, len(graph))
	for _, def := range graph {
		if def.IdempotencySafe {
			names = append(names, def.Name)
		}
	}
	return names
}

// Terminal returns the final stage in the graph.
func Terminal() string {
	graph := defaults()
	return graph[len(graph)-1].Name
}
