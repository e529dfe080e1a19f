package testsupport

import (
	"context"
	"testing"

	"avqc/internal/config"
	"avqc/internal/stages"
	"avqc/internal/store"
)

// MustOpenStore opens a state store for tests and registers cleanup.
func MustOpenStore(t testing.TB, cfg *config.Config) *store.Store {
	t.Helper()

	st, err := store.Open(cfg)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() {
		st.Close()
	})
	return st
}

// SeedInterview registers an interview with runs for every pipeline stage.
func SeedInterview(t testing.TB, st *store.Store, name string) *store.Interview {
	t.Helper()

	iv, _, err := st.RegisterInterview(context.Background(), "TEST", "AB01234", 1, name, "/data/"+name, stages.Names())
	if err != nil {
		t.Fatalf("RegisterInterview: %v", err)
	}
	return iv
}

// MarkSucceeded forces an interview's run for one stage to succeeded,
// bypassing the claim protocol. Useful for arranging prerequisite state.
func MarkSucceeded(t testing.TB, st *store.Store, interviewID int64, stage string) {
	t.Helper()
	ctx := context.Background()

	run, err := st.StageRun(ctx, interviewID, stage)
	if err != nil || run == nil {
		t.Fatalf("StageRun(%s): run=%v err=%v", stage, run, err)
	}
	def, ok := stages.ByName(stage)
	if !ok {
		t.Fatalf("unknown stage %s", stage)
	}
	claimed, err := st.ClaimStageRun(ctx, run.ID, stage, nil, 0, 100, "seed", farFuture())
	if err != nil || !claimed {
		t.Fatalf("claim %s: claimed=%v err=%v", stage, claimed, err)
	}
	if _, err := st.RecordOutcome(ctx, run.ID, "seed", store.OutcomeSuccess, "", def.MaxAttempts+100); err != nil {
		t.Fatalf("RecordOutcome(%s): %v", stage, err)
	}
}
