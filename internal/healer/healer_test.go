package healer_test

import (
	"context"
	"testing"
	"time"

	"avqc/internal/healer"
	"avqc/internal/stages"
	"avqc/internal/store"
	"avqc/internal/testsupport"
)

func failPermanently(t *testing.T, st *store.Store, interviewID int64, stage, inputFP string) *store.StageRun {
	t.Helper()
	ctx := context.Background()
	run, err := st.StageRun(ctx, interviewID, stage)
	if err != nil || run == nil {
		t.Fatalf("StageRun: run=%v err=%v", run, err)
	}
	claimed, err := st.ClaimStageRun(ctx, run.ID, stage, nil, 0, 10, "seed", time.Now().Add(time.Minute))
	if err != nil || !claimed {
		t.Fatalf("claim: claimed=%v err=%v", claimed, err)
	}
	if err := st.MarkRunning(ctx, run.ID, "seed", inputFP); err != nil {
		t.Fatalf("MarkRunning: %v", err)
	}
	if _, err := st.RecordOutcome(ctx, run.ID, "seed", store.OutcomePermanent, "tool broken", 10); err != nil {
		t.Fatalf("RecordOutcome: %v", err)
	}
	return run
}

func TestHealOnceReopensSafeFailures(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithSelfHeal("@hourly"))
	st := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	graph, err := stages.Resolve(cfg)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	h, err := healer.New(cfg, st, graph, nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	iv := testsupport.SeedInterview(t, st, "iv-heal")
	run := failPermanently(t, st, iv.ID, stages.Decrypt, "fp-1")

	// Stale artifact left behind by the failed attempt.
	if _, _, err := st.UpsertFile(ctx, iv.ID, stages.RoleDecrypted, "/work/iv-heal/decrypted.mp4", "", stages.Decrypt); err != nil {
		t.Fatalf("UpsertFile: %v", err)
	}

	healed, err := h.HealOnce(ctx)
	if err != nil {
		t.Fatalf("HealOnce: %v", err)
	}
	if healed != 1 {
		t.Fatalf("expected 1 healed run, got %d", healed)
	}

	refreshed, err := st.StageRunByID(ctx, run.ID)
	if err != nil {
		t.Fatalf("StageRunByID: %v", err)
	}
	if refreshed.Status != store.StatusPending || refreshed.AttemptCount != 0 {
		t.Fatalf("expected reopened run, got %s attempts=%d", refreshed.Status, refreshed.AttemptCount)
	}

	files, err := st.FilesForInterview(ctx, iv.ID, stages.RoleDecrypted)
	if err != nil {
		t.Fatalf("FilesForInterview: %v", err)
	}
	if len(files) != 0 {
		t.Fatalf("expected stale artifacts purged, got %d", len(files))
	}

	// A second sweep over the same fingerprint is a no-op.
	healed, err = h.HealOnce(ctx)
	if err != nil {
		t.Fatalf("second HealOnce: %v", err)
	}
	if healed != 0 {
		t.Fatalf("expected no repeat heal, got %d", healed)
	}
}

func TestHealOnceSkipsUnsafeStages(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithSelfHeal("@hourly"))
	st := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	graph, err := stages.Resolve(cfg)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	h, err := healer.New(cfg, st, graph, nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	iv := testsupport.SeedInterview(t, st, "iv-heal-unsafe")
	run := failPermanently(t, st, iv.ID, stages.OpenFace, "fp-1")

	healed, err := h.HealOnce(ctx)
	if err != nil {
		t.Fatalf("HealOnce: %v", err)
	}
	if healed != 0 {
		t.Fatalf("expected unsafe stage left alone, got %d healed", healed)
	}

	refreshed, _ := st.StageRunByID(ctx, run.ID)
	if refreshed.Status != store.StatusFailedPermanent {
		t.Fatalf("expected failed_permanent, got %s", refreshed.Status)
	}
}

func TestHealOnceDisabled(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)

	graph, err := stages.Resolve(cfg)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	h, err := healer.New(cfg, st, graph, nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	iv := testsupport.SeedInterview(t, st, "iv-heal-off")
	failPermanently(t, st, iv.ID, stages.Decrypt, "fp-1")

	healed, err := h.HealOnce(context.Background())
	if err != nil {
		t.Fatalf("HealOnce: %v", err)
	}
	if healed != 0 {
		t.Fatalf("expected disabled healer to do nothing, got %d", healed)
	}

	// Run also returns immediately when disabled.
	if err := h.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
}

func TestNewRejectsBadSchedule(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithSelfHeal("every now and then"))
	st := testsupport.MustOpenStore(t, cfg)

	graph, err := stages.Resolve(cfg)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if _, err := healer.New(cfg, st, graph, nil, nil); err == nil {
		t.Fatal("expected error for invalid cron expression")
	}
}
