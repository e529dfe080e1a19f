package crawler_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"avqc/internal/crawler"
	"avqc/internal/stages"
	"avqc/internal/store"
	"avqc/internal/testsupport"
)

func newCrawler(t *testing.T) (*crawler.Crawler, *store.Store, string) {
	t.Helper()
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	graph, err := stages.Resolve(cfg)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	return crawler.New(cfg, st, graph, nil), st, cfg.Study.DataRoots[0]
}

func TestCrawlDiscoversAndIsIdempotent(t *testing.T) {
	c, st, root := newCrawler(t)
	ctx := context.Background()

	recording := filepath.Join(root, "AB01234", "day-0002", "interview.mp4")
	testsupport.WriteFile(t, recording, 2048)
	testsupport.WriteFile(t, filepath.Join(root, "AB01234", "day-0002", "notes.txt"), 16)

	stats, err := c.Crawl(ctx)
	if err != nil {
		t.Fatalf("Crawl: %v", err)
	}
	if stats.InterviewsCreated != 1 {
		t.Fatalf("expected 1 interview, got %d", stats.InterviewsCreated)
	}
	if stats.FilesRegistered != 1 {
		t.Fatalf("expected 1 registered file, got %d", stats.FilesRegistered)
	}

	iv, err := st.InterviewByName(ctx, "TEST-AB01234-day0002-interview")
	if err != nil || iv == nil {
		t.Fatalf("InterviewByName: iv=%v err=%v", iv, err)
	}
	if iv.Subject != "AB01234" || iv.Day != 2 {
		t.Fatalf("unexpected identity: subject=%s day=%d", iv.Subject, iv.Day)
	}

	runs, err := st.StageRunsForInterview(ctx, iv.ID)
	if err != nil {
		t.Fatalf("StageRunsForInterview: %v", err)
	}
	if len(runs) != len(stages.Names()) {
		t.Fatalf("expected %d seeded runs, got %d", len(stages.Names()), len(runs))
	}

	// Unchanged tree: second pass registers nothing.
	stats, err = c.Crawl(ctx)
	if err != nil {
		t.Fatalf("second Crawl: %v", err)
	}
	if stats.InterviewsCreated != 0 || stats.ChangedInterviews != 0 {
		t.Fatalf("expected idempotent pass, got %+v", stats)
	}
}

func TestCrawlRegistersLateArrivingFiles(t *testing.T) {
	c, st, root := newCrawler(t)
	ctx := context.Background()

	dir := filepath.Join(root, "AB01234", "day-0001")
	testsupport.WriteFile(t, filepath.Join(dir, "interview.mp4"), 2048)

	if _, err := c.Crawl(ctx); err != nil {
		t.Fatalf("Crawl: %v", err)
	}

	// The audio recording lands after the video was already discovered.
	testsupport.WriteFile(t, filepath.Join(dir, "interview.m4a"), 1024)

	stats, err := c.Crawl(ctx)
	if err != nil {
		t.Fatalf("second Crawl: %v", err)
	}
	if stats.InterviewsCreated != 0 {
		t.Fatalf("expected no new interviews, got %d", stats.InterviewsCreated)
	}
	if stats.FilesRegistered != 1 {
		t.Fatalf("expected the late audio file counted, got %d", stats.FilesRegistered)
	}

	iv, err := st.InterviewByName(ctx, "TEST-AB01234-day0001-interview")
	if err != nil || iv == nil {
		t.Fatalf("InterviewByName: iv=%v err=%v", iv, err)
	}
	files, err := st.FilesForInterview(ctx, iv.ID, stages.RoleRaw)
	if err != nil {
		t.Fatalf("FilesForInterview: %v", err)
	}
	if len(files) != 2 {
		t.Fatalf("expected both recordings tracked, got %d", len(files))
	}
}

func TestCrawlResetsOnChangedRecording(t *testing.T) {
	c, st, root := newCrawler(t)
	ctx := context.Background()

	recording := filepath.Join(root, "AB01234", "day-0001", "interview.mp4")
	testsupport.WriteFile(t, recording, 2048)

	if _, err := c.Crawl(ctx); err != nil {
		t.Fatalf("Crawl: %v", err)
	}
	iv, err := st.InterviewByName(ctx, "TEST-AB01234-day0001-interview")
	if err != nil || iv == nil {
		t.Fatalf("InterviewByName: iv=%v err=%v", iv, err)
	}
	testsupport.MarkSucceeded(t, st, iv.ID, stages.Decrypt)

	testsupport.WriteFile(t, recording, 4096)

	stats, err := c.Crawl(ctx)
	if err != nil {
		t.Fatalf("Crawl after change: %v", err)
	}
	if stats.ChangedInterviews != 1 {
		t.Fatalf("expected 1 changed interview, got %d", stats.ChangedInterviews)
	}

	run, err := st.StageRun(ctx, iv.ID, stages.Decrypt)
	if err != nil || run == nil {
		t.Fatalf("StageRun: run=%v err=%v", run, err)
	}
	if run.Status != store.StatusPending {
		t.Fatalf("expected reset to pending, got %s", run.Status)
	}
}

func TestCrawlSkipsUnattributableFiles(t *testing.T) {
	c, _, root := newCrawler(t)
	ctx := context.Background()

	// No subject directory in the path.
	testsupport.WriteFile(t, filepath.Join(root, "misc", "stray.mp4"), 256)

	stats, err := c.Crawl(ctx)
	if err != nil {
		t.Fatalf("Crawl: %v", err)
	}
	if stats.InterviewsCreated != 0 {
		t.Fatalf("expected no interviews, got %d", stats.InterviewsCreated)
	}
	if stats.SkippedErrors != 1 {
		t.Fatalf("expected 1 skipped file, got %d", stats.SkippedErrors)
	}
}

func TestCrawlDefaultsDayWhenMissing(t *testing.T) {
	c, st, root := newCrawler(t)
	ctx := context.Background()

	testsupport.WriteFile(t, filepath.Join(root, "CD05678", "interview.mp4"), 512)

	if _, err := c.Crawl(ctx); err != nil {
		t.Fatalf("Crawl: %v", err)
	}
	iv, err := st.InterviewByName(ctx, "TEST-CD05678-day0001-interview")
	if err != nil || iv == nil {
		t.Fatalf("InterviewByName: iv=%v err=%v", iv, err)
	}
	if iv.Day != 1 {
		t.Fatalf("expected day 1 default, got %d", iv.Day)
	}
}

func TestCrawlFailsOnMissingRoot(t *testing.T) {
	c, _, root := newCrawler(t)

	if err := os.RemoveAll(root); err != nil {
		t.Fatalf("RemoveAll: %v", err)
	}
	if _, err := c.Crawl(context.Background()); err == nil {
		t.Fatal("expected error for unreadable root")
	}
}
