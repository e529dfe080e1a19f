package scheduler_test

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"avqc/internal/config"
	"avqc/internal/notifications"
	"avqc/internal/runner"
	"avqc/internal/scheduler"
	"avqc/internal/stages"
	"avqc/internal/store"
	"avqc/internal/testsupport"
)

// stubRunner fabricates declared outputs or fails according to its script.
type stubRunner struct {
	mu    sync.Mutex
	calls map[string]int
	fail  func(stage string, call int) error
}

func newStubRunner(fail func(stage string, call int) error) *stubRunner {
	return &stubRunner{calls: make(map[string]int), fail: fail}
}

func (r *stubRunner) Run(_ context.Context, req runner.Request) (runner.Result, error) {
	r.mu.Lock()
	r.calls[req.Stage.Name]++
	call := r.calls[req.Stage.Name]
	r.mu.Unlock()

	if r.fail != nil {
		if err := r.fail(req.Stage.Name, call); err != nil {
			return runner.Result{}, err
		}
	}

	outputs := make(map[string][]string, len(req.Stage.Outputs))
	for _, role := range req.Stage.Outputs {
		outputs[role] = []string{filepath.Join(req.ArtifactDir, role+".out")}
	}
	return runner.Result{Outputs: outputs}, nil
}

func (r *stubRunner) callCount(stage string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[stage]
}

// recordingNotifier captures every notification for assertions.
type recordingNotifier struct {
	mu       sync.Mutex
	failures []string
	stalls   int
	complete []string
}

func (n *recordingNotifier) NotifyTerminalFailure(_ context.Context, interview, stage string, _ int, _ string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.failures = append(n.failures, interview+"/"+stage)
	return nil
}

func (n *recordingNotifier) NotifyPipelineStalled(context.Context, int, time.Duration) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.stalls++
	return nil
}

func (n *recordingNotifier) NotifyInterviewComplete(_ context.Context, interview string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.complete = append(n.complete, interview)
	return nil
}

func (n *recordingNotifier) NotifyError(context.Context, error, string) error { return nil }
func (n *recordingNotifier) TestNotification(context.Context) error           { return nil }

func (n *recordingNotifier) snapshot() (failures []string, stalls int, complete []string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.failures...), n.stalls, append([]string(nil), n.complete...)
}

var _ notifications.Service = (*recordingNotifier)(nil)

type fixture struct {
	cfg      *config.Config
	store    *store.Store
	graph    []stages.Definition
	runner   *stubRunner
	notifier *recordingNotifier
	sched    *scheduler.Scheduler
}

func newFixture(t *testing.T, fail func(stage string, call int) error, opts ...testsupport.ConfigOption) *fixture {
	t.Helper()
	cfg := testsupport.NewConfig(t, opts...)
	cfg.Orchestrator.DispatchWorkers = 8
	st := testsupport.MustOpenStore(t, cfg)

	graph, err := stages.Resolve(cfg)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	stub := newStubRunner(fail)
	reg := runner.NewRegistry(stub)
	notifier := &recordingNotifier{}
	sched := scheduler.New(cfg, st, graph, reg, notifier, nil, nil)
	return &fixture{cfg: cfg, store: st, graph: graph, runner: stub, notifier: notifier, sched: sched}
}

// slowSuccess keeps each execution in flight long enough that a single
// pass cannot observe its completion.
func slowSuccess(string, int) error {
	time.Sleep(100 * time.Millisecond)
	return nil
}

// seedWithRaw registers an interview plus its raw recording row so the
// first stage has a tracked input.
func seedWithRaw(t *testing.T, st *store.Store, name string) *store.Interview {
	t.Helper()
	iv := testsupport.SeedInterview(t, st, name)
	path := filepath.Join("/data", name, "interview.mp4")
	if _, _, err := st.UpsertFile(context.Background(), iv.ID, stages.RoleRaw, path, "fp-"+name, ""); err != nil {
		t.Fatalf("UpsertFile: %v", err)
	}
	return iv
}

func TestRunOnceWalksDependencyOrder(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	iv := seedWithRaw(t, f.store, "iv-walk")

	total := 0
	for i := 0; i < len(f.graph)+2; i++ {
		dispatched, err := f.sched.RunOnce(ctx)
		if err != nil {
			t.Fatalf("RunOnce pass %d: %v", i, err)
		}
		total += dispatched
		if dispatched == 0 {
			break
		}
	}
	if total != len(f.graph) {
		t.Fatalf("expected %d total dispatches, got %d", len(f.graph), total)
	}

	runs, err := f.store.StageRunsForInterview(ctx, iv.ID)
	if err != nil {
		t.Fatalf("StageRunsForInterview: %v", err)
	}
	for _, run := range runs {
		if run.Status != store.StatusSucceeded {
			t.Fatalf("stage %s: expected succeeded, got %s (%s)", run.Stage, run.Status, run.LastError)
		}
	}

	// Downstream inputs were tracked from published outputs.
	files, err := f.store.FilesForInterview(ctx, iv.ID, stages.RoleDecrypted)
	if err != nil {
		t.Fatalf("FilesForInterview: %v", err)
	}
	if len(files) != 1 || files[0].ProducedBy != stages.Decrypt {
		t.Fatalf("expected decrypt output tracked, got %+v", files)
	}

	_, _, complete := f.notifier.snapshot()
	if len(complete) != 1 || complete[0] != "iv-walk" {
		t.Fatalf("expected one completion notification for iv-walk, got %v", complete)
	}
}

func TestRunOnceDoesNotClaimBlockedStages(t *testing.T) {
	f := newFixture(t, slowSuccess)
	ctx := context.Background()
	iv := seedWithRaw(t, f.store, "iv-blocked")

	dispatched, err := f.sched.RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if dispatched != 1 {
		t.Fatalf("expected only decrypt on the first pass, got %d dispatches", dispatched)
	}

	run, _ := f.store.StageRun(ctx, iv.ID, stages.Metadata)
	if run.Status != store.StatusPending {
		t.Fatalf("expected metadata still pending, got %s", run.Status)
	}
}

func TestSkipSettlesRunAndUnblocksDownstream(t *testing.T) {
	skipDecrypt := func(stage string, _ int) error {
		if stage == stages.Decrypt {
			time.Sleep(100 * time.Millisecond)
			return runner.Wrap(runner.ErrSkip, stage, "run tool", "recording already plaintext", nil)
		}
		return nil
	}
	f := newFixture(t, skipDecrypt)
	ctx := context.Background()
	iv := seedWithRaw(t, f.store, "iv-skip")

	if _, err := f.sched.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	var run *store.StageRun
	deadline := time.Now().Add(5 * time.Second)
	for {
		run, _ = f.store.StageRun(ctx, iv.ID, stages.Decrypt)
		if run != nil && store.IsTerminal(run.Status) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("decrypt never settled, last seen %+v", run)
		}
		time.Sleep(10 * time.Millisecond)
	}
	if run.Status != store.StatusSkipped {
		t.Fatalf("expected skipped, got %s (%s)", run.Status, run.LastError)
	}
	if run.AttemptCount != 0 {
		t.Fatalf("skip should not consume the retry budget, got %d attempts", run.AttemptCount)
	}

	failures, _, complete := f.notifier.snapshot()
	if len(failures) != 0 || len(complete) != 0 {
		t.Fatalf("expected no notifications for a skip, got failures=%v complete=%v", failures, complete)
	}

	eligible, err := f.store.EligibleStageRuns(ctx, stages.Metadata, []string{stages.Decrypt}, time.Now(), 0)
	if err != nil {
		t.Fatalf("EligibleStageRuns: %v", err)
	}
	if len(eligible) != 1 {
		t.Fatalf("expected metadata eligible behind skipped decrypt, got %d runs", len(eligible))
	}
}

func TestTransientFailureExhaustsBudgetAndNotifiesOnce(t *testing.T) {
	alwaysFail := func(stage string, _ int) error {
		if stage == stages.Decrypt {
			return runner.Wrap(runner.ErrExternalTool, stage, "run tool", "tool crashed", nil)
		}
		return nil
	}
	f := newFixture(t, alwaysFail, testsupport.WithMaxAttempts(2))
	ctx := context.Background()
	iv := seedWithRaw(t, f.store, "iv-budget")

	for i := 0; i < 4; i++ {
		if _, err := f.sched.RunOnce(ctx); err != nil {
			t.Fatalf("RunOnce pass %d: %v", i, err)
		}
	}

	run, _ := f.store.StageRun(ctx, iv.ID, stages.Decrypt)
	if run.Status != store.StatusFailedPermanent {
		t.Fatalf("expected failed_permanent, got %s", run.Status)
	}
	if run.AttemptCount != 2 {
		t.Fatalf("expected 2 attempts, got %d", run.AttemptCount)
	}
	if got := f.runner.callCount(stages.Decrypt); got != 2 {
		t.Fatalf("expected 2 tool invocations, got %d", got)
	}

	failures, _, _ := f.notifier.snapshot()
	if len(failures) != 1 || failures[0] != "iv-budget/"+stages.Decrypt {
		t.Fatalf("expected one terminal-failure notification, got %v", failures)
	}
}

func TestStageConcurrencyCapLimitsDispatch(t *testing.T) {
	f := newFixture(t, slowSuccess)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		seedWithRaw(t, f.store, fmt.Sprintf("iv-cap-%d", i))
	}
	for i := range f.graph {
		if f.graph[i].Name == stages.Decrypt {
			f.graph[i].MaxConcurrent = 2
		}
	}
	f.sched = scheduler.New(f.cfg, f.store, f.graph, runner.NewRegistry(f.runner), f.notifier, nil, nil)

	dispatched, err := f.sched.RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if dispatched != 2 {
		t.Fatalf("expected cap of 2 dispatches, got %d", dispatched)
	}

	dispatched, err = f.sched.RunOnce(ctx)
	if err != nil {
		t.Fatalf("second RunOnce: %v", err)
	}
	if dispatched < 1 {
		t.Fatalf("expected the third interview on the next pass, got %d", dispatched)
	}
}

func TestStallNotificationFiresOnceWhileIdle(t *testing.T) {
	f := newFixture(t, nil)
	f.cfg.Orchestrator.StallCycles = 2
	ctx := context.Background()
	iv := seedWithRaw(t, f.store, "iv-stall")

	// Block the whole pipeline behind a permanent decrypt failure; the
	// remaining pending runs form a backlog that never dispatches.
	run, _ := f.store.StageRun(ctx, iv.ID, stages.Decrypt)
	claimed, err := f.store.ClaimStageRun(ctx, run.ID, stages.Decrypt, nil, 0, 3, "seed", time.Now().Add(time.Minute))
	if err != nil || !claimed {
		t.Fatalf("claim: claimed=%v err=%v", claimed, err)
	}
	if _, err := f.store.RecordOutcome(ctx, run.ID, "seed", store.OutcomePermanent, "bad key", 3); err != nil {
		t.Fatalf("RecordOutcome: %v", err)
	}

	for i := 0; i < 4; i++ {
		dispatched, err := f.sched.RunOnce(ctx)
		if err != nil {
			t.Fatalf("RunOnce pass %d: %v", i, err)
		}
		if dispatched != 0 {
			t.Fatalf("pass %d: expected no dispatches, got %d", i, dispatched)
		}
	}

	_, stalls, _ := f.notifier.snapshot()
	if stalls != 1 {
		t.Fatalf("expected exactly one stall notification, got %d", stalls)
	}
}

func TestReclaimSweepReschedulesExpiredLease(t *testing.T) {
	f := newFixture(t, slowSuccess)
	ctx := context.Background()
	iv := seedWithRaw(t, f.store, "iv-sweep")

	run, _ := f.store.StageRun(ctx, iv.ID, stages.Decrypt)
	claimed, err := f.store.ClaimStageRun(ctx, run.ID, stages.Decrypt, nil, 0, 3, "dead-instance", time.Now().Add(-time.Minute))
	if err != nil || !claimed {
		t.Fatalf("claim: claimed=%v err=%v", claimed, err)
	}

	dispatched, err := f.sched.RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if dispatched != 1 {
		t.Fatalf("expected the reclaimed run to dispatch, got %d", dispatched)
	}

	after, _ := f.store.StageRun(ctx, iv.ID, stages.Decrypt)
	if after.Status != store.StatusSucceeded {
		t.Fatalf("expected succeeded after reclaim and rerun, got %s", after.Status)
	}
}
