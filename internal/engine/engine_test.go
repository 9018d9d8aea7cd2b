package engine_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"aipilot/internal/config"
	"aipilot/internal/db"
	"aipilot/internal/domain"
	"aipilot/internal/engine"
	"aipilot/internal/executor"
	"aipilot/internal/fault"
	"aipilot/internal/migrate"
	"aipilot/internal/repo"
	"aipilot/internal/storage"
)

// countingExecutor wraps the canned executor and counts invocations.
type countingExecutor struct {
	inner *executor.Canned

	mu       sync.Mutex
	executed int
	block    chan struct{}
}

func (c *countingExecutor) Execute(ctx context.Context, req executor.Request) (executor.Outcome, error) {
	c.mu.Lock()
	c.executed++
	block := c.block
	c.mu.Unlock()
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return executor.Outcome{}, ctx.Err()
		}
	}
	return c.inner.Execute(ctx, req)
}

func (c *countingExecutor) GenerateApp(ctx context.Context, prompt string) (executor.App, error) {
	c.mu.Lock()
	block := c.block
	c.mu.Unlock()
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return executor.App{}, ctx.Err()
		}
	}
	return c.inner.GenerateApp(ctx, prompt)
}

func (c *countingExecutor) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.executed
}

type testEnv struct {
	Engine *engine.Engine
	Exec   *countingExecutor
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default("test")
	exec := &countingExecutor{inner: executor.NewCanned(0, 0)}
	store := storage.New(t.TempDir(), "test-secret", "http://localhost:8080")
	eng := engine.New(conn, cfg, exec, store, zerolog.Nop())
	now := time.Date(2025, 3, 15, 12, 0, 0, 0, time.UTC)
	eng.Now = func() time.Time { return now }
	eng.Budget.Now = eng.Now
	return testEnv{Engine: eng, Exec: exec, Ctx: context.Background()}
}

func TestSubmitBuildCreatesProcessing(t *testing.T) {
	env := newTestEnv(t)
	b, err := env.Engine.SubmitBuild(env.Ctx, "user-1", "Build a to-do app")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if b.Status != domain.BuildProcessing {
		t.Fatalf("status = %s, want processing", b.Status)
	}
	if b.Prompt != "Build a to-do app" {
		t.Fatalf("prompt not preserved verbatim: %q", b.Prompt)
	}

	env.Engine.WaitBuilds()
	done, err := env.Engine.GetBuild(env.Ctx, b.ID, "user-1")
	if err != nil {
		t.Fatal(err)
	}
	if done.Status != domain.BuildComplete {
		t.Fatalf("status = %s, want complete", done.Status)
	}
	if done.AppName == "" || done.GeneratedCode == nil || done.SpecText == nil {
		t.Fatalf("generated fields missing: %+v", done)
	}
}

func TestSubmitBuildValidation(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.SubmitBuild(env.Ctx, "user-1", "")
	var verr *fault.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestBuildStatusMonotonic(t *testing.T) {
	env := newTestEnv(t)
	b, err := env.Engine.SubmitBuild(env.Ctx, "user-1", "Build a planner")
	if err != nil {
		t.Fatal(err)
	}
	env.Engine.WaitBuilds()

	// A terminal build can never return to processing: the finish
	// update matches only processing rows.
	done, _ := env.Engine.GetBuild(env.Ctx, b.ID, "user-1")
	done.Status = domain.BuildFailed
	tx, err := env.Engine.DB.BeginTx(env.Ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := env.Engine.Repo.FinishBuild(env.Ctx, tx, done); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("re-finishing a terminal build should miss, got %v", err)
	}
	// Release the write lock before the next engine call reads.
	if err := tx.Rollback(); err != nil {
		t.Fatal(err)
	}

	err = env.Engine.CancelBuild(env.Ctx, b.ID, "user-1")
	var conflict *fault.StateConflict
	if !errors.As(err, &conflict) {
		t.Fatalf("cancel of a complete build should conflict, got %v", err)
	}
}

func TestGetBuildAuthorization(t *testing.T) {
	env := newTestEnv(t)
	b, err := env.Engine.SubmitBuild(env.Ctx, "user-1", "Build a recipe box")
	if err != nil {
		t.Fatal(err)
	}
	env.Engine.WaitBuilds()

	var aerr *fault.AuthorizationError
	if _, err := env.Engine.GetBuild(env.Ctx, b.ID, "user-2"); !errors.As(err, &aerr) {
		t.Fatalf("expected authorization error, got %v", err)
	}
	// The leader sees everything.
	if _, err := env.Engine.GetBuild(env.Ctx, b.ID, "leader"); err != nil {
		t.Fatalf("leader read failed: %v", err)
	}
}

func TestExportBuild(t *testing.T) {
	env := newTestEnv(t)
	b, err := env.Engine.SubmitBuild(env.Ctx, "user-1", "Build a gallery")
	if err != nil {
		t.Fatal(err)
	}

	// Authorization is checked before state, even on a finished build.
	env.Engine.WaitBuilds()
	var aerr *fault.AuthorizationError
	if _, err := env.Engine.ExportBuild(env.Ctx, b.ID, "user-2"); !errors.As(err, &aerr) {
		t.Fatalf("expected authorization error for non-owner, got %v", err)
	}

	url, err := env.Engine.ExportBuild(env.Ctx, b.ID, "user-1")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(url, "signature=") {
		t.Fatalf("export url not signed: %s", url)
	}
	exported, _ := env.Engine.GetBuild(env.Ctx, b.ID, "user-1")
	if exported.ExportURL == nil {
		t.Fatal("export url not persisted")
	}
}

func TestExportIncompleteBuildConflicts(t *testing.T) {
	env := newTestEnv(t)
	env.Exec.block = make(chan struct{})
	b, err := env.Engine.SubmitBuild(env.Ctx, "user-1", "Build a tracker")
	if err != nil {
		t.Fatal(err)
	}
	var conflict *fault.StateConflict
	if _, err := env.Engine.ExportBuild(env.Ctx, b.ID, "user-1"); !errors.As(err, &conflict) {
		t.Fatalf("expected state conflict while processing, got %v", err)
	}
	close(env.Exec.block)
	env.Engine.WaitBuilds()
}

func TestRemixPreservesPrompt(t *testing.T) {
	env := newTestEnv(t)
	b, err := env.Engine.SubmitBuild(env.Ctx, "user-1", "Build a journal")
	if err != nil {
		t.Fatal(err)
	}
	env.Engine.WaitBuilds()
	remix, err := env.Engine.RemixBuild(env.Ctx, b.ID, "user-1")
	if err != nil {
		t.Fatal(err)
	}
	if remix.ID == b.ID {
		t.Fatal("remix must create a fresh build")
	}
	if remix.Prompt != b.Prompt {
		t.Fatalf("remix prompt = %q, want %q", remix.Prompt, b.Prompt)
	}
	env.Engine.WaitBuilds()
}

func TestPreviewAndDeployRequireComplete(t *testing.T) {
	env := newTestEnv(t)
	b, err := env.Engine.SubmitBuild(env.Ctx, "user-1", "Build a wiki")
	if err != nil {
		t.Fatal(err)
	}
	env.Engine.WaitBuilds()

	preview, err := env.Engine.PreviewBuild(env.Ctx, b.ID, "user-1")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(preview, b.ID) {
		t.Fatalf("unexpected preview url %s", preview)
	}
	// Second call returns the same URL.
	again, err := env.Engine.PreviewBuild(env.Ctx, b.ID, "user-1")
	if err != nil || again != preview {
		t.Fatalf("preview url not stable: %s vs %s (%v)", preview, again, err)
	}

	prod, err := env.Engine.DeployBuild(env.Ctx, b.ID, "user-1")
	if err != nil {
		t.Fatal(err)
	}
	if prod == preview {
		t.Fatal("production url must differ from preview")
	}
}

func TestRunTaskSettlesWithCost(t *testing.T) {
	env := newTestEnv(t)
	task, err := env.Engine.RunTask(env.Ctx, "agent-coder", "test the login flow", "user-1", nil)
	if err != nil {
		t.Fatal(err)
	}
	if task.Status != domain.TaskSuccess {
		t.Fatalf("status = %s, want success", task.Status)
	}
	if task.Result == nil || !strings.Contains(*task.Result, "Test run complete") {
		t.Fatalf("unexpected result %v", task.Result)
	}
	if task.Cost == nil || *task.Cost < 0.02 {
		t.Fatalf("cost not settled: %v", task.Cost)
	}
	if task.Confidence == nil || *task.Confidence < 0.88 {
		t.Fatalf("confidence not settled: %v", task.Confidence)
	}

	used, err := env.Engine.Budget.MonthlyUsage(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	if used <= 0 {
		t.Fatal("cost log entry missing")
	}
}

func TestRunTaskUnknownAgent(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.RunTask(env.Ctx, "agent-ghost", "do things", "user-1", nil)
	if !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestBudgetGateBlocksNewWork(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.UpdateBudgetSettings(env.Ctx, "leader", 0.01, 3.0); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.RunTask(env.Ctx, "agent-coder", "first task spends the budget", "user-1", nil); err != nil {
		t.Fatal(err)
	}
	var conflict *fault.StateConflict
	if _, err := env.Engine.SubmitBuild(env.Ctx, "user-1", "Build anything"); !errors.As(err, &conflict) {
		t.Fatalf("expected budget conflict, got %v", err)
	}
	if _, err := env.Engine.RunTask(env.Ctx, "agent-coder", "second task", "user-1", nil); !errors.As(err, &conflict) {
		t.Fatalf("expected budget conflict, got %v", err)
	}
}

func TestUpdateBudgetSettingsLeaderOnly(t *testing.T) {
	env := newTestEnv(t)
	var aerr *fault.AuthorizationError
	if _, err := env.Engine.UpdateBudgetSettings(env.Ctx, "user-1", 50, 2); !errors.As(err, &aerr) {
		t.Fatalf("expected authorization error, got %v", err)
	}
	s, err := env.Engine.UpdateBudgetSettings(env.Ctx, "leader", 50, 2)
	if err != nil {
		t.Fatal(err)
	}
	if s.MonthlyLimit != 50 || s.KillThreshold != 2 {
		t.Fatalf("settings not applied: %+v", s)
	}
}

func TestRunChainSkipsCompletedRoot(t *testing.T) {
	env := newTestEnv(t)
	root, err := env.Engine.RunTask(env.Ctx, "agent-writer", "write the app spec", "user-1", nil)
	if err != nil {
		t.Fatal(err)
	}
	before := env.Exec.count()

	report, err := env.Engine.RunChain(env.Ctx, root.ID, "user-1")
	if err != nil {
		t.Fatal(err)
	}
	if report.Failed {
		t.Fatalf("single completed root must report success: %+v", report)
	}
	if report.Completed != 0 {
		t.Fatalf("completed = %d, want 0", report.Completed)
	}
	if len(report.Steps) != 1 || report.Steps[0].State != engine.StepSkipped {
		t.Fatalf("root not skipped: %+v", report.Steps)
	}
	if env.Exec.count() != before {
		t.Fatalf("chain of length 1 invoked an agent: %d -> %d", before, env.Exec.count())
	}
}

func TestRunChainExecutesInOrder(t *testing.T) {
	env := newTestEnv(t)
	root, err := env.Engine.RunTask(env.Ctx, "agent-writer", "write the app spec", "user-1", nil)
	if err != nil {
		t.Fatal(err)
	}
	for _, agentID := range []string{"agent-coder", "agent-tester"} {
		if _, err := env.Engine.QueueTask(env.Ctx, agentID, "continue the work", "user-1", &root.ID); err != nil {
			t.Fatal(err)
		}
	}

	report, err := env.Engine.RunChain(env.Ctx, root.ID, "user-1")
	if err != nil {
		t.Fatal(err)
	}
	if report.Failed || report.Completed != 2 {
		t.Fatalf("unexpected report %+v", report)
	}
	if report.Steps[0].State != engine.StepSkipped {
		t.Fatalf("root should be skipped, got %s", report.Steps[0].State)
	}
	for _, step := range report.Steps[1:] {
		if step.State != engine.StepDone {
			t.Fatalf("step %s not done: %+v", step.TaskID, step)
		}
		if !strings.Contains(step.Result, "agent)") {
			t.Fatalf("result does not reference agent role: %q", step.Result)
		}
	}
}

func TestRunChainSingleFlight(t *testing.T) {
	env := newTestEnv(t)
	root, err := env.Engine.RunTask(env.Ctx, "agent-writer", "write the app spec", "user-1", nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.QueueTask(env.Ctx, "agent-coder", "build it", "user-1", &root.ID); err != nil {
		t.Fatal(err)
	}

	env.Exec.block = make(chan struct{})
	started := make(chan struct{})
	done := make(chan struct{})
	go func() {
		close(started)
		env.Engine.RunChain(env.Ctx, root.ID, "user-1")
		close(done)
	}()
	<-started
	// Let the first run take the slot.
	var conflict *fault.StateConflict
	deadline := time.After(2 * time.Second)
	for {
		_, err := env.Engine.RunChain(env.Ctx, root.ID, "user-1")
		if errors.As(err, &conflict) {
			break
		}
		select {
		case <-deadline:
			t.Fatal("second chain never rejected while first was running")
		default:
			time.Sleep(5 * time.Millisecond)
		}
	}
	close(env.Exec.block)
	<-done
}

func TestRunChainUnknownRoot(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.RunChain(env.Ctx, "task-ghost", "user-1"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestFeedbackAppendOnly(t *testing.T) {
	env := newTestEnv(t)
	task, err := env.Engine.RunTask(env.Ctx, "agent-coder", "test things", "user-1", nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.SubmitFeedback(env.Ctx, "agent-coder", task.ID, 2, "", "user-1"); err == nil {
		t.Fatal("rating 2 should be rejected")
	}
	fb, err := env.Engine.SubmitFeedback(env.Ctx, "agent-coder", task.ID, 1, "solid", "user-1")
	if err != nil {
		t.Fatal(err)
	}
	got, err := env.Engine.Repo.ListFeedback(env.Ctx, "agent-coder", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].ID != fb.ID {
		t.Fatalf("feedback not listed: %+v", got)
	}
}

func TestSendChatStoresBothSides(t *testing.T) {
	env := newTestEnv(t)
	msgs, err := env.Engine.SendChat(env.Ctx, "user-1", "agent-writer", "draft the announcement")
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 || msgs[0].Sender != "user" || msgs[1].Sender != "agent" {
		t.Fatalf("unexpected exchange %+v", msgs)
	}
	history, err := env.Engine.Repo.ListChatMessages(env.Ctx, "agent-writer", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 2 {
		t.Fatalf("history length = %d, want 2", len(history))
	}
}
