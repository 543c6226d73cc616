package orchestrator_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskforge/internal/agent"
	"taskforge/internal/config"
	"taskforge/internal/db"
	"taskforge/internal/domain"
	"taskforge/internal/engine"
	"taskforge/internal/llm"
	"taskforge/internal/migrate"
	"taskforge/internal/orchestrator"
)

type fixture struct {
	eng engine.Engine
	mgr *agent.Manager
	cfg *config.Config
	ctx context.Context
	ms  domain.Milestone
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	require.NoError(t, migrate.Migrate(conn))

	cfg := config.Default("seed")
	eng := engine.New(conn, cfg)
	eng.Now = func() time.Time { return time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC) }
	ctx := context.Background()
	p, err := eng.CreateProject(ctx, "orchestrated", "")
	require.NoError(t, err)
	ms, err := eng.CreateMilestone(ctx, p.ID, "m1", "", "")
	require.NoError(t, err)
	return &fixture{eng: eng, mgr: agent.NewManager(eng), cfg: cfg, ctx: ctx, ms: ms}
}

func (f *fixture) newTask(t *testing.T, title string) domain.Task {
	t.Helper()
	task, err := f.eng.CreateTask(f.ctx, engine.TaskCreateOptions{MilestoneID: f.ms.ID, Title: title})
	require.NoError(t, err)
	return task
}

func (f *fixture) orch(client llm.Client) *orchestrator.Orchestrator {
	return orchestrator.New(f.eng, f.mgr, client, f.cfg)
}

func TestRunCompletesOnFirstAttempt(t *testing.T) {
	f := newFixture(t)
	task := f.newTask(t, "summarize report")
	client := llm.NewScripted("The task completed successfully.")

	res, err := f.orch(client).Run(f.ctx, task.ID)
	require.NoError(t, err)
	assert.True(t, res.Completed)
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, orchestrator.RunCompleted, res.State)
	assert.Equal(t, []string{
		orchestrator.RunNotStarted,
		orchestrator.RunInitializing,
		orchestrator.RunProcessing,
		orchestrator.RunCompleted,
	}, res.Trail)

	got, err := f.eng.Repo.GetTask(f.ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskCompleted, got.Status)

	// assistant reply persisted on the task thread
	msgs, err := f.eng.Repo.RecentTaskConversation(f.ctx, task.ID, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "assistant", msgs[0].Role)
}

func TestRunRetriesWithHistoryUntilCompletion(t *testing.T) {
	f := newFixture(t)
	task := f.newTask(t, "stubborn task")
	client := llm.NewScripted("still working on it", "almost there", "Task completed.")

	res, err := f.orch(client).Run(f.ctx, task.ID)
	require.NoError(t, err)
	assert.True(t, res.Completed)
	assert.Equal(t, 3, res.Attempts)

	prompts := client.Prompts()
	require.Len(t, prompts, 3)
	assert.Contains(t, prompts[0], "### Project Context")
	assert.Contains(t, prompts[1], "Retry Notice")
	assert.Contains(t, prompts[1], "attempt 2")
	assert.Contains(t, prompts[1], "[assistant] still working on it")
	assert.Contains(t, prompts[2], "[assistant] almost there")
	// retries drop the first-attempt briefing
	assert.NotContains(t, prompts[1], "### Project Context")
}

func TestRunExhaustsAttemptBudget(t *testing.T) {
	f := newFixture(t)
	task := f.newTask(t, "never done")
	client := llm.NewScripted("making progress, not done yet")

	res, err := f.orch(client).Run(f.ctx, task.ID)
	require.NoError(t, err)
	assert.False(t, res.Completed)
	assert.Equal(t, 5, res.Attempts)
	assert.Equal(t, orchestrator.RunFailed, res.State)
	assert.Equal(t, 5, client.Calls())

	got, err := f.eng.Repo.GetTask(f.ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskFailed, got.Status)

	// engagement row first, then one closed row per attempt
	metrics, err := f.eng.Repo.ListMetricsByTask(f.ctx, task.ID)
	require.NoError(t, err)
	require.Len(t, metrics, 6)
	assert.Equal(t, domain.MetricFailed, metrics[0].Status)
	assert.Contains(t, metrics[0].Notes, "gave up after 5 attempts")
	for _, m := range metrics[1:] {
		assert.Equal(t, domain.MetricFailed, m.Status)
	}
}

func TestClientErrorsConsumeAttempts(t *testing.T) {
	f := newFixture(t)
	task := f.newTask(t, "flaky upstream")
	boom := &llm.ServiceError{Status: 500, Category: llm.CategoryServer, Message: "upstream down"}
	client := llm.NewScripted("Task completed.").FailWith(boom, boom)

	res, err := f.orch(client).Run(f.ctx, task.ID)
	require.NoError(t, err)
	assert.True(t, res.Completed)
	assert.Equal(t, 3, res.Attempts)

	// failed calls leave no attempt row, so only the engagement row and the
	// third attempt's row exist
	metrics, err := f.eng.Repo.ListMetricsByTask(f.ctx, task.ID)
	require.NoError(t, err)
	require.Len(t, metrics, 2)
	assert.Len(t, metrics[0].Errors, 2)
	// two 0.1 penalties off the 1.0 base
	assert.InDelta(t, 80.0, metrics[0].SuccessRate, 0.001)
}

func TestRunFailsWhenTaskNotAssignable(t *testing.T) {
	f := newFixture(t)
	task := f.newTask(t, "already cancelled")
	_, err := f.eng.UpdateTaskStatus(f.ctx, task.ID, domain.TaskCancelled, "")
	require.NoError(t, err)

	res, err := f.orch(llm.NewScripted()).Run(f.ctx, task.ID)
	assert.Error(t, err)
	assert.Equal(t, orchestrator.RunFailed, res.State)
}

func TestNoteTruncatedToHundredChars(t *testing.T) {
	f := newFixture(t)
	task := f.newTask(t, "chatty")
	long := "Task completed. "
	for len(long) < 400 {
		long += "Additional detail about everything that happened during execution. "
	}
	client := llm.NewScripted(long)

	res, err := f.orch(client).Run(f.ctx, task.ID)
	require.NoError(t, err)
	require.True(t, res.Completed)

	metrics, err := f.eng.Repo.ListMetricsByTask(f.ctx, task.ID)
	require.NoError(t, err)
	require.Len(t, metrics, 2)
	for _, m := range metrics {
		assert.LessOrEqual(t, len([]rune(m.Notes)), 100)
	}
}

func TestMetricRowPerAttempt(t *testing.T) {
	f := newFixture(t)
	task := f.newTask(t, "three tries")
	client := llm.NewScripted("still working on it", "almost there", "Task completed.")

	res, err := f.orch(client).Run(f.ctx, task.ID)
	require.NoError(t, err)
	require.True(t, res.Completed)
	require.Equal(t, 3, res.Attempts)

	// one engagement row plus one closed row per attempt, each carrying that
	// attempt's response as its note
	metrics, err := f.eng.Repo.ListMetricsByTask(f.ctx, task.ID)
	require.NoError(t, err)
	require.Len(t, metrics, 4)
	assert.Equal(t, domain.MetricCompleted, metrics[0].Status)

	attempts := metrics[1:]
	assert.Equal(t, "still working on it", attempts[0].Notes)
	assert.Equal(t, domain.MetricFailed, attempts[0].Status)
	assert.Equal(t, "almost there", attempts[1].Notes)
	assert.Equal(t, domain.MetricFailed, attempts[1].Status)
	assert.Equal(t, "Task completed.", attempts[2].Notes)
	assert.Equal(t, domain.MetricCompleted, attempts[2].Status)
	for _, m := range attempts {
		require.NotNil(t, m.CompletionTime)
	}
}

func TestRunManyRespectsLimitAndIsolation(t *testing.T) {
	f := newFixture(t)
	ids := []string{
		f.newTask(t, "one").ID,
		f.newTask(t, "two").ID,
		f.newTask(t, "three").ID,
	}
	client := llm.NewScripted("Task completed.")

	results, err := f.orch(client).RunMany(f.ctx, ids, 2)
	require.NoError(t, err)
	require.Len(t, results, 3)
	agents := map[string]bool{}
	for _, r := range results {
		assert.True(t, r.Completed, "task %s", r.TaskID)
		agents[r.AgentID] = true
	}
	// each run claimed its own agent
	assert.Len(t, agents, 3)
}

func TestPhraseClassifier(t *testing.T) {
	c := orchestrator.NewPhraseClassifier(nil)
	assert.True(t, c.Done("The TASK COMPLETED without issues"))
	assert.True(t, c.Done("everything finished successfully"))
	assert.True(t, c.Done("it was successfully completed"))
	assert.False(t, c.Done("still in progress"))
	assert.False(t, c.Done(""))

	custom := orchestrator.NewPhraseClassifier([]string{"done and dusted"})
	assert.True(t, custom.Done("All Done And Dusted."))
	assert.False(t, custom.Done("task completed"))
}

func TestRunTransitionTable(t *testing.T) {
	cases := []struct {
		from, to string
		ok       bool
	}{
		{orchestrator.RunNotStarted, orchestrator.RunInitializing, true},
		{orchestrator.RunInitializing, orchestrator.RunProcessing, true},
		{orchestrator.RunProcessing, orchestrator.RunWaiting, true},
		{orchestrator.RunWaiting, orchestrator.RunProcessing, true},
		{orchestrator.RunProcessing, orchestrator.RunCompleted, true},
		{orchestrator.RunProcessing, orchestrator.RunFailed, true},
		{orchestrator.RunFailed, orchestrator.RunInitializing, true},
		{orchestrator.RunCompleted, orchestrator.RunInitializing, false},
		{orchestrator.RunNotStarted, orchestrator.RunProcessing, false},
		{orchestrator.RunWaiting, orchestrator.RunCompleted, false},
	}
	for _, tc := range cases {
		err := orchestrator.EnsureRunTransition(tc.from, tc.to)
		if tc.ok {
			assert.NoError(t, err, "%s -> %s", tc.from, tc.to)
		} else {
			assert.ErrorIs(t, err, orchestrator.ErrInvalidRunTransition, "%s -> %s", tc.from, tc.to)
		}
	}
}
