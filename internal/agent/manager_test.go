package agent_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskforge/internal/agent"
	"taskforge/internal/config"
	"taskforge/internal/db"
	"taskforge/internal/domain"
	"taskforge/internal/engine"
	"taskforge/internal/migrate"
)

type fixture struct {
	mgr  *agent.Manager
	eng  engine.Engine
	ctx  context.Context
	task domain.Task
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	require.NoError(t, migrate.Migrate(conn))

	eng := engine.New(conn, config.Default("seed"))
	eng.Now = func() time.Time { return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC) }
	ctx := context.Background()
	p, err := eng.CreateProject(ctx, "fixture", "")
	require.NoError(t, err)
	ms, err := eng.CreateMilestone(ctx, p.ID, "m1", "", "")
	require.NoError(t, err)
	task, err := eng.CreateTask(ctx, engine.TaskCreateOptions{MilestoneID: ms.ID, Title: "work item"})
	require.NoError(t, err)

	return fixture{mgr: agent.NewManager(eng), eng: eng, ctx: ctx, task: task}
}

func TestInitializeAssignsRolePrefixedID(t *testing.T) {
	f := newFixture(t)
	id, err := f.mgr.Initialize(f.ctx, "task-executor")
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(id, "task-executor_"))
	assert.Len(t, strings.TrimPrefix(id, "task-executor_"), 8)

	info, err := f.mgr.State(id)
	require.NoError(t, err)
	assert.Equal(t, agent.StateAvailable, info.State)

	_, err = f.mgr.Initialize(f.ctx, "")
	assert.Error(t, err)
}

func TestAssignLifecycle(t *testing.T) {
	f := newFixture(t)
	id, err := f.mgr.Initialize(f.ctx, "executor")
	require.NoError(t, err)

	require.NoError(t, f.mgr.Assign(f.ctx, id, f.task.ID))

	info, err := f.mgr.State(id)
	require.NoError(t, err)
	assert.Equal(t, agent.StateProcessing, info.State)
	assert.Equal(t, f.task.ID, info.TaskID)

	got, err := f.eng.Repo.GetTask(f.ctx, f.task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskInProgress, got.Status)
	require.NotNil(t, got.AssignedAgentID)
	assert.Equal(t, id, *got.AssignedAgentID)

	// a busy agent cannot take another task
	err = f.mgr.Assign(f.ctx, id, f.task.ID)
	assert.ErrorIs(t, err, agent.ErrUnavailable)
}

func TestCompleteScoresMetric(t *testing.T) {
	f := newFixture(t)
	id, err := f.mgr.Initialize(f.ctx, "executor")
	require.NoError(t, err)
	require.NoError(t, f.mgr.Assign(f.ctx, id, f.task.ID))
	require.NoError(t, f.mgr.AddPerformanceMetric(f.ctx, id, f.task.ID, "accuracy", 0.9))
	require.NoError(t, f.mgr.AddPerformanceMetric(f.ctx, id, f.task.ID, "coverage", 0.7))

	require.NoError(t, f.mgr.Complete(f.ctx, id, f.task.ID, true, "all checks green"))

	history, err := f.mgr.History(f.ctx, id)
	require.NoError(t, err)
	require.Len(t, history, 1)
	m := history[0]
	assert.Equal(t, domain.MetricCompleted, m.Status)
	assert.InDelta(t, 80.0, m.SuccessRate, 0.001)
	assert.Equal(t, "all checks green", m.Notes)
	require.NotNil(t, m.CompletionTime)

	info, _ := f.mgr.State(id)
	assert.Equal(t, agent.StateAvailable, info.State)
	assert.Empty(t, info.TaskID)

	got, _ := f.eng.Repo.GetTask(f.ctx, f.task.ID)
	assert.Equal(t, domain.TaskCompleted, got.Status)
}

func TestErrorsReduceSuccessRate(t *testing.T) {
	f := newFixture(t)
	id, err := f.mgr.Initialize(f.ctx, "executor")
	require.NoError(t, err)
	require.NoError(t, f.mgr.Assign(f.ctx, id, f.task.ID))
	require.NoError(t, f.mgr.RecordError(f.ctx, id, f.task.ID, "transient timeout"))

	// recovery path: error state does not block completion of the held task
	require.NoError(t, f.mgr.Complete(f.ctx, id, f.task.ID, true, "recovered"))

	history, err := f.mgr.History(f.ctx, id)
	require.NoError(t, err)
	require.Len(t, history, 1)
	// base 1.0 minus one 0.1 penalty
	assert.InDelta(t, 90.0, history[0].SuccessRate, 0.001)
	require.Len(t, history[0].Errors, 1)
	assert.Contains(t, history[0].Errors[0], "transient timeout")
}

func TestFailedCompletionScoresZero(t *testing.T) {
	f := newFixture(t)
	id, err := f.mgr.Initialize(f.ctx, "executor")
	require.NoError(t, err)
	require.NoError(t, f.mgr.Assign(f.ctx, id, f.task.ID))
	require.NoError(t, f.mgr.Complete(f.ctx, id, f.task.ID, false, "could not finish"))

	history, err := f.mgr.History(f.ctx, id)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, domain.MetricFailed, history[0].Status)
	assert.Zero(t, history[0].SuccessRate)

	got, _ := f.eng.Repo.GetTask(f.ctx, f.task.ID)
	assert.Equal(t, domain.TaskFailed, got.Status)
}

func TestCompleteRequiresAssignment(t *testing.T) {
	f := newFixture(t)
	a, err := f.mgr.Initialize(f.ctx, "executor")
	require.NoError(t, err)
	b, err := f.mgr.Initialize(f.ctx, "executor")
	require.NoError(t, err)
	require.NoError(t, f.mgr.Assign(f.ctx, a, f.task.ID))

	err = f.mgr.Complete(f.ctx, b, f.task.ID, true, "")
	assert.ErrorIs(t, err, agent.ErrNotAssigned)
}

func TestCompleteIsAllOrNothing(t *testing.T) {
	f := newFixture(t)
	id, err := f.mgr.Initialize(f.ctx, "executor")
	require.NoError(t, err)
	require.NoError(t, f.mgr.Assign(f.ctx, id, f.task.ID))

	// finish the task behind the agent's back so Complete's transition fails
	_, err = f.eng.UpdateTaskStatus(f.ctx, f.task.ID, domain.TaskCompleted, "")
	require.NoError(t, err)

	err = f.mgr.Complete(f.ctx, id, f.task.ID, true, "done")
	require.ErrorIs(t, err, engine.ErrInvalidTransition)

	// nothing from the failed completion sticks: metric still open, no
	// completion audit row
	history, err := f.mgr.History(f.ctx, id)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, domain.MetricInProgress, history[0].Status)
	assert.Nil(t, history[0].CompletionTime)

	var audits int
	row := f.eng.DB.QueryRowContext(f.ctx,
		`SELECT count(*) FROM messages WHERE task_id=? AND json_extract(metadata_json,'$.action')='agent.completed'`,
		f.task.ID)
	require.NoError(t, row.Scan(&audits))
	assert.Zero(t, audits)
}

func TestRecordErrorWithoutOpenMetric(t *testing.T) {
	f := newFixture(t)
	id, err := f.mgr.Initialize(f.ctx, "executor")
	require.NoError(t, err)

	require.NoError(t, f.mgr.RecordError(f.ctx, id, f.task.ID, "boom"))
	info, _ := f.mgr.State(id)
	assert.Equal(t, agent.StateError, info.State)

	history, err := f.mgr.History(f.ctx, id)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, domain.MetricError, history[0].Status)
}

func TestSetStateAndShutdown(t *testing.T) {
	f := newFixture(t)
	id, err := f.mgr.Initialize(f.ctx, "executor")
	require.NoError(t, err)

	assert.ErrorIs(t, f.mgr.SetState(f.ctx, id, "sleeping", ""), agent.ErrUnknownState)
	require.NoError(t, f.mgr.SetState(f.ctx, id, agent.StatePaused, "operator hold"))
	info, _ := f.mgr.State(id)
	assert.Equal(t, agent.StatePaused, info.State)

	require.NoError(t, f.mgr.Shutdown(f.ctx, id))
	_, err = f.mgr.State(id)
	assert.ErrorIs(t, err, agent.ErrUnknownAgent)
}

func TestListSnapshots(t *testing.T) {
	f := newFixture(t)
	_, err := f.mgr.Initialize(f.ctx, "executor")
	require.NoError(t, err)
	_, err = f.mgr.Initialize(f.ctx, "reviewer")
	require.NoError(t, err)
	assert.Len(t, f.mgr.List(), 2)
}
