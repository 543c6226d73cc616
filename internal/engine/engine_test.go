package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"taskforge/internal/config"
	"taskforge/internal/db"
	"taskforge/internal/domain"
	"taskforge/internal/engine"
	"taskforge/internal/migrate"
)

type testEnv struct {
	Engine    engine.Engine
	Ctx       context.Context
	Project   domain.Project
	Milestone domain.Milestone
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	eng := engine.New(conn, config.Default("seed"))
	eng.Now = func() time.Time { return time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC) }
	ctx := context.Background()
	p, err := eng.CreateProject(ctx, "Test Project", "fixture")
	if err != nil {
		t.Fatalf("create project: %v", err)
	}
	ms, err := eng.CreateMilestone(ctx, p.ID, "Milestone 1", "", "all tasks done")
	if err != nil {
		t.Fatalf("create milestone: %v", err)
	}
	return testEnv{Engine: eng, Ctx: ctx, Project: p, Milestone: ms}
}

func (env testEnv) mustCreateTask(t *testing.T, title string, opts engine.TaskCreateOptions) domain.Task {
	t.Helper()
	opts.MilestoneID = env.Milestone.ID
	opts.Title = title
	task, err := env.Engine.CreateTask(env.Ctx, opts)
	if err != nil {
		t.Fatalf("create task %s: %v", title, err)
	}
	return task
}

func (env testEnv) mustSetStatus(t *testing.T, taskID, status string) domain.Task {
	t.Helper()
	task, err := env.Engine.UpdateTaskStatus(env.Ctx, taskID, status, "")
	if err != nil {
		t.Fatalf("set %s to %s: %v", taskID, status, err)
	}
	return task
}

func TestTaskStatusTransitions(t *testing.T) {
	env := newTestEnv(t)
	task := env.mustCreateTask(t, "do work", engine.TaskCreateOptions{})

	// pending -> completed skips in_progress and must fail
	_, err := env.Engine.UpdateTaskStatus(env.Ctx, task.ID, "completed", "")
	if !errors.Is(err, engine.ErrInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}

	task = env.mustSetStatus(t, task.ID, "in_progress")
	if task.StartedAt == nil {
		t.Fatalf("expected started_at stamp")
	}
	task = env.mustSetStatus(t, task.ID, "completed")
	if task.CompletedAt == nil {
		t.Fatalf("expected completed_at stamp")
	}

	// completed tasks can be reopened
	task = env.mustSetStatus(t, task.ID, "in_progress")
	if task.Status != "in_progress" {
		t.Fatalf("reopen failed: %s", task.Status)
	}
}

func TestBlockedTransitions(t *testing.T) {
	env := newTestEnv(t)
	task := env.mustCreateTask(t, "blockable", engine.TaskCreateOptions{})
	env.mustSetStatus(t, task.ID, "in_progress")

	blocked, err := env.Engine.UpdateTaskStatus(env.Ctx, task.ID, "blocked", "")
	if err != nil {
		t.Fatalf("block: %v", err)
	}
	if blocked.BlockedReason == nil || *blocked.BlockedReason == "" {
		t.Fatalf("expected default blocked reason")
	}
	// blocked cannot complete directly
	if _, err := env.Engine.UpdateTaskStatus(env.Ctx, task.ID, "completed", ""); !errors.Is(err, engine.ErrInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
	resumed := env.mustSetStatus(t, task.ID, "in_progress")
	if resumed.BlockedReason != nil {
		t.Fatalf("expected blocked reason cleared")
	}
}

func TestCancelledRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	task := env.mustCreateTask(t, "cancel me", engine.TaskCreateOptions{})
	env.mustSetStatus(t, task.ID, "cancelled")
	back := env.mustSetStatus(t, task.ID, "pending")
	if back.Status != "pending" {
		t.Fatalf("expected pending, got %s", back.Status)
	}
}

func TestCircularDependencyRejected(t *testing.T) {
	env := newTestEnv(t)
	a := env.mustCreateTask(t, "a", engine.TaskCreateOptions{})
	b := env.mustCreateTask(t, "b", engine.TaskCreateOptions{})
	c := env.mustCreateTask(t, "c", engine.TaskCreateOptions{})

	if err := env.Engine.AddDependency(env.Ctx, a.ID, b.ID); err != nil {
		t.Fatalf("a->b: %v", err)
	}
	if err := env.Engine.AddDependency(env.Ctx, b.ID, c.ID); err != nil {
		t.Fatalf("b->c: %v", err)
	}
	err := env.Engine.AddDependency(env.Ctx, c.ID, a.ID)
	if !errors.Is(err, engine.ErrCircularDependency) {
		t.Fatalf("expected circular dependency, got %v", err)
	}
	err = env.Engine.AddDependency(env.Ctx, a.ID, a.ID)
	if !errors.Is(err, engine.ErrCircularDependency) {
		t.Fatalf("expected self-dependency rejection, got %v", err)
	}
}

func TestCanStartDependencyGating(t *testing.T) {
	env := newTestEnv(t)
	dep := env.mustCreateTask(t, "dep", engine.TaskCreateOptions{})
	task := env.mustCreateTask(t, "main", engine.TaskCreateOptions{DependsOn: []string{dep.ID}})

	ok, err := env.Engine.CanStart(env.Ctx, task.ID)
	if err != nil {
		t.Fatalf("can start: %v", err)
	}
	if ok {
		t.Fatalf("expected not startable while dependency open")
	}
	env.mustSetStatus(t, dep.ID, "in_progress")
	env.mustSetStatus(t, dep.ID, "completed")
	ok, err = env.Engine.CanStart(env.Ctx, task.ID)
	if err != nil || !ok {
		t.Fatalf("expected startable after dependency completed: ok=%v err=%v", ok, err)
	}
}

func TestDerivedParentAndMilestoneStatus(t *testing.T) {
	env := newTestEnv(t)
	parent := env.mustCreateTask(t, "parent", engine.TaskCreateOptions{})
	sub1, err := env.Engine.AddSubTask(env.Ctx, parent.ID, "sub1", "", "")
	if err != nil {
		t.Fatalf("subtask 1: %v", err)
	}
	sub2, err := env.Engine.AddSubTask(env.Ctx, parent.ID, "sub2", "", "")
	if err != nil {
		t.Fatalf("subtask 2: %v", err)
	}

	env.mustSetStatus(t, sub1.ID, "in_progress")
	got, err := env.Engine.Repo.GetTask(env.Ctx, parent.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != "in_progress" {
		t.Fatalf("expected derived in_progress, got %s", got.Status)
	}

	env.mustSetStatus(t, sub1.ID, "completed")
	env.mustSetStatus(t, sub2.ID, "in_progress")
	env.mustSetStatus(t, sub2.ID, "blocked")
	got, _ = env.Engine.Repo.GetTask(env.Ctx, parent.ID)
	if got.Status != "blocked" {
		t.Fatalf("expected derived blocked, got %s", got.Status)
	}

	env.mustSetStatus(t, sub2.ID, "in_progress")
	env.mustSetStatus(t, sub2.ID, "completed")
	got, _ = env.Engine.Repo.GetTask(env.Ctx, parent.ID)
	if got.Status != "completed" {
		t.Fatalf("expected derived completed, got %s", got.Status)
	}
	ms, err := env.Engine.Repo.GetMilestone(env.Ctx, env.Milestone.ID)
	if err != nil {
		t.Fatal(err)
	}
	if ms.Status != "completed" {
		t.Fatalf("expected milestone completed, got %s", ms.Status)
	}
	if ms.CompletedAt == nil {
		t.Fatalf("expected milestone completed_at stamp")
	}
}

func TestAuditMessagesOnMutations(t *testing.T) {
	env := newTestEnv(t)
	task := env.mustCreateTask(t, "audited", engine.TaskCreateOptions{})
	env.mustSetStatus(t, task.ID, "in_progress")
	env.mustSetStatus(t, task.ID, "completed")

	var count int
	row := env.Engine.DB.QueryRowContext(env.Ctx, `SELECT count(*) FROM messages WHERE task_id=? AND type='audit'`, task.ID)
	if err := row.Scan(&count); err != nil {
		t.Fatalf("count audit rows: %v", err)
	}
	if count < 3 {
		t.Fatalf("expected audit rows for create and both transitions, got %d", count)
	}
}

func TestMilestoneProgressWeights(t *testing.T) {
	env := newTestEnv(t)
	done := env.mustCreateTask(t, "done", engine.TaskCreateOptions{})
	started := env.mustCreateTask(t, "started", engine.TaskCreateOptions{})
	env.mustCreateTask(t, "pending1", engine.TaskCreateOptions{})
	env.mustCreateTask(t, "pending2", engine.TaskCreateOptions{})

	env.mustSetStatus(t, done.ID, "in_progress")
	env.mustSetStatus(t, done.ID, "completed")
	env.mustSetStatus(t, started.ID, "in_progress")

	rep, err := env.Engine.MilestoneProgress(env.Ctx, env.Milestone.ID)
	if err != nil {
		t.Fatalf("milestone progress: %v", err)
	}
	if rep.Progress != 37.5 {
		t.Fatalf("expected 37.5, got %v", rep.Progress)
	}
	if rep.Completed != 1 || rep.InProgress != 1 || rep.Pending != 2 {
		t.Fatalf("unexpected counts: %+v", rep)
	}
}

func TestTaskProgressLeafAndParent(t *testing.T) {
	env := newTestEnv(t)
	leaf := env.mustCreateTask(t, "leaf", engine.TaskCreateOptions{})
	if p, _ := env.Engine.TaskProgress(env.Ctx, leaf.ID); p != 0 {
		t.Fatalf("pending leaf should be 0, got %v", p)
	}
	env.mustSetStatus(t, leaf.ID, "in_progress")
	if p, _ := env.Engine.TaskProgress(env.Ctx, leaf.ID); p != 50 {
		t.Fatalf("in-progress leaf should be 50, got %v", p)
	}

	parent := env.mustCreateTask(t, "parent", engine.TaskCreateOptions{})
	s1, _ := env.Engine.AddSubTask(env.Ctx, parent.ID, "s1", "", "")
	env.Engine.AddSubTask(env.Ctx, parent.ID, "s2", "", "")
	env.mustSetStatus(t, s1.ID, "in_progress")
	env.mustSetStatus(t, s1.ID, "completed")
	if p, _ := env.Engine.TaskProgress(env.Ctx, parent.ID); p != 50 {
		t.Fatalf("one of two subtasks done should be 50, got %v", p)
	}
}

func TestBlockingIssuesInReport(t *testing.T) {
	env := newTestEnv(t)
	task := env.mustCreateTask(t, "stuck", engine.TaskCreateOptions{})
	env.mustSetStatus(t, task.ID, "in_progress")
	if _, err := env.Engine.UpdateTaskStatus(env.Ctx, task.ID, "blocked", "waiting on API keys"); err != nil {
		t.Fatal(err)
	}
	rep, err := env.Engine.MilestoneProgress(env.Ctx, env.Milestone.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(rep.BlockingIssues) != 1 || rep.BlockingIssues[0] != "stuck: waiting on API keys" {
		t.Fatalf("unexpected blocking issues: %v", rep.BlockingIssues)
	}
}

func TestDeleteTaskSubtree(t *testing.T) {
	env := newTestEnv(t)
	parent := env.mustCreateTask(t, "root", engine.TaskCreateOptions{})
	child, _ := env.Engine.AddSubTask(env.Ctx, parent.ID, "child", "", "")
	env.Engine.AddSubTask(env.Ctx, child.ID, "grandchild", "", "")

	if err := env.Engine.DeleteTask(env.Ctx, parent.ID); err != nil {
		t.Fatalf("delete subtree: %v", err)
	}
	var count int
	row := env.Engine.DB.QueryRowContext(env.Ctx, `SELECT count(*) FROM tasks WHERE milestone_id=?`, env.Milestone.ID)
	if err := row.Scan(&count); err != nil {
		t.Fatal(err)
	}
	if count != 0 {
		t.Fatalf("expected empty milestone, got %d tasks", count)
	}
}

func TestProjectProgressRollup(t *testing.T) {
	env := newTestEnv(t)
	t1 := env.mustCreateTask(t, "t1", engine.TaskCreateOptions{})
	env.mustCreateTask(t, "t2", engine.TaskCreateOptions{})
	env.mustSetStatus(t, t1.ID, "in_progress")
	env.mustSetStatus(t, t1.ID, "completed")

	ms2, err := env.Engine.CreateMilestone(env.Ctx, env.Project.ID, "Milestone 2", "", "")
	if err != nil {
		t.Fatal(err)
	}
	_ = ms2

	rep, err := env.Engine.ProjectProgress(env.Ctx, env.Project.ID)
	if err != nil {
		t.Fatalf("project progress: %v", err)
	}
	// milestone 1 is at 50, milestone 2 empty at 0
	if rep.OverallProgress != 25 {
		t.Fatalf("expected overall 25, got %v", rep.OverallProgress)
	}
	if rep.TotalTasks != 2 || rep.Completed != 1 {
		t.Fatalf("unexpected rollup: %+v", rep)
	}
}

func TestTaskRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	dep := env.mustCreateTask(t, "groundwork", engine.TaskCreateOptions{})
	task := env.mustCreateTask(t, "build it", engine.TaskCreateOptions{
		Description: "the real work",
		Priority:    "high",
		DependsOn:   []string{dep.ID},
	})

	got, err := env.Engine.Repo.GetTask(env.Ctx, task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.Title != "build it" || got.Description != "the real work" {
		t.Fatalf("fields lost on read-back: %+v", got)
	}
	if got.Priority != "high" {
		t.Fatalf("expected priority high, got %s", got.Priority)
	}
	if got.Status != "pending" || got.MilestoneID != env.Milestone.ID {
		t.Fatalf("unexpected status/milestone: %+v", got)
	}
	if len(got.DependsOn) != 1 || got.DependsOn[0] != dep.ID {
		t.Fatalf("expected dependency on %s, got %v", dep.ID, got.DependsOn)
	}
}

func TestDeleteProjectCascades(t *testing.T) {
	env := newTestEnv(t)
	dep := env.mustCreateTask(t, "dep", engine.TaskCreateOptions{})
	task := env.mustCreateTask(t, "main", engine.TaskCreateOptions{DependsOn: []string{dep.ID}})
	if _, err := env.Engine.AddSubTask(env.Ctx, task.ID, "sub", "", ""); err != nil {
		t.Fatalf("subtask: %v", err)
	}
	env.mustSetStatus(t, dep.ID, "in_progress")
	if _, err := env.Engine.DB.ExecContext(env.Ctx,
		`INSERT INTO agent_metrics(agent_id,task_id,status,start_time) VALUES (?,?,?,?)`,
		"worker_1", task.ID, "in_progress", "2025-06-01T00:00:00Z"); err != nil {
		t.Fatalf("seed metric: %v", err)
	}

	if err := env.Engine.DeleteProject(env.Ctx, env.Project.ID); err != nil {
		t.Fatalf("delete project: %v", err)
	}

	for _, table := range []string{
		"projects", "milestones", "tasks", "task_deps",
		"agent_metrics", "messages", "project_configs",
	} {
		var count int
		row := env.Engine.DB.QueryRowContext(env.Ctx, `SELECT count(*) FROM `+table)
		if err := row.Scan(&count); err != nil {
			t.Fatalf("count %s: %v", table, err)
		}
		if count != 0 {
			t.Fatalf("expected %s empty after project delete, got %d rows", table, count)
		}
	}
}

func TestCreateTaskValidation(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{MilestoneID: env.Milestone.ID}); err == nil {
		t.Fatalf("expected empty title rejection")
	}
	if _, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{MilestoneID: env.Milestone.ID, Title: "x", Priority: "urgent"}); err == nil {
		t.Fatalf("expected unknown priority rejection")
	}
	task := env.mustCreateTask(t, "defaulted", engine.TaskCreateOptions{})
	if task.Priority != "medium" {
		t.Fatalf("expected default priority medium, got %s", task.Priority)
	}
}
