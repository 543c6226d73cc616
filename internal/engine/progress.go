package engine

import (
	"context"
	"fmt"
	"math"

	"taskforge/internal/domain"
	"taskforge/internal/repo"
)

// MilestoneReport summarizes one milestone's task counts and progress.
type MilestoneReport struct {
	MilestoneID    string   `json:"milestone_id"`
	Title          string   `json:"title"`
	Status         string   `json:"status"`
	Progress       float64  `json:"progress"`
	TotalTasks     int      `json:"total_tasks"`
	Completed      int      `json:"completed"`
	InProgress     int      `json:"in_progress"`
	Blocked        int      `json:"blocked"`
	Pending        int      `json:"pending"`
	Failed         int      `json:"failed"`
	Cancelled      int      `json:"cancelled"`
	BlockingIssues []string `json:"blocking_issues,omitempty"`
}

// ProjectReport rolls milestone reports up to the project.
type ProjectReport struct {
	ProjectID       string            `json:"project_id"`
	Name            string            `json:"name"`
	Status          string            `json:"status"`
	OverallProgress float64           `json:"overall_progress"`
	TotalTasks      int               `json:"total_tasks"`
	Completed       int               `json:"completed"`
	InProgress      int               `json:"in_progress"`
	Blocked         int               `json:"blocked"`
	Milestones      []MilestoneReport `json:"milestones"`
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// progressOf computes the weighted completion percentage for a set of
// statuses: completed counts full, in progress counts half.
func progressOf(statuses []string) float64 {
	if len(statuses) == 0 {
		return 0
	}
	completed, inProgress := 0, 0
	for _, s := range statuses {
		switch s {
		case domain.TaskCompleted:
			completed++
		case domain.TaskInProgress:
			inProgress++
		}
	}
	return round2(float64(completed*100+inProgress*50) / float64(len(statuses)))
}

// TaskProgress reports a task's completion percentage. Leaves map status
// directly to 0/50/100; parents aggregate their direct subtasks.
func (e Engine) TaskProgress(ctx context.Context, taskID string) (float64, error) {
	t, err := e.Repo.GetTask(ctx, taskID)
	if err != nil {
		return 0, err
	}
	children, err := e.Repo.ListTasks(ctx, repo.TaskFilters{ParentID: taskID})
	if err != nil {
		return 0, err
	}
	if len(children) == 0 {
		switch t.Status {
		case domain.TaskCompleted:
			return 100, nil
		case domain.TaskInProgress:
			return 50, nil
		default:
			return 0, nil
		}
	}
	statuses := make([]string, len(children))
	for i, c := range children {
		statuses[i] = c.Status
	}
	return progressOf(statuses), nil
}

// MilestoneProgress builds the per-milestone report.
func (e Engine) MilestoneProgress(ctx context.Context, milestoneID string) (MilestoneReport, error) {
	ms, err := e.Repo.GetMilestone(ctx, milestoneID)
	if err != nil {
		return MilestoneReport{}, err
	}
	tasks, err := e.Repo.ListTasks(ctx, repo.TaskFilters{MilestoneID: milestoneID})
	if err != nil {
		return MilestoneReport{}, err
	}
	rep := MilestoneReport{
		MilestoneID: ms.ID,
		Title:       ms.Title,
		Status:      ms.Status,
		TotalTasks:  len(tasks),
	}
	statuses := make([]string, 0, len(tasks))
	for _, t := range tasks {
		statuses = append(statuses, t.Status)
		switch t.Status {
		case domain.TaskCompleted:
			rep.Completed++
		case domain.TaskInProgress:
			rep.InProgress++
		case domain.TaskBlocked:
			rep.Blocked++
			issue := t.Title
			if t.BlockedReason != nil {
				issue = fmt.Sprintf("%s: %s", t.Title, *t.BlockedReason)
			}
			rep.BlockingIssues = append(rep.BlockingIssues, issue)
		case domain.TaskPending:
			rep.Pending++
		case domain.TaskFailed:
			rep.Failed++
		case domain.TaskCancelled:
			rep.Cancelled++
		}
	}
	rep.Progress = progressOf(statuses)
	return rep, nil
}

// ProjectProgress builds the project-wide report. Overall progress is the
// mean of the milestone progress values.
func (e Engine) ProjectProgress(ctx context.Context, projectID string) (ProjectReport, error) {
	p, err := e.Repo.GetProject(ctx, projectID)
	if err != nil {
		return ProjectReport{}, err
	}
	milestones, err := e.Repo.ListMilestones(ctx, projectID)
	if err != nil {
		return ProjectReport{}, err
	}
	rep := ProjectReport{
		ProjectID: p.ID,
		Name:      p.Name,
		Status:    p.Status,
	}
	sum := 0.0
	for _, ms := range milestones {
		mr, err := e.MilestoneProgress(ctx, ms.ID)
		if err != nil {
			return ProjectReport{}, err
		}
		rep.Milestones = append(rep.Milestones, mr)
		rep.TotalTasks += mr.TotalTasks
		rep.Completed += mr.Completed
		rep.InProgress += mr.InProgress
		rep.Blocked += mr.Blocked
		sum += mr.Progress
	}
	if len(milestones) > 0 {
		rep.OverallProgress = round2(sum / float64(len(milestones)))
	}
	return rep, nil
}
