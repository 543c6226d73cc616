package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"taskforge/internal/audit"
	"taskforge/internal/config"
	"taskforge/internal/domain"
	"taskforge/internal/repo"
)

var (
	ErrInvalidTransition  = errors.New("invalid status transition")
	ErrCircularDependency = errors.New("circular dependency")
)

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Audit  audit.Writer
	Config *config.Config
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Audit:  audit.Writer{DB: db},
		Config: cfg,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) nowStr() string {
	return e.now().UTC().Format(time.RFC3339)
}

// CreateProject inserts a project with its seed config.
func (e Engine) CreateProject(ctx context.Context, name, description string) (domain.Project, error) {
	if name == "" {
		return domain.Project{}, errors.New("name is required")
	}
	p := domain.Project{
		ID:          uuid.New().String(),
		Name:        name,
		Description: description,
		Status:      domain.ProjectActive,
		CreatedAt:   e.nowStr(),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Project{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertProjectTx(ctx, tx, p); err != nil {
		return domain.Project{}, fmt.Errorf("insert project: %w", err)
	}
	seed := e.Config
	if seed == nil {
		seed = config.Default(p.ID)
	}
	if err := e.Repo.UpsertProjectConfigTx(ctx, tx, p.ID, seed); err != nil {
		return domain.Project{}, fmt.Errorf("insert project config: %w", err)
	}
	if err := e.Audit.Append(ctx, tx, audit.Scope{ProjectID: p.ID}, "project.created",
		fmt.Sprintf("project %q created", p.Name), audit.Metadata{"status": p.Status}); err != nil {
		return domain.Project{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Project{}, err
	}
	return p, nil
}

var projectStatuses = map[string]bool{
	domain.ProjectActive: true, domain.ProjectOnHold: true,
	domain.ProjectCompleted: true, domain.ProjectCancelled: true,
}

func (e Engine) UpdateProjectStatus(ctx context.Context, id, status string) (domain.Project, error) {
	if !projectStatuses[status] {
		return domain.Project{}, fmt.Errorf("unknown project status %q", status)
	}
	p, err := e.Repo.GetProject(ctx, id)
	if err != nil {
		return p, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return p, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateProjectStatusTx(ctx, tx, id, status); err != nil {
		return p, err
	}
	if err := e.Audit.Append(ctx, tx, audit.Scope{ProjectID: id}, "project.status",
		fmt.Sprintf("project status %s -> %s", p.Status, status),
		audit.Metadata{"from": p.Status, "to": status}); err != nil {
		return p, err
	}
	if err := tx.Commit(); err != nil {
		return p, err
	}
	p.Status = status
	return p, nil
}

// DeleteProject removes the project and everything underneath it.
func (e Engine) DeleteProject(ctx context.Context, id string) error {
	if _, err := e.Repo.GetProject(ctx, id); err != nil {
		return err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.DeleteProjectTx(ctx, tx, id); err != nil {
		return err
	}
	return tx.Commit()
}

func (e Engine) CreateMilestone(ctx context.Context, projectID, title, description, successCriteria string) (domain.Milestone, error) {
	if title == "" {
		return domain.Milestone{}, errors.New("title is required")
	}
	if _, err := e.Repo.GetProject(ctx, projectID); err != nil {
		return domain.Milestone{}, err
	}
	m := domain.Milestone{
		ID:              uuid.New().String(),
		ProjectID:       projectID,
		Title:           title,
		Description:     description,
		SuccessCriteria: successCriteria,
		Status:          domain.TaskPending,
		CreatedAt:       e.nowStr(),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Milestone{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertMilestoneTx(ctx, tx, m); err != nil {
		return domain.Milestone{}, fmt.Errorf("insert milestone: %w", err)
	}
	if err := e.Audit.Append(ctx, tx, audit.Scope{ProjectID: projectID, MilestoneID: m.ID}, "milestone.created",
		fmt.Sprintf("milestone %q created", m.Title), audit.Metadata{"status": m.Status}); err != nil {
		return domain.Milestone{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Milestone{}, err
	}
	return m, nil
}

// TaskCreateOptions are parameters for creating a task.
type TaskCreateOptions struct {
	MilestoneID string
	ParentID    string
	Title       string
	Description string
	Priority    string
	DependsOn   []string
}

var taskPriorities = map[string]bool{
	domain.PriorityLow: true, domain.PriorityMedium: true,
	domain.PriorityHigh: true, domain.PriorityCritical: true,
}

func (e Engine) CreateTask(ctx context.Context, opts TaskCreateOptions) (domain.Task, error) {
	if opts.Title == "" {
		return domain.Task{}, errors.New("title is required")
	}
	if opts.MilestoneID == "" {
		return domain.Task{}, errors.New("milestone is required")
	}
	if opts.Priority == "" {
		opts.Priority = e.defaultPriority()
	}
	if !taskPriorities[opts.Priority] {
		return domain.Task{}, fmt.Errorf("unknown priority %q", opts.Priority)
	}
	ms, err := e.Repo.GetMilestone(ctx, opts.MilestoneID)
	if err != nil {
		return domain.Task{}, err
	}
	if opts.ParentID != "" {
		parent, err := e.Repo.GetTask(ctx, opts.ParentID)
		if err != nil {
			return domain.Task{}, err
		}
		if parent.MilestoneID != opts.MilestoneID {
			return domain.Task{}, errors.New("parent in different milestone")
		}
	}
	t := domain.Task{
		ID:          uuid.New().String(),
		MilestoneID: opts.MilestoneID,
		ParentID:    optionalString(opts.ParentID),
		Title:       opts.Title,
		Description: opts.Description,
		Priority:    opts.Priority,
		Status:      domain.TaskPending,
		CreatedAt:   e.nowStr(),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertTaskTx(ctx, tx, t); err != nil {
		return domain.Task{}, fmt.Errorf("insert task: %w", err)
	}
	for _, dep := range opts.DependsOn {
		if err := e.addDependencyTx(ctx, tx, t.ID, dep); err != nil {
			return domain.Task{}, err
		}
	}
	if err := e.Audit.Append(ctx, tx, audit.Scope{ProjectID: ms.ProjectID, MilestoneID: t.MilestoneID, TaskID: t.ID}, "task.created",
		fmt.Sprintf("task %q created", t.Title),
		audit.Metadata{"status": t.Status, "priority": t.Priority}); err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	t.DependsOn = opts.DependsOn
	return t, nil
}

// AddSubTask creates a task nested under parentID, resolving the milestone
// from the parent and noting the link on the parent's thread.
func (e Engine) AddSubTask(ctx context.Context, parentID, title, description, priority string) (domain.Task, error) {
	parent, err := e.Repo.GetTask(ctx, parentID)
	if err != nil {
		return domain.Task{}, err
	}
	t, err := e.CreateTask(ctx, TaskCreateOptions{
		MilestoneID: parent.MilestoneID,
		ParentID:    parentID,
		Title:       title,
		Description: description,
		Priority:    priority,
	})
	if err != nil {
		return domain.Task{}, err
	}
	ms, err := e.Repo.GetMilestone(ctx, parent.MilestoneID)
	if err != nil {
		return t, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return t, err
	}
	defer tx.Rollback()
	if err := e.Audit.Append(ctx, tx, audit.Scope{ProjectID: ms.ProjectID, MilestoneID: parent.MilestoneID, TaskID: parentID}, "task.subtask_added",
		fmt.Sprintf("subtask %q added under %q", t.Title, parent.Title),
		audit.Metadata{"subtask_id": t.ID}); err != nil {
		return t, err
	}
	return t, tx.Commit()
}

func (e Engine) defaultPriority() string {
	if e.Config != nil && e.Config.Defaults.TaskPriority != "" {
		return e.Config.Defaults.TaskPriority
	}
	return domain.PriorityMedium
}

// AddDependency adds a taskID -> dependsOnID edge after a cycle check.
func (e Engine) AddDependency(ctx context.Context, taskID, dependsOnID string) error {
	if taskID == dependsOnID {
		return fmt.Errorf("%w: task cannot depend on itself", ErrCircularDependency)
	}
	t, err := e.Repo.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if _, err := e.Repo.GetTask(ctx, dependsOnID); err != nil {
		return err
	}
	ms, err := e.Repo.GetMilestone(ctx, t.MilestoneID)
	if err != nil {
		return err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.addDependencyTx(ctx, tx, taskID, dependsOnID); err != nil {
		return err
	}
	if err := e.Audit.Append(ctx, tx, audit.Scope{ProjectID: ms.ProjectID, MilestoneID: t.MilestoneID, TaskID: taskID}, "task.dependency_added",
		fmt.Sprintf("task depends on %s", dependsOnID),
		audit.Metadata{"depends_on": dependsOnID}); err != nil {
		return err
	}
	return tx.Commit()
}

// RemoveDependency drops the edge taskID -> dependsOnID. Removing an edge
// that does not exist is a no-op.
func (e Engine) RemoveDependency(ctx context.Context, taskID, dependsOnID string) error {
	t, err := e.Repo.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	ms, err := e.Repo.GetMilestone(ctx, t.MilestoneID)
	if err != nil {
		return err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.RemoveDependencyTx(ctx, tx, taskID, dependsOnID); err != nil {
		return err
	}
	if err := e.Audit.Append(ctx, tx, audit.Scope{ProjectID: ms.ProjectID, MilestoneID: t.MilestoneID, TaskID: taskID}, "task.dependency_removed",
		fmt.Sprintf("task no longer depends on %s", dependsOnID),
		audit.Metadata{"depends_on": dependsOnID}); err != nil {
		return err
	}
	return tx.Commit()
}

func (e Engine) addDependencyTx(ctx context.Context, tx *sql.Tx, taskID, dependsOnID string) error {
	if err := e.ensureNoCycleTx(ctx, tx, taskID, dependsOnID); err != nil {
		return err
	}
	return e.Repo.AddDependencyTx(ctx, tx, taskID, dependsOnID, e.nowStr())
}

// ensureNoCycleTx rejects the edge taskID -> dependsOnID when dependsOnID
// already reaches taskID through dependency edges. Depth-first walk with a
// visited set.
func (e Engine) ensureNoCycleTx(ctx context.Context, tx *sql.Tx, taskID, dependsOnID string) error {
	visited := map[string]bool{}
	stack := []string{dependsOnID}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if cur == taskID {
			return fmt.Errorf("%w: %s already depends on %s", ErrCircularDependency, dependsOnID, taskID)
		}
		if visited[cur] {
			continue
		}
		visited[cur] = true
		deps, err := e.Repo.ListTaskDependenciesTx(ctx, tx, cur)
		if err != nil {
			return err
		}
		stack = append(stack, deps...)
	}
	return nil
}

// ensureTaskTransition validates a caller-requested status change. Derived
// recomputations of parents and milestones do not pass through here.
func ensureTaskTransition(oldStatus, newStatus string) error {
	allowed := false
	switch oldStatus {
	case domain.TaskPending:
		allowed = newStatus == domain.TaskInProgress || newStatus == domain.TaskCancelled
	case domain.TaskInProgress:
		allowed = newStatus == domain.TaskCompleted || newStatus == domain.TaskBlocked || newStatus == domain.TaskFailed
	case domain.TaskBlocked:
		allowed = newStatus == domain.TaskInProgress || newStatus == domain.TaskCancelled
	case domain.TaskCompleted:
		allowed = newStatus == domain.TaskInProgress
	case domain.TaskFailed:
		allowed = newStatus == domain.TaskInProgress || newStatus == domain.TaskCancelled
	case domain.TaskCancelled:
		allowed = newStatus == domain.TaskPending
	}
	if !allowed {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, oldStatus, newStatus)
	}
	return nil
}

// UpdateTaskStatus applies a requested transition, stamps timestamps, writes
// the audit message and recomputes ancestor statuses, all in one transaction.
func (e Engine) UpdateTaskStatus(ctx context.Context, taskID, newStatus, reason string) (domain.Task, error) {
	t, err := e.Repo.GetTask(ctx, taskID)
	if err != nil {
		return t, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return t, err
	}
	defer tx.Rollback()
	t, err = e.applyTaskStatusTx(ctx, tx, t, newStatus, reason)
	if err != nil {
		return t, err
	}
	if err := tx.Commit(); err != nil {
		return t, err
	}
	return t, nil
}

// UpdateTaskStatusTx is UpdateTaskStatus inside the caller's transaction, for
// callers that must couple the transition with writes of their own.
func (e Engine) UpdateTaskStatusTx(ctx context.Context, tx *sql.Tx, taskID, newStatus, reason string) (domain.Task, error) {
	t, err := e.Repo.GetTaskTx(ctx, tx, taskID)
	if err != nil {
		return t, err
	}
	return e.applyTaskStatusTx(ctx, tx, t, newStatus, reason)
}

func (e Engine) applyTaskStatusTx(ctx context.Context, tx *sql.Tx, t domain.Task, newStatus, reason string) (domain.Task, error) {
	if err := ensureTaskTransition(t.Status, newStatus); err != nil {
		return t, err
	}
	oldStatus := t.Status
	t.Status = newStatus
	now := e.nowStr()
	switch newStatus {
	case domain.TaskInProgress:
		if t.StartedAt == nil {
			t.StartedAt = &now
		}
		t.BlockedReason = nil
	case domain.TaskCompleted:
		t.CompletedAt = &now
		t.BlockedReason = nil
	case domain.TaskBlocked:
		if reason == "" {
			reason = "blocked by unresolved dependency"
		}
		t.BlockedReason = &reason
	default:
		t.BlockedReason = nil
	}
	if err := e.Repo.UpdateTaskTx(ctx, tx, t); err != nil {
		return t, err
	}
	ms, err := e.Repo.GetMilestoneTx(ctx, tx, t.MilestoneID)
	if err != nil {
		return t, err
	}
	scope := audit.Scope{ProjectID: ms.ProjectID, MilestoneID: t.MilestoneID, TaskID: t.ID}
	meta := audit.Metadata{"from": oldStatus, "to": newStatus}
	if reason != "" {
		meta["reason"] = reason
	}
	if err := e.Audit.Append(ctx, tx, scope, "task.status",
		fmt.Sprintf("task status %s -> %s", oldStatus, newStatus), meta); err != nil {
		return t, err
	}
	if err := e.propagateTx(ctx, tx, ms, t); err != nil {
		return t, err
	}
	return t, nil
}

// derivedStatus recomputes a container's status from its members' statuses.
// Precedence: all completed, then any blocked, then any in progress.
func derivedStatus(statuses []string) string {
	if len(statuses) == 0 {
		return domain.TaskPending
	}
	completed := 0
	anyBlocked, anyInProgress := false, false
	for _, s := range statuses {
		switch s {
		case domain.TaskCompleted:
			completed++
		case domain.TaskBlocked:
			anyBlocked = true
		case domain.TaskInProgress:
			anyInProgress = true
		}
	}
	switch {
	case completed == len(statuses):
		return domain.TaskCompleted
	case anyBlocked:
		return domain.TaskBlocked
	case anyInProgress:
		return domain.TaskInProgress
	default:
		return domain.TaskPending
	}
}

// propagateTx recomputes the parent chain and the owning milestone after a
// task status change. Derived writes skip the transition table.
func (e Engine) propagateTx(ctx context.Context, tx *sql.Tx, ms domain.Milestone, changed domain.Task) error {
	parentID := changed.ParentID
	for parentID != nil {
		parent, err := e.Repo.GetTaskTx(ctx, tx, *parentID)
		if err != nil {
			return err
		}
		statuses, err := e.Repo.ChildStatusesTx(ctx, tx, parent.ID)
		if err != nil {
			return err
		}
		derived := derivedStatus(statuses)
		if derived != parent.Status {
			old := parent.Status
			parent.Status = derived
			now := e.nowStr()
			switch derived {
			case domain.TaskCompleted:
				parent.CompletedAt = &now
			case domain.TaskInProgress:
				if parent.StartedAt == nil {
					parent.StartedAt = &now
				}
				parent.CompletedAt = nil
			default:
				parent.CompletedAt = nil
			}
			if err := e.Repo.UpdateTaskTx(ctx, tx, parent); err != nil {
				return err
			}
			if err := e.Audit.Append(ctx, tx, audit.Scope{ProjectID: ms.ProjectID, MilestoneID: parent.MilestoneID, TaskID: parent.ID}, "task.status",
				fmt.Sprintf("task status %s -> %s (derived from subtasks)", old, derived),
				audit.Metadata{"from": old, "to": derived, "derived": true}); err != nil {
				return err
			}
		}
		parentID = parent.ParentID
	}

	statuses, err := e.Repo.MilestoneTaskStatusesTx(ctx, tx, ms.ID)
	if err != nil {
		return err
	}
	derived := derivedStatus(statuses)
	if derived != ms.Status {
		old := ms.Status
		var completedAt *string
		if derived == domain.TaskCompleted {
			now := e.nowStr()
			completedAt = &now
		}
		if err := e.Repo.UpdateMilestoneStatusTx(ctx, tx, ms.ID, derived, completedAt); err != nil {
			return err
		}
		if err := e.Audit.Append(ctx, tx, audit.Scope{ProjectID: ms.ProjectID, MilestoneID: ms.ID}, "milestone.status",
			fmt.Sprintf("milestone status %s -> %s (derived from tasks)", old, derived),
			audit.Metadata{"from": old, "to": derived, "derived": true}); err != nil {
			return err
		}
	}
	return nil
}

// AssignTask records the agent on the task and moves it to in_progress.
func (e Engine) AssignTask(ctx context.Context, taskID, agentID string) (domain.Task, error) {
	t, err := e.Repo.GetTask(ctx, taskID)
	if err != nil {
		return t, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return t, err
	}
	defer tx.Rollback()
	t.AssignedAgentID = &agentID
	t, err = e.applyTaskStatusTx(ctx, tx, t, domain.TaskInProgress, "")
	if err != nil {
		return t, err
	}
	ms, err := e.Repo.GetMilestoneTx(ctx, tx, t.MilestoneID)
	if err != nil {
		return t, err
	}
	if err := e.Audit.Append(ctx, tx, audit.Scope{ProjectID: ms.ProjectID, MilestoneID: t.MilestoneID, TaskID: t.ID}, "task.assigned",
		fmt.Sprintf("task assigned to agent %s", agentID),
		audit.Metadata{"agent_id": agentID}); err != nil {
		return t, err
	}
	if err := tx.Commit(); err != nil {
		return t, err
	}
	return t, nil
}

// CanStart reports whether a task is pending with all dependencies completed.
func (e Engine) CanStart(ctx context.Context, taskID string) (bool, error) {
	t, err := e.Repo.GetTask(ctx, taskID)
	if err != nil {
		return false, err
	}
	if t.Status != domain.TaskPending {
		return false, nil
	}
	for _, dep := range t.DependsOn {
		d, err := e.Repo.GetTask(ctx, dep)
		if err != nil {
			return false, err
		}
		if d.Status != domain.TaskCompleted {
			return false, nil
		}
	}
	return true, nil
}

// Dependencies returns the task's edges joined with current dependency state.
func (e Engine) Dependencies(ctx context.Context, taskID string) ([]domain.Dependency, error) {
	if _, err := e.Repo.GetTask(ctx, taskID); err != nil {
		return nil, err
	}
	return e.Repo.ListDependencyEdges(ctx, taskID)
}

// DeleteTask removes a task and its whole subtree in one transaction.
func (e Engine) DeleteTask(ctx context.Context, id string) error {
	if _, err := e.Repo.GetTask(ctx, id); err != nil {
		return err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.deleteSubtreeTx(ctx, tx, id); err != nil {
		return err
	}
	return tx.Commit()
}

func (e Engine) deleteSubtreeTx(ctx context.Context, tx *sql.Tx, id string) error {
	children, err := e.Repo.ListChildrenTx(ctx, tx, id)
	if err != nil {
		return err
	}
	for _, c := range children {
		if err := e.deleteSubtreeTx(ctx, tx, c); err != nil {
			return err
		}
	}
	return e.Repo.DeleteTaskTx(ctx, tx, id)
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
