package repo

import (
	"context"
	"database/sql"
	"strings"

	"taskforge/internal/domain"
)

const taskCols = `id,milestone_id,parent_id,title,description,priority,status,assigned_agent_id,blocked_reason,created_at,started_at,completed_at`

func scanTaskRow(scan func(dest ...any) error) (domain.Task, error) {
	var t domain.Task
	var parentID, description, agentID, blockedReason, startedAt, completedAt sql.NullString
	err := scan(&t.ID, &t.MilestoneID, &parentID, &t.Title, &description, &t.Priority, &t.Status,
		&agentID, &blockedReason, &t.CreatedAt, &startedAt, &completedAt)
	if err != nil {
		return t, err
	}
	if parentID.Valid {
		t.ParentID = &parentID.String
	}
	if description.Valid {
		t.Description = description.String
	}
	if agentID.Valid {
		t.AssignedAgentID = &agentID.String
	}
	if blockedReason.Valid {
		t.BlockedReason = &blockedReason.String
	}
	if startedAt.Valid {
		t.StartedAt = &startedAt.String
	}
	if completedAt.Valid {
		t.CompletedAt = &completedAt.String
	}
	return t, nil
}

func (r Repo) InsertTaskTx(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO tasks(`+taskCols+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.MilestoneID, nullableStringPtr(t.ParentID), t.Title, nullable(t.Description), t.Priority, t.Status,
		nullableStringPtr(t.AssignedAgentID), nullableStringPtr(t.BlockedReason), t.CreatedAt,
		nullableStringPtr(t.StartedAt), nullableStringPtr(t.CompletedAt))
	return err
}

func (r Repo) UpdateTaskTx(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	_, err := tx.ExecContext(ctx, `UPDATE tasks SET milestone_id=?, parent_id=?, title=?, description=?, priority=?, status=?, assigned_agent_id=?, blocked_reason=?, started_at=?, completed_at=? WHERE id=?`,
		t.MilestoneID, nullableStringPtr(t.ParentID), t.Title, nullable(t.Description), t.Priority, t.Status,
		nullableStringPtr(t.AssignedAgentID), nullableStringPtr(t.BlockedReason),
		nullableStringPtr(t.StartedAt), nullableStringPtr(t.CompletedAt), t.ID)
	return err
}

func (r Repo) GetTask(ctx context.Context, id string) (domain.Task, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+taskCols+` FROM tasks WHERE id=?`, id)
	t, err := scanTaskRow(row.Scan)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	t.DependsOn, err = r.ListTaskDependencies(ctx, t.ID)
	return t, err
}

func (r Repo) GetTaskTx(ctx context.Context, tx *sql.Tx, id string) (domain.Task, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+taskCols+` FROM tasks WHERE id=?`, id)
	t, err := scanTaskRow(row.Scan)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	t.DependsOn, err = r.ListTaskDependenciesTx(ctx, tx, t.ID)
	return t, err
}

type TaskFilters struct {
	ProjectID       string
	MilestoneID     string
	ParentID        string
	Status          string
	AssignedAgentID string
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

func (r Repo) ListTasks(ctx context.Context, f TaskFilters) ([]domain.Task, error) {
	var clauses []string
	var args []any
	if f.ProjectID != "" {
		clauses = append(clauses, "milestone_id IN (SELECT id FROM milestones WHERE project_id=?)")
		args = append(args, f.ProjectID)
	}
	if f.MilestoneID != "" {
		clauses = append(clauses, "milestone_id=?")
		args = append(args, f.MilestoneID)
	}
	if f.ParentID != "" {
		clauses = append(clauses, "parent_id=?")
		args = append(args, f.ParentID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.AssignedAgentID != "" {
		clauses = append(clauses, "assigned_agent_id=?")
		args = append(args, f.AssignedAgentID)
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + taskCols + ` FROM tasks ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTaskRow(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, nil
}

func (r Repo) ListTaskDependencies(ctx context.Context, taskID string) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT depends_on_task_id FROM task_deps WHERE task_id=?`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectStrings(rows)
}

func (r Repo) ListTaskDependenciesTx(ctx context.Context, tx *sql.Tx, taskID string) ([]string, error) {
	rows, err := tx.QueryContext(ctx, `SELECT depends_on_task_id FROM task_deps WHERE task_id=?`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectStrings(rows)
}

// ListDependencyEdges joins each edge with the depended-on task's title and
// current status.
func (r Repo) ListDependencyEdges(ctx context.Context, taskID string) ([]domain.Dependency, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT d.task_id, d.depends_on_task_id, t.title, t.status, d.created_at
FROM task_deps d JOIN tasks t ON t.id=d.depends_on_task_id WHERE d.task_id=? ORDER BY d.created_at ASC`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Dependency
	for rows.Next() {
		var d domain.Dependency
		if err := rows.Scan(&d.TaskID, &d.DependsOnTaskID, &d.DependsOnTitle, &d.DependsOnStatus, &d.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, d)
	}
	return res, nil
}

func (r Repo) AddDependencyTx(ctx context.Context, tx *sql.Tx, taskID, dependsOnID, createdAt string) error {
	_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO task_deps(task_id, depends_on_task_id, created_at) VALUES (?,?,?)`,
		taskID, dependsOnID, createdAt)
	return err
}

func (r Repo) RemoveDependencyTx(ctx context.Context, tx *sql.Tx, taskID, dependsOnID string) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM task_deps WHERE task_id=? AND depends_on_task_id=?`, taskID, dependsOnID)
	return err
}

func (r Repo) ListChildren(ctx context.Context, taskID string) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id FROM tasks WHERE parent_id=?`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectStrings(rows)
}

func (r Repo) ListChildrenTx(ctx context.Context, tx *sql.Tx, taskID string) ([]string, error) {
	rows, err := tx.QueryContext(ctx, `SELECT id FROM tasks WHERE parent_id=?`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectStrings(rows)
}

// ChildStatusesTx returns the statuses of a task's direct subtasks.
func (r Repo) ChildStatusesTx(ctx context.Context, tx *sql.Tx, taskID string) ([]string, error) {
	rows, err := tx.QueryContext(ctx, `SELECT status FROM tasks WHERE parent_id=?`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectStrings(rows)
}

// MilestoneTaskStatusesTx returns the statuses of every task in a milestone.
func (r Repo) MilestoneTaskStatusesTx(ctx context.Context, tx *sql.Tx, milestoneID string) ([]string, error) {
	rows, err := tx.QueryContext(ctx, `SELECT status FROM tasks WHERE milestone_id=?`, milestoneID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectStrings(rows)
}

// DeleteTaskTx removes one task row and its edges, metrics and messages.
// Subtree recursion is the engine's job.
func (r Repo) DeleteTaskTx(ctx context.Context, tx *sql.Tx, id string) error {
	for _, stmt := range []string{
		`DELETE FROM task_deps WHERE task_id=? OR depends_on_task_id=?`,
		`DELETE FROM agent_metrics WHERE task_id=?`,
		`DELETE FROM messages WHERE task_id=?`,
	} {
		args := make([]any, strings.Count(stmt, "?"))
		for i := range args {
			args[i] = id
		}
		if _, err := tx.ExecContext(ctx, stmt, args...); err != nil {
			return err
		}
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) CountTasksByStatus(ctx context.Context, milestoneID string) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, count(*) FROM tasks WHERE milestone_id=? GROUP BY status`, milestoneID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		res[status] = count
	}
	return res, nil
}

func collectStrings(rows *sql.Rows) ([]string, error) {
	var res []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}
