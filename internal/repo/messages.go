package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"taskforge/internal/domain"
)

const messageCols = `id,project_id,milestone_id,task_id,role,content,type,metadata_json,created_at`

func scanMessageRow(scan func(dest ...any) error) (domain.Message, error) {
	var m domain.Message
	var projectID, milestoneID, taskID, metadata sql.NullString
	err := scan(&m.ID, &projectID, &milestoneID, &taskID, &m.Role, &m.Content, &m.Type, &metadata, &m.CreatedAt)
	if err != nil {
		return m, err
	}
	if projectID.Valid {
		m.ProjectID = &projectID.String
	}
	if milestoneID.Valid {
		m.MilestoneID = &milestoneID.String
	}
	if taskID.Valid {
		m.TaskID = &taskID.String
	}
	if metadata.Valid {
		m.MetadataJSON = metadata.String
	}
	return m, nil
}

type MessageFilters struct {
	ProjectID   string
	MilestoneID string
	TaskID      string
	Role        string
	Type        string
	Limit       int
	Cursor      int64
}

// ListMessages returns messages newest first, keyset-paginated on id.
func (r Repo) ListMessages(ctx context.Context, f MessageFilters) ([]domain.Message, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.ProjectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, f.ProjectID)
	}
	if f.MilestoneID != "" {
		clauses = append(clauses, "milestone_id=?")
		args = append(args, f.MilestoneID)
	}
	if f.TaskID != "" {
		clauses = append(clauses, "task_id=?")
		args = append(args, f.TaskID)
	}
	if f.Role != "" {
		clauses = append(clauses, "role=?")
		args = append(args, f.Role)
	}
	if f.Type != "" {
		clauses = append(clauses, "type=?")
		args = append(args, f.Type)
	}
	if f.Cursor > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, f.Cursor)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	query := fmt.Sprintf(`SELECT %s FROM messages WHERE %s ORDER BY id DESC LIMIT ?`, messageCols, strings.Join(clauses, " AND "))
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Message
	for rows.Next() {
		m, err := scanMessageRow(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, rows.Err()
}

// RecentTaskConversation returns at most limit of the task's latest
// conversational messages (audit rows excluded), oldest first.
func (r Repo) RecentTaskConversation(ctx context.Context, taskID string, limit int) ([]domain.Message, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT `+messageCols+` FROM messages
WHERE task_id=? AND type!='audit' ORDER BY id DESC LIMIT ?`, taskID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Message
	for rows.Next() {
		m, err := scanMessageRow(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i, j := 0, len(res)-1; i < j; i, j = i+1, j-1 {
		res[i], res[j] = res[j], res[i]
	}
	return res, nil
}

// MessagesAfter returns up to limit project messages with id > afterID,
// oldest first. Webhook delivery tails the log with this.
func (r Repo) MessagesAfter(ctx context.Context, projectID string, afterID int64, limit int) ([]domain.Message, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT `+messageCols+` FROM messages
WHERE project_id=? AND id>? ORDER BY id ASC LIMIT ?`, projectID, afterID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Message
	for rows.Next() {
		m, err := scanMessageRow(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, rows.Err()
}

// LatestMessageID returns the highest message id recorded for a project,
// zero when the project has no messages yet.
func (r Repo) LatestMessageID(ctx context.Context, projectID string) (int64, error) {
	var id sql.NullInt64
	err := r.DB.QueryRowContext(ctx, `SELECT MAX(id) FROM messages WHERE project_id=?`, projectID).Scan(&id)
	if err != nil {
		return 0, err
	}
	return id.Int64, nil
}
