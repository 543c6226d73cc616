// Package audit appends system messages recording every state mutation.
// The messages table doubles as conversation transcript and audit trail, so
// the writer also persists ordinary conversational messages.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

// Scope pins a message to the entity it concerns. Zero fields store NULL.
type Scope struct {
	ProjectID   string
	MilestoneID string
	TaskID      string
}

type Metadata map[string]any

// Append writes an audit row (role system, type audit) inside the caller's
// transaction. The action lands in the metadata next to any extra fields.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, scope Scope, action, content string, meta Metadata) error {
	if meta == nil {
		meta = Metadata{}
	}
	meta["action"] = action
	return w.Record(ctx, tx, scope, "system", "audit", content, meta)
}

// Record writes any message row inside the caller's transaction.
func (w Writer) Record(ctx context.Context, tx *sql.Tx, scope Scope, role, msgType, content string, meta Metadata) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(time.RFC3339)
	var metaJSON any
	if len(meta) > 0 {
		data, err := json.Marshal(meta)
		if err != nil {
			return fmt.Errorf("marshal message metadata: %w", err)
		}
		metaJSON = string(data)
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO messages(project_id,milestone_id,task_id,role,content,type,metadata_json,created_at) VALUES (?,?,?,?,?,?,?,?)`,
		nullable(scope.ProjectID), nullable(scope.MilestoneID), nullable(scope.TaskID), role, content, msgType, metaJSON, ts)
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
