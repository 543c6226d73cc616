package repo

import (
	"context"
	"database/sql"
	"encoding/json"

	"taskforge/internal/domain"
)

const metricCols = `id,agent_id,task_id,status,start_time,completion_time,success_rate,notes,errors_json,metrics_json`

func scanMetricRow(scan func(dest ...any) error) (domain.AgentMetric, error) {
	var m domain.AgentMetric
	var completion, notes, errorsJSON, metricsJSON sql.NullString
	err := scan(&m.ID, &m.AgentID, &m.TaskID, &m.Status, &m.StartTime, &completion, &m.SuccessRate, &notes, &errorsJSON, &metricsJSON)
	if err != nil {
		return m, err
	}
	if completion.Valid {
		m.CompletionTime = &completion.String
	}
	if notes.Valid {
		m.Notes = notes.String
	}
	if errorsJSON.Valid && errorsJSON.String != "" {
		if err := json.Unmarshal([]byte(errorsJSON.String), &m.Errors); err != nil {
			return m, err
		}
	}
	if metricsJSON.Valid && metricsJSON.String != "" {
		if err := json.Unmarshal([]byte(metricsJSON.String), &m.Performance); err != nil {
			return m, err
		}
	}
	return m, nil
}

func marshalMetricJSON(m domain.AgentMetric) (errorsJSON, metricsJSON any, err error) {
	errorsJSON, metricsJSON = nil, nil
	if len(m.Errors) > 0 {
		b, err := json.Marshal(m.Errors)
		if err != nil {
			return nil, nil, err
		}
		errorsJSON = string(b)
	}
	if len(m.Performance) > 0 {
		b, err := json.Marshal(m.Performance)
		if err != nil {
			return nil, nil, err
		}
		metricsJSON = string(b)
	}
	return errorsJSON, metricsJSON, nil
}

// InsertMetricTx inserts a metric row and returns its generated id.
func (r Repo) InsertMetricTx(ctx context.Context, tx *sql.Tx, m domain.AgentMetric) (int64, error) {
	errorsJSON, metricsJSON, err := marshalMetricJSON(m)
	if err != nil {
		return 0, err
	}
	res, err := tx.ExecContext(ctx, `INSERT INTO agent_metrics(agent_id,task_id,status,start_time,completion_time,success_rate,notes,errors_json,metrics_json) VALUES (?,?,?,?,?,?,?,?,?)`,
		m.AgentID, m.TaskID, m.Status, m.StartTime, nullableStringPtr(m.CompletionTime), m.SuccessRate, nullable(m.Notes), errorsJSON, metricsJSON)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r Repo) UpdateMetricTx(ctx context.Context, tx *sql.Tx, m domain.AgentMetric) error {
	errorsJSON, metricsJSON, err := marshalMetricJSON(m)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `UPDATE agent_metrics SET status=?, completion_time=?, success_rate=?, notes=?, errors_json=?, metrics_json=? WHERE id=?`,
		m.Status, nullableStringPtr(m.CompletionTime), m.SuccessRate, nullable(m.Notes), errorsJSON, metricsJSON, m.ID)
	return err
}

func (r Repo) GetMetric(ctx context.Context, id int64) (domain.AgentMetric, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+metricCols+` FROM agent_metrics WHERE id=?`, id)
	m, err := scanMetricRow(row.Scan)
	if err == sql.ErrNoRows {
		return m, ErrNotFound
	}
	return m, err
}

// OpenMetricTx finds the in-progress metric for an agent/task pair.
func (r Repo) OpenMetricTx(ctx context.Context, tx *sql.Tx, agentID, taskID string) (domain.AgentMetric, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+metricCols+` FROM agent_metrics
WHERE agent_id=? AND task_id=? AND status='in_progress' ORDER BY id DESC LIMIT 1`, agentID, taskID)
	m, err := scanMetricRow(row.Scan)
	if err == sql.ErrNoRows {
		return m, ErrNotFound
	}
	return m, err
}

func (r Repo) ListMetricsByAgent(ctx context.Context, agentID string) ([]domain.AgentMetric, error) {
	return r.listMetrics(ctx, `agent_id=?`, agentID)
}

func (r Repo) ListMetricsByTask(ctx context.Context, taskID string) ([]domain.AgentMetric, error) {
	return r.listMetrics(ctx, `task_id=?`, taskID)
}

func (r Repo) listMetrics(ctx context.Context, clause string, arg any) ([]domain.AgentMetric, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+metricCols+` FROM agent_metrics WHERE `+clause+` ORDER BY id ASC`, arg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.AgentMetric
	for rows.Next() {
		m, err := scanMetricRow(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, rows.Err()
}
