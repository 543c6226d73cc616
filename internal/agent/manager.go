// Package agent keeps the in-process worker registry. Agent state lives only
// in memory: a restart loses live states but not the persisted metrics and
// messages. Each agent's transitions are serialized by its own lock.
package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"taskforge/internal/audit"
	"taskforge/internal/domain"
	"taskforge/internal/engine"
	"taskforge/internal/repo"
)

var (
	ErrUnknownAgent = errors.New("unknown agent")
	ErrUnavailable  = errors.New("agent not available")
	ErrNotAssigned  = errors.New("task not assigned to agent")
	ErrUnknownState = errors.New("unknown agent state")
)

const (
	StateAvailable       = "available"
	StateProcessing      = "processing"
	StateWaitingForInput = "waiting_for_input"
	StateError           = "error"
	StatePaused          = "paused"
	StateOffline         = "offline"
)

var validStates = map[string]bool{
	StateAvailable: true, StateProcessing: true, StateWaitingForInput: true,
	StateError: true, StatePaused: true, StateOffline: true,
}

// Info is a point-in-time snapshot of one agent.
type Info struct {
	ID        string `json:"id"`
	Role      string `json:"role"`
	State     string `json:"state"`
	TaskID    string `json:"task_id,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type entry struct {
	mu   sync.Mutex
	info Info
}

type Manager struct {
	mu     sync.RWMutex
	agents map[string]*entry

	Engine engine.Engine
	Now    func() time.Time
}

func NewManager(eng engine.Engine) *Manager {
	return &Manager{
		agents: map[string]*entry{},
		Engine: eng,
		Now:    eng.Now,
	}
}

func (m *Manager) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}

func (m *Manager) nowStr() string {
	return m.now().UTC().Format(time.RFC3339)
}

// Initialize registers a new agent in the available state. The id is the role
// plus a short uuid suffix.
func (m *Manager) Initialize(ctx context.Context, role string) (string, error) {
	if role == "" {
		return "", errors.New("role is required")
	}
	id := role + "_" + uuid.New().String()[:8]
	e := &entry{info: Info{
		ID:        id,
		Role:      role,
		State:     StateAvailable,
		CreatedAt: m.nowStr(),
	}}
	m.mu.Lock()
	m.agents[id] = e
	m.mu.Unlock()

	if err := m.appendAudit(ctx, audit.Scope{}, "agent.initialized",
		fmt.Sprintf("agent %s initialized with role %s", id, role),
		audit.Metadata{"agent_id": id, "role": role}); err != nil {
		return "", err
	}
	return id, nil
}

func (m *Manager) lookup(agentID string) (*entry, error) {
	m.mu.RLock()
	e, ok := m.agents[agentID]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAgent, agentID)
	}
	return e, nil
}

// Assign claims a task for an available agent: the task moves to in_progress
// through the engine, a metric row opens, and the agent enters processing.
func (m *Manager) Assign(ctx context.Context, agentID, taskID string) error {
	e, err := m.lookup(agentID)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.info.State != StateAvailable {
		return fmt.Errorf("%w: %s is %s", ErrUnavailable, agentID, e.info.State)
	}
	t, err := m.Engine.AssignTask(ctx, taskID, agentID)
	if err != nil {
		return err
	}
	metric := domain.AgentMetric{
		AgentID:   agentID,
		TaskID:    taskID,
		Status:    domain.MetricInProgress,
		StartTime: m.nowStr(),
	}
	tx, err := m.Engine.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := m.Engine.Repo.InsertMetricTx(ctx, tx, metric); err != nil {
		return err
	}
	if err := m.Engine.Audit.Append(ctx, tx, audit.Scope{TaskID: taskID}, "agent.assigned",
		fmt.Sprintf("agent %s started on %q", agentID, t.Title),
		audit.Metadata{"agent_id": agentID}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	e.info.State = StateProcessing
	e.info.TaskID = taskID
	return nil
}

// Complete closes the agent's engagement: the task moves to completed or
// failed, the open metric is scored and closed, and the agent is available
// again. Transition, metric close and audit commit as one transaction.
func (m *Manager) Complete(ctx context.Context, agentID, taskID string, success bool, notes string) error {
	e, err := m.lookup(agentID)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	tx, err := m.Engine.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	t, err := m.Engine.Repo.GetTaskTx(ctx, tx, taskID)
	if err != nil {
		return err
	}
	if t.AssignedAgentID == nil || *t.AssignedAgentID != agentID {
		return fmt.Errorf("%w: %s / %s", ErrNotAssigned, taskID, agentID)
	}
	target := domain.TaskCompleted
	if !success {
		target = domain.TaskFailed
	}
	if _, err := m.Engine.UpdateTaskStatusTx(ctx, tx, taskID, target, notes); err != nil {
		return err
	}
	metric, err := m.Engine.Repo.OpenMetricTx(ctx, tx, agentID, taskID)
	if err != nil && !errors.Is(err, repo.ErrNotFound) {
		return err
	}
	if err == nil {
		now := m.nowStr()
		metric.CompletionTime = &now
		metric.Notes = notes
		if success {
			metric.Status = domain.MetricCompleted
		} else {
			metric.Status = domain.MetricFailed
		}
		metric.SuccessRate = metric.ComputeSuccessRate()
		if err := m.Engine.Repo.UpdateMetricTx(ctx, tx, metric); err != nil {
			return err
		}
	}
	if err := m.Engine.Audit.Append(ctx, tx, audit.Scope{TaskID: taskID}, "agent.completed",
		fmt.Sprintf("agent %s finished %q (success=%t)", agentID, t.Title, success),
		audit.Metadata{"agent_id": agentID, "success": success}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	e.info.State = StateAvailable
	e.info.TaskID = ""
	return nil
}

// RecordError appends a timestamped error to the agent's open metric (or
// opens an error metric when none exists) and moves the agent to error.
func (m *Manager) RecordError(ctx context.Context, agentID, taskID, msg string) error {
	e, err := m.lookup(agentID)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	stamped := fmt.Sprintf("%s %s", m.nowStr(), msg)
	tx, err := m.Engine.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	metric, err := m.Engine.Repo.OpenMetricTx(ctx, tx, agentID, taskID)
	if errors.Is(err, repo.ErrNotFound) {
		metric = domain.AgentMetric{
			AgentID:   agentID,
			TaskID:    taskID,
			Status:    domain.MetricError,
			StartTime: m.nowStr(),
			Errors:    []string{stamped},
		}
		if _, err := m.Engine.Repo.InsertMetricTx(ctx, tx, metric); err != nil {
			return err
		}
	} else if err != nil {
		return err
	} else {
		metric.Errors = append(metric.Errors, stamped)
		if err := m.Engine.Repo.UpdateMetricTx(ctx, tx, metric); err != nil {
			return err
		}
	}
	if err := m.Engine.Audit.Append(ctx, tx, audit.Scope{TaskID: taskID}, "agent.error",
		fmt.Sprintf("agent %s reported: %s", agentID, msg),
		audit.Metadata{"agent_id": agentID}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	e.info.State = StateError
	return nil
}

// AddPerformanceMetric records a named measurement on the open metric row.
func (m *Manager) AddPerformanceMetric(ctx context.Context, agentID, taskID, name string, value float64) error {
	e, err := m.lookup(agentID)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	tx, err := m.Engine.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	metric, err := m.Engine.Repo.OpenMetricTx(ctx, tx, agentID, taskID)
	if err != nil {
		return err
	}
	if metric.Performance == nil {
		metric.Performance = map[string]float64{}
	}
	metric.Performance[name] = value
	if err := m.Engine.Repo.UpdateMetricTx(ctx, tx, metric); err != nil {
		return err
	}
	return tx.Commit()
}

// SetState moves an agent to an explicit state with an audited reason.
func (m *Manager) SetState(ctx context.Context, agentID, state, reason string) error {
	if !validStates[state] {
		return fmt.Errorf("%w: %s", ErrUnknownState, state)
	}
	e, err := m.lookup(agentID)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	old := e.info.State
	if err := m.appendAudit(ctx, audit.Scope{TaskID: e.info.TaskID}, "agent.state",
		fmt.Sprintf("agent %s state %s -> %s", agentID, old, state),
		audit.Metadata{"agent_id": agentID, "from": old, "to": state, "reason": reason}); err != nil {
		return err
	}
	e.info.State = state
	return nil
}

// State returns a snapshot of one agent.
func (m *Manager) State(agentID string) (Info, error) {
	e, err := m.lookup(agentID)
	if err != nil {
		return Info{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.info, nil
}

// List snapshots all registered agents.
func (m *Manager) List() []Info {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]Info, 0, len(m.agents))
	for _, e := range m.agents {
		e.mu.Lock()
		res = append(res, e.info)
		e.mu.Unlock()
	}
	return res
}

// Shutdown audits the removal and drops the agent from the registry.
func (m *Manager) Shutdown(ctx context.Context, agentID string) error {
	e, err := m.lookup(agentID)
	if err != nil {
		return err
	}
	e.mu.Lock()
	taskID := e.info.TaskID
	e.mu.Unlock()
	if err := m.appendAudit(ctx, audit.Scope{TaskID: taskID}, "agent.shutdown",
		fmt.Sprintf("agent %s shut down", agentID),
		audit.Metadata{"agent_id": agentID}); err != nil {
		return err
	}
	m.mu.Lock()
	delete(m.agents, agentID)
	m.mu.Unlock()
	return nil
}

// History returns the agent's persisted metrics, oldest first.
func (m *Manager) History(ctx context.Context, agentID string) ([]domain.AgentMetric, error) {
	return m.Engine.Repo.ListMetricsByAgent(ctx, agentID)
}

func (m *Manager) appendAudit(ctx context.Context, scope audit.Scope, action, content string, meta audit.Metadata) error {
	tx, err := m.Engine.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := m.Engine.Audit.Append(ctx, tx, scope, action, content, meta); err != nil {
		return err
	}
	return tx.Commit()
}
