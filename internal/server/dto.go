package server

import (
	"encoding/json"

	"taskforge/internal/agent"
	"taskforge/internal/config"
	"taskforge/internal/domain"
	"taskforge/internal/engine"
	"taskforge/internal/orchestrator"
)

// Request payloads

type CreateProjectRequest struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

type UpdateProjectStatusRequest struct {
	Status string `json:"status" enum:"active,on_hold,completed,cancelled"`
}

type CreateMilestoneRequest struct {
	Title           string `json:"title"`
	Description     string `json:"description,omitempty"`
	SuccessCriteria string `json:"success_criteria,omitempty"`
}

type CreateTaskRequest struct {
	MilestoneID string   `json:"milestone_id"`
	ParentID    *string  `json:"parent_id,omitempty"`
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	Priority    string   `json:"priority,omitempty" enum:",low,medium,high,critical"`
	DependsOn   []string `json:"depends_on,omitempty"`
}

type CreateSubtaskRequest struct {
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Priority    string `json:"priority,omitempty" enum:",low,medium,high,critical"`
}

type UpdateTaskStatusRequest struct {
	Status string `json:"status" enum:"pending,in_progress,blocked,completed,cancelled,failed"`
	Reason string `json:"reason,omitempty"`
}

type AddDependencyRequest struct {
	DependsOn string `json:"depends_on"`
}

type AssignTaskRequest struct {
	AgentID string `json:"agent_id"`
}

type InitializeAgentRequest struct {
	Role string `json:"role"`
}

type SetAgentStateRequest struct {
	State  string `json:"state" enum:"available,processing,waiting_for_input,error,paused,offline"`
	Reason string `json:"reason,omitempty"`
}

// Response payloads

type ProjectResponse struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Status      string `json:"status" enum:"active,on_hold,completed,cancelled"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

type MilestoneResponse struct {
	ID              string  `json:"id"`
	ProjectID       string  `json:"project_id"`
	Title           string  `json:"title"`
	Description     string  `json:"description,omitempty"`
	SuccessCriteria string  `json:"success_criteria,omitempty"`
	Status          string  `json:"status" enum:"pending,in_progress,blocked,completed,cancelled"`
	CreatedAt       string  `json:"created_at" format:"date-time"`
	CompletedAt     *string `json:"completed_at,omitempty" format:"date-time"`
}

type TaskResponse struct {
	ID              string   `json:"id"`
	MilestoneID     string   `json:"milestone_id"`
	ParentID        *string  `json:"parent_id,omitempty"`
	Title           string   `json:"title"`
	Description     string   `json:"description,omitempty"`
	Priority        string   `json:"priority" enum:"low,medium,high,critical"`
	Status          string   `json:"status" enum:"pending,in_progress,blocked,completed,cancelled,failed"`
	AssignedAgentID *string  `json:"assigned_agent_id,omitempty"`
	BlockedReason   *string  `json:"blocked_reason,omitempty"`
	DependsOn       []string `json:"depends_on"`
	CreatedAt       string   `json:"created_at" format:"date-time"`
	StartedAt       *string  `json:"started_at,omitempty" format:"date-time"`
	CompletedAt     *string  `json:"completed_at,omitempty" format:"date-time"`
}

type DependencyResponse struct {
	TaskID          string `json:"task_id"`
	DependsOnTaskID string `json:"depends_on_task_id"`
	DependsOnTitle  string `json:"depends_on_title,omitempty"`
	DependsOnStatus string `json:"depends_on_status,omitempty"`
	CreatedAt       string `json:"created_at" format:"date-time"`
}

type CanStartResponse struct {
	TaskID       string               `json:"task_id"`
	CanStart     bool                 `json:"can_start"`
	Dependencies []DependencyResponse `json:"dependencies"`
}

type ProgressResponse struct {
	TaskID   string  `json:"task_id"`
	Progress float64 `json:"progress"`
}

type MessageResponse struct {
	ID          int64          `json:"id"`
	ProjectID   *string        `json:"project_id,omitempty"`
	MilestoneID *string        `json:"milestone_id,omitempty"`
	TaskID      *string        `json:"task_id,omitempty"`
	Role        string         `json:"role" enum:"system,user,assistant,agent"`
	Content     string         `json:"content"`
	Type        string         `json:"type"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	CreatedAt   string         `json:"created_at" format:"date-time"`
}

type AgentResponse struct {
	ID        string `json:"id"`
	Role      string `json:"role"`
	State     string `json:"state" enum:"available,processing,waiting_for_input,error,paused,offline"`
	TaskID    string `json:"task_id,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type MetricResponse struct {
	ID             int64                     `json:"id"`
	AgentID        string                    `json:"agent_id"`
	TaskID         string                    `json:"task_id"`
	Status         string                    `json:"status" enum:"in_progress,completed,failed,error"`
	StartTime      string                    `json:"start_time" format:"date-time"`
	CompletionTime *string                   `json:"completion_time,omitempty" format:"date-time"`
	SuccessRate    float64                   `json:"success_rate"`
	Notes          string                    `json:"notes,omitempty"`
	Errors         []string                  `json:"errors"`
	Performance    map[string]float64        `json:"performance_metrics,omitempty"`
	Summary        domain.PerformanceSummary `json:"summary"`
}

type DispatchResponse struct {
	TaskID    string   `json:"task_id"`
	AgentID   string   `json:"agent_id"`
	Attempts  int      `json:"attempts"`
	Completed bool     `json:"completed"`
	State     string   `json:"state"`
	Trail     []string `json:"trail"`
	Response  string   `json:"response,omitempty"`
}

type ProjectConfigResponse struct {
	Project struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"project"`
	Defaults struct {
		TaskPriority string `json:"task_priority"`
	} `json:"defaults"`
	Orchestrator struct {
		MaxAttempts       int      `json:"max_attempts"`
		HistoryWindow     int      `json:"history_window"`
		CompletionPhrases []string `json:"completion_phrases"`
	} `json:"orchestrator"`
	Generator struct {
		Provider string `json:"provider"`
		Model    string `json:"model"`
	} `json:"generator"`
}

type paginatedTasks struct {
	Items      []TaskResponse `json:"items"`
	NextCursor string         `json:"next_cursor,omitempty"`
}

type paginatedMessages struct {
	Items      []MessageResponse `json:"items"`
	NextCursor string            `json:"next_cursor,omitempty"`
}

// Conversion helpers

func projectResponse(p domain.Project) ProjectResponse {
	return ProjectResponse(p)
}

func milestoneResponse(m domain.Milestone) MilestoneResponse {
	return MilestoneResponse(m)
}

func taskResponse(t domain.Task) TaskResponse {
	return TaskResponse{
		ID:              t.ID,
		MilestoneID:     t.MilestoneID,
		ParentID:        t.ParentID,
		Title:           t.Title,
		Description:     t.Description,
		Priority:        t.Priority,
		Status:          t.Status,
		AssignedAgentID: t.AssignedAgentID,
		BlockedReason:   t.BlockedReason,
		DependsOn:       nonNilSlice(t.DependsOn),
		CreatedAt:       t.CreatedAt,
		StartedAt:       t.StartedAt,
		CompletedAt:     t.CompletedAt,
	}
}

func dependencyResponse(d domain.Dependency) DependencyResponse {
	return DependencyResponse(d)
}

func messageResponse(m domain.Message) MessageResponse {
	return MessageResponse{
		ID:          m.ID,
		ProjectID:   m.ProjectID,
		MilestoneID: m.MilestoneID,
		TaskID:      m.TaskID,
		Role:        m.Role,
		Content:     m.Content,
		Type:        m.Type,
		Metadata:    decodeJSONMap(m.MetadataJSON),
		CreatedAt:   m.CreatedAt,
	}
}

func agentResponse(i agent.Info) AgentResponse {
	return AgentResponse(i)
}

func metricResponse(m domain.AgentMetric) MetricResponse {
	return MetricResponse{
		ID:             m.ID,
		AgentID:        m.AgentID,
		TaskID:         m.TaskID,
		Status:         m.Status,
		StartTime:      m.StartTime,
		CompletionTime: m.CompletionTime,
		SuccessRate:    m.SuccessRate,
		Notes:          m.Notes,
		Errors:         nonNilSlice(m.Errors),
		Performance:    m.Performance,
		Summary:        m.Summarize(),
	}
}

func dispatchResponse(r orchestrator.Result) DispatchResponse {
	return DispatchResponse(r)
}

func configResponse(cfg *config.Config) ProjectConfigResponse {
	var res ProjectConfigResponse
	res.Project.ID = cfg.Project.ID
	res.Project.Name = cfg.Project.Name
	res.Defaults.TaskPriority = cfg.Defaults.TaskPriority
	res.Orchestrator.MaxAttempts = cfg.Orchestrator.MaxAttempts
	res.Orchestrator.HistoryWindow = cfg.Orchestrator.HistoryWindow
	res.Orchestrator.CompletionPhrases = nonNilSlice(cfg.Orchestrator.CompletionPhrases)
	res.Generator.Provider = cfg.Generator.Provider
	res.Generator.Model = cfg.Generator.Model
	return res
}

// JSON helpers

func decodeJSONMap(raw string) map[string]any {
	if raw == "" {
		return nil
	}
	var tmp any
	if err := json.Unmarshal([]byte(raw), &tmp); err != nil {
		return nil
	}
	if obj, ok := tmp.(map[string]any); ok {
		return obj
	}
	return nil
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}

func mapProjects(items []domain.Project) []ProjectResponse {
	res := make([]ProjectResponse, 0, len(items))
	for _, p := range items {
		res = append(res, projectResponse(p))
	}
	return res
}

func mapMilestones(items []domain.Milestone) []MilestoneResponse {
	res := make([]MilestoneResponse, 0, len(items))
	for _, m := range items {
		res = append(res, milestoneResponse(m))
	}
	return res
}

func mapTasks(items []domain.Task) []TaskResponse {
	res := make([]TaskResponse, 0, len(items))
	for _, t := range items {
		res = append(res, taskResponse(t))
	}
	return res
}

func mapDependencies(items []domain.Dependency) []DependencyResponse {
	res := make([]DependencyResponse, 0, len(items))
	for _, d := range items {
		res = append(res, dependencyResponse(d))
	}
	return res
}

func mapAgents(items []agent.Info) []AgentResponse {
	res := make([]AgentResponse, 0, len(items))
	for _, a := range items {
		res = append(res, agentResponse(a))
	}
	return res
}

func mapMetrics(items []domain.AgentMetric) []MetricResponse {
	res := make([]MetricResponse, 0, len(items))
	for _, m := range items {
		res = append(res, metricResponse(m))
	}
	return res
}

// reportResponse types come straight from the engine; they already carry
// JSON tags suitable for the API.
type MilestoneReportResponse = engine.MilestoneReport

type ProjectReportResponse = engine.ProjectReport
