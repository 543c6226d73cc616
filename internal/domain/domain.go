package domain

type Project struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Status      string `json:"status" enum:"active,on_hold,completed,cancelled"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

type Milestone struct {
	ID              string  `json:"id"`
	ProjectID       string  `json:"project_id"`
	Title           string  `json:"title"`
	Description     string  `json:"description,omitempty"`
	SuccessCriteria string  `json:"success_criteria,omitempty"`
	Status          string  `json:"status" enum:"pending,in_progress,blocked,completed,cancelled"`
	CreatedAt       string  `json:"created_at" format:"date-time"`
	CompletedAt     *string `json:"completed_at,omitempty" format:"date-time"`
}

type Task struct {
	ID              string   `json:"id"`
	MilestoneID     string   `json:"milestone_id"`
	ParentID        *string  `json:"parent_id,omitempty"`
	Title           string   `json:"title"`
	Description     string   `json:"description,omitempty"`
	Priority        string   `json:"priority" enum:"low,medium,high,critical"`
	Status          string   `json:"status" enum:"pending,in_progress,blocked,completed,cancelled,failed"`
	AssignedAgentID *string  `json:"assigned_agent_id,omitempty"`
	BlockedReason   *string  `json:"blocked_reason,omitempty"`
	DependsOn       []string `json:"depends_on,omitempty"`
	CreatedAt       string   `json:"created_at" format:"date-time"`
	StartedAt       *string  `json:"started_at,omitempty" format:"date-time"`
	CompletedAt     *string  `json:"completed_at,omitempty" format:"date-time"`
}

// Dependency is a task-to-task edge joined with the depended-on task's
// current title and status.
type Dependency struct {
	TaskID          string `json:"task_id"`
	DependsOnTaskID string `json:"depends_on_task_id"`
	DependsOnTitle  string `json:"depends_on_title,omitempty"`
	DependsOnStatus string `json:"depends_on_status,omitempty"`
	CreatedAt       string `json:"created_at" format:"date-time"`
}

// Message is both the conversation transcript and the audit trail: every
// engine mutation appends a system message scoped to the entity it touched.
type Message struct {
	ID           int64   `json:"id"`
	ProjectID    *string `json:"project_id,omitempty"`
	MilestoneID  *string `json:"milestone_id,omitempty"`
	TaskID       *string `json:"task_id,omitempty"`
	Role         string  `json:"role" enum:"system,user,assistant,agent"`
	Content      string  `json:"content"`
	Type         string  `json:"type"`
	MetadataJSON string  `json:"metadata_json,omitempty"`
	CreatedAt    string  `json:"created_at" format:"date-time"`
}

// Task priority and status vocabularies, also enforced by CHECK
// constraints in the schema.
const (
	TaskPending    = "pending"
	TaskInProgress = "in_progress"
	TaskBlocked    = "blocked"
	TaskCompleted  = "completed"
	TaskCancelled  = "cancelled"
	TaskFailed     = "failed"
)

const (
	PriorityLow      = "low"
	PriorityMedium   = "medium"
	PriorityHigh     = "high"
	PriorityCritical = "critical"
)

const (
	ProjectActive    = "active"
	ProjectOnHold    = "on_hold"
	ProjectCompleted = "completed"
	ProjectCancelled = "cancelled"
)
