package domain

import "time"

// AgentMetric records one agent/task engagement: opened when a task is
// assigned, closed when the agent reports completion or failure. Errors and
// performance metrics accumulate on the open row.
type AgentMetric struct {
	ID             int64              `json:"id"`
	AgentID        string             `json:"agent_id"`
	TaskID         string             `json:"task_id"`
	Status         string             `json:"status" enum:"in_progress,completed,failed,error"`
	StartTime      string             `json:"start_time" format:"date-time"`
	CompletionTime *string            `json:"completion_time,omitempty" format:"date-time"`
	SuccessRate    float64            `json:"success_rate"`
	Notes          string             `json:"notes,omitempty"`
	Errors         []string           `json:"errors,omitempty"`
	Performance    map[string]float64 `json:"performance_metrics,omitempty"`
}

const (
	MetricInProgress = "in_progress"
	MetricCompleted  = "completed"
	MetricFailed     = "failed"
	MetricError      = "error"
)

// ComputeSuccessRate derives the 0..100 success rate for a closed metric.
// Non-completed engagements score zero. The base is the mean of the recorded
// performance metrics (1.0 when none were recorded), each error subtracts
// 0.1, and the result is clamped to [0,1] before scaling.
func (m AgentMetric) ComputeSuccessRate() float64 {
	if m.Status != MetricCompleted {
		return 0
	}
	base := 1.0
	if len(m.Performance) > 0 {
		sum := 0.0
		for _, v := range m.Performance {
			sum += v
		}
		base = sum / float64(len(m.Performance))
	}
	rate := base - 0.1*float64(len(m.Errors))
	if rate < 0 {
		rate = 0
	}
	if rate > 1 {
		rate = 1
	}
	return rate * 100
}

// Duration returns the wall time between start and completion, or zero when
// the metric is still open or carries an unparseable timestamp.
func (m AgentMetric) Duration() time.Duration {
	if m.CompletionTime == nil {
		return 0
	}
	start, err := time.Parse(time.RFC3339, m.StartTime)
	if err != nil {
		return 0
	}
	end, err := time.Parse(time.RFC3339, *m.CompletionTime)
	if err != nil {
		return 0
	}
	return end.Sub(start)
}

// PerformanceSummary is the computed report for one closed metric.
type PerformanceSummary struct {
	AgentID         string   `json:"agent_id"`
	TaskID          string   `json:"task_id"`
	Status          string   `json:"status"`
	SuccessRate     float64  `json:"success_rate"`
	Level           string   `json:"level" enum:"Excellent,Good,Fair,Poor"`
	DurationSeconds float64  `json:"duration_seconds"`
	ErrorCount      int      `json:"error_count"`
	Recommendations []string `json:"recommendations,omitempty"`
}

// PerformanceLevel buckets a 0..100 success rate.
func PerformanceLevel(rate float64) string {
	switch {
	case rate >= 90:
		return "Excellent"
	case rate >= 75:
		return "Good"
	case rate >= 60:
		return "Fair"
	default:
		return "Poor"
	}
}

// Summarize builds the performance summary for a metric.
func (m AgentMetric) Summarize() PerformanceSummary {
	s := PerformanceSummary{
		AgentID:     m.AgentID,
		TaskID:      m.TaskID,
		Status:      m.Status,
		SuccessRate: m.SuccessRate,
		Level:       PerformanceLevel(m.SuccessRate),
		ErrorCount:  len(m.Errors),
	}
	d := m.Duration()
	s.DurationSeconds = d.Seconds()
	if len(m.Errors) > 0 {
		s.Recommendations = append(s.Recommendations, "review recorded errors and add safeguards for recurring failure modes")
	}
	if d > 30*time.Minute {
		s.Recommendations = append(s.Recommendations, "consider splitting the task; completion took longer than 30 minutes")
	}
	return s
}
