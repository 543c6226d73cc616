// Package orchestrator drives one task through the external generation
// service: it claims an agent, builds a prompt per attempt, classifies each
// response, and closes the engagement after a bounded number of attempts.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"taskforge/internal/agent"
	"taskforge/internal/audit"
	"taskforge/internal/config"
	"taskforge/internal/domain"
	"taskforge/internal/engine"
	"taskforge/internal/llm"
	"taskforge/internal/prompt"
)

// Run states.
const (
	RunNotStarted   = "not_started"
	RunInitializing = "initializing"
	RunProcessing   = "processing"
	RunWaiting      = "waiting"
	RunCompleted    = "completed"
	RunFailed       = "failed"
)

var ErrInvalidRunTransition = errors.New("invalid run transition")

// EnsureRunTransition validates the execution state machine. Completed is
// terminal; failed may re-enter initializing for another run.
func EnsureRunTransition(from, to string) error {
	allowed := false
	switch from {
	case RunNotStarted:
		allowed = to == RunInitializing
	case RunInitializing:
		allowed = to == RunProcessing || to == RunFailed
	case RunProcessing:
		allowed = to == RunWaiting || to == RunCompleted || to == RunFailed
	case RunWaiting:
		allowed = to == RunProcessing || to == RunFailed
	case RunFailed:
		allowed = to == RunInitializing
	}
	if !allowed {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidRunTransition, from, to)
	}
	return nil
}

const (
	// DefaultMaxAttempts bounds the retry loop.
	DefaultMaxAttempts = 5
	// executorRole names the agents this orchestrator claims.
	executorRole = "task-executor"
	// noteLimit caps the completion note stored on the metric.
	noteLimit = 100
)

// Result records the outcome of one run.
type Result struct {
	TaskID    string   `json:"task_id"`
	AgentID   string   `json:"agent_id"`
	Attempts  int      `json:"attempts"`
	Completed bool     `json:"completed"`
	State     string   `json:"state"`
	Trail     []string `json:"trail"`
	Response  string   `json:"response,omitempty"`
}

type Orchestrator struct {
	Engine        engine.Engine
	Agents        *agent.Manager
	Client        llm.Client
	Classifier    Classifier
	MaxAttempts   int
	HistoryWindow int
	Logger        *slog.Logger
	Now           func() time.Time
}

// New builds an orchestrator with limits and completion phrases drawn from
// the project config.
func New(eng engine.Engine, agents *agent.Manager, client llm.Client, cfg *config.Config) *Orchestrator {
	o := &Orchestrator{
		Engine:        eng,
		Agents:        agents,
		Client:        client,
		Classifier:    NewPhraseClassifier(nil),
		MaxAttempts:   DefaultMaxAttempts,
		HistoryWindow: prompt.DefaultHistoryWindow,
		Now:           eng.Now,
	}
	if cfg != nil {
		if cfg.Orchestrator.MaxAttempts > 0 {
			o.MaxAttempts = cfg.Orchestrator.MaxAttempts
		}
		if cfg.Orchestrator.HistoryWindow > 0 {
			o.HistoryWindow = cfg.Orchestrator.HistoryWindow
		}
		o.Classifier = NewPhraseClassifier(cfg.Orchestrator.CompletionPhrases)
	}
	return o
}

func (o *Orchestrator) logger() *slog.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return slog.Default()
}

type run struct {
	state string
	trail []string
}

func newRun() *run {
	return &run{state: RunNotStarted, trail: []string{RunNotStarted}}
}

func (r *run) to(state string) error {
	if err := EnsureRunTransition(r.state, state); err != nil {
		return err
	}
	r.state = state
	r.trail = append(r.trail, state)
	return nil
}

type taskContext struct {
	project   domain.Project
	milestone domain.Milestone
	task      domain.Task
	deps      []domain.Dependency
}

func (o *Orchestrator) loadContext(ctx context.Context, taskID string) (taskContext, error) {
	var tc taskContext
	var err error
	tc.task, err = o.Engine.Repo.GetTask(ctx, taskID)
	if err != nil {
		return tc, err
	}
	tc.milestone, err = o.Engine.Repo.GetMilestone(ctx, tc.task.MilestoneID)
	if err != nil {
		return tc, err
	}
	tc.project, err = o.Engine.Repo.GetProject(ctx, tc.milestone.ProjectID)
	if err != nil {
		return tc, err
	}
	tc.deps, err = o.Engine.Repo.ListDependencyEdges(ctx, taskID)
	return tc, err
}

// Run executes one task to completion or exhaustion of the attempt budget.
// The returned error covers infrastructure failures only; a task that simply
// never produced a completed response yields Completed=false and nil error.
func (o *Orchestrator) Run(ctx context.Context, taskID string) (Result, error) {
	r := newRun()
	res := Result{TaskID: taskID}
	log := o.logger().With("task_id", taskID)

	fail := func(err error) (Result, error) {
		_ = r.to(RunFailed)
		res.State = r.state
		res.Trail = r.trail
		return res, err
	}

	if err := r.to(RunInitializing); err != nil {
		return fail(err)
	}
	agentID, err := o.Agents.Initialize(ctx, executorRole)
	if err != nil {
		return fail(err)
	}
	res.AgentID = agentID
	log = log.With("agent_id", agentID)
	defer func() {
		if err := o.Agents.Shutdown(context.WithoutCancel(ctx), agentID); err != nil {
			log.Warn("agent shutdown failed", "error", err)
		}
	}()

	tc, err := o.loadContext(ctx, taskID)
	if err != nil {
		return fail(err)
	}
	if err := o.Agents.Assign(ctx, agentID, taskID); err != nil {
		return fail(err)
	}

	builder := prompt.New()
	var lastResponse string
	done := false

	for attempt := 1; attempt <= o.MaxAttempts && !done; attempt++ {
		if err := r.to(RunProcessing); err != nil {
			return fail(err)
		}
		res.Attempts = attempt

		p, err := o.buildPrompt(ctx, builder, tc, agentID, attempt)
		if err != nil {
			return fail(err)
		}
		log.Debug("dispatching attempt", "attempt", attempt, "prompt_bytes", len(p))

		response, err := o.Client.Complete(ctx, p)
		if err != nil {
			log.Warn("generation call failed", "attempt", attempt, "error", err)
			if recErr := o.Agents.RecordError(ctx, agentID, taskID, err.Error()); recErr != nil {
				return fail(recErr)
			}
			if ctx.Err() != nil {
				break
			}
			if attempt < o.MaxAttempts {
				if err := r.to(RunWaiting); err != nil {
					return fail(err)
				}
			}
			continue
		}

		lastResponse = response
		done = o.Classifier.Done(response)
		if err := o.recordResponse(ctx, tc, agentID, response, attempt, done); err != nil {
			return fail(err)
		}
		if done {
			break
		}
		log.Debug("response not conclusive", "attempt", attempt)
		if attempt < o.MaxAttempts {
			if err := r.to(RunWaiting); err != nil {
				return fail(err)
			}
		}
	}

	note := truncateNote(lastResponse, noteLimit)
	if note == "" {
		note = "no usable response from generation service"
	}
	if !done {
		note = fmt.Sprintf("gave up after %d attempts: %s", res.Attempts, note)
	}
	// finalize even when the caller's context was cancelled mid-attempt
	if err := o.Agents.Complete(context.WithoutCancel(ctx), agentID, taskID, done, note); err != nil {
		return fail(err)
	}

	res.Completed = done
	res.Response = lastResponse
	if done {
		if err := r.to(RunCompleted); err != nil {
			return fail(err)
		}
	} else {
		_ = r.to(RunFailed)
	}
	res.State = r.state
	res.Trail = r.trail
	log.Info("run finished", "state", res.State, "attempts", res.Attempts)
	return res, nil
}

// buildPrompt assembles the attempt's prompt. The first attempt carries the
// full briefing; retries clear the builder and lead with the prior
// conversation instead.
func (o *Orchestrator) buildPrompt(ctx context.Context, b *prompt.Builder, tc taskContext, agentID string, attempt int) (string, error) {
	b.Clear()
	if attempt == 1 {
		b.WithSystemPrompt("You are an autonomous task executor. Work the task below and state clearly when it is finished.").
			WithProjectContext(tc.project).
			WithMilestoneContext(tc.milestone).
			WithTaskContext(tc.task, tc.deps).
			WithAgentContext(agentID, executorRole, agent.StateProcessing).
			WithInstructions("Complete the task described above. When the work is done, say that the task completed successfully.").
			WithConstraints([]string{"stay within the scope of the task", "report blockers instead of guessing"})
		return b.Build(), nil
	}
	history, err := o.Engine.Repo.RecentTaskConversation(ctx, tc.task.ID, o.HistoryWindow)
	if err != nil {
		return "", err
	}
	b.WithCustomSection("Retry Notice", fmt.Sprintf("Previous attempts were unsuccessful. This is attempt %d.", attempt)).
		WithTaskContext(tc.task, tc.deps).
		WithConversationHistory(history, o.HistoryWindow).
		WithInstructions("Review the history above, address what went wrong, and finish the task. State clearly when it has completed successfully.")
	return b.Build(), nil
}

// recordResponse persists the assistant reply on the task thread together
// with a metric row for the attempt. Attempt rows close immediately; the
// engagement metric opened at Assign stays open until Complete scores it.
func (o *Orchestrator) recordResponse(ctx context.Context, tc taskContext, agentID, response string, attempt int, done bool) error {
	tx, err := o.Engine.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	scope := audit.Scope{ProjectID: tc.project.ID, MilestoneID: tc.milestone.ID, TaskID: tc.task.ID}
	if err := o.Engine.Audit.Record(ctx, tx, scope, "assistant", "text", response, audit.Metadata{"attempt": attempt}); err != nil {
		return err
	}
	now := o.nowStr()
	m := domain.AgentMetric{
		AgentID:        agentID,
		TaskID:         tc.task.ID,
		Status:         domain.MetricFailed,
		StartTime:      now,
		CompletionTime: &now,
		Notes:          truncateNote(response, noteLimit),
	}
	if done {
		m.Status = domain.MetricCompleted
	}
	m.SuccessRate = m.ComputeSuccessRate()
	if _, err := o.Engine.Repo.InsertMetricTx(ctx, tx, m); err != nil {
		return err
	}
	return tx.Commit()
}

func (o *Orchestrator) nowStr() string {
	now := time.Now
	if o.Now != nil {
		now = o.Now
	}
	return now().UTC().Format(time.RFC3339)
}

// RunMany dispatches several tasks concurrently, at most limit at a time.
// Each run owns its agent; attempts within a run stay sequential.
func (o *Orchestrator) RunMany(ctx context.Context, taskIDs []string, limit int) ([]Result, error) {
	if limit <= 0 {
		limit = len(taskIDs)
	}
	results := make([]Result, len(taskIDs))
	errs := make([]error, len(taskIDs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for i, id := range taskIDs {
		g.Go(func() error {
			results[i], errs[i] = o.Run(gctx, id)
			// keep sibling runs alive; failures surface via errs
			return nil
		})
	}
	_ = g.Wait()
	return results, errors.Join(errs...)
}

func truncateNote(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit])
}
