package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"taskforge/internal/agent"
	"taskforge/internal/app"
	"taskforge/internal/config"
	"taskforge/internal/db"
	"taskforge/internal/domain"
	"taskforge/internal/engine"
	"taskforge/internal/llm"
	"taskforge/internal/migrate"
	"taskforge/internal/orchestrator"
	"taskforge/internal/repo"
	"taskforge/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "tf",
	Short: "Taskforge CLI",
	Long: `Taskforge orchestrates hierarchical project work and hands tasks to agents.
Core concepts:
- Workspace: the .taskforge directory holding the SQLite database; configs are stored in the DB and imported explicitly.
- Project: owns milestones; milestones own tasks; tasks may have subtasks.
- Status flow: tasks move pending -> in_progress -> completed, with blocked, failed, and cancelled as exits. Parent and milestone statuses are derived from their children.
- Dependencies: tasks can depend on other tasks; cycles are rejected and a task cannot start until its dependencies complete.
- Agents: in-memory workers with a lifecycle (available, processing, ...); every engagement is scored into agent_metrics.
- Dispatch: 'tf dispatch <task-id>' runs a task through the configured generation service with bounded retries.
- Message log: conversation transcript and audit trail in one place, view with 'tf log tail'.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("TASKFORGE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("project", "", "project id (overrides the single-project default)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("project", rootCmd.PersistentFlags().Lookup("project"))
}

func registerCommands() {
	rootCmd.AddCommand(projectCmd())
	rootCmd.AddCommand(milestoneCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(agentCmd())
	rootCmd.AddCommand(dispatchCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func projectCmd() *cobra.Command {
	prj := &cobra.Command{Use: "project", Short: "Manage projects"}
	prj.AddCommand(projectCreateCmd())
	prj.AddCommand(projectListCmd())
	prj.AddCommand(projectShowCmd())
	prj.AddCommand(projectSetStatusCmd())
	prj.AddCommand(projectDeleteCmd())
	prj.AddCommand(projectReportCmd())
	return prj
}

func projectCreateCmd() *cobra.Command {
	var name, desc string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create project",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			e := engine.New(conn, config.Default(""))
			p, err := e.CreateProject(cmd.Context(), name, desc)
			if err != nil {
				return err
			}
			return printJSONOrTable(p)
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "project name")
	cmd.Flags().StringVar(&desc, "description", "", "description")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func projectListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListProjects(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	return cmd
}

func projectShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show the active project",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.Repo.GetProject(ctx, e.Config.Project.ID)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	return cmd
}

func projectSetStatusCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:     "set-status",
		Aliases: []string{"status", "update"},
		Short:   "Update project status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.UpdateProjectStatus(ctx, e.Config.Project.ID, status)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "new status (active, on_hold, completed, cancelled)")
	_ = cmd.MarkFlagRequired("status")
	return cmd
}

func projectDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete",
		Short: "Delete the active project and all its data",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.DeleteProject(ctx, e.Config.Project.ID)
			})
		},
	}
	return cmd
}

func projectReportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Full progress report for the active project",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				rep, err := e.ProjectProgress(ctx, e.Config.Project.ID)
				if err != nil {
					return err
				}
				return printJSONOrTable(rep)
			})
		},
	}
	return cmd
}

func milestoneCmd() *cobra.Command {
	ms := &cobra.Command{
		Use:   "milestone",
		Short: "Manage milestones",
		Long:  "Milestones group tasks toward a goal. Their status is derived from their tasks: all completed -> completed, any blocked -> blocked, any in progress -> in_progress.",
	}
	ms.AddCommand(milestoneCreateCmd())
	ms.AddCommand(milestoneListCmd())
	ms.AddCommand(milestoneShowCmd())
	ms.AddCommand(milestoneProgressCmd())
	return ms
}

func milestoneCreateCmd() *cobra.Command {
	var title, desc, criteria string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create milestone",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				ms, err := e.CreateMilestone(ctx, e.Config.Project.ID, title, desc, criteria)
				if err != nil {
					return err
				}
				return printJSONOrTable(ms)
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "title")
	cmd.Flags().StringVar(&desc, "description", "", "description")
	cmd.Flags().StringVar(&criteria, "criteria", "", "success criteria")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func milestoneListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List milestones",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListMilestones(ctx, e.Config.Project.ID)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	return cmd
}

func milestoneShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show milestone",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				ms, err := e.Repo.GetMilestone(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(ms)
			})
		},
	}
	return cmd
}

func milestoneProgressCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "progress <id>",
		Short: "Milestone progress report",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				rep, err := e.MilestoneProgress(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(rep)
			})
		},
	}
	return cmd
}

func taskCmd() *cobra.Command {
	task := &cobra.Command{
		Use:   "task",
		Short: "Manage tasks",
		Long:  "Tasks are the work items. They flow pending -> in_progress -> completed, can be blocked by dependencies, and may carry subtasks whose statuses roll up to the parent.",
	}
	task.AddCommand(taskCreateCmd())
	task.AddCommand(taskListCmd())
	task.AddCommand(taskShowCmd())
	task.AddCommand(taskSetStatusCmd())
	task.AddCommand(taskSubtaskCmd())
	task.AddCommand(taskDependCmd())
	task.AddCommand(taskUndependCmd())
	task.AddCommand(taskCanStartCmd())
	task.AddCommand(taskAssignCmd())
	task.AddCommand(taskProgressCmd())
	task.AddCommand(taskTreeCmd())
	task.AddCommand(taskDeleteCmd())
	return task
}

func taskCreateCmd() *cobra.Command {
	var milestoneID, parentID, title, desc, priority string
	var dependsOn []string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a task",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.CreateTask(ctx, engine.TaskCreateOptions{
					MilestoneID: milestoneID,
					ParentID:    parentID,
					Title:       title,
					Description: desc,
					Priority:    priority,
					DependsOn:   dependsOn,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&milestoneID, "milestone", "", "milestone id")
	cmd.Flags().StringVar(&parentID, "parent", "", "parent task id")
	cmd.Flags().StringVar(&title, "title", "", "title")
	cmd.Flags().StringVar(&desc, "description", "", "description")
	cmd.Flags().StringVar(&priority, "priority", "", "priority (low, medium, high, critical)")
	cmd.Flags().StringArrayVar(&dependsOn, "depends-on", []string{}, "dependency task id (repeatable)")
	_ = cmd.MarkFlagRequired("milestone")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func taskListCmd() *cobra.Command {
	var f repo.TaskFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if f.MilestoneID == "" && f.ParentID == "" {
					f.ProjectID = e.Config.Project.ID
				}
				tasks, err := e.Repo.ListTasks(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(tasks)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Status", "Priority", "Agent"})
				for _, t := range tasks {
					agentID := ""
					if t.AssignedAgentID != nil {
						agentID = *t.AssignedAgentID
					}
					tw.AppendRow(table.Row{t.ID, t.Title, t.Status, t.Priority, agentID})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.MilestoneID, "milestone", "", "milestone filter")
	cmd.Flags().StringVar(&f.ParentID, "parent", "", "parent task filter")
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.AssignedAgentID, "agent", "", "assigned agent filter")
	return cmd
}

func taskShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.Repo.GetTask(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	return cmd
}

func taskSetStatusCmd() *cobra.Command {
	var status, reason string
	cmd := &cobra.Command{
		Use:     "set-status <id>",
		Aliases: []string{"status"},
		Short:   "Update task status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.UpdateTaskStatus(ctx, args[0], status, reason)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "new status")
	cmd.Flags().StringVar(&reason, "reason", "", "reason (recorded for blocked)")
	_ = cmd.MarkFlagRequired("status")
	return cmd
}

func taskSubtaskCmd() *cobra.Command {
	var title, desc, priority string
	cmd := &cobra.Command{
		Use:   "subtask <parent-id>",
		Short: "Add a subtask under a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.AddSubTask(ctx, args[0], title, desc, priority)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "title")
	cmd.Flags().StringVar(&desc, "description", "", "description")
	cmd.Flags().StringVar(&priority, "priority", "", "priority")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func taskDependCmd() *cobra.Command {
	var on string
	cmd := &cobra.Command{
		Use:   "depend <id>",
		Short: "Add a dependency",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.AddDependency(ctx, args[0], on); err != nil {
					return err
				}
				deps, err := e.Dependencies(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(deps)
			})
		},
	}
	cmd.Flags().StringVar(&on, "on", "", "task id this task depends on")
	_ = cmd.MarkFlagRequired("on")
	return cmd
}

func taskUndependCmd() *cobra.Command {
	var on string
	cmd := &cobra.Command{
		Use:   "undepend <id>",
		Short: "Remove a dependency",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.RemoveDependency(ctx, args[0], on)
			})
		},
	}
	cmd.Flags().StringVar(&on, "on", "", "dependency task id to remove")
	_ = cmd.MarkFlagRequired("on")
	return cmd
}

func taskCanStartCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "can-start <id>",
		Short: "Check whether all dependencies are completed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				ok, err := e.CanStart(ctx, args[0])
				if err != nil {
					return err
				}
				deps, err := e.Dependencies(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{
					"task_id":      args[0],
					"can_start":    ok,
					"dependencies": deps,
				})
			})
		},
	}
	return cmd
}

func taskAssignCmd() *cobra.Command {
	var agentID string
	cmd := &cobra.Command{
		Use:   "assign <id>",
		Short: "Assign a task to an agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.AssignTask(ctx, args[0], agentID)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&agentID, "agent", "", "agent id")
	_ = cmd.MarkFlagRequired("agent")
	return cmd
}

func taskProgressCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "progress <id>",
		Short: "Task completion percentage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				progress, err := e.TaskProgress(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"task_id": args[0], "progress": progress})
			})
		},
	}
	return cmd
}

func taskTreeCmd() *cobra.Command {
	var milestoneID, status string
	cmd := &cobra.Command{
		Use:   "tree",
		Short: "Show task tree",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				f := repo.TaskFilters{MilestoneID: milestoneID, Status: status}
				if f.MilestoneID == "" {
					f.ProjectID = e.Config.Project.ID
				}
				tasks, err := e.Repo.ListTasks(ctx, f)
				if err != nil {
					return err
				}
				nodes := map[string][]domain.Task{}
				var roots []domain.Task
				for _, t := range tasks {
					if t.ParentID != nil {
						nodes[*t.ParentID] = append(nodes[*t.ParentID], t)
					} else {
						roots = append(roots, t)
					}
				}
				if viper.GetBool("json") {
					type Node struct {
						Task     domain.Task `json:"task"`
						Children []Node      `json:"children,omitempty"`
					}
					var build func(t domain.Task) Node
					build = func(t domain.Task) Node {
						var childNodes []Node
						for _, c := range nodes[t.ID] {
							childNodes = append(childNodes, build(c))
						}
						return Node{Task: t, Children: childNodes}
					}
					var treeNodes []Node
					for _, r := range roots {
						treeNodes = append(treeNodes, build(r))
					}
					return printJSON(treeNodes)
				}
				for _, r := range roots {
					printTaskTree(r, nodes, "", true)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&milestoneID, "milestone", "", "milestone filter")
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	return cmd
}

func taskDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a task and its subtasks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.DeleteTask(ctx, args[0])
			})
		},
	}
	return cmd
}

func agentCmd() *cobra.Command {
	a := &cobra.Command{
		Use:   "agent",
		Short: "Inspect agents",
		Long:  "Agents live in memory for the duration of a dispatch; their engagement history persists in agent_metrics and can be inspected here.",
	}
	a.AddCommand(agentHistoryCmd())
	a.AddCommand(agentTaskMetricsCmd())
	return a
}

func agentHistoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history <agent-id>",
		Short: "Engagement history for an agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				metrics, err := r.ListMetricsByAgent(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(metrics)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Task", "Status", "Success", "Level", "Errors"})
				for _, m := range metrics {
					s := m.Summarize()
					tw.AppendRow(table.Row{m.TaskID, m.Status, fmt.Sprintf("%.1f", m.SuccessRate), s.Level, s.ErrorCount})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func agentTaskMetricsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task-metrics <task-id>",
		Short: "Engagement metrics recorded for a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				metrics, err := r.ListMetricsByTask(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(metrics)
			})
		},
	}
	return cmd
}

func dispatchCmd() *cobra.Command {
	var limit int
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "dispatch <task-id> [task-id...]",
		Short: "Run tasks through the generation service",
		Long:  "Dispatch claims an agent per task, prompts the configured generation service, retries with conversation history on inconclusive replies, and records the outcome. --dry-run swaps in the scripted client.",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				client := generationClient(e.Config, dryRun)
				orch := orchestrator.New(e, agent.NewManager(e), client, e.Config)
				results, err := orch.RunMany(ctx, args, limit)
				if printErr := printJSONOrTable(results); printErr != nil {
					return printErr
				}
				return err
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 1, "maximum concurrent tasks")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "use the scripted client instead of the configured provider")
	return cmd
}

func generationClient(cfg *config.Config, dryRun bool) llm.Client {
	if dryRun {
		return llm.NewScripted("The task completed successfully.")
	}
	if cfg.Generator.Provider == "openai" {
		key := cfg.Generator.APIKey
		if key == "" {
			key = os.Getenv("OPENAI_API_KEY")
		}
		return llm.NewOpenAI(key, cfg.Generator.Model)
	}
	return llm.NewScripted()
}

func statusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "progress",
		Aliases: []string{"status"},
		Short:   "Show project progress",
		Long:    "The scoreboard: overall progress, per-milestone completion, and what is blocking.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				rep, err := e.ProjectProgress(ctx, e.Config.Project.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(rep)
				}
				fmt.Printf("Project: %s (%s) %.1f%%\n", rep.Name, rep.Status, rep.OverallProgress)
				fmt.Printf("Tasks: %d total, %d completed, %d in progress, %d blocked\n",
					rep.TotalTasks, rep.Completed, rep.InProgress, rep.Blocked)
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Milestone", "Status", "Progress", "Tasks"})
				for _, ms := range rep.Milestones {
					tw.AppendRow(table.Row{ms.Title, ms.Status, fmt.Sprintf("%.1f%%", ms.Progress), ms.TotalTasks})
				}
				tw.Render()
				for _, ms := range rep.Milestones {
					for _, issue := range ms.BlockingIssues {
						fmt.Printf("blocked: %s\n", issue)
					}
				}
				return nil
			})
		},
	}
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect project config",
		Long:  "Config is stored in the DB per project: default priority, orchestrator limits and completion phrases, and the generation provider. Import from taskforge.yml if desired.",
	}
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configImportCmd())
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show loaded config",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return printJSONOrTable(e.Config)
			})
		},
	}
	return cmd
}

func configImportCmd() *cobra.Command {
	var filePath string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import project config from YAML into the DB",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.FromFile(filePath)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				projectID := cfg.Project.ID
				if projectID == "" {
					projectID = e.Config.Project.ID
				}
				if err := e.Repo.UpsertProjectConfig(ctx, projectID, cfg); err != nil {
					return err
				}
				return printJSONOrTable(cfg)
			})
		},
	}
	cmd.Flags().StringVar(&filePath, "file", "", "path to YAML config")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func configInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default taskforge.yml into the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			projectID := viper.GetString("project")
			if err := os.WriteFile(path, []byte(config.GenerateDefault(projectID)), 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
	return cmd
}

func configValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate stored config",
		RunE: func(cmd *cobra.Command, args []string) error {
			err := withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.Config.Validate()
			})
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Message log",
		Long:  "The diary of everything that happened: status changes, assignments, agent replies. Audit entries are system messages; agent replies are assistant messages.",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var taskID, milestoneID, role, msgType string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail messages",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				msgs, err := e.Repo.ListMessages(ctx, repo.MessageFilters{
					ProjectID:   e.Config.Project.ID,
					MilestoneID: milestoneID,
					TaskID:      taskID,
					Role:        role,
					Type:        msgType,
					Limit:       n,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(msgs)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of messages")
	cmd.Flags().StringVar(&taskID, "task", "", "task filter")
	cmd.Flags().StringVar(&milestoneID, "milestone", "", "milestone filter")
	cmd.Flags().StringVar(&role, "role", "", "role filter")
	cmd.Flags().StringVar(&msgType, "type", "", "message type filter")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			r := repo.Repo{DB: conn}
			_, cfg, err := app.ResolveProjectAndConfig(cmd.Context(), workspace, viper.GetString("project"), r)
			if err != nil {
				return err
			}
			e := engine.New(conn, cfg)
			handler, err := server.New(server.Config{Engine: e, BasePath: basePath})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Taskforge API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v1", "API base path")
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	r := repo.Repo{DB: conn}
	_, cfg, err := app.ResolveProjectAndConfig(ctx, workspace, viper.GetString("project"), r)
	if err != nil {
		return err
	}
	e := engine.New(conn, cfg)
	return fn(ctx, e)
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, repo.Repo{DB: conn})
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printTaskTree(t domain.Task, children map[string][]domain.Task, prefix string, last bool) {
	connector := "├── "
	newPrefix := prefix + "│   "
	if last {
		connector = "└── "
		newPrefix = prefix + "    "
	}
	fmt.Printf("%s%s%s [%s]\n", prefix, connector, t.Title, t.Status)
	for i, c := range children[t.ID] {
		printTaskTree(c, children, newPrefix, i == len(children[t.ID])-1)
	}
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
