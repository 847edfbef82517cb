package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/lavallee/cub/internal/config"
	"github.com/lavallee/cub/internal/state"
	"github.com/lavallee/cub/pkg/models"
)

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Manage tasks in the built-in task store",
	Long: `Add, list and import tasks.

'add' and 'import' write to the built-in sqlite store (tasks.backend:
sqlite). With the beads backend, manage tasks with bd instead; 'list'
works with either backend.`,
}

var (
	taskAddID          string
	taskAddDescription string
	taskAddPriority    int
	taskAddParent      string
	taskAddDependsOn   []string
)

var taskAddCmd = &cobra.Command{
	Use:   "add <title>",
	Short: "Add an open task",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, done, err := openTaskStore()
		if err != nil {
			return err
		}
		defer done()

		t := models.Task{
			ID:          taskAddID,
			Title:       strings.Join(args, " "),
			Description: taskAddDescription,
			Priority:    taskAddPriority,
			Parent:      taskAddParent,
			DependsOn:   taskAddDependsOn,
		}
		if t.ID == "" {
			t.ID = newTaskID()
		}
		if err := db.AddTask(cmd.Context(), t); err != nil {
			return err
		}
		printStatus("✓", fmt.Sprintf("Added %s: %s", t.ID, t.Title), color.FgGreen)
		return nil
	},
}

var (
	taskListEpic   string
	taskListStatus string
	taskListReady  bool
)

var taskListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tasks",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := openProject()
		if err != nil {
			return err
		}
		defer p.Close()
		source, err := p.TaskSource()
		if err != nil {
			return err
		}

		var list []models.Task
		if taskListReady {
			list, err = source.ReadyTasks(cmd.Context(), taskListEpic)
		} else {
			list, err = source.ListTasks(cmd.Context(), taskListEpic)
		}
		if err != nil {
			return err
		}
		if taskListStatus != "" {
			list = filterStatus(list, models.TaskStatus(taskListStatus))
		}
		writeTasks(os.Stdout, list)
		return nil
	},
}

var taskImportCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Import tasks from a YAML or JSON file",
	Long: `Import tasks from a file, replacing tasks with the same id.

The file holds a list of tasks, either at the top level or under "tasks":

  tasks:
    - id: auth
      title: Authentication
    - id: auth-1
      title: Add the login handler
      parent: auth
      priority: 1
    - id: auth-2
      title: Add the logout handler
      parent: auth
      depends_on: [auth-1]

JSON with the same fields is accepted. Tasks without an id get one.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := os.Open(args[0])
		if err != nil {
			return err
		}
		defer f.Close()
		list, err := parseTaskFile(f)
		if err != nil {
			return fmt.Errorf("parse %s: %w", args[0], err)
		}

		db, done, err := openTaskStore()
		if err != nil {
			return err
		}
		defer done()
		n, err := db.ImportTasks(cmd.Context(), list)
		if err != nil {
			return err
		}
		printStatus("✓", fmt.Sprintf("Imported %d task(s)", n), color.FgGreen)
		return nil
	},
}

func init() {
	taskAddCmd.Flags().StringVar(&taskAddID, "id", "", "Task id (default: generated)")
	taskAddCmd.Flags().StringVarP(&taskAddDescription, "description", "d", "", "Task description")
	taskAddCmd.Flags().IntVarP(&taskAddPriority, "priority", "p", 2, "Priority; lower runs first")
	taskAddCmd.Flags().StringVar(&taskAddParent, "epic", "", "Epic the task belongs to")
	taskAddCmd.Flags().StringSliceVar(&taskAddDependsOn, "depends-on", nil, "Task ids that must be closed first")

	taskListCmd.Flags().StringVar(&taskListEpic, "epic", "", "Only list tasks of this epic")
	taskListCmd.Flags().StringVar(&taskListStatus, "status", "", "Only list tasks with this status (open, in_progress, closed)")
	taskListCmd.Flags().BoolVar(&taskListReady, "ready", false, "List the ready queue in selection order")

	taskCmd.AddCommand(taskAddCmd)
	taskCmd.AddCommand(taskListCmd)
	taskCmd.AddCommand(taskImportCmd)
}

// openTaskStore opens the sqlite store, refusing when the project uses
// another backend.
func openTaskStore() (*state.DB, func(), error) {
	p, err := openProject()
	if err != nil {
		return nil, nil, err
	}
	if p.cfg.Tasks.Backend != config.BackendSQLite {
		p.Close()
		return nil, nil, fmt.Errorf("tasks.backend is %s; manage its tasks with that tool", p.cfg.Tasks.Backend)
	}
	db, err := p.DB()
	if err != nil {
		p.Close()
		return nil, nil, err
	}
	return db, p.Close, nil
}

func newTaskID() string {
	return "cub-" + uuid.NewString()[:6]
}

// taskSpec is the import file shape of a task.
type taskSpec struct {
	ID          string   `yaml:"id"`
	Title       string   `yaml:"title"`
	Description string   `yaml:"description"`
	Status      string   `yaml:"status"`
	Priority    int      `yaml:"priority"`
	Parent      string   `yaml:"parent"`
	Epic        string   `yaml:"epic"`
	DependsOn   []string `yaml:"depends_on"`
}

// parseTaskFile reads a list of tasks, bare or under a "tasks" key. JSON
// input parses as YAML.
func parseTaskFile(r io.Reader) ([]models.Task, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}

	var node yaml.Node
	if err := yaml.Unmarshal(data, &node); err != nil {
		return nil, err
	}
	if len(node.Content) == 0 {
		return nil, fmt.Errorf("no tasks found")
	}

	var specs []taskSpec
	doc := node.Content[0]
	switch doc.Kind {
	case yaml.SequenceNode:
		err = doc.Decode(&specs)
	case yaml.MappingNode:
		var wrapped struct {
			Tasks []taskSpec `yaml:"tasks"`
		}
		err = doc.Decode(&wrapped)
		specs = wrapped.Tasks
	default:
		return nil, fmt.Errorf("expected a list of tasks")
	}
	if err != nil {
		return nil, err
	}
	if len(specs) == 0 {
		return nil, fmt.Errorf("no tasks found")
	}

	out := make([]models.Task, 0, len(specs))
	for i, s := range specs {
		if strings.TrimSpace(s.Title) == "" {
			return nil, fmt.Errorf("task %d has no title", i+1)
		}
		t := models.Task{
			ID:          s.ID,
			Title:       s.Title,
			Description: s.Description,
			Status:      models.TaskStatus(s.Status),
			Priority:    s.Priority,
			Parent:      s.Parent,
			DependsOn:   s.DependsOn,
		}
		if t.Parent == "" {
			t.Parent = s.Epic
		}
		if t.ID == "" {
			t.ID = newTaskID()
		}
		if t.Status != "" && !t.Status.Valid() {
			return nil, fmt.Errorf("task %s: invalid status %q", t.ID, t.Status)
		}
		out = append(out, t)
	}
	return out, nil
}

func filterStatus(list []models.Task, status models.TaskStatus) []models.Task {
	var out []models.Task
	for _, t := range list {
		if t.Status == status {
			out = append(out, t)
		}
	}
	return out
}

func writeTasks(w io.Writer, list []models.Task) {
	if len(list) == 0 {
		fmt.Fprintln(w, "No tasks.")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATUS\tPRI\tEPIC\tDEPENDS ON\tTITLE")
	for _, t := range list {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\t%s\n",
			t.ID, t.Status, t.Priority, t.Parent, strings.Join(t.DependsOn, ","), t.Title)
	}
	tw.Flush()
}
