package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v2"

	"drospect/internal/clix"
	"drospect/internal/models"
)

var tasksCmd = &cobra.Command{
	Use:   "tasks",
	Short: "Inspect and manage orthomosaic tasks",
}

var listTasksCmd = &cobra.Command{
	Use:   "list",
	Short: "List tasks, newest first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		pagination, err := clix.ParsePagination(cmd.Flags())
		if err != nil {
			return err
		}
		statuses, err := clix.ParseStatuses(cmd.Flags())
		if err != nil {
			return err
		}
		output, err := clix.ParseOutput(cmd.Flags())
		if err != nil {
			return err
		}

		appInstance, err := GetAppFromContext(cmd.Context())
		if err != nil {
			return err
		}

		tasks, err := appInstance.Store.ListTasks(cmd.Context(), pagination.Limit, pagination.Offset, statuses)
		if err != nil {
			return fmt.Errorf("failed to list tasks: %w", err)
		}

		out := cmd.OutOrStdout()
		if output == "yaml" {
			return writeTasksYAML(out, tasks)
		}
		if len(tasks) == 0 {
			fmt.Fprintln(out, "No tasks found.")
			return nil
		}
		writeTasksTable(out, tasks)
		return nil
	},
}

var showTaskCmd = &cobra.Command{
	Use:   "show <task-id>",
	Short: "Show one task, refreshed from the engine while active",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		appInstance, err := GetAppFromContext(cmd.Context())
		if err != nil {
			return err
		}
		view, err := appInstance.TaskService.Get(cmd.Context(), args[0])
		if err != nil {
			return fmt.Errorf("failed to get task: %w", err)
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(view)
	},
}

var cancelTaskCmd = &cobra.Command{
	Use:   "cancel <task-id>",
	Short: "Cancel a task and refund its credits",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		appInstance, err := GetAppFromContext(cmd.Context())
		if err != nil {
			return err
		}
		view, err := appInstance.TaskService.Cancel(cmd.Context(), args[0])
		if err != nil {
			return fmt.Errorf("failed to cancel task: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Task %s is now %s\n", view.ID, statusString(view.Status))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(tasksCmd)
	tasksCmd.AddCommand(listTasksCmd, showTaskCmd, cancelTaskCmd)

	listTasksCmd.Flags().IntP("limit", "l", 20, "Number of tasks to display")
	listTasksCmd.Flags().IntP("offset", "o", 0, "Number of tasks to skip")
	listTasksCmd.Flags().StringP("status", "s", "", "Comma-separated statuses to filter by (e.g. queued,processing)")
	listTasksCmd.Flags().String("output", "table", "Output format: table or yaml")
}

// taskRow is the yaml shape of a listed task.
type taskRow struct {
	ID        string `yaml:"id"`
	ProjectID string `yaml:"project_id"`
	Status    string `yaml:"status"`
	Progress  int    `yaml:"progress"`
	Images    int    `yaml:"images"`
	Model     string `yaml:"model"`
	Chunks    int    `yaml:"chunks"`
	Error     string `yaml:"error,omitempty"`
	Created   string `yaml:"created"`
}

func toRow(t *models.Task) taskRow {
	return taskRow{
		ID:        t.ID,
		ProjectID: t.ProjectID,
		Status:    string(t.Status),
		Progress:  t.Progress,
		Images:    t.ImagesCount,
		Model:     string(t.Model),
		Chunks:    t.Split.Chunks,
		Error:     t.ErrorMessage,
		Created:   t.CreatedAt.Format("2006-01-02 15:04:05"),
	}
}

func writeTasksYAML(w io.Writer, tasks []*models.Task) error {
	rows := make([]taskRow, 0, len(tasks))
	for _, t := range tasks {
		rows = append(rows, toRow(t))
	}
	data, err := yaml.Marshal(rows)
	if err != nil {
		return fmt.Errorf("failed to encode tasks: %w", err)
	}
	_, err = w.Write(data)
	return err
}

func writeTasksTable(w io.Writer, tasks []*models.Task) {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"ID", "Project", "Status", "Progress", "Images", "Model", "Created At"})
	table.SetBorder(false)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)

	for _, t := range tasks {
		row := toRow(t)
		table.Append([]string{
			row.ID,
			row.ProjectID,
			statusString(t.Status),
			strconv.Itoa(row.Progress) + "%",
			strconv.Itoa(row.Images),
			row.Model,
			row.Created,
		})
	}
	table.Render()
}

func statusString(s models.TaskStatus) string {
	switch s {
	case models.TaskStatusCompleted:
		return color.GreenString(string(s))
	case models.TaskStatusFailed, models.TaskStatusCancelled:
		return color.RedString(string(s))
	case models.TaskStatusQueued:
		return string(s)
	}
	return color.YellowString(string(s))
}
