package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
	"github.com/spf13/cobra"

	"github.com/crewdesk/crewsync/internal/app"
	"github.com/crewdesk/crewsync/internal/schema"
	"github.com/crewdesk/crewsync/internal/store"
	"github.com/crewdesk/crewsync/internal/ui"
)

var taskCmd = &cobra.Command{
	Use:     "task",
	GroupID: "data",
	Short:   "Manage tasks",
}

var taskAddCmd = &cobra.Command{
	Use:   "add [title]",
	Short: "Create a task",
	Long: `Create a task. The task is stored locally at once and delivered to the
remote store by the next sync.

Due dates accept natural language:
  crewsync task add "Inspect generator" --due "next friday 9am"
  crewsync task add "Fire drill" --team team-1 --due "in 3 days"

Without a title an interactive form is shown.`,
	Args: cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()

		task := &schema.Task{}
		task.Description, _ = cmd.Flags().GetString("description")
		task.Priority, _ = cmd.Flags().GetString("priority")
		task.AssignedStaffIDs, _ = cmd.Flags().GetStringSlice("staff")
		task.AssignedTeamIDs, _ = cmd.Flags().GetStringSlice("team")
		due, _ := cmd.Flags().GetString("due")

		if len(args) == 1 {
			task.Title = args[0]
		} else if err := taskForm(task, &due); err != nil {
			fatal("%v", err)
		}
		if len(task.AssignedTeamIDs) > 0 {
			task.AssignmentMode = schema.AssignTeam
		}
		if due != "" {
			t, err := parseDue(due, time.Now())
			if err != nil {
				fatal("%v", err)
			}
			task.DueDate = &t
		}

		a := openApp(ctx)
		defer a.Close()

		created, err := a.Service.CreateTask(ctx, task)
		if err != nil {
			fatal("failed to create task: %v", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s created task %s\n", renderPass("✓"), created.ID)
		afterMutation(ctx, cmd, a)
	},
}

// taskForm asks for the task fields interactively.
func taskForm(task *schema.Task, due *string) error {
	if task.Priority == "" {
		task.Priority = schema.PriorityMedium
	}
	return huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Title").
				Value(&task.Title).
				Validate(func(s string) error {
					if strings.TrimSpace(s) == "" {
						return fmt.Errorf("title is required")
					}
					return nil
				}),
			huh.NewText().
				Title("Description").
				Value(&task.Description),
			huh.NewSelect[string]().
				Title("Priority").
				Options(huh.NewOptions(
					schema.PriorityLow,
					schema.PriorityMedium,
					schema.PriorityHigh,
					schema.PriorityUrgent,
				)...).
				Value(&task.Priority),
			huh.NewInput().
				Title("Due").
				Placeholder("tomorrow 5pm").
				Value(due).
				Validate(func(s string) error {
					if s == "" {
						return nil
					}
					_, err := parseDue(s, time.Now())
					return err
				}),
		),
	).Run()
}

// parseDue resolves a natural-language or RFC 3339 date relative to now.
func parseDue(text string, now time.Time) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, text); err == nil {
		return t.UTC(), nil
	}
	if t, err := time.ParseInLocation(time.DateOnly, text, now.Location()); err == nil {
		return t.UTC(), nil
	}

	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)
	r, err := w.Parse(text, now)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse due date %q: %w", text, err)
	}
	if r == nil {
		return time.Time{}, fmt.Errorf("could not understand due date %q", text)
	}
	return r.Time.UTC(), nil
}

var taskListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tasks",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		a := openApp(ctx)
		defer a.Close()

		status, _ := cmd.Flags().GetString("status")
		tasks, err := store.AllOf[*schema.Task](ctx, a.DB)
		if err != nil {
			fatal("%v", err)
		}
		if status != "" {
			filtered := tasks[:0]
			for _, t := range tasks {
				if t.Status == status {
					filtered = append(filtered, t)
				}
			}
			tasks = filtered
		}
		fmt.Fprintln(cmd.OutOrStdout(), ui.NewPrinter(cmd.OutOrStdout()).Tasks(tasks, time.Now()))
	},
}

var taskRmCmd = &cobra.Command{
	Use:   "rm <task-id>",
	Short: "Delete a task and its assignments",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		a := openApp(ctx)
		defer a.Close()

		if err := a.Service.DeleteTask(ctx, args[0]); err != nil {
			fatal("%v", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s deleted task %s\n", renderPass("✓"), args[0])
		afterMutation(ctx, cmd, a)
	},
}

var taskAssignCmd = &cobra.Command{
	Use:   "assign <task-id> <staff-id>",
	Short: "Assign a task to a staff member",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		a := openApp(ctx)
		defer a.Close()

		if _, err := store.GetOf[*schema.Task](ctx, a.DB, args[0]); err != nil {
			fatal("%v", err)
		}
		if unassign, _ := cmd.Flags().GetBool("remove"); unassign {
			if err := a.Service.UnassignTask(ctx, args[0], args[1]); err != nil {
				fatal("%v", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s unassigned %s from %s\n", renderPass("✓"), args[1], args[0])
		} else {
			if _, err := a.Service.AssignTask(ctx, args[0], args[1]); err != nil {
				fatal("%v", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s assigned %s to %s\n", renderPass("✓"), args[0], args[1])
		}
		afterMutation(ctx, cmd, a)
	},
}

var taskStatusCmd = &cobra.Command{
	Use:   "status <task-id> <status>",
	Short: "Move a task to pending, in_progress, completed or cancelled",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		a := openApp(ctx)
		defer a.Close()

		if err := a.Service.SetTaskStatus(ctx, args[0], args[1]); err != nil {
			fatal("%v", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s %s is now %s\n", renderPass("✓"), args[0], args[1])
		afterMutation(ctx, cmd, a)
	},
}

// afterMutation shares the new local state with other processes and, with
// --sync, delivers it at once.
func afterMutation(ctx context.Context, cmd *cobra.Command, a *app.App) {
	if a.Broadcaster != nil {
		if err := a.Broadcaster.Publish(ctx); err != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "%s failed to notify other processes: %v\n", renderWarn("⚠"), err)
		}
	}
	if now, _ := cmd.Flags().GetBool("sync"); now {
		forceSync(ctx, cmd, a)
	}
}

func init() {
	taskAddCmd.Flags().StringP("description", "d", "", "task description")
	taskAddCmd.Flags().StringP("priority", "p", "", "low, medium, high or urgent")
	taskAddCmd.Flags().String("due", "", "due date, e.g. \"tomorrow 5pm\"")
	taskAddCmd.Flags().StringSlice("staff", nil, "assign to staff ids")
	taskAddCmd.Flags().StringSlice("team", nil, "assign to every member of these teams")
	taskListCmd.Flags().String("status", "", "only tasks with this status")
	taskAssignCmd.Flags().Bool("remove", false, "remove the assignment instead")

	for _, c := range []*cobra.Command{taskAddCmd, taskRmCmd, taskAssignCmd, taskStatusCmd} {
		c.Flags().Bool("sync", false, "sync immediately")
	}
	taskCmd.AddCommand(taskAddCmd, taskListCmd, taskRmCmd, taskAssignCmd, taskStatusCmd)
	rootCmd.AddCommand(taskCmd)
}
