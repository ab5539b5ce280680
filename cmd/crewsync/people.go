package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/crewdesk/crewsync/internal/schema"
	"github.com/crewdesk/crewsync/internal/store"
	"github.com/crewdesk/crewsync/internal/ui"
)

var staffCmd = &cobra.Command{
	Use:     "staff",
	GroupID: "data",
	Short:   "Manage staff",
}

var staffAddCmd = &cobra.Command{
	Use:   "add <name>",
	Short: "Add a staff member",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		a := openApp(ctx)
		defer a.Close()

		staff := &schema.Staff{Name: args[0]}
		staff.Email, _ = cmd.Flags().GetString("email")
		staff.Role, _ = cmd.Flags().GetString("role")
		staff.Department, _ = cmd.Flags().GetString("department")

		created, err := a.Service.CreateStaff(ctx, staff)
		if err != nil {
			fatal("failed to add staff: %v", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s added %s (%s)\n", renderPass("✓"), created.Name, created.ID)
		afterMutation(ctx, cmd, a)
	},
}

var staffListCmd = &cobra.Command{
	Use:   "list",
	Short: "List staff",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		a := openApp(ctx)
		defer a.Close()

		staff, err := store.AllOf[*schema.Staff](ctx, a.DB)
		if err != nil {
			fatal("%v", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), ui.NewPrinter(cmd.OutOrStdout()).Staff(staff))
	},
}

var staffRmCmd = &cobra.Command{
	Use:   "rm <staff-id>",
	Short: "Remove a staff member",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		a := openApp(ctx)
		defer a.Close()

		if err := a.Service.DeleteStaff(ctx, args[0]); err != nil {
			fatal("%v", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s removed %s\n", renderPass("✓"), args[0])
		afterMutation(ctx, cmd, a)
	},
}

var teamCmd = &cobra.Command{
	Use:     "team",
	GroupID: "data",
	Short:   "Manage teams and memberships",
}

var teamAddCmd = &cobra.Command{
	Use:   "add <name>",
	Short: "Create a team",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		a := openApp(ctx)
		defer a.Close()

		team := &schema.Team{Name: args[0]}
		team.LeaderID, _ = cmd.Flags().GetString("leader")
		team.Description, _ = cmd.Flags().GetString("description")

		created, err := a.Service.CreateTeam(ctx, team)
		if err != nil {
			fatal("failed to create team: %v", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s created team %s (%s)\n", renderPass("✓"), created.Name, created.ID)
		afterMutation(ctx, cmd, a)
	},
}

var teamListCmd = &cobra.Command{
	Use:   "list",
	Short: "List teams",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		a := openApp(ctx)
		defer a.Close()

		teams, err := store.AllOf[*schema.Team](ctx, a.DB)
		if err != nil {
			fatal("%v", err)
		}
		members, err := store.AllOf[*schema.TeamMember](ctx, a.DB)
		if err != nil {
			fatal("%v", err)
		}
		counts := make(map[string]int, len(teams))
		for _, m := range members {
			counts[m.TeamID]++
		}
		fmt.Fprintln(cmd.OutOrStdout(), ui.NewPrinter(cmd.OutOrStdout()).Teams(teams, counts))
	},
}

var teamRmCmd = &cobra.Command{
	Use:   "rm <team-id>",
	Short: "Delete a team and its memberships",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		a := openApp(ctx)
		defer a.Close()

		if err := a.Service.DeleteTeam(ctx, args[0]); err != nil {
			fatal("%v", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s deleted team %s\n", renderPass("✓"), args[0])
		afterMutation(ctx, cmd, a)
	},
}

var teamJoinCmd = &cobra.Command{
	Use:   "join <team-id> <staff-id>",
	Short: "Add a staff member to a team",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		a := openApp(ctx)
		defer a.Close()

		if _, err := store.GetOf[*schema.Team](ctx, a.DB, args[0]); err != nil {
			fatal("%v", err)
		}
		if leave, _ := cmd.Flags().GetBool("leave"); leave {
			if err := a.Service.RemoveTeamMember(ctx, args[0], args[1]); err != nil {
				fatal("%v", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s left %s\n", renderPass("✓"), args[1], args[0])
		} else {
			if _, err := a.Service.AddTeamMember(ctx, args[0], args[1]); err != nil {
				fatal("%v", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s joined %s\n", renderPass("✓"), args[1], args[0])
		}
		afterMutation(ctx, cmd, a)
	},
}

func init() {
	staffAddCmd.Flags().String("email", "", "email address")
	staffAddCmd.Flags().String("role", "", "role")
	staffAddCmd.Flags().String("department", "", "department")
	teamAddCmd.Flags().String("leader", "", "leader staff id")
	teamAddCmd.Flags().StringP("description", "d", "", "team description")
	teamJoinCmd.Flags().Bool("leave", false, "remove the membership instead")

	for _, c := range []*cobra.Command{staffAddCmd, staffRmCmd, teamAddCmd, teamRmCmd, teamJoinCmd} {
		c.Flags().Bool("sync", false, "sync immediately")
	}
	staffCmd.AddCommand(staffAddCmd, staffListCmd, staffRmCmd)
	teamCmd.AddCommand(teamAddCmd, teamListCmd, teamRmCmd, teamJoinCmd)
	rootCmd.AddCommand(staffCmd, teamCmd)
}
